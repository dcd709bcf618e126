// Package worker runs approved scripts in short-lived, locked-down
// subprocesses. The execution config, credentials included, travels to the
// child on stdin only: never argv, never the environment. The child's
// environment is rebuilt from a small allowlist, and a wall-clock timeout
// hard-kills anything that overstays.
package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"query-portal-engine/internal/driver"
	"query-portal-engine/internal/request"
)

// tempDirPrefix names per-execution scratch dirs so the janitor can find
// leftovers from crashed processes.
const tempDirPrefix = "qportal-worker-"

const (
	maxScriptBytes = 1 << 20
	maxStderrBytes = 256 * 1024
)

// Config controls worker process handling.
type Config struct {
	// Timeout is the wall-clock kill deadline for a single execution.
	Timeout time.Duration `yaml:"timeout"`
	// StaleAfter is how old an abandoned scratch dir must be before the
	// janitor removes it.
	StaleAfter time.Duration `yaml:"stale_after"`
	// PythonBin is the Python interpreter to invoke. Empty means "python3".
	PythonBin string `yaml:"python_bin"`
}

// DefaultConfig returns the production worker limits.
func DefaultConfig() Config {
	return Config{
		Timeout:    30 * time.Second,
		StaleAfter: time.Hour,
		PythonBin:  "python3",
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Timeout <= 0 {
		c.Timeout = d.Timeout
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = d.StaleAfter
	}
	return c
}

// LaunchSpec describes one script execution.
type LaunchSpec struct {
	RequestID string
	Language  string
	Script    string
	Target    request.TargetKind
	Params    driver.ConnParams
	// Timeout overrides the launcher default when positive.
	Timeout time.Duration
}

// Failure is the structured error a worker reports for a script that ran
// but did not succeed.
type Failure struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// Outcome is the parsed result of one worker run. Failure is set when the
// script itself failed; an error return from Launch means the machinery
// around the script failed instead.
type Outcome struct {
	ExecID   string
	Success  bool
	Result   any
	Output   []map[string]any
	Failure  *Failure
	Duration time.Duration
	Stderr   string
}

// workerConfig is the JSON handed to the child on stdin.
type workerConfig struct {
	Script       string         `json:"script"`
	DatabaseType string         `json:"database_type"`
	Instance     instanceConfig `json:"instance"`
	DatabaseName string         `json:"database_name"`
	TimeoutMS    int64          `json:"timeout_ms"`
}

type instanceConfig struct {
	Host     string `json:"host,omitempty"`
	Port     int    `json:"port,omitempty"`
	User     string `json:"user,omitempty"`
	Password string `json:"password,omitempty"`
	URI      string `json:"uri,omitempty"`
}

// wireOutcome is the JSON the child writes to stdout.
type wireOutcome struct {
	Success bool             `json:"success"`
	Result  any              `json:"result"`
	Output  []map[string]any `json:"output"`
	Error   *Failure         `json:"error"`
}

// Launcher executes scripts through registered runtimes.
type Launcher struct {
	runtimes *Registry
	cfg      Config
	tempRoot string

	active atomic.Int64
	wg     sync.WaitGroup
	mu     sync.Mutex
	closed bool

	cancelJanitor context.CancelFunc
}

// NewLauncher creates a launcher and starts the scratch-dir janitor.
func NewLauncher(cfg Config) *Launcher {
	cfg = cfg.withDefaults()
	reg := NewRegistry()
	reg.Register(&PythonRuntime{Bin: cfg.PythonBin})
	l := &Launcher{
		runtimes: reg,
		cfg:      cfg,
		tempRoot: os.TempDir(),
	}

	ctx, cancel := context.WithCancel(context.Background())
	l.cancelJanitor = cancel
	go l.janitorLoop(ctx)

	return l
}

// Launch runs one script to completion and parses its outcome. A non-nil
// Outcome with Success=false means the script failed; a non-nil error means
// the worker machinery failed (and for ErrTimeout the partial Outcome is
// still returned).
func (l *Launcher) Launch(ctx context.Context, spec LaunchSpec) (*Outcome, error) {
	execID := uuid.New().String()

	logger := log.With().
		Str("exec_id", execID).
		Str("request_id", spec.RequestID).
		Str("language", spec.Language).
		Logger()

	if err := l.validateSpec(&spec); err != nil {
		return nil, &LaunchError{ExecID: execID, Op: "validate", Err: err}
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil, &LaunchError{ExecID: execID, Op: "launch", Err: ErrClosed}
	}
	l.wg.Add(1)
	l.mu.Unlock()
	defer l.wg.Done()

	l.active.Add(1)
	defer l.active.Add(-1)

	rt, err := l.runtimes.Get(spec.Language)
	if err != nil {
		return nil, &LaunchError{ExecID: execID, Op: "get_runtime", Err: err}
	}

	timeout := spec.Timeout
	if timeout <= 0 {
		timeout = l.cfg.Timeout
	}

	dir, err := os.MkdirTemp(l.tempRoot, tempDirPrefix+execID+"-*")
	if err != nil {
		return nil, &LaunchError{ExecID: execID, Op: "create_temp_dir", Err: err}
	}
	defer os.RemoveAll(dir)

	programPath := filepath.Join(dir, "worker"+rt.FileExtension())
	if err := os.WriteFile(programPath, rt.Program(), 0600); err != nil {
		return nil, &LaunchError{ExecID: execID, Op: "write_program", Err: err}
	}
	if err := os.Chmod(programPath, 0400); err != nil {
		return nil, &LaunchError{ExecID: execID, Op: "chmod_program", Err: err}
	}

	cfgJSON, err := json.Marshal(buildConfig(spec, timeout))
	if err != nil {
		return nil, &LaunchError{ExecID: execID, Op: "marshal_config", Err: err}
	}

	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	argv := rt.Command(programPath)
	cmd := exec.CommandContext(execCtx, argv[0], argv[1:]...) // #nosec G204 -- argv built by the registered runtime, not from user input
	cmd.Dir = dir
	cmd.Stdin = bytes.NewReader(cfgJSON)
	cmd.Env = allowlistEnv(dir)
	// Default CommandContext cancel is a hard kill; WaitDelay keeps Wait
	// from hanging on inherited pipe ends.
	cmd.WaitDelay = 5 * time.Second

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	logger.Info().Dur("timeout", timeout).Msg("launching worker")

	start := time.Now()
	runErr := cmd.Run()
	duration := time.Since(start)

	if runErr != nil {
		if execCtx.Err() == context.DeadlineExceeded {
			logger.Warn().Dur("duration", duration).Msg("worker killed at deadline")
			return &Outcome{
				ExecID:   execID,
				Duration: duration,
				Stderr:   truncateTail(stderr.String(), maxStderrBytes),
			}, ErrTimeout
		}
		if execCtx.Err() == context.Canceled {
			return nil, &LaunchError{ExecID: execID, Op: "run", Err: ctx.Err()}
		}
		if _, ok := runErr.(*exec.ExitError); !ok {
			return nil, &LaunchError{ExecID: execID, Op: "run", Err: runErr}
		}
		// Exit code 1 is the worker's normal script-failed path; the
		// structured outcome on stdout is still authoritative.
	}

	outcome, err := parseOutcome(stdout.Bytes())
	if err != nil {
		logger.Error().
			Err(runErr).
			Str("stderr", truncateTail(stderr.String(), 512)).
			Msg("worker produced no parseable outcome")
		return nil, &LaunchError{ExecID: execID, Op: "parse_outcome", Err: err}
	}
	outcome.ExecID = execID
	outcome.Duration = duration
	outcome.Stderr = truncateTail(stderr.String(), maxStderrBytes)

	logger.Info().
		Bool("success", outcome.Success).
		Dur("duration", duration).
		Int("output_items", len(outcome.Output)).
		Msg("worker completed")

	return outcome, nil
}

func (l *Launcher) validateSpec(spec *LaunchSpec) error {
	if spec.Script == "" {
		return fmt.Errorf("%w: script is empty", ErrInvalidSpec)
	}
	if len(spec.Script) > maxScriptBytes {
		return fmt.Errorf("%w: script exceeds 1MB limit", ErrInvalidSpec)
	}
	if _, err := l.runtimes.Get(spec.Language); err != nil {
		return fmt.Errorf("%w: %s", ErrUnsupportedLang, spec.Language)
	}
	if _, err := databaseType(spec.Target); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidSpec, err)
	}
	return nil
}

// databaseType maps a target kind onto the worker protocol's database_type.
func databaseType(kind request.TargetKind) (string, error) {
	switch kind {
	case request.TargetRelational:
		return "postgresql", nil
	case request.TargetDocument:
		return "mongodb", nil
	default:
		return "", fmt.Errorf("no worker database type for target kind %q", kind)
	}
}

func buildConfig(spec LaunchSpec, timeout time.Duration) workerConfig {
	dbType, _ := databaseType(spec.Target)
	return workerConfig{
		Script:       spec.Script,
		DatabaseType: dbType,
		Instance: instanceConfig{
			Host:     spec.Params.Host,
			Port:     spec.Params.Port,
			User:     spec.Params.User,
			Password: spec.Params.Password,
			URI:      spec.Params.URI,
		},
		DatabaseName: spec.Params.Database,
		TimeoutMS:    timeout.Milliseconds(),
	}
}

// allowlistEnv builds the child environment from scratch. Everything not
// named here is withheld, so parent secrets and loader overrides like
// LD_PRELOAD or PYTHONPATH never reach the worker.
func allowlistEnv(home string) []string {
	env := []string{
		"HOME=" + home,
		"LANG=C.UTF-8",
		"PYTHONDONTWRITEBYTECODE=1",
	}
	if path := os.Getenv("PATH"); path != "" {
		env = append(env, "PATH="+path)
	}
	return env
}

func parseOutcome(stdout []byte) (*Outcome, error) {
	trimmed := bytes.TrimSpace(stdout)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("%w: empty stdout", ErrMalformedOutput)
	}
	var wire wireOutcome
	if err := json.Unmarshal(trimmed, &wire); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrMalformedOutput, err)
	}
	return &Outcome{
		Success: wire.Success,
		Result:  wire.Result,
		Output:  wire.Output,
		Failure: wire.Error,
	}, nil
}

func truncateTail(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[len(s)-max:]
}

// janitorLoop sweeps stale scratch dirs left behind by crashed processes,
// once at startup and then periodically.
func (l *Launcher) janitorLoop(ctx context.Context) {
	l.sweepStale()

	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.sweepStale()
		case <-ctx.Done():
			return
		}
	}
}

func (l *Launcher) sweepStale() {
	entries, err := os.ReadDir(l.tempRoot)
	if err != nil {
		return
	}
	cutoff := time.Now().Add(-l.cfg.StaleAfter)
	for _, entry := range entries {
		if !entry.IsDir() || !strings.HasPrefix(entry.Name(), tempDirPrefix) {
			continue
		}
		info, err := entry.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}
		path := filepath.Join(l.tempRoot, entry.Name())
		log.Warn().Str("dir", path).Msg("removing stale worker scratch dir")
		_ = os.RemoveAll(path)
	}
}

// ActiveCount returns the number of in-flight executions.
func (l *Launcher) ActiveCount() int64 {
	return l.active.Load()
}

// Languages returns the registered script languages.
func (l *Launcher) Languages() []string {
	return l.runtimes.Languages()
}

// Close stops the janitor and waits up to 30s for in-flight executions.
func (l *Launcher) Close() error {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()

	if l.cancelJanitor != nil {
		l.cancelJanitor()
	}

	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		log.Info().Msg("all worker executions drained")
	case <-time.After(30 * time.Second):
		log.Warn().Int64("active", l.active.Load()).Msg("timed out waiting for workers to drain")
	}
	return nil
}
