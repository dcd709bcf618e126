package worker

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"query-portal-engine/internal/driver"
	"query-portal-engine/internal/request"
)

// fakeRuntime swaps the Python worker for a small shell program so Launch
// can be exercised without a Python interpreter or a database.
type fakeRuntime struct {
	program []byte
}

func (f *fakeRuntime) Name() string                 { return "fake" }
func (f *fakeRuntime) Program() []byte              { return f.program }
func (f *fakeRuntime) Command(path string) []string { return []string{"sh", path} }
func (f *fakeRuntime) FileExtension() string        { return ".sh" }

// newTestLauncher builds a Launcher for unit tests. It bypasses NewLauncher
// to avoid the janitor goroutine and to sandbox the temp root.
func newTestLauncher(t *testing.T, program string) *Launcher {
	t.Helper()
	l := &Launcher{
		runtimes: NewRegistry(),
		cfg:      DefaultConfig(),
		tempRoot: t.TempDir(),
	}
	if program != "" {
		l.runtimes.Register(&fakeRuntime{program: []byte(program)})
	}
	return l
}

func validSpec(language string) LaunchSpec {
	return LaunchSpec{
		RequestID: "req-1",
		Language:  language,
		Script:    "print('hello')",
		Target:    request.TargetRelational,
		Params: driver.ConnParams{
			Host:     "db.internal",
			Port:     5433,
			User:     "reporter",
			Password: "s3cret",
			Database: "orders",
		},
	}
}

func TestRegistry_Python(t *testing.T) {
	r := NewRegistry()
	rt, err := r.Get("python")
	if err != nil {
		t.Fatalf("Get(python) = %v, want nil", err)
	}
	if rt.FileExtension() != ".py" {
		t.Errorf("FileExtension = %q, want .py", rt.FileExtension())
	}
	argv := rt.Command("/tmp/worker.py")
	if len(argv) != 4 || argv[0] != "python3" || argv[len(argv)-1] != "/tmp/worker.py" {
		t.Errorf("Command = %v, want python3 ... /tmp/worker.py", argv)
	}
	if len(rt.Program()) == 0 {
		t.Error("embedded worker program is empty")
	}
	if !strings.Contains(string(rt.Program()), "def main") {
		t.Error("embedded worker program lacks a main entry point")
	}
}

func TestRegistry_UnsupportedLanguage(t *testing.T) {
	r := NewRegistry()
	if _, err := r.Get("cobol"); err == nil {
		t.Fatal("Get(cobol) succeeded, want error")
	} else if !strings.Contains(err.Error(), "python") {
		t.Errorf("error %q does not name the supported languages", err)
	}
}

func TestBuildConfig_WireFormat(t *testing.T) {
	spec := validSpec("python")
	raw, err := json.Marshal(buildConfig(spec, 12*time.Second))
	if err != nil {
		t.Fatalf("marshal config: %v", err)
	}

	var cfg map[string]any
	if err := json.Unmarshal(raw, &cfg); err != nil {
		t.Fatalf("unmarshal config: %v", err)
	}
	if cfg["database_type"] != "postgresql" {
		t.Errorf("database_type = %v, want postgresql", cfg["database_type"])
	}
	if cfg["database_name"] != "orders" {
		t.Errorf("database_name = %v, want orders", cfg["database_name"])
	}
	if cfg["timeout_ms"] != float64(12000) {
		t.Errorf("timeout_ms = %v, want 12000", cfg["timeout_ms"])
	}
	instance, ok := cfg["instance"].(map[string]any)
	if !ok {
		t.Fatalf("instance missing from config: %s", raw)
	}
	if instance["user"] != "reporter" || instance["password"] != "s3cret" {
		t.Errorf("instance credentials = %v, want reporter/s3cret", instance)
	}
}

func TestDatabaseType(t *testing.T) {
	tests := []struct {
		kind    request.TargetKind
		want    string
		wantErr bool
	}{
		{request.TargetRelational, "postgresql", false},
		{request.TargetDocument, "mongodb", false},
		{request.TargetKind("graph"), "", true},
	}
	for _, tt := range tests {
		got, err := databaseType(tt.kind)
		if (err != nil) != tt.wantErr {
			t.Errorf("databaseType(%q) err = %v, wantErr %v", tt.kind, err, tt.wantErr)
		}
		if got != tt.want {
			t.Errorf("databaseType(%q) = %q, want %q", tt.kind, got, tt.want)
		}
	}
}

func TestAllowlistEnv(t *testing.T) {
	t.Setenv("QP_LEAKED_SECRET", "hunter2")
	t.Setenv("LD_PRELOAD", "/tmp/evil.so")

	env := allowlistEnv("/tmp/scratch")

	joined := strings.Join(env, "\n")
	if strings.Contains(joined, "QP_LEAKED_SECRET") || strings.Contains(joined, "LD_PRELOAD") {
		t.Errorf("parent env leaked into worker env: %q", joined)
	}
	if !strings.Contains(joined, "HOME=/tmp/scratch") {
		t.Errorf("HOME not redirected to scratch dir: %q", joined)
	}
	if !strings.Contains(joined, "PYTHONDONTWRITEBYTECODE=1") {
		t.Errorf("PYTHONDONTWRITEBYTECODE missing: %q", joined)
	}
}

func TestParseOutcome(t *testing.T) {
	tests := []struct {
		name    string
		stdout  string
		wantErr error
		check   func(t *testing.T, o *Outcome)
	}{
		{
			name:   "success",
			stdout: `{"success":true,"result":{"n":1},"output":[{"type":"info","message":"hi","timestamp":"2026-01-01T00:00:00Z"}]}`,
			check: func(t *testing.T, o *Outcome) {
				if !o.Success {
					t.Error("Success = false, want true")
				}
				if o.Failure != nil {
					t.Errorf("Failure = %v, want nil", o.Failure)
				}
				if len(o.Output) != 1 || o.Output[0]["message"] != "hi" {
					t.Errorf("Output = %v, want one item with message hi", o.Output)
				}
			},
		},
		{
			name:   "script failure",
			stdout: `{"success":false,"error":{"type":"ValueError","message":"boom"},"output":[]}`,
			check: func(t *testing.T, o *Outcome) {
				if o.Success {
					t.Error("Success = true, want false")
				}
				if o.Failure == nil || o.Failure.Type != "ValueError" || o.Failure.Message != "boom" {
					t.Errorf("Failure = %v, want ValueError/boom", o.Failure)
				}
			},
		},
		{name: "empty stdout", stdout: "", wantErr: ErrMalformedOutput},
		{name: "garbage stdout", stdout: "Traceback (most recent call last)", wantErr: ErrMalformedOutput},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o, err := parseOutcome([]byte(tt.stdout))
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("err = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseOutcome: %v", err)
			}
			tt.check(t, o)
		})
	}
}

func TestValidateSpec(t *testing.T) {
	l := newTestLauncher(t, "exit 0")

	tests := []struct {
		name    string
		mutate  func(*LaunchSpec)
		wantErr error
	}{
		{"empty script", func(s *LaunchSpec) { s.Script = "" }, ErrInvalidSpec},
		{"oversized script", func(s *LaunchSpec) { s.Script = strings.Repeat("x", maxScriptBytes+1) }, ErrInvalidSpec},
		{"unknown language", func(s *LaunchSpec) { s.Language = "cobol" }, ErrUnsupportedLang},
		{"unknown target kind", func(s *LaunchSpec) { s.Target = "graph" }, ErrInvalidSpec},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec := validSpec("fake")
			tt.mutate(&spec)
			err := l.validateSpec(&spec)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("validateSpec err = %v, want %v", err, tt.wantErr)
			}
		})
	}

	spec := validSpec("fake")
	if err := l.validateSpec(&spec); err != nil {
		t.Errorf("valid spec rejected: %v", err)
	}
}

// The stdin probe asserts the config reached the child intact and that
// credentials travelled on stdin rather than argv or the environment.
const stdinProbeProgram = `cfg=$(cat)
case "$cfg" in
*'"database_type":"postgresql"'*) : ;;
*) printf '%s' '{"success":false,"error":{"type":"ProbeError","message":"database_type missing"},"output":[]}'; exit 1 ;;
esac
case "$cfg" in
*'"password":"s3cret"'*) : ;;
*) printf '%s' '{"success":false,"error":{"type":"ProbeError","message":"password missing"},"output":[]}'; exit 1 ;;
esac
if [ -n "$QP_LEAKED_SECRET" ]; then
	printf '%s' '{"success":false,"error":{"type":"ProbeError","message":"parent env leaked"},"output":[]}'
	exit 1
fi
printf '{"success":true,"result":"%s","output":[{"type":"info","message":"probe ok","timestamp":"2026-01-01T00:00:00Z"}]}' "$HOME"
`

func TestLaunch_ConfigOnStdinAndScrubbedEnv(t *testing.T) {
	t.Setenv("QP_LEAKED_SECRET", "hunter2")

	l := newTestLauncher(t, stdinProbeProgram)
	outcome, err := l.Launch(context.Background(), validSpec("fake"))
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}
	if !outcome.Success {
		t.Fatalf("probe failed: %+v", outcome.Failure)
	}
	home, _ := outcome.Result.(string)
	if !strings.Contains(home, tempDirPrefix) {
		t.Errorf("child HOME = %q, want a %s scratch dir", home, tempDirPrefix)
	}
	if outcome.ExecID == "" {
		t.Error("ExecID not stamped on outcome")
	}
	if len(outcome.Output) != 1 {
		t.Errorf("Output = %v, want the single probe item", outcome.Output)
	}
}

func TestLaunch_ScriptFailureStillParses(t *testing.T) {
	program := `cat >/dev/null
printf '%s' '{"success":false,"error":{"type":"ValueError","message":"boom"},"output":[{"type":"error","message":"boom","timestamp":"2026-01-01T00:00:00Z"}]}'
exit 1
`
	l := newTestLauncher(t, program)
	outcome, err := l.Launch(context.Background(), validSpec("fake"))
	if err != nil {
		t.Fatalf("Launch: %v (exit 1 with structured outcome is not a launch error)", err)
	}
	if outcome.Success {
		t.Error("Success = true, want false")
	}
	if outcome.Failure == nil || outcome.Failure.Type != "ValueError" {
		t.Errorf("Failure = %+v, want ValueError", outcome.Failure)
	}
}

func TestLaunch_TimeoutHardKills(t *testing.T) {
	l := newTestLauncher(t, "exec sleep 5\n")

	spec := validSpec("fake")
	spec.Timeout = 100 * time.Millisecond

	start := time.Now()
	outcome, err := l.Launch(context.Background(), spec)
	elapsed := time.Since(start)

	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
	if outcome == nil || outcome.ExecID == "" {
		t.Fatal("timeout should still return a partial outcome")
	}
	if elapsed > 3*time.Second {
		t.Errorf("kill took %s, want well under the 5s sleep", elapsed)
	}
}

func TestLaunch_CrashWithoutOutput(t *testing.T) {
	l := newTestLauncher(t, "cat >/dev/null\nexit 7\n")

	_, err := l.Launch(context.Background(), validSpec("fake"))
	if !errors.Is(err, ErrMalformedOutput) {
		t.Fatalf("err = %v, want ErrMalformedOutput", err)
	}
	var le *LaunchError
	if !errors.As(err, &le) {
		t.Fatal("error is not a *LaunchError")
	}
	if le.Op != "parse_outcome" {
		t.Errorf("Op = %q, want parse_outcome", le.Op)
	}
}

func TestLaunch_ScratchDirRemoved(t *testing.T) {
	l := newTestLauncher(t, `cat >/dev/null
printf '%s' '{"success":true,"result":null,"output":[]}'
`)
	if _, err := l.Launch(context.Background(), validSpec("fake")); err != nil {
		t.Fatalf("Launch: %v", err)
	}

	entries, err := os.ReadDir(l.tempRoot)
	if err != nil {
		t.Fatalf("read temp root: %v", err)
	}
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), tempDirPrefix) {
			t.Errorf("scratch dir %q not cleaned up", e.Name())
		}
	}
}

func TestLaunch_AfterClose(t *testing.T) {
	l := newTestLauncher(t, "exit 0")
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()

	_, err := l.Launch(context.Background(), validSpec("fake"))
	if !errors.Is(err, ErrClosed) {
		t.Fatalf("err = %v, want ErrClosed", err)
	}
}

func TestSweepStale(t *testing.T) {
	l := newTestLauncher(t, "")

	stale := filepath.Join(l.tempRoot, tempDirPrefix+"dead-1")
	fresh := filepath.Join(l.tempRoot, tempDirPrefix+"live-2")
	unrelated := filepath.Join(l.tempRoot, "somebody-else")
	for _, dir := range []string{stale, fresh, unrelated} {
		if err := os.Mkdir(dir, 0755); err != nil {
			t.Fatalf("mkdir %s: %v", dir, err)
		}
	}
	old := time.Now().Add(-2 * time.Hour)
	if err := os.Chtimes(stale, old, old); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	l.sweepStale()

	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Error("stale scratch dir survived the sweep")
	}
	if _, err := os.Stat(fresh); err != nil {
		t.Error("fresh scratch dir was removed")
	}
	if _, err := os.Stat(unrelated); err != nil {
		t.Error("unrelated dir was removed")
	}
}

func TestLauncherCloseDrains(t *testing.T) {
	l := NewLauncher(Config{})
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{}.withDefaults()
	if cfg.Timeout != 30*time.Second {
		t.Errorf("Timeout = %s, want 30s", cfg.Timeout)
	}
	if cfg.StaleAfter != time.Hour {
		t.Errorf("StaleAfter = %s, want 1h", cfg.StaleAfter)
	}
}
