// Package engine orchestrates the request lifecycle from submission
// through approval to a terminal execution outcome. It owns no transport
// and no storage: collaborators arrive as interfaces, and every failure
// past the approval boundary maps to a terminal state transition with a
// stored error payload.
package engine

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/rs/zerolog/log"

	"query-portal-engine/internal/driver"
	"query-portal-engine/internal/monitor"
	"query-portal-engine/internal/notify"
	"query-portal-engine/internal/ratelimit"
	"query-portal-engine/internal/request"
	"query-portal-engine/internal/result"
	"query-portal-engine/internal/screen"
)

// Config bounds a single execution. Non-positive fields fall back to the
// defaults.
type Config struct {
	// ExecutionTimeout is the wall-clock limit on one worker run.
	ExecutionTimeout time.Duration `yaml:"execution_timeout"`
	// ScriptMemoryMB is the pool reservation for script executions.
	ScriptMemoryMB int64 `yaml:"script_memory_mb"`
	// QueryMemoryMB is the pool reservation for query executions. Queries
	// run no worker process, so this is a nominal charge that still counts
	// toward the concurrency cap.
	QueryMemoryMB int64 `yaml:"query_memory_mb"`
	// DefaultLanguage applies when a script submission names no language.
	DefaultLanguage string `yaml:"default_language"`
}

func DefaultConfig() Config {
	return Config{
		ExecutionTimeout: 30 * time.Second,
		ScriptMemoryMB:   512,
		QueryMemoryMB:    64,
		DefaultLanguage:  "python",
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.ExecutionTimeout <= 0 {
		c.ExecutionTimeout = d.ExecutionTimeout
	}
	if c.ScriptMemoryMB <= 0 {
		c.ScriptMemoryMB = d.ScriptMemoryMB
	}
	if c.QueryMemoryMB <= 0 {
		c.QueryMemoryMB = d.QueryMemoryMB
	}
	if c.DefaultLanguage == "" {
		c.DefaultLanguage = d.DefaultLanguage
	}
	return c
}

// Deps are the engine's collaborators. Store, Targets, Limits, Slots, and
// Scripts are required; the rest have working defaults.
type Deps struct {
	Store    Store
	Targets  TargetRegistry
	Limits   LimitChecker
	Slots    SlotPool
	Scripts  ScriptLauncher
	Drivers  DriverResolver
	Notifier Notifier
	Results  *result.Validator
	Tracer   *monitor.Tracer
}

// Engine drives requests through screen, persist, approve, execute.
type Engine struct {
	cfg      Config
	store    Store
	targets  TargetRegistry
	limits   LimitChecker
	slots    SlotPool
	scripts  ScriptLauncher
	drivers  DriverResolver
	notifier Notifier
	tracer   *monitor.Tracer
	screen   *screen.Validator
	results  *result.Validator

	now func() time.Time
}

// New assembles an engine from its collaborators.
func New(cfg Config, deps Deps) *Engine {
	e := &Engine{
		cfg:      cfg.withDefaults(),
		store:    deps.Store,
		targets:  deps.Targets,
		limits:   deps.Limits,
		slots:    deps.Slots,
		scripts:  deps.Scripts,
		drivers:  deps.Drivers,
		notifier: deps.Notifier,
		tracer:   deps.Tracer,
		screen:   screen.New(),
		results:  deps.Results,
		now:      time.Now,
	}
	if e.drivers == nil {
		e.drivers = driverResolver{cfg: driver.DefaultConfig()}
	}
	if e.notifier == nil {
		e.notifier = nopNotifier{}
	}
	if e.results == nil {
		e.results = result.New(result.DefaultConfig())
	}
	if e.tracer == nil {
		e.tracer = monitor.NewTracer()
	}
	return e
}

type nopNotifier struct{}

func (nopNotifier) Notify(notify.Event) {}

// Submission is the input to Submit. Exactly one of Query and Script must
// be set, matching Kind.
type Submission struct {
	InstanceID   string
	DatabaseName string
	Kind         request.PayloadKind
	Query        string
	Script       string
	Language     string
	SubmitterID  string
	TeamID       string
}

func (s Submission) payload() string {
	if s.Kind == request.PayloadScript {
		return s.Script
	}
	return s.Query
}

// Submit screens a payload and persists it as a pending request. Blocking
// findings reject it before anything is stored; advisory findings ride
// along as warnings for the approver.
func (e *Engine) Submit(ctx context.Context, sub Submission) (*request.Request, error) {
	if err := validateSubmission(sub); err != nil {
		return nil, err
	}

	target, err := e.targets.Kind(sub.InstanceID)
	if err != nil {
		return nil, err
	}

	lang := ""
	if sub.Kind == request.PayloadScript {
		lang = sub.Language
		if lang == "" {
			lang = e.cfg.DefaultLanguage
		}
		if !slices.Contains(e.scripts.Languages(), lang) {
			return nil, fmt.Errorf("%w: unsupported language %q", ErrValidation, lang)
		}
	}

	// Document queries must at least parse as a command document; catching
	// that here beats failing after a human approved it.
	if sub.Kind == request.PayloadQuery && target == request.TargetDocument {
		if _, err := driver.ParseCommand(sub.Query); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrValidation, err)
		}
	}

	rep := e.screen.Validate(sub.payload(), target, sub.Kind)
	if rep.Blocked {
		return nil, &ValidationError{Findings: rep.Findings}
	}

	if err := e.limits.CheckSubmission(sub.SubmitterID, sub.TeamID, sub.Kind); err != nil {
		if errors.Is(err, ratelimit.ErrLimited) {
			return nil, err
		}
		// Fail open: the limiter protects capacity, it does not gate
		// correctness.
		log.Warn().Err(err).
			Str("submitter_id", sub.SubmitterID).
			Msg("limiter check failed, allowing submission")
	}

	req, err := request.New(sub.Kind, target, sub.InstanceID, sub.DatabaseName)
	if err != nil {
		e.limits.ReleasePending(sub.SubmitterID, sub.TeamID)
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.SubmitterID = sub.SubmitterID
	req.TeamID = sub.TeamID
	req.Warnings = rep.Findings
	if sub.Kind == request.PayloadScript {
		req.ScriptContent = sub.Script
		req.Language = lang
	} else {
		req.QueryContent = sub.Query
	}

	if err := e.store.Create(ctx, req); err != nil {
		e.limits.ReleasePending(sub.SubmitterID, sub.TeamID)
		return nil, fmt.Errorf("persisting request: %w", err)
	}

	log.Info().
		Str("token", req.Token).
		Str("kind", string(req.PayloadKind)).
		Str("instance_id", req.InstanceID).
		Str("submitter_id", req.SubmitterID).
		Int("warnings", len(req.Warnings)).
		Msg("request submitted")

	e.notifier.Notify(notify.Event{
		Kind:      "submitted",
		Token:     req.Token,
		Status:    req.Status,
		Submitter: req.SubmitterID,
		At:        e.now(),
	})
	return req, nil
}

func validateSubmission(sub Submission) error {
	switch {
	case sub.SubmitterID == "":
		return fmt.Errorf("%w: submitter id is required", ErrValidation)
	case sub.TeamID == "":
		return fmt.Errorf("%w: team id is required", ErrValidation)
	case sub.InstanceID == "":
		return fmt.Errorf("%w: instance id is required", ErrValidation)
	case sub.DatabaseName == "":
		return fmt.Errorf("%w: database name is required", ErrValidation)
	}
	switch sub.Kind {
	case request.PayloadQuery:
		if sub.Query == "" {
			return fmt.Errorf("%w: query payload is empty", ErrValidation)
		}
		if sub.Script != "" {
			return fmt.Errorf("%w: query and script are mutually exclusive", ErrValidation)
		}
	case request.PayloadScript:
		if sub.Script == "" {
			return fmt.Errorf("%w: script payload is empty", ErrValidation)
		}
		if sub.Query != "" {
			return fmt.Errorf("%w: query and script are mutually exclusive", ErrValidation)
		}
	default:
		return fmt.Errorf("%w: unknown payload kind %q", ErrValidation, sub.Kind)
	}
	return nil
}

// ApproveAndExecute approves a pending request and drives it through the
// execution pipeline. The returned request carries the terminal outcome;
// an error return means the approval itself did not take effect and the
// request is unchanged in the store.
func (e *Engine) ApproveAndExecute(ctx context.Context, token, approverID string) (*request.Request, error) {
	if approverID == "" {
		return nil, fmt.Errorf("%w: approver id is required", ErrValidation)
	}
	req, err := e.store.GetByToken(ctx, token)
	if err != nil {
		return nil, err
	}

	if err := req.Approve(approverID, e.now()); err != nil {
		return nil, err
	}

	// Admission runs before the approval persists: a denied approval
	// leaves the request pending so a later attempt can retry.
	if err := e.limits.CheckExecution(); err != nil {
		if errors.Is(err, ratelimit.ErrLimited) {
			return nil, err
		}
		log.Warn().Err(err).
			Str("token", token).
			Msg("limiter check failed, allowing execution")
	}

	if err := req.StartExecution(e.now()); err != nil {
		e.limits.ReleaseExecution()
		return nil, err
	}
	// One write covers both transitions; approval and execution start are
	// never observable separately from outside.
	if err := e.store.Update(ctx, req); err != nil {
		e.limits.ReleaseExecution()
		return nil, fmt.Errorf("persisting approval: %w", err)
	}
	e.limits.ReleasePending(req.SubmitterID, req.TeamID)

	log.Info().
		Str("token", req.Token).
		Str("approver_id", approverID).
		Msg("request approved")

	e.notifier.Notify(notify.Event{
		Kind:      "approved",
		Token:     req.Token,
		Status:    request.StatusApproved,
		Submitter: req.SubmitterID,
		Actor:     approverID,
		At:        e.now(),
	})

	e.execute(ctx, req)
	return req, nil
}

// Reject moves a pending request to rejected.
func (e *Engine) Reject(ctx context.Context, token, approverID, reason string) (*request.Request, error) {
	if approverID == "" {
		return nil, fmt.Errorf("%w: approver id is required", ErrValidation)
	}
	req, err := e.store.GetByToken(ctx, token)
	if err != nil {
		return nil, err
	}
	if err := req.Reject(approverID, reason, e.now()); err != nil {
		return nil, err
	}
	if err := e.store.Update(ctx, req); err != nil {
		return nil, fmt.Errorf("persisting rejection: %w", err)
	}
	e.limits.ReleasePending(req.SubmitterID, req.TeamID)

	log.Info().
		Str("token", req.Token).
		Str("approver_id", approverID).
		Msg("request rejected")

	e.notifier.Notify(notify.Event{
		Kind:      "rejected",
		Token:     req.Token,
		Status:    req.Status,
		Submitter: req.SubmitterID,
		Actor:     approverID,
		At:        e.now(),
	})
	return req, nil
}
