package engine

import (
	"errors"
	"fmt"
	"strings"

	"query-portal-engine/internal/pool"
	"query-portal-engine/internal/ratelimit"
	"query-portal-engine/internal/registry"
	"query-portal-engine/internal/request"
	"query-portal-engine/internal/worker"
)

// Category buckets every failure the engine can produce. Stored error
// payloads carry a category plus a message and nothing else.
type Category string

const (
	CategoryValidation       Category = "validation"
	CategoryRateLimited      Category = "rate_limited"
	CategoryResourceTimeout  Category = "resource_timeout"
	CategoryExecutionTimeout Category = "execution_timeout"
	CategoryDriver           Category = "driver"
	CategoryInternal         Category = "internal"
)

// Sentinel errors for typed error checking.
var (
	ErrValidation       = errors.New("validation failed")
	ErrRateLimited      = errors.New("rate limited")
	ErrResourceTimeout  = errors.New("resource acquisition timed out")
	ErrExecutionTimeout = errors.New("execution timed out")
	ErrDriver           = errors.New("driver rejected the operation")
	ErrInternal         = errors.New("internal engine error")
)

// ValidationError rejects a submission before anything persists. It
// carries the blocking findings so the caller can show them.
type ValidationError struct {
	Findings []request.Finding
}

func (e *ValidationError) Error() string {
	if len(e.Findings) == 0 {
		return ErrValidation.Error()
	}
	cats := make([]string, 0, len(e.Findings))
	for _, f := range e.Findings {
		if f.Severity == "blocking" {
			cats = append(cats, f.Category)
		}
	}
	return fmt.Sprintf("%s: %s", ErrValidation.Error(), strings.Join(cats, ", "))
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// scriptFailure is the structured error a worker reports for a script that
// ran and failed. The type and message come from the script's own exception
// and are surfaced verbatim, the same treatment a driver error gets.
type scriptFailure struct {
	kind    string
	message string
}

func (e *scriptFailure) Error() string {
	if e.kind == "" {
		return e.message
	}
	return e.kind + ": " + e.message
}

func (e *scriptFailure) Unwrap() error { return ErrDriver }

// Classify maps any error to its taxonomy category. Unknown errors are
// internal: unexpected failures must never masquerade as user mistakes.
func Classify(err error) Category {
	switch {
	case errors.Is(err, ErrValidation),
		errors.Is(err, registry.ErrUnknownInstance),
		errors.Is(err, request.ErrInvalidTransition):
		return CategoryValidation
	case errors.Is(err, ErrRateLimited), errors.Is(err, ratelimit.ErrLimited):
		return CategoryRateLimited
	case errors.Is(err, ErrResourceTimeout), errors.Is(err, pool.ErrAcquireTimeout):
		return CategoryResourceTimeout
	case errors.Is(err, ErrExecutionTimeout), errors.Is(err, worker.ErrTimeout):
		return CategoryExecutionTimeout
	case errors.Is(err, ErrDriver):
		return CategoryDriver
	default:
		return CategoryInternal
	}
}
