package worker

import (
	"errors"
	"fmt"
)

// Sentinel errors for typed error checking.
var (
	ErrTimeout         = errors.New("script execution timed out")
	ErrMalformedOutput = errors.New("worker produced malformed output")
	ErrInvalidSpec     = errors.New("invalid launch spec")
	ErrUnsupportedLang = errors.New("unsupported language")
	ErrClosed          = errors.New("launcher is closed")
)

// LaunchError wraps errors with execution context.
type LaunchError struct {
	ExecID string
	Op     string // The operation that failed
	Err    error
}

func (e *LaunchError) Error() string {
	if e.ExecID != "" {
		return fmt.Sprintf("worker %s: %s: %s", e.ExecID, e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *LaunchError) Unwrap() error {
	return e.Err
}

// IsTimeout returns true if the error is a wall-clock timeout kill.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}
