package request

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidTransition is returned when a transition is attempted from a
// state that does not permit it. Duplicate approvals, double execution
// starts, and transitions out of terminal states all land here.
var ErrInvalidTransition = errors.New("invalid status transition")

func transitionError(from Status, op string) error {
	return fmt.Errorf("%w: cannot %s a %s request", ErrInvalidTransition, op, from)
}

// Approve moves pending -> approved and stamps ApprovedAt exactly once.
func (r *Request) Approve(approverID string, now time.Time) error {
	if r.Status != StatusPending {
		return transitionError(r.Status, "approve")
	}
	t := now.UTC()
	r.Status = StatusApproved
	r.ApprovedBy = approverID
	r.ApprovedAt = &t
	return nil
}

// Reject moves pending -> rejected. Rejected is terminal.
func (r *Request) Reject(approverID, reason string, now time.Time) error {
	if r.Status != StatusPending {
		return transitionError(r.Status, "reject")
	}
	t := now.UTC()
	r.Status = StatusRejected
	r.RejectedBy = approverID
	r.RejectionReason = reason
	r.ExecutionCompletedAt = &t
	return nil
}

// StartExecution moves approved -> executing and stamps ExecutionStartedAt.
// The engine triggers this immediately after approval; there is no separate
// human action between the two.
func (r *Request) StartExecution(now time.Time) error {
	if r.Status != StatusApproved {
		return transitionError(r.Status, "start execution of")
	}
	t := now.UTC()
	r.Status = StatusExecuting
	r.ExecutionStartedAt = &t
	return nil
}

// Complete moves executing -> completed with the validated result payload.
func (r *Request) Complete(result any, truncated bool, now time.Time) error {
	if r.Status != StatusExecuting {
		return transitionError(r.Status, "complete")
	}
	t := now.UTC()
	r.Status = StatusCompleted
	r.Result = result
	r.ResultTruncated = truncated
	r.ExecutionCompletedAt = &t
	return nil
}

// Fail moves executing -> failed with the stored error payload. A request
// that entered executing must always end here or in Complete — a request
// stuck in executing holds rate-limit occupancy forever.
func (r *Request) Fail(errPayload ErrorPayload, now time.Time) error {
	if r.Status != StatusExecuting {
		return transitionError(r.Status, "fail")
	}
	t := now.UTC()
	r.Status = StatusFailed
	r.Error = &errPayload
	r.ExecutionCompletedAt = &t
	return nil
}
