// Package request defines the execution request entity and its lifecycle
// state machine. All status and timestamp changes go through the transition
// methods; nothing else mutates lifecycle fields.
package request

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned by stores when no request matches.
var ErrNotFound = errors.New("request not found")

// TargetKind identifies the class of data store a request runs against.
type TargetKind string

const (
	TargetRelational TargetKind = "relational"
	TargetDocument   TargetKind = "document"
)

// PayloadKind distinguishes inline queries from executable scripts.
type PayloadKind string

const (
	PayloadQuery  PayloadKind = "query"
	PayloadScript PayloadKind = "script"
)

// Status is the lifecycle state of a request.
type Status string

const (
	StatusPending   Status = "pending"
	StatusApproved  Status = "approved"
	StatusRejected  Status = "rejected"
	StatusExecuting Status = "executing"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether no further transitions are valid from s.
func (s Status) Terminal() bool {
	return s == StatusRejected || s == StatusCompleted || s == StatusFailed
}

// Finding is a security-screen result attached to a request. Blocking
// findings reject the payload outright; advisory findings ride along so the
// approver sees them.
type Finding struct {
	Category string `json:"category"`
	Severity string `json:"severity"` // "blocking" or "advisory"
	Message  string `json:"message"`
	Line     int    `json:"line,omitempty"`
}

// ErrorPayload is the stored failure detail for a failed request. It carries
// a category from the engine's taxonomy and a message — never stack traces
// or connection secrets.
type ErrorPayload struct {
	Category string `json:"category"`
	Message  string `json:"message"`
}

// Request is a submitted query or script awaiting review and execution.
// External references always use Token, never ID: the internal id is
// sequential in some stores and must not be enumerable.
type Request struct {
	ID    string `json:"id"`
	Token string `json:"token"`

	TargetKind   TargetKind `json:"target_kind"`
	InstanceID   string     `json:"instance_id"`
	DatabaseName string     `json:"database_name"`

	PayloadKind   PayloadKind `json:"payload_kind"`
	QueryContent  string      `json:"query_content,omitempty"`
	ScriptContent string      `json:"script_content,omitempty"`
	Language      string      `json:"language,omitempty"`

	SubmitterID string `json:"submitter_id"`
	TeamID      string `json:"team_id"`

	Status          Status        `json:"status"`
	Warnings        []Finding     `json:"warnings,omitempty"`
	ApprovedBy      string        `json:"approved_by,omitempty"`
	RejectedBy      string        `json:"rejected_by,omitempty"`
	RejectionReason string        `json:"rejection_reason,omitempty"`
	Result          any           `json:"result,omitempty"`
	ResultTruncated bool          `json:"result_truncated,omitempty"`
	Error           *ErrorPayload `json:"error,omitempty"`

	CreatedAt            time.Time  `json:"created_at"`
	ApprovedAt           *time.Time `json:"approved_at,omitempty"`
	ExecutionStartedAt   *time.Time `json:"execution_started_at,omitempty"`
	ExecutionCompletedAt *time.Time `json:"execution_completed_at,omitempty"`
}

// New builds a pending request with a fresh id and public token.
func New(kind PayloadKind, target TargetKind, instanceID, databaseName string) (*Request, error) {
	token, err := NewToken()
	if err != nil {
		return nil, err
	}
	return &Request{
		ID:           uuid.New().String(),
		Token:        token,
		TargetKind:   target,
		InstanceID:   instanceID,
		DatabaseName: databaseName,
		PayloadKind:  kind,
		Status:       StatusPending,
		CreatedAt:    time.Now().UTC(),
	}, nil
}

// Payload returns whichever of query or script content is set.
func (r *Request) Payload() string {
	if r.PayloadKind == PayloadScript {
		return r.ScriptContent
	}
	return r.QueryContent
}

// Filter narrows store listings. Zero-valued fields match everything.
type Filter struct {
	Status      Status
	SubmitterID string
	InstanceID  string
	Limit       int
	Offset      int
}
