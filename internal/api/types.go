package api

import (
	"query-portal-engine/internal/request"
)

// SubmitRequest is the body of POST /api/requests.
type SubmitRequest struct {
	InstanceID   string `json:"instance_id"`
	DatabaseName string `json:"database_name"`
	Kind         string `json:"kind"` // "query" or "script"
	Query        string `json:"query,omitempty"`
	Script       string `json:"script,omitempty"`
	Language     string `json:"language,omitempty"`
	SubmitterID  string `json:"submitter_id"`
	TeamID       string `json:"team_id"`
}

// DecisionRequest is the body of the approve and reject endpoints.
type DecisionRequest struct {
	ApproverID string `json:"approver_id"`
	Reason     string `json:"reason,omitempty"` // reject only
}

// ListResponse is one page of requests.
type ListResponse struct {
	Requests []request.Request `json:"requests"`
	Count    int               `json:"count"`
}

// ErrorResponse is returned for API errors. Findings is populated only when
// the security screen blocked a submission.
type ErrorResponse struct {
	Error     string            `json:"error"`
	Code      string            `json:"code"`
	RequestID string            `json:"request_id"`
	Findings  []request.Finding `json:"findings,omitempty"`
}

// HealthResponse is returned by the health check endpoint.
type HealthResponse struct {
	Status   string     `json:"status"`
	Database bool       `json:"database"`
	Pool     PoolStatus `json:"pool"`
	Uptime   string     `json:"uptime"`
}

// PoolStatus is a point-in-time snapshot of the execution slot pool.
type PoolStatus struct {
	ActiveSlots  int   `json:"active_slots"`
	QueueDepth   int   `json:"queue_depth"`
	UsedMemoryMB int64 `json:"used_memory_mb"`
}
