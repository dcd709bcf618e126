package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/rs/zerolog/log"

	"query-portal-engine/internal/engine"
	"query-portal-engine/internal/monitor"
	"query-portal-engine/internal/ratelimit"
	"query-portal-engine/internal/registry"
	"query-portal-engine/internal/request"
)

type Handlers struct {
	engine  *engine.Engine
	store   engine.Store
	metrics *monitor.Metrics
}

func NewHandlers(eng *engine.Engine, store engine.Store, metrics *monitor.Metrics) *Handlers {
	return &Handlers{
		engine:  eng,
		store:   store,
		metrics: metrics,
	}
}

func (h *Handlers) HandleSubmit(w http.ResponseWriter, r *http.Request) {
	var body SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, "invalid JSON: "+err.Error(), "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}

	h.metrics.PayloadSizeBytes.Observe(float64(len(body.Query) + len(body.Script)))

	req, err := h.engine.Submit(r.Context(), engine.Submission{
		InstanceID:   body.InstanceID,
		DatabaseName: body.DatabaseName,
		Kind:         request.PayloadKind(body.Kind),
		Query:        body.Query,
		Script:       body.Script,
		Language:     body.Language,
		SubmitterID:  body.SubmitterID,
		TeamID:       body.TeamID,
	})
	if err != nil {
		h.submitError(w, r, body.Kind, err)
		return
	}

	h.metrics.RecordSubmission(string(req.PayloadKind), "accepted")
	for _, f := range req.Warnings {
		h.metrics.RecordFinding(f.Severity, f.Category)
	}

	writeJSON(w, http.StatusCreated, req)
}

// submitError maps a submission failure to a response and records it. Blocked
// payloads keep their findings in the body so the submitter can see exactly
// what tripped the screen.
func (h *Handlers) submitError(w http.ResponseWriter, r *http.Request, kind string, err error) {
	var verr *engine.ValidationError
	switch {
	case errors.As(err, &verr):
		h.metrics.RecordSubmission(kind, "blocked")
		for _, f := range verr.Findings {
			h.metrics.RecordFinding(f.Severity, f.Category)
		}
		writeJSON(w, http.StatusForbidden, ErrorResponse{
			Error:     err.Error(),
			Code:      "SECURITY_BLOCKED",
			RequestID: RequestIDFromContext(r.Context()),
			Findings:  verr.Findings,
		})
	case errors.Is(err, ratelimit.ErrLimited):
		h.metrics.RecordSubmission(kind, "rate_limited")
		h.metrics.RecordDenial("submission")
		w.Header().Set("Retry-After", "60")
		writeError(w, err.Error(), "RATE_LIMITED", http.StatusTooManyRequests, r)
	case errors.Is(err, registry.ErrUnknownInstance):
		h.metrics.RecordSubmission(kind, "rejected")
		writeError(w, err.Error(), "UNKNOWN_INSTANCE", http.StatusBadRequest, r)
	case errors.Is(err, engine.ErrValidation):
		h.metrics.RecordSubmission(kind, "rejected")
		writeError(w, err.Error(), "INVALID_REQUEST", http.StatusBadRequest, r)
	default:
		h.metrics.RecordSubmission(kind, "error")
		log.Error().Err(err).Msg("submission failed")
		writeError(w, "internal error", "INTERNAL", http.StatusInternalServerError, r)
	}
}

func (h *Handlers) HandleApprove(w http.ResponseWriter, r *http.Request) {
	token := r.PathValue("token")

	var body DecisionRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, "invalid JSON: "+err.Error(), "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}
	if body.ApproverID == "" {
		writeError(w, "approver_id is required", "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}

	// Authorization guards live here, not in the engine. The engine trusts
	// its caller; the API is the caller that has to be suspicious.
	cur, err := h.store.GetByToken(r.Context(), token)
	if err != nil {
		h.decisionError(w, r, err)
		return
	}
	if cur.SubmitterID == body.ApproverID {
		writeError(w, "submitter cannot approve their own request", "SELF_APPROVAL", http.StatusForbidden, r)
		return
	}
	if cur.Status != request.StatusPending {
		writeError(w, fmt.Sprintf("request is %s, not pending", cur.Status), "ALREADY_DECIDED", http.StatusConflict, r)
		return
	}

	h.metrics.ActiveExecutions.Inc()
	defer h.metrics.ActiveExecutions.Dec()

	req, err := h.engine.ApproveAndExecute(r.Context(), token, body.ApproverID)
	if err != nil {
		h.decisionError(w, r, err)
		return
	}

	h.recordOutcome(req)
	writeJSON(w, http.StatusOK, req)
}

func (h *Handlers) HandleReject(w http.ResponseWriter, r *http.Request) {
	token := r.PathValue("token")

	var body DecisionRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, "invalid JSON: "+err.Error(), "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}
	if body.ApproverID == "" {
		writeError(w, "approver_id is required", "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}

	req, err := h.engine.Reject(r.Context(), token, body.ApproverID, body.Reason)
	if err != nil {
		h.decisionError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, req)
}

func (h *Handlers) HandleGet(w http.ResponseWriter, r *http.Request) {
	req, err := h.store.GetByToken(r.Context(), r.PathValue("token"))
	if err != nil {
		if errors.Is(err, request.ErrNotFound) {
			writeError(w, "request not found", "NOT_FOUND", http.StatusNotFound, r)
			return
		}
		log.Error().Err(err).Msg("loading request failed")
		writeError(w, "internal error", "INTERNAL", http.StatusInternalServerError, r)
		return
	}

	writeJSON(w, http.StatusOK, req)
}

func (h *Handlers) HandleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	filter := request.Filter{
		Status:      request.Status(q.Get("status")),
		SubmitterID: q.Get("submitter_id"),
		InstanceID:  q.Get("instance_id"),
		Limit:       50,
	}
	if raw := q.Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 500 {
			filter.Limit = n
		}
	}
	if raw := q.Get("offset"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n >= 0 {
			filter.Offset = n
		}
	}

	reqs, err := h.store.List(r.Context(), filter)
	if err != nil {
		log.Error().Err(err).Msg("listing requests failed")
		writeError(w, "internal error", "INTERNAL", http.StatusInternalServerError, r)
		return
	}

	writeJSON(w, http.StatusOK, ListResponse{Requests: reqs, Count: len(reqs)})
}

// decisionError maps approve/reject failures. Terminal execution outcomes
// never land here; a failed run still returns 200 with the stored request.
func (h *Handlers) decisionError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, request.ErrNotFound):
		writeError(w, "request not found", "NOT_FOUND", http.StatusNotFound, r)
	case errors.Is(err, request.ErrInvalidTransition):
		writeError(w, err.Error(), "ALREADY_DECIDED", http.StatusConflict, r)
	case errors.Is(err, ratelimit.ErrLimited):
		h.metrics.RecordDenial("execution")
		w.Header().Set("Retry-After", "60")
		writeError(w, err.Error(), "RATE_LIMITED", http.StatusTooManyRequests, r)
	case errors.Is(err, engine.ErrValidation):
		writeError(w, err.Error(), "INVALID_REQUEST", http.StatusBadRequest, r)
	default:
		log.Error().Err(err).Msg("decision failed")
		writeError(w, "internal error", "INTERNAL", http.StatusInternalServerError, r)
	}
}

// recordOutcome emits execution metrics from the terminal state of a request
// that went through approve-and-execute.
func (h *Handlers) recordOutcome(req *request.Request) {
	var seconds float64
	if req.ExecutionStartedAt != nil && req.ExecutionCompletedAt != nil {
		seconds = req.ExecutionCompletedAt.Sub(*req.ExecutionStartedAt).Seconds()
	}
	h.metrics.RecordExecution(string(req.PayloadKind), string(req.Status), seconds)

	if req.Error != nil {
		h.metrics.RecordError(req.Error.Category)
	}
	if req.ResultTruncated {
		h.metrics.ResultTruncations.Inc()
	}
	if req.Result != nil {
		if raw, err := json.Marshal(req.Result); err == nil {
			h.metrics.ResultSizeBytes.Observe(float64(len(raw)))
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}

func writeError(w http.ResponseWriter, msg, code string, status int, r *http.Request) {
	resp := ErrorResponse{
		Error:     msg,
		Code:      code,
		RequestID: RequestIDFromContext(r.Context()),
	}
	writeJSON(w, status, resp)
}
