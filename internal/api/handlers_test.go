package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"query-portal-engine/internal/driver"
	"query-portal-engine/internal/engine"
	"query-portal-engine/internal/monitor"
	"query-portal-engine/internal/pool"
	"query-portal-engine/internal/ratelimit"
	"query-portal-engine/internal/registry"
	"query-portal-engine/internal/request"
	"query-portal-engine/internal/storage"
	"query-portal-engine/internal/worker"
)

// stubDriver implements driver.Driver for handler tests.
type stubDriver struct {
	result *driver.QueryResult
	err    error
}

func (d *stubDriver) Kind() request.TargetKind { return request.TargetRelational }

func (d *stubDriver) Run(context.Context, driver.ConnParams, string) (*driver.QueryResult, error) {
	return d.result, d.err
}

type stubResolver struct {
	drv driver.Driver
}

func (r stubResolver) ForKind(request.TargetKind) (driver.Driver, error) { return r.drv, nil }

// stubLauncher implements engine.ScriptLauncher without spawning processes.
type stubLauncher struct {
	outcome *worker.Outcome
	err     error
}

func (l *stubLauncher) Launch(context.Context, worker.LaunchSpec) (*worker.Outcome, error) {
	return l.outcome, l.err
}

func (l *stubLauncher) Languages() []string { return []string{"python"} }

// newTestHandlers wires a real engine over an in-memory store with stubbed
// drivers and workers. Nil arguments get working defaults.
func newTestHandlers(t *testing.T, drv driver.Driver, launcher engine.ScriptLauncher) *Handlers {
	t.Helper()

	if drv == nil {
		drv = &stubDriver{result: &driver.QueryResult{
			Columns:  []string{"id"},
			Rows:     []map[string]any{{"id": int64(7)}},
			RowCount: 1,
		}}
	}
	if launcher == nil {
		launcher = &stubLauncher{outcome: &worker.Outcome{
			Success: true,
			Result:  map[string]any{"rows": float64(3)},
		}}
	}

	targets, err := registry.New([]registry.Instance{
		{ID: "orders-pg", Kind: request.TargetRelational, Host: "db.internal", Port: 5432, User: "reporter", Password: "s3cret"},
		{ID: "events-mongo", Kind: request.TargetDocument, URI: "mongodb://db.internal:27017"},
	})
	if err != nil {
		t.Fatal(err)
	}

	slots := pool.New(pool.Config{MaxTotalMemoryMB: 2048, MaxConcurrent: 5, QueueTimeout: time.Second})
	t.Cleanup(slots.Close)

	store := storage.NewMemory()
	eng := engine.New(engine.Config{}, engine.Deps{
		Store:   store,
		Targets: targets,
		Limits:  ratelimit.New(ratelimit.DefaultConfig()),
		Slots:   slots,
		Scripts: launcher,
		Drivers: stubResolver{drv: drv},
	})

	return NewHandlers(eng, store, monitor.NewMetrics())
}

func postJSON(t *testing.T, handler http.HandlerFunc, body any) *httptest.ResponseRecorder {
	t.Helper()
	b, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	req := httptest.NewRequest(http.MethodPost, "/api/requests", bytes.NewReader(b))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler(rec, req)
	return rec
}

func decide(t *testing.T, handler http.HandlerFunc, token, action string, body DecisionRequest) *httptest.ResponseRecorder {
	t.Helper()
	b, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	req := httptest.NewRequest(http.MethodPost, "/api/requests/"+token+"/"+action, bytes.NewReader(b))
	req.SetPathValue("token", token)
	rec := httptest.NewRecorder()
	handler(rec, req)
	return rec
}

func submitOne(t *testing.T, h *Handlers, body SubmitRequest) *request.Request {
	t.Helper()
	rec := postJSON(t, h.HandleSubmit, body)
	if rec.Code != http.StatusCreated {
		t.Fatalf("submit: got status %d, want 201 (body %s)", rec.Code, rec.Body.String())
	}
	var req request.Request
	if err := json.NewDecoder(rec.Body).Decode(&req); err != nil {
		t.Fatal(err)
	}
	return &req
}

func querySubmit() SubmitRequest {
	return SubmitRequest{
		InstanceID:   "orders-pg",
		DatabaseName: "orders",
		Kind:         "query",
		Query:        "SELECT id FROM orders LIMIT 10",
		SubmitterID:  "alice",
		TeamID:       "analytics",
	}
}

func TestHandleSubmit_CreatesPendingRequest(t *testing.T) {
	h := newTestHandlers(t, nil, nil)

	rec := postJSON(t, h.HandleSubmit, querySubmit())

	if rec.Code != http.StatusCreated {
		t.Fatalf("got status %d, want 201 (body %s)", rec.Code, rec.Body.String())
	}
	var req request.Request
	if err := json.NewDecoder(rec.Body).Decode(&req); err != nil {
		t.Fatal(err)
	}
	if req.Status != request.StatusPending {
		t.Errorf("Status = %q, want pending", req.Status)
	}
	if !strings.HasPrefix(req.Token, "qr_") {
		t.Errorf("Token = %q, want qr_ prefix", req.Token)
	}
	if req.TargetKind != request.TargetRelational {
		t.Errorf("TargetKind = %q, want relational", req.TargetKind)
	}
}

func TestHandleSubmit_BlockedScript(t *testing.T) {
	h := newTestHandlers(t, nil, nil)

	rec := postJSON(t, h.HandleSubmit, SubmitRequest{
		InstanceID:   "orders-pg",
		DatabaseName: "orders",
		Kind:         "script",
		Script:       "import os\nresult = os.environ",
		Language:     "python",
		SubmitterID:  "alice",
		TeamID:       "analytics",
	})

	if rec.Code != http.StatusForbidden {
		t.Fatalf("got status %d, want 403", rec.Code)
	}
	var resp ErrorResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.Code != "SECURITY_BLOCKED" {
		t.Errorf("got code %q, want SECURITY_BLOCKED", resp.Code)
	}
	if len(resp.Findings) == 0 {
		t.Error("blocked response should carry the findings")
	}
}

func TestHandleSubmit_MissingField(t *testing.T) {
	h := newTestHandlers(t, nil, nil)

	body := querySubmit()
	body.SubmitterID = ""
	rec := postJSON(t, h.HandleSubmit, body)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("got status %d, want 400", rec.Code)
	}
	var resp ErrorResponse
	json.NewDecoder(rec.Body).Decode(&resp)
	if resp.Code != "INVALID_REQUEST" {
		t.Errorf("got code %q, want INVALID_REQUEST", resp.Code)
	}
}

func TestHandleSubmit_UnknownInstance(t *testing.T) {
	h := newTestHandlers(t, nil, nil)

	body := querySubmit()
	body.InstanceID = "not-configured"
	rec := postJSON(t, h.HandleSubmit, body)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("got status %d, want 400", rec.Code)
	}
	var resp ErrorResponse
	json.NewDecoder(rec.Body).Decode(&resp)
	if resp.Code != "UNKNOWN_INSTANCE" {
		t.Errorf("got code %q, want UNKNOWN_INSTANCE", resp.Code)
	}
}

func TestHandleSubmit_InvalidJSON(t *testing.T) {
	h := newTestHandlers(t, nil, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/requests", strings.NewReader("{not json"))
	rec := httptest.NewRecorder()
	h.HandleSubmit(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("got status %d, want 400", rec.Code)
	}
}

func TestHandleApprove_RunsQuery(t *testing.T) {
	h := newTestHandlers(t, nil, nil)
	created := submitOne(t, h, querySubmit())

	rec := decide(t, h.HandleApprove, created.Token, "approve", DecisionRequest{ApproverID: "bob"})

	if rec.Code != http.StatusOK {
		t.Fatalf("got status %d, want 200 (body %s)", rec.Code, rec.Body.String())
	}
	var req request.Request
	if err := json.NewDecoder(rec.Body).Decode(&req); err != nil {
		t.Fatal(err)
	}
	if req.Status != request.StatusCompleted {
		t.Fatalf("Status = %q, want completed", req.Status)
	}
	if req.ApprovedBy != "bob" {
		t.Errorf("ApprovedBy = %q, want bob", req.ApprovedBy)
	}
	result, ok := req.Result.(map[string]any)
	if !ok {
		t.Fatalf("Result has type %T, want object", req.Result)
	}
	if result["row_count"] != float64(1) {
		t.Errorf("row_count = %v, want 1", result["row_count"])
	}
}

func TestHandleApprove_SelfApprovalForbidden(t *testing.T) {
	h := newTestHandlers(t, nil, nil)
	created := submitOne(t, h, querySubmit())

	rec := decide(t, h.HandleApprove, created.Token, "approve", DecisionRequest{ApproverID: "alice"})

	if rec.Code != http.StatusForbidden {
		t.Fatalf("got status %d, want 403", rec.Code)
	}
	var resp ErrorResponse
	json.NewDecoder(rec.Body).Decode(&resp)
	if resp.Code != "SELF_APPROVAL" {
		t.Errorf("got code %q, want SELF_APPROVAL", resp.Code)
	}

	// The request must be untouched and approvable by someone else.
	rec = decide(t, h.HandleApprove, created.Token, "approve", DecisionRequest{ApproverID: "bob"})
	if rec.Code != http.StatusOK {
		t.Errorf("approval by a reviewer after a self-approval attempt: got status %d, want 200", rec.Code)
	}
}

func TestHandleApprove_DuplicateDecision(t *testing.T) {
	h := newTestHandlers(t, nil, nil)
	created := submitOne(t, h, querySubmit())

	if rec := decide(t, h.HandleApprove, created.Token, "approve", DecisionRequest{ApproverID: "bob"}); rec.Code != http.StatusOK {
		t.Fatalf("first approval: got status %d, want 200", rec.Code)
	}

	rec := decide(t, h.HandleApprove, created.Token, "approve", DecisionRequest{ApproverID: "carol"})
	if rec.Code != http.StatusConflict {
		t.Fatalf("got status %d, want 409", rec.Code)
	}
	var resp ErrorResponse
	json.NewDecoder(rec.Body).Decode(&resp)
	if resp.Code != "ALREADY_DECIDED" {
		t.Errorf("got code %q, want ALREADY_DECIDED", resp.Code)
	}
}

func TestHandleApprove_NotFound(t *testing.T) {
	h := newTestHandlers(t, nil, nil)

	rec := decide(t, h.HandleApprove, "qr_does_not_exist", "approve", DecisionRequest{ApproverID: "bob"})

	if rec.Code != http.StatusNotFound {
		t.Errorf("got status %d, want 404", rec.Code)
	}
}

func TestHandleApprove_MissingApprover(t *testing.T) {
	h := newTestHandlers(t, nil, nil)
	created := submitOne(t, h, querySubmit())

	rec := decide(t, h.HandleApprove, created.Token, "approve", DecisionRequest{})

	if rec.Code != http.StatusBadRequest {
		t.Errorf("got status %d, want 400", rec.Code)
	}
}

func TestHandleApprove_FailedExecutionReturnsRequest(t *testing.T) {
	drv := &stubDriver{err: errors.New(`ERROR: relation "orders" does not exist (SQLSTATE 42P01)`)}
	h := newTestHandlers(t, drv, nil)
	created := submitOne(t, h, querySubmit())

	rec := decide(t, h.HandleApprove, created.Token, "approve", DecisionRequest{ApproverID: "bob"})

	// A failed run is a stored outcome, not an API error.
	if rec.Code != http.StatusOK {
		t.Fatalf("got status %d, want 200 (body %s)", rec.Code, rec.Body.String())
	}
	var req request.Request
	if err := json.NewDecoder(rec.Body).Decode(&req); err != nil {
		t.Fatal(err)
	}
	if req.Status != request.StatusFailed {
		t.Fatalf("Status = %q, want failed", req.Status)
	}
	if req.Error == nil {
		t.Fatal("failed request has no error payload")
	}
	if req.Error.Category != "driver" {
		t.Errorf("Error.Category = %q, want driver", req.Error.Category)
	}
	if !strings.Contains(req.Error.Message, "SQLSTATE 42P01") {
		t.Errorf("Error.Message = %q, want the driver text preserved", req.Error.Message)
	}
}

func TestHandleReject(t *testing.T) {
	h := newTestHandlers(t, nil, nil)
	created := submitOne(t, h, querySubmit())

	rec := decide(t, h.HandleReject, created.Token, "reject", DecisionRequest{
		ApproverID: "bob",
		Reason:     "unscoped table scan",
	})

	if rec.Code != http.StatusOK {
		t.Fatalf("got status %d, want 200 (body %s)", rec.Code, rec.Body.String())
	}
	var req request.Request
	if err := json.NewDecoder(rec.Body).Decode(&req); err != nil {
		t.Fatal(err)
	}
	if req.Status != request.StatusRejected {
		t.Errorf("Status = %q, want rejected", req.Status)
	}
	if req.RejectedBy != "bob" {
		t.Errorf("RejectedBy = %q, want bob", req.RejectedBy)
	}
	if req.RejectionReason != "unscoped table scan" {
		t.Errorf("RejectionReason = %q", req.RejectionReason)
	}

	// Rejection is terminal.
	rec = decide(t, h.HandleApprove, created.Token, "approve", DecisionRequest{ApproverID: "carol"})
	if rec.Code != http.StatusConflict {
		t.Errorf("approve after reject: got status %d, want 409", rec.Code)
	}
}

func TestHandleGet(t *testing.T) {
	h := newTestHandlers(t, nil, nil)
	created := submitOne(t, h, querySubmit())

	req := httptest.NewRequest(http.MethodGet, "/api/requests/"+created.Token, nil)
	req.SetPathValue("token", created.Token)
	rec := httptest.NewRecorder()
	h.HandleGet(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("got status %d, want 200", rec.Code)
	}
	var got request.Request
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatal(err)
	}
	if got.Token != created.Token {
		t.Errorf("Token = %q, want %q", got.Token, created.Token)
	}
}

func TestHandleGet_NotFound(t *testing.T) {
	h := newTestHandlers(t, nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/requests/qr_missing", nil)
	req.SetPathValue("token", "qr_missing")
	rec := httptest.NewRecorder()
	h.HandleGet(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("got status %d, want 404", rec.Code)
	}
}

func TestHandleList_Filters(t *testing.T) {
	h := newTestHandlers(t, nil, nil)

	first := submitOne(t, h, querySubmit())
	submitOne(t, h, querySubmit())
	carols := querySubmit()
	carols.SubmitterID = "carol"
	submitOne(t, h, carols)

	if rec := decide(t, h.HandleApprove, first.Token, "approve", DecisionRequest{ApproverID: "bob"}); rec.Code != http.StatusOK {
		t.Fatalf("approve: got status %d, want 200", rec.Code)
	}

	cases := []struct {
		name  string
		query string
		want  int
	}{
		{"all", "", 3},
		{"pending only", "?status=pending", 2},
		{"completed only", "?status=completed", 1},
		{"by submitter", "?submitter_id=carol", 1},
		{"limit", "?limit=1", 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/requests"+tc.query, nil)
			rec := httptest.NewRecorder()
			h.HandleList(rec, req)

			if rec.Code != http.StatusOK {
				t.Fatalf("got status %d, want 200", rec.Code)
			}
			var resp ListResponse
			if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
				t.Fatal(err)
			}
			if resp.Count != tc.want {
				t.Errorf("Count = %d, want %d", resp.Count, tc.want)
			}
		})
	}
}
