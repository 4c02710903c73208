package reprocess

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

	"github.com/gin-gonic/gin"

	"docsteps-backend/internal/queue"
	"docsteps-backend/internal/shared/server/middleware"
	"docsteps-backend/internal/steps"
)

type queueStub struct {
	messages []queue.Message
	err      error
}

func (q *queueStub) Send(ctx context.Context, msg queue.Message) error {
	if q.err != nil {
		return q.err
	}
	q.messages = append(q.messages, msg)
	return nil
}

func setupRouter(t *testing.T, f *fixture, q queue.Client) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	h := NewHandler(f.svc, q)
	h.now = func() time.Time { return time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC) }
	router := gin.New()
	router.Use(middleware.RequestID())
	h.RegisterRoutes(router.Group("/api/v1"))
	return router
}

func stepPath(suffix string) string {
	return "/api/v1/projects/" + testProject + "/steps/" + testStep + suffix
}

func serve(router *gin.Engine, method, path string, body []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)
	return resp
}

func errorCode(t *testing.T, resp *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(resp.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error body %q: %v", resp.Body.String(), err)
	}
	return body.Error.Code
}

func TestReprocessStreamsEvents(t *testing.T) {
	f := newFixture(t, twoPrompts)
	f.addDoc("a.pdf", "text A")
	f.addDoc("b.pdf", "  ")
	router := setupRouter(t, f, nil)

	resp := serve(router, http.MethodGet, stepPath("/reprocess?reprocess_type=all"), nil)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.Code, resp.Body.String())
	}
	if ct := resp.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("expected event stream, got %q", ct)
	}
	if resp.Header().Get("Cache-Control") != "no-cache" {
		t.Fatalf("expected Cache-Control no-cache")
	}
	body := resp.Body.String()
	if !strings.HasPrefix(body, "event: init\n") {
		t.Fatalf("stream must start with init, got %q", body)
	}
	if !strings.Contains(body, "event: error_processing_document\n") {
		t.Fatalf("expected a document error frame in %q", body)
	}
	if strings.Count(body, "event: final_status\n") != 1 {
		t.Fatalf("expected exactly one final_status frame in %q", body)
	}
	if !strings.HasSuffix(body, "\n\n") || !strings.Contains(body, `"status":"completed-with-errors"`) {
		t.Fatalf("unexpected stream tail %q", body)
	}
	if f.step(t).RunStatus != steps.StatusCompletedWithErrors {
		t.Fatalf("run must be persisted as completed-with-errors")
	}
}

func TestReprocessDefaultsToAll(t *testing.T) {
	f := newFixture(t, twoPrompts)
	router := setupRouter(t, f, nil)

	resp := serve(router, http.MethodGet, stepPath("/reprocess"), nil)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	if f.step(t).LastReprocessType != "all" {
		t.Fatalf("expected reprocess type all, got %q", f.step(t).LastReprocessType)
	}
	if !strings.Contains(resp.Body.String(), `"status":"completed-empty"`) {
		t.Fatalf("expected completed-empty in %q", resp.Body.String())
	}
}

func TestReprocessRejectsInvalidType(t *testing.T) {
	f := newFixture(t, twoPrompts)
	router := setupRouter(t, f, nil)

	resp := serve(router, http.MethodGet, stepPath("/reprocess?reprocess_type=everything"), nil)

	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.Code)
	}
	if errorCode(t, resp) != "validation_error" {
		t.Fatalf("expected validation_error")
	}
	if f.step(t).RunStatus != steps.StatusIdle {
		t.Fatalf("an invalid request must not touch the step")
	}
}

func TestReprocessRejectsMalformedIDs(t *testing.T) {
	f := newFixture(t, twoPrompts)
	router := setupRouter(t, f, nil)

	resp := serve(router, http.MethodGet, "/api/v1/projects/not-a-uuid/steps/"+testStep+"/reprocess", nil)

	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.Code)
	}
}

func TestReprocessConflictWhileRunning(t *testing.T) {
	f := newFixture(t, twoPrompts)
	setStatus(t, f, steps.StatusRunning)
	router := setupRouter(t, f, nil)

	resp := serve(router, http.MethodGet, stepPath("/reprocess"), nil)

	if resp.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", resp.Code)
	}
	if ct := resp.Header().Get("Content-Type"); strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("conflict must be answered before the stream opens")
	}
	if errorCode(t, resp) != "conflict" {
		t.Fatalf("expected conflict code")
	}
}

func TestReprocessUnknownStep(t *testing.T) {
	f := newFixture(t, twoPrompts)
	router := setupRouter(t, f, nil)

	resp := serve(router, http.MethodGet, "/api/v1/projects/"+testProject+"/steps/2f1e0d9c-8b7a-4654-8321-0fedcba98765/reprocess", nil)

	if resp.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.Code)
	}
}

func TestProgressEndpoint(t *testing.T) {
	f := newFixture(t, twoPrompts)
	f.addDoc("a.pdf", "text")
	router := setupRouter(t, f, nil)
	serve(router, http.MethodGet, stepPath("/reprocess"), nil)

	resp := serve(router, http.MethodGet, stepPath("/progress"), nil)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	var snap Snapshot
	if err := json.Unmarshal(resp.Body.Bytes(), &snap); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if snap.Status != "completed-ok" || snap.Percent != 100 || snap.Processed != 1 || snap.LastMode != "all" {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
}

func TestManageEndpoint(t *testing.T) {
	f := newFixture(t, twoPrompts)
	router := setupRouter(t, f, nil)

	resp := serve(router, http.MethodPost, stepPath("/manage"), []byte(`{"action":"pause"}`))
	if resp.Code != http.StatusConflict {
		t.Fatalf("pause of an idle step: expected 409, got %d", resp.Code)
	}

	setStatus(t, f, steps.StatusRunning)
	resp = serve(router, http.MethodPost, stepPath("/manage"), []byte(`{"action":"pause"}`))
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.Code, resp.Body.String())
	}
	var res ManageResult
	if err := json.Unmarshal(resp.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if res.Action != "pause_requested" {
		t.Fatalf("unexpected action %q", res.Action)
	}

	resp = serve(router, http.MethodPost, stepPath("/manage"), []byte(`{"action":"resume"}`))
	if resp.Code != http.StatusOK {
		t.Fatalf("resume: expected 200, got %d", resp.Code)
	}
	if f.step(t).RunStatus != steps.StatusIdle {
		t.Fatalf("expected idle after resume")
	}
}

func TestManageRejectsUnknownAction(t *testing.T) {
	f := newFixture(t, twoPrompts)
	router := setupRouter(t, f, nil)

	for _, body := range []string{`{"action":"stop"}`, `{}`, `not json`} {
		resp := serve(router, http.MethodPost, stepPath("/manage"), []byte(body))
		if resp.Code != http.StatusBadRequest {
			t.Fatalf("body %s: expected 400, got %d", body, resp.Code)
		}
	}
}

func TestResultsSummaryEndpoint(t *testing.T) {
	f := newFixture(t, twoPrompts)
	f.addDoc("a.pdf", "text")
	router := setupRouter(t, f, nil)
	serve(router, http.MethodGet, stepPath("/reprocess"), nil)

	resp := serve(router, http.MethodGet, stepPath("/results-summary"), nil)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	var report map[string]any
	if err := json.Unmarshal(resp.Body.Bytes(), &report); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if report["summary_type"] != "key_value" || report["documents_with_results_for_step"] != float64(1) {
		t.Fatalf("unexpected report %v", report)
	}
}

func TestClearResultsEndpoint(t *testing.T) {
	f := newFixture(t, twoPrompts)
	doc := f.addDoc("a.pdf", "text")
	router := setupRouter(t, f, nil)
	serve(router, http.MethodGet, stepPath("/reprocess"), nil)

	resp := serve(router, http.MethodDelete, stepPath("/results"), nil)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	if !strings.Contains(resp.Body.String(), `"cleared_documents":1`) {
		t.Fatalf("unexpected body %s", resp.Body.String())
	}
	if f.blob(t, doc.ID) != nil {
		t.Fatalf("blob must be removed")
	}

	setStatus(t, f, steps.StatusRunning)
	resp = serve(router, http.MethodDelete, stepPath("/results"), nil)
	if resp.Code != http.StatusConflict {
		t.Fatalf("expected 409 while running, got %d", resp.Code)
	}
}

func TestEnqueueEndpoint(t *testing.T) {
	f := newFixture(t, twoPrompts)
	q := &queueStub{}
	router := setupRouter(t, f, q)

	req := httptest.NewRequest(http.MethodPost, stepPath("/reprocess/queue?reprocess_type=failed"), nil)
	req.Header.Set("X-Request-Id", "req-42")
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", resp.Code, resp.Body.String())
	}
	if len(q.messages) != 1 {
		t.Fatalf("expected 1 queued message, got %d", len(q.messages))
	}
	msg := q.messages[0]
	if msg.ProjectID != testProject || msg.StepID != testStep || msg.ReprocessType != "failed" || msg.RequestID != "req-42" {
		t.Fatalf("unexpected message %+v", msg)
	}
	if msg.EnqueuedAt != "2026-03-01T09:00:00Z" {
		t.Fatalf("unexpected enqueue time %q", msg.EnqueuedAt)
	}
	if f.step(t).RunStatus != steps.StatusIdle {
		t.Fatalf("enqueue must not claim the step")
	}
}

func TestEnqueueFailures(t *testing.T) {
	f := newFixture(t, twoPrompts)

	resp := serve(setupRouter(t, f, nil), http.MethodPost, stepPath("/reprocess/queue"), nil)
	if resp.Code != http.StatusServiceUnavailable || errorCode(t, resp) != "queue_unavailable" {
		t.Fatalf("expected 503 queue_unavailable, got %d", resp.Code)
	}

	resp = serve(setupRouter(t, f, &queueStub{err: errors.New("throttled")}), http.MethodPost, stepPath("/reprocess/queue"), nil)
	if resp.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", resp.Code)
	}

	q := &queueStub{}
	resp = serve(setupRouter(t, f, q), http.MethodPost, "/api/v1/projects/"+testProject+"/steps/2f1e0d9c-8b7a-4654-8321-0fedcba98765/reprocess/queue", nil)
	if resp.Code != http.StatusNotFound || len(q.messages) != 0 {
		t.Fatalf("expected 404 and nothing queued, got %d", resp.Code)
	}
}
