package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/labstack/echo/v4"

	core "github.com/opwatch/opwatch/internal/agent/core"
	"github.com/opwatch/opwatch/internal/store"
)

// stubRunner satisfies core.Runner for handler tests.
type stubRunner struct {
	mu        sync.Mutex
	result    core.AnalysisResult
	err       error
	status    core.ProcessingStatus
	statusErr error
	cancelErr error
	requests  []core.AnalysisRequest
}

func (s *stubRunner) Submit(ctx context.Context, req core.AnalysisRequest) (core.AnalysisResult, error) {
	s.mu.Lock()
	s.requests = append(s.requests, req)
	s.mu.Unlock()
	result := s.result
	result.ID = req.ID
	return result, s.err
}

func (s *stubRunner) GetStatus(taskID string) (core.ProcessingStatus, error) {
	return s.status, s.statusErr
}

func (s *stubRunner) Cancel(taskID string) error { return s.cancelErr }

func (s *stubRunner) submitted() []core.AnalysisRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]core.AnalysisRequest, len(s.requests))
	copy(out, s.requests)
	return out
}

func newAnalysisTest(t *testing.T, runner *stubRunner) (*AnalysisHandler, sqlmock.Sqlmock, *echo.Echo) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	h := NewAnalysisHandler(&store.Store{DB: db}, runner, time.Minute)
	return h, mock, echo.New()
}

// waitExpectations polls because async submissions persist from a goroutine.
func waitExpectations(t *testing.T, mock sqlmock.Sqlmock) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		if err := mock.ExpectationsWereMet(); err == nil {
			return
		} else if time.Now().After(deadline) {
			t.Fatalf("expectations: %v", err)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSubmitSyncPersistsRun(t *testing.T) {
	runner := &stubRunner{result: core.AnalysisResult{
		Status:       "completed",
		TurnsUsed:    3,
		TokensUsed:   120,
		CostEstimate: 0.05,
	}}
	h, mock, e := newAnalysisTest(t, runner)

	mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO analysis_runs (user_id, schedule_id, status) VALUES ($1,$2,$3) RETURNING id`)).
		WithArgs("user-456", nil, store.RunStatusRunning).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("run-1"))
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE analysis_runs SET status=$1, report=$2, turns_used=$3, tokens_used=$4, cost_estimate=$5, error=$6, finished_at=NOW() WHERE id=$7`)).
		WithArgs("completed", sqlmock.AnyArg(), 3, int64(120), 0.05, nil, "run-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	body := `{"content":"monitor the new phone launch","keywords":["phone"],"platforms":["douyin"]}`
	req := httptest.NewRequest(http.MethodPost, "/api/analysis", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	ctx := e.NewContext(req, rec)
	ctx.Set("user_id", "user-456")

	if err := h.submit(ctx); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200 got %d", rec.Code)
	}

	var resp core.AnalysisResult
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.ID != "run-1" || resp.Status != "completed" || resp.TurnsUsed != 3 {
		t.Fatalf("unexpected result: %+v", resp)
	}

	reqs := runner.submitted()
	if len(reqs) != 1 {
		t.Fatalf("expected 1 submission, got %d", len(reqs))
	}
	if reqs[0].ID != "run-1" || reqs[0].UserID != "user-456" || reqs[0].Content != "monitor the new phone launch" {
		t.Fatalf("unexpected request: %+v", reqs[0])
	}
	if len(reqs[0].Keywords) != 1 || reqs[0].Keywords[0] != "phone" {
		t.Fatalf("keywords not forwarded: %+v", reqs[0].Keywords)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestSubmitSyncSurfacesFailure(t *testing.T) {
	runner := &stubRunner{
		result: core.AnalysisResult{Status: "failed", Error: "machine failure"},
		err:    errors.New("machine failure"),
	}
	h, mock, e := newAnalysisTest(t, runner)

	mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO analysis_runs`)).
		WithArgs("user-456", nil, store.RunStatusRunning).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("run-2"))
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE analysis_runs SET`)).
		WithArgs("failed", sqlmock.AnyArg(), 0, int64(0), 0.0, "machine failure", "run-2").
		WillReturnResult(sqlmock.NewResult(0, 1))

	req := httptest.NewRequest(http.MethodPost, "/api/analysis", strings.NewReader(`{"content":"watch sentiment"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	ctx := e.NewContext(req, rec)
	ctx.Set("user_id", "user-456")

	err := h.submit(ctx)
	if err == nil {
		t.Fatalf("expected error")
	}
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 error, got %#v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestSubmitAsyncReturnsAccepted(t *testing.T) {
	runner := &stubRunner{result: core.AnalysisResult{Status: "completed", TurnsUsed: 2}}
	h, mock, e := newAnalysisTest(t, runner)

	mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO analysis_runs`)).
		WithArgs("user-456", nil, store.RunStatusRunning).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("run-9"))
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE analysis_runs SET`)).
		WithArgs("completed", sqlmock.AnyArg(), 2, int64(0), 0.0, nil, "run-9").
		WillReturnResult(sqlmock.NewResult(0, 1))

	req := httptest.NewRequest(http.MethodPost, "/api/analysis?async=1", strings.NewReader(`{"content":"track the recall story"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	ctx := e.NewContext(req, rec)
	ctx.Set("user_id", "user-456")

	if err := h.submit(ctx); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected status 202 got %d", rec.Code)
	}
	var resp IDResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.ID != "run-9" {
		t.Fatalf("expected run-9, got %q", resp.ID)
	}

	waitExpectations(t, mock)
	reqs := runner.submitted()
	if len(reqs) != 1 || reqs[0].ID != "run-9" {
		t.Fatalf("expected background submission for run-9, got %+v", reqs)
	}
}

func TestSubmitRequiresContent(t *testing.T) {
	h, _, e := newAnalysisTest(t, &stubRunner{})

	req := httptest.NewRequest(http.MethodPost, "/api/analysis", strings.NewReader(`{"keywords":["phone"]}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	ctx := e.NewContext(req, rec)
	ctx.Set("user_id", "user-456")

	err := h.submit(ctx)
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 error, got %#v", err)
	}
}

func TestGetRunReturnsReport(t *testing.T) {
	h, mock, e := newAnalysisTest(t, &stubRunner{})

	started := time.Now().Add(-time.Minute)
	finished := time.Now()
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT id, user_id, schedule_id, status, report, error, turns_used, tokens_used, cost_estimate, started_at, finished_at FROM analysis_runs WHERE id=$1 AND user_id=$2`)).
		WithArgs("run-1", "user-456").
		WillReturnRows(sqlmock.NewRows([]string{"id", "user_id", "schedule_id", "status", "report", "error", "turns_used", "tokens_used", "cost_estimate", "started_at", "finished_at"}).
			AddRow("run-1", "user-456", nil, store.RunStatusCompleted, []byte(`{"task_id":"run-1"}`), nil, 5, int64(900), 0.12, started, finished))

	req := httptest.NewRequest(http.MethodGet, "/api/analysis/run-1", nil)
	rec := httptest.NewRecorder()
	ctx := e.NewContext(req, rec)
	ctx.Set("user_id", "user-456")
	ctx.SetParamNames("id")
	ctx.SetParamValues("run-1")

	if err := h.get(ctx); err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200 got %d", rec.Code)
	}
	var resp RunResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Status != store.RunStatusCompleted || len(resp.Report) == 0 {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestGetRunNotFound(t *testing.T) {
	h, mock, e := newAnalysisTest(t, &stubRunner{})

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT id, user_id, schedule_id`)).
		WithArgs("missing", "user-456").
		WillReturnError(sql.ErrNoRows)

	req := httptest.NewRequest(http.MethodGet, "/api/analysis/missing", nil)
	rec := httptest.NewRecorder()
	ctx := e.NewContext(req, rec)
	ctx.Set("user_id", "user-456")
	ctx.SetParamNames("id")
	ctx.SetParamValues("missing")

	err := h.get(ctx)
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 error, got %#v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestStatusFallsBackToStore(t *testing.T) {
	runner := &stubRunner{statusErr: errors.New("task not found")}
	h, mock, e := newAnalysisTest(t, runner)

	started := time.Now().Add(-time.Hour)
	finished := started.Add(5 * time.Minute)
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT id, user_id, schedule_id`)).
		WithArgs("run-1", "user-456").
		WillReturnRows(sqlmock.NewRows([]string{"id", "user_id", "schedule_id", "status", "report", "error", "turns_used", "tokens_used", "cost_estimate", "started_at", "finished_at"}).
			AddRow("run-1", "user-456", nil, store.RunStatusPartial, nil, nil, 12, int64(4000), 0.3, started, finished))

	req := httptest.NewRequest(http.MethodGet, "/api/analysis/run-1/status", nil)
	rec := httptest.NewRecorder()
	ctx := e.NewContext(req, rec)
	ctx.Set("user_id", "user-456")
	ctx.SetParamNames("id")
	ctx.SetParamValues("run-1")

	if err := h.status(ctx); err != nil {
		t.Fatalf("status: %v", err)
	}
	var resp core.ProcessingStatus
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.TaskID != "run-1" || resp.Status != store.RunStatusPartial || resp.TurnsUsed != 12 {
		t.Fatalf("unexpected status: %+v", resp)
	}
	if !resp.LastUpdated.Equal(finished) {
		t.Fatalf("expected last_updated from finished_at, got %v", resp.LastUpdated)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestStatusPrefersLiveTask(t *testing.T) {
	runner := &stubRunner{status: core.ProcessingStatus{TaskID: "run-1", Status: "executing", TurnsUsed: 4}}
	h, _, e := newAnalysisTest(t, runner)

	req := httptest.NewRequest(http.MethodGet, "/api/analysis/run-1/status", nil)
	rec := httptest.NewRecorder()
	ctx := e.NewContext(req, rec)
	ctx.Set("user_id", "user-456")
	ctx.SetParamNames("id")
	ctx.SetParamValues("run-1")

	if err := h.status(ctx); err != nil {
		t.Fatalf("status: %v", err)
	}
	var resp core.ProcessingStatus
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Status != "executing" || resp.TurnsUsed != 4 {
		t.Fatalf("unexpected status: %+v", resp)
	}
}

func TestCancelUnknownRun(t *testing.T) {
	runner := &stubRunner{cancelErr: errors.New("task not found: run-1")}
	h, _, e := newAnalysisTest(t, runner)

	req := httptest.NewRequest(http.MethodPost, "/api/analysis/run-1/cancel", nil)
	rec := httptest.NewRecorder()
	ctx := e.NewContext(req, rec)
	ctx.Set("user_id", "user-456")
	ctx.SetParamNames("id")
	ctx.SetParamValues("run-1")

	err := h.cancel(ctx)
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 error, got %#v", err)
	}
}

func TestListRunsOmitsReports(t *testing.T) {
	h, mock, e := newAnalysisTest(t, &stubRunner{})

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT id, user_id, schedule_id, status, error, turns_used, tokens_used, cost_estimate, started_at, finished_at FROM analysis_runs WHERE user_id=$1 ORDER BY started_at DESC LIMIT $2`)).
		WithArgs("user-456", 10).
		WillReturnRows(sqlmock.NewRows([]string{"id", "user_id", "schedule_id", "status", "error", "turns_used", "tokens_used", "cost_estimate", "started_at", "finished_at"}).
			AddRow("run-2", "user-456", nil, store.RunStatusCompleted, nil, 8, int64(2100), 0.21, time.Now(), time.Now()).
			AddRow("run-1", "user-456", nil, store.RunStatusFailed, "boom", 1, int64(50), 0.01, time.Now().Add(-time.Hour), time.Now().Add(-time.Hour)))

	req := httptest.NewRequest(http.MethodGet, "/api/analysis?limit=10", nil)
	rec := httptest.NewRecorder()
	ctx := e.NewContext(req, rec)
	ctx.Set("user_id", "user-456")

	if err := h.list(ctx); err != nil {
		t.Fatalf("list: %v", err)
	}
	var resp []RunResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp) != 2 {
		t.Fatalf("expected 2 runs, got %d", len(resp))
	}
	if resp[0].ID != "run-2" || resp[0].Report != nil {
		t.Fatalf("unexpected first run: %+v", resp[0])
	}
	if resp[1].Error == nil || *resp[1].Error != "boom" {
		t.Fatalf("expected error on failed run: %+v", resp[1])
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}
