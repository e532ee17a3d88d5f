package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	core "github.com/opwatch/opwatch/internal/agent/core"
	"github.com/opwatch/opwatch/internal/budget"
	"github.com/opwatch/opwatch/internal/runtime"
	"github.com/opwatch/opwatch/internal/store"
)

// AnalysisHandler exposes analysis submission and run history. Tasks run
// through the Runner contract so tests can stub the orchestrator.
type AnalysisHandler struct {
	Store   *store.Store
	Runner  core.Runner
	Timeout time.Duration
	logger  *log.Logger
}

func NewAnalysisHandler(st *store.Store, runner core.Runner, timeout time.Duration) *AnalysisHandler {
	if timeout <= 0 {
		timeout = 15 * time.Minute
	}
	return &AnalysisHandler{
		Store:   st,
		Runner:  runner,
		Timeout: timeout,
		logger:  log.New(log.Writer(), "[ANALYSIS] ", log.LstdFlags),
	}
}

func (h *AnalysisHandler) Register(g *echo.Group, secret []byte) {
	g.Use(runtime.EchoAuthMiddleware(secret))
	g.POST("", h.submit)
	g.GET("", h.list)
	g.GET("/:id", h.get)
	g.GET("/:id/status", h.status)
	g.POST("/:id/cancel", h.cancel)
}

// Submit
//
//	@Summary		Submit an analysis
//	@Description	Runs a public-opinion analysis; pass async=1 to get a run id immediately
//	@Tags			analysis
//	@Accept			json
//	@Produce		json
//	@Param			async	query		string					false	"run in background"
//	@Param			payload	body		AnalysisSubmitRequest	true	"Analysis payload"
//	@Success		200		{object}	core.AnalysisResult
//	@Success		202		{object}	IDResponse
//	@Failure		400		{object}	HTTPError
//	@Failure		500		{object}	HTTPError
//	@Router			/api/analysis [post]
func (h *AnalysisHandler) submit(c echo.Context) error {
	var payload AnalysisSubmitRequest
	if err := c.Bind(&payload); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if payload.Content == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "content is required")
	}
	userID := c.Get("user_id").(string)

	runID, err := h.Store.CreateRun(c.Request().Context(), userID, nil, store.RunStatusRunning)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	req := buildAnalysisRequest(runID, userID, payload)

	if async := c.QueryParam("async"); async == "1" || async == "true" {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), h.Timeout)
			defer cancel()
			h.runAndRecord(ctx, runID, req)
		}()
		return c.JSON(http.StatusAccepted, IDResponse{ID: runID})
	}

	result, err := h.runAndRecord(c.Request().Context(), runID, req)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, result)
}

// runAndRecord drives the task and persists its terminal state. Persistence
// uses a detached context so a dropped client cannot lose the record.
func (h *AnalysisHandler) runAndRecord(ctx context.Context, runID string, req core.AnalysisRequest) (core.AnalysisResult, error) {
	result, err := h.Runner.Submit(ctx, req)

	status := result.Status
	if status == "" {
		status = store.RunStatusFailed
	}
	var errMsg *string
	if err != nil {
		errMsg = strPtr(err.Error())
	} else if result.Error != "" {
		errMsg = strPtr(result.Error)
	}
	reportJSON, mErr := json.Marshal(result.Report)
	if mErr != nil {
		h.logger.Printf("run %s: report marshal failed: %v", runID, mErr)
		reportJSON = nil
	}

	persistCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if fErr := h.Store.FinishRun(persistCtx, runID, status, reportJSON, result.TurnsUsed, result.TokensUsed, result.CostEstimate, errMsg); fErr != nil {
		h.logger.Printf("run %s: finish failed: %v", runID, fErr)
	}
	return result, err
}

// List
//
//	@Summary	List analysis runs
//	@Tags		analysis
//	@Produce	json
//	@Param		limit	query		string	false	"max rows (default 50)"
//	@Success	200		{array}		RunResponse
//	@Failure	500		{object}	HTTPError
//	@Router		/api/analysis [get]
func (h *AnalysisHandler) list(c echo.Context) error {
	userID := c.Get("user_id").(string)
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	runs, err := h.Store.ListRuns(c.Request().Context(), userID, limit)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	out := make([]RunResponse, 0, len(runs))
	for _, r := range runs {
		out = append(out, runResponse(r, false))
	}
	return c.JSON(http.StatusOK, out)
}

// Get
//
//	@Summary	Get one analysis run with its report
//	@Tags		analysis
//	@Produce	json
//	@Param		id	path		string	true	"run id"
//	@Success	200	{object}	RunResponse
//	@Failure	404	{object}	HTTPError
//	@Router		/api/analysis/{id} [get]
func (h *AnalysisHandler) get(c echo.Context) error {
	userID := c.Get("user_id").(string)
	run, err := h.Store.GetRun(c.Request().Context(), c.Param("id"), userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return echo.NewHTTPError(http.StatusNotFound, "run not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, runResponse(run, true))
}

// Status
//
//	@Summary	Live status of a run
//	@Tags		analysis
//	@Produce	json
//	@Param		id	path		string	true	"run id"
//	@Success	200	{object}	core.ProcessingStatus
//	@Failure	404	{object}	HTTPError
//	@Router		/api/analysis/{id}/status [get]
func (h *AnalysisHandler) status(c echo.Context) error {
	id := c.Param("id")
	if st, err := h.Runner.GetStatus(id); err == nil {
		return c.JSON(http.StatusOK, st)
	}
	// not in flight; report the persisted terminal state
	userID := c.Get("user_id").(string)
	run, err := h.Store.GetRun(c.Request().Context(), id, userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return echo.NewHTTPError(http.StatusNotFound, "run not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	st := core.ProcessingStatus{
		TaskID:      run.ID,
		Status:      run.Status,
		TurnsUsed:   run.TurnsUsed,
		CreatedAt:   run.StartedAt,
		LastUpdated: run.StartedAt,
	}
	if run.FinishedAt != nil {
		st.LastUpdated = *run.FinishedAt
	}
	return c.JSON(http.StatusOK, st)
}

// Cancel
//
//	@Summary	Cancel an in-flight run
//	@Tags		analysis
//	@Produce	json
//	@Param		id	path		string	true	"run id"
//	@Success	202	{object}	IDResponse
//	@Failure	404	{object}	HTTPError
//	@Router		/api/analysis/{id}/cancel [post]
func (h *AnalysisHandler) cancel(c echo.Context) error {
	id := c.Param("id")
	if err := h.Runner.Cancel(id); err != nil {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	return c.JSON(http.StatusAccepted, IDResponse{ID: id})
}

func buildAnalysisRequest(runID, userID string, payload AnalysisSubmitRequest) core.AnalysisRequest {
	req := core.AnalysisRequest{
		ID:        runID,
		Content:   payload.Content,
		SessionID: payload.SessionID,
		UserID:    userID,
		Platforms: payload.Platforms,
		Keywords:  payload.Keywords,
		Timestamp: time.Now(),
	}
	if payload.Budget != nil {
		req.Budget = &budget.Config{
			MaxTurns:       payload.Budget.MaxTurns,
			MaxWallSeconds: payload.Budget.MaxWallSeconds,
		}
	}
	return req
}

func runResponse(r store.Run, withReport bool) RunResponse {
	resp := RunResponse{
		ID:           r.ID,
		ScheduleID:   r.ScheduleID,
		Status:       r.Status,
		Error:        r.Error,
		TurnsUsed:    r.TurnsUsed,
		TokensUsed:   r.TokensUsed,
		CostEstimate: r.Cost,
		StartedAt:    r.StartedAt,
		FinishedAt:   r.FinishedAt,
	}
	if withReport && len(r.Report) > 0 {
		resp.Report = json.RawMessage(r.Report)
	}
	return resp
}

func strPtr(s string) *string { return &s }
