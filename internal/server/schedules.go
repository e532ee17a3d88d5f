package server

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/gorhill/cronexpr"
	"github.com/labstack/echo/v4"

	"github.com/opwatch/opwatch/internal/runtime"
	"github.com/opwatch/opwatch/internal/store"
)

// SchedulesHandler manages recurring analyses.
type SchedulesHandler struct {
	Store *store.Store
}

func (h *SchedulesHandler) Register(g *echo.Group, secret []byte) {
	g.Use(runtime.EchoAuthMiddleware(secret))
	g.POST("", h.create)
	g.GET("", h.list)
	g.GET("/:id", h.get)
	g.PUT("/:id", h.update)
	g.DELETE("/:id", h.remove)
	g.GET("/:id/runs", h.runs)
}

// validateCron accepts @daily, @hourly, or a standard cron expression.
func validateCron(spec string) error {
	switch spec {
	case "":
		return fmt.Errorf("schedule_cron is required")
	case "@daily", "@hourly":
		return nil
	default:
		if _, err := cronexpr.Parse(spec); err != nil {
			return fmt.Errorf("invalid schedule_cron %q: %w", spec, err)
		}
		return nil
	}
}

// Create
//
//	@Summary		Create a recurring analysis
//	@Tags			schedules
//	@Accept			json
//	@Produce		json
//	@Param			payload	body		CreateScheduleRequest	true	"Schedule payload"
//	@Success		201		{object}	IDResponse
//	@Failure		400		{object}	HTTPError
//	@Failure		500		{object}	HTTPError
//	@Router			/api/schedules [post]
func (h *SchedulesHandler) create(c echo.Context) error {
	var req CreateScheduleRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.Name == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "name is required")
	}
	if req.Request.Content == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "request.content is required")
	}
	if err := validateCron(req.ScheduleCron); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	requestJSON, err := json.Marshal(req.Request)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	userID := c.Get("user_id").(string)
	id, err := h.Store.CreateSchedule(c.Request().Context(), userID, req.Name, requestJSON, req.ScheduleCron)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusCreated, IDResponse{ID: id})
}

// List
//
//	@Summary	List schedules
//	@Tags		schedules
//	@Produce	json
//	@Success	200	{array}		ScheduleResponse
//	@Failure	500	{object}	HTTPError
//	@Router		/api/schedules [get]
func (h *SchedulesHandler) list(c echo.Context) error {
	userID := c.Get("user_id").(string)
	schedules, err := h.Store.ListSchedules(c.Request().Context(), userID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	out := make([]ScheduleResponse, 0, len(schedules))
	for _, sc := range schedules {
		out = append(out, scheduleResponse(sc))
	}
	return c.JSON(http.StatusOK, out)
}

// Get
//
//	@Summary	Schedule detail with its latest run id
//	@Tags		schedules
//	@Produce	json
//	@Param		id	path		string	true	"schedule id"
//	@Success	200	{object}	ScheduleResponse
//	@Failure	404	{object}	HTTPError
//	@Router		/api/schedules/{id} [get]
func (h *SchedulesHandler) get(c echo.Context) error {
	userID := c.Get("user_id").(string)
	sc, err := h.Store.GetScheduleByID(c.Request().Context(), c.Param("id"), userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return echo.NewHTTPError(http.StatusNotFound, "schedule not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	resp := scheduleResponse(sc)
	if latest, err := h.Store.GetLatestRunID(c.Request().Context(), sc.ID); err == nil {
		resp.LatestRunID = latest
	}
	return c.JSON(http.StatusOK, resp)
}

// Update
//
//	@Summary	Patch a schedule
//	@Tags		schedules
//	@Accept		json
//	@Produce	json
//	@Param		id		path		string					true	"schedule id"
//	@Param		payload	body		UpdateScheduleRequest	true	"Fields to change"
//	@Success	200		{object}	ScheduleResponse
//	@Failure	400		{object}	HTTPError
//	@Failure	404		{object}	HTTPError
//	@Router		/api/schedules/{id} [put]
func (h *SchedulesHandler) update(c echo.Context) error {
	var req UpdateScheduleRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	userID := c.Get("user_id").(string)
	ctx := c.Request().Context()
	id := c.Param("id")

	existing, err := h.Store.GetScheduleByID(ctx, id, userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return echo.NewHTTPError(http.StatusNotFound, "schedule not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	if req.ScheduleCron != nil {
		if err := validateCron(*req.ScheduleCron); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
	}
	if req.Name != nil {
		if *req.Name == "" {
			return echo.NewHTTPError(http.StatusBadRequest, "name cannot be empty")
		}
		if err := h.Store.UpdateScheduleName(ctx, id, userID, *req.Name); err != nil {
			return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
		}
	}
	if req.Request != nil || req.ScheduleCron != nil {
		requestJSON := existing.Request
		if req.Request != nil {
			if req.Request.Content == "" {
				return echo.NewHTTPError(http.StatusBadRequest, "request.content is required")
			}
			requestJSON, err = json.Marshal(req.Request)
			if err != nil {
				return echo.NewHTTPError(http.StatusBadRequest, err.Error())
			}
		}
		if err := h.Store.UpdateScheduleRequestAndCron(ctx, id, userID, requestJSON, req.ScheduleCron); err != nil {
			return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
		}
	}
	if req.Enabled != nil {
		if err := h.Store.SetScheduleEnabled(ctx, id, userID, *req.Enabled); err != nil {
			return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
		}
	}

	updated, err := h.Store.GetScheduleByID(ctx, id, userID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, scheduleResponse(updated))
}

// Delete
//
//	@Summary	Delete a schedule
//	@Tags		schedules
//	@Param		id	path	string	true	"schedule id"
//	@Success	204	{string}	string	"No Content"
//	@Router		/api/schedules/{id} [delete]
func (h *SchedulesHandler) remove(c echo.Context) error {
	userID := c.Get("user_id").(string)
	if err := h.Store.DeleteSchedule(c.Request().Context(), c.Param("id"), userID); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}

// Runs
//
//	@Summary	Runs produced by a schedule
//	@Tags		schedules
//	@Produce	json
//	@Param		id	path		string	true	"schedule id"
//	@Success	200	{array}		RunResponse
//	@Failure	500	{object}	HTTPError
//	@Router		/api/schedules/{id}/runs [get]
func (h *SchedulesHandler) runs(c echo.Context) error {
	userID := c.Get("user_id").(string)
	runs, err := h.Store.ListRunsBySchedule(c.Request().Context(), c.Param("id"), userID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	out := make([]RunResponse, 0, len(runs))
	for _, r := range runs {
		out = append(out, runResponse(r, false))
	}
	return c.JSON(http.StatusOK, out)
}

func scheduleResponse(sc store.Schedule) ScheduleResponse {
	resp := ScheduleResponse{
		ID:           sc.ID,
		Name:         sc.Name,
		ScheduleCron: sc.ScheduleCron,
		Enabled:      sc.Enabled,
		CreatedAt:    sc.CreatedAt,
	}
	// stored request is our own marshalling; ignore parse failures
	_ = json.Unmarshal(sc.Request, &resp.Request)
	return resp
}
