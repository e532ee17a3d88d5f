package server

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/opwatch/opwatch/internal/runtime"
	"github.com/opwatch/opwatch/session"
	"github.com/opwatch/opwatch/session/session_models"
)

// SessionsHandler exposes the append-only turn log for observability.
type SessionsHandler struct {
	Sessions session.Store
}

func (h *SessionsHandler) Register(g *echo.Group, secret []byte) {
	g.Use(runtime.EchoAuthMiddleware(secret))
	g.GET("/:id/turns", h.turns)
}

// Turns
//
//	@Summary	Full turn history of a session
//	@Tags		sessions
//	@Produce	json
//	@Param		id	path		string	true	"session id"
//	@Success	200	{object}	map[string]interface{}
//	@Failure	404	{object}	HTTPError
//	@Router		/api/sessions/{id}/turns [get]
func (h *SessionsHandler) turns(c echo.Context) error {
	id := c.Param("id")
	turns, err := h.Sessions.History(c.Request().Context(), id)
	if err != nil {
		if errors.Is(err, session_models.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "session not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"session_id": id,
		"turns":      turns,
	})
}
