package handlers

import (
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/relaydesk/relaydesk/internal/bridge"
)

// UnitsHandler exposes the live identity-to-unit mappings of every running
// engine.
type UnitsHandler struct {
	engines []*bridge.Engine
	logger  *slog.Logger
}

func NewUnitsHandler(log *slog.Logger, engines []*bridge.Engine) *UnitsHandler {
	if log == nil {
		log = slog.Default()
	}
	return &UnitsHandler{
		engines: engines,
		logger:  log.With(slog.String("handler", "units")),
	}
}

func (h *UnitsHandler) Register(e *echo.Echo) {
	e.GET("/api/units", h.List)
}

type platformUnits struct {
	Platform     string                `json:"platform"`
	UnitsEnabled bool                  `json:"units_enabled"`
	Management   string                `json:"management_conversation_id,omitempty"`
	Mappings     []bridge.MappingEntry `json:"mappings"`
}

func (h *UnitsHandler) List(c echo.Context) error {
	out := make([]platformUnits, 0, len(h.engines))
	for _, eng := range h.engines {
		out = append(out, platformUnits{
			Platform:     eng.PlatformType().String(),
			UnitsEnabled: eng.UnitsEnabled(),
			Management:   eng.ManagementConversationID(),
			Mappings:     eng.State().SnapshotUnits(),
		})
	}
	return c.JSON(http.StatusOK, out)
}
