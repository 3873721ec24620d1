package handlers

import (
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/relaydesk/relaydesk/internal/bridge"
)

// PingHandler reports liveness plus a per-platform snapshot of the bridge.
type PingHandler struct {
	engines []*bridge.Engine
	logger  *slog.Logger
}

func NewPingHandler(log *slog.Logger, engines []*bridge.Engine) *PingHandler {
	if log == nil {
		log = slog.Default()
	}
	return &PingHandler{
		engines: engines,
		logger:  log.With(slog.String("handler", "ping")),
	}
}

func (h *PingHandler) Register(e *echo.Echo) {
	e.GET("/ping", h.Ping)
	e.HEAD("/health", h.PingHead)
}

type platformStatus struct {
	Platform     string `json:"platform"`
	UnitsEnabled bool   `json:"units_enabled"`
	// Ready means the management surface is known, so inbound messages
	// route instead of piling up in the log.
	Ready bool `json:"ready"`
	Units int  `json:"units"`
}

func (h *PingHandler) Ping(c echo.Context) error {
	platforms := make([]platformStatus, 0, len(h.engines))
	for _, eng := range h.engines {
		platforms = append(platforms, platformStatus{
			Platform:     eng.PlatformType().String(),
			UnitsEnabled: eng.UnitsEnabled(),
			Ready:        eng.ManagementConversationID() != "",
			Units:        len(eng.State().SnapshotUnits()),
		})
	}
	return c.JSON(http.StatusOK, map[string]any{
		"status":    "ok",
		"platforms": platforms,
	})
}

func (h *PingHandler) PingHead(c echo.Context) error {
	return c.NoContent(http.StatusOK)
}
