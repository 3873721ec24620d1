package handlers

import (
	"embed"
	"net/http"

	"github.com/labstack/echo/v4"
)

//go:embed web/index.html
var webFS embed.FS

// WebHandler serves the embedded dashboard page.
type WebHandler struct{}

func NewWebHandler() *WebHandler {
	return &WebHandler{}
}

func (h *WebHandler) Register(e *echo.Echo) {
	e.GET("/", h.Index)
}

func (h *WebHandler) Index(c echo.Context) error {
	page, err := webFS.ReadFile("web/index.html")
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "dashboard page missing")
	}
	return c.HTMLBlob(http.StatusOK, page)
}
