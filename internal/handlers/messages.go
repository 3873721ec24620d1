package handlers

import (
	"context"
	"encoding/csv"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/relaydesk/relaydesk/internal/message"
)

// MessageLister is the read side of the message log.
type MessageLister interface {
	List(ctx context.Context, f message.Filter) ([]message.Record, error)
	Count(ctx context.Context, f message.Filter) (int64, error)
}

// MessagesHandler serves the dashboard's message log queries and exports.
type MessagesHandler struct {
	service MessageLister
	logger  *slog.Logger
}

func NewMessagesHandler(log *slog.Logger, service MessageLister) *MessagesHandler {
	if log == nil {
		log = slog.Default()
	}
	return &MessagesHandler{
		service: service,
		logger:  log.With(slog.String("handler", "messages")),
	}
}

func (h *MessagesHandler) Register(e *echo.Echo) {
	group := e.Group("/api/messages")
	group.GET("", h.List)
	group.GET("/export", h.Export)
}

type listMessagesResponse struct {
	Items  []message.Record `json:"items"`
	Total  int64            `json:"total"`
	Limit  int              `json:"limit"`
	Offset int              `json:"offset"`
}

func (h *MessagesHandler) List(c echo.Context) error {
	filter, err := filterFromQuery(c)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	ctx := c.Request().Context()
	items, err := h.service.List(ctx, filter)
	if err != nil {
		h.logger.Error("list messages failed", slog.Any("error", err))
		return echo.NewHTTPError(http.StatusInternalServerError, "query failed")
	}
	total, err := h.service.Count(ctx, filter)
	if err != nil {
		h.logger.Error("count messages failed", slog.Any("error", err))
		return echo.NewHTTPError(http.StatusInternalServerError, "query failed")
	}

	return c.JSON(http.StatusOK, listMessagesResponse{
		Items:  items,
		Total:  total,
		Limit:  filter.Limit,
		Offset: filter.Offset,
	})
}

func (h *MessagesHandler) Export(c echo.Context) error {
	filter, err := filterFromQuery(c)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	items, err := h.service.List(c.Request().Context(), filter)
	if err != nil {
		h.logger.Error("export messages failed", slog.Any("error", err))
		return echo.NewHTTPError(http.StatusInternalServerError, "query failed")
	}

	format := c.QueryParam("format")
	switch format {
	case "", "json":
		c.Response().Header().Set(echo.HeaderContentDisposition, `attachment; filename="messages.json"`)
		return c.JSON(http.StatusOK, items)
	case "csv":
		return writeCSV(c, items)
	default:
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("unsupported export format %q", format))
	}
}

func writeCSV(c echo.Context, items []message.Record) error {
	res := c.Response()
	res.Header().Set(echo.HeaderContentType, "text/csv")
	res.Header().Set(echo.HeaderContentDisposition, `attachment; filename="messages.csv"`)
	res.WriteHeader(http.StatusOK)

	w := csv.NewWriter(res)
	header := []string{
		"id", "platform", "external_message_id", "sender_id",
		"sender_display_name", "role", "text", "conversation_id",
		"unit_id", "created_at",
	}
	if err := w.Write(header); err != nil {
		return err
	}
	for _, rec := range items {
		row := []string{
			rec.ID.String(),
			rec.Platform,
			rec.ExternalMessageID,
			rec.SenderID,
			rec.SenderDisplayName,
			rec.Role,
			rec.Text,
			rec.ConversationID,
			rec.UnitID,
			rec.CreatedAt.UTC().Format(time.RFC3339),
		}
		if err := w.Write(row); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}

func filterFromQuery(c echo.Context) (message.Filter, error) {
	f := message.Filter{
		Platform: c.QueryParam("platform"),
		SenderID: c.QueryParam("sender_id"),
		Role:     c.QueryParam("role"),
	}

	var err error
	if f.Since, err = parseTimeParam(c.QueryParam("since")); err != nil {
		return f, fmt.Errorf("invalid since: %v", err)
	}
	if f.Until, err = parseTimeParam(c.QueryParam("until")); err != nil {
		return f, fmt.Errorf("invalid until: %v", err)
	}
	if f.Limit, err = parseIntParam(c.QueryParam("limit")); err != nil {
		return f, fmt.Errorf("invalid limit: %v", err)
	}
	if f.Offset, err = parseIntParam(c.QueryParam("offset")); err != nil {
		return f, fmt.Errorf("invalid offset: %v", err)
	}
	return f, nil
}

func parseTimeParam(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, raw)
}

func parseIntParam(raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, fmt.Errorf("must not be negative")
	}
	return n, nil
}
