package message

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/relaydesk/relaydesk/internal/bridge"
)

const messagesTable = "messages"

var listColumns = []string{
	"id",
	"platform",
	"external_message_id",
	"sender_id",
	"sender_display_name",
	"role",
	"text",
	"conversation_id",
	"unit_id",
	"payload",
	"created_at",
}

var builder = squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar)

// DBService persists and reads logged messages. It implements
// bridge.Recorder.
type DBService struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewService creates a message service.
func NewService(log *slog.Logger, pool *pgxpool.Pool) *DBService {
	if log == nil {
		log = slog.Default()
	}
	return &DBService{
		pool:   pool,
		logger: log.With(slog.String("service", "message")),
	}
}

// Record writes one log entry.
func (s *DBService) Record(ctx context.Context, entry bridge.LogEntry) error {
	payload, err := json.Marshal(nonNilMap(entry.Raw))
	if err != nil {
		return fmt.Errorf("marshal message payload: %w", err)
	}

	occurredAt := entry.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = time.Now()
	}

	query, args, err := builder.
		Insert(messagesTable).
		Columns(listColumns...).
		Values(
			uuid.New(),
			entry.Platform.String(),
			entry.MessageID,
			entry.SenderID,
			entry.DisplayName,
			string(entry.Role),
			entry.Text,
			entry.ConversationID,
			entry.UnitID,
			payload,
			occurredAt.UTC(),
		).
		ToSql()
	if err != nil {
		return fmt.Errorf("build insert message: %w", err)
	}

	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

// List returns log records matching the filter, newest first.
func (s *DBService) List(ctx context.Context, f Filter) ([]Record, error) {
	query, args, err := buildListQuery(f)
	if err != nil {
		return nil, fmt.Errorf("build list messages: %w", err)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	records := make([]Record, 0, f.normalizedLimit())
	for rows.Next() {
		var (
			rec     Record
			payload []byte
		)
		if err := rows.Scan(
			&rec.ID,
			&rec.Platform,
			&rec.ExternalMessageID,
			&rec.SenderID,
			&rec.SenderDisplayName,
			&rec.Role,
			&rec.Text,
			&rec.ConversationID,
			&rec.UnitID,
			&payload,
			&rec.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &rec.Payload); err != nil {
				s.logger.Warn("decode payload failed", slog.String("id", rec.ID.String()), slog.Any("error", err))
			}
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return records, nil
}

// Count returns the number of records matching the filter, ignoring
// pagination.
func (s *DBService) Count(ctx context.Context, f Filter) (int64, error) {
	query, args, err := applyFilter(builder.Select("count(*)").From(messagesTable), f).ToSql()
	if err != nil {
		return 0, fmt.Errorf("build count messages: %w", err)
	}
	var total int64
	if err := s.pool.QueryRow(ctx, query, args...).Scan(&total); err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return total, nil
}

func buildListQuery(f Filter) (string, []any, error) {
	q := applyFilter(builder.Select(listColumns...).From(messagesTable), f).
		OrderBy("created_at DESC").
		Limit(uint64(f.normalizedLimit()))
	if f.Offset > 0 {
		q = q.Offset(uint64(f.Offset))
	}
	return q.ToSql()
}

func applyFilter(q squirrel.SelectBuilder, f Filter) squirrel.SelectBuilder {
	if f.Platform != "" {
		q = q.Where(squirrel.Eq{"platform": f.Platform})
	}
	if f.SenderID != "" {
		q = q.Where(squirrel.Eq{"sender_id": f.SenderID})
	}
	if f.Role != "" {
		q = q.Where(squirrel.Eq{"role": f.Role})
	}
	if !f.Since.IsZero() {
		q = q.Where(squirrel.GtOrEq{"created_at": f.Since.UTC()})
	}
	if !f.Until.IsZero() {
		q = q.Where(squirrel.Lt{"created_at": f.Until.UTC()})
	}
	return q
}

func nonNilMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
