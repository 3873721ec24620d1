// Package message persists the bridge's message log and serves the
// dashboard's read queries.
package message

import (
	"time"

	"github.com/google/uuid"
)

// Record is one logged message, inbound or outbound.
type Record struct {
	ID                uuid.UUID      `json:"id"`
	Platform          string         `json:"platform"`
	ExternalMessageID string         `json:"external_message_id"`
	SenderID          string         `json:"sender_id"`
	SenderDisplayName string         `json:"sender_display_name"`
	Role              string         `json:"role"`
	Text              string         `json:"text"`
	ConversationID    string         `json:"conversation_id"`
	UnitID            string         `json:"unit_id,omitempty"`
	Payload           map[string]any `json:"payload,omitempty"`
	CreatedAt         time.Time      `json:"created_at"`
}

// Filter narrows a log query. Zero values mean "no constraint".
type Filter struct {
	Platform string
	SenderID string
	Role     string
	Since    time.Time
	Until    time.Time
	Limit    int
	Offset   int
}

const defaultListLimit = 100
const maxListLimit = 1000

func (f Filter) normalizedLimit() int {
	switch {
	case f.Limit <= 0:
		return defaultListLimit
	case f.Limit > maxListLimit:
		return maxListLimit
	default:
		return f.Limit
	}
}
