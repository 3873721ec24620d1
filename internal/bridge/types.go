// Package bridge implements the conversation-routing core: the in-memory
// mapping between external chat identities and operator-facing units, and the
// engine that decides where every message goes.
package bridge

import (
	"context"
	"strings"
	"time"
)

// Platform identifies a messaging platform (e.g., "telegram", "discord").
type PlatformType string

const (
	PlatformTelegram PlatformType = "telegram"
	PlatformDiscord  PlatformType = "discord"
)

// String returns the platform type as a plain string.
func (p PlatformType) String() string {
	return string(p)
}

// Identity is a user account on a chat platform, identified by a stable
// platform-scoped ID. It is never mutated once observed.
type Identity struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
}

// Label renders the identity for operator-facing text.
func (i Identity) Label() string {
	name := strings.TrimSpace(i.DisplayName)
	if name == "" {
		return i.ID
	}
	return name + " (" + i.ID + ")"
}

// Unit is an organizational sub-scope dedicated to one identity's
// conversation: a Telegram forum topic or a Discord thread.
type Unit struct {
	ID        string    `json:"id"`
	OwnerID   string    `json:"owner_id,omitempty"`
	Label     string    `json:"label"`
	CreatedAt time.Time `json:"created_at"`
}

// ForwardRecord is the latest-known forwarding state for one identity.
// Overwritten on every inbound message; the engine keeps no history.
type ForwardRecord struct {
	Identity           Identity
	LastText           string
	ForwardedMessageID string
	UnitID             string
	ForwardedAt        time.Time
}

// Conversation describes the chat scope an inbound message arrived in.
type Conversation struct {
	ID     string
	UnitID string // set when the message was typed inside a unit (topic/thread)
	Kind   ConversationKind
}

// ConversationKind classifies the chat scope of an inbound message.
type ConversationKind string

const (
	ConversationDirect ConversationKind = "direct" // private chat / DM with the bot
	ConversationGroup  ConversationKind = "group"  // group, supergroup, guild channel
)

// InboundMessage is a normalized inbound event delivered by a platform adapter.
type InboundMessage struct {
	Platform     PlatformType
	MessageID    string
	Sender       Identity
	Conversation Conversation
	Text         string
	ReplyToID    string // ID of the message this one replies to, if any
	FromBot      bool
	ReceivedAt   time.Time
	Raw          map[string]any
}

// InboundHandler is the callback a platform adapter invokes for every
// normalized inbound event. Adapters call it serially on their own stream.
type InboundHandler func(ctx context.Context, msg InboundMessage)

// SendOptions scopes an outbound message to a unit or threads it onto a
// prior message where the platform supports that.
type SendOptions struct {
	UnitID    string
	ReplyToID string
}