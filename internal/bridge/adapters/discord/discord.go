// Package discord adapts the Discord gateway to the bridge platform
// contract. Organizational units are threads under the admin channel.
package discord

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/relaydesk/relaydesk/internal/bridge"
)

const maxMessageLength = 2000

// Discord API error codes the bridge cares about.
const (
	errCodeUnknownChannel    = 10003
	errCodeMissingPermission = 50013
	errCodeWrongChannelType  = 50024
)

// Adapter implements bridge.Platform for Discord.
type Adapter struct {
	logger  *slog.Logger
	session *discordgo.Session
	cfg     Config
}

// NewAdapter creates a Discord adapter. The gateway connection is opened by
// Connect, not here.
func NewAdapter(log *slog.Logger, cfg Config) (*Adapter, error) {
	if log == nil {
		log = slog.Default()
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	session, err := discordgo.New("Bot " + cfg.BotToken)
	if err != nil {
		return nil, fmt.Errorf("discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentMessageContent
	// Dispatch gateway events on one goroutine so the handler sees messages
	// in arrival order.
	session.SyncEvents = true

	return &Adapter{
		logger:  log.With(slog.String("adapter", "discord")),
		session: session,
		cfg:     cfg,
	}, nil
}

// Type returns the Discord platform type.
func (a *Adapter) Type() bridge.PlatformType {
	return bridge.PlatformDiscord
}

// Connect opens the gateway connection and invokes the handler for each
// normalized inbound message. The returned stop function closes the session.
func (a *Adapter) Connect(ctx context.Context, handler bridge.InboundHandler) (func(), error) {
	remove := a.session.AddHandler(func(s *discordgo.Session, m *discordgo.MessageCreate) {
		if ctx.Err() != nil {
			return
		}
		msg, ok := a.normalize(s, m)
		if !ok {
			return
		}
		handler(ctx, msg)
	})

	if err := a.session.Open(); err != nil {
		remove()
		return nil, fmt.Errorf("discord open connection: %w", err)
	}
	a.logger.Info("start", slog.String("bot", a.session.State.User.Username))

	stop := func() {
		a.logger.Info("stop")
		remove()
		if err := a.session.Close(); err != nil {
			a.logger.Error("close session failed", slog.Any("error", err))
		}
	}
	return stop, nil
}

func (a *Adapter) normalize(s *discordgo.Session, m *discordgo.MessageCreate) (bridge.InboundMessage, bool) {
	if m.Author == nil {
		return bridge.InboundMessage{}, false
	}
	text := strings.TrimSpace(m.Content)
	if text == "" {
		// Textless attachments and stickers still flow through routing and
		// logging with a placeholder body; contentless gateway events
		// (joins, pin updates) are skipped.
		switch {
		case len(m.Attachments) > 0:
			text = "[attachment]"
		case len(m.StickerItems) > 0:
			text = "[sticker]"
		default:
			return bridge.InboundMessage{}, false
		}
	}

	conv := bridge.Conversation{ID: m.ChannelID, Kind: bridge.ConversationGroup}
	if m.GuildID == "" {
		conv.Kind = bridge.ConversationDirect
	}

	// Messages typed inside a thread arrive with the thread as ChannelID;
	// remap to the parent channel so routing sees one management surface.
	if m.GuildID != "" {
		if ch := a.channelInfo(s, m.ChannelID); ch != nil && ch.IsThread() {
			conv.ID = ch.ParentID
			conv.UnitID = m.ChannelID
		}
	}

	replyTo := ""
	if m.MessageReference != nil {
		replyTo = m.MessageReference.MessageID
	}

	displayName := m.Author.Username
	if m.Member != nil && strings.TrimSpace(m.Member.Nick) != "" {
		displayName = m.Member.Nick
	}

	receivedAt := m.Timestamp
	if receivedAt.IsZero() {
		receivedAt = time.Now()
	}

	msg := bridge.InboundMessage{
		Platform:  bridge.PlatformDiscord,
		MessageID: m.ID,
		Sender: bridge.Identity{
			ID:          m.Author.ID,
			DisplayName: displayName,
		},
		Conversation: conv,
		Text:         text,
		ReplyToID:    replyTo,
		FromBot:      m.Author.Bot,
		ReceivedAt:   receivedAt.UTC(),
		Raw: map[string]any{
			"channel_id":  m.ChannelID,
			"guild_id":    m.GuildID,
			"user_id":     m.Author.ID,
			"username":    m.Author.Username,
			"attachments": len(m.Attachments),
		},
	}
	return msg, true
}

// channelInfo resolves channel metadata from the session state cache,
// falling back to the REST API.
func (a *Adapter) channelInfo(s *discordgo.Session, channelID string) *discordgo.Channel {
	if ch, err := s.State.Channel(channelID); err == nil {
		return ch
	}
	ch, err := s.Channel(channelID)
	if err != nil {
		a.logger.Warn("resolve channel failed", slog.String("channel_id", channelID), slog.Any("error", err))
		return nil
	}
	return ch
}

// SendToConversation sends text into a channel. When opts.UnitID is set the
// message goes into that thread instead; threads are channels on Discord.
func (a *Adapter) SendToConversation(ctx context.Context, conversationID, text string, opts bridge.SendOptions) (string, error) {
	target := conversationID
	if opts.UnitID != "" {
		target = opts.UnitID
	}
	if strings.TrimSpace(target) == "" {
		return "", fmt.Errorf("discord target is required")
	}

	send := &discordgo.MessageSend{Content: truncateText(text)}
	if opts.ReplyToID != "" {
		send.Reference = &discordgo.MessageReference{
			ChannelID: target,
			MessageID: opts.ReplyToID,
		}
	}
	sent, err := a.session.ChannelMessageSendComplex(target, send, discordgo.WithContext(ctx))
	if err != nil {
		return "", err
	}
	return sent.ID, nil
}

// SendToUser delivers text over a DM channel, creating it on first use.
func (a *Adapter) SendToUser(ctx context.Context, userID, text string) (string, error) {
	dm, err := a.session.UserChannelCreate(userID, discordgo.WithContext(ctx))
	if err != nil {
		return "", fmt.Errorf("open dm channel: %w", err)
	}
	sent, err := a.session.ChannelMessageSend(dm.ID, truncateText(text), discordgo.WithContext(ctx))
	if err != nil {
		return "", err
	}
	return sent.ID, nil
}

// CreateUnit starts a public thread under the admin channel.
func (a *Adapter) CreateUnit(ctx context.Context, parentConversationID, label string) (bridge.Unit, error) {
	thread, err := a.session.ThreadStartComplex(parentConversationID, &discordgo.ThreadStart{
		Name:                label,
		AutoArchiveDuration: 10080,
		Type:                discordgo.ChannelTypeGuildPublicThread,
	}, discordgo.WithContext(ctx))
	if err != nil {
		return bridge.Unit{}, classifyCreateError(err)
	}
	return bridge.Unit{
		ID:        thread.ID,
		Label:     thread.Name,
		CreatedAt: time.Now().UTC(),
	}, nil
}

// VerifyUnitLive checks that the thread still exists and is not locked.
// Archived threads count as live: sending into one unarchives it.
func (a *Adapter) VerifyUnitLive(ctx context.Context, parentConversationID, unitID string) bool {
	ch, err := a.session.Channel(unitID, discordgo.WithContext(ctx))
	if err != nil {
		if apiErrorCode(err) == errCodeUnknownChannel {
			return false
		}
		// Transient failure; let the send surface the real error.
		return true
	}
	if ch.ThreadMetadata != nil && ch.ThreadMetadata.Locked {
		return false
	}
	return true
}

// Probe verifies bot credentials against the API.
func (a *Adapter) Probe(ctx context.Context) error {
	_, err := a.session.User("@me", discordgo.WithContext(ctx))
	return err
}

func classifyCreateError(err error) error {
	switch apiErrorCode(err) {
	case errCodeMissingPermission:
		return fmt.Errorf("%w: %s", bridge.ErrPermissionDenied, err.Error())
	case errCodeWrongChannelType:
		return fmt.Errorf("%w: %s", bridge.ErrUnitsUnsupported, err.Error())
	default:
		return err
	}
}

func apiErrorCode(err error) int {
	var rest *discordgo.RESTError
	if errors.As(err, &rest) && rest.Message != nil {
		return rest.Message.Code
	}
	return 0
}

func truncateText(text string) string {
	if len(text) <= maxMessageLength {
		return text
	}
	return text[:maxMessageLength-3] + "..."
}
