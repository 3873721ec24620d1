// Package telegram adapts the Telegram Bot API to the bridge platform
// contract. Organizational units are forum topics in the admin supergroup.
package telegram

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/relaydesk/relaydesk/internal/bridge"
)

const maxMessageLength = 4096
const pollTimeoutSeconds = 30

// Adapter implements bridge.Platform for Telegram.
type Adapter struct {
	logger *slog.Logger
	bot    *tgbotapi.BotAPI
	cfg    Config
}

// NewAdapter creates a Telegram adapter and authenticates the bot token.
func NewAdapter(log *slog.Logger, cfg Config) (*Adapter, error) {
	if log == nil {
		log = slog.Default()
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	bot, err := tgbotapi.NewBotAPI(cfg.BotToken)
	if err != nil {
		return nil, fmt.Errorf("telegram auth: %w", err)
	}
	return &Adapter{
		logger: log.With(slog.String("adapter", "telegram")),
		bot:    bot,
		cfg:    cfg,
	}, nil
}

// Type returns the Telegram platform type.
func (a *Adapter) Type() bridge.PlatformType {
	return bridge.PlatformTelegram
}

// pollUpdate mirrors the Bot API update shape. The typed structs from the
// SDK predate forum topics, so updates are decoded here to keep
// message_thread_id and is_topic_message.
type pollUpdate struct {
	UpdateID int64        `json:"update_id"`
	Message  *pollMessage `json:"message"`
}

type pollMessage struct {
	MessageID       int64          `json:"message_id"`
	From            *tgbotapi.User `json:"from"`
	Chat            *tgbotapi.Chat `json:"chat"`
	Date            int64          `json:"date"`
	Text            string         `json:"text"`
	Caption         string         `json:"caption"`
	MessageThreadID int64          `json:"message_thread_id"`
	IsTopicMessage  bool           `json:"is_topic_message"`
	ReplyToMessage  *pollMessage   `json:"reply_to_message"`

	// Media payloads are not forwarded; their presence still has to be
	// routed and logged, so only presence is decoded.
	Photo     []json.RawMessage `json:"photo"`
	Sticker   json.RawMessage   `json:"sticker"`
	Document  json.RawMessage   `json:"document"`
	Video     json.RawMessage   `json:"video"`
	VideoNote json.RawMessage   `json:"video_note"`
	Voice     json.RawMessage   `json:"voice"`
	Audio     json.RawMessage   `json:"audio"`
	Animation json.RawMessage   `json:"animation"`
	Contact   json.RawMessage   `json:"contact"`
	Location  json.RawMessage   `json:"location"`
}

func (m *pollMessage) mediaKind() string {
	switch {
	case len(m.Photo) > 0:
		return "photo"
	case m.Sticker != nil:
		return "sticker"
	case m.Document != nil:
		return "document"
	case m.Video != nil:
		return "video"
	case m.VideoNote != nil:
		return "video_note"
	case m.Voice != nil:
		return "voice"
	case m.Audio != nil:
		return "audio"
	case m.Animation != nil:
		return "animation"
	case m.Contact != nil:
		return "contact"
	case m.Location != nil:
		return "location"
	default:
		return ""
	}
}

// Connect starts long-polling for updates and invokes the handler serially
// for each normalized message. The returned stop function ends the loop.
func (a *Adapter) Connect(ctx context.Context, handler bridge.InboundHandler) (func(), error) {
	connCtx, cancel := context.WithCancel(ctx)
	a.logger.Info("start", slog.String("bot", a.bot.Self.UserName))

	go func() {
		var offset int64
		for {
			if connCtx.Err() != nil {
				return
			}
			updates, err := a.fetchUpdates(offset)
			if err != nil {
				if connCtx.Err() != nil {
					return
				}
				a.logger.Error("get updates failed", slog.Any("error", err))
				time.Sleep(3 * time.Second)
				continue
			}
			for _, update := range updates {
				if update.UpdateID >= offset {
					offset = update.UpdateID + 1
				}
				msg, ok := a.normalize(update.Message)
				if !ok {
					continue
				}
				handler(connCtx, msg)
			}
		}
	}()

	stop := func() {
		a.logger.Info("stop")
		cancel()
	}
	return stop, nil
}

func (a *Adapter) fetchUpdates(offset int64) ([]pollUpdate, error) {
	params := tgbotapi.Params{}
	params.AddNonZero64("offset", offset)
	params.AddNonZero("timeout", pollTimeoutSeconds)
	resp, err := a.bot.MakeRequest("getUpdates", params)
	if err != nil {
		return nil, err
	}
	var updates []pollUpdate
	if err := json.Unmarshal(resp.Result, &updates); err != nil {
		return nil, fmt.Errorf("decode updates: %w", err)
	}
	return updates, nil
}

func (a *Adapter) normalize(m *pollMessage) (bridge.InboundMessage, bool) {
	if m == nil || m.Chat == nil || m.From == nil {
		return bridge.InboundMessage{}, false
	}
	text := strings.TrimSpace(m.Text)
	if text == "" {
		text = strings.TrimSpace(m.Caption)
	}
	mediaKind := m.mediaKind()
	if text == "" {
		// Textless media still flows through routing and logging with a
		// placeholder body.
		if mediaKind == "" {
			return bridge.InboundMessage{}, false
		}
		text = "[" + mediaKind + "]"
	}

	chatID := strconv.FormatInt(m.Chat.ID, 10)
	kind := bridge.ConversationGroup
	if m.Chat.Type == "private" {
		kind = bridge.ConversationDirect
	}

	unitID := ""
	if m.IsTopicMessage && m.MessageThreadID != 0 {
		unitID = strconv.FormatInt(m.MessageThreadID, 10)
	}

	// Every topic message carries a reply_to_message pointing at the thread
	// root; only an explicit reply to a different message counts.
	replyTo := ""
	if m.ReplyToMessage != nil && m.ReplyToMessage.MessageID != m.MessageThreadID {
		replyTo = strconv.FormatInt(m.ReplyToMessage.MessageID, 10)
	}

	displayName := strings.TrimSpace(m.From.UserName)
	if displayName == "" {
		displayName = strings.TrimSpace(m.From.FirstName + " " + m.From.LastName)
	}

	raw := map[string]any{
		"chat_id":    m.Chat.ID,
		"chat_type":  m.Chat.Type,
		"message_id": m.MessageID,
		"user_id":    m.From.ID,
		"username":   m.From.UserName,
		"date":       m.Date,
	}
	if m.MessageThreadID != 0 {
		raw["message_thread_id"] = m.MessageThreadID
	}
	if mediaKind != "" {
		raw["media"] = mediaKind
	}

	msg := bridge.InboundMessage{
		Platform:  bridge.PlatformTelegram,
		MessageID: strconv.FormatInt(m.MessageID, 10),
		Sender: bridge.Identity{
			ID:          strconv.FormatInt(m.From.ID, 10),
			DisplayName: displayName,
		},
		Conversation: bridge.Conversation{
			ID:     chatID,
			UnitID: unitID,
			Kind:   kind,
		},
		Text:       text,
		ReplyToID:  replyTo,
		FromBot:    m.From.IsBot,
		ReceivedAt: time.Unix(m.Date, 0).UTC(),
		Raw:        raw,
	}
	return msg, true
}

// SendToConversation sends text into a chat, optionally scoped to a forum
// topic via message_thread_id. The SDK's typed send configs predate topics,
// so the request goes through MakeRequest.
func (a *Adapter) SendToConversation(ctx context.Context, conversationID, text string, opts bridge.SendOptions) (string, error) {
	if strings.TrimSpace(conversationID) == "" {
		return "", fmt.Errorf("telegram conversation id is required")
	}
	params := tgbotapi.Params{}
	params.AddNonEmpty("chat_id", conversationID)
	params.AddNonEmpty("text", truncateText(sanitizeText(text)))
	params.AddNonEmpty("message_thread_id", opts.UnitID)
	params.AddNonEmpty("reply_to_message_id", opts.ReplyToID)
	params["allow_sending_without_reply"] = "true"

	resp, err := a.bot.MakeRequest("sendMessage", params)
	if err != nil {
		return "", err
	}
	var sent pollMessage
	if err := json.Unmarshal(resp.Result, &sent); err != nil {
		return "", fmt.Errorf("decode sent message: %w", err)
	}
	return strconv.FormatInt(sent.MessageID, 10), nil
}

// SendToUser sends text to a user's private chat. For Telegram the private
// chat ID equals the user ID.
func (a *Adapter) SendToUser(ctx context.Context, userID, text string) (string, error) {
	return a.SendToConversation(ctx, userID, text, bridge.SendOptions{})
}

// CreateUnit creates a forum topic in the admin supergroup.
func (a *Adapter) CreateUnit(ctx context.Context, parentConversationID, label string) (bridge.Unit, error) {
	params := tgbotapi.Params{}
	params.AddNonEmpty("chat_id", parentConversationID)
	params.AddNonEmpty("name", label)

	resp, err := a.bot.MakeRequest("createForumTopic", params)
	if err != nil {
		return bridge.Unit{}, classifyCreateError(err)
	}
	var topic struct {
		MessageThreadID int64  `json:"message_thread_id"`
		Name            string `json:"name"`
	}
	if err := json.Unmarshal(resp.Result, &topic); err != nil {
		return bridge.Unit{}, fmt.Errorf("decode forum topic: %w", err)
	}
	return bridge.Unit{
		ID:        strconv.FormatInt(topic.MessageThreadID, 10),
		Label:     topic.Name,
		CreatedAt: time.Now().UTC(),
	}, nil
}

// VerifyUnitLive sends a typing action scoped to the topic. A deleted topic
// rejects the action; any other error is treated as live (best-effort).
func (a *Adapter) VerifyUnitLive(ctx context.Context, parentConversationID, unitID string) bool {
	params := tgbotapi.Params{}
	params.AddNonEmpty("chat_id", parentConversationID)
	params.AddNonEmpty("message_thread_id", unitID)
	params.AddNonEmpty("action", tgbotapi.ChatTyping)
	_, err := a.bot.MakeRequest("sendChatAction", params)
	if err == nil {
		return true
	}
	return !isThreadMissing(err)
}

// Probe verifies bot credentials against the API.
func (a *Adapter) Probe(ctx context.Context) error {
	_, err := a.bot.GetMe()
	return err
}

func classifyCreateError(err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "not enough rights") || strings.Contains(msg, "administrator rights"):
		return fmt.Errorf("%w: %s", bridge.ErrPermissionDenied, err.Error())
	case strings.Contains(msg, "forum"):
		// "the chat is not a forum" and friends.
		return fmt.Errorf("%w: %s", bridge.ErrUnitsUnsupported, err.Error())
	default:
		return err
	}
}

func isThreadMissing(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "thread not found") ||
		strings.Contains(msg, "topic_deleted") ||
		strings.Contains(msg, "topic deleted") ||
		strings.Contains(msg, "message thread not found")
}

// sanitizeText ensures valid UTF-8 for the Bot API.
func sanitizeText(text string) string {
	if utf8.ValidString(text) {
		return text
	}
	return strings.ToValidUTF8(text, "")
}

// truncateText truncates to the Telegram message limit on a rune boundary.
func truncateText(text string) string {
	if len(text) <= maxMessageLength {
		return text
	}
	const suffix = "..."
	limit := maxMessageLength - len(suffix)
	for limit > 0 && !utf8.RuneStart(text[limit]) {
		limit--
	}
	return text[:limit] + suffix
}
