package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// Platform is the capability contract a platform adapter provides to the
// engine. Implementations wrap the platform SDK; all calls are best-effort
// network calls and may fail.
type Platform interface {
	Type() PlatformType
	// SendToConversation delivers text into a chat the bot participates in,
	// optionally scoped to a unit or threaded onto a prior message. Returns
	// the platform ID of the sent message.
	SendToConversation(ctx context.Context, conversationID, text string, opts SendOptions) (string, error)
	// SendToUser delivers text to an external identity's private conversation.
	SendToUser(ctx context.Context, userID, text string) (string, error)
	// CreateUnit creates an organizational unit under the given surface.
	// Returns ErrPermissionDenied or ErrUnitsUnsupported when the surface
	// cannot host units; any other error is treated as transient.
	CreateUnit(ctx context.Context, parentConversationID, label string) (Unit, error)
	// VerifyUnitLive reports whether a unit under the given surface still
	// exists. Best-effort: a false positive surfaces later as a send
	// failure, which is non-fatal.
	VerifyUnitLive(ctx context.Context, parentConversationID, unitID string) bool
	// Probe checks platform connectivity for the /test command.
	Probe(ctx context.Context) error
}

// Role classifies who authored a logged message.
type Role string

const (
	RoleUser     Role = "user"
	RoleOperator Role = "operator"
)

// LogEntry is the normalized shape handed to the persistence collaborator.
type LogEntry struct {
	Platform       PlatformType
	MessageID      string
	SenderID       string
	DisplayName    string
	Text           string
	Role           Role
	ConversationID string
	UnitID         string
	OccurredAt     time.Time
	Raw            map[string]any
}

// Recorder persists log entries. Recording is unconditional and independent
// of forwarding success.
type Recorder interface {
	Record(ctx context.Context, entry LogEntry) error
}

// Config holds the per-platform engine configuration.
type Config struct {
	// UnitsEnabled toggles per-user organizational units. When off, all
	// traffic flows through the shared management conversation.
	UnitsEnabled bool
	// ManagementConversationID is the operator's chat. When empty the engine
	// runs in self-setup mode: the first inbound group message registers its
	// conversation as the management surface.
	ManagementConversationID string
}

// Engine routes messages between external users and the operator surface for
// one platform. It exclusively owns its RoutingState.
type Engine struct {
	platform Platform
	recorder Recorder
	state    *RoutingState
	logger   *slog.Logger

	mu           sync.RWMutex
	unitsEnabled bool
	managementID string
}

// NewEngine creates a routing engine for one platform.
func NewEngine(log *slog.Logger, platform Platform, recorder Recorder, cfg Config) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		platform:     platform,
		recorder:     recorder,
		state:        NewRoutingState(),
		logger:       log.With(slog.String("engine", platform.Type().String())),
		unitsEnabled: cfg.UnitsEnabled,
		managementID: strings.TrimSpace(cfg.ManagementConversationID),
	}
}

// State exposes the mapping tables read-only (dashboard snapshot, tests).
func (e *Engine) State() *RoutingState {
	return e.state
}

// PlatformType identifies which platform this engine routes for.
func (e *Engine) PlatformType() PlatformType {
	return e.platform.Type()
}

// ManagementConversationID returns the current management surface, which may
// have been set by configuration or self-setup.
func (e *Engine) ManagementConversationID() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.managementID
}

func (e *Engine) setManagementConversationID(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.managementID = id
}

// UnitsEnabled reports whether per-user units are on for this platform.
func (e *Engine) UnitsEnabled() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.unitsEnabled
}

// HandleInbound is the single entry point for normalized inbound events.
// It never returns an error: every failure is logged and handled locally so
// a platform hiccup cannot crash the stream.
func (e *Engine) HandleInbound(ctx context.Context, msg InboundMessage) {
	if msg.FromBot {
		return
	}
	mgmt := e.ManagementConversationID()
	if mgmt == "" {
		// Logging never waits for routing to be ready; the message itself
		// may still be undeliverable.
		e.record(ctx, userLogEntry(msg))
		if msg.Conversation.Kind == ConversationGroup {
			e.registerManagementSurface(ctx, msg)
		} else {
			e.logger.Warn("inbound dropped: no management surface",
				slog.String("sender", msg.Sender.ID))
		}
		return
	}
	if msg.Conversation.ID == mgmt {
		e.handleOperatorMessage(ctx, msg)
		return
	}
	e.ForwardInbound(ctx, msg)
}

func userLogEntry(msg InboundMessage) LogEntry {
	return LogEntry{
		Platform:       msg.Platform,
		MessageID:      msg.MessageID,
		SenderID:       msg.Sender.ID,
		DisplayName:    msg.Sender.DisplayName,
		Text:           msg.Text,
		Role:           RoleUser,
		ConversationID: msg.Conversation.ID,
		OccurredAt:     msg.ReceivedAt,
		Raw:            msg.Raw,
	}
}

// registerManagementSurface is the one-shot self-setup path: the first group
// message seen while unconfigured binds its conversation as the operator
// surface for this process.
func (e *Engine) registerManagementSurface(ctx context.Context, msg InboundMessage) {
	e.setManagementConversationID(msg.Conversation.ID)
	e.logger.Info("management surface registered",
		slog.String("conversation_id", msg.Conversation.ID),
		slog.String("registered_by", msg.Sender.ID))
	notice := fmt.Sprintf(
		"This chat is now the management surface (id %s). Add it to the config file to make it permanent.",
		msg.Conversation.ID)
	if _, err := e.platform.SendToConversation(ctx, msg.Conversation.ID, notice, SendOptions{}); err != nil {
		e.logger.Error("send setup confirmation failed", slog.Any("error", err))
	}
}

// ForwardInbound forwards one external user message into the operator
// surface. The persistence record is written first and unconditionally;
// forwarding failures are logged and dropped.
func (e *Engine) ForwardInbound(ctx context.Context, msg InboundMessage) {
	e.record(ctx, userLogEntry(msg))

	mgmt := e.ManagementConversationID()
	if mgmt == "" {
		e.logger.Warn("forward dropped: no management surface", slog.String("sender", msg.Sender.ID))
		return
	}

	unit, hasUnit := e.ResolveOrCreateUnit(ctx, msg.Sender)

	text := msg.Text
	opts := SendOptions{}
	if hasUnit {
		opts.UnitID = unit.ID
	} else {
		text = msg.Sender.Label() + ": " + msg.Text
	}

	forwardedID, err := e.platform.SendToConversation(ctx, mgmt, text, opts)
	if err != nil {
		e.logger.Error("forward failed",
			slog.String("sender", msg.Sender.ID),
			slog.Any("error", NewSendError(msg.Platform, err)))
		return
	}

	rec := ForwardRecord{
		Identity:           msg.Sender,
		LastText:           msg.Text,
		ForwardedMessageID: forwardedID,
		ForwardedAt:        time.Now().UTC(),
	}
	if hasUnit {
		rec.UnitID = unit.ID
	}
	e.state.SetForwardRecord(rec)
	e.state.IndexForwardedMessage(forwardedID, msg.Sender)
}

// ResolveOrCreateUnit returns the unit for an identity, creating one lazily.
// The whole resolve-or-create section is serialized per identity so a
// double-send cannot produce two units.
func (e *Engine) ResolveOrCreateUnit(ctx context.Context, identity Identity) (Unit, bool) {
	if !e.UnitsEnabled() {
		return Unit{}, false
	}
	mgmt := e.ManagementConversationID()
	if mgmt == "" {
		return Unit{}, false
	}

	lock := e.state.lockIdentity(identity.ID)
	lock.Lock()
	defer lock.Unlock()

	if unit, ok := e.state.UnitFor(identity.ID); ok {
		if e.platform.VerifyUnitLive(ctx, mgmt, unit.ID) {
			return unit, true
		}
		e.logger.Info("unit stale, evicting",
			slog.String("identity", identity.ID), slog.String("unit", unit.ID))
		e.state.EvictUnit(identity.ID)
	}

	if e.state.CreationFailed(identity.ID) {
		// No retry after a permission failure, but the instructional notice
		// is repeated on purpose so the operator keeps seeing it.
		e.sendCreateFailedNotice(ctx, mgmt, identity)
		return Unit{}, false
	}

	unit, err := e.platform.CreateUnit(ctx, mgmt, identity.Label())
	if err != nil {
		if errors.Is(err, ErrPermissionDenied) || errors.Is(err, ErrUnitsUnsupported) {
			e.state.MarkCreationFailed(identity.ID)
			e.logger.Warn("unit creation denied, falling back to shared surface",
				slog.String("identity", identity.ID), slog.Any("error", err))
			e.sendCreateFailedNotice(ctx, mgmt, identity)
		} else {
			e.logger.Error("unit creation failed",
				slog.String("identity", identity.ID), slog.Any("error", err))
		}
		return Unit{}, false
	}

	unit.OwnerID = identity.ID
	e.state.SetUnit(identity, unit)
	e.logger.Info("unit created",
		slog.String("identity", identity.ID), slog.String("unit", unit.ID))

	welcome := "Conversation with " + identity.Label() + ". Messages typed here go back to the user."
	if _, err := e.platform.SendToConversation(ctx, mgmt, welcome, SendOptions{UnitID: unit.ID}); err != nil {
		e.logger.Warn("welcome message failed", slog.String("unit", unit.ID), slog.Any("error", err))
	}
	return unit, true
}

func (e *Engine) sendCreateFailedNotice(ctx context.Context, mgmt string, identity Identity) {
	notice := fmt.Sprintf(
		"Could not create a dedicated unit for %s. Give the bot topic/thread management rights, or create one manually and bind it with /link %s <unit-id>.",
		identity.Label(), identity.ID)
	if _, err := e.platform.SendToConversation(ctx, mgmt, notice, SendOptions{}); err != nil {
		e.logger.Error("instructional notice failed", slog.Any("error", err))
	}
}

// ReplyResolution is the outcome of ResolveReplyTarget.
type ReplyResolution struct {
	Identity Identity
	Body     string
}

// ResolveReplyTarget decides which external user an operator message targets.
// Strategies are evaluated in order, first match wins:
//  1. typed directly inside a known unit, and not itself a reply
//  2. reply to a message present in the forwarded-message index
//  3. inside a known unit (reply that missed the index)
//  4. legacy "r<digits> <text>" addressing, prefix stripped from the body
//  5. none
func (e *Engine) ResolveReplyTarget(msg InboundMessage) (ReplyResolution, bool) {
	unitID := msg.Conversation.UnitID

	if unitID != "" && msg.ReplyToID == "" {
		if identity, ok := e.state.IdentityForUnit(unitID); ok {
			return ReplyResolution{Identity: identity, Body: msg.Text}, true
		}
	}

	if msg.ReplyToID != "" {
		if identity, ok := e.state.IdentityForForwardedMessage(msg.ReplyToID); ok {
			return ReplyResolution{Identity: identity, Body: msg.Text}, true
		}
	}

	if unitID != "" {
		if identity, ok := e.state.IdentityForUnit(unitID); ok {
			return ReplyResolution{Identity: identity, Body: msg.Text}, true
		}
	}

	if rawID, body, ok := ParseLegacyReply(msg.Text); ok {
		identity := Identity{ID: rawID}
		if rec, found := e.state.ForwardRecordFor(rawID); found {
			identity = rec.Identity
		}
		return ReplyResolution{Identity: identity, Body: body}, true
	}

	return ReplyResolution{}, false
}

// handleOperatorMessage processes messages typed on the management surface:
// administrative commands first, then reply routing.
func (e *Engine) handleOperatorMessage(ctx context.Context, msg InboundMessage) {
	if cmd := ParseCommand(msg.Text); cmd.Kind != CommandNone {
		e.runCommand(ctx, msg, cmd)
		return
	}

	resolution, ok := e.ResolveReplyTarget(msg)
	if !ok {
		// Not addressed to anyone; treat as operator chatter and ignore.
		return
	}
	e.SendOperatorReply(ctx, resolution.Identity, resolution.Body, msg)
}

// SendOperatorReply delivers an operator reply to an external user, records
// it, and acknowledges in the surface the operator used. A send failure posts
// the raw error back but never evicts routing state.
func (e *Engine) SendOperatorReply(ctx context.Context, identity Identity, body string, origin InboundMessage) {
	ackOpts := SendOptions{
		UnitID:    origin.Conversation.UnitID,
		ReplyToID: origin.MessageID,
	}

	sentID, err := e.platform.SendToUser(ctx, identity.ID, body)
	if err != nil {
		sendErr := NewSendError(e.platform.Type(), err)
		e.logger.Error("operator reply failed",
			slog.String("target", identity.ID), slog.Any("error", sendErr))
		e.notifyOperator(ctx, origin.Conversation.ID,
			"Delivery to "+identity.Label()+" failed: "+sendErr.Raw, ackOpts)
		return
	}

	e.record(ctx, LogEntry{
		Platform:       e.platform.Type(),
		MessageID:      sentID,
		SenderID:       identity.ID,
		DisplayName:    identity.DisplayName,
		Text:           body,
		Role:           RoleOperator,
		ConversationID: identity.ID,
		UnitID:         origin.Conversation.UnitID,
		OccurredAt:     time.Now().UTC(),
	})

	e.notifyOperator(ctx, origin.Conversation.ID, "Delivered to "+identity.Label()+".", ackOpts)
}

// LinkUnit forcibly binds a unit to an identity. Used after a failed
// automatic creation when the operator made a unit by hand. The supplied
// unit ID is trusted without validation.
func (e *Engine) LinkUnit(identity Identity, unitID string) {
	e.state.SetUnit(identity, Unit{
		ID:        unitID,
		OwnerID:   identity.ID,
		Label:     identity.Label(),
		CreatedAt: time.Now().UTC(),
	})
	e.logger.Info("unit linked manually",
		slog.String("identity", identity.ID), slog.String("unit", unitID))
}

func (e *Engine) runCommand(ctx context.Context, msg InboundMessage, cmd Command) {
	opts := SendOptions{UnitID: msg.Conversation.UnitID, ReplyToID: msg.MessageID}
	switch cmd.Kind {
	case CommandHelp:
		e.notifyOperator(ctx, msg.Conversation.ID, helpText, opts)
	case CommandTest:
		if err := e.platform.Probe(ctx); err != nil {
			e.notifyOperator(ctx, msg.Conversation.ID, "Connection test failed: "+err.Error(), opts)
			return
		}
		e.notifyOperator(ctx, msg.Conversation.ID, "Connection OK.", opts)
	case CommandUnits:
		entries := e.state.SnapshotUnits()
		if len(entries) == 0 {
			e.notifyOperator(ctx, msg.Conversation.ID, "No units mapped.", opts)
			return
		}
		var b strings.Builder
		b.WriteString("Mapped units:\n")
		for _, entry := range entries {
			fmt.Fprintf(&b, "  %s -> %s\n", entry.Identity.Label(), entry.Unit.ID)
		}
		e.notifyOperator(ctx, msg.Conversation.ID, strings.TrimRight(b.String(), "\n"), opts)
	case CommandLink:
		if len(cmd.Args) < 2 {
			e.notifyOperator(ctx, msg.Conversation.ID, "Usage: /link <identity> <unit-id>", opts)
			return
		}
		identity := Identity{ID: cmd.Args[0]}
		if rec, ok := e.state.ForwardRecordFor(identity.ID); ok {
			identity = rec.Identity
		}
		e.LinkUnit(identity, cmd.Args[1])
		e.notifyOperator(ctx, msg.Conversation.ID,
			"Linked "+identity.Label()+" to unit "+cmd.Args[1]+".", opts)
	}
}

// notifyOperator posts a message to the operator surface, best-effort.
func (e *Engine) notifyOperator(ctx context.Context, conversationID, text string, opts SendOptions) {
	if _, err := e.platform.SendToConversation(ctx, conversationID, text, opts); err != nil {
		e.logger.Error("operator notice failed", slog.Any("error", err))
	}
}

// record writes a log entry; failures are logged and swallowed so durable
// logging problems never interfere with routing, and vice versa.
func (e *Engine) record(ctx context.Context, entry LogEntry) {
	if e.recorder == nil {
		return
	}
	if err := e.recorder.Record(ctx, entry); err != nil {
		e.logger.Error("record message failed",
			slog.String("message_id", entry.MessageID), slog.Any("error", err))
	}
}
