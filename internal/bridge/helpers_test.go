package bridge_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/relaydesk/relaydesk/internal/bridge"
)

const testMgmtID = "mgmt-1"

// fakePlatform implements bridge.Platform with scriptable failures and a
// full call log.
type fakePlatform struct {
	mu sync.Mutex

	sent        []sentMessage
	createdUnit int
	nextUnitID  int

	sendErr      error
	createErr    error
	probeErr     error
	deadUnits    map[string]bool
	userSendErr  map[string]error
	verifyCalled int
}

type sentMessage struct {
	ConversationID string
	UserID         string
	Text           string
	Opts           bridge.SendOptions
}

func newFakePlatform() *fakePlatform {
	return &fakePlatform{
		deadUnits:   map[string]bool{},
		userSendErr: map[string]error{},
	}
}

func (f *fakePlatform) Type() bridge.PlatformType { return "fake" }

func (f *fakePlatform) SendToConversation(_ context.Context, conversationID, text string, opts bridge.SendOptions) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return "", f.sendErr
	}
	f.sent = append(f.sent, sentMessage{ConversationID: conversationID, Text: text, Opts: opts})
	return fmt.Sprintf("fwd-%d", len(f.sent)), nil
}

func (f *fakePlatform) SendToUser(_ context.Context, userID, text string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.userSendErr[userID]; err != nil {
		return "", err
	}
	f.sent = append(f.sent, sentMessage{UserID: userID, Text: text})
	return fmt.Sprintf("dm-%d", len(f.sent)), nil
}

func (f *fakePlatform) CreateUnit(_ context.Context, parent, label string) (bridge.Unit, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return bridge.Unit{}, f.createErr
	}
	f.createdUnit++
	f.nextUnitID++
	return bridge.Unit{
		ID:        fmt.Sprintf("unit-%d", f.nextUnitID),
		Label:     label,
		CreatedAt: time.Now().UTC(),
	}, nil
}

func (f *fakePlatform) VerifyUnitLive(_ context.Context, _ string, unitID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.verifyCalled++
	return !f.deadUnits[unitID]
}

func (f *fakePlatform) Probe(_ context.Context) error { return f.probeErr }

func (f *fakePlatform) sentMessages() []sentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]sentMessage, len(f.sent))
	copy(out, f.sent)
	return out
}

func (f *fakePlatform) lastSent() (sentMessage, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		return sentMessage{}, false
	}
	return f.sent[len(f.sent)-1], true
}

// fakeRecorder collects log entries in memory.
type fakeRecorder struct {
	mu      sync.Mutex
	entries []bridge.LogEntry
	err     error
}

func (r *fakeRecorder) Record(_ context.Context, entry bridge.LogEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.entries = append(r.entries, entry)
	return nil
}

func (r *fakeRecorder) recorded() []bridge.LogEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]bridge.LogEntry, len(r.entries))
	copy(out, r.entries)
	return out
}

func newTestEngine(platform *fakePlatform, recorder *fakeRecorder, unitsEnabled bool) *bridge.Engine {
	return bridge.NewEngine(nil, platform, recorder, bridge.Config{
		UnitsEnabled:             unitsEnabled,
		ManagementConversationID: testMgmtID,
	})
}

func userMessage(senderID, displayName, text string) bridge.InboundMessage {
	return bridge.InboundMessage{
		Platform:     "fake",
		MessageID:    "m-" + senderID + "-" + text,
		Sender:       bridge.Identity{ID: senderID, DisplayName: displayName},
		Conversation: bridge.Conversation{ID: "dm-" + senderID, Kind: bridge.ConversationDirect},
		Text:         text,
		ReceivedAt:   time.Now().UTC(),
	}
}

func operatorMessage(text, unitID, replyToID string) bridge.InboundMessage {
	return bridge.InboundMessage{
		Platform:  "fake",
		MessageID: "op-" + text,
		Sender:    bridge.Identity{ID: "operator", DisplayName: "Operator"},
		Conversation: bridge.Conversation{
			ID:     testMgmtID,
			UnitID: unitID,
			Kind:   bridge.ConversationGroup,
		},
		Text:       text,
		ReplyToID:  replyToID,
		ReceivedAt: time.Now().UTC(),
	}
}

var errBoom = errors.New("boom")
