package bridge_test

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/relaydesk/relaydesk/internal/bridge"
)

func TestForwardInbound_SharedSurfaceLabelsSender(t *testing.T) {
	t.Parallel()
	platform := newFakePlatform()
	recorder := &fakeRecorder{}
	engine := newTestEngine(platform, recorder, false)

	engine.HandleInbound(context.Background(), userMessage("123", "alice", "hello"))

	sent, ok := platform.lastSent()
	if !ok {
		t.Fatal("expected a forwarded message")
	}
	if sent.ConversationID != testMgmtID {
		t.Fatalf("forwarded to %q, want %q", sent.ConversationID, testMgmtID)
	}
	if want := "alice (123): hello"; sent.Text != want {
		t.Fatalf("forwarded text = %q, want %q", sent.Text, want)
	}
	if sent.Opts.UnitID != "" {
		t.Fatalf("shared-surface forward must not set a unit, got %q", sent.Opts.UnitID)
	}
}

func TestForwardInbound_UnitModeCreatesOnce(t *testing.T) {
	t.Parallel()
	platform := newFakePlatform()
	engine := newTestEngine(platform, &fakeRecorder{}, true)
	ctx := context.Background()

	engine.HandleInbound(ctx, userMessage("456", "bob", "first"))
	engine.HandleInbound(ctx, userMessage("456", "bob", "second"))
	engine.HandleInbound(ctx, userMessage("456", "bob", "third"))

	if platform.createdUnit != 1 {
		t.Fatalf("created %d units, want exactly 1", platform.createdUnit)
	}
	unit, ok := engine.State().UnitFor("456")
	if !ok {
		t.Fatal("identity should be mapped to a unit")
	}
	identity, ok := engine.State().IdentityForUnit(unit.ID)
	if !ok || identity.ID != "456" {
		t.Fatalf("reverse lookup = (%v, %v), want identity 456", identity, ok)
	}
}

func TestForwardInbound_UnitModeSendsPlainTextIntoUnit(t *testing.T) {
	t.Parallel()
	platform := newFakePlatform()
	engine := newTestEngine(platform, &fakeRecorder{}, true)

	engine.HandleInbound(context.Background(), userMessage("456", "bob", "hi there"))

	var forward *sentMessage
	for _, sent := range platform.sentMessages() {
		if sent.Text == "hi there" {
			copied := sent
			forward = &copied
		}
	}
	if forward == nil {
		t.Fatal("expected the message text forwarded verbatim in unit mode")
	}
	if forward.Opts.UnitID == "" {
		t.Fatal("unit-mode forward must be scoped to the unit")
	}
}

func TestMappingConsistency_AfterEveryOperation(t *testing.T) {
	t.Parallel()
	platform := newFakePlatform()
	engine := newTestEngine(platform, &fakeRecorder{}, true)
	ctx := context.Background()

	engine.HandleInbound(ctx, userMessage("1", "a", "x"))
	engine.HandleInbound(ctx, userMessage("2", "b", "y"))
	engine.LinkUnit(bridge.Identity{ID: "3", DisplayName: "c"}, "manual-unit")

	for _, entry := range engine.State().SnapshotUnits() {
		unit, ok := engine.State().UnitFor(entry.Identity.ID)
		if !ok || unit.ID != entry.Unit.ID {
			t.Fatalf("unitOf(%s) = (%v, %v), want %s", entry.Identity.ID, unit, ok, entry.Unit.ID)
		}
		identity, ok := engine.State().IdentityForUnit(entry.Unit.ID)
		if !ok || identity.ID != entry.Identity.ID {
			t.Fatalf("identityOf(%s) = (%v, %v), want %s", entry.Unit.ID, identity, ok, entry.Identity.ID)
		}
	}
}

func TestReplyResolution_ViaForwardedIndex(t *testing.T) {
	t.Parallel()
	platform := newFakePlatform()
	engine := newTestEngine(platform, &fakeRecorder{}, false)
	ctx := context.Background()

	engine.HandleInbound(ctx, userMessage("123", "alice", "need help"))
	if _, ok := platform.lastSent(); !ok {
		t.Fatal("no forward happened")
	}

	// The forwarded message got ID "fwd-1" from the fake platform.
	resolution, ok := engine.ResolveReplyTarget(operatorMessage("sure thing", "", "fwd-1"))
	if !ok {
		t.Fatal("reply-to a forwarded message must resolve")
	}
	if resolution.Identity.ID != "123" {
		t.Fatalf("resolved to %q, want 123", resolution.Identity.ID)
	}
	if resolution.Body != "sure thing" {
		t.Fatalf("body = %q, want unchanged text", resolution.Body)
	}
}

func TestReplyResolution_DirectTypeInsideUnit(t *testing.T) {
	t.Parallel()
	platform := newFakePlatform()
	engine := newTestEngine(platform, &fakeRecorder{}, true)
	ctx := context.Background()

	engine.HandleInbound(ctx, userMessage("456", "bob", "hello"))
	unit, ok := engine.State().UnitFor("456")
	if !ok {
		t.Fatal("unit should exist")
	}

	resolution, ok := engine.ResolveReplyTarget(operatorMessage("plain answer", unit.ID, ""))
	if !ok || resolution.Identity.ID != "456" {
		t.Fatalf("direct typing inside unit resolved to (%v, %v), want 456", resolution, ok)
	}
}

func TestReplyResolution_ReplyInsideUnitPrefersIndex(t *testing.T) {
	t.Parallel()
	platform := newFakePlatform()
	engine := newTestEngine(platform, &fakeRecorder{}, true)
	ctx := context.Background()

	// Two users, each with a unit and one forwarded message.
	engine.HandleInbound(ctx, userMessage("111", "ann", "one"))
	engine.HandleInbound(ctx, userMessage("222", "ben", "two"))

	unitAnn, _ := engine.State().UnitFor("111")

	// Find ben's forwarded message ID through the index.
	var benForwardID string
	rec, ok := engine.State().ForwardRecordFor("222")
	if !ok {
		t.Fatal("forward record for 222 missing")
	}
	benForwardID = rec.ForwardedMessageID

	// Operator replies to ben's forward while standing in ann's unit:
	// the explicit reply linkage must win over the ambient unit.
	resolution, ok := engine.ResolveReplyTarget(operatorMessage("for ben", unitAnn.ID, benForwardID))
	if !ok || resolution.Identity.ID != "222" {
		t.Fatalf("resolved (%v, %v), want identity 222 via reply index", resolution, ok)
	}
}

func TestReplyResolution_UnitFallbackWhenIndexMisses(t *testing.T) {
	t.Parallel()
	platform := newFakePlatform()
	engine := newTestEngine(platform, &fakeRecorder{}, true)
	ctx := context.Background()

	engine.HandleInbound(ctx, userMessage("456", "bob", "hello"))
	unit, _ := engine.State().UnitFor("456")

	// Reply to something the index never saw, typed inside bob's unit.
	resolution, ok := engine.ResolveReplyTarget(operatorMessage("still bob", unit.ID, "unknown-msg"))
	if !ok || resolution.Identity.ID != "456" {
		t.Fatalf("resolved (%v, %v), want fallback to unit owner 456", resolution, ok)
	}
}

func TestReplyResolution_LegacyPattern(t *testing.T) {
	t.Parallel()
	platform := newFakePlatform()
	engine := newTestEngine(platform, &fakeRecorder{}, false)

	resolution, ok := engine.ResolveReplyTarget(operatorMessage("r123 hello there", "", ""))
	if !ok {
		t.Fatal("legacy pattern must resolve")
	}
	if resolution.Identity.ID != "123" {
		t.Fatalf("identity = %q, want 123", resolution.Identity.ID)
	}
	if resolution.Body != "hello there" {
		t.Fatalf("body = %q, want prefix stripped", resolution.Body)
	}
}

func TestReplyResolution_NoTarget(t *testing.T) {
	t.Parallel()
	platform := newFakePlatform()
	engine := newTestEngine(platform, &fakeRecorder{}, false)

	if _, ok := engine.ResolveReplyTarget(operatorMessage("just chatting", "", "")); ok {
		t.Fatal("plain operator chatter must not resolve to a target")
	}
}

func TestFallbackIdempotence_NoRetryAfterPermissionError(t *testing.T) {
	t.Parallel()
	platform := newFakePlatform()
	platform.createErr = bridge.ErrPermissionDenied
	engine := newTestEngine(platform, &fakeRecorder{}, true)
	ctx := context.Background()

	engine.HandleInbound(ctx, userMessage("789", "carol", "first"))
	firstNotices := countNotices(platform)

	// Let creation succeed again; the engine must still not retry.
	platform.mu.Lock()
	platform.createErr = nil
	platform.mu.Unlock()
	engine.HandleInbound(ctx, userMessage("789", "carol", "second"))

	if platform.createdUnit != 0 {
		t.Fatalf("creation retried after permission failure: %d units", platform.createdUnit)
	}
	if _, ok := engine.State().UnitFor("789"); ok {
		t.Fatal("identity must stay unmapped after permission failure")
	}
	// The instructional notice is re-emitted, not deduplicated.
	if countNotices(platform) <= firstNotices {
		t.Fatal("expected the instructional notice again on the second message")
	}
}

func TestLinkUnit_ReenablesMapping(t *testing.T) {
	t.Parallel()
	platform := newFakePlatform()
	platform.createErr = bridge.ErrUnitsUnsupported
	engine := newTestEngine(platform, &fakeRecorder{}, true)
	ctx := context.Background()

	engine.HandleInbound(ctx, userMessage("789", "carol", "hello"))
	engine.LinkUnit(bridge.Identity{ID: "789", DisplayName: "carol"}, "hand-made")

	unit, ok := engine.State().UnitFor("789")
	if !ok || unit.ID != "hand-made" {
		t.Fatalf("link failed: (%v, %v)", unit, ok)
	}
	identity, ok := engine.State().IdentityForUnit("hand-made")
	if !ok || identity.ID != "789" {
		t.Fatalf("reverse link failed: (%v, %v)", identity, ok)
	}
}

func TestStaleUnit_EvictedAndRecreated(t *testing.T) {
	t.Parallel()
	platform := newFakePlatform()
	engine := newTestEngine(platform, &fakeRecorder{}, true)
	ctx := context.Background()

	engine.HandleInbound(ctx, userMessage("456", "bob", "hello"))
	unit, _ := engine.State().UnitFor("456")

	platform.mu.Lock()
	platform.deadUnits[unit.ID] = true
	platform.mu.Unlock()

	engine.HandleInbound(ctx, userMessage("456", "bob", "again"))

	fresh, ok := engine.State().UnitFor("456")
	if !ok {
		t.Fatal("a fresh unit should have been created")
	}
	if fresh.ID == unit.ID {
		t.Fatalf("stale unit %s was not replaced", unit.ID)
	}
	if _, ok := engine.State().IdentityForUnit(unit.ID); ok {
		t.Fatal("stale reverse mapping must be evicted")
	}
}

func TestLoggingIndependence_SendFailureStillRecords(t *testing.T) {
	t.Parallel()
	platform := newFakePlatform()
	platform.sendErr = errBoom
	recorder := &fakeRecorder{}
	engine := newTestEngine(platform, recorder, false)

	engine.HandleInbound(context.Background(), userMessage("123", "alice", "lost forward"))

	entries := recorder.recorded()
	if len(entries) != 1 {
		t.Fatalf("recorded %d entries, want 1 despite the send failure", len(entries))
	}
	if entries[0].Text != "lost forward" || entries[0].Role != bridge.RoleUser {
		t.Fatalf("unexpected record: %+v", entries[0])
	}
}

func TestLoggingIndependence_NoManagementSurfaceStillRecords(t *testing.T) {
	t.Parallel()
	platform := newFakePlatform()
	recorder := &fakeRecorder{}
	engine := bridge.NewEngine(nil, platform, recorder, bridge.Config{UnitsEnabled: false})
	ctx := context.Background()

	// A DM arriving before any surface is registered is dropped, not lost.
	engine.HandleInbound(ctx, userMessage("123", "alice", "anyone there"))

	entries := recorder.recorded()
	if len(entries) != 1 {
		t.Fatalf("recorded %d entries, want 1 before self-setup", len(entries))
	}
	if entries[0].Text != "anyone there" || entries[0].Role != bridge.RoleUser {
		t.Fatalf("unexpected record: %+v", entries[0])
	}
	if len(platform.sentMessages()) != 0 {
		t.Fatal("nothing should be forwarded without a management surface")
	}

	// The registering group message is logged too.
	engine.HandleInbound(ctx, bridge.InboundMessage{
		Platform:     "fake",
		MessageID:    "g-1",
		Sender:       bridge.Identity{ID: "op", DisplayName: "op"},
		Conversation: bridge.Conversation{ID: "group-9", Kind: bridge.ConversationGroup},
		Text:         "register here",
	})
	if got := len(recorder.recorded()); got != 2 {
		t.Fatalf("recorded %d entries, want 2 after self-setup message", got)
	}
}

func TestOperatorReply_SendsRecordsAndAcks(t *testing.T) {
	t.Parallel()
	platform := newFakePlatform()
	recorder := &fakeRecorder{}
	engine := newTestEngine(platform, recorder, false)
	ctx := context.Background()

	engine.HandleInbound(ctx, userMessage("123", "alice", "question"))
	engine.HandleInbound(ctx, operatorMessage("answer", "", "fwd-1"))

	var dm *sentMessage
	for _, sent := range platform.sentMessages() {
		if sent.UserID == "123" {
			copied := sent
			dm = &copied
		}
	}
	if dm == nil || dm.Text != "answer" {
		t.Fatalf("expected DM to 123 with the answer, got %+v", dm)
	}

	entries := recorder.recorded()
	if len(entries) != 2 {
		t.Fatalf("recorded %d entries, want inbound + outbound", len(entries))
	}
	if entries[1].Role != bridge.RoleOperator {
		t.Fatalf("outbound record role = %q, want operator", entries[1].Role)
	}

	last, _ := platform.lastSent()
	if !strings.Contains(last.Text, "Delivered to") {
		t.Fatalf("expected an acknowledgement, got %q", last.Text)
	}
	if last.Opts.ReplyToID == "" {
		t.Fatal("acknowledgement should be threaded onto the operator message")
	}
}

func TestOperatorReply_FailurePostsRawErrorAndKeepsState(t *testing.T) {
	t.Parallel()
	platform := newFakePlatform()
	recorder := &fakeRecorder{}
	engine := newTestEngine(platform, recorder, true)
	ctx := context.Background()

	engine.HandleInbound(ctx, userMessage("456", "bob", "question"))
	unit, _ := engine.State().UnitFor("456")

	platform.mu.Lock()
	platform.userSendErr["456"] = errBoom
	platform.mu.Unlock()

	engine.HandleInbound(ctx, operatorMessage("wont arrive", unit.ID, ""))

	last, _ := platform.lastSent()
	if !strings.Contains(last.Text, "boom") {
		t.Fatalf("failure notice must include the raw error, got %q", last.Text)
	}
	if _, ok := engine.State().UnitFor("456"); !ok {
		t.Fatal("a transient send failure must not destroy routing state")
	}
	for _, entry := range recorder.recorded() {
		if entry.Role == bridge.RoleOperator {
			t.Fatal("failed reply must not be recorded as delivered")
		}
	}
}

func TestSelfSetup_FirstGroupMessageRegistersSurface(t *testing.T) {
	t.Parallel()
	platform := newFakePlatform()
	engine := bridge.NewEngine(nil, platform, &fakeRecorder{}, bridge.Config{UnitsEnabled: false})
	ctx := context.Background()

	// Direct messages never register.
	engine.HandleInbound(ctx, userMessage("123", "alice", "hi"))
	if engine.ManagementConversationID() != "" {
		t.Fatal("a DM must not register the management surface")
	}

	group := bridge.InboundMessage{
		Platform:     "fake",
		MessageID:    "g-1",
		Sender:       bridge.Identity{ID: "op", DisplayName: "op"},
		Conversation: bridge.Conversation{ID: "group-9", Kind: bridge.ConversationGroup},
		Text:         "register here",
	}
	engine.HandleInbound(ctx, group)

	if engine.ManagementConversationID() != "group-9" {
		t.Fatalf("management surface = %q, want group-9", engine.ManagementConversationID())
	}
	last, ok := platform.lastSent()
	if !ok || !strings.Contains(last.Text, "management surface") {
		t.Fatalf("expected a setup confirmation, got %+v", last)
	}
}

func TestConcurrentInbound_SameIdentitySingleUnit(t *testing.T) {
	t.Parallel()
	platform := newFakePlatform()
	engine := newTestEngine(platform, &fakeRecorder{}, true)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			engine.HandleInbound(ctx, userMessage("999", "dave", "burst"))
		}()
	}
	wg.Wait()

	if platform.createdUnit != 1 {
		t.Fatalf("concurrent double-send created %d units, want 1", platform.createdUnit)
	}
}

func TestBotMessagesIgnored(t *testing.T) {
	t.Parallel()
	platform := newFakePlatform()
	recorder := &fakeRecorder{}
	engine := newTestEngine(platform, recorder, false)

	msg := userMessage("123", "alice", "echo")
	msg.FromBot = true
	engine.HandleInbound(context.Background(), msg)

	if len(recorder.recorded()) != 0 || len(platform.sentMessages()) != 0 {
		t.Fatal("bot-authored messages must be ignored entirely")
	}
}

// countNotices counts instructional fallback notices sent to the shared surface.
func countNotices(platform *fakePlatform) int {
	count := 0
	for _, sent := range platform.sentMessages() {
		if strings.Contains(sent.Text, "/link") && strings.Contains(sent.Text, "Could not create") {
			count++
		}
	}
	return count
}
