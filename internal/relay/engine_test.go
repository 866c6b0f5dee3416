package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"

	"github.com/zulandar/switchboard/internal/models"
	"github.com/zulandar/switchboard/internal/store"
	"github.com/zulandar/switchboard/internal/transport"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func openRelayTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	if err := db.AutoMigrate(
		&models.RoomPair{},
		&models.Session{},
		&models.RelayMapping{},
		&models.Channel{},
	); err != nil {
		t.Fatalf("auto migrate: %v", err)
	}
	return db
}

// testRig bundles the engine with its stores and mock adapter.
type testRig struct {
	db       *gorm.DB
	registry *store.Registry
	sessions *store.Sessions
	mappings *store.Mappings
	channels *store.Channels
	adapter  *transport.MockAdapter
	engine   *Engine
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()
	db := openRelayTestDB(t)
	rig := &testRig{
		db:       db,
		registry: store.NewRegistry(db),
		sessions: store.NewSessions(db),
		mappings: store.NewMappings(db),
		channels: store.NewChannels(db),
		adapter:  transport.NewMockAdapter(),
	}
	if err := rig.adapter.Connect(context.Background()); err != nil {
		t.Fatalf("connect mock adapter: %v", err)
	}
	engine, err := NewEngine(EngineOpts{
		Registry: rig.registry,
		Sessions: rig.sessions,
		Mappings: rig.mappings,
		Channels: rig.channels,
		Adapter:  rig.adapter,
		Out:      io.Discard,
	})
	if err != nil {
		t.Fatalf("build engine: %v", err)
	}
	rig.engine = engine
	return rig
}

func (r *testRig) pair(t *testing.T, lobby, control string) *models.RoomPair {
	t.Helper()
	pair, err := r.registry.Create(lobby, control, "operator-1")
	if err != nil {
		t.Fatalf("create pair: %v", err)
	}
	return pair
}

// sentTo returns all messages sent to the given target.
func sentTo(adapter *transport.MockAdapter, target transport.Target) []transport.SentMessage {
	var out []transport.SentMessage
	for _, sm := range adapter.AllSent() {
		if sm.Target == target {
			out = append(out, sm)
		}
	}
	return out
}

// --- NewEngine validation ---

func TestNewEngine_RequiresDeps(t *testing.T) {
	if _, err := NewEngine(EngineOpts{}); err == nil {
		t.Fatal("expected error for missing deps")
	}
}

// --- Visitor messages ---

func TestVisitorMessage_NoControlConfigured(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	err := rig.engine.HandleVisitorMessage(ctx, transport.VisitorMessage{
		VisitorID: "visitor-1",
		Address:   "visitor-1",
		Text:      "hello?",
		MessageID: "msg-1",
	})
	if !errors.Is(err, store.ErrNotConfigured) {
		t.Fatalf("got %v, want ErrNotConfigured", err)
	}
	if !IsSilent(err) {
		t.Error("not-configured should be a silent error")
	}

	last, ok := rig.adapter.LastSent()
	if !ok {
		t.Fatal("expected a generic error message")
	}
	if last.Text != GenericUnavailable {
		t.Errorf("sent %q, want the generic unavailability text", last.Text)
	}
	if last.Target != transport.Direct("visitor-1") {
		t.Errorf("sent to %+v, want the visitor's DM", last.Target)
	}
}

func TestVisitorMessage_FirstContact(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()
	rig.pair(t, models.PendingLobby, "control-1")

	err := rig.engine.HandleVisitorMessage(ctx, transport.VisitorMessage{
		VisitorID: "visitor-1",
		Address:   "visitor-1",
		Name:      "Vera",
		Text:      "I need help",
		MessageID: "msg-1",
	})
	if err != nil {
		t.Fatalf("HandleVisitorMessage: %v", err)
	}

	// Greeting to the visitor, forward to the control channel.
	toVisitor := sentTo(rig.adapter, transport.Direct("visitor-1"))
	if len(toVisitor) != 1 || toVisitor[0].Text != defaultDirectGreeting {
		t.Errorf("visitor received %v, want the direct greeting", toVisitor)
	}
	toControl := sentTo(rig.adapter, transport.Channel("control-1"))
	if len(toControl) != 1 {
		t.Fatalf("control received %d messages, want 1", len(toControl))
	}
	want := "💬 [Direct] Vera:\nI need help"
	if toControl[0].Text != want {
		t.Errorf("forwarded %q, want %q", toControl[0].Text, want)
	}

	// Mapping recorded against the forwarded copy's ID.
	mapping, err := rig.mappings.ByForwardedID(toControl[0].MessageID)
	if err != nil || mapping == nil {
		t.Fatalf("mapping lookup: %v, mapping=%v", err, mapping)
	}
	if mapping.Direction != models.DirectionToControl {
		t.Errorf("direction = %q, want to_control", mapping.Direction)
	}

	// Confirmation reaction on the visitor's original message.
	reactions := rig.adapter.Reactions()
	if len(reactions) != 1 || reactions[0].MessageID != "msg-1" {
		t.Errorf("reactions = %v, want one on msg-1", reactions)
	}
}

func TestVisitorMessage_SecondMessageNoGreeting(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()
	rig.pair(t, models.PendingLobby, "control-1")

	for i := 0; i < 2; i++ {
		err := rig.engine.HandleVisitorMessage(ctx, transport.VisitorMessage{
			VisitorID: "visitor-1",
			Address:   "visitor-1",
			Text:      fmt.Sprintf("message %d", i),
			MessageID: fmt.Sprintf("msg-%d", i),
		})
		if err != nil {
			t.Fatalf("message %d: %v", i, err)
		}
	}

	toVisitor := sentTo(rig.adapter, transport.Direct("visitor-1"))
	if len(toVisitor) != 1 {
		t.Errorf("visitor received %d messages, want only the first-contact greeting", len(toVisitor))
	}
	toControl := sentTo(rig.adapter, transport.Channel("control-1"))
	if len(toControl) != 2 {
		t.Errorf("control received %d messages, want 2", len(toControl))
	}
}

func TestVisitorMessage_LobbySessionPreferred(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()
	pair := rig.pair(t, "lobby-1", "control-1")
	if err := rig.channels.Upsert("lobby-1", "Support Lobby"); err != nil {
		t.Fatalf("upsert channel: %v", err)
	}
	if _, _, err := rig.sessions.Join(pair, "visitor-1", "Vera", "visitor-1"); err != nil {
		t.Fatalf("join: %v", err)
	}

	err := rig.engine.HandleVisitorMessage(ctx, transport.VisitorMessage{
		VisitorID: "visitor-1",
		Address:   "visitor-1",
		Text:      "hi team",
		MessageID: "msg-1",
	})
	if err != nil {
		t.Fatalf("HandleVisitorMessage: %v", err)
	}

	toControl := sentTo(rig.adapter, transport.Channel("control-1"))
	if len(toControl) != 1 {
		t.Fatalf("control received %d messages, want 1", len(toControl))
	}
	want := "📥 [Support Lobby] Vera:\nhi team"
	if toControl[0].Text != want {
		t.Errorf("forwarded %q, want %q", toControl[0].Text, want)
	}
}

func TestVisitorMessage_AnonymousLobbyUsesPseudonym(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()
	pair := rig.pair(t, "lobby-1", "control-1")
	on := true
	pair, err := rig.registry.Update(pair.ID, store.RoomPairPatch{AnonymousMode: &on})
	if err != nil {
		t.Fatalf("enable anonymous: %v", err)
	}
	sess, _, err := rig.sessions.Join(pair, "visitor-1", "Vera", "visitor-1")
	if err != nil {
		t.Fatalf("join: %v", err)
	}

	err = rig.engine.HandleVisitorMessage(ctx, transport.VisitorMessage{
		VisitorID: "visitor-1",
		Address:   "visitor-1",
		Text:      "secret",
		MessageID: "msg-1",
	})
	if err != nil {
		t.Fatalf("HandleVisitorMessage: %v", err)
	}

	toControl := sentTo(rig.adapter, transport.Channel("control-1"))
	if len(toControl) != 1 {
		t.Fatalf("control received %d messages, want 1", len(toControl))
	}
	if strings.Contains(toControl[0].Text, "Vera") {
		t.Errorf("forwarded text leaked the real name: %q", toControl[0].Text)
	}
	if !strings.Contains(toControl[0].Text, sess.PseudonymOrEmpty()) {
		t.Errorf("forwarded text %q missing pseudonym %q", toControl[0].Text, sess.PseudonymOrEmpty())
	}
}

func TestVisitorMessage_SendFailureNoMapping(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()
	rig.pair(t, models.PendingLobby, "control-1")
	rig.adapter.SetSendError(fmt.Errorf("gateway down"))

	err := rig.engine.HandleVisitorMessage(ctx, transport.VisitorMessage{
		VisitorID: "visitor-1",
		Address:   "visitor-1",
		Text:      "hello",
		MessageID: "msg-1",
	})
	if err == nil {
		t.Fatal("expected forward failure")
	}

	var count int64
	rig.db.Model(&models.RelayMapping{}).Count(&count)
	if count != 0 {
		t.Errorf("mappings = %d, want 0 after failed send", count)
	}
}

func TestVisitorMessage_ReactionFailureStillForwards(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()
	rig.pair(t, models.PendingLobby, "control-1")
	rig.adapter.SetReactError(fmt.Errorf("reaction denied"))

	err := rig.engine.HandleVisitorMessage(ctx, transport.VisitorMessage{
		VisitorID: "visitor-1",
		Address:   "visitor-1",
		Text:      "hello",
		MessageID: "msg-1",
	})
	if err != nil {
		t.Fatalf("forward should survive a reaction failure: %v", err)
	}
	if len(sentTo(rig.adapter, transport.Channel("control-1"))) != 1 {
		t.Error("message was not forwarded")
	}
}

func TestVisitorMessage_AttachmentsByReference(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()
	rig.pair(t, models.PendingLobby, "control-1")

	err := rig.engine.HandleVisitorMessage(ctx, transport.VisitorMessage{
		VisitorID: "visitor-1",
		Address:   "visitor-1",
		Text:      "see attached",
		MessageID: "msg-1",
		Attachments: []transport.Attachment{
			{URL: "https://cdn.example/file.png", Filename: "file.png"},
		},
	})
	if err != nil {
		t.Fatalf("HandleVisitorMessage: %v", err)
	}

	toControl := sentTo(rig.adapter, transport.Channel("control-1"))
	if len(toControl) != 1 {
		t.Fatalf("control received %d messages, want 1", len(toControl))
	}
	if !strings.Contains(toControl[0].Text, "file.png: https://cdn.example/file.png") {
		t.Errorf("forwarded text missing attachment link: %q", toControl[0].Text)
	}
}

// --- Control replies ---

func TestControlReply_RoundTrip(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()
	rig.pair(t, models.PendingLobby, "control-1")

	// Visitor writes in, message lands in the control channel.
	err := rig.engine.HandleVisitorMessage(ctx, transport.VisitorMessage{
		VisitorID: "visitor-1",
		Address:   "visitor-1",
		Name:      "Vera",
		Text:      "I need help",
		MessageID: "msg-1",
	})
	if err != nil {
		t.Fatalf("visitor message: %v", err)
	}
	forwarded := sentTo(rig.adapter, transport.Channel("control-1"))[0]

	// Operator replies quoting the forwarded copy.
	err = rig.engine.HandleControlReply(ctx, transport.ChannelMessage{
		ChannelID:       "control-1",
		SenderID:        "operator-1",
		Text:            "How can we help?",
		MessageID:       "reply-1",
		QuotedMessageID: forwarded.MessageID,
	})
	if err != nil {
		t.Fatalf("control reply: %v", err)
	}

	toVisitor := sentTo(rig.adapter, transport.Direct("visitor-1"))
	// Greeting plus the delivered reply.
	if len(toVisitor) != 2 {
		t.Fatalf("visitor received %d messages, want 2", len(toVisitor))
	}
	// Delivered verbatim: no operator identity prepended.
	if toVisitor[1].Text != "How can we help?" {
		t.Errorf("delivered %q, want the reply verbatim", toVisitor[1].Text)
	}

	// The delivered copy is itself mapped, so quoting it later resolves.
	mapping, err := rig.mappings.ByForwardedID(toVisitor[1].MessageID)
	if err != nil || mapping == nil {
		t.Fatalf("reply mapping: %v, mapping=%v", err, mapping)
	}
	if mapping.Direction != models.DirectionToUser {
		t.Errorf("direction = %q, want to_user", mapping.Direction)
	}
}

func TestControlReply_UnmappedQuoteDropped(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()
	rig.pair(t, models.PendingLobby, "control-1")

	err := rig.engine.HandleControlReply(ctx, transport.ChannelMessage{
		ChannelID:       "control-1",
		SenderID:        "operator-1",
		Text:            "internal chatter",
		MessageID:       "reply-1",
		QuotedMessageID: "some-operator-message",
	})
	if err != nil {
		t.Fatalf("unmapped reply should drop silently: %v", err)
	}
	if rig.adapter.SentCount() != 0 {
		t.Errorf("sent %d messages, want 0", rig.adapter.SentCount())
	}
}

func TestControlReply_NonControlChannelIgnored(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()
	rig.pair(t, models.PendingLobby, "control-1")

	err := rig.engine.HandleControlReply(ctx, transport.ChannelMessage{
		ChannelID:       "random-channel",
		SenderID:        "user-9",
		Text:            "quoting something",
		MessageID:       "m",
		QuotedMessageID: "q",
	})
	if err != nil {
		t.Fatalf("non-control reply: %v", err)
	}
	if rig.adapter.SentCount() != 0 {
		t.Error("nothing should be sent for non-control channels")
	}
}

// --- Membership events ---

func TestMemberJoined_GreetsAndAnnounces(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()
	rig.pair(t, "lobby-1", "control-1")
	if err := rig.channels.Upsert("lobby-1", "Support Lobby"); err != nil {
		t.Fatalf("upsert channel: %v", err)
	}

	err := rig.engine.HandleMemberJoined(ctx, transport.MemberJoined{
		ChannelID: "lobby-1",
		VisitorID: "visitor-1",
		Name:      "Vera",
		Address:   "visitor-1",
	})
	if err != nil {
		t.Fatalf("HandleMemberJoined: %v", err)
	}

	toLobby := sentTo(rig.adapter, transport.Channel("lobby-1"))
	if len(toLobby) != 1 || toLobby[0].Text != models.DefaultGreeting {
		t.Errorf("lobby received %v, want the default greeting", toLobby)
	}

	toControl := sentTo(rig.adapter, transport.Channel("control-1"))
	if len(toControl) != 1 {
		t.Fatalf("control received %d messages, want 1", len(toControl))
	}
	want := "👋 Vera joined Support Lobby.\n↩️ Reply to this message to reach them."
	if toControl[0].Text != want {
		t.Errorf("join notice = %q, want %q", toControl[0].Text, want)
	}

	// Notice ID recorded on the session for reply correlation.
	sess, err := rig.sessions.ActiveForPairVisitor(1, "visitor-1")
	if err != nil || sess == nil {
		t.Fatalf("session lookup: %v", err)
	}
	if sess.JoinNoticeID != toControl[0].MessageID {
		t.Errorf("JoinNoticeID = %q, want %q", sess.JoinNoticeID, toControl[0].MessageID)
	}
}

func TestMemberJoined_RejoinSilent(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()
	rig.pair(t, "lobby-1", "control-1")

	ev := transport.MemberJoined{ChannelID: "lobby-1", VisitorID: "visitor-1", Name: "Vera"}
	if err := rig.engine.HandleMemberJoined(ctx, ev); err != nil {
		t.Fatalf("first join: %v", err)
	}
	before := rig.adapter.SentCount()
	if err := rig.engine.HandleMemberJoined(ctx, ev); err != nil {
		t.Fatalf("rejoin: %v", err)
	}
	if rig.adapter.SentCount() != before {
		t.Error("rejoin of an active visitor should not re-announce")
	}
}

func TestMemberJoined_UnpairedLobbyIgnored(t *testing.T) {
	rig := newTestRig(t)
	err := rig.engine.HandleMemberJoined(context.Background(), transport.MemberJoined{
		ChannelID: "not-paired",
		VisitorID: "visitor-1",
	})
	if err != nil {
		t.Fatalf("unpaired lobby: %v", err)
	}
	if rig.adapter.SentCount() != 0 {
		t.Error("nothing should be sent for unpaired lobbies")
	}
}

func TestJoinNoticeReply_RoutesToVisitor(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()
	rig.pair(t, "lobby-1", "control-1")

	err := rig.engine.HandleMemberJoined(ctx, transport.MemberJoined{
		ChannelID: "lobby-1",
		VisitorID: "visitor-1",
		Name:      "Vera",
		Address:   "visitor-1",
	})
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	notice := sentTo(rig.adapter, transport.Channel("control-1"))[0]

	// Operator opens the conversation by replying to the join notice.
	err = rig.engine.HandleControlReply(ctx, transport.ChannelMessage{
		ChannelID:       "control-1",
		SenderID:        "operator-1",
		Text:            "Welcome! What brings you here?",
		MessageID:       "reply-1",
		QuotedMessageID: notice.MessageID,
	})
	if err != nil {
		t.Fatalf("join notice reply: %v", err)
	}

	toVisitor := sentTo(rig.adapter, transport.Direct("visitor-1"))
	if len(toVisitor) != 1 || toVisitor[0].Text != "Welcome! What brings you here?" {
		t.Errorf("visitor received %v, want the operator's opener", toVisitor)
	}
}

func TestJoinNoticeReply_SharedControlWithPlaceholder(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	// /setup control leaves a placeholder pairing on the channel before any
	// lobby is paired. It sorts first, so reply resolution must not stop at
	// whichever pairing a channel lookup happens to return.
	rig.pair(t, models.PendingLobby, "control-1")
	rig.pair(t, "lobby-1", "control-1")

	err := rig.engine.HandleMemberJoined(ctx, transport.MemberJoined{
		ChannelID: "lobby-1",
		VisitorID: "visitor-1",
		Name:      "Vera",
		Address:   "visitor-1",
	})
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	notice := sentTo(rig.adapter, transport.Channel("control-1"))[0]

	err = rig.engine.HandleControlReply(ctx, transport.ChannelMessage{
		ChannelID:       "control-1",
		SenderID:        "operator-1",
		Text:            "Welcome!",
		MessageID:       "reply-1",
		QuotedMessageID: notice.MessageID,
	})
	if err != nil {
		t.Fatalf("join notice reply: %v", err)
	}

	toVisitor := sentTo(rig.adapter, transport.Direct("visitor-1"))
	if len(toVisitor) != 1 {
		t.Fatalf("visitor received %d messages, want 1", len(toVisitor))
	}
	if toVisitor[0].Text != "Welcome!" {
		t.Errorf("delivered %q, want the operator's opener", toVisitor[0].Text)
	}
}

func TestMemberLeft_EndsSessionAndAnnounces(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()
	pair := rig.pair(t, "lobby-1", "control-1")
	if err := rig.channels.Upsert("lobby-1", "Support Lobby"); err != nil {
		t.Fatalf("upsert channel: %v", err)
	}

	if err := rig.engine.HandleMemberJoined(ctx, transport.MemberJoined{
		ChannelID: "lobby-1", VisitorID: "visitor-1", Name: "Vera",
	}); err != nil {
		t.Fatalf("join: %v", err)
	}

	if err := rig.engine.HandleMemberLeft(ctx, transport.MemberLeft{
		ChannelID: "lobby-1", VisitorID: "visitor-1",
	}); err != nil {
		t.Fatalf("leave: %v", err)
	}

	toControl := sentTo(rig.adapter, transport.Channel("control-1"))
	last := toControl[len(toControl)-1]
	if last.Text != "🚪 Vera left Support Lobby." {
		t.Errorf("departure notice = %q", last.Text)
	}

	if active, _ := rig.sessions.ActiveForPairVisitor(pair.ID, "visitor-1"); active != nil {
		t.Error("session should be ended")
	}
}

func TestMemberLeft_NeverJoinedSilent(t *testing.T) {
	rig := newTestRig(t)
	rig.pair(t, "lobby-1", "control-1")

	err := rig.engine.HandleMemberLeft(context.Background(), transport.MemberLeft{
		ChannelID: "lobby-1", VisitorID: "ghost",
	})
	if err != nil {
		t.Fatalf("leave without join: %v", err)
	}
	if rig.adapter.SentCount() != 0 {
		t.Error("no notice expected for a visitor without a session")
	}
}

// --- Confirmations toggle ---

func TestConfirmationsOff_NoReaction(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()
	pair := rig.pair(t, models.PendingLobby, "control-1")
	off := false
	if _, err := rig.registry.Update(pair.ID, store.RoomPairPatch{SendConfirmations: &off}); err != nil {
		t.Fatalf("disable confirmations: %v", err)
	}

	err := rig.engine.HandleVisitorMessage(ctx, transport.VisitorMessage{
		VisitorID: "visitor-1",
		Address:   "visitor-1",
		Text:      "hello",
		MessageID: "msg-1",
	})
	if err != nil {
		t.Fatalf("HandleVisitorMessage: %v", err)
	}
	if n := len(rig.adapter.Reactions()); n != 0 {
		t.Errorf("reactions = %d, want 0 with confirmations off", n)
	}
}
