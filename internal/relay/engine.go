// Package relay implements Switchboard's core semantics: forwarding visitor
// messages into the control channel, routing operator replies back, and
// announcing lobby membership changes.
package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/zulandar/switchboard/internal/models"
	"github.com/zulandar/switchboard/internal/store"
	"github.com/zulandar/switchboard/internal/transport"
)

// GenericUnavailable is the only error text a visitor ever sees. Internal
// failure details stay in the logs.
const GenericUnavailable = "Service temporarily unavailable. Please try again later."

// defaultDirectGreeting welcomes a first-contact direct visitor unless the
// operator configured a different one.
const defaultDirectGreeting = "Hello! Your message has been forwarded to our team. They will reply to you through me."

// confirmEmoji is the delivery confirmation reaction.
const confirmEmoji = "✅"

// defaultSendTimeout bounds a single transport send.
const defaultSendTimeout = 10 * time.Second

// Engine forwards messages between visitors and the control channel and
// keeps the relay ledger that makes replies routable.
type Engine struct {
	registry       *store.Registry
	sessions       *store.Sessions
	mappings       *store.Mappings
	channels       *store.Channels
	adapter        transport.Adapter
	directGreeting string
	sendTimeout    time.Duration
	out            io.Writer
}

// EngineOpts holds parameters for creating an Engine.
type EngineOpts struct {
	Registry *store.Registry
	Sessions *store.Sessions
	Mappings *store.Mappings
	Channels *store.Channels
	Adapter  transport.Adapter

	DirectGreeting string        // defaults to defaultDirectGreeting
	SendTimeout    time.Duration // defaults to defaultSendTimeout
	Out            io.Writer     // defaults to os.Stdout
}

// NewEngine creates an Engine.
func NewEngine(opts EngineOpts) (*Engine, error) {
	if opts.Registry == nil {
		return nil, fmt.Errorf("relay: engine: registry is required")
	}
	if opts.Sessions == nil {
		return nil, fmt.Errorf("relay: engine: session store is required")
	}
	if opts.Mappings == nil {
		return nil, fmt.Errorf("relay: engine: mapping store is required")
	}
	if opts.Channels == nil {
		return nil, fmt.Errorf("relay: engine: channel store is required")
	}
	if opts.Adapter == nil {
		return nil, fmt.Errorf("relay: engine: adapter is required")
	}
	greeting := opts.DirectGreeting
	if greeting == "" {
		greeting = defaultDirectGreeting
	}
	timeout := opts.SendTimeout
	if timeout == 0 {
		timeout = defaultSendTimeout
	}
	out := opts.Out
	if out == nil {
		out = os.Stdout
	}
	return &Engine{
		registry:       opts.Registry,
		sessions:       opts.Sessions,
		mappings:       opts.Mappings,
		channels:       opts.Channels,
		adapter:        opts.Adapter,
		directGreeting: greeting,
		sendTimeout:    timeout,
		out:            out,
	}, nil
}

// HandleVisitorMessage processes a direct message from a visitor. If the
// visitor holds an active lobby session the message forwards under that
// session; otherwise a direct session is found or created and the message
// forwards under it. First contact gets a greeting and requires a configured
// control room.
func (e *Engine) HandleVisitorMessage(ctx context.Context, msg transport.VisitorMessage) error {
	sess, err := e.sessions.ForVisitor(msg.VisitorID)
	if err != nil {
		e.sendGenericError(ctx, msg.Address)
		return fmt.Errorf("relay: visitor lookup: %w", err)
	}

	if sess != nil && !sess.Direct {
		pair, err := e.registry.ByID(*sess.RoomPairID)
		if err != nil || pair == nil {
			e.sendGenericError(ctx, msg.Address)
			return fmt.Errorf("relay: pair for session %d: %w", sess.ID, err)
		}
		merged, _, err := e.sessions.Join(pair, msg.VisitorID, msg.Name, msg.Address)
		if err != nil {
			e.sendGenericError(ctx, msg.Address)
			return fmt.Errorf("relay: merge lobby session: %w", err)
		}
		return e.forwardToControl(ctx, merged, pair, msg)
	}

	control, err := e.registry.ActiveControl()
	if err != nil {
		e.sendGenericError(ctx, msg.Address)
		return fmt.Errorf("relay: active control lookup: %w", err)
	}
	if control == nil {
		e.sendGenericError(ctx, msg.Address)
		return store.ErrNotConfigured
	}

	name, address := msg.Name, msg.Address
	if name == "" || address == "" {
		if contact, err := e.adapter.LookupContact(ctx, msg.VisitorID); err == nil {
			if name == "" {
				name = contact.Name
			}
			if address == "" {
				address = contact.Address
			}
		}
	}

	direct, isNew, err := e.sessions.JoinDirect(msg.VisitorID, name, address, control.DMAnonymousMode)
	if err != nil {
		e.sendGenericError(ctx, msg.Address)
		return fmt.Errorf("relay: join direct session: %w", err)
	}
	if isNew {
		if _, err := e.send(ctx, e.directGreeting, transport.Direct(direct.Recipient())); err != nil {
			log.Printf("relay: send direct greeting to %s: %v", direct.Recipient(), err)
		}
	}
	return e.forwardDirect(ctx, direct, control, msg)
}

// forwardToControl relays a lobby visitor's message into the control channel.
func (e *Engine) forwardToControl(ctx context.Context, sess *models.Session, pair *models.RoomPair, msg transport.VisitorMessage) error {
	label := store.DisplayName(sess, pair, false)
	lobbyName := e.channels.Name(pair.LobbyChannelID)
	text := fmt.Sprintf("📥 [%s] %s:\n%s", lobbyName, label, msg.Text)
	text = appendAttachments(text, msg.Attachments)

	forwardedID, err := e.send(ctx, text, transport.Channel(pair.ControlChannelID))
	if err != nil {
		e.sendGenericError(ctx, msg.Address)
		return fmt.Errorf("relay: forward to control: %w", err)
	}

	if _, err := e.mappings.Create(sess.ID, forwardedID, msg.VisitorID, models.DirectionToControl); err != nil {
		return fmt.Errorf("relay: record mapping: %w", err)
	}

	if pair.SendConfirmations {
		e.confirm(ctx, msg.MessageID, transport.Direct(msg.Address))
	}
	fmt.Fprintf(e.out, "relay: forwarded lobby message [session=%d pair=%d msg=%s]\n",
		sess.ID, pair.ID, forwardedID)
	return nil
}

// forwardDirect relays a direct visitor's message into the control channel.
func (e *Engine) forwardDirect(ctx context.Context, sess *models.Session, control *models.RoomPair, msg transport.VisitorMessage) error {
	label := store.DisplayName(sess, nil, control.DMAnonymousMode)
	text := fmt.Sprintf("💬 [Direct] %s:\n%s", label, msg.Text)
	text = appendAttachments(text, msg.Attachments)

	forwardedID, err := e.send(ctx, text, transport.Channel(control.ControlChannelID))
	if err != nil {
		e.sendGenericError(ctx, msg.Address)
		return fmt.Errorf("relay: forward direct: %w", err)
	}

	if _, err := e.mappings.Create(sess.ID, forwardedID, msg.VisitorID, models.DirectionToControl); err != nil {
		return fmt.Errorf("relay: record mapping: %w", err)
	}

	if control.SendConfirmations {
		e.confirm(ctx, msg.MessageID, transport.Direct(msg.Address))
	}
	fmt.Fprintf(e.out, "relay: forwarded direct message [session=%d msg=%s]\n", sess.ID, forwardedID)
	return nil
}

// HandleControlReply processes a reply posted in a control channel. The
// quoted message is resolved through the relay ledger; if it is not there,
// the join-notification fallback is tried. Unresolvable replies are dropped
// silently so operators can discuss forwarded messages without the bridge
// echoing their conversation to visitors.
func (e *Engine) HandleControlReply(ctx context.Context, msg transport.ChannelMessage) error {
	pair, err := e.registry.ByControl(msg.ChannelID)
	if err != nil {
		return fmt.Errorf("relay: control lookup: %w", err)
	}
	if pair == nil {
		return nil // not a control channel
	}

	mapping, err := e.mappings.ByForwardedID(msg.QuotedMessageID)
	if err != nil {
		return fmt.Errorf("relay: mapping lookup: %w", err)
	}
	if mapping == nil {
		return e.handleJoinReply(ctx, msg)
	}

	sess := &mapping.Session
	text := appendAttachments(msg.Text, msg.Attachments)
	deliveredID, err := e.send(ctx, text, transport.Direct(sess.Recipient()))
	if err != nil {
		return fmt.Errorf("relay: deliver reply to %s: %w", sess.Recipient(), err)
	}

	if _, err := e.mappings.Create(sess.ID, deliveredID, msg.SenderID, models.DirectionToUser); err != nil {
		return fmt.Errorf("relay: record reply mapping: %w", err)
	}

	if pair.SendConfirmations {
		e.confirm(ctx, msg.MessageID, transport.Channel(msg.ChannelID))
	}
	fmt.Fprintf(e.out, "relay: delivered reply [session=%d msg=%s]\n", sess.ID, deliveredID)
	return nil
}

// handleJoinReply routes a reply that quotes a join notice rather than a
// forwarded message. This lets operators open the conversation before the
// visitor ever writes. The session is resolved across every pairing on the
// control channel; the pending placeholder and additional lobbies may share
// it, so a lookup through a single pairing would miss sessions.
func (e *Engine) handleJoinReply(ctx context.Context, msg transport.ChannelMessage) error {
	sess, err := e.sessions.ActiveByJoinNotice(msg.ChannelID, msg.QuotedMessageID)
	if err != nil {
		return fmt.Errorf("relay: join notice lookup: %w", err)
	}
	if sess == nil {
		// Quoting an operator-to-operator message, not a relayed one. Drop.
		return nil
	}

	text := appendAttachments(msg.Text, msg.Attachments)
	deliveredID, err := e.send(ctx, text, transport.Direct(sess.Recipient()))
	if err != nil {
		return fmt.Errorf("relay: deliver join reply to %s: %w", sess.Recipient(), err)
	}
	if _, err := e.mappings.Create(sess.ID, deliveredID, msg.SenderID, models.DirectionToUser); err != nil {
		return fmt.Errorf("relay: record join reply mapping: %w", err)
	}

	// Confirmation policy follows the pairing the session belongs to.
	if sess.RoomPairID != nil {
		if owner, err := e.registry.ByID(*sess.RoomPairID); err == nil && owner != nil && owner.SendConfirmations {
			e.confirm(ctx, msg.MessageID, transport.Channel(msg.ChannelID))
		}
	}
	fmt.Fprintf(e.out, "relay: delivered join reply [session=%d msg=%s]\n", sess.ID, deliveredID)
	return nil
}

// HandleMemberJoined greets a visitor who joined a paired lobby and posts a
// join notice in the control channel.
func (e *Engine) HandleMemberJoined(ctx context.Context, ev transport.MemberJoined) error {
	pair, err := e.registry.ByLobby(ev.ChannelID)
	if err != nil {
		return fmt.Errorf("relay: lobby lookup: %w", err)
	}
	if pair == nil {
		return nil // not a paired lobby
	}

	sess, isNew, err := e.sessions.Join(pair, ev.VisitorID, ev.Name, ev.Address)
	if err != nil {
		return fmt.Errorf("relay: join session: %w", err)
	}
	if !isNew {
		return nil // rejoin of an already-active visitor
	}

	if _, err := e.send(ctx, pair.Greeting(), transport.Channel(pair.LobbyChannelID)); err != nil {
		log.Printf("relay: send lobby greeting: %v", err)
	}

	label := store.DisplayName(sess, pair, false)
	lobbyName := e.channels.Name(pair.LobbyChannelID)
	notice := fmt.Sprintf("👋 %s joined %s.\n↩️ Reply to this message to reach them.", label, lobbyName)
	noticeID, err := e.send(ctx, notice, transport.Channel(pair.ControlChannelID))
	if err != nil {
		return fmt.Errorf("relay: send join notice: %w", err)
	}
	if err := e.sessions.SetJoinNotice(sess.ID, noticeID); err != nil {
		return err
	}
	fmt.Fprintf(e.out, "relay: member joined [session=%d pair=%d]\n", sess.ID, pair.ID)
	return nil
}

// HandleMemberLeft ends the visitor's session and posts a departure notice
// in the control channel. The display name is resolved before the session is
// ended so the notice uses the same label the operators saw all along.
func (e *Engine) HandleMemberLeft(ctx context.Context, ev transport.MemberLeft) error {
	pair, err := e.registry.ByLobby(ev.ChannelID)
	if err != nil {
		return fmt.Errorf("relay: lobby lookup: %w", err)
	}
	if pair == nil {
		return nil
	}

	active, err := e.sessions.ActiveForPairVisitor(pair.ID, ev.VisitorID)
	if err != nil {
		return fmt.Errorf("relay: session lookup: %w", err)
	}
	if active == nil {
		return nil // never joined, nothing to announce
	}
	label := store.DisplayName(active, pair, false)

	if _, err := e.sessions.Leave(pair.ID, ev.VisitorID); err != nil {
		return fmt.Errorf("relay: end session: %w", err)
	}

	lobbyName := e.channels.Name(pair.LobbyChannelID)
	notice := fmt.Sprintf("🚪 %s left %s.", label, lobbyName)
	if _, err := e.send(ctx, notice, transport.Channel(pair.ControlChannelID)); err != nil {
		log.Printf("relay: send departure notice: %v", err)
	}
	fmt.Fprintf(e.out, "relay: member left [session=%d pair=%d]\n", active.ID, pair.ID)
	return nil
}

// send delivers text with the engine's send timeout applied.
func (e *Engine) send(ctx context.Context, text string, target transport.Target) (string, error) {
	sendCtx, cancel := context.WithTimeout(ctx, e.sendTimeout)
	defer cancel()
	return e.adapter.Send(sendCtx, text, target)
}

// confirm adds the delivery confirmation reaction. Failures are logged and
// swallowed; the forward already succeeded.
func (e *Engine) confirm(ctx context.Context, messageID string, target transport.Target) {
	reactCtx, cancel := context.WithTimeout(ctx, e.sendTimeout)
	defer cancel()
	if err := e.adapter.React(reactCtx, confirmEmoji, messageID, target); err != nil {
		log.Printf("relay: confirmation reaction: %v", err)
	}
}

// sendGenericError tells the visitor the service is unavailable, without
// leaking why. Best effort.
func (e *Engine) sendGenericError(ctx context.Context, address string) {
	if address == "" {
		return
	}
	if _, err := e.send(ctx, GenericUnavailable, transport.Direct(address)); err != nil {
		log.Printf("relay: send error notice to %s: %v", address, err)
	}
}

// appendAttachments lists attachment links under the message text. Files
// relay by reference; content is never fetched.
func appendAttachments(text string, atts []transport.Attachment) string {
	for _, att := range atts {
		name := att.Filename
		if name == "" {
			name = "attachment"
		}
		text += fmt.Sprintf("\n📎 %s: %s", name, att.URL)
	}
	return text
}

// IsSilent reports whether err is an expected condition that the router
// should log at low priority rather than as a failure.
func IsSilent(err error) bool {
	return errors.Is(err, store.ErrNotConfigured)
}
