package relay

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"strings"

	"github.com/zulandar/switchboard/internal/transport"
)

// Router classifies inbound transport events and routes them to the engine
// or the command handler. Bot self-messages and unrelated channel chatter
// are dropped.
type Router struct {
	engine     *Engine
	cmdHandler *CommandHandler
	adapter    transport.Adapter
	botUserID  string // the bot's own user ID (to filter self-messages)
	out        io.Writer
}

// RouterOpts holds parameters for creating a Router.
type RouterOpts struct {
	Engine     *Engine
	CmdHandler *CommandHandler
	Adapter    transport.Adapter
	BotUserID  string    // bot's user ID for self-message filtering
	Out        io.Writer // defaults to os.Stdout
}

// NewRouter creates a Router.
func NewRouter(opts RouterOpts) (*Router, error) {
	if opts.Engine == nil {
		return nil, fmt.Errorf("relay: router: engine is required")
	}
	if opts.CmdHandler == nil {
		return nil, fmt.Errorf("relay: router: command handler is required")
	}
	if opts.Adapter == nil {
		return nil, fmt.Errorf("relay: router: adapter is required")
	}
	out := opts.Out
	if out == nil {
		out = os.Stdout
	}
	return &Router{
		engine:     opts.Engine,
		cmdHandler: opts.CmdHandler,
		adapter:    opts.Adapter,
		botUserID:  opts.BotUserID,
		out:        out,
	}, nil
}

// Handle classifies and routes a single inbound event. Routing paths:
//  1. Bot self-message → ignore
//  2. Channel message with "/" prefix → command handler
//  3. Channel message quoting another message → control reply
//  4. Direct message from a visitor → visitor message handling
//  5. Membership change → join/leave handling
//  6. Everything else → ignore
func (r *Router) Handle(ctx context.Context, ev transport.Event) {
	switch msg := ev.(type) {
	case transport.ChannelMessage:
		if r.isSelf(msg.SenderID) {
			return
		}
		text := strings.TrimSpace(msg.Text)
		if IsCommand(text) {
			fmt.Fprintf(r.out, "relay: router: command [ch=%s user=%s] %q\n",
				msg.ChannelID, msg.SenderID, truncate(text, 80))
			response := r.cmdHandler.Execute(ctx, msg.ChannelID, msg.SenderID, text)
			if _, err := r.adapter.Send(ctx, response, transport.Channel(msg.ChannelID)); err != nil {
				log.Printf("relay: router: send command response: %v", err)
			}
			return
		}
		if msg.QuotedMessageID != "" {
			if err := r.engine.HandleControlReply(ctx, msg); err != nil {
				log.Printf("relay: router: control reply: %v", err)
			}
			return
		}
		// Plain channel chatter is none of the bridge's business.

	case transport.VisitorMessage:
		if r.isSelf(msg.VisitorID) {
			return
		}
		fmt.Fprintf(r.out, "relay: router: visitor message [user=%s] %q\n",
			msg.VisitorID, truncate(msg.Text, 80))
		if err := r.engine.HandleVisitorMessage(ctx, msg); err != nil {
			if IsSilent(err) {
				fmt.Fprintf(r.out, "relay: router: visitor %s before setup, notified\n", msg.VisitorID)
				return
			}
			log.Printf("relay: router: visitor message: %v", err)
		}

	case transport.MemberJoined:
		if r.isSelf(msg.VisitorID) {
			return
		}
		if err := r.engine.HandleMemberJoined(ctx, msg); err != nil {
			log.Printf("relay: router: member joined: %v", err)
		}

	case transport.MemberLeft:
		if r.isSelf(msg.VisitorID) {
			return
		}
		if err := r.engine.HandleMemberLeft(ctx, msg); err != nil {
			log.Printf("relay: router: member left: %v", err)
		}
	}
}

// isSelf returns true if the user ID is the bot itself.
func (r *Router) isSelf(userID string) bool {
	return r.botUserID != "" && userID == r.botUserID
}

// truncate returns s truncated to maxLen with "..." appended if needed.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
