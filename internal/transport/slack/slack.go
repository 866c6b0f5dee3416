// Package slack implements the transport Adapter for Slack using Socket Mode.
package slack

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	slackapi "github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"
	"github.com/zulandar/switchboard/internal/transport"
)

const (
	// maxRetries is the max number of retries for rate-limited API calls.
	maxRetries = 3
	// baseBackoff is the initial backoff duration for reconnection.
	baseBackoff = 2 * time.Second
	// maxBackoff caps the exponential backoff for reconnection.
	maxBackoff = 2 * time.Minute
	// maxReconnectAttempts limits reconnection retries before giving up.
	maxReconnectAttempts = 10
)

// slackClient abstracts the Slack API methods we use, enabling test mocks.
type slackClient interface {
	AuthTest() (*slackapi.AuthTestResponse, error)
	PostMessage(channelID string, options ...slackapi.MsgOption) (string, string, error)
	AddReaction(name string, item slackapi.ItemRef) error
	GetUserInfo(userID string) (*slackapi.User, error)
	OpenConversation(params *slackapi.OpenConversationParameters) (*slackapi.Channel, bool, bool, error)
	GetConversationsForUser(params *slackapi.GetConversationsForUserParameters) ([]slackapi.Channel, string, error)
}

// socketClient abstracts the Socket Mode client methods we use.
type socketClient interface {
	Run() error
	EventsChan() chan socketmode.Event
	Ack(req socketmode.Request, payload ...interface{})
}

// realSocketClient wraps *socketmode.Client to implement socketClient.
type realSocketClient struct {
	client *socketmode.Client
}

func (r *realSocketClient) Run() error                        { return r.client.Run() }
func (r *realSocketClient) EventsChan() chan socketmode.Event { return r.client.Events }
func (r *realSocketClient) Ack(req socketmode.Request, payload ...interface{}) {
	r.client.Ack(req, payload...)
}

// Adapter implements transport.Adapter for Slack Socket Mode.
type Adapter struct {
	client       slackClient
	socket       socketClient
	botUserID    string
	appToken     string
	botToken     string
	mu           sync.Mutex
	connected    bool
	closed       bool
	inbound      chan transport.Event
	cancelFunc   context.CancelFunc
	baseBackoff  time.Duration
	maxBackoff   time.Duration
	maxReconnect int
}

// AdapterOpts holds parameters for creating a Slack Adapter.
type AdapterOpts struct {
	AppToken string // xapp-... Slack app-level token for Socket Mode
	BotToken string // xoxb-... Slack bot token
	// For testing: inject mock clients instead of real Slack API.
	Client slackClient
	Socket socketClient
}

// New creates a Slack Adapter.
func New(opts AdapterOpts) (*Adapter, error) {
	if opts.Client == nil && opts.BotToken == "" {
		return nil, fmt.Errorf("slack: bot token is required")
	}
	if opts.Socket == nil && opts.AppToken == "" {
		return nil, fmt.Errorf("slack: app token is required for socket mode")
	}

	a := &Adapter{
		appToken:     opts.AppToken,
		botToken:     opts.BotToken,
		inbound:      make(chan transport.Event, 100),
		baseBackoff:  baseBackoff,
		maxBackoff:   maxBackoff,
		maxReconnect: maxReconnectAttempts,
	}

	if opts.Client != nil {
		a.client = opts.Client
	}
	if opts.Socket != nil {
		a.socket = opts.Socket
	}

	return a, nil
}

// Connect establishes the Socket Mode WebSocket connection.
func (a *Adapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return fmt.Errorf("slack: adapter already closed")
	}
	if a.connected {
		return nil
	}

	// Create real clients if not injected (production path).
	if a.client == nil {
		api := slackapi.New(a.botToken, slackapi.OptionAppLevelToken(a.appToken))
		a.client = api
		a.socket = &realSocketClient{client: socketmode.New(api)}
	}

	// Get bot user ID for self-message filtering.
	auth, err := a.client.AuthTest()
	if err != nil {
		return fmt.Errorf("slack: auth test: %w", err)
	}
	a.botUserID = auth.UserID

	a.connected = true
	return nil
}

// Listen returns a channel of inbound events. Starts the Socket Mode event
// pump in a background goroutine. Must be called after Connect.
func (a *Adapter) Listen(ctx context.Context) (<-chan transport.Event, error) {
	a.mu.Lock()
	if !a.connected {
		a.mu.Unlock()
		return nil, fmt.Errorf("slack: not connected")
	}
	a.mu.Unlock()

	listenCtx, cancel := context.WithCancel(ctx)
	a.mu.Lock()
	a.cancelFunc = cancel
	a.mu.Unlock()

	// Start socket mode in background with reconnection logic.
	go a.runWithReconnect(listenCtx)

	// Pump events from socket mode to the inbound channel.
	go a.pumpEvents(listenCtx)

	return a.inbound, nil
}

// Send delivers text to a channel or a user's DM conversation. The returned
// message ID is the Slack message timestamp.
func (a *Adapter) Send(ctx context.Context, text string, target transport.Target) (string, error) {
	a.mu.Lock()
	if !a.connected {
		a.mu.Unlock()
		return "", fmt.Errorf("slack: not connected")
	}
	a.mu.Unlock()

	channelID, err := a.resolveChannel(target)
	if err != nil {
		return "", err
	}

	var ts string
	err = retryOnRateLimit(ctx, func() error {
		var postErr error
		_, ts, postErr = a.client.PostMessage(channelID, slackapi.MsgOptionText(text, false))
		return postErr
	})
	if err != nil {
		return "", fmt.Errorf("slack: post message: %w", err)
	}
	return ts, nil
}

// React attaches an emoji reaction to a message. Slack expects reaction
// names without colons; common unicode emoji are translated.
func (a *Adapter) React(ctx context.Context, emoji, messageID string, target transport.Target) error {
	a.mu.Lock()
	if !a.connected {
		a.mu.Unlock()
		return fmt.Errorf("slack: not connected")
	}
	a.mu.Unlock()

	channelID, err := a.resolveChannel(target)
	if err != nil {
		return err
	}

	err = retryOnRateLimit(ctx, func() error {
		return a.client.AddReaction(reactionName(emoji), slackapi.ItemRef{
			Channel:   channelID,
			Timestamp: messageID,
		})
	})
	if err != nil {
		return fmt.Errorf("slack: add reaction: %w", err)
	}
	return nil
}

// LookupContact resolves a Slack user ID to profile details. The user ID
// doubles as the direct-message address.
func (a *Adapter) LookupContact(ctx context.Context, visitorID string) (*transport.Contact, error) {
	var user *slackapi.User
	err := retryOnRateLimit(ctx, func() error {
		var apiErr error
		user, apiErr = a.client.GetUserInfo(visitorID)
		return apiErr
	})
	if err != nil {
		return nil, fmt.Errorf("slack: lookup user %s: %w", visitorID, err)
	}
	name := user.Profile.DisplayName
	if name == "" {
		name = user.RealName
	}
	return &transport.Contact{Name: name, Address: user.ID}, nil
}

// Memberships lists the public and private channels the bot belongs to,
// following cursor pagination.
func (a *Adapter) Memberships(ctx context.Context) ([]transport.Membership, error) {
	var out []transport.Membership
	cursor := ""
	for {
		params := &slackapi.GetConversationsForUserParameters{
			Types:  []string{"public_channel", "private_channel"},
			Cursor: cursor,
			Limit:  200,
		}
		var channels []slackapi.Channel
		var nextCursor string
		err := retryOnRateLimit(ctx, func() error {
			var apiErr error
			channels, nextCursor, apiErr = a.client.GetConversationsForUser(params)
			return apiErr
		})
		if err != nil {
			return nil, fmt.Errorf("slack: list conversations: %w", err)
		}
		for _, ch := range channels {
			out = append(out, transport.Membership{ChannelID: ch.ID, ChannelName: ch.Name})
		}
		if nextCursor == "" {
			break
		}
		cursor = nextCursor
	}
	return out, nil
}

// Close shuts down the adapter and closes the inbound channel.
func (a *Adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true
	a.connected = false
	if a.cancelFunc != nil {
		a.cancelFunc()
	}
	close(a.inbound)
	return nil
}

// BotUserID returns the bot's Slack user ID (available after Connect).
func (a *Adapter) BotUserID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.botUserID
}

// resolveChannel maps a Target to a Slack conversation ID, opening a DM
// conversation for direct targets.
func (a *Adapter) resolveChannel(target transport.Target) (string, error) {
	if target.ChannelID != "" {
		return target.ChannelID, nil
	}
	if target.Address == "" {
		return "", fmt.Errorf("slack: empty target")
	}
	ch, _, _, err := a.client.OpenConversation(&slackapi.OpenConversationParameters{
		Users: []string{target.Address},
	})
	if err != nil {
		return "", fmt.Errorf("slack: open conversation with %s: %w", target.Address, err)
	}
	return ch.ID, nil
}

// runWithReconnect runs the Socket Mode client and retries with exponential
// backoff when Run() returns an error (e.g., reconnection failure).
func (a *Adapter) runWithReconnect(ctx context.Context) {
	for attempt := 0; attempt < a.maxReconnect; attempt++ {
		err := a.socket.Run()
		if err == nil {
			return // clean shutdown
		}

		// Check if we're shutting down.
		select {
		case <-ctx.Done():
			return
		default:
		}

		wait := time.Duration(math.Pow(2, float64(attempt))) * a.baseBackoff
		if wait > a.maxBackoff {
			wait = a.maxBackoff
		}

		log.Printf("slack: socket mode disconnected (attempt %d/%d): %v, reconnecting in %v",
			attempt+1, a.maxReconnect, err, wait)

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
	log.Printf("slack: socket mode exhausted %d reconnection attempts, giving up", a.maxReconnect)
}

// pumpEvents reads Socket Mode events and converts them to transport events.
func (a *Adapter) pumpEvents(ctx context.Context) {
	events := a.socket.EventsChan()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			a.handleSocketEvent(evt)
		}
	}
}

// handleSocketEvent processes a single Socket Mode event.
func (a *Adapter) handleSocketEvent(evt socketmode.Event) {
	switch evt.Type {
	case socketmode.EventTypeEventsAPI:
		eventsAPIEvent, ok := evt.Data.(slackevents.EventsAPIEvent)
		if !ok {
			return
		}
		// Acknowledge the event.
		if evt.Request != nil {
			a.socket.Ack(*evt.Request)
		}
		a.handleEventsAPI(eventsAPIEvent)

	case socketmode.EventTypeConnecting:
		log.Printf("slack: connecting to Socket Mode...")

	case socketmode.EventTypeConnected:
		log.Printf("slack: connected to Socket Mode")

	case socketmode.EventTypeConnectionError:
		log.Printf("slack: connection error: %v", evt.Data)

	case socketmode.EventTypeDisconnect:
		log.Printf("slack: server requested disconnect, will reconnect")
	}
}

// handleEventsAPI processes Events API callbacks.
func (a *Adapter) handleEventsAPI(event slackevents.EventsAPIEvent) {
	switch event.Type {
	case slackevents.CallbackEvent:
		innerEvent := event.InnerEvent
		switch ev := innerEvent.Data.(type) {
		case *slackevents.MessageEvent:
			a.handleMessage(ev)
		case *slackevents.MemberJoinedChannelEvent:
			a.handleMemberJoined(ev)
		case *slackevents.MemberLeftChannelEvent:
			a.handleMemberLeft(ev)
		}
	}
}

// handleMessage converts a Slack message event to a transport event. The
// "im" channel type marks a direct message to the bot.
func (a *Adapter) handleMessage(ev *slackevents.MessageEvent) {
	// Filter bot self-messages.
	if ev.User == a.botUserID {
		return
	}
	// Filter bot messages and message subtypes (edits, deletes, etc.).
	if ev.BotID != "" || ev.SubType != "" {
		return
	}

	if ev.ChannelType == "im" {
		a.inbound <- transport.VisitorMessage{
			VisitorID: ev.User,
			Address:   ev.User,
			Name:      a.resolveUserName(ev.User),
			Text:      ev.Text,
			MessageID: ev.TimeStamp,
			SentAt:    parseSlackTimestamp(ev.TimeStamp),
		}
		return
	}

	a.inbound <- transport.ChannelMessage{
		ChannelID:       ev.Channel,
		SenderID:        ev.User,
		SenderName:      a.resolveUserName(ev.User),
		Text:            ev.Text,
		MessageID:       ev.TimeStamp,
		QuotedMessageID: ev.ThreadTimeStamp,
		SentAt:          parseSlackTimestamp(ev.TimeStamp),
	}
}

// handleMemberJoined converts a member_joined_channel event.
func (a *Adapter) handleMemberJoined(ev *slackevents.MemberJoinedChannelEvent) {
	if ev.User == a.botUserID {
		return
	}
	a.inbound <- transport.MemberJoined{
		ChannelID: ev.Channel,
		VisitorID: ev.User,
		Name:      a.resolveUserName(ev.User),
		Address:   ev.User,
	}
}

// handleMemberLeft converts a member_left_channel event.
func (a *Adapter) handleMemberLeft(ev *slackevents.MemberLeftChannelEvent) {
	if ev.User == a.botUserID {
		return
	}
	a.inbound <- transport.MemberLeft{
		ChannelID: ev.Channel,
		VisitorID: ev.User,
	}
}

// resolveUserName looks up a user's display name. Falls back to user ID.
func (a *Adapter) resolveUserName(userID string) string {
	if userID == "" {
		return ""
	}
	user, err := a.client.GetUserInfo(userID)
	if err != nil {
		return userID
	}
	if user.Profile.DisplayName != "" {
		return user.Profile.DisplayName
	}
	return user.RealName
}

// reactionName maps a unicode emoji to its Slack reaction name. Unknown
// input passes through stripped of colons.
func reactionName(emoji string) string {
	switch emoji {
	case "✅":
		return "white_check_mark"
	case "👋":
		return "wave"
	case "📥":
		return "inbox_tray"
	}
	return strings.Trim(emoji, ":")
}

// retryOnRateLimit calls fn and retries with backoff on Slack rate limit errors.
// It respects context cancellation and the RetryAfter duration from Slack.
func retryOnRateLimit(ctx context.Context, fn func() error) error {
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}

		var rle *slackapi.RateLimitedError
		if !errors.As(err, &rle) {
			return err // not a rate limit error, don't retry
		}

		if attempt == maxRetries {
			return err
		}

		wait := rle.RetryAfter
		if wait <= 0 {
			wait = time.Duration(math.Pow(2, float64(attempt))) * time.Second
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	return nil // unreachable
}

// parseSlackTimestamp converts a Slack timestamp (e.g., "1234567890.123456")
// to a time.Time.
func parseSlackTimestamp(ts string) time.Time {
	parts := strings.SplitN(ts, ".", 2)
	if len(parts) == 0 {
		return time.Time{}
	}
	sec, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.Unix(sec, 0)
}
