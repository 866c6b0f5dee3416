// Package discord implements the transport Adapter for Discord using the Gateway WebSocket.
package discord

import (
	"context"
	"fmt"
	"log"
	"math"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/zulandar/switchboard/internal/transport"
)

const (
	// maxRetries is the max number of retries for rate-limited API calls.
	maxRetries = 3
	// baseBackoff is the initial backoff duration for rate-limit retries.
	baseBackoff = 2 * time.Second
	// maxBackoff caps the exponential backoff.
	maxBackoff = 2 * time.Minute
)

// session abstracts the discordgo.Session methods we use, enabling test mocks.
type session interface {
	Open() error
	Close() error
	ChannelMessageSend(channelID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
	MessageReactionAdd(channelID, messageID, emojiID string, options ...discordgo.RequestOption) error
	User(userID string, options ...discordgo.RequestOption) (*discordgo.User, error)
	UserChannelCreate(recipientID string, options ...discordgo.RequestOption) (*discordgo.Channel, error)
	UserGuilds(limit int, beforeID, afterID string, withCounts bool, options ...discordgo.RequestOption) ([]*discordgo.UserGuild, error)
	GuildChannels(guildID string, options ...discordgo.RequestOption) ([]*discordgo.Channel, error)
	Guild(guildID string, options ...discordgo.RequestOption) (*discordgo.Guild, error)
	AddHandler(handler interface{}) func()
}

// realSession wraps *discordgo.Session to implement the session interface.
type realSession struct {
	s *discordgo.Session
}

func (r *realSession) Open() error  { return r.s.Open() }
func (r *realSession) Close() error { return r.s.Close() }
func (r *realSession) ChannelMessageSend(channelID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error) {
	return r.s.ChannelMessageSend(channelID, content, options...)
}
func (r *realSession) MessageReactionAdd(channelID, messageID, emojiID string, options ...discordgo.RequestOption) error {
	return r.s.MessageReactionAdd(channelID, messageID, emojiID, options...)
}
func (r *realSession) User(userID string, options ...discordgo.RequestOption) (*discordgo.User, error) {
	return r.s.User(userID, options...)
}
func (r *realSession) UserChannelCreate(recipientID string, options ...discordgo.RequestOption) (*discordgo.Channel, error) {
	return r.s.UserChannelCreate(recipientID, options...)
}
func (r *realSession) UserGuilds(limit int, beforeID, afterID string, withCounts bool, options ...discordgo.RequestOption) ([]*discordgo.UserGuild, error) {
	return r.s.UserGuilds(limit, beforeID, afterID, withCounts, options...)
}
func (r *realSession) GuildChannels(guildID string, options ...discordgo.RequestOption) ([]*discordgo.Channel, error) {
	return r.s.GuildChannels(guildID, options...)
}
func (r *realSession) Guild(guildID string, options ...discordgo.RequestOption) (*discordgo.Guild, error) {
	return r.s.Guild(guildID, options...)
}
func (r *realSession) AddHandler(handler interface{}) func() {
	return r.s.AddHandler(handler)
}

// Adapter implements transport.Adapter for Discord via the Gateway WebSocket.
type Adapter struct {
	sess           session
	botToken       string
	botUserID      string
	mu             sync.Mutex
	connected      bool
	closed         bool
	inbound        chan transport.Event
	cancelFunc     context.CancelFunc
	removeHandlers []func()
	baseBackoff    time.Duration
	maxBackoff     time.Duration
}

// AdapterOpts holds parameters for creating a Discord Adapter.
type AdapterOpts struct {
	BotToken string // Discord bot token
	// For testing: inject a mock session instead of real Discord API.
	Session session
}

// New creates a Discord Adapter.
func New(opts AdapterOpts) (*Adapter, error) {
	if opts.Session == nil && opts.BotToken == "" {
		return nil, fmt.Errorf("discord: bot token is required")
	}

	a := &Adapter{
		botToken:    opts.BotToken,
		inbound:     make(chan transport.Event, 100),
		baseBackoff: baseBackoff,
		maxBackoff:  maxBackoff,
	}

	if opts.Session != nil {
		a.sess = opts.Session
	}

	return a, nil
}

// Connect establishes the Discord Gateway WebSocket connection.
func (a *Adapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return fmt.Errorf("discord: adapter already closed")
	}
	if a.connected {
		return nil
	}

	// Create real session if not injected (production path).
	if a.sess == nil {
		dg, err := discordgo.New("Bot " + a.botToken)
		if err != nil {
			return fmt.Errorf("discord: create session: %w", err)
		}
		dg.Identify.Intents = discordgo.IntentsGuildMessages |
			discordgo.IntentsGuildMembers |
			discordgo.IntentsDirectMessages |
			discordgo.IntentsMessageContent
		a.sess = &realSession{s: dg}
	}

	// Register Ready handler to capture bot user ID on connect/reconnect.
	a.sess.AddHandler(func(_ *discordgo.Session, r *discordgo.Ready) {
		a.mu.Lock()
		a.botUserID = r.User.ID
		a.mu.Unlock()
		log.Printf("discord: connected as %s (ID: %s)", r.User.Username, r.User.ID)
	})

	// discordgo handles reconnection automatically; log it for observability.
	a.sess.AddHandler(func(_ *discordgo.Session, d *discordgo.Disconnect) {
		log.Printf("discord: gateway disconnected, discordgo will auto-reconnect")
	})

	a.sess.AddHandler(func(_ *discordgo.Session, r *discordgo.Resumed) {
		log.Printf("discord: gateway session resumed")
	})

	if err := a.sess.Open(); err != nil {
		return fmt.Errorf("discord: open gateway: %w", err)
	}

	a.connected = true
	return nil
}

// Listen returns a channel of inbound events from Discord. Registers message
// and membership handlers on the Gateway session. Must be called after Connect.
func (a *Adapter) Listen(ctx context.Context) (<-chan transport.Event, error) {
	a.mu.Lock()
	if !a.connected {
		a.mu.Unlock()
		return nil, fmt.Errorf("discord: not connected")
	}
	a.mu.Unlock()

	listenCtx, cancel := context.WithCancel(ctx)
	a.mu.Lock()
	a.cancelFunc = cancel
	a.mu.Unlock()

	removes := []func(){
		a.sess.AddHandler(func(_ *discordgo.Session, m *discordgo.MessageCreate) {
			a.handleMessage(m)
		}),
		a.sess.AddHandler(func(_ *discordgo.Session, m *discordgo.GuildMemberAdd) {
			a.handleMemberAdd(m)
		}),
		a.sess.AddHandler(func(_ *discordgo.Session, m *discordgo.GuildMemberRemove) {
			a.handleMemberRemove(m)
		}),
	}
	a.mu.Lock()
	a.removeHandlers = removes
	a.mu.Unlock()

	go func() {
		<-listenCtx.Done()
	}()

	return a.inbound, nil
}

// Send delivers text to a channel or a user's DM and returns the message ID.
func (a *Adapter) Send(ctx context.Context, text string, target transport.Target) (string, error) {
	a.mu.Lock()
	if !a.connected {
		a.mu.Unlock()
		return "", fmt.Errorf("discord: not connected")
	}
	a.mu.Unlock()

	channelID, err := a.resolveChannel(ctx, target)
	if err != nil {
		return "", err
	}

	var msg *discordgo.Message
	err = a.retryOnRateLimit(ctx, func() error {
		var sendErr error
		msg, sendErr = a.sess.ChannelMessageSend(channelID, text)
		return sendErr
	})
	if err != nil {
		return "", fmt.Errorf("discord: send message: %w", err)
	}
	return msg.ID, nil
}

// React attaches an emoji reaction to a message.
func (a *Adapter) React(ctx context.Context, emoji, messageID string, target transport.Target) error {
	a.mu.Lock()
	if !a.connected {
		a.mu.Unlock()
		return fmt.Errorf("discord: not connected")
	}
	a.mu.Unlock()

	channelID, err := a.resolveChannel(ctx, target)
	if err != nil {
		return err
	}

	err = a.retryOnRateLimit(ctx, func() error {
		return a.sess.MessageReactionAdd(channelID, messageID, emoji)
	})
	if err != nil {
		return fmt.Errorf("discord: add reaction: %w", err)
	}
	return nil
}

// LookupContact resolves a Discord user ID to profile details. On Discord the
// user ID doubles as the direct-message address.
func (a *Adapter) LookupContact(ctx context.Context, visitorID string) (*transport.Contact, error) {
	var user *discordgo.User
	err := a.retryOnRateLimit(ctx, func() error {
		var apiErr error
		user, apiErr = a.sess.User(visitorID)
		return apiErr
	})
	if err != nil {
		return nil, fmt.Errorf("discord: lookup user %s: %w", visitorID, err)
	}
	name := user.GlobalName
	if name == "" {
		name = user.Username
	}
	return &transport.Contact{Name: name, Address: user.ID}, nil
}

// Memberships lists the text channels of every guild the bot belongs to.
func (a *Adapter) Memberships(ctx context.Context) ([]transport.Membership, error) {
	var guilds []*discordgo.UserGuild
	err := a.retryOnRateLimit(ctx, func() error {
		var apiErr error
		guilds, apiErr = a.sess.UserGuilds(100, "", "", false)
		return apiErr
	})
	if err != nil {
		return nil, fmt.Errorf("discord: list guilds: %w", err)
	}

	var out []transport.Membership
	for _, g := range guilds {
		var channels []*discordgo.Channel
		err := a.retryOnRateLimit(ctx, func() error {
			var apiErr error
			channels, apiErr = a.sess.GuildChannels(g.ID)
			return apiErr
		})
		if err != nil {
			return nil, fmt.Errorf("discord: list channels of guild %s: %w", g.ID, err)
		}
		for _, ch := range channels {
			if ch.Type != discordgo.ChannelTypeGuildText {
				continue
			}
			out = append(out, transport.Membership{ChannelID: ch.ID, ChannelName: ch.Name})
		}
	}
	return out, nil
}

// Close gracefully shuts down the adapter connection.
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
	for _, remove := range a.removeHandlers {
		remove()
	}
	close(a.inbound)
	if a.sess != nil {
		return a.sess.Close()
	}
	return nil
}

// BotUserID returns the bot's Discord user ID (available after Connect).
func (a *Adapter) BotUserID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.botUserID
}

// SetBotUserID sets the bot user ID (used for self-message filtering).
func (a *Adapter) SetBotUserID(id string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.botUserID = id
}

// resolveChannel maps a Target to a Discord channel ID, opening a DM channel
// for direct targets.
func (a *Adapter) resolveChannel(ctx context.Context, target transport.Target) (string, error) {
	if target.ChannelID != "" {
		return target.ChannelID, nil
	}
	if target.Address == "" {
		return "", fmt.Errorf("discord: empty target")
	}
	var ch *discordgo.Channel
	err := a.retryOnRateLimit(ctx, func() error {
		var apiErr error
		ch, apiErr = a.sess.UserChannelCreate(target.Address)
		return apiErr
	})
	if err != nil {
		return "", fmt.Errorf("discord: open DM channel to %s: %w", target.Address, err)
	}
	return ch.ID, nil
}

// handleMessage converts a Discord message event to a transport event.
// Messages without a guild ID arrived over a DM channel.
func (a *Adapter) handleMessage(m *discordgo.MessageCreate) {
	if m.Author == nil {
		return
	}

	a.mu.Lock()
	botID := a.botUserID
	a.mu.Unlock()

	if m.Author.ID == botID || m.Author.Bot {
		return
	}

	name := m.Author.GlobalName
	if name == "" {
		name = m.Author.Username
	}
	ts, _ := discordgo.SnowflakeTimestamp(m.ID)
	attachments := convertAttachments(m.Attachments)

	if m.GuildID == "" {
		a.inbound <- transport.VisitorMessage{
			VisitorID:   m.Author.ID,
			Address:     m.Author.ID,
			Name:        name,
			Text:        m.Content,
			MessageID:   m.ID,
			Attachments: attachments,
			SentAt:      ts,
		}
		return
	}

	quoted := ""
	if m.ReferencedMessage != nil {
		quoted = m.ReferencedMessage.ID
	}

	a.inbound <- transport.ChannelMessage{
		ChannelID:       m.ChannelID,
		SenderID:        m.Author.ID,
		SenderName:      name,
		Text:            m.Content,
		MessageID:       m.ID,
		QuotedMessageID: quoted,
		Attachments:     attachments,
		SentAt:          ts,
	}
}

// handleMemberAdd converts a guild join to a MemberJoined event. Discord
// scopes joins to the guild, not a channel, so the guild's system channel
// stands in as the channel the member joined.
func (a *Adapter) handleMemberAdd(m *discordgo.GuildMemberAdd) {
	if m.User == nil || m.User.Bot {
		return
	}
	channelID := a.systemChannel(m.GuildID)
	if channelID == "" {
		return
	}
	name := m.User.GlobalName
	if name == "" {
		name = m.User.Username
	}
	a.inbound <- transport.MemberJoined{
		ChannelID: channelID,
		VisitorID: m.User.ID,
		Name:      name,
		Address:   m.User.ID,
	}
}

// handleMemberRemove converts a guild leave to a MemberLeft event.
func (a *Adapter) handleMemberRemove(m *discordgo.GuildMemberRemove) {
	if m.User == nil || m.User.Bot {
		return
	}
	channelID := a.systemChannel(m.GuildID)
	if channelID == "" {
		return
	}
	a.inbound <- transport.MemberLeft{
		ChannelID: channelID,
		VisitorID: m.User.ID,
	}
}

// systemChannel returns a guild's system channel ID, or "" if unresolvable.
func (a *Adapter) systemChannel(guildID string) string {
	g, err := a.sess.Guild(guildID)
	if err != nil || g == nil {
		log.Printf("discord: resolve guild %s: %v", guildID, err)
		return ""
	}
	return g.SystemChannelID
}

// convertAttachments maps Discord attachments to transport attachments.
func convertAttachments(in []*discordgo.MessageAttachment) []transport.Attachment {
	if len(in) == 0 {
		return nil
	}
	out := make([]transport.Attachment, 0, len(in))
	for _, att := range in {
		out = append(out, transport.Attachment{
			URL:         att.URL,
			Filename:    att.Filename,
			ContentType: att.ContentType,
		})
	}
	return out
}

// retryOnRateLimit calls fn and retries with exponential backoff on Discord
// rate limit errors. It respects context cancellation.
func (a *Adapter) retryOnRateLimit(ctx context.Context, fn func() error) error {
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}

		// Check if it's a rate limit error.
		restErr, ok := err.(*discordgo.RESTError)
		if !ok || restErr.Response == nil || restErr.Response.StatusCode != 429 {
			return err // not a rate limit error
		}

		if attempt == maxRetries {
			return err
		}

		wait := time.Duration(math.Pow(2, float64(attempt))) * a.baseBackoff
		if wait > a.maxBackoff {
			wait = a.maxBackoff
		}

		log.Printf("discord: rate limited (attempt %d/%d), retrying in %v",
			attempt+1, maxRetries, wait)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	return nil // unreachable
}
