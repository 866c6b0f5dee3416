// Package transport defines the platform adapter contract Switchboard relays
// through (Discord, Slack, etc.) and the event types adapters emit.
package transport

import (
	"context"
	"time"
)

// Adapter is the interface that platform-specific implementations must
// satisfy. Each adapter handles connection management, event delivery,
// message sending, and reactions for a single chat platform.
type Adapter interface {
	// Connect establishes a connection to the chat platform.
	Connect(ctx context.Context) error

	// Listen returns a channel of inbound events from the platform.
	// The channel is closed when the context is cancelled or the adapter
	// is closed. Listen must only be called after Connect.
	Listen(ctx context.Context) (<-chan Event, error)

	// Send delivers text to a target and returns the platform-assigned
	// ID of the delivered message.
	Send(ctx context.Context, text string, target Target) (string, error)

	// React attaches an emoji reaction to an existing message.
	React(ctx context.Context, emoji, messageID string, target Target) error

	// LookupContact resolves a visitor ID to profile details. Returns an
	// error if the platform cannot resolve the user.
	LookupContact(ctx context.Context, visitorID string) (*Contact, error)

	// Memberships lists the channels the bot currently belongs to.
	Memberships(ctx context.Context) ([]Membership, error)

	// Close gracefully shuts down the adapter connection.
	Close() error
}

// BotUserIDer is an optional interface that adapters can implement to
// expose the bot's own user ID. This enables self-message filtering.
type BotUserIDer interface {
	BotUserID() string
}

// Target addresses an outbound message: either a channel or a direct
// conversation with a user. Exactly one field is set.
type Target struct {
	ChannelID string // channel to post in
	Address   string // user to message directly
}

// Channel targets a channel.
func Channel(channelID string) Target { return Target{ChannelID: channelID} }

// Direct targets a user's direct conversation.
func Direct(address string) Target { return Target{Address: address} }

// Contact holds resolved profile details for a platform user.
type Contact struct {
	Name    string // display name, may be empty
	Address string // platform handle used for direct delivery
}

// Membership is a channel the bot belongs to.
type Membership struct {
	ChannelID   string
	ChannelName string
}

// Attachment describes a file carried by a message. Relayed by reference;
// content is never downloaded.
type Attachment struct {
	URL         string
	Filename    string
	ContentType string
}

// Event is an inbound platform event. The concrete types are
// VisitorMessage, ChannelMessage, MemberJoined and MemberLeft.
type Event interface {
	event()
}

// VisitorMessage is a direct message from a platform user to the bot.
type VisitorMessage struct {
	VisitorID   string // stable platform user ID
	Address     string // handle for replying directly, may equal VisitorID
	Name        string // display name if the platform provided one
	Text        string
	MessageID   string
	Attachments []Attachment
	SentAt      time.Time
}

// ChannelMessage is a message posted in a channel the bot belongs to.
type ChannelMessage struct {
	ChannelID       string
	SenderID        string
	SenderName      string
	Text            string
	MessageID       string
	QuotedMessageID string // ID of the replied-to message, empty if not a reply
	Attachments     []Attachment
	SentAt          time.Time
}

// MemberJoined fires when a user joins a channel the bot watches.
type MemberJoined struct {
	ChannelID string
	VisitorID string
	Name      string
	Address   string
}

// MemberLeft fires when a user leaves a channel the bot watches.
type MemberLeft struct {
	ChannelID string
	VisitorID string
}

func (VisitorMessage) event() {}
func (ChannelMessage) event() {}
func (MemberJoined) event()   {}
func (MemberLeft) event()     {}
