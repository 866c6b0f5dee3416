package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MockAdapter implements Adapter for testing. It records sent messages and
// reactions and allows simulating inbound events via SimulateInbound.
type MockAdapter struct {
	mu          sync.Mutex
	connected   bool
	closed      bool
	inbound     chan Event
	sent        []SentMessage
	reactions   []Reaction
	contacts    map[string]Contact
	memberships []Membership
	botUserID   string
	sendErr     error
	reactErr    error
}

// SentMessage is a message the mock recorded as delivered.
type SentMessage struct {
	Text      string
	Target    Target
	MessageID string
}

// Reaction is an emoji the mock recorded as attached.
type Reaction struct {
	Emoji     string
	MessageID string
	Target    Target
}

// NewMockAdapter creates a MockAdapter with a buffered inbound channel.
func NewMockAdapter() *MockAdapter {
	return &MockAdapter{
		inbound:  make(chan Event, 100),
		contacts: make(map[string]Contact),
	}
}

// BotUserID returns the configured bot user ID (implements BotUserIDer).
func (m *MockAdapter) BotUserID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.botUserID
}

// SetBotUserID sets the bot user ID for testing.
func (m *MockAdapter) SetBotUserID(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.botUserID = id
}

// Connect marks the adapter as connected.
func (m *MockAdapter) Connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return fmt.Errorf("mock adapter: already closed")
	}
	m.connected = true
	return nil
}

// Listen returns the inbound event channel. Must be called after Connect.
func (m *MockAdapter) Listen(ctx context.Context) (<-chan Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return nil, fmt.Errorf("mock adapter: not connected")
	}
	return m.inbound, nil
}

// Send records the outbound message and returns a fresh message ID.
func (m *MockAdapter) Send(ctx context.Context, text string, target Target) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return "", fmt.Errorf("mock adapter: not connected")
	}
	if m.sendErr != nil {
		return "", m.sendErr
	}
	id := uuid.NewString()
	m.sent = append(m.sent, SentMessage{Text: text, Target: target, MessageID: id})
	return id, nil
}

// React records the reaction.
func (m *MockAdapter) React(ctx context.Context, emoji, messageID string, target Target) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return fmt.Errorf("mock adapter: not connected")
	}
	if m.reactErr != nil {
		return m.reactErr
	}
	m.reactions = append(m.reactions, Reaction{Emoji: emoji, MessageID: messageID, Target: target})
	return nil
}

// LookupContact returns a pre-configured contact, or an error if none is set.
func (m *MockAdapter) LookupContact(ctx context.Context, visitorID string) (*Contact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.contacts[visitorID]
	if !ok {
		return nil, fmt.Errorf("mock adapter: unknown user %s", visitorID)
	}
	return &c, nil
}

// Memberships returns the pre-configured membership list.
func (m *MockAdapter) Memberships(ctx context.Context) ([]Membership, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Membership, len(m.memberships))
	copy(out, m.memberships)
	return out, nil
}

// Close shuts down the mock adapter and closes the inbound channel.
func (m *MockAdapter) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	m.connected = false
	close(m.inbound)
	return nil
}

// --- Test helpers ---

// SimulateInbound sends an event into the inbound channel as if it came
// from the chat platform. Safe to call from any goroutine.
func (m *MockAdapter) SimulateInbound(ev Event) {
	switch v := ev.(type) {
	case VisitorMessage:
		if v.SentAt.IsZero() {
			v.SentAt = time.Now()
		}
		ev = v
	case ChannelMessage:
		if v.SentAt.IsZero() {
			v.SentAt = time.Now()
		}
		ev = v
	}
	m.inbound <- ev
}

// SetContact pre-configures the contact returned by LookupContact.
func (m *MockAdapter) SetContact(visitorID string, c Contact) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.contacts[visitorID] = c
}

// SetMemberships pre-configures the membership list.
func (m *MockAdapter) SetMemberships(ms []Membership) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.memberships = ms
}

// SetSendError makes subsequent Send calls fail with err. Pass nil to clear.
func (m *MockAdapter) SetSendError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sendErr = err
}

// SetReactError makes subsequent React calls fail with err. Pass nil to clear.
func (m *MockAdapter) SetReactError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reactErr = err
}

// LastSent returns the most recently sent message.
// Returns zero value and false if no messages have been sent.
func (m *MockAdapter) LastSent() (SentMessage, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.sent) == 0 {
		return SentMessage{}, false
	}
	return m.sent[len(m.sent)-1], true
}

// AllSent returns a copy of all sent messages.
func (m *MockAdapter) AllSent() []SentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SentMessage, len(m.sent))
	copy(out, m.sent)
	return out
}

// SentCount returns the number of messages sent.
func (m *MockAdapter) SentCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

// Reactions returns a copy of all recorded reactions.
func (m *MockAdapter) Reactions() []Reaction {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Reaction, len(m.reactions))
	copy(out, m.reactions)
	return out
}
