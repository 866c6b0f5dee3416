package models

import (
	"strings"
	"time"
)

// PendingLobby is the placeholder lobby ID for a RoomPair that has a control
// channel configured but no lobby linked yet.
const PendingLobby = "__pending__"

// DefaultGreeting is posted in a lobby when a visitor joins, unless the pair
// has a custom greeting configured.
const DefaultGreeting = "👋 Welcome! DM me directly to connect with the team privately."

// RoomPair links a public lobby channel to the private control channel.
// A lobby channel pairs with exactly one control channel; multiple lobbies
// may share the same control channel.
type RoomPair struct {
	ID                uint   `gorm:"primaryKey;autoIncrement"`
	LobbyChannelID    string `gorm:"size:128;not null;uniqueIndex"`
	ControlChannelID  string `gorm:"size:128;not null;index"`
	AnonymousMode     bool   `gorm:"not null;default:false"` // lobby visitors get pseudonyms
	DMAnonymousMode   bool   `gorm:"not null;default:false"` // direct visitors get pseudonyms
	SendConfirmations bool   `gorm:"not null;default:true"`  // ✅ reactions to senders; off reduces metadata leakage
	GreetingMessage   string `gorm:"type:text"`
	CreatedBy         string `gorm:"size:128;not null"`
	ControlRoomAdmins string `gorm:"type:text"` // comma-separated IDs additionally authorized to link lobbies
	CreatedAt         time.Time
	UpdatedAt         time.Time

	Sessions []Session `gorm:"foreignKey:RoomPairID"`
}

// IsPending reports whether this pair is a control-only placeholder.
func (p *RoomPair) IsPending() bool {
	return p.LobbyChannelID == PendingLobby
}

// Greeting returns the configured greeting, or the default if none is set.
func (p *RoomPair) Greeting() string {
	if p.GreetingMessage != "" {
		return p.GreetingMessage
	}
	return DefaultGreeting
}

// AdminList parses the comma-separated admin field into a slice of IDs.
func (p *RoomPair) AdminList() []string {
	if p.ControlRoomAdmins == "" {
		return nil
	}
	var admins []string
	for _, id := range strings.Split(p.ControlRoomAdmins, ",") {
		if id = strings.TrimSpace(id); id != "" {
			admins = append(admins, id)
		}
	}
	return admins
}

// IsAuthorized reports whether the given identity may link new lobbies to
// this control room. The creator is always authorized.
func (p *RoomPair) IsAuthorized(identity string) bool {
	if identity == p.CreatedBy {
		return true
	}
	for _, id := range p.AdminList() {
		if id == identity {
			return true
		}
	}
	return false
}
