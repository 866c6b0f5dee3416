package models

import "time"

// Session status values.
const (
	SessionActive = "active"
	SessionEnded  = "ended"
)

// Session is one visitor conversation, either attached to a RoomPair (the
// visitor is in a lobby) or standalone (the visitor messaged the bridge
// directly). Sessions are ended, never deleted, so relay mappings keep their
// referential integrity and the pseudonym history is auditable.
//
// The unique index on (room_pair_id, pseudonym) is the backstop behind the
// allocator mutex: if two concurrent joins pick the same random pseudonym,
// the second insert fails and is retried. Direct sessions carry a nil
// RoomPairID, so their namespace is guarded by the mutex alone.
type Session struct {
	ID           uint    `gorm:"primaryKey;autoIncrement"`
	RoomPairID   *uint   `gorm:"index:idx_session_pair_status;uniqueIndex:uq_session_pair_pseudonym"`
	VisitorID    string  `gorm:"size:128;not null;index"`
	Name         string  `gorm:"size:128"` // display name learned from the transport
	Address      string  `gorm:"size:64"`  // reachable address for direct sends
	Pseudonym    *string `gorm:"size:32;uniqueIndex:uq_session_pair_pseudonym"`
	Direct       bool    `gorm:"not null;default:false"`
	JoinNoticeID string  `gorm:"size:128;index"` // message ID of the join announcement in the control channel
	Status       string  `gorm:"size:16;not null;default:active;index:idx_session_pair_status"`
	JoinedAt     time.Time
	LeftAt       *time.Time

	RoomPair *RoomPair      `gorm:"foreignKey:RoomPairID"`
	Mappings []RelayMapping `gorm:"foreignKey:SessionID"`
}

// PseudonymOrEmpty returns the assigned pseudonym, or "" if none.
func (s *Session) PseudonymOrEmpty() string {
	if s.Pseudonym == nil {
		return ""
	}
	return *s.Pseudonym
}

// Recipient returns the address to use when sending to this visitor:
// the reachable address if known, else the visitor ID.
func (s *Session) Recipient() string {
	if s.Address != "" {
		return s.Address
	}
	return s.VisitorID
}
