package models

import "time"

// Relay mapping directions.
const (
	DirectionToControl = "to_control"
	DirectionToUser    = "to_user"
)

// RelayMapping correlates a forwarded message's transport-assigned ID with
// the session it came from, so a later reply quoting that message can be
// routed back to the original sender. Rows are swept after the retention
// window; see store.Mappings.DeleteOlderThan.
type RelayMapping struct {
	ID                 uint   `gorm:"primaryKey;autoIncrement"`
	SessionID          uint   `gorm:"not null;index"`
	ForwardedMessageID string `gorm:"size:128;not null;uniqueIndex"`
	SenderID           string `gorm:"size:128;not null"` // the original sender's visitor ID
	Direction          string `gorm:"size:16;not null"`  // to_control or to_user
	CreatedAt          time.Time

	Session Session `gorm:"foreignKey:SessionID"`
}
