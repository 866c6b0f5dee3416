package models

import "time"

// Channel caches the display name of a transport channel the bridge is a
// member of. Synced from the transport at startup so forwarded messages and
// join notices can show "[Support Lobby]" instead of an opaque channel ID.
type Channel struct {
	ChannelID string `gorm:"primaryKey;size:128"`
	Name      string `gorm:"size:128"`
	UpdatedAt time.Time
}
