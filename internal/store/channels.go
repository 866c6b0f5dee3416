package store

import (
	"fmt"
	"time"

	"github.com/zulandar/switchboard/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Channels caches platform channel display names so forwarded messages and
// notices can say "[Support Lobby]" instead of a raw channel ID.
type Channels struct {
	db *gorm.DB
}

// NewChannels creates a Channels store.
func NewChannels(db *gorm.DB) *Channels {
	return &Channels{db: db}
}

// Upsert records or refreshes a channel's display name.
func (c *Channels) Upsert(channelID, name string) error {
	ch := models.Channel{
		ChannelID: channelID,
		Name:      name,
		UpdatedAt: time.Now().UTC(),
	}
	err := c.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "channel_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"name", "updated_at"}),
	}).Create(&ch).Error
	if err != nil {
		return fmt.Errorf("store: upsert channel %s: %w", channelID, err)
	}
	return nil
}

// Name returns the cached display name for a channel, or "the lobby" when
// the channel has never been synced.
func (c *Channels) Name(channelID string) string {
	var ch models.Channel
	err := c.db.Where("channel_id = ?", channelID).First(&ch).Error
	if err != nil || ch.Name == "" {
		return "the lobby"
	}
	return ch.Name
}
