package store

import (
	"fmt"
	"time"

	"github.com/zulandar/switchboard/internal/models"
	"gorm.io/gorm"
)

// RelayStats is a point-in-time summary of relay activity.
type RelayStats struct {
	Pairs          int64 `json:"pairs"`
	ActiveSessions int64 `json:"active_sessions"`
	RelaysToday    int64 `json:"relays_today"`
	TotalRelays    int64 `json:"total_relays"`
}

// Stats computes relay statistics. Placeholder pairings are excluded from
// the pair count; total relays only reflects mappings inside the retention
// window, since older rows are swept.
func Stats(db *gorm.DB) (*RelayStats, error) {
	var stats RelayStats

	err := db.Model(&models.RoomPair{}).
		Where("lobby_channel_id <> ?", models.PendingLobby).
		Count(&stats.Pairs).Error
	if err != nil {
		return nil, fmt.Errorf("store: count pairs: %w", err)
	}

	err = db.Model(&models.Session{}).
		Where("status = ?", models.SessionActive).
		Count(&stats.ActiveSessions).Error
	if err != nil {
		return nil, fmt.Errorf("store: count active sessions: %w", err)
	}

	// Rolling 24-hour window, not calendar-day.
	dayAgo := time.Now().UTC().Add(-24 * time.Hour)
	err = db.Model(&models.RelayMapping{}).
		Where("created_at >= ?", dayAgo).
		Count(&stats.RelaysToday).Error
	if err != nil {
		return nil, fmt.Errorf("store: count today's relays: %w", err)
	}

	if err := db.Model(&models.RelayMapping{}).Count(&stats.TotalRelays).Error; err != nil {
		return nil, fmt.Errorf("store: count relays: %w", err)
	}

	return &stats, nil
}
