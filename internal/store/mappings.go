package store

import (
	"fmt"
	"time"

	"github.com/zulandar/switchboard/internal/models"
	"gorm.io/gorm"
)

// Mappings stores the forwarded-message ledger used for reply correlation.
type Mappings struct {
	db *gorm.DB
}

// NewMappings creates a Mappings store.
func NewMappings(db *gorm.DB) *Mappings {
	return &Mappings{db: db}
}

// Create records a forwarded message. ForwardedMessageID must be the ID the
// platform assigned to the relayed copy, not the original.
func (m *Mappings) Create(sessionID uint, forwardedID, senderID, direction string) (*models.RelayMapping, error) {
	mapping := &models.RelayMapping{
		SessionID:          sessionID,
		ForwardedMessageID: forwardedID,
		SenderID:           senderID,
		Direction:          direction,
	}
	if err := m.db.Create(mapping).Error; err != nil {
		return nil, fmt.Errorf("store: create relay mapping: %w", err)
	}
	return mapping, nil
}

// ByForwardedID resolves a forwarded message back to its mapping, session
// preloaded. Returns nil if the message was never relayed or the mapping has
// been swept.
func (m *Mappings) ByForwardedID(forwardedID string) (*models.RelayMapping, error) {
	var mapping models.RelayMapping
	err := m.db.Preload("Session").
		Where("forwarded_message_id = ?", forwardedID).
		First(&mapping).Error
	if err != nil {
		return nil, none(err)
	}
	return &mapping, nil
}

// CountForSession returns how many messages have been relayed for a session.
func (m *Mappings) CountForSession(sessionID uint) (int64, error) {
	var count int64
	err := m.db.Model(&models.RelayMapping{}).
		Where("session_id = ?", sessionID).Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("store: count mappings for session %d: %w", sessionID, err)
	}
	return count, nil
}

// DeleteOlderThan removes mappings created before now minus window and
// returns how many were deleted. Reply correlation for swept messages is
// lost; that is the retention tradeoff, not a bug.
func (m *Mappings) DeleteOlderThan(window time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-window)
	result := m.db.Where("created_at < ?", cutoff).Delete(&models.RelayMapping{})
	if result.Error != nil {
		return 0, fmt.Errorf("store: sweep relay mappings: %w", result.Error)
	}
	return result.RowsAffected, nil
}
