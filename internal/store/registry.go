package store

import (
	"fmt"

	"github.com/zulandar/switchboard/internal/models"
	"gorm.io/gorm"
)

// Registry stores lobby↔control pairings and their policy flags.
type Registry struct {
	db *gorm.DB
}

// NewRegistry creates a Registry.
func NewRegistry(db *gorm.DB) *Registry {
	return &Registry{db: db}
}

// Create establishes a new lobby↔control pairing. It fails with
// ErrAlreadyPaired if the lobby channel already holds a pairing, or if
// either channel already holds the opposite role.
func (r *Registry) Create(lobbyID, controlID, createdBy string) (*models.RoomPair, error) {
	var pair *models.RoomPair
	err := r.db.Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&models.RoomPair{}).
			Where("lobby_channel_id = ?", lobbyID).
			Count(&count).Error; err != nil {
			return fmt.Errorf("check lobby: %w", err)
		}
		if count > 0 && lobbyID != models.PendingLobby {
			return ErrAlreadyPaired
		}

		// A real lobby channel may not double as a control channel, and
		// vice versa.
		if lobbyID != models.PendingLobby {
			if err := tx.Model(&models.RoomPair{}).
				Where("control_channel_id = ?", lobbyID).
				Count(&count).Error; err != nil {
				return fmt.Errorf("check lobby role: %w", err)
			}
			if count > 0 {
				return ErrAlreadyPaired
			}
		}
		if err := tx.Model(&models.RoomPair{}).
			Where("lobby_channel_id = ?", controlID).
			Count(&count).Error; err != nil {
			return fmt.Errorf("check control role: %w", err)
		}
		if count > 0 {
			return ErrAlreadyPaired
		}

		pair = &models.RoomPair{
			LobbyChannelID:    lobbyID,
			ControlChannelID:  controlID,
			SendConfirmations: true,
			CreatedBy:         createdBy,
		}
		if err := tx.Create(pair).Error; err != nil {
			if isUniqueViolation(err) {
				return ErrAlreadyPaired
			}
			return fmt.Errorf("create pair: %w", err)
		}
		return nil
	})
	if err != nil {
		if err == ErrAlreadyPaired {
			return nil, err
		}
		return nil, fmt.Errorf("store: create room pair: %w", err)
	}
	return pair, nil
}

// ByLobby looks up a pairing by its lobby channel ID.
func (r *Registry) ByLobby(lobbyID string) (*models.RoomPair, error) {
	var pair models.RoomPair
	err := r.db.Where("lobby_channel_id = ?", lobbyID).First(&pair).Error
	if err != nil {
		return nil, none(err)
	}
	return &pair, nil
}

// ByControl looks up a pairing by its control channel ID. When multiple
// lobbies share a control channel the first pairing by ID is returned.
func (r *Registry) ByControl(controlID string) (*models.RoomPair, error) {
	var pair models.RoomPair
	err := r.db.Where("control_channel_id = ?", controlID).Order("id").First(&pair).Error
	if err != nil {
		return nil, none(err)
	}
	return &pair, nil
}

// ByID looks up a pairing by its database ID.
func (r *Registry) ByID(id uint) (*models.RoomPair, error) {
	var pair models.RoomPair
	err := r.db.First(&pair, id).Error
	if err != nil {
		return nil, none(err)
	}
	return &pair, nil
}

// All returns every pairing, placeholders included.
func (r *Registry) All() ([]models.RoomPair, error) {
	var pairs []models.RoomPair
	if err := r.db.Order("id").Find(&pairs).Error; err != nil {
		return nil, fmt.Errorf("store: list room pairs: %w", err)
	}
	return pairs, nil
}

// ActiveControl returns the pairing that designates the active control room,
// or nil if none is configured. Only one control room is ever active; a
// placeholder pairing (pending lobby) still counts as the active control.
func (r *Registry) ActiveControl() (*models.RoomPair, error) {
	var pair models.RoomPair
	err := r.db.Where("control_channel_id <> ''").Order("id").First(&pair).Error
	if err != nil {
		return nil, none(err)
	}
	return &pair, nil
}

// RoomPairPatch is a partial update of a pairing's policy fields. Nil fields
// are left untouched.
type RoomPairPatch struct {
	AnonymousMode     *bool
	DMAnonymousMode   *bool
	SendConfirmations *bool
	GreetingMessage   *string
	ControlRoomAdmins *string
}

// Update applies a partial patch to a pairing and bumps its UpdatedAt.
func (r *Registry) Update(id uint, patch RoomPairPatch) (*models.RoomPair, error) {
	updates := map[string]interface{}{}
	if patch.AnonymousMode != nil {
		updates["anonymous_mode"] = *patch.AnonymousMode
	}
	if patch.DMAnonymousMode != nil {
		updates["dm_anonymous_mode"] = *patch.DMAnonymousMode
	}
	if patch.SendConfirmations != nil {
		updates["send_confirmations"] = *patch.SendConfirmations
	}
	if patch.GreetingMessage != nil {
		updates["greeting_message"] = *patch.GreetingMessage
	}
	if patch.ControlRoomAdmins != nil {
		updates["control_room_admins"] = *patch.ControlRoomAdmins
	}

	if len(updates) > 0 {
		result := r.db.Model(&models.RoomPair{}).Where("id = ?", id).Updates(updates)
		if result.Error != nil {
			return nil, fmt.Errorf("store: update room pair %d: %w", id, result.Error)
		}
		if result.RowsAffected == 0 {
			return nil, ErrNotPaired
		}
	}
	return r.ByID(id)
}

// Delete removes a pairing and cascades to its sessions and their relay
// mappings, all in one transaction. FK-level cascade is not assumed (sqlite
// ships with enforcement off), so the cascade is explicit.
func (r *Registry) Delete(id uint) error {
	err := r.db.Transaction(func(tx *gorm.DB) error {
		var sessionIDs []uint
		if err := tx.Model(&models.Session{}).
			Where("room_pair_id = ?", id).
			Pluck("id", &sessionIDs).Error; err != nil {
			return fmt.Errorf("collect sessions: %w", err)
		}
		if len(sessionIDs) > 0 {
			if err := tx.Where("session_id IN ?", sessionIDs).
				Delete(&models.RelayMapping{}).Error; err != nil {
				return fmt.Errorf("delete mappings: %w", err)
			}
			if err := tx.Where("id IN ?", sessionIDs).
				Delete(&models.Session{}).Error; err != nil {
				return fmt.Errorf("delete sessions: %w", err)
			}
		}
		result := tx.Delete(&models.RoomPair{}, id)
		if result.Error != nil {
			return fmt.Errorf("delete pair: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			return ErrNotPaired
		}
		return nil
	})
	if err != nil {
		if err == ErrNotPaired {
			return err
		}
		return fmt.Errorf("store: delete room pair %d: %w", id, err)
	}
	return nil
}
