package store

import (
	"fmt"
	"sync"
	"time"

	"github.com/zulandar/switchboard/internal/models"
	"gorm.io/gorm"
)

// Sessions tracks visitor conversations. It guarantees at most one active
// session per (pair, visitor) and per direct visitor, and collision-free
// pseudonym assignment under concurrent joins.
//
// The mutex is scoped to the whole store, not per row: pseudonym allocation
// needs exclusivity over a namespace, and contention is acceptable at chat
// message rates. It is never held across a transport call.
type Sessions struct {
	db *gorm.DB
	mu sync.Mutex
}

// NewSessions creates a Sessions store.
func NewSessions(db *gorm.DB) *Sessions {
	return &Sessions{db: db}
}

// Join finds or creates the active session for (pair, visitor). A found
// session is merged with newly learned name/address (fill-if-empty, never
// overwrite) and returned with isNew=false. Otherwise a session is created,
// with a pseudonym when the pair has anonymous mode on, and returned with
// isNew=true.
func (s *Sessions) Join(pair *models.RoomPair, visitorID, name, address string) (*models.Session, bool, error) {
	existing, err := s.ActiveForPairVisitor(pair.ID, visitorID)
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		if err := s.merge(existing, name, address); err != nil {
			return nil, false, err
		}
		return existing, false, nil
	}

	sess, created, err := s.createWithPseudonym(allocSpec{
		pairID:    &pair.ID,
		visitorID: visitorID,
		name:      name,
		address:   address,
		anonymous: pair.AnonymousMode,
		direct:    false,
	})
	if err != nil {
		return nil, false, err
	}
	if !created {
		// Lost the race to a concurrent join by the same visitor.
		if err := s.merge(sess, name, address); err != nil {
			return nil, false, err
		}
	}
	return sess, created, nil
}

// JoinDirect finds or creates the active direct session for a visitor.
// When dmAnonymous is on and the existing session has no pseudonym yet, one
// is assigned retroactively.
func (s *Sessions) JoinDirect(visitorID, name, address string, dmAnonymous bool) (*models.Session, bool, error) {
	existing, err := s.DirectByVisitor(visitorID)
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		if err := s.merge(existing, name, address); err != nil {
			return nil, false, err
		}
		if dmAnonymous && existing.Pseudonym == nil {
			if err := s.assignDirectPseudonym(existing); err != nil {
				return nil, false, err
			}
		}
		return existing, false, nil
	}

	sess, created, err := s.createWithPseudonym(allocSpec{
		pairID:    nil,
		visitorID: visitorID,
		name:      name,
		address:   address,
		anonymous: dmAnonymous,
		direct:    true,
	})
	if err != nil {
		return nil, false, err
	}
	if !created {
		if err := s.merge(sess, name, address); err != nil {
			return nil, false, err
		}
		if dmAnonymous && sess.Pseudonym == nil {
			if err := s.assignDirectPseudonym(sess); err != nil {
				return nil, false, err
			}
		}
	}
	return sess, created, nil
}

// Leave ends the active session for (pair, visitor). Returns the ended
// session, or nil if there was none (a no-op).
func (s *Sessions) Leave(pairID uint, visitorID string) (*models.Session, error) {
	sess, err := s.ActiveForPairVisitor(pairID, visitorID)
	if err != nil || sess == nil {
		return nil, err
	}
	now := time.Now().UTC()
	if err := s.db.Model(sess).Updates(map[string]interface{}{
		"status":  models.SessionEnded,
		"left_at": now,
	}).Error; err != nil {
		return nil, fmt.Errorf("store: end session %d: %w", sess.ID, err)
	}
	sess.Status = models.SessionEnded
	sess.LeftAt = &now
	return sess, nil
}

// ActiveForPairVisitor returns the active session for (pair, visitor), or nil.
func (s *Sessions) ActiveForPairVisitor(pairID uint, visitorID string) (*models.Session, error) {
	var sess models.Session
	err := s.db.Where("room_pair_id = ? AND visitor_id = ? AND status = ?",
		pairID, visitorID, models.SessionActive).First(&sess).Error
	if err != nil {
		return nil, none(err)
	}
	return &sess, nil
}

// LobbyByVisitor returns the visitor's most recent active lobby session
// (direct sessions excluded), or nil.
func (s *Sessions) LobbyByVisitor(visitorID string) (*models.Session, error) {
	var sess models.Session
	err := s.db.Where("visitor_id = ? AND status = ? AND room_pair_id IS NOT NULL",
		visitorID, models.SessionActive).
		Order("joined_at DESC").First(&sess).Error
	if err != nil {
		return nil, none(err)
	}
	return &sess, nil
}

// DirectByVisitor returns the visitor's active direct session, or nil.
func (s *Sessions) DirectByVisitor(visitorID string) (*models.Session, error) {
	var sess models.Session
	err := s.db.Where("visitor_id = ? AND status = ? AND direct = ?",
		visitorID, models.SessionActive, true).First(&sess).Error
	if err != nil {
		return nil, none(err)
	}
	return &sess, nil
}

// ForVisitor returns the visitor's active session, preferring a lobby
// session over a direct one. Returns nil if the visitor has neither.
func (s *Sessions) ForVisitor(visitorID string) (*models.Session, error) {
	sess, err := s.LobbyByVisitor(visitorID)
	if err != nil || sess != nil {
		return sess, err
	}
	return s.DirectByVisitor(visitorID)
}

// ActiveForPair returns all active sessions attached to a pair.
func (s *Sessions) ActiveForPair(pairID uint) ([]models.Session, error) {
	var sessions []models.Session
	err := s.db.Where("room_pair_id = ? AND status = ?", pairID, models.SessionActive).
		Find(&sessions).Error
	if err != nil {
		return nil, fmt.Errorf("store: active sessions for pair %d: %w", pairID, err)
	}
	return sessions, nil
}

// ActiveByJoinNotice returns the active session whose join announcement in
// the given control channel carries messageID, or nil. The lookup spans
// every pairing on the channel, placeholders included, so it works no matter
// which lobby shares the control room.
func (s *Sessions) ActiveByJoinNotice(controlChannelID, messageID string) (*models.Session, error) {
	if messageID == "" {
		return nil, nil
	}
	var sess models.Session
	err := s.db.
		Joins("JOIN room_pairs ON room_pairs.id = sessions.room_pair_id").
		Where("room_pairs.control_channel_id = ? AND sessions.join_notice_id = ? AND sessions.status = ?",
			controlChannelID, messageID, models.SessionActive).
		First(&sess).Error
	if err != nil {
		return nil, none(err)
	}
	return &sess, nil
}

// SetJoinNotice records the control-channel message ID of the join
// announcement, used later for join-notification reply correlation.
func (s *Sessions) SetJoinNotice(sessionID uint, messageID string) error {
	err := s.db.Model(&models.Session{}).Where("id = ?", sessionID).
		Update("join_notice_id", messageID).Error
	if err != nil {
		return fmt.Errorf("store: set join notice on session %d: %w", sessionID, err)
	}
	return nil
}

// merge fills in name and address on a session if they are newly learned.
// Known values are never overwritten.
func (s *Sessions) merge(sess *models.Session, name, address string) error {
	updates := map[string]interface{}{}
	if name != "" && sess.Name == "" {
		updates["name"] = name
	}
	if address != "" && sess.Address == "" {
		updates["address"] = address
	}
	if len(updates) == 0 {
		return nil
	}
	if err := s.db.Model(sess).Updates(updates).Error; err != nil {
		return fmt.Errorf("store: merge session %d: %w", sess.ID, err)
	}
	if v, ok := updates["name"]; ok {
		sess.Name = v.(string)
	}
	if v, ok := updates["address"]; ok {
		sess.Address = v.(string)
	}
	return nil
}

// DisplayName resolves the label shown for a session. When the effective
// anonymity flag is on and a pseudonym exists, the pseudonym wins; otherwise
// the stored name, then the address, then a truncated visitor ID prefix.
// For lobby sessions pass the pair; for direct sessions pass dmAnonymous.
func DisplayName(sess *models.Session, pair *models.RoomPair, dmAnonymous bool) string {
	anonymous := dmAnonymous
	if pair != nil && !sess.Direct {
		anonymous = pair.AnonymousMode
	}
	if anonymous && sess.Pseudonym != nil {
		return *sess.Pseudonym
	}
	if sess.Name != "" {
		return sess.Name
	}
	if sess.Address != "" {
		return sess.Address
	}
	return truncateID(sess.VisitorID)
}

// truncateID returns an irreversible short prefix of a visitor identifier.
func truncateID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8] + "..."
}
