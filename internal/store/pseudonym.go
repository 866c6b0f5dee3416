package store

import (
	"fmt"
	"math/rand"
	"sync/atomic"

	"github.com/zulandar/switchboard/internal/models"
	"gorm.io/gorm"
)

// Pseudonym namespaces. Lobby sessions draw labels scoped to their pair;
// direct sessions share one global namespace with a distinct prefix so a
// control-room operator can tell the two apart at a glance.
const (
	lobbyPrefix  = "User "
	directPrefix = "DM-"

	// maxAllocAttempts bounds the create-retry loop when two joins race on
	// the same label. Each retry re-reads the used set, so collisions only
	// recur under sustained simultaneous joins.
	maxAllocAttempts = 3
)

const letters = "ABCDEFGHIJKLMNOPQRSTUVWXYZ"

// numericSeq feeds the overflow tier when every letter combination is taken.
var numericSeq atomic.Uint64

type allocSpec struct {
	pairID    *uint
	visitorID string
	name      string
	address   string
	anonymous bool
	direct    bool
}

// createWithPseudonym inserts a new session, assigning a fresh pseudonym when
// anonymity is on. Allocation runs under the store mutex; the unique
// index on (room_pair_id, pseudonym) backstops races from other processes.
// Returns created=false when a racing join by the same visitor committed
// first, so the caller never ends up with two active sessions.
func (s *Sessions) createWithPseudonym(spec allocSpec) (*models.Session, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Re-check under the lock: the caller's existence lookup ran before the
	// mutex was taken.
	existing, err := s.activeForSpec(spec)
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		return existing, false, nil
	}

	var lastErr error
	for attempt := 0; attempt < maxAllocAttempts; attempt++ {
		sess := &models.Session{
			RoomPairID: spec.pairID,
			VisitorID:  spec.visitorID,
			Name:       spec.name,
			Address:    spec.address,
			Direct:     spec.direct,
			Status:     models.SessionActive,
		}
		err := s.db.Transaction(func(tx *gorm.DB) error {
			if spec.anonymous {
				label, err := s.nextPseudonym(tx, spec.pairID, spec.direct)
				if err != nil {
					return err
				}
				sess.Pseudonym = &label
			}
			return tx.Create(sess).Error
		})
		if err == nil {
			return sess, true, nil
		}
		if !isUniqueViolation(err) {
			return nil, false, fmt.Errorf("store: create session: %w", err)
		}
		lastErr = err
	}
	return nil, false, fmt.Errorf("%w: %v", ErrPseudonymAllocation, lastErr)
}

// activeForSpec finds the active session the spec would duplicate, or nil.
func (s *Sessions) activeForSpec(spec allocSpec) (*models.Session, error) {
	if spec.direct {
		return s.DirectByVisitor(spec.visitorID)
	}
	return s.ActiveForPairVisitor(*spec.pairID, spec.visitorID)
}

// assignDirectPseudonym backfills a pseudonym onto an existing direct
// session, for when anonymity is switched on mid-conversation.
func (s *Sessions) assignDirectPseudonym(sess *models.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var lastErr error
	for attempt := 0; attempt < maxAllocAttempts; attempt++ {
		err := s.db.Transaction(func(tx *gorm.DB) error {
			label, err := s.nextPseudonym(tx, nil, true)
			if err != nil {
				return err
			}
			if err := tx.Model(sess).Update("pseudonym", label).Error; err != nil {
				return err
			}
			sess.Pseudonym = &label
			return nil
		})
		if err == nil {
			return nil
		}
		if !isUniqueViolation(err) {
			return fmt.Errorf("store: assign pseudonym to session %d: %w", sess.ID, err)
		}
		lastErr = err
	}
	return fmt.Errorf("%w: %v", ErrPseudonymAllocation, lastErr)
}

// nextPseudonym picks an unused label in the given namespace. pairID nil
// with direct=true selects the shared direct namespace.
func (s *Sessions) nextPseudonym(tx *gorm.DB, pairID *uint, direct bool) (string, error) {
	used, err := usedPseudonyms(tx, pairID, direct)
	if err != nil {
		return "", err
	}
	prefix := lobbyPrefix
	if direct {
		prefix = directPrefix
	}
	return pickPseudonym(used, prefix), nil
}

// usedPseudonyms collects every pseudonym ever assigned in a namespace.
// Ended sessions count too; labels are never recycled, so a returning
// visitor cannot be confused with an earlier one.
func usedPseudonyms(tx *gorm.DB, pairID *uint, direct bool) (map[string]bool, error) {
	q := tx.Model(&models.Session{}).Where("pseudonym IS NOT NULL")
	if pairID != nil {
		q = q.Where("room_pair_id = ?", *pairID)
	} else if direct {
		q = q.Where("direct = ?", true)
	}
	var labels []string
	if err := q.Pluck("pseudonym", &labels).Error; err != nil {
		return nil, fmt.Errorf("collect pseudonyms: %w", err)
	}
	used := make(map[string]bool, len(labels))
	for _, l := range labels {
		used[l] = true
	}
	return used, nil
}

// pickPseudonym returns a random unused label. Single letters first, then
// letter pairs, then a monotonically numbered fallback that cannot collide.
func pickPseudonym(used map[string]bool, prefix string) string {
	var free []string
	for _, c := range letters {
		if label := prefix + string(c); !used[label] {
			free = append(free, label)
		}
	}
	if len(free) == 0 {
		for _, a := range letters {
			for _, b := range letters {
				if label := prefix + string(a) + string(b); !used[label] {
					free = append(free, label)
				}
			}
		}
	}
	if len(free) == 0 {
		return fmt.Sprintf("%s%d", prefix, 1000+numericSeq.Add(1))
	}
	return free[rand.Intn(len(free))]
}
