// Package store implements Switchboard's persistent state: the room-pair
// registry, the session store with its pseudonym allocator, and the relay
// mapping store. All mutations go through GORM transactions; lookups return
// (nil, nil) when the row is absent — absence is a normal outcome here, not
// an error.
package store

import (
	"errors"
	"strings"

	"gorm.io/gorm"
)

// Sentinel errors for the store and engine layers.
var (
	// ErrAlreadyPaired is returned when a channel already holds a
	// conflicting lobby or control role.
	ErrAlreadyPaired = errors.New("store: channel already paired")

	// ErrNotPaired is returned by administrative operations on channels
	// that hold no pairing.
	ErrNotPaired = errors.New("store: channel not paired")

	// ErrNotConfigured means no active control room exists. Surfaced to
	// visitors only as a generic unavailability message.
	ErrNotConfigured = errors.New("store: no control room configured")

	// ErrNotAuthorized means the identity may not link lobbies to the
	// control room.
	ErrNotAuthorized = errors.New("store: not authorized to link lobbies")

	// ErrPseudonymAllocation means pseudonym assignment kept colliding past
	// the bounded retry budget. Should be extremely rare.
	ErrPseudonymAllocation = errors.New("store: pseudonym allocation failed")
)

// isUniqueViolation reports whether err is a uniqueness-constraint failure
// from either backend (sqlite or mysql).
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "Duplicate entry")
}

// none maps gorm.ErrRecordNotFound to a nil result.
func none(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil
	}
	return err
}
