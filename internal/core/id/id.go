// Package id generates the opaque keys handed out by the engine.
package id

import (
	"github.com/google/uuid"
)

// ID is a type alias for UUID, used for audit and outbox rows.
type ID = uuid.UUID

// New generates a new UUIDv7 (time-ordered UUID) for rows that benefit from
// chronological index locality.
func New() ID {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New()
	}
	return id
}

// NewKey returns an unguessable opaque token.
// Deletion and snapshot keys use random (v4) UUIDs so they leak no timing.
func NewKey() string {
	return uuid.NewString()
}

// ValidKey reports whether s has the shape of a key produced by NewKey.
func ValidKey(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}

// IsNil checks if ID is zero-value.
func IsNil(id ID) bool {
	return id == uuid.Nil
}
