// Package models defines the entities shared across every IAM subsystem:
// identities, roles, permissions, tokens, sessions, risk assessments,
// governance records, federation registries, privileged-access records, and
// audit entries. Every type here is a plain value type; subsystem stores are
// responsible for the defensive-copy-on-read discipline described in the
// design notes, not the types themselves.
package models

import (
	"time"

	"github.com/google/uuid"
)

// BaseModel carries the identifier and timestamp fields common to every
// entity in the core, adapted from the teacher's embedded base model.
type BaseModel struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewID mints a new opaque identifier. Every subsystem uses this instead of
// handling id generation itself.
func NewID() string {
	return uuid.New().String()
}

// Touch stamps UpdatedAt (and CreatedAt, if unset) with t.
func (b *BaseModel) Touch(t time.Time) {
	if b.CreatedAt.IsZero() {
		b.CreatedAt = t
	}
	b.UpdatedAt = t
}
