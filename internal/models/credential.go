package models

import "time"

// PasswordPolicy constrains password composition and rotation.
type PasswordPolicy struct {
	BaseModel
	Name              string `json:"name"`
	MinLength         int    `json:"min_length"`
	MaxLength         int    `json:"max_length"`
	RequireUppercase  bool   `json:"require_uppercase"`
	RequireLowercase  bool   `json:"require_lowercase"`
	RequireDigit      bool   `json:"require_digit"`
	RequireSymbol     bool   `json:"require_symbol"`
	MaxAgeDays        int    `json:"max_age_days,omitempty"`
	HistoryCount      int    `json:"history_count,omitempty"`
}

// Clone returns a copy of the policy.
func (p PasswordPolicy) Clone() PasswordPolicy { return p }

// CredentialRecord holds an identity's hashed password and rotation state.
// The plaintext password is never stored; PasswordHash is produced by
// bcrypt.
type CredentialRecord struct {
	IdentityID      string    `json:"identity_id"`
	PasswordHash    string    `json:"-"`
	PasswordHistory []string  `json:"-"`
	LastRotatedAt   time.Time `json:"last_rotated_at"`
	MustChange      bool      `json:"must_change,omitempty"`
}

// Clone returns an owned copy of the record.
func (c CredentialRecord) Clone() CredentialRecord {
	out := c
	out.PasswordHistory = append([]string(nil), c.PasswordHistory...)
	return out
}
