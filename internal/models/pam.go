package models

import "time"

// PrivilegedAccount is a managed account whose secret is held in a Vault.
type PrivilegedAccount struct {
	BaseModel
	VaultID     string `json:"vault_id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// Clone returns a copy of the account.
func (a PrivilegedAccount) Clone() PrivilegedAccount { return a }

// CredentialVault groups privileged-account secrets under one policy,
// including whether checkouts require session recording.
type CredentialVault struct {
	BaseModel
	Name             string `json:"name"`
	RequiresRecording bool  `json:"requires_recording"`
}

// Clone returns a copy of the vault.
func (v CredentialVault) Clone() CredentialVault { return v }

// SessionRecording is a stub recording of a privileged-session checkout: it
// captures only the time window, never actual session content.
type SessionRecording struct {
	CheckoutID string    `json:"checkout_id"`
	StartedAt  time.Time `json:"started_at"`
	EndedAt    *time.Time `json:"ended_at,omitempty"`
}

// CheckoutRecord records one privileged-secret checkout.
type CheckoutRecord struct {
	BaseModel
	VaultID     string     `json:"vault_id"`
	AccountID   string     `json:"account_id"`
	RequesterID string     `json:"requester_id"`
	Secret      string     `json:"secret,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	Deadline    time.Time  `json:"deadline"`
	CheckedIn   bool       `json:"checked_in"`
	CheckedInAt *time.Time `json:"checked_in_at,omitempty"`
	Recording   *SessionRecording `json:"recording,omitempty"`
}

// Clone returns a deep, owned copy of the checkout.
func (c CheckoutRecord) Clone() CheckoutRecord {
	out := c
	if c.CheckedInAt != nil {
		t := *c.CheckedInAt
		out.CheckedInAt = &t
	}
	if c.Recording != nil {
		r := *c.Recording
		out.Recording = &r
	}
	return out
}

// IsExpired reports whether the checkout's deadline has passed and it has
// not been checked in, mirroring the lazy-expiry pattern used for role
// assignments and tokens.
func (c CheckoutRecord) IsExpired(now time.Time) bool {
	return !c.CheckedIn && now.After(c.Deadline)
}
