// Package pam implements the Privileged Access Manager: credential vaults,
// secret storage, time-bounded checkouts, and session-recording stubs,
// adapted from the teacher's service-over-a-map pattern.
package pam

import (
	"fmt"
	"sync"
	"time"

	"github.com/radek-zitek-cloud/iam-core/internal/apierr"
	"github.com/radek-zitek-cloud/iam-core/internal/models"
	"github.com/radek-zitek-cloud/iam-core/pkg/clock"
	"github.com/radek-zitek-cloud/iam-core/pkg/logger"
)

// Listener receives "checkoutCreated" and "checkedIn".
type Listener func(event string, payload map[string]interface{})

// Manager owns vaults, accounts, their secrets, and active checkouts.
type Manager struct {
	mu sync.RWMutex

	vaults    map[string]models.CredentialVault
	accounts  map[string]models.PrivilegedAccount
	secrets   map[string]string // keyed by accountID
	checkouts map[string]models.CheckoutRecord

	clock     clock.Clock
	log       *logger.Logger
	listeners []Listener
}

// New constructs an empty Privileged Access Manager.
func New(clk clock.Clock, log *logger.Logger) *Manager {
	return &Manager{
		vaults:    make(map[string]models.CredentialVault),
		accounts:  make(map[string]models.PrivilegedAccount),
		secrets:   make(map[string]string),
		checkouts: make(map[string]models.CheckoutRecord),
		clock:     clk,
		log:       log,
	}
}

// OnEvent registers a listener.
func (m *Manager) OnEvent(l Listener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, l)
}

func (m *Manager) fire(event string, payload map[string]interface{}) {
	for _, l := range m.listeners {
		func() {
			defer m.log.ListenerPanic(event)
			l(event, payload)
		}()
	}
}

// CreateVault registers a credential vault.
func (m *Manager) CreateVault(v models.CredentialVault) models.CredentialVault {
	now := m.clock.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	v.ID = models.NewID()
	v.Touch(now)
	m.vaults[v.ID] = v
	return v
}

// GetVault returns a copy of a vault.
func (m *Manager) GetVault(id string) (models.CredentialVault, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.vaults[id]
	if !ok {
		return models.CredentialVault{}, fmt.Errorf("get vault: %w", apierr.New(apierr.NotFound, "vault", id))
	}
	return v, nil
}

// ListVaults returns every vault.
func (m *Manager) ListVaults() []models.CredentialVault {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.CredentialVault, 0, len(m.vaults))
	for _, v := range m.vaults {
		out = append(out, v)
	}
	return out
}

// CreateAccount registers a privileged account under a vault.
func (m *Manager) CreateAccount(a models.PrivilegedAccount) (models.PrivilegedAccount, error) {
	now := m.clock.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.vaults[a.VaultID]; !ok {
		return models.PrivilegedAccount{}, fmt.Errorf("create account: %w", apierr.New(apierr.NotFound, "vault", a.VaultID))
	}
	a.ID = models.NewID()
	a.Touch(now)
	m.accounts[a.ID] = a
	return a, nil
}

// StoreSecret sets the secret value for an account within a vault.
func (m *Manager) StoreSecret(vaultID, accountID, secret string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.vaults[vaultID]; !ok {
		return fmt.Errorf("store secret: %w", apierr.New(apierr.NotFound, "vault", vaultID))
	}
	acc, ok := m.accounts[accountID]
	if !ok || acc.VaultID != vaultID {
		return fmt.Errorf("store secret: %w", apierr.New(apierr.NotFound, "account", accountID))
	}
	m.secrets[accountID] = secret
	return nil
}

// CheckOut opens a time-bounded secret checkout, returning the secret
// value, and if the vault requires recording, starts a SessionRecording
// stub capturing only the time window.
func (m *Manager) CheckOut(vaultID, accountID, requesterID string, ttl time.Duration) (models.CheckoutRecord, error) {
	now := m.clock.Now()
	m.mu.Lock()

	vault, ok := m.vaults[vaultID]
	if !ok {
		m.mu.Unlock()
		return models.CheckoutRecord{}, fmt.Errorf("check out: %w", apierr.New(apierr.NotFound, "vault", vaultID))
	}
	acc, ok := m.accounts[accountID]
	if !ok || acc.VaultID != vaultID {
		m.mu.Unlock()
		return models.CheckoutRecord{}, fmt.Errorf("check out: %w", apierr.New(apierr.NotFound, "account", accountID))
	}
	secret, ok := m.secrets[accountID]
	if !ok {
		m.mu.Unlock()
		return models.CheckoutRecord{}, fmt.Errorf("check out: %w", apierr.New(apierr.NotFound, "secret", accountID))
	}

	rec := models.CheckoutRecord{
		VaultID:     vaultID,
		AccountID:   accountID,
		RequesterID: requesterID,
		Secret:      secret,
		StartedAt:   now,
		Deadline:    now.Add(ttl),
	}
	rec.ID = models.NewID()
	rec.Touch(now)
	if vault.RequiresRecording {
		rec.Recording = &models.SessionRecording{CheckoutID: rec.ID, StartedAt: now}
	}
	m.checkouts[rec.ID] = rec.Clone()
	out := rec.Clone()
	m.mu.Unlock()

	m.fire("checkoutCreated", map[string]interface{}{"checkout_id": out.ID, "vault_id": vaultID, "account_id": accountID})
	return out, nil
}

// CheckIn closes an active checkout and its recording, if any.
func (m *Manager) CheckIn(checkoutID string) error {
	now := m.clock.Now()
	m.mu.Lock()
	rec, ok := m.checkouts[checkoutID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("check in: %w", apierr.New(apierr.NotFound, "checkout", checkoutID))
	}
	if rec.CheckedIn {
		m.mu.Unlock()
		return fmt.Errorf("check in: %w", apierr.New(apierr.StateConflict, "checkout", "checkout already closed"))
	}
	rec.CheckedIn = true
	rec.CheckedInAt = &now
	if rec.Recording != nil {
		rec.Recording.EndedAt = &now
	}
	m.checkouts[checkoutID] = rec
	m.mu.Unlock()

	m.fire("checkedIn", map[string]interface{}{"checkout_id": checkoutID})
	return nil
}

// ListActiveCheckouts returns every non-checked-in checkout for an account,
// lazily expiring (but not clearing) any past its deadline — callers treat
// an expired-but-not-checked-in record as no longer usable for secret
// retrieval, mirroring the role-assignment and token expiry pattern.
func (m *Manager) ListActiveCheckouts(accountID string) []models.CheckoutRecord {
	now := m.clock.Now()
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.CheckoutRecord
	for _, rec := range m.checkouts {
		if rec.AccountID != accountID || rec.CheckedIn {
			continue
		}
		if rec.IsExpired(now) {
			continue
		}
		out = append(out, rec.Clone())
	}
	return out
}
