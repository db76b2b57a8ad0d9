// Package credential implements the Credential Manager: password policy
// enforcement, bcrypt hashing, and rotation history, adapted from the
// teacher's pkg/auth.PasswordHasher into its own IAM subsystem.
package credential

import (
	"context"
	"fmt"
	"sync"
	"unicode"

	"golang.org/x/crypto/bcrypt"

	"github.com/radek-zitek-cloud/iam-core/internal/apierr"
	"github.com/radek-zitek-cloud/iam-core/internal/models"
	"github.com/radek-zitek-cloud/iam-core/pkg/clock"
	"github.com/radek-zitek-cloud/iam-core/pkg/logger"
)

// DefaultBCryptCost matches the teacher's password hasher cost.
const DefaultBCryptCost = 12

// Listener receives credential lifecycle notifications:
// "credentialRotated", "passwordPolicyViolation".
type Listener func(event string, payload map[string]interface{})

// Manager owns password policies and credential records.
type Manager struct {
	mu sync.RWMutex

	policies    map[string]models.PasswordPolicy
	credentials map[string]models.CredentialRecord // keyed by identity id

	bcryptCost int
	clock      clock.Clock
	log        *logger.Logger
	listeners  []Listener
}

// New constructs a Credential Manager with the given bcrypt cost (password
// length bounds come only from each policy's MinLength/MaxLength).
func New(bcryptCost int, clk clock.Clock, log *logger.Logger) *Manager {
	if bcryptCost <= 0 {
		bcryptCost = DefaultBCryptCost
	}
	return &Manager{
		policies:    make(map[string]models.PasswordPolicy),
		credentials: make(map[string]models.CredentialRecord),
		bcryptCost:  bcryptCost,
		clock:       clk,
		log:         log,
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

// CreatePasswordPolicy registers a password policy.
func (m *Manager) CreatePasswordPolicy(ctx context.Context, p models.PasswordPolicy) (models.PasswordPolicy, error) {
	now := m.clock.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	p.ID = models.NewID()
	p.Touch(now)
	m.policies[p.ID] = p
	return p, nil
}

// GetPasswordPolicy returns a copy of a policy.
func (m *Manager) GetPasswordPolicy(ctx context.Context, id string) (models.PasswordPolicy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.policies[id]
	if !ok {
		return models.PasswordPolicy{}, fmt.Errorf("get password policy: %w", apierr.New(apierr.NotFound, "password_policy", id))
	}
	return p, nil
}

// ValidatePassword checks a candidate password against a policy's
// composition rules. Returns an InvalidInput error naming the first
// violation.
func ValidatePassword(policy models.PasswordPolicy, password string) error {
	if len(password) < policy.MinLength {
		return fmt.Errorf("validate password: %w", apierr.New(apierr.InvalidInput, "credential", "password shorter than minimum length"))
	}
	if policy.MaxLength > 0 && len(password) > policy.MaxLength {
		return fmt.Errorf("validate password: %w", apierr.New(apierr.InvalidInput, "credential", "password longer than maximum length"))
	}
	var hasUpper, hasLower, hasDigit, hasSymbol bool
	for _, r := range password {
		switch {
		case unicode.IsUpper(r):
			hasUpper = true
		case unicode.IsLower(r):
			hasLower = true
		case unicode.IsDigit(r):
			hasDigit = true
		case unicode.IsPunct(r) || unicode.IsSymbol(r):
			hasSymbol = true
		}
	}
	if policy.RequireUppercase && !hasUpper {
		return fmt.Errorf("validate password: %w", apierr.New(apierr.InvalidInput, "credential", "password missing required uppercase character"))
	}
	if policy.RequireLowercase && !hasLower {
		return fmt.Errorf("validate password: %w", apierr.New(apierr.InvalidInput, "credential", "password missing required lowercase character"))
	}
	if policy.RequireDigit && !hasDigit {
		return fmt.Errorf("validate password: %w", apierr.New(apierr.InvalidInput, "credential", "password missing required digit"))
	}
	if policy.RequireSymbol && !hasSymbol {
		return fmt.Errorf("validate password: %w", apierr.New(apierr.InvalidInput, "credential", "password missing required symbol"))
	}
	return nil
}

// SetPassword hashes and stores a new password for an identity, recording it
// in the rotation history (bounded to policy.HistoryCount, default 5).
func (m *Manager) SetPassword(ctx context.Context, identityID, password string, policy *models.PasswordPolicy) error {
	if policy != nil {
		if err := ValidatePassword(*policy, password); err != nil {
			m.fire("passwordPolicyViolation", map[string]interface{}{"identity_id": identityID})
			return err
		}
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), m.bcryptCost)
	if err != nil {
		return fmt.Errorf("set password: %w", err)
	}

	now := m.clock.Now()
	m.mu.Lock()
	rec := m.credentials[identityID]
	rec.IdentityID = identityID
	historyCap := 5
	if policy != nil && policy.HistoryCount > 0 {
		historyCap = policy.HistoryCount
	}
	if rec.PasswordHash != "" {
		rec.PasswordHistory = append(rec.PasswordHistory, rec.PasswordHash)
		if len(rec.PasswordHistory) > historyCap {
			rec.PasswordHistory = rec.PasswordHistory[len(rec.PasswordHistory)-historyCap:]
		}
	}
	rec.PasswordHash = string(hash)
	rec.LastRotatedAt = now
	rec.MustChange = false
	m.credentials[identityID] = rec
	m.mu.Unlock()

	m.fire("credentialRotated", map[string]interface{}{"identity_id": identityID})
	return nil
}

// VerifyPassword compares a candidate password against the stored hash.
func (m *Manager) VerifyPassword(ctx context.Context, identityID, password string) bool {
	m.mu.RLock()
	rec, ok := m.credentials[identityID]
	m.mu.RUnlock()
	if !ok || rec.PasswordHash == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(rec.PasswordHash), []byte(password)) == nil
}

// GetCredential returns a copy of an identity's credential record. The copy
// includes the hash and history; they are left out only of its JSON form.
func (m *Manager) GetCredential(ctx context.Context, identityID string) (models.CredentialRecord, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.credentials[identityID]
	if !ok {
		return models.CredentialRecord{}, false
	}
	return rec.Clone(), true
}

// IsPasswordExpired reports whether a credential's age exceeds the policy's
// MaxAgeDays.
func (m *Manager) IsPasswordExpired(ctx context.Context, identityID string, policy models.PasswordPolicy) bool {
	if policy.MaxAgeDays <= 0 {
		return false
	}
	m.mu.RLock()
	rec, ok := m.credentials[identityID]
	m.mu.RUnlock()
	if !ok {
		return false
	}
	maxAge := policy.MaxAgeDays
	elapsedDays := int(m.clock.Now().Sub(rec.LastRotatedAt).Hours() / 24)
	return elapsedDays >= maxAge
}
