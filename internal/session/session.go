// Package session implements the Session Manager: session lifecycle,
// expiry, and per-identity concurrency limits, adapted from the teacher's
// repository-over-a-map pattern.
package session

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/radek-zitek-cloud/iam-core/internal/apierr"
	"github.com/radek-zitek-cloud/iam-core/internal/models"
	"github.com/radek-zitek-cloud/iam-core/pkg/clock"
	"github.com/radek-zitek-cloud/iam-core/pkg/logger"
)

// Listener receives "sessionCreated" and "sessionRevoked".
type Listener func(event string, payload map[string]interface{})

// Manager owns the session map.
type Manager struct {
	mu sync.RWMutex

	sessions map[string]models.Session

	defaultTTL    int64 // seconds
	maxConcurrent int
	clock         clock.Clock
	log           *logger.Logger
	listeners     []Listener
}

// New constructs a Session Manager. defaultTTLSeconds and maxConcurrent (0 =
// unbounded) come from configuration.
func New(defaultTTLSeconds int64, maxConcurrent int, clk clock.Clock, log *logger.Logger) *Manager {
	return &Manager{
		sessions:      make(map[string]models.Session),
		defaultTTL:    defaultTTLSeconds,
		maxConcurrent: maxConcurrent,
		clock:         clk,
		log:           log,
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

// CreateSession opens a new session for identityID, evicting the
// least-recently-created active session if maxConcurrent would be exceeded.
func (m *Manager) CreateSession(ctx context.Context, identityID, deviceID, ipAddress string) (models.Session, error) {
	now := m.clock.Now()
	m.mu.Lock()

	if m.maxConcurrent > 0 {
		var active []models.Session
		for _, s := range m.sessions {
			if s.IdentityID == identityID && s.Status == models.SessionActive && !s.IsExpired(now) {
				active = append(active, s)
			}
		}
		if len(active) >= m.maxConcurrent {
			sort.Slice(active, func(i, j int) bool { return active[i].CreatedAt.Before(active[j].CreatedAt) })
			evict := active[0]
			evict.Status = models.SessionRevoked
			m.sessions[evict.ID] = evict
		}
	}

	sess := models.Session{
		IdentityID: identityID,
		Status:     models.SessionActive,
		DeviceID:   deviceID,
		IPAddress:  ipAddress,
	}
	sess.ID = models.NewID()
	sess.Touch(now)
	sess.ExpiresAt = now.Add(time.Duration(m.defaultTTL) * time.Second)
	m.sessions[sess.ID] = sess
	out := sess
	m.mu.Unlock()

	m.fire("sessionCreated", map[string]interface{}{"session_id": out.ID, "identity_id": identityID})
	return out, nil
}

// GetSession returns a defensive copy of the session, lazily demoting it to
// expired if its expiry has passed.
func (m *Manager) GetSession(ctx context.Context, id string) (models.Session, error) {
	now := m.clock.Now()
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return models.Session{}, fmt.Errorf("get session: %w", apierr.New(apierr.NotFound, "session", id))
	}
	if s.Status == models.SessionActive && s.IsExpired(now) {
		s.Status = models.SessionExpired
		m.sessions[id] = s
	}
	return s.Clone(), nil
}

// RevokeSession revokes an active session.
func (m *Manager) RevokeSession(ctx context.Context, id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("revoke session: %w", apierr.New(apierr.NotFound, "session", id))
	}
	s.Status = models.SessionRevoked
	m.sessions[id] = s
	m.mu.Unlock()

	m.fire("sessionRevoked", map[string]interface{}{"session_id": id})
	return nil
}

// RevokeAllForIdentity revokes every active session belonging to identityID.
func (m *Manager) RevokeAllForIdentity(ctx context.Context, identityID string) int {
	m.mu.Lock()
	count := 0
	for id, s := range m.sessions {
		if s.IdentityID == identityID && s.Status == models.SessionActive {
			s.Status = models.SessionRevoked
			m.sessions[id] = s
			count++
		}
	}
	m.mu.Unlock()
	if count > 0 {
		m.fire("sessionRevoked", map[string]interface{}{"identity_id": identityID, "count": count})
	}
	return count
}

// ListByIdentity returns every session for an identity.
func (m *Manager) ListByIdentity(ctx context.Context, identityID string) []models.Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Session
	for _, s := range m.sessions {
		if s.IdentityID == identityID {
			out = append(out, s.Clone())
		}
	}
	return out
}
