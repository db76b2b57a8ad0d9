// Package identity implements the Identity Store: CRUD and status-lifecycle
// management for identities, organizations, and groups, adapted from the
// teacher's repository-over-a-map pattern into an in-process, mutex-guarded
// store.
package identity

import (
	"context"
	"fmt"
	"sync"

	"github.com/radek-zitek-cloud/iam-core/internal/apierr"
	"github.com/radek-zitek-cloud/iam-core/internal/models"
	"github.com/radek-zitek-cloud/iam-core/pkg/clock"
	"github.com/radek-zitek-cloud/iam-core/pkg/logger"
)

// Listener receives a notification whenever the store mutates an identity,
// organization, or group. event is one of "identityCreated",
// "identityStatusChanged", "organizationCreated", "groupCreated",
// "groupMembershipChanged".
type Listener func(event string, payload map[string]interface{})

// Store owns the identity/organization/group maps behind a single lock.
type Store struct {
	mu sync.RWMutex

	identities    map[string]models.Identity
	organizations map[string]models.Organization
	groups        map[string]models.Group
	loginHistory  map[string][]models.LoginHistoryEntry

	clock     clock.Clock
	log       *logger.Logger
	listeners []Listener
}

// New constructs an empty Identity Store.
func New(clk clock.Clock, log *logger.Logger) *Store {
	return &Store{
		identities:    make(map[string]models.Identity),
		organizations: make(map[string]models.Organization),
		groups:        make(map[string]models.Group),
		loginHistory:  make(map[string][]models.LoginHistoryEntry),
		clock:         clk,
		log:           log,
	}
}

// OnEvent registers a listener fired synchronously, in registration order,
// for every mutation. Panics inside a listener are recovered and logged.
func (s *Store) OnEvent(l Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, l)
}

func (s *Store) fire(event string, payload map[string]interface{}) {
	for _, l := range s.listeners {
		func() {
			defer s.log.ListenerPanic(event)
			l(event, payload)
		}()
	}
}

// CreateIdentity creates a new identity in the given status (defaulting to
// active) and fires identityCreated.
func (s *Store) CreateIdentity(ctx context.Context, in models.Identity) (models.Identity, error) {
	if in.Username == "" && in.Email == "" {
		return models.Identity{}, fmt.Errorf("create identity: %w", apierr.New(apierr.InvalidInput, "identity", "username or email required"))
	}
	now := s.clock.Now()
	s.mu.Lock()
	in.ID = models.NewID()
	if in.Status == "" {
		in.Status = models.IdentityStatusActive
	}
	in.Touch(now)
	s.identities[in.ID] = in.Clone()
	out := in.Clone()
	s.mu.Unlock()

	s.fire("identityCreated", map[string]interface{}{"identity_id": out.ID})
	return out, nil
}

// GetIdentity returns a defensive copy of the identity.
func (s *Store) GetIdentity(ctx context.Context, id string) (models.Identity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id2, ok := s.identities[id]
	if !ok {
		return models.Identity{}, fmt.Errorf("get identity: %w", apierr.New(apierr.NotFound, "identity", id))
	}
	return id2.Clone(), nil
}

// FindByUsernameOrEmail resolves an identity by username or email, used by
// the Authentication Engine.
func (s *Store) FindByUsernameOrEmail(ctx context.Context, usernameOrEmail string) (models.Identity, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, id := range s.identities {
		if id.Username == usernameOrEmail || id.Email == usernameOrEmail {
			return id.Clone(), true
		}
	}
	return models.Identity{}, false
}

// ListIdentities returns defensive copies of every identity.
func (s *Store) ListIdentities(ctx context.Context) []models.Identity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Identity, 0, len(s.identities))
	for _, id := range s.identities {
		out = append(out, id.Clone())
	}
	return out
}

// SetStatus transitions an identity's status. Transitions out of a terminal
// status are rejected as a StateConflict.
func (s *Store) SetStatus(ctx context.Context, id string, status models.IdentityStatus) error {
	now := s.clock.Now()
	s.mu.Lock()
	cur, ok := s.identities[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("set status: %w", apierr.New(apierr.NotFound, "identity", id))
	}
	if cur.Status.IsTerminal() {
		s.mu.Unlock()
		return fmt.Errorf("set status: %w", apierr.New(apierr.StateConflict, "identity", "identity is in a terminal status"))
	}
	cur.Status = status
	cur.Touch(now)
	s.identities[id] = cur
	s.mu.Unlock()

	s.fire("identityStatusChanged", map[string]interface{}{"identity_id": id, "status": string(status)})
	return nil
}

// CreateOrganization creates a new organization.
func (s *Store) CreateOrganization(ctx context.Context, in models.Organization) (models.Organization, error) {
	now := s.clock.Now()
	s.mu.Lock()
	in.ID = models.NewID()
	in.Touch(now)
	s.organizations[in.ID] = in
	out := in
	s.mu.Unlock()

	s.fire("organizationCreated", map[string]interface{}{"organization_id": out.ID})
	return out, nil
}

// GetOrganization returns a copy of the organization.
func (s *Store) GetOrganization(ctx context.Context, id string) (models.Organization, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.organizations[id]
	if !ok {
		return models.Organization{}, fmt.Errorf("get organization: %w", apierr.New(apierr.NotFound, "organization", id))
	}
	return o, nil
}

// CreateGroup creates a new group.
func (s *Store) CreateGroup(ctx context.Context, in models.Group) (models.Group, error) {
	now := s.clock.Now()
	s.mu.Lock()
	in.ID = models.NewID()
	in.Touch(now)
	if in.MemberIDs == nil {
		in.MemberIDs = make(map[string]bool)
	}
	s.groups[in.ID] = in.Clone()
	out := in.Clone()
	s.mu.Unlock()

	s.fire("groupCreated", map[string]interface{}{"group_id": out.ID})
	return out, nil
}

// GetGroup returns a copy of the group.
func (s *Store) GetGroup(ctx context.Context, id string) (models.Group, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.groups[id]
	if !ok {
		return models.Group{}, fmt.Errorf("get group: %w", apierr.New(apierr.NotFound, "group", id))
	}
	return g.Clone(), nil
}

// AddMember adds an identity to a group.
func (s *Store) AddMember(ctx context.Context, groupID, identityID string) error {
	now := s.clock.Now()
	s.mu.Lock()
	g, ok := s.groups[groupID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("add member: %w", apierr.New(apierr.NotFound, "group", groupID))
	}
	if g.MemberIDs == nil {
		g.MemberIDs = make(map[string]bool)
	}
	g.MemberIDs[identityID] = true
	g.Touch(now)
	s.groups[groupID] = g

	if idy, ok := s.identities[identityID]; ok {
		if idy.GroupIDs == nil {
			idy.GroupIDs = make(map[string]bool)
		}
		idy.GroupIDs[groupID] = true
		idy.Touch(now)
		s.identities[identityID] = idy
	}
	s.mu.Unlock()

	s.fire("groupMembershipChanged", map[string]interface{}{"group_id": groupID, "identity_id": identityID, "added": true})
	return nil
}

// IsMember reports whether identityID belongs to groupID.
func (s *Store) IsMember(ctx context.Context, groupID, identityID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.groups[groupID]
	if !ok {
		return false
	}
	return g.MemberIDs[identityID]
}

// RecordLogin appends a login history entry for an identity, bounding
// retention to the most recent 200 entries per identity.
func (s *Store) RecordLogin(ctx context.Context, entry models.LoginHistoryEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	hist := append(s.loginHistory[entry.IdentityID], entry)
	if len(hist) > 200 {
		hist = hist[len(hist)-200:]
	}
	s.loginHistory[entry.IdentityID] = hist
}

// GetLoginHistory returns the recorded login attempts for an identity, most
// recent last.
func (s *Store) GetLoginHistory(ctx context.Context, identityID string) []models.LoginHistoryEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	hist := s.loginHistory[identityID]
	out := make([]models.LoginHistoryEntry, len(hist))
	copy(out, hist)
	return out
}

// FindByFederationKey resolves an identity previously provisioned via SSO,
// JIT, or SCIM under the composite key "idpId:externalId".
func (s *Store) FindByFederationKey(key string) (models.Identity, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, id := range s.identities {
		if id.FederationKey == key {
			return id.Clone(), true
		}
	}
	return models.Identity{}, false
}

// CreateFederated creates a new identity keyed by a federation key, seeding
// username/email from the supplied attributes when present and fires
// identityCreated.
func (s *Store) CreateFederated(key string, attributes map[string]interface{}) (models.Identity, error) {
	now := s.clock.Now()
	s.mu.Lock()
	in := models.Identity{
		Type:          models.IdentityTypeUser,
		Status:        models.IdentityStatusActive,
		FederationKey: key,
		Attributes:    attributes,
	}
	if v, ok := attributes["username"].(string); ok {
		in.Username = v
	}
	if v, ok := attributes["email"].(string); ok {
		in.Email = v
	}
	in.ID = models.NewID()
	in.Touch(now)
	s.identities[in.ID] = in.Clone()
	out := in.Clone()
	s.mu.Unlock()

	s.fire("identityCreated", map[string]interface{}{"identity_id": out.ID, "federation_key": key})
	return out, nil
}

// MergeAttributes merges new federation attributes into an existing
// identity's attribute bag, overwriting on key collision.
func (s *Store) MergeAttributes(identityID string, attributes map[string]interface{}) (models.Identity, error) {
	now := s.clock.Now()
	s.mu.Lock()
	id, ok := s.identities[identityID]
	if !ok {
		s.mu.Unlock()
		return models.Identity{}, fmt.Errorf("merge attributes: %w", apierr.New(apierr.NotFound, "identity", identityID))
	}
	if id.Attributes == nil {
		id.Attributes = make(map[string]interface{}, len(attributes))
	}
	for k, v := range attributes {
		id.Attributes[k] = v
	}
	id.Touch(now)
	s.identities[identityID] = id
	out := id.Clone()
	s.mu.Unlock()
	return out, nil
}
