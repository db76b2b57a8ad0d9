// Package governance implements the Governance Engine: certification
// campaigns, separation-of-duties evaluation, and access-request workflow,
// adapted from the teacher's service-over-a-map pattern.
package governance

import (
	"fmt"
	"sync"

	"github.com/radek-zitek-cloud/iam-core/internal/apierr"
	"github.com/radek-zitek-cloud/iam-core/internal/models"
	"github.com/radek-zitek-cloud/iam-core/pkg/clock"
	"github.com/radek-zitek-cloud/iam-core/pkg/logger"
)

// Listener receives "campaignStarted", "campaignCompleted",
// "certificationDecisionRecorded", "sodViolationDetected",
// "accessRequestCreated", "accessRequestApproved", "accessRequestRejected",
// "accessRequestFulfilled", "accessRequestCancelled".
type Listener func(event string, payload map[string]interface{})

// PermissionResolver resolves a permission id to the set of identity ids
// that currently hold it, satisfied by internal/authz.Engine's
// GetHoldersOfPermission.
type PermissionResolver func(permissionID string) []string

// Option configures an Engine at construction.
type Option func(*Engine)

// WithPermissionResolver wires a PermissionResolver into the Engine,
// enabling EvaluateAllSoD to resolve ConflictingPermissions pairs to their
// holder sets and emit permission-type violations. Without it, permission
// conflicts are declared by policy but never evaluated, since resolving a
// permission to its holders requires the Authorization Engine.
func WithPermissionResolver(resolver PermissionResolver) Option {
	return func(e *Engine) { e.permissionResolver = resolver }
}

// Engine owns certification campaigns, SoD policies/violations/exemptions,
// and access requests behind a single lock.
type Engine struct {
	mu sync.RWMutex

	campaigns   map[string]models.CertificationCampaign
	sodPolicies map[string]models.SoDPolicy
	violations  map[string]models.SoDViolation
	exemptions  []models.SoDExemption
	requests    map[string]models.AccessRequest

	permissionResolver PermissionResolver

	clock     clock.Clock
	log       *logger.Logger
	listeners []Listener
}

// New constructs an empty Governance Engine.
func New(clk clock.Clock, log *logger.Logger, opts ...Option) *Engine {
	e := &Engine{
		campaigns:   make(map[string]models.CertificationCampaign),
		sodPolicies: make(map[string]models.SoDPolicy),
		violations:  make(map[string]models.SoDViolation),
		requests:    make(map[string]models.AccessRequest),
		clock:       clk,
		log:         log,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// OnEvent registers a listener.
func (e *Engine) OnEvent(l Listener) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners = append(e.listeners, l)
}

func (e *Engine) fire(event string, payload map[string]interface{}) {
	for _, l := range e.listeners {
		func() {
			defer e.log.ListenerPanic(event)
			l(event, payload)
		}()
	}
}

// --- Certification campaigns ---

// CreateCampaign registers a campaign in draft status.
func (e *Engine) CreateCampaign(c models.CertificationCampaign) models.CertificationCampaign {
	now := e.clock.Now()
	e.mu.Lock()
	defer e.mu.Unlock()
	c.ID = models.NewID()
	c.Status = models.CampaignDraft
	c.Touch(now)
	e.campaigns[c.ID] = c.Clone()
	return c.Clone()
}

// GetCampaign returns a copy of a campaign.
func (e *Engine) GetCampaign(id string) (models.CertificationCampaign, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	c, ok := e.campaigns[id]
	if !ok {
		return models.CertificationCampaign{}, fmt.Errorf("get campaign: %w", apierr.New(apierr.NotFound, "campaign", id))
	}
	return c.Clone(), nil
}

// ListCampaigns returns every campaign.
func (e *Engine) ListCampaigns() []models.CertificationCampaign {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]models.CertificationCampaign, 0, len(e.campaigns))
	for _, c := range e.campaigns {
		out = append(out, c.Clone())
	}
	return out
}

// StartCampaign transitions a campaign from draft to active.
func (e *Engine) StartCampaign(id string) error {
	now := e.clock.Now()
	e.mu.Lock()
	c, ok := e.campaigns[id]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("start campaign: %w", apierr.New(apierr.NotFound, "campaign", id))
	}
	if c.Status != models.CampaignDraft {
		e.mu.Unlock()
		return fmt.Errorf("start campaign: %w", apierr.New(apierr.StateConflict, "campaign", "campaign is not in draft status"))
	}
	c.Status = models.CampaignActive
	c.Touch(now)
	e.campaigns[id] = c
	e.mu.Unlock()

	e.fire("campaignStarted", map[string]interface{}{"campaign_id": id})
	return nil
}

// RecordDecision appends a certification decision to an active campaign and
// recomputes its counters.
func (e *Engine) RecordDecision(campaignID string, d models.CertificationDecision) error {
	now := e.clock.Now()
	d.DecidedAt = now
	e.mu.Lock()
	c, ok := e.campaigns[campaignID]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("record decision: %w", apierr.New(apierr.NotFound, "campaign", campaignID))
	}
	if c.Status != models.CampaignActive {
		e.mu.Unlock()
		return fmt.Errorf("record decision: %w", apierr.New(apierr.StateConflict, "campaign", "campaign is not active"))
	}
	c.Decisions = append(c.Decisions, d)
	recomputeCounts(&c)
	c.Touch(now)
	e.campaigns[campaignID] = c
	e.mu.Unlock()

	e.fire("certificationDecisionRecorded", map[string]interface{}{"campaign_id": campaignID, "item_id": d.ItemID, "decision": string(d.Decision)})
	return nil
}

// CompleteCampaign transitions an active campaign to completed, recomputing
// final counts from its recorded decisions.
func (e *Engine) CompleteCampaign(id string) error {
	now := e.clock.Now()
	e.mu.Lock()
	c, ok := e.campaigns[id]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("complete campaign: %w", apierr.New(apierr.NotFound, "campaign", id))
	}
	if c.Status != models.CampaignActive {
		e.mu.Unlock()
		return fmt.Errorf("complete campaign: %w", apierr.New(apierr.StateConflict, "campaign", "campaign is not active"))
	}
	recomputeCounts(&c)
	c.Status = models.CampaignCompleted
	c.Touch(now)
	e.campaigns[id] = c
	e.mu.Unlock()

	e.fire("campaignCompleted", map[string]interface{}{"campaign_id": id})
	return nil
}

func recomputeCounts(c *models.CertificationCampaign) {
	certified, revoked := 0, 0
	for _, d := range c.Decisions {
		switch d.Decision {
		case models.DecisionCertify:
			certified++
		case models.DecisionRevoke:
			revoked++
		}
	}
	c.CertifiedCount = certified
	c.RevokedCount = revoked
	if c.TotalItems > 0 {
		c.CompletionPercent = float64(certified+revoked) / float64(c.TotalItems) * 100
	}
}

// --- Separation of duties ---

// CreateSoDPolicy registers an SoD policy.
func (e *Engine) CreateSoDPolicy(p models.SoDPolicy) models.SoDPolicy {
	now := e.clock.Now()
	e.mu.Lock()
	defer e.mu.Unlock()
	p.ID = models.NewID()
	p.Touch(now)
	e.sodPolicies[p.ID] = p.Clone()
	return p.Clone()
}

// ListSoDPolicies returns every registered SoD policy.
func (e *Engine) ListSoDPolicies() []models.SoDPolicy {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]models.SoDPolicy, 0, len(e.sodPolicies))
	for _, p := range e.sodPolicies {
		out = append(out, p.Clone())
	}
	return out
}

// AddExemption registers an SoD exemption for an identity+policy pair.
func (e *Engine) AddExemption(ex models.SoDExemption) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.exemptions = append(e.exemptions, ex)
}

func (e *Engine) isExemptAtLocked(identityID, policyID string) bool {
	now := e.clock.Now()
	for _, ex := range e.exemptions {
		if ex.IdentityID == identityID && ex.PolicyID == policyID && ex.IsActive(now) {
			return true
		}
	}
	return false
}

// EvaluateSoD checks a proposed role assignment against every enabled SoD
// policy's conflicting-role pairs: for each pair where the proposed role
// appears and the identity already holds the other side, and the identity
// is not exempt, a violation is recorded and returned.
func (e *Engine) EvaluateSoD(identityID, proposedRole string, currentRoles map[string]bool) []models.SoDViolation {
	now := e.clock.Now()
	e.mu.Lock()
	var created []models.SoDViolation
	for _, p := range e.sodPolicies {
		if !p.Enabled {
			continue
		}
		if e.isExemptAtLocked(identityID, p.ID) {
			continue
		}
		for _, pair := range p.ConflictingRoles {
			var other string
			switch proposedRole {
			case pair.RoleA:
				other = pair.RoleB
			case pair.RoleB:
				other = pair.RoleA
			default:
				continue
			}
			if currentRoles[other] {
				v := models.SoDViolation{
					PolicyID:        p.ID,
					IdentityID:      identityID,
					ConflictType:    "role",
					ConflictDetails: fmt.Sprintf("identity holds %q which conflicts with proposed role %q", other, proposedRole),
					Severity:        p.Severity,
					Status:          models.ViolationDetected,
				}
				v.ID = models.NewID()
				v.Touch(now)
				e.violations[v.ID] = v
				created = append(created, v)
			}
		}
	}
	e.mu.Unlock()

	for _, v := range created {
		e.fire("sodViolationDetected", map[string]interface{}{"violation_id": v.ID, "identity_id": identityID, "policy_id": v.PolicyID})
	}
	return created
}

// EvaluateAllSoD checks every conflicting-role pair already held by an
// identity's current role set, reporting role conflicts. Permission
// conflicts are declared by policy and are evaluated too, but only when a
// PermissionResolver was wired via WithPermissionResolver at construction;
// resolving a permission to its holder set requires the Authorization
// Engine, which this subsystem does not depend on directly.
func (e *Engine) EvaluateAllSoD(identityID string, currentRoles map[string]bool) []models.SoDViolation {
	now := e.clock.Now()

	e.mu.Lock()
	var created []models.SoDViolation
	var pendingPermChecks []struct {
		policy models.SoDPolicy
		pair   models.PermissionPair
	}
	for _, p := range e.sodPolicies {
		if !p.Enabled {
			continue
		}
		if e.isExemptAtLocked(identityID, p.ID) {
			continue
		}
		for _, pair := range p.ConflictingRoles {
			if currentRoles[pair.RoleA] && currentRoles[pair.RoleB] {
				v := models.SoDViolation{
					PolicyID:        p.ID,
					IdentityID:      identityID,
					ConflictType:    "role",
					ConflictDetails: fmt.Sprintf("identity holds both %q and %q", pair.RoleA, pair.RoleB),
					Severity:        p.Severity,
					Status:          models.ViolationDetected,
				}
				v.ID = models.NewID()
				v.Touch(now)
				e.violations[v.ID] = v
				created = append(created, v)
			}
		}
		if e.permissionResolver == nil {
			continue
		}
		for _, pair := range p.ConflictingPermissions {
			pendingPermChecks = append(pendingPermChecks, struct {
				policy models.SoDPolicy
				pair   models.PermissionPair
			}{p, pair})
		}
	}
	resolver := e.permissionResolver
	e.mu.Unlock()

	// Permission holders are resolved via the Authorization Engine outside
	// e.mu: a subsystem must never hold its own lock while calling into a
	// collaborator.
	if resolver != nil {
		for _, check := range pendingPermChecks {
			if !containsID(resolver(check.pair.PermissionA), identityID) {
				continue
			}
			if !containsID(resolver(check.pair.PermissionB), identityID) {
				continue
			}
			v := models.SoDViolation{
				PolicyID:        check.policy.ID,
				IdentityID:      identityID,
				ConflictType:    "permission",
				ConflictDetails: fmt.Sprintf("identity holds both %q and %q", check.pair.PermissionA, check.pair.PermissionB),
				Severity:        check.policy.Severity,
				Status:          models.ViolationDetected,
			}
			v.ID = models.NewID()
			v.Touch(now)

			e.mu.Lock()
			e.violations[v.ID] = v
			e.mu.Unlock()
			created = append(created, v)
		}
	}

	for _, v := range created {
		e.fire("sodViolationDetected", map[string]interface{}{"violation_id": v.ID, "identity_id": identityID, "policy_id": v.PolicyID})
	}
	return created
}

func containsID(ids []string, id string) bool {
	for _, x := range ids {
		if x == id {
			return true
		}
	}
	return false
}

// ListViolations returns every recorded SoD violation.
func (e *Engine) ListViolations() []models.SoDViolation {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]models.SoDViolation, 0, len(e.violations))
	for _, v := range e.violations {
		out = append(out, v)
	}
	return out
}

// --- Access requests ---

// CreateAccessRequest opens a pending access request.
func (e *Engine) CreateAccessRequest(r models.AccessRequest) models.AccessRequest {
	now := e.clock.Now()
	e.mu.Lock()
	r.ID = models.NewID()
	r.Status = models.RequestPending
	r.Touch(now)
	e.requests[r.ID] = r.Clone()
	out := r.Clone()
	e.mu.Unlock()

	e.fire("accessRequestCreated", map[string]interface{}{"request_id": out.ID, "beneficiary_id": out.BeneficiaryID})
	return out
}

// GetAccessRequest returns a copy of a request.
func (e *Engine) GetAccessRequest(id string) (models.AccessRequest, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	r, ok := e.requests[id]
	if !ok {
		return models.AccessRequest{}, fmt.Errorf("get access request: %w", apierr.New(apierr.NotFound, "access_request", id))
	}
	return r.Clone(), nil
}

func (e *Engine) transition(id string, from models.AccessRequestStatus, to models.AccessRequestStatus, event string, mutate func(*models.AccessRequest)) error {
	now := e.clock.Now()
	e.mu.Lock()
	r, ok := e.requests[id]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("%s: %w", event, apierr.New(apierr.NotFound, "access_request", id))
	}
	if r.Status != from {
		e.mu.Unlock()
		return fmt.Errorf("%s: %w", event, apierr.New(apierr.StateConflict, "access_request", "request is not in the expected status"))
	}
	if mutate != nil {
		mutate(&r)
	}
	r.Status = to
	r.Touch(now)
	e.requests[id] = r
	e.mu.Unlock()

	e.fire(event, map[string]interface{}{"request_id": id})
	return nil
}

// ApproveAccessRequest records an approval, transitioning pending to
// approved.
func (e *Engine) ApproveAccessRequest(id, approverID, comment string) error {
	now := e.clock.Now()
	return e.transition(id, models.RequestPending, models.RequestApproved, "accessRequestApproved", func(r *models.AccessRequest) {
		r.Approvals = append(r.Approvals, models.AccessApproval{ApproverID: approverID, Approved: true, Level: len(r.Approvals) + 1, Comment: comment, At: now})
	})
}

// RejectAccessRequest records a rejection, transitioning pending to
// rejected.
func (e *Engine) RejectAccessRequest(id, approverID, comment string) error {
	now := e.clock.Now()
	return e.transition(id, models.RequestPending, models.RequestRejected, "accessRequestRejected", func(r *models.AccessRequest) {
		r.Approvals = append(r.Approvals, models.AccessApproval{ApproverID: approverID, Approved: false, Level: len(r.Approvals) + 1, Comment: comment, At: now})
	})
}

// FulfillAccessRequest transitions an approved request to fulfilled.
func (e *Engine) FulfillAccessRequest(id string) error {
	return e.transition(id, models.RequestApproved, models.RequestFulfilled, "accessRequestFulfilled", nil)
}

// CancelAccessRequest transitions a pending request to cancelled.
func (e *Engine) CancelAccessRequest(id string) error {
	return e.transition(id, models.RequestPending, models.RequestCancelled, "accessRequestCancelled", nil)
}

// ListAccessRequests returns every access request.
func (e *Engine) ListAccessRequests() []models.AccessRequest {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]models.AccessRequest, 0, len(e.requests))
	for _, r := range e.requests {
		out = append(out, r.Clone())
	}
	return out
}
