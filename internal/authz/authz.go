// Package authz implements the Authorization Engine: roles, RBAC
// permissions, ABAC conditions, PBAC policies, role inheritance, a
// TTL-bounded decision cache, and deny-overrides combining, adapted from the
// teacher's service-over-a-map pattern with the cache's invalidation held
// under the same lock as every mutation that must clear it.
package authz

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/radek-zitek-cloud/iam-core/internal/apierr"
	"github.com/radek-zitek-cloud/iam-core/internal/models"
	"github.com/radek-zitek-cloud/iam-core/internal/valuebag"
	"github.com/radek-zitek-cloud/iam-core/pkg/clock"
	"github.com/radek-zitek-cloud/iam-core/pkg/logger"
)

// DefaultCacheTTL is the decision cache's time-to-live.
const DefaultCacheTTL = 60 * time.Second

// Listener receives "roleCreated", "roleDeleted", "roleAssigned",
// "roleRevoked", "policyCreated", "accessGranted", "accessDenied".
type Listener func(event string, payload map[string]interface{})

type cacheEntry struct {
	decision models.AuthorizationDecision
	expires  time.Time
}

// Engine owns roles, policies, assignments, and the decision cache behind a
// single lock, per the concurrency model's "cache shares the mutation lock"
// requirement.
type Engine struct {
	mu sync.RWMutex

	roles       map[string]models.Role
	policies    map[string]models.AccessPolicy
	assignments map[string]models.RoleAssignment // keyed by assignment id
	cache       map[string]cacheEntry
	cacheTTL    time.Duration

	clock     clock.Clock
	log       *logger.Logger
	listeners []Listener
}

// New constructs an Authorization Engine.
func New(cacheTTL time.Duration, clk clock.Clock, log *logger.Logger) *Engine {
	if cacheTTL <= 0 {
		cacheTTL = DefaultCacheTTL
	}
	return &Engine{
		roles:       make(map[string]models.Role),
		policies:    make(map[string]models.AccessPolicy),
		assignments: make(map[string]models.RoleAssignment),
		cache:       make(map[string]cacheEntry),
		cacheTTL:    cacheTTL,
		clock:       clk,
		log:         log,
	}
}

// OnEvent registers a listener.
func (e *Engine) OnEvent(l Listener) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners = append(e.listeners, l)
}

// invalidateCacheLocked clears the decision cache. Callers must hold e.mu.
func (e *Engine) invalidateCacheLocked() {
	e.cache = make(map[string]cacheEntry)
}

// --- Role CRUD ---

// CreateRole creates a role after checking that it has a name. InheritsFrom
// is stored as given and not checked for cycles here; cycle protection lives
// in the traversal helpers, which are visited-set guarded.
func (e *Engine) CreateRole(r models.Role) (models.Role, error) {
	if r.Name == "" {
		return models.Role{}, fmt.Errorf("create role: %w", apierr.New(apierr.InvalidInput, "role", "name is required"))
	}
	now := e.clock.Now()
	e.mu.Lock()
	r.ID = models.NewID()
	r.Touch(now)
	e.roles[r.ID] = r.Clone()
	e.invalidateCacheLocked()
	out := r.Clone()
	e.mu.Unlock()

	e.fire("roleCreated", map[string]interface{}{"role_id": out.ID})
	return out, nil
}

// fire invokes every registered listener. Callers must NOT hold e.mu:
// listeners may belong to cross-subsystem collaborators (e.g. the
// Orchestrator's Monitoring counter), and the concurrency model forbids
// holding a subsystem's own lock while invoking another subsystem.
func (e *Engine) fire(event string, payload map[string]interface{}) {
	for _, l := range e.listeners {
		func() {
			defer e.log.ListenerPanic(event)
			l(event, payload)
		}()
	}
}

// UpdateRole replaces a role's mutable fields and invalidates the cache.
func (e *Engine) UpdateRole(id string, mutate func(*models.Role)) (models.Role, error) {
	now := e.clock.Now()
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.roles[id]
	if !ok {
		return models.Role{}, fmt.Errorf("update role: %w", apierr.New(apierr.NotFound, "role", id))
	}
	mutate(&r)
	r.Touch(now)
	e.roles[id] = r.Clone()
	e.invalidateCacheLocked()
	return r.Clone(), nil
}

// DeleteRole removes a role and invalidates the cache.
func (e *Engine) DeleteRole(id string) error {
	e.mu.Lock()
	if _, ok := e.roles[id]; !ok {
		e.mu.Unlock()
		return fmt.Errorf("delete role: %w", apierr.New(apierr.NotFound, "role", id))
	}
	delete(e.roles, id)
	e.invalidateCacheLocked()
	e.mu.Unlock()

	e.fire("roleDeleted", map[string]interface{}{"role_id": id})
	return nil
}

// ListRoles returns defensive copies of every role.
func (e *Engine) ListRoles() []models.Role {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]models.Role, 0, len(e.roles))
	for _, r := range e.roles {
		out = append(out, r.Clone())
	}
	return out
}

// GetRole returns a copy of a role.
func (e *Engine) GetRole(id string) (models.Role, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	r, ok := e.roles[id]
	if !ok {
		return models.Role{}, fmt.Errorf("get role: %w", apierr.New(apierr.NotFound, "role", id))
	}
	return r.Clone(), nil
}

// --- Policy CRUD ---

// CreatePolicy registers an AccessPolicy and invalidates the cache.
func (e *Engine) CreatePolicy(p models.AccessPolicy) (models.AccessPolicy, error) {
	now := e.clock.Now()
	e.mu.Lock()
	p.ID = models.NewID()
	p.Touch(now)
	e.policies[p.ID] = p.Clone()
	e.invalidateCacheLocked()
	out := p.Clone()
	e.mu.Unlock()

	e.fire("policyCreated", map[string]interface{}{"policy_id": out.ID})
	return out, nil
}

// UpdatePolicy mutates a policy in place and invalidates the cache.
func (e *Engine) UpdatePolicy(id string, mutate func(*models.AccessPolicy)) (models.AccessPolicy, error) {
	now := e.clock.Now()
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.policies[id]
	if !ok {
		return models.AccessPolicy{}, fmt.Errorf("update policy: %w", apierr.New(apierr.NotFound, "policy", id))
	}
	mutate(&p)
	p.Touch(now)
	e.policies[id] = p.Clone()
	e.invalidateCacheLocked()
	return p.Clone(), nil
}

// DeletePolicy removes a policy and invalidates the cache.
func (e *Engine) DeletePolicy(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.policies[id]; !ok {
		return fmt.Errorf("delete policy: %w", apierr.New(apierr.NotFound, "policy", id))
	}
	delete(e.policies, id)
	e.invalidateCacheLocked()
	return nil
}

// ListPolicies returns defensive copies of every policy.
func (e *Engine) ListPolicies() []models.AccessPolicy {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]models.AccessPolicy, 0, len(e.policies))
	for _, p := range e.policies {
		out = append(out, p.Clone())
	}
	return out
}

// --- Role assignment ---

// AssignRole validates role constraints then assigns roleID to identityID.
func (e *Engine) AssignRole(identityID, roleID, scope string, expiresAt *time.Time, grantedBy string) (models.RoleAssignment, error) {
	now := e.clock.Now()
	e.mu.Lock()

	role, ok := e.roles[roleID]
	if !ok {
		e.mu.Unlock()
		return models.RoleAssignment{}, fmt.Errorf("assign role: %w", apierr.New(apierr.NotFound, "role", roleID))
	}

	heldRoles, identityCount := e.activeRolesForIdentityLocked(identityID, now)
	if role.MaxAssignees > 0 {
		count := 0
		for _, a := range e.assignments {
			if a.RoleID == roleID && a.Status == models.AssignmentActive && !a.IsExpired(now) {
				count++
			}
		}
		if count >= role.MaxAssignees {
			e.mu.Unlock()
			return models.RoleAssignment{}, fmt.Errorf("assign role: %w", apierr.Violates("role_assignment", "cardinality", "role has reached its maximum assignee count"))
		}
	}

	for _, c := range role.Constraints {
		switch c.Type {
		case models.ConstraintMutualExclusion:
			for _, other := range c.RoleIDs {
				if heldRoles[other] {
					e.mu.Unlock()
					return models.RoleAssignment{}, fmt.Errorf("assign role: %w", apierr.Violates("role_assignment", "mutual-exclusion", "identity already holds a mutually exclusive role"))
				}
			}
		case models.ConstraintPrerequisite:
			for _, other := range c.RoleIDs {
				if !heldRoles[other] {
					e.mu.Unlock()
					return models.RoleAssignment{}, fmt.Errorf("assign role: %w", apierr.Violates("role_assignment", "prerequisite", "identity does not hold the prerequisite role"))
				}
			}
		case models.ConstraintTemporal:
			if !c.WindowStart.IsZero() && now.Before(c.WindowStart) {
				e.mu.Unlock()
				return models.RoleAssignment{}, fmt.Errorf("assign role: %w", apierr.Violates("role_assignment", "temporal", "assignment window has not started"))
			}
			if !c.WindowEnd.IsZero() && now.After(c.WindowEnd) {
				e.mu.Unlock()
				return models.RoleAssignment{}, fmt.Errorf("assign role: %w", apierr.Violates("role_assignment", "temporal", "assignment window has ended"))
			}
		case models.ConstraintCardinality:
			if c.MaxPerIdentity > 0 && identityCount+1 > c.MaxPerIdentity {
				e.mu.Unlock()
				return models.RoleAssignment{}, fmt.Errorf("assign role: %w", apierr.Violates("role_assignment", "cardinality", "identity has reached its maximum role count"))
			}
		}
	}

	a := models.RoleAssignment{
		IdentityID: identityID,
		RoleID:     roleID,
		Scope:      scope,
		ExpiresAt:  expiresAt,
		Status:     models.AssignmentActive,
		GrantedBy:  grantedBy,
		GrantedAt:  now,
	}
	a.ID = models.NewID()
	a.Touch(now)
	e.assignments[a.ID] = a.Clone()
	e.invalidateCacheLocked()
	out := a.Clone()
	e.mu.Unlock()

	e.fire("roleAssigned", map[string]interface{}{"identity_id": identityID, "role_id": roleID})
	return out, nil
}

// activeRolesForIdentityLocked returns the set of directly-held, active,
// non-expired role ids for an identity and the count of such assignments.
// Callers must hold e.mu.
func (e *Engine) activeRolesForIdentityLocked(identityID string, now time.Time) (map[string]bool, int) {
	roles := make(map[string]bool)
	count := 0
	for id, a := range e.assignments {
		if a.IdentityID != identityID {
			continue
		}
		if a.Status == models.AssignmentActive && a.IsExpired(now) {
			a.Status = models.AssignmentExpired
			e.assignments[id] = a
			continue
		}
		if a.Status == models.AssignmentActive {
			roles[a.RoleID] = true
			count++
		}
	}
	return roles, count
}

// RevokeRole revokes an active role assignment by id.
func (e *Engine) RevokeRole(assignmentID string) error {
	e.mu.Lock()
	a, ok := e.assignments[assignmentID]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("revoke role: %w", apierr.New(apierr.NotFound, "role_assignment", assignmentID))
	}
	a.Status = models.AssignmentRevoked
	e.assignments[assignmentID] = a
	e.invalidateCacheLocked()
	e.mu.Unlock()

	e.fire("roleRevoked", map[string]interface{}{"assignment_id": assignmentID, "identity_id": a.IdentityID, "role_id": a.RoleID})
	return nil
}

// IsRoleAssigned reports whether identityID currently holds roleID directly.
func (e *Engine) IsRoleAssigned(identityID, roleID string) bool {
	now := e.clock.Now()
	e.mu.Lock()
	defer e.mu.Unlock()
	roles, _ := e.activeRolesForIdentityLocked(identityID, now)
	return roles[roleID]
}

// GetRolesByIdentity returns the direct role assignments for an identity.
func (e *Engine) GetRolesByIdentity(identityID string) []models.RoleAssignment {
	now := e.clock.Now()
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []models.RoleAssignment
	for id, a := range e.assignments {
		if a.IdentityID != identityID {
			continue
		}
		if a.Status == models.AssignmentActive && a.IsExpired(now) {
			a.Status = models.AssignmentExpired
			e.assignments[id] = a
		}
		out = append(out, a.Clone())
	}
	return out
}

// effectiveRolesLocked computes the transitive closure over InheritsFrom for
// a set of directly-held role ids, visited-set guarded against cycles.
// Callers must hold e.mu (read or write).
func (e *Engine) effectiveRolesLocked(direct map[string]bool) map[string]bool {
	visited := make(map[string]bool)
	var walk func(id string)
	walk = func(id string) {
		if visited[id] {
			return
		}
		visited[id] = true
		role, ok := e.roles[id]
		if !ok {
			return
		}
		for _, parent := range role.InheritsFrom {
			walk(parent)
		}
	}
	for id := range direct {
		walk(id)
	}
	return visited
}

// GetEffectivePermissions returns every permission reachable through an
// identity's direct and inherited roles.
func (e *Engine) GetEffectivePermissions(identityID string) []models.Permission {
	now := e.clock.Now()
	e.mu.Lock()
	direct, _ := e.activeRolesForIdentityLocked(identityID, now)
	effective := e.effectiveRolesLocked(direct)
	var out []models.Permission
	for id := range effective {
		if role, ok := e.roles[id]; ok {
			for _, p := range role.Permissions {
				out = append(out, p.Clone())
			}
		}
	}
	e.mu.Unlock()
	return out
}

// GetHoldersOfPermission returns every identity whose effective permission
// set (direct and inherited roles) includes a permission with the given id.
// Used by the Governance Engine's permission-conflict SoD checks, which need
// to resolve a permission id to its holder set without depending on this
// package directly.
func (e *Engine) GetHoldersOfPermission(permissionID string) []string {
	e.mu.RLock()
	identityIDs := make(map[string]bool)
	for _, a := range e.assignments {
		identityIDs[a.IdentityID] = true
	}
	e.mu.RUnlock()

	var holders []string
	for identityID := range identityIDs {
		for _, p := range e.GetEffectivePermissions(identityID) {
			if p.ID == permissionID {
				holders = append(holders, identityID)
				break
			}
		}
	}
	return holders
}

// GetInheritedRoles returns the ids of every role reachable from roleID's
// InheritsFrom chain (not including roleID itself).
func (e *Engine) GetInheritedRoles(roleID string) []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	visited := map[string]bool{roleID: true}
	var out []string
	var walk func(id string)
	walk = func(id string) {
		role, ok := e.roles[id]
		if !ok {
			return
		}
		for _, parent := range role.InheritsFrom {
			if visited[parent] {
				continue
			}
			visited[parent] = true
			out = append(out, parent)
			walk(parent)
		}
	}
	walk(roleID)
	return out
}

// GetRoleHierarchy returns the subtree of roles that inherit (directly or
// transitively) from roleID, cycle-guarded via a visited set.
func (e *Engine) GetRoleHierarchy(roleID string) models.RoleHierarchyNode {
	e.mu.RLock()
	defer e.mu.RUnlock()
	visited := make(map[string]bool)
	var build func(id string) models.RoleHierarchyNode
	build = func(id string) models.RoleHierarchyNode {
		node := models.RoleHierarchyNode{RoleID: id}
		if visited[id] {
			return node
		}
		visited[id] = true
		for childID, role := range e.roles {
			for _, parent := range role.InheritsFrom {
				if parent == id {
					node.Children = append(node.Children, build(childID))
				}
			}
		}
		return node
	}
	return build(roleID)
}

// --- Condition evaluation ---

func resolveSource(source models.ConditionSource, subject, resource, environment, ctxData valuebag.Bag) valuebag.Bag {
	switch source {
	case models.SourceSubject:
		return subject
	case models.SourceResource:
		return resource
	case models.SourceEnvironment:
		return environment
	case models.SourceContext:
		return ctxData
	default:
		return nil
	}
}

// EvaluateCondition evaluates a single PermissionCondition against the
// shaped context {subject, resource, environment, context}.
func (e *Engine) EvaluateCondition(c models.PermissionCondition, subject, resource, environment, ctxData valuebag.Bag) bool {
	bag := resolveSource(c.Source, subject, resource, environment, ctxData)
	if bag == nil {
		return c.Operator == models.OpExists && false
	}
	val, ok := bag.Get(c.Field)
	if c.Operator == models.OpExists {
		return ok
	}
	if !ok {
		return false
	}
	target := valuebag.Of(c.Value)
	switch c.Operator {
	case models.OpEquals:
		return val.Equal(target)
	case models.OpNotEquals:
		return !val.Equal(target)
	case models.OpContains:
		return val.Contains(target)
	case models.OpIn:
		if list, ok := target.AsList(); ok {
			for _, v := range list {
				if val.Equal(v) {
					return true
				}
			}
			return false
		}
		return false
	case models.OpGreaterThan:
		a, ok1 := val.AsNumber()
		b, ok2 := target.AsNumber()
		return ok1 && ok2 && a > b
	case models.OpLessThan:
		a, ok1 := val.AsNumber()
		b, ok2 := target.AsNumber()
		return ok1 && ok2 && a < b
	case models.OpBetween:
		a, ok1 := val.AsNumber()
		lo, ok2 := target.AsNumber()
		hi, ok3 := valuebag.Of(c.Value2).AsNumber()
		return ok1 && ok2 && ok3 && a >= lo && a <= hi
	case models.OpMatches:
		re, err := regexp.Compile(target.AsString())
		if err != nil {
			return false
		}
		return re.MatchString(val.AsString())
	default:
		return false
	}
}

// EvaluateConditions combines a set of conditions with AND.
func (e *Engine) EvaluateConditions(conds []models.PermissionCondition, subject, resource, environment, ctxData valuebag.Bag) bool {
	for _, c := range conds {
		if !e.EvaluateCondition(c, subject, resource, environment, ctxData) {
			return false
		}
	}
	return true
}

// --- Resource/action matching ---

// matchResource implements the permission resource-pattern scheme: exact,
// "*", or prefix wildcards ("users:*", "documents/*").
func matchResource(pattern, resource string) bool {
	if pattern == "*" || pattern == resource {
		return true
	}
	if strings.HasSuffix(pattern, "*") {
		prefix := strings.TrimSuffix(pattern, "*")
		return strings.HasPrefix(resource, prefix)
	}
	return false
}

func matchAction(actions []string, action string) bool {
	for _, a := range actions {
		if a == "*" || a == action {
			return true
		}
	}
	return false
}

func matchSubjectSelector(sel models.SubjectSelector, req models.AuthorizationRequest, isRoleHolder func(roleID string) bool) bool {
	switch sel.Type {
	case models.SubjectAny:
		return true
	case models.SubjectUser, models.SubjectService:
		return sel.Identifier == req.SubjectID
	case models.SubjectRole:
		return isRoleHolder(sel.Identifier)
	case models.SubjectGroup:
		return sel.Identifier == req.SubjectID // group membership resolved externally via context
	default:
		return false
	}
}

func matchResourceSelectors(sels []models.ResourceSelector, req models.AuthorizationRequest) bool {
	if len(sels) == 0 {
		return true
	}
	for _, s := range sels {
		if matchResource(s.Identifier, req.Resource) && (s.Type == "" || s.Type == req.ResourceType) {
			return true
		}
	}
	return false
}

// --- Authorize ---

func cacheKey(req models.AuthorizationRequest) string {
	var sb strings.Builder
	sb.WriteString(req.SubjectID)
	sb.WriteByte('|')
	sb.WriteString(req.SubjectType)
	sb.WriteByte('|')
	sb.WriteString(req.Resource)
	sb.WriteByte('|')
	sb.WriteString(req.ResourceType)
	sb.WriteByte('|')
	sb.WriteString(req.Action)
	sb.WriteByte('|')
	sb.WriteString(serializeMap(req.Environment))
	sb.WriteByte('|')
	sb.WriteString(serializeMap(req.Context))
	return sb.String()
}

func serializeMap(m map[string]interface{}) string {
	if len(m) == 0 {
		return ""
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var sb strings.Builder
	for _, k := range keys {
		sb.WriteString(k)
		sb.WriteByte('=')
		sb.WriteString(fmt.Sprintf("%v", m[k]))
		sb.WriteByte(';')
	}
	return sb.String()
}

// Authorize evaluates an authorization request per the deterministic
// algorithm: cache lookup, role resolution, RBAC+ABAC, PBAC, deny-overrides
// combining, cache store, and event firing.
func (e *Engine) Authorize(req models.AuthorizationRequest) models.AuthorizationDecision {
	start := e.clock.Now()
	key := cacheKey(req)

	e.mu.Lock()
	if entry, ok := e.cache[key]; ok && start.Before(entry.expires) {
		d := entry.decision.Clone()
		d.Cached = true
		e.mu.Unlock()
		return d
	}

	subjectBag := valuebag.Bag{"id": valuebag.String(req.SubjectID), "type": valuebag.String(req.SubjectType)}
	resourceBag := valuebag.Bag{"id": valuebag.String(req.Resource), "type": valuebag.String(req.ResourceType)}
	environmentBag := toBag(req.Environment)
	contextBag := toBag(req.Context)

	direct, _ := e.activeRolesForIdentityLocked(req.SubjectID, start)
	effective := e.effectiveRolesLocked(direct)

	var matchedRoles, matchedPermissions, matchedPolicies []string
	var sawAllow, sawDeny bool
	obligations := make(map[string]string)

	for roleID := range effective {
		role, ok := e.roles[roleID]
		if !ok {
			continue
		}
		for _, p := range role.Permissions {
			if !matchResource(p.Resource, req.Resource) || !matchAction(p.Actions, req.Action) {
				continue
			}
			if len(p.Conditions) > 0 && !e.EvaluateConditions(p.Conditions, subjectBag, resourceBag, environmentBag, contextBag) {
				continue
			}
			matchedRoles = append(matchedRoles, roleID)
			if p.ID != "" {
				matchedPermissions = append(matchedPermissions, p.ID)
			}
			if p.Effect == models.EffectDeny {
				sawDeny = true
			} else {
				sawAllow = true
			}
		}
	}

	isRoleHolder := func(roleID string) bool { return effective[roleID] }

	policies := make([]models.AccessPolicy, 0, len(e.policies))
	for _, p := range e.policies {
		if p.Enabled {
			policies = append(policies, p)
		}
	}
	sort.Slice(policies, func(i, j int) bool { return policies[i].Priority > policies[j].Priority })

	for _, p := range policies {
		matchedSubject := false
		for _, sel := range p.Subjects {
			if matchSubjectSelector(sel, req, isRoleHolder) {
				matchedSubject = true
				break
			}
		}
		if !matchedSubject || !matchResourceSelectors(p.Resources, req) || !matchAction(p.Actions, req.Action) {
			continue
		}
		if len(p.Conditions) > 0 && !e.EvaluateConditions(p.Conditions, subjectBag, resourceBag, environmentBag, contextBag) {
			continue
		}
		matchedPolicies = append(matchedPolicies, p.ID)
		if p.Effect == models.EffectDeny {
			sawDeny = true
		} else {
			sawAllow = true
		}
		for k, v := range p.Obligations {
			obligations[k] = v
		}
	}

	var effect models.Effect
	allowed := false
	switch {
	case sawDeny:
		effect = models.EffectDeny
	case sawAllow:
		effect = models.EffectAllow
		allowed = true
	default:
		effect = models.EffectDeny
	}

	now := e.clock.Now()
	decision := models.AuthorizationDecision{
		Allowed:            allowed,
		Effect:             effect,
		MatchedPolicies:    matchedPolicies,
		MatchedRoles:       matchedRoles,
		MatchedPermissions: matchedPermissions,
		EvaluatedAt:        now,
		EvaluationTimeMs:   float64(now.Sub(start).Microseconds()) / 1000.0,
		Cached:             false,
	}
	if len(obligations) > 0 {
		decision.Obligations = obligations
	}

	e.cache[key] = cacheEntry{decision: decision.Clone(), expires: now.Add(e.cacheTTL)}
	out := decision.Clone()
	e.mu.Unlock()

	if allowed {
		e.fire("accessGranted", map[string]interface{}{"subject_id": req.SubjectID, "resource": req.Resource, "action": req.Action})
	} else {
		e.fire("accessDenied", map[string]interface{}{"subject_id": req.SubjectID, "resource": req.Resource, "action": req.Action})
	}

	return out
}

// BatchAuthorize evaluates multiple requests, preserving order.
func (e *Engine) BatchAuthorize(reqs []models.AuthorizationRequest) []models.AuthorizationDecision {
	out := make([]models.AuthorizationDecision, len(reqs))
	for i, r := range reqs {
		out[i] = e.Authorize(r)
	}
	return out
}

func toBag(m map[string]interface{}) valuebag.Bag {
	if m == nil {
		return valuebag.Bag{}
	}
	b := make(valuebag.Bag, len(m))
	for k, v := range m {
		b[k] = valuebag.Of(v)
	}
	return b
}
