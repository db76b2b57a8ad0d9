package models

import "time"

// Effect is the outcome a permission or policy contributes to a decision.
type Effect string

const (
	EffectAllow Effect = "allow"
	EffectDeny  Effect = "deny"
)

// ConditionSource names which part of the evaluation context a
// PermissionCondition reads from.
type ConditionSource string

const (
	SourceSubject     ConditionSource = "subject"
	SourceResource    ConditionSource = "resource"
	SourceEnvironment ConditionSource = "environment"
	SourceContext     ConditionSource = "context"
)

// ConditionOperator enumerates the comparison operators a PermissionCondition
// may use.
type ConditionOperator string

const (
	OpEquals      ConditionOperator = "equals"
	OpNotEquals   ConditionOperator = "notEquals"
	OpContains    ConditionOperator = "contains"
	OpIn          ConditionOperator = "in"
	OpGreaterThan ConditionOperator = "greaterThan"
	OpLessThan    ConditionOperator = "lessThan"
	OpBetween     ConditionOperator = "between"
	OpMatches     ConditionOperator = "matches"
	OpExists      ConditionOperator = "exists"
)

// PermissionCondition gates a permission match on an attribute of the
// evaluation context.
type PermissionCondition struct {
	Source   ConditionSource   `json:"source"`
	Field    string            `json:"field"`
	Operator ConditionOperator `json:"operator"`
	Value    interface{}       `json:"value,omitempty"`
	Value2   interface{}       `json:"value2,omitempty"` // upper bound for "between"
}

// Permission pairs a resource pattern and action list with an effect and
// optional conditions. Resource patterns accept an exact match, "*", or a
// prefix wildcard ("users:*", "documents/*").
type Permission struct {
	ID          string                `json:"id"`
	Resource    string                `json:"resource"`
	Actions     []string              `json:"actions"`
	Effect      Effect                `json:"effect"`
	Conditions  []PermissionCondition `json:"conditions,omitempty"`
	Description string                `json:"description,omitempty"`
}

// Clone returns an owned copy of the permission.
func (p Permission) Clone() Permission {
	out := p
	out.Actions = append([]string(nil), p.Actions...)
	if p.Conditions != nil {
		out.Conditions = append([]PermissionCondition(nil), p.Conditions...)
	}
	return out
}

// RoleConstraintType enumerates the kinds of role-assignment constraint.
type RoleConstraintType string

const (
	ConstraintMutualExclusion RoleConstraintType = "mutual-exclusion"
	ConstraintPrerequisite    RoleConstraintType = "prerequisite"
	ConstraintCardinality     RoleConstraintType = "cardinality"
	ConstraintTemporal        RoleConstraintType = "temporal"
)

// RoleConstraint restricts when/how a role may be assigned.
type RoleConstraint struct {
	Type RoleConstraintType `json:"type"`
	// RoleIDs holds the other role(s) involved for mutual-exclusion and
	// prerequisite constraints.
	RoleIDs []string `json:"role_ids,omitempty"`
	// MaxPerIdentity bounds how many roles (in total) one identity may hold,
	// for cardinality constraints.
	MaxPerIdentity int `json:"max_per_identity,omitempty"`
	// WindowStart/WindowEnd bound the legal assignment window for temporal
	// constraints.
	WindowStart time.Time `json:"window_start,omitempty"`
	WindowEnd   time.Time `json:"window_end,omitempty"`
}

// Role is a named set of permissions plus DAG-forming inheritance and
// optional assignment constraints.
type Role struct {
	BaseModel
	Name          string           `json:"name"`
	Description   string           `json:"description,omitempty"`
	Permissions   []Permission     `json:"permissions"`
	InheritsFrom  []string         `json:"inherits_from,omitempty"`
	Constraints   []RoleConstraint `json:"constraints,omitempty"`
	MaxAssignees  int              `json:"max_assignees,omitempty"` // 0 = unbounded
	OrganizationID string          `json:"organization_id,omitempty"`
	IsSystemRole  bool             `json:"is_system_role,omitempty"`
	Priority      int              `json:"priority,omitempty"`
}

// Clone returns a deep, owned copy of the role.
func (r Role) Clone() Role {
	out := r
	out.Permissions = make([]Permission, len(r.Permissions))
	for i, p := range r.Permissions {
		out.Permissions[i] = p.Clone()
	}
	out.InheritsFrom = append([]string(nil), r.InheritsFrom...)
	out.Constraints = append([]RoleConstraint(nil), r.Constraints...)
	return out
}

// AssignmentStatus enumerates the lifecycle of a RoleAssignment.
type AssignmentStatus string

const (
	AssignmentActive  AssignmentStatus = "active"
	AssignmentRevoked AssignmentStatus = "revoked"
	AssignmentExpired AssignmentStatus = "expired"
)

// RoleAssignment binds an identity to a role, optionally scoped and
// time-bounded.
type RoleAssignment struct {
	BaseModel
	IdentityID string           `json:"identity_id"`
	RoleID     string           `json:"role_id"`
	Scope      string           `json:"scope,omitempty"`
	ExpiresAt  *time.Time       `json:"expires_at,omitempty"`
	Status     AssignmentStatus `json:"status"`
	GrantedBy  string           `json:"granted_by,omitempty"`
	GrantedAt  time.Time        `json:"granted_at"`
}

// Clone returns a copy of the assignment.
func (a RoleAssignment) Clone() RoleAssignment {
	out := a
	if a.ExpiresAt != nil {
		t := *a.ExpiresAt
		out.ExpiresAt = &t
	}
	return out
}

// IsExpired reports whether the assignment's expiry has passed as of now.
func (a RoleAssignment) IsExpired(now time.Time) bool {
	return a.ExpiresAt != nil && now.After(*a.ExpiresAt)
}

// SubjectSelectorType enumerates AccessPolicy subject selector kinds.
type SubjectSelectorType string

const (
	SubjectUser    SubjectSelectorType = "user"
	SubjectRole    SubjectSelectorType = "role"
	SubjectService SubjectSelectorType = "service"
	SubjectGroup   SubjectSelectorType = "group"
	SubjectAny     SubjectSelectorType = "any"
)

// SubjectSelector matches an authorization request's subject.
type SubjectSelector struct {
	Type       SubjectSelectorType `json:"type"`
	Identifier string              `json:"identifier,omitempty"`
}

// ResourceSelector matches an authorization request's resource.
type ResourceSelector struct {
	Identifier string `json:"identifier"` // exact, "*", or prefix wildcard
	Type       string `json:"type,omitempty"`
}

// AccessPolicy is a standalone PBAC policy evaluated alongside role-derived
// permissions.
type AccessPolicy struct {
	BaseModel
	Name       string                `json:"name"`
	Priority   int                   `json:"priority"`
	Enabled    bool                  `json:"enabled"`
	Effect     Effect                `json:"effect"`
	Subjects   []SubjectSelector     `json:"subjects"`
	Resources  []ResourceSelector    `json:"resources"`
	Actions    []string              `json:"actions"`
	Conditions []PermissionCondition `json:"conditions,omitempty"`
	Obligations map[string]string    `json:"obligations,omitempty"`
}

// Clone returns a deep, owned copy of the policy.
func (p AccessPolicy) Clone() AccessPolicy {
	out := p
	out.Subjects = append([]SubjectSelector(nil), p.Subjects...)
	out.Resources = append([]ResourceSelector(nil), p.Resources...)
	out.Actions = append([]string(nil), p.Actions...)
	out.Conditions = append([]PermissionCondition(nil), p.Conditions...)
	if p.Obligations != nil {
		out.Obligations = make(map[string]string, len(p.Obligations))
		for k, v := range p.Obligations {
			out.Obligations[k] = v
		}
	}
	return out
}

// AuthorizationRequest is the boundary format for an Authorize call.
type AuthorizationRequest struct {
	SubjectID    string                 `json:"subject_id"`
	SubjectType  string                 `json:"subject_type,omitempty"`
	Resource     string                 `json:"resource"`
	ResourceType string                 `json:"resource_type,omitempty"`
	Action       string                 `json:"action"`
	Environment  map[string]interface{} `json:"environment,omitempty"`
	Context      map[string]interface{} `json:"context,omitempty"`
}

// AuthorizationDecision is the boundary format returned by Authorize.
type AuthorizationDecision struct {
	Allowed            bool              `json:"allowed"`
	Effect             Effect            `json:"effect"`
	MatchedPolicies    []string          `json:"matched_policies,omitempty"`
	MatchedRoles       []string          `json:"matched_roles,omitempty"`
	MatchedPermissions []string          `json:"matched_permissions,omitempty"`
	Obligations        map[string]string `json:"obligations,omitempty"`
	Advice             []string          `json:"advice,omitempty"`
	EvaluatedAt        time.Time         `json:"evaluated_at"`
	EvaluationTimeMs   float64           `json:"evaluation_time_ms"`
	Cached             bool              `json:"cached"`
}

// Clone returns an owned copy of the decision, used so cache reads never hand
// out a shared reference.
func (d AuthorizationDecision) Clone() AuthorizationDecision {
	out := d
	out.MatchedPolicies = append([]string(nil), d.MatchedPolicies...)
	out.MatchedRoles = append([]string(nil), d.MatchedRoles...)
	out.MatchedPermissions = append([]string(nil), d.MatchedPermissions...)
	out.Advice = append([]string(nil), d.Advice...)
	if d.Obligations != nil {
		out.Obligations = make(map[string]string, len(d.Obligations))
		for k, v := range d.Obligations {
			out.Obligations[k] = v
		}
	}
	return out
}

// RoleHierarchyNode is a tree node in GetRoleHierarchy's result: id plus the
// roles that inherit directly from it.
type RoleHierarchyNode struct {
	RoleID   string              `json:"role_id"`
	Children []RoleHierarchyNode `json:"children,omitempty"`
}
