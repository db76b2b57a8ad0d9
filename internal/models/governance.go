package models

import "time"

// CampaignStatus enumerates the certification campaign state machine.
type CampaignStatus string

const (
	CampaignDraft     CampaignStatus = "draft"
	CampaignActive    CampaignStatus = "active"
	CampaignInReview  CampaignStatus = "in-review"
	CampaignCompleted CampaignStatus = "completed"
	CampaignCancelled CampaignStatus = "cancelled"
)

// CertificationDecisionType enumerates a reviewer's decision on one item.
type CertificationDecisionType string

const (
	DecisionCertify CertificationDecisionType = "certify"
	DecisionRevoke  CertificationDecisionType = "revoke"
)

// CertificationDecision records one reviewer decision within a campaign.
type CertificationDecision struct {
	ItemID     string                     `json:"item_id"`
	IdentityID string                     `json:"identity_id"`
	ReviewerID string                     `json:"reviewer_id"`
	Decision   CertificationDecisionType  `json:"decision"`
	DecidedAt  time.Time                  `json:"decided_at"`
	Comment    string                     `json:"comment,omitempty"`
}

// CertificationCampaign is a periodic access-review campaign.
type CertificationCampaign struct {
	BaseModel
	Name              string                   `json:"name"`
	Status            CampaignStatus           `json:"status"`
	Scope             []string                 `json:"scope,omitempty"`
	ReviewerIDs       []string                 `json:"reviewer_ids,omitempty"`
	ScheduleStart     time.Time                `json:"schedule_start"`
	ScheduleEnd       time.Time                `json:"schedule_end"`
	RemediationPolicy string                   `json:"remediation_policy,omitempty"`
	Decisions         []CertificationDecision  `json:"decisions,omitempty"`
	TotalItems        int                      `json:"total_items"`
	CertifiedCount    int                      `json:"certified_count"`
	RevokedCount      int                      `json:"revoked_count"`
	CompletionPercent float64                  `json:"completion_percent"`
}

// Clone returns a deep, owned copy of the campaign.
func (c CertificationCampaign) Clone() CertificationCampaign {
	out := c
	out.Scope = append([]string(nil), c.Scope...)
	out.ReviewerIDs = append([]string(nil), c.ReviewerIDs...)
	out.Decisions = append([]CertificationDecision(nil), c.Decisions...)
	return out
}

// SoDSeverity enumerates SoD violation severities.
type SoDSeverity string

const (
	SoDLow      SoDSeverity = "low"
	SoDMedium   SoDSeverity = "medium"
	SoDHigh     SoDSeverity = "high"
	SoDCritical SoDSeverity = "critical"
)

// SoDPolicyType distinguishes statically vs dynamically evaluated policies.
type SoDPolicyType string

const (
	SoDStatic  SoDPolicyType = "static"
	SoDDynamic SoDPolicyType = "dynamic"
)

// SoDViolationAction enumerates what happens when a violation is detected.
type SoDViolationAction string

const (
	SoDActionBlock     SoDViolationAction = "block"
	SoDActionWarn      SoDViolationAction = "warn"
	SoDActionLog       SoDViolationAction = "log"
	SoDActionRemediate SoDViolationAction = "remediate"
)

// RolePair names two roles that must not be held simultaneously.
type RolePair struct {
	RoleA string `json:"role_a"`
	RoleB string `json:"role_b"`
}

// PermissionPair names two permission ids that must not be held
// simultaneously (resource:action granularity).
type PermissionPair struct {
	PermissionA string `json:"permission_a"`
	PermissionB string `json:"permission_b"`
}

// SoDPolicy declares conflicting role and/or permission pairs.
type SoDPolicy struct {
	BaseModel
	Name                string             `json:"name"`
	Enabled             bool               `json:"enabled"`
	Severity            SoDSeverity        `json:"severity"`
	Type                SoDPolicyType      `json:"type"`
	ConflictingRoles    []RolePair         `json:"conflicting_roles,omitempty"`
	ConflictingPermissions []PermissionPair `json:"conflicting_permissions,omitempty"`
	ViolationAction     SoDViolationAction `json:"violation_action"`
}

// Clone returns a deep, owned copy of the policy.
func (p SoDPolicy) Clone() SoDPolicy {
	out := p
	out.ConflictingRoles = append([]RolePair(nil), p.ConflictingRoles...)
	out.ConflictingPermissions = append([]PermissionPair(nil), p.ConflictingPermissions...)
	return out
}

// SoDViolationStatus enumerates the lifecycle of a detected violation.
type SoDViolationStatus string

const (
	ViolationDetected    SoDViolationStatus = "detected"
	ViolationAcknowledged SoDViolationStatus = "acknowledged"
	ViolationRemediated  SoDViolationStatus = "remediated"
	ViolationExempted    SoDViolationStatus = "exempted"
)

// SoDViolation records one detected separation-of-duties conflict.
type SoDViolation struct {
	BaseModel
	PolicyID        string             `json:"policy_id"`
	IdentityID      string             `json:"identity_id"`
	ConflictType    string             `json:"conflict_type"` // "role" | "permission"
	ConflictDetails string             `json:"conflict_details"`
	Severity        SoDSeverity        `json:"severity"`
	Status          SoDViolationStatus `json:"status"`
}

// SoDExemption suppresses violation emission for one identity+policy pair.
type SoDExemption struct {
	IdentityID string     `json:"identity_id"`
	PolicyID   string     `json:"policy_id"`
	Reason     string     `json:"reason,omitempty"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
}

// IsActive reports whether the exemption currently applies.
func (e SoDExemption) IsActive(now time.Time) bool {
	return e.ExpiresAt == nil || now.Before(*e.ExpiresAt)
}

// AccessRequestStatus enumerates the access-request workflow state machine.
type AccessRequestStatus string

const (
	RequestPending   AccessRequestStatus = "pending"
	RequestApproved  AccessRequestStatus = "approved"
	RequestRejected  AccessRequestStatus = "rejected"
	RequestCancelled AccessRequestStatus = "cancelled"
	RequestFulfilled AccessRequestStatus = "fulfilled"
)

// AccessApproval records one approval/rejection decision on an AccessRequest.
type AccessApproval struct {
	ApproverID string    `json:"approver_id"`
	Approved   bool      `json:"approved"`
	Level      int       `json:"level"`
	Comment    string    `json:"comment,omitempty"`
	At         time.Time `json:"at"`
}

// AccessRequest is a requested grant of access awaiting approval.
type AccessRequest struct {
	BaseModel
	BeneficiaryID string              `json:"beneficiary_id"`
	RequestedItem string              `json:"requested_item"`
	Justification string              `json:"justification,omitempty"`
	Status        AccessRequestStatus `json:"status"`
	Approvals     []AccessApproval    `json:"approvals,omitempty"`
}

// Clone returns a deep, owned copy of the request.
func (r AccessRequest) Clone() AccessRequest {
	out := r
	out.Approvals = append([]AccessApproval(nil), r.Approvals...)
	return out
}
