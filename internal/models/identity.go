package models

import "time"

// IdentityType enumerates the kinds of principal the Identity Store tracks.
type IdentityType string

const (
	IdentityTypeUser    IdentityType = "user"
	IdentityTypeService IdentityType = "service"
	IdentityTypeDevice  IdentityType = "device"
	IdentityTypeGroup   IdentityType = "group"
)

// IdentityStatus enumerates the identity lifecycle states. Suspended and
// locked are reversible; deprovisioned and deleted are terminal.
type IdentityStatus string

const (
	IdentityStatusActive        IdentityStatus = "active"
	IdentityStatusInactive      IdentityStatus = "inactive"
	IdentityStatusSuspended     IdentityStatus = "suspended"
	IdentityStatusLocked        IdentityStatus = "locked"
	IdentityStatusPending       IdentityStatus = "pending"
	IdentityStatusDeprovisioned IdentityStatus = "deprovisioned"
	IdentityStatusDeleted       IdentityStatus = "deleted"
)

// Identity is a principal: user, service, device, or group.
type Identity struct {
	BaseModel
	Type             IdentityType   `json:"type"`
	Status           IdentityStatus `json:"status"`
	Username         string         `json:"username"`
	Email            string         `json:"email"`
	DisplayName      string         `json:"display_name"`
	OrganizationID   string         `json:"organization_id,omitempty"`
	GroupIDs         map[string]bool `json:"group_ids,omitempty"`
	VerificationLevel string        `json:"verification_level,omitempty"`
	// FederationKey is "idpId:externalId" for identities provisioned via
	// SSO/JIT or SCIM; empty for locally created identities.
	FederationKey string                 `json:"federation_key,omitempty"`
	Attributes    map[string]interface{} `json:"attributes,omitempty"`
}

// Clone returns a deep, owned copy of the identity.
func (i Identity) Clone() Identity {
	out := i
	if i.GroupIDs != nil {
		out.GroupIDs = make(map[string]bool, len(i.GroupIDs))
		for k, v := range i.GroupIDs {
			out.GroupIDs[k] = v
		}
	}
	if i.Attributes != nil {
		out.Attributes = make(map[string]interface{}, len(i.Attributes))
		for k, v := range i.Attributes {
			out.Attributes[k] = v
		}
	}
	return out
}

// Organization groups identities under a shared administrative boundary.
type Organization struct {
	BaseModel
	Name   string `json:"name"`
	Domain string `json:"domain,omitempty"`
	Active bool   `json:"active"`
}

// Clone returns a copy of the organization.
func (o Organization) Clone() Organization { return o }

// Group is a named collection of identities, referenced by RoleAssignment
// and AccessPolicy subject selectors.
type Group struct {
	BaseModel
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	MemberIDs   map[string]bool `json:"member_ids,omitempty"`
}

// Clone returns a deep, owned copy of the group.
func (g Group) Clone() Group {
	out := g
	if g.MemberIDs != nil {
		out.MemberIDs = make(map[string]bool, len(g.MemberIDs))
		for k, v := range g.MemberIDs {
			out.MemberIDs[k] = v
		}
	}
	return out
}

// IsTerminal reports whether the status is a terminal (non-reversible) one.
func (s IdentityStatus) IsTerminal() bool {
	return s == IdentityStatusDeprovisioned || s == IdentityStatusDeleted
}

// LoginHistoryEntry records a single authentication attempt outcome.
type LoginHistoryEntry struct {
	IdentityID string    `json:"identity_id"`
	Success    bool      `json:"success"`
	Method     string    `json:"method"`
	IPAddress  string    `json:"ip_address,omitempty"`
	UserAgent  string    `json:"user_agent,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	At         time.Time `json:"at"`
}
