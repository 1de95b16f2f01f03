package models

import "time"

// Role is one of the platform's fixed roles.
type Role string

const (
	RoleSuperAdmin      Role = "super_admin"
	RoleRegionalManager Role = "regional_manager"
	RoleSalesRep        Role = "sales_rep"
	RoleDriver          Role = "driver"
	RoleFinanceOfficer  Role = "finance_officer"
	RoleOutletOwner     Role = "outlet_owner"
)

// AccessRequest is the input to an access decision.
type AccessRequest struct {
	UserID       string       `json:"user_id"`
	Role         Role         `json:"role"`
	Action       string       `json:"action"`
	ResourceType ResourceType `json:"resource_type"`
	ResourceID   string       `json:"resource_id,omitempty"`
	IPAddress    string       `json:"ip_address,omitempty"`
	UserAgent    string       `json:"user_agent,omitempty"`
}

// Permission renders the request as an "action:resource" string.
func (r AccessRequest) Permission() string {
	return r.Action + ":" + string(r.ResourceType)
}

// Decision reasons.
const (
	ReasonWildcard     = "wildcard"
	ReasonExactMatch   = "exact_match"
	ReasonOwnership    = "ownership_confirmed"
	ReasonNotOwner     = "not_owner"
	ReasonNoResourceID = "ownership_requires_resource_id"
	ReasonOracleError  = "ownership_oracle_error"
	ReasonNoOracle     = "ownership_oracle_unavailable"
	ReasonNoPermission = "permission_not_granted"
	ReasonUnknownRole  = "unknown_role"
)

// PermissionDecision is the result of an access check. Every decision is
// paired with exactly one audit entry, identified by EntryID.
type PermissionDecision struct {
	Granted          bool      `json:"granted"`
	Reason           string    `json:"reason"`
	Permission       string    `json:"permission"`
	OwnershipChecked bool      `json:"ownership_checked"`
	Owns             bool      `json:"owns"`
	EntryID          string    `json:"entry_id,omitempty"`
	CheckedAt        time.Time `json:"checked_at"`
}
