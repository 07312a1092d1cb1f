package entities

import "time"

// DecisionReason explains a permission decision
type DecisionReason string

const (
	ReasonGranted               DecisionReason = "granted"
	ReasonNoGrant               DecisionReason = "no_grant"
	ReasonExplicitDenial        DecisionReason = "explicit_denial"
	ReasonConditionNotMet       DecisionReason = "condition_not_met"
	ReasonContextualGrant       DecisionReason = "contextual_grant"
	ReasonContextualRestriction DecisionReason = "contextual_restriction"
	ReasonPolicyAllow           DecisionReason = "policy_allow"
	ReasonPolicyDeny            DecisionReason = "policy_deny"
	ReasonRoleNotFound          DecisionReason = "role_not_found"
	ReasonStoreUnavailable      DecisionReason = "store_unavailable"
	ReasonInvalidRequest        DecisionReason = "invalid_request"
)

// CheckRequest asks whether a user may perform an action on a resource
type CheckRequest struct {
	UserID     string                 `json:"userId"`
	Resource   PermissionResource     `json:"resource"`
	Action     PermissionAction       `json:"action"`
	Scope      PermissionScope        `json:"scope,omitempty"`
	ResourceID string                 `json:"resourceId,omitempty"`
	Context    map[string]interface{} `json:"context,omitempty"`
	Metadata   *RequestMetadata       `json:"metadata,omitempty"`
}

// Decision is the outcome of one check
type Decision struct {
	Allowed         bool           `json:"allowed"`
	Reason          DecisionReason `json:"reason"`
	Permission      PermissionKey  `json:"permission"`
	RoleID          string         `json:"roleId,omitempty"`
	PolicyID        string         `json:"policyId,omitempty"`
	ServedFromCache bool           `json:"servedFromCache"`
	ResolvedAt      time.Time      `json:"resolvedAt"`
}

// ResolvedPermissions is the flattened effective permission set of a user
type ResolvedPermissions struct {
	UserID      string          `json:"userId"`
	Permissions []PermissionKey `json:"permissions"`
	ResolvedAt  time.Time       `json:"resolvedAt"`
	ExpiresAt   time.Time       `json:"expiresAt"`
}

// Has reports whether the key is in the resolved set
func (r *ResolvedPermissions) Has(key PermissionKey) bool {
	for _, k := range r.Permissions {
		if k == key {
			return true
		}
	}
	return false
}
