package entities

import (
	"fmt"
	"strings"
)

// PermissionResource is a protected noun (e.g. "tasks", "documents")
type PermissionResource string

// PermissionAction is a verb performed on a resource (e.g. "read", "approve")
type PermissionAction string

// PermissionScope narrows the breadth at which a grant applies
type PermissionScope string

// Built-in resources
const (
	ResourceDocuments    PermissionResource = "documents"
	ResourceTasks        PermissionResource = "tasks"
	ResourceTickets      PermissionResource = "tickets"
	ResourceClients      PermissionResource = "clients"
	ResourceReports      PermissionResource = "reports"
	ResourceAnalytics    PermissionResource = "analytics"
	ResourceUsers        PermissionResource = "users"
	ResourceRoles        PermissionResource = "roles"
	ResourceSettings     PermissionResource = "settings"
	ResourceAudit        PermissionResource = "audit"
	ResourceCalendar     PermissionResource = "calendar"
	ResourceProjects     PermissionResource = "projects"
	ResourceAssets       PermissionResource = "assets"
	ResourceWorkflows    PermissionResource = "workflows"
	ResourceIntegrations PermissionResource = "integrations"
)

// Built-in actions
const (
	ActionRead      PermissionAction = "read"
	ActionCreate    PermissionAction = "create"
	ActionUpdate    PermissionAction = "update"
	ActionDelete    PermissionAction = "delete"
	ActionApprove   PermissionAction = "approve"
	ActionAssign    PermissionAction = "assign"
	ActionExport    PermissionAction = "export"
	ActionImport    PermissionAction = "import"
	ActionConfigure PermissionAction = "configure"
	ActionAudit     PermissionAction = "audit"
)

// Scopes. ScopeAny is the zero value and means the grant is not narrowed.
const (
	ScopeAny          PermissionScope = ""
	ScopeOrganization PermissionScope = "organization"
	ScopeDepartment   PermissionScope = "department"
	ScopeTeam         PermissionScope = "team"
	ScopePersonal     PermissionScope = "personal"
	ScopeLocation     PermissionScope = "location"
)

// DefaultResources is the built-in resource vocabulary
var DefaultResources = []PermissionResource{
	ResourceDocuments, ResourceTasks, ResourceTickets, ResourceClients, ResourceReports,
	ResourceAnalytics, ResourceUsers, ResourceRoles, ResourceSettings, ResourceAudit,
	ResourceCalendar, ResourceProjects, ResourceAssets, ResourceWorkflows, ResourceIntegrations,
}

// DefaultActions is the built-in action vocabulary
var DefaultActions = []PermissionAction{
	ActionRead, ActionCreate, ActionUpdate, ActionDelete, ActionApprove,
	ActionAssign, ActionExport, ActionImport, ActionConfigure, ActionAudit,
}

// DefaultScopes is the scope vocabulary (ScopeAny excluded)
var DefaultScopes = []PermissionScope{
	ScopeOrganization, ScopeDepartment, ScopeTeam, ScopePersonal, ScopeLocation,
}

// Permission is a (resource, action, scope) triple with optional conditions.
// All conditions must hold for the grant to be active.
type Permission struct {
	Resource   PermissionResource    `json:"resource"`
	Action     PermissionAction      `json:"action"`
	Scope      PermissionScope       `json:"scope,omitempty"`
	Conditions []PermissionCondition `json:"conditions,omitempty"`
}

// Key returns the set-membership key of the permission (conditions excluded)
func (p Permission) Key() PermissionKey {
	return NewPermissionKey(p.Resource, p.Action, p.Scope)
}

// Equal reports whether two permissions have the same triple and conditions
func (p Permission) Equal(other Permission) bool {
	if p.Key() != other.Key() || len(p.Conditions) != len(other.Conditions) {
		return false
	}
	for i := range p.Conditions {
		if !p.Conditions[i].Equal(other.Conditions[i]) {
			return false
		}
	}
	return true
}

// Validate checks the permission triple and its conditions
func (p Permission) Validate() error {
	if p.Resource == "" {
		return fmt.Errorf("resource is required")
	}
	if p.Action == "" {
		return fmt.Errorf("action is required")
	}
	for i, cond := range p.Conditions {
		if err := cond.Validate(); err != nil {
			return fmt.Errorf("condition %d: %w", i, err)
		}
	}
	return nil
}

// PermissionKey is "resource:action" or "resource:action:scope"
type PermissionKey string

// NewPermissionKey builds a key from its parts
func NewPermissionKey(resource PermissionResource, action PermissionAction, scope PermissionScope) PermissionKey {
	if scope == ScopeAny {
		return PermissionKey(fmt.Sprintf("%s:%s", resource, action))
	}
	return PermissionKey(fmt.Sprintf("%s:%s:%s", resource, action, scope))
}

// ParsePermissionKey splits a key into its parts
func ParsePermissionKey(s string) (PermissionResource, PermissionAction, PermissionScope, error) {
	parts := strings.Split(s, ":")
	if len(parts) < 2 || len(parts) > 3 {
		return "", "", "", fmt.Errorf("invalid permission key %q: expected resource:action[:scope]", s)
	}
	for _, part := range parts {
		if strings.TrimSpace(part) == "" {
			return "", "", "", fmt.Errorf("invalid permission key %q: empty component", s)
		}
	}
	scope := ScopeAny
	if len(parts) == 3 {
		scope = PermissionScope(parts[2])
	}
	return PermissionResource(parts[0]), PermissionAction(parts[1]), scope, nil
}

// Parts returns the components of the key, ignoring malformed keys
func (k PermissionKey) Parts() (PermissionResource, PermissionAction, PermissionScope) {
	r, a, s, err := ParsePermissionKey(string(k))
	if err != nil {
		return "", "", ""
	}
	return r, a, s
}

// Pair returns the "resource:action" form of the key
func (k PermissionKey) Pair() PermissionKey {
	r, a, _ := k.Parts()
	return NewPermissionKey(r, a, ScopeAny)
}

// Grants reports whether a grant with this key satisfies a request for
// (resource, action, scope). An unscoped grant satisfies every scope; a
// scoped grant satisfies a request for the same scope or an unscoped request.
func (k PermissionKey) Grants(resource PermissionResource, action PermissionAction, scope PermissionScope) bool {
	r, a, s := k.Parts()
	if r != resource || a != action {
		return false
	}
	return s == ScopeAny || scope == ScopeAny || s == scope
}

// Denies reports whether a denial with this key blocks a request for
// (resource, action, scope). Matching is the same as Grants: deny wins when
// there is any overlap.
func (k PermissionKey) Denies(resource PermissionResource, action PermissionAction, scope PermissionScope) bool {
	return k.Grants(resource, action, scope)
}

// Covers reports whether a denial with this key removes the grant key other
// from an effective permission set.
func (k PermissionKey) Covers(other PermissionKey) bool {
	r, a, s := k.Parts()
	or, oa, os := other.Parts()
	if r != or || a != oa {
		return false
	}
	return s == ScopeAny || s == os
}

// Validate checks the key syntax
func (k PermissionKey) Validate() error {
	_, _, _, err := ParsePermissionKey(string(k))
	return err
}
