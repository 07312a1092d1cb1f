package entities

import (
	"fmt"
	"strings"
	"time"
)

// RoleDefinition is a named bundle of permissions with optional single
// inheritance. The inheritance relation across all roles forms a forest.
type RoleDefinition struct {
	ID                     string           `json:"id"`
	Name                   string           `json:"name"`
	Description            string           `json:"description,omitempty"`
	Permissions            []Permission     `json:"permissions"`
	InheritFrom            string           `json:"inheritFrom,omitempty"`
	DepartmentRestrictions []string         `json:"departmentRestrictions,omitempty"`
	LocationRestrictions   []string         `json:"locationRestrictions,omitempty"`
	ContextualRules        []ContextualRule `json:"contextualRules,omitempty"`
	IsSystemRole           bool             `json:"isSystemRole"`
	CreatedAt              time.Time        `json:"createdAt"`
	UpdatedAt              time.Time        `json:"updatedAt"`
}

// ContextualRule temporarily adds or removes permissions for a single check
// when its condition holds. Restrictions win over additions.
type ContextualRule struct {
	Name                  string          `json:"name,omitempty"`
	Condition             string          `json:"condition"`
	AdditionalPermissions []PermissionKey `json:"additionalPermissions,omitempty"`
	RestrictedPermissions []PermissionKey `json:"restrictedPermissions,omitempty"`
}

// Validate checks the structural invariants of the role.
// Condition syntax is checked by the role graph, which owns the parser.
func (r *RoleDefinition) Validate() error {
	if strings.TrimSpace(r.ID) == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidRole)
	}
	if strings.TrimSpace(r.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidRole)
	}
	if r.InheritFrom == r.ID {
		return fmt.Errorf("%w: role %s cannot inherit from itself", ErrCyclicInheritance, r.ID)
	}
	for i, p := range r.Permissions {
		if err := p.Validate(); err != nil {
			return fmt.Errorf("%w: permission %d: %v", ErrInvalidRole, i, err)
		}
	}
	for i, rule := range r.ContextualRules {
		if len(rule.AdditionalPermissions) == 0 && len(rule.RestrictedPermissions) == 0 {
			return fmt.Errorf("%w: contextual rule %d has no permissions", ErrInvalidRole, i)
		}
		for _, key := range append(append([]PermissionKey{}, rule.AdditionalPermissions...), rule.RestrictedPermissions...) {
			if err := key.Validate(); err != nil {
				return fmt.Errorf("%w: contextual rule %d: %v", ErrInvalidRole, i, err)
			}
		}
	}
	return nil
}

// PermissionKeys returns the keys of the role's own permissions in order,
// without duplicates
func (r *RoleDefinition) PermissionKeys() []PermissionKey {
	seen := make(map[PermissionKey]bool, len(r.Permissions))
	keys := make([]PermissionKey, 0, len(r.Permissions))
	for _, p := range r.Permissions {
		k := p.Key()
		if !seen[k] {
			seen[k] = true
			keys = append(keys, k)
		}
	}
	return keys
}

// AppliesTo reports whether the role's department and location restrictions
// admit the user. A role without restrictions applies to everyone.
func (r *RoleDefinition) AppliesTo(user *UserPermissions) bool {
	if len(r.DepartmentRestrictions) > 0 && !containsFold(r.DepartmentRestrictions, user.Department) {
		return false
	}
	if len(r.LocationRestrictions) > 0 && !containsFold(r.LocationRestrictions, user.Location) {
		return false
	}
	return true
}

// Clone returns a deep copy so callers cannot mutate stored definitions
func (r *RoleDefinition) Clone() *RoleDefinition {
	if r == nil {
		return nil
	}
	c := *r
	c.Permissions = make([]Permission, len(r.Permissions))
	for i, p := range r.Permissions {
		c.Permissions[i] = p
		c.Permissions[i].Conditions = append([]PermissionCondition(nil), p.Conditions...)
	}
	c.DepartmentRestrictions = append([]string(nil), r.DepartmentRestrictions...)
	c.LocationRestrictions = append([]string(nil), r.LocationRestrictions...)
	c.ContextualRules = make([]ContextualRule, len(r.ContextualRules))
	for i, rule := range r.ContextualRules {
		c.ContextualRules[i] = rule
		c.ContextualRules[i].AdditionalPermissions = append([]PermissionKey(nil), rule.AdditionalPermissions...)
		c.ContextualRules[i].RestrictedPermissions = append([]PermissionKey(nil), rule.RestrictedPermissions...)
	}
	return &c
}

func containsFold(list []string, v string) bool {
	if v == "" {
		return false
	}
	for _, item := range list {
		if strings.EqualFold(item, v) {
			return true
		}
	}
	return false
}
