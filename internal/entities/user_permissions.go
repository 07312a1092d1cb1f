package entities

import (
	"fmt"
	"strings"
	"time"
)

// UserPermissions is the per-user authorization record
type UserPermissions struct {
	UserID               string                 `json:"userId"`
	RoleIDs              []string               `json:"roleIds"`
	DirectPermissions    []PermissionKey        `json:"directPermissions"`
	DeniedPermissions    []PermissionKey        `json:"deniedPermissions"`
	Department           string                 `json:"department,omitempty"`
	Location             string                 `json:"location,omitempty"`
	ContextualAttributes map[string]interface{} `json:"contextualAttributes,omitempty"`
	UpdatedAt            time.Time              `json:"updatedAt"`
}

// Validate checks the user record
func (u *UserPermissions) Validate() error {
	if strings.TrimSpace(u.UserID) == "" {
		return fmt.Errorf("%w: userId is required", ErrInvalidUserPermissions)
	}
	for _, id := range u.RoleIDs {
		if strings.TrimSpace(id) == "" {
			return fmt.Errorf("%w: empty role id", ErrInvalidUserPermissions)
		}
	}
	for _, k := range u.DirectPermissions {
		if err := k.Validate(); err != nil {
			return fmt.Errorf("%w: direct permission: %v", ErrInvalidUserPermissions, err)
		}
	}
	for _, k := range u.DeniedPermissions {
		if err := k.Validate(); err != nil {
			return fmt.Errorf("%w: denied permission: %v", ErrInvalidUserPermissions, err)
		}
	}
	return nil
}

// IsDenied reports whether any denial blocks the request
func (u *UserPermissions) IsDenied(resource PermissionResource, action PermissionAction, scope PermissionScope) (PermissionKey, bool) {
	for _, k := range u.DeniedPermissions {
		if k.Denies(resource, action, scope) {
			return k, true
		}
	}
	return "", false
}

// EvaluationContext merges the caller context with the user's stored
// attributes under the reserved "user." prefix. Caller-supplied "user."
// keys are dropped.
func (u *UserPermissions) EvaluationContext(ctx map[string]interface{}) map[string]interface{} {
	merged := make(map[string]interface{}, len(ctx)+len(u.ContextualAttributes)+3)
	for k, v := range ctx {
		if strings.HasPrefix(k, "user.") {
			continue
		}
		merged[k] = v
	}
	for k, v := range u.ContextualAttributes {
		merged["user."+k] = v
	}
	merged["user.id"] = u.UserID
	if u.Department != "" {
		merged["user.department"] = u.Department
	}
	if u.Location != "" {
		merged["user.location"] = u.Location
	}
	return merged
}

// Clone returns a deep copy
func (u *UserPermissions) Clone() *UserPermissions {
	if u == nil {
		return nil
	}
	c := *u
	c.RoleIDs = append([]string(nil), u.RoleIDs...)
	c.DirectPermissions = append([]PermissionKey(nil), u.DirectPermissions...)
	c.DeniedPermissions = append([]PermissionKey(nil), u.DeniedPermissions...)
	if u.ContextualAttributes != nil {
		c.ContextualAttributes = make(map[string]interface{}, len(u.ContextualAttributes))
		for k, v := range u.ContextualAttributes {
			c.ContextualAttributes[k] = v
		}
	}
	return &c
}
