package entities

import (
	"fmt"
	"strings"
	"time"
)

// RuleEffect is the outcome a matching policy rule imposes
type RuleEffect string

const (
	EffectAllow RuleEffect = "allow"
	EffectDeny  RuleEffect = "deny"
)

// PermissionRule matches a (resource, action) pair under a condition
// expression and imposes its effect
type PermissionRule struct {
	Resource  PermissionResource `json:"resource"`
	Action    PermissionAction   `json:"action"`
	Condition string             `json:"condition,omitempty"`
	Effect    RuleEffect         `json:"effect,omitempty"`
}

// EffectOrDefault returns the rule effect, allow when unset
func (r PermissionRule) EffectOrDefault() RuleEffect {
	if r.Effect == "" {
		return EffectAllow
	}
	return r.Effect
}

// Validate checks the structural invariants of the rule.
// Condition syntax is checked by the policy store.
func (r PermissionRule) Validate() error {
	if strings.TrimSpace(string(r.Resource)) == "" {
		return fmt.Errorf("%w: resource is required", ErrMalformedPolicyRule)
	}
	if strings.TrimSpace(string(r.Action)) == "" {
		return fmt.Errorf("%w: action is required", ErrMalformedPolicyRule)
	}
	switch r.Effect {
	case "", EffectAllow, EffectDeny:
	default:
		return fmt.Errorf("%w: unknown effect %q", ErrMalformedPolicyRule, r.Effect)
	}
	return nil
}

// PermissionPolicy is a prioritized overlay of rules scoped to roles
type PermissionPolicy struct {
	ID                string           `json:"id"`
	Name              string           `json:"name"`
	Rules             []PermissionRule `json:"rules"`
	IsActive          bool             `json:"isActive"`
	Priority          int              `json:"priority"`
	ApplicableRoleIDs []string         `json:"applicableRoleIds,omitempty"`
	EffectiveDate     *time.Time       `json:"effectiveDate,omitempty"`
	ExpirationDate    *time.Time       `json:"expirationDate,omitempty"`
	CreatedAt         time.Time        `json:"createdAt"`
	UpdatedAt         time.Time        `json:"updatedAt"`
}

// Validate checks the policy and every rule
func (p *PermissionPolicy) Validate() error {
	if strings.TrimSpace(p.ID) == "" {
		return fmt.Errorf("%w: policy id is required", ErrMalformedPolicyRule)
	}
	if len(p.Rules) == 0 {
		return fmt.Errorf("%w: policy %s has no rules", ErrMalformedPolicyRule, p.ID)
	}
	for i, rule := range p.Rules {
		if err := rule.Validate(); err != nil {
			return fmt.Errorf("rule %d: %w", i, err)
		}
	}
	if p.EffectiveDate != nil && p.ExpirationDate != nil && !p.ExpirationDate.After(*p.EffectiveDate) {
		return fmt.Errorf("%w: expiration must be after effective date", ErrMalformedPolicyRule)
	}
	return nil
}

// IsEffective reports whether the policy is active at the given instant
func (p *PermissionPolicy) IsEffective(now time.Time) bool {
	if !p.IsActive {
		return false
	}
	if p.EffectiveDate != nil && now.Before(*p.EffectiveDate) {
		return false
	}
	if p.ExpirationDate != nil && !now.Before(*p.ExpirationDate) {
		return false
	}
	return true
}

// AppliesToRoles reports whether the policy targets any of the given roles.
// A policy without applicable roles applies to every user.
func (p *PermissionPolicy) AppliesToRoles(roles map[string]bool) bool {
	if len(p.ApplicableRoleIDs) == 0 {
		return true
	}
	for _, id := range p.ApplicableRoleIDs {
		if roles[id] {
			return true
		}
	}
	return false
}

// Clone returns a deep copy
func (p *PermissionPolicy) Clone() *PermissionPolicy {
	if p == nil {
		return nil
	}
	c := *p
	c.Rules = append([]PermissionRule(nil), p.Rules...)
	c.ApplicableRoleIDs = append([]string(nil), p.ApplicableRoleIDs...)
	if p.EffectiveDate != nil {
		t := *p.EffectiveDate
		c.EffectiveDate = &t
	}
	if p.ExpirationDate != nil {
		t := *p.ExpirationDate
		c.ExpirationDate = &t
	}
	return &c
}
