package entities

import (
	"errors"
	"testing"
	"time"
)

func TestPermissionPolicy_Validate(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	later := now.Add(time.Hour)

	tests := []struct {
		name    string
		policy  PermissionPolicy
		wantErr bool
	}{
		{
			name:   "valid",
			policy: PermissionPolicy{ID: "p1", Rules: []PermissionRule{{Resource: ResourceDocuments, Action: ActionExport}}},
		},
		{
			name:    "missing id",
			policy:  PermissionPolicy{Rules: []PermissionRule{{Resource: ResourceDocuments, Action: ActionExport}}},
			wantErr: true,
		},
		{
			name:    "no rules",
			policy:  PermissionPolicy{ID: "p1"},
			wantErr: true,
		},
		{
			name:    "rule without action",
			policy:  PermissionPolicy{ID: "p1", Rules: []PermissionRule{{Resource: ResourceDocuments}}},
			wantErr: true,
		},
		{
			name:    "unknown effect",
			policy:  PermissionPolicy{ID: "p1", Rules: []PermissionRule{{Resource: ResourceDocuments, Action: ActionExport, Effect: "maybe"}}},
			wantErr: true,
		},
		{
			name: "expiration before effective date",
			policy: PermissionPolicy{
				ID:             "p1",
				Rules:          []PermissionRule{{Resource: ResourceDocuments, Action: ActionExport}},
				EffectiveDate:  &later,
				ExpirationDate: &now,
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.policy.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrMalformedPolicyRule) {
				t.Errorf("Validate() error = %v, want ErrMalformedPolicyRule", err)
			}
		})
	}
}

func TestPermissionPolicy_IsEffective(t *testing.T) {
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	policy := PermissionPolicy{
		ID:             "p1",
		IsActive:       true,
		EffectiveDate:  &start,
		ExpirationDate: &end,
	}

	tests := []struct {
		name string
		at   time.Time
		want bool
	}{
		{name: "before effective date", at: start.Add(-time.Second), want: false},
		{name: "at effective date", at: start, want: true},
		{name: "inside window", at: start.Add(24 * time.Hour), want: true},
		{name: "at expiration", at: end, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := policy.IsEffective(tt.at); got != tt.want {
				t.Errorf("IsEffective(%v) = %v, want %v", tt.at, got, tt.want)
			}
		})
	}

	policy.IsActive = false
	if policy.IsEffective(start.Add(time.Hour)) {
		t.Error("inactive policy must not be effective")
	}
}

func TestPermissionPolicy_AppliesToRoles(t *testing.T) {
	global := PermissionPolicy{ID: "global"}
	if !global.AppliesToRoles(nil) {
		t.Error("policy without applicable roles should apply to every user")
	}

	scoped := PermissionPolicy{ID: "scoped", ApplicableRoleIDs: []string{"manager"}}
	if !scoped.AppliesToRoles(map[string]bool{"base": true, "manager": true}) {
		t.Error("expected scoped policy to apply to manager")
	}
	if scoped.AppliesToRoles(map[string]bool{"base": true}) {
		t.Error("expected scoped policy not to apply to base")
	}
}

func TestPermissionRule_EffectOrDefault(t *testing.T) {
	if got := (PermissionRule{}).EffectOrDefault(); got != EffectAllow {
		t.Errorf("EffectOrDefault() = %q, want allow", got)
	}
	if got := (PermissionRule{Effect: EffectDeny}).EffectOrDefault(); got != EffectDeny {
		t.Errorf("EffectOrDefault() = %q, want deny", got)
	}
}
