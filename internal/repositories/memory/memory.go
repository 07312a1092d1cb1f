// Package memory provides in-process repository implementations used when
// no database is configured and in tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/asakaida/kanshi/internal/entities"
	"github.com/asakaida/kanshi/internal/repositories"
)

// RoleRepository is an in-memory RoleRepository
type RoleRepository struct {
	mu    sync.RWMutex
	roles map[string]*entities.RoleDefinition
}

// NewRoleRepository creates an empty role repository
func NewRoleRepository() *RoleRepository {
	return &RoleRepository{roles: make(map[string]*entities.RoleDefinition)}
}

// Save implements repositories.RoleRepository
func (r *RoleRepository) Save(_ context.Context, role *entities.RoleDefinition) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.roles[role.ID] = role.Clone()
	return nil
}

// Get implements repositories.RoleRepository
func (r *RoleRepository) Get(_ context.Context, id string) (*entities.RoleDefinition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	role, ok := r.roles[id]
	if !ok {
		return nil, fmt.Errorf("role %s: %w", id, repositories.ErrNotFound)
	}
	return role.Clone(), nil
}

// List implements repositories.RoleRepository
func (r *RoleRepository) List(_ context.Context) ([]*entities.RoleDefinition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	roles := make([]*entities.RoleDefinition, 0, len(r.roles))
	for _, role := range r.roles {
		roles = append(roles, role.Clone())
	}
	sort.Slice(roles, func(i, j int) bool { return roles[i].ID < roles[j].ID })
	return roles, nil
}

// Delete implements repositories.RoleRepository
func (r *RoleRepository) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.roles[id]; !ok {
		return fmt.Errorf("role %s: %w", id, repositories.ErrNotFound)
	}
	delete(r.roles, id)
	return nil
}

// PolicyRepository is an in-memory PolicyRepository
type PolicyRepository struct {
	mu       sync.RWMutex
	policies map[string]*entities.PermissionPolicy
}

// NewPolicyRepository creates an empty policy repository
func NewPolicyRepository() *PolicyRepository {
	return &PolicyRepository{policies: make(map[string]*entities.PermissionPolicy)}
}

// Save implements repositories.PolicyRepository
func (r *PolicyRepository) Save(_ context.Context, policy *entities.PermissionPolicy) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.policies[policy.ID] = policy.Clone()
	return nil
}

// Get implements repositories.PolicyRepository
func (r *PolicyRepository) Get(_ context.Context, id string) (*entities.PermissionPolicy, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	policy, ok := r.policies[id]
	if !ok {
		return nil, fmt.Errorf("policy %s: %w", id, repositories.ErrNotFound)
	}
	return policy.Clone(), nil
}

// List implements repositories.PolicyRepository
func (r *PolicyRepository) List(_ context.Context) ([]*entities.PermissionPolicy, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	policies := make([]*entities.PermissionPolicy, 0, len(r.policies))
	for _, policy := range r.policies {
		policies = append(policies, policy.Clone())
	}
	sort.Slice(policies, func(i, j int) bool {
		if policies[i].Priority != policies[j].Priority {
			return policies[i].Priority > policies[j].Priority
		}
		return policies[i].CreatedAt.After(policies[j].CreatedAt)
	})
	return policies, nil
}

// Delete implements repositories.PolicyRepository
func (r *PolicyRepository) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.policies[id]; !ok {
		return fmt.Errorf("policy %s: %w", id, repositories.ErrNotFound)
	}
	delete(r.policies, id)
	return nil
}

// UserPermissionRepository is an in-memory UserPermissionRepository
type UserPermissionRepository struct {
	mu    sync.RWMutex
	users map[string]*entities.UserPermissions
}

// NewUserPermissionRepository creates an empty user permission repository
func NewUserPermissionRepository() *UserPermissionRepository {
	return &UserPermissionRepository{users: make(map[string]*entities.UserPermissions)}
}

// Save implements repositories.UserPermissionRepository
func (r *UserPermissionRepository) Save(_ context.Context, user *entities.UserPermissions) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.users[user.UserID] = user.Clone()
	return nil
}

// Get implements repositories.UserPermissionRepository
func (r *UserPermissionRepository) Get(_ context.Context, userID string) (*entities.UserPermissions, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	user, ok := r.users[userID]
	if !ok {
		return nil, fmt.Errorf("user %s: %w", userID, repositories.ErrNotFound)
	}
	return user.Clone(), nil
}

// Delete implements repositories.UserPermissionRepository
func (r *UserPermissionRepository) Delete(_ context.Context, userID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.users, userID)
	return nil
}

// ListByRoles implements repositories.UserPermissionRepository
func (r *UserPermissionRepository) ListByRoles(_ context.Context, roleIDs []string) ([]string, error) {
	wanted := make(map[string]bool, len(roleIDs))
	for _, id := range roleIDs {
		wanted[id] = true
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	var ids []string
	for id, user := range r.users {
		for _, roleID := range user.RoleIDs {
			if wanted[roleID] {
				ids = append(ids, id)
				break
			}
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// ListIDs implements repositories.UserPermissionRepository
func (r *UserPermissionRepository) ListIDs(_ context.Context, after string, limit int) ([]string, error) {
	r.mu.RLock()
	ids := make([]string, 0, len(r.users))
	for id := range r.users {
		if id > after {
			ids = append(ids, id)
		}
	}
	r.mu.RUnlock()

	sort.Strings(ids)
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

// AuditRepository is an in-memory append-only AuditRepository
type AuditRepository struct {
	mu      sync.RWMutex
	entries []*entities.PermissionAuditEntry
	ids     map[string]bool
}

// NewAuditRepository creates an empty audit repository
func NewAuditRepository() *AuditRepository {
	return &AuditRepository{ids: make(map[string]bool)}
}

// Append implements repositories.AuditRepository. Entries whose ID is
// already stored are ignored.
func (r *AuditRepository) Append(_ context.Context, entries []*entities.PermissionAuditEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range entries {
		if e.ID != "" && r.ids[e.ID] {
			continue
		}
		e.Sequence, e.PrevHash = 1, ""
		if n := len(r.entries); n > 0 {
			e.Sequence = r.entries[n-1].Sequence + 1
			e.PrevHash = r.entries[n-1].Hash
		}
		e.Hash = e.ComputeHash()
		c := *e
		r.entries = append(r.entries, &c)
		if e.ID != "" {
			r.ids[e.ID] = true
		}
	}
	return nil
}

// Query implements repositories.AuditRepository
func (r *AuditRepository) Query(_ context.Context, filter *entities.AuditFilter) ([]*entities.PermissionAuditEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*entities.PermissionAuditEntry
	for i := len(r.entries) - 1; i >= 0; i-- {
		if !filter.Matches(r.entries[i]) {
			continue
		}
		c := *r.entries[i]
		out = append(out, &c)
		if filter != nil && filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

// Latest implements repositories.AuditRepository
func (r *AuditRepository) Latest(_ context.Context) (*entities.PermissionAuditEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.entries) == 0 {
		return nil, nil
	}
	c := *r.entries[len(r.entries)-1]
	return &c, nil
}

var (
	_ repositories.RoleRepository           = (*RoleRepository)(nil)
	_ repositories.PolicyRepository         = (*PolicyRepository)(nil)
	_ repositories.UserPermissionRepository = (*UserPermissionRepository)(nil)
	_ repositories.AuditRepository          = (*AuditRepository)(nil)
)
