package handlers

import (
	"context"
	"time"

	"github.com/asakaida/kanshi/internal/entities"
	"github.com/asakaida/kanshi/internal/services"
)

// Mock PermissionService
type mockPermissionService struct {
	checkFunc       func(ctx context.Context, req *entities.CheckRequest) (*entities.Decision, error)
	resolveFunc     func(ctx context.Context, userID string) (*entities.ResolvedPermissions, error)
	addRoleFunc     func(ctx context.Context, def *entities.RoleDefinition) error
	deleteRoleFunc  func(ctx context.Context, roleID string) error
	savePolicyFunc  func(ctx context.Context, p *entities.PermissionPolicy) (*entities.PermissionPolicy, error)
	updateUserFunc  func(ctx context.Context, u *entities.UserPermissions) (*entities.UserPermissions, error)
	auditLogFunc    func(ctx context.Context, f *entities.AuditFilter) ([]*entities.PermissionAuditEntry, error)
	verifyAuditFunc func(ctx context.Context, from, to time.Time) (int, error)
}

func (m *mockPermissionService) CheckPermission(ctx context.Context, req *entities.CheckRequest) (*entities.Decision, error) {
	if m.checkFunc != nil {
		return m.checkFunc(ctx, req)
	}
	return &entities.Decision{Reason: entities.ReasonNoGrant}, nil
}

func (m *mockPermissionService) ResolvePermissions(ctx context.Context, userID string) (*entities.ResolvedPermissions, error) {
	if m.resolveFunc != nil {
		return m.resolveFunc(ctx, userID)
	}
	return &entities.ResolvedPermissions{UserID: userID}, nil
}

func (m *mockPermissionService) AddRole(ctx context.Context, def *entities.RoleDefinition) error {
	if m.addRoleFunc != nil {
		return m.addRoleFunc(ctx, def)
	}
	return nil
}

func (m *mockPermissionService) DeleteRole(ctx context.Context, roleID string) error {
	if m.deleteRoleFunc != nil {
		return m.deleteRoleFunc(ctx, roleID)
	}
	return nil
}

func (m *mockPermissionService) SavePolicy(ctx context.Context, p *entities.PermissionPolicy) (*entities.PermissionPolicy, error) {
	if m.savePolicyFunc != nil {
		return m.savePolicyFunc(ctx, p)
	}
	return p, nil
}

func (m *mockPermissionService) DeletePolicy(ctx context.Context, policyID string) error {
	return nil
}

func (m *mockPermissionService) UpdateUserPermissions(ctx context.Context, u *entities.UserPermissions) (*entities.UserPermissions, error) {
	if m.updateUserFunc != nil {
		return m.updateUserFunc(ctx, u)
	}
	return u, nil
}

func (m *mockPermissionService) DeleteUserPermissions(ctx context.Context, userID string) error {
	return nil
}

func (m *mockPermissionService) AuditLog(ctx context.Context, f *entities.AuditFilter) ([]*entities.PermissionAuditEntry, error) {
	if m.auditLogFunc != nil {
		return m.auditLogFunc(ctx, f)
	}
	return nil, nil
}

func (m *mockPermissionService) VerifyAuditLog(ctx context.Context, from, to time.Time) (int, error) {
	if m.verifyAuditFunc != nil {
		return m.verifyAuditFunc(ctx, from, to)
	}
	return 0, nil
}

var _ services.PermissionServiceInterface = (*mockPermissionService)(nil)
