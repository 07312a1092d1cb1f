package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/asakaida/kanshi/internal/entities"
	"github.com/asakaida/kanshi/internal/repositories"
	"github.com/asakaida/kanshi/internal/repositories/memory"
	"github.com/asakaida/kanshi/internal/services/authorization"
	"github.com/asakaida/kanshi/pkg/cache/memorycache"
	"github.com/sirupsen/logrus/hooks/test"
)

var errStoreDown = errors.New("connection refused")

// testEnv is a PermissionService over in-memory repositories
type testEnv struct {
	svc       *PermissionService
	backend   *memorycache.Cache
	audit     *flakyAuditRepository
	users     *listFailingUserRepository
	roleRepo  *memory.RoleRepository
	policyRep *memory.PolicyRepository
}

type envOption func(*Config)

func newTestEnv(t *testing.T, opts ...envOption) *testEnv {
	t.Helper()
	logger, _ := test.NewNullLogger()

	backend, err := memorycache.New(&memorycache.Config{MaxSizeBytes: 1 << 20, DefaultTTL: time.Minute, EnableMetrics: true})
	if err != nil {
		t.Fatalf("memorycache.New error: %v", err)
	}
	t.Cleanup(func() { _ = backend.Close() })

	env := &testEnv{
		backend:   backend,
		audit:     &flakyAuditRepository{AuditRepository: memory.NewAuditRepository()},
		users:     &listFailingUserRepository{UserPermissionRepository: memory.NewUserPermissionRepository()},
		roleRepo:  memory.NewRoleRepository(),
		policyRep: memory.NewPolicyRepository(),
	}

	catalog := authorization.NewCatalog()
	catalog.RegisterResources("pos", "cash_drawer")
	catalog.RegisterActions("access")

	auditLog, err := authorization.NewAuditLog(context.Background(), env.audit, logger, authorization.AuditLogOptions{})
	if err != nil {
		t.Fatalf("NewAuditLog error: %v", err)
	}

	cfg := Config{
		Catalog:  catalog,
		Roles:    authorization.NewRoleGraph(catalog, env.roleRepo, logger),
		Policies: authorization.NewPolicyStore(catalog, env.policyRep, logger),
		Users:    authorization.NewUserStore(catalog, env.users, logger, 100, time.Hour),
		Cache:    authorization.NewDecisionCache(backend, time.Minute),
		Audit:    auditLog,
		Logger:   logger,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	env.svc = NewPermissionService(cfg)
	return env
}

func admin() context.Context {
	return WithCaller(context.Background(), Caller{UserID: "root", Privileged: true})
}

func (e *testEnv) mustAddRole(t *testing.T, def *entities.RoleDefinition) {
	t.Helper()
	if err := e.svc.AddRole(admin(), def); err != nil {
		t.Fatalf("AddRole(%s) error: %v", def.ID, err)
	}
}

func (e *testEnv) mustUpdateUser(t *testing.T, u *entities.UserPermissions) {
	t.Helper()
	if _, err := e.svc.UpdateUserPermissions(admin(), u); err != nil {
		t.Fatalf("UpdateUserPermissions(%s) error: %v", u.UserID, err)
	}
}

func (e *testEnv) check(t *testing.T, req entities.CheckRequest) *entities.Decision {
	t.Helper()
	d, err := e.svc.CheckPermission(context.Background(), &req)
	if err != nil {
		t.Fatalf("CheckPermission error: %v", err)
	}
	return d
}

func (e *testEnv) auditCount(t *testing.T) int {
	t.Helper()
	entries, err := e.svc.AuditLog(context.Background(), nil)
	if err != nil {
		t.Fatalf("AuditLog error: %v", err)
	}
	return len(entries)
}

type flakyAuditRepository struct {
	*memory.AuditRepository
	mu   sync.Mutex
	down bool
}

func (r *flakyAuditRepository) setDown(down bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.down = down
}

func (r *flakyAuditRepository) Append(ctx context.Context, entries []*entities.PermissionAuditEntry) error {
	r.mu.Lock()
	down := r.down
	r.mu.Unlock()
	if down {
		return errStoreDown
	}
	return r.AuditRepository.Append(ctx, entries)
}

type listFailingUserRepository struct {
	repositories.UserPermissionRepository
	failList      bool
	cancelledGets int
}

func (r *listFailingUserRepository) Get(ctx context.Context, userID string) (*entities.UserPermissions, error) {
	if err := ctx.Err(); err != nil {
		r.cancelledGets++
		return nil, err
	}
	return r.UserPermissionRepository.Get(ctx, userID)
}

func (r *listFailingUserRepository) ListByRoles(ctx context.Context, roleIDs []string) ([]string, error) {
	if r.failList {
		return nil, errStoreDown
	}
	return r.UserPermissionRepository.ListByRoles(ctx, roleIDs)
}

func seedManager(t *testing.T, e *testEnv) {
	t.Helper()
	e.mustAddRole(t, &entities.RoleDefinition{ID: "base", Name: "Base", Permissions: []entities.Permission{{Resource: "tasks", Action: "read"}}})
	e.mustAddRole(t, &entities.RoleDefinition{ID: "manager", Name: "Manager", InheritFrom: "base", Permissions: []entities.Permission{{Resource: "tasks", Action: "assign"}}})
	e.mustUpdateUser(t, &entities.UserPermissions{UserID: "u1", RoleIDs: []string{"manager"}})
}

func TestPermissionService_ResolvePermissions(t *testing.T) {
	e := newTestEnv(t)
	seedManager(t, e)

	got, err := e.svc.ResolvePermissions(context.Background(), "u1")
	if err != nil {
		t.Fatalf("ResolvePermissions error: %v", err)
	}
	if len(got.Permissions) != 2 || !got.Has("tasks:read") || !got.Has("tasks:assign") {
		t.Errorf("Permissions = %v, want tasks:read and tasks:assign", got.Permissions)
	}
	if !got.ExpiresAt.After(got.ResolvedAt) {
		t.Error("expected ExpiresAt after ResolvedAt")
	}

	// Revoking the role is visible immediately
	e.mustUpdateUser(t, &entities.UserPermissions{UserID: "u1"})
	got, err = e.svc.ResolvePermissions(context.Background(), "u1")
	if err != nil {
		t.Fatalf("ResolvePermissions error: %v", err)
	}
	if len(got.Permissions) != 0 {
		t.Errorf("Permissions after revocation = %v, want none", got.Permissions)
	}
}

func TestPermissionService_CacheHitForReorderedContext(t *testing.T) {
	e := newTestEnv(t)
	seedManager(t, e)

	first := entities.CheckRequest{UserID: "u1", Resource: "tasks", Action: "read", Context: map[string]interface{}{}}
	first.Context["a"] = "1"
	first.Context["b"] = 2.0
	second := entities.CheckRequest{UserID: "u1", Resource: "tasks", Action: "read", Context: map[string]interface{}{}}
	second.Context["b"] = 2.0
	second.Context["a"] = "1"

	if d := e.check(t, first); d.ServedFromCache || !d.Allowed {
		t.Fatalf("first check = %+v, want fresh grant", d)
	}
	if d := e.check(t, second); !d.ServedFromCache || !d.Allowed {
		t.Errorf("second check = %+v, want cached grant", d)
	}
	if hits := e.backend.Metrics().Hits; hits == 0 {
		t.Error("expected backend cache hits")
	}
}

func TestPermissionService_NoStaleDecisionAfterUpdate(t *testing.T) {
	e := newTestEnv(t)
	seedManager(t, e)
	req := entities.CheckRequest{UserID: "u1", Resource: "tasks", Action: "assign"}

	e.check(t, req)
	if d := e.check(t, req); !d.ServedFromCache || !d.Allowed {
		t.Fatalf("expected cached grant, got %+v", d)
	}

	e.mustUpdateUser(t, &entities.UserPermissions{UserID: "u1", RoleIDs: []string{"manager"}, DeniedPermissions: []entities.PermissionKey{"tasks:assign"}})

	d := e.check(t, req)
	if d.ServedFromCache || d.Allowed || d.Reason != entities.ReasonExplicitDenial {
		t.Errorf("check after update = %+v, want fresh explicit denial", d)
	}
}

func TestPermissionService_RoleWriteInvalidatesHolders(t *testing.T) {
	ctx := context.Background()
	req := entities.CheckRequest{UserID: "u1", Resource: "tasks", Action: "read"}

	t.Run("ancestor change reaches descendants", func(t *testing.T) {
		e := newTestEnv(t)
		seedManager(t, e)
		e.check(t, req)

		// Base loses tasks:read; u1 holds manager which inherits base
		e.mustAddRole(t, &entities.RoleDefinition{ID: "base", Name: "Base"})
		if d := e.check(t, req); d.ServedFromCache || d.Allowed {
			t.Errorf("check after role change = %+v, want fresh denial", d)
		}
	})

	t.Run("listing failure falls back to invalidating everything", func(t *testing.T) {
		e := newTestEnv(t)
		seedManager(t, e)
		e.check(t, req)

		e.users.failList = true
		e.mustAddRole(t, &entities.RoleDefinition{ID: "base", Name: "Base"})
		if d := e.check(t, req); d.ServedFromCache || d.Allowed {
			t.Errorf("check after role change = %+v, want fresh denial", d)
		}
	})

	t.Run("delete role", func(t *testing.T) {
		e := newTestEnv(t)
		seedManager(t, e)
		e.mustAddRole(t, &entities.RoleDefinition{ID: "extra", Name: "Extra", Permissions: []entities.Permission{{Resource: "reports", Action: "read"}}})
		e.mustUpdateUser(t, &entities.UserPermissions{UserID: "u1", RoleIDs: []string{"manager", "extra"}})
		e.check(t, req)

		if err := e.svc.DeleteRole(admin(), "extra"); err != nil {
			t.Fatalf("DeleteRole error: %v", err)
		}
		d, err := e.svc.CheckPermission(ctx, &req)
		if !errors.Is(err, entities.ErrRoleNotFound) || d.Allowed || d.Reason != entities.ReasonRoleNotFound {
			t.Errorf("check after delete = %+v, %v; want role_not_found", d, err)
		}
	})
}

func TestPermissionService_PolicyWriteInvalidates(t *testing.T) {
	ctx := admin()
	e := newTestEnv(t)
	seedManager(t, e)
	req := entities.CheckRequest{UserID: "u1", Resource: "tasks", Action: "read"}
	e.check(t, req)

	saved, err := e.svc.SavePolicy(ctx, &entities.PermissionPolicy{
		Name: "Freeze", IsActive: true, ApplicableRoleIDs: []string{"base"},
		Rules: []entities.PermissionRule{{Resource: "tasks", Action: "read", Effect: entities.EffectDeny}},
	})
	if err != nil {
		t.Fatalf("SavePolicy error: %v", err)
	}
	if d := e.check(t, req); d.ServedFromCache || d.Reason != entities.ReasonPolicyDeny {
		t.Errorf("check after policy save = %+v, want fresh policy_deny", d)
	}

	if err := e.svc.DeletePolicy(ctx, saved.ID); err != nil {
		t.Fatalf("DeletePolicy error: %v", err)
	}
	if d := e.check(t, req); d.ServedFromCache || !d.Allowed {
		t.Errorf("check after policy delete = %+v, want fresh grant", d)
	}

	_, err = e.svc.SavePolicy(ctx, &entities.PermissionPolicy{
		ID: "bad", Name: "Bad", IsActive: true,
		Rules: []entities.PermissionRule{{Resource: "", Action: "read"}},
	})
	if !errors.Is(err, entities.ErrMalformedPolicyRule) {
		t.Errorf("SavePolicy(malformed) error = %v, want ErrMalformedPolicyRule", err)
	}
}

func TestPermissionService_AuditEveryCheck(t *testing.T) {
	t.Run("hits and misses are audited", func(t *testing.T) {
		e := newTestEnv(t)
		seedManager(t, e)
		req := entities.CheckRequest{UserID: "u1", Resource: "tasks", Action: "read"}

		for i := 1; i <= 3; i++ {
			e.check(t, req)
			if n := e.auditCount(t); n != i {
				t.Fatalf("after %d checks audit has %d entries", i, n)
			}
		}
		entries, _ := e.svc.AuditLog(context.Background(), &entities.AuditFilter{UserID: "u1", Limit: 1})
		if len(entries) != 1 || !entries[0].ServedFromCache || !entries[0].Success {
			t.Errorf("latest entry = %+v, want cached grant", entries)
		}
	})

	t.Run("errors are audited with their reason", func(t *testing.T) {
		e := newTestEnv(t)
		_, err := e.svc.CheckPermission(context.Background(), &entities.CheckRequest{UserID: "ghost", Resource: "tasks", Action: "read"})
		if !errors.Is(err, entities.ErrUserNotFound) {
			t.Fatalf("error = %v, want ErrUserNotFound", err)
		}
		_, err = e.svc.CheckPermission(context.Background(), &entities.CheckRequest{UserID: "ghost", Resource: "spaceships", Action: "read"})
		if !errors.Is(err, entities.ErrUnknownResource) {
			t.Fatalf("error = %v, want ErrUnknownResource", err)
		}
		entries, _ := e.svc.AuditLog(context.Background(), nil)
		if len(entries) != 2 || entries[0].Reason != entities.ReasonInvalidRequest || entries[1].Reason != entities.ReasonNoGrant {
			t.Errorf("entries = %+v", entries)
		}
	})

	t.Run("denial reason is distinguishable from no grant", func(t *testing.T) {
		e := newTestEnv(t)
		e.mustUpdateUser(t, &entities.UserPermissions{
			UserID:            "u2",
			DirectPermissions: []entities.PermissionKey{"tasks:read"},
			DeniedPermissions: []entities.PermissionKey{"reports:read"},
		})
		e.check(t, entities.CheckRequest{UserID: "u2", Resource: "reports", Action: "read"})
		e.check(t, entities.CheckRequest{UserID: "u2", Resource: "reports", Action: "export"})

		denied := false
		entries, _ := e.svc.AuditLog(context.Background(), &entities.AuditFilter{UserID: "u2", Success: &denied})
		if len(entries) != 2 {
			t.Fatalf("denied entries = %d, want 2", len(entries))
		}
		if entries[1].Reason != entities.ReasonExplicitDenial || entries[0].Reason != entities.ReasonNoGrant {
			t.Errorf("reasons = %s, %s", entries[1].Reason, entries[0].Reason)
		}
	})

	t.Run("log only on cache miss", func(t *testing.T) {
		e := newTestEnv(t, func(c *Config) { c.LogOnlyOnCacheMiss = true })
		seedManager(t, e)
		req := entities.CheckRequest{UserID: "u1", Resource: "tasks", Action: "read"}
		e.check(t, req)
		e.check(t, req)
		if n := e.auditCount(t); n != 1 {
			t.Errorf("audit entries = %d, want 1", n)
		}
	})

	t.Run("audit failure does not fail the check", func(t *testing.T) {
		e := newTestEnv(t)
		seedManager(t, e)
		e.audit.setDown(true)
		d := e.check(t, entities.CheckRequest{UserID: "u1", Resource: "tasks", Action: "read"})
		if !d.Allowed {
			t.Errorf("decision = %+v, want grant", d)
		}
		if n := e.auditCount(t); n != 1 {
			t.Errorf("pending entry must be visible, got %d", n)
		}
		e.audit.setDown(false)
		if err := e.svc.FlushAudit(context.Background()); err != nil {
			t.Errorf("FlushAudit error: %v", err)
		}
		if n, err := e.svc.VerifyAuditLog(context.Background(), time.Time{}, time.Time{}); err != nil || n != 1 {
			t.Errorf("VerifyAuditLog = %d, %v", n, err)
		}
	})
}

func TestPermissionService_SystemRoles(t *testing.T) {
	ctx := context.Background()
	e := newTestEnv(t)
	mallory := WithCaller(ctx, Caller{UserID: "mallory"})
	sys := &entities.RoleDefinition{ID: "root", Name: "Root", IsSystemRole: true}

	if err := e.svc.AddRole(mallory, sys); !errors.Is(err, entities.ErrSystemRoleProtected) {
		t.Errorf("unprivileged create: error = %v, want ErrSystemRoleProtected", err)
	}
	if err := e.svc.AddRole(ctx, sys); !errors.Is(err, entities.ErrUnauthorized) {
		t.Errorf("anonymous create: error = %v, want ErrUnauthorized", err)
	}
	e.mustAddRole(t, sys)

	// Dropping the flag does not let an unprivileged caller take it over
	err := e.svc.AddRole(mallory, &entities.RoleDefinition{ID: "root", Name: "Root"})
	if !errors.Is(err, entities.ErrSystemRoleProtected) {
		t.Errorf("unprivileged update: error = %v, want ErrSystemRoleProtected", err)
	}
	if err := e.svc.DeleteRole(mallory, "root"); !errors.Is(err, entities.ErrSystemRoleProtected) {
		t.Errorf("unprivileged delete: error = %v, want ErrSystemRoleProtected", err)
	}
	if err := e.svc.DeleteRole(admin(), "root"); err != nil {
		t.Errorf("privileged delete: error = %v", err)
	}
	if _, ok := e.svc.roles.GetRole("root"); ok {
		t.Error("root still present after privileged delete")
	}
}

func TestPermissionService_WritesRequirePrivilegedCaller(t *testing.T) {
	e := newTestEnv(t)
	e.mustAddRole(t, &entities.RoleDefinition{ID: "staff", Name: "Staff", Permissions: []entities.Permission{{Resource: "tasks", Action: "read"}}})
	e.mustUpdateUser(t, &entities.UserPermissions{UserID: "mallory", RoleIDs: []string{"staff"}})
	saved, err := e.svc.SavePolicy(admin(), &entities.PermissionPolicy{
		Name: "Read only", IsActive: true, ApplicableRoleIDs: []string{"staff"},
		Rules: []entities.PermissionRule{{Resource: "tasks", Action: "read", Effect: entities.EffectAllow}},
	})
	if err != nil {
		t.Fatalf("SavePolicy error: %v", err)
	}

	writes := []struct {
		name string
		call func(ctx context.Context) error
	}{
		{"AddRole", func(ctx context.Context) error {
			return e.svc.AddRole(ctx, &entities.RoleDefinition{ID: "staff", Name: "Staff", Permissions: []entities.Permission{{Resource: "settings", Action: "configure"}}})
		}},
		{"DeleteRole", func(ctx context.Context) error { return e.svc.DeleteRole(ctx, "staff") }},
		{"SavePolicy", func(ctx context.Context) error {
			_, err := e.svc.SavePolicy(ctx, &entities.PermissionPolicy{
				Name: "Open settings", IsActive: true, ApplicableRoleIDs: []string{"staff"},
				Rules: []entities.PermissionRule{{Resource: "settings", Action: "configure", Effect: entities.EffectAllow}},
			})
			return err
		}},
		{"DeletePolicy", func(ctx context.Context) error { return e.svc.DeletePolicy(ctx, saved.ID) }},
		{"UpdateUserPermissions", func(ctx context.Context) error {
			_, err := e.svc.UpdateUserPermissions(ctx, &entities.UserPermissions{
				UserID: "mallory", RoleIDs: []string{"staff"}, DirectPermissions: []entities.PermissionKey{"settings:configure"},
			})
			return err
		}},
		{"DeleteUserPermissions", func(ctx context.Context) error { return e.svc.DeleteUserPermissions(ctx, "mallory") }},
	}
	callers := []struct {
		name string
		ctx  context.Context
		want error
	}{
		{"anonymous", context.Background(), entities.ErrUnauthorized},
		{"empty caller id", WithCaller(context.Background(), Caller{}), entities.ErrUnauthorized},
		{"regular caller", WithCaller(context.Background(), Caller{UserID: "mallory"}), entities.ErrAdminRequired},
	}
	for _, c := range callers {
		for _, w := range writes {
			t.Run(c.name+"/"+w.name, func(t *testing.T) {
				if err := w.call(c.ctx); !errors.Is(err, c.want) {
					t.Errorf("error = %v, want %v", err, c.want)
				}
			})
		}
	}

	// None of the rejected writes granted anything
	d := e.check(t, entities.CheckRequest{UserID: "mallory", Resource: "settings", Action: "configure"})
	if d.Allowed || d.Reason != entities.ReasonNoGrant {
		t.Errorf("self-granted check = %+v, want no_grant denial", d)
	}
	if d := e.check(t, entities.CheckRequest{UserID: "mallory", Resource: "tasks", Action: "read"}); !d.Allowed {
		t.Errorf("existing grant = %+v, want allowed", d)
	}
	if _, ok := e.svc.roles.GetRole("staff"); !ok {
		t.Error("staff role lost")
	}
}

func TestPermissionService_CheckOutlivesCancelledCaller(t *testing.T) {
	e := newTestEnv(t)
	seedManager(t, e)
	req := entities.CheckRequest{UserID: "u1", Resource: "tasks", Action: "read"}

	// The evaluation is shared with coalesced callers and must not inherit
	// the starting caller's cancellation
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	d, err := e.svc.CheckPermission(ctx, &req)
	if err != nil || !d.Allowed {
		t.Fatalf("check = %+v, %v; want grant", d, err)
	}
	if e.users.cancelledGets != 0 {
		t.Errorf("user store read with a cancelled context %d times", e.users.cancelledGets)
	}
	if d := e.check(t, req); !d.ServedFromCache || !d.Allowed {
		t.Errorf("follow-up check = %+v, want cached grant", d)
	}
}

func TestPermissionService_VerifyAuditLogAcrossInstances(t *testing.T) {
	e := newTestEnv(t)
	seedManager(t, e)
	logger, _ := test.NewNullLogger()
	peer, err := authorization.NewAuditLog(context.Background(), e.audit, logger, authorization.AuditLogOptions{})
	if err != nil {
		t.Fatalf("NewAuditLog error: %v", err)
	}

	e.check(t, entities.CheckRequest{UserID: "u1", Resource: "tasks", Action: "read"})
	peer.Record(context.Background(), entities.PermissionAuditEntry{UserID: "u9", Resource: "tasks", Action: "read"})
	e.check(t, entities.CheckRequest{UserID: "u1", Resource: "tasks", Action: "assign"})

	n, err := e.svc.VerifyAuditLog(context.Background(), time.Time{}, time.Time{})
	if err != nil || n != 3 {
		t.Errorf("VerifyAuditLog = %d, %v; want 3, nil", n, err)
	}
}

func TestPermissionService_UpdateUserRejectsUnknownRole(t *testing.T) {
	e := newTestEnv(t)
	_, err := e.svc.UpdateUserPermissions(admin(), &entities.UserPermissions{UserID: "u1", RoleIDs: []string{"ghost"}})
	if !errors.Is(err, entities.ErrRoleNotFound) {
		t.Errorf("error = %v, want ErrRoleNotFound", err)
	}
}

func TestPermissionService_DeleteUserPermissions(t *testing.T) {
	ctx := context.Background()
	e := newTestEnv(t)
	seedManager(t, e)
	e.check(t, entities.CheckRequest{UserID: "u1", Resource: "tasks", Action: "read"})

	if err := e.svc.DeleteUserPermissions(admin(), "u1"); err != nil {
		t.Fatalf("DeleteUserPermissions error: %v", err)
	}
	d, err := e.svc.CheckPermission(ctx, &entities.CheckRequest{UserID: "u1", Resource: "tasks", Action: "read"})
	if !errors.Is(err, entities.ErrUserNotFound) || d.Allowed {
		t.Errorf("check after delete = %+v, %v", d, err)
	}
}

func TestPermissionService_Cashier(t *testing.T) {
	e := newTestEnv(t)
	e.mustAddRole(t, &entities.RoleDefinition{
		ID:          "cashier",
		Name:        "Cashier",
		Permissions: []entities.Permission{{Resource: "pos", Action: "access"}},
		ContextualRules: []entities.ContextualRule{{
			Condition:             "09:00 <= current_time <= 17:00",
			AdditionalPermissions: []entities.PermissionKey{"cash_drawer:access"},
		}},
	})
	e.mustUpdateUser(t, &entities.UserPermissions{UserID: "c1", RoleIDs: []string{"cashier"}})

	in := e.check(t, entities.CheckRequest{UserID: "c1", Resource: "cash_drawer", Action: "access", Context: map[string]interface{}{"current_time": "14:00"}})
	out := e.check(t, entities.CheckRequest{UserID: "c1", Resource: "cash_drawer", Action: "access", Context: map[string]interface{}{"current_time": "22:00"}})
	if !in.Allowed || out.Allowed {
		t.Errorf("14:00 allowed = %v, 22:00 allowed = %v; want true, false", in.Allowed, out.Allowed)
	}
}

func TestPermissionService_ReResolveUsers(t *testing.T) {
	e := newTestEnv(t)
	seedManager(t, e)
	for _, id := range []string{"u2", "u3", "u4", "u5"} {
		e.mustUpdateUser(t, &entities.UserPermissions{UserID: id, RoleIDs: []string{"base"}})
	}

	t.Run("processes every user", func(t *testing.T) {
		cursor, err := e.svc.ReResolveUsers(context.Background(), "", 2)
		if err != nil {
			t.Fatalf("ReResolveUsers error: %v", err)
		}
		if cursor != "u5" {
			t.Errorf("cursor = %q, want u5", cursor)
		}
	})

	t.Run("resumes from a cursor", func(t *testing.T) {
		cursor, err := e.svc.ReResolveUsers(context.Background(), "u3", 10)
		if err != nil || cursor != "u5" {
			t.Errorf("ReResolveUsers = %q, %v", cursor, err)
		}
	})

	t.Run("cancelled context returns the start cursor", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		cursor, err := e.svc.ReResolveUsers(ctx, "u2", 2)
		if !errors.Is(err, context.Canceled) || cursor != "u2" {
			t.Errorf("ReResolveUsers = %q, %v; want u2, context.Canceled", cursor, err)
		}
	})
}

func TestPermissionService_Sync(t *testing.T) {
	ctx := context.Background()
	e := newTestEnv(t)
	seedManager(t, e)
	req := entities.CheckRequest{UserID: "u1", Resource: "tasks", Action: "read"}
	e.check(t, req)

	// Another instance changed base directly in the store
	if err := e.roleRepo.Save(ctx, &entities.RoleDefinition{ID: "base", Name: "Base"}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := e.svc.Sync(ctx); err != nil {
		t.Fatalf("Sync error: %v", err)
	}
	if d := e.check(t, req); d.ServedFromCache || d.Allowed {
		t.Errorf("check after sync = %+v, want fresh denial", d)
	}
}
