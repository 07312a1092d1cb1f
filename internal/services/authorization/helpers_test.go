package authorization

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/asakaida/kanshi/internal/entities"
	"github.com/asakaida/kanshi/internal/repositories"
	"github.com/asakaida/kanshi/internal/repositories/memory"
	"github.com/asakaida/kanshi/pkg/cache/memorycache"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
)

var errStoreDown = errors.New("connection refused")

func newTestLogger() (*logrus.Logger, *test.Hook) {
	return test.NewNullLogger()
}

// fixture wires the engine components over in-memory repositories
type fixture struct {
	catalog  *Catalog
	roles    *RoleGraph
	policies *PolicyStore
	users    *UserStore
	engine   *Engine
	roleRepo *memory.RoleRepository
	userRepo *flakyUserRepository
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger, _ := newTestLogger()

	catalog := NewCatalog()
	catalog.RegisterResources("pos", "cash_drawer", "basic", "restricted")
	catalog.RegisterActions("access")

	f := &fixture{
		catalog:  catalog,
		roleRepo: memory.NewRoleRepository(),
		userRepo: &flakyUserRepository{UserPermissionRepository: memory.NewUserPermissionRepository()},
	}
	f.roles = NewRoleGraph(catalog, f.roleRepo, logger)
	f.policies = NewPolicyStore(catalog, memory.NewPolicyRepository(), logger)
	f.users = NewUserStore(catalog, f.userRepo, logger, 100, time.Hour)
	f.engine = NewEngine(catalog, f.roles, f.policies, f.users)
	return f
}

func (f *fixture) addRole(t *testing.T, def *entities.RoleDefinition) {
	t.Helper()
	if err := f.roles.AddRole(context.Background(), def); err != nil {
		t.Fatalf("AddRole(%s) error: %v", def.ID, err)
	}
}

func (f *fixture) addUser(t *testing.T, user *entities.UserPermissions) {
	t.Helper()
	if _, err := f.users.Update(context.Background(), user, nil); err != nil {
		t.Fatalf("Update(%s) error: %v", user.UserID, err)
	}
}

func (f *fixture) savePolicy(t *testing.T, p *entities.PermissionPolicy) *entities.PermissionPolicy {
	t.Helper()
	saved, err := f.policies.SavePolicy(context.Background(), p)
	if err != nil {
		t.Fatalf("SavePolicy(%s) error: %v", p.ID, err)
	}
	return saved
}

func perm(resource entities.PermissionResource, action entities.PermissionAction) entities.Permission {
	return entities.Permission{Resource: resource, Action: action}
}

// flakyUserRepository fails reads while down is set
type flakyUserRepository struct {
	repositories.UserPermissionRepository
	mu   sync.Mutex
	down bool
}

func (r *flakyUserRepository) setDown(down bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.down = down
}

func (r *flakyUserRepository) Get(ctx context.Context, userID string) (*entities.UserPermissions, error) {
	r.mu.Lock()
	down := r.down
	r.mu.Unlock()
	if down {
		return nil, errStoreDown
	}
	return r.UserPermissionRepository.Get(ctx, userID)
}

// failingRoleRepository rejects every call
type failingRoleRepository struct{}

func (failingRoleRepository) Save(context.Context, *entities.RoleDefinition) error { return errStoreDown }
func (failingRoleRepository) Get(context.Context, string) (*entities.RoleDefinition, error) {
	return nil, errStoreDown
}
func (failingRoleRepository) List(context.Context) ([]*entities.RoleDefinition, error) {
	return nil, errStoreDown
}
func (failingRoleRepository) Delete(context.Context, string) error { return errStoreDown }

// flakyAuditRepository fails appends while down is set
type flakyAuditRepository struct {
	*memory.AuditRepository
	mu      sync.Mutex
	down    bool
	appends int
}

func newFlakyAuditRepository() *flakyAuditRepository {
	return &flakyAuditRepository{AuditRepository: memory.NewAuditRepository()}
}

func (r *flakyAuditRepository) setDown(down bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.down = down
}

func (r *flakyAuditRepository) Append(ctx context.Context, entries []*entities.PermissionAuditEntry) error {
	r.mu.Lock()
	down := r.down
	r.appends++
	r.mu.Unlock()
	if down {
		return errStoreDown
	}
	return r.AuditRepository.Append(ctx, entries)
}

// countingRecorder counts recorder calls
type countingRecorder struct {
	mu        sync.Mutex
	decisions int
	failures  int
	dropped   int
}

func (r *countingRecorder) RecordDecision(string, bool, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.decisions++
}

func (r *countingRecorder) RecordAuditFailure() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures++
}

func (r *countingRecorder) RecordAuditDropped() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dropped++
}

func newMemoryBackend(t *testing.T) *memorycache.Cache {
	t.Helper()
	c, err := memorycache.New(&memorycache.Config{
		MaxSizeBytes:  1 << 20,
		DefaultTTL:    time.Minute,
		EnableMetrics: true,
	})
	if err != nil {
		t.Fatalf("memorycache.New error: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}
