package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/asakaida/kanshi/internal/entities"
	"github.com/asakaida/kanshi/internal/services/authorization"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// PermissionServiceInterface is the surface consumed by transports
type PermissionServiceInterface interface {
	CheckPermission(ctx context.Context, req *entities.CheckRequest) (*entities.Decision, error)
	ResolvePermissions(ctx context.Context, userID string) (*entities.ResolvedPermissions, error)
	AddRole(ctx context.Context, def *entities.RoleDefinition) error
	DeleteRole(ctx context.Context, roleID string) error
	SavePolicy(ctx context.Context, policy *entities.PermissionPolicy) (*entities.PermissionPolicy, error)
	DeletePolicy(ctx context.Context, policyID string) error
	UpdateUserPermissions(ctx context.Context, user *entities.UserPermissions) (*entities.UserPermissions, error)
	DeleteUserPermissions(ctx context.Context, userID string) error
	AuditLog(ctx context.Context, filter *entities.AuditFilter) ([]*entities.PermissionAuditEntry, error)
	VerifyAuditLog(ctx context.Context, from, to time.Time) (int, error)
}

// Config holds the collaborators of a PermissionService
type Config struct {
	Catalog  *authorization.Catalog
	Roles    *authorization.RoleGraph
	Policies *authorization.PolicyStore
	Users    *authorization.UserStore
	Cache    *authorization.DecisionCache
	Audit    *authorization.AuditLog
	Logger   logrus.FieldLogger
	Recorder authorization.Recorder

	// LogOnlyOnCacheMiss skips audit entries for decisions served from cache
	LogOnlyOnCacheMiss bool

	// ReResolveConcurrency bounds parallel users in ReResolveUsers
	ReResolveConcurrency int
}

// PermissionService orchestrates cache, engine and audit for checks and is
// the only write path for roles, policies and user records
type PermissionService struct {
	catalog  *authorization.Catalog
	roles    *authorization.RoleGraph
	policies *authorization.PolicyStore
	users    *authorization.UserStore
	engine   *authorization.Engine
	cache    *authorization.DecisionCache
	audit    *authorization.AuditLog
	logger   logrus.FieldLogger
	recorder authorization.Recorder

	logOnlyOnCacheMiss bool
	concurrency        int

	// adminMu serializes role and policy writes with their invalidation
	adminMu sync.Mutex
	now     func() time.Time
}

// NewPermissionService creates a new PermissionService
func NewPermissionService(cfg Config) *PermissionService {
	if cfg.Recorder == nil {
		cfg.Recorder = authorization.NopRecorder()
	}
	if cfg.Cache == nil {
		cfg.Cache = authorization.NewDecisionCache(nil, 0)
	}
	if cfg.ReResolveConcurrency <= 0 {
		cfg.ReResolveConcurrency = 8
	}
	return &PermissionService{
		catalog:            cfg.Catalog,
		roles:              cfg.Roles,
		policies:           cfg.Policies,
		users:              cfg.Users,
		engine:             authorization.NewEngine(cfg.Catalog, cfg.Roles, cfg.Policies, cfg.Users),
		cache:              cfg.Cache,
		audit:              cfg.Audit,
		logger:             cfg.Logger,
		recorder:           cfg.Recorder,
		logOnlyOnCacheMiss: cfg.LogOnlyOnCacheMiss,
		concurrency:        cfg.ReResolveConcurrency,
		now:                time.Now,
	}
}

// CheckPermission decides a request. Every call is audited, including
// cache hits unless LogOnlyOnCacheMiss is set. On error the returned
// decision denies.
func (s *PermissionService) CheckPermission(ctx context.Context, req *entities.CheckRequest) (*entities.Decision, error) {
	if req == nil {
		return nil, fmt.Errorf("%w: request is required", entities.ErrUnauthorized)
	}

	// The epoch is read before any state so a concurrent write cannot leave
	// a stale decision reachable.
	epoch := s.cache.Epoch(ctx, req.UserID)
	key := s.cache.DecisionKey(req, epoch)

	if cached, ok := s.cache.GetDecision(ctx, key); ok {
		cached.ServedFromCache = true
		s.recorder.RecordDecision(string(cached.Reason), cached.Allowed, true)
		if !s.logOnlyOnCacheMiss {
			s.record(ctx, req, cached)
		}
		return cached, nil
	}

	// Coalesced callers share one evaluation, so it must outlive the
	// cancellation of whichever caller started it.
	shareCtx := context.WithoutCancel(ctx)
	v, err := s.cache.Do(key, func() (interface{}, error) {
		d, err := s.engine.Check(shareCtx, req)
		if err == nil {
			s.cache.PutDecision(shareCtx, key, d)
		}
		return d, err
	})
	shared, _ := v.(*entities.Decision)
	decision := &entities.Decision{Reason: entities.ReasonStoreUnavailable, Permission: entities.NewPermissionKey(req.Resource, req.Action, req.Scope)}
	if shared != nil {
		c := *shared
		decision = &c
	}

	s.recorder.RecordDecision(string(decision.Reason), decision.Allowed, false)
	s.record(ctx, req, decision)
	return decision, err
}

func (s *PermissionService) record(ctx context.Context, req *entities.CheckRequest, d *entities.Decision) {
	if s.audit == nil {
		return
	}
	s.audit.Record(ctx, entities.PermissionAuditEntry{
		UserID:          req.UserID,
		Action:          req.Action,
		Resource:        req.Resource,
		ResourceID:      req.ResourceID,
		Permission:      d.Permission,
		RoleID:          d.RoleID,
		Success:         d.Allowed,
		Reason:          d.Reason,
		ServedFromCache: d.ServedFromCache,
		Metadata:        req.Metadata,
	})
}

// ResolvePermissions returns the user's effective permission set
func (s *PermissionService) ResolvePermissions(ctx context.Context, userID string) (*entities.ResolvedPermissions, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: userId is required", entities.ErrUnauthorized)
	}
	epoch := s.cache.Epoch(ctx, userID)
	key := s.cache.ResolvedKey(userID, epoch)
	if cached, ok := s.cache.GetResolved(ctx, key); ok {
		return cached, nil
	}

	keys, err := s.engine.EffectivePermissions(ctx, userID)
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	resolved := &entities.ResolvedPermissions{
		UserID:      userID,
		Permissions: keys,
		ResolvedAt:  now,
		ExpiresAt:   now.Add(s.cache.TTL()),
	}
	s.cache.PutResolved(ctx, key, resolved)
	return resolved, nil
}

// AddRole creates or replaces a role and invalidates every user holding it
// or a role inheriting from it. Every write path requires a privileged
// caller.
func (s *PermissionService) AddRole(ctx context.Context, def *entities.RoleDefinition) error {
	if def == nil {
		if err := requireAdmin(ctx, false); err != nil {
			return err
		}
		return fmt.Errorf("%w: role is required", entities.ErrInvalidRole)
	}
	if err := requireAdmin(ctx, def.IsSystemRole || s.roles.IsSystemRole(def.ID)); err != nil {
		return err
	}

	s.adminMu.Lock()
	defer s.adminMu.Unlock()

	if err := s.roles.AddRole(ctx, def); err != nil {
		return err
	}
	s.invalidateRoles(ctx, s.roles.Descendants(def.ID))
	return nil
}

// DeleteRole removes a role. Users still assigned to it fail closed until
// their records are updated.
func (s *PermissionService) DeleteRole(ctx context.Context, roleID string) error {
	if err := requireAdmin(ctx, s.roles.IsSystemRole(roleID)); err != nil {
		return err
	}
	s.adminMu.Lock()
	defer s.adminMu.Unlock()

	if err := s.roles.DeleteRole(ctx, roleID); err != nil {
		return err
	}
	s.invalidateRoles(ctx, []string{roleID})
	return nil
}

// SavePolicy validates and stores a policy and invalidates every user it
// applied to before or applies to now
func (s *PermissionService) SavePolicy(ctx context.Context, policy *entities.PermissionPolicy) (*entities.PermissionPolicy, error) {
	if err := requireAdmin(ctx, false); err != nil {
		return nil, err
	}
	s.adminMu.Lock()
	defer s.adminMu.Unlock()

	var previous *entities.PermissionPolicy
	if policy != nil && policy.ID != "" {
		previous, _ = s.policies.GetPolicy(policy.ID)
	}
	saved, err := s.policies.SavePolicy(ctx, policy)
	if err != nil {
		return nil, err
	}
	s.invalidatePolicy(ctx, previous, saved)
	return saved, nil
}

// DeletePolicy removes a policy and invalidates the users it applied to
func (s *PermissionService) DeletePolicy(ctx context.Context, policyID string) error {
	if err := requireAdmin(ctx, false); err != nil {
		return err
	}
	s.adminMu.Lock()
	defer s.adminMu.Unlock()

	removed, err := s.policies.DeletePolicy(ctx, policyID)
	if err != nil {
		return err
	}
	s.invalidatePolicy(ctx, removed)
	return nil
}

// UpdateUserPermissions replaces a user record. Every assigned role must
// exist. The user's cached entries are invalidated before it returns.
func (s *PermissionService) UpdateUserPermissions(ctx context.Context, user *entities.UserPermissions) (*entities.UserPermissions, error) {
	if err := requireAdmin(ctx, false); err != nil {
		return nil, err
	}
	if user == nil {
		return nil, fmt.Errorf("%w: record is required", entities.ErrInvalidUserPermissions)
	}
	for _, roleID := range user.RoleIDs {
		if _, ok := s.roles.GetRole(roleID); !ok {
			return nil, fmt.Errorf("%w: %s", entities.ErrRoleNotFound, roleID)
		}
	}
	return s.users.Update(ctx, user, func(userID string) { s.invalidateUser(ctx, userID) })
}

// DeleteUserPermissions removes a user record
func (s *PermissionService) DeleteUserPermissions(ctx context.Context, userID string) error {
	if err := requireAdmin(ctx, false); err != nil {
		return err
	}
	return s.users.Delete(ctx, userID, func(userID string) { s.invalidateUser(ctx, userID) })
}

// AuditLog returns audit entries matching filter, newest first
func (s *PermissionService) AuditLog(ctx context.Context, filter *entities.AuditFilter) ([]*entities.PermissionAuditEntry, error) {
	if s.audit == nil {
		return nil, nil
	}
	return s.audit.Query(ctx, filter)
}

// VerifyAuditLog checks the hash chain over the sequence span of the
// entries stored in [from, to) and returns the number of entries verified.
// Entries persisted out of timestamp order inside the span are included.
func (s *PermissionService) VerifyAuditLog(ctx context.Context, from, to time.Time) (int, error) {
	if s.audit == nil {
		return 0, nil
	}
	entries, err := s.audit.Query(ctx, &entities.AuditFilter{From: from, To: to})
	if err != nil {
		return 0, err
	}
	var first, last uint64
	for _, e := range entries {
		// Pending entries have no sequence yet and are not part of the chain
		if e.Sequence == 0 {
			continue
		}
		if first == 0 || e.Sequence < first {
			first = e.Sequence
		}
		if e.Sequence > last {
			last = e.Sequence
		}
	}
	if last == 0 {
		return 0, nil
	}

	span, err := s.audit.Query(ctx, &entities.AuditFilter{MinSequence: first, MaxSequence: last})
	if err != nil {
		return 0, err
	}
	stored := span[:0]
	for _, e := range span {
		if e.Sequence > 0 {
			stored = append(stored, e)
		}
	}
	sort.Slice(stored, func(i, j int) bool { return stored[i].Sequence < stored[j].Sequence })
	return len(stored), authorization.VerifyChain(stored)
}

// FlushAudit retries audit entries that could not be persisted
func (s *PermissionService) FlushAudit(ctx context.Context) error {
	if s.audit == nil {
		return nil
	}
	return s.audit.Flush(ctx)
}

// Sync reloads roles and policies from the durable store and drops every
// cached decision. A store that cannot be read leaves the current
// definitions in place.
func (s *PermissionService) Sync(ctx context.Context) error {
	s.adminMu.Lock()
	defer s.adminMu.Unlock()

	err := errors.Join(s.roles.Sync(ctx), s.policies.Sync(ctx))
	if cerr := s.cache.InvalidateAll(ctx); cerr != nil {
		s.logger.WithError(cerr).Error("failed to invalidate decision cache after sync")
	}
	return err
}

// ReResolveUsers re-resolves users in id order after cursor, warming the
// cache. It returns the id of the last user of the last fully processed
// batch, which can be passed back in to resume after cancellation.
func (s *PermissionService) ReResolveUsers(ctx context.Context, cursor string, batchSize int) (string, error) {
	if batchSize <= 0 {
		batchSize = 500
	}
	for {
		if err := ctx.Err(); err != nil {
			return cursor, err
		}
		ids, err := s.users.ListIDs(ctx, cursor, batchSize)
		if err != nil {
			return cursor, err
		}
		if len(ids) == 0 {
			return cursor, nil
		}

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(s.concurrency)
		for _, id := range ids {
			g.Go(func() error {
				if err := gctx.Err(); err != nil {
					return err
				}
				_, err := s.ResolvePermissions(gctx, id)
				switch {
				case err == nil:
					return nil
				case errors.Is(err, entities.ErrRoleNotFound), errors.Is(err, entities.ErrUserNotFound):
					s.logger.WithError(err).WithField("user_id", id).Warn("skipping user during re-resolution")
					return nil
				default:
					return err
				}
			})
		}
		if err := g.Wait(); err != nil {
			return cursor, err
		}
		cursor = ids[len(ids)-1]
		if len(ids) < batchSize {
			return cursor, nil
		}
	}
}

// InvalidateUser drops the cached decisions of one user. The invalidation
// listener calls it for user record changes made by other instances.
func (s *PermissionService) InvalidateUser(ctx context.Context, userID string) error {
	return s.cache.Invalidate(ctx, userID)
}

func (s *PermissionService) invalidateUser(ctx context.Context, userID string) {
	if err := s.cache.Invalidate(ctx, userID); err != nil {
		s.logger.WithError(err).WithField("user_id", userID).Error("failed to invalidate user, dropping all cached decisions")
		s.invalidateAll(ctx)
	}
}

func (s *PermissionService) invalidateAll(ctx context.Context) {
	if err := s.cache.InvalidateAll(ctx); err != nil {
		s.logger.WithError(err).Error("failed to invalidate decision cache")
	}
}

// invalidateRoles invalidates every user holding one of roleIDs. When the
// affected users cannot be listed everything is invalidated.
func (s *PermissionService) invalidateRoles(ctx context.Context, roleIDs []string) {
	if len(roleIDs) == 0 {
		return
	}
	userIDs, err := s.users.ListByRoles(ctx, roleIDs)
	if err != nil {
		s.logger.WithError(err).WithField("roles", roleIDs).Warn("cannot list affected users, dropping all cached decisions")
		s.invalidateAll(ctx)
		return
	}
	for _, id := range userIDs {
		s.invalidateUser(ctx, id)
	}
}

// invalidatePolicy invalidates the users affected by any of the given
// versions of a policy. A policy without applicable roles affects everyone.
func (s *PermissionService) invalidatePolicy(ctx context.Context, versions ...*entities.PermissionPolicy) {
	var roleIDs []string
	for _, p := range versions {
		if p == nil {
			continue
		}
		if len(p.ApplicableRoleIDs) == 0 {
			s.invalidateAll(ctx)
			return
		}
		roleIDs = append(roleIDs, p.ApplicableRoleIDs...)
	}
	s.invalidateRoles(ctx, s.roles.Descendants(roleIDs...))
}

var _ PermissionServiceInterface = (*PermissionService)(nil)
