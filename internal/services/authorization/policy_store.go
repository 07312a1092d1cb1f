package authorization

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/asakaida/kanshi/internal/entities"
	"github.com/asakaida/kanshi/internal/repositories"
	"github.com/asakaida/kanshi/internal/services/parser"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// compiledPolicy is a stored policy with every rule condition parsed
type compiledPolicy struct {
	def   *entities.PermissionPolicy
	rules []compiledPolicyRule
}

type compiledPolicyRule struct {
	rule entities.PermissionRule
	expr entities.Expression
}

// PolicyStore holds permission policies. A policy is compiled when it is
// saved, so a malformed rule can never reach evaluation.
type PolicyStore struct {
	catalog *Catalog
	repo    repositories.PolicyRepository
	logger  logrus.FieldLogger
	now     func() time.Time

	writeMu  sync.Mutex
	mu       sync.RWMutex
	policies map[string]*compiledPolicy
}

// NewPolicyStore creates an empty policy store. repo may be nil.
func NewPolicyStore(catalog *Catalog, repo repositories.PolicyRepository, logger logrus.FieldLogger) *PolicyStore {
	return &PolicyStore{
		catalog:  catalog,
		repo:     repo,
		logger:   logger,
		now:      time.Now,
		policies: make(map[string]*compiledPolicy),
	}
}

// SavePolicy validates, persists and stores a policy. An empty id is
// replaced by a generated one; the stored copy is returned.
func (s *PolicyStore) SavePolicy(ctx context.Context, policy *entities.PermissionPolicy) (*entities.PermissionPolicy, error) {
	if policy == nil {
		return nil, fmt.Errorf("%w: policy is required", entities.ErrMalformedPolicyRule)
	}
	def := policy.Clone()
	if def.ID == "" {
		def.ID = uuid.NewString()
	}
	compiled, err := s.compile(def)
	if err != nil {
		return nil, err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	now := s.now().UTC()
	def.UpdatedAt = now
	s.mu.RLock()
	existing, ok := s.policies[def.ID]
	s.mu.RUnlock()
	if ok {
		def.CreatedAt = existing.def.CreatedAt
	} else if def.CreatedAt.IsZero() {
		def.CreatedAt = now
	}

	if s.repo != nil {
		if err := s.repo.Save(ctx, def); err != nil {
			return nil, fmt.Errorf("%w: save policy %s: %v", entities.ErrPersistenceFailure, def.ID, err)
		}
	}

	s.mu.Lock()
	s.policies[def.ID] = compiled
	s.mu.Unlock()
	return def.Clone(), nil
}

func (s *PolicyStore) compile(def *entities.PermissionPolicy) (*compiledPolicy, error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}
	c := &compiledPolicy{def: def}
	for i, rule := range def.Rules {
		if err := s.catalog.ValidateTriple(rule.Resource, rule.Action, entities.ScopeAny); err != nil {
			return nil, fmt.Errorf("%w: rule %d: %v", entities.ErrMalformedPolicyRule, i, err)
		}
		expr, err := parser.Compile(rule.Condition)
		if err != nil {
			return nil, fmt.Errorf("%w: rule %d: %v", entities.ErrMalformedPolicyRule, i, err)
		}
		c.rules = append(c.rules, compiledPolicyRule{rule: rule, expr: expr})
	}
	return c, nil
}

// GetPolicy returns a copy of the policy with the given id
func (s *PolicyStore) GetPolicy(id string) (*entities.PermissionPolicy, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.policies[id]
	if !ok {
		return nil, false
	}
	return c.def.Clone(), true
}

// DeletePolicy removes a policy and returns the removed definition
func (s *PolicyStore) DeletePolicy(ctx context.Context, id string) (*entities.PermissionPolicy, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.RLock()
	c, ok := s.policies[id]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("policy %s: %w", id, repositories.ErrNotFound)
	}

	if s.repo != nil {
		if err := s.repo.Delete(ctx, id); err != nil && !errors.Is(err, repositories.ErrNotFound) {
			return nil, fmt.Errorf("%w: delete policy %s: %v", entities.ErrPersistenceFailure, id, err)
		}
	}

	s.mu.Lock()
	delete(s.policies, id)
	s.mu.Unlock()
	return c.def.Clone(), nil
}

// Applicable returns the policies effective at now that apply to any of
// roles, in evaluation order.
func (s *PolicyStore) Applicable(roles map[string]bool, now time.Time) []*compiledPolicy {
	s.mu.RLock()
	out := make([]*compiledPolicy, 0, len(s.policies))
	for _, c := range s.policies {
		if c.def.IsEffective(now) && c.def.AppliesToRoles(roles) {
			out = append(out, c)
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return evaluatesBefore(out[i].def, out[j].def) })
	return out
}

// evaluatesBefore orders policies by priority descending, then most recently
// created first, then id ascending
func evaluatesBefore(a, b *entities.PermissionPolicy) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	return a.ID < b.ID
}

// List returns copies of every stored policy, in evaluation order
func (s *PolicyStore) List() []*entities.PermissionPolicy {
	s.mu.RLock()
	all := make([]*compiledPolicy, 0, len(s.policies))
	for _, c := range s.policies {
		all = append(all, c)
	}
	s.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool { return evaluatesBefore(all[i].def, all[j].def) })
	out := make([]*entities.PermissionPolicy, len(all))
	for i, c := range all {
		out[i] = c.def.Clone()
	}
	return out
}

// Sync replaces the stored policies with the repository contents. Policies
// that no longer compile are skipped and logged. When the repository cannot
// be read the current policies are kept.
func (s *PolicyStore) Sync(ctx context.Context) error {
	if s.repo == nil {
		return nil
	}
	stored, err := s.repo.List(ctx)
	if err != nil {
		return fmt.Errorf("%w: list policies: %v", entities.ErrPersistenceFailure, err)
	}

	next := make(map[string]*compiledPolicy, len(stored))
	for _, def := range stored {
		c, err := s.compile(def.Clone())
		if err != nil {
			s.logger.WithError(err).WithField("policy_id", def.ID).Warn("skipping invalid stored policy")
			continue
		}
		next[def.ID] = c
	}

	s.writeMu.Lock()
	s.mu.Lock()
	s.policies = next
	s.mu.Unlock()
	s.writeMu.Unlock()
	return nil
}

// decide runs the policy overlay for one request. The first matching rule
// of the first policy with a match decides; ok is false when none matched.
func decide(policies []*compiledPolicy, resource entities.PermissionResource, action entities.PermissionAction, evalCtx map[string]interface{}) (policyID string, effect entities.RuleEffect, ok bool) {
	for _, p := range policies {
		for _, r := range p.rules {
			if r.rule.Resource != resource || r.rule.Action != action {
				continue
			}
			if r.expr.Evaluate(evalCtx) {
				return p.def.ID, r.rule.EffectOrDefault(), true
			}
		}
	}
	return "", "", false
}
