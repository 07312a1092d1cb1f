package authorization

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/asakaida/kanshi/internal/entities"
	"github.com/asakaida/kanshi/internal/repositories"
	"github.com/asakaida/kanshi/internal/services/parser"
	"github.com/sirupsen/logrus"
)

// compiledRole is a stored role with its contextual rule conditions parsed
type compiledRole struct {
	def   *entities.RoleDefinition
	rules []compiledRule
}

type compiledRule struct {
	rule entities.ContextualRule
	expr entities.Expression
}

// RoleGraph holds role definitions and their single-parent inheritance
// forest. Reads are served from memory; writes go through the repository
// first and only then become visible.
type RoleGraph struct {
	catalog *Catalog
	repo    repositories.RoleRepository
	logger  logrus.FieldLogger
	now     func() time.Time

	// writeMu serializes mutations across validate, persist and insert.
	// mu guards the maps and is never held across repository calls.
	writeMu  sync.Mutex
	mu       sync.RWMutex
	roles    map[string]*compiledRole
	children map[string]map[string]bool
}

// NewRoleGraph creates an empty role graph. repo may be nil for a purely
// in-memory graph.
func NewRoleGraph(catalog *Catalog, repo repositories.RoleRepository, logger logrus.FieldLogger) *RoleGraph {
	return &RoleGraph{
		catalog:  catalog,
		repo:     repo,
		logger:   logger,
		now:      time.Now,
		roles:    make(map[string]*compiledRole),
		children: make(map[string]map[string]bool),
	}
}

// AddRole validates, persists and inserts a role, replacing any role with
// the same id. A role whose parent chain would reach itself is rejected
// with ErrCyclicInheritance and the graph is left unchanged.
func (g *RoleGraph) AddRole(ctx context.Context, def *entities.RoleDefinition) error {
	compiled, err := g.compile(def)
	if err != nil {
		return err
	}

	g.writeMu.Lock()
	defer g.writeMu.Unlock()

	g.mu.RLock()
	existing, err := g.checkInsert(compiled.def)
	g.mu.RUnlock()
	if err != nil {
		return err
	}

	now := g.now().UTC()
	compiled.def.UpdatedAt = now
	if existing != nil {
		compiled.def.CreatedAt = existing.def.CreatedAt
	} else if compiled.def.CreatedAt.IsZero() {
		compiled.def.CreatedAt = now
	}

	if g.repo != nil {
		if err := g.repo.Save(ctx, compiled.def); err != nil {
			return fmt.Errorf("%w: save role %s: %v", entities.ErrPersistenceFailure, def.ID, err)
		}
	}

	g.mu.Lock()
	g.insert(compiled)
	g.mu.Unlock()
	return nil
}

// compile validates a role against the catalog and parses its contextual
// rule conditions. The returned definition is a private copy.
func (g *RoleGraph) compile(def *entities.RoleDefinition) (*compiledRole, error) {
	if def == nil {
		return nil, fmt.Errorf("%w: role is required", entities.ErrInvalidRole)
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	for i, p := range def.Permissions {
		if err := g.catalog.ValidatePermission(p); err != nil {
			return nil, fmt.Errorf("%w: permission %d: %v", entities.ErrInvalidRole, i, err)
		}
	}

	c := &compiledRole{def: def.Clone()}
	for i, rule := range c.def.ContextualRules {
		expr, err := parser.Compile(rule.Condition)
		if err != nil {
			return nil, fmt.Errorf("%w: contextual rule %d: %v", entities.ErrInvalidRole, i, err)
		}
		for _, key := range append(append([]entities.PermissionKey{}, rule.AdditionalPermissions...), rule.RestrictedPermissions...) {
			if err := g.catalog.ValidateKey(key); err != nil {
				return nil, fmt.Errorf("%w: contextual rule %d: %v", entities.ErrInvalidRole, i, err)
			}
		}
		c.rules = append(c.rules, compiledRule{rule: rule, expr: expr})
	}
	return c, nil
}

// checkInsert enforces graph invariants for def. Caller holds mu (read).
func (g *RoleGraph) checkInsert(def *entities.RoleDefinition) (*compiledRole, error) {
	existing := g.roles[def.ID]

	if def.InheritFrom != "" {
		if _, ok := g.roles[def.InheritFrom]; !ok {
			return nil, fmt.Errorf("%w: parent %s of role %s", entities.ErrRoleNotFound, def.InheritFrom, def.ID)
		}
		// Walk the parent chain from the new parent; reaching def.ID means
		// the new edge closes a cycle.
		visited := map[string]bool{}
		for cur := def.InheritFrom; cur != ""; {
			if cur == def.ID {
				return nil, fmt.Errorf("%w: %s -> %s", entities.ErrCyclicInheritance, def.ID, def.InheritFrom)
			}
			if visited[cur] {
				return nil, fmt.Errorf("%w: existing chain through %s", entities.ErrCyclicInheritance, cur)
			}
			visited[cur] = true
			parent, ok := g.roles[cur]
			if !ok {
				break
			}
			cur = parent.def.InheritFrom
		}
	}

	if def.IsSystemRole {
		for id, r := range g.roles {
			if id != def.ID && r.def.IsSystemRole && strings.EqualFold(r.def.Name, def.Name) {
				return nil, fmt.Errorf("%w: %q is already used by %s", entities.ErrDuplicateSystemRole, def.Name, id)
			}
		}
	}
	return existing, nil
}

// insert stores a compiled role and maintains the child index. Caller holds mu.
func (g *RoleGraph) insert(c *compiledRole) {
	if old, ok := g.roles[c.def.ID]; ok && old.def.InheritFrom != "" {
		delete(g.children[old.def.InheritFrom], c.def.ID)
	}
	g.roles[c.def.ID] = c
	if parent := c.def.InheritFrom; parent != "" {
		if g.children[parent] == nil {
			g.children[parent] = make(map[string]bool)
		}
		g.children[parent][c.def.ID] = true
	}
}

// GetRole returns a copy of the role with the given id
func (g *RoleGraph) GetRole(id string) (*entities.RoleDefinition, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	c, ok := g.roles[id]
	if !ok {
		return nil, false
	}
	return c.def.Clone(), true
}

// IsSystemRole reports whether id names a stored system role
func (g *RoleGraph) IsSystemRole(id string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	c, ok := g.roles[id]
	return ok && c.def.IsSystemRole
}

// DeleteRole removes a role. Roles other roles inherit from cannot be
// deleted. Callers gate system roles on caller privilege.
func (g *RoleGraph) DeleteRole(ctx context.Context, id string) error {
	g.writeMu.Lock()
	defer g.writeMu.Unlock()

	g.mu.RLock()
	c, ok := g.roles[id]
	childCount := len(g.children[id])
	g.mu.RUnlock()

	switch {
	case !ok:
		return fmt.Errorf("%w: %s", entities.ErrRoleNotFound, id)
	case childCount > 0:
		return fmt.Errorf("%w: %s has %d", entities.ErrRoleHasChildren, id, childCount)
	}

	if g.repo != nil {
		if err := g.repo.Delete(ctx, id); err != nil && !errors.Is(err, repositories.ErrNotFound) {
			return fmt.Errorf("%w: delete role %s: %v", entities.ErrPersistenceFailure, id, err)
		}
	}

	g.mu.Lock()
	if parent := c.def.InheritFrom; parent != "" {
		delete(g.children[parent], id)
	}
	delete(g.roles, id)
	delete(g.children, id)
	g.mu.Unlock()
	return nil
}

// chain returns the role and its ancestors, leaf first. The visited set
// guarantees termination even if the stored graph were corrupted.
func (g *RoleGraph) chain(id string) ([]*compiledRole, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var out []*compiledRole
	visited := map[string]bool{}
	for cur := id; cur != "" && !visited[cur]; {
		visited[cur] = true
		c, ok := g.roles[cur]
		if !ok {
			if cur == id {
				return nil, fmt.Errorf("%w: %s", entities.ErrRoleNotFound, id)
			}
			return out, fmt.Errorf("%w: ancestor %s of %s", entities.ErrRoleNotFound, cur, id)
		}
		out = append(out, c)
		cur = c.def.InheritFrom
	}
	return out, nil
}

// Ancestors returns id followed by its ancestors, leaf first
func (g *RoleGraph) Ancestors(id string) ([]string, error) {
	chain, err := g.chain(id)
	ids := make([]string, len(chain))
	for i, c := range chain {
		ids[i] = c.def.ID
	}
	return ids, err
}

// Descendants returns the given roles and every role inheriting from them,
// in sorted order
func (g *RoleGraph) Descendants(ids ...string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	seen := map[string]bool{}
	queue := append([]string(nil), ids...)
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if seen[id] {
			continue
		}
		seen[id] = true
		for child := range g.children[id] {
			queue = append(queue, child)
		}
	}

	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Len returns the number of stored roles
func (g *RoleGraph) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.roles)
}

// Sync replaces the in-memory graph with the repository contents. Roles
// that no longer validate are skipped and logged. When the repository
// cannot be read the current graph is kept.
func (g *RoleGraph) Sync(ctx context.Context) error {
	if g.repo == nil {
		return nil
	}
	stored, err := g.repo.List(ctx)
	if err != nil {
		return fmt.Errorf("%w: list roles: %v", entities.ErrPersistenceFailure, err)
	}

	g.writeMu.Lock()
	defer g.writeMu.Unlock()

	next := &RoleGraph{
		catalog:  g.catalog,
		roles:    make(map[string]*compiledRole, len(stored)),
		children: make(map[string]map[string]bool),
	}

	// Parents must be inserted before children; repeat passes until no
	// further role can be placed.
	pending := stored
	for len(pending) > 0 {
		var deferred []*entities.RoleDefinition
		for _, def := range pending {
			compiled, err := g.compile(def)
			if err != nil {
				g.logger.WithError(err).WithField("role_id", def.ID).Warn("skipping invalid stored role")
				continue
			}
			if _, err := next.checkInsert(compiled.def); err != nil {
				if errors.Is(err, entities.ErrRoleNotFound) {
					deferred = append(deferred, def)
					continue
				}
				g.logger.WithError(err).WithField("role_id", def.ID).Warn("skipping stored role")
				continue
			}
			next.insert(compiled)
		}
		if len(deferred) == len(pending) {
			for _, def := range deferred {
				g.logger.WithField("role_id", def.ID).WithField("inherit_from", def.InheritFrom).
					Warn("skipping stored role with missing parent")
			}
			break
		}
		pending = deferred
	}

	g.mu.Lock()
	g.roles = next.roles
	g.children = next.children
	g.mu.Unlock()
	return nil
}
