package authorization

import (
	"fmt"
	"sort"
	"sync"

	"github.com/asakaida/kanshi/internal/entities"
)

// Catalog is the vocabulary of resources, actions and scopes the engine
// accepts. It starts with the built-in sets; deployments extend it
// explicitly at startup, never by inference from stored data.
type Catalog struct {
	mu        sync.RWMutex
	resources map[entities.PermissionResource]bool
	actions   map[entities.PermissionAction]bool
	scopes    map[entities.PermissionScope]bool
}

// NewCatalog creates a catalog holding the built-in vocabulary
func NewCatalog() *Catalog {
	c := &Catalog{
		resources: make(map[entities.PermissionResource]bool),
		actions:   make(map[entities.PermissionAction]bool),
		scopes:    make(map[entities.PermissionScope]bool),
	}
	c.RegisterResources(entities.DefaultResources...)
	c.RegisterActions(entities.DefaultActions...)
	for _, s := range entities.DefaultScopes {
		c.scopes[s] = true
	}
	return c
}

// RegisterResources adds resources to the vocabulary
func (c *Catalog) RegisterResources(resources ...entities.PermissionResource) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, r := range resources {
		if r != "" {
			c.resources[r] = true
		}
	}
}

// RegisterActions adds actions to the vocabulary
func (c *Catalog) RegisterActions(actions ...entities.PermissionAction) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, a := range actions {
		if a != "" {
			c.actions[a] = true
		}
	}
}

// ValidateTriple checks that resource, action and scope are known.
// ScopeAny is always accepted.
func (c *Catalog) ValidateTriple(resource entities.PermissionResource, action entities.PermissionAction, scope entities.PermissionScope) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.resources[resource] {
		return fmt.Errorf("%w: %q", entities.ErrUnknownResource, resource)
	}
	if !c.actions[action] {
		return fmt.Errorf("%w: %q", entities.ErrUnknownAction, action)
	}
	if scope != entities.ScopeAny && !c.scopes[scope] {
		return fmt.Errorf("%w: %q", entities.ErrUnknownScope, scope)
	}
	return nil
}

// ValidateKey checks the syntax and vocabulary of a permission key
func (c *Catalog) ValidateKey(key entities.PermissionKey) error {
	r, a, s, err := entities.ParsePermissionKey(string(key))
	if err != nil {
		return err
	}
	return c.ValidateTriple(r, a, s)
}

// ValidatePermission checks a permission triple and its conditions
func (c *Catalog) ValidatePermission(p entities.Permission) error {
	if err := p.Validate(); err != nil {
		return err
	}
	return c.ValidateTriple(p.Resource, p.Action, p.Scope)
}

// Resources returns the registered resources in sorted order
func (c *Catalog) Resources() []entities.PermissionResource {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]entities.PermissionResource, 0, len(c.resources))
	for r := range c.resources {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Actions returns the registered actions in sorted order
func (c *Catalog) Actions() []entities.PermissionAction {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]entities.PermissionAction, 0, len(c.actions))
	for a := range c.actions {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
