package repositories

import (
	"context"

	"github.com/asakaida/kanshi/internal/entities"
)

// RoleRepository defines the interface for role definition storage
type RoleRepository interface {
	// Save creates or replaces a role definition
	Save(ctx context.Context, role *entities.RoleDefinition) error

	// Get retrieves a role by id. Returns ErrNotFound when absent.
	Get(ctx context.Context, id string) (*entities.RoleDefinition, error)

	// List returns every stored role
	List(ctx context.Context) ([]*entities.RoleDefinition, error)

	// Delete removes a role. Returns ErrNotFound when absent.
	Delete(ctx context.Context, id string) error
}
