package repositories

import (
	"context"

	"github.com/asakaida/kanshi/internal/entities"
)

// PolicyRepository defines the interface for permission policy storage
type PolicyRepository interface {
	// Save creates or replaces a policy
	Save(ctx context.Context, policy *entities.PermissionPolicy) error

	// Get retrieves a policy by id. Returns ErrNotFound when absent.
	Get(ctx context.Context, id string) (*entities.PermissionPolicy, error)

	// List returns every stored policy, active or not
	List(ctx context.Context) ([]*entities.PermissionPolicy, error)

	// Delete removes a policy. Returns ErrNotFound when absent.
	Delete(ctx context.Context, id string) error
}
