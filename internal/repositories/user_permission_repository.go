package repositories

import (
	"context"

	"github.com/asakaida/kanshi/internal/entities"
)

// UserPermissionRepository defines the interface for per-user permission records
type UserPermissionRepository interface {
	// Save creates or replaces a user's permission record
	Save(ctx context.Context, user *entities.UserPermissions) error

	// Get retrieves a user's record. Returns ErrNotFound when absent.
	Get(ctx context.Context, userID string) (*entities.UserPermissions, error)

	// Delete removes a user's record
	Delete(ctx context.Context, userID string) error

	// ListByRoles returns the ids of users holding any of the given roles
	ListByRoles(ctx context.Context, roleIDs []string) ([]string, error)

	// ListIDs returns up to limit user ids ordered ascending, starting after
	// the given id. An empty after starts from the beginning.
	ListIDs(ctx context.Context, after string, limit int) ([]string, error)
}
