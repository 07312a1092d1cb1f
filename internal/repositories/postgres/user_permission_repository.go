package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/asakaida/kanshi/internal/entities"
	"github.com/asakaida/kanshi/internal/repositories"
	"github.com/lib/pq"
)

// PostgresUserPermissionRepository implements UserPermissionRepository using
// PostgreSQL. role_ids is a TEXT[] column with a GIN index so role changes
// can find affected users.
type PostgresUserPermissionRepository struct {
	db *sql.DB
}

// NewPostgresUserPermissionRepository creates a new PostgreSQL user permission repository
func NewPostgresUserPermissionRepository(db *sql.DB) repositories.UserPermissionRepository {
	return &PostgresUserPermissionRepository{db: db}
}

// Save creates or replaces a user's record
func (r *PostgresUserPermissionRepository) Save(ctx context.Context, user *entities.UserPermissions) error {
	record, err := json.Marshal(user)
	if err != nil {
		return fmt.Errorf("failed to marshal user permissions: %w", err)
	}

	query := `
		INSERT INTO user_permissions (user_id, role_ids, record, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id) DO UPDATE SET
			role_ids = EXCLUDED.role_ids,
			record = EXCLUDED.record,
			updated_at = EXCLUDED.updated_at
	`
	roleIDs := user.RoleIDs
	if roleIDs == nil {
		roleIDs = []string{}
	}
	_, err = r.db.ExecContext(ctx, query, user.UserID, pq.Array(roleIDs), record, user.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to save user permissions: %w", err)
	}
	return nil
}

// Get retrieves a user's record
func (r *PostgresUserPermissionRepository) Get(ctx context.Context, userID string) (*entities.UserPermissions, error) {
	var record []byte
	err := r.db.QueryRowContext(ctx, `SELECT record FROM user_permissions WHERE user_id = $1`, userID).Scan(&record)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("user %s: %w", userID, repositories.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user permissions: %w", err)
	}

	var user entities.UserPermissions
	if err := json.Unmarshal(record, &user); err != nil {
		return nil, fmt.Errorf("failed to unmarshal user permissions: %w", err)
	}
	return &user, nil
}

// Delete removes a user's record
func (r *PostgresUserPermissionRepository) Delete(ctx context.Context, userID string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM user_permissions WHERE user_id = $1`, userID); err != nil {
		return fmt.Errorf("failed to delete user permissions: %w", err)
	}
	return nil
}

// ListByRoles returns the ids of users holding any of the given roles
func (r *PostgresUserPermissionRepository) ListByRoles(ctx context.Context, roleIDs []string) ([]string, error) {
	if len(roleIDs) == 0 {
		return nil, nil
	}
	query := `
		SELECT user_id FROM user_permissions
		WHERE role_ids && $1
		ORDER BY user_id
	`
	return r.queryIDs(ctx, query, pq.Array(roleIDs))
}

// ListIDs returns a page of user ids after the given id
func (r *PostgresUserPermissionRepository) ListIDs(ctx context.Context, after string, limit int) ([]string, error) {
	query := `
		SELECT user_id FROM user_permissions
		WHERE user_id > $1
		ORDER BY user_id
		LIMIT $2
	`
	return r.queryIDs(ctx, query, after, limit)
}

func (r *PostgresUserPermissionRepository) queryIDs(ctx context.Context, query string, args ...interface{}) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list user ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan user id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return ids, nil
}
