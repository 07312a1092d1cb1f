package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/asakaida/kanshi/internal/entities"
	"github.com/asakaida/kanshi/internal/repositories"
)

// PostgresRoleRepository implements RoleRepository using PostgreSQL.
// The full definition is stored as JSONB; inherit_from is kept as a column
// so the foreign key rejects dangling parents.
type PostgresRoleRepository struct {
	db *sql.DB
}

// NewPostgresRoleRepository creates a new PostgreSQL role repository
func NewPostgresRoleRepository(db *sql.DB) repositories.RoleRepository {
	return &PostgresRoleRepository{db: db}
}

// Save creates or replaces a role definition
func (r *PostgresRoleRepository) Save(ctx context.Context, role *entities.RoleDefinition) error {
	definition, err := json.Marshal(role)
	if err != nil {
		return fmt.Errorf("failed to marshal role: %w", err)
	}

	query := `
		INSERT INTO roles (id, name, inherit_from, is_system_role, definition, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			inherit_from = EXCLUDED.inherit_from,
			is_system_role = EXCLUDED.is_system_role,
			definition = EXCLUDED.definition,
			updated_at = EXCLUDED.updated_at
	`
	_, err = r.db.ExecContext(ctx, query,
		role.ID, role.Name,
		sql.NullString{String: role.InheritFrom, Valid: role.InheritFrom != ""},
		role.IsSystemRole, definition, role.CreatedAt, role.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save role: %w", err)
	}
	return nil
}

// Get retrieves a role by id
func (r *PostgresRoleRepository) Get(ctx context.Context, id string) (*entities.RoleDefinition, error) {
	var definition []byte
	err := r.db.QueryRowContext(ctx, `SELECT definition FROM roles WHERE id = $1`, id).Scan(&definition)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("role %s: %w", id, repositories.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get role: %w", err)
	}
	return decodeRole(definition)
}

// List returns every stored role ordered by id
func (r *PostgresRoleRepository) List(ctx context.Context) ([]*entities.RoleDefinition, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT definition FROM roles ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list roles: %w", err)
	}
	defer rows.Close()

	var roles []*entities.RoleDefinition
	for rows.Next() {
		var definition []byte
		if err := rows.Scan(&definition); err != nil {
			return nil, fmt.Errorf("failed to scan role: %w", err)
		}
		role, err := decodeRole(definition)
		if err != nil {
			return nil, err
		}
		roles = append(roles, role)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return roles, nil
}

// Delete removes a role
func (r *PostgresRoleRepository) Delete(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM roles WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete role: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("role %s: %w", id, repositories.ErrNotFound)
	}
	return nil
}

func decodeRole(definition []byte) (*entities.RoleDefinition, error) {
	var role entities.RoleDefinition
	if err := json.Unmarshal(definition, &role); err != nil {
		return nil, fmt.Errorf("failed to unmarshal role: %w", err)
	}
	return &role, nil
}
