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

// PostgresPolicyRepository implements PolicyRepository using PostgreSQL
type PostgresPolicyRepository struct {
	db *sql.DB
}

// NewPostgresPolicyRepository creates a new PostgreSQL policy repository
func NewPostgresPolicyRepository(db *sql.DB) repositories.PolicyRepository {
	return &PostgresPolicyRepository{db: db}
}

// Save creates or replaces a policy
func (r *PostgresPolicyRepository) Save(ctx context.Context, policy *entities.PermissionPolicy) error {
	definition, err := json.Marshal(policy)
	if err != nil {
		return fmt.Errorf("failed to marshal policy: %w", err)
	}

	query := `
		INSERT INTO policies (id, name, is_active, priority, definition, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			is_active = EXCLUDED.is_active,
			priority = EXCLUDED.priority,
			definition = EXCLUDED.definition,
			updated_at = EXCLUDED.updated_at
	`
	_, err = r.db.ExecContext(ctx, query,
		policy.ID, policy.Name, policy.IsActive, policy.Priority,
		definition, policy.CreatedAt, policy.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save policy: %w", err)
	}
	return nil
}

// Get retrieves a policy by id
func (r *PostgresPolicyRepository) Get(ctx context.Context, id string) (*entities.PermissionPolicy, error) {
	var definition []byte
	err := r.db.QueryRowContext(ctx, `SELECT definition FROM policies WHERE id = $1`, id).Scan(&definition)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("policy %s: %w", id, repositories.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get policy: %w", err)
	}
	return decodePolicy(definition)
}

// List returns every stored policy, highest priority first
func (r *PostgresPolicyRepository) List(ctx context.Context) ([]*entities.PermissionPolicy, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT definition FROM policies ORDER BY priority DESC, created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list policies: %w", err)
	}
	defer rows.Close()

	var policies []*entities.PermissionPolicy
	for rows.Next() {
		var definition []byte
		if err := rows.Scan(&definition); err != nil {
			return nil, fmt.Errorf("failed to scan policy: %w", err)
		}
		policy, err := decodePolicy(definition)
		if err != nil {
			return nil, err
		}
		policies = append(policies, policy)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return policies, nil
}

// Delete removes a policy
func (r *PostgresPolicyRepository) Delete(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM policies WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete policy: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("policy %s: %w", id, repositories.ErrNotFound)
	}
	return nil
}

func decodePolicy(definition []byte) (*entities.PermissionPolicy, error) {
	var policy entities.PermissionPolicy
	if err := json.Unmarshal(definition, &policy); err != nil {
		return nil, fmt.Errorf("failed to unmarshal policy: %w", err)
	}
	return &policy, nil
}
