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

// PostgresAuditRepository implements AuditRepository using PostgreSQL.
// A trigger rejects UPDATE and DELETE on the table. Filter columns are
// denormalized from the JSONB entry.
type PostgresAuditRepository struct {
	db *sql.DB
}

// NewPostgresAuditRepository creates a new PostgreSQL audit repository
func NewPostgresAuditRepository(db *sql.DB) repositories.AuditRepository {
	return &PostgresAuditRepository{db: db}
}

// auditChainLockKey is the advisory lock serializing appends to the chain
// across every instance sharing the database
const auditChainLockKey int64 = 0x6b616e736869

// Append links entries onto the stored chain head in a single transaction.
// Sequence, PrevHash and Hash are assigned here. Entries whose id is already
// stored are skipped so a retried batch is not written twice.
func (r *PostgresAuditRepository) Append(ctx context.Context, entries []*entities.PermissionAuditEntry) error {
	if len(entries) == 0 {
		return nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, auditChainLockKey); err != nil {
		return fmt.Errorf("failed to lock audit chain: %w", err)
	}

	var (
		sequence int64
		lastHash string
	)
	err = tx.QueryRowContext(ctx, `SELECT sequence, hash FROM permission_audit ORDER BY sequence DESC LIMIT 1`).Scan(&sequence, &lastHash)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("failed to read audit chain head: %w", err)
	}

	query := `
		INSERT INTO permission_audit (
			sequence, id, user_id, resource, action, success,
			created_at, entry, prev_hash, hash
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO NOTHING
	`
	for _, e := range entries {
		e.Sequence = uint64(sequence + 1)
		e.PrevHash = lastHash
		e.Hash = e.ComputeHash()
		payload, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("failed to marshal audit entry: %w", err)
		}
		result, err := tx.ExecContext(ctx, query,
			int64(e.Sequence), e.ID, e.UserID, string(e.Resource), string(e.Action), e.Success,
			e.Timestamp, payload, e.PrevHash, e.Hash,
		)
		if err != nil {
			return fmt.Errorf("failed to append audit entry %s: %w", e.ID, err)
		}
		n, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to get affected rows: %w", err)
		}
		if n == 0 {
			continue
		}
		sequence++
		lastHash = e.Hash
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Query returns entries matching the filter, newest first
func (r *PostgresAuditRepository) Query(ctx context.Context, filter *entities.AuditFilter) ([]*entities.PermissionAuditEntry, error) {
	query := `SELECT entry FROM permission_audit WHERE 1 = 1`
	args := []interface{}{}
	argIdx := 1

	if filter != nil {
		if filter.UserID != "" {
			query += fmt.Sprintf(" AND user_id = $%d", argIdx)
			args = append(args, filter.UserID)
			argIdx++
		}
		if filter.Resource != "" {
			query += fmt.Sprintf(" AND resource = $%d", argIdx)
			args = append(args, string(filter.Resource))
			argIdx++
		}
		if filter.Success != nil {
			query += fmt.Sprintf(" AND success = $%d", argIdx)
			args = append(args, *filter.Success)
			argIdx++
		}
		if !filter.From.IsZero() {
			query += fmt.Sprintf(" AND created_at >= $%d", argIdx)
			args = append(args, filter.From)
			argIdx++
		}
		if !filter.To.IsZero() {
			query += fmt.Sprintf(" AND created_at < $%d", argIdx)
			args = append(args, filter.To)
			argIdx++
		}
		if filter.MinSequence > 0 {
			query += fmt.Sprintf(" AND sequence >= $%d", argIdx)
			args = append(args, int64(filter.MinSequence))
			argIdx++
		}
		if filter.MaxSequence > 0 {
			query += fmt.Sprintf(" AND sequence <= $%d", argIdx)
			args = append(args, int64(filter.MaxSequence))
			argIdx++
		}
	}
	query += " ORDER BY sequence DESC"
	if filter != nil && filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, filter.Limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit log: %w", err)
	}
	defer rows.Close()

	var entries []*entities.PermissionAuditEntry
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		entry, err := decodeAuditEntry(payload)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return entries, nil
}

// Latest returns the entry with the highest sequence
func (r *PostgresAuditRepository) Latest(ctx context.Context) (*entities.PermissionAuditEntry, error) {
	var payload []byte
	err := r.db.QueryRowContext(ctx, `SELECT entry FROM permission_audit ORDER BY sequence DESC LIMIT 1`).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest audit entry: %w", err)
	}
	return decodeAuditEntry(payload)
}

func decodeAuditEntry(payload []byte) (*entities.PermissionAuditEntry, error) {
	var entry entities.PermissionAuditEntry
	if err := json.Unmarshal(payload, &entry); err != nil {
		return nil, fmt.Errorf("failed to unmarshal audit entry: %w", err)
	}
	return &entry, nil
}
