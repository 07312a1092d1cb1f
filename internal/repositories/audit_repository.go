package repositories

import (
	"context"

	"github.com/asakaida/kanshi/internal/entities"
)

// AuditRepository defines the interface for the append-only audit trail
type AuditRepository interface {
	// Append links entries onto the stored chain head in order, setting
	// Sequence, PrevHash and Hash on each. Entries whose ID is already stored
	// are skipped. Concurrent appends, from any process, are serialized.
	// Stored entries are never updated.
	Append(ctx context.Context, entries []*entities.PermissionAuditEntry) error

	// Query returns entries matching the filter, newest first
	Query(ctx context.Context, filter *entities.AuditFilter) ([]*entities.PermissionAuditEntry, error)

	// Latest returns the entry with the highest sequence, or nil when empty
	Latest(ctx context.Context) (*entities.PermissionAuditEntry, error)
}
