package authorization

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/asakaida/kanshi/internal/entities"
	"github.com/asakaida/kanshi/internal/repositories"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// DefaultPendingLimit bounds the entries held while the repository is failing
const DefaultPendingLimit = 10000

// AuditLogOptions configures an AuditLog
type AuditLogOptions struct {
	// PendingLimit bounds unpersisted entries. The oldest entry is dropped
	// (and logged) when it is exceeded.
	PendingLimit int
	Recorder     Recorder
}

// AuditLog is the append-only, hash-chained decision log. Record never
// fails: entries that cannot be persisted stay pending and are retried by
// Flush. The repository links entries onto the chain, so any number of
// AuditLogs may share one repository.
type AuditLog struct {
	repo     repositories.AuditRepository
	logger   logrus.FieldLogger
	recorder Recorder
	limit    int
	now      func() time.Time

	mu      sync.Mutex
	pending []*entities.PermissionAuditEntry

	// persistMu is held by whoever is currently writing pending entries
	persistMu sync.Mutex
}

// NewAuditLog creates an audit log that appends to the chain in repo. The
// chain head is read once to fail fast on an unreachable store.
func NewAuditLog(ctx context.Context, repo repositories.AuditRepository, logger logrus.FieldLogger, opts AuditLogOptions) (*AuditLog, error) {
	if opts.PendingLimit <= 0 {
		opts.PendingLimit = DefaultPendingLimit
	}
	if opts.Recorder == nil {
		opts.Recorder = NopRecorder()
	}
	l := &AuditLog{
		repo:     repo,
		logger:   logger,
		recorder: opts.Recorder,
		limit:    opts.PendingLimit,
		now:      time.Now,
	}

	if _, err := repo.Latest(ctx); err != nil {
		return nil, fmt.Errorf("%w: load audit chain head: %v", entities.ErrPersistenceFailure, err)
	}
	return l, nil
}

// Record appends an entry for a decision. Id and timestamp are assigned
// here; sequence and hashes are assigned by the repository when the entry
// is persisted. The caller's values for all of them are ignored.
func (l *AuditLog) Record(ctx context.Context, entry entities.PermissionAuditEntry) {
	e := entry
	e.ID = uuid.NewString()
	// Postgres keeps microseconds; truncating keeps hashes stable on reload.
	e.Timestamp = l.now().UTC().Truncate(time.Microsecond)
	e.Sequence, e.PrevHash, e.Hash = 0, "", ""
	l.mu.Lock()
	l.pending = append(l.pending, &e)
	if len(l.pending) > l.limit {
		dropped := l.pending[0]
		l.pending = l.pending[1:]
		l.mu.Unlock()
		l.recorder.RecordAuditDropped()
		l.logger.WithFields(logrus.Fields{
			"id":        dropped.ID,
			"timestamp": dropped.Timestamp,
			"user_id":   dropped.UserID,
			"resource":  dropped.Resource,
			"action":    dropped.Action,
			"success":   dropped.Success,
			"reason":    dropped.Reason,
		}).Error("audit pending queue full, entry dropped")
	} else {
		l.mu.Unlock()
	}

	// Another goroutine already flushing will pick this entry up.
	if !l.persistMu.TryLock() {
		return
	}
	defer l.persistMu.Unlock()
	if err := l.flushLocked(ctx); err != nil {
		l.recorder.RecordAuditFailure()
		l.logger.WithError(err).WithField("pending", l.Pending()).Warn("audit persistence failed, will retry")
	}
}

// Flush writes pending entries in record order
func (l *AuditLog) Flush(ctx context.Context) error {
	l.persistMu.Lock()
	defer l.persistMu.Unlock()
	return l.flushLocked(ctx)
}

func (l *AuditLog) flushLocked(ctx context.Context) error {
	for {
		l.mu.Lock()
		batch := make([]*entities.PermissionAuditEntry, len(l.pending))
		for i, e := range l.pending {
			c := *e
			batch[i] = &c
		}
		l.mu.Unlock()
		if len(batch) == 0 {
			return nil
		}

		if err := l.repo.Append(ctx, batch); err != nil {
			return fmt.Errorf("%w: append audit entries: %v", entities.ErrPersistenceFailure, err)
		}

		written := make(map[string]bool, len(batch))
		for _, e := range batch {
			written[e.ID] = true
		}
		l.mu.Lock()
		kept := l.pending[:0]
		for _, e := range l.pending {
			if !written[e.ID] {
				kept = append(kept, e)
			}
		}
		l.pending = kept
		l.mu.Unlock()
	}
}

// Pending returns the number of unpersisted entries
func (l *AuditLog) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.pending)
}

// Query returns matching entries, newest first. Pending entries are
// included so a check is visible immediately even while persistence fails;
// they carry no sequence yet and come before stored entries.
func (l *AuditLog) Query(ctx context.Context, filter *entities.AuditFilter) ([]*entities.PermissionAuditEntry, error) {
	stored, err := l.repo.Query(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("%w: query audit entries: %v", entities.ErrPersistenceFailure, err)
	}

	seen := make(map[string]bool, len(stored))
	for _, e := range stored {
		seen[e.ID] = true
	}

	l.mu.Lock()
	out := make([]*entities.PermissionAuditEntry, 0, len(stored)+len(l.pending))
	for i := len(l.pending) - 1; i >= 0; i-- {
		e := l.pending[i]
		if !seen[e.ID] && filter.Matches(e) {
			c := *e
			out = append(out, &c)
		}
	}
	l.mu.Unlock()

	sort.Slice(stored, func(i, j int) bool { return stored[i].Sequence > stored[j].Sequence })
	out = append(out, stored...)
	if filter != nil && filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// VerifyChain checks a contiguous run of entries in ascending sequence
// order. It reports the first entry whose hash, sequence or link to its
// predecessor does not match.
func VerifyChain(entries []*entities.PermissionAuditEntry) error {
	for i, e := range entries {
		if e.ComputeHash() != e.Hash {
			return fmt.Errorf("%w: entry %d hash mismatch", entities.ErrAuditChainBroken, e.Sequence)
		}
		if i == 0 {
			continue
		}
		prev := entries[i-1]
		if e.Sequence != prev.Sequence+1 {
			return fmt.Errorf("%w: sequence gap between %d and %d", entities.ErrAuditChainBroken, prev.Sequence, e.Sequence)
		}
		if e.PrevHash != prev.Hash {
			return fmt.Errorf("%w: entry %d does not link to %d", entities.ErrAuditChainBroken, e.Sequence, prev.Sequence)
		}
	}
	return nil
}
