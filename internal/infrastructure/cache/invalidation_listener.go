package cache

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/lib/pq"
	"github.com/sirupsen/logrus"
)

// InvalidationChannel is the NOTIFY channel written by the permission
// change triggers
const InvalidationChannel = "kanshi_invalidation"

// Invalidation payloads
const (
	PayloadAll        = "all"
	PayloadUserPrefix = "user:"
)

// Target applies invalidations received from other instances
type Target interface {
	// InvalidateUser drops cached decisions for one user
	InvalidateUser(ctx context.Context, userID string) error

	// Sync reloads roles and policies and drops every cached decision
	Sync(ctx context.Context) error
}

// InvalidationListener keeps this instance consistent with writes made by
// other instances sharing the database. It uses PostgreSQL LISTEN/NOTIFY
// for prompt delivery and polls permission_changes as a fallback for
// notifications lost while the connection was down.
type InvalidationListener struct {
	mu           sync.Mutex
	db           *sql.DB
	connStr      string
	target       Target
	logger       logrus.FieldLogger
	pollInterval time.Duration
	lastChangeID int64
	listener     *pq.Listener
	stopCh       chan struct{}
	doneCh       chan struct{}
	stopped      bool
}

// NewInvalidationListener creates a new InvalidationListener.
// connStr is the PostgreSQL connection string for LISTEN/NOTIFY.
// pollInterval is the fallback interval for reading permission_changes.
func NewInvalidationListener(db *sql.DB, connStr string, target Target, logger logrus.FieldLogger, pollInterval time.Duration) *InvalidationListener {
	if pollInterval <= 0 {
		pollInterval = time.Minute
	}
	return &InvalidationListener{
		db:           db,
		connStr:      connStr,
		target:       target,
		logger:       logger,
		pollInterval: pollInterval,
		stopCh:       make(chan struct{}),
		doneCh:       make(chan struct{}),
	}
}

// Start records the current change position and starts listening.
func (l *InvalidationListener) Start(ctx context.Context) error {
	id, err := l.latestChangeID(ctx)
	if err != nil {
		return fmt.Errorf("failed to read change position: %w", err)
	}
	l.mu.Lock()
	l.lastChangeID = id
	l.mu.Unlock()

	reportProblem := func(ev pq.ListenerEventType, err error) {
		if err != nil {
			l.logger.WithError(err).WithField("event", ev).Warn("invalidation listener connection problem")
		}
	}
	listener := pq.NewListener(l.connStr, 10*time.Second, time.Minute, reportProblem)
	if err := listener.Listen(InvalidationChannel); err != nil {
		listener.Close()
		return fmt.Errorf("failed to listen on %s: %w", InvalidationChannel, err)
	}
	l.listener = listener

	go l.run()
	l.logger.WithFields(logrus.Fields{
		"channel":        InvalidationChannel,
		"last_change_id": id,
	}).Info("invalidation listener started")
	return nil
}

// Stop stops the listener and waits for the dispatch loop to exit.
func (l *InvalidationListener) Stop() error {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return nil
	}
	l.stopped = true
	close(l.stopCh)
	l.mu.Unlock()

	if l.listener == nil {
		return nil
	}
	<-l.doneCh
	return l.listener.Close()
}

func (l *InvalidationListener) run() {
	defer close(l.doneCh)
	poll := time.NewTicker(l.pollInterval)
	defer poll.Stop()
	ping := time.NewTicker(90 * time.Second)
	defer ping.Stop()

	ctx := context.Background()
	for {
		select {
		case <-l.stopCh:
			return
		case n := <-l.listener.Notify:
			if n == nil {
				// Reconnected; anything sent in between is picked up by the poll
				l.logger.Info("invalidation listener reconnected")
				l.poll(ctx)
				continue
			}
			l.Dispatch(ctx, n.Extra)
		case <-poll.C:
			l.poll(ctx)
		case <-ping.C:
			go func() {
				if err := l.listener.Ping(); err != nil {
					l.logger.WithError(err).Warn("invalidation listener ping failed")
				}
			}()
		}
	}
}

// Dispatch applies one invalidation payload.
func (l *InvalidationListener) Dispatch(ctx context.Context, payload string) {
	switch {
	case payload == PayloadAll:
		if err := l.target.Sync(ctx); err != nil {
			l.logger.WithError(err).Error("failed to reload after remote change")
		}
	case strings.HasPrefix(payload, PayloadUserPrefix) && len(payload) > len(PayloadUserPrefix):
		userID := strings.TrimPrefix(payload, PayloadUserPrefix)
		if err := l.target.InvalidateUser(ctx, userID); err != nil {
			l.logger.WithError(err).WithField("user_id", userID).Error("failed to invalidate user after remote change")
		}
	default:
		l.logger.WithField("payload", payload).Warn("ignoring unknown invalidation payload")
	}
}

// poll applies changes recorded after the last seen position. Changes
// already delivered by NOTIFY are applied again, which is harmless.
func (l *InvalidationListener) poll(ctx context.Context) {
	if err := l.Poll(ctx); err != nil {
		l.logger.WithError(err).Warn("failed to poll permission changes")
	}
}

// Poll reads permission_changes past the last seen id, coalescing the batch
// into at most one reload plus one invalidation per user.
func (l *InvalidationListener) Poll(ctx context.Context) error {
	l.mu.Lock()
	after := l.lastChangeID
	l.mu.Unlock()

	rows, err := l.db.QueryContext(ctx, `
		SELECT id, payload
		FROM permission_changes
		WHERE id > $1
		ORDER BY id
		LIMIT 1000
	`, after)
	if err != nil {
		return fmt.Errorf("failed to query permission changes: %w", err)
	}
	defer rows.Close()

	var (
		last   = after
		reload bool
		users  []string
		seen   = make(map[string]bool)
	)
	for rows.Next() {
		var id int64
		var payload string
		if err := rows.Scan(&id, &payload); err != nil {
			return fmt.Errorf("failed to scan permission change: %w", err)
		}
		last = id
		if payload == PayloadAll {
			reload = true
		} else if !seen[payload] {
			seen[payload] = true
			users = append(users, payload)
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to read permission changes: %w", err)
	}

	if reload {
		l.Dispatch(ctx, PayloadAll)
	} else {
		for _, payload := range users {
			l.Dispatch(ctx, payload)
		}
	}

	l.mu.Lock()
	if last > l.lastChangeID {
		l.lastChangeID = last
	}
	l.mu.Unlock()
	return nil
}

// Prune deletes change rows older than retention and returns the count.
func (l *InvalidationListener) Prune(ctx context.Context, retention time.Duration) (int64, error) {
	res, err := l.db.ExecContext(ctx, `DELETE FROM permission_changes WHERE created_at < $1`, time.Now().Add(-retention))
	if err != nil {
		return 0, fmt.Errorf("failed to prune permission changes: %w", err)
	}
	return res.RowsAffected()
}

// LastChangeID returns the last change id applied by Poll.
func (l *InvalidationListener) LastChangeID() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastChangeID
}

func (l *InvalidationListener) latestChangeID(ctx context.Context) (int64, error) {
	var id int64
	err := l.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(id), 0) FROM permission_changes`).Scan(&id)
	if err != nil {
		return 0, err
	}
	return id, nil
}
