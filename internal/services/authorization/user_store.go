package authorization

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/asakaida/kanshi/internal/entities"
	"github.com/asakaida/kanshi/internal/repositories"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/sirupsen/logrus"
)

const userLockStripes = 64

// UserStore reads and writes per-user permission records through the
// repository. Records read successfully are kept in a bounded fallback so a
// check can still be answered from the last known good record while the
// repository is unreachable.
type UserStore struct {
	catalog  *Catalog
	repo     repositories.UserPermissionRepository
	logger   logrus.FieldLogger
	fallback *expirable.LRU[string, *entities.UserPermissions]
	now      func() time.Time

	locks [userLockStripes]sync.Mutex
}

// NewUserStore creates a user store. fallbackSize bounds the number of
// last-known-good records; fallbackTTL bounds their age.
func NewUserStore(catalog *Catalog, repo repositories.UserPermissionRepository, logger logrus.FieldLogger, fallbackSize int, fallbackTTL time.Duration) *UserStore {
	if fallbackSize <= 0 {
		fallbackSize = 10000
	}
	return &UserStore{
		catalog:  catalog,
		repo:     repo,
		logger:   logger,
		fallback: expirable.NewLRU[string, *entities.UserPermissions](fallbackSize, nil, fallbackTTL),
		now:      time.Now,
	}
}

// Get returns a copy of the user's record
func (s *UserStore) Get(ctx context.Context, userID string) (*entities.UserPermissions, error) {
	user, err := s.repo.Get(ctx, userID)
	if err == nil {
		s.fallback.Add(userID, user.Clone())
		return user, nil
	}
	if errors.Is(err, repositories.ErrNotFound) {
		s.fallback.Remove(userID)
		return nil, fmt.Errorf("%w: %s", entities.ErrUserNotFound, userID)
	}

	if cached, ok := s.fallback.Get(userID); ok {
		s.logger.WithError(err).WithField("user_id", userID).Warn("user store unavailable, using last known record")
		return cached.Clone(), nil
	}
	return nil, fmt.Errorf("%w: get user %s: %v", entities.ErrPersistenceFailure, userID, err)
}

// Update validates and persists a user record. onSaved runs while the
// per-user lock is still held, so it is ordered before any later update of
// the same user.
func (s *UserStore) Update(ctx context.Context, user *entities.UserPermissions, onSaved func(userID string)) (*entities.UserPermissions, error) {
	if user == nil {
		return nil, fmt.Errorf("%w: record is required", entities.ErrInvalidUserPermissions)
	}
	if err := user.Validate(); err != nil {
		return nil, err
	}
	for _, keys := range [][]entities.PermissionKey{user.DirectPermissions, user.DeniedPermissions} {
		for _, k := range keys {
			if err := s.catalog.ValidateKey(k); err != nil {
				return nil, fmt.Errorf("%w: %v", entities.ErrInvalidUserPermissions, err)
			}
		}
	}

	record := user.Clone()
	record.UpdatedAt = s.now().UTC()

	mu := s.lockFor(record.UserID)
	mu.Lock()
	defer mu.Unlock()

	if err := s.repo.Save(ctx, record); err != nil {
		return nil, fmt.Errorf("%w: save user %s: %v", entities.ErrPersistenceFailure, record.UserID, err)
	}
	s.fallback.Add(record.UserID, record.Clone())
	if onSaved != nil {
		onSaved(record.UserID)
	}
	return record, nil
}

// Delete removes a user record
func (s *UserStore) Delete(ctx context.Context, userID string, onDeleted func(userID string)) error {
	mu := s.lockFor(userID)
	mu.Lock()
	defer mu.Unlock()

	if err := s.repo.Delete(ctx, userID); err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return fmt.Errorf("%w: %s", entities.ErrUserNotFound, userID)
		}
		return fmt.Errorf("%w: delete user %s: %v", entities.ErrPersistenceFailure, userID, err)
	}
	s.fallback.Remove(userID)
	if onDeleted != nil {
		onDeleted(userID)
	}
	return nil
}

// ListByRoles returns the ids of users holding any of roleIDs
func (s *UserStore) ListByRoles(ctx context.Context, roleIDs []string) ([]string, error) {
	if len(roleIDs) == 0 {
		return nil, nil
	}
	ids, err := s.repo.ListByRoles(ctx, roleIDs)
	if err != nil {
		return nil, fmt.Errorf("%w: list users by role: %v", entities.ErrPersistenceFailure, err)
	}
	return ids, nil
}

// ListIDs pages user ids in ascending order, starting after the given id
func (s *UserStore) ListIDs(ctx context.Context, after string, limit int) ([]string, error) {
	ids, err := s.repo.ListIDs(ctx, after, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: list users: %v", entities.ErrPersistenceFailure, err)
	}
	return ids, nil
}

func (s *UserStore) lockFor(userID string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(userID))
	return &s.locks[h.Sum32()%userLockStripes]
}
