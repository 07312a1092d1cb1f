package authorization

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/asakaida/kanshi/internal/entities"
	"github.com/asakaida/kanshi/pkg/cache"
	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
)

// DefaultDecisionTTL is the lifetime of a cached decision
const DefaultDecisionTTL = 5 * time.Minute

const (
	globalEpochKey = "epoch:global"
	userEpochKey   = "epoch:user:"
)

// Epoch identifies the generation of cached data a request may read.
// Invalidation replaces the stored epoch with a fresh random value, so
// entries written under an older epoch become unreachable.
type Epoch struct {
	User   string
	Global string
}

// DecisionCache memoizes decisions and resolved permission sets in a
// cache.Cache backend. Epochs live in the same backend, so every instance
// sharing a backend observes an invalidation as soon as it is written.
type DecisionCache struct {
	backend cache.Cache
	ttl     time.Duration
	group   singleflight.Group
}

// NewDecisionCache creates a decision cache. A nil backend disables caching.
func NewDecisionCache(backend cache.Cache, ttl time.Duration) *DecisionCache {
	if ttl <= 0 {
		ttl = DefaultDecisionTTL
	}
	return &DecisionCache{backend: backend, ttl: ttl}
}

// TTL returns the entry lifetime
func (c *DecisionCache) TTL() time.Duration {
	return c.ttl
}

// Enabled reports whether a backend is configured
func (c *DecisionCache) Enabled() bool {
	return c.backend != nil
}

// Epoch reads the current epoch for a user. It must be captured before the
// state used to compute a cached value is read.
func (c *DecisionCache) Epoch(ctx context.Context, userID string) Epoch {
	if c.backend == nil {
		return Epoch{}
	}
	return Epoch{
		User:   c.epochValue(ctx, userEpochKey+userID),
		Global: c.epochValue(ctx, globalEpochKey),
	}
}

// epochValue returns the stored epoch, creating one when it is missing.
// Epochs outlive the entries that embed them.
func (c *DecisionCache) epochValue(ctx context.Context, key string) string {
	if v, ok := c.backend.Get(ctx, key); ok {
		return string(v)
	}
	fresh := uuid.NewString()
	_ = c.backend.Set(ctx, key, []byte(fresh), 2*c.ttl)
	return fresh
}

// Fingerprint returns a stable hash of a context map. Map keys are sorted by
// the encoder, so insertion order does not matter.
func Fingerprint(values map[string]interface{}) string {
	if len(values) == 0 {
		return "-"
	}
	payload, err := json.Marshal(values)
	if err != nil {
		// fmt also prints maps in sorted key order
		payload = []byte(fmt.Sprintf("%v", values))
	}
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// DecisionKey derives the cache key of a check
func (c *DecisionCache) DecisionKey(req *entities.CheckRequest, epoch Epoch) string {
	return "decision:" + hashKey(
		req.UserID,
		string(req.Resource),
		string(req.Action),
		string(req.Scope),
		req.ResourceID,
		Fingerprint(req.Context),
		epoch.User,
		epoch.Global,
	)
}

// ResolvedKey derives the cache key of a user's resolved permission set
func (c *DecisionCache) ResolvedKey(userID string, epoch Epoch) string {
	return "resolved:" + hashKey(userID, epoch.User, epoch.Global)
}

func hashKey(parts ...string) string {
	sum := sha256.Sum256([]byte(strings.Join(parts, ":")))
	return hex.EncodeToString(sum[:])
}

// GetDecision returns a cached decision
func (c *DecisionCache) GetDecision(ctx context.Context, key string) (*entities.Decision, bool) {
	var d entities.Decision
	if !c.get(ctx, key, &d) {
		return nil, false
	}
	return &d, true
}

// PutDecision caches a decision
func (c *DecisionCache) PutDecision(ctx context.Context, key string, d *entities.Decision) {
	c.put(ctx, key, d)
}

// GetResolved returns a cached resolved permission set
func (c *DecisionCache) GetResolved(ctx context.Context, key string) (*entities.ResolvedPermissions, bool) {
	var r entities.ResolvedPermissions
	if !c.get(ctx, key, &r) {
		return nil, false
	}
	return &r, true
}

// PutResolved caches a resolved permission set
func (c *DecisionCache) PutResolved(ctx context.Context, key string, r *entities.ResolvedPermissions) {
	c.put(ctx, key, r)
}

func (c *DecisionCache) get(ctx context.Context, key string, out interface{}) bool {
	if c.backend == nil {
		return false
	}
	raw, ok := c.backend.Get(ctx, key)
	if !ok {
		return false
	}
	return json.Unmarshal(raw, out) == nil
}

func (c *DecisionCache) put(ctx context.Context, key string, v interface{}) {
	if c.backend == nil {
		return
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return
	}
	_ = c.backend.Set(ctx, key, raw, c.ttl)
}

// Invalidate makes every cached entry of the user unreachable
func (c *DecisionCache) Invalidate(ctx context.Context, userID string) error {
	if c.backend == nil {
		return nil
	}
	return c.backend.Set(ctx, userEpochKey+userID, []byte(uuid.NewString()), 2*c.ttl)
}

// InvalidateAll drops every cached entry
func (c *DecisionCache) InvalidateAll(ctx context.Context) error {
	if c.backend == nil {
		return nil
	}
	if err := c.backend.Clear(ctx); err != nil {
		return err
	}
	return c.backend.Set(ctx, globalEpochKey, []byte(uuid.NewString()), 2*c.ttl)
}

// Do coalesces concurrent computations of the same key
func (c *DecisionCache) Do(key string, fn func() (interface{}, error)) (interface{}, error) {
	v, err, _ := c.group.Do(key, fn)
	return v, err
}

// Metrics returns backend statistics, nil when caching is disabled
func (c *DecisionCache) Metrics() *cache.Metrics {
	if c.backend == nil {
		return nil
	}
	return c.backend.Metrics()
}
