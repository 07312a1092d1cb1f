package metrics

import (
	"sync"
	"sync/atomic"

	"github.com/asakaida/kanshi/internal/services/authorization"
	"github.com/asakaida/kanshi/pkg/cache"
	"github.com/asakaida/kanshi/pkg/cache/memorycache"
)

var _ authorization.Recorder = (*Collector)(nil)

// Collector collects and aggregates metrics for the application.
type Collector struct {
	// API metrics
	apiRequests sync.Map // map[string]*uint64 - method -> count
	apiErrors   sync.Map // map[string]*uint64 - method -> error count
	apiDuration sync.Map // map[string]*durationValue - method -> total duration in seconds

	// Decision metrics
	decisionsByReason sync.Map // map[string]*uint64 - reason -> count
	allowed           uint64
	denied            uint64
	cached            uint64
	auditFailures     uint64
	auditDropped      uint64

	// Decision cache backend (optional)
	cache cache.Cache

	// exporter mirrors engine counters into Prometheus when set
	exporter *PrometheusExporter
}

// durationValue holds duration with mutex for thread-safe updates.
type durationValue struct {
	mu           sync.Mutex
	totalSeconds float64
}

// CacheMetrics holds cache performance metrics.
type CacheMetrics struct {
	Hits        uint64
	Misses      uint64
	HitRate     float64
	KeysCurrent int64
	MemoryBytes int64
	Evictions   uint64
	Errors      uint64
}

// APIMetrics holds API request metrics.
type APIMetrics struct {
	RequestCounts        map[string]uint64
	ErrorCounts          map[string]uint64
	TotalDurationSeconds map[string]float64
}

// DecisionMetrics holds permission check outcomes.
type DecisionMetrics struct {
	ByReason      map[string]uint64
	Allowed       uint64
	Denied        uint64
	Cached        uint64
	AuditFailures uint64
	AuditDropped  uint64
}

// NewCollector creates a new metrics collector.
func NewCollector() *Collector {
	return &Collector{}
}

// SetCache sets the decision cache backend for collecting cache metrics.
func (c *Collector) SetCache(cache cache.Cache) {
	c.cache = cache
}

// RecordRequest records an API request.
func (c *Collector) RecordRequest(method string) {
	counter := c.getOrCreateCounter(&c.apiRequests, method)
	atomic.AddUint64(counter, 1)
}

// RecordError records an API error.
func (c *Collector) RecordError(method string) {
	counter := c.getOrCreateCounter(&c.apiErrors, method)
	atomic.AddUint64(counter, 1)
}

// RecordDuration records the duration of an API call in seconds.
func (c *Collector) RecordDuration(method string, durationSeconds float64) {
	val, _ := c.apiDuration.LoadOrStore(method, &durationValue{})
	dv := val.(*durationValue)

	dv.mu.Lock()
	dv.totalSeconds += durationSeconds
	dv.mu.Unlock()
}

// RecordDecision records the outcome of a permission check.
func (c *Collector) RecordDecision(reason string, allowed, cached bool) {
	atomic.AddUint64(c.getOrCreateCounter(&c.decisionsByReason, reason), 1)
	if allowed {
		atomic.AddUint64(&c.allowed, 1)
	} else {
		atomic.AddUint64(&c.denied, 1)
	}
	if cached {
		atomic.AddUint64(&c.cached, 1)
	}
	if c.exporter != nil {
		c.exporter.recordDecision(reason, allowed, cached)
	}
}

// RecordAuditFailure records an audit entry that could not be persisted.
func (c *Collector) RecordAuditFailure() {
	atomic.AddUint64(&c.auditFailures, 1)
	if c.exporter != nil {
		c.exporter.auditFailures.Inc()
	}
}

// RecordAuditDropped records an audit entry dropped from a full pending queue.
func (c *Collector) RecordAuditDropped() {
	atomic.AddUint64(&c.auditDropped, 1)
	if c.exporter != nil {
		c.exporter.auditDropped.Inc()
	}
}

// GetCacheMetrics returns current cache metrics.
func (c *Collector) GetCacheMetrics() *CacheMetrics {
	if c.cache == nil {
		return &CacheMetrics{}
	}

	metrics := c.cache.Metrics()
	if metrics == nil {
		return &CacheMetrics{}
	}

	result := &CacheMetrics{
		Hits:      metrics.Hits,
		Misses:    metrics.Misses,
		HitRate:   metrics.HitRate(),
		Evictions: metrics.KeysEvicted,
		Errors:    metrics.Errors,
	}

	// Only the memory backend can report its footprint
	if memCache, ok := c.cache.(*memorycache.Cache); ok {
		result.KeysCurrent = int64(memCache.Len())
		result.MemoryBytes = memCache.Size()
	}

	return result
}

// GetAPIMetrics returns current API metrics.
func (c *Collector) GetAPIMetrics() *APIMetrics {
	result := &APIMetrics{
		RequestCounts:        make(map[string]uint64),
		ErrorCounts:          make(map[string]uint64),
		TotalDurationSeconds: make(map[string]float64),
	}

	c.apiRequests.Range(func(key, value interface{}) bool {
		result.RequestCounts[key.(string)] = atomic.LoadUint64(value.(*uint64))
		return true
	})

	c.apiErrors.Range(func(key, value interface{}) bool {
		result.ErrorCounts[key.(string)] = atomic.LoadUint64(value.(*uint64))
		return true
	})

	c.apiDuration.Range(func(key, value interface{}) bool {
		dv := value.(*durationValue)
		dv.mu.Lock()
		result.TotalDurationSeconds[key.(string)] = dv.totalSeconds
		dv.mu.Unlock()
		return true
	})

	return result
}

// GetDecisionMetrics returns current decision metrics.
func (c *Collector) GetDecisionMetrics() *DecisionMetrics {
	result := &DecisionMetrics{
		ByReason:      make(map[string]uint64),
		Allowed:       atomic.LoadUint64(&c.allowed),
		Denied:        atomic.LoadUint64(&c.denied),
		Cached:        atomic.LoadUint64(&c.cached),
		AuditFailures: atomic.LoadUint64(&c.auditFailures),
		AuditDropped:  atomic.LoadUint64(&c.auditDropped),
	}
	c.decisionsByReason.Range(func(key, value interface{}) bool {
		result.ByReason[key.(string)] = atomic.LoadUint64(value.(*uint64))
		return true
	})
	return result
}

// getOrCreateCounter gets or creates a counter for the given key.
func (c *Collector) getOrCreateCounter(m *sync.Map, key string) *uint64 {
	val, _ := m.LoadOrStore(key, new(uint64))
	return val.(*uint64)
}
