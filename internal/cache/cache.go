// Package cache implements the response cache: a bounded, strictly
// least-recently-used map from a (query, personality fingerprint) pair to the
// full text of a previously generated answer.
//
// Queries are normalised (trimmed and case-folded) before hashing, so
// "What is your name?" and "  what is your NAME?" share an entry. Distinct
// fingerprints never share an entry.
//
// A disabled cache misses on every [ResponseCache.Get] and ignores every
// [ResponseCache.Set] but keeps what it already holds, so re-enabling restores
// the warm state.
package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"github.com/cespare/xxhash/v2"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/MrWong99/tarsvoice/internal/observe"
)

// DefaultMaxSize is the capacity used when configuration does not set one.
const DefaultMaxSize = 100

// ErrInvalidSize is returned by [New] for a capacity below 1.
var ErrInvalidSize = errors.New("cache: max size must be at least 1")

// Stats is a snapshot of cache counters.
type Stats struct {
	Size      int
	MaxSize   int
	Enabled   bool
	Hits      uint64
	Misses    uint64
	Evictions uint64
}

// ResponseCache is safe for concurrent use.
type ResponseCache struct {
	mu      sync.Mutex
	entries *lru.Cache[string, string]
	maxSize int
	enabled bool

	hits      uint64
	misses    uint64
	evictions uint64
	purging   bool

	metrics *observe.Metrics
	log     *slog.Logger
}

// Option configures a [ResponseCache].
type Option func(*ResponseCache)

// WithMetrics records lookups and evictions on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(c *ResponseCache) { c.metrics = m }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *ResponseCache) { c.log = l }
}

// WithEnabled sets the initial enabled flag. Caches start enabled.
func WithEnabled(enabled bool) Option {
	return func(c *ResponseCache) { c.enabled = enabled }
}

// New creates an enabled cache holding at most maxSize responses.
func New(maxSize int, opts ...Option) (*ResponseCache, error) {
	if maxSize < 1 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidSize, maxSize)
	}
	c := &ResponseCache{
		maxSize: maxSize,
		enabled: true,
		log:     slog.Default(),
	}
	for _, o := range opts {
		o(c)
	}

	// The eviction callback runs synchronously inside Add while c.mu is held.
	entries, err := lru.NewWithEvict(maxSize, func(string, string) {
		if c.purging {
			return
		}
		c.evictions++
		if c.metrics != nil {
			c.metrics.RecordCacheEviction(context.Background())
		}
	})
	if err != nil {
		return nil, fmt.Errorf("cache: %w", err)
	}
	c.entries = entries
	return c, nil
}

// Key returns the hashed cache key for query under fingerprint.
func Key(query, fingerprint string) string {
	normalized := strings.ToLower(strings.TrimSpace(query))
	h := xxhash.New()
	_, _ = h.WriteString(normalized)
	_, _ = h.WriteString("\x00")
	_, _ = h.WriteString(fingerprint)
	return strconv.FormatUint(h.Sum64(), 16)
}

// Get returns the cached response for query under fingerprint and marks it
// most recently used. It always misses while the cache is disabled.
func (c *ResponseCache) Get(query, fingerprint string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.enabled {
		return "", false
	}
	resp, ok := c.entries.Get(Key(query, fingerprint))
	if ok {
		c.hits++
	} else {
		c.misses++
	}
	if c.metrics != nil {
		c.metrics.RecordCacheLookup(context.Background(), ok)
	}
	c.log.Debug("cache lookup", "hit", ok, "fingerprint", fingerprint)
	return resp, ok
}

// Set stores response for query under fingerprint, replacing any previous
// entry and marking it most recently used. When the cache grows past its
// capacity the least recently used entry is evicted. Set is a no-op while the
// cache is disabled.
func (c *ResponseCache) Set(query, fingerprint, response string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.enabled {
		return
	}
	c.entries.Add(Key(query, fingerprint), response)
}

// Clear removes every entry. Counters are kept.
func (c *ResponseCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Purge fires the eviction callback per entry; those are not capacity
	// evictions.
	c.purging = true
	c.entries.Purge()
	c.purging = false
	c.log.Info("response cache cleared")
}

// SetEnabled turns the cache on or off without touching stored entries.
func (c *ResponseCache) SetEnabled(enabled bool) {
	c.mu.Lock()
	changed := c.enabled != enabled
	c.enabled = enabled
	c.mu.Unlock()

	if changed {
		c.log.Info("response cache toggled", "enabled", enabled)
	}
}

// Enabled reports whether lookups and stores are active.
func (c *ResponseCache) Enabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.enabled
}

// Len returns the number of stored entries, including while disabled.
func (c *ResponseCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries.Len()
}

// Stats returns a snapshot of the cache counters.
func (c *ResponseCache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Size:      c.entries.Len(),
		MaxSize:   c.maxSize,
		Enabled:   c.enabled,
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
	}
}
