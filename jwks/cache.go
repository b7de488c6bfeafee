// Package jwks caches the attestation authority's public key set.
package jwks

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/go-jose/go-jose/v4"
)

// DefaultTTL is how long a fetched key set is served from memory.
const DefaultTTL = 5 * time.Minute

// Cache serves a key set from memory for a fixed TTL and refetches it on a
// miss. It is safe for concurrent use; concurrent misses share one fetch.
type Cache struct {
	fetcher Fetcher
	ttl     time.Duration
	now     func() time.Time
	logger  *slog.Logger

	// fetchMu serialises refreshes so that a burst of misses triggers a
	// single outbound call.
	fetchMu sync.Mutex

	mu        sync.RWMutex
	keys      *jose.JSONWebKeySet
	fetchedAt time.Time
}

// Option configures a Cache.
type Option func(*Cache)

// WithTTL sets how long a fetched key set stays valid.
func WithTTL(ttl time.Duration) Option {
	return func(c *Cache) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// WithClock sets the time source used for expiry.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		if now != nil {
			c.now = now
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Cache) {
		if l != nil {
			c.logger = l
		}
	}
}

// New returns a cache backed by fetcher.
func New(fetcher Fetcher, opts ...Option) *Cache {
	c := &Cache{
		fetcher: fetcher,
		ttl:     DefaultTTL,
		now:     time.Now,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "jwks")
	return c
}

func (c *Cache) cached() *jose.JSONWebKeySet {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.keys == nil || c.now().Sub(c.fetchedAt) >= c.ttl {
		return nil
	}
	return c.keys
}

// GetKeys returns the cached key set, fetching it when the cache is empty or
// stale. A failed fetch leaves the previous cache state untouched.
func (c *Cache) GetKeys(ctx context.Context) (*jose.JSONWebKeySet, error) {
	if keys := c.cached(); keys != nil {
		return keys, nil
	}

	c.fetchMu.Lock()
	defer c.fetchMu.Unlock()

	// Another caller may have refreshed while we waited.
	if keys := c.cached(); keys != nil {
		return keys, nil
	}

	keys, err := c.fetcher.Fetch(ctx)
	if err != nil {
		c.logger.Warn("key set fetch failed", "error", err)
		return nil, err
	}
	if keys == nil || len(keys.Keys) == 0 {
		return nil, ErrEmptyKeySet
	}

	c.mu.Lock()
	c.keys = keys
	c.fetchedAt = c.now()
	c.mu.Unlock()

	c.logger.Debug("key set refreshed", "keys", len(keys.Keys))
	return keys, nil
}

// Lookup returns the key whose kid matches.
func (c *Cache) Lookup(ctx context.Context, kid string) (*jose.JSONWebKey, error) {
	keys, err := c.GetKeys(ctx)
	if err != nil {
		return nil, err
	}
	for i := range keys.Keys {
		if keys.Keys[i].KeyID == kid {
			return &keys.Keys[i], nil
		}
	}
	return nil, &NoMatchingKeyError{Kid: kid}
}

// Reset drops the cached key set.
func (c *Cache) Reset() {
	c.mu.Lock()
	c.keys = nil
	c.fetchedAt = time.Time{}
	c.mu.Unlock()
}
