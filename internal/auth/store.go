// Package auth authenticates gateway callers. A caller is trusted either
// through the static service API key or through an OAuth2 bearer token
// validated by an Introspector, whose results are held in a SessionCache.
package auth

import (
	"context"
	"sync"
	"time"

	"github.com/alexjbarnes/toolgate/internal/models"
)

const (
	// cleanupInterval controls how often expired sessions are reaped.
	cleanupInterval = time.Minute

	// DefaultMaxTTL caps how long an introspection result is trusted.
	DefaultMaxTTL = 5 * time.Minute
)

// SessionCache maps raw bearer tokens to the sessions they introspected to.
type SessionCache interface {
	// Get returns the cached session, or nil if absent or expired.
	Get(ctx context.Context, token string) (*models.Session, error)
	// Put stores a session. It is evicted at the earlier of its own
	// expiry and the cache's maximum TTL.
	Put(ctx context.Context, token string, session *models.Session) error
	// Invalidate removes a token, e.g. after revocation.
	Invalidate(ctx context.Context, token string) error
}

// entryTTL returns how long a session may be cached, or 0 if it must
// not be cached at all.
func entryTTL(session *models.Session, now time.Time, maxTTL time.Duration) time.Duration {
	ttl := maxTTL
	if !session.ExpiresAt.IsZero() {
		if remaining := session.ExpiresAt.Sub(now); remaining < ttl {
			ttl = remaining
		}
	}

	if ttl <= 0 {
		return 0
	}

	return ttl
}

type cacheEntry struct {
	session   models.Session
	expiresAt time.Time
}

// MemoryCache is an in-process SessionCache safe for concurrent use.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]cacheEntry
	maxTTL  time.Duration
	now     func() time.Time
	stopGC  chan struct{}
	once    sync.Once
}

// NewMemoryCache creates an empty cache and starts a background goroutine
// that periodically removes expired sessions. Call Stop() to clean up the
// goroutine.
func NewMemoryCache(maxTTL time.Duration) *MemoryCache {
	if maxTTL <= 0 {
		maxTTL = DefaultMaxTTL
	}

	c := &MemoryCache{
		entries: make(map[string]cacheEntry),
		maxTTL:  maxTTL,
		now:     time.Now,
		stopGC:  make(chan struct{}),
	}
	go c.gcLoop()

	return c
}

// Stop terminates the background cleanup goroutine.
func (c *MemoryCache) Stop() {
	c.once.Do(func() { close(c.stopGC) })
}

func (c *MemoryCache) gcLoop() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.cleanup()
		case <-c.stopGC:
			return
		}
	}
}

// cleanup removes all expired entries.
func (c *MemoryCache) cleanup() {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	for k, e := range c.entries {
		if !now.Before(e.expiresAt) {
			delete(c.entries, k)
		}
	}
}

// Get implements SessionCache.
func (c *MemoryCache) Get(_ context.Context, token string) (*models.Session, error) {
	c.mu.RLock()
	e, ok := c.entries[token]
	c.mu.RUnlock()

	if !ok || !c.now().Before(e.expiresAt) {
		return nil, nil
	}

	s := e.session

	return &s, nil
}

// Put implements SessionCache.
func (c *MemoryCache) Put(_ context.Context, token string, session *models.Session) error {
	now := c.now()

	ttl := entryTTL(session, now, c.maxTTL)
	if ttl == 0 {
		return nil
	}

	c.mu.Lock()
	c.entries[token] = cacheEntry{session: *session, expiresAt: now.Add(ttl)}
	c.mu.Unlock()

	return nil
}

// Invalidate implements SessionCache.
func (c *MemoryCache) Invalidate(_ context.Context, token string) error {
	c.mu.Lock()
	delete(c.entries, token)
	c.mu.Unlock()

	return nil
}

// Len returns the number of entries, including expired ones not yet reaped.
func (c *MemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return len(c.entries)
}
