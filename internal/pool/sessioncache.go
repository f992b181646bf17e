package pool

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Binding pins one conversation to an account and an upstream session.
type Binding struct {
	AccountID string
	SessionID string
	BoundAt   time.Time
	LastUsed  time.Time
}

// SessionCache maps conversation keys to their current binding. A
// binding goes stale once idle longer than the TTL; a TTL of zero
// disables caching entirely, so every turn opens a fresh session.
type SessionCache struct {
	logger *slog.Logger
	ttl    time.Duration

	mu       sync.RWMutex
	bindings map[string]*Binding
}

// NewSessionCache creates a session affinity cache with the given TTL.
func NewSessionCache(ttl time.Duration, logger *slog.Logger) *SessionCache {
	if logger == nil {
		logger = slog.Default()
	}
	return &SessionCache{
		logger:   logger,
		ttl:      ttl,
		bindings: make(map[string]*Binding),
	}
}

// Get returns the live binding for a conversation key, or nil on a miss.
// A stale entry behaves as a miss; callers additionally re-validate the
// bound account before use, so the advisory sweep is never load-bearing.
func (c *SessionCache) Get(key string) *Binding {
	if c.ttl <= 0 {
		return nil
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	b, ok := c.bindings[key]
	if !ok {
		return nil
	}
	// Read the timestamp and copy while still holding the lock, a
	// success path may refresh LastUsed concurrently.
	if time.Since(b.LastUsed) > c.ttl {
		return nil
	}
	copied := *b
	return &copied
}

// Set binds a conversation to an account and session, replacing any
// previous binding for the key.
func (c *SessionCache) Set(key, accountID, sessionID string) {
	if c.ttl <= 0 {
		return
	}
	now := time.Now()
	c.mu.Lock()
	c.bindings[key] = &Binding{
		AccountID: accountID,
		SessionID: sessionID,
		BoundAt:   now,
		LastUsed:  now,
	}
	c.mu.Unlock()
}

// UpdateLastUsed refreshes the binding's idle timer on a continuation
// turn. A missing key is a no-op.
func (c *SessionCache) UpdateLastUsed(key string) {
	c.mu.Lock()
	if b, ok := c.bindings[key]; ok {
		b.LastUsed = time.Now()
	}
	c.mu.Unlock()
}

// Pop removes and returns the binding for a key, nil if absent.
func (c *SessionCache) Pop(key string) *Binding {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.bindings[key]
	if !ok {
		return nil
	}
	delete(c.bindings, key)
	copied := *b
	return &copied
}

// Len returns the number of bindings, stale entries included.
func (c *SessionCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.bindings)
}

// sweep removes stale bindings and returns how many were evicted.
func (c *SessionCache) sweep() int {
	if c.ttl <= 0 {
		return 0
	}
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	evicted := 0
	for key, b := range c.bindings {
		if now.Sub(b.LastUsed) > c.ttl {
			delete(c.bindings, key)
			evicted++
		}
	}
	return evicted
}

// StartBackgroundCleanup runs the periodic eviction sweep until the
// context is cancelled. The sweep is advisory cleanup; Get already
// treats stale entries as misses.
func (c *SessionCache) StartBackgroundCleanup(ctx context.Context, interval time.Duration, locks *LockRegistry) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			evicted := c.sweep()
			released := 0
			if locks != nil {
				released = locks.sweep(c.ttl)
			}
			if evicted > 0 || released > 0 {
				c.logger.Debug("session cache sweep",
					"evicted_bindings", evicted,
					"released_locks", released,
				)
			}
		}
	}
}
