package pool

import (
	"sync"
	"time"
)

// convLock is one conversation's gate. holders counts goroutines that
// have acquired (or are waiting on) the mutex, so the sweep never
// removes a lock that is in use.
type convLock struct {
	mu       sync.Mutex
	holders  int
	lastUsed time.Time
}

// LockRegistry hands out one mutex per conversation key, guaranteeing at
// most one in-flight session-binding operation per conversation while
// leaving unrelated conversations fully parallel.
type LockRegistry struct {
	mu    sync.Mutex
	locks map[string]*convLock
}

// NewLockRegistry creates an empty registry.
func NewLockRegistry() *LockRegistry {
	return &LockRegistry{locks: make(map[string]*convLock)}
}

// Acquire blocks until the conversation's lock is held and returns the
// release function. The lock object is created lazily on first use;
// there is never more than one lock object alive per key.
func (r *LockRegistry) Acquire(key string) (release func()) {
	r.mu.Lock()
	l, ok := r.locks[key]
	if !ok {
		l = &convLock{}
		r.locks[key] = l
	}
	l.holders++
	l.lastUsed = time.Now()
	r.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		r.mu.Lock()
		l.holders--
		l.lastUsed = time.Now()
		r.mu.Unlock()
	}
}

// Len returns the number of live lock entries.
func (r *LockRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.locks)
}

// sweep drops idle, unheld lock entries older than maxIdle and returns
// how many were removed.
func (r *LockRegistry) sweep(maxIdle time.Duration) int {
	if maxIdle <= 0 {
		maxIdle = time.Hour
	}
	now := time.Now()
	r.mu.Lock()
	defer r.mu.Unlock()
	removed := 0
	for key, l := range r.locks {
		if l.holders == 0 && now.Sub(l.lastUsed) > maxIdle {
			delete(r.locks, key)
			removed++
		}
	}
	return removed
}
