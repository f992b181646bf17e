// Package store persists per-account counters and gateway totals in
// Redis so they survive restarts. Redis is optional: when it is not
// configured or unreachable the store degrades to in-process state.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/gembiz/gateway/internal/pool"
)

// ErrNotConnected is returned when Redis is not available.
var ErrNotConnected = errors.New("store not connected")

const (
	countersKey      = "counters"
	totalRequestsKey = "stats:total_requests"
)

// Store persists counters in Redis with an in-memory fallback.
type Store struct {
	rdb       *redis.Client
	keyPrefix string
	logger    *slog.Logger

	connected atomic.Bool

	// Fallback state used while Redis is down or absent.
	mu       sync.Mutex
	counters map[string]pool.Counters
	requests int64
}

// Options configures the store.
type Options struct {
	// URL is the Redis connection URL. Empty disables persistence.
	URL       string
	KeyPrefix string
	PoolSize  int
	Timeout   time.Duration
	Logger    *slog.Logger
}

// New creates a store. With an empty URL the store runs purely in
// memory.
func New(opts Options) (*Store, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Store{
		keyPrefix: opts.KeyPrefix,
		logger:    logger,
		counters:  make(map[string]pool.Counters),
	}

	if opts.URL == "" {
		return s, nil
	}

	redisOpts, err := parseRedisURL(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	redisOpts.PoolSize = opts.PoolSize
	redisOpts.PoolTimeout = opts.Timeout
	redisOpts.ReadTimeout = opts.Timeout
	redisOpts.WriteTimeout = opts.Timeout

	s.rdb = redis.NewClient(redisOpts)
	return s, nil
}

// parseRedisURL parses a Redis URL into connection options.
func parseRedisURL(redisURL string) (*redis.Options, error) {
	u, err := url.Parse(redisURL)
	if err != nil {
		return nil, err
	}

	opts := &redis.Options{Addr: u.Host}
	if u.User != nil {
		if password, ok := u.User.Password(); ok {
			opts.Password = password
		}
	}
	if len(u.Path) > 1 {
		db, err := strconv.Atoi(u.Path[1:])
		if err == nil {
			opts.DB = db
		}
	}
	return opts, nil
}

// Connect verifies the Redis connection. A failure is logged but not
// fatal: the store keeps serving from memory.
func (s *Store) Connect(ctx context.Context) error {
	if s.rdb == nil {
		return nil
	}
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		s.logger.Warn("redis unavailable, counters will not persist", "error", err)
		return fmt.Errorf("failed to connect to redis: %w", err)
	}
	s.connected.Store(true)
	s.logger.Info("connected to redis")
	return nil
}

// Close shuts down the Redis connection.
func (s *Store) Close() error {
	if s.rdb == nil {
		return nil
	}
	s.connected.Store(false)
	return s.rdb.Close()
}

// Connected reports whether Redis is reachable.
func (s *Store) Connected() bool {
	return s.connected.Load()
}

func (s *Store) key(parts ...string) string {
	key := s.keyPrefix
	for _, p := range parts {
		if key != "" {
			key += ":"
		}
		key += p
	}
	return key
}

// LoadCounters reads all persisted per-account counters.
func (s *Store) LoadCounters(ctx context.Context) (map[string]pool.Counters, error) {
	if !s.connected.Load() {
		s.mu.Lock()
		defer s.mu.Unlock()
		out := make(map[string]pool.Counters, len(s.counters))
		for id, c := range s.counters {
			out[id] = c
		}
		return out, nil
	}

	data, err := s.rdb.HGetAll(ctx, s.key(countersKey)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load counters: %w", err)
	}

	out := make(map[string]pool.Counters, len(data))
	for id, raw := range data {
		var c pool.Counters
		if err := json.Unmarshal([]byte(raw), &c); err != nil {
			s.logger.Warn("failed to parse persisted counters", "account_id", id, "error", err)
			continue
		}
		out[id] = c
	}
	return out, nil
}

// SaveCounters persists one account's counters.
func (s *Store) SaveCounters(ctx context.Context, accountID string, c pool.Counters) error {
	s.mu.Lock()
	s.counters[accountID] = c
	s.mu.Unlock()

	if !s.connected.Load() {
		return nil
	}

	raw, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal counters: %w", err)
	}
	if err := s.rdb.HSet(ctx, s.key(countersKey), accountID, raw).Err(); err != nil {
		s.connected.Store(false)
		s.logger.Warn("failed to persist counters", "account_id", accountID, "error", err)
		return fmt.Errorf("failed to persist counters: %w", err)
	}
	return nil
}

// IncrRequests bumps the served-request total.
func (s *Store) IncrRequests(ctx context.Context) {
	s.mu.Lock()
	s.requests++
	s.mu.Unlock()

	if !s.connected.Load() {
		return
	}
	if err := s.rdb.Incr(ctx, s.key(totalRequestsKey)).Err(); err != nil {
		s.logger.Warn("failed to bump request total", "error", err)
	}
}

// TotalRequests reads the served-request total.
func (s *Store) TotalRequests(ctx context.Context) int64 {
	if s.connected.Load() {
		if n, err := s.rdb.Get(ctx, s.key(totalRequestsKey)).Int64(); err == nil {
			return n
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests
}
