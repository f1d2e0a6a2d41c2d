package server

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// RateLimitConfig bounds request throughput. GlobalRPS applies to every
// request; MutationLimit applies per client IP to registry writes
// (POST and DELETE on /stream/{alias}) within MutationWindow.
type RateLimitConfig struct {
	GlobalRPS      float64
	GlobalBurst    int
	MutationLimit  int
	MutationWindow time.Duration

	// RedisAddr shares mutation counters between replicas when set.
	RedisAddr     string
	RedisPassword string
	RedisTimeout  time.Duration
	RedisPrefix   string

	TrustForwardedHeaders bool
	TrustedProxies        []string
}

type rateLimiter struct {
	global         *tokenBucket
	mutationLimit  int
	mutationWindow time.Duration
	store          counterStore
}

// counterStore counts hits per key in fixed windows.
type counterStore interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, time.Duration, error)
	Close() error
}

func newRateLimiter(cfg RateLimitConfig) (*rateLimiter, error) {
	if cfg.GlobalRPS < 0 || cfg.GlobalBurst < 0 || cfg.MutationLimit < 0 || cfg.MutationWindow < 0 {
		return nil, fmt.Errorf("rate limit values must not be negative")
	}
	rl := &rateLimiter{
		mutationLimit:  cfg.MutationLimit,
		mutationWindow: cfg.MutationWindow,
	}
	if cfg.GlobalRPS > 0 {
		burst := cfg.GlobalBurst
		if burst <= 0 {
			burst = int(cfg.GlobalRPS)
			if burst < 1 {
				burst = 1
			}
		}
		rl.global = newTokenBucket(cfg.GlobalRPS, burst)
	}
	if rl.mutationWindow <= 0 {
		rl.mutationWindow = time.Minute
	}
	if addr := strings.TrimSpace(cfg.RedisAddr); addr != "" && rl.mutationLimit > 0 {
		timeout := cfg.RedisTimeout
		if timeout <= 0 {
			timeout = 2 * time.Second
		}
		prefix := strings.TrimSpace(cfg.RedisPrefix)
		if prefix == "" {
			prefix = "failover:ratelimit"
		}
		rl.store = newRedisCounterStore(addr, cfg.RedisPassword, prefix, timeout)
	} else if rl.mutationLimit > 0 {
		rl.store = newMemoryCounterStore(time.Now)
	}
	return rl, nil
}

func (r *rateLimiter) AllowRequest() bool {
	if r == nil || r.global == nil {
		return true
	}
	return r.global.Allow()
}

// AllowMutation counts one registry write for key.
func (r *rateLimiter) AllowMutation(ctx context.Context, key string) (bool, time.Duration, error) {
	if r == nil || r.mutationLimit <= 0 {
		return true, 0, nil
	}
	if key == "" {
		key = "unknown"
	}
	return r.store.Allow(ctx, key, r.mutationLimit, r.mutationWindow)
}

func (r *rateLimiter) Close() error {
	if r == nil || r.store == nil {
		return nil
	}
	return r.store.Close()
}

// memoryCounterStore counts hits per key in fixed windows that start with a
// key's first hit. Expired windows are dropped as new hits arrive.
type memoryCounterStore struct {
	mu      sync.Mutex
	now     func() time.Time
	windows map[string]*counterWindow
}

type counterWindow struct {
	count   int
	resetAt time.Time
}

func newMemoryCounterStore(now func() time.Time) *memoryCounterStore {
	return &memoryCounterStore{now: now, windows: make(map[string]*counterWindow)}
}

func (s *memoryCounterStore) Allow(_ context.Context, key string, limit int, window time.Duration) (bool, time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for k, w := range s.windows {
		if !now.Before(w.resetAt) {
			delete(s.windows, k)
		}
	}
	w, ok := s.windows[key]
	if !ok {
		w = &counterWindow{resetAt: now.Add(window)}
		s.windows[key] = w
	}
	w.count++
	if w.count <= limit {
		return true, 0, nil
	}
	return false, w.resetAt.Sub(now), nil
}

func (s *memoryCounterStore) Close() error {
	return nil
}

type tokenBucket struct {
	mu        sync.Mutex
	rate      float64
	capacity  float64
	tokens    float64
	lastCheck time.Time
}

func newTokenBucket(rate float64, burst int) *tokenBucket {
	if rate <= 0 {
		rate = 1
	}
	if burst <= 0 {
		burst = 1
	}
	return &tokenBucket{
		rate:      rate,
		capacity:  float64(burst),
		tokens:    float64(burst),
		lastCheck: time.Now(),
	}
}

func (tb *tokenBucket) Allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	now := time.Now()
	elapsed := now.Sub(tb.lastCheck).Seconds()
	tb.lastCheck = now
	tb.tokens += elapsed * tb.rate
	if tb.tokens > tb.capacity {
		tb.tokens = tb.capacity
	}
	if tb.tokens < 1 {
		return false
	}
	tb.tokens--
	return true
}

// redisCounterStore implements fixed-window counting with INCR and EXPIRE.
type redisCounterStore struct {
	client  *redis.Client
	prefix  string
	timeout time.Duration
}

func newRedisCounterStore(addr, password, prefix string, timeout time.Duration) *redisCounterStore {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DialTimeout:  timeout,
		ReadTimeout:  timeout,
		WriteTimeout: timeout,
	})
	return &redisCounterStore{client: client, prefix: prefix, timeout: timeout}
}

func (s *redisCounterStore) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, time.Duration, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	redisKey := s.prefix + ":" + key
	count, err := s.client.Incr(ctx, redisKey).Result()
	if err != nil {
		return false, 0, fmt.Errorf("redis incr: %w", err)
	}
	if count == 1 {
		seconds := int64(window / time.Second)
		if seconds < 1 {
			seconds = 1
		}
		if err := s.client.Expire(ctx, redisKey, time.Duration(seconds)*time.Second).Err(); err != nil {
			return false, 0, fmt.Errorf("redis expire: %w", err)
		}
	}
	if count <= int64(limit) {
		return true, 0, nil
	}
	ttl, err := s.client.TTL(ctx, redisKey).Result()
	if err != nil {
		return false, 0, fmt.Errorf("redis ttl: %w", err)
	}
	if ttl <= 0 {
		ttl = window
	}
	return false, ttl, nil
}

func (s *redisCounterStore) Close() error {
	return s.client.Close()
}
