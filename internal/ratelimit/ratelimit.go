// Package ratelimit provides Redis-backed rate limiting for playback
// endpoints. When Redis is unavailable (nil store), all rate limits are
// disabled — requests pass. This ensures the service degrades gracefully
// in dev/test environments without Redis.
package ratelimit

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Store is the minimal interface required for rate limiting.
// In production this is implemented by go-redis; in tests by an in-memory map.
type Store interface {
	// Incr atomically increments a counter key and returns the new value.
	Incr(ctx context.Context, key string) (int64, error)
	// Expire sets the TTL on a key.
	Expire(ctx context.Context, key string, ttl time.Duration) error
	// TTL returns the remaining time-to-live on a key. Returns 0 or
	// negative if expired/missing.
	TTL(ctx context.Context, key string) (time.Duration, error)
}

// Limiter performs rate limit checks against a Store.
type Limiter struct {
	store Store
}

// New creates a Limiter backed by the given Store.
// If store is nil, the Limiter is a no-op that always allows requests.
func New(store Store) *Limiter {
	return &Limiter{store: store}
}

// CheckStreamStart enforces: max 30 stream-start attempts per account per
// minute. Covers clients stuck in a retry loop against their own limit.
// Returns (allowed bool, retryAfterSecs int).
func (l *Limiter) CheckStreamStart(ctx context.Context, accountID string) (bool, int) {
	return l.check(ctx, fmt.Sprintf("rate:stream-start:%s", accountID), 30, 60)
}

// CheckPositionUpdate enforces: max 120 position reports per account per
// minute.
func (l *Limiter) CheckPositionUpdate(ctx context.Context, accountID string) (bool, int) {
	return l.check(ctx, fmt.Sprintf("rate:position:%s", accountID), 120, 60)
}

// ClientIP extracts the real client IP from a request, handling reverse
// proxy headers.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.Split(xff, ",")
		return strings.TrimSpace(parts[0])
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}
	addr := r.RemoteAddr
	if i := strings.LastIndex(addr, ":"); i > 0 {
		return addr[:i]
	}
	return addr
}

// check is the generic increment-and-check against a Redis key.
// Returns (allowed, retryAfterSecs). If store is nil, always returns (true, 0).
func (l *Limiter) check(ctx context.Context, key string, max int, ttlSecs int) (bool, int) {
	if l.store == nil {
		return true, 0
	}

	count, err := l.store.Incr(ctx, key)
	if err != nil {
		// Redis error — fail open (allow request, don't block on infra issues)
		return true, 0
	}

	if count == 1 {
		l.store.Expire(ctx, key, time.Duration(ttlSecs)*time.Second)
	}

	if count > int64(max) {
		ttl, _ := l.store.TTL(ctx, key)
		retry := int(ttl.Seconds())
		if retry < 1 {
			retry = ttlSecs
		}
		return false, retry
	}

	return true, 0
}
