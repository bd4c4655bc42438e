package httpapi

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/studysync/syncengine/internal/auth"
)

// ============================================================================
// Rate Limiting with Token Bucket Algorithm
// ============================================================================
//
// Per-user token bucket: bursts up to capacity, then a steady refill of
// MaxRequests/WindowSeconds tokens per second.
//
//   RateLimitInfo{WindowSeconds: 60, MaxRequests: 600, Burst: 120}
//   => Refill rate: 600/60 = 10 tokens/second
//
// Bucket state lives behind BucketStore so several instances can share it.
// MemoryBucketStore keeps it in-process and expires idle buckets.
// ============================================================================

// TokenBucket implements a token bucket rate limiter
type TokenBucket struct {
	tokens     float64
	capacity   float64
	refillRate float64 // tokens per second
	lastRefill time.Time
	mu         sync.Mutex
}

// NewTokenBucket creates a new token bucket with given capacity and refill rate
func NewTokenBucket(capacity int, refillRate float64) *TokenBucket {
	return newTokenBucketAt(capacity, refillRate, time.Now())
}

func newTokenBucketAt(capacity int, refillRate float64, now time.Time) *TokenBucket {
	return &TokenBucket{
		tokens:     float64(capacity),
		capacity:   float64(capacity),
		refillRate: refillRate,
		lastRefill: now,
	}
}

// Decision is the outcome of taking one token
type Decision struct {
	Allowed   bool
	Remaining int
	// NextToken is when the next token will be available (use for Retry-After)
	NextToken time.Time
	// FullReset is when the bucket will be completely full (use for X-RateLimit-Reset)
	FullReset time.Time
}

// Allow checks if a token is available and consumes it if so
func (tb *TokenBucket) Allow() Decision {
	return tb.allowAt(time.Now())
}

func (tb *TokenBucket) allowAt(now time.Time) Decision {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	elapsed := now.Sub(tb.lastRefill).Seconds()
	if elapsed > 0 {
		tb.tokens += elapsed * tb.refillRate
		if tb.tokens > tb.capacity {
			tb.tokens = tb.capacity
		}
		tb.lastRefill = now
	}

	tokensNeeded := tb.capacity - tb.tokens
	fullReset := now.Add(time.Duration(tokensNeeded / tb.refillRate * float64(time.Second)))

	if tb.tokens >= 1.0 {
		tb.tokens -= 1.0
		return Decision{Allowed: true, Remaining: int(tb.tokens), NextToken: now, FullReset: fullReset}
	}

	// Time until the next whole token, not until the bucket is full
	secondsUntilNext := (1.0 - tb.tokens) / tb.refillRate
	nextToken := now.Add(time.Duration(secondsUntilNext * float64(time.Second)))
	return Decision{Allowed: false, NextToken: nextToken, FullReset: fullReset}
}

func (tb *TokenBucket) idleSince(now time.Time) time.Duration {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return now.Sub(tb.lastRefill)
}

// BucketSpec sizes a bucket created on first use
type BucketSpec struct {
	Capacity   int
	RefillRate float64
}

// BucketStore is a keyed store of token buckets with idle expiry
type BucketStore interface {
	// Take consumes one token from the bucket at key, creating a full
	// bucket from spec if none exists
	Take(ctx context.Context, key string, spec BucketSpec, now time.Time) (Decision, error)
}

// MemoryBucketStore keeps buckets in a map and drops buckets idle for
// longer than TTL.
type MemoryBucketStore struct {
	TTL time.Duration

	mu      sync.RWMutex
	buckets map[string]*TokenBucket
}

// NewMemoryBucketStore creates a store whose buckets expire after an hour idle
func NewMemoryBucketStore() *MemoryBucketStore {
	return &MemoryBucketStore{TTL: time.Hour, buckets: make(map[string]*TokenBucket)}
}

func (m *MemoryBucketStore) Take(_ context.Context, key string, spec BucketSpec, now time.Time) (Decision, error) {
	m.mu.RLock()
	bucket, ok := m.buckets[key]
	m.mu.RUnlock()

	if ok && bucket.idleSince(now) > m.TTL {
		ok = false
	}
	if !ok {
		m.mu.Lock()
		// Double-check after acquiring write lock
		bucket, ok = m.buckets[key]
		if !ok || bucket.idleSince(now) > m.TTL {
			bucket = newTokenBucketAt(spec.Capacity, spec.RefillRate, now)
			m.buckets[key] = bucket
		}
		m.mu.Unlock()
	}
	return bucket.allowAt(now), nil
}

// Sweep removes expired buckets and returns how many were dropped
func (m *MemoryBucketStore) Sweep(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for key, bucket := range m.buckets {
		if bucket.idleSince(now) > m.TTL {
			delete(m.buckets, key)
			n++
		}
	}
	return n
}

// Run sweeps expired buckets every interval until ctx is done
func (m *MemoryBucketStore) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if n := m.Sweep(now); n > 0 {
				log.Debug().Int("buckets", n).Msg("expired rate limit buckets")
			}
		}
	}
}

// RateLimitMiddleware returns a middleware that enforces rate limiting per
// user. A zero config disables limiting.
func RateLimitMiddleware(config RateLimitInfo, store BucketStore) func(http.Handler) http.Handler {
	if config.MaxRequests <= 0 || config.WindowSeconds <= 0 || config.Burst <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	spec := BucketSpec{
		Capacity:   config.Burst,
		RefillRate: float64(config.MaxRequests) / float64(config.WindowSeconds),
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID := auth.UserID(r.Context())
			if userID == "" {
				// No user ID means unauthenticated request, skip rate limiting
				next.ServeHTTP(w, r)
				return
			}

			now := time.Now()
			d, err := store.Take(r.Context(), "user:"+userID, spec, now)
			if err != nil {
				// Fail open
				log.Ctx(r.Context()).Error().Err(err).Msg("rate limit store failed")
				next.ServeHTTP(w, r)
				return
			}

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(config.MaxRequests))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(d.FullReset.Unix(), 10))
			w.Header().Set("X-RateLimit-Burst", strconv.Itoa(config.Burst))

			if !d.Allowed {
				retryAfter := int(d.NextToken.Sub(now).Seconds())
				if retryAfter < 1 {
					retryAfter = 1
				}
				w.Header().Set("Retry-After", strconv.Itoa(retryAfter))

				log.Ctx(r.Context()).Warn().
					Str("userId", userID).
					Str("path", r.URL.Path).
					Int("retryAfter", retryAfter).
					Msg("Rate limit exceeded")

				writeError(w, r, http.StatusTooManyRequests,
					"Rate limit exceeded. Please retry after "+strconv.Itoa(retryAfter)+" seconds.")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
