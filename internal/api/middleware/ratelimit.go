package middleware

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/juju/ratelimit"
)

// RateLimiter keeps one token bucket per client
type RateLimiter struct {
	rate     float64
	capacity int64

	mu      sync.Mutex
	buckets map[string]*ratelimit.Bucket
	seen    map[string]time.Time
}

// NewRateLimiter allows rate requests per second per client with bursts of
// up to capacity
func NewRateLimiter(rate float64, capacity int64) *RateLimiter {
	return &RateLimiter{
		rate:     rate,
		capacity: capacity,
		buckets:  make(map[string]*ratelimit.Bucket),
		seen:     make(map[string]time.Time),
	}
}

func (rl *RateLimiter) bucket(key string) *ratelimit.Bucket {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	b, ok := rl.buckets[key]
	if !ok {
		b = ratelimit.NewBucketWithRate(rl.rate, rl.capacity)
		rl.buckets[key] = b
	}
	rl.seen[key] = time.Now()
	return b
}

// Prune drops buckets idle for longer than maxIdle and returns how many
// were removed
func (rl *RateLimiter) Prune(maxIdle time.Duration) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := time.Now().Add(-maxIdle)
	removed := 0
	for key, at := range rl.seen {
		if at.Before(cutoff) {
			delete(rl.seen, key)
			delete(rl.buckets, key)
			removed++
		}
	}
	return removed
}

// Middleware rejects requests with 429 once a client's bucket is empty
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b := rl.bucket(clientKey(r))
		if b.TakeAvailable(1) == 0 {
			retry := time.Duration(float64(time.Second) / rl.rate)
			w.Header().Set("Retry-After", strconv.Itoa(int(retry.Seconds())+1))
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded", "rate_limited")
			return
		}
		w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(b.Available(), 10))
		next.ServeHTTP(w, r)
	})
}
