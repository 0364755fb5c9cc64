package livesync

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"
)

// RefreshLimiter throttles on-demand refreshes per client with a token bucket.
// Each refresh costs one upstream GetOne call.
type RefreshLimiter struct {
	buckets    map[string]*tokenBucket
	bucketsMux sync.RWMutex
	limit      int
	period     time.Duration
	now        func() time.Time
}

type tokenBucket struct {
	tokens     int
	lastRefill time.Time
	mutex      sync.Mutex
}

// NewRefreshLimiter allows limit refreshes per period for every client
func NewRefreshLimiter(limit int, period time.Duration) *RefreshLimiter {
	return &RefreshLimiter{
		buckets: make(map[string]*tokenBucket),
		limit:   limit,
		period:  period,
		now:     time.Now,
	}
}

// Allow takes a token from the client's bucket
func (rl *RefreshLimiter) Allow(client string) bool {
	bucket := rl.bucket(client)

	bucket.mutex.Lock()
	defer bucket.mutex.Unlock()

	now := rl.now()
	elapsed := now.Sub(bucket.lastRefill)
	if elapsed >= rl.period {
		bucket.tokens = rl.limit
		bucket.lastRefill = now
	} else if refill := int(elapsed.Nanoseconds() * int64(rl.limit) / rl.period.Nanoseconds()); refill > 0 {
		if bucket.tokens+refill >= rl.limit {
			bucket.tokens = rl.limit
			bucket.lastRefill = now
		} else {
			// Keep the remainder of a partially earned token.
			bucket.tokens += refill
			bucket.lastRefill = bucket.lastRefill.Add(time.Duration(int64(refill) * rl.period.Nanoseconds() / int64(rl.limit)))
		}
	}

	if bucket.tokens == 0 {
		return false
	}
	bucket.tokens--
	return true
}

// Remaining reports the tokens left for client without consuming one
func (rl *RefreshLimiter) Remaining(client string) int {
	bucket := rl.bucket(client)
	bucket.mutex.Lock()
	defer bucket.mutex.Unlock()
	return bucket.tokens
}

func (rl *RefreshLimiter) bucket(client string) *tokenBucket {
	rl.bucketsMux.RLock()
	bucket, ok := rl.buckets[client]
	rl.bucketsMux.RUnlock()
	if ok {
		return bucket
	}

	rl.bucketsMux.Lock()
	defer rl.bucketsMux.Unlock()

	if bucket, ok := rl.buckets[client]; ok {
		return bucket
	}
	bucket = &tokenBucket{tokens: rl.limit, lastRefill: rl.now()}
	rl.buckets[client] = bucket
	return bucket
}

// prune drops buckets idle for longer than maxIdle
func (rl *RefreshLimiter) prune(maxIdle time.Duration) int {
	rl.bucketsMux.Lock()
	defer rl.bucketsMux.Unlock()

	cutoff := rl.now().Add(-maxIdle)
	removed := 0
	for client, bucket := range rl.buckets {
		bucket.mutex.Lock()
		if bucket.lastRefill.Before(cutoff) {
			delete(rl.buckets, client)
			removed++
		}
		bucket.mutex.Unlock()
	}
	return removed
}

// RunCleanup prunes idle buckets every interval until ctx is done
func (rl *RefreshLimiter) RunCleanup(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rl.prune(interval)
		}
	}
}

// Middleware rejects requests over the limit with 429
func (rl *RefreshLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.Allow(clientKey(r)) {
			w.Header().Set("Retry-After", retryAfter(rl.period, rl.limit))
			http.Error(w, "refresh rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// retryAfter is the whole seconds until one token refills, at least 1
func retryAfter(period time.Duration, limit int) string {
	secs := int(period.Seconds()) / max(limit, 1)
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}
