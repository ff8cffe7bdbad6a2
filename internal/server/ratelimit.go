// ratelimit.go - Per client IP rate limiting.
//
// Two backends share the Limiter interface: an in-process sliding window for
// single instance deployments and a Redis fixed window (ratelimit_redis.go)
// when several instances sit behind one proxy.
package server

import (
	"context"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Limiter decides whether a request identified by key may proceed. An error
// means the decision could not be made; callers let the request through.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// MemoryLimiter allows rate requests per window per key using a sliding
// window of request timestamps.
type MemoryLimiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	rate     int
	window   time.Duration
	now      func() time.Time

	stop     chan struct{}
	stopOnce sync.Once
}

// visitor tracks request timestamps for a single key
type visitor struct {
	requests []time.Time
	mu       sync.Mutex
}

// NewMemoryLimiter creates a limiter that allows rate requests per window.
// Close stops its background sweeper.
func NewMemoryLimiter(rate int, window time.Duration) *MemoryLimiter {
	rl := &MemoryLimiter{
		visitors: make(map[string]*visitor),
		rate:     rate,
		window:   window,
		now:      time.Now,
		stop:     make(chan struct{}),
	}
	go rl.cleanupLoop(time.Minute)
	return rl
}

// Allow implements Limiter. It never returns an error.
func (rl *MemoryLimiter) Allow(_ context.Context, key string) (bool, error) {
	rl.mu.Lock()
	v, exists := rl.visitors[key]
	if !exists {
		v = &visitor{requests: make([]time.Time, 0, rl.rate)}
		rl.visitors[key] = v
	}
	rl.mu.Unlock()

	v.mu.Lock()
	defer v.mu.Unlock()

	now := rl.now()
	cutoff := now.Add(-rl.window)

	// Timestamps are appended in order, so drop the expired prefix.
	i := 0
	for i < len(v.requests) && !v.requests[i].After(cutoff) {
		i++
	}
	v.requests = v.requests[i:]

	if len(v.requests) >= rl.rate {
		return false, nil
	}
	v.requests = append(v.requests, now)
	return true, nil
}

// Close stops the background sweeper.
func (rl *MemoryLimiter) Close() {
	rl.stopOnce.Do(func() { close(rl.stop) })
}

func (rl *MemoryLimiter) cleanupLoop(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-rl.stop:
			return
		case <-ticker.C:
			rl.sweep()
		}
	}
}

// sweep drops visitors with no request in the last two windows.
func (rl *MemoryLimiter) sweep() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	cutoff := rl.now().Add(-rl.window * 2)
	for key, v := range rl.visitors {
		v.mu.Lock()
		if len(v.requests) == 0 || v.requests[len(v.requests)-1].Before(cutoff) {
			delete(rl.visitors, key)
		}
		v.mu.Unlock()
	}
}

// rateLimitExempt lists probe endpoints that must never be throttled.
var rateLimitExempt = map[string]bool{
	"/health":  true,
	"/ready":   true,
	"/live":    true,
	"/metrics": true,
}

func rateLimitMiddleware(l Limiter, metrics *Metrics, logger *zap.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if rateLimitExempt[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}
		ip := getClientIP(r)
		ok, err := l.Allow(r.Context(), ip)
		if err != nil {
			logger.Warn("rate limiter unavailable, allowing request",
				zap.String("request_id", RequestIDFromContext(r.Context())),
				zap.Error(err))
			ok = true
		}
		if !ok {
			metrics.RecordRateLimited()
			writeJSON(w, http.StatusTooManyRequests, errorResponse{
				Success: false,
				Error:   "Rate limit exceeded. Please try again later.",
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}
