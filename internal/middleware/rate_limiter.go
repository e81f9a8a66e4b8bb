// Package middleware holds HTTP middleware shared by the gateway's routes.
package middleware

import (
	"log"
	"net/http"
	"sync"
	"time"
)

// AgentHeader names the calling agent for rate limiting. It is a hint only;
// the security pipeline decides who the caller really is.
const AgentHeader = "X-Agent-ID"

// RateLimitConfig defines the per-agent thresholds. BurstSize defaults to
// MaxCallsPerMinute.
type RateLimitConfig struct {
	MaxCallsPerMinute int
	BurstSize         int
}

// RateLimiter counts calls per agent in fixed one-minute windows.
type RateLimiter struct {
	mu      sync.Mutex
	windows map[string]*rateLimitWindow
	limit   int
	logger  *log.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
	now      func() time.Time
}

type rateLimitWindow struct {
	count       int
	windowStart time.Time
}

func NewRateLimiter(cfg RateLimitConfig) *RateLimiter {
	if cfg.MaxCallsPerMinute <= 0 {
		cfg.MaxCallsPerMinute = 600
	}
	limit := cfg.MaxCallsPerMinute
	if cfg.BurstSize > limit {
		limit = cfg.BurstSize
	}
	return &RateLimiter{
		windows: make(map[string]*rateLimitWindow),
		limit:   limit,
		logger:  log.New(log.Writer(), "[RATE-LIMIT] ", log.LstdFlags),
		stopCh:  make(chan struct{}),
		now:     time.Now,
	}
}

// Allow records a call for key and reports whether it is within the limit.
func (rl *RateLimiter) Allow(key string) bool {
	now := rl.now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	w, ok := rl.windows[key]
	if !ok || now.Sub(w.windowStart) > time.Minute {
		rl.windows[key] = &rateLimitWindow{count: 1, windowStart: now}
		return true
	}
	w.count++
	if w.count > rl.limit {
		if w.count == rl.limit+1 {
			rl.logger.Printf("🚫 Rate limit exceeded: key=%s limit=%d", key, rl.limit)
		}
		return false
	}
	return true
}

// Middleware rejects callers over their limit with 429.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		agentID := r.Header.Get(AgentHeader)
		if agentID == "" {
			agentID = "anonymous"
		}
		if !rl.Allow(agentID) {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Retry-After", "60")
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(`{"error":"rate limit exceeded","retry_after_seconds":60}`))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// StartCleanup drops stale windows every interval until Stop.
func (rl *RateLimiter) StartCleanup(interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				rl.sweep()
			case <-rl.stopCh:
				return
			}
		}
	}()
}

func (rl *RateLimiter) sweep() {
	now := rl.now()
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for key, w := range rl.windows {
		if now.Sub(w.windowStart) > 2*time.Minute {
			delete(rl.windows, key)
		}
	}
}

func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stopCh) })
}

func (rl *RateLimiter) Stats() map[string]interface{} {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return map[string]interface{}{
		"active_windows":    len(rl.windows),
		"max_calls_per_min": rl.limit,
	}
}
