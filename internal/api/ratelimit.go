package api

import (
	"net/http"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
)

const rateLimiterSweepInterval = 5 * time.Minute

// RateLimiter is a fixed-window in-memory limiter keyed by (client IP,
// route). State is process-local: running more than one instance requires
// moving these counters to a shared store, which is an accepted limitation
// of the single-instance deployment.
type RateLimiter struct {
	mu      sync.Mutex
	entries map[string]rateState
	stopCh  chan struct{}
	once    sync.Once
}

type rateState struct {
	count     int
	windowEnd time.Time
}

func NewRateLimiter() *RateLimiter {
	rl := &RateLimiter{
		entries: make(map[string]rateState),
		stopCh:  make(chan struct{}),
	}
	go rl.sweepLoop()
	return rl
}

// Allow reports whether another request under key fits in the current
// window, and the seconds remaining until the window resets when it does not.
func (rl *RateLimiter) Allow(key string, limit int, window time.Duration) (bool, int) {
	if limit <= 0 {
		return true, 0
	}
	if window <= 0 {
		window = time.Minute
	}

	now := time.Now()
	rl.mu.Lock()
	defer rl.mu.Unlock()

	state, ok := rl.entries[key]
	if !ok || now.After(state.windowEnd) {
		rl.entries[key] = rateState{count: 1, windowEnd: now.Add(window)}
		return true, 0
	}
	if state.count >= limit {
		return false, int(time.Until(state.windowEnd).Seconds()) + 1
	}
	state.count++
	rl.entries[key] = state
	return true, 0
}

func (rl *RateLimiter) sweepLoop() {
	ticker := time.NewTicker(rateLimiterSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			rl.cleanup(time.Now())
		case <-rl.stopCh:
			return
		}
	}
}

func (rl *RateLimiter) cleanup(now time.Time) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for key, state := range rl.entries {
		if now.After(state.windowEnd) {
			delete(rl.entries, key)
		}
	}
}

func (rl *RateLimiter) Close() {
	rl.once.Do(func() {
		close(rl.stopCh)
	})
}

// RateLimitMiddleware rejects requests exceeding limit per window per
// (IP, route) with 429 and a retryAfter hint.
func RateLimitMiddleware(rl *RateLimiter, limit int, window time.Duration) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			key := c.RealIP() + ":" + c.Path()
			allowed, retryAfter := rl.Allow(key, limit, window)
			if !allowed {
				return c.JSON(http.StatusTooManyRequests, envelope{
					Success:    false,
					Error:      "too many requests",
					RetryAfter: retryAfter,
				})
			}
			return next(c)
		}
	}
}
