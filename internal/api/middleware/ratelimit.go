package middleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/anvil-lab/wgctl/internal/config"
	"github.com/gin-gonic/gin"
)

// rateLimiter is a per-IP, in-memory token bucket; for production, back
// this with a shared store if the API is ever run behind more than one
// replica.
type rateLimiter struct {
	visitors map[string]*visitor
	mu       sync.Mutex
	rate     int
	window   time.Duration
	burst    int
}

type visitor struct {
	tokens    float64
	lastCheck time.Time
}

func newRateLimiter(rate int, window time.Duration, burst int) *rateLimiter {
	rl := &rateLimiter{visitors: make(map[string]*visitor), rate: rate, window: window, burst: burst}
	go rl.cleanup()
	return rl
}

func (rl *rateLimiter) cleanup() {
	for {
		time.Sleep(time.Minute)
		rl.mu.Lock()
		for ip, v := range rl.visitors {
			if time.Since(v.lastCheck) > rl.window*2 {
				delete(rl.visitors, ip)
			}
		}
		rl.mu.Unlock()
	}
}

func (rl *rateLimiter) allow(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	v, exists := rl.visitors[key]
	if !exists {
		rl.visitors[key] = &visitor{tokens: float64(rl.burst) - 1, lastCheck: time.Now()}
		return true
	}

	now := time.Now()
	elapsed := now.Sub(v.lastCheck)
	v.lastCheck = now

	rate := float64(rl.rate) / rl.window.Seconds()
	v.tokens += elapsed.Seconds() * rate
	if v.tokens > float64(rl.burst) {
		v.tokens = float64(rl.burst)
	}
	if v.tokens < 1 {
		return false
	}
	v.tokens--
	return true
}

// RateLimiter enforces cfg's per-IP request budget.
func RateLimiter(cfg config.RateLimitConfig) gin.HandlerFunc {
	limiter := newRateLimiter(cfg.RequestsPerMinute, time.Minute, cfg.BurstSize)

	return func(c *gin.Context) {
		if !limiter.allow(c.ClientIP()) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "rate limit exceeded",
				"retry_after": 60,
			})
			return
		}
		c.Next()
	}
}
