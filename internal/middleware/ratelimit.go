package middleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/response"
)

// RateLimiter implements a simple per-IP token bucket rate limiter.
type RateLimiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	rate     int           // Tokens per interval
	interval time.Duration // Refill interval
	now      func() time.Time
}

type visitor struct {
	tokens   int
	lastSeen time.Time
}

// NewRateLimiter creates a RateLimiter (e.g., 10 requests per minute).
func NewRateLimiter(rate int, interval time.Duration) *RateLimiter {
	rl := &RateLimiter{
		visitors: make(map[string]*visitor),
		rate:     rate,
		interval: interval,
		now:      time.Now,
	}

	// Cleanup stale visitors every minute.
	go func() {
		for range time.Tick(time.Minute) {
			rl.cleanup()
		}
	}()

	return rl
}

// Middleware returns a Gin middleware that rate-limits requests by IP.
func (rl *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !rl.allow(c.ClientIP()) {
			response.AbortFail(c, http.StatusTooManyRequests, response.ErrRateLimitExceeded)
			return
		}
		c.Next()
	}
}

func (rl *RateLimiter) allow(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	v, exists := rl.visitors[ip]
	if !exists {
		v = &visitor{tokens: rl.rate, lastSeen: now}
		rl.visitors[ip] = v
	}

	// Refill tokens based on elapsed time.
	refill := int(now.Sub(v.lastSeen)/rl.interval) * rl.rate
	if refill > 0 {
		v.tokens = min(v.tokens+refill, rl.rate)
		v.lastSeen = now
	}

	if v.tokens <= 0 {
		return false
	}
	v.tokens--
	return true
}

func (rl *RateLimiter) cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for ip, v := range rl.visitors {
		if rl.now().Sub(v.lastSeen) > 3*time.Minute {
			delete(rl.visitors, ip)
		}
	}
}

// AttemptRateLimiter caps requests per attempt per minute across all
// instances with a fixed-window counter in Redis. It fails open when Redis
// is unavailable.
type AttemptRateLimiter struct {
	rdb   *redis.Client
	limit int
	log   zerolog.Logger
}

// NewAttemptRateLimiter creates an AttemptRateLimiter.
func NewAttemptRateLimiter(rdb *redis.Client, perMinute int, log zerolog.Logger) *AttemptRateLimiter {
	return &AttemptRateLimiter{
		rdb:   rdb,
		limit: perMinute,
		log:   log.With().Str("component", "attempt_rate_limiter").Logger(),
	}
}

// Middleware must run after RequireAttemptJWT.
func (l *AttemptRateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		attemptID, ok := GetAttemptID(c)
		if !ok || l.limit <= 0 {
			c.Next()
			return
		}

		window := time.Now().Unix() / 60
		key := config.CacheKey.AttemptRateKey(attemptID.String(), window)

		pipe := l.rdb.Pipeline()
		incr := pipe.Incr(c.Request.Context(), key)
		pipe.Expire(c.Request.Context(), key, 2*time.Minute)
		if _, err := pipe.Exec(c.Request.Context()); err != nil {
			l.log.Warn().Err(err).Msg("Rate limit counter unavailable, allowing request")
			c.Next()
			return
		}

		if incr.Val() > int64(l.limit) {
			response.AbortFail(c, http.StatusTooManyRequests, response.ErrRateLimitExceeded)
			return
		}
		c.Next()
	}
}
