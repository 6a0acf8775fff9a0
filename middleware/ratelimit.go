package middleware

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"pdf-vector-ingest/internal/logger"
	"pdf-vector-ingest/utils"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

// RateLimitConfig allows Requests per Window for each client IP and route.
type RateLimitConfig struct {
	Requests int
	Window   time.Duration
}

// RateLimitMiddleware counts requests in a Redis fixed window keyed by IP and
// route. Without Redis, or when Redis errors, it falls back to an in-process
// token bucket per IP.
func RateLimitMiddleware(rdb *redis.Client, cfg RateLimitConfig) gin.HandlerFunc {
	if cfg.Requests <= 0 {
		return func(c *gin.Context) { c.Next() }
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	local := newLocalLimiter(cfg)
	limit := strconv.Itoa(cfg.Requests)

	return func(c *gin.Context) {
		if c.FullPath() == "/health" {
			c.Next()
			return
		}

		if rdb != nil {
			key := "ratelimit:" + c.ClientIP() + ":" + c.FullPath()
			ctx := c.Request.Context()
			count, err := rdb.Incr(ctx, key).Result()
			if err == nil {
				if count == 1 {
					rdb.Expire(ctx, key, cfg.Window)
				}
				c.Header("X-RateLimit-Limit", limit)
				if count > int64(cfg.Requests) {
					reject(c, cfg)
					return
				}
				c.Header("X-RateLimit-Remaining", strconv.FormatInt(int64(cfg.Requests)-count, 10))
				c.Next()
				return
			}
			logger.Debug("Rate limit store unavailable, using local limiter", "error", err)
		}

		c.Header("X-RateLimit-Limit", limit)
		if !local.allow(c.ClientIP()) {
			reject(c, cfg)
			return
		}
		c.Next()
	}
}

func reject(c *gin.Context, cfg RateLimitConfig) {
	c.Header("X-RateLimit-Remaining", "0")
	c.Header("Retry-After", strconv.Itoa(int(cfg.Window.Seconds())))
	utils.RespondWithError(c, http.StatusTooManyRequests,
		"rate_limit_exceeded",
		"Too many requests. Please try again later.",
		gin.H{
			"retry_after": int(cfg.Window.Seconds()),
			"limit":       cfg.Requests,
		})
}

type localLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	every    rate.Limit
	burst    int
}

func newLocalLimiter(cfg RateLimitConfig) *localLimiter {
	return &localLimiter{
		limiters: make(map[string]*rate.Limiter),
		every:    rate.Every(cfg.Window / time.Duration(cfg.Requests)),
		burst:    cfg.Requests,
	}
}

func (l *localLimiter) allow(ip string) bool {
	l.mu.Lock()
	lim, ok := l.limiters[ip]
	if !ok {
		lim = rate.NewLimiter(l.every, l.burst)
		l.limiters[ip] = lim
	}
	l.mu.Unlock()
	return lim.Allow()
}
