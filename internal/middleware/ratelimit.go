package middleware

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"taskmanager/internal/logger"
	"taskmanager/internal/ratelimit"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type Allower interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (*ratelimit.Result, error)
}

// RateLimit limits requests per client IP and route. Limiter errors let
// the request through.
func RateLimit(limiter Allower, limit int, window time.Duration, log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.FullPath() + ":" + c.ClientIP()

		res, err := limiter.Allow(c.Request.Context(), key, limit, window)
		if err != nil {
			logger.FromContext(c.Request.Context(), log).Warn("rate limiter unavailable", zap.Error(err))
			c.Next()
			return
		}

		c.Header("X-RateLimit-Limit", strconv.Itoa(res.Limit))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(res.ResetAt.Unix(), 10))

		if !res.Allowed {
			retry := int(time.Until(res.ResetAt).Seconds()) + 1
			if retry < 1 {
				retry = 1
			}
			c.Header("Retry-After", strconv.Itoa(retry))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "Too many requests, please try again later"})
			return
		}
		c.Next()
	}
}
