package middleware

import (
	"context"
	"math"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/noah-isme/quizlearn-api/pkg/cache"
	appErrors "github.com/noah-isme/quizlearn-api/pkg/errors"
	"github.com/noah-isme/quizlearn-api/pkg/response"
)

type rateLimiter interface {
	Allow(ctx context.Context, key string) (cache.Decision, error)
	Limit() int
}

// RateLimit throttles a route group per authenticated user, falling back to client IP.
// Limiter failures let the request through.
func RateLimit(limiter rateLimiter, scope string, logger *zap.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(c *gin.Context) {
		if limiter == nil {
			c.Next()
			return
		}
		subject := c.ClientIP()
		if claims, ok := CurrentUser(c); ok {
			subject = claims.UserID
		}

		decision, err := limiter.Allow(c.Request.Context(), scope+":"+subject)
		if err != nil {
			logger.Warn("rate limiter unavailable", zap.String("scope", scope), zap.Error(err))
			c.Next()
			return
		}
		c.Header("X-RateLimit-Limit", strconv.Itoa(limiter.Limit()))
		if !decision.Allowed {
			seconds := int(math.Ceil(decision.RetryAfter.Seconds()))
			if seconds <= 0 {
				seconds = 1
			}
			c.Header("X-RateLimit-Remaining", "0")
			response.Error(c, appErrors.Clone(appErrors.ErrRateLimited, "").WithDetail("retryAfter", seconds))
			c.Abort()
			return
		}
		c.Header("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))
		c.Next()
	}
}
