// ipthrottle.go provides a pre-authentication per-IP throttle. It runs before
// credential extraction so a single source flooding the gateway with bogus
// keys is cut off before any validation work (cache lookups, key-service
// calls) happens on its behalf. This is distinct from the per-customer rate
// limiter: the throttle protects the gateway itself, the limiter enforces a
// customer's purchased quota.
package middleware

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis_rate/v10"
)

// IPThrottleMiddleware enforces a GCRA (leaky bucket) limit per client IP.
// Like the per-customer limiter, it fails open: a Redis error admits the
// request rather than taking the gateway down with the store.
func IPThrottleMiddleware(limiter *redis_rate.Limiter, perSecond, burst int) gin.HandlerFunc {
	limit := redis_rate.Limit{
		Rate:   perSecond,
		Period: time.Second,
		Burst:  burst,
	}

	return func(c *gin.Context) {
		res, err := limiter.Allow(c.Request.Context(), "ip_throttle:"+c.ClientIP(), limit)
		if err != nil {
			slog.Warn("ip throttle store unavailable, failing open",
				"ip", c.ClientIP(), "error", err)
			c.Next()
			return
		}

		if res.Allowed == 0 {
			c.Header("Retry-After", strconv.Itoa(int(res.RetryAfter.Seconds())+1))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": "Too many requests",
			})
			return
		}

		c.Next()
	}
}
