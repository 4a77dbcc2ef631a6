// admin.go implements the internal administrative surface consumed by the
// key-management service and operators. These endpoints sit under /internal/
// which is an exempt prefix: they carry no customer authentication and rely
// on network-level trust between internal services.
package api

import (
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/keygate/keygate/internal/apikey"
	"github.com/keygate/keygate/internal/config"
	"github.com/keygate/keygate/internal/middleware"
	"github.com/keygate/keygate/internal/ratelimit"
)

// evictCacheHandler removes one metadata cache entry. The key-management
// service calls this when a key's status changes (revoke, activate, delete)
// so the gateway picks up the change before the TTL expires. Evicting a key
// that is not cached is not an error — the outcome the caller wants (no
// stale entry) already holds.
func evictCacheHandler(keys *apikey.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		rawKey := c.Param("key")

		found := keys.Evict(rawKey)
		slog.Info("cache entry evicted",
			"key", apikey.Mask(rawKey), "found", found, "trace_id", middleware.TraceID(c))

		message := "cache entry evicted"
		if !found {
			message = "cache entry not present"
		}
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"message": message,
			"evicted": found,
		})
	}
}

// clearCacheHandler drops every metadata cache entry. Used as the coarse
// fallback when the key-management service cannot identify which raw key
// changed, and as an emergency operator action.
func clearCacheHandler(keys *apikey.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		n := keys.Clear()
		slog.Info("cache cleared", "entries", n, "trace_id", middleware.TraceID(c))

		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"message": fmt.Sprintf("cleared %d cache entries", n),
			"cleared": n,
		})
	}
}

// cacheStatsHandler exposes cache hit/miss/eviction counters for operators.
func cacheStatsHandler(keys *apikey.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		stats := keys.CacheStats()
		c.JSON(http.StatusOK, gin.H{
			"entries":   stats.Entries,
			"hits":      stats.Hits,
			"misses":    stats.Misses,
			"evictions": stats.Evictions,
			"ttl":       stats.TTL.String(),
		})
	}
}

// rateLimitStatusHandler reports a customer's current window usage without
// consuming quota. The per-minute limit defaults to the configured default
// and can be overridden with ?limit= when the caller knows the key's real
// limit.
func rateLimitStatusHandler(limiter *ratelimit.Limiter, cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		customerID := c.Query("customer_id")
		if customerID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "customer_id is required"})
			return
		}
		apiKeyID := c.Query("api_key_id")

		limit := cfg.RateLimiting.DefaultLimitPerMinute
		if raw := c.Query("limit"); raw != "" {
			parsed, err := strconv.Atoi(raw)
			if err != nil || parsed < 1 {
				c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
				return
			}
			limit = parsed
		}

		windows := limiter.Status(c.Request.Context(), customerID, apiKeyID, limit)
		c.JSON(http.StatusOK, gin.H{
			"customer_id": customerID,
			"api_key_id":  apiKeyID,
			"windows":     windows,
		})
	}
}

// rateLimitResetHandler clears a customer's window counters. Operator
// action, typically after a limit increase or an incident.
func rateLimitResetHandler(limiter *ratelimit.Limiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		customerID := c.Query("customer_id")
		if customerID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "customer_id is required"})
			return
		}
		apiKeyID := c.Query("api_key_id")

		if err := limiter.Reset(c.Request.Context(), customerID, apiKeyID); err != nil {
			slog.Error("rate limit reset failed",
				"customer", customerID, "trace_id", middleware.TraceID(c), "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to reset rate limit counters"})
			return
		}

		slog.Info("rate limit counters reset",
			"customer", customerID, "api_key_id", apiKeyID, "trace_id", middleware.TraceID(c))
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
}
