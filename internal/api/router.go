// Package api wires the gateway's HTTP surface: the middleware chain, the
// health probe, the internal admin endpoints, and the catch-all forwarder
// that proxies admitted customer traffic to the upstream backend.
package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis_rate/v10"

	"github.com/keygate/keygate/internal/apikey"
	"github.com/keygate/keygate/internal/config"
	"github.com/keygate/keygate/internal/middleware"
	"github.com/keygate/keygate/internal/proxy"
	"github.com/keygate/keygate/internal/ratelimit"
	"github.com/keygate/keygate/internal/usage"
)

// Deps carries the constructed components the router wires together.
type Deps struct {
	Config    *config.Config
	Keys      *apikey.Service
	Limiter   *ratelimit.Limiter
	Recorder  usage.Recorder
	Forwarder *proxy.Forwarder

	// IPLimiter enables the pre-auth per-IP throttle when non-nil.
	IPLimiter *redis_rate.Limiter
}

// NewRouter builds the gin engine.
//
// Middleware ordering matters:
//
//	Recovery → TraceID → Metrics → Logger → IPThrottle → Admission → Handler
//
// Recovery runs outermost so a panic anywhere still produces a 500. TraceID
// runs before everything that logs so all records correlate. The IP throttle
// runs before Admission so a flooding source is cut off before any
// validation work happens on its behalf. Admission runs last — it is the
// authentication and quota gate for everything the admin surface does not
// claim.
func NewRouter(d Deps) *gin.Engine {
	router := gin.New()

	router.Use(gin.Recovery())
	router.Use(middleware.TraceIDMiddleware())
	router.Use(middleware.MetricsMiddleware())
	router.Use(middleware.LoggerMiddleware())

	if d.IPLimiter != nil && d.Config.IPThrottle.Enabled {
		router.Use(middleware.IPThrottleMiddleware(d.IPLimiter,
			d.Config.IPThrottle.RequestsPerSecond, d.Config.IPThrottle.Burst))
	}

	admission := middleware.NewAdmission(d.Keys, d.Limiter, d.Recorder,
		d.Config.Server.ExemptPathPrefixes)
	router.Use(admission.Handler())

	// Gateway-owned endpoints carry security headers; proxied traffic keeps
	// whatever the upstream sets.
	secured := middleware.SecurityHeadersMiddleware(middleware.APISecurityHeadersConfig())

	router.GET("/healthz", secured, healthHandler())

	internal := router.Group("/internal", secured)
	{
		internal.POST("/cache/evict/:key", evictCacheHandler(d.Keys))
		internal.POST("/cache/clear-all", clearCacheHandler(d.Keys))
		internal.GET("/cache/stats", cacheStatsHandler(d.Keys))

		if d.Limiter != nil {
			internal.GET("/ratelimit/status", rateLimitStatusHandler(d.Limiter, d.Config))
			internal.POST("/ratelimit/reset", rateLimitResetHandler(d.Limiter))
		}
	}

	// Everything else is customer traffic headed upstream.
	router.NoRoute(d.Forwarder.Handler())

	return router
}

// healthHandler reports gateway liveness. It deliberately checks nothing
// downstream: Redis and the key service being down degrade behavior
// (fail-open limits, fail-closed auth) but do not make the process unhealthy.
func healthHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
}
