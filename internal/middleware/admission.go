// admission.go implements the request admission pipeline that every inbound
// request passes through before reaching the upstream proxy:
//
//	Classify → Extract → Validate → Rate-limit → Enrich → Forward
//
// Exempt paths (health, internal admin surface, key issuance) skip straight to
// Forward. Every terminal outcome — forwarded, 401, 429, or 500 — produces
// exactly one usage event.
package middleware

import (
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/keygate/keygate/internal/apikey"
	"github.com/keygate/keygate/internal/ratelimit"
	"github.com/keygate/keygate/internal/telemetry"
	"github.com/keygate/keygate/internal/usage"
)

const (
	// ClientIDHeader carries the resolved customer id to the upstream service.
	ClientIDHeader = "X-Api-Client-Id"

	// RateLimitLimitHeader and RateLimitRemainingHeader are attached to every
	// authenticated response regardless of outcome; RateLimitResetHeader only
	// accompanies 429 rejections.
	RateLimitLimitHeader     = "X-RateLimit-Limit"
	RateLimitRemainingHeader = "X-RateLimit-Remaining"
	RateLimitResetHeader     = "X-RateLimit-Reset"

	// apiKeyScheme is the Authorization scheme customers present keys under.
	apiKeyScheme = "Api-Key"

	// apiKeyQueryParam is the fallback credential location for clients that
	// cannot set headers (webhooks, signed URLs).
	apiKeyQueryParam = "api_key"

	// CustomerIDKey and APIKeyIDKey expose the authenticated identity to
	// downstream handlers via gin.Context.
	CustomerIDKey = "customer_id"
	APIKeyIDKey   = "api_key_id"
)

// Admission is the credential and quota gate for proxied traffic.
type Admission struct {
	keys           *apikey.Service
	limiter        *ratelimit.Limiter
	recorder       usage.Recorder
	exemptPrefixes []string
}

// NewAdmission wires the admission pipeline. exemptPrefixes are matched
// against the raw request path; a matching request bypasses authentication
// and rate limiting entirely. A nil limiter disables quota enforcement while
// keeping authentication in place.
func NewAdmission(keys *apikey.Service, limiter *ratelimit.Limiter, recorder usage.Recorder, exemptPrefixes []string) *Admission {
	return &Admission{
		keys:           keys,
		limiter:        limiter,
		recorder:       recorder,
		exemptPrefixes: exemptPrefixes,
	}
}

// exempt reports whether the path bypasses authentication and rate limiting.
func (a *Admission) exempt(path string) bool {
	for _, prefix := range a.exemptPrefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

// extractCredential reads the raw API key from the Authorization header
// ("Api-Key <token>") or, as a fallback, the api_key query parameter. An
// Authorization header with a different scheme (e.g. a Bearer token meant for
// the upstream) is not a gateway credential — the query parameter is still
// consulted. Returns "" when no credential is present.
func extractCredential(c *gin.Context) string {
	if authHeader := c.GetHeader("Authorization"); authHeader != "" {
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], apiKeyScheme) {
			return strings.TrimSpace(parts[1])
		}
	}
	return strings.TrimSpace(c.Query(apiKeyQueryParam))
}

// Handler returns the admission middleware. It must run after
// TraceIDMiddleware (trace ids feed usage events) and before the proxy.
func (a *Admission) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		// A panic below is an InternalError terminal: count it here so the
		// usage event is not lost, then let gin.Recovery produce the 500.
		defer func() {
			if r := recover(); r != nil {
				a.recordStatus(c, start, nil, "internal error", http.StatusInternalServerError)
				panic(r)
			}
		}()

		// 1. Classify — exempt paths forward directly, but still count.
		if a.exempt(c.Request.URL.Path) {
			c.Next()
			a.record(c, start, nil, "")
			return
		}

		// 2. Extract.
		rawKey := extractCredential(c)
		if rawKey == "" {
			telemetry.AuthFailuresTotal.WithLabelValues("missing_credential").Inc()
			a.reject(c, start, nil, http.StatusUnauthorized, "missing credential",
				"API key required. Use: Authorization: Api-Key <key>")
			return
		}

		// 3. Validate — fail closed: any error on the validation path is
		// indistinguishable from an invalid key as far as admission goes.
		meta, err := a.keys.Validate(c.Request.Context(), rawKey)
		if err != nil {
			telemetry.AuthFailuresTotal.WithLabelValues("internal_error").Inc()
			slog.Error("key validation unavailable, rejecting",
				"key", apikey.Mask(rawKey), "trace_id", TraceID(c), "error", err)
			a.reject(c, start, nil, http.StatusUnauthorized, "invalid credential",
				"Invalid API key")
			return
		}
		if meta == nil || !meta.Active {
			telemetry.AuthFailuresTotal.WithLabelValues("invalid_credential").Inc()
			slog.Warn("invalid api key rejected",
				"key", apikey.Mask(rawKey), "ip", c.ClientIP(), "trace_id", TraceID(c))
			a.reject(c, start, nil, http.StatusUnauthorized, "invalid credential",
				"Invalid API key")
			return
		}

		c.Set(CustomerIDKey, meta.CustomerID)
		c.Set(APIKeyIDKey, meta.APIKeyID)

		// 4. Rate-limit (skipped when quota enforcement is disabled). Limit
		// and remaining go on every response; reset only accompanies a
		// rejection.
		if a.limiter != nil {
			res := a.limiter.Check(c.Request.Context(), meta.CustomerID, meta.APIKeyID, meta.RateLimit)
			c.Header(RateLimitLimitHeader, strconv.Itoa(meta.RateLimit))
			c.Header(RateLimitRemainingHeader, strconv.FormatInt(res.Remaining, 10))
			if !res.Allowed {
				c.Header(RateLimitResetHeader, strconv.FormatInt(res.ResetTime.Unix(), 10))
				a.reject(c, start, meta, http.StatusTooManyRequests, "rate limit exceeded",
					"Rate limit exceeded")
				return
			}
		}

		// 5. Enrich — the upstream sees who the caller is without ever
		// seeing the raw credential.
		c.Request.Header.Set(ClientIDHeader, meta.CustomerID)
		c.Request.Header.Del("Authorization")

		// 6. Forward.
		c.Next()

		a.record(c, start, meta, "")
	}
}

// reject terminates the request with a generic client-facing message and
// records the usage event. reason goes into the event and logs, never to the
// client.
func (a *Admission) reject(c *gin.Context, start time.Time, meta *apikey.Metadata, status int, reason, message string) {
	c.AbortWithStatusJSON(status, gin.H{"error": message})
	a.record(c, start, meta, reason)
}

// record emits exactly one usage event for a terminal pipeline outcome.
func (a *Admission) record(c *gin.Context, start time.Time, meta *apikey.Metadata, errorMessage string) {
	a.recordStatus(c, start, meta, errorMessage, c.Writer.Status())
}

func (a *Admission) recordStatus(c *gin.Context, start time.Time, meta *apikey.Metadata, errorMessage string, status int) {
	event := usage.Event{
		Timestamp:    start,
		Method:       c.Request.Method,
		Path:         c.Request.URL.Path,
		Query:        c.Request.URL.RawQuery,
		StatusCode:   status,
		LatencyMS:    time.Since(start).Milliseconds(),
		ClientIP:     c.ClientIP(),
		UserAgent:    c.Request.UserAgent(),
		TraceID:      TraceID(c),
		ErrorMessage: errorMessage,
	}
	if meta != nil {
		event.CustomerID = meta.CustomerID
		event.APIKeyID = meta.APIKeyID
	}
	a.recorder.Record(event)
}
