package middleware

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	// TraceIDHeader is the canonical HTTP header used to propagate the trace identifier.
	TraceIDHeader = "X-Trace-Id"

	// TraceIDKey is the gin.Context key under which the trace ID string is stored so
	// that handlers and other middleware can retrieve it without reading the response header.
	TraceIDKey = "trace_id"
)

// TraceIDMiddleware returns a Gin handler that ensures every request carries a
// unique identifier propagated as an X-Trace-Id HTTP header.
//
// Behaviour:
//   - If the inbound request already carries an X-Trace-Id header (set by an upstream
//     load balancer or caller), its value is reused unchanged.
//   - Otherwise a new UUID v4 is generated for the request.
//
// The identifier is stored in gin.Context under TraceIDKey, echoed back in the
// response X-Trace-Id header, and stamped onto the outbound request before it
// is forwarded to the upstream service, so a client error report, a gateway
// log line, a usage event, and an upstream log line all correlate on one ID.
//
// Register this middleware as early as possible so all downstream logging includes the ID.
func TraceIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(TraceIDHeader)
		if id == "" {
			id = uuid.New().String()
		}

		// Store in context for use by handlers and other middleware (e.g. logging).
		c.Set(TraceIDKey, id)

		// Stamp the outbound request so the upstream sees the same ID.
		c.Request.Header.Set(TraceIDHeader, id)

		// Echo back to caller so they can correlate their request with server-side logs.
		c.Header(TraceIDHeader, id)

		c.Next()
	}
}

// TraceID returns the request's trace identifier, or "" if the middleware did not run.
func TraceID(c *gin.Context) string {
	return c.GetString(TraceIDKey)
}
