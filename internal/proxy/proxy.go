// Package proxy forwards admitted requests to the upstream backend. The
// gateway owns admission (authentication, quota, enrichment); the upstream
// owns the actual API semantics. Everything about the original request except
// the credential is preserved on the way through.
package proxy

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/keygate/keygate/internal/telemetry"
)

// Forwarder is a reverse proxy to a single upstream base URL.
type Forwarder struct {
	target *url.URL
	proxy  *httputil.ReverseProxy
}

// NewForwarder creates a reverse proxy for the given upstream base URL.
// timeout bounds one full proxied round trip including response headers.
func NewForwarder(upstreamURL string, timeout time.Duration) (*Forwarder, error) {
	target, err := url.Parse(upstreamURL)
	if err != nil {
		return nil, fmt.Errorf("invalid upstream url %q: %w", upstreamURL, err)
	}
	if target.Scheme != "http" && target.Scheme != "https" {
		return nil, fmt.Errorf("upstream url %q must use http or https", upstreamURL)
	}

	rp := httputil.NewSingleHostReverseProxy(target)

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.ResponseHeaderTimeout = timeout
	rp.Transport = transport

	rp.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		telemetry.UpstreamErrorsTotal.Inc()
		slog.Error("upstream request failed",
			"upstream", target.Host,
			"method", r.Method,
			"path", r.URL.Path,
			"error", err)

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadGateway)
		fmt.Fprint(w, `{"error":"Upstream service unavailable"}`)
	}

	return &Forwarder{target: target, proxy: rp}, nil
}

// Handler returns the gin handler that forwards the request. Registered as
// the NoRoute handler so everything the admin surface does not claim flows to
// the upstream.
func (f *Forwarder) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		f.proxy.ServeHTTP(c.Writer, c.Request)
	}
}
