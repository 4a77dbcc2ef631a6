package proxy

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newProxyRouter(t *testing.T, upstreamURL string) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	fwd, err := NewForwarder(upstreamURL, 2*time.Second)
	require.NoError(t, err)

	r := gin.New()
	r.NoRoute(fwd.Handler())
	return r
}

// proxyRequest builds a test request with a cancellable context. Real server
// requests always carry one; without it, httputil.ReverseProxy falls back to
// http.CloseNotifier, which the recorder does not implement and gin's writer
// panics on.
func proxyRequest(t *testing.T, method, target string) *http.Request {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	ctx, cancel := context.WithCancel(req.Context())
	t.Cleanup(cancel)
	return req.WithContext(ctx)
}

func TestForwarder_PassesRequestThrough(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/widgets", r.URL.Path)
		assert.Equal(t, "page=2", r.URL.RawQuery)
		assert.Equal(t, "cust-1", r.Header.Get("X-Api-Client-Id"))
		w.Header().Set("X-Upstream", "yes")
		w.WriteHeader(http.StatusCreated)
		io.WriteString(w, "created")
	}))
	defer upstream.Close()

	r := newProxyRouter(t, upstream.URL)

	req := proxyRequest(t, http.MethodPost, "/v1/widgets?page=2")
	req.Header.Set("X-Api-Client-Id", "cust-1")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, "created", w.Body.String())
	assert.Equal(t, "yes", w.Header().Get("X-Upstream"))
}

func TestForwarder_UpstreamStatusPreserved(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "teapot", http.StatusTeapot)
	}))
	defer upstream.Close()

	r := newProxyRouter(t, upstream.URL)

	req := proxyRequest(t, http.MethodGet, "/v1/brew")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusTeapot, w.Code)
}

func TestForwarder_UnreachableUpstreamReturns502(t *testing.T) {
	// Reserved port with nothing listening.
	r := newProxyRouter(t, "http://127.0.0.1:1")

	req := proxyRequest(t, http.MethodGet, "/v1/widgets")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.JSONEq(t, `{"error":"Upstream service unavailable"}`, w.Body.String())
}

func TestNewForwarder_RejectsBadURL(t *testing.T) {
	_, err := NewForwarder("not a url", time.Second)
	assert.Error(t, err)

	_, err = NewForwarder("ftp://example.com", time.Second)
	assert.Error(t, err)
}
