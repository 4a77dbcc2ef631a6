package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keygate/keygate/internal/apikey"
	"github.com/keygate/keygate/internal/config"
	"github.com/keygate/keygate/internal/proxy"
	"github.com/keygate/keygate/internal/ratelimit"
	"github.com/keygate/keygate/internal/usage"
)

// fakeKeyService scripts validation answers for raw keys and counts calls.
type fakeKeyService struct {
	mu    sync.Mutex
	valid map[string]*apikey.Metadata
	calls atomic.Int32
}

func (f *fakeKeyService) Validate(ctx context.Context, rawKey string) (*apikey.Metadata, error) {
	f.calls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if meta, ok := f.valid[rawKey]; ok {
		m := *meta
		return &m, nil
	}
	return nil, nil
}

type gatewayFixture struct {
	router     *gin.Engine
	keyService *fakeKeyService
	upstream   *httptest.Server
	recorder   *memoryRecorder
}

// memoryRecorder collects usage events for assertions.
type memoryRecorder struct {
	mu     sync.Mutex
	events []usage.Event
}

func (r *memoryRecorder) Record(event usage.Event) {
	r.mu.Lock()
	r.events = append(r.events, event)
	r.mu.Unlock()
}

func (r *memoryRecorder) Close(context.Context) error { return nil }

func newGatewayFixture(t *testing.T) *gatewayFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Seen-Client-Id", r.Header.Get("X-Api-Client-Id"))
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("upstream ok"))
	}))
	t.Cleanup(upstream.Close)

	keyService := &fakeKeyService{valid: map[string]*apikey.Metadata{
		"sk_live_valid": {CustomerID: "cust-1", APIKeyID: "key-1", RateLimit: 100, Active: true},
	}}

	cache := apikey.NewCache(time.Minute, time.Hour)
	t.Cleanup(cache.Stop)

	store := ratelimit.NewMemoryStore()
	t.Cleanup(store.Stop)

	fwd, err := proxy.NewForwarder(upstream.URL, 2*time.Second)
	require.NoError(t, err)

	cfg := &config.Config{}
	cfg.Server.ExemptPathPrefixes = []string{"/healthz", "/internal/"}
	cfg.RateLimiting.DefaultLimitPerMinute = 100

	recorder := &memoryRecorder{}

	router := NewRouter(Deps{
		Config:    cfg,
		Keys:      apikey.NewService(keyService, cache, 100),
		Limiter:   ratelimit.NewLimiter(store, ratelimit.Config{CheckTimeout: time.Second}),
		Recorder:  recorder,
		Forwarder: fwd,
	})

	return &gatewayFixture{
		router:     router,
		keyService: keyService,
		upstream:   upstream,
		recorder:   recorder,
	}
}

func (f *gatewayFixture) do(method, target string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	// Real server requests carry a cancellable context; without one,
	// httputil.ReverseProxy falls back to http.CloseNotifier, which the
	// recorder does not implement and gin's writer panics on.
	ctx, cancel := context.WithCancel(req.Context())
	defer cancel()
	req = req.WithContext(ctx)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

// ---------------------------------------------------------------------------
// Health and end-to-end flow
// ---------------------------------------------------------------------------

func TestRouter_Healthz(t *testing.T) {
	f := newGatewayFixture(t)

	w := f.do(http.MethodGet, "/healthz", nil)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
}

func TestRouter_AdmittedRequestReachesUpstream(t *testing.T) {
	f := newGatewayFixture(t)

	w := f.do(http.MethodGet, "/v1/widgets", map[string]string{
		"Authorization": "Api-Key sk_live_valid",
	})

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "upstream ok", w.Body.String())
	assert.Equal(t, "cust-1", w.Header().Get("X-Seen-Client-Id"),
		"upstream must see the resolved customer id")
	assert.Equal(t, "100", w.Header().Get("X-RateLimit-Limit"))
	assert.NotEmpty(t, w.Header().Get("X-Trace-Id"))
}

func TestRouter_MissingCredentialNeverReachesUpstream(t *testing.T) {
	f := newGatewayFixture(t)

	w := f.do(http.MethodGet, "/v1/widgets", nil)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, int32(0), f.keyService.calls.Load())
}

// ---------------------------------------------------------------------------
// Cache admin surface
// ---------------------------------------------------------------------------

func TestRouter_EvictForcesRevalidation(t *testing.T) {
	f := newGatewayFixture(t)

	auth := map[string]string{"Authorization": "Api-Key sk_live_valid"}

	f.do(http.MethodGet, "/v1/widgets", auth)
	f.do(http.MethodGet, "/v1/widgets", auth)
	assert.Equal(t, int32(1), f.keyService.calls.Load(), "second request must hit the cache")

	w := f.do(http.MethodPost, "/internal/cache/evict/sk_live_valid", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Status  string `json:"status"`
		Message string `json:"message"`
		Evicted bool   `json:"evicted"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "ok", body.Status)
	assert.NotEmpty(t, body.Message)
	assert.True(t, body.Evicted)

	f.do(http.MethodGet, "/v1/widgets", auth)
	assert.Equal(t, int32(2), f.keyService.calls.Load(), "post-evict request must revalidate")
}

func TestRouter_EvictUnknownKeyIsOK(t *testing.T) {
	f := newGatewayFixture(t)

	w := f.do(http.MethodPost, "/internal/cache/evict/sk_never_seen", nil)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"evicted":false`)
}

func TestRouter_ClearAll(t *testing.T) {
	f := newGatewayFixture(t)

	f.do(http.MethodGet, "/v1/widgets", map[string]string{"Authorization": "Api-Key sk_live_valid"})

	w := f.do(http.MethodPost, "/internal/cache/clear-all", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Status  string `json:"status"`
		Message string `json:"message"`
		Cleared int    `json:"cleared"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, "cleared 1 cache entries", body.Message)
	assert.Equal(t, 1, body.Cleared)
}

func TestRouter_CacheStats(t *testing.T) {
	f := newGatewayFixture(t)

	auth := map[string]string{"Authorization": "Api-Key sk_live_valid"}
	f.do(http.MethodGet, "/v1/widgets", auth) // miss
	f.do(http.MethodGet, "/v1/widgets", auth) // hit

	w := f.do(http.MethodGet, "/internal/cache/stats", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var stats struct {
		Entries int   `json:"entries"`
		Hits    int64 `json:"hits"`
		Misses  int64 `json:"misses"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stats))
	assert.Equal(t, 1, stats.Entries)
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
}

// ---------------------------------------------------------------------------
// Rate limit admin surface
// ---------------------------------------------------------------------------

func TestRouter_RateLimitStatus(t *testing.T) {
	f := newGatewayFixture(t)

	auth := map[string]string{"Authorization": "Api-Key sk_live_valid"}
	for i := 0; i < 3; i++ {
		f.do(http.MethodGet, "/v1/widgets", auth)
	}

	w := f.do(http.MethodGet, "/internal/ratelimit/status?customer_id=cust-1&api_key_id=key-1", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		CustomerID string `json:"customer_id"`
		Windows    []struct {
			Window    string `json:"window"`
			Limit     int    `json:"limit"`
			Used      int64  `json:"used"`
			Remaining int64  `json:"remaining"`
		} `json:"windows"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Len(t, body.Windows, 1)
	assert.Equal(t, "minute", body.Windows[0].Window)
	assert.Equal(t, int64(3), body.Windows[0].Used)
	assert.Equal(t, int64(97), body.Windows[0].Remaining)
}

func TestRouter_RateLimitStatusRequiresCustomerID(t *testing.T) {
	f := newGatewayFixture(t)

	w := f.do(http.MethodGet, "/internal/ratelimit/status", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(http.MethodGet, "/internal/ratelimit/status?customer_id=cust-1&limit=abc", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRouter_RateLimitReset(t *testing.T) {
	f := newGatewayFixture(t)

	auth := map[string]string{"Authorization": "Api-Key sk_live_valid"}
	for i := 0; i < 5; i++ {
		f.do(http.MethodGet, "/v1/widgets", auth)
	}

	w := f.do(http.MethodPost, "/internal/ratelimit/reset?customer_id=cust-1&api_key_id=key-1", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = f.do(http.MethodGet, "/internal/ratelimit/status?customer_id=cust-1&api_key_id=key-1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"used":0`)
}

func TestRouter_RateLimitResetRequiresCustomerID(t *testing.T) {
	f := newGatewayFixture(t)

	w := f.do(http.MethodPost, "/internal/ratelimit/reset", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
