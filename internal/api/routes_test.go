package api

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modelrelay/modelrelay/internal/auth"
	"github.com/modelrelay/modelrelay/internal/metrics"
	"github.com/modelrelay/modelrelay/internal/observability"
)

const (
	callerKey = "relay_caller_key_0123456789"
	adminKey  = "admin-secret"
)

func newTestRouter(t *testing.T, env *testEnv) http.Handler {
	t.Helper()
	store := auth.NewMemoryStore()
	store.Upsert(&auth.APIKey{Key: callerKey})
	return NewRouter(RouterConfig{
		Handler:    env.handler,
		CallerAuth: auth.NewCallerAuth(store, discardLogger()),
		AdminAuth:  auth.NewAdminAuth([]string{adminKey}, discardLogger()),
		Logger:     discardLogger(),
	})
}

func TestRouterCallerAuthGatesDispatch(t *testing.T) {
	up := jsonUpstream(t, `{"ok":true}`)
	env := newTestEnv(t, testModel("gpt-4", testBackend("a", up.url())))
	router := newTestRouter(t, env)

	t.Run("missing token", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions",
			strings.NewReader(`{"model":"gpt-4"}`))
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, req)
		assert.Equal(t, http.StatusUnauthorized, rr.Code)
		assert.Equal(t, int64(0), up.hits.Load())
	})

	t.Run("valid token", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions",
			strings.NewReader(`{"model":"gpt-4"}`))
		req.Header.Set("Authorization", "Bearer "+callerKey)
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, req)
		assert.Equal(t, http.StatusOK, rr.Code)
		assert.JSONEq(t, `{"ok":true}`, rr.Body.String())
	})
}

func TestRouterAdminAuthGatesOperatorSurface(t *testing.T) {
	env := newTestEnv(t, testModel("gpt-4", testBackend("a", "http://127.0.0.1:1")))
	router := newTestRouter(t, env)

	endpoints := []struct {
		method string
		path   string
	}{
		{http.MethodGet, "/admin/stats"},
		{http.MethodGet, "/admin/stats/history"},
		{http.MethodGet, "/admin/active"},
		{http.MethodDelete, "/admin/affinity?model=gpt-4"},
		{http.MethodPost, "/admin/registry/reload"},
		{http.MethodGet, "/metrics"},
	}
	for _, ep := range endpoints {
		t.Run(ep.method+" "+ep.path, func(t *testing.T) {
			req := httptest.NewRequest(ep.method, ep.path, nil)
			rr := httptest.NewRecorder()
			router.ServeHTTP(rr, req)
			assert.Equal(t, http.StatusUnauthorized, rr.Code, "unauthenticated request must be rejected")

			req = httptest.NewRequest(ep.method, ep.path, nil)
			req.Header.Set("Authorization", "Bearer "+adminKey)
			rr = httptest.NewRecorder()
			router.ServeHTTP(rr, req)
			assert.Equal(t, http.StatusOK, rr.Code)
		})
	}
}

func TestRouterHealthzIsOpen(t *testing.T) {
	env := newTestEnv(t, testModel("gpt-4", testBackend("a", "http://127.0.0.1:1")))
	router := newTestRouter(t, env)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"status":"ok"`)
}

func TestRouterServesPrometheusMetrics(t *testing.T) {
	metrics.RecordLimiterRejection("router-test")

	env := newTestEnv(t, testModel("gpt-4", testBackend("a", "http://127.0.0.1:1")))
	router := newTestRouter(t, env)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	req.Header.Set("Authorization", "Bearer "+adminKey)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "modelrelay_limiter_rejections_total")
}

func TestRouterAssignsAndEchoesRequestID(t *testing.T) {
	env := newTestEnv(t, testModel("gpt-4", testBackend("a", "http://127.0.0.1:1")))
	router := newTestRouter(t, env)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	assert.NotEmpty(t, rr.Header().Get(observability.RequestIDHeader))

	req = httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set(observability.RequestIDHeader, "caller-supplied-id")
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	assert.Equal(t, "caller-supplied-id", rr.Header().Get(observability.RequestIDHeader))
}
