package app

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"munchclub/pkg/config"
	"munchclub/pkg/logger"
	"munchclub/pkg/middleware"

	"github.com/julienschmidt/httprouter"
	"github.com/stretchr/testify/require"
)

type routes func(*httprouter.Router)

func (f routes) RegisterRoutes(r *httprouter.Router) { f(r) }

func ok(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	w.WriteHeader(http.StatusOK)
}

func newTestApp(t *testing.T, limit int) *Application {
	t.Helper()
	cfg := &config.Config{
		Port:              "8080",
		RateLimitRequests: limit,
		RateLimitWindow:   time.Minute,
		RequestTimeout:    time.Second,
		MaxRequestSize:    1024,
		ShutdownTimeout:   time.Second,
		Log:               logger.Nop(),
	}
	a := NewApplication(cfg)
	a.SetApp(
		routes(func(r *httprouter.Router) { r.GET("/health", ok) }),
		routes(func(r *httprouter.Router) { r.POST("/api/v1/thing", ok) }),
		routes(func(r *httprouter.Router) { r.POST("/ws/thing", ok) }),
	)
	t.Cleanup(a.rateLimiter.Stop)
	return a
}

func TestRouting_ContentTypeOnlyOnREST(t *testing.T) {
	a := newTestApp(t, 100)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/thing", strings.NewReader("hi"))
	req.Header.Set("Content-Type", "text/plain")
	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnsupportedMediaType, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/ws/thing", strings.NewReader("hi"))
	req.Header.Set("Content-Type", "text/plain")
	rec = httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestRouting_HealthCarriesRequestID(t *testing.T) {
	a := newTestApp(t, 100)

	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	require.NotEmpty(t, rec.Header().Get(middleware.RequestIDHeader))
}

func TestRouting_RateLimitPerCaller(t *testing.T) {
	a := newTestApp(t, 1)

	call := func(user string) int {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/thing", nil)
		req.Header.Set("X-User-ID", user)
		rec := httptest.NewRecorder()
		a.Handler().ServeHTTP(rec, req)
		return rec.Code
	}

	require.Equal(t, http.StatusOK, call("u1"))
	require.Equal(t, http.StatusTooManyRequests, call("u1"))
	require.Equal(t, http.StatusOK, call("u2"))
}
