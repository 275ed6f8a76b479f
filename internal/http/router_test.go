package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"clearbook/internal/platform/metrics"
	"clearbook/pkg/requestcontext"
)

type echoActor struct{}

func (echoActor) Register(r chi.Router) {
	r.Get("/whoami", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(requestcontext.Actor(r.Context()) + "|" + requestcontext.RequestID(r.Context())))
	})
}

func newRouter(checks map[string]HealthCheck) http.Handler {
	reg := prometheus.NewRegistry()
	return NewRouter(Config{
		Logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
		Gatherer:     reg,
		Metrics:      metrics.New(reg),
		HealthChecks: checks,
		Handlers:     []Registrar{echoActor{}},
	})
}

func TestHealthz(t *testing.T) {
	t.Run("healthy", func(t *testing.T) {
		w := httptest.NewRecorder()
		newRouter(map[string]HealthCheck{"db": func(context.Context) error { return nil }}).
			ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
		require.Equal(t, http.StatusOK, w.Code)
		var body healthResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
		assert.Equal(t, "ok", body.Checks["db"])
	})

	t.Run("degraded", func(t *testing.T) {
		w := httptest.NewRecorder()
		newRouter(map[string]HealthCheck{"redis": func(context.Context) error { return errors.New("dial tcp: refused") }}).
			ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
		assert.Contains(t, w.Body.String(), "degraded")
	})
}

func TestMiddlewareChain(t *testing.T) {
	router := newRouter(nil)
	req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
	req.Header.Set("X-Actor", "auditor")
	req.Header.Set("X-Request-ID", "req-7")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, "auditor|req-7", w.Body.String())

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "clearbook_http_requests_total")
}
