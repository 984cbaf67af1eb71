package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestListEngines(t *testing.T) {
	t.Parallel()
	srv, _, _, engines := newTestServer(t)
	engines.names = []string{"web_vuln", "port_scan", "ssl_tls"}
	engines.health = map[string]error{
		"web_vuln":  nil,
		"port_scan": nil,
		"ssl_tls":   errors.New("handshake probe failed"),
	}

	rec := doJSON(t, srv, http.MethodGet, "/v1/engines", "", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	resp := decodeJSON[enginesResponse](t, rec)
	require.Len(t, resp.Engines, 3)
	assert.Equal(t, "web_vuln", resp.Engines[0].Name)
	assert.True(t, resp.Engines[0].Healthy)
	assert.Empty(t, resp.Engines[0].Detail)
	assert.Equal(t, "ssl_tls", resp.Engines[2].Name)
	assert.False(t, resp.Engines[2].Healthy)
	assert.Equal(t, "handshake probe failed", resp.Engines[2].Detail)
}

func TestHealthEndpoint(t *testing.T) {
	t.Parallel()
	srv, _, _, _ := newTestServer(t)

	rec := doJSON(t, srv, http.MethodGet, "/v1/health", "", nil)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestReadinessEndpoint(t *testing.T) {
	t.Parallel()

	t.Run("no_probe_is_ready", func(t *testing.T) {
		t.Parallel()
		srv, _, _, _ := newTestServer(t)

		rec := doJSON(t, srv, http.MethodGet, "/v1/readiness", "", nil)

		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("failing_probe_reports_unavailable", func(t *testing.T) {
		t.Parallel()
		srv, _, _, _ := newTestServer(t)
		srv.cfg.Readiness = func(context.Context) error { return errors.New("ledger unreachable") }

		rec := doJSON(t, srv, http.MethodGet, "/v1/readiness", "", nil)

		require.Equal(t, http.StatusServiceUnavailable, rec.Code)
		resp := decodeJSON[errorResponse](t, rec)
		assert.Equal(t, "ledger unreachable", resp.Error)
	})
}

func TestStreamEndpointMounted(t *testing.T) {
	t.Parallel()
	srv, _, _, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/ws/scans/some-job", nil)
	rec := httptest.NewRecorder()
	srv.router.ServeHTTP(rec, req)

	// The stub stream handler answers 200; a 404 would mean the route is not
	// mounted.
	assert.Equal(t, http.StatusOK, rec.Code)
}
