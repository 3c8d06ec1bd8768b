package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strayhat/switchboard/core/registry"
	"github.com/strayhat/switchboard/internal/profile"
	"github.com/strayhat/switchboard/store"
	"github.com/strayhat/switchboard/store/db/memory"
)

func testProfile() *profile.Profile {
	return &profile.Profile{Driver: "memory", Mode: "dev"}
}

func newTestServer(t *testing.T, p *profile.Profile) *Server {
	t.Helper()
	s, err := NewServer(context.Background(), p, store.New(memory.NewDB(), p))
	require.NoError(t, err)
	return s
}

func get(t *testing.T, s *Server, target string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	rec := httptest.NewRecorder()
	s.echoServer.ServeHTTP(rec, req)
	return rec
}

func TestHealthzReportsOK(t *testing.T) {
	s := newTestServer(t, testProfile())

	rec := get(t, s, "/healthz")
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
}

// unpingableDriver fails health checks while everything else works.
type unpingableDriver struct {
	*memory.DB
}

func (*unpingableDriver) Ping(context.Context) error {
	return errors.New("connection refused")
}

func TestHealthzReportsStoreOutage(t *testing.T) {
	p := testProfile()
	st := store.New(&unpingableDriver{DB: memory.NewDB()}, p)
	s, err := NewServer(context.Background(), p, st)
	require.NoError(t, err)

	rec := get(t, s, "/healthz")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "unavailable", body["status"])
}

func TestMetricsEndpointExposesCoreSeries(t *testing.T) {
	s := newTestServer(t, testProfile())

	rec := get(t, s, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "switchboard_core_active_requests")
}

func TestProcessServedThroughServerRoutes(t *testing.T) {
	s := newTestServer(t, testProfile())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/process",
		strings.NewReader(`{"session_id": "sess-server", "message": "hello"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.echoServer.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"session_id":"sess-server"`)
}

func TestNewServerSeedsHandlersFromProfile(t *testing.T) {
	defs := []*registry.HandlerDefinition{
		{Name: "store_hours", Description: "Answers opening hours questions."},
	}
	data, err := json.Marshal(defs)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "handlers.json")
	require.NoError(t, os.WriteFile(path, data, 0o600))

	p := testProfile()
	p.HandlersFile = path
	s := newTestServer(t, p)
	assert.Equal(t, 1, s.apiService.Registry.Len())
}

func TestNewServerFailsOnBadSeedFile(t *testing.T) {
	p := testProfile()
	p.HandlersFile = filepath.Join(t.TempDir(), "absent.json")

	_, err := NewServer(context.Background(), p, store.New(memory.NewDB(), p))
	require.Error(t, err)
}

func TestServerStartServesAndShutsDown(t *testing.T) {
	p := testProfile()
	// Port 0 binds an ephemeral port.
	s := newTestServer(t, p)

	ctx := context.Background()
	require.NoError(t, s.Start(ctx))

	var addr string
	require.Eventually(t, func() bool {
		listener := s.echoServer.ListenerAddr()
		if listener == nil {
			return false
		}
		addr = listener.String()
		return true
	}, 2*time.Second, 10*time.Millisecond)

	resp, err := http.Get("http://" + addr + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	s.Shutdown(ctx)

	_, err = http.Get("http://" + addr + "/healthz")
	assert.Error(t, err)
}
