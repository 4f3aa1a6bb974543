package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamspace-dev/fc-coordinator/internal/config"
	"github.com/streamspace-dev/fc-coordinator/internal/coordinator"
	"github.com/streamspace-dev/fc-coordinator/internal/plugin"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	cfg := &config.Config{ManagedResources: []string{"board-1"}}
	coord := coordinator.New(cfg, plugin.NewRegistry())
	return New(coord)
}

func TestHealthz(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	s.Engine().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestListResources(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/status/resources", nil)
	rec := httptest.NewRecorder()
	s.Engine().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "board-1")
}

func TestGetResource_NotFound(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/status/resources/nope", nil)
	rec := httptest.NewRecorder()
	s.Engine().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetResource_Found(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/status/resources/board-1", nil)
	rec := httptest.NewRecorder()
	s.Engine().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "free")
}

func TestListFrameworks(t *testing.T) {
	cfg := &config.Config{ManagedResources: []string{"board-1"}}
	registry := plugin.NewRegistry()
	coord := coordinator.New(cfg, registry)
	require.NoError(t, registry.Register(plugin.Registration{
		Handler:   &stubHandler{name: "lava"},
		Priority:  10,
		Seize:     true,
		IsDefault: true,
	}))
	s := New(coord)

	req := httptest.NewRequest(http.MethodGet, "/status/frameworks", nil)
	rec := httptest.NewRecorder()
	s.Engine().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"name":"lava"`)
	assert.Contains(t, rec.Body.String(), `"priority":10`)
}

type fakeMembership struct {
	members []string
	err     error
}

func (f *fakeMembership) Members(ctx context.Context) ([]string, error) {
	return f.members, f.err
}

func TestListMembers(t *testing.T) {
	s := newTestServer(t)
	s.WithMembership(&fakeMembership{members: []string{"node-a", "node-b"}})

	req := httptest.NewRequest(http.MethodGet, "/status/cluster", nil)
	rec := httptest.NewRecorder()
	s.Engine().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "node-a")
}

func TestListMembers_BackendError(t *testing.T) {
	s := newTestServer(t)
	s.WithMembership(&fakeMembership{err: assert.AnError})

	req := httptest.NewRequest(http.MethodGet, "/status/cluster", nil)
	rec := httptest.NewRecorder()
	s.Engine().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

type stubHandler struct{ name string }

func (s *stubHandler) Name() string                                          { return s.name }
func (s *stubHandler) Init(ctx context.Context) error                        { return nil }
func (s *stubHandler) Schedule(ctx context.Context) error                    { return nil }
func (s *stubHandler) ForceKickOff(ctx context.Context, resource string) error { return nil }
func (s *stubHandler) ScheduleInterval() int                                 { return 1 }
