package api

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vrui-vr/vrdeviced/internal/config"
	"github.com/vrui-vr/vrdeviced/internal/device"
	"github.com/vrui-vr/vrdeviced/internal/dispatch"
	"github.com/vrui-vr/vrdeviced/internal/server"
	"github.com/vrui-vr/vrdeviced/internal/storage"
)

type fakeLifecycle struct {
	restarts  int
	shutdowns int
}

func (f *fakeLifecycle) Generation() int64 { return 1 }
func (f *fakeLifecycle) RequestRestart()   { f.restarts++ }
func (f *fakeLifecycle) RequestShutdown()  { f.shutdowns++ }

func testAPIServer(t *testing.T) (*Server, *fakeLifecycle) {
	t.Helper()
	disp := dispatch.New()
	mgr, err := device.NewManager(disp, nil)
	require.NoError(t, err)
	devSrv, err := server.New(config.ServerConfig{Listen: "127.0.0.1:0"}, disp, mgr)
	require.NoError(t, err)
	t.Cleanup(devSrv.Stop)
	store, err := storage.Open(config.DatabaseConfig{})
	require.NoError(t, err)
	life := &fakeLifecycle{}
	s := New(config.HTTPConfig{
		Listen:    "127.0.0.1:0",
		JWTSecret: "test-secret",
		TokenTTL:  time.Hour,
	}, disp, mgr, devSrv, life, store)
	return s, life
}

func doRequest(t *testing.T, s *Server, method, path, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func TestEvents_RequiresAuth(t *testing.T) {
	s, _ := testAPIServer(t)
	rec := doRequest(t, s, http.MethodGet, "/api/v1/events", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestEvents_DisabledRecorder(t *testing.T) {
	s, _ := testAPIServer(t)
	token, err := s.auth.GenerateToken()
	require.NoError(t, err)

	rec := doRequest(t, s, http.MethodGet, "/api/v1/events?limit=10", token)
	assert.Equal(t, http.StatusNotFound, rec.Code,
		"no configured database means no event history to list")
	assert.Contains(t, rec.Body.String(), "event recorder disabled")
}

func TestControl_DelegatesToLifecycle(t *testing.T) {
	s, life := testAPIServer(t)
	token, err := s.auth.GenerateToken()
	require.NoError(t, err)

	rec := doRequest(t, s, http.MethodPost, "/api/v1/restart", token)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, 1, life.restarts)

	rec = doRequest(t, s, http.MethodPost, "/api/v1/shutdown", token)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, 1, life.shutdowns)

	rec = doRequest(t, s, http.MethodPost, "/api/v1/restart", "not-a-token")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, 1, life.restarts)
}
