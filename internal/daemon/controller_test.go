package daemon

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vrui-vr/vrdeviced/internal/config"
)

const testConfig = `
localhost:
  server:
    listen: "127.0.0.1:0"
  log:
    level: error
  deviceDrivers:
    - name: head
      type: virtual
      params:
        trackers: 1
        updateRate: 120
`

func writeTestConfig(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "vrdeviced.yml")
	require.NoError(t, os.WriteFile(path, []byte(testConfig), 0o644))
	return path
}

func TestController_RestartAndShutdown(t *testing.T) {
	ctrl := New(Options{ConfigPath: writeTestConfig(t), RootSection: "localhost"})

	done := make(chan error, 1)
	go func() { done <- ctrl.Run() }()

	require.Eventually(t, func() bool { return ctrl.Generation() == 1 },
		5*time.Second, 10*time.Millisecond, "first generation did not come up")

	// A restart must come back as a fresh generation, not kill the process.
	ctrl.RequestRestart()
	require.Eventually(t, func() bool { return ctrl.Generation() == 2 },
		5*time.Second, 10*time.Millisecond, "restart did not produce a new generation")

	ctrl.RequestShutdown()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("controller did not shut down")
	}
}

func TestController_PendingRequestsAreNotDropped(t *testing.T) {
	ctrl := New(Options{ConfigPath: writeTestConfig(t), RootSection: "localhost"})

	// Requests issued while no dispatcher is live must take effect on the
	// next generation instead of vanishing.
	ctrl.RequestRestart()

	done := make(chan error, 1)
	go func() { done <- ctrl.Run() }()

	require.Eventually(t, func() bool { return ctrl.Generation() >= 2 },
		5*time.Second, 10*time.Millisecond, "pending restart was dropped")

	ctrl.RequestShutdown()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("controller did not shut down")
	}
}

func TestEnsureJWTSecret(t *testing.T) {
	cfg := &config.Config{}
	cfg.HTTP.Listen = ":8580"
	require.NoError(t, ensureJWTSecret(cfg))
	require.NotEmpty(t, cfg.HTTP.JWTSecret, "enabled API without a secret gets an ephemeral one")

	cfg.HTTP.JWTSecret = "configured"
	require.NoError(t, ensureJWTSecret(cfg))
	require.Equal(t, "configured", cfg.HTTP.JWTSecret, "configured secrets are kept")

	cfg = &config.Config{}
	require.NoError(t, ensureJWTSecret(cfg))
	require.Empty(t, cfg.HTTP.JWTSecret, "disabled API needs no secret")
}

func TestController_StartupErrorIsFatal(t *testing.T) {
	ctrl := New(Options{
		ConfigPath:  filepath.Join(t.TempDir(), "does-not-exist.yml"),
		RootSection: "localhost",
	})
	err := ctrl.Run()
	require.Error(t, err)
}
