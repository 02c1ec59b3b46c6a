package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

const baseConfig = `
localhost:
  server:
    listen: ":9001"
  log:
    level: debug
  deviceDrivers:
    - name: head
      type: virtual
      params:
        trackers: 1
        hmd: true
        updateRate: 90
        interval: 5s
tracklab:
  server:
    listen: ":9002"
`

func TestResolveRootSection(t *testing.T) {
	assert.Equal(t, "explicit", ResolveRootSection("explicit"))

	t.Setenv("HOSTNAME", "myhost")
	assert.Equal(t, "myhost", ResolveRootSection(""))

	t.Setenv("HOSTNAME", "")
	assert.Equal(t, "localhost", ResolveRootSection(""))
}

func TestLoad_RootSections(t *testing.T) {
	path := writeConfig(t, "base.yml", baseConfig)

	cfg, err := Load(path, nil, "localhost")
	require.NoError(t, err)
	assert.Equal(t, ":9001", cfg.Server.Listen)
	assert.Equal(t, "debug", cfg.Log.Level)

	cfg, err = Load(path, nil, "tracklab")
	require.NoError(t, err)
	assert.Equal(t, ":9002", cfg.Server.Listen)
}

func TestLoad_UnknownSectionFallsBackToLocalhost(t *testing.T) {
	path := writeConfig(t, "base.yml", baseConfig)
	cfg, err := Load(path, nil, "no-such-host")
	require.NoError(t, err)
	assert.Equal(t, ":9001", cfg.Server.Listen)
}

func TestLoad_MissingSectionFails(t *testing.T) {
	path := writeConfig(t, "base.yml", "tracklab:\n  server:\n    listen: \":1\"\n")
	_, err := Load(path, nil, "localhost")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "root section")
}

func TestLoad_MergeFragments(t *testing.T) {
	base := writeConfig(t, "base.yml", baseConfig)
	fragment := writeConfig(t, "site.yml", `
localhost:
  log:
    level: warn
  http:
    listen: ":9080"
`)
	cfg, err := Load(base, []string{fragment}, "localhost")
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.Log.Level, "fragment overrides base")
	assert.Equal(t, ":9001", cfg.Server.Listen, "untouched base values survive the merge")
	assert.Equal(t, ":9080", cfg.HTTP.Listen, "fragment adds new sections")
}

func TestLoad_EnvOverrides(t *testing.T) {
	path := writeConfig(t, "base.yml", baseConfig)
	t.Setenv("LOG_LEVEL", "error")
	t.Setenv("DATABASE_URL", "postgres://env/override")
	cfg, err := Load(path, nil, "localhost")
	require.NoError(t, err)
	assert.Equal(t, "error", cfg.Log.Level)
	assert.Equal(t, "postgres://env/override", cfg.Database.DSN)
}

func TestLoad_Defaults(t *testing.T) {
	path := writeConfig(t, "base.yml", "localhost: {}\n")
	cfg, err := Load(path, nil, "localhost")
	require.NoError(t, err)
	assert.Equal(t, ":8555", cfg.Server.Listen)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, time.Hour, cfg.HTTP.TokenTTL)
	assert.Equal(t, "vr.device", cfg.NATS.SubjectPrefix)
	assert.Equal(t, "vrdeviced", cfg.MQTT.ClientID)
}

func TestSection_TypedGetters(t *testing.T) {
	path := writeConfig(t, "base.yml", baseConfig)
	cfg, err := Load(path, nil, "localhost")
	require.NoError(t, err)
	require.Len(t, cfg.Drivers, 1)

	sec := &cfg.Drivers[0]
	assert.Equal(t, "head", sec.Name)
	assert.Equal(t, "virtual", sec.Type)
	assert.Equal(t, 1, sec.Int("trackers", 0))
	assert.Equal(t, 4, sec.Int("missing", 4))
	assert.True(t, sec.Bool("hmd", false))
	assert.Equal(t, 90.0, sec.Float("updateRate", 0))
	assert.Equal(t, 5*time.Second, sec.Duration("interval", 0))
	assert.Equal(t, time.Minute, sec.Duration("missing", time.Minute))
	assert.Equal(t, "fallback", sec.String("missing", "fallback"))
}
