package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig_Valid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, int64(64<<20), cfg.GetCacheCapacityBytes())
	assert.Equal(t, 4*time.Millisecond, cfg.GetTimeoutInitial())
	assert.Equal(t, 2*time.Millisecond, cfg.GetTimeoutFloor())
	assert.Equal(t, 20*time.Millisecond, cfg.GetTimeoutCeiling())
	assert.True(t, cfg.GetPrefetchEnabled())
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name        string
		mutate      func(c *Config)
		errContains string
	}{
		{
			name:   "defaults",
			mutate: func(c *Config) {},
		},
		{
			name:        "unknown upstream type",
			mutate:      func(c *Config) { c.Upstream.Type = "ftp" },
			errContains: "Config.Upstream.Type: validation failed on 'oneof' tag",
		},
		{
			name:        "floor above initial",
			mutate:      func(c *Config) { c.Timeout.FloorMS = 10 },
			errContains: "floor_ms (10) <= initial_ms (4)",
		},
		{
			name:        "zero ceiling",
			mutate:      func(c *Config) { c.Timeout.CeilingMS = 0 },
			errContains: "Config.Timeout.CeilingMS: validation failed on 'gte' tag",
		},
		{
			name:        "local root missing",
			mutate:      func(c *Config) { c.Upstream.Local.Root = "" },
			errContains: "upstream.local.root is required",
		},
		{
			name: "s3 half credentials",
			mutate: func(c *Config) {
				c.Upstream.Type = "s3"
				c.Upstream.S3.AccessKeyID = "key"
			},
			errContains: "must be set together",
		},
		{
			name:        "bad log level",
			mutate:      func(c *Config) { c.Log.Level = "verbose" },
			errContains: "Config.Log.Level: validation failed on 'oneof' tag",
		},
		{
			name:        "api prefix without slash",
			mutate:      func(c *Config) { c.API.Prefix = "api" },
			errContains: "Config.API.Prefix",
		},
		{
			name:        "too many workers",
			mutate:      func(c *Config) { c.Prefetch.Workers = 100 },
			errContains: "Config.Prefetch.Workers: validation failed on 'lte' tag (value: 100)",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.errContains == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errContains)
		})
	}
}

func TestLoadConfig_MergesWithDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
cache:
  capacity_mb: 16
timeout:
  ceiling_ms: 50
upstream:
  local:
    root: /srv/exports
    latency: 5ms
log:
  level: debug
`), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 16, cfg.Cache.CapacityMB)
	assert.Equal(t, 50, cfg.Timeout.CeilingMS)
	assert.Equal(t, 4, cfg.Timeout.InitialMS)
	assert.Equal(t, "/srv/exports", cfg.Upstream.Local.Root)
	assert.Equal(t, 5*time.Millisecond, cfg.Upstream.Local.Latency)
	assert.Equal(t, slog.LevelDebug, cfg.Log.SlogLevel())
	assert.Equal(t, 4, cfg.Prefetch.Workers)
}

func TestLoadConfig_Invalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("upstream:\n  type: ftp\n"), 0o644))

	_, err := LoadConfig(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config validation failed")
}

func TestLoadConfig_MissingExplicitFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestSaveToFile_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	cfg := DefaultConfig()
	cfg.Upstream.Type = "s3"
	cfg.Upstream.S3.Endpoint = "http://localhost:9000"

	require.NoError(t, SaveToFile(cfg, path))

	loaded, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "s3", loaded.Upstream.Type)
	assert.Equal(t, "http://localhost:9000", loaded.Upstream.S3.Endpoint)
}

func TestManager_UpdateConfig(t *testing.T) {
	m := NewManager(DefaultConfig(), "")

	var gotOld, gotNew *Config
	m.OnConfigChange(func(oldConfig, newConfig *Config) {
		gotOld, gotNew = oldConfig, newConfig
	})

	next := DefaultConfig()
	next.Log.Level = "warn"
	require.NoError(t, m.UpdateConfig(next))

	assert.Equal(t, "info", gotOld.Log.Level)
	assert.Same(t, next, gotNew)
	assert.Same(t, next, m.GetConfig())

	bad := DefaultConfig()
	bad.Upstream.Type = ""
	assert.Error(t, m.UpdateConfig(bad))
	assert.Same(t, next, m.GetConfig())
}

func TestManager_SaveAndReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	cfg := DefaultConfig()
	cfg.Cache.CapacityMB = 8
	m := NewManager(cfg, path)

	require.NoError(t, m.SaveConfig())
	require.NoError(t, os.WriteFile(path, []byte("cache:\n  capacity_mb: 32\n"), 0o644))
	require.NoError(t, m.ReloadConfig())

	assert.Equal(t, 32, m.GetConfig().Cache.CapacityMB)
}

func TestDeepCopy_IndependentPointers(t *testing.T) {
	cfg := DefaultConfig()
	cp := cfg.DeepCopy()

	*cp.Prefetch.Enabled = false
	assert.True(t, cfg.GetPrefetchEnabled())
	assert.False(t, cp.GetPrefetchEnabled())
}

type levelRecorder struct {
	levels []slog.Level
}

func (r *levelRecorder) UpdateLevel(level slog.Level) error {
	r.levels = append(r.levels, level)
	return nil
}

func TestComponentRegistry_ApplyUpdates(t *testing.T) {
	rec := &levelRecorder{}
	r := NewComponentRegistry(nil)
	r.RegisterLogging(rec)

	oldConfig := DefaultConfig()
	newConfig := DefaultConfig()

	r.ApplyUpdates(oldConfig, newConfig)
	assert.Empty(t, rec.levels)

	newConfig.Log.Level = "error"
	r.ApplyUpdates(oldConfig, newConfig)
	assert.Equal(t, []slog.Level{slog.LevelError}, rec.levels)
}
