package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func envMap(m map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func TestLoad_MissingFileFallsBackToDefault(t *testing.T) {
	cfg, found, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.False(t, found)
	assert.Equal(t, Default(), cfg)
}

func TestLoad_YAMLOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
logger:
  level: DEBUG
  json: true
engine:
  path: /var/lib/lsmkv
  write_buffer_bytes: 1048576
  expiry_seconds: 3600
  wal:
    sync_mode: batch
    batch_interval: 5ms
  merge:
    l0_trigger: 2
`), 0600))

	cfg, found, err := Load(path)
	require.NoError(t, err)
	require.True(t, found)

	assert.Equal(t, "DEBUG", cfg.Logger.Level)
	assert.True(t, cfg.Logger.JSON)
	assert.Equal(t, "/var/lib/lsmkv", cfg.Engine.DataDir)
	assert.EqualValues(t, 1<<20, cfg.Engine.WriteBufferBytes)
	assert.EqualValues(t, 3600, cfg.Engine.ExpirySeconds)
	assert.Equal(t, "batch", cfg.Engine.WAL.SyncMode)
	assert.Equal(t, 5*time.Millisecond, cfg.Engine.WAL.BatchInterval)
	assert.Equal(t, 2, cfg.Engine.Merge.L0Trigger)
	// untouched keys keep their defaults
	assert.Equal(t, Default().Engine.Merge.LevelMultiplier, cfg.Engine.Merge.LevelMultiplier)
	require.NoError(t, cfg.Validate())
}

func TestLoad_BadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("engine: [unclosed"), 0600))
	_, _, err := Load(path)
	require.Error(t, err)
}

func TestApplyProfile(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.ApplyProfile(ProfileTest))
	assert.Equal(t, 100*MiB, cfg.Engine.WriteBufferBytes)

	require.NoError(t, cfg.ApplyProfile(ProfileBenchmarkSmall))
	assert.Equal(t, 3*GiB, cfg.Engine.WriteBufferBytes)

	require.Error(t, cfg.ApplyProfile("huge"))
}

func TestApplyEnv(t *testing.T) {
	cfg := Default()
	err := cfg.ApplyEnv(envMap(map[string]string{
		"LSMKV_PROFILE":          "benchmark",
		"LSMKV_PAGE_CACHE_BYTES": "4096",
		"LSMKV_BLIND_UPDATE":     "true",
		"LSMKV_WAL_SYNC_MODE":    "none",
		"LSMKV_MERGE_INTERVAL":   "250ms",
	}))
	require.NoError(t, err)

	assert.Equal(t, 8*GiB, cfg.Engine.WriteBufferBytes)
	assert.EqualValues(t, 4096, cfg.Engine.PageCacheBytes)
	assert.True(t, cfg.Engine.BlindUpdate)
	assert.Equal(t, "none", cfg.Engine.WAL.SyncMode)
	assert.Equal(t, 250*time.Millisecond, cfg.Engine.Merge.Interval)

	err = cfg.ApplyEnv(envMap(map[string]string{"LSMKV_EXPIRY_SECONDS": "soon"}))
	require.ErrorContains(t, err, "LSMKV_EXPIRY_SECONDS")
}

func TestLoadDotEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("LSMKV_TEST_DOTENV=from-file\n"), 0600))
	t.Setenv("LSMKV_TEST_DOTENV", "")
	require.NoError(t, os.Unsetenv("LSMKV_TEST_DOTENV"))

	require.NoError(t, LoadDotEnv(path, filepath.Join(t.TempDir(), "missing.env")))
	assert.Equal(t, "from-file", os.Getenv("LSMKV_TEST_DOTENV"))
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.Engine.Run.BlockSize = 1
	cfg.Engine.Merge.MaxLevels = 100
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 512, cfg.Engine.Run.BlockSize)
	assert.Equal(t, 16, cfg.Engine.Merge.MaxLevels)

	bad := Default()
	bad.Engine.WriteBufferBytes = 0
	require.Error(t, bad.Validate())

	bad = Default()
	bad.Logger.Level = "loud"
	require.Error(t, bad.Validate())
}
