package main

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	lsmhttp "lsmkv/internal/http"
	"lsmkv/pkg/config"
	"lsmkv/pkg/engine"
	"lsmkv/pkg/maps"
)

func TestInitConfig_Layers(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("engine:\n  path: "+dir+"\n  expiry_seconds: 30\n"), 0o644))

	envPath := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(envPath, []byte("LSMKV_RUN_CODEC=zstd\n"), 0o644))
	t.Setenv("LSMKV_BLIND_UPDATE", "true")

	cfg, err := initConfig(cfgPath, config.ProfileTest, []string{envPath, filepath.Join(dir, "missing.env")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.Unsetenv("LSMKV_RUN_CODEC") })

	assert.Equal(t, dir, cfg.Engine.DataDir)
	assert.EqualValues(t, 30, cfg.Engine.ExpirySeconds)
	assert.Equal(t, 100*config.MiB, cfg.Engine.WriteBufferBytes)
	assert.Equal(t, "zstd", cfg.Engine.Run.Codec)
	assert.True(t, cfg.Engine.BlindUpdate)
}

func TestInitConfig_UnknownProfile(t *testing.T) {
	_, err := initConfig(filepath.Join(t.TempDir(), "none.yaml"), "huge", nil)
	assert.Error(t, err)
}

func TestBuildContainer_ResolvesComponents(t *testing.T) {
	cfg := config.Default()
	cfg.Engine.DataDir = t.TempDir()
	cfg.Engine.WAL.SyncMode = "none"
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	container, err := buildContainer(context.Background(), cfg, logger)
	require.NoError(t, err)

	err = container.Invoke(func(e *engine.Engine, k *maps.Keeper, s *lsmhttp.Server) error {
		defer e.Close()
		code, err := k.AddMap("m")
		require.NoError(t, err)
		assert.Equal(t, maps.Success, code)
		assert.NotNil(t, s)
		return nil
	})
	require.NoError(t, err)
}
