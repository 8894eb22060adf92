package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"media-gen-service/internal/registry"
)

func TestLoad_DefaultsWithoutFile(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 5, cfg.Engine.ImageThreshold)
	assert.Equal(t, 2, cfg.Engine.VideoThreshold)
	assert.Equal(t, 24*time.Hour, cfg.Engine.ImageTTL)
	assert.Equal(t, 48*time.Hour, cfg.Engine.VideoTTL)
	assert.Equal(t, time.Hour, cfg.Cache.SweepInterval)
	assert.Equal(t, 2*time.Second, cfg.Poller.Interval)
	assert.Equal(t, 150, cfg.Poller.MaxAttempts)
	assert.Equal(t, 100, cfg.Queue.Size)
	assert.Equal(t, "x-freepik-api-key", cfg.Provider.APIKeyHeader)
	assert.Empty(t, cfg.Fallback.Kind)

	assert.Equal(t, registry.DefaultImageModels(), cfg.Models.ImageModels())
	assert.Equal(t, registry.DefaultVideoModels(), cfg.Models.VideoModels())
}

func TestLoad_FileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 9000
provider:
  api_key: from-file
fallback:
  kind: model-endpoint
  api_base: https://fallback.example
  model_id: sdxl
engine:
  image_ttl: 12h
cache:
  redis:
    enabled: true
    addr: redis:6379
models:
  image:
    - id: day
      api_id: day-api
      priority: 2
      window:
        start_hour: 8
        end_hour: 20
    - id: any
      api_id: any-api
`), 0o644))
	t.Setenv("PROVIDER_API_KEY", "from-env")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, "from-env", cfg.Provider.APIKey)
	assert.Equal(t, "model-endpoint", cfg.Fallback.Kind)
	assert.Equal(t, "sdxl", cfg.Fallback.ModelID)
	assert.Equal(t, 12*time.Hour, cfg.Engine.ImageTTL)
	assert.True(t, cfg.Cache.Redis.Enabled)
	assert.Equal(t, "redis:6379", cfg.Cache.Redis.Addr)

	images := cfg.Models.ImageModels()
	require.Len(t, images, 2)
	assert.Equal(t, "day-api", images[0].APIID)
	require.NotNil(t, images[0].Priority)
	assert.Equal(t, 2, *images[0].Priority)
	require.NotNil(t, images[0].Window)
	assert.Equal(t, 20, images[0].Window.EndHour)
	assert.Nil(t, images[1].Priority)
	assert.Equal(t, registry.DefaultPriority, images[1].EffectivePriority())

	assert.Equal(t, registry.DefaultVideoModels(), cfg.Models.VideoModels())
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
