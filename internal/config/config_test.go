package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 50, cfg.Feed.ChunkSize)
	assert.Equal(t, 5*time.Second, cfg.Feed.ReconnectBackoff)
}

func TestLoadWithoutFile(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	want := Default()
	assert.Empty(t, cfg.Feed.AssetIDs)
	cfg.Feed.AssetIDs = want.Feed.AssetIDs
	assert.Equal(t, want, cfg)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bookstream.yaml")
	yaml := `
feed:
  url: ws://localhost:9999/ws
  asset_ids: ["111", "222"]
  chunk_size: 20
  reconnect_backoff: 250ms
logging:
  level: debug
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "ws://localhost:9999/ws", cfg.Feed.URL)
	assert.Equal(t, []string{"111", "222"}, cfg.Feed.AssetIDs)
	assert.Equal(t, 20, cfg.Feed.ChunkSize)
	assert.Equal(t, 250*time.Millisecond, cfg.Feed.ReconnectBackoff)
	assert.Equal(t, "debug", cfg.Logging.Level)
	// untouched keys keep their defaults
	assert.Equal(t, 100*time.Millisecond, cfg.Feed.ChunkDelay)
	assert.Equal(t, ":8086", cfg.Server.Addr)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("BOOKSTREAM_FEED_CHUNK_SIZE", "10")
	t.Setenv("BOOKSTREAM_LOGGING_LEVEL", "warn")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 10, cfg.Feed.ChunkSize)
	assert.Equal(t, "warn", cfg.Logging.Level)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.Feed.URL = ""
	cfg.Feed.ChunkSize = 0
	cfg.Feed.ReconnectBackoff = 0

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "feed.url")
	assert.Contains(t, err.Error(), "feed.chunk_size")
	assert.Contains(t, err.Error(), "feed.reconnect_backoff")
}
