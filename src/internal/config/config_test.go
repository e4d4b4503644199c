package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("HOME", dir)
	t.Setenv("HERALD_STORAGE_DIR", filepath.Join(dir, "store"))

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1", cfg.Server.EffectiveHost)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, filepath.Join(dir, "store"), cfg.StorageDir)
	assert.Equal(t, filepath.Join(dir, "store", "catalog.yaml"), cfg.CatalogFile)
	assert.Equal(t, "json", cfg.Storage.Codec)
	assert.True(t, cfg.Scheduler.Enabled)
	assert.Equal(t, DefaultPollInterval, cfg.Scheduler.PollInterval)
	assert.Equal(t, 168*time.Hour, cfg.Routing.MaxAge)
	assert.Equal(t, DefaultTimezone, cfg.Tasks.DefaultTimezone)
	assert.Equal(t, 12000, cfg.Tasks.PromptPreviewChars)
}

func TestLoadFileAndPlaceholders(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("HOME", dir)
	t.Setenv("HERALD_STORAGE_DIR", "")
	t.Setenv("MY_OPENAI", "sk-test")
	t.Setenv("GROQ_API_KEY", "gsk-test")

	path := filepath.Join(dir, "custom.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  addr: ":9090"
storage_dir: `+filepath.Join(dir, "data")+`
scheduler:
  poll_interval: 200ms
routing:
  max_age: 24h
  append_trace_tag: true
tasks:
  default_timezone: UTC
models:
  providers:
    openai:
      baseUrl: https://api.openai.com/v1
      apiKey: $MY_OPENAI
    groq:
      baseUrl: https://api.groq.com/openai/v1
      api: eino
`), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0", cfg.Server.EffectiveHost)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, DefaultPollInterval, cfg.Scheduler.PollInterval, "intervals below the floor fall back")
	assert.Equal(t, 24*time.Hour, cfg.Routing.MaxAge)
	assert.True(t, cfg.Routing.AppendTraceTag)
	assert.Equal(t, "UTC", cfg.Tasks.DefaultTimezone)
	assert.Equal(t, "sk-test", cfg.Models.Providers["openai"].APIKey)
	assert.Equal(t, "gsk-test", cfg.Models.Providers["groq"].APIKey)
	assert.Equal(t, "eino", cfg.Models.Providers["groq"].API)
}

func TestLoadRejectsBadValues(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("HOME", dir)
	t.Setenv("HERALD_STORAGE_DIR", "")

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("server:\n  addr: nope\n"), 0644))
	_, err := Load(bad)
	assert.Error(t, err)

	tz := filepath.Join(dir, "tz.yaml")
	require.NoError(t, os.WriteFile(tz, []byte("tasks:\n  default_timezone: Mars/Base\n"), 0644))
	_, err = Load(tz)
	assert.Error(t, err)
}
