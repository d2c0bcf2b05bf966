package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatcherReloadsRequestTimeout(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.json")
	require.NoError(t, os.WriteFile(configPath, []byte(`{"exchange": {"request_timeout_ms": 100}}`), 0644))

	loader := NewLoader(configPath)
	cfg, err := loader.Load()
	require.NoError(t, err)

	live := NewLive(cfg)
	reloaded := make(chan *Config, 1)

	w, err := NewWatcher(loader, live, zerolog.Nop(), func(c *Config) {
		select {
		case reloaded <- c:
		default:
		}
	})
	require.NoError(t, err)
	defer w.Stop()

	require.NoError(t, os.WriteFile(configPath, []byte(`{"exchange": {"request_timeout_ms": 900}}`), 0644))

	select {
	case c := <-reloaded:
		assert.Equal(t, 900, c.Exchange.RequestTimeoutMs)
	case <-time.After(5 * time.Second):
		t.Fatal("config was not reloaded")
	}

	assert.Equal(t, 900*time.Millisecond, live.RequestTimeout())
}

func TestWatcherKeepsPreviousOnInvalidConfig(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.json")
	require.NoError(t, os.WriteFile(configPath, []byte(`{"exchange": {"request_timeout_ms": 100}}`), 0644))

	loader := NewLoader(configPath)
	cfg, err := loader.Load()
	require.NoError(t, err)

	live := NewLive(cfg)
	w, err := NewWatcher(loader, live, zerolog.Nop(), nil)
	require.NoError(t, err)
	defer w.Stop()

	require.NoError(t, os.WriteFile(configPath, []byte(`{"transport": {"kind": "smoke-signals"}}`), 0644))
	time.Sleep(600 * time.Millisecond)

	assert.Equal(t, 100*time.Millisecond, live.RequestTimeout())
}
