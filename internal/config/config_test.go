package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestLoadMergesFileOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
ai_name: 月下
brain:
  engine: api
  api_url: http://localhost:8000/v1
  history_cap: 60
behavior:
  trigger_type: idle
  quiet_hours_enabled: true
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "月下", cfg.AIName)
	assert.Equal(t, 60, cfg.Brain.HistoryCap)
	assert.Equal(t, 20, cfg.Brain.MaxHistoryMessages, "unset keys keep defaults")
	assert.Equal(t, 0.7, cfg.Brain.Temperature)
	assert.Equal(t, "idle", cfg.Behavior.TriggerType)
	assert.Equal(t, "23:00", cfg.Behavior.QuietHoursStart)
	assert.Equal(t, path, cfg.Path)
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "api", cfg.Brain.Engine)
	assert.Equal(t, 3, cfg.Network.RetryCount)
	assert.Equal(t, 300*time.Second, cfg.Brain.TurnTimeout())
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("YUEXIA_API_KEY", "sk-test")
	t.Setenv("YUEXIA_TEMPERATURE", "0.2")
	t.Setenv("PORT", "9090")

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "sk-test", cfg.Brain.APIKey)
	assert.Equal(t, 0.2, cfg.Brain.Temperature)
	assert.Equal(t, ":9090", cfg.Server.APIAddr)

	t.Setenv("YUEXIA_TEMPERATURE", "warm")
	_, err = Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("brain:\n  engine: quantum\n"), 0o644))
	_, err := Load(path)
	assert.Error(t, err)

	require.NoError(t, os.WriteFile(path, []byte("behavior: [oops"), 0o644))
	_, err = Load(path)
	assert.Error(t, err)
}

func TestArkConfigEnabled(t *testing.T) {
	assert.False(t, ArkConfig{}.Enabled())
	assert.True(t, ArkConfig{Model: "ep-1", APIKey: "k"}.Enabled())
	assert.True(t, ArkConfig{Model: "ep-1", AccessKey: "a", SecretKey: "s"}.Enabled())
	assert.False(t, ArkConfig{Model: "ep-1", AccessKey: "a"}.Enabled())
}

func TestWatcherFiresOnWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("ai_name: a\n"), 0o644))

	fired := make(chan struct{}, 4)
	w := NewWatcher(path, 20*time.Millisecond, func() { fired <- struct{}{} }, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	deadline := time.After(3 * time.Second)
	for {
		require.NoError(t, os.WriteFile(path, []byte("ai_name: b\n"), 0o644))
		select {
		case <-fired:
			cancel()
			require.NoError(t, <-done)
			return
		case <-time.After(100 * time.Millisecond):
		case <-deadline:
			cancel()
			t.Fatal("watcher never fired")
		}
	}
}
