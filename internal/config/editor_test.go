package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMaskedHidesSecrets(t *testing.T) {
	cfg := Default()
	cfg.Brain.APIKey = "sk-abcdef"
	cfg.Brain.Ark.SecretKey = "xy"
	cfg.Perception.TTS.AccessToken = ""

	got, err := Masked(cfg)
	require.NoError(t, err)

	brain := got["brain"].(map[string]any)
	assert.Equal(t, "sk-***", brain["api_key"])
	assert.Equal(t, "***", brain["ark"].(map[string]any)["secret_key"])
	assert.Equal(t, "", got["perception"].(map[string]any)["tts"].(map[string]any)["access_token"])
	assert.Equal(t, "api", brain["engine"])
	assert.Equal(t, "sk-abcdef", cfg.Brain.APIKey, "source config is untouched")
}

func TestUpdateMergesAllowedKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
ai_name: 月下
server:
  api_addr: ":6000"
brain:
  engine: api
  temperature: 0.5
`), 0o644))

	require.NoError(t, Update(path, map[string]any{
		"brain":    map[string]any{"temperature": 0.9, "max_tokens": float64(512)},
		"behavior": map[string]any{"enabled": true},
	}))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "月下", cfg.AIName)
	assert.Equal(t, ":6000", cfg.Server.APIAddr, "keys outside the patch survive")
	assert.Equal(t, 0.9, cfg.Brain.Temperature)
	assert.Equal(t, 512, cfg.Brain.MaxTokens)
	assert.True(t, cfg.Behavior.Enabled)

	leftovers, err := filepath.Glob(filepath.Join(filepath.Dir(path), "*.tmp"))
	require.NoError(t, err)
	assert.Empty(t, leftovers)
}

func TestUpdateRejectsForbiddenAndInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	original := []byte("brain:\n  engine: api\n")
	require.NoError(t, os.WriteFile(path, original, 0o644))

	err := Update(path, map[string]any{
		"brain":  map[string]any{"local": map[string]any{"command": "rm"}},
		"server": map[string]any{"api_addr": ":1"},
	})
	var forbidden *ForbiddenKeysError
	require.True(t, errors.As(err, &forbidden))
	assert.Equal(t, []string{"brain.local.command", "server.api_addr"}, forbidden.Keys)

	err = Update(path, map[string]any{"brain": map[string]any{"engine": "quantum"}})
	assert.ErrorIs(t, err, ErrInvalidUpdate)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, original, data)
}

func TestUpdateCreatesMissingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, Update(path, map[string]any{"ai_name": "Yue"}))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "Yue", cfg.AIName)
}
