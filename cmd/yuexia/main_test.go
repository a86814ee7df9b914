package main

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/zhouzirui/yuexia/internal/config"
)

func TestNewLoggerLevels(t *testing.T) {
	log, err := newLogger(config.LogConfig{Level: "warn", Format: "json"}, false)
	require.NoError(t, err)
	assert.False(t, log.Core().Enabled(zapcore.InfoLevel))
	assert.True(t, log.Core().Enabled(zapcore.WarnLevel))

	log, err = newLogger(config.LogConfig{Level: "warn", Format: "console"}, true)
	require.NoError(t, err)
	assert.True(t, log.Core().Enabled(zapcore.DebugLevel))

	_, err = newLogger(config.LogConfig{Level: "loud"}, false)
	assert.Error(t, err)
}

func TestWorkerArgsForwardFlags(t *testing.T) {
	assert.Equal(t, []string{"--config", "a.yaml"}, workerArgs(&globalFlags{configPath: "a.yaml"}))
	assert.Equal(t, []string{"--config", "a.yaml", "--verbose"}, workerArgs(&globalFlags{configPath: "a.yaml", verbose: true}))
}

func TestWorkerCommandRequiresName(t *testing.T) {
	cmd := newRootCmd()
	cmd.SetArgs([]string{"worker"})
	assert.Error(t, cmd.Execute())
}

func TestDotEnvLoadedOnceAndReportedThroughLogger(t *testing.T) {
	t.Chdir(t.TempDir())

	core, logs := observer.New(zapcore.DebugLevel)
	logDotEnv(zap.New(core), loadDotEnv())
	assert.Equal(t, 1, logs.FilterMessage("no .env file loaded, using process environment").Len())

	require.NoError(t, os.WriteFile(".env", []byte("YUEXIA_DOTENV_CHECK=on\n"), 0o600))
	t.Cleanup(func() { _ = os.Unsetenv("YUEXIA_DOTENV_CHECK") })

	err := loadDotEnv()
	require.NoError(t, err)
	logDotEnv(zap.New(core), err)
	assert.Equal(t, "on", os.Getenv("YUEXIA_DOTENV_CHECK"))
	assert.Equal(t, 1, logs.Len())
}
