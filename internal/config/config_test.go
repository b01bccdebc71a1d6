package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestRootCmd mirrors the persistent flags registered by internal/cli's
// root command, so Load can bind them the same way during tests.
func newTestRootCmd() *cobra.Command {
	cmd := &cobra.Command{}
	pf := cmd.PersistentFlags()
	pf.String("config", "", "")
	pf.String("store-root", "", "")
	pf.Bool("registry-insecure", false, "")
	pf.String("log-level", "", "")
	pf.String("log-format", "", "")
	return cmd
}

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	p := filepath.Join(dir, "cfg.yaml")
	require.NoError(t, os.WriteFile(p, []byte(content), 0o600))
	return p
}

func TestDefault(t *testing.T) {
	cfg := Default()
	assert.Equal(t, LogLevelInfo, cfg.LogLevel)
	assert.Equal(t, LogFormatText, cfg.LogFormat)
	assert.False(t, cfg.RegistryInsecure)
	assert.NotEmpty(t, cfg.StoreRoot)
	assert.GreaterOrEqual(t, cfg.RetryMaxAttempts, 1)
}

func TestValidate_ValidValues(t *testing.T) {
	for _, lvl := range []string{"debug", "info", "warn", "error"} {
		cfg := Default()
		cfg.LogLevel = lvl
		assert.NoError(t, cfg.Validate(), "level=%s", lvl)
	}
	for _, f := range []string{"text", "json"} {
		cfg := Default()
		cfg.LogFormat = f
		assert.NoError(t, cfg.Validate(), "format=%s", f)
	}
}

func TestValidate_InvalidLogLevel(t *testing.T) {
	cfg := Default()
	cfg.LogLevel = "verbose"
	assert.ErrorContains(t, cfg.Validate(), "invalid log level")
}

func TestValidate_InvalidLogFormat(t *testing.T) {
	cfg := Default()
	cfg.LogFormat = "xml"
	assert.ErrorContains(t, cfg.Validate(), "invalid log format")
}

func TestValidate_EmptyStoreRoot(t *testing.T) {
	cfg := Default()
	cfg.StoreRoot = ""
	assert.ErrorContains(t, cfg.Validate(), "store-root")
}

func TestValidate_RetryBounds(t *testing.T) {
	cfg := Default()
	cfg.RetryMaxAttempts = 0
	assert.ErrorContains(t, cfg.Validate(), "retry-max-attempts")

	cfg = Default()
	cfg.RetryBaseDelayMS = -1
	assert.ErrorContains(t, cfg.Validate(), "retry-base-delay-ms")
}

func TestLoad_DefaultsOnly(t *testing.T) {
	t.Setenv("VMIMAGE_LOG_LEVEL", "")
	dir := t.TempDir()
	oldwd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(oldwd) })

	cfg, err := Load(newTestRootCmd(), "")
	require.NoError(t, err)
	assert.Equal(t, LogLevelInfo, cfg.LogLevel)
	assert.Equal(t, LogFormatText, cfg.LogFormat)
}

func TestLoad_EnvOverridesDefault(t *testing.T) {
	dir := t.TempDir()
	oldwd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(oldwd) })

	t.Setenv("VMIMAGE_LOG_LEVEL", "debug")
	t.Setenv("VMIMAGE_REGISTRY_INSECURE", "true")

	cfg, err := Load(newTestRootCmd(), "")
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.True(t, cfg.RegistryInsecure)
}

func TestLoad_EnvOverridesFileAndFileOverridesDefault(t *testing.T) {
	t.Setenv("VMIMAGE_LOG_LEVEL", "warn")
	path := writeTempConfig(t, "log-level: error\nstore-root: /tmp/from-file\n")

	cfg, err := Load(newTestRootCmd(), path)
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.LogLevel)
	assert.Equal(t, "/tmp/from-file", cfg.StoreRoot)
	assert.Equal(t, path, cfg.ConfigFile)
}

func TestLoad_FlagOverridesFileAndEnv(t *testing.T) {
	t.Setenv("VMIMAGE_LOG_LEVEL", "warn")
	path := writeTempConfig(t, "log-level: error\n")

	cmd := newTestRootCmd()
	require.NoError(t, cmd.PersistentFlags().Set("log-level", "debug"))

	cfg, err := Load(cmd, path)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestLoad_MissingConfigFileErrors(t *testing.T) {
	_, err := Load(newTestRootCmd(), "/nonexistent/vmimage.yaml")
	assert.ErrorContains(t, err, "reading config file")
}

func TestLoad_InvalidResultFailsValidate(t *testing.T) {
	path := writeTempConfig(t, "log-level: verbose\n")
	_, err := Load(newTestRootCmd(), path)
	assert.ErrorContains(t, err, "invalid log level")
}

func TestRetryPolicyAndLogAdapters(t *testing.T) {
	cfg := Default()
	cfg.RetryMaxAttempts = 5
	cfg.RetryBaseDelayMS = 250

	rp := cfg.RetryPolicy()
	assert.Equal(t, 5, rp.MaxAttempts)
	assert.Equal(t, 250*1_000_000, int(rp.BaseDelay))

	assert.EqualValues(t, cfg.LogLevel, cfg.LogLevelValue())
	assert.EqualValues(t, cfg.LogFormat, cfg.LogFormatValue())
}

func TestContextRoundTrip(t *testing.T) {
	cfg := Default()
	cfg.StoreRoot = "/tmp/custom-store"

	ctx := NewContext(context.Background(), cfg)
	got := FromContext(ctx)
	assert.Equal(t, cfg, got)
}

func TestFromContextWithoutConfigReturnsDefault(t *testing.T) {
	got := FromContext(context.Background())
	assert.Equal(t, LogLevelInfo, got.LogLevel)
}
