package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rbrinkke/Vault/pkg/schema"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"SEALVAULT_CONFIG", "SEALVAULT_ROOT", "SEALVAULT_SEALER", "SEALVAULT_LOG_LEVEL",
		"SEALVAULT_LOG_FORMAT", "SEALVAULT_METRICS_TEXTFILE", "SEALVAULT_NON_INTERACTIVE",
		"SEALVAULT_AUTO_LENGTH", "SEALVAULT_WATCH_INTERVAL",
	} {
		t.Setenv(k, "")
	}
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_FileValues(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, `
root: /srv/vault
sealer: /usr/bin/systemd-creds
log_level: debug
log_format: json
metrics_textfile: /var/lib/node_exporter/sealvault.prom
non_interactive: true
auto_length: 48
watch_interval: 5m
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/srv/vault", cfg.Root)
	assert.Equal(t, "/usr/bin/systemd-creds", cfg.Sealer)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "json", cfg.LogFormat)
	assert.Equal(t, "/var/lib/node_exporter/sealvault.prom", cfg.MetricsTextfile)
	assert.True(t, cfg.NonInteractive)
	assert.Equal(t, 48, cfg.AutoLength)
	assert.Equal(t, 5*time.Minute, cfg.WatchInterval)
	assert.Equal(t, path, cfg.Source)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, "root: /srv/vault\nlog_level: debug\nauto_length: 48\n")
	t.Setenv("SEALVAULT_ROOT", "/opt/other")
	t.Setenv("SEALVAULT_LOG_LEVEL", "warn")
	t.Setenv("SEALVAULT_AUTO_LENGTH", "64")
	t.Setenv("SEALVAULT_NON_INTERACTIVE", "yes")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/opt/other", cfg.Root)
	assert.Equal(t, "warn", cfg.LogLevel)
	assert.Equal(t, 64, cfg.AutoLength)
	assert.True(t, cfg.NonInteractive)
}

func TestLoad_ConfigFromEnv(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, "sealer: custom-creds\n")
	t.Setenv("SEALVAULT_CONFIG", path)

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "custom-creds", cfg.Sealer)
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)
	if _, err := os.Stat(DefaultPath); err == nil {
		t.Skip("host has a real config at " + DefaultPath)
	}

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, DefaultSealer, cfg.Sealer)
	assert.Equal(t, DefaultLogLevel, cfg.LogLevel)
	assert.Equal(t, DefaultLogFormat, cfg.LogFormat)
	assert.Equal(t, DefaultAutoLength, cfg.AutoLength)
	assert.Equal(t, DefaultWatchInterval, cfg.WatchInterval)
	assert.Empty(t, cfg.Source)
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	clearEnv(t)
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.True(t, schema.IsCode(err, schema.ErrCodeConfig))
}

func TestLoad_CollectsAllProblems(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, "log_level: loud\nlog_format: xml\nwatch_interval: soon\n")
	t.Setenv("SEALVAULT_AUTO_LENGTH", "many")

	_, err := Load(path)
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeConfig))
	assert.ErrorIs(t, err, ErrInvalidLogLevel)
	assert.ErrorIs(t, err, ErrInvalidLogFormat)
	assert.Contains(t, err.Error(), "SEALVAULT_AUTO_LENGTH must be an integer")
	assert.Contains(t, err.Error(), "watch_interval must be a duration")
}

func TestValidate(t *testing.T) {
	cfg := &Config{Sealer: " ", LogLevel: "info", LogFormat: "text", AutoLength: 0, WatchInterval: -time.Second}
	errs := cfg.Validate()
	require.Len(t, errs, 3)
	assert.True(t, errors.Is(errs[0], ErrInvalidAutoLength))
	assert.True(t, errors.Is(errs[1], ErrInvalidWatchInterval))
	assert.True(t, errors.Is(errs[2], ErrEmptySealer))
}
