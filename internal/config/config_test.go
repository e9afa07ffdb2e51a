// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, dir, content string) string {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0o755))
	path := filepath.Join(dir, configFileName)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestNewGeneratesDefaultConfig(t *testing.T) {
	dir := t.TempDir()

	cfg, err := New(dir)
	require.NoError(t, err)

	assert.FileExists(t, filepath.Join(dir, configFileName))
	assert.Equal(t, "127.0.0.1", cfg.Config.Host)
	assert.Equal(t, 7575, cfg.Config.Port)
	assert.Equal(t, "INFO", cfg.Config.LogLevel)
}

func TestDatabasePathDefaultsNextToConfig(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, `
host = "localhost"
port = 8080
sessionSecret = "test-secret"
logLevel = "INFO"
`)

	cfg, err := New(dir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, databaseFile), cfg.GetDatabasePath())
}

func TestDatabasePathFromConfigFile(t *testing.T) {
	dir := t.TempDir()
	custom := filepath.Join(dir, "database", "custom.db")
	writeConfig(t, dir, `
host = "localhost"
port = 8080
sessionSecret = "test-secret"
logLevel = "INFO"
databasePath = "`+custom+`"
`)

	cfg, err := New(dir)
	require.NoError(t, err)
	assert.Equal(t, custom, cfg.GetDatabasePath())
}

func TestEnvVarOverridesConfigFile(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, `
host = "localhost"
port = 8080
sessionSecret = "test-secret"
logLevel = "INFO"
databasePath = "/original/path.db"
`)

	t.Setenv("FETCHARR__DATABASE_PATH", "/override/path.db")

	cfg, err := New(dir)
	require.NoError(t, err)
	assert.Equal(t, "/override/path.db", cfg.GetDatabasePath())
}

func TestConfigFilePathAccepted(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, `
host = "0.0.0.0"
port = 9090
sessionSecret = "test-secret"
logLevel = "DEBUG"
`)

	cfg, err := New(path)
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0", cfg.Config.Host)
	assert.Equal(t, 9090, cfg.Config.Port)
	assert.Equal(t, dir, cfg.GetConfigDir())
}

func TestSessionSecretGeneratedAndPersisted(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, `
host = "localhost"
port = 8080
logLevel = "INFO"
`)

	cfg, err := New(dir)
	require.NoError(t, err)
	require.NotEmpty(t, cfg.Config.SessionSecret)

	// A second load reads the persisted secret instead of generating a
	// new one.
	again, err := New(dir)
	require.NoError(t, err)
	assert.Equal(t, cfg.Config.SessionSecret, again.Config.SessionSecret)
}

func TestDockerEnvironmentUsesConfigDirDirectly(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", "/config")
	assert.Equal(t, "/config", getDefaultConfigDir())

	t.Setenv("XDG_CONFIG_HOME", "/home/user/.config")
	assert.Equal(t, filepath.Join("/home/user/.config", "fetcharr"), getDefaultConfigDir())
}

func TestAuthDisabledRequiresAcknowledgement(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, `
host = "localhost"
port = 8080
sessionSecret = "test-secret"
logLevel = "INFO"
authDisabled = true
ifIGetBannedItsMyFault = true
`)

	_, err := New(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "authDisabledAllowedCIDRs")
}

func TestUpdateLogSettingsPersists(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, `
sessionSecret = "test-secret"
logLevel = "INFO"
#logPath = "log/fetcharr.log"
`)

	cfg, err := New(dir)
	require.NoError(t, err)

	require.NoError(t, cfg.UpdateLogSettings("DEBUG", "/var/log/fetcharr.log", 25, 5))
	assert.Equal(t, "DEBUG", cfg.Config.LogLevel)

	raw, err := os.ReadFile(filepath.Join(dir, configFileName))
	require.NoError(t, err)
	assert.Contains(t, string(raw), `logLevel = "DEBUG"`)
	assert.Contains(t, string(raw), `logPath = "/var/log/fetcharr.log"`)
}
