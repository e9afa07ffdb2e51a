// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package config loads and persists the application configuration from
// config.toml, with FETCHARR__ environment variable overrides and live
// reload of the log level on file changes.
package config

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"

	"github.com/fetcharr/fetcharr/internal/domain"
)

const (
	envPrefix      = "FETCHARR__"
	configFileName = "config.toml"
	databaseFile   = "fetcharr.db"
)

// envKeys maps FETCHARR__ environment variables onto config keys.
var envKeys = map[string]string{
	"HOST":                         "host",
	"PORT":                         "port",
	"BASE_URL":                     "baseUrl",
	"SESSION_SECRET":               "sessionSecret",
	"LOG_LEVEL":                    "logLevel",
	"LOG_PATH":                     "logPath",
	"LOG_MAX_SIZE":                 "logMaxSize",
	"LOG_MAX_BACKUPS":              "logMaxBackups",
	"DATA_DIR":                     "dataDir",
	"DATABASE_PATH":                "databasePath",
	"PPROF_ENABLED":                "pprofEnabled",
	"METRICS_ENABLED":              "metricsEnabled",
	"METRICS_HOST":                 "metricsHost",
	"METRICS_PORT":                 "metricsPort",
	"METRICS_BASIC_AUTH_USERS":     "metricsBasicAuthUsers",
	"AUTH_DISABLED":                "authDisabled",
	"IF_I_GET_BANNED_ITS_MY_FAULT": "ifIGetBannedItsMyFault",
	"AUTH_DISABLED_ALLOWED_CIDRS":  "authDisabledAllowedCIDRs",
}

// AppConfig wraps the parsed configuration together with the viper
// instance that loaded it.
type AppConfig struct {
	Config *domain.Config

	viper      *viper.Viper
	configPath string

	mu              sync.RWMutex
	reloadCallbacks []func(*domain.Config)
}

// New loads the configuration. configPath may be empty (use the default
// config dir), a directory, or a path to a config.toml.
func New(configPath string) (*AppConfig, error) {
	c := &AppConfig{
		Config: &domain.Config{},
		viper:  viper.New(),
	}

	c.defaults()

	if err := c.load(configPath); err != nil {
		return nil, err
	}
	if err := c.loadFromEnv(); err != nil {
		return nil, err
	}
	if err := c.viper.Unmarshal(c.Config); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal config")
	}

	if err := c.ensureSessionSecret(); err != nil {
		return nil, err
	}
	if err := c.Config.ValidateAuthDisabledConfig(); err != nil {
		return nil, err
	}

	return c, nil
}

func (c *AppConfig) defaults() {
	c.viper.SetDefault("host", "127.0.0.1")
	c.viper.SetDefault("port", 7575)
	c.viper.SetDefault("baseUrl", "/")
	c.viper.SetDefault("logLevel", "INFO")
	c.viper.SetDefault("logPath", "")
	c.viper.SetDefault("logMaxSize", 50)
	c.viper.SetDefault("logMaxBackups", 3)
	c.viper.SetDefault("pprofEnabled", false)
	c.viper.SetDefault("metricsEnabled", false)
	c.viper.SetDefault("metricsHost", "127.0.0.1")
	c.viper.SetDefault("metricsPort", 9074)
}

func (c *AppConfig) load(configPath string) error {
	dir := configPath
	if dir == "" {
		dir = getDefaultConfigDir()
	} else if strings.HasSuffix(dir, ".toml") {
		dir = filepath.Dir(configPath)
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrapf(err, "failed to create config directory %s", dir)
	}
	c.configPath = dir

	file := filepath.Join(dir, configFileName)
	c.viper.SetConfigType("toml")
	c.viper.SetConfigFile(file)

	if _, err := os.Stat(file); os.IsNotExist(err) {
		if err := c.writeDefaultConfig(); err != nil {
			return err
		}
	}
	if err := c.viper.ReadInConfig(); err != nil {
		return errors.Wrap(err, "failed to read config file")
	}
	return nil
}

// loadFromEnv applies FETCHARR__ overrides on top of the file values.
func (c *AppConfig) loadFromEnv() error {
	for env, key := range envKeys {
		value, ok := os.LookupEnv(envPrefix + env)
		if !ok || value == "" {
			continue
		}
		switch key {
		case "authDisabledAllowedCIDRs":
			c.viper.Set(key, strings.Split(value, ","))
		default:
			c.viper.Set(key, value)
		}
	}
	return nil
}

// ensureSessionSecret generates and persists a session secret on first run.
func (c *AppConfig) ensureSessionSecret() error {
	if c.Config.SessionSecret != "" {
		return nil
	}

	secret, err := generateSecret()
	if err != nil {
		return err
	}
	c.Config.SessionSecret = secret
	c.viper.Set("sessionSecret", secret)

	if err := c.persistKey("sessionSecret", fmt.Sprintf("sessionSecret = %q", secret)); err != nil {
		log.Warn().Err(err).Msg("Failed to persist generated session secret")
	}
	return nil
}

// GetDatabasePath returns the configured database location, defaulting to
// a file next to the config.
func (c *AppConfig) GetDatabasePath() string {
	if c.Config.DatabasePath != "" {
		return c.Config.DatabasePath
	}
	return filepath.Join(c.configPath, databaseFile)
}

// GetConfigDir returns the directory holding config.toml.
func (c *AppConfig) GetConfigDir() string {
	return c.configPath
}

// OnReload registers a callback invoked after the config file changes on
// disk and has been re-parsed.
func (c *AppConfig) OnReload(fn func(*domain.Config)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reloadCallbacks = append(c.reloadCallbacks, fn)
}

// Watch starts watching the config file for changes. Only dynamic settings
// (log level, log rotation) take effect without a restart.
func (c *AppConfig) Watch() {
	c.viper.OnConfigChange(func(e fsnotify.Event) {
		updated := &domain.Config{}
		if err := c.viper.Unmarshal(updated); err != nil {
			log.Error().Err(err).Msg("Failed to reload config file")
			return
		}
		updated.Version = c.Config.Version

		c.mu.Lock()
		c.Config.LogLevel = updated.LogLevel
		c.Config.LogPath = updated.LogPath
		c.Config.LogMaxSize = updated.LogMaxSize
		c.Config.LogMaxBackups = updated.LogMaxBackups
		callbacks := make([]func(*domain.Config), len(c.reloadCallbacks))
		copy(callbacks, c.reloadCallbacks)
		c.mu.Unlock()

		log.Info().Str("file", e.Name).Msg("Config file reloaded")
		for _, fn := range callbacks {
			fn(updated)
		}
	})
	c.viper.WatchConfig()
}

// UpdateLogSettings rewrites the log settings in config.toml in place and
// applies them to the running config.
func (c *AppConfig) UpdateLogSettings(level, path string, maxSize, maxBackups int) error {
	file := filepath.Join(c.configPath, configFileName)
	raw, err := os.ReadFile(file)
	if err != nil {
		return errors.Wrap(err, "failed to read config file")
	}

	updated := updateLogSettingsInTOML(string(raw), level, path, maxSize, maxBackups)
	if err := os.WriteFile(file, []byte(updated), 0o644); err != nil {
		return errors.Wrap(err, "failed to write config file")
	}

	c.mu.Lock()
	c.Config.LogLevel = level
	c.Config.LogPath = path
	c.Config.LogMaxSize = maxSize
	c.Config.LogMaxBackups = maxBackups
	c.mu.Unlock()
	return nil
}

func generateSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", errors.Wrap(err, "failed to generate session secret")
	}
	return base64.StdEncoding.EncodeToString(buf), nil
}

// getDefaultConfigDir resolves the config directory. A bare XDG_CONFIG_HOME
// of /config (the Docker convention) is used directly.
func getDefaultConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		if xdg == "/config" {
			return xdg
		}
		return filepath.Join(xdg, "fetcharr")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "fetcharr")
}

func (c *AppConfig) writeDefaultConfig() error {
	file := filepath.Join(c.configPath, configFileName)
	if _, err := os.Stat(file); err == nil {
		return nil
	}

	log.Info().Str("path", file).Msg("Writing default config file")
	if err := os.WriteFile(file, []byte(defaultConfigTemplate), 0o644); err != nil {
		return errors.Wrap(err, "failed to write default config file")
	}
	return nil
}

const defaultConfigTemplate = `# config.toml - Auto-generated on first run

# Hostname / IP
# Default: "127.0.0.1"
host = "127.0.0.1"

# Port
# Default: 7575
port = 7575

# Base url
# Set custom baseUrl, for example "/fetcharr/", to serve behind a reverse proxy.
# Default: "/"
#baseUrl = "/"

# Session secret
# Generated automatically on first run if not set.
#sessionSecret = ""

# Database path
# If not defined, the database is created next to this file.
# Optional
#databasePath = ""

# Log file path
# If not defined, logs to stdout
# Optional
#logPath = "log/fetcharr.log"

# Log rotation
# Maximum log file size in megabytes before rotation
# Default: 50
#logMaxSize = 50

# Number of rotated log files to retain (0 keeps all)
# Default: 3
#logMaxBackups = 3

# Log level
# Default: "INFO"
# Options: "ERROR", "DEBUG", "INFO", "WARN", "TRACE"
logLevel = "INFO"

# Enable pprof profiling endpoints
# Default: false
#pprofEnabled = false

# Prometheus metrics server
# Default: false
#metricsEnabled = false

# Metrics server host
# Default: "127.0.0.1"
#metricsHost = "127.0.0.1"

# Metrics server port
# Default: 9074
#metricsPort = 9074

# Metrics basic auth users ("user:bcryptHash,user2:bcryptHash")
# Optional
#metricsBasicAuthUsers = ""
`
