// Copyright (c) 2025-2026, the ptfleet contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package config loads the application configuration with viper. A TOML
// config file is created on first run; every key can be overridden with a
// PTFLEET__ prefixed environment variable (PTFLEET__LOG_LEVEL, ...).
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"

	"github.com/ptfleet/ptfleet/internal/domain"
)

const EnvPrefix = "PTFLEET_"

type AppConfig struct {
	Config *domain.Config
	viper  *viper.Viper
}

// New loads the configuration from configPath (a directory or a .toml
// file). An empty path means the default data dir next to the binary's
// working directory.
func New(configPath string) (*AppConfig, error) {
	c := &AppConfig{viper: viper.New()}
	c.defaults()

	if err := c.load(configPath); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *AppConfig) defaults() {
	c.Config = &domain.Config{
		Host:                    "127.0.0.1",
		Port:                    8000,
		LogLevel:                "INFO",
		LogMaxSize:              50,
		LogMaxBackups:           3,
		SessionSecret:           domain.DefaultSessionSecret,
		HTTPTimeout:             30,
		HTTPVerifyTLS:           true,
		HTTPUserAgent:           "ptfleet/1.0",
		RssFreeCheckConcurrency: 8,
	}
}

func (c *AppConfig) load(configPath string) error {
	c.viper.SetConfigType("toml")

	if configPath != "" {
		if filepath.Ext(configPath) == ".toml" {
			c.viper.SetConfigFile(configPath)
			c.Config.DataDir = filepath.Dir(configPath)
		} else {
			c.viper.AddConfigPath(configPath)
			c.viper.SetConfigName("config")
			c.Config.DataDir = configPath
		}
	} else {
		dir, err := os.UserConfigDir()
		if err != nil {
			return fmt.Errorf("determine config dir: %w", err)
		}
		c.Config.DataDir = filepath.Join(dir, "ptfleet")
		c.viper.AddConfigPath(c.Config.DataDir)
		c.viper.SetConfigName("config")
	}

	c.viper.SetEnvPrefix(EnvPrefix)
	c.viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	c.viper.AutomaticEnv()

	if err := c.viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) || os.IsNotExist(err) {
			if werr := c.writeDefaultConfig(); werr != nil {
				return werr
			}
		} else {
			return fmt.Errorf("read config: %w", err)
		}
	}

	if err := c.viper.Unmarshal(c.Config); err != nil {
		return fmt.Errorf("unmarshal config: %w", err)
	}
	if c.Config.DataDir == "" {
		c.Config.DataDir = "."
	}
	return nil
}

// writeDefaultConfig creates the data dir and a commented config file so
// the operator has something to edit after first run.
func (c *AppConfig) writeDefaultConfig() error {
	if err := os.MkdirAll(c.Config.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	path := filepath.Join(c.Config.DataDir, "config.toml")
	if _, err := os.Stat(path); err == nil {
		return nil
	}

	body := fmt.Sprintf(`# ptfleet configuration
host = %q
port = %d

# TRACE, DEBUG, INFO, WARN, ERROR
logLevel = %q
# Leave empty to log to stdout only.
logPath = ""

# Replace before first run.
sessionSecret = %q

httpTimeout = %d
httpVerifyTls = %t
httpUserAgent = %q
rssFreeCheckConcurrency = %d
`,
		c.Config.Host, c.Config.Port, c.Config.LogLevel,
		c.Config.SessionSecret, c.Config.HTTPTimeout,
		c.Config.HTTPVerifyTLS, c.Config.HTTPUserAgent,
		c.Config.RssFreeCheckConcurrency)

	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		return fmt.Errorf("write default config: %w", err)
	}

	log.Info().Str("path", path).Msg("created default config file")
	c.viper.SetConfigFile(path)
	return c.viper.ReadInConfig()
}

// DatabasePath returns the sqlite file location inside the data dir.
func (c *AppConfig) DatabasePath() string {
	return filepath.Join(c.Config.DataDir, "ptfleet.db")
}
