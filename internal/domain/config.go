// Copyright (c) 2025-2026, the ptfleet contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package domain holds configuration and shared value types.
package domain

import "errors"

// DefaultSessionSecret is the placeholder written into freshly generated
// config files. Startup refuses to run with it still in place.
const DefaultSessionSecret = "change-me-before-first-run"

type Config struct {
	Host          string `toml:"host" mapstructure:"host"`
	Port          int    `toml:"port" mapstructure:"port"`
	LogLevel      string `toml:"logLevel" mapstructure:"logLevel"`
	LogPath       string `toml:"logPath" mapstructure:"logPath"`
	LogMaxSize    int    `toml:"logMaxSize" mapstructure:"logMaxSize"`
	LogMaxBackups int    `toml:"logMaxBackups" mapstructure:"logMaxBackups"`
	DataDir       string `toml:"dataDir" mapstructure:"dataDir"`
	SessionSecret string `toml:"sessionSecret" mapstructure:"sessionSecret"`

	// Outbound HTTP behaviour shared by feed fetches and detail-page checks.
	HTTPTimeout   int    `toml:"httpTimeout" mapstructure:"httpTimeout"`
	HTTPVerifyTLS bool   `toml:"httpVerifyTls" mapstructure:"httpVerifyTls"`
	HTTPUserAgent string `toml:"httpUserAgent" mapstructure:"httpUserAgent"`

	// Concurrency cap on per-entry free-status lookups during a feed run.
	RssFreeCheckConcurrency int `toml:"rssFreeCheckConcurrency" mapstructure:"rssFreeCheckConcurrency"`
}

var ErrDefaultSessionSecret = errors.New("sessionSecret still has its generated default, refusing to start")

// Validate checks invariants that cannot be expressed as zero-value
// defaults. allowDefaultSecret is set by tests and by explicit operator
// opt-in only.
func (c *Config) Validate(allowDefaultSecret bool) error {
	if c.SessionSecret == "" || (c.SessionSecret == DefaultSessionSecret && !allowDefaultSecret) {
		return ErrDefaultSessionSecret
	}
	if c.Port <= 0 || c.Port > 65535 {
		return errors.New("port out of range")
	}
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = 30
	}
	if c.RssFreeCheckConcurrency <= 0 {
		c.RssFreeCheckConcurrency = 8
	}
	return nil
}
