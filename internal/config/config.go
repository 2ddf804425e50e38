// Copyright 2024 The Histlog Authors
// This file is part of Histlog.
//
// Histlog is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// Histlog is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with Histlog. If not, see <http://www.gnu.org/licenses/>.

// Package config loads the user-editable config.toml (spec.md §6) into
// an explicit struct, with environment variable overrides layered on
// top. There is no global settings singleton (spec.md §9): Load returns
// a Config value that callers pass to whatever needs it.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/pelletier/go-toml/v2"
)

// Sync holds the sync client's tunables.
type Sync struct {
	PageSize              int    `toml:"page_size"`
	RequestTimeoutSeconds int    `toml:"request_timeout_seconds"`
	Token                 string `toml:"token"`
}

// Relay holds the relay server's tunables.
type Relay struct {
	ListenAddr         string   `toml:"listen_addr"`
	QuotaRecords       int64    `toml:"quota_records"`
	QuotaBytes         int64    `toml:"quota_bytes"`
	CORSAllowedOrigins []string `toml:"cors_allowed_origins"`
	JWTSigningKey      string   `toml:"jwt_signing_key"`
}

// Config is the full set of user-editable settings.
type Config struct {
	DataDir  string `toml:"data_dir"`
	RelayURL string `toml:"relay_url"`
	LogLevel string `toml:"log_level"`
	LogFile  string `toml:"log_file"`
	Sync     Sync   `toml:"sync"`
	Relay    Relay  `toml:"relay"`
}

// Defaults returns the zero-config settings, matching the reference
// constants used throughout the core (spec.md §4.3's "pages of up to N"
// and "default 30s" timeout).
func Defaults() Config {
	return Config{
		LogLevel: "info",
		Sync: Sync{
			PageSize:              100,
			RequestTimeoutSeconds: 30,
		},
		Relay: Relay{
			ListenAddr:   "127.0.0.1:8081",
			QuotaRecords: 1_000_000,
			QuotaBytes:   1 << 30, // 1 GiB
		},
	}
}

// Load reads config.toml at path, if present, over Defaults(), then
// applies HISTLOG_* environment variable overrides. A missing file is
// not an error: Defaults() alone is a valid configuration.
func Load(path string) (Config, error) {
	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := toml.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
			}
		case os.IsNotExist(err):
			// fine, defaults stand
		default:
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	applyEnvOverrides(&cfg)

	if cfg.DataDir == "" {
		dir, err := defaultDataDir()
		if err != nil {
			return Config{}, err
		}
		cfg.DataDir = dir
	}

	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("HISTLOG_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("HISTLOG_RELAY_URL"); v != "" {
		cfg.RelayURL = v
	}
	if v := os.Getenv("HISTLOG_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("HISTLOG_TOKEN"); v != "" {
		cfg.Sync.Token = v
	}
}

func defaultDataDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("config: resolve home dir: %w", err)
	}
	return filepath.Join(home, ".local", "share", "histlog"), nil
}

// DefaultConfigPath returns config.toml's conventional location,
// separate from DataDir so a data-dir override doesn't also relocate
// settings (spec.md §6: "config.toml — user-editable settings").
func DefaultConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("config: resolve home dir: %w", err)
	}
	return filepath.Join(home, ".config", "histlog", "config.toml"), nil
}

// HistoryDBPath is the fixed path of the SQLite file within DataDir
// (spec.md §6: "history.db").
func (c Config) HistoryDBPath() string {
	return filepath.Join(c.DataDir, "history.db")
}

// KeyPath is the fixed path of the session key file within DataDir.
func (c Config) KeyPath() string {
	return filepath.Join(c.DataDir, "key")
}

// HostIDPath is the fixed path of the host identity file within DataDir.
func (c Config) HostIDPath() string {
	return filepath.Join(c.DataDir, "host_id")
}
