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

package main

import (
	"context"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/histlog/histlog/internal/config"
	"github.com/histlog/histlog/internal/cryptoenvelope"
	"github.com/histlog/histlog/internal/historyview"
	"github.com/histlog/histlog/internal/hostid"
	"github.com/histlog/histlog/internal/ids"
	"github.com/histlog/histlog/internal/materialize"
	"github.com/histlog/histlog/internal/recordstore"
	"github.com/histlog/histlog/internal/telemetry"
)

var (
	flagConfigPath string
	flagDataDir    string
	flagRelayURL   string
	flagLogLevel   string
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "histlogd",
		Short:         "Encrypted, syncable shell history daemon and CLI",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&flagConfigPath, "config", "", "path to config.toml (default: ~/.config/histlog/config.toml)")
	root.PersistentFlags().StringVar(&flagDataDir, "data-dir", "", "override the data directory (env HISTLOG_DATA_DIR)")
	root.PersistentFlags().StringVar(&flagRelayURL, "relay-url", "", "override the relay URL (env HISTLOG_RELAY_URL)")
	root.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "override the log level (env HISTLOG_LOG_LEVEL)")

	root.AddCommand(newSyncCmd())
	root.AddCommand(newStatusCmd())
	root.AddCommand(newKeyCmd())
	root.AddCommand(newSearchCmd())

	return root
}

// app bundles the components every subcommand wires together, opened
// once per invocation and closed on return.
type app struct {
	cfg    config.Config
	logger *zap.Logger
	store  *recordstore.Store
	view   *historyview.View
	mat    *materialize.Materializer
	hostID ids.ID
}

func loadConfig() (config.Config, error) {
	path := flagConfigPath
	if path == "" {
		defaultPath, err := config.DefaultConfigPath()
		if err != nil {
			return config.Config{}, err
		}
		path = defaultPath
	}

	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, err
	}
	if flagDataDir != "" {
		cfg.DataDir = flagDataDir
	}
	if flagRelayURL != "" {
		cfg.RelayURL = flagRelayURL
	}
	if flagLogLevel != "" {
		cfg.LogLevel = flagLogLevel
	}
	return cfg, nil
}

// openApp loads config, opens the SQLite-backed record store and
// history view over the same *sql.DB, and builds a materializer keyed
// by the durable session key. Every subcommand that touches the core
// goes through this single bootstrap path.
func openApp(ctx context.Context) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	logger, err := telemetry.New(telemetry.Options{Level: cfg.LogLevel, FilePath: cfg.LogFile})
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return nil, err
	}

	hostID, err := hostid.LoadOrCreateHostID(cfg.DataDir)
	if err != nil {
		return nil, err
	}

	key, err := hostid.LoadKey(cfg.KeyPath())
	if err != nil {
		return nil, err
	}

	db, err := recordstore.OpenDB(cfg.HistoryDBPath())
	if err != nil {
		return nil, err
	}

	store, err := recordstore.New(ctx, db)
	if err != nil {
		return nil, err
	}

	view, err := historyview.New(ctx, db)
	if err != nil {
		return nil, err
	}

	mat := materialize.New(store, view, cryptoenvelope.Key(key), logger)

	return &app{
		cfg:    cfg,
		logger: logger,
		store:  store,
		view:   view,
		mat:    mat,
		hostID: hostID,
	}, nil
}

func (a *app) close() {
	a.store.Close()
	a.logger.Sync()
}
