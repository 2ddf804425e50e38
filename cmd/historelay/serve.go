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
	"fmt"
	"net/http"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/histlog/histlog/internal/config"
	"github.com/histlog/histlog/internal/recordstore"
	"github.com/histlog/histlog/internal/relay"
	"github.com/histlog/histlog/internal/telemetry"
)

func newServeCmd() *cobra.Command {
	var (
		configPath string
		listenAddr string
		signingKey string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the relay HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			path := configPath
			if path == "" {
				defaultPath, err := config.DefaultConfigPath()
				if err != nil {
					return err
				}
				path = defaultPath
			}
			cfg, err := config.Load(path)
			if err != nil {
				return err
			}
			if listenAddr != "" {
				cfg.Relay.ListenAddr = listenAddr
			}
			if v := os.Getenv("HISTLOG_RELAY_JWT_SIGNING_KEY"); v != "" {
				cfg.Relay.JWTSigningKey = v
			}
			if signingKey != "" {
				cfg.Relay.JWTSigningKey = signingKey
			}
			if cfg.Relay.JWTSigningKey == "" {
				return fmt.Errorf("historelay: relay.jwt_signing_key must be set")
			}

			logger, err := telemetry.New(telemetry.Options{Level: cfg.LogLevel, FilePath: cfg.LogFile})
			if err != nil {
				return err
			}
			defer logger.Sync()

			if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
				return err
			}
			db, err := recordstore.OpenDB(filepath.Join(cfg.DataDir, "relay.db"))
			if err != nil {
				return err
			}
			defer db.Close()

			registry := prometheus.NewRegistry()
			metrics := telemetry.NewRelayMetrics(registry)

			server, err := relay.NewServer(ctx, relay.Config{
				JWTSigningKey:      []byte(cfg.Relay.JWTSigningKey),
				QuotaRecords:       cfg.Relay.QuotaRecords,
				QuotaBytes:         cfg.Relay.QuotaBytes,
				CORSAllowedOrigins: cfg.Relay.CORSAllowedOrigins,
			}, db, metrics, logger)
			if err != nil {
				return err
			}

			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
			mux.Handle("/", server)

			logger.Sugar().Infof("historelay listening on %s", cfg.Relay.ListenAddr)
			return http.ListenAndServe(cfg.Relay.ListenAddr, mux)
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "path to config.toml (default: ~/.config/histlog/config.toml)")
	cmd.Flags().StringVar(&listenAddr, "listen", "", "override relay.listen_addr")
	cmd.Flags().StringVar(&signingKey, "jwt-signing-key", "", "override relay.jwt_signing_key (env HISTLOG_RELAY_JWT_SIGNING_KEY)")
	return cmd
}
