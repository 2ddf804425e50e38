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
	"time"

	"github.com/spf13/cobra"

	"github.com/histlog/histlog/internal/herrors"
	"github.com/histlog/histlog/internal/syncclient"
)

// newSyncCmd runs one sync cycle. main() converts the returned error to
// the exit codes spec.md §6 specifies for this subcommand via
// herrors.ExitCode: 0 ok, 2 chain divergence, 3 auth failure, 1
// otherwise.
func newSyncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Run one sync cycle against the configured relay",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.close()

			if a.cfg.RelayURL == "" {
				return fmt.Errorf("no relay_url configured: %w", herrors.ErrInvalidInput)
			}

			client := syncclient.New(syncclient.Options{
				RelayURL:       a.cfg.RelayURL,
				Token:          a.cfg.Sync.Token,
				PageSize:       a.cfg.Sync.PageSize,
				RequestTimeout: time.Duration(a.cfg.Sync.RequestTimeoutSeconds) * time.Second,
			}, a.store, a.mat, a.logger)

			return client.Run(ctx)
		},
	}
}
