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
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/histlog/histlog/internal/herrors"
	"github.com/histlog/histlog/internal/historyview"
	"github.com/histlog/histlog/internal/ids"
	"github.com/histlog/histlog/internal/intutil"
)

// newSearchCmd reads the materialized view (spec.md §6: "flags select
// filter mode (session/host/directory/global), time range, and output
// format").
func newSearchCmd() *cobra.Command {
	var (
		mode       string
		sessionStr string
		hostStr    string
		cwd        string
		query      string
		since      string
		until      string
		format     string
		limitStr   string
	)

	cmd := &cobra.Command{
		Use:   "search [query]",
		Short: "Search the materialized history view",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) > 0 {
				query = args[0]
			}

			limit64, ok := intutil.ParseUint64(limitStr)
			if !ok || limit64 == 0 {
				return fmt.Errorf("bad --limit %q: %w", limitStr, herrors.ErrInvalidInput)
			}

			ctx := cmd.Context()
			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.close()

			filter := historyview.Filter{Cwd: cwd, Search: query}

			switch mode {
			case "", "global":
				// no extra scoping
			case "session":
				id, err := ids.Parse(sessionStr)
				if err != nil {
					return fmt.Errorf("bad --session: %w: %v", herrors.ErrInvalidInput, err)
				}
				filter.SessionID = &id
			case "host":
				id, err := ids.Parse(hostStr)
				if err != nil {
					return fmt.Errorf("bad --host: %w: %v", herrors.ErrInvalidInput, err)
				}
				filter.Host = &id
			case "directory":
				if cwd == "" {
					return fmt.Errorf("--mode directory requires --cwd: %w", herrors.ErrInvalidInput)
				}
			default:
				return fmt.Errorf("unknown --mode %q: %w", mode, herrors.ErrInvalidInput)
			}

			if since != "" {
				t, err := time.Parse(time.RFC3339, since)
				if err != nil {
					return fmt.Errorf("bad --since: %w: %v", herrors.ErrInvalidInput, err)
				}
				filter.StartAfter = t.UnixNano()
			}
			if until != "" {
				t, err := time.Parse(time.RFC3339, until)
				if err != nil {
					return fmt.Errorf("bad --until: %w: %v", herrors.ErrInvalidInput, err)
				}
				filter.StartBefore = t.UnixNano()
			}

			rows, err := a.view.List(ctx, filter, historyview.OrderTimestampDesc, int(limit64), 0)
			if err != nil {
				return err
			}

			switch format {
			case "", "text":
				for _, row := range rows {
					fmt.Printf("%s\t%s\t%s\n", time.Unix(0, row.StartTime).Format(time.RFC3339), row.Cwd, row.Command)
				}
			case "json":
				return json.NewEncoder(os.Stdout).Encode(rows)
			default:
				return fmt.Errorf("unknown --format %q: %w", format, herrors.ErrInvalidInput)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&mode, "mode", "global", "filter mode: global, session, host, directory")
	cmd.Flags().StringVar(&sessionStr, "session", "", "session id, required for --mode session")
	cmd.Flags().StringVar(&hostStr, "host", "", "host id, required for --mode host")
	cmd.Flags().StringVar(&cwd, "cwd", "", "working directory, required for --mode directory")
	cmd.Flags().StringVar(&since, "since", "", "only commands started at or after this RFC3339 timestamp")
	cmd.Flags().StringVar(&until, "until", "", "only commands started at or before this RFC3339 timestamp")
	cmd.Flags().StringVar(&format, "format", "text", "output format: text, json")
	cmd.Flags().StringVar(&limitStr, "limit", "100", "maximum rows to return (decimal or 0x-prefixed hex)")
	return cmd
}
