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
	"sort"

	"github.com/spf13/cobra"
)

// newStatusCmd prints the local_status map (spec.md §6): for every
// (host, stream) chain, the tail (highest) index stored locally.
func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print the local status map",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.close()

			status, err := a.store.Status(ctx)
			if err != nil {
				return err
			}

			type line struct {
				host, stream string
				idx          uint64
			}
			lines := make([]line, 0, len(status))
			for key, idx := range status {
				lines = append(lines, line{host: key.Host.String(), stream: string(key.Stream), idx: idx})
			}
			sort.Slice(lines, func(i, j int) bool {
				if lines[i].host != lines[j].host {
					return lines[i].host < lines[j].host
				}
				return lines[i].stream < lines[j].stream
			})

			for _, l := range lines {
				fmt.Printf("%s\t%s\t%d\n", l.host, l.stream, l.idx)
			}
			return nil
		},
	}
}
