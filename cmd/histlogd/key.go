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
	"encoding/base64"
	"errors"
	"fmt"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/histlog/histlog/internal/herrors"
	"github.com/histlog/histlog/internal/hostid"
)

// newKeyCmd prints or imports the session key. Printing requires an
// explicit --yes-i-know-what-im-doing confirmation when stdout is a
// tty (spec.md §6: "print ... stdout only if a tty confirmation is
// supplied"), since the key is the one secret that must never land in
// a terminal scrollback by accident.
func newKeyCmd() *cobra.Command {
	var (
		importPath string
		confirm    bool
	)

	cmd := &cobra.Command{
		Use:   "key",
		Short: "Print or import the session encryption key",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
				return err
			}

			if importPath != "" {
				return importKey(cfg.KeyPath(), importPath)
			}
			return printKey(cfg.KeyPath(), confirm)
		},
	}

	cmd.Flags().StringVar(&importPath, "import", "", "import a key from the given file instead of printing the current one")
	cmd.Flags().BoolVar(&confirm, "yes-i-know-what-im-doing", false, "confirm printing the key to a tty")
	return cmd
}

func printKey(keyPath string, confirmed bool) error {
	key, err := hostid.LoadKey(keyPath)
	if errors.Is(err, herrors.ErrNotFound) {
		generated, genErr := hostid.GenerateKey()
		if genErr != nil {
			return genErr
		}
		if err := hostid.ImportKey(keyPath, generated); err != nil {
			return err
		}
		key = generated
	} else if err != nil {
		return err
	}

	if isatty.IsTerminal(os.Stdout.Fd()) && !confirmed {
		return fmt.Errorf("refusing to print the key to a terminal without --yes-i-know-what-im-doing: %w", herrors.ErrInvalidInput)
	}

	fmt.Println(base64.StdEncoding.EncodeToString(key[:]))
	return nil
}

func importKey(keyPath, sourcePath string) error {
	data, err := os.ReadFile(sourcePath)
	if err != nil {
		return err
	}
	raw, err := base64.StdEncoding.DecodeString(string(trimNewline(data)))
	if err != nil {
		return fmt.Errorf("decode key at %s: %w: %v", sourcePath, herrors.ErrCorruptPayload, err)
	}
	if len(raw) != hostid.KeySize {
		return fmt.Errorf("key at %s: %w: want %d bytes, got %d", sourcePath, herrors.ErrCorruptPayload, hostid.KeySize, len(raw))
	}
	var key hostid.Key
	copy(key[:], raw)
	return hostid.ImportKey(keyPath, key)
}

func trimNewline(b []byte) []byte {
	for len(b) > 0 && (b[len(b)-1] == '\n' || b[len(b)-1] == '\r') {
		b = b[:len(b)-1]
	}
	return b
}
