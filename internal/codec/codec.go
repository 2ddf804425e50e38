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

// Package codec holds the domain-specific encoders/decoders over
// record cleartext payloads: history, alias, dotfiles-var, kv, and the
// uniform tombstone (spec.md §4.5). Every codec speaks JSON at a single
// schema version, "v0"; an unrecognized version is ErrUnsupportedVersion
// rather than a hard failure, so a record written by a newer client can
// sit in the store untouched until this code is upgraded (spec.md §7).
package codec

import (
	"encoding/json"
	"fmt"

	"github.com/histlog/histlog/internal/herrors"
)

// Version is the only payload schema version this codec set currently
// emits or understands.
const Version = "v0"

func encodeJSON(v any) ([]byte, string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, "", fmt.Errorf("codec: marshal: %w", err)
	}
	return b, Version, nil
}

func checkVersion(version string) error {
	if version != Version {
		return fmt.Errorf("codec: version %q: %w", version, herrors.ErrUnsupportedVersion)
	}
	return nil
}
