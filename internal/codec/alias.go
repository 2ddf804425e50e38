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

package codec

import (
	"encoding/json"
	"fmt"

	"github.com/histlog/histlog/internal/herrors"
)

// nameCharsValid mirrors the validation atuin's alias/var commands apply
// before encoding (original_source/.../dotfiles/alias.rs, .../var.rs):
// ASCII letters, digits, underscore and hyphen only, non-empty.
func nameCharsValid(name string) bool {
	if name == "" {
		return false
	}
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
		default:
			return false
		}
	}
	return true
}

// AliasOp is either a set or a delete of a named alias.
type AliasOp struct {
	Op    string `json:"op"` // "set" | "delete"
	Name  string `json:"name"`
	Value string `json:"value,omitempty"`
}

// AliasCodec owns the "alias" stream.
type AliasCodec struct{}

// EncodeSet serializes an alias set(name, value).
func (AliasCodec) EncodeSet(name, value string) ([]byte, string, error) {
	if !nameCharsValid(name) {
		return nil, "", fmt.Errorf("codec: alias: invalid name %q: %w", name, herrors.ErrInvalidInput)
	}
	return encodeJSON(AliasOp{Op: "set", Name: name, Value: value})
}

// EncodeDelete serializes an alias delete(name).
func (AliasCodec) EncodeDelete(name string) ([]byte, string, error) {
	if !nameCharsValid(name) {
		return nil, "", fmt.Errorf("codec: alias: invalid name %q: %w", name, herrors.ErrInvalidInput)
	}
	return encodeJSON(AliasOp{Op: "delete", Name: name})
}

// Decode returns the AliasOp carried by payload.
func (AliasCodec) Decode(payload []byte, version string) (AliasOp, error) {
	if err := checkVersion(version); err != nil {
		return AliasOp{}, err
	}
	var op AliasOp
	if err := json.Unmarshal(payload, &op); err != nil {
		return AliasOp{}, fmt.Errorf("codec: alias: %w: %v", herrors.ErrCorruptPayload, err)
	}
	if op.Op != "set" && op.Op != "delete" {
		return AliasOp{}, fmt.Errorf("codec: alias: unknown op %q: %w", op.Op, herrors.ErrCorruptPayload)
	}
	return op, nil
}
