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

// EnvVarOp is either a set or a delete of a dotfiles environment
// variable. Same shape as AliasOp plus Export (spec.md §4.5).
type EnvVarOp struct {
	Op     string `json:"op"` // "set" | "delete"
	Name   string `json:"name"`
	Value  string `json:"value,omitempty"`
	Export bool   `json:"export,omitempty"`
}

// EnvVarCodec owns the "dotfiles-var" stream.
type EnvVarCodec struct{}

// EncodeSet serializes an env-var set(name, value, export).
func (EnvVarCodec) EncodeSet(name, value string, export bool) ([]byte, string, error) {
	if !nameCharsValid(name) {
		return nil, "", fmt.Errorf("codec: envvar: invalid name %q: %w", name, herrors.ErrInvalidInput)
	}
	return encodeJSON(EnvVarOp{Op: "set", Name: name, Value: value, Export: export})
}

// EncodeDelete serializes an env-var delete(name).
func (EnvVarCodec) EncodeDelete(name string) ([]byte, string, error) {
	if !nameCharsValid(name) {
		return nil, "", fmt.Errorf("codec: envvar: invalid name %q: %w", name, herrors.ErrInvalidInput)
	}
	return encodeJSON(EnvVarOp{Op: "delete", Name: name})
}

// Decode returns the EnvVarOp carried by payload.
func (EnvVarCodec) Decode(payload []byte, version string) (EnvVarOp, error) {
	if err := checkVersion(version); err != nil {
		return EnvVarOp{}, err
	}
	var op EnvVarOp
	if err := json.Unmarshal(payload, &op); err != nil {
		return EnvVarOp{}, fmt.Errorf("codec: envvar: %w: %v", herrors.ErrCorruptPayload, err)
	}
	if op.Op != "set" && op.Op != "delete" {
		return EnvVarOp{}, fmt.Errorf("codec: envvar: unknown op %q: %w", op.Op, herrors.ErrCorruptPayload)
	}
	return op, nil
}
