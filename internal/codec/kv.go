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

// KVOp is a namespace+key+value triple with set/delete (spec.md §4.5).
type KVOp struct {
	Op        string `json:"op"` // "set" | "delete"
	Namespace string `json:"namespace"`
	Key       string `json:"key"`
	Value     string `json:"value,omitempty"`
}

// KVCodec owns the "kv" stream.
type KVCodec struct{}

// EncodeSet serializes a kv set(namespace, key, value).
func (KVCodec) EncodeSet(namespace, key, value string) ([]byte, string, error) {
	if namespace == "" || key == "" {
		return nil, "", fmt.Errorf("codec: kv: namespace and key required: %w", herrors.ErrInvalidInput)
	}
	return encodeJSON(KVOp{Op: "set", Namespace: namespace, Key: key, Value: value})
}

// EncodeDelete serializes a kv delete(namespace, key).
func (KVCodec) EncodeDelete(namespace, key string) ([]byte, string, error) {
	if namespace == "" || key == "" {
		return nil, "", fmt.Errorf("codec: kv: namespace and key required: %w", herrors.ErrInvalidInput)
	}
	return encodeJSON(KVOp{Op: "delete", Namespace: namespace, Key: key})
}

// Decode returns the KVOp carried by payload.
func (KVCodec) Decode(payload []byte, version string) (KVOp, error) {
	if err := checkVersion(version); err != nil {
		return KVOp{}, err
	}
	var op KVOp
	if err := json.Unmarshal(payload, &op); err != nil {
		return KVOp{}, fmt.Errorf("codec: kv: %w: %v", herrors.ErrCorruptPayload, err)
	}
	if op.Op != "set" && op.Op != "delete" {
		return KVOp{}, fmt.Errorf("codec: kv: unknown op %q: %w", op.Op, herrors.ErrCorruptPayload)
	}
	return op, nil
}
