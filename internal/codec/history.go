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
	"github.com/histlog/histlog/internal/ids"
)

// HistoryKind distinguishes the two record kinds sharing stream
// "history" (spec.md §4.5).
type HistoryKind string

const (
	HistoryCreateKind HistoryKind = "create"
	HistoryFinishKind HistoryKind = "finish"
)

// HistoryCreate records a command as it starts running.
type HistoryCreate struct {
	Command        string `json:"command"`
	Cwd            string `json:"cwd"`
	StartTimestamp int64  `json:"start_timestamp"`
	SessionID      ids.ID `json:"session_id"`
}

// HistoryFinish references a prior HistoryCreate record by id and
// carries its outcome.
type HistoryFinish struct {
	CreateID      ids.ID `json:"create_id"`
	ExitCode      int    `json:"exit_code"`
	DurationNanos int64  `json:"duration_nanos"`
}

type historyEnvelope struct {
	Kind   HistoryKind    `json:"kind"`
	Create *HistoryCreate `json:"create,omitempty"`
	Finish *HistoryFinish `json:"finish,omitempty"`
}

// HistoryCodec owns the "history" stream.
type HistoryCodec struct{}

// EncodeCreate serializes a HistoryCreate into a record payload.
func (HistoryCodec) EncodeCreate(c HistoryCreate) ([]byte, string, error) {
	return encodeJSON(historyEnvelope{Kind: HistoryCreateKind, Create: &c})
}

// EncodeFinish serializes a HistoryFinish into a record payload.
func (HistoryCodec) EncodeFinish(f HistoryFinish) ([]byte, string, error) {
	return encodeJSON(historyEnvelope{Kind: HistoryFinishKind, Finish: &f})
}

// Decode returns either a HistoryCreate or a HistoryFinish value.
func (HistoryCodec) Decode(payload []byte, version string) (any, error) {
	if err := checkVersion(version); err != nil {
		return nil, err
	}
	var env historyEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("codec: history: %w: %v", herrors.ErrCorruptPayload, err)
	}
	switch env.Kind {
	case HistoryCreateKind:
		if env.Create == nil {
			return nil, fmt.Errorf("codec: history: create kind missing body: %w", herrors.ErrCorruptPayload)
		}
		return *env.Create, nil
	case HistoryFinishKind:
		if env.Finish == nil {
			return nil, fmt.Errorf("codec: history: finish kind missing body: %w", herrors.ErrCorruptPayload)
		}
		return *env.Finish, nil
	default:
		return nil, fmt.Errorf("codec: history: unknown kind %q: %w", env.Kind, herrors.ErrCorruptPayload)
	}
}
