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

// Tombstone names a prior record to delete. Uniform across streams,
// carried in the dedicated "tombstone" stream (spec.md §4.5). Once a
// tombstone is integrated the target record is hard-deleted; a
// tombstone record is never itself tombstonable (spec.md §9, Open Question).
type Tombstone struct {
	TargetRecordID ids.ID `json:"target_record_id"`
}

// TombstoneCodec owns the "tombstone" stream.
type TombstoneCodec struct{}

// Encode serializes a tombstone for target.
func (TombstoneCodec) Encode(target ids.ID) ([]byte, string, error) {
	return encodeJSON(Tombstone{TargetRecordID: target})
}

// Decode returns the Tombstone carried by payload.
func (TombstoneCodec) Decode(payload []byte, version string) (Tombstone, error) {
	if err := checkVersion(version); err != nil {
		return Tombstone{}, err
	}
	var t Tombstone
	if err := json.Unmarshal(payload, &t); err != nil {
		return Tombstone{}, fmt.Errorf("codec: tombstone: %w: %v", herrors.ErrCorruptPayload, err)
	}
	if t.TargetRecordID.IsNil() {
		return Tombstone{}, fmt.Errorf("codec: tombstone: empty target: %w", herrors.ErrCorruptPayload)
	}
	return t, nil
}
