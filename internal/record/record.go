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

// Package record defines the Record type, the unit of the log
// (spec.md §3), and the pure chain-shape checks shared by the record
// store and the relay server.
package record

import (
	"github.com/histlog/histlog/internal/cryptoenvelope"
	"github.com/histlog/histlog/internal/ids"
)

// Stream is a short printable tag identifying the logical log a record
// belongs to, e.g. "history", "alias", "dotfiles-var", "kv", "tombstone".
type Stream string

const (
	StreamHistory     Stream = "history"
	StreamAlias       Stream = "alias"
	StreamDotfilesVar Stream = "dotfiles-var"
	StreamKV          Stream = "kv"
	StreamTombstone   Stream = "tombstone"
)

// Key identifies one chain: a (host, stream) pair.
type Key struct {
	Host   ids.ID
	Stream Stream
}

// Record is the atomic log entry (spec.md §3).
type Record struct {
	ID        ids.ID
	Host      ids.ID
	Stream    Stream
	Parent    ids.ID // ids.Nil for the first record of a chain
	Index     uint64
	Timestamp int64 // nanoseconds since Unix epoch
	Version   string
	Payload   []byte // opaque, sealed by cryptoenvelope
}

// Key returns the (host, stream) chain this record belongs to.
func (r Record) Key() Key {
	return Key{Host: r.Host, Stream: r.Stream}
}

// IsHead reports whether r is the first record of its chain.
func (r Record) IsHead() bool {
	return r.Index == 0
}

// AD builds the associated data binding this record's sealed payload to
// its exact chain position (spec.md §4.2).
func (r Record) AD() []byte {
	return cryptoenvelope.BuildAD(r.ID.String(), r.Host.String(), string(r.Stream), r.Index, r.Version)
}

// FollowsFrom reports whether r is a legal direct successor of parent in
// the same chain: same (host, stream), index one higher, parent field
// matching parent's id (spec.md §3 invariant 1).
func (r Record) FollowsFrom(parent Record) bool {
	return r.Host == parent.Host &&
		r.Stream == parent.Stream &&
		r.Index == parent.Index+1 &&
		r.Parent == parent.ID
}

// IsValidHead reports whether r is a legal first record of a chain:
// index 0 and no parent.
func (r Record) IsValidHead() bool {
	return r.Index == 0 && r.Parent.IsNil()
}

// Equal reports whether two records are byte-equal in every field that
// matters for the idempotence check of spec.md §3 invariant 2: same id
// implies same (host, stream, index, parent, payload). Timestamp and
// version are part of the authored content and are compared too, since
// an attacker replaying a record with a different timestamp under the
// same id is exactly the conflict case invariant 2 describes.
func (a Record) Equal(b Record) bool {
	return a.ID == b.ID &&
		a.Host == b.Host &&
		a.Stream == b.Stream &&
		a.Parent == b.Parent &&
		a.Index == b.Index &&
		a.Timestamp == b.Timestamp &&
		a.Version == b.Version &&
		bytesEqual(a.Payload, b.Payload)
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
