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

package relay

import (
	"context"
	"database/sql"
	"fmt"
	"sort"

	"github.com/histlog/histlog/internal/herrors"
	"github.com/histlog/histlog/internal/ids"
	"github.com/histlog/histlog/internal/record"
)

const schema = `
CREATE TABLE IF NOT EXISTS records (
	user      TEXT NOT NULL,
	id        TEXT NOT NULL,
	parent    TEXT,
	host      TEXT NOT NULL,
	stream    TEXT NOT NULL,
	idx       INTEGER NOT NULL,
	timestamp INTEGER NOT NULL,
	version   TEXT NOT NULL,
	payload   BLOB NOT NULL,
	PRIMARY KEY (user, id)
);
CREATE UNIQUE INDEX IF NOT EXISTS records_user_chain_idx ON records(user, host, stream, idx);
`

// maxPayloadBytes bounds a single record's payload (spec.md §4.4:
// "payload non-empty below a size bound").
const maxPayloadBytes = 1 << 20 // 1 MiB

// Store is the relay's per-user opaque record bag. Unlike
// internal/recordstore, it stores records as they arrive
// (allow_out_of_order = true per spec.md §4.4/§9) and computes the
// contiguous status on read rather than enforcing chain order at
// write time.
type Store struct {
	db *sql.DB
}

// NewStore wraps an already-open *sql.DB and ensures the schema exists.
func NewStore(ctx context.Context, db *sql.DB) (*Store, error) {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return nil, fmt.Errorf("relay: %w: migrate schema: %v", herrors.ErrDB, err)
	}
	return &Store{db: db}, nil
}

// Append inserts rec under user, validating only structural
// constraints (spec.md §4.4): non-empty id, payload within the size
// bound. A byte-identical re-append is idempotent; an id collision with
// different content is a conflict.
func (s *Store) Append(ctx context.Context, user string, rec record.Record) error {
	if rec.ID.IsNil() {
		return fmt.Errorf("relay: %w: empty record id", herrors.ErrInvalidInput)
	}
	if len(rec.Payload) == 0 || len(rec.Payload) > maxPayloadBytes {
		return fmt.Errorf("relay: %w: payload size %d out of bounds", herrors.ErrSizeLimit, len(rec.Payload))
	}

	existing, err := s.getByID(ctx, user, rec.ID)
	if err != nil {
		return err
	}
	if existing != nil {
		if existing.Equal(rec) {
			return nil
		}
		return fmt.Errorf("relay: id %s: %w", rec.ID, herrors.ErrDuplicateID)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO records (user, id, parent, host, stream, idx, timestamp, version, payload)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		user, rec.ID.String(), nullableID(rec.Parent), rec.Host.String(), string(rec.Stream),
		rec.Index, rec.Timestamp, rec.Version, rec.Payload,
	)
	if err != nil {
		return fmt.Errorf("relay: %w: insert: %v", herrors.ErrDB, err)
	}
	return nil
}

func (s *Store) getByID(ctx context.Context, user string, id ids.ID) (*record.Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, parent, host, stream, idx, timestamp, version, payload
		 FROM records WHERE user = ? AND id = ?`, user, id.String())
	return scanOptional(row)
}

// Range returns up to count records of (host, stream) for user, in
// ascending index order starting at start — a plain read, independent
// of contiguity (spec.md §4.4: "GET records ... returns up to N records
// in index order starting at I").
func (s *Store) Range(ctx context.Context, user string, host ids.ID, stream record.Stream, start uint64, count int) ([]record.Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, parent, host, stream, idx, timestamp, version, payload
		 FROM records WHERE user = ? AND host = ? AND stream = ? AND idx >= ?
		 ORDER BY idx ASC LIMIT ?`,
		user, host.String(), string(stream), start, count)
	if err != nil {
		return nil, fmt.Errorf("relay: %w: range query: %v", herrors.ErrDB, err)
	}
	defer rows.Close()

	var out []record.Record
	for rows.Next() {
		rec, err := scanRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Status computes, for every (host, stream) of user, the largest
// contiguous index reachable from 0 (spec.md §9: "the reference
// behavior for this core is allow_out_of_order = true with deferred
// chain validation").
func (s *Store) Status(ctx context.Context, user string) (map[record.Key]uint64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT host, stream, idx FROM records WHERE user = ? ORDER BY host, stream, idx ASC`, user)
	if err != nil {
		return nil, fmt.Errorf("relay: %w: status query: %v", herrors.ErrDB, err)
	}
	defer rows.Close()

	type seen struct {
		host   ids.ID
		stream record.Stream
	}
	indexesByChain := make(map[seen][]uint64)
	order := make([]seen, 0)

	for rows.Next() {
		var hostStr, streamStr string
		var idx uint64
		if err := rows.Scan(&hostStr, &streamStr, &idx); err != nil {
			return nil, fmt.Errorf("relay: %w: scan status row: %v", herrors.ErrDB, err)
		}
		host, err := ids.Parse(hostStr)
		if err != nil {
			return nil, fmt.Errorf("relay: %w: bad host in status row: %v", herrors.ErrCorruptPayload, err)
		}
		key := seen{host: host, stream: record.Stream(streamStr)}
		if _, ok := indexesByChain[key]; !ok {
			order = append(order, key)
		}
		indexesByChain[key] = append(indexesByChain[key], idx)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("relay: %w: status rows: %v", herrors.ErrDB, err)
	}

	out := make(map[record.Key]uint64)
	for _, key := range order {
		indexes := indexesByChain[key]
		sort.Slice(indexes, func(i, j int) bool { return indexes[i] < indexes[j] })
		contiguous, ok := maxContiguous(indexes)
		if ok {
			out[record.Key{Host: key.host, Stream: key.stream}] = contiguous
		}
	}
	return out, nil
}

// maxContiguous returns the largest n such that 0..n are all present in
// the sorted, deduplicated-by-construction slice indexes. ok is false
// if index 0 itself is missing (no contiguous prefix at all).
func maxContiguous(indexes []uint64) (uint64, bool) {
	if len(indexes) == 0 || indexes[0] != 0 {
		return 0, false
	}
	max := indexes[0]
	for _, idx := range indexes[1:] {
		if idx == max+1 {
			max = idx
		} else if idx == max {
			continue // duplicate row, tolerate
		} else {
			break
		}
	}
	return max, true
}

// CountAndSize returns the total record count and total payload bytes
// stored for user, used for quota enforcement.
func (s *Store) CountAndSize(ctx context.Context, user string) (count int64, bytes int64, err error) {
	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(LENGTH(payload)), 0) FROM records WHERE user = ?`, user).
		Scan(&count, &bytes)
	if err != nil {
		return 0, 0, fmt.Errorf("relay: %w: count and size: %v", herrors.ErrDB, err)
	}
	return count, bytes, nil
}

// Delete hard-deletes one record owned by user, the administrative
// escape hatch of spec.md §4.4 ("normal deletions go through tombstone
// records").
func (s *Store) Delete(ctx context.Context, user string, id ids.ID) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM records WHERE user = ? AND id = ?`, user, id.String())
	if err != nil {
		return fmt.Errorf("relay: %w: delete: %v", herrors.ErrDB, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("relay: %w: rows affected: %v", herrors.ErrDB, err)
	}
	if n == 0 {
		return fmt.Errorf("relay: record %s: %w", id, herrors.ErrNotFound)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRow(rows rowScanner) (record.Record, error) {
	var idStr, hostStr, streamStr, version string
	var parentStr sql.NullString
	var idx uint64
	var ts int64
	var payload []byte

	if err := rows.Scan(&idStr, &parentStr, &hostStr, &streamStr, &idx, &ts, &version, &payload); err != nil {
		return record.Record{}, fmt.Errorf("relay: %w: scan record row: %v", herrors.ErrDB, err)
	}
	return buildRecord(idStr, parentStr, hostStr, streamStr, idx, ts, version, payload)
}

func scanOptional(row *sql.Row) (*record.Record, error) {
	var idStr, hostStr, streamStr, version string
	var parentStr sql.NullString
	var idx uint64
	var ts int64
	var payload []byte

	err := row.Scan(&idStr, &parentStr, &hostStr, &streamStr, &idx, &ts, &version, &payload)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("relay: %w: scan record row: %v", herrors.ErrDB, err)
	}

	rec, err := buildRecord(idStr, parentStr, hostStr, streamStr, idx, ts, version, payload)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func buildRecord(idStr string, parentStr sql.NullString, hostStr, streamStr string, idx uint64, ts int64, version string, payload []byte) (record.Record, error) {
	id, err := ids.Parse(idStr)
	if err != nil {
		return record.Record{}, fmt.Errorf("relay: %w: bad id %q: %v", herrors.ErrCorruptPayload, idStr, err)
	}
	host, err := ids.Parse(hostStr)
	if err != nil {
		return record.Record{}, fmt.Errorf("relay: %w: bad host %q: %v", herrors.ErrCorruptPayload, hostStr, err)
	}
	parent := ids.Nil
	if parentStr.Valid && parentStr.String != "" {
		parent, err = ids.Parse(parentStr.String)
		if err != nil {
			return record.Record{}, fmt.Errorf("relay: %w: bad parent %q: %v", herrors.ErrCorruptPayload, parentStr.String, err)
		}
	}
	return record.Record{
		ID:        id,
		Host:      host,
		Stream:    record.Stream(streamStr),
		Parent:    parent,
		Index:     idx,
		Timestamp: ts,
		Version:   version,
		Payload:   payload,
	}, nil
}

func nullableID(id ids.ID) any {
	if id.IsNil() {
		return nil
	}
	return id.String()
}
