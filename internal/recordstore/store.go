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

// Package recordstore implements the durable, ordered, queryable record
// log described in spec.md §4.1, backed by modernc.org/sqlite. The
// schema matches spec.md §6 exactly: table "records"
// (id, parent, host, stream, idx, timestamp, version, payload), a
// unique index on (host, stream, idx), and an index on parent.
package recordstore

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	"github.com/histlog/histlog/internal/cryptoenvelope"
	"github.com/histlog/histlog/internal/herrors"
	"github.com/histlog/histlog/internal/ids"
	"github.com/histlog/histlog/internal/record"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS records (
	id        TEXT PRIMARY KEY,
	parent    TEXT,
	host      TEXT NOT NULL,
	stream    TEXT NOT NULL,
	idx       INTEGER NOT NULL,
	timestamp INTEGER NOT NULL,
	version   TEXT NOT NULL,
	payload   BLOB NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS records_host_stream_idx ON records(host, stream, idx);
CREATE INDEX IF NOT EXISTS records_parent ON records(parent);
`

// Store is a single-writer-per-process SQLite-backed record log. The
// (host, stream) pair is the implicit lock granularity (spec.md §4.1);
// a process-wide mutex guards writers since they are expected to be
// single-threaded per machine (spec.md §5).
type Store struct {
	db      *sql.DB
	writeMu sync.Mutex
}

// OpenDB opens (creating if necessary) the SQLite database at path. The
// history.db file holds both the "records" table (this package) and the
// "history" materialized view table (internal/historyview), so callers
// that need both open one *sql.DB here and construct both on top of it.
func OpenDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("recordstore: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite: one connection keeps writer semantics simple
	return db, nil
}

// New wraps an already-open *sql.DB and ensures the records schema
// exists on it.
func New(ctx context.Context, db *sql.DB) (*Store, error) {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return nil, fmt.Errorf("recordstore: %w: migrate schema: %v", herrors.ErrDB, err)
	}
	return &Store{db: db}, nil
}

// Open is a convenience wrapper combining OpenDB and New for callers
// that only need the record store (most tests).
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := OpenDB(path)
	if err != nil {
		return nil, err
	}
	s, err := New(ctx, db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Append inserts rec, enforcing the chain invariants of spec.md §3.
// Appending a byte-identical record that already exists is a no-op
// success (idempotence); appending a record whose id already exists
// with different content is ErrDuplicateID.
func (s *Store) Append(ctx context.Context, rec record.Record) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("recordstore: %w: begin tx: %v", herrors.ErrDB, err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op once committed

	if existing, err := scanByID(ctx, tx, rec.ID); err != nil {
		return err
	} else if existing != nil {
		if existing.Equal(rec) {
			return nil // idempotent re-append
		}
		return fmt.Errorf("recordstore: id %s: %w", rec.ID, herrors.ErrDuplicateID)
	}

	tail, err := tailTx(ctx, tx, rec.Host, rec.Stream)
	if err != nil {
		return err
	}
	switch {
	case tail == nil:
		if !rec.IsValidHead() {
			return fmt.Errorf("recordstore: empty chain needs index 0/nil parent: %w", herrors.ErrChainBroken)
		}
	default:
		if !rec.FollowsFrom(*tail) {
			return fmt.Errorf("recordstore: %s/%s index %d does not follow tail index %d: %w",
				rec.Host, rec.Stream, rec.Index, tail.Index, herrors.ErrChainBroken)
		}
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO records (id, parent, host, stream, idx, timestamp, version, payload)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID.String(), nullableID(rec.Parent), rec.Host.String(), string(rec.Stream),
		rec.Index, rec.Timestamp, rec.Version, rec.Payload,
	); err != nil {
		return fmt.Errorf("recordstore: %w: insert: %v", herrors.ErrDB, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("recordstore: %w: commit: %v", herrors.ErrDB, err)
	}
	return nil
}

// Tail returns the highest-index record of (host, stream), or nil if
// the chain is empty.
func (s *Store) Tail(ctx context.Context, host ids.ID, stream record.Stream) (*record.Record, error) {
	return tailTx(ctx, s.db, host, stream)
}

// Head returns the index-0 record of (host, stream), or nil if absent.
func (s *Store) Head(ctx context.Context, host ids.ID, stream record.Stream) (*record.Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, parent, host, stream, idx, timestamp, version, payload
		 FROM records WHERE host = ? AND stream = ? AND idx = 0`,
		host.String(), string(stream))
	return scanOptional(row)
}

// Get returns the record with the given id, or nil if it does not
// exist. Used by tombstone materialization to find which stream a
// target record belongs to before removing it.
func (s *Store) Get(ctx context.Context, id ids.ID) (*record.Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, parent, host, stream, idx, timestamp, version, payload FROM records WHERE id = ?`,
		id.String())
	return scanOptional(row)
}

// Next returns the record whose parent equals afterID, in the same
// chain, or nil if afterID has no successor yet.
func (s *Store) Next(ctx context.Context, afterID ids.ID) (*record.Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, parent, host, stream, idx, timestamp, version, payload
		 FROM records WHERE parent = ?`,
		afterID.String())
	return scanOptional(row)
}

// Range returns up to limit records of (host, stream) in ascending
// index order starting at fromIndex, via the (host, stream, idx) index.
func (s *Store) Range(ctx context.Context, host ids.ID, stream record.Stream, fromIndex uint64, limit int) ([]record.Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, parent, host, stream, idx, timestamp, version, payload
		 FROM records WHERE host = ? AND stream = ? AND idx >= ?
		 ORDER BY idx ASC LIMIT ?`,
		host.String(), string(stream), fromIndex, limit)
	if err != nil {
		return nil, fmt.Errorf("recordstore: %w: range query: %v", herrors.ErrDB, err)
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

// Status returns, for every (host, stream) present, the tail index.
func (s *Store) Status(ctx context.Context) (map[record.Key]uint64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT host, stream, MAX(idx) FROM records GROUP BY host, stream`)
	if err != nil {
		return nil, fmt.Errorf("recordstore: %w: status query: %v", herrors.ErrDB, err)
	}
	defer rows.Close()

	out := make(map[record.Key]uint64)
	for rows.Next() {
		var hostStr, streamStr string
		var maxIdx uint64
		if err := rows.Scan(&hostStr, &streamStr, &maxIdx); err != nil {
			return nil, fmt.Errorf("recordstore: %w: scan status row: %v", herrors.ErrDB, err)
		}
		host, err := ids.Parse(hostStr)
		if err != nil {
			return nil, fmt.Errorf("recordstore: %w: bad host in status row: %v", herrors.ErrCorruptPayload, err)
		}
		out[record.Key{Host: host, Stream: record.Stream(streamStr)}] = maxIdx
	}
	return out, rows.Err()
}

// AllStreams returns every (host, stream) pair present in the store.
func (s *Store) AllStreams(ctx context.Context) ([]record.Key, error) {
	status, err := s.Status(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]record.Key, 0, len(status))
	for k := range status {
		out = append(out, k)
	}
	return out, nil
}

// Delete hard-deletes one record by id. Used only to apply tombstones
// after materialization (spec.md §4.1); it does not renumber
// successors.
func (s *Store) Delete(ctx context.Context, id ids.ID) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	res, err := s.db.ExecContext(ctx, `DELETE FROM records WHERE id = ?`, id.String())
	if err != nil {
		return fmt.Errorf("recordstore: %w: delete: %v", herrors.ErrDB, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("recordstore: %w: rows affected: %v", herrors.ErrDB, err)
	}
	if n == 0 {
		return fmt.Errorf("recordstore: delete %s: %w", id, herrors.ErrNotFound)
	}
	return nil
}

// Reencrypt decrypts every payload with oldKey and re-encrypts with
// newKey, writing back in a single transaction. It fails atomically: on
// any error the whole transaction rolls back and the store is
// unchanged. Local-only; the wire format for in-flight key rotation is
// out of scope (spec.md §9).
func (s *Store) Reencrypt(ctx context.Context, oldKey, newKey cryptoenvelope.Key) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("recordstore: %w: begin tx: %v", herrors.ErrDB, err)
	}
	defer tx.Rollback() //nolint:errcheck

	rows, err := tx.QueryContext(ctx,
		`SELECT id, parent, host, stream, idx, timestamp, version, payload FROM records`)
	if err != nil {
		return fmt.Errorf("recordstore: %w: reencrypt scan: %v", herrors.ErrDB, err)
	}
	var all []record.Record
	for rows.Next() {
		rec, err := scanRow(rows)
		if err != nil {
			rows.Close()
			return err
		}
		all = append(all, rec)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return fmt.Errorf("recordstore: %w: reencrypt iterate: %v", herrors.ErrDB, err)
	}
	rows.Close()

	for _, rec := range all {
		cleartext, err := cryptoenvelope.Open(rec.Payload, rec.AD(), oldKey)
		if err != nil {
			return fmt.Errorf("recordstore: reencrypt %s: %w", rec.ID, err)
		}
		sealed, err := cryptoenvelope.Seal(cleartext, rec.AD(), newKey)
		if err != nil {
			return fmt.Errorf("recordstore: reencrypt %s: %w", rec.ID, err)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE records SET payload = ? WHERE id = ?`, sealed, rec.ID.String()); err != nil {
			return fmt.Errorf("recordstore: %w: reencrypt write: %v", herrors.ErrDB, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("recordstore: %w: reencrypt commit: %v", herrors.ErrDB, err)
	}
	return nil
}

// --- helpers ---

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func tailTx(ctx context.Context, q querier, host ids.ID, stream record.Stream) (*record.Record, error) {
	row := q.QueryRowContext(ctx,
		`SELECT id, parent, host, stream, idx, timestamp, version, payload
		 FROM records WHERE host = ? AND stream = ? ORDER BY idx DESC LIMIT 1`,
		host.String(), string(stream))
	return scanOptional(row)
}

func scanByID(ctx context.Context, tx *sql.Tx, id ids.ID) (*record.Record, error) {
	row := tx.QueryRowContext(ctx,
		`SELECT id, parent, host, stream, idx, timestamp, version, payload FROM records WHERE id = ?`,
		id.String())
	return scanOptional(row)
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
		return nil, fmt.Errorf("recordstore: %w: scan row: %v", herrors.ErrDB, err)
	}

	rec, err := buildRecord(idStr, parentStr, hostStr, streamStr, idx, ts, version, payload)
	if err != nil {
		return nil, err
	}
	return &rec, nil
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
		return record.Record{}, fmt.Errorf("recordstore: %w: scan row: %v", herrors.ErrDB, err)
	}
	return buildRecord(idStr, parentStr, hostStr, streamStr, idx, ts, version, payload)
}

func buildRecord(idStr string, parentStr sql.NullString, hostStr, streamStr string, idx uint64, ts int64, version string, payload []byte) (record.Record, error) {
	id, err := ids.Parse(idStr)
	if err != nil {
		return record.Record{}, fmt.Errorf("recordstore: %w: bad id %q: %v", herrors.ErrCorruptPayload, idStr, err)
	}
	host, err := ids.Parse(hostStr)
	if err != nil {
		return record.Record{}, fmt.Errorf("recordstore: %w: bad host %q: %v", herrors.ErrCorruptPayload, hostStr, err)
	}
	parent := ids.Nil
	if parentStr.Valid && parentStr.String != "" {
		parent, err = ids.Parse(parentStr.String)
		if err != nil {
			return record.Record{}, fmt.Errorf("recordstore: %w: bad parent %q: %v", herrors.ErrCorruptPayload, parentStr.String, err)
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
