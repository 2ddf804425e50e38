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

// Package historyview implements the materialized, searchable
// projection of live history records (spec.md §4.6). It owns the
// "history" table in the same history.db SQLite file as the record
// log, and is kept incrementally consistent with it by the materializer
// (internal/materialize) — never a background task (spec.md §5).
package historyview

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/histlog/histlog/internal/herrors"
	"github.com/histlog/histlog/internal/ids"
)

const schema = `
CREATE TABLE IF NOT EXISTS history (
	id          TEXT PRIMARY KEY,
	command     TEXT NOT NULL,
	cwd         TEXT NOT NULL,
	session_id  TEXT NOT NULL,
	host        TEXT NOT NULL,
	exit_code   INTEGER,
	start_time  INTEGER NOT NULL,
	duration_ns INTEGER,
	finished    INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS history_start_time ON history(start_time);
CREATE INDEX IF NOT EXISTS history_session ON history(session_id);
CREATE INDEX IF NOT EXISTS history_host ON history(host);

CREATE TABLE IF NOT EXISTS rebuild_bookmark (
	id       INTEGER PRIMARY KEY CHECK (id = 0),
	host     TEXT,
	stream   TEXT,
	next_idx INTEGER
);
`

// Row is one entry of the materialized view (spec.md §3 "History
// entry"). Finished is false until a matching "finish" record arrives;
// unmatched rows are visible (a create with no finish yet is a running
// command), but a finish with no matching create is never inserted
// (spec.md §4.5: "unmatched finish records are stored but hidden from
// the view").
type Row struct {
	ID         ids.ID
	Command    string
	Cwd        string
	SessionID  ids.ID
	Host       ids.ID
	ExitCode   sql.NullInt64
	StartTime  int64
	DurationNs sql.NullInt64
	Finished   bool
}

// Bookmark records Rebuild's progress so a partial rebuild can resume
// (spec.md §4.6).
type Bookmark struct {
	Host    ids.ID
	Stream  string
	NextIdx uint64
}

// View is the SQLite-backed history materialized view.
type View struct {
	db *sql.DB
}

// New wraps an already-open *sql.DB (typically shared with
// internal/recordstore against the same history.db file) and ensures
// the view's schema exists.
func New(ctx context.Context, db *sql.DB) (*View, error) {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return nil, fmt.Errorf("historyview: %w: migrate schema: %v", herrors.ErrDB, err)
	}
	return &View{db: db}, nil
}

// Upsert inserts or updates row by id.
func (v *View) Upsert(ctx context.Context, row Row) error {
	_, err := v.db.ExecContext(ctx, `
		INSERT INTO history (id, command, cwd, session_id, host, exit_code, start_time, duration_ns, finished)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			command = excluded.command,
			cwd = excluded.cwd,
			session_id = excluded.session_id,
			host = excluded.host,
			exit_code = COALESCE(excluded.exit_code, history.exit_code),
			start_time = excluded.start_time,
			duration_ns = COALESCE(excluded.duration_ns, history.duration_ns),
			finished = history.finished OR excluded.finished
	`, row.ID.String(), row.Command, row.Cwd, row.SessionID.String(), row.Host.String(),
		row.ExitCode, row.StartTime, row.DurationNs, row.Finished)
	if err != nil {
		return fmt.Errorf("historyview: %w: upsert: %v", herrors.ErrDB, err)
	}
	return nil
}

// Finish records a history/finish record's outcome against an
// already-materialized create row, touching only exit_code,
// duration_ns, and finished — it must never overwrite command, cwd,
// session_id, or start_time, since a finish record carries none of
// those (spec.md §3: a row is "updated in place", not replaced, when
// its finish arrives). A finish for an id with no matching row yet
// (the create hasn't materialized) is a silent no-op: spec.md §4.5
// hides unmatched finishes from the view.
func (v *View) Finish(ctx context.Context, id ids.ID, exitCode sql.NullInt64, durationNs sql.NullInt64) error {
	_, err := v.db.ExecContext(ctx, `
		UPDATE history SET
			exit_code = ?,
			duration_ns = ?,
			finished = 1
		WHERE id = ?
	`, exitCode, durationNs, id.String())
	if err != nil {
		return fmt.Errorf("historyview: %w: finish: %v", herrors.ErrDB, err)
	}
	return nil
}

// Delete removes a row by id, used when a tombstone for it is
// integrated (spec.md §3).
func (v *View) Delete(ctx context.Context, id ids.ID) error {
	if _, err := v.db.ExecContext(ctx, `DELETE FROM history WHERE id = ?`, id.String()); err != nil {
		return fmt.Errorf("historyview: %w: delete: %v", herrors.ErrDB, err)
	}
	return nil
}

// Filter narrows a List/Stats call.
type Filter struct {
	Host        *ids.ID
	SessionID   *ids.ID
	Cwd         string // exact match
	Search      string // substring match against command
	StartAfter  int64
	StartBefore int64
}

// Order selects List's sort order.
type Order int

const (
	OrderTimestampAsc Order = iota
	OrderTimestampDesc
)

// List returns rows matching filter, ordered by order, paginated by
// limit/offset.
func (v *View) List(ctx context.Context, filter Filter, order Order, limit, offset int) ([]Row, error) {
	where, args := filter.whereClause()
	dir := "ASC"
	if order == OrderTimestampDesc {
		dir = "DESC"
	}
	query := fmt.Sprintf(`
		SELECT id, command, cwd, session_id, host, exit_code, start_time, duration_ns, finished
		FROM history %s ORDER BY start_time %s LIMIT ? OFFSET ?`, where, dir)
	args = append(args, limit, offset)

	rows, err := v.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("historyview: %w: list query: %v", herrors.ErrDB, err)
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		row, err := scanRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// Stats aggregates counts and most-common commands over filter.
type Stats struct {
	Count      int64
	MostCommon []CommandCount
}

// CommandCount is one entry of Stats.MostCommon.
type CommandCount struct {
	Command string
	Count   int64
}

// Stats computes aggregations over filter (spec.md §4.6).
func (v *View) Stats(ctx context.Context, filter Filter) (Stats, error) {
	where, args := filter.whereClause()

	var count int64
	countQuery := fmt.Sprintf(`SELECT COUNT(*) FROM history %s`, where)
	if err := v.db.QueryRowContext(ctx, countQuery, args...).Scan(&count); err != nil {
		return Stats{}, fmt.Errorf("historyview: %w: stats count: %v", herrors.ErrDB, err)
	}

	topQuery := fmt.Sprintf(`
		SELECT command, COUNT(*) AS n FROM history %s
		GROUP BY command ORDER BY n DESC LIMIT 10`, where)
	rows, err := v.db.QueryContext(ctx, topQuery, args...)
	if err != nil {
		return Stats{}, fmt.Errorf("historyview: %w: stats top: %v", herrors.ErrDB, err)
	}
	defer rows.Close()

	var top []CommandCount
	for rows.Next() {
		var cc CommandCount
		if err := rows.Scan(&cc.Command, &cc.Count); err != nil {
			return Stats{}, fmt.Errorf("historyview: %w: scan stats row: %v", herrors.ErrDB, err)
		}
		top = append(top, cc)
	}
	return Stats{Count: count, MostCommon: top}, rows.Err()
}

func (f Filter) whereClause() (string, []any) {
	var clauses []string
	var args []any

	if f.Host != nil {
		clauses = append(clauses, "host = ?")
		args = append(args, f.Host.String())
	}
	if f.SessionID != nil {
		clauses = append(clauses, "session_id = ?")
		args = append(args, f.SessionID.String())
	}
	if f.Cwd != "" {
		clauses = append(clauses, "cwd = ?")
		args = append(args, f.Cwd)
	}
	if f.Search != "" {
		clauses = append(clauses, `command LIKE ? ESCAPE '\'`)
		args = append(args, "%"+escapeLike(f.Search)+"%")
	}
	if f.StartAfter != 0 {
		clauses = append(clauses, "start_time >= ?")
		args = append(args, f.StartAfter)
	}
	if f.StartBefore != 0 {
		clauses = append(clauses, "start_time <= ?")
		args = append(args, f.StartBefore)
	}

	if len(clauses) == 0 {
		return "", args
	}
	return "WHERE " + strings.Join(clauses, " AND "), args
}

func escapeLike(s string) string {
	r := strings.NewReplacer("\\", "\\\\", "%", "\\%", "_", "\\_")
	return r.Replace(s)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRow(rows rowScanner) (Row, error) {
	var row Row
	var idStr, sessionStr, hostStr string
	var finished int
	if err := rows.Scan(&idStr, &row.Command, &row.Cwd, &sessionStr, &hostStr,
		&row.ExitCode, &row.StartTime, &row.DurationNs, &finished); err != nil {
		return Row{}, fmt.Errorf("historyview: %w: scan row: %v", herrors.ErrDB, err)
	}
	row.Finished = finished != 0

	var err error
	row.ID, err = ids.Parse(idStr)
	if err != nil {
		return Row{}, fmt.Errorf("historyview: %w: bad id: %v", herrors.ErrCorruptPayload, err)
	}
	row.SessionID, err = ids.Parse(sessionStr)
	if err != nil {
		return Row{}, fmt.Errorf("historyview: %w: bad session id: %v", herrors.ErrCorruptPayload, err)
	}
	row.Host, err = ids.Parse(hostStr)
	if err != nil {
		return Row{}, fmt.Errorf("historyview: %w: bad host id: %v", herrors.ErrCorruptPayload, err)
	}
	return row, nil
}

// SaveBookmark persists Rebuild's progress.
func (v *View) SaveBookmark(ctx context.Context, b Bookmark) error {
	_, err := v.db.ExecContext(ctx, `
		INSERT INTO rebuild_bookmark (id, host, stream, next_idx) VALUES (0, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET host = excluded.host, stream = excluded.stream, next_idx = excluded.next_idx
	`, b.Host.String(), b.Stream, b.NextIdx)
	if err != nil {
		return fmt.Errorf("historyview: %w: save bookmark: %v", herrors.ErrDB, err)
	}
	return nil
}

// LoadBookmark returns the last-saved rebuild bookmark, or nil if none
// has been saved yet (a fresh rebuild starts from the beginning of
// every chain).
func (v *View) LoadBookmark(ctx context.Context) (*Bookmark, error) {
	var hostStr, stream string
	var nextIdx uint64
	err := v.db.QueryRowContext(ctx, `SELECT host, stream, next_idx FROM rebuild_bookmark WHERE id = 0`).
		Scan(&hostStr, &stream, &nextIdx)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("historyview: %w: load bookmark: %v", herrors.ErrDB, err)
	}
	host, err := ids.Parse(hostStr)
	if err != nil {
		return nil, fmt.Errorf("historyview: %w: bad bookmark host: %v", herrors.ErrCorruptPayload, err)
	}
	return &Bookmark{Host: host, Stream: stream, NextIdx: nextIdx}, nil
}

// ClearBookmark removes the rebuild bookmark, marking a rebuild as
// fully complete.
func (v *View) ClearBookmark(ctx context.Context) error {
	if _, err := v.db.ExecContext(ctx, `DELETE FROM rebuild_bookmark WHERE id = 0`); err != nil {
		return fmt.Errorf("historyview: %w: clear bookmark: %v", herrors.ErrDB, err)
	}
	return nil
}

// Truncate empties the view, used at the start of a fresh (non-resumed)
// Rebuild.
func (v *View) Truncate(ctx context.Context) error {
	if _, err := v.db.ExecContext(ctx, `DELETE FROM history`); err != nil {
		return fmt.Errorf("historyview: %w: truncate: %v", herrors.ErrDB, err)
	}
	return v.ClearBookmark(ctx)
}
