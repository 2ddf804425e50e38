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

package historyview_test

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/histlog/histlog/internal/historyview"
	"github.com/histlog/histlog/internal/ids"
	"github.com/histlog/histlog/internal/recordstore"
	"github.com/stretchr/testify/require"
)

func openTestView(t *testing.T) *historyview.View {
	t.Helper()
	path := filepath.Join(t.TempDir(), "history.db")
	db, err := recordstore.OpenDB(path)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	v, err := historyview.New(context.Background(), db)
	require.NoError(t, err)
	return v
}

func mkRow(host, session ids.ID, cwd, command string, startTime int64) historyview.Row {
	return historyview.Row{
		ID:        ids.New(),
		Command:   command,
		Cwd:       cwd,
		SessionID: session,
		Host:      host,
		StartTime: startTime,
		Finished:  true,
	}
}

func TestUpsertThenList(t *testing.T) {
	ctx := context.Background()
	v := openTestView(t)
	host, session := ids.New(), ids.New()

	row := mkRow(host, session, "/home/alice", "ls -la", 1000)
	require.NoError(t, v.Upsert(ctx, row))

	rows, err := v.List(ctx, historyview.Filter{}, historyview.OrderTimestampAsc, 10, 0)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, row.ID, rows[0].ID)
	require.Equal(t, "ls -la", rows[0].Command)
	require.True(t, rows[0].Finished)
}

// A running command's create record arrives with Finished=false; a
// later finish upsert for the same id must not clobber it back to
// unfinished (spec.md §4.5: finished is sticky once true).
func TestUpsertMergesFinishedFlag(t *testing.T) {
	ctx := context.Background()
	v := openTestView(t)
	host, session := ids.New(), ids.New()
	id := ids.New()

	create := historyview.Row{ID: id, Command: "sleep 5", Cwd: "/tmp", SessionID: session, Host: host, StartTime: 1000, Finished: false}
	require.NoError(t, v.Upsert(ctx, create))

	finish := historyview.Row{ID: id, Command: "sleep 5", Cwd: "/tmp", SessionID: session, Host: host, StartTime: 1000, Finished: true}
	require.NoError(t, v.Upsert(ctx, finish))

	rows, err := v.List(ctx, historyview.Filter{}, historyview.OrderTimestampAsc, 10, 0)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.True(t, rows[0].Finished)

	// A stale re-delivery of the unfinished create must not flip it back.
	require.NoError(t, v.Upsert(ctx, create))
	rows, err = v.List(ctx, historyview.Filter{}, historyview.OrderTimestampAsc, 10, 0)
	require.NoError(t, err)
	require.True(t, rows[0].Finished)
}

// Finish must touch only exit_code, duration_ns, and finished — never
// command, cwd, session_id, or start_time, which a finish record never
// carries (spec.md §3: updated in place, not replaced).
func TestFinishLeavesCreateColumnsUntouched(t *testing.T) {
	ctx := context.Background()
	v := openTestView(t)
	host, session := ids.New(), ids.New()
	id := ids.New()

	create := historyview.Row{ID: id, Command: "sleep 5", Cwd: "/tmp", SessionID: session, Host: host, StartTime: 1000, Finished: false}
	require.NoError(t, v.Upsert(ctx, create))

	require.NoError(t, v.Finish(ctx, id, sql.NullInt64{Int64: 7, Valid: true}, sql.NullInt64{Int64: 999, Valid: true}))

	rows, err := v.List(ctx, historyview.Filter{}, historyview.OrderTimestampAsc, 10, 0)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.True(t, rows[0].Finished)
	require.True(t, rows[0].ExitCode.Valid)
	require.EqualValues(t, 7, rows[0].ExitCode.Int64)
	require.True(t, rows[0].DurationNs.Valid)
	require.EqualValues(t, 999, rows[0].DurationNs.Int64)
	require.Equal(t, "sleep 5", rows[0].Command)
	require.Equal(t, "/tmp", rows[0].Cwd)
	require.Equal(t, session, rows[0].SessionID)
	require.Equal(t, host, rows[0].Host)
	require.EqualValues(t, 1000, rows[0].StartTime)
}

// Finish for an id with no matching row (create not yet materialized)
// must be a harmless no-op, not an error.
func TestFinishWithNoMatchingRowIsNoop(t *testing.T) {
	ctx := context.Background()
	v := openTestView(t)
	require.NoError(t, v.Finish(ctx, ids.New(), sql.NullInt64{Int64: 1, Valid: true}, sql.NullInt64{}))

	rows, err := v.List(ctx, historyview.Filter{}, historyview.OrderTimestampAsc, 10, 0)
	require.NoError(t, err)
	require.Empty(t, rows)
}

func TestListFiltersByHostSessionAndSearch(t *testing.T) {
	ctx := context.Background()
	v := openTestView(t)
	hostA, hostB := ids.New(), ids.New()
	session := ids.New()

	require.NoError(t, v.Upsert(ctx, mkRow(hostA, session, "/home", "git status", 100)))
	require.NoError(t, v.Upsert(ctx, mkRow(hostA, session, "/home", "git commit", 200)))
	require.NoError(t, v.Upsert(ctx, mkRow(hostB, session, "/home", "ls", 300)))

	rows, err := v.List(ctx, historyview.Filter{Host: &hostA}, historyview.OrderTimestampAsc, 10, 0)
	require.NoError(t, err)
	require.Len(t, rows, 2)

	rows, err = v.List(ctx, historyview.Filter{Search: "git"}, historyview.OrderTimestampAsc, 10, 0)
	require.NoError(t, err)
	require.Len(t, rows, 2)

	rows, err = v.List(ctx, historyview.Filter{Search: "git", Host: &hostB}, historyview.OrderTimestampAsc, 10, 0)
	require.NoError(t, err)
	require.Len(t, rows, 0)
}

// A LIKE search containing SQLite wildcard characters must be treated
// literally, not as a pattern.
func TestListSearchEscapesLikeWildcards(t *testing.T) {
	ctx := context.Background()
	v := openTestView(t)
	host, session := ids.New(), ids.New()

	require.NoError(t, v.Upsert(ctx, mkRow(host, session, "/home", "echo 100%done", 100)))
	require.NoError(t, v.Upsert(ctx, mkRow(host, session, "/home", "echo somedone", 200)))

	rows, err := v.List(ctx, historyview.Filter{Search: "100%done"}, historyview.OrderTimestampAsc, 10, 0)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, "echo 100%done", rows[0].Command)
}

func TestDeleteRemovesRow(t *testing.T) {
	ctx := context.Background()
	v := openTestView(t)
	row := mkRow(ids.New(), ids.New(), "/home", "rm -rf build", 100)
	require.NoError(t, v.Upsert(ctx, row))
	require.NoError(t, v.Delete(ctx, row.ID))

	rows, err := v.List(ctx, historyview.Filter{}, historyview.OrderTimestampAsc, 10, 0)
	require.NoError(t, err)
	require.Len(t, rows, 0)
}

func TestStatsCountsAndMostCommon(t *testing.T) {
	ctx := context.Background()
	v := openTestView(t)
	host, session := ids.New(), ids.New()

	require.NoError(t, v.Upsert(ctx, mkRow(host, session, "/home", "ls", 100)))
	require.NoError(t, v.Upsert(ctx, mkRow(host, session, "/home", "ls", 200)))
	require.NoError(t, v.Upsert(ctx, mkRow(host, session, "/home", "pwd", 300)))

	stats, err := v.Stats(ctx, historyview.Filter{})
	require.NoError(t, err)
	require.EqualValues(t, 3, stats.Count)
	require.Equal(t, "ls", stats.MostCommon[0].Command)
	require.EqualValues(t, 2, stats.MostCommon[0].Count)
}

func TestBookmarkRoundTrip(t *testing.T) {
	ctx := context.Background()
	v := openTestView(t)

	b, err := v.LoadBookmark(ctx)
	require.NoError(t, err)
	require.Nil(t, b)

	host := ids.New()
	want := historyview.Bookmark{Host: host, Stream: "history", NextIdx: 42}
	require.NoError(t, v.SaveBookmark(ctx, want))

	got, err := v.LoadBookmark(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, want, *got)

	require.NoError(t, v.ClearBookmark(ctx))
	got, err = v.LoadBookmark(ctx)
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestTruncateEmptiesViewAndBookmark(t *testing.T) {
	ctx := context.Background()
	v := openTestView(t)
	require.NoError(t, v.Upsert(ctx, mkRow(ids.New(), ids.New(), "/home", "ls", 100)))
	require.NoError(t, v.SaveBookmark(ctx, historyview.Bookmark{Host: ids.New(), Stream: "history", NextIdx: 1}))

	require.NoError(t, v.Truncate(ctx))

	rows, err := v.List(ctx, historyview.Filter{}, historyview.OrderTimestampAsc, 10, 0)
	require.NoError(t, err)
	require.Len(t, rows, 0)

	b, err := v.LoadBookmark(ctx)
	require.NoError(t, err)
	require.Nil(t, b)
}
