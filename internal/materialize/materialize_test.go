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

package materialize_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/histlog/histlog/internal/codec"
	"github.com/histlog/histlog/internal/cryptoenvelope"
	"github.com/histlog/histlog/internal/historyview"
	"github.com/histlog/histlog/internal/ids"
	"github.com/histlog/histlog/internal/materialize"
	"github.com/histlog/histlog/internal/record"
	"github.com/histlog/histlog/internal/recordstore"
	"github.com/stretchr/testify/require"
)

type testEnv struct {
	store *recordstore.Store
	view  *historyview.View
	mat   *materialize.Materializer
	key   cryptoenvelope.Key
	host  ids.ID
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()
	db, err := recordstore.OpenDB(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	store, err := recordstore.New(ctx, db)
	require.NoError(t, err)
	view, err := historyview.New(ctx, db)
	require.NoError(t, err)

	var key cryptoenvelope.Key
	key[0] = 0x42

	return &testEnv{
		store: store,
		view:  view,
		mat:   materialize.New(store, view, key, nil),
		key:   key,
		host:  ids.New(),
	}
}

// seal builds and appends a well-formed record on stream carrying
// cleartext, encrypted under the environment's session key.
func (e *testEnv) seal(t *testing.T, stream record.Stream, parent ids.ID, idx uint64, cleartext []byte) record.Record {
	t.Helper()
	rec := record.Record{
		ID:        ids.New(),
		Host:      e.host,
		Stream:    stream,
		Parent:    parent,
		Index:     idx,
		Timestamp: 1000 + int64(idx),
		Version:   codec.Version,
	}
	sealed, err := cryptoenvelope.Seal(cleartext, rec.AD(), e.key)
	require.NoError(t, err)
	rec.Payload = sealed

	require.NoError(t, e.store.Append(context.Background(), rec))
	return rec
}

func TestApplyHistoryCreateThenFinish(t *testing.T) {
	ctx := context.Background()
	e := newTestEnv(t)

	var hc codec.HistoryCodec
	sessionID := ids.New()
	createPayload, _, err := hc.EncodeCreate(codec.HistoryCreate{
		Command: "ls -la", Cwd: "/tmp", StartTimestamp: 10, SessionID: sessionID,
	})
	require.NoError(t, err)
	create := e.seal(t, record.StreamHistory, ids.Nil, 0, createPayload)
	require.NoError(t, e.mat.Apply(ctx, create))

	rows, err := e.view.List(ctx, historyview.Filter{}, historyview.OrderTimestampAsc, 10, 0)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, "ls -la", rows[0].Command)
	require.False(t, rows[0].Finished)

	finishPayload, _, err := hc.EncodeFinish(codec.HistoryFinish{CreateID: create.ID, ExitCode: 0, DurationNanos: 500})
	require.NoError(t, err)
	finish := e.seal(t, record.StreamHistory, create.ID, 1, finishPayload)
	require.NoError(t, e.mat.Apply(ctx, finish))

	rows, err = e.view.List(ctx, historyview.Filter{}, historyview.OrderTimestampAsc, 10, 0)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.True(t, rows[0].Finished)
	require.True(t, rows[0].ExitCode.Valid)
	require.EqualValues(t, 0, rows[0].ExitCode.Int64)
	require.True(t, rows[0].DurationNs.Valid)
	require.EqualValues(t, 500, rows[0].DurationNs.Int64)

	// The finish record carries none of the create-only columns; they
	// must survive untouched rather than being wiped back to zero
	// values (spec.md §3: the row is updated in place, not replaced).
	require.Equal(t, "ls -la", rows[0].Command)
	require.Equal(t, "/tmp", rows[0].Cwd)
	require.Equal(t, sessionID, rows[0].SessionID)
	require.EqualValues(t, 10, rows[0].StartTime)
}

func TestApplyUnmatchedFinishIsHiddenNotFatal(t *testing.T) {
	ctx := context.Background()
	e := newTestEnv(t)

	var hc codec.HistoryCodec
	finishPayload, _, err := hc.EncodeFinish(codec.HistoryFinish{CreateID: ids.New(), ExitCode: 1})
	require.NoError(t, err)
	finish := e.seal(t, record.StreamHistory, ids.Nil, 0, finishPayload)

	require.NoError(t, e.mat.Apply(ctx, finish))

	rows, err := e.view.List(ctx, historyview.Filter{}, historyview.OrderTimestampAsc, 10, 0)
	require.NoError(t, err)
	require.Empty(t, rows)
}

func TestApplyAliasSetAndDelete(t *testing.T) {
	ctx := context.Background()
	e := newTestEnv(t)

	var ac codec.AliasCodec
	setPayload, _, err := ac.EncodeSet("ll", "ls -la")
	require.NoError(t, err)
	rec := e.seal(t, record.StreamAlias, ids.Nil, 0, setPayload)
	require.NoError(t, e.mat.Apply(ctx, rec))

	v, ok := e.mat.Alias("ll")
	require.True(t, ok)
	require.Equal(t, "ls -la", v)

	delPayload, _, err := ac.EncodeDelete("ll")
	require.NoError(t, err)
	delRec := e.seal(t, record.StreamAlias, rec.ID, 1, delPayload)
	require.NoError(t, e.mat.Apply(ctx, delRec))

	_, ok = e.mat.Alias("ll")
	require.False(t, ok)
}

func TestTombstoneRemovesHistoryRowAndHardDeletesRecord(t *testing.T) {
	ctx := context.Background()
	e := newTestEnv(t)

	var hc codec.HistoryCodec
	createPayload, _, err := hc.EncodeCreate(codec.HistoryCreate{Command: "rm -rf /", Cwd: "/", SessionID: ids.New()})
	require.NoError(t, err)
	create := e.seal(t, record.StreamHistory, ids.Nil, 0, createPayload)
	require.NoError(t, e.mat.Apply(ctx, create))

	var tc codec.TombstoneCodec
	tombPayload, _, err := tc.Encode(create.ID)
	require.NoError(t, err)
	tomb := e.seal(t, record.StreamTombstone, ids.Nil, 0, tombPayload)
	require.NoError(t, e.mat.Apply(ctx, tomb))

	rows, err := e.view.List(ctx, historyview.Filter{}, historyview.OrderTimestampAsc, 10, 0)
	require.NoError(t, err)
	require.Empty(t, rows)

	got, err := e.store.Get(ctx, create.ID)
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestTombstoneRemovesAliasOnlyIfStillCurrent(t *testing.T) {
	ctx := context.Background()
	e := newTestEnv(t)

	var ac codec.AliasCodec
	firstPayload, _, err := ac.EncodeSet("ll", "ls -la")
	require.NoError(t, err)
	first := e.seal(t, record.StreamAlias, ids.Nil, 0, firstPayload)
	require.NoError(t, e.mat.Apply(ctx, first))

	secondPayload, _, err := ac.EncodeSet("ll", "ls -lah")
	require.NoError(t, err)
	second := e.seal(t, record.StreamAlias, first.ID, 1, secondPayload)
	require.NoError(t, e.mat.Apply(ctx, second))

	var tc codec.TombstoneCodec
	tombPayload, _, err := tc.Encode(first.ID)
	require.NoError(t, err)
	tomb := e.seal(t, record.StreamTombstone, ids.Nil, 0, tombPayload)
	require.NoError(t, e.mat.Apply(ctx, tomb))

	v, ok := e.mat.Alias("ll")
	require.True(t, ok)
	require.Equal(t, "ls -lah", v)
}

func TestRebuildReplaysFromScratch(t *testing.T) {
	ctx := context.Background()
	e := newTestEnv(t)

	var hc codec.HistoryCodec
	createPayload, _, err := hc.EncodeCreate(codec.HistoryCreate{Command: "echo hi", Cwd: "/", SessionID: ids.New()})
	require.NoError(t, err)
	e.seal(t, record.StreamHistory, ids.Nil, 0, createPayload)

	var ac codec.AliasCodec
	aliasPayload, _, err := ac.EncodeSet("g", "git")
	require.NoError(t, err)
	e.seal(t, record.StreamAlias, ids.Nil, 0, aliasPayload)

	require.NoError(t, e.mat.Rebuild(ctx))

	rows, err := e.view.List(ctx, historyview.Filter{}, historyview.OrderTimestampAsc, 10, 0)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, "echo hi", rows[0].Command)

	v, ok := e.mat.Alias("g")
	require.True(t, ok)
	require.Equal(t, "git", v)

	bookmark, err := e.view.LoadBookmark(ctx)
	require.NoError(t, err)
	require.Nil(t, bookmark)
}

func TestRebuildResumesFromSavedBookmark(t *testing.T) {
	ctx := context.Background()
	e := newTestEnv(t)

	var hc codec.HistoryCodec
	createPayload, _, err := hc.EncodeCreate(codec.HistoryCreate{Command: "echo one", Cwd: "/", SessionID: ids.New()})
	require.NoError(t, err)
	e.seal(t, record.StreamHistory, ids.Nil, 0, createPayload)

	require.NoError(t, e.view.SaveBookmark(ctx, historyview.Bookmark{Host: e.host, Stream: string(record.StreamHistory), NextIdx: 1}))

	require.NoError(t, e.mat.Rebuild(ctx))

	rows, err := e.view.List(ctx, historyview.Filter{}, historyview.OrderTimestampAsc, 10, 0)
	require.NoError(t, err)
	require.Empty(t, rows, "resuming past index 0 should skip the only record")
}
