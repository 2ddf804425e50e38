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

package syncclient_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"sync"
	"testing"

	"github.com/histlog/histlog/internal/codec"
	"github.com/histlog/histlog/internal/cryptoenvelope"
	"github.com/histlog/histlog/internal/herrors"
	"github.com/histlog/histlog/internal/historyview"
	"github.com/histlog/histlog/internal/ids"
	"github.com/histlog/histlog/internal/materialize"
	"github.com/histlog/histlog/internal/record"
	"github.com/histlog/histlog/internal/recordstore"
	"github.com/histlog/histlog/internal/syncclient"
	"github.com/histlog/histlog/internal/wire"
	"github.com/stretchr/testify/require"
)

// fakeRelay is a minimal in-memory stand-in for internal/relay, enough
// to exercise the sync client's upload/download phases without a real
// network hop.
type fakeRelay struct {
	mu      sync.Mutex
	records map[record.Key][]record.Record
}

func newFakeRelay() *fakeRelay {
	return &fakeRelay{records: make(map[record.Key][]record.Record)}
}

func (f *fakeRelay) seed(host ids.ID, stream record.Stream, recs ...record.Record) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records[record.Key{Host: host, Stream: stream}] = append(f.records[record.Key{Host: host, Stream: stream}], recs...)
}

func (f *fakeRelay) server(t *testing.T) *httptest.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/sync/status", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		hosts := map[string]map[string]uint64{}
		for key, recs := range f.records {
			if len(recs) == 0 {
				continue
			}
			h := hosts[key.Host.String()]
			if h == nil {
				h = map[string]uint64{}
				hosts[key.Host.String()] = h
			}
			h[string(key.Stream)] = recs[len(recs)-1].Index
		}
		json.NewEncoder(w).Encode(wire.StatusResponse{Hosts: hosts})
	})
	mux.HandleFunc("/records", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			var body []wire.Record
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			results := make([]wire.AppendResult, len(body))
			f.mu.Lock()
			for i, wr := range body {
				rec, err := wr.ToRecord()
				if err != nil {
					results[i] = wire.AppendResult{ID: wr.ID, OK: false, Error: err.Error()}
					continue
				}
				key := record.Key{Host: rec.Host, Stream: rec.Stream}
				f.records[key] = append(f.records[key], rec)
				results[i] = wire.AppendResult{ID: wr.ID, OK: true}
			}
			f.mu.Unlock()
			json.NewEncoder(w).Encode(results)
		case http.MethodGet:
			q := r.URL.Query()
			host, err := ids.Parse(q.Get("host"))
			require.NoError(t, err)
			stream := record.Stream(q.Get("stream"))
			start, _ := strconv.ParseUint(q.Get("start"), 10, 64)
			count, _ := strconv.Atoi(q.Get("count"))

			f.mu.Lock()
			all := f.records[record.Key{Host: host, Stream: stream}]
			f.mu.Unlock()

			var page []wire.Record
			for _, rec := range all {
				if rec.Index >= start && len(page) < count {
					page = append(page, wire.FromRecord(rec))
				}
			}
			json.NewEncoder(w).Encode(page)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

type testClient struct {
	client *syncclient.Client
	store  *recordstore.Store
	view   *historyview.View
	mat    *materialize.Materializer
	key    cryptoenvelope.Key
}

func newTestClient(t *testing.T, relayURL string) *testClient {
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
	key[0] = 0x7

	mat := materialize.New(store, view, key, nil)
	client := syncclient.New(syncclient.Options{RelayURL: relayURL, PageSize: 10}, store, mat, nil)

	return &testClient{client: client, store: store, view: view, mat: mat, key: key}
}

func sealedHistoryCreate(t *testing.T, host ids.ID, key cryptoenvelope.Key, idx uint64) record.Record {
	t.Helper()
	var hc codec.HistoryCodec
	payload, _, err := hc.EncodeCreate(codec.HistoryCreate{Command: "echo hi", Cwd: "/", SessionID: ids.New()})
	require.NoError(t, err)

	rec := record.Record{
		ID: ids.New(), Host: host, Stream: record.StreamHistory,
		Parent: ids.Nil, Index: idx, Timestamp: 100 + int64(idx), Version: codec.Version,
	}
	sealed, err := cryptoenvelope.Seal(payload, rec.AD(), key)
	require.NoError(t, err)
	rec.Payload = sealed
	return rec
}

func TestDownloadPhaseIntegratesAndMaterializes(t *testing.T) {
	relay := newFakeRelay()
	host := ids.New()

	tc := newTestClient(t, "")
	rec := sealedHistoryCreate(t, host, tc.key, 0)
	relay.seed(host, record.StreamHistory, rec)

	srv := relay.server(t)
	tc.client = syncclient.New(syncclient.Options{RelayURL: srv.URL, PageSize: 10}, tc.store, tc.mat, nil)

	require.NoError(t, tc.client.Run(context.Background()))

	got, err := tc.store.Get(context.Background(), rec.ID)
	require.NoError(t, err)
	require.NotNil(t, got)

	rows, err := tc.view.List(context.Background(), historyview.Filter{}, historyview.OrderTimestampAsc, 10, 0)
	require.NoError(t, err)
	require.Len(t, rows, 1)
}

// A fresh client pulling both a create and its tombstone in the same
// run must end up with the command deleted, not permanently visible:
// the tombstone chain materializes only after every other stream's
// chains (including the create's) have already integrated (spec.md
// §8: tombstones are applied after their targets).
func TestDownloadPhaseAppliesTombstoneAfterTargetInSameRun(t *testing.T) {
	relay := newFakeRelay()
	host := ids.New()

	tc := newTestClient(t, "")
	create := sealedHistoryCreate(t, host, tc.key, 0)
	relay.seed(host, record.StreamHistory, create)

	var tcCodec codec.TombstoneCodec
	tombPayload, _, err := tcCodec.Encode(create.ID)
	require.NoError(t, err)
	tombRec := record.Record{
		ID: ids.New(), Host: host, Stream: record.StreamTombstone,
		Parent: ids.Nil, Index: 0, Timestamp: 200, Version: codec.Version,
	}
	sealed, err := cryptoenvelope.Seal(tombPayload, tombRec.AD(), tc.key)
	require.NoError(t, err)
	tombRec.Payload = sealed
	relay.seed(host, record.StreamTombstone, tombRec)

	srv := relay.server(t)
	tc.client = syncclient.New(syncclient.Options{RelayURL: srv.URL, PageSize: 10}, tc.store, tc.mat, nil)

	require.NoError(t, tc.client.Run(context.Background()))

	got, err := tc.store.Get(context.Background(), create.ID)
	require.NoError(t, err)
	require.Nil(t, got, "tombstoned record must be hard-deleted, not left stuck because the tombstone ran first")

	rows, err := tc.view.List(context.Background(), historyview.Filter{}, historyview.OrderTimestampAsc, 10, 0)
	require.NoError(t, err)
	require.Empty(t, rows)
}

func TestUploadPhasePostsLocalOnlyRecords(t *testing.T) {
	relay := newFakeRelay()
	host := ids.New()

	tc := newTestClient(t, "")
	rec := sealedHistoryCreate(t, host, tc.key, 0)
	require.NoError(t, tc.store.Append(context.Background(), rec))

	srv := relay.server(t)
	tc.client = syncclient.New(syncclient.Options{RelayURL: srv.URL, PageSize: 10}, tc.store, tc.mat, nil)

	require.NoError(t, tc.client.Run(context.Background()))

	relay.mu.Lock()
	uploaded := relay.records[record.Key{Host: host, Stream: record.StreamHistory}]
	relay.mu.Unlock()
	require.Len(t, uploaded, 1)
	require.Equal(t, rec.ID, uploaded[0].ID)
}

func TestRunSurfacesAuthFailure(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/sync/status", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	tc := newTestClient(t, srv.URL)
	err := tc.client.Run(context.Background())
	require.ErrorIs(t, err, herrors.ErrAuthFailed)
}
