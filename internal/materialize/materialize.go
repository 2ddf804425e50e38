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

// Package materialize walks decrypted records through the store codecs
// to update the history view and the in-memory alias/env-var/kv latest-
// wins maps (spec.md §4.5/§4.6). It runs synchronously in the same task
// that integrates records — never in the background — so that
// "integrate returned" implies "view is up to date" (spec.md §5).
package materialize

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/histlog/histlog/internal/codec"
	"github.com/histlog/histlog/internal/cryptoenvelope"
	"github.com/histlog/histlog/internal/herrors"
	"github.com/histlog/histlog/internal/historyview"
	"github.com/histlog/histlog/internal/ids"
	"github.com/histlog/histlog/internal/record"
	"github.com/histlog/histlog/internal/recordstore"
	"go.uber.org/zap"
)

type aliasEntry struct {
	value    string
	sourceID ids.ID
}

type envVarEntry struct {
	value    string
	export   bool
	sourceID ids.ID
}

type kvKey struct {
	namespace string
	key       string
}

type kvEntry struct {
	value    string
	sourceID ids.ID
}

// Materializer owns the history view and the alias/env-var/kv
// projections, and applies newly-arrived records to all of them.
type Materializer struct {
	store  *recordstore.Store
	view   *historyview.View
	key    cryptoenvelope.Key
	logger *zap.Logger

	historyCodec   codec.HistoryCodec
	aliasCodec     codec.AliasCodec
	envVarCodec    codec.EnvVarCodec
	kvCodec        codec.KVCodec
	tombstoneCodec codec.TombstoneCodec

	mu      sync.RWMutex
	aliases map[string]aliasEntry
	envvars map[string]envVarEntry
	kv      map[kvKey]kvEntry
}

// New builds a Materializer over an already-open record store and
// history view, sharing the user's session key.
func New(store *recordstore.Store, view *historyview.View, key cryptoenvelope.Key, logger *zap.Logger) *Materializer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Materializer{
		store:   store,
		view:    view,
		key:     key,
		logger:  logger,
		aliases: make(map[string]aliasEntry),
		envvars: make(map[string]envVarEntry),
		kv:      make(map[kvKey]kvEntry),
	}
}

// Apply decrypts rec and dispatches it to the appropriate codec and
// projection. CorruptPayload and UnsupportedVersion are recoverable:
// the record is logged and skipped but left in the record store
// (spec.md §7) so a future client version can still make sense of it.
func (m *Materializer) Apply(ctx context.Context, rec record.Record) error {
	cleartext, err := cryptoenvelope.Open(rec.Payload, rec.AD(), m.key)
	if err != nil {
		m.logger.Warn("dropping record with unreadable payload",
			zap.String("record_id", rec.ID.String()), zap.Error(err))
		return nil
	}
	return m.applyCleartext(ctx, rec, cleartext)
}

func (m *Materializer) applyCleartext(ctx context.Context, rec record.Record, cleartext []byte) error {
	switch rec.Stream {
	case record.StreamHistory:
		return m.applyHistory(ctx, rec, cleartext)
	case record.StreamAlias:
		return m.applyAlias(rec, cleartext)
	case record.StreamDotfilesVar:
		return m.applyEnvVar(rec, cleartext)
	case record.StreamKV:
		return m.applyKV(rec, cleartext)
	case record.StreamTombstone:
		return m.applyTombstone(ctx, rec, cleartext)
	default:
		m.logger.Warn("dropping record on unknown stream",
			zap.String("record_id", rec.ID.String()), zap.String("stream", string(rec.Stream)))
		return nil
	}
}

func (m *Materializer) applyHistory(ctx context.Context, rec record.Record, cleartext []byte) error {
	decoded, err := m.historyCodec.Decode(cleartext, rec.Version)
	if m.skippable(rec, err) {
		return nil
	}
	if err != nil {
		return err
	}

	switch v := decoded.(type) {
	case codec.HistoryCreate:
		return m.view.Upsert(ctx, historyview.Row{
			ID:        rec.ID,
			Command:   v.Command,
			Cwd:       v.Cwd,
			SessionID: v.SessionID,
			Host:      rec.Host,
			StartTime: v.StartTimestamp,
		})
	case codec.HistoryFinish:
		create, err := m.store.Get(ctx, v.CreateID)
		if err != nil {
			return err
		}
		if create == nil {
			// Unmatched finish: stored (the caller already appended it)
			// but hidden from the view (spec.md §4.5).
			return nil
		}
		return m.view.Finish(ctx, v.CreateID,
			sql.NullInt64{Int64: int64(v.ExitCode), Valid: true},
			sql.NullInt64{Int64: v.DurationNanos, Valid: true})
	default:
		return fmt.Errorf("materialize: unexpected history payload type %T", decoded)
	}
}

func (m *Materializer) applyAlias(rec record.Record, cleartext []byte) error {
	op, err := m.aliasCodec.Decode(cleartext, rec.Version)
	if m.skippable(rec, err) {
		return nil
	}
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	switch op.Op {
	case "set":
		m.aliases[op.Name] = aliasEntry{value: op.Value, sourceID: rec.ID}
	case "delete":
		delete(m.aliases, op.Name)
	}
	return nil
}

func (m *Materializer) applyEnvVar(rec record.Record, cleartext []byte) error {
	op, err := m.envVarCodec.Decode(cleartext, rec.Version)
	if m.skippable(rec, err) {
		return nil
	}
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	switch op.Op {
	case "set":
		m.envvars[op.Name] = envVarEntry{value: op.Value, export: op.Export, sourceID: rec.ID}
	case "delete":
		delete(m.envvars, op.Name)
	}
	return nil
}

func (m *Materializer) applyKV(rec record.Record, cleartext []byte) error {
	op, err := m.kvCodec.Decode(cleartext, rec.Version)
	if m.skippable(rec, err) {
		return nil
	}
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	k := kvKey{namespace: op.Namespace, key: op.Key}
	switch op.Op {
	case "set":
		m.kv[k] = kvEntry{value: op.Value, sourceID: rec.ID}
	case "delete":
		delete(m.kv, k)
	}
	return nil
}

// applyTombstone implements the uniform tombstone semantics of
// spec.md §4.5: the referenced record is hard-deleted from the record
// store and removed from whichever projection it had entered.
// Tombstones are not themselves tombstonable (spec.md §9).
func (m *Materializer) applyTombstone(ctx context.Context, rec record.Record, cleartext []byte) error {
	t, err := m.tombstoneCodec.Decode(cleartext, rec.Version)
	if err != nil {
		if isRecoverable(err) {
			return nil
		}
		return err
	}

	target, err := m.store.Get(ctx, t.TargetRecordID)
	if err != nil {
		return err
	}
	if target == nil {
		// Target not present locally (not yet integrated, or already
		// removed); the tombstone is a no-op and is not re-applied if
		// the target arrives later. The sync client downloads tombstone
		// chains only after every other chain of a run, so a target
		// fetched in the same run is already present here.
		return nil
	}
	if target.Stream == record.StreamTombstone {
		return nil
	}

	if err := m.removeFromProjection(ctx, *target); err != nil {
		return err
	}
	if err := m.store.Delete(ctx, target.ID); err != nil {
		return err
	}
	return nil
}

func (m *Materializer) removeFromProjection(ctx context.Context, target record.Record) error {
	switch target.Stream {
	case record.StreamHistory:
		return m.view.Delete(ctx, target.ID)
	case record.StreamAlias, record.StreamDotfilesVar, record.StreamKV:
		cleartext, err := cryptoenvelope.Open(target.Payload, target.AD(), m.key)
		if err != nil {
			// Can't tell which name to forget; nothing else to do.
			return nil
		}
		return m.forgetByTarget(target, cleartext)
	default:
		return nil
	}
}

func (m *Materializer) forgetByTarget(target record.Record, cleartext []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch target.Stream {
	case record.StreamAlias:
		op, err := m.aliasCodec.Decode(cleartext, target.Version)
		if err != nil {
			return nil
		}
		if cur, ok := m.aliases[op.Name]; ok && cur.sourceID == target.ID {
			delete(m.aliases, op.Name)
		}
	case record.StreamDotfilesVar:
		op, err := m.envVarCodec.Decode(cleartext, target.Version)
		if err != nil {
			return nil
		}
		if cur, ok := m.envvars[op.Name]; ok && cur.sourceID == target.ID {
			delete(m.envvars, op.Name)
		}
	case record.StreamKV:
		op, err := m.kvCodec.Decode(cleartext, target.Version)
		if err != nil {
			return nil
		}
		k := kvKey{namespace: op.Namespace, key: op.Key}
		if cur, ok := m.kv[k]; ok && cur.sourceID == target.ID {
			delete(m.kv, k)
		}
	}
	return nil
}

func (m *Materializer) skippable(rec record.Record, err error) bool {
	if err == nil {
		return false
	}
	if isRecoverable(err) {
		m.logger.Warn("skipping record with recoverable decode error",
			zap.String("record_id", rec.ID.String()), zap.String("stream", string(rec.Stream)), zap.Error(err))
		return true
	}
	return false
}

func isRecoverable(err error) bool {
	return errors.Is(err, herrors.ErrCorruptPayload) || errors.Is(err, herrors.ErrUnsupportedVersion)
}

// Alias returns the current value of a materialized alias, latest-wins.
func (m *Materializer) Alias(name string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.aliases[name]
	return e.value, ok
}

// Aliases returns a snapshot of every materialized alias.
func (m *Materializer) Aliases() map[string]string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]string, len(m.aliases))
	for k, v := range m.aliases {
		out[k] = v.value
	}
	return out
}

// EnvVar returns the current value and export flag of a materialized
// dotfiles variable, latest-wins.
func (m *Materializer) EnvVar(name string) (value string, export bool, ok bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.envvars[name]
	return e.value, e.export, ok
}

// KV returns the current value of a materialized kv entry, latest-wins.
func (m *Materializer) KV(namespace, key string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.kv[kvKey{namespace: namespace, key: key}]
	return e.value, ok
}

const rebuildBatchSize = 256

// Rebuild replays every chain in the record store, in (host, stream)
// order, through Apply to reconstruct the history view and the
// alias/env-var/kv projections from scratch. It resumes from the
// last-saved bookmark (spec.md §4.6), so a Rebuild interrupted by a
// crash or a Cancel does not have to restart from the first record.
func (m *Materializer) Rebuild(ctx context.Context) error {
	bookmark, err := m.view.LoadBookmark(ctx)
	if err != nil {
		return err
	}

	keys, err := m.store.AllStreams(ctx)
	if err != nil {
		return err
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Host != keys[j].Host {
			return keys[i].Host.String() < keys[j].Host.String()
		}
		return keys[i].Stream < keys[j].Stream
	})

	startIdx := 0
	resumeFrom := uint64(0)
	if bookmark == nil {
		if err := m.view.Truncate(ctx); err != nil {
			return err
		}
		m.resetProjections()
	} else {
		for i, k := range keys {
			if k.Host == bookmark.Host && string(k.Stream) == bookmark.Stream {
				startIdx = i
				resumeFrom = bookmark.NextIdx
				break
			}
		}
	}

	for i := startIdx; i < len(keys); i++ {
		key := keys[i]
		from := uint64(0)
		if i == startIdx {
			from = resumeFrom
		}
		for {
			if err := ctx.Err(); err != nil {
				return err
			}
			batch, err := m.store.Range(ctx, key.Host, key.Stream, from, rebuildBatchSize)
			if err != nil {
				return err
			}
			if len(batch) == 0 {
				break
			}
			for _, rec := range batch {
				if err := m.Apply(ctx, rec); err != nil {
					return err
				}
				from = rec.Index + 1
				if err := m.view.SaveBookmark(ctx, historyview.Bookmark{
					Host: key.Host, Stream: string(key.Stream), NextIdx: from,
				}); err != nil {
					return err
				}
			}
			if len(batch) < rebuildBatchSize {
				break
			}
		}
	}

	return m.view.ClearBookmark(ctx)
}

func (m *Materializer) resetProjections() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.aliases = make(map[string]aliasEntry)
	m.envvars = make(map[string]envVarEntry)
	m.kv = make(map[kvKey]kvEntry)
}
