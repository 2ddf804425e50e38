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

// Package hostid persists the two pieces of identity every other
// package treats as an opaque input: the per-machine host id and the
// user's symmetric session key (spec.md §3/§6). Both files are read
// under an advisory lock and written atomically via write-temp-then-
// rename (spec.md §5), since a host daemon and a CLI invocation of
// "histlogd key" can race against each other on the same data directory.
package hostid

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/gofrs/flock"
	"github.com/histlog/histlog/internal/herrors"
	"github.com/histlog/histlog/internal/ids"
)

// KeySize is the length in bytes of the session key (spec.md §6: "32
// bytes base64-armored").
const KeySize = 32

// Key is the user's symmetric session key.
type Key [KeySize]byte

// LoadOrCreateHostID reads the host_id file under dataDir, creating one
// with a fresh random Id on first run.
func LoadOrCreateHostID(dataDir string) (ids.ID, error) {
	path := filepath.Join(dataDir, "host_id")

	lock := flock.New(path + ".lock")
	if err := lock.Lock(); err != nil {
		return ids.Nil, fmt.Errorf("hostid: lock %s: %w: %v", path, herrors.ErrIO, err)
	}
	defer lock.Unlock()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		text := strings.TrimSpace(string(data))
		id, err := ids.Parse(text)
		if err != nil {
			return ids.Nil, fmt.Errorf("hostid: parse %s: %w: %v", path, herrors.ErrCorruptPayload, err)
		}
		return id, nil
	case os.IsNotExist(err):
		id := ids.New()
		if err := atomicWriteFile(path, []byte(id.String()), 0o644); err != nil {
			return ids.Nil, err
		}
		return id, nil
	default:
		return ids.Nil, fmt.Errorf("hostid: read %s: %w: %v", path, herrors.ErrIO, err)
	}
}

// LoadKey reads and decodes the base64-armored session key at path.
func LoadKey(path string) (Key, error) {
	lock := flock.New(path + ".lock")
	if err := lock.Lock(); err != nil {
		return Key{}, fmt.Errorf("hostid: lock %s: %w: %v", path, herrors.ErrIO, err)
	}
	defer lock.Unlock()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Key{}, fmt.Errorf("hostid: %w: no key at %s", herrors.ErrNotFound, path)
		}
		return Key{}, fmt.Errorf("hostid: read %s: %w: %v", path, herrors.ErrIO, err)
	}

	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return Key{}, fmt.Errorf("hostid: decode key at %s: %w: %v", path, herrors.ErrCorruptPayload, err)
	}
	if len(raw) != KeySize {
		return Key{}, fmt.Errorf("hostid: key at %s: %w: want %d bytes, got %d", path, herrors.ErrCorruptPayload, KeySize, len(raw))
	}

	var key Key
	copy(key[:], raw)
	return key, nil
}

// GenerateKey returns a fresh random session key.
func GenerateKey() (Key, error) {
	var key Key
	if _, err := rand.Read(key[:]); err != nil {
		return Key{}, fmt.Errorf("hostid: generate key: %w: %v", herrors.ErrIO, err)
	}
	return key, nil
}

// ImportKey writes key to path, base64-armored, with 0600 permissions,
// atomically (spec.md §5).
func ImportKey(path string, key Key) error {
	lock := flock.New(path + ".lock")
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("hostid: lock %s: %w: %v", path, herrors.ErrIO, err)
	}
	defer lock.Unlock()

	encoded := base64.StdEncoding.EncodeToString(key[:])
	return atomicWriteFile(path, []byte(encoded), 0o600)
}

func atomicWriteFile(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("hostid: mkdir %s: %w: %v", dir, herrors.ErrIO, err)
	}

	tmp, err := os.CreateTemp(dir, ".histlog-tmp-*")
	if err != nil {
		return fmt.Errorf("hostid: create temp in %s: %w: %v", dir, herrors.ErrIO, err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("hostid: write temp %s: %w: %v", tmpPath, herrors.ErrIO, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("hostid: close temp %s: %w: %v", tmpPath, herrors.ErrIO, err)
	}
	if err := os.Chmod(tmpPath, perm); err != nil {
		return fmt.Errorf("hostid: chmod temp %s: %w: %v", tmpPath, herrors.ErrIO, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("hostid: rename %s -> %s: %w: %v", tmpPath, path, herrors.ErrIO, err)
	}
	return nil
}
