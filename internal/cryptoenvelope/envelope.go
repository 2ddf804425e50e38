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

// Package cryptoenvelope turns a cleartext domain payload into the
// opaque record payload and back (spec.md §4.2). It wraps a single
// modern AEAD, XChaCha20-Poly1305, with no algorithm agility: algorithm
// changes are handled by bumping Record.Version and adding a new codec,
// never by varying the envelope itself.
package cryptoenvelope

import (
	"crypto/rand"
	"fmt"

	"github.com/histlog/histlog/internal/herrors"
	"golang.org/x/crypto/chacha20poly1305"
)

// KeySize is the length in bytes of the session key (spec.md §3).
const KeySize = chacha20poly1305.KeySize // 32

// nonceSize is the XChaCha20-Poly1305 nonce length.
const nonceSize = chacha20poly1305.NonceSizeX

// Key is the user-global symmetric secret. Never logged, never sent in
// cleartext.
type Key [KeySize]byte

// Seal produces a self-describing sealed payload: nonce(24) ‖ ciphertext
// ‖ tag(16). ad must bind record identity per spec.md §4.2 so a ciphertext
// cannot be grafted onto a different chain position.
func Seal(cleartext, ad []byte, key Key) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return nil, fmt.Errorf("cryptoenvelope: init aead: %w", err)
	}

	nonce := make([]byte, nonceSize, nonceSize+len(cleartext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("cryptoenvelope: generate nonce: %w", err)
	}

	sealed := aead.Seal(nonce, nonce, cleartext, ad)
	return sealed, nil
}

// Open validates and decrypts a sealed payload produced by Seal. It
// fails closed (ErrAuthFailure) on any tag mismatch, truncated input, or
// mismatched associated data.
func Open(sealed, ad []byte, key Key) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return nil, fmt.Errorf("cryptoenvelope: init aead: %w", err)
	}
	if len(sealed) < nonceSize {
		return nil, fmt.Errorf("cryptoenvelope: %w: truncated envelope", herrors.ErrAuthFailure)
	}

	nonce, ciphertext := sealed[:nonceSize], sealed[nonceSize:]
	cleartext, err := aead.Open(nil, nonce, ciphertext, ad)
	if err != nil {
		return nil, fmt.Errorf("cryptoenvelope: %w", herrors.ErrAuthFailure)
	}
	return cleartext, nil
}

// BuildAD assembles the associated data binding a sealed payload to one
// exact record slot: id, host, stream, index and version (spec.md §4.2).
// It takes primitive fields rather than a *record.Record to avoid an
// import cycle, since the record package calls Seal/Open.
func BuildAD(id, host string, stream string, index uint64, version string) []byte {
	// Fixed field order, length-prefixed with '\x00' separators is not
	// needed here because every field except stream/version is a fixed
	// 26-byte id and index is a fixed 8-byte big-endian integer; stream
	// and version are appended last so their variable length cannot
	// create an ambiguous boundary with the fields before them.
	ad := make([]byte, 0, len(id)+len(host)+8+len(stream)+len(version)+2)
	ad = append(ad, id...)
	ad = append(ad, host...)
	var idxBuf [8]byte
	for i := 0; i < 8; i++ {
		idxBuf[i] = byte(index >> (56 - 8*i))
	}
	ad = append(ad, idxBuf[:]...)
	ad = append(ad, '|')
	ad = append(ad, stream...)
	ad = append(ad, '|')
	ad = append(ad, version...)
	return ad
}
