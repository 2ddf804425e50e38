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

// Package wire holds the JSON shapes exchanged between the sync client
// and the relay server (spec.md §6), shared by both sides so the two
// never drift: "the record JSON encoding on the wire... is normative."
package wire

import (
	"encoding/base64"
	"fmt"

	"github.com/histlog/histlog/internal/herrors"
	"github.com/histlog/histlog/internal/ids"
	"github.com/histlog/histlog/internal/record"
)

// Record is the wire representation of record.Record (spec.md §6:
// "POST /records with body [{id, host, stream, parent, index,
// timestamp, version, payload_base64}, ...]").
type Record struct {
	ID            string `json:"id"`
	Host          string `json:"host"`
	Stream        string `json:"stream"`
	Parent        string `json:"parent"`
	Index         uint64 `json:"index"`
	Timestamp     int64  `json:"timestamp"`
	Version       string `json:"version"`
	PayloadBase64 string `json:"payload_base64"`
}

// FromRecord converts a domain record.Record to its wire form.
func FromRecord(r record.Record) Record {
	return Record{
		ID:            r.ID.String(),
		Host:          r.Host.String(),
		Stream:        string(r.Stream),
		Parent:        r.Parent.String(),
		Index:         r.Index,
		Timestamp:     r.Timestamp,
		Version:       r.Version,
		PayloadBase64: base64.StdEncoding.EncodeToString(r.Payload),
	}
}

// ToRecord parses the wire form back into a domain record.Record.
func (w Record) ToRecord() (record.Record, error) {
	id, err := ids.Parse(w.ID)
	if err != nil {
		return record.Record{}, fmt.Errorf("wire: record id: %w: %v", herrors.ErrCorruptPayload, err)
	}
	host, err := ids.Parse(w.Host)
	if err != nil {
		return record.Record{}, fmt.Errorf("wire: record host: %w: %v", herrors.ErrCorruptPayload, err)
	}
	parent := ids.Nil
	if w.Parent != "" {
		parent, err = ids.Parse(w.Parent)
		if err != nil {
			return record.Record{}, fmt.Errorf("wire: record parent: %w: %v", herrors.ErrCorruptPayload, err)
		}
	}
	payload, err := base64.StdEncoding.DecodeString(w.PayloadBase64)
	if err != nil {
		return record.Record{}, fmt.Errorf("wire: record payload: %w: %v", herrors.ErrCorruptPayload, err)
	}
	return record.Record{
		ID:        id,
		Host:      host,
		Stream:    record.Stream(w.Stream),
		Parent:    parent,
		Index:     w.Index,
		Timestamp: w.Timestamp,
		Version:   w.Version,
		Payload:   payload,
	}, nil
}

// AppendResult is one element of POST /records' response array.
type AppendResult struct {
	ID    string `json:"id"`
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// StatusResponse is the body of GET /sync/status.
type StatusResponse struct {
	Hosts map[string]map[string]uint64 `json:"hosts"`
}

// LoginRequest is the body of POST /login.
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// LoginResponse is the body of POST /login.
type LoginResponse struct {
	Session string `json:"session"`
}

// ErrorResponse is the JSON body returned alongside non-2xx statuses.
type ErrorResponse struct {
	Error string `json:"error"`
}
