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

// Package herrors holds the sentinel error kinds shared across the
// record store, sync client, relay server and codecs. Call sites wrap
// these with fmt.Errorf("...: %w", ErrX) so errors.Is keeps working
// through the call stack.
package herrors

import "errors"

// Structural errors (record store, chain validation).
var (
	ErrChainBroken   = errors.New("chain broken")
	ErrDuplicateID   = errors.New("duplicate id")
	ErrUnknownParent = errors.New("unknown parent")
	ErrNotFound      = errors.New("not found")
)

// Data errors (payload / codec).
var (
	ErrCorruptPayload     = errors.New("corrupt payload")
	ErrUnsupportedVersion = errors.New("unsupported version")
	ErrAuthFailure        = errors.New("envelope authentication failure")
	ErrSizeLimit          = errors.New("size limit exceeded")
)

// I/O errors.
var (
	ErrIO = errors.New("io error")
	ErrDB = errors.New("db error")
)

// Network errors (sync client / relay transport).
var (
	ErrOffline       = errors.New("relay unreachable")
	ErrServerError   = errors.New("server error")
	ErrQuotaExceeded = errors.New("quota exceeded")
)

// Transport auth errors.
var (
	ErrAuthFailed       = errors.New("authentication failed")
	ErrPermissionDenied = errors.New("permission denied")
)

// User-facing errors.
var (
	ErrInvalidInput = errors.New("invalid input")
	ErrCancelled    = errors.New("cancelled")
)

// ChainDivergence is returned by the sync client when the local record
// store refuses a record the relay considers valid; the caller must
// intervene (spec.md §4.3).
var ErrChainDivergence = errors.New("chain divergence")

// ExitCode maps a core error to the CLI exit code specified in spec.md
// §6 for the `sync` subcommand: 0 ok, 2 chain divergence, 3 auth
// failure, 1 otherwise.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, ErrChainDivergence):
		return 2
	case errors.Is(err, ErrAuthFailed):
		return 3
	default:
		return 1
	}
}
