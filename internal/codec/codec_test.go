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

package codec_test

import (
	"testing"

	"github.com/histlog/histlog/internal/codec"
	"github.com/histlog/histlog/internal/herrors"
	"github.com/histlog/histlog/internal/ids"
	"github.com/stretchr/testify/require"
)

func TestHistoryCreateRoundTrip(t *testing.T) {
	var hc codec.HistoryCodec
	want := codec.HistoryCreate{Command: "ls -la", Cwd: "/tmp", StartTimestamp: 123, SessionID: ids.New()}

	payload, version, err := hc.EncodeCreate(want)
	require.NoError(t, err)

	got, err := hc.Decode(payload, version)
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestHistoryFinishRoundTrip(t *testing.T) {
	var hc codec.HistoryCodec
	want := codec.HistoryFinish{CreateID: ids.New(), ExitCode: 1, DurationNanos: 42}

	payload, version, err := hc.EncodeFinish(want)
	require.NoError(t, err)

	got, err := hc.Decode(payload, version)
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestHistoryDecodeRejectsUnsupportedVersion(t *testing.T) {
	var hc codec.HistoryCodec
	payload, _, err := hc.EncodeCreate(codec.HistoryCreate{Command: "x"})
	require.NoError(t, err)

	_, err = hc.Decode(payload, "v99")
	require.ErrorIs(t, err, herrors.ErrUnsupportedVersion)
}

func TestAliasRoundTripAndValidation(t *testing.T) {
	var ac codec.AliasCodec

	payload, version, err := ac.EncodeSet("ll", "ls -la")
	require.NoError(t, err)
	op, err := ac.Decode(payload, version)
	require.NoError(t, err)
	require.Equal(t, codec.AliasOp{Op: "set", Name: "ll", Value: "ls -la"}, op)

	_, _, err = ac.EncodeSet("bad name!", "x")
	require.ErrorIs(t, err, herrors.ErrInvalidInput)

	_, _, err = ac.EncodeDelete("")
	require.ErrorIs(t, err, herrors.ErrInvalidInput)
}

func TestEnvVarRoundTrip(t *testing.T) {
	var ec codec.EnvVarCodec
	payload, version, err := ec.EncodeSet("EDITOR", "vim", true)
	require.NoError(t, err)
	op, err := ec.Decode(payload, version)
	require.NoError(t, err)
	require.Equal(t, codec.EnvVarOp{Op: "set", Name: "EDITOR", Value: "vim", Export: true}, op)
}

func TestKVRoundTrip(t *testing.T) {
	var kc codec.KVCodec
	payload, version, err := kc.EncodeSet("theme", "color", "dark")
	require.NoError(t, err)
	op, err := kc.Decode(payload, version)
	require.NoError(t, err)
	require.Equal(t, codec.KVOp{Op: "set", Namespace: "theme", Key: "color", Value: "dark"}, op)

	_, _, err = kc.EncodeSet("", "key", "v")
	require.ErrorIs(t, err, herrors.ErrInvalidInput)
}

func TestTombstoneRoundTrip(t *testing.T) {
	var tc codec.TombstoneCodec
	target := ids.New()
	payload, version, err := tc.Encode(target)
	require.NoError(t, err)

	got, err := tc.Decode(payload, version)
	require.NoError(t, err)
	require.Equal(t, target, got.TargetRecordID)
}
