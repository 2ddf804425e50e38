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

package ids_test

import (
	"testing"

	"github.com/histlog/histlog/internal/ids"
	"github.com/stretchr/testify/require"
)

func TestNewRoundTripsThroughString(t *testing.T) {
	for i := 0; i < 100; i++ {
		id := ids.New()
		s := id.String()
		require.Len(t, s, ids.EncodedLen)

		parsed, err := ids.Parse(s)
		require.NoError(t, err)
		require.Equal(t, id, parsed)
	}
}

func TestZeroValueEncodesToAllZeros(t *testing.T) {
	var id ids.ID
	want := make([]byte, ids.EncodedLen)
	for i := range want {
		want[i] = '0'
	}
	require.Equal(t, string(want), id.String())
	require.True(t, id.IsNil())
}

func TestParseRejectsWrongLength(t *testing.T) {
	_, err := ids.Parse("too-short")
	require.Error(t, err)
}

func TestParseRejectsInvalidCharacters(t *testing.T) {
	bad := "illegalcharsinthisstring!!"
	require.Len(t, bad, ids.EncodedLen)
	_, err := ids.Parse(bad)
	require.Error(t, err)
}

func TestParseIsCaseInsensitive(t *testing.T) {
	id := ids.New()
	lower := id.String()
	upper := toUpper(lower)

	parsed, err := ids.Parse(upper)
	require.NoError(t, err)
	require.Equal(t, id, parsed)
}

func toUpper(s string) string {
	out := []byte(s)
	for i, c := range out {
		if c >= 'a' && c <= 'z' {
			out[i] = c - ('a' - 'A')
		}
	}
	return string(out)
}

func TestFromBytesValidatesLength(t *testing.T) {
	_, err := ids.FromBytes([]byte{1, 2, 3})
	require.Error(t, err)

	id, err := ids.FromBytes(make([]byte, ids.Size))
	require.NoError(t, err)
	require.True(t, id.IsNil())
}

func TestMarshalUnmarshalText(t *testing.T) {
	id := ids.New()
	text, err := id.MarshalText()
	require.NoError(t, err)

	var out ids.ID
	require.NoError(t, out.UnmarshalText(text))
	require.Equal(t, id, out)
}
