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

// Package ids implements the 128-bit opaque identifier used to name
// users, hosts, records and logical streams, along with its fixed
// 26-character printable encoding.
package ids

import (
	"database/sql/driver"
	"fmt"

	"github.com/google/uuid"
)

// Size is the length in bytes of an ID.
const Size = 16

// EncodedLen is the length of the printable encoding of an ID.
const EncodedLen = 26

// crockford is the Crockford base32 alphabet: no I/L/O/U, to avoid
// visual confusion when an ID is read aloud or copy-pasted.
const crockford = "0123456789abcdefghjkmnpqrstvwxyz"

// ID is a 128-bit value uniquely naming a user, host, record or stream.
type ID [Size]byte

// Nil is the zero ID. It never names a real entity.
var Nil ID

// New returns a fresh random ID.
func New() ID {
	var id ID
	copy(id[:], uuid.New()[:])
	return id
}

// FromBytes copies b into a new ID. b must be exactly Size bytes.
func FromBytes(b []byte) (ID, error) {
	var id ID
	if len(b) != Size {
		return id, fmt.Errorf("ids: want %d bytes, got %d", Size, len(b))
	}
	copy(id[:], b)
	return id, nil
}

// String renders the ID as its fixed 26-character Crockford base32 form.
//
// The 16 bytes are treated as one big-endian 128-bit number and emitted
// as 26 base-32 digits, most significant first. 26*5 = 130 bits, so the
// leading digit only ever carries the top 3 bits of the value (0-7).
func (id ID) String() string {
	var out [EncodedLen]byte
	var buf [Size + 1]byte // one spare high byte so the shift below never loses bits
	copy(buf[1:], id[:])

	for pos := EncodedLen - 1; pos >= 0; pos-- {
		// Pull the low 5 bits off the big-endian buffer and shift the
		// remainder right by 5, starting from the most-significant byte.
		var carry byte
		for i := 0; i < len(buf); i++ {
			cur := buf[i]
			buf[i] = carry<<3 | cur>>5
			carry = cur & 0x1f
		}
		out[pos] = crockford[carry]
	}
	return string(out[:])
}

// Parse decodes the fixed 26-character printable form back into an ID.
func Parse(s string) (ID, error) {
	var id ID
	if len(s) != EncodedLen {
		return id, fmt.Errorf("ids: bad length %d, want %d", len(s), EncodedLen)
	}
	var buf [Size + 1]byte // one spare high byte to catch any overflow
	for i := 0; i < len(s); i++ {
		v, ok := decodeSymbol(s[i])
		if !ok {
			return id, fmt.Errorf("ids: invalid character %q", s[i])
		}
		// buf = buf*32 + v, most significant byte first.
		carry := uint16(v)
		for j := len(buf) - 1; j >= 0; j-- {
			acc := uint16(buf[j])<<5 | carry
			buf[j] = byte(acc)
			carry = acc >> 8
		}
		if carry != 0 || buf[0] != 0 {
			return id, fmt.Errorf("ids: overflow in encoding %q", s)
		}
	}
	copy(id[:], buf[1:])
	return id, nil
}

// MustParse is Parse but panics on error; for constants and tests.
func MustParse(s string) ID {
	id, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return id
}

func decodeSymbol(c byte) (byte, bool) {
	if c >= 'A' && c <= 'Z' {
		c += 'a' - 'A'
	}
	for i := 0; i < len(crockford); i++ {
		if crockford[i] == c {
			return byte(i), true
		}
	}
	return 0, false
}

// IsNil reports whether id is the zero value.
func (id ID) IsNil() bool { return id == Nil }

// Bytes returns a copy of the underlying 16 bytes.
func (id ID) Bytes() []byte {
	out := make([]byte, Size)
	copy(out, id[:])
	return out
}

// Value implements database/sql/driver.Valuer, storing the ID as its
// printable string form so the SQLite columns stay human-readable.
func (id ID) Value() (driver.Value, error) {
	if id.IsNil() {
		return nil, nil
	}
	return id.String(), nil
}

// Scan implements database/sql.Scanner.
func (id *ID) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*id = Nil
		return nil
	case string:
		parsed, err := Parse(v)
		if err != nil {
			return err
		}
		*id = parsed
		return nil
	case []byte:
		parsed, err := Parse(string(v))
		if err != nil {
			return err
		}
		*id = parsed
		return nil
	default:
		return fmt.Errorf("ids: cannot scan %T into ID", src)
	}
}

// MarshalText implements encoding.TextMarshaler, used by the JSON wire
// format of §6 (record ids travel as plain strings).
func (id ID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *ID) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}
