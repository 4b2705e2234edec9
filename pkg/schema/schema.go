// Package schema defines the column/row/PK-encoding types shared by
// every storage layer (MemRowSet, DeltaMemStore, RowSet, Tablet): an
// ordered column list with stable ids independent of position, and a
// byte-comparable primary-key encoding so every layer can order rows
// the same way without re-deriving a collation.
package schema

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/kasuganosora/tabletstore/internal/status"
)

// Kind is a column's logical storage type.
type Kind int

const (
	Int64 Kind = iota
	Uint64
	Float64
	Bool
	String
	Bytes
)

func (k Kind) String() string {
	switch k {
	case Int64:
		return "int64"
	case Uint64:
		return "uint64"
	case Float64:
		return "float64"
	case Bool:
		return "bool"
	case String:
		return "string"
	case Bytes:
		return "bytes"
	default:
		return "unknown"
	}
}

// Column describes one column. ID is stable across schema evolution
// (add/drop/rename); the column's position in Schema.Columns may
// change if columns are dropped.
type Column struct {
	ID       uint32
	Name     string
	Kind     Kind
	Nullable bool
}

// Schema is a tablet's ordered column list. The first NumPK columns
// form the primary key and are always non-nullable.
type Schema struct {
	Columns []Column
	NumPK   int
}

// Validate checks the PK-related invariants.
func (s *Schema) Validate() error {
	if s.NumPK < 1 {
		return status.InvalidArgumentf("schema must have at least one PK column")
	}
	if s.NumPK > len(s.Columns) {
		return status.InvalidArgumentf("NumPK %d exceeds column count %d", s.NumPK, len(s.Columns))
	}
	for i := 0; i < s.NumPK; i++ {
		if s.Columns[i].Nullable {
			return status.InvalidArgumentf("PK column %q must not be nullable", s.Columns[i].Name)
		}
	}
	seen := make(map[uint32]bool, len(s.Columns))
	for _, c := range s.Columns {
		if seen[c.ID] {
			return status.InvalidArgumentf("duplicate column id %d", c.ID)
		}
		seen[c.ID] = true
	}
	return nil
}

// ColumnByID returns the column with the given id and its current
// position, or ok=false if dropped/never present.
func (s *Schema) ColumnByID(id uint32) (Column, int, bool) {
	for i, c := range s.Columns {
		if c.ID == id {
			return c, i, true
		}
	}
	return Column{}, 0, false
}

// PKColumns returns the schema's primary-key columns in order.
func (s *Schema) PKColumns() []Column {
	return s.Columns[:s.NumPK]
}

// Row is a tuple of column values, positional against the Schema it was
// read/written with. nil means SQL-NULL for a nullable column.
type Row struct {
	Values []interface{}
}

// EncodePK produces a byte-comparable encoding of a row's primary key,
// such that the encoding's lexicographic byte order matches the
// schema's PK column order (ascending, per column, in declaration
// order). This is what every ordered index in the engine (MemRowSet,
// RowSet PK index, RowSet tree endpoints) sorts and compares on.
func EncodePK(s *Schema, values []interface{}) ([]byte, error) {
	if len(values) < s.NumPK {
		return nil, status.InvalidArgumentf("row has %d values, need >= %d for PK", len(values), s.NumPK)
	}
	var buf bytes.Buffer
	for i := 0; i < s.NumPK; i++ {
		if err := encodeValue(&buf, s.Columns[i].Kind, values[i]); err != nil {
			return nil, fmt.Errorf("encoding PK column %q: %w", s.Columns[i].Name, err)
		}
	}
	return buf.Bytes(), nil
}

func encodeValue(buf *bytes.Buffer, kind Kind, v interface{}) error {
	switch kind {
	case Int64:
		iv, ok := toInt64(v)
		if !ok {
			return status.InvalidArgumentf("expected int64, got %T", v)
		}
		// Flip the sign bit so two's-complement ordering becomes
		// unsigned byte-order comparable.
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], uint64(iv)^(1<<63))
		buf.Write(b[:])
	case Uint64:
		uv, ok := toUint64(v)
		if !ok {
			return status.InvalidArgumentf("expected uint64, got %T", v)
		}
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], uv)
		buf.Write(b[:])
	case Float64:
		fv, ok := v.(float64)
		if !ok {
			return status.InvalidArgumentf("expected float64, got %T", v)
		}
		buf.Write(encodeFloatOrdered(fv))
	case Bool:
		bv, ok := v.(bool)
		if !ok {
			return status.InvalidArgumentf("expected bool, got %T", v)
		}
		if bv {
			buf.WriteByte(1)
		} else {
			buf.WriteByte(0)
		}
	case String:
		sv, ok := v.(string)
		if !ok {
			return status.InvalidArgumentf("expected string, got %T", v)
		}
		writeEscapedBytes(buf, []byte(sv))
	case Bytes:
		bv, ok := v.([]byte)
		if !ok {
			return status.InvalidArgumentf("expected []byte, got %T", v)
		}
		writeEscapedBytes(buf, bv)
	default:
		return status.InvalidArgumentf("unsupported PK column kind %v", kind)
	}
	return nil
}

// writeEscapedBytes writes a variable-length byte string so that
// concatenating several of these (as in a multi-column PK) remains
// order-preserving and self-delimiting: 0x00 bytes are escaped to
// 0x00 0xFF and the string is terminated with 0x00 0x00.
func writeEscapedBytes(buf *bytes.Buffer, v []byte) {
	for _, b := range v {
		if b == 0x00 {
			buf.WriteByte(0x00)
			buf.WriteByte(0xFF)
		} else {
			buf.WriteByte(b)
		}
	}
	buf.WriteByte(0x00)
	buf.WriteByte(0x00)
}

// encodeFloatOrdered maps a float64's bit pattern to an unsigned
// 64-bit value whose ordering matches float ordering, the standard
// trick (flip sign bit for positives, flip all bits for negatives).
func encodeFloatOrdered(f float64) []byte {
	bits := math.Float64bits(f)
	if bits&(1<<63) != 0 {
		bits = ^bits
	} else {
		bits |= 1 << 63
	}
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], bits)
	return b[:]
}

func toInt64(v interface{}) (int64, bool) {
	switch x := v.(type) {
	case int64:
		return x, true
	case int:
		return int64(x), true
	case int32:
		return int64(x), true
	}
	return 0, false
}

func toUint64(v interface{}) (uint64, bool) {
	switch x := v.(type) {
	case uint64:
		return x, true
	case uint:
		return uint64(x), true
	case uint32:
		return uint64(x), true
	}
	return 0, false
}
