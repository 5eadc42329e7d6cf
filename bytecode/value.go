package bytecode

import (
	"encoding/binary"
	"fmt"
	"math"
)

// ---------------------------------------------------------------------------
// Value: a materialized tagged value
// ---------------------------------------------------------------------------

// Value is a typed value lifted off the byte-level operand stack. Bits holds
// the value's little-endian representation zero-extended to 64 bits, so an
// i8 of -1 is stored as 0xFF.
type Value struct {
	Type TypeTag
	Bits uint64
}

// UnitValue is the single value of type unit.
var UnitValue = Value{Type: Unit}

// NullRef is the reference that names no object.
var NullRef = Value{Type: Reference}

func truncate(t TypeTag, bits uint64) uint64 {
	switch t.Size() {
	case 0:
		return 0
	case 1:
		return bits & 0xFF
	case 2:
		return bits & 0xFFFF
	case 4:
		return bits & 0xFFFFFFFF
	}
	return bits
}

// FromBits builds a value from raw bits, truncating to the tag's width.
func FromBits(t TypeTag, bits uint64) Value {
	return Value{Type: t, Bits: truncate(t, bits)}
}

func U8Value(v uint8) Value    { return Value{Type: U8, Bits: uint64(v)} }
func U16Value(v uint16) Value  { return Value{Type: U16, Bits: uint64(v)} }
func U32Value(v uint32) Value  { return Value{Type: U32, Bits: uint64(v)} }
func U64Value(v uint64) Value  { return Value{Type: U64, Bits: v} }
func I8Value(v int8) Value     { return Value{Type: I8, Bits: uint64(uint8(v))} }
func I16Value(v int16) Value   { return Value{Type: I16, Bits: uint64(uint16(v))} }
func I32Value(v int32) Value   { return Value{Type: I32, Bits: uint64(uint32(v))} }
func I64Value(v int64) Value   { return Value{Type: I64, Bits: uint64(v)} }
func F32Value(v float32) Value { return Value{Type: F32, Bits: uint64(math.Float32bits(v))} }
func F64Value(v float64) Value { return Value{Type: F64, Bits: math.Float64bits(v)} }
func CharValue(r rune) Value   { return Value{Type: Char, Bits: uint64(uint32(r))} }
func RefValue(r uint64) Value  { return Value{Type: Reference, Bits: r} }

// BoolValue encodes a truth value the way comparison opcodes do: u8 1 or 0.
func BoolValue(b bool) Value {
	if b {
		return U8Value(1)
	}
	return U8Value(0)
}

// Int returns the value as a sign-extended integer for signed types and a
// zero-extended integer for everything else. Floats are truncated.
func (v Value) Int() int64 {
	switch v.Type {
	case I8:
		return int64(int8(v.Bits))
	case I16:
		return int64(int16(v.Bits))
	case I32:
		return int64(int32(v.Bits))
	case I64:
		return int64(v.Bits)
	case F32, F64:
		return int64(v.Float())
	}
	return int64(v.Bits)
}

// Uint returns the value as an unsigned integer.
func (v Value) Uint() uint64 {
	switch v.Type {
	case I8, I16, I32, I64:
		return uint64(v.Int())
	case F32, F64:
		return uint64(v.Float())
	}
	return v.Bits
}

// Float returns the value as a float64.
func (v Value) Float() float64 {
	switch v.Type {
	case F32:
		return float64(math.Float32frombits(uint32(v.Bits)))
	case F64:
		return math.Float64frombits(v.Bits)
	case I8, I16, I32, I64:
		return float64(v.Int())
	}
	return float64(v.Bits)
}

// Ref returns the value as an object table reference.
func (v Value) Ref() uint64 {
	return v.Bits
}

// Rune returns the value as a character.
func (v Value) Rune() rune {
	return rune(uint32(v.Bits))
}

// Truth reports whether the value is non-zero.
func (v Value) Truth() bool {
	return v.Bits != 0
}

// AppendBytes appends the value's little-endian representation, exactly
// Type.Size() bytes long.
func (v Value) AppendBytes(dst []byte) []byte {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v.Bits)
	return append(dst, buf[:v.Type.Size()]...)
}

// ValueFromBytes decodes Type.Size() little-endian bytes into a value.
func ValueFromBytes(t TypeTag, b []byte) (Value, error) {
	n := t.Size()
	if len(b) < n {
		return Value{}, fmt.Errorf("%w: %s needs %d bytes, have %d", ErrTruncated, t, n, len(b))
	}
	var buf [8]byte
	copy(buf[:], b[:n])
	return Value{Type: t, Bits: binary.LittleEndian.Uint64(buf[:])}, nil
}

// String implements the Stringer interface.
func (v Value) String() string {
	switch {
	case v.Type == Unit:
		return "()"
	case v.Type == Reference:
		return fmt.Sprintf("ref(%d)", v.Bits)
	case v.Type == Char:
		return fmt.Sprintf("%q", v.Rune())
	case v.Type.IsFloat():
		return fmt.Sprintf("%g:%s", v.Float(), v.Type)
	case v.Type.IsSigned():
		return fmt.Sprintf("%d:%s", v.Int(), v.Type)
	}
	return fmt.Sprintf("%d:%s", v.Bits, v.Type)
}
