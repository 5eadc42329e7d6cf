package bytecode

import "fmt"

// ---------------------------------------------------------------------------
// TypeTag: width/signedness/kind of a stack or local value
// ---------------------------------------------------------------------------

// TypeTag identifies the width, signedness and kind of a value on the
// operand stack or in a local slot. The numeric values are part of the
// binary format.
type TypeTag uint8

const (
	U8 TypeTag = iota
	U16
	U32
	U64
	I8
	I16
	I32
	I64
	F32
	F64
	Char
	Reference
	Unit

	numTypeTags
)

var typeNames = [numTypeTags]string{
	U8:        "u8",
	U16:       "u16",
	U32:       "u32",
	U64:       "u64",
	I8:        "i8",
	I16:       "i16",
	I32:       "i32",
	I64:       "i64",
	F32:       "f32",
	F64:       "f64",
	Char:      "char",
	Reference: "ref",
	Unit:      "unit",
}

var typeSizes = [numTypeTags]int{
	U8: 1, U16: 2, U32: 4, U64: 8,
	I8: 1, I16: 2, I32: 4, I64: 8,
	F32: 4, F64: 8,
	Char:      4,
	Reference: 8,
	Unit:      0,
}

// NumericTypes lists the ten arithmetic types in tag order.
var NumericTypes = []TypeTag{U8, U16, U32, U64, I8, I16, I32, I64, F32, F64}

// IntegerTypes lists the eight integer types in tag order.
var IntegerTypes = []TypeTag{U8, U16, U32, U64, I8, I16, I32, I64}

// SignedTypes lists the types that support negation.
var SignedTypes = []TypeTag{I8, I16, I32, I64, F32, F64}

// Valid reports whether t is one of the 13 defined tags.
func (t TypeTag) Valid() bool {
	return t < numTypeTags
}

// Size returns the number of bytes a value of this type occupies on the
// operand stack.
func (t TypeTag) Size() int {
	if !t.Valid() {
		return 0
	}
	return typeSizes[t]
}

// Bits returns the width in bits.
func (t TypeTag) Bits() uint {
	return uint(t.Size()) * 8
}

// IsInteger reports whether t is one of the eight integer types.
func (t TypeTag) IsInteger() bool {
	return t <= I64
}

// IsSigned reports whether t is a signed integer type.
func (t TypeTag) IsSigned() bool {
	return t >= I8 && t <= I64
}

// IsFloat reports whether t is f32 or f64.
func (t TypeTag) IsFloat() bool {
	return t == F32 || t == F64
}

// IsNumeric reports whether t supports arithmetic.
func (t TypeTag) IsNumeric() bool {
	return t <= F64
}

// String implements the Stringer interface.
func (t TypeTag) String() string {
	if !t.Valid() {
		return fmt.Sprintf("type(%d)", uint8(t))
	}
	return typeNames[t]
}

// ParseTypeTag returns the tag with the given name.
func ParseTypeTag(name string) (TypeTag, bool) {
	for i, n := range typeNames {
		if n == name {
			return TypeTag(i), true
		}
	}
	return 0, false
}
