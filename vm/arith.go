package vm

import (
	"fmt"
	"math"

	"github.com/chazu/kestrel/bytecode"
)

// ---------------------------------------------------------------------------
// Typed arithmetic
// ---------------------------------------------------------------------------

type integer interface {
	~int8 | ~int16 | ~int32 | ~int64 | ~uint8 | ~uint16 | ~uint32 | ~uint64
}

type float interface {
	~float32 | ~float64
}

type number interface {
	integer | float
}

// intBinary applies an arithmetic or bitwise family with native
// wrap-around. Shift counts are taken modulo the operand width.
func intBinary[T integer](f bytecode.Family, x, y T, width uint) (T, error) {
	switch f {
	case bytecode.FamilyAdd:
		return x + y, nil
	case bytecode.FamilySub:
		return x - y, nil
	case bytecode.FamilyMul:
		return x * y, nil
	case bytecode.FamilyDiv:
		if y == 0 {
			return 0, ErrDivideByZero
		}
		return x / y, nil
	case bytecode.FamilyRem:
		if y == 0 {
			return 0, ErrDivideByZero
		}
		return x % y, nil
	case bytecode.FamilyAnd:
		return x & y, nil
	case bytecode.FamilyOr:
		return x | y, nil
	case bytecode.FamilyXor:
		return x ^ y, nil
	case bytecode.FamilyShl:
		return x << (uint64(y) & uint64(width-1)), nil
	case bytecode.FamilyShr:
		return x >> (uint64(y) & uint64(width-1)), nil
	}
	return 0, fmt.Errorf("%w: %s on integers", ErrTypeMismatch, f)
}

func floatBinary[T float](f bytecode.Family, x, y T) (T, error) {
	switch f {
	case bytecode.FamilyAdd:
		return x + y, nil
	case bytecode.FamilySub:
		return x - y, nil
	case bytecode.FamilyMul:
		return x * y, nil
	case bytecode.FamilyDiv:
		return x / y, nil
	case bytecode.FamilyRem:
		return T(math.Mod(float64(x), float64(y))), nil
	}
	return 0, fmt.Errorf("%w: %s on floats", ErrTypeMismatch, f)
}

func compare[T number](f bytecode.Family, x, y T) bool {
	switch f {
	case bytecode.FamilyEq:
		return x == y
	case bytecode.FamilyNe:
		return x != y
	case bytecode.FamilyLt:
		return x < y
	case bytecode.FamilyLe:
		return x <= y
	case bytecode.FamilyGt:
		return x > y
	}
	return x >= y
}

func intOp[T integer](f bytecode.Family, t bytecode.TypeTag, a, b uint64) (bytecode.Value, error) {
	x, y := T(a), T(b)
	if f.IsComparison() {
		return bytecode.BoolValue(compare(f, x, y)), nil
	}
	switch f {
	case bytecode.FamilyNeg:
		return bytecode.FromBits(t, uint64(-x)), nil
	case bytecode.FamilyNot:
		return bytecode.FromBits(t, uint64(^x)), nil
	}
	r, err := intBinary(f, x, y, uint(t.Bits()))
	if err != nil {
		return bytecode.Value{}, err
	}
	return bytecode.FromBits(t, uint64(r)), nil
}

func f32Op(f bytecode.Family, a, b uint64) (bytecode.Value, error) {
	x, y := math.Float32frombits(uint32(a)), math.Float32frombits(uint32(b))
	if f.IsComparison() {
		return bytecode.BoolValue(compare(f, x, y)), nil
	}
	if f == bytecode.FamilyNeg {
		return bytecode.F32Value(-x), nil
	}
	r, err := floatBinary(f, x, y)
	return bytecode.F32Value(r), err
}

func f64Op(f bytecode.Family, a, b uint64) (bytecode.Value, error) {
	x, y := math.Float64frombits(a), math.Float64frombits(b)
	if f.IsComparison() {
		return bytecode.BoolValue(compare(f, x, y)), nil
	}
	if f == bytecode.FamilyNeg {
		return bytecode.F64Value(-x), nil
	}
	r, err := floatBinary(f, x, y)
	return bytecode.F64Value(r), err
}

// Arith applies family f at type t. Unary families ignore b.
func Arith(f bytecode.Family, t bytecode.TypeTag, a, b uint64) (bytecode.Value, error) {
	switch t {
	case bytecode.U8:
		return intOp[uint8](f, t, a, b)
	case bytecode.U16:
		return intOp[uint16](f, t, a, b)
	case bytecode.U32:
		return intOp[uint32](f, t, a, b)
	case bytecode.U64:
		return intOp[uint64](f, t, a, b)
	case bytecode.I8:
		return intOp[int8](f, t, a, b)
	case bytecode.I16:
		return intOp[int16](f, t, a, b)
	case bytecode.I32:
		return intOp[int32](f, t, a, b)
	case bytecode.I64:
		return intOp[int64](f, t, a, b)
	case bytecode.F32:
		return f32Op(f, a, b)
	case bytecode.F64:
		return f64Op(f, a, b)
	}
	return bytecode.Value{}, fmt.Errorf("%w: %s is not numeric", ErrTypeMismatch, t)
}

// Convert casts v to the numeric or char type t, as a language-level
// conversion: integers are sign- or zero-extended or truncated, floats are
// rounded toward zero when converted to integers.
func Convert(v bytecode.Value, t bytecode.TypeTag) (bytecode.Value, error) {
	if !convertible(v.Type) || !convertible(t) {
		return bytecode.Value{}, fmt.Errorf("%w: cannot convert %s to %s", ErrTypeMismatch, v.Type, t)
	}
	switch {
	case t == bytecode.F32:
		return bytecode.F32Value(float32(v.Float())), nil
	case t == bytecode.F64:
		return bytecode.F64Value(v.Float()), nil
	case v.Type.IsFloat():
		f := v.Float()
		if t.IsSigned() {
			return bytecode.FromBits(t, uint64(int64(f))), nil
		}
		return bytecode.FromBits(t, uint64(f)), nil
	}
	return bytecode.FromBits(t, uint64(v.Int())), nil
}

func convertible(t bytecode.TypeTag) bool {
	return t.IsNumeric() || t == bytecode.Char
}

// Bitcast reinterprets v's raw bits as type t, zero-extending or
// truncating to t's width.
func Bitcast(v bytecode.Value, t bytecode.TypeTag) (bytecode.Value, error) {
	if t == bytecode.Unit || v.Type == bytecode.Unit {
		return bytecode.Value{}, fmt.Errorf("%w: cannot bitcast %s to %s", ErrTypeMismatch, v.Type, t)
	}
	return bytecode.FromBits(t, v.Bits), nil
}
