package vm

import (
	"errors"
	"math"
	"testing"

	"github.com/chazu/kestrel/bytecode"
)

func TestArithEveryIntegerWidth(t *testing.T) {
	for _, ty := range bytecode.IntegerTypes {
		t.Run(ty.String(), func(t *testing.T) {
			max := uint64(math.MaxUint64) >> (64 - ty.Bits())
			// all ones plus one wraps to zero at every width
			got, err := Arith(bytecode.FamilyAdd, ty, max, 1)
			if err != nil || got != bytecode.FromBits(ty, 0) {
				t.Errorf("max + 1 = %s, %v", got, err)
			}
			if _, err := Arith(bytecode.FamilyRem, ty, 5, 0); !errors.Is(err, ErrDivideByZero) {
				t.Errorf("rem by zero err = %v", err)
			}
			// shift counts wrap at the operand width
			got, _ = Arith(bytecode.FamilyShl, ty, 1, uint64(ty.Bits()))
			if got != bytecode.FromBits(ty, 1) {
				t.Errorf("1 << width = %s, want 1", got)
			}
		})
	}
}

func TestArithRejects(t *testing.T) {
	if _, err := Arith(bytecode.FamilyAnd, bytecode.F64, 0, 0); !errors.Is(err, ErrTypeMismatch) {
		t.Errorf("and.f64 err = %v", err)
	}
	if _, err := Arith(bytecode.FamilyAdd, bytecode.Reference, 1, 1); !errors.Is(err, ErrTypeMismatch) {
		t.Errorf("add on references err = %v", err)
	}
}

func TestFloatRemainder(t *testing.T) {
	got, err := Arith(bytecode.FamilyRem, bytecode.F64,
		math.Float64bits(-7.5), math.Float64bits(2))
	if err != nil || got != bytecode.F64Value(-1.5) {
		t.Errorf("-7.5 rem 2 = %s, %v", got, err)
	}
}

func TestConvertRejects(t *testing.T) {
	for _, v := range []bytecode.Value{bytecode.RefValue(1), bytecode.UnitValue} {
		if _, err := Convert(v, bytecode.I32); !errors.Is(err, ErrTypeMismatch) {
			t.Errorf("convert %s err = %v", v, err)
		}
	}
	if _, err := Convert(bytecode.I32Value(1), bytecode.Reference); !errors.Is(err, ErrTypeMismatch) {
		t.Error("convert to reference succeeded")
	}
	got, err := Convert(bytecode.U32Value(0x1F600), bytecode.Char)
	if err != nil || got.Rune() != '😀' {
		t.Errorf("convert to char = %s, %v", got, err)
	}
}

func TestBitcastTruncates(t *testing.T) {
	got, err := Bitcast(bytecode.I64Value(-1), bytecode.U16)
	if err != nil || got != bytecode.U16Value(0xFFFF) {
		t.Errorf("bitcast = %s, %v", got, err)
	}
	got, _ = Bitcast(bytecode.U64Value(math.Float64bits(2.5)), bytecode.F64)
	if got.Float() != 2.5 {
		t.Errorf("bitcast to f64 = %s", got)
	}
}
