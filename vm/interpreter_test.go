package vm

import (
	"errors"
	"math"
	"strings"
	"testing"

	"github.com/chazu/kestrel/bytecode"
	"github.com/chazu/kestrel/module"
)

// evalOp runs a static method that loads args as constants, applies one
// typed opcode and returns the result.
func evalOp(t *testing.T, op bytecode.Instruction, ret bytecode.TypeTag, args ...bytecode.Value) (bytecode.Value, error) {
	t.Helper()
	mod := mainModule("calc", module.FunctionType(module.Primitive(ret)), func(b *module.Builder) []bytecode.Instruction {
		body := []bytecode.Instruction{bytecode.StartBlock(0)}
		for _, a := range args {
			body = append(body, bytecode.LoadConst(b.Literal(a)))
		}
		return append(body, op, bytecode.Return())
	})
	v, _, _, err := runMethod(t, "Main", "calc", []*module.Module{mod}, nil)
	return v, err
}

func TestTypedArithmetic(t *testing.T) {
	op := bytecode.Op
	tests := []struct {
		name string
		op   bytecode.Instruction
		ret  bytecode.TypeTag
		args []bytecode.Value
		want bytecode.Value
	}{
		{"add.i32 wraps", op(bytecode.FamilyAdd, bytecode.I32), bytecode.I32,
			[]bytecode.Value{bytecode.I32Value(math.MaxInt32), bytecode.I32Value(1)}, bytecode.I32Value(math.MinInt32)},
		{"sub.u8 wraps", op(bytecode.FamilySub, bytecode.U8), bytecode.U8,
			[]bytecode.Value{bytecode.U8Value(0), bytecode.U8Value(1)}, bytecode.U8Value(255)},
		{"mul.u16 truncates", op(bytecode.FamilyMul, bytecode.U16), bytecode.U16,
			[]bytecode.Value{bytecode.U16Value(300), bytecode.U16Value(300)}, bytecode.U16Value(24464)},
		{"div.i32 truncates toward zero", op(bytecode.FamilyDiv, bytecode.I32), bytecode.I32,
			[]bytecode.Value{bytecode.I32Value(-7), bytecode.I32Value(2)}, bytecode.I32Value(-3)},
		{"rem.i32 takes dividend sign", op(bytecode.FamilyRem, bytecode.I32), bytecode.I32,
			[]bytecode.Value{bytecode.I32Value(-7), bytecode.I32Value(2)}, bytecode.I32Value(-1)},
		{"shr.i8 is arithmetic", op(bytecode.FamilyShr, bytecode.I8), bytecode.I8,
			[]bytecode.Value{bytecode.I8Value(-128), bytecode.I8Value(1)}, bytecode.I8Value(-64)},
		{"shr.u8 is logical", op(bytecode.FamilyShr, bytecode.U8), bytecode.U8,
			[]bytecode.Value{bytecode.U8Value(128), bytecode.U8Value(1)}, bytecode.U8Value(64)},
		{"shl.u8 masks count", op(bytecode.FamilyShl, bytecode.U8), bytecode.U8,
			[]bytecode.Value{bytecode.U8Value(1), bytecode.U8Value(9)}, bytecode.U8Value(2)},
		{"neg.i64", op(bytecode.FamilyNeg, bytecode.I64), bytecode.I64,
			[]bytecode.Value{bytecode.I64Value(5)}, bytecode.I64Value(-5)},
		{"not.u8", op(bytecode.FamilyNot, bytecode.U8), bytecode.U8,
			[]bytecode.Value{bytecode.U8Value(0)}, bytecode.U8Value(255)},
		{"lt.i32 signed", op(bytecode.FamilyLt, bytecode.I32), bytecode.U8,
			[]bytecode.Value{bytecode.I32Value(-1), bytecode.I32Value(1)}, bytecode.U8Value(1)},
		{"lt.u32 unsigned", op(bytecode.FamilyLt, bytecode.U32), bytecode.U8,
			[]bytecode.Value{bytecode.U32Value(math.MaxUint32), bytecode.U32Value(1)}, bytecode.U8Value(0)},
		{"div.f64 by zero", op(bytecode.FamilyDiv, bytecode.F64), bytecode.F64,
			[]bytecode.Value{bytecode.F64Value(1), bytecode.F64Value(0)}, bytecode.F64Value(math.Inf(1))},
		{"eq.f64 NaN", op(bytecode.FamilyEq, bytecode.F64), bytecode.U8,
			[]bytecode.Value{bytecode.F64Value(math.NaN()), bytecode.F64Value(math.NaN())}, bytecode.U8Value(0)},
		{"add.f32", op(bytecode.FamilyAdd, bytecode.F32), bytecode.F32,
			[]bytecode.Value{bytecode.F32Value(1.5), bytecode.F32Value(2.25)}, bytecode.F32Value(3.75)},
		{"convert f64 to i32", bytecode.Convert(bytecode.I32), bytecode.I32,
			[]bytecode.Value{bytecode.F64Value(-2.7)}, bytecode.I32Value(-2)},
		{"convert i32 to u8", bytecode.Convert(bytecode.U8), bytecode.U8,
			[]bytecode.Value{bytecode.I32Value(-1)}, bytecode.U8Value(255)},
		{"convert u8 to i8", bytecode.Convert(bytecode.I8), bytecode.I8,
			[]bytecode.Value{bytecode.U8Value(200)}, bytecode.I8Value(-56)},
		{"convert char to u32", bytecode.Convert(bytecode.U32), bytecode.U32,
			[]bytecode.Value{bytecode.CharValue('A')}, bytecode.U32Value(65)},
		{"bitcast f32 to u32", bytecode.Bitcast(bytecode.U32), bytecode.U32,
			[]bytecode.Value{bytecode.F32Value(1)}, bytecode.U32Value(0x3f800000)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := evalOp(t, tt.op, tt.ret, tt.args...)
			if err != nil {
				t.Fatalf("err = %v", err)
			}
			if got != tt.want {
				t.Errorf("got %s, want %s", got, tt.want)
			}
		})
	}
}

func TestDivideByZeroFaults(t *testing.T) {
	_, err := evalOp(t, bytecode.Op(bytecode.FamilyDiv, bytecode.I32), bytecode.I32,
		bytecode.I32Value(1), bytecode.I32Value(0))
	fault := wantFault(t, err, ErrDivideByZero)
	if fault.Class != "Main" || fault.Method != "calc" {
		t.Errorf("fault in %s.%s, want Main.calc", fault.Class, fault.Method)
	}
	if fault.PC != (PC{Block: 0, Offset: 3}) {
		t.Errorf("fault pc = %s, want b0+3", fault.PC)
	}
	if fault.Op != bytecode.MustTyped(bytecode.FamilyDiv, bytecode.I32) {
		t.Errorf("fault op = %s", fault.Op)
	}
}

func TestOperandTypeChecked(t *testing.T) {
	_, err := evalOp(t, bytecode.Op(bytecode.FamilyAdd, bytecode.I32), bytecode.I32,
		bytecode.I32Value(1), bytecode.I64Value(2))
	wantFault(t, err, ErrTypeMismatch)
}

func TestFaultsDiscardCallStack(t *testing.T) {
	tests := []struct {
		name string
		ret  *module.TypeInfo
		body func(b *module.Builder) []bytecode.Instruction
		want error
	}{
		{"underflow", tUnit, func(b *module.Builder) []bytecode.Instruction {
			return []bytecode.Instruction{bytecode.StartBlock(0), bytecode.Pop(), bytecode.ReturnUnit()}
		}, ErrStackUnderflow},
		{"uninitialized local", tUnit, func(b *module.Builder) []bytecode.Instruction {
			return []bytecode.Instruction{bytecode.StartBlock(0), bytecode.LoadLocal(7), bytecode.ReturnUnit()}
		}, ErrUninitializedLocal},
		{"missing return", tUnit, func(b *module.Builder) []bytecode.Instruction {
			return []bytecode.Instruction{bytecode.StartBlock(0), bytecode.Nop()}
		}, ErrMissingReturn},
		{"wrong return type", tI32, func(b *module.Builder) []bytecode.Instruction {
			return []bytecode.Instruction{
				bytecode.StartBlock(0),
				bytecode.LoadConst(b.Literal(bytecode.I64Value(1))),
				bytecode.Return(),
			}
		}, ErrTypeMismatch},
		{"return_unit from i32 method", tI32, func(b *module.Builder) []bytecode.Instruction {
			return []bytecode.Instruction{bytecode.StartBlock(0), bytecode.ReturnUnit()}
		}, ErrTypeMismatch},
		{"if on non-u8", tUnit, func(b *module.Builder) []bytecode.Instruction {
			return []bytecode.Instruction{
				bytecode.StartBlock(0),
				bytecode.LoadConst(b.Literal(bytecode.I32Value(1))),
				bytecode.If(1, 1),
				bytecode.StartBlock(1),
				bytecode.ReturnUnit(),
			}
		}, ErrTypeMismatch},
		{"bitcast to unit", tUnit, func(b *module.Builder) []bytecode.Instruction {
			return []bytecode.Instruction{
				bytecode.StartBlock(0),
				bytecode.LoadConst(b.Literal(bytecode.I32Value(1))),
				bytecode.Bitcast(bytecode.Unit),
				bytecode.ReturnUnit(),
			}
		}, ErrTypeMismatch},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mod := mainModule("main", module.FunctionType(tt.ret), tt.body)
			_, _, m, err := runMethod(t, "Main", "main", []*module.Module{mod}, nil)
			wantFault(t, err, tt.want)
			if m.State() != Halted || m.Depth() != 0 {
				t.Errorf("state = %s depth = %d after fault", m.State(), m.Depth())
			}
			if !errors.Is(m.Err(), tt.want) {
				t.Errorf("Err() = %v", m.Err())
			}
		})
	}
}

// ---------------------------------------------------------------------------
// Control flow
// ---------------------------------------------------------------------------

func TestLoopSumsToFiftyFive(t *testing.T) {
	mod := mainModule("sum", module.FunctionType(tU64), func(b *module.Builder) []bytecode.Instruction {
		zero := b.Literal(bytecode.U64Value(0))
		one := b.Literal(bytecode.U64Value(1))
		ten := b.Literal(bytecode.U64Value(10))
		return []bytecode.Instruction{
			bytecode.StartBlock(0),
			bytecode.LoadConst(zero),
			bytecode.StoreLocal(0),
			bytecode.LoadConst(ten),
			bytecode.StoreLocal(1),
			bytecode.Goto(1),

			bytecode.StartBlock(1),
			bytecode.LoadLocal(1),
			bytecode.LoadConst(zero),
			bytecode.Op(bytecode.FamilyGt, bytecode.U64),
			bytecode.If(2, 3),

			bytecode.StartBlock(2),
			bytecode.LoadLocal(0),
			bytecode.LoadLocal(1),
			bytecode.Op(bytecode.FamilyAdd, bytecode.U64),
			bytecode.StoreLocal(0),
			bytecode.LoadLocal(1),
			bytecode.LoadConst(one),
			bytecode.Op(bytecode.FamilySub, bytecode.U64),
			bytecode.StoreLocal(1),
			bytecode.Goto(1),

			bytecode.StartBlock(3),
			bytecode.LoadLocal(0),
			bytecode.Return(),
		}
	})
	v, _, _, err := runMethod(t, "Main", "sum", []*module.Module{mod}, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if v != bytecode.U64Value(55) {
		t.Errorf("sum = %s, want 55", v)
	}
}

func TestFallThroughIntoNextBlock(t *testing.T) {
	mod := mainModule("main", module.FunctionType(tI32), func(b *module.Builder) []bytecode.Instruction {
		return []bytecode.Instruction{
			bytecode.StartBlock(0),
			bytecode.LoadConst(b.Literal(bytecode.I32Value(1))),
			bytecode.StartBlock(1),
			bytecode.LoadConst(b.Literal(bytecode.I32Value(2))),
			bytecode.Op(bytecode.FamilyAdd, bytecode.I32),
			bytecode.Return(),
		}
	})
	v, _, _, err := runMethod(t, "Main", "main", []*module.Module{mod}, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if v != bytecode.I32Value(3) {
		t.Errorf("result = %s, want 3", v)
	}
}

func TestStackOps(t *testing.T) {
	mod := mainModule("main", module.FunctionType(tI32), func(b *module.Builder) []bytecode.Instruction {
		return []bytecode.Instruction{
			bytecode.StartBlock(0),
			bytecode.LoadConst(b.Literal(bytecode.I32Value(10))),
			bytecode.LoadConst(b.Literal(bytecode.U8Value(3))),
			bytecode.Swap(),
			bytecode.Dup(),
			bytecode.Op(bytecode.FamilySub, bytecode.I32),
			bytecode.Swap(),
			bytecode.Pop(),
			bytecode.Return(),
		}
	})
	v, _, _, err := runMethod(t, "Main", "main", []*module.Module{mod}, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if v != bytecode.I32Value(0) {
		t.Errorf("result = %s, want 0", v)
	}
}

// ---------------------------------------------------------------------------
// Calls
// ---------------------------------------------------------------------------

func countdownModule(tail bool) *module.Module {
	b := module.NewBuilder()
	sig := module.FunctionType(tU64, tU64)
	self := b.Symbol("countdown", sig)
	call := bytecode.Invoke(self)
	if tail {
		call = bytecode.InvokeTail(self)
	}
	zero := b.Literal(bytecode.U64Value(0))
	b.Struct("Main", "").Method("countdown", sig, module.FuncStatic, []bytecode.Instruction{
		bytecode.StartBlock(0),
		bytecode.LoadLocal(0),
		bytecode.LoadConst(zero),
		bytecode.Op(bytecode.FamilyEq, bytecode.U64),
		bytecode.If(1, 2),

		bytecode.StartBlock(1),
		bytecode.LoadLocal(0),
		bytecode.Return(),

		bytecode.StartBlock(2),
		bytecode.LoadLocal(0),
		bytecode.LoadConst(b.Literal(bytecode.U64Value(1))),
		bytecode.Op(bytecode.FamilySub, bytecode.U64),
		call,
		bytecode.Return(),
	})
	return b.Build()
}

func TestTailCallsRunInConstantDepth(t *testing.T) {
	v, _, _, err := runMethod(t, "Main", "countdown", []*module.Module{countdownModule(true)},
		[]bytecode.Value{bytecode.U64Value(10000)}, WithMaxFrames(4))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if v != bytecode.U64Value(0) {
		t.Errorf("result = %s, want 0", v)
	}
}

func TestTailCallReturnTypeMustMatch(t *testing.T) {
	b := module.NewBuilder()
	unitSig := module.FunctionType(tUnit)
	b.NativeFunction("noop", "test.noop", unitSig)
	b.Function("nothing", unitSig, module.FuncStatic, []bytecode.Instruction{
		bytecode.StartBlock(0),
		bytecode.ReturnUnit(),
	})
	b.Struct("Main", "").
		Method("bytecode", module.FunctionType(tI32), module.FuncStatic, []bytecode.Instruction{
			bytecode.StartBlock(0),
			bytecode.InvokeTail(b.Symbol("nothing", unitSig)),
		}).
		Method("native", module.FunctionType(tI32), module.FuncStatic, []bytecode.Instruction{
			bytecode.StartBlock(0),
			bytecode.InvokeTail(b.Symbol("noop", unitSig)),
		})
	mod := b.Build()
	noop := WithNative("test.noop", func(m *Machine, args []bytecode.Value) (bytecode.Value, error) {
		return bytecode.UnitValue, nil
	})

	for _, method := range []string{"bytecode", "native"} {
		t.Run(method, func(t *testing.T) {
			_, _, _, err := runMethod(t, "Main", method, []*module.Module{mod}, nil, noop)
			fault := wantFault(t, err, ErrTypeMismatch)
			if fault.Method != method {
				t.Errorf("fault in %s, want %s", fault.Method, method)
			}
		})
	}
}

func TestCallDepthLimit(t *testing.T) {
	mods := []*module.Module{countdownModule(false)}
	v, _, _, err := runMethod(t, "Main", "countdown", mods, []bytecode.Value{bytecode.U64Value(3)}, WithMaxFrames(8))
	if err != nil || v != bytecode.U64Value(0) {
		t.Fatalf("shallow recursion = %s, %v", v, err)
	}
	_, _, _, err = runMethod(t, "Main", "countdown", mods, []bytecode.Value{bytecode.U64Value(100)}, WithMaxFrames(8))
	wantFault(t, err, ErrCallDepth)
}

func TestCallsPassArgumentsInOrder(t *testing.T) {
	b := module.NewBuilder()
	subSig := module.FunctionType(tI32, tI32, tI32)
	b.Function("sub", subSig, module.FuncStatic, []bytecode.Instruction{
		bytecode.StartBlock(0),
		bytecode.LoadLocal(0),
		bytecode.LoadLocal(1),
		bytecode.Op(bytecode.FamilySub, bytecode.I32),
		bytecode.Return(),
	})
	b.Struct("Main", "").Method("main", module.FunctionType(tI32), module.FuncStatic, []bytecode.Instruction{
		bytecode.StartBlock(0),
		bytecode.LoadConst(b.Literal(bytecode.I32Value(10))),
		bytecode.LoadConst(b.Literal(bytecode.I32Value(4))),
		bytecode.Invoke(b.Symbol("sub", subSig)),
		bytecode.LoadConst(b.Literal(bytecode.I32Value(1))),
		bytecode.Op(bytecode.FamilyAdd, bytecode.I32),
		bytecode.Return(),
	})
	v, _, _, err := runMethod(t, "Main", "main", []*module.Module{b.Build()}, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if v != bytecode.I32Value(7) {
		t.Errorf("result = %s, want 7", v)
	}
}

func TestCallArgumentTypeChecked(t *testing.T) {
	b := module.NewBuilder()
	sig := module.FunctionType(tUnit, tI32)
	b.Function("take", sig, module.FuncStatic, []bytecode.Instruction{
		bytecode.StartBlock(0),
		bytecode.ReturnUnit(),
	})
	b.Struct("Main", "").Method("main", module.FunctionType(tUnit), module.FuncStatic, []bytecode.Instruction{
		bytecode.StartBlock(0),
		bytecode.LoadConst(b.Literal(bytecode.U8Value(1))),
		bytecode.Invoke(b.Symbol("take", sig)),
		bytecode.ReturnUnit(),
	})
	_, _, _, err := runMethod(t, "Main", "main", []*module.Module{b.Build()}, nil)
	wantFault(t, err, ErrTypeMismatch)
}

func TestNatives(t *testing.T) {
	b := module.NewBuilder()
	printSig := module.FunctionType(tUnit, tI32)
	doubleSig := module.FunctionType(tI32, tI32)
	b.NativeFunction("println", "println", printSig)
	b.NativeFunction("double", "test.double", doubleSig)
	b.Struct("Main", "").Method("main", module.FunctionType(tUnit), module.FuncStatic, []bytecode.Instruction{
		bytecode.StartBlock(0),
		bytecode.LoadConst(b.Literal(bytecode.I32Value(-21))),
		bytecode.Invoke(b.Symbol("double", doubleSig)),
		bytecode.Invoke(b.Symbol("println", printSig)),
		bytecode.ReturnUnit(),
	})

	double := func(m *Machine, args []bytecode.Value) (bytecode.Value, error) {
		return bytecode.I32Value(int32(args[0].Int()) * 2), nil
	}
	_, out, _, err := runMethod(t, "Main", "main", []*module.Module{b.Build()}, nil, WithNative("test.double", double))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out != "-42\n" {
		t.Errorf("output = %q, want -42", out)
	}

	_, _, _, err = runMethod(t, "Main", "main", []*module.Module{b.Build()}, nil)
	fault := wantFault(t, err, ErrUnknownNative)
	if !strings.Contains(fault.Error(), "test.double") {
		t.Errorf("fault %q does not name the native", fault)
	}
}

func TestAbort(t *testing.T) {
	b := module.NewBuilder()
	sig := module.FunctionType(tUnit, tStr)
	b.NativeFunction("abort", "abort", sig)
	b.Struct("Main", "").Method("main", module.FunctionType(tUnit), module.FuncStatic, []bytecode.Instruction{
		bytecode.StartBlock(0),
		bytecode.LoadConst(b.Str("boom")),
		bytecode.Invoke(b.Symbol("abort", sig)),
		bytecode.ReturnUnit(),
	})
	_, _, _, err := runMethod(t, "Main", "main", []*module.Module{b.Build()}, nil)
	wantFault(t, err, ErrAbort)
	if !strings.Contains(err.Error(), "boom") {
		t.Errorf("err = %v, want message", err)
	}
}

// ---------------------------------------------------------------------------
// Objects and traits
// ---------------------------------------------------------------------------

func shapesModule() *module.Module {
	b := module.NewBuilder()
	area := module.FunctionType(tI32)
	areaSym := b.Symbol("area", area)
	field := func(name string) uint64 { return b.Symbol(name, tI32) }

	b.Struct("Shape", "").Flags(module.StructInterface)
	b.Struct("Square", "", "Shape").
		Field("s", tI32, module.FieldMutable).
		Method("area", area, 0, []bytecode.Instruction{
			bytecode.StartBlock(0),
			bytecode.LoadLocal(0),
			bytecode.GetField(field("s")),
			bytecode.LoadLocal(0),
			bytecode.GetField(field("s")),
			bytecode.Op(bytecode.FamilyMul, bytecode.I32),
			bytecode.Return(),
		})
	b.Struct("Rect", "", "Shape").
		Field("w", tI32, module.FieldMutable).
		Field("h", tI32, module.FieldMutable).
		Method("area", area, 0, []bytecode.Instruction{
			bytecode.StartBlock(0),
			bytecode.LoadLocal(0),
			bytecode.GetField(field("w")),
			bytecode.LoadLocal(0),
			bytecode.GetField(field("h")),
			bytecode.Op(bytecode.FamilyMul, bytecode.I32),
			bytecode.Return(),
		})
	b.Struct("Main", "").Method("main", area, module.FuncStatic, []bytecode.Instruction{
		bytecode.StartBlock(0),
		bytecode.New(b.Class("Square")),
		bytecode.Dup(),
		bytecode.LoadConst(b.Literal(bytecode.I32Value(3))),
		bytecode.SetField(field("s")),
		bytecode.InvokeTrait(areaSym),

		bytecode.New(b.Class("Rect")),
		bytecode.StoreLocal(0),
		bytecode.LoadLocal(0),
		bytecode.LoadConst(b.Literal(bytecode.I32Value(2))),
		bytecode.SetField(field("w")),
		bytecode.LoadLocal(0),
		bytecode.LoadConst(b.Literal(bytecode.I32Value(5))),
		bytecode.SetField(field("h")),
		bytecode.LoadLocal(0),
		bytecode.InvokeTrait(areaSym),

		bytecode.Op(bytecode.FamilyAdd, bytecode.I32),
		bytecode.Return(),
	})
	return b.Build()
}

func TestTraitDispatch(t *testing.T) {
	v, _, m, err := runMethod(t, "Main", "main", []*module.Module{shapesModule()}, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if v != bytecode.I32Value(19) {
		t.Errorf("result = %s, want 19", v)
	}
	if m.Dispatch().Misses != 2 || m.Dispatch().Len() != 2 {
		t.Errorf("dispatch cache misses = %d len = %d, want 2, 2", m.Dispatch().Misses, m.Dispatch().Len())
	}
}

func TestTraitOnNullReceiver(t *testing.T) {
	b := module.NewBuilder()
	area := module.FunctionType(tI32)
	b.Struct("Main", "").Method("main", area, module.FuncStatic, []bytecode.Instruction{
		bytecode.StartBlock(0),
		bytecode.LoadNull(),
		bytecode.InvokeTrait(b.Symbol("area", area)),
		bytecode.Return(),
	})
	_, _, _, err := runMethod(t, "Main", "main", []*module.Module{b.Build()}, nil)
	wantFault(t, err, ErrNullReference)
}

func TestTraitSameNameDifferentArity(t *testing.T) {
	b := module.NewBuilder()
	unary := module.FunctionType(tI32)
	binary := module.FunctionType(tI32, tI32)
	b.Struct("A", "").Method("f", unary, 0, []bytecode.Instruction{
		bytecode.StartBlock(0),
		bytecode.LoadConst(b.Literal(bytecode.I32Value(1))),
		bytecode.Return(),
	})
	b.Struct("B", "").Method("f", binary, 0, []bytecode.Instruction{
		bytecode.StartBlock(0),
		bytecode.LoadLocal(1),
		bytecode.Return(),
	})
	b.Struct("Main", "").Method("main", unary, module.FuncStatic, []bytecode.Instruction{
		bytecode.StartBlock(0),
		bytecode.New(b.Class("B")),
		bytecode.LoadConst(b.Literal(bytecode.I32Value(5))),
		bytecode.InvokeTrait(b.Symbol("f", binary)),
		bytecode.Return(),
	})
	v, _, m, err := runMethod(t, "Main", "main", []*module.Module{b.Build()}, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if v != bytecode.I32Value(5) {
		t.Errorf("result = %s, want 5", v)
	}

	pool := m.Runtime().Pool
	u, okU := pool.LookupSymbol("f", unary)
	bi, okB := pool.LookupSymbol("f", binary)
	if !okU || !okB || u == bi {
		t.Errorf("f symbols = %d %v, %d %v, want two entries", u, okU, bi, okB)
	}
}

func inheritanceModule(body func(b *module.Builder) []bytecode.Instruction) *module.Module {
	b := module.NewBuilder()
	b.Struct("Base", "").Field("x", tI32, module.FieldMutable)
	b.Struct("Derived", "Base").Field("y", tI32, module.FieldMutable)
	b.Struct("Main", "").Method("main", module.FunctionType(tI32), module.FuncStatic, body(b))
	return b.Build()
}

func TestInheritedFields(t *testing.T) {
	mod := inheritanceModule(func(b *module.Builder) []bytecode.Instruction {
		x, y := b.Symbol("x", tI32), b.Symbol("y", tI32)
		return []bytecode.Instruction{
			bytecode.StartBlock(0),
			bytecode.New(b.Class("Derived")),
			bytecode.StoreLocal(0),
			bytecode.LoadLocal(0),
			bytecode.LoadConst(b.Literal(bytecode.I32Value(3))),
			bytecode.SetField(x),
			bytecode.LoadLocal(0),
			bytecode.LoadConst(b.Literal(bytecode.I32Value(4))),
			bytecode.SetField(y),
			bytecode.LoadLocal(0),
			bytecode.GetField(x),
			bytecode.LoadLocal(0),
			bytecode.GetField(y),
			bytecode.Op(bytecode.FamilyAdd, bytecode.I32),
			bytecode.Return(),
		}
	})
	v, _, m, err := runMethod(t, "Main", "main", []*module.Module{mod}, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if v != bytecode.I32Value(7) {
		t.Errorf("x + y = %s, want 7", v)
	}

	var objects int
	m.Runtime().Table.Each(func(ref uint64, h *ObjectHeader) bool {
		if h.Kind() == KindObject {
			objects++
		}
		return true
	})
	if objects != 2 {
		t.Errorf("%d object bodies, want 2 (Derived and its Base part)", objects)
	}
}

func TestFieldFaults(t *testing.T) {
	tests := []struct {
		name string
		body func(b *module.Builder) []bytecode.Instruction
		want error
	}{
		{"no such field", func(b *module.Builder) []bytecode.Instruction {
			return []bytecode.Instruction{
				bytecode.StartBlock(0),
				bytecode.New(b.Class("Base")),
				bytecode.GetField(b.Symbol("y", tI32)),
				bytecode.Return(),
			}
		}, ErrNoSuchField},
		{"null object", func(b *module.Builder) []bytecode.Instruction {
			return []bytecode.Instruction{
				bytecode.StartBlock(0),
				bytecode.LoadNull(),
				bytecode.GetField(b.Symbol("x", tI32)),
				bytecode.Return(),
			}
		}, ErrNullReference},
		{"wrong value type", func(b *module.Builder) []bytecode.Instruction {
			return []bytecode.Instruction{
				bytecode.StartBlock(0),
				bytecode.New(b.Class("Derived")),
				bytecode.LoadConst(b.Literal(bytecode.U8Value(1))),
				bytecode.SetField(b.Symbol("x", tI32)),
				bytecode.LoadConst(b.Literal(bytecode.I32Value(0))),
				bytecode.Return(),
			}
		}, ErrTypeMismatch},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, _, err := runMethod(t, "Main", "main", []*module.Module{inheritanceModule(tt.body)}, nil)
			wantFault(t, err, tt.want)
		})
	}
}

func TestInstanceOf(t *testing.T) {
	b := module.NewBuilder()
	b.Struct("Shape", "").Flags(module.StructInterface)
	b.Struct("Square", "", "Shape")
	b.Struct("Other", "")
	b.Struct("Main", "").Method("main", module.FunctionType(tU8), module.FuncStatic, []bytecode.Instruction{
		bytecode.StartBlock(0),
		// Square is a Shape: 1
		bytecode.New(b.Class("Square")),
		bytecode.InstanceOf(b.Class("Shape")),
		// Square is not an Other: 0
		bytecode.New(b.Class("Square")),
		bytecode.InstanceOf(b.Class("Other")),
		bytecode.Op(bytecode.FamilyAdd, bytecode.U8),
		// null is nothing: 0
		bytecode.LoadNull(),
		bytecode.InstanceOf(b.Class("Shape")),
		bytecode.Op(bytecode.FamilyAdd, bytecode.U8),
		// everything is an Object: 1
		bytecode.New(b.Class("Other")),
		bytecode.InstanceOf(b.Class("Object")),
		bytecode.Op(bytecode.FamilyAdd, bytecode.U8),
		bytecode.Return(),
	})
	v, _, _, err := runMethod(t, "Main", "main", []*module.Module{b.Build()}, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if v != bytecode.U8Value(2) {
		t.Errorf("result = %s, want 2", v)
	}
}

func TestNewInterfaceFaults(t *testing.T) {
	b := module.NewBuilder()
	b.Struct("Shape", "").Flags(module.StructInterface)
	b.Struct("Main", "").Method("main", module.FunctionType(tUnit), module.FuncStatic, []bytecode.Instruction{
		bytecode.StartBlock(0),
		bytecode.New(b.Class("Shape")),
		bytecode.ReturnUnit(),
	})
	_, _, _, err := runMethod(t, "Main", "main", []*module.Module{b.Build()}, nil)
	wantFault(t, err, ErrNotInstantiable)
}

func TestRefEquality(t *testing.T) {
	b := module.NewBuilder()
	b.Struct("Box", "")
	b.Struct("Main", "").Method("main", module.FunctionType(tU8), module.FuncStatic, []bytecode.Instruction{
		bytecode.StartBlock(0),
		bytecode.New(b.Class("Box")),
		bytecode.Dup(),
		bytecode.RefEq(),
		bytecode.New(b.Class("Box")),
		bytecode.New(b.Class("Box")),
		bytecode.RefNe(),
		bytecode.Op(bytecode.FamilyAdd, bytecode.U8),
		bytecode.LoadConst(b.Str("s")),
		bytecode.LoadConst(b.Str("s")),
		bytecode.RefEq(),
		bytecode.Op(bytecode.FamilyAdd, bytecode.U8),
		bytecode.Return(),
	})
	v, _, _, err := runMethod(t, "Main", "main", []*module.Module{b.Build()}, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if v != bytecode.U8Value(3) {
		t.Errorf("result = %s, want 3", v)
	}
}

// ---------------------------------------------------------------------------
// Arrays
// ---------------------------------------------------------------------------

func TestArrays(t *testing.T) {
	mod := mainModule("main", module.FunctionType(tI32), func(b *module.Builder) []bytecode.Instruction {
		idx := func(i uint64) bytecode.Instruction { return bytecode.LoadConst(b.Literal(bytecode.U64Value(i))) }
		i32 := func(v int32) bytecode.Instruction { return bytecode.LoadConst(b.Literal(bytecode.I32Value(v))) }
		return []bytecode.Instruction{
			bytecode.StartBlock(0),
			idx(3),
			bytecode.NewArray(bytecode.I32),
			bytecode.StoreLocal(0),

			bytecode.LoadLocal(0), idx(0), i32(10), bytecode.ArraySet(bytecode.I32),
			bytecode.LoadLocal(0), idx(2), i32(32), bytecode.ArraySet(bytecode.I32),

			bytecode.LoadLocal(0), idx(0), bytecode.ArrayGet(bytecode.I32),
			bytecode.LoadLocal(0), idx(1), bytecode.ArrayGet(bytecode.I32),
			bytecode.Op(bytecode.FamilyAdd, bytecode.I32),
			bytecode.LoadLocal(0), idx(2), bytecode.ArrayGet(bytecode.I32),
			bytecode.Op(bytecode.FamilyAdd, bytecode.I32),

			bytecode.LoadLocal(0),
			bytecode.ArrayLen(),
			bytecode.Convert(bytecode.I32),
			bytecode.Op(bytecode.FamilyAdd, bytecode.I32),
			bytecode.Return(),
		}
	})
	v, _, _, err := runMethod(t, "Main", "main", []*module.Module{mod}, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if v != bytecode.I32Value(45) {
		t.Errorf("result = %s, want 45", v)
	}
}

func TestArrayFaults(t *testing.T) {
	tests := []struct {
		name string
		ops  func(b *module.Builder) []bytecode.Instruction
		want error
	}{
		{"index out of bounds", func(b *module.Builder) []bytecode.Instruction {
			return []bytecode.Instruction{
				bytecode.LoadConst(b.Literal(bytecode.U64Value(2))),
				bytecode.ArrayGet(bytecode.U8),
			}
		}, ErrIndexOutOfBounds},
		{"element type", func(b *module.Builder) []bytecode.Instruction {
			return []bytecode.Instruction{
				bytecode.LoadConst(b.Literal(bytecode.U64Value(0))),
				bytecode.ArrayGet(bytecode.I32),
			}
		}, ErrTypeMismatch},
		{"index type", func(b *module.Builder) []bytecode.Instruction {
			return []bytecode.Instruction{
				bytecode.LoadConst(b.Literal(bytecode.U32Value(0))),
				bytecode.ArrayGet(bytecode.U8),
			}
		}, ErrTypeMismatch},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mod := mainModule("main", module.FunctionType(tUnit), func(b *module.Builder) []bytecode.Instruction {
				body := []bytecode.Instruction{
					bytecode.StartBlock(0),
					bytecode.LoadConst(b.Literal(bytecode.U64Value(2))),
					bytecode.NewArray(bytecode.U8),
				}
				body = append(body, tt.ops(b)...)
				return append(body, bytecode.Pop(), bytecode.ReturnUnit())
			})
			_, _, _, err := runMethod(t, "Main", "main", []*module.Module{mod}, nil)
			wantFault(t, err, tt.want)
		})
	}
}

func TestNullArrayFaults(t *testing.T) {
	mod := mainModule("main", module.FunctionType(tU64), func(b *module.Builder) []bytecode.Instruction {
		return []bytecode.Instruction{
			bytecode.StartBlock(0),
			bytecode.LoadNull(),
			bytecode.ArrayLen(),
			bytecode.Return(),
		}
	})
	_, _, _, err := runMethod(t, "Main", "main", []*module.Module{mod}, nil)
	wantFault(t, err, ErrNullReference)
}

// ---------------------------------------------------------------------------
// Collection during execution
// ---------------------------------------------------------------------------

func TestCollectionDuringRun(t *testing.T) {
	b := module.NewBuilder()
	b.Struct("Node", "").Field("next", module.ObjectType("Node"), module.FieldMutable)
	zero := b.Literal(bytecode.U64Value(0))
	b.Struct("Main", "").Method("main", module.FunctionType(tUnit), module.FuncStatic, []bytecode.Instruction{
		bytecode.StartBlock(0),
		bytecode.LoadConst(b.Literal(bytecode.U64Value(100))),
		bytecode.StoreLocal(0),
		bytecode.New(b.Class("Node")),
		bytecode.StoreLocal(1), // kept alive for the whole run
		bytecode.Goto(1),

		bytecode.StartBlock(1),
		bytecode.LoadLocal(0),
		bytecode.LoadConst(zero),
		bytecode.Op(bytecode.FamilyEq, bytecode.U64),
		bytecode.If(3, 2),

		bytecode.StartBlock(2),
		bytecode.New(b.Class("Node")),
		bytecode.Pop(),
		bytecode.LoadLocal(0),
		bytecode.LoadConst(b.Literal(bytecode.U64Value(1))),
		bytecode.Op(bytecode.FamilySub, bytecode.U64),
		bytecode.StoreLocal(0),
		bytecode.Goto(1),

		bytecode.StartBlock(3),
		bytecode.ReturnUnit(),
	})

	rt := newRuntime(t, b.Build())
	boot, _ := rt.Entry("Main", "main")
	m, err := NewMachine(rt, WithGCThreshold(8))
	if err != nil {
		t.Fatalf("NewMachine: %v", err)
	}
	if err := m.Start(boot); err != nil {
		t.Fatalf("Start: %v", err)
	}
	var kept uint64
	for {
		running, err := m.Step()
		if err != nil {
			t.Fatalf("Step: %v", err)
		}
		if !running {
			break
		}
		if kept == 0 {
			if v, ok := m.calls.Top().Local(1); ok {
				kept = v.Bits
			}
			continue
		}
		if _, err := rt.Table.Object(kept); err != nil {
			t.Fatalf("object held in a local was collected: %v", err)
		}
	}
	if m.Collector().Count() < 10 {
		t.Errorf("%d collections, want at least 10", m.Collector().Count())
	}
	if rt.Table.Live() > 20 {
		t.Errorf("%d live slots after run, garbage was not reclaimed", rt.Table.Live())
	}
}

func TestGCDisabled(t *testing.T) {
	mod := mainModule("main", module.FunctionType(tUnit), func(b *module.Builder) []bytecode.Instruction {
		body := []bytecode.Instruction{bytecode.StartBlock(0)}
		for i := 0; i < 10; i++ {
			body = append(body,
				bytecode.LoadConst(b.Literal(bytecode.U64Value(1))),
				bytecode.NewArray(bytecode.U8),
				bytecode.Pop())
		}
		return append(body, bytecode.ReturnUnit())
	})
	_, _, m, err := runMethod(t, "Main", "main", []*module.Module{mod}, nil, WithGCThreshold(2), WithGC(false))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if m.Collector().Count() != 0 {
		t.Errorf("%d collections with gc disabled", m.Collector().Count())
	}
	stats := m.CollectNow()
	if stats.Freed != 10 {
		t.Errorf("explicit collection freed %d, want 10", stats.Freed)
	}
}

func TestProfiledRun(t *testing.T) {
	p := NewProfiler()
	mods := []*module.Module{countdownModule(false)}
	_, _, m, err := runMethod(t, "Main", "countdown", mods, []bytecode.Value{bytecode.U64Value(5)}, WithProfiler(p))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if m.Profiler() != p {
		t.Fatal("Profiler() is not the configured profiler")
	}
	boot, _ := m.Runtime().Entry("Main", "countdown")
	prof := p.GetMethodProfile(boot.Class, boot.Method)
	if prof == nil || prof.InvocationCount != 6 {
		t.Fatalf("countdown profile = %+v, want 6 invocations", prof)
	}
	counts := p.OpcodeCounts()
	if counts[bytecode.OpReturn] != 6 {
		t.Errorf("return executed %d times, want 6", counts[bytecode.OpReturn])
	}
	if p.Stats().Instructions == 0 {
		t.Error("no instructions recorded")
	}
}
