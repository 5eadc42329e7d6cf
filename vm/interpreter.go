package vm

import (
	"fmt"

	"github.com/chazu/kestrel/bytecode"
)

// ---------------------------------------------------------------------------
// Interpreter: fetch and dispatch
// ---------------------------------------------------------------------------

// fetch returns the instruction at f's pc.
func fetch(f *StackFrame) (bytecode.Instruction, error) {
	start, ok := f.code.BlockStart(f.PC.Block)
	if !ok {
		return bytecode.Instruction{}, fmt.Errorf("%w: block %d", ErrUnknownBlock, f.PC.Block)
	}
	idx := start + f.PC.Offset
	if idx >= len(f.code.Code) {
		return bytecode.Instruction{}, ErrMissingReturn
	}
	return f.code.Code[idx], nil
}

// step executes the instruction at the top frame's pc. Non-control
// instructions advance the pc by one after they succeed; on error the pc
// is left on the faulting instruction.
func (m *Machine) step() error {
	f := m.calls.Top()
	if f == nil {
		return ErrHalted
	}
	code := f.code
	inst, err := fetch(f)
	if err != nil {
		return err
	}

	m.curFrame, m.curPC, m.curOp = f, f.PC, inst.Op
	if m.profiler != nil {
		m.profiler.RecordOpcode(inst.Op)
	}

	if fam, t, ok := inst.Op.Family(); ok {
		if err := m.arith(f, fam, t); err != nil {
			return err
		}
		f.PC.Offset++
		return nil
	}

	switch inst.Op {
	case bytecode.OpNop:
	case bytecode.OpBreakpoint:
		m.log.Debugf("breakpoint in %s.%s at %s", m.rt.ClassName(f.Class), code.MethodName, f.PC)

	case bytecode.OpPop:
		_, err = f.Pop()
	case bytecode.OpDup:
		err = f.Dup()
	case bytecode.OpSwap:
		err = f.Swap()

	case bytecode.OpLoadConst:
		err = m.loadConst(f, inst.Pool())
	case bytecode.OpLoadNull:
		f.Push(bytecode.NullRef)
	case bytecode.OpLoadLocal:
		err = f.LoadLocal(inst.Local())
	case bytecode.OpStoreLocal:
		err = f.StoreLocal(inst.Local())

	case bytecode.OpConvert, bytecode.OpBitcast:
		err = m.cast(f, inst.Op, inst.Type())

	case bytecode.OpNew:
		err = m.newObject(f, inst.Pool())
	case bytecode.OpGetField:
		err = m.getField(f, inst.Symbol())
	case bytecode.OpSetField:
		err = m.setField(f, inst.Symbol())
	case bytecode.OpInstanceOf:
		err = m.instanceOf(f, inst.Pool())
	case bytecode.OpNewArray:
		err = m.newArray(f, inst.Type())
	case bytecode.OpArrayGet:
		err = m.arrayGet(f, inst.Type())
	case bytecode.OpArraySet:
		err = m.arraySet(f, inst.Type())
	case bytecode.OpArrayLen:
		err = m.arrayLen(f)

	case bytecode.OpRefEq, bytecode.OpRefNe:
		err = m.refCompare(f, inst.Op == bytecode.OpRefEq)

	// control transfer sets the pc itself

	case bytecode.OpStartBlock:
		f.PC = PC{Block: inst.Block(), Offset: 1}
		return nil
	case bytecode.OpGoto:
		f.PC = PC{Block: inst.Block()}
		return nil
	case bytecode.OpIf:
		cond, err := f.PopType(bytecode.U8)
		if err != nil {
			return err
		}
		if cond.Truth() {
			f.PC = PC{Block: inst.Block()}
		} else {
			f.PC = PC{Block: inst.Else()}
		}
		return nil

	case bytecode.OpInvoke, bytecode.OpInvokeTail:
		ref, err := m.rt.Pool.method(inst.Symbol())
		if err != nil {
			return err
		}
		return m.call(f, ref.Class, ref.Index, inst.Op == bytecode.OpInvokeTail)
	case bytecode.OpInvokeTrait, bytecode.OpInvokeTraitTail:
		return m.invokeTrait(f, inst.Symbol(), inst.Op == bytecode.OpInvokeTraitTail)

	case bytecode.OpReturn:
		v, err := f.Pop()
		if err != nil {
			return err
		}
		if want := code.Returns(); v.Type != want {
			return fmt.Errorf("%w: return %s from method returning %s", ErrTypeMismatch, v.Type, want)
		}
		m.ret(v)
		return nil
	case bytecode.OpReturnUnit:
		if want := code.Returns(); want != bytecode.Unit {
			return fmt.Errorf("%w: return_unit from method returning %s", ErrTypeMismatch, want)
		}
		m.ret(bytecode.UnitValue)
		return nil

	default:
		return fmt.Errorf("%w: unknown opcode %s", ErrBadOperand, inst.Op)
	}
	if err != nil {
		return err
	}
	f.PC.Offset++
	return nil
}

// ---------------------------------------------------------------------------
// Arithmetic and conversions
// ---------------------------------------------------------------------------

func (m *Machine) arith(f *StackFrame, fam bytecode.Family, t bytecode.TypeTag) error {
	var a, b bytecode.Value
	var err error
	if fam.IsUnary() {
		if a, err = f.PopType(t); err != nil {
			return err
		}
	} else {
		if b, err = f.PopType(t); err != nil {
			return err
		}
		if a, err = f.PopType(t); err != nil {
			return err
		}
	}
	r, err := Arith(fam, t, a.Bits, b.Bits)
	if err != nil {
		return err
	}
	f.Push(r)
	return nil
}

func (m *Machine) cast(f *StackFrame, op bytecode.Opcode, t bytecode.TypeTag) error {
	v, err := f.Pop()
	if err != nil {
		return err
	}
	var r bytecode.Value
	if op == bytecode.OpConvert {
		r, err = Convert(v, t)
	} else {
		r, err = Bitcast(v, t)
	}
	if err != nil {
		return err
	}
	f.Push(r)
	return nil
}

func (m *Machine) refCompare(f *StackFrame, eq bool) error {
	b, err := f.PopType(bytecode.Reference)
	if err != nil {
		return err
	}
	a, err := f.PopType(bytecode.Reference)
	if err != nil {
		return err
	}
	f.Push(bytecode.BoolValue((a.Bits == b.Bits) == eq))
	return nil
}

// ---------------------------------------------------------------------------
// Constants
// ---------------------------------------------------------------------------

func (m *Machine) loadConst(f *StackFrame, idx uint64) error {
	c, err := m.rt.Pool.Get(idx)
	if err != nil {
		return err
	}
	switch c := c.(type) {
	case *Literal:
		f.Push(c.Value)
	case *StringConst:
		f.Push(bytecode.RefValue(m.stringRef(idx, c.Text)))
	case *ClassInfo:
		if c.Ref == 0 {
			return fmt.Errorf("%w: class %s is not linked", ErrUnresolvedSymbol, c.Name)
		}
		f.Push(bytecode.RefValue(c.Ref))
	default:
		return fmt.Errorf("%w: load_const of %s", ErrBadConstant, c.Kind())
	}
	return nil
}

// stringRef returns the u8 array for a string constant, allocating and
// pinning it on first use.
func (m *Machine) stringRef(idx uint64, text string) uint64 {
	if ref, ok := m.strings[idx]; ok {
		return ref
	}
	ref := m.rt.Table.AddArray(NewByteArray(m.rt.ArrayClass(), []byte(text)))
	m.gc.NoteAllocation()
	m.gc.Pin(ref)
	m.strings[idx] = ref
	return ref
}

// ---------------------------------------------------------------------------
// Calls and returns
// ---------------------------------------------------------------------------

// call invokes method index of class with arguments taken from f's
// operand stack, the last argument on top.
func (m *Machine) call(f *StackFrame, class, index uint64, tail bool) error {
	h, err := m.rt.Table.Class(class)
	if err != nil {
		return err
	}
	mi, err := h.Method(int(index))
	if err != nil {
		return err
	}
	if mi == nil {
		return fmt.Errorf("%w: %s method %d", ErrNoSuchMethod, h.Name, index)
	}

	argc := mi.ArgCount()
	if argc > NumLocals {
		return fmt.Errorf("%w: %s.%s takes %d arguments", ErrBadOperand, h.Name, mi.MethodName, argc)
	}
	for i := 0; i < argc; i++ {
		v, err := f.PeekAt(argc - 1 - i)
		if err != nil {
			return err
		}
		if want := mi.ParamTag(i); v.Type != want {
			return fmt.Errorf("%w: argument %d of %s.%s: want %s, have %s",
				ErrTypeMismatch, i, h.Name, mi.MethodName, want, v.Type)
		}
	}
	if tail && mi.Returns() != f.code.Returns() {
		return fmt.Errorf("%w: tail call to %s.%s returns %s, caller returns %s",
			ErrTypeMismatch, h.Name, mi.MethodName, mi.Returns(), f.code.Returns())
	}
	if m.profiler != nil {
		m.profiler.RecordMethodInvocation(class, index, h.Name, mi.MethodName)
	}

	if mi.IsNative() {
		return m.callNative(f, mi, argc, tail)
	}

	if !tail && m.calls.Depth() >= m.maxFrames {
		return fmt.Errorf("%w: %d frames", ErrCallDepth, m.calls.Depth())
	}
	args := popArgs(f, argc)
	if tail {
		m.calls.Pop()
	} else {
		f.PC.Offset++
	}
	callee := NewStackFrame(class, index, mi)
	for i, a := range args {
		callee.SetLocal(uint8(i), a)
	}
	m.calls.Push(callee)
	return nil
}

// popArgs removes n values already checked by the caller, returning them
// in call order.
func popArgs(f *StackFrame, n int) []bytecode.Value {
	args := make([]bytecode.Value, n)
	for i := n - 1; i >= 0; i-- {
		args[i], _ = f.Pop()
	}
	return args
}

func (m *Machine) callNative(f *StackFrame, mi *MethodInfo, argc int, tail bool) error {
	fn, ok := m.natives[mi.LinkName]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownNative, mi.LinkName)
	}
	res, err := fn(m, popArgs(f, argc))
	if err != nil {
		return err
	}
	want := mi.Returns()
	if want == bytecode.Unit {
		res = bytecode.UnitValue
	} else if res.Type != want {
		return fmt.Errorf("%w: native %s returned %s, want %s", ErrTypeMismatch, mi.LinkName, res.Type, want)
	}

	if tail {
		m.ret(res)
		return nil
	}
	if want != bytecode.Unit {
		f.Push(res)
	}
	f.PC.Offset++
	return nil
}

func (m *Machine) invokeTrait(f *StackFrame, symIdx uint64, tail bool) error {
	sym, err := m.rt.Pool.symbol(symIdx)
	if err != nil {
		return err
	}
	argc := sym.Type.Arity() + 1
	recv, err := f.PeekAt(argc - 1)
	if err != nil {
		return err
	}
	if recv.Type != bytecode.Reference {
		return fmt.Errorf("%w: trait receiver is %s", ErrTypeMismatch, recv.Type)
	}
	if recv.Bits == 0 {
		return fmt.Errorf("%w: receiver of %s", ErrNullReference, sym.Name)
	}
	class, err := m.rt.Table.ClassOf(recv.Bits)
	if err != nil {
		return err
	}
	owner, idx, err := m.dispatch.Lookup(m.rt, class, sym.Name)
	if err != nil {
		return err
	}
	h, err := m.rt.Table.Class(owner)
	if err != nil {
		return err
	}
	mi, err := h.Method(idx)
	if err != nil {
		return err
	}
	if mi.IsStatic() || mi.ArgCount() != argc {
		return fmt.Errorf("%w: %s.%s does not match %s", ErrNoSuchMethod, h.Name, sym.Name, sym)
	}
	return m.call(f, owner, uint64(idx), tail)
}

// ret pops the current frame and hands v to the caller. Returning from
// the bootstrap frame halts the machine with v as the result.
func (m *Machine) ret(v bytecode.Value) {
	m.calls.Pop()
	caller := m.calls.Top()
	if caller == nil {
		m.state = Halted
		m.result = v
		return
	}
	if v.Type != bytecode.Unit {
		caller.Push(v)
	}
}

// ---------------------------------------------------------------------------
// Objects
// ---------------------------------------------------------------------------

func (m *Machine) newObject(f *StackFrame, idx uint64) error {
	ci, err := m.rt.Pool.classRef(idx)
	if err != nil {
		return err
	}
	h, err := m.rt.Table.Class(ci.Ref)
	if err != nil {
		return err
	}
	if h.IsAbstract() || h.IsFunctionClass() {
		return fmt.Errorf("%w: %s", ErrNotInstantiable, h.Name)
	}
	ref, err := m.instantiate(h)
	if err != nil {
		return err
	}
	f.Push(bytecode.RefValue(ref))
	return nil
}

// instantiate allocates a body for h and, for each ancestor below the
// root class, a parent sub-object holding that ancestor's fields.
func (m *Machine) instantiate(h *ClassHeader) (uint64, error) {
	var parent uint64
	if h.parentRef != 0 {
		ph, err := m.rt.Table.Class(h.parentRef)
		if err != nil {
			return 0, err
		}
		if ph.parentRef != 0 {
			if parent, err = m.instantiate(ph); err != nil {
				return 0, err
			}
		}
	}
	ref := m.rt.Table.AddObject(NewObjectBody(parent, h.ref, h.InstanceSlots()))
	m.gc.NoteAllocation()
	return ref, nil
}

// findField locates name on the object at ref or one of its parent
// sub-objects.
func (m *Machine) findField(ref uint64, name string) (*ObjectBody, int, bytecode.TypeTag, error) {
	for r := ref; r != 0; {
		body, err := m.rt.Table.Object(r)
		if err != nil {
			return nil, 0, 0, err
		}
		h, err := m.rt.Table.Class(body.Class)
		if err != nil {
			return nil, 0, 0, err
		}
		if slot, tag, ok := h.Slot(name); ok {
			return body, slot, tag, nil
		}
		r = body.Parent
	}
	return nil, 0, 0, fmt.Errorf("%w: %s on %s", ErrNoSuchField, name, m.FormatValue(bytecode.RefValue(ref)))
}

func (m *Machine) popObject(f *StackFrame) (uint64, error) {
	v, err := f.PopType(bytecode.Reference)
	if err != nil {
		return 0, err
	}
	if v.Bits == 0 {
		return 0, ErrNullReference
	}
	return v.Bits, nil
}

func (m *Machine) getField(f *StackFrame, symIdx uint64) error {
	sym, err := m.rt.Pool.symbol(symIdx)
	if err != nil {
		return err
	}
	ref, err := m.popObject(f)
	if err != nil {
		return err
	}
	body, slot, tag, err := m.findField(ref, sym.Name)
	if err != nil {
		return err
	}
	f.Push(bytecode.FromBits(tag, body.Fields[slot]))
	return nil
}

func (m *Machine) setField(f *StackFrame, symIdx uint64) error {
	sym, err := m.rt.Pool.symbol(symIdx)
	if err != nil {
		return err
	}
	v, err := f.Pop()
	if err != nil {
		return err
	}
	ref, err := m.popObject(f)
	if err != nil {
		return err
	}
	body, slot, tag, err := m.findField(ref, sym.Name)
	if err != nil {
		return err
	}
	if v.Type != tag {
		return fmt.Errorf("%w: field %s is %s, have %s", ErrTypeMismatch, sym.Name, tag, v.Type)
	}
	body.Fields[slot] = v.Bits
	return nil
}

func (m *Machine) instanceOf(f *StackFrame, idx uint64) error {
	ci, err := m.rt.Pool.classRef(idx)
	if err != nil {
		return err
	}
	v, err := f.PopType(bytecode.Reference)
	if err != nil {
		return err
	}
	if v.Bits == 0 {
		f.Push(bytecode.BoolValue(false))
		return nil
	}
	class, err := m.rt.Table.ClassOf(v.Bits)
	if err != nil {
		return err
	}
	f.Push(bytecode.BoolValue(m.rt.IsA(class, ci.Ref)))
	return nil
}

// ---------------------------------------------------------------------------
// Arrays
// ---------------------------------------------------------------------------

func (m *Machine) newArray(f *StackFrame, t bytecode.TypeTag) error {
	if t == bytecode.Unit {
		return fmt.Errorf("%w: array of unit", ErrTypeMismatch)
	}
	n, err := f.PopType(bytecode.U64)
	if err != nil {
		return err
	}
	if n.Bits > maxArrayBytes/uint64(t.Size()) {
		return fmt.Errorf("%w: array length %d", ErrIndexOutOfBounds, n.Bits)
	}
	ref := m.rt.Table.AddArray(NewArrayBody(m.rt.ArrayClass(), t, n.Bits))
	m.gc.NoteAllocation()
	f.Push(bytecode.RefValue(ref))
	return nil
}

func (m *Machine) popArray(f *StackFrame) (*ArrayBody, error) {
	ref, err := m.popObject(f)
	if err != nil {
		return nil, err
	}
	return m.rt.Table.Array(ref)
}

func (m *Machine) arrayGet(f *StackFrame, t bytecode.TypeTag) error {
	i, err := f.PopType(bytecode.U64)
	if err != nil {
		return err
	}
	a, err := m.popArray(f)
	if err != nil {
		return err
	}
	v, err := a.Get(i.Bits, t)
	if err != nil {
		return err
	}
	f.Push(v)
	return nil
}

func (m *Machine) arraySet(f *StackFrame, t bytecode.TypeTag) error {
	v, err := f.PopType(t)
	if err != nil {
		return err
	}
	i, err := f.PopType(bytecode.U64)
	if err != nil {
		return err
	}
	a, err := m.popArray(f)
	if err != nil {
		return err
	}
	return a.Set(i.Bits, v)
}

func (m *Machine) arrayLen(f *StackFrame) error {
	a, err := m.popArray(f)
	if err != nil {
		return err
	}
	f.Push(bytecode.U64Value(a.Length))
	return nil
}
