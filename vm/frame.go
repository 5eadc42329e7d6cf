package vm

import (
	"fmt"

	"github.com/chazu/kestrel/bytecode"
)

// ---------------------------------------------------------------------------
// StackFrame: one activation record
// ---------------------------------------------------------------------------

// NumLocals is the number of local slots in every frame.
const NumLocals = 256

// PC addresses an instruction as a block id plus an instruction offset
// within that block. Offset 0 is the block's start_block marker.
type PC struct {
	Block  uint64
	Offset int
}

func (pc PC) String() string { return fmt.Sprintf("b%d+%d", pc.Block, pc.Offset) }

// StackFrame holds the locals and operand stack of one method activation.
// The operand stack is a flat byte buffer; a parallel tag stack records
// the type of every value so values can be popped, duplicated and swapped
// without the bytes being self-describing.
type StackFrame struct {
	Class  uint64 // owning class reference
	Method uint64 // method slot in the class
	PC     PC

	code *MethodInfo

	locals [NumLocals]bytecode.Value
	set    [NumLocals]bool

	bytes []byte
	tags  []bytecode.TypeTag
}

// NewStackFrame creates a frame positioned at the method's entry block.
func NewStackFrame(class, method uint64, code *MethodInfo) *StackFrame {
	f := &StackFrame{
		Class:  class,
		Method: method,
		code:   code,
		bytes:  make([]byte, 0, 64),
		tags:   make([]bytecode.TypeTag, 0, 16),
	}
	if code != nil {
		f.PC = PC{Block: code.EntryBlock()}
	}
	return f
}

// Code returns the method the frame executes.
func (f *StackFrame) Code() *MethodInfo { return f.code }

// Depth returns the number of values on the operand stack.
func (f *StackFrame) Depth() int { return len(f.tags) }

// Push appends v's bytes and its tag.
func (f *StackFrame) Push(v bytecode.Value) {
	f.bytes = v.AppendBytes(f.bytes)
	f.tags = append(f.tags, v.Type)
}

// Pop removes and returns the top value.
func (f *StackFrame) Pop() (bytecode.Value, error) {
	v, err := f.Peek()
	if err != nil {
		return v, err
	}
	f.bytes = f.bytes[:len(f.bytes)-v.Type.Size()]
	f.tags = f.tags[:len(f.tags)-1]
	return v, nil
}

// PopType pops the top value and checks that it has type t.
func (f *StackFrame) PopType(t bytecode.TypeTag) (bytecode.Value, error) {
	top, err := f.Peek()
	if err != nil {
		return top, err
	}
	if top.Type != t {
		return top, fmt.Errorf("%w: want %s, have %s", ErrTypeMismatch, t, top.Type)
	}
	return f.Pop()
}

// Peek returns the top value without removing it.
func (f *StackFrame) Peek() (bytecode.Value, error) {
	return f.PeekAt(0)
}

// PeekAt returns the value n entries below the top.
func (f *StackFrame) PeekAt(n int) (bytecode.Value, error) {
	if n < 0 || n >= len(f.tags) {
		return bytecode.Value{}, ErrStackUnderflow
	}
	end := len(f.bytes)
	for i := len(f.tags) - 1; i > len(f.tags)-1-n; i-- {
		end -= f.tags[i].Size()
	}
	t := f.tags[len(f.tags)-1-n]
	return bytecode.ValueFromBytes(t, f.bytes[end-t.Size():end])
}

// Dup pushes a copy of the top value.
func (f *StackFrame) Dup() error {
	v, err := f.Peek()
	if err != nil {
		return err
	}
	f.Push(v)
	return nil
}

// Swap exchanges the top two values.
func (f *StackFrame) Swap() error {
	if len(f.tags) < 2 {
		return ErrStackUnderflow
	}
	a, _ := f.Pop()
	b, _ := f.Pop()
	f.Push(a)
	f.Push(b)
	return nil
}

// StoreLocal pops the top value into local i, replacing whatever type the
// slot held before.
func (f *StackFrame) StoreLocal(i uint8) error {
	v, err := f.Pop()
	if err != nil {
		return err
	}
	f.SetLocal(i, v)
	return nil
}

// LoadLocal pushes the value last stored in local i.
func (f *StackFrame) LoadLocal(i uint8) error {
	v, ok := f.Local(i)
	if !ok {
		return fmt.Errorf("%w: %%%d", ErrUninitializedLocal, i)
	}
	f.Push(v)
	return nil
}

// Local returns local i and whether it has been stored.
func (f *StackFrame) Local(i uint8) (bytecode.Value, bool) {
	return f.locals[i], f.set[i]
}

// SetLocal stores v in local i.
func (f *StackFrame) SetLocal(i uint8, v bytecode.Value) {
	f.locals[i] = v
	f.set[i] = true
}

// eachReference calls fn for every non-null reference held in a local or
// on the operand stack.
func (f *StackFrame) eachReference(fn func(ref uint64)) {
	for i := range f.locals {
		if f.set[i] && f.locals[i].Type == bytecode.Reference && f.locals[i].Bits != 0 {
			fn(f.locals[i].Bits)
		}
	}
	off := 0
	for _, t := range f.tags {
		if t == bytecode.Reference {
			v, _ := bytecode.ValueFromBytes(t, f.bytes[off:])
			if v.Bits != 0 {
				fn(v.Bits)
			}
		}
		off += t.Size()
	}
}

// ---------------------------------------------------------------------------
// CallStack
// ---------------------------------------------------------------------------

// CallStack is the ordered list of live frames; the last one executes.
type CallStack struct {
	frames []*StackFrame
}

// Push makes f the executing frame.
func (s *CallStack) Push(f *StackFrame) { s.frames = append(s.frames, f) }

// Pop removes and returns the executing frame, or nil when empty.
func (s *CallStack) Pop() *StackFrame {
	if len(s.frames) == 0 {
		return nil
	}
	f := s.frames[len(s.frames)-1]
	s.frames[len(s.frames)-1] = nil
	s.frames = s.frames[:len(s.frames)-1]
	return f
}

// Top returns the executing frame, or nil when empty.
func (s *CallStack) Top() *StackFrame {
	if len(s.frames) == 0 {
		return nil
	}
	return s.frames[len(s.frames)-1]
}

// Depth returns the number of live frames.
func (s *CallStack) Depth() int { return len(s.frames) }

// Frames returns the live frames, outermost first.
func (s *CallStack) Frames() []*StackFrame { return s.frames }

// Reset discards every frame.
func (s *CallStack) Reset() {
	clear(s.frames)
	s.frames = s.frames[:0]
}
