package bytecode

import (
	"encoding/binary"
	"errors"
	"fmt"
)

var (
	ErrTruncated     = errors.New("bytecode truncated")
	ErrUnknownOpcode = errors.New("unknown opcode")
)

// ---------------------------------------------------------------------------
// Instruction
// ---------------------------------------------------------------------------

// Instruction is one decoded instruction. Args holds the operands in the
// order given by the opcode's layout; unused entries are zero.
type Instruction struct {
	Op   Opcode
	Args [2]uint64
}

// Make builds an instruction from an opcode and its operands.
func Make(op Opcode, args ...uint64) Instruction {
	inst := Instruction{Op: op}
	copy(inst.Args[:], args)
	return inst
}

func Nop() Instruction                   { return Make(OpNop) }
func Breakpoint() Instruction            { return Make(OpBreakpoint) }
func Pop() Instruction                   { return Make(OpPop) }
func Dup() Instruction                   { return Make(OpDup) }
func Swap() Instruction                  { return Make(OpSwap) }
func StartBlock(id uint64) Instruction   { return Make(OpStartBlock, id) }
func LoadConst(pool uint64) Instruction  { return Make(OpLoadConst, pool) }
func LoadNull() Instruction              { return Make(OpLoadNull) }
func LoadLocal(idx uint8) Instruction    { return Make(OpLoadLocal, uint64(idx)) }
func StoreLocal(idx uint8) Instruction   { return Make(OpStoreLocal, uint64(idx)) }
func Convert(t TypeTag) Instruction      { return Make(OpConvert, uint64(t)) }
func Bitcast(t TypeTag) Instruction      { return Make(OpBitcast, uint64(t)) }
func Goto(block uint64) Instruction      { return Make(OpGoto, block) }
func If(then, els uint64) Instruction    { return Make(OpIf, then, els) }
func Invoke(sym uint64) Instruction      { return Make(OpInvoke, sym) }
func InvokeTail(sym uint64) Instruction  { return Make(OpInvokeTail, sym) }
func InvokeTrait(sym uint64) Instruction { return Make(OpInvokeTrait, sym) }
func New(class uint64) Instruction       { return Make(OpNew, class) }
func GetField(sym uint64) Instruction    { return Make(OpGetField, sym) }
func SetField(sym uint64) Instruction    { return Make(OpSetField, sym) }
func InstanceOf(class uint64) Instruction {
	return Make(OpInstanceOf, class)
}
func NewArray(elem TypeTag) Instruction { return Make(OpNewArray, uint64(elem)) }
func ArrayGet(elem TypeTag) Instruction { return Make(OpArrayGet, uint64(elem)) }
func ArraySet(elem TypeTag) Instruction { return Make(OpArraySet, uint64(elem)) }
func ArrayLen() Instruction             { return Make(OpArrayLen) }
func RefEq() Instruction                { return Make(OpRefEq) }
func RefNe() Instruction                { return Make(OpRefNe) }
func Return() Instruction               { return Make(OpReturn) }
func ReturnUnit() Instruction           { return Make(OpReturnUnit) }

// InvokeTraitTail builds a tail-position trait dispatch.
func InvokeTraitTail(sym uint64) Instruction { return Make(OpInvokeTraitTail, sym) }

// Op builds a typed family instruction such as add.i32.
func Op(f Family, t TypeTag) Instruction { return Make(MustTyped(f, t)) }

// Pool returns the pool pointer operand.
func (i Instruction) Pool() uint64 { return i.Args[0] }

// Symbol returns the symbol pointer operand.
func (i Instruction) Symbol() uint64 { return i.Args[0] }

// Block returns the (first) block id operand.
func (i Instruction) Block() uint64 { return i.Args[0] }

// Else returns the second block id operand of an if.
func (i Instruction) Else() uint64 { return i.Args[1] }

// Type returns the type tag operand.
func (i Instruction) Type() TypeTag { return TypeTag(i.Args[0]) }

// Local returns the local index operand.
func (i Instruction) Local() uint8 { return uint8(i.Args[0]) }

// Size returns the encoded size in bytes.
func (i Instruction) Size() int {
	return 2 + i.Op.Info().OperandBytes()
}

// String renders the instruction in disassembly syntax.
func (i Instruction) String() string {
	info := i.Op.Info()
	s := info.Name
	for n, k := range info.Operands {
		switch k {
		case OperandPool:
			s += fmt.Sprintf(" #%d", i.Args[n])
		case OperandSymbol:
			s += fmt.Sprintf(" @%d", i.Args[n])
		case OperandType:
			s += " " + TypeTag(i.Args[n]).String()
		case OperandBlock:
			s += fmt.Sprintf(" b%d", i.Args[n])
		case OperandLocal:
			s += fmt.Sprintf(" %%%d", i.Args[n])
		}
	}
	return s
}

// ---------------------------------------------------------------------------
// Encoding
// ---------------------------------------------------------------------------

// AppendEncode appends the binary form of the instruction to dst.
func (i Instruction) AppendEncode(dst []byte) []byte {
	dst = binary.LittleEndian.AppendUint16(dst, uint16(i.Op))
	for n, k := range i.Op.Info().Operands {
		switch k.Size() {
		case 1:
			dst = append(dst, byte(i.Args[n]))
		case 8:
			dst = binary.LittleEndian.AppendUint64(dst, i.Args[n])
		}
	}
	return dst
}

// Encode returns the binary form of a sequence of instructions.
func Encode(insts []Instruction) []byte {
	size := 0
	for _, inst := range insts {
		size += inst.Size()
	}
	out := make([]byte, 0, size)
	for _, inst := range insts {
		out = inst.AppendEncode(out)
	}
	return out
}

// ---------------------------------------------------------------------------
// Decoding
// ---------------------------------------------------------------------------

// Reader decodes instructions from a byte stream.
type Reader struct {
	bytes []byte
	pos   int
}

// NewReader creates a reader over encoded bytecode.
func NewReader(bc []byte) *Reader {
	return &Reader{bytes: bc}
}

// Position returns the current read offset.
func (r *Reader) Position() int {
	return r.pos
}

// HasMore returns true if there are more bytes to read.
func (r *Reader) HasMore() bool {
	return r.pos < len(r.bytes)
}

// Next decodes the instruction at the current position.
func (r *Reader) Next() (Instruction, error) {
	if r.pos+2 > len(r.bytes) {
		return Instruction{}, fmt.Errorf("%w: opcode at offset %d", ErrTruncated, r.pos)
	}
	op := Opcode(binary.LittleEndian.Uint16(r.bytes[r.pos:]))
	info, ok := Lookup(op)
	if !ok {
		return Instruction{}, fmt.Errorf("%w: 0x%04x at offset %d", ErrUnknownOpcode, uint16(op), r.pos)
	}
	if r.pos+2+info.OperandBytes() > len(r.bytes) {
		return Instruction{}, fmt.Errorf("%w: operands of %s at offset %d", ErrTruncated, info.Name, r.pos)
	}
	r.pos += 2

	inst := Instruction{Op: op}
	for n, k := range info.Operands {
		switch k.Size() {
		case 1:
			inst.Args[n] = uint64(r.bytes[r.pos])
			r.pos++
		case 8:
			inst.Args[n] = binary.LittleEndian.Uint64(r.bytes[r.pos:])
			r.pos += 8
		}
	}
	return inst, nil
}

// Decode decodes an entire bytecode stream.
func Decode(bc []byte) ([]Instruction, error) {
	r := NewReader(bc)
	var insts []Instruction
	for r.HasMore() {
		inst, err := r.Next()
		if err != nil {
			return nil, err
		}
		insts = append(insts, inst)
	}
	return insts, nil
}
