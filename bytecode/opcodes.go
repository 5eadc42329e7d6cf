package bytecode

import (
	"fmt"
	"sort"
)

// ---------------------------------------------------------------------------
// Opcode definitions
// ---------------------------------------------------------------------------

// Opcode identifies a single instruction. It is encoded as a 2-byte
// little-endian value followed by the opcode's fixed operand bytes.
type Opcode uint16

// Debug no-ops
const (
	OpNop        Opcode = 0x0000 // no operation
	OpBreakpoint Opcode = 0x0001 // debugger hook, no operation when interpreted
)

// Stack manipulation
const (
	OpPop  Opcode = 0x0010 // discard top value
	OpDup  Opcode = 0x0011 // duplicate top value
	OpSwap Opcode = 0x0012 // exchange the two top values
)

// Block markers
const (
	OpStartBlock Opcode = 0x0020 // begin basic block (block id)
)

// Loads and stores
const (
	OpLoadConst  Opcode = 0x0030 // push constant (pool pointer)
	OpLoadNull   Opcode = 0x0031 // push reference 0
	OpLoadLocal  Opcode = 0x0032 // push local (local index)
	OpStoreLocal Opcode = 0x0033 // pop into local (local index)
)

// Conversions
const (
	OpConvert Opcode = 0x0040 // numeric cast to type
	OpBitcast Opcode = 0x0041 // reinterpret raw bits as type
)

// Control transfer
const (
	OpGoto Opcode = 0x0050 // jump to block
	OpIf   Opcode = 0x0051 // pop u8, jump to first block if non-zero, else second
)

// Invocation
const (
	OpInvoke          Opcode = 0x0060 // call function (symbol pointer)
	OpInvokeTail      Opcode = 0x0061 // call function, replacing the current frame
	OpInvokeTrait     Opcode = 0x0062 // dispatch on the receiver's class (symbol pointer)
	OpInvokeTraitTail Opcode = 0x0063 // trait dispatch, replacing the current frame
)

// Objects and arrays
const (
	OpNew        Opcode = 0x0070 // allocate instance (pool pointer to class info)
	OpGetField   Opcode = 0x0071 // pop reference, push field (symbol pointer)
	OpSetField   Opcode = 0x0072 // pop value and reference, store field (symbol pointer)
	OpInstanceOf Opcode = 0x0073 // pop reference, push u8 (pool pointer to class info)
	OpNewArray   Opcode = 0x0074 // pop u64 length, push array reference (element type)
	OpArrayGet   Opcode = 0x0075 // pop u64 index and reference, push element (element type)
	OpArraySet   Opcode = 0x0076 // pop value, u64 index and reference (element type)
	OpArrayLen   Opcode = 0x0077 // pop reference, push u64 length
)

// Reference comparison
const (
	OpRefEq Opcode = 0x0080 // pop two references, push u8
	OpRefNe Opcode = 0x0081 // pop two references, push u8
)

// Returns
const (
	OpReturn     Opcode = 0x0090 // return top value
	OpReturnUnit Opcode = 0x0091 // return without a value
)

// ---------------------------------------------------------------------------
// Typed opcode families
// ---------------------------------------------------------------------------

// Family is an operation whose width and signedness are baked into the
// opcode: one opcode per member type.
type Family uint8

const (
	FamilyAdd Family = iota
	FamilySub
	FamilyMul
	FamilyDiv
	FamilyRem
	FamilyNeg
	FamilyAnd
	FamilyOr
	FamilyXor
	FamilyNot
	FamilyShl
	FamilyShr
	FamilyEq
	FamilyNe
	FamilyLt
	FamilyLe
	FamilyGt
	FamilyGe

	numFamilies
)

const (
	familyBase   Opcode = 0x0100
	familyStride Opcode = 0x0010
)

type familyInfo struct {
	name  string
	types []TypeTag
}

var families = [numFamilies]familyInfo{
	FamilyAdd: {"add", NumericTypes},
	FamilySub: {"sub", NumericTypes},
	FamilyMul: {"mul", NumericTypes},
	FamilyDiv: {"div", NumericTypes},
	FamilyRem: {"rem", NumericTypes},
	FamilyNeg: {"neg", SignedTypes},
	FamilyAnd: {"and", IntegerTypes},
	FamilyOr:  {"or", IntegerTypes},
	FamilyXor: {"xor", IntegerTypes},
	FamilyNot: {"not", IntegerTypes},
	FamilyShl: {"shl", IntegerTypes},
	FamilyShr: {"shr", IntegerTypes},
	FamilyEq:  {"eq", NumericTypes},
	FamilyNe:  {"ne", NumericTypes},
	FamilyLt:  {"lt", NumericTypes},
	FamilyLe:  {"le", NumericTypes},
	FamilyGt:  {"gt", NumericTypes},
	FamilyGe:  {"ge", NumericTypes},
}

// String returns the family's mnemonic.
func (f Family) String() string {
	if f >= numFamilies {
		return fmt.Sprintf("family(%d)", uint8(f))
	}
	return families[f].name
}

// IsComparison reports whether the family pushes a u8 truth value.
func (f Family) IsComparison() bool {
	return f >= FamilyEq && f <= FamilyGe
}

// IsUnary reports whether the family pops a single operand.
func (f Family) IsUnary() bool {
	return f == FamilyNeg || f == FamilyNot
}

func (f Family) accepts(t TypeTag) bool {
	if f >= numFamilies {
		return false
	}
	for _, m := range families[f].types {
		if m == t {
			return true
		}
	}
	return false
}

// Typed returns the opcode for family f specialised to type t.
func Typed(f Family, t TypeTag) (Opcode, bool) {
	if !f.accepts(t) {
		return 0, false
	}
	return familyBase + Opcode(f)*familyStride + Opcode(t), true
}

// MustTyped is like Typed but panics if the family has no member for t.
func MustTyped(f Family, t TypeTag) Opcode {
	op, ok := Typed(f, t)
	if !ok {
		panic(fmt.Sprintf("bytecode: %s has no %s variant", f, t))
	}
	return op
}

// Family decomposes a typed opcode into its family and operand type.
func (op Opcode) Family() (Family, TypeTag, bool) {
	if op < familyBase {
		return 0, 0, false
	}
	rel := op - familyBase
	f := Family(rel / familyStride)
	t := TypeTag(rel % familyStride)
	if !f.accepts(t) {
		return 0, 0, false
	}
	return f, t, true
}

// ---------------------------------------------------------------------------
// Opcode metadata
// ---------------------------------------------------------------------------

// OperandKind describes one fixed-width operand.
type OperandKind uint8

const (
	OperandPool   OperandKind = iota + 1 // u64 constant pool index
	OperandSymbol                        // u64 constant pool index of a symbol
	OperandType                          // u8 type tag
	OperandBlock                         // u64 block id
	OperandLocal                         // u8 local slot index
)

// Size returns the encoded width of the operand in bytes.
func (k OperandKind) Size() int {
	switch k {
	case OperandType, OperandLocal:
		return 1
	case OperandPool, OperandSymbol, OperandBlock:
		return 8
	}
	return 0
}

// OpcodeInfo holds metadata about an opcode.
type OpcodeInfo struct {
	Name     string        // mnemonic
	Operands []OperandKind // operand layout, in encoding order
}

// OperandBytes returns the number of operand bytes following the opcode.
func (i OpcodeInfo) OperandBytes() int {
	n := 0
	for _, k := range i.Operands {
		n += k.Size()
	}
	return n
}

var opcodeTable = map[Opcode]OpcodeInfo{
	OpNop:        {"nop", nil},
	OpBreakpoint: {"breakpoint", nil},

	OpPop:  {"pop", nil},
	OpDup:  {"dup", nil},
	OpSwap: {"swap", nil},

	OpStartBlock: {"start_block", []OperandKind{OperandBlock}},

	OpLoadConst:  {"load_const", []OperandKind{OperandPool}},
	OpLoadNull:   {"load_null", nil},
	OpLoadLocal:  {"load_local", []OperandKind{OperandLocal}},
	OpStoreLocal: {"store_local", []OperandKind{OperandLocal}},

	OpConvert: {"convert", []OperandKind{OperandType}},
	OpBitcast: {"bitcast", []OperandKind{OperandType}},

	OpGoto: {"goto", []OperandKind{OperandBlock}},
	OpIf:   {"if", []OperandKind{OperandBlock, OperandBlock}},

	OpInvoke:          {"invoke", []OperandKind{OperandSymbol}},
	OpInvokeTail:      {"invoke_tail", []OperandKind{OperandSymbol}},
	OpInvokeTrait:     {"invoke_trait", []OperandKind{OperandSymbol}},
	OpInvokeTraitTail: {"invoke_trait_tail", []OperandKind{OperandSymbol}},

	OpNew:        {"new", []OperandKind{OperandPool}},
	OpGetField:   {"get_field", []OperandKind{OperandSymbol}},
	OpSetField:   {"set_field", []OperandKind{OperandSymbol}},
	OpInstanceOf: {"instance_of", []OperandKind{OperandPool}},
	OpNewArray:   {"new_array", []OperandKind{OperandType}},
	OpArrayGet:   {"array_get", []OperandKind{OperandType}},
	OpArraySet:   {"array_set", []OperandKind{OperandType}},
	OpArrayLen:   {"array_len", nil},

	OpRefEq: {"ref_eq", nil},
	OpRefNe: {"ref_ne", nil},

	OpReturn:     {"return", nil},
	OpReturnUnit: {"return_unit", nil},
}

func init() {
	for f := Family(0); f < numFamilies; f++ {
		for _, t := range families[f].types {
			op, _ := Typed(f, t)
			opcodeTable[op] = OpcodeInfo{Name: f.String() + "." + t.String()}
		}
	}
}

// Lookup returns the metadata for an opcode, or false if it is unassigned.
func Lookup(op Opcode) (OpcodeInfo, bool) {
	info, ok := opcodeTable[op]
	return info, ok
}

// Info returns the metadata for an opcode.
func (op Opcode) Info() OpcodeInfo {
	if info, ok := opcodeTable[op]; ok {
		return info
	}
	return OpcodeInfo{Name: fmt.Sprintf("unknown_%04x", uint16(op))}
}

// Valid reports whether the opcode is assigned.
func (op Opcode) Valid() bool {
	_, ok := opcodeTable[op]
	return ok
}

// String implements the Stringer interface.
func (op Opcode) String() string {
	return op.Info().Name
}

// IsControl reports whether the opcode sets the program counter itself
// instead of advancing it by one.
func (op Opcode) IsControl() bool {
	switch op {
	case OpStartBlock, OpGoto, OpIf,
		OpInvoke, OpInvokeTail, OpInvokeTrait, OpInvokeTraitTail,
		OpReturn, OpReturnUnit:
		return true
	}
	return false
}

// Opcodes returns every assigned opcode in ascending order.
func Opcodes() []Opcode {
	ops := make([]Opcode, 0, len(opcodeTable))
	for op := range opcodeTable {
		ops = append(ops, op)
	}
	sort.Slice(ops, func(i, j int) bool { return ops[i] < ops[j] })
	return ops
}
