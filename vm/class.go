package vm

import (
	"fmt"

	"github.com/chazu/kestrel/bytecode"
	"github.com/chazu/kestrel/module"
)

// ---------------------------------------------------------------------------
// ClassHeader: build-once class metadata
// ---------------------------------------------------------------------------

// NoParent is the Parent index of a class without a superclass.
const NoParent = ^uint64(0)

// BoundsError reports an index past the declared count of a Class Header
// section.
type BoundsError struct {
	Section string
	Index   int
	Count   int
}

func (e *BoundsError) Error() string {
	return fmt.Sprintf("%s index %d out of range (count %d)", e.Section, e.Index, e.Count)
}

// FieldInfo declares one field. Name indexes a string constant and Type a
// type constant.
type FieldInfo struct {
	Flags module.FieldFlags
	Name  uint64
	Type  uint64
}

// IsStatic reports whether the field is a class-level field.
func (f FieldInfo) IsStatic() bool { return f.Flags&module.FieldStatic != 0 }

// MethodInfo declares one method. Name indexes the symbol constant carrying
// the method's name and signature, Linkage the string constant with its
// linkage name. Code is nil for native methods.
type MethodInfo struct {
	Flags    module.FunctionFlags
	Name     uint64
	Linkage  uint64
	Location uint64
	Code     []bytecode.Instruction

	// Resolved by the loader from the module pool.
	MethodName string
	LinkName   string
	Sig        *module.TypeInfo

	blocks map[uint64]int // block id -> index of its start_block
	entry  uint64
}

// IsStatic reports whether the method takes no receiver.
func (m *MethodInfo) IsStatic() bool { return m.Flags&module.FuncStatic != 0 }

// IsNative reports whether the method is implemented by the native table.
func (m *MethodInfo) IsNative() bool { return m.Flags&module.FuncNative != 0 }

// ArgCount is the number of stack values a call consumes, receiver
// included.
func (m *MethodInfo) ArgCount() int {
	n := m.Sig.Arity()
	if !m.IsStatic() {
		n++
	}
	return n
}

// Returns reports the stack type of the method's result.
func (m *MethodInfo) Returns() bytecode.TypeTag {
	if m.Sig == nil || m.Sig.Kind != module.KindFunction {
		return bytecode.Unit
	}
	return m.Sig.Return.Tag()
}

// ParamTag returns the stack type of argument slot i, receiver first for
// instance methods.
func (m *MethodInfo) ParamTag(i int) bytecode.TypeTag {
	if !m.IsStatic() {
		if i == 0 {
			return bytecode.Reference
		}
		i--
	}
	return m.Sig.Params[i].Tag()
}

// BlockStart returns the instruction index of block id's start_block.
func (m *MethodInfo) BlockStart(id uint64) (int, bool) {
	idx, ok := m.blocks[id]
	return idx, ok
}

// EntryBlock is the id of the first block of the method.
func (m *MethodInfo) EntryBlock() uint64 { return m.entry }

// indexBlocks records where every block starts and checks that the stream
// opens with a block marker, declares blockCount unique blocks and only
// jumps to blocks that exist.
func (m *MethodInfo) indexBlocks(blockCount uint64) error {
	m.blocks = make(map[uint64]int, blockCount)
	if len(m.Code) == 0 {
		if blockCount != 0 {
			return fmt.Errorf("%w: empty body declares %d blocks", ErrBadBlock, blockCount)
		}
		return nil
	}
	if m.Code[0].Op != bytecode.OpStartBlock {
		return fmt.Errorf("%w: body does not open with start_block", ErrBadBlock)
	}
	m.entry = m.Code[0].Block()
	for i, inst := range m.Code {
		if inst.Op != bytecode.OpStartBlock {
			continue
		}
		if _, dup := m.blocks[inst.Block()]; dup {
			return fmt.Errorf("%w: block b%d declared twice", ErrBadBlock, inst.Block())
		}
		m.blocks[inst.Block()] = i
	}
	if uint64(len(m.blocks)) != blockCount {
		return fmt.Errorf("%w: found %d blocks, header declares %d", ErrBadBlock, len(m.blocks), blockCount)
	}
	for _, inst := range m.Code {
		switch inst.Op {
		case bytecode.OpGoto:
			if _, ok := m.blocks[inst.Block()]; !ok {
				return fmt.Errorf("%w: goto b%d", ErrUnknownBlock, inst.Block())
			}
		case bytecode.OpIf:
			for _, target := range []uint64{inst.Block(), inst.Else()} {
				if _, ok := m.blocks[target]; !ok {
					return fmt.Errorf("%w: if b%d", ErrUnknownBlock, target)
				}
			}
		}
	}
	return nil
}

// ClassHeader is the metadata of one class: a constant pool, interfaces,
// fields and methods, each sized once at construction. Every accessor is
// bounds-checked against its section's count.
//
// Before linking, This, Parent and every index stored in the sections
// address the header's own pool. Linking relocates them into the runtime
// pool.
type ClassHeader struct {
	Name   string
	Module string
	This   uint64 // ClassInfo constant for this class
	Parent uint64 // ClassInfo constant for the superclass, or NoParent
	Flags  module.StructFlags

	pool       []Constant
	interfaces []uint64
	fields     []FieldInfo
	methods    []*MethodInfo

	// Set when the class is registered in the object table.
	ref       uint64
	parentRef uint64
	ifaceRefs []uint64
	slots     map[string]int
	slotTags  []bytecode.TypeTag
	synthetic bool
	released  bool
}

// NewClassHeader allocates a header with fixed section sizes.
func NewClassHeader(poolLen, interfaces, fields, methods int) *ClassHeader {
	return &ClassHeader{
		Parent:     NoParent,
		pool:       make([]Constant, poolLen),
		interfaces: make([]uint64, interfaces),
		fields:     make([]FieldInfo, fields),
		methods:    make([]*MethodInfo, methods),
	}
}

func (h *ClassHeader) PoolLen() int         { return len(h.pool) }
func (h *ClassHeader) InterfacesCount() int { return len(h.interfaces) }
func (h *ClassHeader) FieldsCount() int     { return len(h.fields) }
func (h *ClassHeader) MethodsCount() int    { return len(h.methods) }

func checkIndex(section string, i, count int) error {
	if i < 0 || i >= count {
		return &BoundsError{Section: section, Index: i, Count: count}
	}
	return nil
}

// Constant returns pool entry i.
func (h *ClassHeader) Constant(i int) (Constant, error) {
	if err := checkIndex("constant", i, len(h.pool)); err != nil {
		return nil, err
	}
	return h.pool[i], nil
}

// SetConstant overwrites pool entry i.
func (h *ClassHeader) SetConstant(i int, c Constant) error {
	if err := checkIndex("constant", i, len(h.pool)); err != nil {
		return err
	}
	h.pool[i] = c
	return nil
}

// Interface returns the ClassInfo index of interface i.
func (h *ClassHeader) Interface(i int) (uint64, error) {
	if err := checkIndex("interface", i, len(h.interfaces)); err != nil {
		return 0, err
	}
	return h.interfaces[i], nil
}

// SetInterface overwrites interface i.
func (h *ClassHeader) SetInterface(i int, idx uint64) error {
	if err := checkIndex("interface", i, len(h.interfaces)); err != nil {
		return err
	}
	h.interfaces[i] = idx
	return nil
}

// Field returns field i.
func (h *ClassHeader) Field(i int) (FieldInfo, error) {
	if err := checkIndex("field", i, len(h.fields)); err != nil {
		return FieldInfo{}, err
	}
	return h.fields[i], nil
}

// SetField overwrites field i.
func (h *ClassHeader) SetField(i int, f FieldInfo) error {
	if err := checkIndex("field", i, len(h.fields)); err != nil {
		return err
	}
	h.fields[i] = f
	return nil
}

// Method returns method i.
func (h *ClassHeader) Method(i int) (*MethodInfo, error) {
	if err := checkIndex("method", i, len(h.methods)); err != nil {
		return nil, err
	}
	return h.methods[i], nil
}

// SetMethod overwrites method i.
func (h *ClassHeader) SetMethod(i int, m *MethodInfo) error {
	if err := checkIndex("method", i, len(h.methods)); err != nil {
		return err
	}
	h.methods[i] = m
	return nil
}

// Ref is the class's object table reference, 0 before registration.
func (h *ClassHeader) Ref() uint64 { return h.ref }

// ParentRef is the superclass reference, 0 for a root class.
func (h *ClassHeader) ParentRef() uint64 { return h.parentRef }

// InterfaceRefs returns the references of the declared interfaces.
func (h *ClassHeader) InterfaceRefs() []uint64 { return h.ifaceRefs }

// IsInterface reports whether the class is an interface.
func (h *ClassHeader) IsInterface() bool { return h.Flags&module.StructInterface != 0 }

// IsAbstract reports whether the class cannot be instantiated.
func (h *ClassHeader) IsAbstract() bool {
	return h.Flags&(module.StructInterface|module.StructAbstract) != 0
}

// IsFunctionClass reports whether the class was synthesized to hold a
// module's free functions.
func (h *ClassHeader) IsFunctionClass() bool { return h.synthetic }

// FindMethod returns the slot of the method declared with name in this
// class only.
func (h *ClassHeader) FindMethod(name string) (int, bool) {
	for i, m := range h.methods {
		if m != nil && m.MethodName == name {
			return i, true
		}
	}
	return 0, false
}

// InstanceSlots is the number of instance fields this class declares.
func (h *ClassHeader) InstanceSlots() int { return len(h.slotTags) }

// Slot returns the instance field slot and stack type of the field named
// name, declared by this class.
func (h *ClassHeader) Slot(name string) (int, bytecode.TypeTag, bool) {
	i, ok := h.slots[name]
	if !ok {
		return 0, 0, false
	}
	return i, h.slotTags[i], true
}

// SlotNames returns the instance field names in slot order.
func (h *ClassHeader) SlotNames() []string {
	names := make([]string, len(h.slotTags))
	for name, i := range h.slots {
		names[i] = name
	}
	return names
}

// SlotTag returns the stack type of instance slot i.
func (h *ClassHeader) SlotTag(i int) bytecode.TypeTag { return h.slotTags[i] }

// Release drops every entry, walking pool, interfaces, fields and methods
// in construction order. Releasing twice is a no-op.
func (h *ClassHeader) Release() {
	if h.released {
		return
	}
	for i := range h.pool {
		h.pool[i] = nil
	}
	for i := range h.interfaces {
		h.interfaces[i] = 0
	}
	for i := range h.fields {
		h.fields[i] = FieldInfo{}
	}
	for i := range h.methods {
		h.methods[i] = nil
	}
	h.slots = nil
	h.released = true
}
