package module

import (
	"fmt"

	"github.com/chazu/kestrel/bytecode"
)

// ---------------------------------------------------------------------------
// Builder: helper for constructing modules
// ---------------------------------------------------------------------------

// Builder assembles a module, interning constant pool entries so that equal
// strings, types, symbols and literals share one index.
type Builder struct {
	pool    []Entry
	index   map[string]uint64
	funcs   []Function
	structs []*StructBuilder
}

// NewBuilder creates an empty module builder.
func NewBuilder() *Builder {
	return &Builder{index: make(map[string]uint64)}
}

func (b *Builder) intern(key string, e Entry) uint64 {
	if idx, ok := b.index[key]; ok {
		return idx
	}
	idx := uint64(len(b.pool))
	b.pool = append(b.pool, e)
	b.index[key] = idx
	return idx
}

// Literal interns a numeric or char literal.
func (b *Builder) Literal(v bytecode.Value) uint64 {
	return b.intern(fmt.Sprintf("lit:%d:%d", v.Type, v.Bits), LiteralEntry(v))
}

// Str interns a string constant.
func (b *Builder) Str(s string) uint64 {
	return b.intern("str:"+s, StringEntry(s))
}

// Type interns a type constant.
func (b *Builder) Type(t *TypeInfo) uint64 {
	return b.intern("type:"+t.String(), TypeEntry(t))
}

// Symbol interns a symbol constant.
func (b *Builder) Symbol(name string, t *TypeInfo) uint64 {
	return b.intern("sym:"+name+":"+t.String(), SymbolEntry(name, t))
}

// Class interns the type constant used by new and instance_of to name a
// class.
func (b *Builder) Class(name string) uint64 {
	return b.Type(ObjectType(name))
}

func (b *Builder) function(name, linkage string, sig *TypeInfo, flags FunctionFlags, location uint64, body []bytecode.Instruction) Function {
	var blocks uint64
	for _, inst := range body {
		if inst.Op == bytecode.OpStartBlock {
			blocks++
		}
	}
	return Function{
		NameSymbol: b.Symbol(name, sig),
		SymbolName: b.Str(linkage),
		Location:   location,
		Flags:      flags,
		BlockCount: blocks,
		Bytecode:   bytecode.Encode(body),
	}
}

// Function adds a free function whose linkage name is its name.
func (b *Builder) Function(name string, sig *TypeInfo, flags FunctionFlags, body []bytecode.Instruction) *Builder {
	b.funcs = append(b.funcs, b.function(name, name, sig, flags, uint64(len(b.funcs)), body))
	return b
}

// NativeFunction adds a free function implemented by the native table
// entry named linkage.
func (b *Builder) NativeFunction(name, linkage string, sig *TypeInfo) *Builder {
	b.funcs = append(b.funcs, b.function(name, linkage, sig, FuncNative|FuncStatic, uint64(len(b.funcs)), nil))
	return b
}

// Struct starts a struct entry. parent may be empty for a root class.
func (b *Builder) Struct(name, parent string, interfaces ...string) *StructBuilder {
	sb := &StructBuilder{
		b:    b,
		name: name,
		s: Struct{
			NameSymbol: b.Symbol(name, ClassType(parent, interfaces...)),
			SymbolName: b.Str(name),
		},
	}
	b.structs = append(b.structs, sb)
	return sb
}

// Build returns the assembled module.
func (b *Builder) Build() *Module {
	m := &Module{
		Pool:      append([]Entry(nil), b.pool...),
		Functions: append([]Function(nil), b.funcs...),
		Structs:   make([]Struct, len(b.structs)),
	}
	for i, sb := range b.structs {
		m.Structs[i] = sb.s
	}
	return m
}

// StructBuilder adds fields and methods to one struct entry.
type StructBuilder struct {
	b    *Builder
	name string
	s    Struct
}

// Flags sets the struct's flags.
func (sb *StructBuilder) Flags(f StructFlags) *StructBuilder {
	sb.s.Flags = f
	return sb
}

// Field declares an instance or static field.
func (sb *StructBuilder) Field(name string, t *TypeInfo, flags FieldFlags) *StructBuilder {
	sb.s.Fields = append(sb.s.Fields, Field{
		Flags: flags,
		Name:  sb.b.Str(name),
		Type:  sb.b.Type(t),
	})
	return sb
}

// Method adds a bytecode method whose linkage name is "Struct.method".
func (sb *StructBuilder) Method(name string, sig *TypeInfo, flags FunctionFlags, body []bytecode.Instruction) *StructBuilder {
	loc := uint64(len(sb.s.Methods))
	sb.s.Methods = append(sb.s.Methods, sb.b.function(name, sb.name+"."+name, sig, flags, loc, body))
	return sb
}

// Native adds a method implemented by the native table entry named
// linkage.
func (sb *StructBuilder) Native(name, linkage string, sig *TypeInfo, flags FunctionFlags) *StructBuilder {
	loc := uint64(len(sb.s.Methods))
	sb.s.Methods = append(sb.s.Methods, sb.b.function(name, linkage, sig, flags|FuncNative, loc, nil))
	return sb
}
