// Package module defines the binary module format consumed by the VM: a
// constant pool, a function table and a struct table, all little-endian.
package module

import (
	"errors"
	"fmt"

	"github.com/chazu/kestrel/bytecode"
)

var (
	ErrUnexpectedEOF   = errors.New("unexpected end of module data")
	ErrUnknownTag      = errors.New("unknown constant pool tag")
	ErrInvalidTypeKind = errors.New("invalid type kind")
	ErrTypeTooDeep     = errors.New("type nesting too deep")
	ErrTrailingData    = errors.New("trailing bytes after struct table")
	ErrInvalidIndex    = errors.New("invalid constant pool index")
	ErrWrongEntryKind  = errors.New("constant pool entry has wrong kind")
)

// ---------------------------------------------------------------------------
// Constant pool
// ---------------------------------------------------------------------------

// Tag is the 1-byte constant pool entry tag. Tags 0-9 are the fixed-width
// numeric literals in type tag order.
type Tag uint8

const (
	TagChar   Tag = 10 // u32 code point
	TagString Tag = 11 // u64 length + UTF-8 bytes
	TagType   Tag = 12 // nested TypeInfo
	TagSymbol Tag = 13 // name string + TypeInfo
)

// IsLiteral reports whether the tag carries a fixed-width literal.
func (t Tag) IsLiteral() bool {
	return t <= TagChar
}

// Entry is one constant pool entry.
type Entry struct {
	Tag   Tag
	Value bytecode.Value // literal tags
	Text  string         // TagString contents, TagSymbol name
	Type  *TypeInfo      // TagType, TagSymbol
}

// LiteralEntry builds a literal entry from a numeric or char value.
func LiteralEntry(v bytecode.Value) Entry {
	return Entry{Tag: Tag(v.Type), Value: v}
}

// StringEntry builds a string entry.
func StringEntry(s string) Entry {
	return Entry{Tag: TagString, Text: s}
}

// TypeEntry builds a type entry.
func TypeEntry(t *TypeInfo) Entry {
	return Entry{Tag: TagType, Type: t}
}

// SymbolEntry builds a symbol entry.
func SymbolEntry(name string, t *TypeInfo) Entry {
	return Entry{Tag: TagSymbol, Text: name, Type: t}
}

// String implements the Stringer interface.
func (e Entry) String() string {
	switch e.Tag {
	case TagString:
		return fmt.Sprintf("string %q", e.Text)
	case TagType:
		return "type " + e.Type.String()
	case TagSymbol:
		return fmt.Sprintf("symbol %s: %s", e.Text, e.Type)
	}
	return "literal " + e.Value.String()
}

// ---------------------------------------------------------------------------
// Function and struct tables
// ---------------------------------------------------------------------------

// FunctionFlags is the u8 flag set of a function entry.
type FunctionFlags uint8

const (
	FuncStatic FunctionFlags = 1 << iota
	FuncNative
	FuncPublic
	FuncTailSafe
)

// StructFlags is the u8 flag set of a struct entry.
type StructFlags uint8

const (
	StructInterface StructFlags = 1 << iota
	StructAbstract
	StructPublic
)

// FieldFlags is the u8 flag set of a field.
type FieldFlags uint8

const (
	FieldStatic FieldFlags = 1 << iota
	FieldPublic
	FieldMutable
)

// Function is one function table entry. NameSymbol indexes a symbol entry
// carrying the function's name and signature; SymbolName indexes the
// string entry holding its linkage name.
type Function struct {
	NameSymbol uint64
	SymbolName uint64
	Location   uint64
	Flags      FunctionFlags
	BlockCount uint64
	Bytecode   []byte
}

// Field is one field declaration of a struct.
type Field struct {
	Flags FieldFlags
	Name  uint64 // string entry
	Type  uint64 // type entry
}

// Struct is one struct table entry. NameSymbol indexes a symbol whose type
// is a KindClass TypeInfo naming the parent and interfaces.
type Struct struct {
	NameSymbol uint64
	SymbolName uint64
	Flags      StructFlags
	Fields     []Field
	Methods    []Function
}

// Module is a decoded binary module.
type Module struct {
	Pool      []Entry
	Functions []Function
	Structs   []Struct
}

// Entry returns the pool entry at idx.
func (m *Module) Entry(idx uint64) (Entry, error) {
	if idx >= uint64(len(m.Pool)) {
		return Entry{}, fmt.Errorf("%w: %d (pool has %d entries)", ErrInvalidIndex, idx, len(m.Pool))
	}
	return m.Pool[idx], nil
}

// StringAt returns the string entry at idx.
func (m *Module) StringAt(idx uint64) (string, error) {
	e, err := m.Entry(idx)
	if err != nil {
		return "", err
	}
	if e.Tag != TagString {
		return "", fmt.Errorf("%w: entry %d is %s, want string", ErrWrongEntryKind, idx, e)
	}
	return e.Text, nil
}

// TypeAt returns the type entry at idx.
func (m *Module) TypeAt(idx uint64) (*TypeInfo, error) {
	e, err := m.Entry(idx)
	if err != nil {
		return nil, err
	}
	if e.Tag != TagType {
		return nil, fmt.Errorf("%w: entry %d is %s, want type", ErrWrongEntryKind, idx, e)
	}
	return e.Type, nil
}

// SymbolAt returns the name and type of the symbol entry at idx.
func (m *Module) SymbolAt(idx uint64) (string, *TypeInfo, error) {
	e, err := m.Entry(idx)
	if err != nil {
		return "", nil, err
	}
	if e.Tag != TagSymbol {
		return "", nil, fmt.Errorf("%w: entry %d is %s, want symbol", ErrWrongEntryKind, idx, e)
	}
	return e.Text, e.Type, nil
}
