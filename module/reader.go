package module

import (
	"encoding/binary"
	"fmt"
	"io"
	"unicode/utf8"

	"github.com/chazu/kestrel/bytecode"
)

// ---------------------------------------------------------------------------
// Reader: decodes a binary module
// ---------------------------------------------------------------------------

// Reader decodes the three module tables from a byte slice.
type Reader struct {
	data   []byte
	offset int
}

// NewReader creates a reader over module bytes.
func NewReader(data []byte) *Reader {
	return &Reader{data: data}
}

// Decode reads a whole module from an io.Reader.
func Decode(r io.Reader) (*Module, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read module data: %w", err)
	}
	return DecodeBytes(data)
}

// DecodeBytes decodes a module held in memory.
func DecodeBytes(data []byte) (*Module, error) {
	return NewReader(data).ReadModule()
}

// ReadModule reads the constant pool, function table and struct table, and
// requires the input to end there.
func (r *Reader) ReadModule() (*Module, error) {
	pool, err := r.ReadPool()
	if err != nil {
		return nil, err
	}
	funcs, err := r.ReadFunctions()
	if err != nil {
		return nil, err
	}
	structs, err := r.ReadStructs()
	if err != nil {
		return nil, err
	}
	if r.offset != len(r.data) {
		return nil, fmt.Errorf("%w: %d bytes at offset %d", ErrTrailingData, len(r.data)-r.offset, r.offset)
	}
	return &Module{Pool: pool, Functions: funcs, Structs: structs}, nil
}

func (r *Reader) readUint8() (uint8, error) {
	if r.offset+1 > len(r.data) {
		return 0, ErrUnexpectedEOF
	}
	v := r.data[r.offset]
	r.offset++
	return v, nil
}

func (r *Reader) readUint32() (uint32, error) {
	if r.offset+4 > len(r.data) {
		return 0, ErrUnexpectedEOF
	}
	v := binary.LittleEndian.Uint32(r.data[r.offset:])
	r.offset += 4
	return v, nil
}

func (r *Reader) readUint64() (uint64, error) {
	if r.offset+8 > len(r.data) {
		return 0, ErrUnexpectedEOF
	}
	v := binary.LittleEndian.Uint64(r.data[r.offset:])
	r.offset += 8
	return v, nil
}

// readCount reads a u64 element count and rejects counts that could not
// possibly fit in the remaining input, given each element needs at least
// minSize bytes.
func (r *Reader) readCount(minSize int) (int, error) {
	n, err := r.readUint64()
	if err != nil {
		return 0, err
	}
	remaining := uint64(len(r.data) - r.offset)
	if minSize > 0 && n > remaining/uint64(minSize) {
		return 0, fmt.Errorf("%w: count %d exceeds remaining %d bytes", ErrUnexpectedEOF, n, remaining)
	}
	return int(n), nil
}

func (r *Reader) readBytes(n uint64) ([]byte, error) {
	if n > uint64(len(r.data)-r.offset) {
		return nil, ErrUnexpectedEOF
	}
	b := make([]byte, n)
	copy(b, r.data[r.offset:])
	r.offset += int(n)
	return b, nil
}

// readString reads a length-prefixed UTF-8 string: [length:64 | bytes].
func (r *Reader) readString() (string, error) {
	n, err := r.readUint64()
	if err != nil {
		return "", err
	}
	b, err := r.readBytes(n)
	if err != nil {
		return "", err
	}
	if !utf8.Valid(b) {
		return "", fmt.Errorf("invalid UTF-8 in string at offset %d", r.offset-len(b))
	}
	return string(b), nil
}

// ---------------------------------------------------------------------------
// Constant pool
// ---------------------------------------------------------------------------

// ReadPool reads the constant pool: u64 count + tagged entries.
func (r *Reader) ReadPool() ([]Entry, error) {
	count, err := r.readCount(1)
	if err != nil {
		return nil, fmt.Errorf("failed to read constant pool count: %w", err)
	}
	pool := make([]Entry, count)
	for i := range pool {
		e, err := r.readEntry()
		if err != nil {
			return nil, fmt.Errorf("failed to read constant %d: %w", i, err)
		}
		pool[i] = e
	}
	return pool, nil
}

func (r *Reader) readEntry() (Entry, error) {
	b, err := r.readUint8()
	if err != nil {
		return Entry{}, err
	}
	tag := Tag(b)

	switch {
	case tag <= Tag(bytecode.F64):
		t := bytecode.TypeTag(tag)
		raw, err := r.readBytes(uint64(t.Size()))
		if err != nil {
			return Entry{}, err
		}
		v, err := bytecode.ValueFromBytes(t, raw)
		if err != nil {
			return Entry{}, err
		}
		return LiteralEntry(v), nil

	case tag == TagChar:
		cp, err := r.readUint32()
		if err != nil {
			return Entry{}, err
		}
		return LiteralEntry(bytecode.CharValue(rune(cp))), nil

	case tag == TagString:
		s, err := r.readString()
		if err != nil {
			return Entry{}, err
		}
		return StringEntry(s), nil

	case tag == TagType:
		t, err := r.readType(0)
		if err != nil {
			return Entry{}, err
		}
		return TypeEntry(t), nil

	case tag == TagSymbol:
		name, err := r.readString()
		if err != nil {
			return Entry{}, err
		}
		t, err := r.readType(0)
		if err != nil {
			return Entry{}, err
		}
		return SymbolEntry(name, t), nil
	}

	return Entry{}, fmt.Errorf("%w: %d at offset %d", ErrUnknownTag, tag, r.offset-1)
}

func (r *Reader) readType(depth int) (*TypeInfo, error) {
	if depth > maxTypeDepth {
		return nil, ErrTypeTooDeep
	}
	k, err := r.readUint8()
	if err != nil {
		return nil, err
	}
	kind := TypeKind(k)

	switch {
	case kind <= TypeKind(bytecode.Unit):
		return &TypeInfo{Kind: kind}, nil

	case kind == KindObject:
		name, err := r.readString()
		if err != nil {
			return nil, err
		}
		return ObjectType(name), nil

	case kind == KindArray:
		elem, err := r.readType(depth + 1)
		if err != nil {
			return nil, err
		}
		return ArrayType(elem), nil

	case kind == KindFunction:
		n, err := r.readCount(1)
		if err != nil {
			return nil, err
		}
		params := make([]*TypeInfo, n)
		for i := range params {
			if params[i], err = r.readType(depth + 1); err != nil {
				return nil, err
			}
		}
		ret, err := r.readType(depth + 1)
		if err != nil {
			return nil, err
		}
		return FunctionType(ret, params...), nil

	case kind == KindClass:
		parent, err := r.readString()
		if err != nil {
			return nil, err
		}
		n, err := r.readCount(8)
		if err != nil {
			return nil, err
		}
		ifaces := make([]string, n)
		for i := range ifaces {
			if ifaces[i], err = r.readString(); err != nil {
				return nil, err
			}
		}
		return ClassType(parent, ifaces...), nil
	}

	return nil, fmt.Errorf("%w: %d at offset %d", ErrInvalidTypeKind, kind, r.offset-1)
}

// ---------------------------------------------------------------------------
// Function and struct tables
// ---------------------------------------------------------------------------

// functionHeaderSize is the fixed part of a function entry.
const functionHeaderSize = 8 + 8 + 8 + 1 + 8 + 8

// ReadFunctions reads the function table.
func (r *Reader) ReadFunctions() ([]Function, error) {
	count, err := r.readCount(functionHeaderSize)
	if err != nil {
		return nil, fmt.Errorf("failed to read function count: %w", err)
	}
	funcs := make([]Function, count)
	for i := range funcs {
		if funcs[i], err = r.readFunction(); err != nil {
			return nil, fmt.Errorf("failed to read function %d: %w", i, err)
		}
	}
	return funcs, nil
}

func (r *Reader) readFunction() (Function, error) {
	var f Function
	var err error
	if f.NameSymbol, err = r.readUint64(); err != nil {
		return f, err
	}
	if f.SymbolName, err = r.readUint64(); err != nil {
		return f, err
	}
	if f.Location, err = r.readUint64(); err != nil {
		return f, err
	}
	flags, err := r.readUint8()
	if err != nil {
		return f, err
	}
	f.Flags = FunctionFlags(flags)
	length, err := r.readUint64()
	if err != nil {
		return f, err
	}
	if f.BlockCount, err = r.readUint64(); err != nil {
		return f, err
	}
	if f.Bytecode, err = r.readBytes(length); err != nil {
		return f, err
	}
	return f, nil
}

// ReadStructs reads the struct table.
func (r *Reader) ReadStructs() ([]Struct, error) {
	count, err := r.readCount(8 + 8 + 1 + 8 + 8)
	if err != nil {
		return nil, fmt.Errorf("failed to read struct count: %w", err)
	}
	structs := make([]Struct, count)
	for i := range structs {
		if structs[i], err = r.readStruct(); err != nil {
			return nil, fmt.Errorf("failed to read struct %d: %w", i, err)
		}
	}
	return structs, nil
}

func (r *Reader) readStruct() (Struct, error) {
	var s Struct
	var err error
	if s.NameSymbol, err = r.readUint64(); err != nil {
		return s, err
	}
	if s.SymbolName, err = r.readUint64(); err != nil {
		return s, err
	}
	flags, err := r.readUint8()
	if err != nil {
		return s, err
	}
	s.Flags = StructFlags(flags)

	nFields, err := r.readCount(1 + 8 + 8)
	if err != nil {
		return s, fmt.Errorf("failed to read field count: %w", err)
	}
	s.Fields = make([]Field, nFields)
	for i := range s.Fields {
		fl, err := r.readUint8()
		if err != nil {
			return s, fmt.Errorf("failed to read field %d: %w", i, err)
		}
		s.Fields[i].Flags = FieldFlags(fl)
		if s.Fields[i].Name, err = r.readUint64(); err != nil {
			return s, fmt.Errorf("failed to read field %d: %w", i, err)
		}
		if s.Fields[i].Type, err = r.readUint64(); err != nil {
			return s, fmt.Errorf("failed to read field %d: %w", i, err)
		}
	}

	nMethods, err := r.readCount(functionHeaderSize)
	if err != nil {
		return s, fmt.Errorf("failed to read method count: %w", err)
	}
	s.Methods = make([]Function, nMethods)
	for i := range s.Methods {
		if s.Methods[i], err = r.readFunction(); err != nil {
			return s, fmt.Errorf("failed to read method %d: %w", i, err)
		}
	}
	return s, nil
}
