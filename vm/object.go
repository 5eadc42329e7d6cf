package vm

import (
	"encoding/binary"
	"fmt"

	"github.com/chazu/kestrel/bytecode"
)

// ---------------------------------------------------------------------------
// Heap bodies
// ---------------------------------------------------------------------------

// Mark is the tri-color collector mark of an object table slot.
type Mark uint8

const (
	White Mark = iota // not yet reached
	Gray              // reached, children not scanned
	Black             // reached and scanned
)

func (m Mark) String() string {
	switch m {
	case White:
		return "white"
	case Gray:
		return "gray"
	case Black:
		return "black"
	}
	return fmt.Sprintf("mark(%d)", m)
}

// ObjectBody holds the instance fields a class declares. Fields inherited
// from the superclass live in the Parent body; Parent is 0 for instances of
// root classes.
type ObjectBody struct {
	Parent uint64
	Class  uint64
	Fields []uint64 // raw bits, interpreted per the declared field type
}

// NewObjectBody allocates a zeroed body with n field slots.
func NewObjectBody(parent, class uint64, n int) *ObjectBody {
	return &ObjectBody{Parent: parent, Class: class, Fields: make([]uint64, n)}
}

// ArrayBody holds Length elements of ElemSize bytes each, little-endian.
type ArrayBody struct {
	Parent   uint64
	Class    uint64
	ElemType bytecode.TypeTag
	ElemSize int
	Length   uint64
	Data     []byte
}

// NewArrayBody allocates a zeroed array.
func NewArrayBody(class uint64, elem bytecode.TypeTag, length uint64) *ArrayBody {
	size := elem.Size()
	return &ArrayBody{
		Class:    class,
		ElemType: elem,
		ElemSize: size,
		Length:   length,
		Data:     make([]byte, uint64(size)*length),
	}
}

// NewByteArray allocates a u8 array holding b.
func NewByteArray(class uint64, b []byte) *ArrayBody {
	a := NewArrayBody(class, bytecode.U8, uint64(len(b)))
	copy(a.Data, b)
	return a
}

func (a *ArrayBody) check(i uint64, t bytecode.TypeTag) error {
	if t != a.ElemType {
		return fmt.Errorf("%w: %s array accessed as %s", ErrTypeMismatch, a.ElemType, t)
	}
	if i >= a.Length {
		return fmt.Errorf("%w: index %d, length %d", ErrIndexOutOfBounds, i, a.Length)
	}
	return nil
}

// Get returns element i, which must be of type t.
func (a *ArrayBody) Get(i uint64, t bytecode.TypeTag) (bytecode.Value, error) {
	if err := a.check(i, t); err != nil {
		return bytecode.Value{}, err
	}
	off := i * uint64(a.ElemSize)
	return bytecode.ValueFromBytes(t, a.Data[off:off+uint64(a.ElemSize)])
}

// Set overwrites element i with v.
func (a *ArrayBody) Set(i uint64, v bytecode.Value) error {
	if err := a.check(i, v.Type); err != nil {
		return err
	}
	off := int(i) * a.ElemSize
	copy(a.Data[off:off+a.ElemSize], v.AppendBytes(nil))
	return nil
}

// ref returns element i of a reference array without type checks.
func (a *ArrayBody) ref(i uint64) uint64 {
	off := i * uint64(a.ElemSize)
	return binary.LittleEndian.Uint64(a.Data[off:])
}

// Bytes returns the raw element bytes.
func (a *ArrayBody) Bytes() []byte { return a.Data }

// ---------------------------------------------------------------------------
// ObjectHeader: one object table slot
// ---------------------------------------------------------------------------

// ObjectKind identifies what an object table slot owns.
type ObjectKind uint8

const (
	KindClass ObjectKind = iota
	KindObject
	KindArray
)

func (k ObjectKind) String() string {
	switch k {
	case KindClass:
		return "class"
	case KindObject:
		return "object"
	case KindArray:
		return "array"
	}
	return fmt.Sprintf("kind(%d)", k)
}

// ObjectHeader is a live object table slot: a collector mark plus sole
// ownership of exactly one body.
type ObjectHeader struct {
	Mark Mark

	kind   ObjectKind
	class  *ClassHeader
	object *ObjectBody
	array  *ArrayBody
}

// Kind reports which body the slot owns.
func (h *ObjectHeader) Kind() ObjectKind { return h.kind }

// ClassHeader returns the owned class header, or nil.
func (h *ObjectHeader) ClassHeader() *ClassHeader { return h.class }

// Object returns the owned object body, or nil.
func (h *ObjectHeader) Object() *ObjectBody { return h.object }

// Array returns the owned array body, or nil.
func (h *ObjectHeader) Array() *ArrayBody { return h.array }

// release drops the owned body.
func (h *ObjectHeader) release() {
	switch h.kind {
	case KindClass:
		h.class.Release()
	case KindObject:
		h.object.Fields = nil
	case KindArray:
		h.array.Data = nil
	}
	h.class, h.object, h.array = nil, nil, nil
}
