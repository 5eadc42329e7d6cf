package module

import (
	"fmt"
	"strings"

	"github.com/chazu/kestrel/bytecode"
)

// ---------------------------------------------------------------------------
// TypeInfo: declared types carried in the constant pool
// ---------------------------------------------------------------------------

// TypeKind identifies the shape of a TypeInfo. Kinds 0-12 coincide with the
// primitive type tags.
type TypeKind uint8

const (
	KindObject   TypeKind = 13 // instance of a named class
	KindArray    TypeKind = 14 // array of an element type
	KindFunction TypeKind = 15 // parameter list + return type
	KindClass    TypeKind = 16 // class declaration: parent + interfaces
)

const maxTypeDepth = 64

// TypeInfo is a declared type.
type TypeInfo struct {
	Kind TypeKind

	Class string    // KindObject: class name
	Elem  *TypeInfo // KindArray: element type

	Params []*TypeInfo // KindFunction
	Return *TypeInfo   // KindFunction

	Parent     string   // KindClass: parent class name, empty for none
	Interfaces []string // KindClass
}

// Primitive returns the TypeInfo for a value type tag.
func Primitive(t bytecode.TypeTag) *TypeInfo {
	return &TypeInfo{Kind: TypeKind(t)}
}

// ObjectType returns the type of instances of the named class.
func ObjectType(class string) *TypeInfo {
	return &TypeInfo{Kind: KindObject, Class: class}
}

// ArrayType returns the type of arrays of elem.
func ArrayType(elem *TypeInfo) *TypeInfo {
	return &TypeInfo{Kind: KindArray, Elem: elem}
}

// FunctionType returns a function signature.
func FunctionType(ret *TypeInfo, params ...*TypeInfo) *TypeInfo {
	return &TypeInfo{Kind: KindFunction, Return: ret, Params: params}
}

// ClassType returns a class declaration type.
func ClassType(parent string, interfaces ...string) *TypeInfo {
	return &TypeInfo{Kind: KindClass, Parent: parent, Interfaces: interfaces}
}

// IsPrimitive reports whether the type is one of the 13 value types.
func (t *TypeInfo) IsPrimitive() bool {
	return t.Kind < TypeKind(bytecode.Unit)+1
}

// Tag returns the stack representation of values of this type. Objects,
// arrays, functions and classes are all carried as references.
func (t *TypeInfo) Tag() bytecode.TypeTag {
	if t == nil {
		return bytecode.Unit
	}
	if t.IsPrimitive() {
		return bytecode.TypeTag(t.Kind)
	}
	return bytecode.Reference
}

// Arity returns the number of parameters of a function type.
func (t *TypeInfo) Arity() int {
	if t == nil || t.Kind != KindFunction {
		return 0
	}
	return len(t.Params)
}

// Equal reports whether two types are structurally identical.
func (t *TypeInfo) Equal(o *TypeInfo) bool {
	if t == nil || o == nil {
		return t == o
	}
	return t.String() == o.String()
}

// String renders the type in a compact, unambiguous syntax.
func (t *TypeInfo) String() string {
	if t == nil {
		return "<nil>"
	}
	switch t.Kind {
	case KindObject:
		return t.Class
	case KindArray:
		return "[" + t.Elem.String() + "]"
	case KindFunction:
		params := make([]string, len(t.Params))
		for i, p := range t.Params {
			params[i] = p.String()
		}
		return fmt.Sprintf("fn(%s) %s", strings.Join(params, ", "), t.Return)
	case KindClass:
		s := "class"
		if t.Parent != "" {
			s += " : " + t.Parent
		}
		if len(t.Interfaces) > 0 {
			s += " + " + strings.Join(t.Interfaces, " + ")
		}
		return s
	}
	if t.IsPrimitive() {
		return bytecode.TypeTag(t.Kind).String()
	}
	return fmt.Sprintf("kind(%d)", t.Kind)
}
