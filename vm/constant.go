package vm

import (
	"fmt"

	"github.com/chazu/kestrel/bytecode"
	"github.com/chazu/kestrel/module"
)

// ---------------------------------------------------------------------------
// Constant: runtime constant pool entries
// ---------------------------------------------------------------------------

// ConstantKind identifies the concrete type of a Constant.
type ConstantKind uint8

const (
	ConstLiteral ConstantKind = iota
	ConstClassInfo
	ConstMethod
	ConstType
	ConstString
	ConstSymbol
)

var constantKindNames = [...]string{"literal", "class", "method", "type", "string", "symbol"}

func (k ConstantKind) String() string {
	if int(k) < len(constantKindNames) {
		return constantKindNames[k]
	}
	return fmt.Sprintf("kind(%d)", k)
}

// Constant is one constant pool entry.
type Constant interface {
	Kind() ConstantKind
	String() string
}

// Literal is a numeric or char constant.
type Literal struct {
	Value bytecode.Value
}

// ClassInfo names a class. Ref is 0 until the class is registered; the
// linker shares one ClassInfo per class name so registration patches every
// placeholder at once.
type ClassInfo struct {
	Name string
	Ref  uint64
}

// MethodRef is a resolved call target: a method slot of a registered class.
type MethodRef struct {
	Class uint64
	Index uint64
	Name  string
}

// TypeConst is a declared type.
type TypeConst struct {
	Type *module.TypeInfo
}

// StringConst is a UTF-8 string constant.
type StringConst struct {
	Text string
}

// SymbolConst is a name paired with a type: a field, method or trait name.
type SymbolConst struct {
	Name string
	Type *module.TypeInfo
}

func (*Literal) Kind() ConstantKind     { return ConstLiteral }
func (*ClassInfo) Kind() ConstantKind   { return ConstClassInfo }
func (*MethodRef) Kind() ConstantKind   { return ConstMethod }
func (*TypeConst) Kind() ConstantKind   { return ConstType }
func (*StringConst) Kind() ConstantKind { return ConstString }
func (*SymbolConst) Kind() ConstantKind { return ConstSymbol }

func (c *Literal) String() string { return c.Value.String() }

func (c *ClassInfo) String() string {
	if c.Ref == 0 {
		return "class " + c.Name + " (unlinked)"
	}
	return fmt.Sprintf("class %s @%d", c.Name, c.Ref)
}

func (c *MethodRef) String() string {
	return fmt.Sprintf("method %s @%d[%d]", c.Name, c.Class, c.Index)
}

func (c *TypeConst) String() string   { return "type " + c.Type.String() }
func (c *StringConst) String() string { return fmt.Sprintf("%q", c.Text) }
func (c *SymbolConst) String() string { return fmt.Sprintf("%s: %s", c.Name, c.Type) }

// constantFromEntry converts a decoded module pool entry.
func constantFromEntry(e module.Entry) Constant {
	switch e.Tag {
	case module.TagString:
		return &StringConst{Text: e.Text}
	case module.TagType:
		return &TypeConst{Type: e.Type}
	case module.TagSymbol:
		return &SymbolConst{Name: e.Text, Type: e.Type}
	}
	return &Literal{Value: e.Value}
}
