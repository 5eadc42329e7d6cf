package vm

import (
	"errors"
	"fmt"

	"github.com/chazu/kestrel/bytecode"
)

// Object table errors.
var (
	ErrInvalidReference = errors.New("invalid reference")
	ErrWrongKind        = errors.New("reference names the wrong kind of object")
	ErrDoubleFree       = errors.New("object table slot already empty")
)

// Load and link errors.
var (
	ErrBadBlock         = errors.New("malformed block structure")
	ErrUnknownBlock     = errors.New("jump to unknown block")
	ErrBadOperand       = errors.New("operand out of range")
	ErrBadLocation      = errors.New("method location out of range")
	ErrDuplicateClass   = errors.New("class defined twice")
	ErrUnresolvedSymbol = errors.New("unresolved symbol")
	ErrEntryNotFound    = errors.New("entry method not found")
)

// Runtime errors, carried by RuntimeFault.
var (
	ErrStackUnderflow     = errors.New("operand stack underflow")
	ErrTypeMismatch       = errors.New("type mismatch")
	ErrUninitializedLocal = errors.New("load from uninitialized local")
	ErrDivideByZero       = errors.New("integer division by zero")
	ErrIndexOutOfBounds   = errors.New("index out of bounds")
	ErrNullReference      = errors.New("null reference")
	ErrNoSuchField        = errors.New("no such field")
	ErrNoSuchMethod       = errors.New("no such method")
	ErrUnknownNative      = errors.New("unknown native method")
	ErrNotInstantiable    = errors.New("class cannot be instantiated")
	ErrBadConstant        = errors.New("constant cannot be used here")
	ErrCallDepth          = errors.New("call stack depth exceeded")
	ErrMissingReturn      = errors.New("method body ended without return")
	ErrAbort              = errors.New("aborted")
	ErrHalted             = errors.New("machine is halted")
)

// RuntimeFault is the single error the interpreter loop surfaces for a
// failed instruction. The call stack is discarded when it is raised.
type RuntimeFault struct {
	Class  string
	Method string
	PC     PC
	Op     bytecode.Opcode
	Err    error
}

func (f *RuntimeFault) Error() string {
	return fmt.Sprintf("runtime fault in %s.%s at %s (%s): %v", f.Class, f.Method, f.PC, f.Op, f.Err)
}

func (f *RuntimeFault) Unwrap() error { return f.Err }
