package vm

import (
	"fmt"
	"io"
	"strconv"

	"github.com/chazu/kestrel/bytecode"
)

// ---------------------------------------------------------------------------
// Native methods
// ---------------------------------------------------------------------------

// NativeFunc implements a native method. args holds the receiver first for
// instance methods. The result is pushed unless the method returns unit.
type NativeFunc func(m *Machine, args []bytecode.Value) (bytecode.Value, error)

// DefaultNatives returns the built-in native table.
func DefaultNatives() map[string]NativeFunc {
	return map[string]NativeFunc{
		"print":   nativePrint,
		"println": nativePrintln,
		"gc":      nativeGC,
		"abort":   nativeAbort,
	}
}

func nativePrint(m *Machine, args []bytecode.Value) (bytecode.Value, error) {
	for _, a := range args {
		if err := m.writeValue(m.out, a); err != nil {
			return bytecode.UnitValue, err
		}
	}
	return bytecode.UnitValue, nil
}

func nativePrintln(m *Machine, args []bytecode.Value) (bytecode.Value, error) {
	if _, err := nativePrint(m, args); err != nil {
		return bytecode.UnitValue, err
	}
	_, err := io.WriteString(m.out, "\n")
	return bytecode.UnitValue, err
}

func nativeGC(m *Machine, _ []bytecode.Value) (bytecode.Value, error) {
	m.CollectNow()
	return bytecode.UnitValue, nil
}

func nativeAbort(m *Machine, args []bytecode.Value) (bytecode.Value, error) {
	if len(args) > 0 {
		return bytecode.UnitValue, fmt.Errorf("%w: %s", ErrAbort, m.FormatValue(args[0]))
	}
	return bytecode.UnitValue, ErrAbort
}

// FormatValue renders v for program output. u8 arrays print as their
// UTF-8 contents.
func (m *Machine) FormatValue(v bytecode.Value) string {
	switch {
	case v.Type == bytecode.Unit:
		return "()"
	case v.Type == bytecode.Char:
		return string(v.Rune())
	case v.Type == bytecode.F32:
		return strconv.FormatFloat(v.Float(), 'g', -1, 32)
	case v.Type == bytecode.F64:
		return strconv.FormatFloat(v.Float(), 'g', -1, 64)
	case v.Type.IsSigned():
		return strconv.FormatInt(v.Int(), 10)
	case v.Type == bytecode.Reference:
		if v.Bits == 0 {
			return "null"
		}
		if a, err := m.rt.Table.Array(v.Bits); err == nil && a.ElemType == bytecode.U8 {
			return string(a.Data)
		}
		if class, err := m.rt.Table.ClassOf(v.Bits); err == nil {
			return fmt.Sprintf("%s@%d", m.rt.ClassName(class), v.Bits)
		}
		return fmt.Sprintf("ref(%d)", v.Bits)
	}
	return strconv.FormatUint(v.Bits, 10)
}

func (m *Machine) writeValue(w io.Writer, v bytecode.Value) error {
	_, err := io.WriteString(w, m.FormatValue(v))
	return err
}
