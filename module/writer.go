package module

import (
	"encoding/binary"
	"io"

	"github.com/chazu/kestrel/bytecode"
)

// ---------------------------------------------------------------------------
// Writer: encodes a module into its binary form
// ---------------------------------------------------------------------------

// Encode returns the binary form of m.
func Encode(m *Module) []byte {
	var w writer
	w.pool(m.Pool)
	w.u64(uint64(len(m.Functions)))
	for _, f := range m.Functions {
		w.function(f)
	}
	w.u64(uint64(len(m.Structs)))
	for _, s := range m.Structs {
		w.strct(s)
	}
	return w.buf
}

// WriteTo writes the binary form of m to out.
func (m *Module) WriteTo(out io.Writer) (int64, error) {
	n, err := out.Write(Encode(m))
	return int64(n), err
}

type writer struct {
	buf []byte
}

func (w *writer) u8(v uint8) {
	w.buf = append(w.buf, v)
}

func (w *writer) u64(v uint64) {
	w.buf = binary.LittleEndian.AppendUint64(w.buf, v)
}

func (w *writer) str(s string) {
	w.u64(uint64(len(s)))
	w.buf = append(w.buf, s...)
}

func (w *writer) pool(entries []Entry) {
	w.u64(uint64(len(entries)))
	for _, e := range entries {
		w.u8(uint8(e.Tag))
		switch {
		case e.Tag == TagChar:
			w.buf = binary.LittleEndian.AppendUint32(w.buf, uint32(e.Value.Bits))
		case e.Tag.IsLiteral():
			w.buf = e.Value.AppendBytes(w.buf)
		case e.Tag == TagString:
			w.str(e.Text)
		case e.Tag == TagType:
			w.typ(e.Type)
		case e.Tag == TagSymbol:
			w.str(e.Text)
			w.typ(e.Type)
		}
	}
}

func (w *writer) typ(t *TypeInfo) {
	if t == nil {
		w.u8(uint8(bytecode.Unit))
		return
	}
	w.u8(uint8(t.Kind))
	switch t.Kind {
	case KindObject:
		w.str(t.Class)
	case KindArray:
		w.typ(t.Elem)
	case KindFunction:
		w.u64(uint64(len(t.Params)))
		for _, p := range t.Params {
			w.typ(p)
		}
		w.typ(t.Return)
	case KindClass:
		w.str(t.Parent)
		w.u64(uint64(len(t.Interfaces)))
		for _, name := range t.Interfaces {
			w.str(name)
		}
	}
}

func (w *writer) function(f Function) {
	w.u64(f.NameSymbol)
	w.u64(f.SymbolName)
	w.u64(f.Location)
	w.u8(uint8(f.Flags))
	w.u64(uint64(len(f.Bytecode)))
	w.u64(f.BlockCount)
	w.buf = append(w.buf, f.Bytecode...)
}

func (w *writer) strct(s Struct) {
	w.u64(s.NameSymbol)
	w.u64(s.SymbolName)
	w.u8(uint8(s.Flags))
	w.u64(uint64(len(s.Fields)))
	for _, f := range s.Fields {
		w.u8(uint8(f.Flags))
		w.u64(f.Name)
		w.u64(f.Type)
	}
	w.u64(uint64(len(s.Methods)))
	for _, m := range s.Methods {
		w.function(m)
	}
}
