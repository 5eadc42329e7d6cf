package module

import (
	"fmt"
	"io"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/chazu/kestrel/bytecode"
)

// ---------------------------------------------------------------------------
// Human-readable module summaries
// ---------------------------------------------------------------------------

// Summary is a readable view of a module, resolved through its pool.
type Summary struct {
	Pool      []string          `yaml:"pool"`
	Functions []FunctionSummary `yaml:"functions,omitempty"`
	Structs   []StructSummary   `yaml:"structs,omitempty"`
}

// FunctionSummary describes one function or method.
type FunctionSummary struct {
	Name      string   `yaml:"name"`
	Linkage   string   `yaml:"linkage"`
	Signature string   `yaml:"signature"`
	Location  uint64   `yaml:"location"`
	Flags     []string `yaml:"flags,flow,omitempty"`
	Blocks    uint64   `yaml:"blocks"`
	Code      string   `yaml:"code,omitempty"`
}

// FieldSummary describes one field.
type FieldSummary struct {
	Name  string   `yaml:"name"`
	Type  string   `yaml:"type"`
	Flags []string `yaml:"flags,flow,omitempty"`
}

// StructSummary describes one struct.
type StructSummary struct {
	Name       string            `yaml:"name"`
	Parent     string            `yaml:"parent,omitempty"`
	Interfaces []string          `yaml:"interfaces,flow,omitempty"`
	Flags      []string          `yaml:"flags,flow,omitempty"`
	Fields     []FieldSummary    `yaml:"fields,omitempty"`
	Methods    []FunctionSummary `yaml:"methods,omitempty"`
}

func flagNames(bits uint8, names ...string) []string {
	var out []string
	for i, n := range names {
		if bits&(1<<i) != 0 {
			out = append(out, n)
		}
	}
	return out
}

func (m *Module) describeFunction(f Function) FunctionSummary {
	fs := FunctionSummary{
		Location: f.Location,
		Flags:    flagNames(uint8(f.Flags), "static", "native", "public", "tail-safe"),
		Blocks:   f.BlockCount,
	}
	if name, sig, err := m.SymbolAt(f.NameSymbol); err == nil {
		fs.Name, fs.Signature = name, sig.String()
	} else {
		fs.Name = fmt.Sprintf("<%v>", err)
	}
	if link, err := m.StringAt(f.SymbolName); err == nil {
		fs.Linkage = link
	}
	if len(f.Bytecode) > 0 {
		code, err := bytecode.DisassembleBytes(f.Bytecode)
		if err != nil {
			code += "\n<" + err.Error() + ">"
		}
		fs.Code = code
	}
	return fs
}

// Describe builds a summary of m. Dangling pool indices are rendered as
// placeholders rather than failing, so broken modules can be inspected.
func (m *Module) Describe() *Summary {
	s := &Summary{Pool: make([]string, len(m.Pool))}
	for i, e := range m.Pool {
		s.Pool[i] = fmt.Sprintf("%d: %s", i, e)
	}
	for _, f := range m.Functions {
		s.Functions = append(s.Functions, m.describeFunction(f))
	}
	for _, st := range m.Structs {
		ss := StructSummary{
			Flags: flagNames(uint8(st.Flags), "interface", "abstract", "public"),
		}
		if name, t, err := m.SymbolAt(st.NameSymbol); err == nil {
			ss.Name = name
			if t != nil && t.Kind == KindClass {
				ss.Parent, ss.Interfaces = t.Parent, t.Interfaces
			}
		}
		for _, f := range st.Fields {
			fs := FieldSummary{Flags: flagNames(uint8(f.Flags), "static", "public", "mutable")}
			fs.Name, _ = m.StringAt(f.Name)
			if t, err := m.TypeAt(f.Type); err == nil {
				fs.Type = t.String()
			}
			ss.Fields = append(ss.Fields, fs)
		}
		for _, meth := range st.Methods {
			ss.Methods = append(ss.Methods, m.describeFunction(meth))
		}
		s.Structs = append(s.Structs, ss)
	}
	return s
}

// DumpYAML writes the module summary as YAML.
func DumpYAML(w io.Writer, m *Module) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(m.Describe()); err != nil {
		return fmt.Errorf("encode module summary: %w", err)
	}
	return enc.Close()
}

// String renders the module summary as YAML.
func (s *Summary) String() string {
	var sb strings.Builder
	enc := yaml.NewEncoder(&sb)
	enc.SetIndent(2)
	if err := enc.Encode(s); err != nil {
		return err.Error()
	}
	enc.Close()
	return sb.String()
}
