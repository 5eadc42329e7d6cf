package vm

import (
	"fmt"

	"github.com/hashicorp/go-multierror"
	"github.com/tliron/commonlog"

	"github.com/chazu/kestrel/bytecode"
	"github.com/chazu/kestrel/module"
)

// ---------------------------------------------------------------------------
// Loader: module tables to class headers
// ---------------------------------------------------------------------------

var loaderLog = commonlog.GetLogger("kestrel.loader")

// Load builds one class header per struct of m, plus a class named after
// the module holding its free functions when it has any. Structs that do
// not name a parent inherit from the root class.
//
// Each header's pool is the module pool followed by ClassInfo entries for
// the class itself, its parent and its interfaces. Every problem found is
// reported; the returned error aggregates them.
func Load(name string, m *module.Module) ([]*ClassHeader, error) {
	var errs *multierror.Error
	var headers []*ClassHeader

	for i, s := range m.Structs {
		className, t, err := m.SymbolAt(s.NameSymbol)
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("struct %d: %w", i, err))
			continue
		}
		parent := RootClassName
		var ifaces []string
		if t != nil && t.Kind == module.KindClass {
			if t.Parent != "" {
				parent = t.Parent
			}
			ifaces = t.Interfaces
		}
		if className == RootClassName {
			parent = ""
		}
		h, err := buildHeader(name, m, className, parent, ifaces, s.Flags, s.Fields, s.Methods)
		if err != nil {
			errs = multierror.Append(errs, err)
			continue
		}
		headers = append(headers, h)
	}

	if len(m.Functions) > 0 {
		h, err := buildHeader(name, m, name, "", nil, 0, nil, m.Functions)
		if err != nil {
			errs = multierror.Append(errs, err)
		} else {
			h.synthetic = true
			headers = append(headers, h)
		}
	}

	if err := errs.ErrorOrNil(); err != nil {
		return nil, fmt.Errorf("load module %s: %w", name, err)
	}
	loaderLog.Debugf("loaded module %s: %d classes", name, len(headers))
	return headers, nil
}

func buildHeader(modName string, m *module.Module, className, parent string, ifaces []string,
	flags module.StructFlags, fields []module.Field, funcs []module.Function) (*ClassHeader, error) {

	base := len(m.Pool)
	extra := 1 + len(ifaces)
	if parent != "" {
		extra++
	}
	h := NewClassHeader(base+extra, len(ifaces), len(fields), len(funcs))
	h.Name = className
	h.Module = modName
	h.Flags = flags

	for i, e := range m.Pool {
		h.pool[i] = constantFromEntry(e)
	}
	next := uint64(base)
	h.This = next
	h.pool[next] = &ClassInfo{Name: className}
	next++
	if parent != "" {
		h.Parent = next
		h.pool[next] = &ClassInfo{Name: parent}
		next++
	}
	for i, iface := range ifaces {
		h.interfaces[i] = next
		h.pool[next] = &ClassInfo{Name: iface}
		next++
	}

	var errs *multierror.Error
	for i, f := range fields {
		if err := h.checkKind(f.Name, ConstString); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("class %s: field %d name: %w", className, i, err))
		}
		if err := h.checkKind(f.Type, ConstType); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("class %s: field %d type: %w", className, i, err))
		}
		h.fields[i] = FieldInfo{Flags: f.Flags, Name: f.Name, Type: f.Type}
	}

	for i, f := range funcs {
		mi, err := h.loadMethod(f)
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("class %s: method %d: %w", className, i, err))
			continue
		}
		if f.Location >= uint64(len(funcs)) || h.methods[f.Location] != nil {
			errs = multierror.Append(errs, fmt.Errorf("class %s: method %s: %w: %d",
				className, mi.MethodName, ErrBadLocation, f.Location))
			continue
		}
		h.methods[f.Location] = mi
	}

	return h, errs.ErrorOrNil()
}

func (h *ClassHeader) checkKind(idx uint64, want ConstantKind) error {
	c, err := h.Constant(int(min(idx, uint64(len(h.pool)))))
	if err != nil {
		return err
	}
	if c.Kind() != want {
		return fmt.Errorf("%w: constant %d is %s, want %s", ErrBadConstant, idx, c.Kind(), want)
	}
	return nil
}

func (h *ClassHeader) loadMethod(f module.Function) (*MethodInfo, error) {
	if err := h.checkKind(f.NameSymbol, ConstSymbol); err != nil {
		return nil, fmt.Errorf("name: %w", err)
	}
	if err := h.checkKind(f.SymbolName, ConstString); err != nil {
		return nil, fmt.Errorf("linkage: %w", err)
	}
	sym := h.pool[f.NameSymbol].(*SymbolConst)
	if sym.Type == nil || sym.Type.Kind != module.KindFunction {
		return nil, fmt.Errorf("%s: %w: signature %s is not a function type", sym.Name, ErrBadConstant, sym.Type)
	}
	mi := &MethodInfo{
		Flags:      f.Flags,
		Name:       f.NameSymbol,
		Linkage:    f.SymbolName,
		Location:   f.Location,
		MethodName: sym.Name,
		LinkName:   h.pool[f.SymbolName].(*StringConst).Text,
		Sig:        sym.Type,
	}
	if mi.IsNative() {
		return mi, nil
	}

	code, err := bytecode.Decode(f.Bytecode)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", sym.Name, err)
	}
	mi.Code = code
	if err := mi.indexBlocks(f.BlockCount); err != nil {
		return nil, fmt.Errorf("%s: %w", sym.Name, err)
	}
	for n, inst := range code {
		if err := h.checkOperands(inst); err != nil {
			return nil, fmt.Errorf("%s: instruction %d (%s): %w", sym.Name, n, inst, err)
		}
	}
	return mi, nil
}

// checkOperands verifies that pool and symbol operands name constants of
// the kind the opcode expects.
func (h *ClassHeader) checkOperands(inst bytecode.Instruction) error {
	for n, k := range inst.Op.Info().Operands {
		switch k {
		case bytecode.OperandPool, bytecode.OperandSymbol:
			if inst.Args[n] >= uint64(len(h.pool)) {
				return fmt.Errorf("%w: constant %d (pool has %d)", ErrBadOperand, inst.Args[n], len(h.pool))
			}
		case bytecode.OperandType:
			if !bytecode.TypeTag(inst.Args[n]).Valid() {
				return fmt.Errorf("%w: type tag %d", ErrBadOperand, inst.Args[n])
			}
		}
	}
	switch inst.Op {
	case bytecode.OpInvoke, bytecode.OpInvokeTail, bytecode.OpInvokeTrait, bytecode.OpInvokeTraitTail,
		bytecode.OpGetField, bytecode.OpSetField:
		return h.checkKind(inst.Symbol(), ConstSymbol)
	case bytecode.OpNew, bytecode.OpInstanceOf:
		c := h.pool[inst.Pool()]
		if tc, ok := c.(*TypeConst); ok && tc.Type != nil && tc.Type.Kind == module.KindObject {
			return nil
		}
		if c.Kind() == ConstClassInfo {
			return nil
		}
		return fmt.Errorf("%w: constant %d is %s, want class type", ErrBadConstant, inst.Pool(), c)
	}
	return nil
}
