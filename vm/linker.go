package vm

import (
	"fmt"
	"strings"

	"github.com/hashicorp/go-multierror"
	"github.com/tliron/commonlog"

	"github.com/chazu/kestrel/bytecode"
	"github.com/chazu/kestrel/module"
)

// ---------------------------------------------------------------------------
// Linker: class headers to a live class graph
// ---------------------------------------------------------------------------

// Bootstrap names the method execution starts in.
type Bootstrap struct {
	Class  uint64
	Method uint64
}

// LinkError reports a class whose parent or interface never resolved.
type LinkError struct {
	Class   string
	Missing string
}

func (e *LinkError) Error() string {
	return fmt.Sprintf("class %s: unresolved dependency %s", e.Class, e.Missing)
}

// Linker registers class headers in a runtime once their dependencies are
// registered. Classes are resolved in passes: a class whose parent or
// interfaces are not yet known is deferred to the next pass, and a pass
// that resolves nothing ends linking with a LinkError per deferred class.
// Each pass must shrink the deferred queue, so the number of passes is
// bounded by the number of classes and cycles terminate.
type Linker struct {
	rt      *Runtime
	pending []*ClassHeader
	linked  []*ClassHeader
	log     commonlog.Logger
}

// NewLinker creates a linker registering classes into rt.
func NewLinker(rt *Runtime) *Linker {
	return &Linker{rt: rt, log: commonlog.GetLogger("kestrel.linker")}
}

// Add queues class headers for linking.
func (l *Linker) Add(headers ...*ClassHeader) {
	l.pending = append(l.pending, headers...)
}

// Link resolves every queued class, binds static calls and returns the
// bootstrap for entryClass.entryMethod.
func (l *Linker) Link(entryClass, entryMethod string) (Bootstrap, error) {
	if err := l.Resolve(); err != nil {
		return Bootstrap{}, err
	}
	return l.rt.Entry(entryClass, entryMethod)
}

// Resolve registers every queued class and binds the invoke instructions
// of the classes it registered.
func (l *Linker) Resolve() error {
	deferred := l.pending
	l.pending = nil

	for pass := 1; len(deferred) > 0; pass++ {
		var next []*ClassHeader
		for _, h := range deferred {
			if _, dup := l.rt.ClassRef(h.Name); dup {
				return fmt.Errorf("%w: %s", ErrDuplicateClass, h.Name)
			}
			if missing := l.missing(h); missing != "" {
				next = append(next, h)
				continue
			}
			l.finalize(h)
		}
		if len(next) == len(deferred) {
			var errs *multierror.Error
			for _, h := range next {
				errs = multierror.Append(errs, &LinkError{Class: h.Name, Missing: l.missing(h)})
			}
			return errs
		}
		l.log.Debugf("pass %d: %d resolved, %d deferred", pass, len(deferred)-len(next), len(next))
		deferred = next
	}

	err := l.bindCalls()
	l.linked = nil
	return err
}

// missing returns the first dependency of h that is not registered yet.
func (l *Linker) missing(h *ClassHeader) string {
	if h.Parent != NoParent {
		name := h.pool[h.Parent].(*ClassInfo).Name
		if _, ok := l.rt.ClassRef(name); !ok {
			return name
		}
	}
	for _, idx := range h.interfaces {
		name := h.pool[idx].(*ClassInfo).Name
		if _, ok := l.rt.ClassRef(name); !ok {
			return name
		}
	}
	return ""
}

// finalize copies h's pool into the runtime pool, relocates every index h
// holds, and registers h. Its dependencies are registered.
func (l *Linker) finalize(h *ClassHeader) {
	pool := l.rt.Pool
	reloc := make([]uint64, len(h.pool))
	for i, c := range h.pool {
		reloc[i] = pool.Intern(c)
	}

	h.slots = make(map[string]int)
	h.slotTags = h.slotTags[:0]
	for _, f := range h.fields {
		if f.IsStatic() {
			continue
		}
		name := h.pool[f.Name].(*StringConst).Text
		h.slots[name] = len(h.slotTags)
		h.slotTags = append(h.slotTags, h.pool[f.Type].(*TypeConst).Type.Tag())
	}

	for _, m := range h.methods {
		for j, inst := range m.Code {
			m.Code[j] = l.relocate(h, inst, reloc)
		}
		m.Name = reloc[m.Name]
		m.Linkage = reloc[m.Linkage]
	}
	for i := range h.fields {
		h.fields[i].Name = reloc[h.fields[i].Name]
		h.fields[i].Type = reloc[h.fields[i].Type]
	}
	h.ifaceRefs = h.ifaceRefs[:0]
	for i, idx := range h.interfaces {
		ref, _ := l.rt.ClassRef(h.pool[idx].(*ClassInfo).Name)
		h.ifaceRefs = append(h.ifaceRefs, ref)
		h.interfaces[i] = reloc[idx]
	}
	if h.Parent != NoParent {
		h.parentRef, _ = l.rt.ClassRef(h.pool[h.Parent].(*ClassInfo).Name)
		h.Parent = reloc[h.Parent]
	}
	h.This = reloc[h.This]

	// Share the runtime's class infos so registration patches this pool too.
	for i, c := range h.pool {
		if ci, ok := c.(*ClassInfo); ok {
			_, h.pool[i] = pool.ClassInfo(ci.Name)
		}
	}

	ref := l.rt.Table.AddClass(h)
	h.ref = ref
	_, info := pool.ClassInfo(h.Name)
	info.Ref = ref
	l.rt.register(h.Name, ref, h)
	l.linked = append(l.linked, h)
	l.log.Debugf("linked class %s as %d (parent %d)", h.Name, ref, h.parentRef)
}

// relocate rewrites the pool and symbol operands of inst into runtime pool
// indices. Class types named by new and instance_of become class infos.
func (l *Linker) relocate(h *ClassHeader, inst bytecode.Instruction, reloc []uint64) bytecode.Instruction {
	if inst.Op == bytecode.OpNew || inst.Op == bytecode.OpInstanceOf {
		if tc, ok := h.pool[inst.Pool()].(*TypeConst); ok && tc.Type.Kind == module.KindObject {
			inst.Args[0], _ = l.rt.Pool.ClassInfo(tc.Type.Class)
			return inst
		}
	}
	for n, k := range inst.Op.Info().Operands {
		if k == bytecode.OperandPool || k == bytecode.OperandSymbol {
			inst.Args[n] = reloc[inst.Args[n]]
		}
	}
	return inst
}

// bindCalls rewrites the symbol operand of every invoke and invoke_tail in
// the newly linked classes to a MethodRef. Classes named by new,
// instance_of and load_const must be registered by now.
func (l *Linker) bindCalls() error {
	var errs *multierror.Error
	for _, h := range l.linked {
		for _, m := range h.methods {
			for j, inst := range m.Code {
				switch inst.Op {
				case bytecode.OpNew, bytecode.OpInstanceOf, bytecode.OpLoadConst:
					if name, ok := l.unlinkedClass(inst.Pool()); ok {
						errs = multierror.Append(errs, fmt.Errorf("class %s: method %s: %w: class %s",
							h.Name, m.MethodName, ErrUnresolvedSymbol, name))
					}
					continue
				case bytecode.OpInvoke, bytecode.OpInvokeTail:
				default:
					continue
				}
				sym, err := l.rt.Pool.symbol(inst.Symbol())
				if err != nil {
					errs = multierror.Append(errs, fmt.Errorf("class %s: method %s: %w", h.Name, m.MethodName, err))
					continue
				}
				class, idx, err := l.resolveCall(h, sym.Name)
				if err != nil {
					errs = multierror.Append(errs, fmt.Errorf("class %s: method %s: %w: %s",
						h.Name, m.MethodName, ErrUnresolvedSymbol, sym.Name))
					continue
				}
				m.Code[j].Args[0] = l.rt.Pool.Intern(&MethodRef{Class: class, Index: uint64(idx), Name: sym.Name})
			}
		}
	}
	return errs.ErrorOrNil()
}

// unlinkedClass reports the name of the class info at idx when no class
// of that name was registered.
func (l *Linker) unlinkedClass(idx uint64) (string, bool) {
	c, err := l.rt.Pool.Get(idx)
	if err != nil {
		return "", false
	}
	ci, ok := c.(*ClassInfo)
	if !ok || ci.Ref != 0 {
		return "", false
	}
	return ci.Name, true
}

// resolveCall finds the target of a static call. A qualified name
// "Class.method" is looked up from Class; a bare name is looked up in the
// caller's hierarchy, then in the caller's module functions, then in every
// other module's functions.
func (l *Linker) resolveCall(caller *ClassHeader, name string) (uint64, int, error) {
	if i := strings.LastIndexByte(name, '.'); i > 0 {
		ref, ok := l.rt.ClassRef(name[:i])
		if !ok {
			return 0, 0, fmt.Errorf("%w: class %s", ErrNoSuchMethod, name[:i])
		}
		return l.rt.FindMethod(ref, name[i+1:])
	}
	if class, idx, err := l.rt.FindMethod(caller.ref, name); err == nil {
		return class, idx, nil
	}
	funcs := l.rt.FunctionClasses()
	for _, sameModule := range []bool{true, false} {
		for _, ref := range funcs {
			h, err := l.rt.Table.Class(ref)
			if err != nil || (h.Module == caller.Module) != sameModule {
				continue
			}
			if idx, ok := h.FindMethod(name); ok {
				return ref, idx, nil
			}
		}
	}
	return 0, 0, fmt.Errorf("%w: %s", ErrNoSuchMethod, name)
}

// Entry locates method in class or its ancestors.
func (rt *Runtime) Entry(class, method string) (Bootstrap, error) {
	ref, ok := rt.ClassRef(class)
	if !ok {
		return Bootstrap{}, fmt.Errorf("%w: no class %s", ErrEntryNotFound, class)
	}
	owner, idx, err := rt.FindMethod(ref, method)
	if err != nil {
		return Bootstrap{}, fmt.Errorf("%w: %s.%s", ErrEntryNotFound, class, method)
	}
	return Bootstrap{Class: owner, Method: uint64(idx)}, nil
}
