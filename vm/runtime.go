package vm

import (
	"fmt"
	"sync"
)

// ---------------------------------------------------------------------------
// Runtime: the context shared by the linker and the machine
// ---------------------------------------------------------------------------

// Names of the built-in classes every runtime starts with.
const (
	RootClassName  = "Object"
	ArrayClassName = "Array"
)

// Runtime owns the object table and runtime constant pool of one program.
// It is created before linking and lives for the whole run.
type Runtime struct {
	Table *ObjectTable
	Pool  *RuntimePool

	mu        sync.RWMutex
	classes   map[string]uint64
	order     []uint64
	functions []uint64 // synthetic free-function classes, in link order

	root  uint64
	array uint64
}

// NewRuntime creates a runtime seeded with the built-in classes.
func NewRuntime() *Runtime {
	rt := &Runtime{
		Table:   NewObjectTable(),
		Pool:    NewRuntimePool(),
		classes: make(map[string]uint64),
	}
	rt.root = rt.builtin(RootClassName, 0)
	rt.array = rt.builtin(ArrayClassName, rt.root)
	return rt
}

func (rt *Runtime) builtin(name string, parent uint64) uint64 {
	h := NewClassHeader(0, 0, 0, 0)
	h.Name = name
	h.slots = map[string]int{}
	idx, info := rt.Pool.ClassInfo(name)
	h.This = idx
	h.parentRef = parent
	if parent != 0 {
		h.Parent, _ = rt.Pool.LookupClass(RootClassName)
	}
	ref := rt.Table.AddClass(h)
	h.ref = ref
	info.Ref = ref
	rt.register(name, ref, h)
	return ref
}

func (rt *Runtime) register(name string, ref uint64, h *ClassHeader) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.classes[name] = ref
	rt.order = append(rt.order, ref)
	if h.synthetic {
		rt.functions = append(rt.functions, ref)
	}
}

// RootClass is the reference of the built-in root class.
func (rt *Runtime) RootClass() uint64 { return rt.root }

// ArrayClass is the reference of the built-in class of all arrays.
func (rt *Runtime) ArrayClass() uint64 { return rt.array }

// ClassRef returns the reference of the class registered as name.
func (rt *Runtime) ClassRef(name string) (uint64, bool) {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	ref, ok := rt.classes[name]
	return ref, ok
}

// Classes returns class references in registration order.
func (rt *Runtime) Classes() []uint64 {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	return append([]uint64(nil), rt.order...)
}

// FunctionClasses returns the synthetic free-function classes.
func (rt *Runtime) FunctionClasses() []uint64 {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	return append([]uint64(nil), rt.functions...)
}

// FindMethod looks name up in class and then its ancestors, returning the
// declaring class and method slot.
func (rt *Runtime) FindMethod(class uint64, name string) (uint64, int, error) {
	for ref := class; ref != 0; {
		h, err := rt.Table.Class(ref)
		if err != nil {
			return 0, 0, err
		}
		if i, ok := h.FindMethod(name); ok {
			return ref, i, nil
		}
		ref = h.parentRef
	}
	return 0, 0, fmt.Errorf("%w: %s", ErrNoSuchMethod, name)
}

// IsA reports whether class is target, inherits from it or implements it.
func (rt *Runtime) IsA(class, target uint64) bool {
	for ref := class; ref != 0; {
		if ref == target {
			return true
		}
		h, err := rt.Table.Class(ref)
		if err != nil {
			return false
		}
		for _, iface := range h.ifaceRefs {
			if rt.IsA(iface, target) {
				return true
			}
		}
		ref = h.parentRef
	}
	return false
}

// ClassName returns the name of the class at ref, or a placeholder.
func (rt *Runtime) ClassName(ref uint64) string {
	h, err := rt.Table.Class(ref)
	if err != nil {
		return fmt.Sprintf("<class %d>", ref)
	}
	return h.Name
}
