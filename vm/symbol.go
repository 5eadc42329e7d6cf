package vm

import (
	"fmt"
	"sync"

	"github.com/chazu/kestrel/module"
)

// ---------------------------------------------------------------------------
// RuntimePool: program-wide constant pool
// ---------------------------------------------------------------------------

// RuntimePool is the constant pool shared by every linked class. Strings
// are interned by text, symbols by name and type, class infos by class
// name and method refs by target, so equal constants from different
// classes share one index.
type RuntimePool struct {
	mu      sync.RWMutex
	entries []Constant
	strings map[string]uint64
	symbols map[string]uint64
	classes map[string]uint64
	methods map[[2]uint64]uint64
}

// NewRuntimePool creates an empty pool.
func NewRuntimePool() *RuntimePool {
	return &RuntimePool{
		entries: make([]Constant, 0, 256),
		strings: make(map[string]uint64),
		symbols: make(map[string]uint64),
		classes: make(map[string]uint64),
		methods: make(map[[2]uint64]uint64),
	}
}

func (p *RuntimePool) appendLocked(c Constant) uint64 {
	idx := uint64(len(p.entries))
	p.entries = append(p.entries, c)
	return idx
}

func (p *RuntimePool) internLocked(index map[string]uint64, key string, c Constant) uint64 {
	if idx, ok := index[key]; ok {
		return idx
	}
	idx := p.appendLocked(c)
	index[key] = idx
	return idx
}

// Intern copies c into the pool and returns its index. ClassInfo entries
// are replaced by the pool's shared placeholder for that class name.
func (p *RuntimePool) Intern(c Constant) uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch c := c.(type) {
	case *StringConst:
		return p.internLocked(p.strings, c.Text, c)
	case *SymbolConst:
		return p.internLocked(p.symbols, symbolKey(c.Name, c.Type), c)
	case *ClassInfo:
		return p.classInfoLocked(c.Name)
	case *MethodRef:
		key := [2]uint64{c.Class, c.Index}
		if idx, ok := p.methods[key]; ok {
			return idx
		}
		idx := p.appendLocked(c)
		p.methods[key] = idx
		return idx
	}
	return p.appendLocked(c)
}

// symbolKey keeps same-named symbols of different types apart.
func symbolKey(name string, t *module.TypeInfo) string {
	return name + ":" + t.String()
}

func (p *RuntimePool) classInfoLocked(name string) uint64 {
	return p.internLocked(p.classes, name, &ClassInfo{Name: name})
}

// ClassInfo returns the index and shared entry naming class name, creating
// an unlinked placeholder on first use.
func (p *RuntimePool) ClassInfo(name string) (uint64, *ClassInfo) {
	p.mu.Lock()
	defer p.mu.Unlock()
	idx := p.classInfoLocked(name)
	return idx, p.entries[idx].(*ClassInfo)
}

// LookupClass returns the index of the ClassInfo for name, if any.
func (p *RuntimePool) LookupClass(name string) (uint64, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	idx, ok := p.classes[name]
	return idx, ok
}

// LookupSymbol returns the index of the symbol name of type t, if any.
func (p *RuntimePool) LookupSymbol(name string, t *module.TypeInfo) (uint64, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	idx, ok := p.symbols[symbolKey(name, t)]
	return idx, ok
}

// Get returns entry idx.
func (p *RuntimePool) Get(idx uint64) (Constant, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if idx >= uint64(len(p.entries)) {
		return nil, fmt.Errorf("%w: constant %d (pool has %d)", ErrBadOperand, idx, len(p.entries))
	}
	return p.entries[idx], nil
}

// Len returns the number of entries.
func (p *RuntimePool) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.entries)
}

// All returns the entries in index order.
func (p *RuntimePool) All() []Constant {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Constant, len(p.entries))
	copy(out, p.entries)
	return out
}

// typed lookups used by the interpreter

func (p *RuntimePool) symbol(idx uint64) (*SymbolConst, error) {
	c, err := p.Get(idx)
	if err != nil {
		return nil, err
	}
	s, ok := c.(*SymbolConst)
	if !ok {
		return nil, fmt.Errorf("%w: constant %d is %s, want symbol", ErrBadConstant, idx, c.Kind())
	}
	return s, nil
}

func (p *RuntimePool) classRef(idx uint64) (*ClassInfo, error) {
	c, err := p.Get(idx)
	if err != nil {
		return nil, err
	}
	ci, ok := c.(*ClassInfo)
	if !ok {
		return nil, fmt.Errorf("%w: constant %d is %s, want class", ErrBadConstant, idx, c.Kind())
	}
	if ci.Ref == 0 {
		return nil, fmt.Errorf("%w: class %s is not linked", ErrUnresolvedSymbol, ci.Name)
	}
	return ci, nil
}

func (p *RuntimePool) method(idx uint64) (*MethodRef, error) {
	c, err := p.Get(idx)
	if err != nil {
		return nil, err
	}
	m, ok := c.(*MethodRef)
	if !ok {
		return nil, fmt.Errorf("%w: constant %d is %s, want method", ErrBadConstant, idx, c.Kind())
	}
	return m, nil
}
