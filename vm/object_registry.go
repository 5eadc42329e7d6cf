package vm

import (
	"fmt"
	"sync"
)

// ---------------------------------------------------------------------------
// ObjectTable: the single owner of every class, object and array
// ---------------------------------------------------------------------------

// ObjectTable maps references to slots. Slots are appended and never
// reused, so a reference stays valid until its slot is deleted. Reference 0
// is reserved and always empty.
//
// One reader/writer lock guards the whole table.
type ObjectTable struct {
	mu    sync.RWMutex
	slots []*ObjectHeader
	live  int
}

// NewObjectTable creates a table holding only the reserved slot.
func NewObjectTable() *ObjectTable {
	return &ObjectTable{slots: make([]*ObjectHeader, 1, 64)}
}

func (t *ObjectTable) add(h *ObjectHeader) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	ref := uint64(len(t.slots))
	t.slots = append(t.slots, h)
	t.live++
	return ref
}

// AddClass registers a class header and returns its reference.
func (t *ObjectTable) AddClass(c *ClassHeader) uint64 {
	return t.add(&ObjectHeader{kind: KindClass, class: c})
}

// AddObject registers an object body and returns its reference.
func (t *ObjectTable) AddObject(o *ObjectBody) uint64 {
	return t.add(&ObjectHeader{kind: KindObject, object: o})
}

// AddArray registers an array body and returns its reference.
func (t *ObjectTable) AddArray(a *ArrayBody) uint64 {
	return t.add(&ObjectHeader{kind: KindArray, array: a})
}

// get returns the live slot at ref. Callers hold the lock.
func (t *ObjectTable) get(ref uint64) (*ObjectHeader, error) {
	if ref == 0 || ref >= uint64(len(t.slots)) || t.slots[ref] == nil {
		return nil, fmt.Errorf("%w: %d", ErrInvalidReference, ref)
	}
	return t.slots[ref], nil
}

func (t *ObjectTable) getKind(ref uint64, kind ObjectKind) (*ObjectHeader, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	h, err := t.get(ref)
	if err != nil {
		return nil, err
	}
	if h.kind != kind {
		return nil, fmt.Errorf("%w: %d is a %s, want %s", ErrWrongKind, ref, h.kind, kind)
	}
	return h, nil
}

// Class returns the class header registered at ref.
func (t *ObjectTable) Class(ref uint64) (*ClassHeader, error) {
	h, err := t.getKind(ref, KindClass)
	if err != nil {
		return nil, err
	}
	return h.class, nil
}

// Object returns the object body registered at ref.
func (t *ObjectTable) Object(ref uint64) (*ObjectBody, error) {
	h, err := t.getKind(ref, KindObject)
	if err != nil {
		return nil, err
	}
	return h.object, nil
}

// Array returns the array body registered at ref.
func (t *ObjectTable) Array(ref uint64) (*ArrayBody, error) {
	h, err := t.getKind(ref, KindArray)
	if err != nil {
		return nil, err
	}
	return h.array, nil
}

// Kind reports what the slot at ref owns.
func (t *ObjectTable) Kind(ref uint64) (ObjectKind, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	h, err := t.get(ref)
	if err != nil {
		return 0, err
	}
	return h.kind, nil
}

// ClassOf returns the class reference of the object or array at ref.
func (t *ObjectTable) ClassOf(ref uint64) (uint64, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	h, err := t.get(ref)
	if err != nil {
		return 0, err
	}
	switch h.kind {
	case KindObject:
		return h.object.Class, nil
	case KindArray:
		return h.array.Class, nil
	}
	return 0, fmt.Errorf("%w: %d is a class", ErrWrongKind, ref)
}

// Delete empties the slot at ref and releases its body. Deleting an empty
// slot fails with ErrDoubleFree.
func (t *ObjectTable) Delete(ref uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.delete(ref)
}

func (t *ObjectTable) delete(ref uint64) error {
	if ref == 0 || ref >= uint64(len(t.slots)) {
		return fmt.Errorf("%w: %d", ErrInvalidReference, ref)
	}
	h := t.slots[ref]
	if h == nil {
		return fmt.Errorf("%w: %d", ErrDoubleFree, ref)
	}
	h.release()
	t.slots[ref] = nil
	t.live--
	return nil
}

// Mark returns the collector mark of ref.
func (t *ObjectTable) Mark(ref uint64) (Mark, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	h, err := t.get(ref)
	if err != nil {
		return 0, err
	}
	return h.Mark, nil
}

// SetMark sets the collector mark of ref.
func (t *ObjectTable) SetMark(ref uint64, m Mark) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	h, err := t.get(ref)
	if err != nil {
		return err
	}
	h.Mark = m
	return nil
}

// ResetMarks turns every live slot White.
func (t *ObjectTable) ResetMarks() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.resetMarks()
}

func (t *ObjectTable) resetMarks() {
	for _, h := range t.slots {
		if h != nil {
			h.Mark = White
		}
	}
}

// Sweep frees every White object and array, then turns the survivors White
// again. Class headers are never swept. It returns the number of slots
// freed.
func (t *ObjectTable) Sweep() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sweep()
}

func (t *ObjectTable) sweep() int {
	freed := 0
	for ref, h := range t.slots {
		if h == nil {
			continue
		}
		if h.Mark == White && h.kind != KindClass {
			// The slot is known live, so delete cannot fail.
			_ = t.delete(uint64(ref))
			freed++
			continue
		}
		h.Mark = White
	}
	return freed
}

// Len returns the number of slots ever allocated, the reserved slot
// included.
func (t *ObjectTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.slots)
}

// Live returns the number of occupied slots.
func (t *ObjectTable) Live() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.live
}

// Each calls fn for every occupied slot in reference order until fn
// returns false. fn must not call back into the table.
func (t *ObjectTable) Each(fn func(ref uint64, h *ObjectHeader) bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for ref, h := range t.slots {
		if h != nil && !fn(uint64(ref), h) {
			return
		}
	}
}
