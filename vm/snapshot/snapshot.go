// Package snapshot captures the object table and call stack of a Machine
// as canonical CBOR, for offline inspection of a heap.
package snapshot

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/chazu/kestrel/vm"
)

var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("snapshot: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

// ---------------------------------------------------------------------------
// Snapshot records
// ---------------------------------------------------------------------------

// Snapshot is the state of one machine at an instruction boundary.
type Snapshot struct {
	Machine string   `cbor:"1,keyasint"` // machine UUID
	Taken   int64    `cbor:"2,keyasint"` // unix nanoseconds
	State   string   `cbor:"3,keyasint"`
	Classes []Class  `cbor:"4,keyasint,omitempty"`
	Objects []Object `cbor:"5,keyasint,omitempty"`
	Arrays  []Array  `cbor:"6,keyasint,omitempty"`
	Frames  []Frame  `cbor:"7,keyasint,omitempty"` // outermost first
	GC      *GC      `cbor:"8,keyasint,omitempty"`
}

// Class is a registered class header.
type Class struct {
	Ref        uint64   `cbor:"1,keyasint"`
	Name       string   `cbor:"2,keyasint"`
	Module     string   `cbor:"3,keyasint,omitempty"`
	Parent     uint64   `cbor:"4,keyasint,omitempty"`
	Interfaces []uint64 `cbor:"5,keyasint,omitempty"`
	Flags      uint8    `cbor:"6,keyasint,omitempty"`
	Slots      []string `cbor:"7,keyasint,omitempty"` // instance fields in slot order
	Methods    []string `cbor:"8,keyasint,omitempty"`
}

// Object is an instance body.
type Object struct {
	Ref    uint64   `cbor:"1,keyasint"`
	Class  uint64   `cbor:"2,keyasint"`
	Parent uint64   `cbor:"3,keyasint,omitempty"`
	Mark   uint8    `cbor:"4,keyasint,omitempty"`
	Fields []uint64 `cbor:"5,keyasint,omitempty"`
}

// Array is an array body; Data holds the raw little-endian elements.
type Array struct {
	Ref    uint64 `cbor:"1,keyasint"`
	Class  uint64 `cbor:"2,keyasint"`
	Elem   uint8  `cbor:"3,keyasint"`
	Length uint64 `cbor:"4,keyasint"`
	Mark   uint8  `cbor:"5,keyasint,omitempty"`
	Data   []byte `cbor:"6,keyasint,omitempty"`
}

// Frame is one live activation.
type Frame struct {
	Class  string `cbor:"1,keyasint"`
	Method string `cbor:"2,keyasint"`
	Block  uint64 `cbor:"3,keyasint"`
	Offset int    `cbor:"4,keyasint"`
	Depth  int    `cbor:"5,keyasint"` // operand stack depth
}

// GC holds the statistics of the last collection.
type GC struct {
	Collections uint64 `cbor:"1,keyasint"`
	Marked      int    `cbor:"2,keyasint"`
	Freed       int    `cbor:"3,keyasint"`
	Live        int    `cbor:"4,keyasint"`
}

// ---------------------------------------------------------------------------
// Capture
// ---------------------------------------------------------------------------

// Capture records every live slot of m's object table and its frames.
func Capture(m *vm.Machine) *Snapshot {
	rt := m.Runtime()
	s := &Snapshot{
		Machine: m.ID.String(),
		Taken:   time.Now().UnixNano(),
		State:   m.State().String(),
	}

	rt.Table.Each(func(ref uint64, h *vm.ObjectHeader) bool {
		switch h.Kind() {
		case vm.KindClass:
			s.Classes = append(s.Classes, captureClass(ref, h.ClassHeader()))
		case vm.KindObject:
			o := h.Object()
			s.Objects = append(s.Objects, Object{
				Ref:    ref,
				Class:  o.Class,
				Parent: o.Parent,
				Mark:   uint8(h.Mark),
				Fields: append([]uint64(nil), o.Fields...),
			})
		case vm.KindArray:
			a := h.Array()
			s.Arrays = append(s.Arrays, Array{
				Ref:    ref,
				Class:  a.Class,
				Elem:   uint8(a.ElemType),
				Length: a.Length,
				Mark:   uint8(h.Mark),
				Data:   append([]byte(nil), a.Data...),
			})
		}
		return true
	})

	for _, f := range m.Frames() {
		fr := Frame{
			Class:  rt.ClassName(f.Class),
			Block:  f.PC.Block,
			Offset: f.PC.Offset,
			Depth:  f.Depth(),
		}
		if code := f.Code(); code != nil {
			fr.Method = code.MethodName
		}
		s.Frames = append(s.Frames, fr)
	}

	gc := m.Collector()
	if last := gc.LastStats(); last != nil {
		s.GC = &GC{Collections: gc.Count(), Marked: last.Marked, Freed: last.Freed, Live: last.Live}
	}
	return s
}

func captureClass(ref uint64, h *vm.ClassHeader) Class {
	c := Class{
		Ref:        ref,
		Name:       h.Name,
		Module:     h.Module,
		Parent:     h.ParentRef(),
		Interfaces: append([]uint64(nil), h.InterfaceRefs()...),
		Flags:      uint8(h.Flags),
		Slots:      h.SlotNames(),
	}
	for i := 0; i < h.MethodsCount(); i++ {
		if mi, err := h.Method(i); err == nil && mi != nil {
			c.Methods = append(c.Methods, mi.MethodName)
		}
	}
	return c
}

// ---------------------------------------------------------------------------
// Encoding
// ---------------------------------------------------------------------------

// Marshal serializes a snapshot to canonical CBOR.
func Marshal(s *Snapshot) ([]byte, error) {
	return cborEncMode.Marshal(s)
}

// Unmarshal deserializes a snapshot from CBOR bytes.
func Unmarshal(data []byte) (*Snapshot, error) {
	var s Snapshot
	if err := cbor.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("snapshot: unmarshal: %w", err)
	}
	return &s, nil
}

// WriteFile writes s to path.
func WriteFile(path string, s *Snapshot) error {
	data, err := Marshal(s)
	if err != nil {
		return fmt.Errorf("snapshot: marshal: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

// ReadFile reads a snapshot written by WriteFile.
func ReadFile(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Unmarshal(data)
}

// ---------------------------------------------------------------------------
// Queries
// ---------------------------------------------------------------------------

// ClassName returns the name of the class at ref, or "" if the snapshot
// holds no such class.
func (s *Snapshot) ClassName(ref uint64) string {
	for _, c := range s.Classes {
		if c.Ref == ref {
			return c.Name
		}
	}
	return ""
}

// InstanceCounts returns the number of objects and arrays per class name.
func (s *Snapshot) InstanceCounts() map[string]int {
	counts := make(map[string]int)
	for _, o := range s.Objects {
		counts[s.ClassName(o.Class)]++
	}
	for _, a := range s.Arrays {
		counts[s.ClassName(a.Class)]++
	}
	return counts
}

// String renders a per-class instance summary, largest first.
func (s *Snapshot) String() string {
	counts := s.InstanceCounts()
	names := make([]string, 0, len(counts))
	for name := range counts {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		if counts[names[i]] != counts[names[j]] {
			return counts[names[i]] > counts[names[j]]
		}
		return names[i] < names[j]
	})

	var sb strings.Builder
	fmt.Fprintf(&sb, "machine %s (%s): %d classes, %d objects, %d arrays, %d frames\n",
		s.Machine, s.State, len(s.Classes), len(s.Objects), len(s.Arrays), len(s.Frames))
	for _, name := range names {
		fmt.Fprintf(&sb, "  %-20s %d\n", name, counts[name])
	}
	return sb.String()
}
