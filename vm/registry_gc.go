package vm

import (
	"time"

	"github.com/tliron/commonlog"

	"github.com/chazu/kestrel/bytecode"
)

// ---------------------------------------------------------------------------
// Collector: tracing mark-sweep over the object table
// ---------------------------------------------------------------------------

// CollectStats holds statistics from a single collection.
type CollectStats struct {
	Roots     int
	Marked    int
	Freed     int
	Live      int
	Duration  time.Duration
	Timestamp time.Time
}

// DefaultGCThreshold is the number of allocations between collections.
const DefaultGCThreshold = 1024

// Collector finds live objects by tracing from the roots and frees the rest.
// Roots are every class header, every reference held in a frame's locals or
// operand stack, and pinned references. Objects are never moved.
//
// The collector runs on the interpreter's goroutine, between instructions.
type Collector struct {
	table     *ObjectTable
	threshold int
	enabled   bool
	allocs    int
	pinned    map[uint64]int
	log       commonlog.Logger

	count uint64
	last  *CollectStats
}

// NewCollector creates a collector over table. A threshold of 0 or less
// selects DefaultGCThreshold.
func NewCollector(table *ObjectTable, threshold int) *Collector {
	if threshold <= 0 {
		threshold = DefaultGCThreshold
	}
	return &Collector{
		table:     table,
		threshold: threshold,
		enabled:   true,
		pinned:    make(map[uint64]int),
		log:       commonlog.GetLogger("kestrel.gc"),
	}
}

// SetEnabled turns threshold-triggered collection on or off. Explicit
// collections still run.
func (c *Collector) SetEnabled(enabled bool) { c.enabled = enabled }

// IsEnabled reports whether threshold-triggered collection is on.
func (c *Collector) IsEnabled() bool { return c.enabled }

// Threshold returns the allocation count that triggers a collection.
func (c *Collector) Threshold() int { return c.threshold }

// Pin keeps ref alive until a matching Unpin.
func (c *Collector) Pin(ref uint64) { c.pinned[ref]++ }

// Unpin releases one Pin of ref.
func (c *Collector) Unpin(ref uint64) {
	if c.pinned[ref] <= 1 {
		delete(c.pinned, ref)
		return
	}
	c.pinned[ref]--
}

// NoteAllocation counts one allocation toward the threshold.
func (c *Collector) NoteAllocation() { c.allocs++ }

// Due reports whether enough allocations happened to warrant a collection.
func (c *Collector) Due() bool { return c.enabled && c.allocs >= c.threshold }

// Count returns the number of collections performed.
func (c *Collector) Count() uint64 { return c.count }

// LastStats returns statistics from the most recent collection, or nil.
func (c *Collector) LastStats() *CollectStats { return c.last }

// Collect marks everything reachable from the class headers, frames and
// pinned references, then sweeps the table.
func (c *Collector) Collect(frames []*StackFrame) *CollectStats {
	start := time.Now()
	stats := &CollectStats{Timestamp: start}

	t := c.table
	t.mu.Lock()
	t.resetMarks()

	var gray []uint64
	shade := func(ref uint64) {
		h, err := t.get(ref)
		if err != nil || h.Mark != White {
			return
		}
		h.Mark = Gray
		gray = append(gray, ref)
	}

	for ref, h := range t.slots {
		if h != nil && h.kind == KindClass {
			shade(uint64(ref))
		}
	}
	for _, f := range frames {
		f.eachReference(shade)
	}
	for ref := range c.pinned {
		shade(ref)
	}
	stats.Roots = len(gray)

	for len(gray) > 0 {
		ref := gray[len(gray)-1]
		gray = gray[:len(gray)-1]
		h := t.slots[ref]
		h.Mark = Black
		stats.Marked++
		c.trace(h, shade)
	}

	stats.Freed = t.sweep()
	stats.Live = t.live
	t.mu.Unlock()

	c.allocs = 0
	c.count++
	stats.Duration = time.Since(start)
	c.last = stats
	c.log.Debugf("collection %d: %d roots, %d marked, %d freed, %d live in %s",
		c.count, stats.Roots, stats.Marked, stats.Freed, stats.Live, stats.Duration)
	return stats
}

// trace shades every reference held by h. Object fields are traced when
// their class declares them with a reference type.
func (c *Collector) trace(h *ObjectHeader, shade func(uint64)) {
	switch h.kind {
	case KindClass:
		if h.class.parentRef != 0 {
			shade(h.class.parentRef)
		}
	case KindObject:
		o := h.object
		shade(o.Class)
		if o.Parent != 0 {
			shade(o.Parent)
		}
		ch, err := c.table.get(o.Class)
		if err != nil || ch.kind != KindClass {
			return
		}
		for i, bits := range o.Fields {
			if i < len(ch.class.slotTags) && ch.class.slotTags[i] == bytecode.Reference && bits != 0 {
				shade(bits)
			}
		}
	case KindArray:
		a := h.array
		shade(a.Class)
		if a.Parent != 0 {
			shade(a.Parent)
		}
		if a.ElemType == bytecode.Reference {
			for i := uint64(0); i < a.Length; i++ {
				if ref := a.ref(i); ref != 0 {
					shade(ref)
				}
			}
		}
	}
}
