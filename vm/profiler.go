package vm

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/chazu/kestrel/bytecode"
)

// MethodProfile holds profiling data for a single method.
type MethodProfile struct {
	Class           string
	Method          string
	ClassRef        uint64
	Index           uint64
	InvocationCount uint64 // Atomic counter for invocations
	IsHot           bool   // True if threshold exceeded
}

type methodKey struct {
	class uint64
	index uint64
}

// Profiler counts method invocations and executed opcodes for one
// machine. A method whose invocation count reaches MethodHotThreshold is
// marked hot and reported through OnHot once.
type Profiler struct {
	methodProfiles sync.Map // methodKey -> *MethodProfile

	opMu     sync.Mutex
	opcodes  map[bytecode.Opcode]uint64
	executed uint64

	// Configuration thresholds
	MethodHotThreshold uint64 // Default: 100

	// Callback when a method becomes hot
	OnHot func(profile *MethodProfile)

	hotMethodCount uint64
}

// NewProfiler creates a new profiler with default thresholds.
func NewProfiler() *Profiler {
	return &Profiler{
		opcodes:            make(map[bytecode.Opcode]uint64),
		MethodHotThreshold: 100,
	}
}

// RecordMethodInvocation increments the invocation count for a method.
// Returns true if this invocation caused the method to become hot.
func (p *Profiler) RecordMethodInvocation(class, index uint64, className, methodName string) bool {
	val, _ := p.methodProfiles.LoadOrStore(methodKey{class, index}, &MethodProfile{
		Class:    className,
		Method:   methodName,
		ClassRef: class,
		Index:    index,
	})
	profile := val.(*MethodProfile)

	count := atomic.AddUint64(&profile.InvocationCount, 1)

	if !profile.IsHot && count >= p.MethodHotThreshold {
		profile.IsHot = true
		atomic.AddUint64(&p.hotMethodCount, 1)

		if p.OnHot != nil {
			p.OnHot(profile)
		}
		return true
	}

	return false
}

// RecordOpcode counts one executed instruction.
func (p *Profiler) RecordOpcode(op bytecode.Opcode) {
	p.opMu.Lock()
	p.opcodes[op]++
	p.executed++
	p.opMu.Unlock()
}

// GetMethodProfile returns the profile for a method, or nil if not tracked.
func (p *Profiler) GetMethodProfile(class, index uint64) *MethodProfile {
	if val, ok := p.methodProfiles.Load(methodKey{class, index}); ok {
		return val.(*MethodProfile)
	}
	return nil
}

// IsMethodHot returns true if the method has exceeded the hot threshold.
func (p *Profiler) IsMethodHot(class, index uint64) bool {
	profile := p.GetMethodProfile(class, index)
	return profile != nil && profile.IsHot
}

// ProfilerStats holds aggregate profiling statistics.
type ProfilerStats struct {
	TotalMethods      int    // Number of methods profiled
	HotMethods        int    // Number of hot methods
	MethodInvocations uint64 // Total method invocations
	Instructions      uint64 // Total instructions executed
	DistinctOpcodes   int    // Number of different opcodes executed
}

// Stats returns aggregate profiling statistics.
func (p *Profiler) Stats() ProfilerStats {
	var stats ProfilerStats

	p.methodProfiles.Range(func(key, value any) bool {
		profile := value.(*MethodProfile)
		stats.TotalMethods++
		stats.MethodInvocations += atomic.LoadUint64(&profile.InvocationCount)
		if profile.IsHot {
			stats.HotMethods++
		}
		return true
	})

	p.opMu.Lock()
	stats.Instructions = p.executed
	stats.DistinctOpcodes = len(p.opcodes)
	p.opMu.Unlock()
	return stats
}

// Methods returns every method profile, most invoked first.
func (p *Profiler) Methods() []*MethodProfile {
	var all []*MethodProfile
	p.methodProfiles.Range(func(key, value any) bool {
		all = append(all, value.(*MethodProfile))
		return true
	})
	sort.Slice(all, func(i, j int) bool {
		ci, cj := atomic.LoadUint64(&all[i].InvocationCount), atomic.LoadUint64(&all[j].InvocationCount)
		if ci != cj {
			return ci > cj
		}
		if all[i].ClassRef != all[j].ClassRef {
			return all[i].ClassRef < all[j].ClassRef
		}
		return all[i].Index < all[j].Index
	})
	return all
}

// HotMethods returns all methods that have exceeded the hot threshold.
func (p *Profiler) HotMethods() []*MethodProfile {
	var hot []*MethodProfile
	for _, profile := range p.Methods() {
		if profile.IsHot {
			hot = append(hot, profile)
		}
	}
	return hot
}

// TopMethods returns the N most frequently invoked methods.
func (p *Profiler) TopMethods(n int) []*MethodProfile {
	all := p.Methods()
	if n < len(all) {
		all = all[:n]
	}
	return all
}

// OpcodeCounts returns a copy of the per-opcode execution counts.
func (p *Profiler) OpcodeCounts() map[bytecode.Opcode]uint64 {
	p.opMu.Lock()
	defer p.opMu.Unlock()
	out := make(map[bytecode.Opcode]uint64, len(p.opcodes))
	for op, n := range p.opcodes {
		out[op] = n
	}
	return out
}

// Reset clears all profiling data.
func (p *Profiler) Reset() {
	p.methodProfiles = sync.Map{}
	p.opMu.Lock()
	p.opcodes = make(map[bytecode.Opcode]uint64)
	p.executed = 0
	p.opMu.Unlock()
	atomic.StoreUint64(&p.hotMethodCount, 0)
}
