package vm

import (
	"io"

	"github.com/google/uuid"
	"github.com/tliron/commonlog"
)

// Option is a configuration function for a Machine.
type Option func(*Machine)

// WithOutput sets where the print natives write. The default is
// os.Stdout.
func WithOutput(w io.Writer) Option {
	return func(m *Machine) {
		m.out = w
	}
}

// WithNative adds or replaces one native method, keyed by linkage name.
func WithNative(name string, fn NativeFunc) Option {
	return func(m *Machine) {
		m.natives[name] = fn
	}
}

// WithNatives adds or replaces native methods, keyed by linkage name.
func WithNatives(natives map[string]NativeFunc) Option {
	return func(m *Machine) {
		for name, fn := range natives {
			m.natives[name] = fn
		}
	}
}

// WithGCThreshold sets the number of allocations between collections.
func WithGCThreshold(n int) Option {
	return func(m *Machine) {
		m.gcThreshold = n
	}
}

// WithGC turns threshold-triggered collection on or off. The gc native
// still collects when it is off.
func WithGC(enabled bool) Option {
	return func(m *Machine) {
		m.gcEnabled = enabled
	}
}

// WithMaxFrames bounds the call stack depth. Calls beyond it fault.
func WithMaxFrames(n int) Option {
	return func(m *Machine) {
		m.maxFrames = n
	}
}

// WithDispatchCacheSize sets the number of trait lookups the machine
// caches.
func WithDispatchCacheSize(n int) Option {
	return func(m *Machine) {
		m.dispatchSize = n
	}
}

// WithProfiler records method invocations and opcodes into p.
func WithProfiler(p *Profiler) Option {
	return func(m *Machine) {
		m.profiler = p
	}
}

// WithLogger replaces the machine's logger.
func WithLogger(log commonlog.Logger) Option {
	return func(m *Machine) {
		m.log = log
	}
}

// WithID sets the run identifier instead of generating one.
func WithID(id uuid.UUID) Option {
	return func(m *Machine) {
		m.ID = id
	}
}
