package vm

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/google/uuid"
	"github.com/tliron/commonlog"

	"github.com/chazu/kestrel/bytecode"
)

// ---------------------------------------------------------------------------
// Machine: the Kestrel interpreter
// ---------------------------------------------------------------------------

// State is the run state of a Machine.
type State uint8

const (
	Halted  State = iota // call stack empty
	Running              // call stack non-empty
)

func (s State) String() string {
	if s == Running {
		return "running"
	}
	return "halted"
}

// DefaultMaxFrames is the default call stack depth limit.
const DefaultMaxFrames = 4096

// maxArrayBytes bounds the storage one new_array may allocate.
const maxArrayBytes = 1 << 30

// Machine executes linked bytecode. It is single-threaded: Step and Run
// must not be called concurrently.
type Machine struct {
	ID uuid.UUID

	rt       *Runtime
	calls    CallStack
	natives  map[string]NativeFunc
	out      io.Writer
	gc       *Collector
	dispatch *DispatchCache
	profiler *Profiler
	log      commonlog.Logger

	gcThreshold  int
	gcEnabled    bool
	maxFrames    int
	dispatchSize int

	strings map[uint64]uint64 // string constant -> pinned u8 array

	state  State
	result bytecode.Value
	err    error

	// Instruction being executed, for fault reports.
	curFrame *StackFrame
	curPC    PC
	curOp    bytecode.Opcode
}

// NewMachine creates a machine over a linked runtime.
func NewMachine(rt *Runtime, opts ...Option) (*Machine, error) {
	m := &Machine{
		ID:        uuid.New(),
		rt:        rt,
		natives:   DefaultNatives(),
		out:       os.Stdout,
		log:       commonlog.GetLogger("kestrel.machine"),
		gcEnabled: true,
		maxFrames: DefaultMaxFrames,
		strings:   make(map[uint64]uint64),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.maxFrames <= 0 {
		m.maxFrames = DefaultMaxFrames
	}

	dc, err := NewDispatchCache(m.dispatchSize)
	if err != nil {
		return nil, fmt.Errorf("create dispatch cache: %w", err)
	}
	m.dispatch = dc
	m.gc = NewCollector(rt.Table, m.gcThreshold)
	m.gc.SetEnabled(m.gcEnabled)
	return m, nil
}

// Runtime returns the runtime the machine executes.
func (m *Machine) Runtime() *Runtime { return m.rt }

// Collector returns the machine's garbage collector.
func (m *Machine) Collector() *Collector { return m.gc }

// Profiler returns the profiler, or nil.
func (m *Machine) Profiler() *Profiler { return m.profiler }

// Dispatch returns the trait dispatch cache.
func (m *Machine) Dispatch() *DispatchCache { return m.dispatch }

// State returns whether the machine is running or halted.
func (m *Machine) State() State { return m.state }

// Result returns the value the bootstrap method returned.
func (m *Machine) Result() bytecode.Value { return m.result }

// Err returns the fault that halted the machine, if any.
func (m *Machine) Err() error { return m.err }

// Depth returns the number of live frames.
func (m *Machine) Depth() int { return m.calls.Depth() }

// Frames returns the live frames, outermost first.
func (m *Machine) Frames() []*StackFrame { return m.calls.Frames() }

// Start pushes the bootstrap frame with args in its first locals. The
// bootstrap method must have bytecode.
func (m *Machine) Start(boot Bootstrap, args ...bytecode.Value) error {
	h, err := m.rt.Table.Class(boot.Class)
	if err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}
	mi, err := h.Method(int(boot.Method))
	if err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}
	if mi == nil || mi.IsNative() {
		return fmt.Errorf("bootstrap: %w: %s has no bytecode", ErrNoSuchMethod, h.Name)
	}
	if len(args) != mi.ArgCount() {
		return fmt.Errorf("bootstrap: %s.%s takes %d arguments, got %d",
			h.Name, mi.MethodName, mi.ArgCount(), len(args))
	}
	if len(args) > NumLocals {
		return fmt.Errorf("bootstrap: %w: %s.%s takes %d arguments", ErrBadOperand, h.Name, mi.MethodName, len(args))
	}
	f := NewStackFrame(boot.Class, boot.Method, mi)
	for i, a := range args {
		if want := mi.ParamTag(i); a.Type != want {
			return fmt.Errorf("bootstrap: argument %d: %w: want %s, have %s", i, ErrTypeMismatch, want, a.Type)
		}
		f.SetLocal(uint8(i), a)
	}

	m.calls.Reset()
	m.calls.Push(f)
	m.state = Running
	m.result = bytecode.UnitValue
	m.err = nil
	if m.profiler != nil {
		m.profiler.RecordMethodInvocation(boot.Class, boot.Method, h.Name, mi.MethodName)
	}
	m.log.Infof("run %s: starting %s.%s", m.ID, h.Name, mi.MethodName)
	return nil
}

// Step executes one instruction. It reports whether the machine is still
// running; a fault halts it and is returned as a *RuntimeFault.
func (m *Machine) Step() (bool, error) {
	if m.state != Running {
		return false, m.err
	}
	if m.gc.Due() {
		m.CollectNow()
	}
	if err := m.step(); err != nil {
		m.fail(err)
		return false, m.err
	}
	if m.state == Halted {
		m.log.Debugf("run %s: halted with %s", m.ID, m.result)
	}
	return m.state == Running, nil
}

// Run starts boot and steps until the call stack empties, returning the
// bootstrap method's result.
func (m *Machine) Run(boot Bootstrap, args ...bytecode.Value) (bytecode.Value, error) {
	if err := m.Start(boot, args...); err != nil {
		return bytecode.Value{}, err
	}
	for {
		running, err := m.Step()
		if err != nil {
			return bytecode.Value{}, err
		}
		if !running {
			return m.result, nil
		}
	}
}

// CollectNow runs a full collection with the live frames as roots.
func (m *Machine) CollectNow() *CollectStats {
	return m.gc.Collect(m.calls.Frames())
}

// fail halts the machine with a fault for the current instruction. The
// call stack is discarded; the object table is left as it was.
func (m *Machine) fail(err error) {
	var fault *RuntimeFault
	if !errors.As(err, &fault) {
		fault = &RuntimeFault{PC: m.curPC, Op: m.curOp, Err: err}
		if f := m.curFrame; f != nil {
			fault.Class = m.rt.ClassName(f.Class)
			if f.code != nil {
				fault.Method = f.code.MethodName
			}
		}
	}
	m.calls.Reset()
	m.state = Halted
	m.err = fault
	m.log.Errorf("run %s: %s", m.ID, fault)
}
