package vm

import (
	"fmt"
	"sort"

	"github.com/chazu/kestrel/bytecode"
)

// ---------------------------------------------------------------------------
// Debugger: breakpoints, stepping and frame inspection over a Machine
// ---------------------------------------------------------------------------

// Debugger drives a started Machine one instruction at a time. It stops at
// registered locations and after executing a breakpoint instruction.
type Debugger struct {
	m           *Machine
	breakpoints map[Location]int
	nextID      int
}

// Location identifies an instruction by class, method and pc.
type Location struct {
	Class  string
	Method string
	PC     PC
}

func (l Location) String() string { return fmt.Sprintf("%s.%s@%s", l.Class, l.Method, l.PC) }

// StepMode indicates how far a step runs.
type StepMode int

const (
	StepInto StepMode = iota // one instruction
	StepOver                 // until control is back in the current frame
	StepOut                  // until the current frame has returned
)

// StopReason says why the debugger returned control.
type StopReason string

const (
	StopBreakpoint  StopReason = "breakpoint"  // a registered location was reached
	StopInstruction StopReason = "instruction" // a breakpoint instruction executed
	StopStep        StopReason = "step"
	StopHalted      StopReason = "halted"
	StopFault       StopReason = "fault"
)

// DebugEvent describes a stop.
type DebugEvent struct {
	Reason     StopReason
	Location   Location // next instruction to execute; zero once halted
	Breakpoint int      // id of the registered breakpoint, or 0
	Err        error    // the fault for StopFault
}

// FrameInfo describes one live frame for inspection.
type FrameInfo struct {
	ID       int // 0 is the innermost frame
	Location Location
	Depth    int // operand stack depth
}

// Variable is a local or operand stack slot rendered for display.
type Variable struct {
	Name  string
	Value string
	Type  string
}

// Breakpoint is a registered stop location.
type Breakpoint struct {
	ID       int
	Location Location
}

// NewDebugger attaches a debugger to m. The machine is started separately.
func NewDebugger(m *Machine) *Debugger {
	return &Debugger{m: m, breakpoints: make(map[Location]int)}
}

// ---------------------------------------------------------------------------
// Breakpoints
// ---------------------------------------------------------------------------

// SetBreakpoint registers a stop at class.method, pc. The location must
// name an existing method and block; setting the same location twice
// returns the existing id.
func (d *Debugger) SetBreakpoint(class, method string, pc PC) (int, error) {
	ref, ok := d.m.rt.ClassRef(class)
	if !ok {
		return 0, fmt.Errorf("%w: class %s", ErrEntryNotFound, class)
	}
	owner, slot, err := d.m.rt.FindMethod(ref, method)
	if err != nil {
		return 0, err
	}
	h, _ := d.m.rt.Table.Class(owner)
	mi, _ := h.Method(slot)
	if _, ok := mi.BlockStart(pc.Block); !ok {
		return 0, fmt.Errorf("%w: b%d in %s.%s", ErrUnknownBlock, pc.Block, class, method)
	}

	loc := Location{Class: h.Name, Method: method, PC: pc}
	if id, ok := d.breakpoints[loc]; ok {
		return id, nil
	}
	d.nextID++
	d.breakpoints[loc] = d.nextID
	return d.nextID, nil
}

// ClearBreakpoint removes breakpoint id. It reports whether id existed.
func (d *Debugger) ClearBreakpoint(id int) bool {
	for loc, bid := range d.breakpoints {
		if bid == id {
			delete(d.breakpoints, loc)
			return true
		}
	}
	return false
}

// Breakpoints lists the registered breakpoints by id.
func (d *Debugger) Breakpoints() []Breakpoint {
	out := make([]Breakpoint, 0, len(d.breakpoints))
	for loc, id := range d.breakpoints {
		out = append(out, Breakpoint{ID: id, Location: loc})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ---------------------------------------------------------------------------
// Execution control
// ---------------------------------------------------------------------------

// Continue runs until a breakpoint, a breakpoint instruction or the end of
// the run. A breakpoint at the current location does not stop it again.
func (d *Debugger) Continue() DebugEvent {
	return d.run(func() bool { return false })
}

// Step runs one step of the given mode.
func (d *Debugger) Step(mode StepMode) DebugEvent {
	depth := d.m.Depth()
	switch mode {
	case StepOver:
		return d.run(func() bool { return d.m.Depth() <= depth })
	case StepOut:
		return d.run(func() bool { return d.m.Depth() < depth })
	default:
		return d.run(func() bool { return true })
	}
}

// run steps the machine until done reports true after an instruction, or
// until a stop location is reached.
func (d *Debugger) run(done func() bool) DebugEvent {
	first := true
	for {
		if d.m.State() != Running {
			return d.haltEvent()
		}
		loc, inst, err := d.current()
		if err == nil && !first {
			if id, ok := d.breakpoints[loc]; ok {
				return DebugEvent{Reason: StopBreakpoint, Location: loc, Breakpoint: id}
			}
		}
		first = false

		running, err := d.m.Step()
		if err != nil || !running {
			return d.haltEvent()
		}
		if inst.Op == bytecode.OpBreakpoint {
			next, _, _ := d.current()
			return DebugEvent{Reason: StopInstruction, Location: next}
		}
		if done() {
			next, _, _ := d.current()
			return DebugEvent{Reason: StopStep, Location: next}
		}
	}
}

func (d *Debugger) haltEvent() DebugEvent {
	if err := d.m.Err(); err != nil {
		return DebugEvent{Reason: StopFault, Err: err}
	}
	return DebugEvent{Reason: StopHalted}
}

// current returns the location and instruction the top frame executes
// next.
func (d *Debugger) current() (Location, bytecode.Instruction, error) {
	f := d.m.calls.Top()
	if f == nil {
		return Location{}, bytecode.Instruction{}, ErrHalted
	}
	inst, err := fetch(f)
	return d.location(f), inst, err
}

func (d *Debugger) location(f *StackFrame) Location {
	loc := Location{Class: d.m.rt.ClassName(f.Class), PC: f.PC}
	if f.code != nil {
		loc.Method = f.code.MethodName
	}
	return loc
}

// ---------------------------------------------------------------------------
// Inspection
// ---------------------------------------------------------------------------

// Frames returns the live frames, innermost first.
func (d *Debugger) Frames() []FrameInfo {
	frames := d.m.calls.Frames()
	out := make([]FrameInfo, 0, len(frames))
	for i := len(frames) - 1; i >= 0; i-- {
		f := frames[i]
		out = append(out, FrameInfo{ID: len(out), Location: d.location(f), Depth: f.Depth()})
	}
	return out
}

func (d *Debugger) frame(id int) (*StackFrame, error) {
	frames := d.m.calls.Frames()
	if id < 0 || id >= len(frames) {
		return nil, fmt.Errorf("no frame %d (depth %d)", id, len(frames))
	}
	return frames[len(frames)-1-id], nil
}

// Locals returns the stored locals of frame id.
func (d *Debugger) Locals(id int) ([]Variable, error) {
	f, err := d.frame(id)
	if err != nil {
		return nil, err
	}
	var vars []Variable
	for i := 0; i < NumLocals; i++ {
		v, ok := f.Local(uint8(i))
		if !ok {
			continue
		}
		vars = append(vars, Variable{Name: fmt.Sprintf("local%d", i), Value: v.String(), Type: v.Type.String()})
	}
	return vars, nil
}

// Operands returns the operand stack of frame id, top first.
func (d *Debugger) Operands(id int) ([]Variable, error) {
	f, err := d.frame(id)
	if err != nil {
		return nil, err
	}
	vars := make([]Variable, 0, f.Depth())
	for i := 0; i < f.Depth(); i++ {
		v, err := f.PeekAt(i)
		if err != nil {
			return nil, err
		}
		vars = append(vars, Variable{Name: fmt.Sprintf("stack%d", i), Value: v.String(), Type: v.Type.String()})
	}
	return vars, nil
}
