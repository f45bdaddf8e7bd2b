package vm

import (
	"context"
	"io"
)

// ---------------------------------------------------------------------------
// Execution controller
// ---------------------------------------------------------------------------

// OutcomeKind tags the result of a step or cont operation.
type OutcomeKind uint8

const (
	// OutcomeDone: the requested instructions all executed.
	OutcomeDone OutcomeKind = iota
	// OutcomeBreakpoint: halted before executing the instruction at Offset.
	OutcomeBreakpoint
	// OutcomeUnsafe: halted on a BLOCKED classification; nothing executed.
	OutcomeUnsafe
	// OutcomeErrored: an instruction failed; state is as before it ran.
	OutcomeErrored
	// OutcomeEnded: the program has terminated; no instruction remains.
	OutcomeEnded
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeDone:
		return "done"
	case OutcomeBreakpoint:
		return "breakpoint"
	case OutcomeUnsafe:
		return "unsafe"
	case OutcomeErrored:
		return "error"
	default:
		return "ended"
	}
}

// Outcome reports how a controller operation finished. Steps counts the
// instructions actually executed during the operation, which for halting
// outcomes is fewer than requested.
type Outcome struct {
	Kind    OutcomeKind
	Offset  uint32
	Op      Opcode
	OpName  string
	Warning string
	Err     error
	Steps   uint64
	Value   Value // final return value for OutcomeEnded
}

// Tracer observes executed instructions and halts. The journal package
// implements this against SQLite; a nil tracer is silent.
type Tracer interface {
	TraceStep(depth int, counter uint64, instr Instruction, opName string)
	TraceHalt(o Outcome)
}

// savepoint is a copy of one frame's mutable state, restorable later.
type savepoint struct {
	ip      uint32
	stack   []Value
	locals  map[string]Value
	globals map[string]Value
}

// VM is a debugging session: the frame stack plus the session tables.
// The root frame sits at index 0 and is never popped; RETURN_VALUE there
// halts the session instead.
type VM struct {
	Frames      []*Frame
	Breakpoints *BreakpointTable
	Allow       *AllowTable
	Counter     uint64
	Halted      bool
	LastErr     error

	Evaluator Evaluator
	Stdout    io.Writer
	Tracer    Tracer

	savepoints []savepoint
}

// New creates a session rooted at code. Globals start empty and builtins
// are the default registry; callers adjust the fields before stepping.
func New(code *CodeUnit) *VM {
	root := NewFrame(code, nil, nil, DefaultBuiltins())
	return &VM{
		Frames:      []*Frame{root},
		Breakpoints: NewBreakpointTable(),
		Allow:       NewAllowTable(),
	}
}

// Current returns the innermost frame.
func (m *VM) Current() *Frame {
	return m.Frames[len(m.Frames)-1]
}

// Depth returns the call depth, root frame included.
func (m *VM) Depth() int {
	return len(m.Frames)
}

// CurrentInstruction decodes the instruction the session is stopped at.
func (m *VM) CurrentInstruction() (Instruction, error) {
	return Decode(m.Current().Code, m.Current().IP)
}

// AtEnd reports whether the current frame's ip has run off its code.
func (m *VM) AtEnd() bool {
	return int(m.Current().IP) >= len(m.Current().Code.Instructions)
}

// Step executes up to count instructions. Unsafe mode skips classification
// gating. A breakpoint at the starting offset does not re-trigger; this is
// what lets an operator continue from a halt.
func (m *VM) Step(ctx context.Context, count int, unsafe bool) Outcome {
	var steps uint64
	for i := 0; i < count; i++ {
		if err := ctx.Err(); err != nil {
			return m.finish(Outcome{Kind: OutcomeErrored, Err: err, Steps: steps})
		}
		o, halted := m.stepOnce(unsafe, i == 0)
		if halted {
			o.Steps = steps
			return m.finish(o)
		}
		steps++
	}
	return Outcome{Kind: OutcomeDone, Steps: steps}
}

// Cont executes until a breakpoint fires, a classification blocks (when not
// unsafe), an instruction errors, the program ends, or ctx is cancelled.
// Cancellation is only observed between instructions.
func (m *VM) Cont(ctx context.Context, unsafe bool) Outcome {
	var steps uint64
	for first := true; ; first = false {
		if err := ctx.Err(); err != nil {
			return m.finish(Outcome{Kind: OutcomeErrored, Err: err, Steps: steps})
		}
		o, halted := m.stepOnce(unsafe, first)
		if halted {
			o.Steps = steps
			return m.finish(o)
		}
		steps++
	}
}

func (m *VM) finish(o Outcome) Outcome {
	if m.Tracer != nil {
		m.Tracer.TraceHalt(o)
	}
	return o
}

// stepOnce runs one instruction. It returns the halting outcome and true
// when the session cannot simply proceed to the next instruction.
//
// Ordering per operation: end-of-program check, breakpoint lookup (exactly
// one, skipped on the operation's first instruction), classification, then
// execution. A blocked or failed instruction leaves ip and stack unchanged.
func (m *VM) stepOnce(unsafe, first bool) (Outcome, bool) {
	if m.Halted || m.AtEnd() {
		m.Halted = true
		return Outcome{Kind: OutcomeEnded, Value: m.finalValue()}, true
	}
	f := m.Current()

	instr, err := Decode(f.Code, f.IP)
	if err != nil {
		m.LastErr = err
		return Outcome{Kind: OutcomeErrored, Offset: f.IP, Err: err}, true
	}
	table := TableForVersion(f.Code.Version)
	opName := table.Name(instr.Op)

	if !first {
		if hit, warn := m.Breakpoints.Hit(f.IP, f, m.Evaluator); hit {
			return Outcome{
				Kind:    OutcomeBreakpoint,
				Offset:  f.IP,
				Op:      instr.Op,
				OpName:  opName,
				Warning: warn,
			}, true
		}
	}

	if !unsafe {
		if class, warn := Classify(instr, m.Allow, f, m.Evaluator); class == ClassBlocked {
			return Outcome{
				Kind:    OutcomeUnsafe,
				Offset:  f.IP,
				Op:      instr.Op,
				OpName:  opName,
				Warning: warn,
			}, true
		}
	}

	saved := f.IP
	f.IP = instr.End()
	effect, err := Execute(instr, f, m.Stdout)
	if err != nil {
		f.IP = saved
		m.LastErr = err
		return Outcome{Kind: OutcomeErrored, Offset: saved, Op: instr.Op, OpName: opName, Err: err}, true
	}

	m.Counter++
	if m.Tracer != nil {
		m.Tracer.TraceStep(len(m.Frames), m.Counter, instr, opName)
	}

	switch effect.Kind {
	case EffectCalled:
		m.Frames = append(m.Frames, effect.Frame)
	case EffectReturned:
		if len(m.Frames) == 1 {
			m.Halted = true
			return Outcome{Kind: OutcomeEnded, Value: effect.Value, Steps: 0}, true
		}
		m.Frames = m.Frames[:len(m.Frames)-1]
		m.Current().Push(effect.Value)
	}
	return Outcome{}, false
}

func (m *VM) finalValue() Value {
	if f := m.Current(); len(f.Stack) > 0 {
		return f.Stack[len(f.Stack)-1]
	}
	return None
}

// ---------------------------------------------------------------------------
// Operator-driven frame manipulation
// ---------------------------------------------------------------------------

// Call synthesizes an invocation from the current stack: the callee sits
// below argc arguments. Builtins run inline; user functions push a frame.
// Unlike stepping, Call bypasses classification: the operator asked for it.
func (m *VM) Call(argc int) error {
	f := m.Current()
	top, err := f.peek(argc + 1)
	if err != nil {
		return err
	}
	effect, err := invoke(top[0], append([]Value(nil), top[1:]...), nil, argc+1, f)
	if err != nil {
		return err
	}
	if effect.Kind == EffectCalled {
		m.Frames = append(m.Frames, effect.Frame)
	}
	return nil
}

// Return forces a return from the current frame: TOS moves to the parent's
// stack. Fails with ErrNoParentFrame on the root frame.
func (m *VM) Return() (Value, error) {
	if len(m.Frames) == 1 {
		return nil, ErrNoParentFrame
	}
	f := m.Current()
	v, err := f.Pop()
	if err != nil {
		v = None
	}
	m.Frames = m.Frames[:len(m.Frames)-1]
	m.Current().Push(v)
	return v, nil
}

// ---------------------------------------------------------------------------
// Savepoints
// ---------------------------------------------------------------------------

// Save pushes a copy of the current frame's mutable state. Values are
// shared, not deep-copied: container mutations after Save still show
// through a Restore.
func (m *VM) Save() int {
	f := m.Current()
	sp := savepoint{
		ip:      f.IP,
		stack:   append([]Value(nil), f.Stack...),
		locals:  copyScope(f.Locals),
		globals: copyScope(f.Globals),
	}
	m.savepoints = append(m.savepoints, sp)
	return len(m.savepoints)
}

// Restore pops the most recent savepoint back into the current frame.
func (m *VM) Restore() error {
	if len(m.savepoints) == 0 {
		return ErrNoSavepoint
	}
	sp := m.savepoints[len(m.savepoints)-1]
	m.savepoints = m.savepoints[:len(m.savepoints)-1]

	f := m.Current()
	f.IP = sp.ip
	f.Stack = append(f.Stack[:0:0], sp.stack...)
	f.Locals = copyScope(sp.locals)
	f.Globals = copyScope(sp.globals)
	m.Halted = false
	return nil
}

// Savepoints returns the number of stacked savepoints.
func (m *VM) Savepoints() int {
	return len(m.savepoints)
}

func copyScope(src map[string]Value) map[string]Value {
	dst := make(map[string]Value, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
