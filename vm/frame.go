package vm

// ---------------------------------------------------------------------------
// Frame: one activation record
// ---------------------------------------------------------------------------

// blockKind tags entries on a frame's block pseudo-stack.
type blockKind uint8

const (
	blockLoop blockKind = iota
	blockFinally
	blockExcept
)

// block is one SETUP_LOOP/SETUP_FINALLY/SETUP_EXCEPT entry. Handler is the
// byte offset execution resumes at when the block unwinds.
type block struct {
	kind    blockKind
	handler uint32
	depth   int // stack depth when the block was pushed
}

// Frame is the execution state of a single activation. The parent link is
// positional: frames live in the VM's frame stack and "parent" is simply the
// previous element, so no back-pointers exist to leak or cycle.
type Frame struct {
	Code *CodeUnit

	// IP is the byte offset of the next instruction. The controller keeps it
	// on an instruction boundary for Code's encoding version.
	IP uint32

	Stack    []Value
	Locals   map[string]Value
	Globals  map[string]Value
	Builtins map[string]Value

	blocks []block
}

// NewFrame creates an activation for code. Nil scope maps are replaced by
// fresh empty ones; Builtins is shared between frames, never copied.
func NewFrame(code *CodeUnit, locals, globals, builtins map[string]Value) *Frame {
	if locals == nil {
		locals = make(map[string]Value)
	}
	if globals == nil {
		globals = make(map[string]Value)
	}
	if builtins == nil {
		builtins = make(map[string]Value)
	}
	return &Frame{
		Code:     code,
		Stack:    make([]Value, 0, 16),
		Locals:   locals,
		Globals:  globals,
		Builtins: builtins,
	}
}

// Depth returns the operand stack depth.
func (f *Frame) Depth() int {
	return len(f.Stack)
}

// Push appends a value to the operand stack.
func (f *Frame) Push(v Value) {
	f.Stack = append(f.Stack, v)
}

// Pop removes and returns the top of stack.
func (f *Frame) Pop() (Value, error) {
	if len(f.Stack) == 0 {
		return nil, ErrStackUnderflow
	}
	v := f.Stack[len(f.Stack)-1]
	f.Stack = f.Stack[:len(f.Stack)-1]
	return v, nil
}

// Top returns the top of stack without removing it.
func (f *Frame) Top() (Value, error) {
	if len(f.Stack) == 0 {
		return nil, ErrStackUnderflow
	}
	return f.Stack[len(f.Stack)-1], nil
}

// peek returns the top n values without mutating the stack. The last element
// of the result is the top of stack. The engine uses this to buffer pops
// before committing any push, so a failing instruction leaves the stack
// untouched.
func (f *Frame) peek(n int) ([]Value, error) {
	if len(f.Stack) < n {
		return nil, ErrStackUnderflow
	}
	return f.Stack[len(f.Stack)-n:], nil
}

// replace drops the top n values and pushes the given results, as one
// committed mutation.
func (f *Frame) replace(n int, results ...Value) {
	f.Stack = append(f.Stack[:len(f.Stack)-n], results...)
}

// Lookup resolves a name through locals, then globals, then builtins.
func (f *Frame) Lookup(name string) (Value, bool) {
	for _, scope := range []map[string]Value{f.Locals, f.Globals, f.Builtins} {
		if v, ok := scope[name]; ok {
			return v, true
		}
	}
	return nil, false
}

// pushBlock records a block pseudo-stack entry.
func (f *Frame) pushBlock(kind blockKind, handler uint32) {
	f.blocks = append(f.blocks, block{kind: kind, handler: handler, depth: len(f.Stack)})
}

// popBlock removes the innermost block entry.
func (f *Frame) popBlock() (block, bool) {
	if len(f.blocks) == 0 {
		return block{}, false
	}
	b := f.blocks[len(f.blocks)-1]
	f.blocks = f.blocks[:len(f.blocks)-1]
	return b, true
}
