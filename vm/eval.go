package vm

// ---------------------------------------------------------------------------
// Expression evaluation hook
// ---------------------------------------------------------------------------

// Scope is the read-only view of frame state handed to an Evaluator.
// Stack is bottom-to-top; Arg is the decoded argument of the instruction
// under consideration, or nil when none applies.
type Scope struct {
	Locals   map[string]Value
	Globals  map[string]Value
	Builtins map[string]Value
	Stack    []Value
	Arg      Value
}

// FrameScope builds a Scope from a frame without an instruction argument.
func FrameScope(f *Frame) Scope {
	return Scope{
		Locals:   f.Locals,
		Globals:  f.Globals,
		Builtins: f.Builtins,
		Stack:    f.Stack,
	}
}

// Evaluator evaluates a source expression against a scope. Breakpoint
// conditions and allow-rule conditions go through this interface; the
// debugger core carries no expression language of its own.
type Evaluator interface {
	Evaluate(source string, scope Scope) (Value, error)
}

// EvaluatorFunc adapts a plain function to the Evaluator interface.
type EvaluatorFunc func(source string, scope Scope) (Value, error)

func (fn EvaluatorFunc) Evaluate(source string, scope Scope) (Value, error) {
	return fn(source, scope)
}
