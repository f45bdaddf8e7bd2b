// Package eval provides the default expression evaluator used for breakpoint
// and allow-rule conditions. Expressions are compiled with expr-lang and run
// against the frame's names plus two extra bindings: "stack" (bottom-to-top
// operand snapshot) and "arg" (the instruction argument under scrutiny).
package eval

import (
	"fmt"
	"sync"

	"github.com/expr-lang/expr"
	exprvm "github.com/expr-lang/expr/vm"

	"github.com/chazu/crossvm/vm"
)

// Evaluator compiles and runs condition expressions. Compiled programs are
// cached by source; the cache is safe for concurrent use even though
// sessions themselves are single-threaded.
type Evaluator struct {
	mu    sync.Mutex
	cache map[string]*exprvm.Program
}

// New creates an evaluator with an empty program cache.
func New() *Evaluator {
	return &Evaluator{cache: make(map[string]*exprvm.Program)}
}

// Evaluate implements vm.Evaluator. Locals shadow globals, which shadow
// builtins; unknown names evaluate to nil rather than failing compilation,
// matching how operators probe half-initialized frames.
func (e *Evaluator) Evaluate(source string, scope vm.Scope) (vm.Value, error) {
	program, err := e.compile(source)
	if err != nil {
		return nil, fmt.Errorf("eval: compile %q: %w", source, err)
	}

	env := make(map[string]any,
		len(scope.Builtins)+len(scope.Globals)+len(scope.Locals)+2)
	for name, v := range scope.Builtins {
		env[name] = unwrap(v)
	}
	for name, v := range scope.Globals {
		env[name] = unwrap(v)
	}
	for name, v := range scope.Locals {
		env[name] = unwrap(v)
	}
	stack := make([]any, len(scope.Stack))
	for i, v := range scope.Stack {
		stack[i] = unwrap(v)
	}
	env["stack"] = stack
	if scope.Arg != nil {
		env["arg"] = unwrap(scope.Arg)
	} else {
		env["arg"] = nil
	}

	out, err := exprvm.Run(program, env)
	if err != nil {
		return nil, fmt.Errorf("eval: run %q: %w", source, err)
	}
	return wrap(out)
}

func (e *Evaluator) compile(source string) (*exprvm.Program, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if p, ok := e.cache[source]; ok {
		return p, nil
	}
	p, err := expr.Compile(source, expr.AllowUndefinedVariables())
	if err != nil {
		return nil, err
	}
	e.cache[source] = p
	return p, nil
}

// ---------------------------------------------------------------------------
// Value bridging
// ---------------------------------------------------------------------------

// unwrap lowers a VM value into the plain Go shape expr operates on.
// Functions, builtins and code objects stay opaque.
func unwrap(v vm.Value) any {
	switch x := v.(type) {
	case vm.Bool:
		return bool(x)
	case vm.Int:
		return int64(x)
	case vm.Float:
		return float64(x)
	case vm.Str:
		return string(x)
	case vm.Bytes:
		return []byte(x)
	case *vm.Tuple:
		return unwrapSlice(x.Items)
	case *vm.List:
		return unwrapSlice(x.Items)
	case *vm.Dict:
		out := make(map[string]any, len(x.Items))
		for k, item := range x.Items {
			out[k] = unwrap(item)
		}
		return out
	}
	if v == vm.None {
		return nil
	}
	return v
}

func unwrapSlice(items []vm.Value) []any {
	out := make([]any, len(items))
	for i, item := range items {
		out[i] = unwrap(item)
	}
	return out
}

// wrap lifts an expr result back into the VM value model.
func wrap(out any) (vm.Value, error) {
	switch x := out.(type) {
	case nil:
		return vm.None, nil
	case bool:
		return vm.Bool(x), nil
	case int:
		return vm.Int(x), nil
	case int64:
		return vm.Int(x), nil
	case uint64:
		return vm.Int(int64(x)), nil
	case float64:
		return vm.Float(x), nil
	case string:
		return vm.Str(x), nil
	case []byte:
		return vm.Bytes(x), nil
	case []any:
		items := make([]vm.Value, len(x))
		for i, item := range x {
			v, err := wrap(item)
			if err != nil {
				return nil, err
			}
			items[i] = v
		}
		return &vm.List{Items: items}, nil
	case map[string]any:
		d := vm.NewDict()
		for k, item := range x {
			v, err := wrap(item)
			if err != nil {
				return nil, err
			}
			d.Items[k] = v
		}
		return d, nil
	case vm.Value:
		return x, nil
	}
	return nil, fmt.Errorf("eval: cannot represent %T as a value", out)
}
