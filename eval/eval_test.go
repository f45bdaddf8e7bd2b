package eval

import (
	"testing"

	"github.com/chazu/crossvm/vm"
)

func scopeWith(locals, globals map[string]vm.Value) vm.Scope {
	return vm.Scope{Locals: locals, Globals: globals}
}

func TestEvaluateArithmetic(t *testing.T) {
	e := New()
	tests := []struct {
		source string
		want   vm.Value
	}{
		{"1 + 2", vm.Int(3)},
		{"2 * 3.5", vm.Float(7)},
		{"1 < 2", vm.True},
		{"\"a\" + \"b\"", vm.Str("ab")},
		{"true && false", vm.False},
	}
	for _, tt := range tests {
		got, err := e.Evaluate(tt.source, vm.Scope{})
		if err != nil {
			t.Errorf("%q: %v", tt.source, err)
			continue
		}
		if !vm.Equal(got, tt.want) {
			t.Errorf("%q = %s, want %s", tt.source, got.Repr(), tt.want.Repr())
		}
	}
}

func TestEvaluateScopeShadowing(t *testing.T) {
	e := New()
	scope := vm.Scope{
		Locals:   map[string]vm.Value{"x": vm.Int(1)},
		Globals:  map[string]vm.Value{"x": vm.Int(2), "y": vm.Int(3)},
		Builtins: map[string]vm.Value{"y": vm.Int(4), "z": vm.Int(5)},
	}
	tests := []struct {
		source string
		want   int64
	}{
		{"x", 1}, // locals shadow globals
		{"y", 3}, // globals shadow builtins
		{"z", 5},
	}
	for _, tt := range tests {
		got, err := e.Evaluate(tt.source, scope)
		if err != nil {
			t.Fatalf("%q: %v", tt.source, err)
		}
		if !vm.Equal(got, vm.Int(tt.want)) {
			t.Errorf("%q = %s, want %d", tt.source, got.Repr(), tt.want)
		}
	}
}

func TestEvaluateUndefinedName(t *testing.T) {
	e := New()
	got, err := e.Evaluate("missing", vm.Scope{})
	if err != nil {
		t.Fatalf("undefined name: %v", err)
	}
	if got != vm.None {
		t.Errorf("missing = %s, want None", got.Repr())
	}

	got, err = e.Evaluate("missing == nil", vm.Scope{})
	if err != nil {
		t.Fatalf("nil comparison: %v", err)
	}
	if got != vm.True {
		t.Errorf("missing == nil is %s", got.Repr())
	}
}

func TestEvaluateStackBinding(t *testing.T) {
	e := New()
	scope := vm.Scope{Stack: []vm.Value{vm.Int(10), vm.Str("top")}}

	got, err := e.Evaluate("stack[-1]", scope)
	if err != nil {
		t.Fatalf("stack[-1]: %v", err)
	}
	if !vm.Equal(got, vm.Str("top")) {
		t.Errorf("stack[-1] = %s, want \"top\"", got.Repr())
	}

	got, err = e.Evaluate("len(stack)", scope)
	if err != nil {
		t.Fatalf("len(stack): %v", err)
	}
	if !vm.Equal(got, vm.Int(2)) {
		t.Errorf("len(stack) = %s, want 2", got.Repr())
	}
}

func TestEvaluateArgBinding(t *testing.T) {
	e := New()
	got, err := e.Evaluate("arg > 128", vm.Scope{Arg: vm.Int(200)})
	if err != nil {
		t.Fatalf("arg > 128: %v", err)
	}
	if got != vm.True {
		t.Errorf("arg > 128 with arg=200 is %s", got.Repr())
	}

	got, err = e.Evaluate("arg == nil", vm.Scope{})
	if err != nil {
		t.Fatalf("arg == nil: %v", err)
	}
	if got != vm.True {
		t.Errorf("arg should be nil when the instruction has no argument")
	}
}

func TestEvaluateContainers(t *testing.T) {
	e := New()
	scope := scopeWith(map[string]vm.Value{
		"xs": &vm.List{Items: []vm.Value{vm.Int(1), vm.Int(2), vm.Int(3)}},
		"d":  &vm.Dict{Items: map[string]vm.Value{"k": vm.Str("v")}},
	}, nil)

	got, err := e.Evaluate("xs[1] + xs[2]", scope)
	if err != nil {
		t.Fatalf("indexing: %v", err)
	}
	if !vm.Equal(got, vm.Int(5)) {
		t.Errorf("xs[1] + xs[2] = %s, want 5", got.Repr())
	}

	got, err = e.Evaluate("d.k", scope)
	if err != nil {
		t.Fatalf("field access: %v", err)
	}
	if !vm.Equal(got, vm.Str("v")) {
		t.Errorf("d.k = %s, want \"v\"", got.Repr())
	}

	got, err = e.Evaluate("2 in xs", scope)
	if err != nil {
		t.Fatalf("membership: %v", err)
	}
	if got != vm.True {
		t.Errorf("2 in xs is %s", got.Repr())
	}
}

func TestEvaluateListResult(t *testing.T) {
	e := New()
	got, err := e.Evaluate("[1, 2]", vm.Scope{})
	if err != nil {
		t.Fatalf("list literal: %v", err)
	}
	l, ok := got.(*vm.List)
	if !ok || len(l.Items) != 2 {
		t.Errorf("[1, 2] = %s", got.Repr())
	}
}

func TestEvaluateCompileError(t *testing.T) {
	e := New()
	if _, err := e.Evaluate("1 +", vm.Scope{}); err == nil {
		t.Errorf("malformed expression compiled")
	}
}

func TestEvaluateCachesPrograms(t *testing.T) {
	e := New()
	if _, err := e.Evaluate("x + 1", scopeWith(map[string]vm.Value{"x": vm.Int(1)}, nil)); err != nil {
		t.Fatal(err)
	}
	// Second evaluation reuses the compiled program with new bindings.
	got, err := e.Evaluate("x + 1", scopeWith(map[string]vm.Value{"x": vm.Int(10)}, nil))
	if err != nil {
		t.Fatal(err)
	}
	if !vm.Equal(got, vm.Int(11)) {
		t.Errorf("cached program result = %s, want 11", got.Repr())
	}
	if len(e.cache) != 1 {
		t.Errorf("cache holds %d programs, want 1", len(e.cache))
	}
}

func TestEvaluateOpaqueValues(t *testing.T) {
	e := New()
	fn := &vm.Function{Name: "f"}
	got, err := e.Evaluate("f", scopeWith(map[string]vm.Value{"f": fn}, nil))
	if err != nil {
		t.Fatalf("opaque value: %v", err)
	}
	if got != vm.Value(fn) {
		t.Errorf("function did not pass through unchanged: %v", got)
	}
}
