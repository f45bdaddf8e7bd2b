package vm

import (
	"strconv"
	"strings"
)

// ---------------------------------------------------------------------------
// Value model
// ---------------------------------------------------------------------------

// Type names a value's runtime type.
type Type string

const (
	NoneType     Type = "NoneType"
	BoolType     Type = "bool"
	IntType      Type = "int"
	FloatType    Type = "float"
	StrType      Type = "str"
	BytesType    Type = "bytes"
	TupleType    Type = "tuple"
	ListType     Type = "list"
	DictType     Type = "dict"
	CodeType     Type = "code"
	FunctionType Type = "function"
	BuiltinType  Type = "builtin_function_or_method"
	IteratorType Type = "iterator"
)

// Value is a Python value held on the operand stack or in a scope.
type Value interface {
	Type() Type
	Repr() string
	Truthy() bool
}

// None is the single instance of NoneType.
var None Value = noneValue{}

type noneValue struct{}

func (noneValue) Type() Type   { return NoneType }
func (noneValue) Repr() string { return "None" }
func (noneValue) Truthy() bool { return false }

// Bool is a Python bool.
type Bool bool

// Canonical bool instances.
const (
	True  Bool = true
	False Bool = false
)

func (Bool) Type() Type { return BoolType }
func (b Bool) Repr() string {
	if b {
		return "True"
	}
	return "False"
}
func (b Bool) Truthy() bool { return bool(b) }

// Int is a Python int, restricted to the signed 64-bit range.
type Int int64

func (Int) Type() Type     { return IntType }
func (i Int) Repr() string { return strconv.FormatInt(int64(i), 10) }
func (i Int) Truthy() bool { return i != 0 }

// Float is a Python float.
type Float float64

func (Float) Type() Type { return FloatType }
func (f Float) Repr() string {
	s := strconv.FormatFloat(float64(f), 'g', -1, 64)
	if !strings.ContainsAny(s, ".eE") {
		s += ".0"
	}
	return s
}
func (f Float) Truthy() bool { return f != 0 }

// Str is a Python str.
type Str string

func (Str) Type() Type     { return StrType }
func (s Str) Repr() string { return strconv.Quote(string(s)) }
func (s Str) Truthy() bool { return s != "" }

// Bytes is a Python bytes object.
type Bytes []byte

func (Bytes) Type() Type     { return BytesType }
func (b Bytes) Repr() string { return "b" + strconv.Quote(string(b)) }
func (b Bytes) Truthy() bool { return len(b) > 0 }

// Tuple is an immutable sequence.
type Tuple struct {
	Items []Value
}

func (*Tuple) Type() Type { return TupleType }
func (t *Tuple) Repr() string {
	parts := make([]string, len(t.Items))
	for i, item := range t.Items {
		parts[i] = item.Repr()
	}
	if len(parts) == 1 {
		return "(" + parts[0] + ",)"
	}
	return "(" + strings.Join(parts, ", ") + ")"
}
func (t *Tuple) Truthy() bool { return len(t.Items) > 0 }

// List is a mutable sequence.
type List struct {
	Items []Value
}

func (*List) Type() Type { return ListType }
func (l *List) Repr() string {
	parts := make([]string, len(l.Items))
	for i, item := range l.Items {
		parts[i] = item.Repr()
	}
	return "[" + strings.Join(parts, ", ") + "]"
}
func (l *List) Truthy() bool { return len(l.Items) > 0 }

// Dict is a mapping with string keys. Bytecode reachable through the
// debugger only needs string-keyed dicts (kwdefaults, annotations).
type Dict struct {
	Items map[string]Value
}

// NewDict creates an empty Dict.
func NewDict() *Dict {
	return &Dict{Items: make(map[string]Value)}
}

func (*Dict) Type() Type { return DictType }
func (d *Dict) Repr() string {
	parts := make([]string, 0, len(d.Items))
	for k, v := range d.Items {
		parts = append(parts, strconv.Quote(k)+": "+v.Repr())
	}
	return "{" + strings.Join(parts, ", ") + "}"
}
func (d *Dict) Truthy() bool { return len(d.Items) > 0 }

// Function is a user-defined function created by MAKE_FUNCTION or loaded
// from a constant pool. Calling one drops into a new frame.
type Function struct {
	Name        string
	Code        *CodeUnit
	Defaults    []Value
	KwDefaults  *Dict
	Annotations Value // tuple or dict depending on version; informational
}

func (*Function) Type() Type { return FunctionType }
func (f *Function) Repr() string {
	return "<function " + f.Name + ">"
}
func (*Function) Truthy() bool { return true }

// BuiltinFunc is the signature of a Go-backed builtin.
type BuiltinFunc func(args []Value) (Value, error)

// Builtin is a callable implemented by the host. Invoking one is an
// externally observable effect and is gated by the safety classifier.
type Builtin struct {
	Name string
	Fn   BuiltinFunc
}

func (*Builtin) Type() Type      { return BuiltinType }
func (b *Builtin) Repr() string  { return "<built-in function " + b.Name + ">" }
func (*Builtin) Truthy() bool    { return true }

// Iterator is the result of GET_ITER over a VM-local sequence.
type Iterator struct {
	Items []Value
	Pos   int
}

func (*Iterator) Type() Type     { return IteratorType }
func (it *Iterator) Repr() string { return "<iterator>" }
func (*Iterator) Truthy() bool   { return true }

// ---------------------------------------------------------------------------
// Value operations shared by the engine and the classifier
// ---------------------------------------------------------------------------

// Equal reports structural equality between two values. Values of
// incomparable types are unequal, matching Python ==.
func Equal(a, b Value) bool {
	switch x := a.(type) {
	case noneValue:
		_, ok := b.(noneValue)
		return ok
	case Bool:
		if y, ok := b.(Bool); ok {
			return x == y
		}
		return numericEqual(a, b)
	case Int, Float:
		return numericEqual(a, b)
	case Str:
		y, ok := b.(Str)
		return ok && x == y
	case Bytes:
		y, ok := b.(Bytes)
		return ok && string(x) == string(y)
	case *Tuple:
		y, ok := b.(*Tuple)
		return ok && itemsEqual(x.Items, y.Items)
	case *List:
		y, ok := b.(*List)
		return ok && itemsEqual(x.Items, y.Items)
	}
	return a == b
}

func itemsEqual(a, b []Value) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !Equal(a[i], b[i]) {
			return false
		}
	}
	return true
}

func numericEqual(a, b Value) bool {
	x, okA := asFloat(a)
	y, okB := asFloat(b)
	return okA && okB && x == y
}

// Compare orders two values, returning -1, 0 or 1. Fails with
// ErrTypeMismatch for unordered types, matching Python < and >.
func Compare(a, b Value) (int, error) {
	if x, ok := asFloat(a); ok {
		if y, ok := asFloat(b); ok {
			switch {
			case x < y:
				return -1, nil
			case x > y:
				return 1, nil
			}
			return 0, nil
		}
	}
	if x, ok := a.(Str); ok {
		if y, ok := b.(Str); ok {
			return strings.Compare(string(x), string(y)), nil
		}
	}
	return 0, ErrTypeMismatch
}

// asFloat widens numeric values (bool, int, float) for arithmetic.
func asFloat(v Value) (float64, bool) {
	switch x := v.(type) {
	case Bool:
		if x {
			return 1, true
		}
		return 0, true
	case Int:
		return float64(x), true
	case Float:
		return float64(x), true
	}
	return 0, false
}

// asInt narrows integral values (bool, int) for bitwise arithmetic.
func asInt(v Value) (int64, bool) {
	switch x := v.(type) {
	case Bool:
		if x {
			return 1, true
		}
		return 0, true
	case Int:
		return int64(x), true
	}
	return 0, false
}
