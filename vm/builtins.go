package vm

import (
	"fmt"
	"strings"
)

// ---------------------------------------------------------------------------
// Builtin registry
// ---------------------------------------------------------------------------

// builtinRegistry holds the named builtins available to sessions. Snapshot
// decoding restores builtins from here by name.
var builtinRegistry = map[string]BuiltinFunc{
	"len":   builtinLen,
	"abs":   builtinAbs,
	"min":   builtinMin,
	"max":   builtinMax,
	"sum":   builtinSum,
	"print": builtinPrint,
	"repr":  builtinRepr,
	"str":   builtinStr,
	"int":   builtinInt,
	"bool":  builtinBool,
	"range": builtinRange,
	"type":  builtinType,
}

// DefaultBuiltins returns a fresh scope holding every registered builtin.
func DefaultBuiltins() map[string]Value {
	scope := make(map[string]Value, len(builtinRegistry))
	for name, fn := range builtinRegistry {
		scope[name] = &Builtin{Name: name, Fn: fn}
	}
	return scope
}

// BuiltinByName looks up one registered builtin.
func BuiltinByName(name string) (*Builtin, bool) {
	fn, ok := builtinRegistry[name]
	if !ok {
		return nil, false
	}
	return &Builtin{Name: name, Fn: fn}, true
}

// BuiltinNames returns the registered names, unordered.
func BuiltinNames() []string {
	names := make([]string, 0, len(builtinRegistry))
	for name := range builtinRegistry {
		names = append(names, name)
	}
	return names
}

func wantArgs(name string, args []Value, n int) error {
	if len(args) != n {
		return fmt.Errorf("%w: %s takes %d arguments, got %d", ErrTypeMismatch, name, n, len(args))
	}
	return nil
}

func builtinLen(args []Value) (Value, error) {
	if err := wantArgs("len", args, 1); err != nil {
		return nil, err
	}
	switch x := args[0].(type) {
	case Str:
		return Int(len(x)), nil
	case Bytes:
		return Int(len(x)), nil
	case *Tuple:
		return Int(len(x.Items)), nil
	case *List:
		return Int(len(x.Items)), nil
	case *Dict:
		return Int(len(x.Items)), nil
	}
	return nil, fmt.Errorf("%w: object of type %s has no len()", ErrTypeMismatch, args[0].Type())
}

func builtinAbs(args []Value) (Value, error) {
	if err := wantArgs("abs", args, 1); err != nil {
		return nil, err
	}
	if i, ok := asInt(args[0]); ok {
		if i < 0 {
			i = -i
		}
		return Int(i), nil
	}
	if f, ok := args[0].(Float); ok {
		if f < 0 {
			f = -f
		}
		return f, nil
	}
	return nil, fmt.Errorf("%w: bad operand for abs(): %s", ErrTypeMismatch, args[0].Type())
}

func extremum(name string, args []Value, want int) (Value, error) {
	items := args
	if len(args) == 1 {
		var err error
		items, err = sequenceItems(args[0])
		if err != nil {
			return nil, err
		}
	}
	if len(items) == 0 {
		return nil, fmt.Errorf("%w: %s of empty sequence", ErrTypeMismatch, name)
	}
	best := items[0]
	for _, v := range items[1:] {
		c, err := Compare(v, best)
		if err != nil {
			return nil, err
		}
		if c == want {
			best = v
		}
	}
	return best, nil
}

func builtinMin(args []Value) (Value, error) { return extremum("min", args, -1) }
func builtinMax(args []Value) (Value, error) { return extremum("max", args, 1) }

func builtinSum(args []Value) (Value, error) {
	if err := wantArgs("sum", args, 1); err != nil {
		return nil, err
	}
	items, err := sequenceItems(args[0])
	if err != nil {
		return nil, err
	}
	var acc Value = Int(0)
	for _, v := range items {
		acc, err = binaryOp("ADD", acc, v)
		if err != nil {
			return nil, err
		}
	}
	return acc, nil
}

// builtinPrint writes to process stdout. Arguments are joined with spaces,
// str values unquoted, everything else by repr.
func builtinPrint(args []Value) (Value, error) {
	parts := make([]string, len(args))
	for i, v := range args {
		if s, ok := v.(Str); ok {
			parts[i] = string(s)
		} else {
			parts[i] = v.Repr()
		}
	}
	fmt.Println(strings.Join(parts, " "))
	return None, nil
}

func builtinRepr(args []Value) (Value, error) {
	if err := wantArgs("repr", args, 1); err != nil {
		return nil, err
	}
	return Str(args[0].Repr()), nil
}

func builtinStr(args []Value) (Value, error) {
	if err := wantArgs("str", args, 1); err != nil {
		return nil, err
	}
	if s, ok := args[0].(Str); ok {
		return s, nil
	}
	return Str(args[0].Repr()), nil
}

func builtinInt(args []Value) (Value, error) {
	if err := wantArgs("int", args, 1); err != nil {
		return nil, err
	}
	switch x := args[0].(type) {
	case Int:
		return x, nil
	case Bool:
		if x {
			return Int(1), nil
		}
		return Int(0), nil
	case Float:
		return Int(int64(x)), nil
	case Str:
		var n int64
		if _, err := fmt.Sscanf(strings.TrimSpace(string(x)), "%d", &n); err != nil {
			return nil, fmt.Errorf("%w: invalid literal for int(): %s", ErrTypeMismatch, x.Repr())
		}
		return Int(n), nil
	}
	return nil, fmt.Errorf("%w: int() argument must be a number or str", ErrTypeMismatch)
}

func builtinBool(args []Value) (Value, error) {
	if err := wantArgs("bool", args, 1); err != nil {
		return nil, err
	}
	return Bool(args[0].Truthy()), nil
}

func builtinRange(args []Value) (Value, error) {
	var start, stop, step int64 = 0, 0, 1
	get := func(v Value) (int64, error) {
		i, ok := asInt(v)
		if !ok {
			return 0, fmt.Errorf("%w: range() argument must be int", ErrTypeMismatch)
		}
		return i, nil
	}
	var err error
	switch len(args) {
	case 1:
		stop, err = get(args[0])
	case 2:
		if start, err = get(args[0]); err == nil {
			stop, err = get(args[1])
		}
	case 3:
		if start, err = get(args[0]); err == nil {
			if stop, err = get(args[1]); err == nil {
				step, err = get(args[2])
			}
		}
	default:
		return nil, fmt.Errorf("%w: range expected 1 to 3 arguments, got %d", ErrTypeMismatch, len(args))
	}
	if err != nil {
		return nil, err
	}
	if step == 0 {
		return nil, fmt.Errorf("%w: range() step must not be zero", ErrTypeMismatch)
	}
	var items []Value
	if step > 0 {
		for i := start; i < stop; i += step {
			items = append(items, Int(i))
		}
	} else {
		for i := start; i > stop; i += step {
			items = append(items, Int(i))
		}
	}
	return &List{Items: items}, nil
}

func builtinType(args []Value) (Value, error) {
	if err := wantArgs("type", args, 1); err != nil {
		return nil, err
	}
	return Str(args[0].Type()), nil
}
