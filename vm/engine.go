package vm

import (
	"fmt"
	"io"
	"math"
	"strings"
)

// ---------------------------------------------------------------------------
// Execution engine
// ---------------------------------------------------------------------------

// EffectKind describes what executing one instruction did to the frame stack.
type EffectKind uint8

const (
	// EffectAdvanced: the current frame continues (possibly after a jump).
	EffectAdvanced EffectKind = iota
	// EffectCalled: a new frame must be pushed and becomes current.
	EffectCalled
	// EffectReturned: the current frame is done; Value is its result.
	EffectReturned
)

// Effect is the outcome of executing one instruction.
type Effect struct {
	Kind  EffectKind
	Frame *Frame // callee frame for EffectCalled
	Value Value  // return value for EffectReturned
}

var advanced = Effect{Kind: EffectAdvanced}

// Execute runs one decoded instruction against a frame. The caller has
// already advanced f.IP past the instruction; jump handlers overwrite it.
// On error the stack is untouched: handlers buffer their pops via peek and
// commit with replace in one step, so the caller only needs to restore IP.
//
// The handler set is closed. Opcodes the engine does not model fail with
// ErrUnsupported and mutate nothing.
func Execute(instr Instruction, f *Frame, out io.Writer) (Effect, error) {
	table := TableForVersion(f.Code.Version)
	info, ok := table.Lookup(instr.Op)
	if !ok {
		return Effect{}, fmt.Errorf("%w: 0x%02x", ErrUnknownOpcode, byte(instr.Op))
	}
	if out == nil {
		out = io.Discard
	}

	switch info.Name {
	// ------------------------------------------------------------------
	// Stack shuffling
	// ------------------------------------------------------------------
	case "NOP", "SETUP_ANNOTATIONS":
		return advanced, nil

	case "POP_TOP":
		if _, err := f.Pop(); err != nil {
			return Effect{}, err
		}
		return advanced, nil

	case "ROT_TWO":
		top, err := f.peek(2)
		if err != nil {
			return Effect{}, err
		}
		f.replace(2, top[1], top[0])
		return advanced, nil

	case "ROT_THREE":
		top, err := f.peek(3)
		if err != nil {
			return Effect{}, err
		}
		f.replace(3, top[2], top[0], top[1])
		return advanced, nil

	case "ROT_FOUR":
		top, err := f.peek(4)
		if err != nil {
			return Effect{}, err
		}
		f.replace(4, top[3], top[0], top[1], top[2])
		return advanced, nil

	case "DUP_TOP":
		v, err := f.Top()
		if err != nil {
			return Effect{}, err
		}
		f.Push(v)
		return advanced, nil

	case "DUP_TOP_TWO":
		top, err := f.peek(2)
		if err != nil {
			return Effect{}, err
		}
		f.replace(2, top[0], top[1], top[0], top[1])
		return advanced, nil

	// ------------------------------------------------------------------
	// Constants and names
	// ------------------------------------------------------------------
	case "LOAD_CONST":
		c, err := constAt(f.Code, instr.Arg)
		if err != nil {
			return Effect{}, err
		}
		f.Push(c)
		return advanced, nil

	case "LOAD_NAME":
		name, err := nameAt(f.Code, instr.Arg)
		if err != nil {
			return Effect{}, err
		}
		v, ok := f.Lookup(name)
		if !ok {
			return Effect{}, fmt.Errorf("%w: %s", ErrNameError, name)
		}
		f.Push(v)
		return advanced, nil

	case "STORE_NAME":
		name, err := nameAt(f.Code, instr.Arg)
		if err != nil {
			return Effect{}, err
		}
		v, err := f.Pop()
		if err != nil {
			return Effect{}, err
		}
		f.Locals[name] = v
		return advanced, nil

	case "DELETE_NAME":
		name, err := nameAt(f.Code, instr.Arg)
		if err != nil {
			return Effect{}, err
		}
		if _, ok := f.Locals[name]; !ok {
			return Effect{}, fmt.Errorf("%w: %s", ErrNameError, name)
		}
		delete(f.Locals, name)
		return advanced, nil

	case "LOAD_GLOBAL":
		name, err := nameAt(f.Code, instr.Arg)
		if err != nil {
			return Effect{}, err
		}
		if v, ok := f.Globals[name]; ok {
			f.Push(v)
			return advanced, nil
		}
		if v, ok := f.Builtins[name]; ok {
			f.Push(v)
			return advanced, nil
		}
		return Effect{}, fmt.Errorf("%w: %s", ErrNameError, name)

	case "STORE_GLOBAL":
		name, err := nameAt(f.Code, instr.Arg)
		if err != nil {
			return Effect{}, err
		}
		v, err := f.Pop()
		if err != nil {
			return Effect{}, err
		}
		f.Globals[name] = v
		return advanced, nil

	case "DELETE_GLOBAL":
		name, err := nameAt(f.Code, instr.Arg)
		if err != nil {
			return Effect{}, err
		}
		if _, ok := f.Globals[name]; !ok {
			return Effect{}, fmt.Errorf("%w: %s", ErrNameError, name)
		}
		delete(f.Globals, name)
		return advanced, nil

	case "LOAD_FAST":
		name, err := varnameAt(f.Code, instr.Arg)
		if err != nil {
			return Effect{}, err
		}
		v, ok := f.Locals[name]
		if !ok {
			return Effect{}, fmt.Errorf("%w: %s", ErrNameError, name)
		}
		f.Push(v)
		return advanced, nil

	case "STORE_FAST":
		name, err := varnameAt(f.Code, instr.Arg)
		if err != nil {
			return Effect{}, err
		}
		v, err := f.Pop()
		if err != nil {
			return Effect{}, err
		}
		f.Locals[name] = v
		return advanced, nil

	case "DELETE_FAST":
		name, err := varnameAt(f.Code, instr.Arg)
		if err != nil {
			return Effect{}, err
		}
		if _, ok := f.Locals[name]; !ok {
			return Effect{}, fmt.Errorf("%w: %s", ErrNameError, name)
		}
		delete(f.Locals, name)
		return advanced, nil

	case "LOAD_DEREF", "LOAD_CLOSURE":
		name, err := freeNameAt(f.Code, instr.Arg)
		if err != nil {
			return Effect{}, err
		}
		v, ok := f.Locals[name]
		if !ok {
			return Effect{}, fmt.Errorf("%w: %s", ErrNameError, name)
		}
		f.Push(v)
		return advanced, nil

	case "STORE_DEREF":
		name, err := freeNameAt(f.Code, instr.Arg)
		if err != nil {
			return Effect{}, err
		}
		v, err := f.Pop()
		if err != nil {
			return Effect{}, err
		}
		f.Locals[name] = v
		return advanced, nil

	case "DELETE_DEREF":
		name, err := freeNameAt(f.Code, instr.Arg)
		if err != nil {
			return Effect{}, err
		}
		if _, ok := f.Locals[name]; !ok {
			return Effect{}, fmt.Errorf("%w: %s", ErrNameError, name)
		}
		delete(f.Locals, name)
		return advanced, nil

	// ------------------------------------------------------------------
	// Unary and binary arithmetic
	// ------------------------------------------------------------------
	case "UNARY_POSITIVE", "UNARY_NEGATIVE", "UNARY_NOT", "UNARY_INVERT":
		top, err := f.peek(1)
		if err != nil {
			return Effect{}, err
		}
		r, err := unaryOp(info.Name, top[0])
		if err != nil {
			return Effect{}, err
		}
		f.replace(1, r)
		return advanced, nil

	case "BINARY_ADD", "BINARY_SUBTRACT", "BINARY_MULTIPLY", "BINARY_MODULO",
		"BINARY_POWER", "BINARY_TRUE_DIVIDE", "BINARY_FLOOR_DIVIDE",
		"BINARY_LSHIFT", "BINARY_RSHIFT", "BINARY_AND", "BINARY_OR", "BINARY_XOR",
		"BINARY_MATRIX_MULTIPLY",
		"INPLACE_ADD", "INPLACE_SUBTRACT", "INPLACE_MULTIPLY", "INPLACE_MODULO",
		"INPLACE_POWER", "INPLACE_TRUE_DIVIDE", "INPLACE_FLOOR_DIVIDE",
		"INPLACE_LSHIFT", "INPLACE_RSHIFT", "INPLACE_AND", "INPLACE_OR", "INPLACE_XOR",
		"INPLACE_MATRIX_MULTIPLY":
		top, err := f.peek(2)
		if err != nil {
			return Effect{}, err
		}
		r, err := binaryOp(strings.TrimPrefix(strings.TrimPrefix(info.Name, "BINARY_"), "INPLACE_"), top[0], top[1])
		if err != nil {
			return Effect{}, err
		}
		f.replace(2, r)
		return advanced, nil

	case "COMPARE_OP":
		top, err := f.peek(2)
		if err != nil {
			return Effect{}, err
		}
		if instr.Arg < 0 || instr.Arg >= int64(len(CompareNames)) {
			return Effect{}, fmt.Errorf("%w: COMPARE_OP %d", ErrUnsupported, instr.Arg)
		}
		r, err := compareOp(CompareNames[instr.Arg], top[0], top[1])
		if err != nil {
			return Effect{}, err
		}
		f.replace(2, r)
		return advanced, nil

	// ------------------------------------------------------------------
	// Container construction and access
	// ------------------------------------------------------------------
	case "BUILD_TUPLE":
		n := int(instr.Arg)
		top, err := f.peek(n)
		if err != nil {
			return Effect{}, err
		}
		items := append([]Value(nil), top...)
		f.replace(n, &Tuple{Items: items})
		return advanced, nil

	case "BUILD_LIST", "BUILD_SET":
		n := int(instr.Arg)
		top, err := f.peek(n)
		if err != nil {
			return Effect{}, err
		}
		items := append([]Value(nil), top...)
		f.replace(n, &List{Items: items})
		return advanced, nil

	case "BUILD_MAP":
		if !table.FixedWidth {
			// Legacy encodings pass a capacity hint and pop nothing.
			f.Push(NewDict())
			return advanced, nil
		}
		n := int(instr.Arg)
		top, err := f.peek(2 * n)
		if err != nil {
			return Effect{}, err
		}
		d := NewDict()
		for i := 0; i < n; i++ {
			k, ok := top[2*i].(Str)
			if !ok {
				return Effect{}, fmt.Errorf("%w: non-string dict key %s", ErrTypeMismatch, top[2*i].Repr())
			}
			d.Items[string(k)] = top[2*i+1]
		}
		f.replace(2*n, d)
		return advanced, nil

	case "BUILD_CONST_KEY_MAP":
		n := int(instr.Arg)
		top, err := f.peek(n + 1)
		if err != nil {
			return Effect{}, err
		}
		keys, ok := top[n].(*Tuple)
		if !ok || len(keys.Items) != n {
			return Effect{}, fmt.Errorf("%w: BUILD_CONST_KEY_MAP keys", ErrTypeMismatch)
		}
		d := NewDict()
		for i := 0; i < n; i++ {
			k, ok := keys.Items[i].(Str)
			if !ok {
				return Effect{}, fmt.Errorf("%w: non-string dict key %s", ErrTypeMismatch, keys.Items[i].Repr())
			}
			d.Items[string(k)] = top[i]
		}
		f.replace(n+1, d)
		return advanced, nil

	case "BUILD_STRING":
		n := int(instr.Arg)
		top, err := f.peek(n)
		if err != nil {
			return Effect{}, err
		}
		var sb strings.Builder
		for _, v := range top {
			s, ok := v.(Str)
			if !ok {
				return Effect{}, fmt.Errorf("%w: BUILD_STRING over %s", ErrTypeMismatch, v.Type())
			}
			sb.WriteString(string(s))
		}
		f.replace(n, Str(sb.String()))
		return advanced, nil

	case "FORMAT_VALUE":
		n := 1
		if instr.Arg&0x04 != 0 {
			n = 2 // format spec on top
		}
		top, err := f.peek(n)
		if err != nil {
			return Effect{}, err
		}
		v := top[0]
		var s string
		switch instr.Arg & 0x03 {
		case 2, 3:
			s = v.Repr()
		default:
			if str, ok := v.(Str); ok {
				s = string(str)
			} else {
				s = v.Repr()
			}
		}
		f.replace(n, Str(s))
		return advanced, nil

	case "LIST_APPEND":
		n := int(instr.Arg) + 1
		top, err := f.peek(n)
		if err != nil {
			return Effect{}, err
		}
		l, ok := top[0].(*List)
		if !ok {
			return Effect{}, fmt.Errorf("%w: LIST_APPEND to %s", ErrTypeMismatch, top[0].Type())
		}
		l.Items = append(l.Items, top[n-1])
		f.replace(1)
		return advanced, nil

	case "SET_ADD":
		n := int(instr.Arg) + 1
		top, err := f.peek(n)
		if err != nil {
			return Effect{}, err
		}
		l, ok := top[0].(*List)
		if !ok {
			return Effect{}, fmt.Errorf("%w: SET_ADD to %s", ErrTypeMismatch, top[0].Type())
		}
		l.Items = append(l.Items, top[n-1])
		f.replace(1)
		return advanced, nil

	case "MAP_ADD":
		n := int(instr.Arg) + 2
		top, err := f.peek(n)
		if err != nil {
			return Effect{}, err
		}
		d, ok := top[0].(*Dict)
		if !ok {
			return Effect{}, fmt.Errorf("%w: MAP_ADD to %s", ErrTypeMismatch, top[0].Type())
		}
		k, ok := top[n-2].(Str)
		if !ok {
			return Effect{}, fmt.Errorf("%w: non-string dict key %s", ErrTypeMismatch, top[n-2].Repr())
		}
		d.Items[string(k)] = top[n-1]
		f.replace(2)
		return advanced, nil

	case "UNPACK_SEQUENCE":
		top, err := f.peek(1)
		if err != nil {
			return Effect{}, err
		}
		items, err := sequenceItems(top[0])
		if err != nil {
			return Effect{}, err
		}
		if len(items) != int(instr.Arg) {
			return Effect{}, fmt.Errorf("%w: expected %d values, got %d", ErrTypeMismatch, instr.Arg, len(items))
		}
		f.replace(1, items...)
		return advanced, nil

	case "BINARY_SUBSCR":
		top, err := f.peek(2)
		if err != nil {
			return Effect{}, err
		}
		r, err := subscript(top[0], top[1])
		if err != nil {
			return Effect{}, err
		}
		f.replace(2, r)
		return advanced, nil

	case "STORE_SUBSCR":
		top, err := f.peek(3)
		if err != nil {
			return Effect{}, err
		}
		if err := storeSubscript(top[1], top[2], top[0]); err != nil {
			return Effect{}, err
		}
		f.replace(3)
		return advanced, nil

	case "DELETE_SUBSCR":
		top, err := f.peek(2)
		if err != nil {
			return Effect{}, err
		}
		if err := deleteSubscript(top[0], top[1]); err != nil {
			return Effect{}, err
		}
		f.replace(2)
		return advanced, nil

	// ------------------------------------------------------------------
	// Jumps and blocks
	// ------------------------------------------------------------------
	case "JUMP_FORWARD":
		f.IP = relTarget(f, instr)
		return advanced, nil

	case "JUMP_ABSOLUTE", "CONTINUE_LOOP":
		f.IP = absTarget(f, instr)
		return advanced, nil

	case "POP_JUMP_IF_FALSE", "POP_JUMP_IF_TRUE":
		v, err := f.Pop()
		if err != nil {
			return Effect{}, err
		}
		if v.Truthy() == (info.Name == "POP_JUMP_IF_TRUE") {
			f.IP = absTarget(f, instr)
		}
		return advanced, nil

	case "JUMP_IF_FALSE_OR_POP", "JUMP_IF_TRUE_OR_POP":
		v, err := f.Top()
		if err != nil {
			return Effect{}, err
		}
		if v.Truthy() == (info.Name == "JUMP_IF_TRUE_OR_POP") {
			f.IP = absTarget(f, instr)
		} else {
			f.replace(1)
		}
		return advanced, nil

	case "GET_ITER":
		top, err := f.peek(1)
		if err != nil {
			return Effect{}, err
		}
		items, err := sequenceItems(top[0])
		if err != nil {
			return Effect{}, err
		}
		f.replace(1, &Iterator{Items: items})
		return advanced, nil

	case "FOR_ITER":
		top, err := f.peek(1)
		if err != nil {
			return Effect{}, err
		}
		it, ok := top[0].(*Iterator)
		if !ok {
			return Effect{}, fmt.Errorf("%w: FOR_ITER over %s", ErrTypeMismatch, top[0].Type())
		}
		if it.Pos >= len(it.Items) {
			f.replace(1)
			f.IP = relTarget(f, instr)
			return advanced, nil
		}
		v := it.Items[it.Pos]
		it.Pos++
		f.Push(v)
		return advanced, nil

	case "SETUP_LOOP":
		f.pushBlock(blockLoop, relTarget(f, instr))
		return advanced, nil

	case "SETUP_EXCEPT":
		f.pushBlock(blockExcept, relTarget(f, instr))
		return advanced, nil

	case "SETUP_FINALLY":
		f.pushBlock(blockFinally, relTarget(f, instr))
		return advanced, nil

	case "POP_BLOCK":
		if _, ok := f.popBlock(); !ok {
			return Effect{}, fmt.Errorf("%w: POP_BLOCK with empty block stack", ErrUnsupported)
		}
		return advanced, nil

	case "BREAK_LOOP":
		for {
			b, ok := f.popBlock()
			if !ok {
				return Effect{}, fmt.Errorf("%w: BREAK_LOOP outside loop", ErrUnsupported)
			}
			if b.kind == blockLoop {
				f.Stack = f.Stack[:b.depth]
				f.IP = b.handler
				return advanced, nil
			}
		}

	// ------------------------------------------------------------------
	// Functions, calls and returns
	// ------------------------------------------------------------------
	case "MAKE_FUNCTION", "MAKE_CLOSURE":
		return makeFunction(instr, f)

	case "CALL_FUNCTION", "CALL_METHOD":
		return callFunction(instr, f, table)

	case "CALL_FUNCTION_KW":
		return callFunctionKw(instr, f)

	case "RETURN_VALUE":
		v, err := f.Pop()
		if err != nil {
			return Effect{}, err
		}
		return Effect{Kind: EffectReturned, Value: v}, nil

	case "RAISE_VARARGS":
		n := int(instr.Arg)
		top, err := f.peek(n)
		if err != nil {
			return Effect{}, err
		}
		msg := "no active exception"
		if n > 0 {
			msg = top[0].Repr()
		}
		return Effect{}, fmt.Errorf("%w: %s", ErrRaised, msg)

	case "LOAD_ASSERTION_ERROR":
		f.Push(Str("AssertionError"))
		return advanced, nil

	// ------------------------------------------------------------------
	// Host interaction
	// ------------------------------------------------------------------
	case "PRINT_EXPR":
		v, err := f.Pop()
		if err != nil {
			return Effect{}, err
		}
		if _, isNone := v.(noneValue); !isNone {
			fmt.Fprintln(out, v.Repr())
		}
		return advanced, nil
	}

	return Effect{}, fmt.Errorf("%w: %s", ErrUnsupported, info.Name)
}

// ---------------------------------------------------------------------------
// Jump target arithmetic
// ---------------------------------------------------------------------------

// jumpScale is the multiplier from a jump argument to a byte offset. Recent
// fixed-width encodings count two-byte instruction slots instead of bytes.
func jumpScale(v Version) int64 {
	if v.AtLeast(JumpByOffset) {
		return 2
	}
	return 1
}

func relTarget(f *Frame, instr Instruction) uint32 {
	return instr.End() + uint32(instr.Arg*jumpScale(f.Code.Version))
}

func absTarget(f *Frame, instr Instruction) uint32 {
	return uint32(instr.Arg * jumpScale(f.Code.Version))
}

// ---------------------------------------------------------------------------
// Operand helpers
// ---------------------------------------------------------------------------

func constAt(code *CodeUnit, idx int64) (Value, error) {
	if idx < 0 || idx >= int64(len(code.Constants)) {
		return nil, fmt.Errorf("%w: constant %d of %d", ErrIndexRange, idx, len(code.Constants))
	}
	return code.Constants[idx], nil
}

func nameAt(code *CodeUnit, idx int64) (string, error) {
	if idx < 0 || idx >= int64(len(code.Names)) {
		return "", fmt.Errorf("%w: name %d of %d", ErrIndexRange, idx, len(code.Names))
	}
	return code.Names[idx], nil
}

func varnameAt(code *CodeUnit, idx int64) (string, error) {
	if idx < 0 || idx >= int64(len(code.Varnames)) {
		return "", fmt.Errorf("%w: varname %d of %d", ErrIndexRange, idx, len(code.Varnames))
	}
	return code.Varnames[idx], nil
}

// freeNameAt indexes the combined cellvars+freevars list, matching how
// LOAD_DEREF arguments are numbered.
func freeNameAt(code *CodeUnit, idx int64) (string, error) {
	if idx >= 0 && idx < int64(len(code.Cellvars)) {
		return code.Cellvars[idx], nil
	}
	idx -= int64(len(code.Cellvars))
	if idx >= 0 && idx < int64(len(code.Freevars)) {
		return code.Freevars[idx], nil
	}
	return "", fmt.Errorf("%w: free variable %d", ErrIndexRange, idx)
}

func sequenceItems(v Value) ([]Value, error) {
	switch x := v.(type) {
	case *Tuple:
		return x.Items, nil
	case *List:
		return x.Items, nil
	case Str:
		items := make([]Value, 0, len(x))
		for _, r := range string(x) {
			items = append(items, Str(string(r)))
		}
		return items, nil
	case *Iterator:
		return x.Items[x.Pos:], nil
	}
	return nil, fmt.Errorf("%w: %s is not iterable", ErrTypeMismatch, v.Type())
}

func subscript(container, key Value) (Value, error) {
	switch c := container.(type) {
	case *List:
		return indexInto(c.Items, key)
	case *Tuple:
		return indexInto(c.Items, key)
	case Str:
		items, _ := sequenceItems(c)
		return indexInto(items, key)
	case Bytes:
		i, ok := asInt(key)
		if !ok {
			return nil, fmt.Errorf("%w: bytes index must be int", ErrTypeMismatch)
		}
		if i < 0 {
			i += int64(len(c))
		}
		if i < 0 || i >= int64(len(c)) {
			return nil, ErrIndexRange
		}
		return Int(c[i]), nil
	case *Dict:
		k, ok := key.(Str)
		if !ok {
			return nil, fmt.Errorf("%w: dict key must be str", ErrTypeMismatch)
		}
		v, ok := c.Items[string(k)]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrKeyMissing, k.Repr())
		}
		return v, nil
	}
	return nil, fmt.Errorf("%w: %s is not subscriptable", ErrTypeMismatch, container.Type())
}

func indexInto(items []Value, key Value) (Value, error) {
	i, ok := asInt(key)
	if !ok {
		return nil, fmt.Errorf("%w: index must be int", ErrTypeMismatch)
	}
	if i < 0 {
		i += int64(len(items))
	}
	if i < 0 || i >= int64(len(items)) {
		return nil, ErrIndexRange
	}
	return items[i], nil
}

func storeSubscript(container, key, value Value) error {
	switch c := container.(type) {
	case *List:
		i, ok := asInt(key)
		if !ok {
			return fmt.Errorf("%w: index must be int", ErrTypeMismatch)
		}
		if i < 0 {
			i += int64(len(c.Items))
		}
		if i < 0 || i >= int64(len(c.Items)) {
			return ErrIndexRange
		}
		c.Items[i] = value
		return nil
	case *Dict:
		k, ok := key.(Str)
		if !ok {
			return fmt.Errorf("%w: dict key must be str", ErrTypeMismatch)
		}
		c.Items[string(k)] = value
		return nil
	}
	return fmt.Errorf("%w: %s does not support item assignment", ErrTypeMismatch, container.Type())
}

func deleteSubscript(container, key Value) error {
	switch c := container.(type) {
	case *List:
		i, ok := asInt(key)
		if !ok {
			return fmt.Errorf("%w: index must be int", ErrTypeMismatch)
		}
		if i < 0 {
			i += int64(len(c.Items))
		}
		if i < 0 || i >= int64(len(c.Items)) {
			return ErrIndexRange
		}
		c.Items = append(c.Items[:i], c.Items[i+1:]...)
		return nil
	case *Dict:
		k, ok := key.(Str)
		if !ok {
			return fmt.Errorf("%w: dict key must be str", ErrTypeMismatch)
		}
		if _, exists := c.Items[string(k)]; !exists {
			return fmt.Errorf("%w: %s", ErrKeyMissing, k.Repr())
		}
		delete(c.Items, string(k))
		return nil
	}
	return fmt.Errorf("%w: %s does not support item deletion", ErrTypeMismatch, container.Type())
}

// ---------------------------------------------------------------------------
// Arithmetic
// ---------------------------------------------------------------------------

func unaryOp(name string, v Value) (Value, error) {
	switch name {
	case "UNARY_NOT":
		return Bool(!v.Truthy()), nil
	case "UNARY_POSITIVE":
		if _, ok := asFloat(v); ok {
			return v, nil
		}
	case "UNARY_NEGATIVE":
		if i, ok := asInt(v); ok {
			return Int(-i), nil
		}
		if x, ok := v.(Float); ok {
			return Float(-x), nil
		}
	case "UNARY_INVERT":
		if i, ok := asInt(v); ok {
			return Int(^i), nil
		}
	}
	return nil, fmt.Errorf("%w: %s on %s", ErrTypeMismatch, name, v.Type())
}

func binaryOp(name string, a, b Value) (Value, error) {
	switch name {
	case "ADD":
		if r, ok := concat(a, b); ok {
			return r, nil
		}
	case "MULTIPLY":
		if r, ok := repeat(a, b); ok {
			return r, nil
		}
		if r, ok := repeat(b, a); ok {
			return r, nil
		}
	}

	ia, intA := asInt(a)
	ib, intB := asInt(b)
	if intA && intB {
		if r, handled, err := intBinaryOp(name, ia, ib); handled {
			return r, err
		}
	}

	fa, okA := asFloat(a)
	fb, okB := asFloat(b)
	if !okA || !okB {
		return nil, fmt.Errorf("%w: %s between %s and %s", ErrTypeMismatch, name, a.Type(), b.Type())
	}
	switch name {
	case "ADD":
		return Float(fa + fb), nil
	case "SUBTRACT":
		return Float(fa - fb), nil
	case "MULTIPLY":
		return Float(fa * fb), nil
	case "TRUE_DIVIDE":
		if fb == 0 {
			return nil, ErrZeroDivision
		}
		return Float(fa / fb), nil
	case "FLOOR_DIVIDE":
		if fb == 0 {
			return nil, ErrZeroDivision
		}
		return Float(math.Floor(fa / fb)), nil
	case "MODULO":
		if fb == 0 {
			return nil, ErrZeroDivision
		}
		return Float(pythonMod(fa, fb)), nil
	case "POWER":
		return Float(math.Pow(fa, fb)), nil
	}
	return nil, fmt.Errorf("%w: %s between %s and %s", ErrTypeMismatch, name, a.Type(), b.Type())
}

func intBinaryOp(name string, a, b int64) (Value, bool, error) {
	switch name {
	case "ADD":
		return Int(a + b), true, nil
	case "SUBTRACT":
		return Int(a - b), true, nil
	case "MULTIPLY":
		return Int(a * b), true, nil
	case "FLOOR_DIVIDE":
		if b == 0 {
			return nil, true, ErrZeroDivision
		}
		q := a / b
		if (a%b != 0) && ((a < 0) != (b < 0)) {
			q--
		}
		return Int(q), true, nil
	case "MODULO":
		if b == 0 {
			return nil, true, ErrZeroDivision
		}
		r := a % b
		if r != 0 && ((a < 0) != (b < 0)) {
			r += b
		}
		return Int(r), true, nil
	case "POWER":
		if b >= 0 {
			r := int64(1)
			for i := int64(0); i < b; i++ {
				r *= a
			}
			return Int(r), true, nil
		}
	case "LSHIFT":
		return Int(a << uint(b)), true, nil
	case "RSHIFT":
		return Int(a >> uint(b)), true, nil
	case "AND":
		return Int(a & b), true, nil
	case "OR":
		return Int(a | b), true, nil
	case "XOR":
		return Int(a ^ b), true, nil
	}
	return nil, false, nil
}

// pythonMod matches Python %: the result takes the sign of the divisor.
func pythonMod(a, b float64) float64 {
	r := math.Mod(a, b)
	if r != 0 && (r < 0) != (b < 0) {
		r += b
	}
	return r
}

func concat(a, b Value) (Value, bool) {
	switch x := a.(type) {
	case Str:
		if y, ok := b.(Str); ok {
			return x + y, true
		}
	case Bytes:
		if y, ok := b.(Bytes); ok {
			return append(append(Bytes{}, x...), y...), true
		}
	case *List:
		if y, ok := b.(*List); ok {
			return &List{Items: append(append([]Value{}, x.Items...), y.Items...)}, true
		}
	case *Tuple:
		if y, ok := b.(*Tuple); ok {
			return &Tuple{Items: append(append([]Value{}, x.Items...), y.Items...)}, true
		}
	}
	return nil, false
}

func repeat(seq, count Value) (Value, bool) {
	n, ok := count.(Int)
	if !ok || n < 0 {
		if !ok {
			return nil, false
		}
		n = 0
	}
	switch x := seq.(type) {
	case Str:
		return Str(strings.Repeat(string(x), int(n))), true
	case *List:
		items := make([]Value, 0, int(n)*len(x.Items))
		for i := Int(0); i < n; i++ {
			items = append(items, x.Items...)
		}
		return &List{Items: items}, true
	case *Tuple:
		items := make([]Value, 0, int(n)*len(x.Items))
		for i := Int(0); i < n; i++ {
			items = append(items, x.Items...)
		}
		return &Tuple{Items: items}, true
	}
	return nil, false
}

func compareOp(name string, a, b Value) (Value, error) {
	switch name {
	case "==":
		return Bool(Equal(a, b)), nil
	case "!=":
		return Bool(!Equal(a, b)), nil
	case "is":
		return Bool(a == b || Equal(a, b) && a.Type() == b.Type()), nil
	case "is not":
		v, _ := compareOp("is", a, b)
		return Bool(!v.Truthy()), nil
	case "in", "not in":
		found, err := contains(b, a)
		if err != nil {
			return nil, err
		}
		if name == "not in" {
			found = !found
		}
		return Bool(found), nil
	case "<", "<=", ">", ">=":
		c, err := Compare(a, b)
		if err != nil {
			return nil, err
		}
		switch name {
		case "<":
			return Bool(c < 0), nil
		case "<=":
			return Bool(c <= 0), nil
		case ">":
			return Bool(c > 0), nil
		default:
			return Bool(c >= 0), nil
		}
	}
	return nil, fmt.Errorf("%w: comparison %q", ErrUnsupported, name)
}

func contains(container, needle Value) (bool, error) {
	switch c := container.(type) {
	case *List:
		for _, v := range c.Items {
			if Equal(v, needle) {
				return true, nil
			}
		}
		return false, nil
	case *Tuple:
		for _, v := range c.Items {
			if Equal(v, needle) {
				return true, nil
			}
		}
		return false, nil
	case Str:
		n, ok := needle.(Str)
		if !ok {
			return false, fmt.Errorf("%w: 'in <str>' needs str", ErrTypeMismatch)
		}
		return strings.Contains(string(c), string(n)), nil
	case *Dict:
		k, ok := needle.(Str)
		if !ok {
			return false, nil
		}
		_, found := c.Items[string(k)]
		return found, nil
	}
	return false, fmt.Errorf("%w: %s is not a container", ErrTypeMismatch, container.Type())
}

// ---------------------------------------------------------------------------
// Function construction and invocation
// ---------------------------------------------------------------------------

// makeFunction handles MAKE_FUNCTION with flag-style arguments: bit 0 pulls a
// defaults tuple, bit 1 a kwdefaults dict, bit 2 annotations, bit 3 a closure
// tuple. The stack holds those extras below the code object and its name.
func makeFunction(instr Instruction, f *Frame) (Effect, error) {
	n := 2 // code object + qualified name
	for bit := int64(0); bit < 4; bit++ {
		if instr.Arg&(1<<bit) != 0 {
			n++
		}
	}
	top, err := f.peek(n)
	if err != nil {
		return Effect{}, err
	}

	name, ok := top[n-1].(Str)
	if !ok {
		return Effect{}, fmt.Errorf("%w: function name must be str", ErrTypeMismatch)
	}
	code, ok := top[n-2].(*CodeUnit)
	if !ok {
		return Effect{}, fmt.Errorf("%w: MAKE_FUNCTION without code object", ErrTypeMismatch)
	}

	fn := &Function{Name: string(name), Code: code}
	idx := 0
	if instr.Arg&0x01 != 0 {
		t, ok := top[idx].(*Tuple)
		if !ok {
			return Effect{}, fmt.Errorf("%w: defaults must be tuple", ErrTypeMismatch)
		}
		fn.Defaults = t.Items
		idx++
	}
	if instr.Arg&0x02 != 0 {
		d, ok := top[idx].(*Dict)
		if !ok {
			return Effect{}, fmt.Errorf("%w: kwdefaults must be dict", ErrTypeMismatch)
		}
		fn.KwDefaults = d
		idx++
	}
	if instr.Arg&0x04 != 0 {
		fn.Annotations = top[idx]
		idx++
	}
	// Closure cells (bit 3) carry no state in this model; names resolve
	// through the locals map instead.

	f.replace(n, fn)
	return advanced, nil
}

// callFunction handles CALL_FUNCTION and CALL_METHOD. Legacy encodings pack
// keyword-pair count into the high argument byte; fixed-width ones pass only
// the positional count.
func callFunction(instr Instruction, f *Frame, table *OpcodeTable) (Effect, error) {
	nPos := int(instr.Arg)
	nKw := 0
	if !table.FixedWidth {
		nPos = int(instr.Arg & 0xFF)
		nKw = int(instr.Arg >> 8 & 0xFF)
	}
	n := 1 + nPos + 2*nKw
	top, err := f.peek(n)
	if err != nil {
		return Effect{}, err
	}

	callee := top[0]
	args := append([]Value(nil), top[1:1+nPos]...)
	kwargs := make(map[string]Value, nKw)
	for i := 0; i < nKw; i++ {
		k, ok := top[1+nPos+2*i].(Str)
		if !ok {
			return Effect{}, fmt.Errorf("%w: keyword name must be str", ErrTypeMismatch)
		}
		kwargs[string(k)] = top[1+nPos+2*i+1]
	}
	return invoke(callee, args, kwargs, n, f)
}

// callFunctionKw handles CALL_FUNCTION_KW: the keyword-name tuple sits on top
// of the argument values.
func callFunctionKw(instr Instruction, f *Frame) (Effect, error) {
	nArgs := int(instr.Arg)
	n := 2 + nArgs
	top, err := f.peek(n)
	if err != nil {
		return Effect{}, err
	}
	names, ok := top[n-1].(*Tuple)
	if !ok {
		return Effect{}, fmt.Errorf("%w: CALL_FUNCTION_KW without name tuple", ErrTypeMismatch)
	}
	nKw := len(names.Items)
	if nKw > nArgs {
		return Effect{}, fmt.Errorf("%w: more keyword names than arguments", ErrTypeMismatch)
	}
	nPos := nArgs - nKw

	callee := top[0]
	args := append([]Value(nil), top[1:1+nPos]...)
	kwargs := make(map[string]Value, nKw)
	for i := 0; i < nKw; i++ {
		k, ok := names.Items[i].(Str)
		if !ok {
			return Effect{}, fmt.Errorf("%w: keyword name must be str", ErrTypeMismatch)
		}
		kwargs[string(k)] = top[1+nPos+i]
	}
	return invoke(callee, args, kwargs, n, f)
}

// invoke dispatches a call. Builtins run inline and push their result;
// user functions produce a callee frame for the controller to push.
func invoke(callee Value, args []Value, kwargs map[string]Value, popped int, f *Frame) (Effect, error) {
	switch fn := callee.(type) {
	case *Builtin:
		r, err := fn.Fn(args)
		if err != nil {
			return Effect{}, fmt.Errorf("%s: %w", fn.Name, err)
		}
		if r == nil {
			r = None
		}
		f.replace(popped, r)
		return advanced, nil

	case *Function:
		child, err := frameForCall(fn, args, kwargs, f)
		if err != nil {
			return Effect{}, err
		}
		f.replace(popped)
		return Effect{Kind: EffectCalled, Frame: child}, nil
	}
	return Effect{}, fmt.Errorf("%w: %s", ErrNotCallable, callee.Type())
}

// frameForCall binds arguments to parameters and builds the callee frame.
// The callee shares the caller's globals and builtins; defaults fill
// trailing unbound parameters.
func frameForCall(fn *Function, args []Value, kwargs map[string]Value, caller *Frame) (*Frame, error) {
	code := fn.Code
	if len(args) > code.ArgCount {
		return nil, fmt.Errorf("%w: %s takes %d arguments, got %d",
			ErrTypeMismatch, fn.Name, code.ArgCount, len(args))
	}

	locals := make(map[string]Value, code.ArgCount)
	for i, v := range args {
		locals[code.Varnames[i]] = v
	}
	for k, v := range kwargs {
		if _, dup := locals[k]; dup {
			return nil, fmt.Errorf("%w: duplicate argument %q to %s", ErrTypeMismatch, k, fn.Name)
		}
		locals[k] = v
	}

	// Trailing defaults align with the last positional parameters.
	firstDefault := code.ArgCount - len(fn.Defaults)
	for i, dv := range fn.Defaults {
		name := code.Varnames[firstDefault+i]
		if _, bound := locals[name]; !bound {
			locals[name] = dv
		}
	}
	if fn.KwDefaults != nil {
		for k, v := range fn.KwDefaults.Items {
			if _, bound := locals[k]; !bound {
				locals[k] = v
			}
		}
	}

	for i := 0; i < code.ArgCount+code.KwOnlyArgCount && i < len(code.Varnames); i++ {
		if _, bound := locals[code.Varnames[i]]; !bound {
			return nil, fmt.Errorf("%w: %s missing argument %q", ErrTypeMismatch, fn.Name, code.Varnames[i])
		}
	}

	return NewFrame(code, locals, caller.Globals, caller.Builtins), nil
}
