package vm

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// ---------------------------------------------------------------------------
// Session snapshots
// ---------------------------------------------------------------------------

// cborEncMode uses canonical mode so identical sessions encode to identical
// bytes.
var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("vm: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

type valueKind uint8

const (
	wireNone valueKind = iota
	wireBool
	wireInt
	wireFloat
	wireStr
	wireBytes
	wireTuple
	wireList
	wireDict
	wireCodeVal
	wireFunction
	wireBuiltin
	wireIterator
)

// wireValue is the tagged encoding of one Value. Builtins travel by name
// only and are rebound from the registry on decode.
type wireValue struct {
	Kind  valueKind            `cbor:"1,keyasint"`
	Bool  bool                 `cbor:"2,keyasint,omitempty"`
	Int   int64                `cbor:"3,keyasint,omitempty"`
	Float float64              `cbor:"4,keyasint,omitempty"`
	Str   string               `cbor:"5,keyasint,omitempty"`
	Bytes []byte               `cbor:"6,keyasint,omitempty"`
	Items []wireValue          `cbor:"7,keyasint,omitempty"`
	Map   map[string]wireValue `cbor:"8,keyasint,omitempty"`
	Code  *wireCode            `cbor:"9,keyasint,omitempty"`
	Name  string               `cbor:"10,keyasint,omitempty"`
	Pos   int                  `cbor:"11,keyasint,omitempty"`
}

type wireCode struct {
	Name         string      `cbor:"1,keyasint"`
	Filename     string      `cbor:"2,keyasint,omitempty"`
	FirstLineno  int         `cbor:"3,keyasint,omitempty"`
	ArgCount     int         `cbor:"4,keyasint,omitempty"`
	PosOnlyCount int         `cbor:"5,keyasint,omitempty"`
	KwOnlyCount  int         `cbor:"6,keyasint,omitempty"`
	NLocals      int         `cbor:"7,keyasint,omitempty"`
	StackSize    int         `cbor:"8,keyasint,omitempty"`
	Flags        uint32      `cbor:"9,keyasint,omitempty"`
	Instructions []byte      `cbor:"10,keyasint"`
	Constants    []wireValue `cbor:"11,keyasint,omitempty"`
	Names        []string    `cbor:"12,keyasint,omitempty"`
	Varnames     []string    `cbor:"13,keyasint,omitempty"`
	Freevars     []string    `cbor:"14,keyasint,omitempty"`
	Cellvars     []string    `cbor:"15,keyasint,omitempty"`
	Version      wireVersion `cbor:"16,keyasint"`
}

type wireVersion struct {
	Major  int    `cbor:"1,keyasint"`
	Minor  int    `cbor:"2,keyasint"`
	Micro  int    `cbor:"3,keyasint,omitempty"`
	Level  string `cbor:"4,keyasint,omitempty"`
	Serial int    `cbor:"5,keyasint,omitempty"`
}

type wireFrame struct {
	Code    *wireCode            `cbor:"1,keyasint"`
	IP      uint32               `cbor:"2,keyasint,omitempty"`
	Stack   []wireValue          `cbor:"3,keyasint,omitempty"`
	Locals  map[string]wireValue `cbor:"4,keyasint,omitempty"`
	Globals map[string]wireValue `cbor:"5,keyasint,omitempty"`
}

type wireBreakpoint struct {
	Offset    uint32 `cbor:"1,keyasint"`
	Condition string `cbor:"2,keyasint,omitempty"`
	Enabled   bool   `cbor:"3,keyasint"`
}

type wireAllowRule struct {
	Op        byte   `cbor:"1,keyasint"`
	Condition string `cbor:"2,keyasint,omitempty"`
}

type wireSnapshot struct {
	Frames      []wireFrame      `cbor:"1,keyasint"`
	Counter     uint64           `cbor:"2,keyasint,omitempty"`
	Halted      bool             `cbor:"3,keyasint,omitempty"`
	Breakpoints []wireBreakpoint `cbor:"4,keyasint,omitempty"`
	Allow       []wireAllowRule  `cbor:"5,keyasint,omitempty"`
}

// EncodeSnapshot serializes a session to canonical CBOR. Savepoints and the
// host collaborators (evaluator, stdout, tracer) are not part of the image.
func EncodeSnapshot(m *VM) ([]byte, error) {
	snap := wireSnapshot{
		Counter: m.Counter,
		Halted:  m.Halted,
	}
	for _, f := range m.Frames {
		wf := wireFrame{
			Code:    encodeCode(f.Code),
			IP:      f.IP,
			Stack:   encodeValues(f.Stack),
			Locals:  encodeScope(f.Locals),
			Globals: encodeScope(f.Globals),
		}
		snap.Frames = append(snap.Frames, wf)
	}
	for _, bp := range m.Breakpoints.List() {
		snap.Breakpoints = append(snap.Breakpoints, wireBreakpoint{
			Offset:    bp.Offset,
			Condition: bp.Condition,
			Enabled:   bp.Enabled,
		})
	}
	for _, rule := range m.Allow.List() {
		snap.Allow = append(snap.Allow, wireAllowRule{
			Op:        byte(rule.Op),
			Condition: rule.Condition,
		})
	}
	return cborEncMode.Marshal(&snap)
}

// DecodeSnapshot rebuilds a session from a snapshot image. The restored VM
// has no evaluator, stdout or tracer attached.
func DecodeSnapshot(data []byte) (*VM, error) {
	var snap wireSnapshot
	if err := cbor.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("vm: unmarshal snapshot: %w", err)
	}
	if len(snap.Frames) == 0 {
		return nil, fmt.Errorf("vm: snapshot has no frames")
	}

	m := &VM{
		Breakpoints: NewBreakpointTable(),
		Allow:       NewAllowTable(),
		Counter:     snap.Counter,
		Halted:      snap.Halted,
	}
	builtins := DefaultBuiltins()
	for _, wf := range snap.Frames {
		code, err := decodeCode(wf.Code)
		if err != nil {
			return nil, err
		}
		locals, err := decodeScope(wf.Locals)
		if err != nil {
			return nil, err
		}
		globals, err := decodeScope(wf.Globals)
		if err != nil {
			return nil, err
		}
		f := NewFrame(code, locals, globals, builtins)
		f.IP = wf.IP
		if f.Stack, err = decodeValues(wf.Stack); err != nil {
			return nil, err
		}
		m.Frames = append(m.Frames, f)
	}
	for _, bp := range snap.Breakpoints {
		installed := m.Breakpoints.Set(bp.Offset, bp.Condition)
		installed.Enabled = bp.Enabled
	}
	for _, rule := range snap.Allow {
		m.Allow.Allow(Opcode(rule.Op), rule.Condition)
	}
	return m, nil
}

// ---------------------------------------------------------------------------
// Value encoding
// ---------------------------------------------------------------------------

func encodeValue(v Value) wireValue {
	switch x := v.(type) {
	case noneValue:
		return wireValue{Kind: wireNone}
	case Bool:
		return wireValue{Kind: wireBool, Bool: bool(x)}
	case Int:
		return wireValue{Kind: wireInt, Int: int64(x)}
	case Float:
		return wireValue{Kind: wireFloat, Float: float64(x)}
	case Str:
		return wireValue{Kind: wireStr, Str: string(x)}
	case Bytes:
		return wireValue{Kind: wireBytes, Bytes: []byte(x)}
	case *Tuple:
		return wireValue{Kind: wireTuple, Items: encodeValues(x.Items)}
	case *List:
		return wireValue{Kind: wireList, Items: encodeValues(x.Items)}
	case *Dict:
		return wireValue{Kind: wireDict, Map: encodeScope(x.Items)}
	case *CodeUnit:
		return wireValue{Kind: wireCodeVal, Code: encodeCode(x)}
	case *Function:
		wv := wireValue{
			Kind:  wireFunction,
			Name:  x.Name,
			Code:  encodeCode(x.Code),
			Items: encodeValues(x.Defaults),
		}
		if x.KwDefaults != nil {
			wv.Map = encodeScope(x.KwDefaults.Items)
		}
		return wv
	case *Builtin:
		return wireValue{Kind: wireBuiltin, Name: x.Name}
	case *Iterator:
		return wireValue{Kind: wireIterator, Items: encodeValues(x.Items), Pos: x.Pos}
	}
	// Unknown values degrade to their repr.
	return wireValue{Kind: wireStr, Str: v.Repr()}
}

func decodeValue(wv wireValue) (Value, error) {
	switch wv.Kind {
	case wireNone:
		return None, nil
	case wireBool:
		return Bool(wv.Bool), nil
	case wireInt:
		return Int(wv.Int), nil
	case wireFloat:
		return Float(wv.Float), nil
	case wireStr:
		return Str(wv.Str), nil
	case wireBytes:
		return Bytes(wv.Bytes), nil
	case wireTuple:
		items, err := decodeValues(wv.Items)
		if err != nil {
			return nil, err
		}
		return &Tuple{Items: items}, nil
	case wireList:
		items, err := decodeValues(wv.Items)
		if err != nil {
			return nil, err
		}
		return &List{Items: items}, nil
	case wireDict:
		items, err := decodeScope(wv.Map)
		if err != nil {
			return nil, err
		}
		return &Dict{Items: items}, nil
	case wireCodeVal:
		return decodeCode(wv.Code)
	case wireFunction:
		code, err := decodeCode(wv.Code)
		if err != nil {
			return nil, err
		}
		defaults, err := decodeValues(wv.Items)
		if err != nil {
			return nil, err
		}
		fn := &Function{Name: wv.Name, Code: code, Defaults: defaults}
		if len(wv.Map) > 0 {
			kw, err := decodeScope(wv.Map)
			if err != nil {
				return nil, err
			}
			fn.KwDefaults = &Dict{Items: kw}
		}
		return fn, nil
	case wireBuiltin:
		b, ok := BuiltinByName(wv.Name)
		if !ok {
			return nil, fmt.Errorf("vm: snapshot references unknown builtin %q", wv.Name)
		}
		return b, nil
	case wireIterator:
		items, err := decodeValues(wv.Items)
		if err != nil {
			return nil, err
		}
		return &Iterator{Items: items, Pos: wv.Pos}, nil
	}
	return nil, fmt.Errorf("vm: snapshot has unknown value kind %d", wv.Kind)
}

func encodeValues(vs []Value) []wireValue {
	if len(vs) == 0 {
		return nil
	}
	out := make([]wireValue, len(vs))
	for i, v := range vs {
		out[i] = encodeValue(v)
	}
	return out
}

func decodeValues(wvs []wireValue) ([]Value, error) {
	out := make([]Value, len(wvs))
	for i, wv := range wvs {
		v, err := decodeValue(wv)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func encodeScope(scope map[string]Value) map[string]wireValue {
	if len(scope) == 0 {
		return nil
	}
	out := make(map[string]wireValue, len(scope))
	for k, v := range scope {
		out[k] = encodeValue(v)
	}
	return out
}

func decodeScope(scope map[string]wireValue) (map[string]Value, error) {
	out := make(map[string]Value, len(scope))
	for k, wv := range scope {
		v, err := decodeValue(wv)
		if err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, nil
}

func encodeCode(c *CodeUnit) *wireCode {
	return &wireCode{
		Name:         c.Name,
		Filename:     c.Filename,
		FirstLineno:  c.FirstLineno,
		ArgCount:     c.ArgCount,
		PosOnlyCount: c.PosOnlyArgCount,
		KwOnlyCount:  c.KwOnlyArgCount,
		NLocals:      c.NLocals,
		StackSize:    c.StackSize,
		Flags:        uint32(c.Flags),
		Instructions: c.Instructions,
		Constants:    encodeValues(c.Constants),
		Names:        c.Names,
		Varnames:     c.Varnames,
		Freevars:     c.Freevars,
		Cellvars:     c.Cellvars,
		Version: wireVersion{
			Major:  c.Version.Major,
			Minor:  c.Version.Minor,
			Micro:  c.Version.Micro,
			Level:  c.Version.Level,
			Serial: c.Version.Serial,
		},
	}
}

func decodeCode(wc *wireCode) (*CodeUnit, error) {
	if wc == nil {
		return nil, fmt.Errorf("vm: snapshot frame without code")
	}
	constants, err := decodeValues(wc.Constants)
	if err != nil {
		return nil, err
	}
	return &CodeUnit{
		Name:            wc.Name,
		Filename:        wc.Filename,
		FirstLineno:     wc.FirstLineno,
		ArgCount:        wc.ArgCount,
		PosOnlyArgCount: wc.PosOnlyCount,
		KwOnlyArgCount:  wc.KwOnlyCount,
		NLocals:         wc.NLocals,
		StackSize:       wc.StackSize,
		Flags:           CompilerFlags(wc.Flags),
		Instructions:    wc.Instructions,
		Constants:       constants,
		Names:           wc.Names,
		Varnames:        wc.Varnames,
		Freevars:        wc.Freevars,
		Cellvars:        wc.Cellvars,
		Version: Version{
			Major:  wc.Version.Major,
			Minor:  wc.Version.Minor,
			Micro:  wc.Version.Micro,
			Level:  wc.Version.Level,
			Serial: wc.Version.Serial,
		},
	}, nil
}
