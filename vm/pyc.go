package vm

import (
	"encoding/binary"
	"fmt"
	"math"
)

// ---------------------------------------------------------------------------
// pyc loading
// ---------------------------------------------------------------------------

// Marshal type codes. The high bit is FLAG_REF: the decoded object gets an
// index in the reference table, which later 'r' entries point back into.
const (
	marshalFlagRef = 0x80

	typeNull       = '0'
	typeNone       = 'N'
	typeFalse      = 'F'
	typeTrue       = 'T'
	typeStopIter   = 'S'
	typeEllipsis   = '.'
	typeInt        = 'i'
	typeFloat      = 'g'
	typeComplex    = 'y'
	typeLong       = 'l'
	typeString     = 's'
	typeInterned   = 't'
	typeRef        = 'r'
	typeTuple      = '('
	typeList       = '['
	typeDict       = '{'
	typeSet        = '<'
	typeFrozenSet  = '>'
	typeCode       = 'c'
	typeUnicode    = 'u'
	typeAscii      = 'a'
	typeAsciiInt   = 'A'
	typeSmallTuple = ')'
	typeShortAscii = 'z'
	typeShortInt   = 'Z'
)

// ReadPyc parses a compiled .pyc file into its top-level code unit. The
// two-byte magic selects the encoding version; the rest of the header is
// skipped by scanning for the flagged code-object marker, which works for
// every header layout (mtime, source size, PEP 552 hashes).
func ReadPyc(data []byte) (*CodeUnit, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("%w: %d bytes", ErrBadMagic, len(data))
	}
	magic := binary.LittleEndian.Uint16(data)
	version, ok := VersionForMagic(magic)
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrBadMagic, magic)
	}
	if data[2] != '\r' || data[3] != '\n' {
		return nil, fmt.Errorf("%w: bad pyc header", ErrBadMagic)
	}

	// The top-level code object is always marshalled with FLAG_REF set.
	pos := 4
	for pos < len(data) && data[pos] != typeCode|marshalFlagRef {
		pos++
	}
	if pos == len(data) {
		return nil, fmt.Errorf("%w: no code object found", ErrBadMarshal)
	}

	r := &marshalReader{data: data, pos: pos, version: version}
	v, err := r.read()
	if err != nil {
		return nil, err
	}
	code, ok := v.(*CodeUnit)
	if !ok {
		return nil, fmt.Errorf("%w: top-level object is %s, not code", ErrBadMarshal, v.Type())
	}
	return code, nil
}

// marshalReader decodes CPython's marshal stream.
type marshalReader struct {
	data    []byte
	pos     int
	refs    []Value
	version Version
}

func (r *marshalReader) u8() (byte, error) {
	if r.pos >= len(r.data) {
		return 0, fmt.Errorf("%w: truncated at %d", ErrBadMarshal, r.pos)
	}
	b := r.data[r.pos]
	r.pos++
	return b, nil
}

func (r *marshalReader) u32() (uint32, error) {
	if r.pos+4 > len(r.data) {
		return 0, fmt.Errorf("%w: truncated at %d", ErrBadMarshal, r.pos)
	}
	v := binary.LittleEndian.Uint32(r.data[r.pos:])
	r.pos += 4
	return v, nil
}

func (r *marshalReader) bytes(n int) ([]byte, error) {
	if n < 0 || r.pos+n > len(r.data) {
		return nil, fmt.Errorf("%w: truncated at %d", ErrBadMarshal, r.pos)
	}
	b := r.data[r.pos : r.pos+n]
	r.pos += n
	return b, nil
}

// read decodes one object. Flagged objects reserve their reference slot
// before their body is parsed, matching marshal.c, so self-referencing
// containers resolve correctly.
func (r *marshalReader) read() (Value, error) {
	tb, err := r.u8()
	if err != nil {
		return nil, err
	}
	flagged := tb&marshalFlagRef != 0
	t := tb &^ marshalFlagRef

	refIdx := -1
	if flagged {
		refIdx = len(r.refs)
		r.refs = append(r.refs, nil)
	}
	keep := func(v Value) Value {
		if refIdx >= 0 {
			r.refs[refIdx] = v
		}
		return v
	}

	switch t {
	case typeNone:
		return keep(None), nil
	case typeTrue:
		return keep(True), nil
	case typeFalse:
		return keep(False), nil
	case typeEllipsis, typeStopIter:
		return keep(None), nil

	case typeInt:
		v, err := r.u32()
		if err != nil {
			return nil, err
		}
		return keep(Int(int32(v))), nil

	case typeLong:
		return r.readLong(keep)

	case typeFloat:
		raw, err := r.bytes(8)
		if err != nil {
			return nil, err
		}
		return keep(Float(math.Float64frombits(binary.LittleEndian.Uint64(raw)))), nil

	case typeComplex:
		if _, err := r.bytes(16); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: complex constants unsupported", ErrBadMarshal)

	case typeString:
		n, err := r.u32()
		if err != nil {
			return nil, err
		}
		raw, err := r.bytes(int(n))
		if err != nil {
			return nil, err
		}
		return keep(Bytes(append([]byte(nil), raw...))), nil

	case typeInterned, typeUnicode, typeAscii, typeAsciiInt:
		n, err := r.u32()
		if err != nil {
			return nil, err
		}
		raw, err := r.bytes(int(n))
		if err != nil {
			return nil, err
		}
		return keep(Str(raw)), nil

	case typeShortAscii, typeShortInt:
		n, err := r.u8()
		if err != nil {
			return nil, err
		}
		raw, err := r.bytes(int(n))
		if err != nil {
			return nil, err
		}
		return keep(Str(raw)), nil

	case typeSmallTuple:
		n, err := r.u8()
		if err != nil {
			return nil, err
		}
		return r.readTuple(int(n), keep)

	case typeTuple:
		n, err := r.u32()
		if err != nil {
			return nil, err
		}
		return r.readTuple(int(n), keep)

	case typeList:
		n, err := r.u32()
		if err != nil {
			return nil, err
		}
		l := &List{Items: make([]Value, 0, n)}
		keep(l)
		for i := 0; i < int(n); i++ {
			v, err := r.read()
			if err != nil {
				return nil, err
			}
			l.Items = append(l.Items, v)
		}
		return l, nil

	case typeSet, typeFrozenSet:
		n, err := r.u32()
		if err != nil {
			return nil, err
		}
		l := &List{Items: make([]Value, 0, n)}
		keep(l)
		for i := 0; i < int(n); i++ {
			v, err := r.read()
			if err != nil {
				return nil, err
			}
			l.Items = append(l.Items, v)
		}
		return l, nil

	case typeDict:
		d := NewDict()
		keep(d)
		for {
			k, err := r.read()
			if err != nil {
				return nil, err
			}
			if k == nil {
				return d, nil
			}
			v, err := r.read()
			if err != nil {
				return nil, err
			}
			ks, ok := k.(Str)
			if !ok {
				return nil, fmt.Errorf("%w: non-string dict key", ErrBadMarshal)
			}
			d.Items[string(ks)] = v
		}

	case typeNull:
		return nil, nil

	case typeRef:
		idx, err := r.u32()
		if err != nil {
			return nil, err
		}
		if int(idx) >= len(r.refs) || r.refs[idx] == nil {
			return nil, fmt.Errorf("%w: dangling reference %d", ErrBadMarshal, idx)
		}
		return r.refs[idx], nil

	case typeCode:
		return r.readCode(keep)
	}
	return nil, fmt.Errorf("%w: unexpected type byte 0x%02x at %d", ErrBadMarshal, tb, r.pos-1)
}

func (r *marshalReader) readTuple(n int, keep func(Value) Value) (Value, error) {
	t := &Tuple{Items: make([]Value, 0, n)}
	keep(t)
	for i := 0; i < n; i++ {
		v, err := r.read()
		if err != nil {
			return nil, err
		}
		t.Items = append(t.Items, v)
	}
	return t, nil
}

// readLong decodes marshal's arbitrary-precision format: a signed digit
// count, then 15-bit little-endian digits. Values beyond int64 fail rather
// than wrap.
func (r *marshalReader) readLong(keep func(Value) Value) (Value, error) {
	n, err := r.u32()
	if err != nil {
		return nil, err
	}
	count := int(int32(n))
	neg := count < 0
	if neg {
		count = -count
	}
	var v int64
	for i := 0; i < count; i++ {
		if r.pos+2 > len(r.data) {
			return nil, fmt.Errorf("%w: truncated long", ErrBadMarshal)
		}
		digit := int64(binary.LittleEndian.Uint16(r.data[r.pos:]))
		r.pos += 2
		if i*15 >= 63 {
			return nil, fmt.Errorf("%w: long constant exceeds 64 bits", ErrBadMarshal)
		}
		v |= digit << (i * 15)
	}
	if neg {
		v = -v
	}
	return keep(Int(v)), nil
}

// readCode decodes a code object. Field order follows CPython's marshal
// through 3.10; posonlyargcount only exists from 3.8.
func (r *marshalReader) readCode(keep func(Value) Value) (Value, error) {
	unit := &CodeUnit{Version: r.version}
	keep(unit)

	argcount, err := r.u32()
	if err != nil {
		return nil, err
	}
	unit.ArgCount = int(argcount)

	if !r.version.Less(PositionalOnlyParams) {
		posonly, err := r.u32()
		if err != nil {
			return nil, err
		}
		unit.PosOnlyArgCount = int(posonly)
	}

	kwonly, err := r.u32()
	if err != nil {
		return nil, err
	}
	unit.KwOnlyArgCount = int(kwonly)

	nlocals, err := r.u32()
	if err != nil {
		return nil, err
	}
	unit.NLocals = int(nlocals)

	stacksize, err := r.u32()
	if err != nil {
		return nil, err
	}
	unit.StackSize = int(stacksize)

	flags, err := r.u32()
	if err != nil {
		return nil, err
	}
	unit.Flags = CompilerFlags(flags)

	codeBytes, err := r.read()
	if err != nil {
		return nil, err
	}
	raw, ok := codeBytes.(Bytes)
	if !ok {
		return nil, fmt.Errorf("%w: code body is %s, not bytes", ErrBadMarshal, codeBytes.Type())
	}
	unit.Instructions = []byte(raw)

	consts, err := r.readValueTuple("consts")
	if err != nil {
		return nil, err
	}
	unit.Constants = consts

	for _, field := range []struct {
		name string
		dst  *[]string
	}{
		{"names", &unit.Names},
		{"varnames", &unit.Varnames},
		{"freevars", &unit.Freevars},
		{"cellvars", &unit.Cellvars},
	} {
		names, err := r.readNameTuple(field.name)
		if err != nil {
			return nil, err
		}
		*field.dst = names
	}

	filename, err := r.read()
	if err != nil {
		return nil, err
	}
	if s, ok := filename.(Str); ok {
		unit.Filename = string(s)
	}

	name, err := r.read()
	if err != nil {
		return nil, err
	}
	if s, ok := name.(Str); ok {
		unit.Name = string(s)
	}

	firstlineno, err := r.u32()
	if err != nil {
		return nil, err
	}
	unit.FirstLineno = int(firstlineno)

	// lnotab / linetable, unused here
	if _, err := r.read(); err != nil {
		return nil, err
	}
	return unit, nil
}

func (r *marshalReader) readValueTuple(field string) ([]Value, error) {
	v, err := r.read()
	if err != nil {
		return nil, err
	}
	t, ok := v.(*Tuple)
	if !ok {
		return nil, fmt.Errorf("%w: %s is %s, not tuple", ErrBadMarshal, field, v.Type())
	}
	return t.Items, nil
}

func (r *marshalReader) readNameTuple(field string) ([]string, error) {
	items, err := r.readValueTuple(field)
	if err != nil {
		return nil, err
	}
	names := make([]string, len(items))
	for i, v := range items {
		s, ok := v.(Str)
		if !ok {
			return nil, fmt.Errorf("%w: %s entry is %s, not str", ErrBadMarshal, field, v.Type())
		}
		names[i] = string(s)
	}
	return names, nil
}
