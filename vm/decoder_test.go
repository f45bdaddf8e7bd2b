package vm

import (
	"errors"
	"testing"
)

var (
	legacyVersion = Version{Major: 3, Minor: 5, Level: "final"}
	fixedVersion  = Version{Major: 3, Minor: 8, Level: "final"}
)

func codeWith(version Version, instructions []byte) *CodeUnit {
	return &CodeUnit{
		Name:         "<test>",
		Instructions: instructions,
		Version:      version,
	}
}

// ---------------------------------------------------------------------------
// Basic decoding
// ---------------------------------------------------------------------------

func TestDecodeFixedWidth(t *testing.T) {
	table := TableForVersion(fixedVersion)
	loadConst, _ := table.ByName("LOAD_CONST")
	popTop, _ := table.ByName("POP_TOP")

	code := codeWith(fixedVersion, []byte{byte(loadConst), 7, byte(popTop), 0})

	ins, err := Decode(code, 0)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if ins.Op != loadConst || ins.Arg != 7 || !ins.HasArg {
		t.Errorf("got %s arg=%d hasArg=%v, want LOAD_CONST arg=7", table.Name(ins.Op), ins.Arg, ins.HasArg)
	}
	if ins.Length != 2 {
		t.Errorf("Length = %d, want 2", ins.Length)
	}

	ins, err = Decode(code, ins.End())
	if err != nil {
		t.Fatalf("Decode second: %v", err)
	}
	if ins.Op != popTop || ins.HasArg || ins.Arg != 0 {
		t.Errorf("got %s arg=%d hasArg=%v, want POP_TOP arg=0 hasArg=false", table.Name(ins.Op), ins.Arg, ins.HasArg)
	}
	if ins.Length != 2 {
		t.Errorf("no-arg instruction Length = %d, want 2 in fixed-width encoding", ins.Length)
	}
}

func TestDecodeLegacyWidth(t *testing.T) {
	table := TableForVersion(legacyVersion)
	loadConst, _ := table.ByName("LOAD_CONST")
	popTop, _ := table.ByName("POP_TOP")

	// LOAD_CONST 0x0102 (little-endian argument), POP_TOP
	code := codeWith(legacyVersion, []byte{byte(loadConst), 0x02, 0x01, byte(popTop)})

	ins, err := Decode(code, 0)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if ins.Arg != 0x0102 {
		t.Errorf("Arg = 0x%x, want 0x0102", ins.Arg)
	}
	if ins.Length != 3 {
		t.Errorf("Length = %d, want 3", ins.Length)
	}

	ins, err = Decode(code, ins.End())
	if err != nil {
		t.Fatalf("Decode second: %v", err)
	}
	if ins.Op != popTop || ins.Length != 1 {
		t.Errorf("got %s len=%d, want POP_TOP len=1", table.Name(ins.Op), ins.Length)
	}
}

// ---------------------------------------------------------------------------
// EXTENDED_ARG folding
// ---------------------------------------------------------------------------

func TestDecodeExtendedArgFixed(t *testing.T) {
	table := TableForVersion(fixedVersion)
	loadConst, _ := table.ByName("LOAD_CONST")
	ext := byte(table.ExtendedArg)

	// EXTENDED_ARG 0x01, EXTENDED_ARG 0x02, LOAD_CONST 0x03 -> arg 0x010203
	code := codeWith(fixedVersion, []byte{ext, 0x01, ext, 0x02, byte(loadConst), 0x03})

	ins, err := Decode(code, 0)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if ins.Op != loadConst {
		t.Fatalf("Op = %s, want LOAD_CONST", table.Name(ins.Op))
	}
	if ins.Arg != 0x010203 {
		t.Errorf("Arg = 0x%x, want 0x010203", ins.Arg)
	}
	if ins.Offset != 0 || ins.Length != 6 {
		t.Errorf("Offset/Length = %d/%d, want 0/6 spanning the whole chain", ins.Offset, ins.Length)
	}
}

func TestDecodeExtendedArgLegacy(t *testing.T) {
	table := TableForVersion(legacyVersion)
	loadConst, _ := table.ByName("LOAD_CONST")
	ext := byte(table.ExtendedArg)

	// EXTENDED_ARG 0x0001, LOAD_CONST 0x0203 -> arg 0x00010203
	code := codeWith(legacyVersion, []byte{ext, 0x01, 0x00, byte(loadConst), 0x03, 0x02})

	ins, err := Decode(code, 0)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if ins.Arg != 0x00010203 {
		t.Errorf("Arg = 0x%x, want 0x00010203", ins.Arg)
	}
	if ins.Length != 6 {
		t.Errorf("Length = %d, want 6", ins.Length)
	}
}

// ---------------------------------------------------------------------------
// Errors
// ---------------------------------------------------------------------------

func TestDecodeUnknownOpcode(t *testing.T) {
	code := codeWith(fixedVersion, []byte{0xFF, 0})
	if _, err := Decode(code, 0); !errors.Is(err, ErrUnknownOpcode) {
		t.Errorf("err = %v, want ErrUnknownOpcode", err)
	}
}

func TestDecodeTruncated(t *testing.T) {
	table := TableForVersion(legacyVersion)
	loadConst, _ := table.ByName("LOAD_CONST")

	code := codeWith(legacyVersion, []byte{byte(loadConst), 0x01})
	if _, err := Decode(code, 0); !errors.Is(err, ErrTruncated) {
		t.Errorf("err = %v, want ErrTruncated", err)
	}

	code = codeWith(fixedVersion, []byte{byte(loadConst)})
	if _, err := Decode(code, 0); !errors.Is(err, ErrTruncated) {
		t.Errorf("fixed-width err = %v, want ErrTruncated", err)
	}

	if _, err := Decode(codeWith(fixedVersion, nil), 0); !errors.Is(err, ErrTruncated) {
		t.Errorf("empty code err = %v, want ErrTruncated", err)
	}
}

func TestDecodeTrailingExtendedArg(t *testing.T) {
	table := TableForVersion(fixedVersion)
	code := codeWith(fixedVersion, []byte{byte(table.ExtendedArg), 0x01})
	if _, err := Decode(code, 0); !errors.Is(err, ErrTruncated) {
		t.Errorf("err = %v, want ErrTruncated for dangling EXTENDED_ARG", err)
	}
}

// ---------------------------------------------------------------------------
// DecodeAll partitions the stream
// ---------------------------------------------------------------------------

func TestDecodeAllPartitions(t *testing.T) {
	for _, version := range []Version{legacyVersion, fixedVersion} {
		b := NewCodeBuilder(version)
		b.EmitByName("LOAD_CONST", 0)
		b.EmitByName("LOAD_CONST", 300) // needs EXTENDED_ARG in fixed-width
		b.EmitByName("BINARY_ADD", 0)
		b.EmitByName("LOAD_CONST", 0x12345) // needs EXTENDED_ARG in both
		b.EmitByName("RETURN_VALUE", 0)

		code := codeWith(version, b.Bytes())
		instrs, err := DecodeAll(code)
		if err != nil {
			t.Fatalf("%s: DecodeAll: %v", version, err)
		}
		if len(instrs) != 5 {
			t.Fatalf("%s: got %d instructions, want 5", version, len(instrs))
		}

		var pos uint32
		for i, ins := range instrs {
			if ins.Offset != pos {
				t.Errorf("%s: instruction %d at offset %d, want %d (no gaps or overlaps)", version, i, ins.Offset, pos)
			}
			pos = ins.End()
		}
		if int(pos) != len(code.Instructions) {
			t.Errorf("%s: decoding ended at %d, want %d", version, pos, len(code.Instructions))
		}

		wantArgs := []int64{0, 300, 0, 0x12345, 0}
		for i, want := range wantArgs {
			if instrs[i].Arg != want {
				t.Errorf("%s: instruction %d arg = %d, want %d", version, i, instrs[i].Arg, want)
			}
		}
	}
}

func TestInstructionReaderReset(t *testing.T) {
	b := NewCodeBuilder(fixedVersion)
	b.EmitByName("LOAD_CONST", 1)
	b.EmitByName("RETURN_VALUE", 0)
	code := codeWith(fixedVersion, b.Bytes())

	r := NewInstructionReader(code)
	first, err := r.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	r.Reset()
	again, err := r.Next()
	if err != nil {
		t.Fatalf("Next after Reset: %v", err)
	}
	if first != again {
		t.Errorf("reader is not restartable: %+v != %+v", first, again)
	}
}

// ---------------------------------------------------------------------------
// Decode purity
// ---------------------------------------------------------------------------

func TestDecodeDeterministic(t *testing.T) {
	b := NewCodeBuilder(fixedVersion)
	b.EmitByName("LOAD_CONST", 70000)
	code := codeWith(fixedVersion, b.Bytes())

	a, err := Decode(code, 0)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	c, err := Decode(code, 0)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if a != c {
		t.Errorf("Decode not deterministic: %+v != %+v", a, c)
	}
}
