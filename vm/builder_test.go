package vm

import (
	"testing"
)

var v310 = Version{Major: 3, Minor: 10, Level: "final"}

// buildJump emits LOAD_CONST; JUMP_ABSOLUTE label; POP_TOP; label:
// RETURN_VALUE and returns the code unit plus the byte offset of
// RETURN_VALUE.
func buildJump(t *testing.T, version Version) (*CodeUnit, uint32) {
	t.Helper()
	b := NewCodeBuilder(version)
	l := b.NewLabel()
	b.EmitByName("LOAD_CONST", 0)
	jumpOp, _ := b.table.ByName("JUMP_ABSOLUTE")
	b.EmitJump(jumpOp, l)
	b.EmitByName("POP_TOP", 0)
	target := uint32(b.Len())
	b.Mark(l)
	b.EmitByName("RETURN_VALUE", 0)

	code := &CodeUnit{
		Name:         "<test>",
		Instructions: b.Bytes(),
		Constants:    []Value{Int(1)},
		Version:      version,
	}
	return code, target
}

func TestLabelTargetsMatchEngineScaling(t *testing.T) {
	// The builder must encode jump arguments in the units the engine
	// decodes them in: byte offsets before 3.10, instruction slots after.
	for _, tt := range []struct {
		version Version
		scale   int64
	}{
		{legacyVersion, 1},
		{fixedVersion, 1},
		{v310, 2},
	} {
		code, target := buildJump(t, tt.version)
		instrs, err := DecodeAll(code)
		if err != nil {
			t.Fatalf("%s: DecodeAll: %v", tt.version, err)
		}
		jump := instrs[1]
		if want := int64(target) / tt.scale; jump.Arg != want {
			t.Errorf("%s: jump arg = %d, want %d (label at byte %d, scale %d)",
				tt.version, jump.Arg, want, target, tt.scale)
		}
		if got := uint32(jump.Arg * jumpScale(tt.version)); got != target {
			t.Errorf("%s: engine target = %d, want byte offset %d", tt.version, got, target)
		}
	}
}

func TestLabelJumpExecutes(t *testing.T) {
	// End to end: the assembled jump lands exactly on the marked
	// instruction when executed.
	for _, version := range []Version{legacyVersion, fixedVersion, v310} {
		code, target := buildJump(t, version)
		f := NewFrame(code, nil, nil, nil)

		for i := 0; i < 2; i++ { // LOAD_CONST, then the jump
			instr, err := Decode(code, f.IP)
			if err != nil {
				t.Fatalf("%s: Decode: %v", version, err)
			}
			f.IP = instr.End()
			if _, err := Execute(instr, f, nil); err != nil {
				t.Fatalf("%s: Execute: %v", version, err)
			}
		}
		if f.IP != target {
			t.Errorf("%s: ip = %d after jump, want %d", version, f.IP, target)
		}
		instr, err := Decode(code, f.IP)
		if err != nil {
			t.Fatalf("%s: Decode at target: %v", version, err)
		}
		table := TableForVersion(version)
		if table.Name(instr.Op) != "RETURN_VALUE" {
			t.Errorf("%s: landed on %s, want RETURN_VALUE", version, table.Name(instr.Op))
		}
	}
}

func TestBackwardLabelTarget(t *testing.T) {
	for _, tt := range []struct {
		version Version
		scale   int64
	}{
		{fixedVersion, 1},
		{v310, 2},
	} {
		b := NewCodeBuilder(tt.version)
		l := b.NewLabel()
		b.Mark(l) // label at offset 0
		b.EmitByName("LOAD_CONST", 0)
		b.EmitByName("POP_TOP", 0)
		jumpOp, _ := b.table.ByName("JUMP_ABSOLUTE")
		b.EmitJump(jumpOp, l)

		code := &CodeUnit{Instructions: b.Bytes(), Constants: []Value{None}, Version: tt.version}
		instrs, err := DecodeAll(code)
		if err != nil {
			t.Fatalf("%s: %v", tt.version, err)
		}
		if instrs[2].Arg != 0 {
			t.Errorf("%s: backward jump arg = %d, want 0", tt.version, instrs[2].Arg)
		}
	}
}
