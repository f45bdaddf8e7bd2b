package vm

import (
	"strings"
	"testing"
)

func TestDisassembleInstruction(t *testing.T) {
	code := buildCode(t, fixedVersion, []Value{Str("hi")}, func(b *CodeBuilder) {
		b.EmitByName("LOAD_CONST", 0)
		b.EmitByName("STORE_NAME", 0)
		b.EmitByName("POP_TOP", 0)
	})
	code.Names = []string{"greeting"}

	instrs, err := DecodeAll(code)
	if err != nil {
		t.Fatal(err)
	}
	tests := []struct {
		idx  int
		want []string
	}{
		{0, []string{"LOAD_CONST", `("hi")`}},
		{1, []string{"STORE_NAME", "(greeting)"}},
		{2, []string{"POP_TOP"}},
	}
	for _, tt := range tests {
		line := DisassembleInstruction(code, instrs[tt.idx])
		for _, frag := range tt.want {
			if !strings.Contains(line, frag) {
				t.Errorf("instruction %d = %q, want it to contain %q", tt.idx, line, frag)
			}
		}
	}
	// A no-arg instruction has no annotation.
	if strings.Contains(DisassembleInstruction(code, instrs[2]), "(") {
		t.Errorf("POP_TOP rendered an annotation")
	}
}

func TestDisassembleJumpAnnotations(t *testing.T) {
	for _, tt := range []struct {
		version Version
		want    string
	}{
		{fixedVersion, "to 3"},
		{Version{Major: 3, Minor: 10, Level: "final"}, "to 6"},
	} {
		code := buildCode(t, tt.version, nil, func(b *CodeBuilder) {
			b.EmitByName("JUMP_ABSOLUTE", 3)
		})
		instrs, err := DecodeAll(code)
		if err != nil {
			t.Fatal(err)
		}
		if line := DisassembleInstruction(code, instrs[0]); !strings.Contains(line, tt.want) {
			t.Errorf("%s: %q, want target %q", tt.version, line, tt.want)
		}
	}
}

func TestDisassembleWholeUnit(t *testing.T) {
	code := buildCode(t, fixedVersion, []Value{Int(1)}, func(b *CodeBuilder) {
		b.EmitByName("LOAD_CONST", 0)
		b.EmitByName("RETURN_VALUE", 0)
	})
	out := Disassemble(code)
	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
	if len(lines) != 3 { // header + two instructions
		t.Fatalf("disassembly has %d lines: %q", len(lines), out)
	}
	if !strings.Contains(lines[1], "LOAD_CONST") || !strings.Contains(lines[2], "RETURN_VALUE") {
		t.Errorf("disassembly = %q", out)
	}
}

func TestDisassembleBadInstruction(t *testing.T) {
	code := codeWith(fixedVersion, []byte{0xFF, 0})
	out := Disassemble(code)
	if !strings.Contains(out, "unknown opcode") {
		t.Errorf("bad instruction not reported: %q", out)
	}
}
