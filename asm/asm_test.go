package asm

import (
	"context"
	"strings"
	"testing"

	"github.com/chazu/crossvm/vm"
)

func mustAssemble(t *testing.T, src string) *vm.CodeUnit {
	t.Helper()
	code, err := AssembleString(src, "<test>")
	if err != nil {
		t.Fatalf("AssembleString: %v", err)
	}
	return code
}

func opNames(t *testing.T, code *vm.CodeUnit) []string {
	t.Helper()
	instrs, err := vm.DecodeAll(code)
	if err != nil {
		t.Fatalf("DecodeAll: %v", err)
	}
	table := vm.TableForVersion(code.Version)
	names := make([]string, len(instrs))
	for i, ins := range instrs {
		names[i] = table.Name(ins.Op)
	}
	return names
}

func TestAssembleSimpleListing(t *testing.T) {
	code := mustAssemble(t, `
.name add
LOAD_CONST @ 2
LOAD_CONST @ 3
BINARY_ADD
RETURN_VALUE
`)
	if code.Name != "add" || code.Filename != "<test>" {
		t.Errorf("identity = %q/%q", code.Name, code.Filename)
	}
	want := []string{"LOAD_CONST", "LOAD_CONST", "BINARY_ADD", "RETURN_VALUE"}
	got := opNames(t, code)
	if len(got) != len(want) {
		t.Fatalf("decoded %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("instruction %d = %s, want %s", i, got[i], want[i])
		}
	}
	if len(code.Constants) != 2 || !vm.Equal(code.Constants[0], vm.Int(2)) || !vm.Equal(code.Constants[1], vm.Int(3)) {
		t.Errorf("constants = %v", code.Constants)
	}

	// The listing runs to completion.
	m := vm.New(code)
	o := m.Cont(context.Background(), false)
	if o.Kind != vm.OutcomeEnded || !vm.Equal(o.Value, vm.Int(5)) {
		t.Errorf("run: %s value=%v, want ended/5", o.Kind, o.Value)
	}
}

func TestAssembleConstInterning(t *testing.T) {
	code := mustAssemble(t, `
LOAD_CONST @ 42
LOAD_CONST @ 42
LOAD_CONST @ "42"
`)
	if len(code.Constants) != 2 {
		t.Fatalf("constants = %v, want the two distinct literals 42 and \"42\"", code.Constants)
	}
	// Same literal, same slot; different type, different slot.
	instrs, err := vm.DecodeAll(code)
	if err != nil {
		t.Fatal(err)
	}
	if instrs[0].Arg != instrs[1].Arg {
		t.Errorf("identical literals in different slots: %d / %d", instrs[0].Arg, instrs[1].Arg)
	}
	if instrs[2].Arg == instrs[0].Arg {
		t.Errorf("int 42 and str \"42\" share a slot")
	}
}

func TestAssembleNameInterning(t *testing.T) {
	code := mustAssemble(t, `
LOAD_NAME x
STORE_NAME y
LOAD_NAME x
STORE_FAST local
`)
	if len(code.Names) != 2 || code.Names[0] != "x" || code.Names[1] != "y" {
		t.Errorf("names = %v, want [x y]", code.Names)
	}
	if len(code.Varnames) != 1 || code.Varnames[0] != "local" {
		t.Errorf("varnames = %v, want [local]", code.Varnames)
	}
}

func TestAssembleLabels(t *testing.T) {
	code := mustAssemble(t, `
LOAD_CONST @ True
POP_JUMP_IF_FALSE done
LOAD_CONST @ 1
done:
RETURN_VALUE
`)
	instrs, err := vm.DecodeAll(code)
	if err != nil {
		t.Fatal(err)
	}
	// The forward label resolves to the RETURN_VALUE offset; 3.8 jump
	// arguments count bytes.
	ret := instrs[len(instrs)-1]
	if instrs[1].Arg != int64(ret.Offset) {
		t.Errorf("jump arg = %d, want offset of done (%d)", instrs[1].Arg, ret.Offset)
	}
}

func TestAssembleBackwardLabel(t *testing.T) {
	code := mustAssemble(t, `
top:
LOAD_CONST @ None
POP_TOP
JUMP_ABSOLUTE top
`)
	instrs, err := vm.DecodeAll(code)
	if err != nil {
		t.Fatal(err)
	}
	if instrs[len(instrs)-1].Arg != 0 {
		t.Errorf("backward jump arg = %d, want 0", instrs[len(instrs)-1].Arg)
	}
}

func TestAssembleUndefinedLabel(t *testing.T) {
	_, err := AssembleString("JUMP_ABSOLUTE nowhere\n", "<test>")
	if err == nil || !strings.Contains(err.Error(), "nowhere") {
		t.Errorf("err = %v, want undefined label failure", err)
	}
}

func TestAssembleNestedCode(t *testing.T) {
	code := mustAssemble(t, `
.name outer
LOAD_CONST @ code helper:
    .argcount 1
    .varnames a
    LOAD_FAST a
    RETURN_VALUE
LOAD_CONST @ "helper"
MAKE_FUNCTION
CALL_FUNCTION 1
`)
	if len(code.Constants) < 1 {
		t.Fatalf("no constants")
	}
	child, ok := code.Constants[0].(*vm.CodeUnit)
	if !ok {
		t.Fatalf("constant 0 = %s, want a code unit", code.Constants[0].Type())
	}
	if child.Name != "helper" || child.ArgCount != 1 || len(child.Varnames) != 1 {
		t.Errorf("child = %q argcount=%d varnames=%v", child.Name, child.ArgCount, child.Varnames)
	}
	if got := opNames(t, child); len(got) != 2 || got[0] != "LOAD_FAST" {
		t.Errorf("child body = %v", got)
	}
	if child.Version != code.Version {
		t.Errorf("child version %s differs from parent %s", child.Version, code.Version)
	}
}

func TestAssembleDirectives(t *testing.T) {
	code := mustAssemble(t, `
.name f
.filename prog.py
.flags OPTIMIZED|NEWLOCALS
.argcount 2
.kwonlyargcount 1
.nlocals 3
.stacksize 8
.firstlineno 10
.varnames a b c
LOAD_CONST @ None
RETURN_VALUE
`)
	if code.Name != "f" || code.Filename != "prog.py" {
		t.Errorf("identity = %q/%q", code.Name, code.Filename)
	}
	if code.ArgCount != 2 || code.KwOnlyArgCount != 1 || code.NLocals != 3 || code.StackSize != 8 || code.FirstLineno != 10 {
		t.Errorf("counts = %d/%d/%d/%d/%d", code.ArgCount, code.KwOnlyArgCount, code.NLocals, code.StackSize, code.FirstLineno)
	}
	if code.Varnames[0] != "a" || len(code.Varnames) != 3 {
		t.Errorf("varnames = %v", code.Varnames)
	}
	if code.Flags.String() == "" {
		t.Errorf("flags not set")
	}
}

func TestAssembleVersionDirective(t *testing.T) {
	code := mustAssemble(t, `
.version 3.5
LOAD_CONST @ 1
RETURN_VALUE
`)
	if code.Version.AtLeast(vm.FixedWidthOpcodes) {
		t.Errorf("version = %s, want a legacy encoding", code.Version)
	}
	// Legacy width: 3-byte LOAD_CONST, 1-byte RETURN_VALUE.
	if len(code.Instructions) != 4 {
		t.Errorf("encoded %d bytes, want 4", len(code.Instructions))
	}
}

func TestAssembleLiterals(t *testing.T) {
	code := mustAssemble(t, `
LOAD_CONST @ None
LOAD_CONST @ -17
LOAD_CONST @ 2.5
LOAD_CONST @ "hi there"
LOAD_CONST @ 'single'
LOAD_CONST @ b"raw"
LOAD_CONST @ (1, 2, 3)
LOAD_CONST @ ()
`)
	want := []vm.Value{
		vm.None, vm.Int(-17), vm.Float(2.5), vm.Str("hi there"),
		vm.Str("single"), vm.Bytes("raw"),
		&vm.Tuple{Items: []vm.Value{vm.Int(1), vm.Int(2), vm.Int(3)}},
		&vm.Tuple{},
	}
	if len(code.Constants) != len(want) {
		t.Fatalf("got %d constants, want %d: %v", len(code.Constants), len(want), code.Constants)
	}
	for i := range want {
		if !vm.Equal(code.Constants[i], want[i]) {
			t.Errorf("constant %d = %s, want %s", i, code.Constants[i].Repr(), want[i].Repr())
		}
	}
}

func TestAssembleComparisons(t *testing.T) {
	code := mustAssemble(t, `
LOAD_CONST @ 1
LOAD_CONST @ 2
COMPARE_OP <
`)
	instrs, err := vm.DecodeAll(code)
	if err != nil {
		t.Fatal(err)
	}
	if vm.CompareNames[instrs[2].Arg] != "<" {
		t.Errorf("compare arg = %d (%s), want <", instrs[2].Arg, vm.CompareNames[instrs[2].Arg])
	}
}

func TestAssembleCommentsAndBlanks(t *testing.T) {
	code := mustAssemble(t, `
# leading comment

LOAD_CONST @ 1
# trailing comment
RETURN_VALUE
`)
	if got := opNames(t, code); len(got) != 2 {
		t.Errorf("decoded %v, want 2 instructions", got)
	}
}

func TestAssembleErrors(t *testing.T) {
	tests := []struct {
		name string
		src  string
	}{
		{"unknown opcode", "FROBNICATE\n"},
		{"unknown directive", ".wat 3\n"},
		{"unknown flag", ".flags NOT_A_FLAG\n"},
		{"bad literal", "LOAD_CONST @ [1]\n"},
		{"empty @", "LOAD_CONST @\n"},
		{"literal on name op", "LOAD_NAME @ 1\n"},
		{"bad version", ".version banana\n"},
		{"bad comparison", "COMPARE_OP <>\n"},
		{"inconsistent indent", "LOAD_CONST @ code c:\n    RETURN_VALUE\n  POP_TOP\n"},
	}
	for _, tt := range tests {
		if _, err := AssembleString(tt.src, "<test>"); err == nil {
			t.Errorf("%s: assembled without error", tt.name)
		}
	}
}
