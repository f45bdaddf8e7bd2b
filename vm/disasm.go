package vm

import (
	"fmt"
	"strings"
)

// ---------------------------------------------------------------------------
// Disassembly
// ---------------------------------------------------------------------------

// DisassembleInstruction renders one instruction the way dis.dis would:
// offset, mnemonic, raw argument, and a resolved annotation when the
// argument kind allows one.
func DisassembleInstruction(code *CodeUnit, instr Instruction) string {
	table := TableForVersion(code.Version)
	name := table.Name(instr.Op)
	if !instr.HasArg {
		return fmt.Sprintf("%6d %s", instr.Offset, name)
	}
	line := fmt.Sprintf("%6d %-25s %5d", instr.Offset, name, instr.Arg)
	if note := argAnnotation(code, table, instr); note != "" {
		line += " (" + note + ")"
	}
	return line
}

func argAnnotation(code *CodeUnit, table *OpcodeTable, instr Instruction) string {
	info, ok := table.Lookup(instr.Op)
	if !ok {
		return ""
	}
	switch info.Kind {
	case KindConst:
		if instr.Arg >= 0 && instr.Arg < int64(len(code.Constants)) {
			return code.Constants[instr.Arg].Repr()
		}
	case KindName:
		if instr.Arg >= 0 && instr.Arg < int64(len(code.Names)) {
			return code.Names[instr.Arg]
		}
	case KindLocal:
		if instr.Arg >= 0 && instr.Arg < int64(len(code.Varnames)) {
			return code.Varnames[instr.Arg]
		}
	case KindFree:
		if name, err := freeNameAt(code, instr.Arg); err == nil {
			return name
		}
	case KindCompare:
		if instr.Arg >= 0 && instr.Arg < int64(len(CompareNames)) {
			return CompareNames[instr.Arg]
		}
	case KindJumpRel:
		return fmt.Sprintf("to %d", instr.End()+uint32(instr.Arg*jumpScale(code.Version)))
	case KindJumpAbs:
		return fmt.Sprintf("to %d", instr.Arg*jumpScale(code.Version))
	}
	return ""
}

// Disassemble renders a whole code unit, one instruction per line. Decoding
// stops at the first bad instruction, which is reported in place.
func Disassemble(code *CodeUnit) string {
	var sb strings.Builder
	sb.WriteString(code.Repr())
	sb.WriteByte('\n')
	r := NewInstructionReader(code)
	for r.HasMore() {
		instr, err := r.Next()
		if err != nil {
			fmt.Fprintf(&sb, "  <%v>\n", err)
			break
		}
		sb.WriteString(DisassembleInstruction(code, instr))
		sb.WriteByte('\n')
	}
	return sb.String()
}
