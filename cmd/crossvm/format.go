package main

import (
	"fmt"
	"strings"

	"github.com/chazu/crossvm/vm"
)

// ANSI escapes, stripped when color is off.
const (
	csi     = "\x1b["
	red     = csi + "31m"
	green   = csi + "32m"
	yellow  = csi + "33m"
	blue    = csi + "34m"
	purple  = csi + "35m"
	cyan    = csi + "36m"
	colorReset = csi + "0m"
)

// printer renders command output, optionally filtering color escapes.
type printer struct {
	color bool
}

func (p *printer) printf(format string, args ...any) {
	s := fmt.Sprintf(format, args...)
	if !p.color {
		s = stripColors(s)
	}
	fmt.Print(s)
}

func (p *printer) println(s string) {
	p.printf("%s\n", s)
}

func stripColors(s string) string {
	for {
		start := strings.Index(s, csi)
		if start == -1 {
			return s
		}
		end := strings.Index(s[start:], "m")
		if end == -1 {
			return s[:start] + s[start+len(csi):]
		}
		s = s[:start] + s[start+end+1:]
	}
}

// fmtValue renders a value with its repr color: strings green, numbers
// yellow, code blue.
func fmtValue(v vm.Value) string {
	switch v.Type() {
	case vm.StrType, vm.BytesType:
		return green + v.Repr() + colorReset
	case vm.IntType, vm.FloatType, vm.BoolType, vm.NoneType:
		return yellow + v.Repr() + colorReset
	case vm.CodeType, vm.FunctionType, vm.BuiltinType:
		return blue + v.Repr() + colorReset
	}
	return colorReset + v.Repr()
}

// fmtInstr renders one instruction: raw bytes, mnemonic, and a resolved
// annotation.
func fmtInstr(code *vm.CodeUnit, instr vm.Instruction, mark string) string {
	table := vm.TableForVersion(code.Version)
	raw := code.Instructions[instr.Offset:instr.End()]
	hexed := make([]string, len(raw))
	for i, b := range raw {
		hexed[i] = fmt.Sprintf("%02x", b)
	}

	s := fmt.Sprintf("%s[%s%s] %s%s", green, mark, strings.Join(hexed, "_"), purple, table.Name(instr.Op))
	if note := annotate(code, table, instr); note != "" {
		s += fmt.Sprintf(" %s@ %s", colorReset, note)
	}
	return s + colorReset
}

func annotate(code *vm.CodeUnit, table *vm.OpcodeTable, instr vm.Instruction) string {
	info, ok := table.Lookup(instr.Op)
	if !ok || !instr.HasArg {
		return ""
	}
	switch info.Kind {
	case vm.KindConst:
		if instr.Arg >= 0 && instr.Arg < int64(len(code.Constants)) {
			return fmtValue(code.Constants[instr.Arg])
		}
	case vm.KindName:
		if instr.Arg >= 0 && instr.Arg < int64(len(code.Names)) {
			return code.Names[instr.Arg]
		}
	case vm.KindLocal:
		if instr.Arg >= 0 && instr.Arg < int64(len(code.Varnames)) {
			return code.Varnames[instr.Arg]
		}
	case vm.KindCompare:
		if instr.Arg >= 0 && instr.Arg < int64(len(vm.CompareNames)) {
			return vm.CompareNames[instr.Arg]
		}
	case vm.KindJumpAbs:
		return fmt.Sprintf("0x%08x", targetOf(code, instr, false))
	case vm.KindJumpRel:
		return fmt.Sprintf("+ 0x%08x (to 0x%08x)", instr.Arg, targetOf(code, instr, true))
	}
	return fmt.Sprintf("%d", instr.Arg)
}

func targetOf(code *vm.CodeUnit, instr vm.Instruction, rel bool) uint32 {
	scale := int64(1)
	if code.Version.AtLeast(vm.JumpByOffset) {
		scale = 2
	}
	if rel {
		return instr.End() + uint32(instr.Arg*scale)
	}
	return uint32(instr.Arg * scale)
}

// fmtCurrent renders the instruction the session is stopped at.
func fmtCurrent(m *vm.VM) string {
	f := m.Current()
	if int(f.IP) >= len(f.Code.Instructions) {
		return fmt.Sprintf("%s[0x%08x]: %s<end of code>%s", blue, f.IP, yellow, colorReset)
	}
	instr, err := vm.Decode(f.Code, f.IP)
	if err != nil {
		return fmt.Sprintf("%s[0x%08x]: %s%v%s", blue, f.IP, red, err, colorReset)
	}
	return fmt.Sprintf("%s[0x%08x]: %s", blue, f.IP, fmtInstr(f.Code, instr, ""))
}

// fmtOutcome renders why stepping halted. A Done outcome prints nothing.
func fmtOutcome(o vm.Outcome) string {
	var reason string
	switch o.Kind {
	case vm.OutcomeDone:
		return ""
	case vm.OutcomeBreakpoint:
		reason = fmt.Sprintf("(breakpoint @ 0x%08x)", o.Offset)
	case vm.OutcomeUnsafe:
		reason = "(unsafe " + o.OpName + ")"
	case vm.OutcomeErrored:
		reason = fmt.Sprintf("(%v)", o.Err)
	case vm.OutcomeEnded:
		if o.Value != nil {
			return fmt.Sprintf("%s[-  ended -]: %s%s", blue, fmtValue(o.Value), colorReset)
		}
		return fmt.Sprintf("%s[-  ended -]%s", blue, colorReset)
	}
	s := fmt.Sprintf("%s[- paused -]* %s%s", blue, purple, reason)
	if o.Warning != "" {
		s += fmt.Sprintf("\n%swarning: %s%s", yellow, o.Warning, colorReset)
	}
	return s + colorReset
}

// fmtFlags renders a flag bitset joined by " | ".
func fmtFlags(flags vm.CompilerFlags) string {
	parts := strings.Split(flags.String(), " | ")
	for i, p := range parts {
		parts[i] = yellow + p + colorReset
	}
	return strings.Join(parts, " | ")
}
