package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/chazu/crossvm/journal"
	"github.com/chazu/crossvm/vm"
)

// session holds everything the command loop operates on.
type session struct {
	vm      *vm.VM
	p       *printer
	journal *journal.Journal
	done    bool
}

type command struct {
	names   []string
	summary string
	run     func(s *session, args []string) error
}

var commands []command
var commandIndex = map[string]*command{}

func register(summary string, run func(*session, []string) error, names ...string) {
	commands = append(commands, command{names: names, summary: summary, run: run})
	c := &commands[len(commands)-1]
	for _, n := range names {
		commandIndex[n] = c
	}
}

func init() {
	register("Display help about debugger commands", cmdHelp, "help", "h", "?")
	register("Step over the next instruction (safe opcodes only)", cmdStep, "step", "s")
	register("Like step, but may execute opcodes with side effects", cmdStepUnsafe, "step!", "s!")
	register("Step until a breakpoint is reached (safe opcodes only)", cmdCont, "cont", "c")
	register("Like cont, but may execute opcodes with side effects", cmdContUnsafe, "cont!", "c!")
	register("Display the current call stack and positions", cmdWhere, "where", "w")
	register("Disassemble the current frame's bytecode", cmdDis, "dis", "d")
	register("Display info about the code and the VM", cmdInfo, "info", "o")
	register("Toggle a breakpoint: break OFFSET [condition]", cmdBreak, "break", "b")
	register("Mark an opcode as safe: allow OPNAME [condition]", cmdAllow, "allow", "a")
	register("Unmark opcodes as safe: disallow OPNAME...", cmdDisallow, "disallow")
	register("Display the current operand stack", cmdStack, "stack", "ps")
	register("Call the function below argc stack values", cmdCall, "call", "l")
	register("Pop the current frame, pushing TOS into the outer frame", cmdReturn, "return", "r")
	register("Evaluate an expression and push the result", cmdPush, "push")
	register("Pop and discard the top of stack", cmdPop, "pop")
	register("Insert named builtins into the session", cmdBuiltin, "builtin")
	register("Save the current stack, locals and globals", cmdSave, "save")
	register("Restore the most recent savepoint", cmdRestore, "restore")
	register("Write a session snapshot: snapshot FILE", cmdSnapshot, "snapshot")
	register("Skip instructions without executing: incr [n]", cmdIncr, "incr", "i")
	register("Exit the debugger", cmdQuit, "quit", "q", "exit", "bye")
}

func (s *session) handle(line string) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}
	c, ok := commandIndex[fields[0]]
	if !ok {
		// Anything that isn't a command is an expression to evaluate.
		return s.evalFallback(line)
	}
	return c.run(s, fields[1:])
}

func (s *session) evalFallback(source string) error {
	if s.vm.Evaluator == nil {
		return fmt.Errorf("unknown command %q", source)
	}
	v, err := s.vm.Evaluator.Evaluate(source, vm.FrameScope(s.vm.Current()))
	if err != nil {
		return err
	}
	s.p.println(fmtValue(v))
	return nil
}

func parseOffset(s string) (uint32, error) {
	n, err := strconv.ParseUint(s, 0, 32)
	if err != nil {
		return 0, fmt.Errorf("expected offset, got %q", s)
	}
	return uint32(n), nil
}

func parseCount(args []string) (int, error) {
	if len(args) == 0 {
		return 1, nil
	}
	n, err := strconv.ParseInt(args[0], 0, 32)
	if err != nil || n < 1 {
		return 0, fmt.Errorf("expected a positive count, got %q", args[0])
	}
	return int(n), nil
}

// ---------------------------------------------------------------------------
// Command implementations
// ---------------------------------------------------------------------------

func cmdHelp(s *session, args []string) error {
	if len(args) > 0 {
		c, ok := commandIndex[args[0]]
		if !ok {
			return fmt.Errorf("no such command %q", args[0])
		}
		s.p.printf("%s%s%s\n%s\n", purple, strings.Join(c.names, ", "), colorReset, c.summary)
		return nil
	}
	for _, c := range commands {
		name := strings.Join(c.names, ", ")
		s.p.printf("%s%-24s%s %s%s%s\n", purple, name, colorReset, yellow, c.summary, colorReset)
	}
	return nil
}

func (s *session) report(o vm.Outcome) {
	if line := fmtOutcome(o); line != "" {
		s.p.println(line)
	}
	s.p.println(fmtCurrent(s.vm))
}

func cmdStep(s *session, args []string) error {
	return stepN(s, args, false)
}

func cmdStepUnsafe(s *session, args []string) error {
	return stepN(s, args, true)
}

func stepN(s *session, args []string, unsafe bool) error {
	count, err := parseCount(args)
	if err != nil {
		return err
	}
	s.report(s.vm.Step(context.Background(), count, unsafe))
	return nil
}

func cmdCont(s *session, args []string) error {
	ctx, stop := interruptible()
	defer stop()
	s.report(s.vm.Cont(ctx, false))
	return nil
}

func cmdContUnsafe(s *session, args []string) error {
	ctx, stop := interruptible()
	defer stop()
	s.report(s.vm.Cont(ctx, true))
	return nil
}

func cmdWhere(s *session, args []string) error {
	mark := "* "
	for i := len(s.vm.Frames) - 1; i >= 0; i-- {
		f := s.vm.Frames[i]
		s.p.printf("%s[%s%8d]:%s %s @ %s\n", blue, mark, i, colorReset, frameLine(f), f.Code.Location())
		mark = "  "
	}
	return nil
}

func frameLine(f *vm.Frame) string {
	if int(f.IP) >= len(f.Code.Instructions) {
		return yellow + "<end of code>" + colorReset
	}
	instr, err := vm.Decode(f.Code, f.IP)
	if err != nil {
		return red + err.Error() + colorReset
	}
	return fmtInstr(f.Code, instr, "")
}

func cmdDis(s *session, args []string) error {
	f := s.vm.Current()
	instrs, err := vm.DecodeAll(f.Code)
	if err != nil {
		s.p.printf("%swarning: %v%s\n", yellow, err, colorReset)
	}
	for _, instr := range instrs {
		mark := "   "
		if bp, ok := s.vm.Breakpoints.Get(instr.Offset); ok {
			if bp.Condition != "" {
				mark = " " + yellow + "o " + green
			} else {
				mark = " " + red + "o " + green
			}
		}
		if instr.Offset == f.IP {
			mark = " * "
		}
		s.p.printf("%s[0x%08x]: %s\n", blue, instr.Offset, fmtInstr(f.Code, instr, mark))
	}
	return nil
}

func cmdInfo(s *session, args []string) error {
	code := s.vm.Current().Code
	s.p.printf("%s%s\n", blue, center("-- code --", 26))
	s.p.printf("%s%12s: %s%s\n", purple, "location", colorReset, code.Location())
	s.p.printf("%s%12s: %s%d\n", purple, "stack size", colorReset, code.StackSize)
	s.p.printf("%s%12s: %s%s\n", purple, "flags", colorReset, fmtFlags(code.Flags))
	for _, scope := range []struct {
		name  string
		names []string
	}{
		{"names", code.Names},
		{"varnames", code.Varnames},
		{"freevars", code.Freevars},
		{"cellvars", code.Cellvars},
	} {
		prefix := fmt.Sprintf("%s%12s: %s", purple, scope.name, colorReset)
		for _, n := range scope.names {
			s.p.printf("%s%s\n", prefix, n)
			prefix = strings.Repeat(" ", 14)
		}
	}
	prefix := fmt.Sprintf("%s%12s: %s", purple, "consts", colorReset)
	for _, c := range code.Constants {
		s.p.printf("%s%s\n", prefix, fmtValue(c))
		prefix = strings.Repeat(" ", 14)
	}
	s.p.printf("%s%s\n", blue, center("-- vm --", 26))
	s.p.printf("%s%12s: %s%s\n", purple, "version", colorReset, code.Version)
	s.p.printf("%s%12s: %s%d\n", purple, "counter", colorReset, s.vm.Counter)
	s.p.printf("%s%12s: %s%d\n", purple, "savepoints", colorReset, s.vm.Savepoints())
	if s.journal != nil {
		s.p.printf("%s%12s: %s%s\n", purple, "journal", colorReset, s.journal.SessionID())
	}
	return nil
}

func center(s string, width int) string {
	if len(s) >= width {
		return s
	}
	left := (width - len(s)) / 2
	return strings.Repeat(" ", left) + s
}

func cmdBreak(s *session, args []string) error {
	if len(args) == 0 {
		list := s.vm.Breakpoints.List()
		if len(list) == 0 {
			s.p.println(red + "no breakpoints" + colorReset)
			return nil
		}
		for _, bp := range list {
			state := green + "on" + colorReset
			if !bp.Enabled {
				state = red + "off" + colorReset
			}
			s.p.printf("%s[0x%08x]%s %s %s\n", blue, bp.Offset, colorReset, state, bp.Condition)
		}
		return nil
	}
	offset, err := parseOffset(args[0])
	if err != nil {
		return err
	}
	condition := strings.Join(args[1:], " ")
	if condition == "" {
		if s.vm.Breakpoints.Toggle(offset) {
			s.p.printf("breakpoint set at 0x%08x\n", offset)
		} else {
			s.p.printf("breakpoint removed at 0x%08x\n", offset)
		}
		return nil
	}
	s.vm.Breakpoints.Set(offset, condition)
	s.p.printf("breakpoint set at 0x%08x when %s\n", offset, condition)
	return nil
}

func cmdAllow(s *session, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("allow wants an opcode name")
	}
	table := vm.TableForVersion(s.vm.Current().Code.Version)
	op, ok := table.ByName(args[0])
	if !ok {
		return fmt.Errorf("unknown opcode %q", args[0])
	}
	s.vm.Allow.Allow(op, strings.Join(args[1:], " "))
	return nil
}

func cmdDisallow(s *session, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("disallow wants at least one opcode name")
	}
	table := vm.TableForVersion(s.vm.Current().Code.Version)
	for _, name := range args {
		op, ok := table.ByName(name)
		if !ok {
			return fmt.Errorf("unknown opcode %q", name)
		}
		s.vm.Allow.Disallow(op)
	}
	return nil
}

func cmdStack(s *session, args []string) error {
	stack := s.vm.Current().Stack
	if len(stack) == 0 {
		s.p.println(red + "stack is empty" + colorReset)
		return nil
	}
	mark := " ↓"
	for i := len(stack) - 1; i >= 0; i-- {
		s.p.printf("%s[%s%8d]: %s%s\n", blue, mark, i, fmtValue(stack[i]), colorReset)
		mark = "  "
	}
	return nil
}

func cmdCall(s *session, args []string) error {
	argc := 0
	if len(args) > 0 {
		n, err := strconv.Atoi(args[0])
		if err != nil || n < 0 {
			return fmt.Errorf("expected argument count, got %q", args[0])
		}
		argc = n
	}
	return s.vm.Call(argc)
}

func cmdReturn(s *session, args []string) error {
	v, err := s.vm.Return()
	if err != nil {
		return err
	}
	s.p.println(fmtValue(v))
	return nil
}

func cmdPush(s *session, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("push wants an expression")
	}
	if s.vm.Evaluator == nil {
		return fmt.Errorf("no evaluator available")
	}
	v, err := s.vm.Evaluator.Evaluate(strings.Join(args, " "), vm.FrameScope(s.vm.Current()))
	if err != nil {
		return err
	}
	s.vm.Current().Push(v)
	return nil
}

func cmdPop(s *session, args []string) error {
	v, err := s.vm.Current().Pop()
	if err != nil {
		return err
	}
	s.p.println(fmtValue(v))
	return nil
}

func cmdBuiltin(s *session, args []string) error {
	if len(args) == 0 {
		sorted := vm.BuiltinNames()
		sort.Strings(sorted)
		s.p.println(strings.Join(sorted, " "))
		return nil
	}
	for _, name := range args {
		b, ok := vm.BuiltinByName(name)
		if !ok {
			return fmt.Errorf("no builtin named %q", name)
		}
		s.vm.Current().Builtins[name] = b
	}
	return nil
}

func cmdSave(s *session, args []string) error {
	n := s.vm.Save()
	s.p.printf("savepoint %d\n", n)
	return nil
}

func cmdRestore(s *session, args []string) error {
	return s.vm.Restore()
}

func cmdSnapshot(s *session, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("snapshot wants a file path")
	}
	data, err := vm.EncodeSnapshot(s.vm)
	if err != nil {
		return err
	}
	if err := os.WriteFile(args[0], data, 0o644); err != nil {
		return err
	}
	s.p.printf("wrote %d bytes to %s\n", len(data), args[0])
	return nil
}

// cmdIncr advances ip over instructions without executing them.
func cmdIncr(s *session, args []string) error {
	count, err := parseCount(args)
	if err != nil {
		return err
	}
	f := s.vm.Current()
	for i := 0; i < count; i++ {
		if int(f.IP) >= len(f.Code.Instructions) {
			break
		}
		instr, err := vm.Decode(f.Code, f.IP)
		if err != nil {
			return err
		}
		f.IP = instr.End()
	}
	s.p.println(fmtCurrent(s.vm))
	return nil
}

func cmdQuit(s *session, args []string) error {
	s.done = true
	return nil
}
