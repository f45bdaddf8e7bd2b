package vm

import (
	"fmt"
	"sort"
)

// ---------------------------------------------------------------------------
// Safety classification
// ---------------------------------------------------------------------------

// Classification is the gate verdict for one instruction.
type Classification uint8

const (
	// ClassPure: the instruction only touches VM-local state.
	ClassPure Classification = iota
	// ClassAllowed: externally-visible, but an allow rule matched.
	ClassAllowed
	// ClassBlocked: externally-visible with no matching allow rule.
	ClassBlocked
)

func (c Classification) String() string {
	switch c {
	case ClassPure:
		return "PURE"
	case ClassAllowed:
		return "ALLOWED"
	default:
		return "BLOCKED"
	}
}

// AllowRule permits an external opcode, either unconditionally or when its
// condition evaluates truthy against the instruction's stack and argument.
type AllowRule struct {
	Op        Opcode
	Condition string
}

// AllowTable holds the session's allow rules, keyed by opcode.
type AllowTable struct {
	rules map[Opcode][]AllowRule
}

// NewAllowTable creates an empty table.
func NewAllowTable() *AllowTable {
	return &AllowTable{rules: make(map[Opcode][]AllowRule)}
}

// Allow installs a rule for op, replacing any existing rules for it.
func (t *AllowTable) Allow(op Opcode, condition string) {
	t.rules[op] = []AllowRule{{Op: op, Condition: condition}}
}

// Disallow removes every rule for op.
func (t *AllowTable) Disallow(op Opcode) bool {
	if _, ok := t.rules[op]; !ok {
		return false
	}
	delete(t.rules, op)
	return true
}

// Rules returns the rules for op.
func (t *AllowTable) Rules(op Opcode) []AllowRule {
	return t.rules[op]
}

// List returns all rules ordered by opcode.
func (t *AllowTable) List() []AllowRule {
	ops := make([]int, 0, len(t.rules))
	for op := range t.rules {
		ops = append(ops, int(op))
	}
	sort.Ints(ops)
	var out []AllowRule
	for _, op := range ops {
		out = append(out, t.rules[Opcode(op)]...)
	}
	return out
}

// Classify gates one decoded instruction. PURE opcodes pass regardless of
// rules. EXTERNAL opcodes pass only if some rule for the opcode matches:
// a rule without a condition always matches; a conditional rule matches when
// its expression is truthy against the frame scope extended with the
// instruction's stack snapshot and decoded argument. A condition that fails
// to evaluate never matches; the failure is returned as a warning.
//
// Classify mutates nothing: rules, frame and stack are read-only inputs.
func Classify(instr Instruction, rules *AllowTable, frame *Frame, ev Evaluator) (Classification, string) {
	table := TableForVersion(frame.Code.Version)
	info, ok := table.Lookup(instr.Op)
	if !ok || info.External {
		return classifyExternal(instr, rules, frame, ev)
	}
	return ClassPure, ""
}

func classifyExternal(instr Instruction, rules *AllowTable, frame *Frame, ev Evaluator) (Classification, string) {
	if rules == nil {
		return ClassBlocked, ""
	}
	var warn string
	for _, rule := range rules.Rules(instr.Op) {
		if rule.Condition == "" {
			return ClassAllowed, ""
		}
		if ev == nil {
			continue
		}
		scope := FrameScope(frame)
		if instr.HasArg {
			scope.Arg = Int(instr.Arg)
		}
		v, err := ev.Evaluate(rule.Condition, scope)
		if err != nil {
			warn = fmt.Sprintf("allow condition %q: %v", rule.Condition, err)
			continue
		}
		if v.Truthy() {
			return ClassAllowed, ""
		}
	}
	return ClassBlocked, warn
}
