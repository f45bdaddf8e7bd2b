// Package asm reads human-readable bytecode listings and assembles them into
// executable code units. The format is line-based:
//
//	.name fib          directives set code-object fields
//	.flags OPTIMIZED|NEWLOCALS
//	loop:              labels name jump targets
//	LOAD_CONST @ 42    @ introduces a literal or nested argument
//	LOAD_CONST @ code helper:
//	    .argcount 1    indented lines form the nested code object
//	    RETURN_VALUE
//	JUMP_ABSOLUTE loop
//	RETURN_VALUE
//
// Constants and names are interned automatically; raw numeric arguments are
// emitted as-is.
package asm

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/chazu/crossvm/vm"
)

// ---------------------------------------------------------------------------
// Parse tree
// ---------------------------------------------------------------------------

type nodeKind uint8

const (
	nodeDirective nodeKind = iota
	nodeLabel
	nodeInstr
)

type node struct {
	kind  nodeKind
	line  int
	name  string
	value string // directive value or instruction argument text
	child []node // nested code block for "OP @ code name:"
}

type line struct {
	num    int
	indent int
	text   string
}

// Assemble reads a listing and produces the module-level code unit.
func Assemble(r io.Reader, filename string) (*vm.CodeUnit, error) {
	lines, err := readLines(r)
	if err != nil {
		return nil, err
	}
	pos := 0
	nodes, err := parseBlock(lines, &pos, -1)
	if err != nil {
		return nil, err
	}
	version, err := blockVersion(nodes)
	if err != nil {
		return nil, err
	}
	return assemble(nodes, version, "<module>", filename)
}

// AssembleString is Assemble over an in-memory listing.
func AssembleString(src, filename string) (*vm.CodeUnit, error) {
	return Assemble(strings.NewReader(src), filename)
}

func readLines(r io.Reader) ([]line, error) {
	var out []line
	sc := bufio.NewScanner(r)
	num := 0
	for sc.Scan() {
		num++
		raw := sc.Text()
		text := strings.TrimRight(raw, " \t")
		trimmed := strings.TrimLeft(text, " \t")
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}
		out = append(out, line{num: num, indent: len(text) - len(trimmed), text: trimmed})
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("asm: %w", err)
	}
	return out, nil
}

// parseBlock consumes lines more indented than parentIndent.
func parseBlock(lines []line, pos *int, parentIndent int) ([]node, error) {
	var nodes []node
	var blockIndent = -1
	for *pos < len(lines) {
		ln := lines[*pos]
		if ln.indent <= parentIndent {
			return nodes, nil
		}
		if blockIndent == -1 {
			blockIndent = ln.indent
		}
		if ln.indent != blockIndent {
			return nil, fmt.Errorf("asm: line %d: inconsistent indentation", ln.num)
		}
		*pos++

		n, err := parseLine(ln)
		if err != nil {
			return nil, err
		}
		if n.kind == nodeInstr && strings.HasPrefix(n.value, "code ") && strings.HasSuffix(n.value, ":") {
			childName := strings.TrimSpace(strings.TrimSuffix(strings.TrimPrefix(n.value, "code "), ":"))
			child, err := parseBlock(lines, pos, ln.indent)
			if err != nil {
				return nil, err
			}
			if child == nil {
				child = []node{}
			}
			n.value = childName
			n.child = child
		}
		nodes = append(nodes, n)
	}
	return nodes, nil
}

func parseLine(ln line) (node, error) {
	text := ln.text
	switch {
	case strings.HasPrefix(text, "."):
		rest := strings.TrimPrefix(text, ".")
		name, value, _ := strings.Cut(rest, " ")
		if name == "" {
			return node{}, fmt.Errorf("asm: line %d: empty directive", ln.num)
		}
		return node{kind: nodeDirective, line: ln.num, name: name, value: strings.TrimSpace(value)}, nil

	case strings.HasSuffix(text, ":") && !strings.ContainsAny(text, " \t"):
		return node{kind: nodeLabel, line: ln.num, name: strings.TrimSuffix(text, ":")}, nil

	default:
		name, rest, _ := strings.Cut(text, " ")
		rest = strings.TrimSpace(rest)
		n := node{kind: nodeInstr, line: ln.num, name: name}
		if after, ok := strings.CutPrefix(rest, "@"); ok {
			n.value = strings.TrimSpace(after)
			if n.value == "" {
				return node{}, fmt.Errorf("asm: line %d: @ without argument", ln.num)
			}
			// "@ code name:" keeps the marker for parseBlock to expand.
			if !strings.HasPrefix(n.value, "code ") {
				n.value = "@" + n.value
			}
		} else {
			n.value = rest
		}
		return n, nil
	}
}

// blockVersion pre-scans for a .version directive; listings default to a
// fixed-width encoding.
func blockVersion(nodes []node) (vm.Version, error) {
	for _, n := range nodes {
		if n.kind == nodeDirective && n.name == "version" {
			return parseVersion(n.value, n.line)
		}
	}
	return vm.Version{Major: 3, Minor: 8, Level: "final"}, nil
}

func parseVersion(s string, lineNum int) (vm.Version, error) {
	parts := strings.Split(s, ".")
	if len(parts) < 2 || len(parts) > 3 {
		return vm.Version{}, fmt.Errorf("asm: line %d: bad version %q", lineNum, s)
	}
	v := vm.Version{Level: "final"}
	fields := []*int{&v.Major, &v.Minor, &v.Micro}
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil {
			return vm.Version{}, fmt.Errorf("asm: line %d: bad version %q", lineNum, s)
		}
		*fields[i] = n
	}
	return v, nil
}

// ---------------------------------------------------------------------------
// Assembly
// ---------------------------------------------------------------------------

type assembler struct {
	version vm.Version
	table   *vm.OpcodeTable
	builder *vm.CodeBuilder
	unit    *vm.CodeUnit
	labels  map[string]*vm.Label
}

func assemble(nodes []node, version vm.Version, name, filename string) (*vm.CodeUnit, error) {
	a := &assembler{
		version: version,
		table:   vm.TableForVersion(version),
		builder: vm.NewCodeBuilder(version),
		unit: &vm.CodeUnit{
			Name:        name,
			Filename:    filename,
			FirstLineno: 1,
			Version:     version,
		},
		labels: make(map[string]*vm.Label),
	}
	for _, n := range nodes {
		var err error
		switch n.kind {
		case nodeDirective:
			err = a.directive(n)
		case nodeLabel:
			a.builder.Mark(a.label(n.name))
		case nodeInstr:
			err = a.instruction(n)
		}
		if err != nil {
			return nil, err
		}
	}
	for labelName, l := range a.labels {
		if !l.Resolved() {
			return nil, fmt.Errorf("asm: undefined label %q", labelName)
		}
	}
	a.unit.Instructions = a.builder.Bytes()
	return a.unit, nil
}

func (a *assembler) label(name string) *vm.Label {
	l, ok := a.labels[name]
	if !ok {
		l = a.builder.NewLabel()
		a.labels[name] = l
	}
	return l
}

func (a *assembler) directive(n node) error {
	switch n.name {
	case "version":
		return nil // consumed by blockVersion
	case "name":
		a.unit.Name = n.value
	case "filename":
		a.unit.Filename = n.value
	case "flags":
		for _, part := range strings.Split(n.value, "|") {
			flag, ok := vm.FlagByName(strings.TrimSpace(part))
			if !ok {
				return fmt.Errorf("asm: line %d: unknown flag %q", n.line, part)
			}
			a.unit.Flags |= flag
		}
	case "varnames":
		a.unit.Varnames = append(a.unit.Varnames, strings.Fields(n.value)...)
	case "freevars":
		a.unit.Freevars = append(a.unit.Freevars, strings.Fields(n.value)...)
	case "cellvars":
		a.unit.Cellvars = append(a.unit.Cellvars, strings.Fields(n.value)...)
	case "argcount", "kwonlyargcount", "posonlyargcount", "nlocals", "stacksize", "firstlineno":
		v, err := strconv.Atoi(n.value)
		if err != nil {
			return fmt.Errorf("asm: line %d: .%s wants an integer, got %q", n.line, n.name, n.value)
		}
		switch n.name {
		case "argcount":
			a.unit.ArgCount = v
		case "kwonlyargcount":
			a.unit.KwOnlyArgCount = v
		case "posonlyargcount":
			a.unit.PosOnlyArgCount = v
		case "nlocals":
			a.unit.NLocals = v
		case "stacksize":
			a.unit.StackSize = v
		case "firstlineno":
			a.unit.FirstLineno = v
		}
	default:
		return fmt.Errorf("asm: line %d: unknown directive .%s", n.line, n.name)
	}
	return nil
}

func (a *assembler) instruction(n node) error {
	op, ok := a.table.ByName(n.name)
	if !ok {
		return fmt.Errorf("asm: line %d: unknown opcode %s", n.line, n.name)
	}
	info, _ := a.table.Lookup(op)

	// Nested code object: assemble and intern as a constant.
	if n.child != nil {
		child, err := assemble(n.child, a.version, n.value, a.unit.Filename)
		if err != nil {
			return err
		}
		a.unit.Constants = append(a.unit.Constants, child)
		a.builder.Emit(op, int64(len(a.unit.Constants)-1))
		return nil
	}

	arg := n.value
	if literal, ok := strings.CutPrefix(arg, "@"); ok {
		if info.Kind != vm.KindConst {
			return fmt.Errorf("asm: line %d: %s does not take a literal argument", n.line, n.name)
		}
		v, err := parseLiteral(strings.TrimSpace(literal), n.line)
		if err != nil {
			return err
		}
		a.builder.Emit(op, int64(a.internConst(v)))
		return nil
	}

	if arg == "" {
		a.builder.Emit(op, 0)
		return nil
	}
	if raw, err := strconv.ParseInt(arg, 0, 64); err == nil {
		a.builder.Emit(op, raw)
		return nil
	}

	switch info.Kind {
	case vm.KindName:
		a.builder.Emit(op, int64(intern(&a.unit.Names, arg)))
	case vm.KindLocal:
		a.builder.Emit(op, int64(intern(&a.unit.Varnames, arg)))
	case vm.KindFree:
		a.builder.Emit(op, int64(intern(&a.unit.Freevars, arg)))
	case vm.KindCompare:
		for i, sym := range vm.CompareNames {
			if sym == arg {
				a.builder.Emit(op, int64(i))
				return nil
			}
		}
		return fmt.Errorf("asm: line %d: unknown comparison %q", n.line, arg)
	case vm.KindJumpAbs, vm.KindJumpRel:
		if info.Kind == vm.KindJumpRel {
			return fmt.Errorf("asm: line %d: %s needs a numeric offset, not a label", n.line, n.name)
		}
		a.builder.EmitJump(op, a.label(arg))
	default:
		return fmt.Errorf("asm: line %d: can't interpret argument %q for %s", n.line, arg, n.name)
	}
	return nil
}

func (a *assembler) internConst(v vm.Value) int {
	for i, existing := range a.unit.Constants {
		if existing.Type() == v.Type() && vm.Equal(existing, v) {
			return i
		}
	}
	a.unit.Constants = append(a.unit.Constants, v)
	return len(a.unit.Constants) - 1
}

func intern(names *[]string, name string) int {
	for i, existing := range *names {
		if existing == name {
			return i
		}
	}
	*names = append(*names, name)
	return len(*names) - 1
}

// parseLiteral accepts the Python literal subset that shows up in listings:
// ints, floats, quoted strings, byte strings, None, True, False, and flat
// tuples of those.
func parseLiteral(s string, lineNum int) (vm.Value, error) {
	switch s {
	case "None":
		return vm.None, nil
	case "True":
		return vm.True, nil
	case "False":
		return vm.False, nil
	}
	if n, err := strconv.ParseInt(s, 0, 64); err == nil {
		return vm.Int(n), nil
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return vm.Float(f), nil
	}
	if strings.HasPrefix(s, "b\"") || strings.HasPrefix(s, "b'") {
		unquoted, err := unquote(s[1:])
		if err != nil {
			return nil, fmt.Errorf("asm: line %d: bad bytes literal %s", lineNum, s)
		}
		return vm.Bytes(unquoted), nil
	}
	if strings.HasPrefix(s, "\"") || strings.HasPrefix(s, "'") {
		unquoted, err := unquote(s)
		if err != nil {
			return nil, fmt.Errorf("asm: line %d: bad string literal %s", lineNum, s)
		}
		return vm.Str(unquoted), nil
	}
	if strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")") {
		inner := strings.TrimSuffix(strings.TrimPrefix(s, "("), ")")
		inner = strings.TrimSuffix(strings.TrimSpace(inner), ",")
		var items []vm.Value
		if strings.TrimSpace(inner) != "" {
			for _, part := range strings.Split(inner, ",") {
				v, err := parseLiteral(strings.TrimSpace(part), lineNum)
				if err != nil {
					return nil, err
				}
				items = append(items, v)
			}
		}
		return &vm.Tuple{Items: items}, nil
	}
	return nil, fmt.Errorf("asm: line %d: can't parse literal %q", lineNum, s)
}

func unquote(s string) (string, error) {
	if strings.HasPrefix(s, "'") && strings.HasSuffix(s, "'") && len(s) >= 2 {
		s = "\"" + strings.ReplaceAll(s[1:len(s)-1], "\"", "\\\"") + "\""
	}
	return strconv.Unquote(s)
}
