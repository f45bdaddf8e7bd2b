package vm

import (
	"strconv"
	"strings"
)

// ---------------------------------------------------------------------------
// CompilerFlags
// ---------------------------------------------------------------------------

// CompilerFlags is the co_flags bitset of a code object.
type CompilerFlags uint32

const (
	FlagOptimized         CompilerFlags = 1 << 0
	FlagNewLocals         CompilerFlags = 1 << 1
	FlagVarArgs           CompilerFlags = 1 << 2
	FlagVarKeywords       CompilerFlags = 1 << 3
	FlagNested            CompilerFlags = 1 << 4
	FlagGenerator         CompilerFlags = 1 << 5
	FlagNoFree            CompilerFlags = 1 << 6
	FlagCoroutine         CompilerFlags = 1 << 7
	FlagIterableCoroutine CompilerFlags = 1 << 8
	FlagAsyncGenerator    CompilerFlags = 1 << 9

	// __future__ imports recorded by the compiler.
	FlagFutureDivision        CompilerFlags = 1 << 17
	FlagFutureAbsoluteImport  CompilerFlags = 1 << 18
	FlagFutureWithStatement   CompilerFlags = 1 << 19
	FlagFuturePrintFunction   CompilerFlags = 1 << 20
	FlagFutureUnicodeLiterals CompilerFlags = 1 << 21
	FlagFutureBarryAsBDFL     CompilerFlags = 1 << 22
	FlagFutureGeneratorStop   CompilerFlags = 1 << 23
	FlagFutureAnnotations     CompilerFlags = 1 << 24
)

var flagNames = []struct {
	flag CompilerFlags
	name string
}{
	{FlagOptimized, "OPTIMIZED"},
	{FlagNewLocals, "NEWLOCALS"},
	{FlagVarArgs, "VARARGS"},
	{FlagVarKeywords, "VARKEYWORDS"},
	{FlagNested, "NESTED"},
	{FlagGenerator, "GENERATOR"},
	{FlagNoFree, "NOFREE"},
	{FlagCoroutine, "COROUTINE"},
	{FlagIterableCoroutine, "ITERABLE_COROUTINE"},
	{FlagAsyncGenerator, "ASYNC_GENERATOR"},
	{FlagFutureDivision, "FUTURE_DIVISION"},
	{FlagFutureAbsoluteImport, "FUTURE_ABSOLUTE_IMPORT"},
	{FlagFutureWithStatement, "FUTURE_WITH_STATEMENT"},
	{FlagFuturePrintFunction, "FUTURE_PRINT_FUNCTION"},
	{FlagFutureUnicodeLiterals, "FUTURE_UNICODE_LITERALS"},
	{FlagFutureBarryAsBDFL, "FUTURE_BARRY_AS_BDFL"},
	{FlagFutureGeneratorStop, "FUTURE_GENERATOR_STOP"},
	{FlagFutureAnnotations, "FUTURE_ANNOTATIONS"},
}

// FlagByName resolves a compiler flag from its name.
func FlagByName(name string) (CompilerFlags, bool) {
	for _, entry := range flagNames {
		if entry.name == name {
			return entry.flag, true
		}
	}
	return 0, false
}

// String renders the set flags joined by " | ".
func (f CompilerFlags) String() string {
	if f == 0 {
		return "0"
	}
	var parts []string
	for _, entry := range flagNames {
		if f&entry.flag != 0 {
			parts = append(parts, entry.name)
			f &^= entry.flag
		}
	}
	if f != 0 {
		parts = append(parts, "UNKNOWN")
	}
	return strings.Join(parts, " | ")
}

// ---------------------------------------------------------------------------
// CodeUnit
// ---------------------------------------------------------------------------

// CodeUnit is an immutable compiled function or module body. It is shared
// read-only between frames and across VM sessions; nothing mutates one after
// construction.
type CodeUnit struct {
	Name        string
	Filename    string
	FirstLineno int

	ArgCount        int
	PosOnlyArgCount int
	KwOnlyArgCount  int
	NLocals         int
	StackSize       int
	Flags           CompilerFlags

	Instructions []byte
	Constants    []Value
	Names        []string
	Varnames     []string
	Freevars     []string
	Cellvars     []string

	// Version selects the instruction encoding and the opcode table.
	Version Version
}

// A CodeUnit is itself a value: code objects live in constant pools.
func (*CodeUnit) Type() Type { return CodeType }

func (c *CodeUnit) Repr() string {
	return "<code " + c.Name +
		" (" + strconv.Itoa(len(c.Instructions)) + " bytes, " +
		strconv.Itoa(len(c.Constants)) + " consts, " +
		strconv.Itoa(len(c.Names)+len(c.Varnames)) + " names)>"
}

func (*CodeUnit) Truthy() bool { return true }

// Location renders "name @ filename:line" for display.
func (c *CodeUnit) Location() string {
	return c.Name + " @ " + c.Filename + ":" + strconv.Itoa(c.FirstLineno)
}
