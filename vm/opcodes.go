package vm

// ---------------------------------------------------------------------------
// Opcode definitions
// ---------------------------------------------------------------------------

// Opcode is a single numeric bytecode instruction. Numbering differs between
// encoding versions; an Opcode is only meaningful together with the
// OpcodeTable that produced it.
type Opcode byte

// ArgKind describes how an instruction argument is interpreted, mirroring
// CPython's hasconst/hasname/haslocal/hasfree/hascompare/hasjrel/hasjabs sets.
type ArgKind uint8

const (
	KindPlain ArgKind = iota
	KindConst
	KindName
	KindLocal
	KindFree
	KindCompare
	KindJumpRel
	KindJumpAbs
)

// VariadicArity marks a pop or push count that depends on the argument.
const VariadicArity = -1

// OpcodeInfo holds metadata about an opcode.
type OpcodeInfo struct {
	Name     string  // mnemonic
	Kind     ArgKind // argument interpretation
	Pops     int     // values popped (VariadicArity if argument-dependent)
	Pushes   int     // values pushed (VariadicArity if argument-dependent)
	External bool    // base safety classification: externally observable
}

// CompareNames are the COMPARE_OP argument meanings, shared by both tables.
var CompareNames = []string{
	"<", "<=", "==", "!=", ">", ">=",
	"in", "not in", "is", "is not", "exception match", "BAD",
}

// ---------------------------------------------------------------------------
// OpcodeTable
// ---------------------------------------------------------------------------

// OpcodeTable maps numeric opcodes to metadata for one encoding version.
// Tables are immutable after construction and shared across sessions.
type OpcodeTable struct {
	FixedWidth   bool   // two-byte instructions regardless of argument
	HaveArgument Opcode // opcodes at or above this take an argument
	ExtendedArg  Opcode

	ops    map[Opcode]OpcodeInfo
	byName map[string]Opcode
}

// Lookup returns the metadata for an opcode.
func (t *OpcodeTable) Lookup(op Opcode) (OpcodeInfo, bool) {
	info, ok := t.ops[op]
	return info, ok
}

// Name returns the mnemonic for an opcode, or a hex placeholder when the
// opcode has no entry.
func (t *OpcodeTable) Name(op Opcode) string {
	if info, ok := t.ops[op]; ok {
		return info.Name
	}
	const hex = "0123456789ABCDEF"
	return "UNKNOWN_" + string([]byte{hex[op>>4], hex[op&0xF]})
}

// ByName resolves a mnemonic to its numeric opcode.
func (t *OpcodeTable) ByName(name string) (Opcode, bool) {
	op, ok := t.byName[name]
	return op, ok
}

// HasArg reports whether an opcode carries an argument.
func (t *OpcodeTable) HasArg(op Opcode) bool {
	return op >= t.HaveArgument
}

// Opcodes returns all defined opcodes, unordered.
func (t *OpcodeTable) Opcodes() []Opcode {
	out := make([]Opcode, 0, len(t.ops))
	for op := range t.ops {
		out = append(out, op)
	}
	return out
}

// TableForVersion selects the decoder strategy and opcode numbering for an
// encoding version. The closed set of strategies is chosen here, at load
// time, never inside the engine.
func TableForVersion(v Version) *OpcodeTable {
	if v.Less(FixedWidthOpcodes) {
		return legacyTable
	}
	return fixedTable
}

type opdef struct {
	code     byte
	name     string
	kind     ArgKind
	pops     int
	pushes   int
	external bool
}

func buildTable(defs []opdef, fixedWidth bool) *OpcodeTable {
	t := &OpcodeTable{
		FixedWidth:   fixedWidth,
		HaveArgument: 90,
		ExtendedArg:  144,
		ops:          make(map[Opcode]OpcodeInfo, len(defs)),
		byName:       make(map[string]Opcode, len(defs)),
	}
	for _, d := range defs {
		t.ops[Opcode(d.code)] = OpcodeInfo{
			Name:     d.name,
			Kind:     d.kind,
			Pops:     d.pops,
			Pushes:   d.pushes,
			External: d.external,
		}
		t.byName[d.name] = Opcode(d.code)
	}
	return t
}

// sharedDefs are the opcodes whose numbering is identical in every supported
// version. Safety classification: stack shuffling, loads/stores of locals
// and names, const loads, building and unpacking VM-local containers, and
// arithmetic on VM-local values are pure; calls, subscript and
// attribute/global mutation, raising, imports, iteration over host objects
// and every jump are externally observable.
var sharedDefs = []opdef{
	{1, "POP_TOP", KindPlain, 1, 0, false},
	{2, "ROT_TWO", KindPlain, 2, 2, false},
	{3, "ROT_THREE", KindPlain, 3, 3, false},
	{4, "DUP_TOP", KindPlain, 1, 2, false},
	{5, "DUP_TOP_TWO", KindPlain, 2, 4, false},
	{9, "NOP", KindPlain, 0, 0, false},

	{10, "UNARY_POSITIVE", KindPlain, 1, 1, false},
	{11, "UNARY_NEGATIVE", KindPlain, 1, 1, false},
	{12, "UNARY_NOT", KindPlain, 1, 1, false},
	{15, "UNARY_INVERT", KindPlain, 1, 1, false},

	{16, "BINARY_MATRIX_MULTIPLY", KindPlain, 2, 1, false},
	{17, "INPLACE_MATRIX_MULTIPLY", KindPlain, 2, 1, false},
	{19, "BINARY_POWER", KindPlain, 2, 1, false},
	{20, "BINARY_MULTIPLY", KindPlain, 2, 1, false},
	{22, "BINARY_MODULO", KindPlain, 2, 1, false},
	{23, "BINARY_ADD", KindPlain, 2, 1, false},
	{24, "BINARY_SUBTRACT", KindPlain, 2, 1, false},
	{25, "BINARY_SUBSCR", KindPlain, 2, 1, true},
	{26, "BINARY_FLOOR_DIVIDE", KindPlain, 2, 1, false},
	{27, "BINARY_TRUE_DIVIDE", KindPlain, 2, 1, false},
	{28, "INPLACE_FLOOR_DIVIDE", KindPlain, 2, 1, false},
	{29, "INPLACE_TRUE_DIVIDE", KindPlain, 2, 1, false},

	{55, "INPLACE_ADD", KindPlain, 2, 1, false},
	{56, "INPLACE_SUBTRACT", KindPlain, 2, 1, false},
	{57, "INPLACE_MULTIPLY", KindPlain, 2, 1, false},
	{59, "INPLACE_MODULO", KindPlain, 2, 1, false},
	{60, "STORE_SUBSCR", KindPlain, 3, 0, true},
	{61, "DELETE_SUBSCR", KindPlain, 2, 0, true},
	{62, "BINARY_LSHIFT", KindPlain, 2, 1, false},
	{63, "BINARY_RSHIFT", KindPlain, 2, 1, false},
	{64, "BINARY_AND", KindPlain, 2, 1, false},
	{65, "BINARY_XOR", KindPlain, 2, 1, false},
	{66, "BINARY_OR", KindPlain, 2, 1, false},
	{67, "INPLACE_POWER", KindPlain, 2, 1, false},
	{68, "GET_ITER", KindPlain, 1, 1, true},
	{70, "PRINT_EXPR", KindPlain, 1, 0, true},
	{71, "LOAD_BUILD_CLASS", KindPlain, 0, 1, true},
	{72, "YIELD_FROM", KindPlain, 2, 1, true},

	{75, "INPLACE_LSHIFT", KindPlain, 2, 1, false},
	{76, "INPLACE_RSHIFT", KindPlain, 2, 1, false},
	{77, "INPLACE_AND", KindPlain, 2, 1, false},
	{78, "INPLACE_XOR", KindPlain, 2, 1, false},
	{79, "INPLACE_OR", KindPlain, 2, 1, false},

	{83, "RETURN_VALUE", KindPlain, 1, 0, false},
	{84, "IMPORT_STAR", KindPlain, 1, 0, true},
	{86, "YIELD_VALUE", KindPlain, 1, 1, true},
	{87, "POP_BLOCK", KindPlain, 0, 0, false},
	{88, "END_FINALLY", KindPlain, 0, 0, true},
	{89, "POP_EXCEPT", KindPlain, 0, 0, true},

	{90, "STORE_NAME", KindName, 1, 0, false},
	{91, "DELETE_NAME", KindName, 0, 0, false},
	{92, "UNPACK_SEQUENCE", KindPlain, 1, VariadicArity, false},
	{93, "FOR_ITER", KindJumpRel, 1, VariadicArity, true},
	{94, "UNPACK_EX", KindPlain, 1, VariadicArity, false},
	{95, "STORE_ATTR", KindName, 2, 0, true},
	{96, "DELETE_ATTR", KindName, 1, 0, true},
	{97, "STORE_GLOBAL", KindName, 1, 0, true},
	{98, "DELETE_GLOBAL", KindName, 0, 0, true},
	{100, "LOAD_CONST", KindConst, 0, 1, false},
	{101, "LOAD_NAME", KindName, 0, 1, false},
	{102, "BUILD_TUPLE", KindPlain, VariadicArity, 1, false},
	{103, "BUILD_LIST", KindPlain, VariadicArity, 1, false},
	{104, "BUILD_SET", KindPlain, VariadicArity, 1, false},
	{105, "BUILD_MAP", KindPlain, VariadicArity, 1, false},
	{106, "LOAD_ATTR", KindName, 1, 1, true},
	{107, "COMPARE_OP", KindCompare, 2, 1, false},
	{108, "IMPORT_NAME", KindName, 2, 1, true},
	{109, "IMPORT_FROM", KindName, 1, 2, true},
	{110, "JUMP_FORWARD", KindJumpRel, 0, 0, true},
	{111, "JUMP_IF_FALSE_OR_POP", KindJumpAbs, VariadicArity, VariadicArity, true},
	{112, "JUMP_IF_TRUE_OR_POP", KindJumpAbs, VariadicArity, VariadicArity, true},
	{113, "JUMP_ABSOLUTE", KindJumpAbs, 0, 0, true},
	{114, "POP_JUMP_IF_FALSE", KindJumpAbs, 1, 0, true},
	{115, "POP_JUMP_IF_TRUE", KindJumpAbs, 1, 0, true},
	{116, "LOAD_GLOBAL", KindName, 0, 1, false},

	{122, "SETUP_FINALLY", KindJumpRel, 0, 0, true},
	{124, "LOAD_FAST", KindLocal, 0, 1, false},
	{125, "STORE_FAST", KindLocal, 1, 0, false},
	{126, "DELETE_FAST", KindLocal, 0, 0, false},
	{130, "RAISE_VARARGS", KindPlain, VariadicArity, 0, true},
	{131, "CALL_FUNCTION", KindPlain, VariadicArity, 1, true},
	{132, "MAKE_FUNCTION", KindPlain, VariadicArity, 1, false},
	{133, "BUILD_SLICE", KindPlain, VariadicArity, 1, false},
	{135, "LOAD_CLOSURE", KindFree, 0, 1, false},
	{136, "LOAD_DEREF", KindFree, 0, 1, false},
	{137, "STORE_DEREF", KindFree, 1, 0, false},
	{138, "DELETE_DEREF", KindFree, 0, 0, false},
	{141, "CALL_FUNCTION_KW", KindPlain, VariadicArity, 1, true},
	{143, "SETUP_WITH", KindJumpRel, 1, VariadicArity, true},
	{144, "EXTENDED_ARG", KindPlain, 0, 0, false},
	{145, "LIST_APPEND", KindPlain, 1, 0, false},
	{146, "SET_ADD", KindPlain, 1, 0, false},
	{147, "MAP_ADD", KindPlain, 2, 0, false},
}

// legacyDefs extends sharedDefs with opcodes specific to the variable-width
// encodings (modeled on CPython 3.5 numbering).
var legacyDefs = []opdef{
	{80, "BREAK_LOOP", KindPlain, 0, 0, true},
	{81, "WITH_CLEANUP_START", KindPlain, 1, 1, true},
	{82, "WITH_CLEANUP_FINISH", KindPlain, 2, 0, true},
	{119, "CONTINUE_LOOP", KindJumpAbs, 0, 0, true},
	{120, "SETUP_LOOP", KindJumpRel, 0, 0, true},
	{121, "SETUP_EXCEPT", KindJumpRel, 0, 0, true},
	{134, "MAKE_CLOSURE", KindPlain, VariadicArity, 1, false},
	{140, "CALL_FUNCTION_VAR", KindPlain, VariadicArity, 1, true},
	{142, "CALL_FUNCTION_VAR_KW", KindPlain, VariadicArity, 1, true},
}

// fixedDefs extends sharedDefs with opcodes specific to the fixed-width
// encodings (modeled on CPython 3.8 numbering).
var fixedDefs = []opdef{
	{6, "ROT_FOUR", KindPlain, 4, 4, false},
	{50, "GET_AITER", KindPlain, 1, 1, true},
	{51, "GET_ANEXT", KindPlain, 1, 2, true},
	{53, "BEGIN_FINALLY", KindPlain, 0, 1, true},
	{54, "END_ASYNC_FOR", KindPlain, 7, 0, true},
	{69, "GET_YIELD_FROM_ITER", KindPlain, 1, 1, true},
	{85, "SETUP_ANNOTATIONS", KindPlain, 0, 0, false},
	{142, "CALL_FUNCTION_EX", KindPlain, VariadicArity, 1, true},
	{154, "LOAD_ASSERTION_ERROR", KindPlain, 0, 1, false},
	{155, "FORMAT_VALUE", KindPlain, VariadicArity, 1, false},
	{156, "BUILD_CONST_KEY_MAP", KindPlain, VariadicArity, 1, false},
	{157, "BUILD_STRING", KindPlain, VariadicArity, 1, false},
	{160, "LOAD_METHOD", KindName, 1, 2, true},
	{161, "CALL_METHOD", KindPlain, VariadicArity, 1, true},
}

var (
	legacyTable = buildTable(append(append([]opdef{}, sharedDefs...), legacyDefs...), false)
	fixedTable  = buildTable(append(append([]opdef{}, sharedDefs...), fixedDefs...), true)
)
