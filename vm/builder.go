package vm

// ---------------------------------------------------------------------------
// CodeBuilder: helper for constructing instruction streams
// ---------------------------------------------------------------------------

// CodeBuilder constructs raw instruction bytes for one encoding version.
// It is used by the assembler and by tests; loaded bytecode never passes
// through it.
type CodeBuilder struct {
	version Version
	table   *OpcodeTable
	bytes   []byte
}

// NewCodeBuilder creates a builder emitting for the given version.
func NewCodeBuilder(v Version) *CodeBuilder {
	return &CodeBuilder{
		version: v,
		table:   TableForVersion(v),
		bytes:   make([]byte, 0, 64),
	}
}

// Bytes returns the constructed instruction stream.
func (b *CodeBuilder) Bytes() []byte {
	return b.bytes
}

// Len returns the current length in bytes.
func (b *CodeBuilder) Len() int {
	return len(b.bytes)
}

// InstructionOffset returns the current position in jump-argument units,
// matching how the engine resolves jump targets: byte offsets for versions
// before JumpByOffset, two-byte instruction slots from it on.
func (b *CodeBuilder) InstructionOffset() int {
	return len(b.bytes) / int(jumpScale(b.version))
}

// Emit appends one instruction, inserting EXTENDED_ARG prefixes when the
// argument exceeds the encoding's inline width.
func (b *CodeBuilder) Emit(op Opcode, arg int64) {
	if b.table.FixedWidth {
		if b.table.HasArg(op) {
			for shift := 24; shift >= 8; shift -= 8 {
				if arg>>shift != 0 {
					b.bytes = append(b.bytes, byte(b.table.ExtendedArg), byte(arg>>shift))
				}
			}
			b.bytes = append(b.bytes, byte(op), byte(arg))
		} else {
			b.bytes = append(b.bytes, byte(op), 0)
		}
		return
	}
	if b.table.HasArg(op) {
		if arg>>16 != 0 {
			ext := arg >> 16
			b.bytes = append(b.bytes, byte(b.table.ExtendedArg), byte(ext), byte(ext>>8))
		}
		b.bytes = append(b.bytes, byte(op), byte(arg), byte(arg>>8))
	} else {
		b.bytes = append(b.bytes, byte(op))
	}
}

// EmitByName appends one instruction by mnemonic. Unknown mnemonics panic;
// callers validate against the table first.
func (b *CodeBuilder) EmitByName(name string, arg int64) {
	op, ok := b.table.ByName(name)
	if !ok {
		panic("vm: unknown mnemonic " + name)
	}
	b.Emit(op, arg)
}

// ---------------------------------------------------------------------------
// Label management for jumps
// ---------------------------------------------------------------------------

// Label is a forward or backward jump target measured in jump-argument
// units for the builder's version.
type Label struct {
	resolved bool
	target   int64
	refs     []int // byte positions of argument slots to patch
}

// NewLabel creates an unresolved label.
func (b *CodeBuilder) NewLabel() *Label {
	return &Label{refs: make([]int, 0, 2)}
}

// Resolved reports whether Mark has been called for the label.
func (l *Label) Resolved() bool {
	return l.resolved
}

// Mark resolves a label to the current position and patches every
// forward reference recorded so far.
func (b *CodeBuilder) Mark(label *Label) {
	if label.resolved {
		panic("label already resolved")
	}
	label.resolved = true
	label.target = int64(b.InstructionOffset())
	for _, ref := range label.refs {
		b.patchArg(ref, label.target)
	}
	label.refs = nil
}

// EmitJump emits an absolute jump to a label. Targets must fit the inline
// argument width; the assembler rejects larger functions.
func (b *CodeBuilder) EmitJump(op Opcode, label *Label) {
	if label.resolved {
		b.Emit(op, label.target)
		return
	}
	b.Emit(op, 0)
	if b.table.FixedWidth {
		label.refs = append(label.refs, len(b.bytes)-1)
	} else {
		label.refs = append(label.refs, len(b.bytes)-2)
	}
}

func (b *CodeBuilder) patchArg(pos int, target int64) {
	if b.table.FixedWidth {
		if target > 0xFF {
			panic("jump target out of single-byte range")
		}
		b.bytes[pos] = byte(target)
		return
	}
	if target > 0xFFFF {
		panic("jump target out of two-byte range")
	}
	b.bytes[pos] = byte(target)
	b.bytes[pos+1] = byte(target >> 8)
}
