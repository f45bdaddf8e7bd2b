package vm

import (
	"encoding/binary"
	"fmt"
)

// ---------------------------------------------------------------------------
// Instruction decoding
// ---------------------------------------------------------------------------

// Instruction is one decoded logical instruction. EXTENDED_ARG prefixes are
// folded in: Offset is the first prefix's offset, Length spans the whole
// chain, and Arg carries the accumulated argument. Instructions are value
// types produced transiently; nothing stores them.
type Instruction struct {
	Offset uint32
	Op     Opcode
	Arg    int64
	HasArg bool
	Length uint8
}

// End returns the offset just past this instruction.
func (ins Instruction) End() uint32 {
	return ins.Offset + uint32(ins.Length)
}

// Decode decodes the logical instruction at offset. It is a pure function:
// deterministic for a given (code, offset) and mutates nothing.
func Decode(code *CodeUnit, offset uint32) (Instruction, error) {
	table := TableForVersion(code.Version)
	raw := code.Instructions
	pos := int(offset)

	var ext int64
	for {
		if pos >= len(raw) {
			return Instruction{}, fmt.Errorf("%w: opcode at offset 0x%x", ErrTruncated, pos)
		}
		op := Opcode(raw[pos])
		if _, ok := table.Lookup(op); !ok {
			return Instruction{}, fmt.Errorf("%w: 0x%02x at offset 0x%x", ErrUnknownOpcode, byte(op), pos)
		}

		var arg int64
		hasArg := table.HasArg(op)
		if table.FixedWidth {
			if pos+1 >= len(raw) {
				return Instruction{}, fmt.Errorf("%w: argument at offset 0x%x", ErrTruncated, pos)
			}
			arg = int64(raw[pos+1])
			pos += 2
		} else if hasArg {
			if pos+2 >= len(raw) {
				return Instruction{}, fmt.Errorf("%w: argument at offset 0x%x", ErrTruncated, pos)
			}
			arg = int64(binary.LittleEndian.Uint16(raw[pos+1:]))
			pos += 3
		} else {
			pos++
		}

		// EXTENDED_ARG never terminates a logical instruction: it shifts its
		// argument into the high bits of the next one.
		if op == table.ExtendedArg {
			if table.FixedWidth {
				ext = ext<<8 | arg
			} else {
				ext = ext<<16 | arg
			}
			continue
		}

		if hasArg {
			if table.FixedWidth {
				arg = ext<<8 | arg
			} else {
				arg = ext<<16 | arg
			}
		} else {
			arg = 0
		}
		return Instruction{
			Offset: offset,
			Op:     op,
			Arg:    arg,
			HasArg: hasArg,
			Length: uint8(pos - int(offset)),
		}, nil
	}
}

// ---------------------------------------------------------------------------
// InstructionReader: restartable iteration for disassembly
// ---------------------------------------------------------------------------

// InstructionReader walks a CodeUnit's instructions in order. It is finite
// and restartable, which is all the disassembly collaborator needs.
type InstructionReader struct {
	code *CodeUnit
	pos  uint32
}

// NewInstructionReader creates a reader positioned at the first instruction.
func NewInstructionReader(code *CodeUnit) *InstructionReader {
	return &InstructionReader{code: code}
}

// HasMore reports whether instructions remain.
func (r *InstructionReader) HasMore() bool {
	return int(r.pos) < len(r.code.Instructions)
}

// Next decodes the instruction at the current position and advances past it.
func (r *InstructionReader) Next() (Instruction, error) {
	ins, err := Decode(r.code, r.pos)
	if err != nil {
		return Instruction{}, err
	}
	r.pos = ins.End()
	return ins, nil
}

// Reset rewinds the reader to the first instruction.
func (r *InstructionReader) Reset() {
	r.pos = 0
}

// Seek positions the reader at an arbitrary offset. The offset must be an
// instruction boundary or subsequent decodes will fail.
func (r *InstructionReader) Seek(offset uint32) {
	r.pos = offset
}

// DecodeAll decodes every instruction in a CodeUnit. The result partitions
// the instruction bytes exactly: no gaps, no overlaps.
func DecodeAll(code *CodeUnit) ([]Instruction, error) {
	r := NewInstructionReader(code)
	var out []Instruction
	for r.HasMore() {
		ins, err := r.Next()
		if err != nil {
			return out, err
		}
		out = append(out, ins)
	}
	return out, nil
}
