package vm

import "errors"

// ---------------------------------------------------------------------------
// Error taxonomy
// ---------------------------------------------------------------------------

// Decode errors. Fatal to the current instruction, recoverable at the
// session level: VM state is left unchanged and the operator may retry.
var (
	ErrUnknownOpcode = errors.New("unknown opcode")
	ErrTruncated     = errors.New("truncated instruction")
)

// Execution errors. The failing instruction must not have partially mutated
// the stack; the engine buffers pops before any push.
var (
	ErrStackUnderflow = errors.New("stack underflow")
	ErrTypeMismatch   = errors.New("type mismatch")
	ErrNameError      = errors.New("name is not defined")
	ErrNotCallable    = errors.New("not callable")
	ErrUnsupported    = errors.New("unsupported opcode")
	ErrRaised         = errors.New("exception raised")
	ErrZeroDivision   = errors.New("division by zero")
	ErrIndexRange     = errors.New("index out of range")
	ErrKeyMissing     = errors.New("key not found")
)

// Controller errors. Reported without mutating any state.
var (
	ErrNoParentFrame = errors.New("no outer call")
	ErrNoSavepoint   = errors.New("no savepoint to restore")
)

// Loading errors for pyc files and snapshots.
var (
	ErrBadMagic   = errors.New("unknown magic header (not python 3?)")
	ErrBadMarshal = errors.New("corrupt marshal data")
)
