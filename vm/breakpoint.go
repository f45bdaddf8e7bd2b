package vm

import (
	"fmt"
	"sort"
)

// ---------------------------------------------------------------------------
// Breakpoints
// ---------------------------------------------------------------------------

// Breakpoint is one entry in a BreakpointTable. An empty Condition means
// unconditional.
type Breakpoint struct {
	Offset    uint32
	Condition string
	Enabled   bool
}

// BreakpointTable maps byte offsets to breakpoints. At most one breakpoint
// exists per offset; setting again replaces. The table is keyed by offset
// only, so it applies to whichever code unit the current frame runs.
type BreakpointTable struct {
	entries map[uint32]*Breakpoint
}

// NewBreakpointTable creates an empty table.
func NewBreakpointTable() *BreakpointTable {
	return &BreakpointTable{entries: make(map[uint32]*Breakpoint)}
}

// Set installs a breakpoint at offset, replacing any existing one.
func (t *BreakpointTable) Set(offset uint32, condition string) *Breakpoint {
	bp := &Breakpoint{Offset: offset, Condition: condition, Enabled: true}
	t.entries[offset] = bp
	return bp
}

// Toggle sets an unconditional breakpoint at offset, or removes the existing
// one. It reports whether a breakpoint exists afterwards.
func (t *BreakpointTable) Toggle(offset uint32) bool {
	if _, ok := t.entries[offset]; ok {
		delete(t.entries, offset)
		return false
	}
	t.Set(offset, "")
	return true
}

// Remove deletes the breakpoint at offset if one exists.
func (t *BreakpointTable) Remove(offset uint32) bool {
	if _, ok := t.entries[offset]; !ok {
		return false
	}
	delete(t.entries, offset)
	return true
}

// Get returns the breakpoint at offset, if any.
func (t *BreakpointTable) Get(offset uint32) (*Breakpoint, bool) {
	bp, ok := t.entries[offset]
	return bp, ok
}

// Enable marks the breakpoint at offset active again.
func (t *BreakpointTable) Enable(offset uint32) bool {
	bp, ok := t.entries[offset]
	if !ok {
		return false
	}
	bp.Enabled = true
	return true
}

// Disable keeps the breakpoint but stops it from firing.
func (t *BreakpointTable) Disable(offset uint32) bool {
	bp, ok := t.entries[offset]
	if !ok {
		return false
	}
	bp.Enabled = false
	return true
}

// List returns all breakpoints ordered by offset.
func (t *BreakpointTable) List() []*Breakpoint {
	out := make([]*Breakpoint, 0, len(t.entries))
	for _, bp := range t.entries {
		out = append(out, bp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Offset < out[j].Offset })
	return out
}

// Len returns the number of installed breakpoints.
func (t *BreakpointTable) Len() int {
	return len(t.entries)
}

// Hit decides whether the breakpoint at offset fires for the given frame.
// An unconditional enabled breakpoint always fires. A conditional one fires
// only when its expression evaluates truthy in the frame's scope; a condition
// that cannot be evaluated counts as false and is surfaced as a warning.
func (t *BreakpointTable) Hit(offset uint32, frame *Frame, ev Evaluator) (bool, string) {
	bp, ok := t.entries[offset]
	if !ok || !bp.Enabled {
		return false, ""
	}
	if bp.Condition == "" {
		return true, ""
	}
	if ev == nil {
		return false, "no evaluator available for condition " + bp.Condition
	}
	v, err := ev.Evaluate(bp.Condition, FrameScope(frame))
	if err != nil {
		return false, fmt.Sprintf("condition %q: %v", bp.Condition, err)
	}
	return v.Truthy(), ""
}
