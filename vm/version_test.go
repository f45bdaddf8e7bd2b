package vm

import (
	"testing"
)

func TestVersionLess(t *testing.T) {
	tests := []struct {
		a, b Version
		want bool
	}{
		{Version{Major: 3, Minor: 5}, Version{Major: 3, Minor: 6}, true},
		{Version{Major: 3, Minor: 6}, Version{Major: 3, Minor: 6}, false},
		{Version{Major: 2, Minor: 7}, Version{Major: 3, Minor: 0}, true},
		{Version{3, 6, 0, "alpha", 1}, Version{3, 6, 0, "alpha", 2}, true},
		{Version{3, 6, 0, "alpha", 2}, Version{3, 6, 0, "beta", 1}, true},
		{Version{3, 6, 0, "candidate", 1}, Version{3, 6, 0, "final", 0}, true},
		// Empty level means final.
		{Version{3, 6, 0, "", 0}, Version{3, 6, 0, "final", 0}, false},
		{Version{3, 6, 0, "final", 0}, Version{3, 6, 1, "alpha", 1}, true},
	}
	for _, tt := range tests {
		if got := tt.a.Less(tt.b); got != tt.want {
			t.Errorf("%s < %s = %v, want %v", tt.a, tt.b, got, tt.want)
		}
	}
}

func TestVersionAtLeast(t *testing.T) {
	v := Version{Major: 3, Minor: 8, Level: "final"}
	if !v.AtLeast(FixedWidthOpcodes) {
		t.Errorf("3.8 should be at least %s", FixedWidthOpcodes)
	}
	if v.AtLeast(JumpByOffset) {
		t.Errorf("3.8 should precede %s", JumpByOffset)
	}
	if !JumpByOffset.AtLeast(JumpByOffset) {
		t.Errorf("a version is at least itself")
	}
}

func TestVersionString(t *testing.T) {
	tests := []struct {
		v    Version
		want string
	}{
		{Version{3, 6, 0, "alpha", 2}, "3.6.0a2"},
		{Version{3, 10, 0, "alpha", 7}, "3.10.0a7"},
		{Version{3, 10, 0, "candidate", 1}, "3.10.0rc1"},
		{Version{3, 8, 1, "final", 0}, "3.8.1"},
		{Version{Major: 3, Minor: 5}, "3.5.0"},
	}
	for _, tt := range tests {
		if got := tt.v.String(); got != tt.want {
			t.Errorf("String(%+v) = %q, want %q", tt.v, got, tt.want)
		}
	}
}

func TestVersionForMagic(t *testing.T) {
	tests := []struct {
		magic uint16
		want  Version
	}{
		{3050, Version{3, 0, 0, "final", 0}},  // early Python 3
		{3370, Version{3, 0, 0, "final", 0}},  // threshold itself not exceeded
		{3379, FixedWidthOpcodes},             // 3.6
		{3394, DeterministicPyc},              // 3.7
		{3413, PositionalOnlyParams},          // 3.8
		{3420, PositionalOnlyParams},          // 3.9 keeps the 3.8 layout
		{3439, JumpByOffset},                  // 3.10
	}
	for _, tt := range tests {
		got, ok := VersionForMagic(tt.magic)
		if !ok {
			t.Errorf("magic %d rejected", tt.magic)
			continue
		}
		if got != tt.want {
			t.Errorf("magic %d resolved %s, want %s", tt.magic, got, tt.want)
		}
	}

	for _, magic := range []uint16{0, 2999, 4000, 62211} {
		if _, ok := VersionForMagic(magic); ok {
			t.Errorf("magic %d accepted outside the Python 3 range", magic)
		}
	}
}

func TestEncodingSelection(t *testing.T) {
	legacy := TableForVersion(Version{Major: 3, Minor: 5, Level: "final"})
	if legacy.FixedWidth {
		t.Errorf("3.5 selected the fixed-width table")
	}
	fixed := TableForVersion(Version{Major: 3, Minor: 6, Level: "final"})
	if !fixed.FixedWidth {
		t.Errorf("3.6 selected the legacy table")
	}
	// The switch happened at an alpha, not the final release.
	if !TableForVersion(FixedWidthOpcodes).FixedWidth {
		t.Errorf("%s selected the legacy table", FixedWidthOpcodes)
	}
}
