package vm

import "strconv"

// ---------------------------------------------------------------------------
// Interpreter version tags
// ---------------------------------------------------------------------------

// Version identifies a CPython release. It selects the bytecode encoding,
// the active opcode table and the marshal layout of code objects.
type Version struct {
	Major  int
	Minor  int
	Micro  int
	Level  string // "alpha", "beta", "candidate", "final" ("" means final)
	Serial int
}

// Release levels ordered for comparison.
var levelRank = map[string]int{
	"alpha":     0,
	"beta":      1,
	"candidate": 2,
	"final":     3,
	"":          3,
}

// Breaking changes that need special handling when decoding or loading
// bytecode. Versions are the first release (including pre-releases) that
// shipped the change.
var (
	// Two-byte instructions regardless of whether the opcode has an argument.
	FixedWidthOpcodes = Version{3, 6, 0, "alpha", 2}

	// Deterministic pyc files (PEP 552): hash-based header instead of mtime.
	DeterministicPyc = Version{3, 7, 0, "alpha", 4}

	// Positional-only parameters (PEP 570): adds a field to marshaled code.
	PositionalOnlyParams = Version{3, 8, 0, "alpha", 1}

	// Jump targets are instruction offsets instead of byte offsets.
	JumpByOffset = Version{3, 10, 0, "alpha", 7}
)

// Less reports whether v precedes other in release order.
func (v Version) Less(other Version) bool {
	if v.Major != other.Major {
		return v.Major < other.Major
	}
	if v.Minor != other.Minor {
		return v.Minor < other.Minor
	}
	if v.Micro != other.Micro {
		return v.Micro < other.Micro
	}
	if levelRank[v.Level] != levelRank[other.Level] {
		return levelRank[v.Level] < levelRank[other.Level]
	}
	return v.Serial < other.Serial
}

// AtLeast reports whether v is other or a later release.
func (v Version) AtLeast(other Version) bool {
	return !v.Less(other)
}

// String renders the version the way CPython abbreviates pre-releases
// (3.6.0a2, 3.10.0rc1, 3.8.1).
func (v Version) String() string {
	s := strconv.Itoa(v.Major) + "." + strconv.Itoa(v.Minor)
	if v.Micro != 0 || v.Level == "" || v.Level == "final" {
		s += "." + strconv.Itoa(v.Micro)
	} else {
		s += ".0"
	}
	switch v.Level {
	case "alpha":
		s += "a" + strconv.Itoa(v.Serial)
	case "beta":
		s += "b" + strconv.Itoa(v.Serial)
	case "candidate":
		s += "rc" + strconv.Itoa(v.Serial)
	}
	return s
}

// ---------------------------------------------------------------------------
// pyc magic numbers
// ---------------------------------------------------------------------------

// pycMagicVersions maps pyc magic thresholds to the version whose breaking
// changes apply. A magic number selects the last threshold it exceeds.
// Entries must stay sorted by magic.
var pycMagicVersions = []struct {
	magic   uint16
	version Version
}{
	{3000, Version{3, 0, 0, "final", 0}},
	{3370, FixedWidthOpcodes},
	{3392, DeterministicPyc},
	{3410, PositionalOnlyParams},
	{3435, JumpByOffset},
	{3550, Version{3, 13, 0, "final", 0}}, // reserved
}

// VersionForMagic resolves a pyc magic number to an encoding version.
// Returns false when the magic is outside the Python 3 range.
func VersionForMagic(magic uint16) (Version, bool) {
	if magic < 3000 || magic >= 4000 {
		return Version{}, false
	}
	version := pycMagicVersions[0].version
	for _, entry := range pycMagicVersions {
		if magic <= entry.magic {
			break
		}
		version = entry.version
	}
	return version, true
}
