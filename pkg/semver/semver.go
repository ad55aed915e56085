// Package semver compares node software versions.
package semver

import (
	"fmt"
)

// Semver is a major.minor.patch version
type Semver struct {
	Major uint32
	Minor uint32
	Patch uint32
}

// NewSemver creates a new Semver
func NewSemver(major, minor, patch uint32) Semver {
	return Semver{Major: major, Minor: minor, Patch: patch}
}

// FromNodeVersion decodes the integer version reported by getnetworkinfo,
// e.g. 250100 is 25.1.0 and 170100 is 0.17.1 (pre-22 releases carry a
// leading zero major).
func FromNodeVersion(v int32) Semver {
	if v < 0 {
		return Semver{}
	}
	n := uint32(v)
	major := n / 10000
	minor := (n / 100) % 100
	patch := n % 100
	if major < 22 && major > 0 {
		// 0.MAJOR.MINOR releases
		return Semver{Major: 0, Minor: major, Patch: minor}
	}
	return Semver{Major: major, Minor: minor, Patch: patch}
}

// String returns the string representation
func (s Semver) String() string {
	return fmt.Sprintf("%d.%d.%d", s.Major, s.Minor, s.Patch)
}

// Compare returns -1, 0 or 1 as s is older, equal or newer than o
func (s Semver) Compare(o Semver) int {
	switch {
	case s.Major != o.Major:
		return cmp(s.Major, o.Major)
	case s.Minor != o.Minor:
		return cmp(s.Minor, o.Minor)
	default:
		return cmp(s.Patch, o.Patch)
	}
}

// AtLeast reports whether s is min or newer
func (s Semver) AtLeast(min Semver) bool {
	return s.Compare(min) >= 0
}

func cmp(a, b uint32) int {
	if a < b {
		return -1
	}
	if a > b {
		return 1
	}
	return 0
}
