// Package version implements comparison of Blender release identifiers.
//
// Blender release numbering is not semver: historical releases carry
// alphabetic qualifiers ("2.82a", "2.79b") and release-candidate tails
// ("2.93rc3"). Versions are compared by flattening numeric components and
// qualifier characters into a single ordered integer sequence.
package version

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/Masterminds/semver/v3"
)

// Version is an immutable, comparable Blender release identifier.
type Version struct {
	raw        string
	components []int
}

// Parse builds a Version from any string. It never fails: non-numeric input
// produces a degenerate but still totally ordered value.
//
// Each dot-separated segment contributes its leading digits as one numeric
// component. Once a non-digit character has been seen anywhere, all remaining
// characters are treated as a qualifier tail: digits in the tail contribute
// their integer value, other characters their code point.
func Parse(raw string) Version {
	var components []int
	var tail []rune

	for _, segment := range strings.Split(raw, ".") {
		var num strings.Builder
		for _, ch := range segment {
			if ch >= '0' && ch <= '9' && len(tail) == 0 {
				num.WriteRune(ch)
			} else {
				tail = append(tail, ch)
			}
		}
		if num.Len() > 0 {
			n, _ := strconv.Atoi(num.String())
			components = append(components, n)
		}
	}

	for _, ch := range tail {
		if ch >= '0' && ch <= '9' {
			components = append(components, int(ch-'0'))
		} else {
			components = append(components, int(ch))
		}
	}

	return Version{raw: raw, components: components}
}

// String returns the original string the Version was parsed from.
func (v Version) String() string {
	return v.raw
}

// Compare returns -1, 0 or 1. Components are compared pairwise; a missing
// component counts as zero, so "2.80" and "2.80.0" compare equal while
// "2.82a" still sorts after "2.82" (0 < 'a').
func (v Version) Compare(other Version) int {
	a, b := v.components, other.components
	for i := 0; i < len(a) || i < len(b); i++ {
		var av, bv int
		if i < len(a) {
			av = a[i]
		}
		if i < len(b) {
			bv = b[i]
		}
		switch {
		case av < bv:
			return -1
		case av > bv:
			return 1
		}
	}
	return 0
}

// Less reports whether v orders strictly before other.
func (v Version) Less(other Version) bool {
	return v.Compare(other) < 0
}

// LessEqual reports whether v orders before or equal to other.
func (v Version) LessEqual(other Version) bool {
	return v.Compare(other) <= 0
}

// Greater reports whether v orders strictly after other.
func (v Version) Greater(other Version) bool {
	return v.Compare(other) > 0
}

// GreaterEqual reports whether v orders after or equal to other.
func (v Version) GreaterEqual(other Version) bool {
	return v.Compare(other) >= 0
}

// Equal reports whether both versions flatten to the same sequence. This is
// weaker than string equality: "2.80" and "2.80.0" are Equal.
func (v Version) Equal(other Version) bool {
	return v.Compare(other) == 0
}

// Normalize pads a dotted version to major.minor.patch form, strips a
// leading "v" and truncates anything beyond three dotted segments.
func Normalize(raw string) string {
	raw = strings.TrimRight(raw, ".")
	switch strings.Count(raw, ".") {
	case 0:
		raw += ".0.0"
	case 1:
		raw += ".0"
	case 2:
		// already major.minor.patch
	default:
		raw = strings.Join(strings.Split(raw, ".")[:3], ".")
	}
	return strings.TrimPrefix(raw, "v")
}

// MajorMinor reduces a version string to its first two dotted segments with
// any alphabetic qualifier characters removed, e.g. "2.82a" -> "2.82".
func MajorMinor(raw string) string {
	parts := strings.Split(raw, ".")
	if len(parts) > 2 {
		parts = parts[:2]
	}
	joined := strings.Join(parts, ".")

	var out strings.Builder
	for _, ch := range joined {
		if (ch >= 'a' && ch <= 'z') || (ch >= 'A' && ch <= 'Z') {
			continue
		}
		out.WriteRune(ch)
	}
	return out.String()
}

// ValidateNormalized checks that a normalized version string is a
// well-formed major.minor.patch number. Only strings already passed through
// Normalize should reach this check; qualifier-bearing legacy versions like
// "2.82a" are never normalized and never validated here.
func ValidateNormalized(normalized string) error {
	if _, err := semver.NewVersion(normalized); err != nil {
		return fmt.Errorf("invalid version %q: %w", normalized, err)
	}
	return nil
}
