package emuroot

import (
	"fmt"
	"strconv"
	"strings"
)

// Version is a kernel release reduced to its numeric major.minor
// prefix. Comparisons are per component, so 3.4 sorts before 3.10.
type Version struct {
	Major int
	Minor int
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d", v.Major, v.Minor)
}

// Compare returns -1, 0 or 1 ordering v against o.
func (v Version) Compare(o Version) int {
	if v.Major != o.Major {
		if v.Major < o.Major {
			return -1
		}
		return 1
	}
	if v.Minor != o.Minor {
		if v.Minor < o.Minor {
			return -1
		}
		return 1
	}
	return 0
}

// ParseVersion extracts the major.minor pair from a kernel release
// string as reported by "uname -r", e.g. "3.10.0+" or
// "3.4.67-gd3ffcc7-dirty".
func ParseVersion(release string) (Version, error) {
	release = strings.TrimSpace(release)
	parts := strings.SplitN(release, ".", 3)
	if len(parts) < 2 {
		return Version{}, fmt.Errorf("parse kernel release %q: want major.minor", release)
	}

	major, err := strconv.Atoi(parts[0])
	if err != nil {
		return Version{}, fmt.Errorf("parse kernel release %q: bad major: %w", release, err)
	}

	minor, err := strconv.Atoi(leadingDigits(parts[1]))
	if err != nil {
		return Version{}, fmt.Errorf("parse kernel release %q: bad minor: %w", release, err)
	}

	return Version{Major: major, Minor: minor}, nil
}

// leadingDigits trims everything after the numeric prefix; minor
// components often carry suffixes like "10-perf".
func leadingDigits(s string) string {
	for i, r := range s {
		if r < '0' || r > '9' {
			return s[:i]
		}
	}
	return s
}
