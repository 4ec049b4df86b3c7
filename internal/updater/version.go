package updater

import (
	"strconv"
	"strings"
)

// Version is a parsed vMAJOR.MINOR.PATCH[-pre] release string.
type Version struct {
	Major, Minor, Patch int
	Pre                 string
	valid               bool
}

// ParseVersion accepts "1.2.3", "v1.2.3" and "v1.2.3-rc.1". Anything else,
// including "dev" and git-describe output without a tag, is a dev version.
func ParseVersion(s string) Version {
	s = strings.TrimPrefix(strings.TrimSpace(s), "v")
	core, pre, _ := strings.Cut(s, "-")
	parts := strings.Split(core, ".")
	if len(parts) != 3 {
		return Version{}
	}
	var nums [3]int
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return Version{}
		}
		nums[i] = n
	}
	return Version{Major: nums[0], Minor: nums[1], Patch: nums[2], Pre: pre, valid: true}
}

// IsDev reports whether the version is not a tagged release.
func (v Version) IsDev() bool {
	return !v.valid
}

// Compare returns -1, 0 or 1. A pre-release sorts before its release.
func (v Version) Compare(o Version) int {
	for _, d := range [][2]int{{v.Major, o.Major}, {v.Minor, o.Minor}, {v.Patch, o.Patch}} {
		if d[0] != d[1] {
			if d[0] < d[1] {
				return -1
			}
			return 1
		}
	}
	switch {
	case v.Pre == o.Pre:
		return 0
	case v.Pre == "":
		return 1
	case o.Pre == "":
		return -1
	case v.Pre < o.Pre:
		return -1
	default:
		return 1
	}
}

func (v Version) IsOlderThan(o Version) bool {
	return v.valid && o.valid && v.Compare(o) < 0
}

func (v Version) String() string {
	if !v.valid {
		return "dev"
	}
	s := "v" + strconv.Itoa(v.Major) + "." + strconv.Itoa(v.Minor) + "." + strconv.Itoa(v.Patch)
	if v.Pre != "" {
		s += "-" + v.Pre
	}
	return s
}
