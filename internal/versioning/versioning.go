// internal/versioning/versioning.go
package versioning

import (
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/mod/semver"
)

// Valid reports whether v is a full MAJOR.MINOR.PATCH semantic version,
// with optional pre-release and build metadata and no "v" prefix.
func Valid(v string) bool {
	if v == "" || strings.HasPrefix(v, "v") {
		return false
	}
	if !semver.IsValid("v" + v) {
		return false
	}
	core := v
	if i := strings.IndexAny(core, "-+"); i >= 0 {
		core = core[:i]
	}
	return strings.Count(core, ".") == 2
}

// Compare orders two versions as semver does; invalid versions sort first.
func Compare(a, b string) int {
	return semver.Compare("v"+a, "v"+b)
}

// Increment selects how the next version is derived.
type Increment int

const (
	Patch Increment = iota
	Minor
	Major
	Manual
)

func (i Increment) String() string {
	switch i {
	case Patch:
		return "patch"
	case Minor:
		return "minor"
	case Major:
		return "major"
	case Manual:
		return "manual"
	default:
		return "unknown"
	}
}

// Next applies an increment to current. Pre-release and build metadata of
// current are dropped; a Manual increment returns manual after validation.
func Next(current string, inc Increment, manual string) (string, error) {
	if inc == Manual {
		if !Valid(manual) {
			return "", fmt.Errorf("version %q is not a valid semantic version", manual)
		}
		return manual, nil
	}
	if !Valid(current) {
		return "", fmt.Errorf("current version %q is not a valid semantic version", current)
	}

	core := current
	if i := strings.IndexAny(core, "-+"); i >= 0 {
		core = core[:i]
	}
	parts := strings.Split(core, ".")
	nums := make([]int, 3)
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil {
			return "", fmt.Errorf("parsing %q: %w", current, err)
		}
		nums[i] = n
	}

	switch inc {
	case Major:
		nums[0], nums[1], nums[2] = nums[0]+1, 0, 0
	case Minor:
		nums[1], nums[2] = nums[1]+1, 0
	case Patch:
		// a pre-release of x.y.z is released as x.y.z
		if core == current {
			nums[2]++
		}
	default:
		return "", fmt.Errorf("unknown increment %d", inc)
	}
	return fmt.Sprintf("%d.%d.%d", nums[0], nums[1], nums[2]), nil
}

// Automatic derives the increment from conventional-commit summaries:
// a breaking change bumps major, a feature bumps minor, anything else patch.
// Versions below 1.0.0 never bump major automatically.
func Automatic(current string, summaries []string) Increment {
	inc := Patch
	for _, s := range summaries {
		kind, breaking := classify(s)
		switch {
		case breaking:
			inc = Major
		case kind == "feat" && inc < Minor:
			inc = Minor
		}
	}
	if inc == Major && semver.Major("v"+current) == "v0" {
		return Minor
	}
	return inc
}

// classify splits a "type(scope)!: summary" header.
func classify(message string) (kind string, breaking bool) {
	header, body, _ := strings.Cut(message, "\n")
	if strings.Contains(body, "BREAKING CHANGE:") || strings.Contains(body, "BREAKING-CHANGE:") {
		breaking = true
	}
	prefix, _, ok := strings.Cut(header, ":")
	if !ok {
		return "", breaking
	}
	if strings.HasSuffix(prefix, "!") {
		breaking = true
		prefix = strings.TrimSuffix(prefix, "!")
	}
	if i := strings.IndexByte(prefix, '('); i >= 0 {
		prefix = prefix[:i]
	}
	return strings.ToLower(strings.TrimSpace(prefix)), breaking
}
