package replace

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	bomperr "bomp/internal/errors"
	"bomp/shared/types"
)

// Span is a half-open byte range [Start, End) of a file's content.
type Span struct {
	Start int
	End   int
}

func (s Span) Len() int {
	return s.End - s.Start
}

// Splice copies content, substituting replacement for every span. Spans
// must be ascending, in range and disjoint; anything else is reported as
// an error instead of producing corrupt output.
func Splice(content []byte, spans []Span, replacement []byte) ([]byte, error) {
	removed := 0
	prevEnd := 0
	for i, s := range spans {
		if s.Start < prevEnd || s.End < s.Start || s.End > len(content) {
			return nil, fmt.Errorf("span %d [%d,%d) overlaps or is out of range (previous end %d, size %d)",
				i, s.Start, s.End, prevEnd, len(content))
		}
		removed += s.Len()
		prevEnd = s.End
	}

	out := make([]byte, 0, len(content)-removed+len(spans)*len(replacement))
	prevEnd = 0
	for _, s := range spans {
		out = append(out, content[prevEnd:s.Start]...)
		out = append(out, replacement...)
		prevEnd = s.End
	}
	return append(out, content[prevEnd:]...), nil
}

// ReadTarget loads a tracked file and its permission bits. The path is
// slash separated and relative to root; symlinks are followed.
func ReadTarget(root, path string) ([]byte, fs.FileMode, error) {
	abs := filepath.Join(root, filepath.FromSlash(path))
	info, err := os.Stat(abs)
	if err != nil {
		return nil, 0, bomperr.Planning(path, "reading target file", err)
	}
	if !info.Mode().IsRegular() {
		return nil, 0, bomperr.Planning(path, "target is not a regular file", nil)
	}
	content, err := os.ReadFile(abs)
	if err != nil {
		return nil, 0, bomperr.Planning(path, "reading target file", err)
	}
	return content, info.Mode().Perm(), nil
}

func validateReplacement(path string, r shared.VersionReplacement) error {
	if r.OldVersion == "" || r.NewVersion == "" {
		return bomperr.Planning(path, "invalid version text: old and new versions must be non-empty", nil)
	}
	return nil
}
