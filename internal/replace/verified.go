package replace

import (
	"bytes"
	"context"
	"fmt"
	"regexp"

	bomperr "bomp/internal/errors"
	"bomp/internal/logging"
	"bomp/shared/types"

	"go.uber.org/zap"
)

// VerifiedStrategy replaces an occurrence of the old version only when the
// verification pattern matches the lines right above it.
type VerifiedStrategy struct {
	Path    string
	Pattern *regexp.Regexp
	Logger  *zap.Logger
}

// NewVerifiedStrategy compiles the verification pattern.
func NewVerifiedStrategy(path, pattern string, logger *zap.Logger) (*VerifiedStrategy, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, bomperr.Planning(path, "compiling verification pattern", err)
	}
	return &VerifiedStrategy{Path: path, Pattern: re, Logger: logger}, nil
}

// Candidate is one literal occurrence together with its context window.
type Candidate struct {
	Span    Span
	Context []byte
}

// Candidates finds every non-overlapping occurrence of old in a single
// pass. The context of an occurrence is the two full lines before the line
// it sits on, newlines included. Occurrences on the first two lines have a
// nil context and can never be verified.
func Candidates(content, old []byte) []Candidate {
	if len(old) == 0 {
		return nil
	}

	var found []Candidate
	// line starts: current line, previous line, the one before; -1 if absent
	cur, prev1, prev2 := 0, -1, -1
	scanned := 0
	for off := 0; off < len(content); {
		i := bytes.Index(content[off:], old)
		if i < 0 {
			break
		}
		at := off + i

		for {
			j := bytes.IndexByte(content[scanned:at], '\n')
			if j < 0 {
				break
			}
			prev2, prev1, cur = prev1, cur, scanned+j+1
			scanned = cur
		}
		scanned = at

		c := Candidate{Span: Span{Start: at, End: at + len(old)}}
		if prev2 >= 0 {
			c.Context = content[prev2:cur]
		}
		found = append(found, c)
		off = at + len(old)
	}
	return found
}

// VerifiedSpans keeps the candidates whose context matches pattern, in
// ascending offset order.
func VerifiedSpans(content, old []byte, pattern *regexp.Regexp) []Span {
	var spans []Span
	for _, c := range Candidates(content, old) {
		if c.Context != nil && pattern.Match(c.Context) {
			spans = append(spans, c.Span)
		}
	}
	return spans
}

// ReplaceVerified returns content with the verified occurrences replaced
// and the number of replacements made.
func ReplaceVerified(content []byte, r shared.VersionReplacement, pattern *regexp.Regexp) ([]byte, int, error) {
	spans := VerifiedSpans(content, []byte(r.OldVersion), pattern)
	out, err := Splice(content, spans, []byte(r.NewVersion))
	if err != nil {
		return nil, 0, err
	}
	return out, len(spans), nil
}

// Plan fails with an AmbiguousMatchCount error when no occurrence passes
// verification.
func (s *VerifiedStrategy) Plan(ctx context.Context, root string, r shared.VersionReplacement) ([]*shared.PendingEdit, error) {
	if err := validateReplacement(s.Path, r); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	content, perm, err := ReadTarget(root, s.Path)
	if err != nil {
		return nil, err
	}

	replaced, n, err := ReplaceVerified(content, r, s.Pattern)
	if err != nil {
		return nil, bomperr.Planning(s.Path, "splicing verified matches", err)
	}
	if n == 0 {
		return nil, bomperr.AmbiguousMatchCount(s.Path, n)
	}

	logging.OrNop(s.Logger).Debug("planned verified substitution",
		zap.String("path", s.Path),
		zap.String("pattern", s.Pattern.String()),
		zap.Int("matches", n))

	return []*shared.PendingEdit{{
		Path:    s.Path,
		Content: replaced,
		Perm:    perm,
	}}, nil
}

func (s *VerifiedStrategy) Targets() []string {
	return []string{s.Path}
}

func (s *VerifiedStrategy) String() string {
	return fmt.Sprintf("verified:%s(%s)", s.Path, s.Pattern)
}
