// internal/diff/diff.go
package diff

import (
	"bytes"
	"fmt"
)

// DefaultContext is the number of unchanged lines shown around a change.
const DefaultContext = 3

// Line represents a single line in a diff with its type and content.
// OldNum and NewNum are 1-based; zero means the line is absent on that side.
type Line struct {
	Type    LineType
	Content string
	OldNum  int
	NewNum  int
}

// LineType indicates whether a line was added, removed, or is context
type LineType int

const (
	Context LineType = iota
	Addition
	Deletion
)

// DiffResult contains the complete diff information
type DiffResult struct {
	Hunks []Hunk
	Stats struct {
		Additions int
		Deletions int
		Changes   int
	}
}

// Empty reports whether the two inputs were line-for-line identical.
func (r *DiffResult) Empty() bool {
	return len(r.Hunks) == 0
}

// Hunk represents a continuous section of changes
type Hunk struct {
	OldStart int
	OldLines int
	NewStart int
	NewLines int
	Lines    []Line
}

// Engine provides diffing capabilities
type Engine struct {
	contextLines int
}

// NewEngine creates a new diff engine with specified context lines
func NewEngine(contextLines int) *Engine {
	if contextLines < 0 {
		contextLines = 0
	}
	return &Engine{
		contextLines: contextLines,
	}
}

// Diff generates a line-by-line diff between two contents
func (e *Engine) Diff(oldContent, newContent []byte) (*DiffResult, error) {
	oldLines := splitLines(oldContent)
	newLines := splitLines(newContent)

	script := e.editScript(oldLines, newLines)

	result := &DiffResult{Hunks: e.group(script)}
	for _, line := range script {
		switch line.Type {
		case Addition:
			result.Stats.Additions++
		case Deletion:
			result.Stats.Deletions++
		}
	}
	result.Stats.Changes = result.Stats.Additions + result.Stats.Deletions

	return result, nil
}

func splitLines(content []byte) [][]byte {
	if len(content) == 0 {
		return nil
	}
	return bytes.Split(bytes.TrimSuffix(content, []byte{'\n'}), []byte{'\n'})
}

// computeLCS returns suffix lengths: matrix[i][j] is the LCS length of
// oldLines[i:] and newLines[j:].
func (e *Engine) computeLCS(oldLines, newLines [][]byte) [][]int {
	matrix := make([][]int, len(oldLines)+1)
	for i := range matrix {
		matrix[i] = make([]int, len(newLines)+1)
	}

	for i := len(oldLines) - 1; i >= 0; i-- {
		for j := len(newLines) - 1; j >= 0; j-- {
			if bytes.Equal(oldLines[i], newLines[j]) {
				matrix[i][j] = matrix[i+1][j+1] + 1
			} else {
				matrix[i][j] = max(matrix[i+1][j], matrix[i][j+1])
			}
		}
	}

	return matrix
}

// editScript emits the shared prefix and suffix as context and runs the
// LCS walk only over the lines between them, deletions before additions
// within a changed region.
func (e *Engine) editScript(oldLines, newLines [][]byte) []Line {
	prefix := 0
	for prefix < len(oldLines) && prefix < len(newLines) && bytes.Equal(oldLines[prefix], newLines[prefix]) {
		prefix++
	}
	suffix := 0
	for suffix < len(oldLines)-prefix && suffix < len(newLines)-prefix &&
		bytes.Equal(oldLines[len(oldLines)-1-suffix], newLines[len(newLines)-1-suffix]) {
		suffix++
	}

	script := make([]Line, 0, max(len(oldLines), len(newLines))+1)
	for i := 0; i < prefix; i++ {
		script = append(script, Line{Type: Context, Content: string(oldLines[i]), OldNum: i + 1, NewNum: i + 1})
	}

	oldMid := oldLines[prefix : len(oldLines)-suffix]
	newMid := newLines[prefix : len(newLines)-suffix]
	lcs := e.computeLCS(oldMid, newMid)

	i, j := 0, 0
	for i < len(oldMid) || j < len(newMid) {
		switch {
		case i < len(oldMid) && j < len(newMid) && bytes.Equal(oldMid[i], newMid[j]):
			script = append(script, Line{Type: Context, Content: string(oldMid[i]), OldNum: prefix + i + 1, NewNum: prefix + j + 1})
			i++
			j++
		case i < len(oldMid) && (j == len(newMid) || lcs[i+1][j] >= lcs[i][j+1]):
			script = append(script, Line{Type: Deletion, Content: string(oldMid[i]), OldNum: prefix + i + 1})
			i++
		default:
			script = append(script, Line{Type: Addition, Content: string(newMid[j]), NewNum: prefix + j + 1})
			j++
		}
	}

	oldTail, newTail := len(oldLines)-suffix, len(newLines)-suffix
	for k := 0; k < suffix; k++ {
		script = append(script, Line{Type: Context, Content: string(oldLines[oldTail+k]), OldNum: oldTail + k + 1, NewNum: newTail + k + 1})
	}
	return script
}

// group cuts the edit script into hunks, merging changes separated by no
// more than twice the context size.
func (e *Engine) group(script []Line) []Hunk {
	var changes []int
	for idx, line := range script {
		if line.Type != Context {
			changes = append(changes, idx)
		}
	}

	var hunks []Hunk
	for k := 0; k < len(changes); {
		first, last := changes[k], changes[k]
		k++
		for k < len(changes) && changes[k]-last-1 <= 2*e.contextLines {
			last = changes[k]
			k++
		}
		start := max(0, first-e.contextLines)
		end := min(len(script), last+e.contextLines+1)
		hunks = append(hunks, newHunk(script, start, end))
	}
	return hunks
}

func newHunk(script []Line, start, end int) Hunk {
	oldBefore, newBefore := 0, 0
	for _, line := range script[:start] {
		if line.OldNum > 0 {
			oldBefore++
		}
		if line.NewNum > 0 {
			newBefore++
		}
	}

	h := Hunk{Lines: append([]Line(nil), script[start:end]...)}
	for _, line := range h.Lines {
		if line.OldNum > 0 {
			h.OldLines++
		}
		if line.NewNum > 0 {
			h.NewLines++
		}
	}
	h.OldStart = oldBefore
	if h.OldLines > 0 {
		h.OldStart++
	}
	h.NewStart = newBefore
	if h.NewLines > 0 {
		h.NewStart++
	}
	return h
}

// Format returns the hunks in unified diff notation, without file headers.
func (r *DiffResult) Format() string {
	var buf bytes.Buffer

	for _, hunk := range r.Hunks {
		buf.WriteString(hunk.Header())
		buf.WriteByte('\n')

		for _, line := range hunk.Lines {
			buf.WriteByte(line.Type.Prefix())
			buf.WriteString(line.Content)
			buf.WriteByte('\n')
		}
	}

	return buf.String()
}

// Unified renders a complete unified diff for one file.
func (r *DiffResult) Unified(path string) string {
	if r.Empty() {
		return ""
	}
	return fmt.Sprintf("--- a/%s\n+++ b/%s\n%s", path, path, r.Format())
}

func (h Hunk) Header() string {
	return fmt.Sprintf("@@ -%d,%d +%d,%d @@", h.OldStart, h.OldLines, h.NewStart, h.NewLines)
}

func (t LineType) Prefix() byte {
	switch t {
	case Addition:
		return '+'
	case Deletion:
		return '-'
	default:
		return ' '
	}
}
