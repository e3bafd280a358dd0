package workspace

import (
	"bytes"
	"regexp"
	"strings"

	"bomp/internal/replace"
)

var (
	arrayHeaderRe = regexp.MustCompile(`^\s*\[\[\s*([^\[\]]+?)\s*\]\]`)
	tableHeaderRe = regexp.MustCompile(`^\s*\[\s*([^\[\]]+?)\s*\]`)
	// basic or literal single-line string values only
	stringValueRe = regexp.MustCompile(`^\s*([A-Za-z0-9_.\-" ]+?)\s*=\s*(?:"([^"\\\n]*)"|'([^'\n]*)')`)
)

// tomlValue is one `key = "value"` line located in a TOML document.
// Key is the full dotted path including the enclosing table; Index is the
// position within an array of tables, or -1.
type tomlValue struct {
	Key   string
	Index int
	Value string
	Span  replace.Span
}

// scanValues walks a TOML document line by line and records the location
// of every single-line string value. Structure is validated separately by
// a real decoder; this only maps decoded values back to byte offsets so
// edits leave the rest of the document untouched.
func scanValues(content []byte) []tomlValue {
	var (
		out       []tomlValue
		table     string
		index     = -1
		arrays    = map[string]int{}
		multiline string
	)

	offset := 0
	for offset < len(content) {
		end := bytes.IndexByte(content[offset:], '\n')
		if end < 0 {
			end = len(content)
		} else {
			end += offset
		}
		line := content[offset:end]
		lineStart := offset
		offset = end + 1

		if multiline != "" {
			if bytes.Contains(line, []byte(multiline)) {
				multiline = ""
			}
			continue
		}
		if delim := openMultiline(line); delim != "" {
			multiline = delim
			continue
		}

		if m := arrayHeaderRe.FindSubmatch(line); m != nil {
			table = normalizeKey(string(m[1]))
			index = arrays[table]
			arrays[table]++
			continue
		}
		if m := tableHeaderRe.FindSubmatchIndex(line); m != nil {
			table = normalizeKey(string(line[m[2]:m[3]]))
			index = -1
			continue
		}

		m := stringValueRe.FindSubmatchIndex(line)
		if m == nil {
			continue
		}
		key := normalizeKey(string(line[m[2]:m[3]]))
		if table != "" {
			key = table + "." + key
		}
		start, stop := m[4], m[5]
		if start < 0 {
			start, stop = m[6], m[7]
		}
		out = append(out, tomlValue{
			Key:   key,
			Index: index,
			Value: string(line[start:stop]),
			Span:  replace.Span{Start: lineStart + start, End: lineStart + stop},
		})
	}
	return out
}

// openMultiline returns the closing delimiter when line opens a
// multi-line string that does not close on the same line.
func openMultiline(line []byte) string {
	for _, delim := range []string{`"""`, `'''`} {
		i := bytes.Index(line, []byte(delim))
		if i < 0 {
			continue
		}
		if !bytes.Contains(line[i+3:], []byte(delim)) {
			return delim
		}
	}
	return ""
}

func normalizeKey(k string) string {
	parts := strings.Split(k, ".")
	for i, p := range parts {
		parts[i] = strings.Trim(strings.TrimSpace(p), `"`)
	}
	return strings.Join(parts, ".")
}

// lookup returns the first value recorded for key outside any array of tables.
func lookup(values []tomlValue, key string) (tomlValue, bool) {
	for _, v := range values {
		if v.Index < 0 && v.Key == key {
			return v, true
		}
	}
	return tomlValue{}, false
}
