package indexer

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// PlainExtractor is the extractor contract's default implementation: plain
// text pass-through, a de-commenting pass for source code extensions, and a
// pass-through for structured config formats.
type PlainExtractor struct{}

var sourceExtensions = map[string]string{
	".rs": "//", ".py": "#", ".js": "//", ".ts": "//", ".java": "//",
	".c": "//", ".cpp": "//", ".h": "//", ".hpp": "//", ".go": "//",
	".rb": "#", ".php": "//", ".sh": "#", ".bash": "#", ".zsh": "#", ".fish": "#",
}

func (PlainExtractor) Extract(data []byte, ext string) (string, error) {
	if !utf8.Valid(data) {
		return "", fmt.Errorf("invalid utf-8 content")
	}
	content := string(data)

	lowerExt := strings.ToLower(ext)
	if prefix, ok := sourceExtensions[lowerExt]; ok {
		return stripLineComments(content, prefix), nil
	}
	return content, nil
}

// stripLineComments removes full-line and trailing line comments introduced
// by commentPrefix, a cheap de-commenting pass rather than a real parser:
// the goal is reducing embedding noise, not perfect source analysis.
func stripLineComments(content, commentPrefix string) string {
	lines := strings.Split(content, "\n")
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, commentPrefix) {
			continue
		}
		if idx := strings.Index(line, commentPrefix); idx >= 0 {
			line = line[:idx]
		}
		out = append(out, line)
	}
	return strings.Join(out, "\n")
}
