package indexer

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// chunkText splits text by recursive character splitting, preferring
// double-newline, then single-newline, then whitespace split points,
// bounded by maxChars, always on a UTF-8 rune boundary.
func chunkText(text string, maxChars int) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	var chunks []string
	for len(text) > 0 {
		if utf8.RuneCountInString(text) <= maxChars {
			chunks = append(chunks, strings.TrimSpace(text))
			break
		}

		cut := splitPoint(text, maxChars)
		head := strings.TrimSpace(text[:cut])
		if head != "" {
			chunks = append(chunks, head)
		}
		text = strings.TrimSpace(text[cut:])
	}
	return chunks
}

// splitPoint finds the best byte offset at or before the maxChars-th rune,
// preferring a double-newline, then a single newline, then whitespace,
// falling back to a hard rune-boundary cut if none is found.
func splitPoint(text string, maxChars int) int {
	limit := runeOffset(text, maxChars)
	window := text[:limit]

	if idx := strings.LastIndex(window, "\n\n"); idx > 0 {
		return idx + 2
	}
	if idx := strings.LastIndex(window, "\n"); idx > 0 {
		return idx + 1
	}
	if idx := strings.LastIndexAny(window, " \t"); idx > 0 {
		return idx + 1
	}
	return limit
}

// runeOffset returns the byte offset of the nth rune in s, or len(s) if s
// has fewer than n runes. Always lands on a rune boundary.
func runeOffset(s string, n int) int {
	count := 0
	for i := range s {
		if count == n {
			return i
		}
		count++
	}
	return len(s)
}

// decoratePayload prepends a filename/tags header to the chunk, improving
// retrieval for files whose name is semantically rich but whose body text
// is generic.
func decoratePayload(chunk, filename string, tagNames []string) string {
	return fmt.Sprintf("Filename: %s\nTags: %s\n---\n%s", filename, strings.Join(tagNames, ", "), chunk)
}

func fileExt(absPath string) string {
	idx := strings.LastIndexByte(absPath, '.')
	slash := strings.LastIndexByte(absPath, '/')
	if idx <= slash {
		return ""
	}
	return absPath[idx:]
}

func baseName(absPath string) string {
	if idx := strings.LastIndexByte(absPath, '/'); idx >= 0 {
		return absPath[idx+1:]
	}
	return absPath
}
