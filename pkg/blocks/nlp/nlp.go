// Package nlp implements the nlp.* blocks: text chunking for
// retrieval pipelines and batch embedding of texts or chunks.
package nlp

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

// shortSentence merges fragments below this rune count into the
// previous sentence to cut fragmentation from abbreviations.
const shortSentence = 12

func normalizeSpaces(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// splitSentences cuts at sentence punctuation, keeping it, for both
// ASCII and fullwidth Japanese terminators.
func splitSentences(text string) []string {
	var parts []string
	var buf []rune
	for _, ch := range text {
		buf = append(buf, ch)
		switch ch {
		case '.', '!', '?', '。', '！', '？':
			parts = append(parts, strings.TrimSpace(string(buf)))
			buf = buf[:0]
		}
	}
	if rest := strings.TrimSpace(string(buf)); rest != "" {
		parts = append(parts, rest)
	}

	var merged []string
	for _, s := range parts {
		if len(merged) > 0 && utf8.RuneCountInString(s) < shortSentence {
			merged[len(merged)-1] = strings.TrimSpace(merged[len(merged)-1] + " " + s)
		} else {
			merged = append(merged, s)
		}
	}
	out := make([]string, 0, len(merged))
	for _, p := range merged {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

var paragraphBreak = regexp.MustCompile(`\n\s*\n+`)

func splitParagraphs(text string) []string {
	var out []string
	for _, p := range paragraphBreak.Split(text, -1) {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	if len(out) == 0 {
		if t := strings.TrimSpace(text); t != "" {
			return []string{t}
		}
		return nil
	}
	return out
}

// splitMarkdownHeadings starts a new unit at each ATX heading,
// keeping the heading with the content below it.
func splitMarkdownHeadings(text string) []string {
	lines := strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n")
	var chunks []string
	var buf []string
	for _, ln := range lines {
		if strings.HasPrefix(strings.TrimLeftFunc(ln, unicode.IsSpace), "#") && len(buf) > 0 {
			chunks = append(chunks, strings.TrimSpace(strings.Join(buf, "\n")))
			buf = []string{ln}
		} else {
			buf = append(buf, ln)
		}
	}
	if len(buf) > 0 {
		if val := strings.TrimSpace(strings.Join(buf, "\n")); val != "" {
			chunks = append(chunks, val)
		}
	}
	if len(chunks) == 0 {
		if t := strings.TrimSpace(text); t != "" {
			return []string{t}
		}
		return nil
	}
	return chunks
}

func listOf(v any) ([]any, bool) {
	switch s := v.(type) {
	case []any:
		return s, true
	case []map[string]any:
		out := make([]any, len(s))
		for i, m := range s {
			out[i] = m
		}
		return out, true
	case []string:
		out := make([]any, len(s))
		for i, t := range s {
			out[i] = t
		}
		return out, true
	}
	return nil, false
}

func coerce(v any) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}
