// Package sanitize provides text sanitization for labels stored alongside
// conversations.
package sanitize

import (
	"regexp"
	"strings"
	"unicode"
)

var (
	// htmlTagRegex matches HTML tags
	htmlTagRegex = regexp.MustCompile(`<[^>]*>`)
	spaceRegex   = regexp.MustCompile(`\s+`)
)

// StripHTML removes all HTML tags from a string, making it safe for text-only display.
func StripHTML(s string) string {
	result := htmlTagRegex.ReplaceAllString(s, "")
	result = strings.NewReplacer(
		"&lt;", "<",
		"&gt;", ">",
		"&amp;", "&",
		"&quot;", "\"",
		"&#39;", "'",
	).Replace(result)
	// Re-strip after entity decode to catch encoded tags
	result = htmlTagRegex.ReplaceAllString(result, "")
	return strings.TrimSpace(result)
}

// Label cleans a short machine-or-agent supplied label such as an intent:
// no markup, no control characters, single spaces, at most maxRunes runes.
func Label(s string, maxRunes int) string {
	result := StripHTML(s)
	result = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return ' '
		}
		return r
	}, result)
	result = strings.TrimSpace(spaceRegex.ReplaceAllString(result, " "))

	if maxRunes > 0 {
		if runes := []rune(result); len(runes) > maxRunes {
			result = strings.TrimSpace(string(runes[:maxRunes]))
		}
	}
	return result
}

// LabelPtr is a helper for optional string pointers. Empty results become nil.
func LabelPtr(s *string, maxRunes int) *string {
	if s == nil {
		return nil
	}
	result := Label(*s, maxRunes)
	if result == "" {
		return nil
	}
	return &result
}
