// Package security cleans free text that viewers submit and other
// viewers' browsers render.
package security

import (
	"regexp"
	"strings"
	"unicode"
)

// Length limits for user supplied text, in runes.
const (
	MaxTitleLength       = 200
	MaxDisplayNameLength = 64
)

var (
	tagPattern        = regexp.MustCompile(`<[^>]*>`)
	whitespacePattern = regexp.MustCompile(`\s+`)
)

// StripTags removes anything that looks like an HTML tag.
func StripTags(s string) string {
	return tagPattern.ReplaceAllString(s, "")
}

// NormalizeWhitespace collapses runs of whitespace to one space and trims.
func NormalizeWhitespace(s string) string {
	return strings.TrimSpace(whitespacePattern.ReplaceAllString(s, " "))
}

// Truncate cuts s to at most max runes, preferring a word boundary in the
// second half, and marks the cut with an ellipsis.
func Truncate(s string, max int) string {
	runes := []rune(s)
	if max <= 0 || len(runes) <= max {
		return s
	}
	cut := string(runes[:max])
	if i := strings.LastIndex(cut, " "); i > len(cut)/2 {
		cut = cut[:i]
	}
	return cut + "..."
}

// CleanText strips tags and control characters, normalizes whitespace and
// truncates to max runes.
func CleanText(s string, max int) string {
	s = StripTags(s)
	s = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) && !unicode.IsSpace(r) {
			return -1
		}
		return r
	}, s)
	return Truncate(NormalizeWhitespace(s), max)
}
