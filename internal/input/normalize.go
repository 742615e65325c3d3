// Package input provides normalization, vocabulary classification and
// parsing helpers for free-text chat messages.
//
// Nothing in this package panics or returns parsing errors for ordinary user
// text: helpers return explicit result values that distinguish "not
// provided", "malformed" and "valid".
package input

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// FoldAccents removes diacritics ("não" -> "nao").
func FoldAccents(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		return s
	}
	return out
}

// Normalize folds accents and case, drops apostrophes, turns any other
// punctuation into spaces and collapses whitespace.
func Normalize(s string) string {
	folded := strings.ToLower(FoldAccents(s))
	var b strings.Builder
	b.Grow(len(folded))
	for _, r := range folded {
		switch {
		case r == '\'' || r == '’':
			continue
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
		default:
			b.WriteRune(' ')
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

// CollapseSpaces trims s and collapses internal runs of whitespace without
// altering case or accents.
func CollapseSpaces(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
