package jstransform

import (
	"strings"
	"unicode/utf8"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// titleCase capitalizes the first letter of each word using Unicode-aware rules.
func titleCase(s string) string {
	return cases.Title(language.Und).String(s)
}

// capitalize upper-cases the first rune and leaves the rest unchanged.
func capitalize(s string) string {
	if s == "" {
		return s
	}
	r, size := utf8.DecodeRuneInString(s)
	return strings.ToUpper(string(r)) + s[size:]
}

func upperCase(s string) string { return strings.ToUpper(s) }

func lowerCase(s string) string { return strings.ToLower(s) }

// trimText removes the cutset from both ends, or unicode whitespace when the
// cutset is empty.
func trimText(s, cutset string) string {
	if cutset == "" {
		return strings.TrimSpace(s)
	}
	return strings.Trim(s, cutset)
}

func splitText(s, delimiter string) []string {
	if delimiter == "" {
		return []string{s}
	}
	return strings.Split(s, delimiter)
}

func joinText(items []string, separator string) string {
	return strings.Join(items, separator)
}
