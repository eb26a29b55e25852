// Package normalizers provides field normalization functions for identity matching
package normalizers

import (
	"strings"
	"unicode"
)

// Version tags the normalization rules. Bump it whenever any rule in this
// package changes output for some input.
const Version = "norm-3"

// CollapseWhitespace folds whitespace runs into single spaces and trims the ends
func CollapseWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// DigitsOnly keeps only digit characters
func DigitsOnly(s string) string {
	var result strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			result.WriteRune(r)
		}
	}
	return result.String()
}

// punctToSpace lowercases s and replaces every rune that is not a letter or
// digit with a space, collapsing the result
func punctToSpace(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range strings.ToLower(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		} else {
			b.WriteByte(' ')
		}
	}
	return CollapseWhitespace(b.String())
}
