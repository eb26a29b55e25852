// Package similarity provides tokenization and text similarity measures for product titles
package similarity

import (
	"regexp"
	"strings"
	"unicode"
)

// compoundToken matches a measurement glued to more tokens by hyphens, such
// as "9mm-124gr" or "12ga-00buck". Word-word hyphenates do not match.
var compoundToken = regexp.MustCompile(`^\d+[a-z]*(-[a-z0-9]+)+$`)

// Tokenize lowercases text, turns punctuation other than hyphens into
// whitespace and splits measurement compounds on their hyphens.
//
//	Tokenize("9mm-124gr")         -> ["9mm", "124gr"]
//	Tokenize("full-metal-jacket") -> ["full-metal-jacket"]
func Tokenize(text string) []string {
	var b strings.Builder
	b.Grow(len(text))
	for _, r := range strings.ToLower(text) {
		switch {
		case r == '-':
			b.WriteRune(r)
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
		default:
			b.WriteByte(' ')
		}
	}

	fields := strings.Fields(b.String())
	tokens := make([]string, 0, len(fields))
	for _, f := range fields {
		if compoundToken.MatchString(f) {
			for _, part := range strings.Split(f, "-") {
				if part != "" {
					tokens = append(tokens, part)
				}
			}
			continue
		}
		if f = strings.Trim(f, "-"); f != "" {
			tokens = append(tokens, f)
		}
	}
	return tokens
}
