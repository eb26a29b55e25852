package normalizers

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// markGlyphs are removed before decomposition. NFKD turns ™ into "TM" and
// ℠ into "SM", which would otherwise survive as brand tokens.
var markGlyphs = strings.NewReplacer(
	"™", " ",
	"®", " ",
	"©", " ",
	"℠", " ",
)

// corporateSuffixes are only stripped from the last two token positions
var corporateSuffixes = map[string]bool{
	"inc":          true,
	"incorporated": true,
	"llc":          true,
	"ltd":          true,
	"limited":      true,
	"co":           true,
	"corp":         true,
	"corporation":  true,
	"company":      true,
	"gmbh":         true,
	"plc":          true,
	"ag":           true,
	"sa":           true,
	"lp":           true,
	"llp":          true,
}

// foldDiacritics returns a fresh transformer; transform.Chain is stateful and
// not safe for concurrent use.
func foldDiacritics() transform.Transformer {
	return transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
}

// NormalizeBrand canonicalizes a brand string. Returns "" for blank input.
//
//	"Smith & Wesson™, Inc." -> "smith and wesson"
//	"Hornady Manufacturing Co" -> "hornady manufacturing"
//	"Sellier & Bellot" -> "sellier and bellot"
func NormalizeBrand(raw string) string {
	if strings.TrimSpace(raw) == "" {
		return ""
	}

	s := markGlyphs.Replace(raw)
	folded, _, err := transform.String(foldDiacritics(), s)
	if err == nil {
		s = folded
	}

	s = strings.ToLower(s)
	s = strings.ReplaceAll(s, "&", " and ")
	s = punctToSpace(s)

	tokens := strings.Fields(s)
	tokens = stripCorporateSuffixes(tokens)
	return strings.Join(tokens, " ")
}

// stripCorporateSuffixes drops suffix tokens from the tail, looking at most at
// the last two positions and never removing the only remaining token
func stripCorporateSuffixes(tokens []string) []string {
	for i := 0; i < 2 && len(tokens) > 1; i++ {
		last := tokens[len(tokens)-1]
		if !corporateSuffixes[last] {
			break
		}
		tokens = tokens[:len(tokens)-1]
	}
	return tokens
}
