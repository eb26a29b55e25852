package normalizers

import (
	"regexp"
	"sort"
	"strconv"
	"strings"
)

type caliberPattern struct {
	re   *regexp.Regexp
	norm string
}

// caliberPatterns are tried in order; the more specific cartridges come first
// so ".223" never claims "5.56" and ".22 wmr" never falls into ".22 lr".
var caliberPatterns = []caliberPattern{
	{regexp.MustCompile(`\b5\.56(\s*x\s*45)?(\s*mm)?(\s*nato)?\b`), "5.56 nato"},
	{regexp.MustCompile(`(^|[^\d.])\.?223\s*(rem(ington)?)?\b`), "223 rem"},
	{regexp.MustCompile(`\b7\.62\s*x\s*39\b`), "7.62x39"},
	{regexp.MustCompile(`\b7\.62\s*x\s*51\b|(^|[^\d.])\.?308\s*(win(chester)?)?\b`), "308 win"},
	{regexp.MustCompile(`(^|[^\d.])\.?300\s*(aac\s*)?(blk|blackout)\b`), "300 blackout"},
	{regexp.MustCompile(`\b6\.5\s*(mm\s*)?creedmoor\b`), "6.5 creedmoor"},
	{regexp.MustCompile(`\b10\s*mm\b`), "10mm"},
	{regexp.MustCompile(`\b9\s*mm\b|\b9\s*x\s*19\b|(^|[^\d.])9\s*(luger|para(bellum)?)\b`), "9mm"},
	{regexp.MustCompile(`(^|[^\d.])\.?40\s*(s\s*&\s*w|s\s*and\s*w|sw|smith\s*(&|and)\s*wesson)\b`), "40 sw"},
	{regexp.MustCompile(`(^|[^\d.])\.?380\s*(acp|auto)?\b`), "380 acp"},
	{regexp.MustCompile(`(^|[^\d.])\.?45\s*(acp|auto)\b`), "45 acp"},
	{regexp.MustCompile(`(^|[^\d.])\.?45\s*(long\s*)?colt\b`), "45 colt"},
	{regexp.MustCompile(`(^|[^\d.])\.?357\s*mag(num)?\b`), "357 magnum"},
	{regexp.MustCompile(`(^|[^\d.])\.?38\s*(spl|spc|special)\b`), "38 special"},
	{regexp.MustCompile(`(^|[^\d.])\.?22\s*(wmr|win(chester)?\s*mag(num)?|mag(num)?)\b`), "22 wmr"},
	{regexp.MustCompile(`(^|[^\d.])\.?22\s*(lr|long\s*rifle)\b`), "22 lr"},
	{regexp.MustCompile(`(^|[^\d.])\.?410\s*(ga|gauge|bore)?\b`), "410ga"},
}

var gaugePattern = regexp.MustCompile(`\b(10|12|16|20|28)\s*-?\s*(ga|gauge|ga\.)\b`)

// NormalizeCaliber maps a caliber field onto its canonical name. Values that
// match no known cartridge are returned lowercased and whitespace-collapsed so
// they still form a stable bucket.
func NormalizeCaliber(raw string) string {
	s := strings.TrimSpace(strings.ToLower(raw))
	if s == "" {
		return ""
	}
	if c := matchCaliber(s); c != "" {
		return c
	}
	return CollapseWhitespace(strings.TrimPrefix(s, "."))
}

// ExtractCaliber finds a known cartridge in free text such as a title.
// Unknown cartridges are not guessed.
func ExtractCaliber(text string) string {
	return matchCaliber(strings.ToLower(text))
}

func matchCaliber(s string) string {
	if m := gaugePattern.FindStringSubmatch(s); m != nil {
		return m[1] + "ga"
	}
	for _, p := range caliberPatterns {
		if p.re.MatchString(s) {
			return p.norm
		}
	}
	return ""
}

// IsShotgun reports whether a normalized caliber is a shotgun gauge
func IsShotgun(caliberNorm string) bool {
	return strings.HasSuffix(caliberNorm, "ga")
}

var (
	grainPattern      = regexp.MustCompile(`\b(\d{2,3})\s*-?\s*(gr|grn|grain|grains)\b`)
	roundCountPattern = regexp.MustCompile(`\b(\d{1,4})\s*-?\s*(rds?|rnds?|rounds?|ct|count|pk|pack|shells?)\b`)
	boxOfPattern      = regexp.MustCompile(`\b(box|case|pack) of (\d{1,4})\b`)
)

const (
	minGrain      = 15
	maxGrain      = 800
	maxRoundCount = 5000
)

// NormalizeGrain returns the bullet weight from the field, falling back to
// the title. ok is false when neither yields a plausible weight.
func NormalizeGrain(value *int, title string) (int, bool) {
	if value != nil && *value >= minGrain && *value <= maxGrain {
		return *value, true
	}
	m := grainPattern.FindStringSubmatch(strings.ToLower(title))
	if m == nil {
		return 0, false
	}
	g, err := strconv.Atoi(m[1])
	if err != nil || g < minGrain || g > maxGrain {
		return 0, false
	}
	return g, true
}

// NormalizeRoundCount returns the number of rounds per package from the
// field, falling back to the title
func NormalizeRoundCount(value *int, title string) (int, bool) {
	if value != nil && *value > 0 && *value <= maxRoundCount {
		return *value, true
	}
	lower := strings.ToLower(title)
	var digits string
	if m := roundCountPattern.FindStringSubmatch(lower); m != nil {
		digits = m[1]
	} else if m := boxOfPattern.FindStringSubmatch(lower); m != nil {
		digits = m[2]
	} else {
		return 0, false
	}
	n, err := strconv.Atoi(digits)
	if err != nil || n <= 0 || n > maxRoundCount {
		return 0, false
	}
	return n, true
}

// NormalizeUPC validates a GTIN check digit and returns the canonical form.
// EAN-13 and GTIN-14 codes padded with leading zeros fold to 12-digit UPC-A.
// Returns "" for anything that is not a valid code.
func NormalizeUPC(raw string) string {
	digits := DigitsOnly(raw)
	switch len(digits) {
	case 8, 12:
	case 13:
		if digits[0] == '0' {
			digits = digits[1:]
		}
	case 14:
		if strings.HasPrefix(digits, "00") {
			digits = digits[2:]
		} else if digits[0] == '0' {
			digits = digits[1:]
		}
	default:
		return ""
	}
	if strings.Trim(digits, "0") == "" {
		return ""
	}
	if !validCheckDigit(digits) {
		return ""
	}
	return digits
}

// validCheckDigit applies the GS1 mod-10 rule: weights 3 and 1 alternate
// starting with 3 on the digit left of the check digit
func validCheckDigit(code string) bool {
	sum := 0
	weight := 3
	for i := len(code) - 2; i >= 0; i-- {
		sum += int(code[i]-'0') * weight
		if weight == 3 {
			weight = 1
		} else {
			weight = 3
		}
	}
	check := (10 - sum%10) % 10
	return check == int(code[len(code)-1]-'0')
}

// signatureStopwords carry no identity in a product title
var signatureStopwords = map[string]bool{
	"a": true, "an": true, "and": true, "the": true, "of": true, "for": true,
	"with": true, "in": true, "by": true, "ammo": true, "ammunition": true,
	"box": true, "new": true, "free": true, "shipping": true,
}

// TitleSignature reduces a title to its sorted set of meaningful tokens so
// reordered or repunctuated titles compare equal. Returns "" if nothing is left.
func TitleSignature(title string) string {
	tokens := strings.Fields(punctToSpace(title))
	seen := make(map[string]bool, len(tokens))
	out := make([]string, 0, len(tokens))
	for _, t := range tokens {
		if signatureStopwords[t] || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	sort.Strings(out)
	return strings.Join(out, " ")
}

type loadPhrase struct {
	phrase string
	norm   string
}

// loadPhrases are checked longest first so "boat tail hollow point" is not
// read as a plain hollow point
var loadPhrases = sortLoadPhrases([]loadPhrase{
	{"full metal jacket", "fmj"},
	{"fmj", "fmj"},
	{"ball", "fmj"},
	{"total metal jacket", "tmj"},
	{"tmj", "tmj"},
	{"jacketed hollow point", "jhp"},
	{"hollow point", "jhp"},
	{"jhp", "jhp"},
	{"hp", "jhp"},
	{"hst", "jhp"},
	{"xtp", "jhp"},
	{"boat tail hollow point", "otm"},
	{"open tip match", "otm"},
	{"otm", "otm"},
	{"bthp", "otm"},
	{"hpbt", "otm"},
	{"jacketed soft point", "sp"},
	{"soft point", "sp"},
	{"jsp", "sp"},
	{"psp", "sp"},
	{"sp", "sp"},
	{"polymer tip", "polymer tip"},
	{"ballistic tip", "polymer tip"},
	{"v max", "polymer tip"},
	{"vmax", "polymer tip"},
	{"lead round nose", "lrn"},
	{"lrn", "lrn"},
	{"frangible", "frangible"},
	{"buckshot", "buckshot"},
	{"buck", "buckshot"},
	{"rifled slug", "slug"},
	{"sabot slug", "slug"},
	{"slug", "slug"},
	{"slugs", "slug"},
	{"birdshot", "birdshot"},
	{"bird shot", "birdshot"},
	{"target load", "birdshot"},
})

func sortLoadPhrases(p []loadPhrase) []loadPhrase {
	sort.SliceStable(p, func(i, j int) bool {
		return len(strings.Fields(p[i].phrase)) > len(strings.Fields(p[j].phrase))
	})
	return p
}

// NormalizeLoadType extracts the bullet or shot construction from free text
func NormalizeLoadType(text string) string {
	s := " " + punctToSpace(text) + " "
	if s == "  " {
		return ""
	}
	for _, lp := range loadPhrases {
		if strings.Contains(s, " "+lp.phrase+" ") {
			return lp.norm
		}
	}
	return ""
}

type shellPattern struct {
	re   *regexp.Regexp
	norm string
}

var shellPatterns = []shellPattern{
	{regexp.MustCompile(`\b3\s*[- ]\s*1/2\b|\b3\.5\s*("|''|in\b|inch)`), "3.5in"},
	{regexp.MustCompile(`\b2\s*[- ]\s*3/4\b|\b2\.75\s*("|''|in\b|inch)`), "2.75in"},
	{regexp.MustCompile(`\b2\s*[- ]\s*1/2\b|\b2\.5\s*("|''|in\b|inch)`), "2.5in"},
	{regexp.MustCompile(`\b1\s*[- ]\s*3/4\b|\b1\.75\s*("|''|in\b|inch)`), "1.75in"},
	{regexp.MustCompile(`(^|[^\d./])3\s*("|''|in\b|inch)`), "3in"},
}

// NormalizeShellLength extracts a shotgun shell length such as 2-3/4" or 3 in
func NormalizeShellLength(text string) string {
	s := strings.ToLower(text)
	s = strings.NewReplacer("”", `"`, "″", `"`).Replace(s)
	for _, p := range shellPatterns {
		if p.re.MatchString(s) {
			return p.norm
		}
	}
	return ""
}
