package similarity

import (
	"strings"

	mapset "github.com/deckarep/golang-set/v2"
)

// JaccardSimilarity is |A∩B|/|A∪B| over the token sets of a and b.
// Returns 0 if either side has no tokens.
func JaccardSimilarity(a, b string) float64 {
	return JaccardSimilarityWithTokens(Tokenize(a), b)
}

// JaccardSimilarityWithTokens is JaccardSimilarity with the first text already tokenized
func JaccardSimilarityWithTokens(ta []string, b string) float64 {
	tb := Tokenize(b)
	if len(ta) == 0 || len(tb) == 0 {
		return 0
	}

	setA := mapset.NewThreadUnsafeSet(ta...)
	setB := mapset.NewThreadUnsafeSet(tb...)
	union := setA.Union(setB).Cardinality()
	if union == 0 {
		return 0
	}
	return float64(setA.Intersect(setB).Cardinality()) / float64(union)
}

// LevenshteinSimilarity returns 1 - distance/maxLen over runes, ignoring case.
// Returns 0 if either input is empty.
func LevenshteinSimilarity(a, b string) float64 {
	ra := []rune(strings.ToLower(a))
	rb := []rune(strings.ToLower(b))
	if len(ra) == 0 || len(rb) == 0 {
		return 0
	}
	if string(ra) == string(rb) {
		return 1
	}
	maxLen := max(len(ra), len(rb))
	return 1 - float64(levenshteinDistance(ra, rb))/float64(maxLen)
}

// LevenshteinDistance returns the edit distance between a and b in runes
func LevenshteinDistance(a, b string) int {
	return levenshteinDistance([]rune(a), []rune(b))
}

func levenshteinDistance(a, b []rune) int {
	if len(a) == 0 {
		return len(b)
	}
	if len(b) == 0 {
		return len(a)
	}

	row := make([]int, len(b)+1)
	prevRow := make([]int, len(b)+1)
	for j := range prevRow {
		prevRow[j] = j
	}

	for i := 1; i <= len(a); i++ {
		row[0] = i
		for j := 1; j <= len(b); j++ {
			cost := 0
			if a[i-1] != b[j-1] {
				cost = 1
			}
			row[j] = min(row[j-1]+1, prevRow[j]+1, prevRow[j-1]+cost)
		}
		row, prevRow = prevRow, row
	}

	return prevRow[len(b)]
}

// JaroWinkler returns the Jaro-Winkler similarity of a and b, ignoring case
func JaroWinkler(a, b string) float64 {
	ra := []rune(strings.ToLower(a))
	rb := []rune(strings.ToLower(b))

	jaro := jaro(ra, rb)
	if jaro == 0 || jaro == 1 {
		return jaro
	}

	prefixLen := 0
	for i := 0; i < len(ra) && i < len(rb) && i < 4; i++ {
		if ra[i] != rb[i] {
			break
		}
		prefixLen++
	}

	return jaro + float64(prefixLen)*0.1*(1.0-jaro)
}

func jaro(a, b []rune) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	if string(a) == string(b) {
		return 1
	}

	matchDist := max(len(a), len(b))/2 - 1
	if matchDist < 0 {
		matchDist = 0
	}

	aMatches := make([]bool, len(a))
	bMatches := make([]bool, len(b))

	matches := 0
	for i := range a {
		start := max(0, i-matchDist)
		end := min(len(b), i+matchDist+1)
		for j := start; j < end; j++ {
			if bMatches[j] || a[i] != b[j] {
				continue
			}
			aMatches[i] = true
			bMatches[j] = true
			matches++
			break
		}
	}
	if matches == 0 {
		return 0
	}

	transpositions := 0
	k := 0
	for i := range a {
		if !aMatches[i] {
			continue
		}
		for !bMatches[k] {
			k++
		}
		if a[i] != b[k] {
			transpositions++
		}
		k++
	}

	m := float64(matches)
	t := float64(transpositions) / 2
	return (m/float64(len(a)) + m/float64(len(b)) + (m-t)/m) / 3
}
