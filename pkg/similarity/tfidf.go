package similarity

import (
	"math"
	"sort"
)

// Vector is a sparse term-weight vector
type Vector map[string]float64

// sortedTerms returns the vector's terms in a fixed order so float sums are
// bit-for-bit reproducible across calls
func (v Vector) sortedTerms() []string {
	terms := make([]string, 0, len(v))
	for t := range v {
		terms = append(terms, t)
	}
	sort.Strings(terms)
	return terms
}

// ComputeTF returns count/len for every term in tokens
func ComputeTF(tokens []string) Vector {
	tf := make(Vector, len(tokens))
	if len(tokens) == 0 {
		return tf
	}
	for _, t := range tokens {
		tf[t]++
	}
	n := float64(len(tokens))
	for t, c := range tf {
		tf[t] = c / n
	}
	return tf
}

// ComputeIDF returns the smoothed inverse document frequency
// ln((N+1)/(df+1))+1 for every term that appears in the corpus
func ComputeIDF(corpus [][]string) Vector {
	df := make(map[string]int)
	for _, doc := range corpus {
		seen := make(map[string]bool, len(doc))
		for _, t := range doc {
			if seen[t] {
				continue
			}
			seen[t] = true
			df[t]++
		}
	}

	n := float64(len(corpus))
	idf := make(Vector, len(df))
	for t, d := range df {
		idf[t] = math.Log((n+1)/(float64(d)+1)) + 1
	}
	return idf
}

// ComputeTFIDF weights tokens' term frequencies by idf. Terms missing from
// idf get weight 0.
func ComputeTFIDF(tokens []string, idf Vector) Vector {
	tf := ComputeTF(tokens)
	out := make(Vector, len(tf))
	for t, f := range tf {
		out[t] = f * idf[t]
	}
	return out
}

// CosineSimilarity returns dot(a,b)/(|a||b|), or 0 when either vector is
// empty or has zero magnitude
func CosineSimilarity(a, b Vector) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}

	var dot, magA, magB float64
	for _, t := range a.sortedTerms() {
		w := a[t]
		magA += w * w
		if wb, ok := b[t]; ok {
			dot += w * wb
		}
	}
	for _, t := range b.sortedTerms() {
		magB += b[t] * b[t]
	}

	if magA == 0 || magB == 0 {
		return 0
	}
	return dot / (math.Sqrt(magA) * math.Sqrt(magB))
}

// TFIDFCosineSimilarity compares two texts using TF-IDF vectors built over
// the two-document corpus {a, b}. Returns 0 if either side has no tokens.
func TFIDFCosineSimilarity(textA, textB string) float64 {
	return TFIDFCosineSimilarityWithTokens(Tokenize(textA), textB)
}

// TFIDFCosineSimilarityWithTokens is TFIDFCosineSimilarity with the first
// text already tokenized. Callers scoring one title against many candidates
// tokenize it once and pass the tokens here.
func TFIDFCosineSimilarityWithTokens(tokensA []string, textB string) float64 {
	tokensB := Tokenize(textB)
	if len(tokensA) == 0 || len(tokensB) == 0 {
		return 0
	}

	idf := ComputeIDF([][]string{tokensA, tokensB})
	return CosineSimilarity(ComputeTFIDF(tokensA, idf), ComputeTFIDF(tokensB, idf))
}
