package similarity

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTokenize(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want []string
	}{
		{"measurement compound splits", "9mm-124gr", []string{"9mm", "124gr"}},
		{"word hyphenate kept", "full-metal-jacket", []string{"full-metal-jacket"}},
		{"three part compound", "12ga-2-00buck", []string{"12ga", "2", "00buck"}},
		{"punctuation becomes space", "Federal, American Eagle (9mm)", []string{"federal", "american", "eagle", "9mm"}},
		{"stray hyphens dropped", "FMJ - 50 rds -", []string{"fmj", "50", "rds"}},
		{"empty", "", []string{}},
		{"only punctuation", "!!! ...", []string{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Tokenize(tt.in))
		})
	}
}

func TestComputeTF(t *testing.T) {
	tf := ComputeTF([]string{"a", "b", "a", "c"})
	assert.InDelta(t, 0.5, tf["a"], 1e-12)
	assert.InDelta(t, 0.25, tf["b"], 1e-12)
	assert.Empty(t, ComputeTF(nil))
}

func TestComputeIDF(t *testing.T) {
	idf := ComputeIDF([][]string{{"a", "b"}, {"a", "c"}})
	assert.InDelta(t, 1.0, idf["a"], 1e-12)
	assert.InDelta(t, math.Log(3.0/2.0)+1, idf["b"], 1e-12)
}

func TestCosineSimilarity(t *testing.T) {
	assert.Equal(t, 0.0, CosineSimilarity(Vector{}, Vector{"a": 1}))
	assert.Equal(t, 0.0, CosineSimilarity(Vector{"a": 1}, nil))
	assert.Equal(t, 0.0, CosineSimilarity(Vector{"a": 0}, Vector{"a": 1}))
	assert.InDelta(t, 1.0, CosineSimilarity(Vector{"a": 2, "b": 1}, Vector{"a": 4, "b": 2}), 1e-12)
	assert.InDelta(t, 0.0, CosineSimilarity(Vector{"a": 1}, Vector{"b": 1}), 1e-12)
}

func TestTFIDFCosineSimilarity(t *testing.T) {
	t.Run("reflexive", func(t *testing.T) {
		for _, s := range []string{
			"Federal American Eagle 9mm 115gr FMJ",
			"x",
			"9mm-124gr full-metal-jacket 50 rds 50 rds",
		} {
			assert.InDelta(t, 1.0, TFIDFCosineSimilarity(s, s), 1e-9, s)
		}
	})

	t.Run("case insensitive", func(t *testing.T) {
		assert.InDelta(t, 1.0, TFIDFCosineSimilarity("FEDERAL 9MM", "federal 9mm"), 1e-9)
	})

	t.Run("empty input", func(t *testing.T) {
		assert.Equal(t, 0.0, TFIDFCosineSimilarity("", "federal"))
		assert.Equal(t, 0.0, TFIDFCosineSimilarity("federal", "---"))
	})

	t.Run("disjoint titles", func(t *testing.T) {
		assert.InDelta(t, 0.0, TFIDFCosineSimilarity("federal fmj", "hornady jhp"), 1e-12)
	})

	t.Run("partial overlap between zero and one", func(t *testing.T) {
		s := TFIDFCosineSimilarity("Federal American Eagle 9mm 115gr FMJ", "Federal 9mm 124gr HST")
		assert.Greater(t, s, 0.0)
		assert.Less(t, s, 1.0)
	})

	t.Run("pre-tokenized form is equivalent", func(t *testing.T) {
		input := "Federal American Eagle 9mm 115gr FMJ"
		tokens := Tokenize(input)
		for _, candidate := range []string{"Federal 9mm 124gr HST", "Blazer Brass 9mm-115gr", input, ""} {
			assert.Equal(t, TFIDFCosineSimilarity(input, candidate), TFIDFCosineSimilarityWithTokens(tokens, candidate))
		}
	})
}

func TestJaccardSimilarity(t *testing.T) {
	assert.Equal(t, 1.0, JaccardSimilarity("Federal 9mm", "federal 9MM"))
	assert.Equal(t, 0.0, JaccardSimilarity("", "federal"))
	assert.Equal(t, 0.0, JaccardSimilarity("federal", ""))
	assert.InDelta(t, 1.0/3.0, JaccardSimilarity("federal 9mm", "federal fmj"), 1e-12)
}

func TestLevenshteinSimilarity(t *testing.T) {
	assert.Equal(t, 1.0, LevenshteinSimilarity("federal", "federal"))
	assert.Equal(t, 1.0, LevenshteinSimilarity("Federal", "FEDERAL"))
	assert.Equal(t, 0.0, LevenshteinSimilarity("", "federal"))
	assert.Equal(t, 0.0, LevenshteinSimilarity("federal", ""))
	assert.Equal(t, 0.0, LevenshteinSimilarity("", ""))
	assert.InDelta(t, 1-1.0/7.0, LevenshteinSimilarity("federal", "fedaral"), 1e-12)
	assert.InDelta(t, 1-1.0/6.0, LevenshteinSimilarity("müller", "muller"), 1e-12)
}

func TestLevenshteinDistance(t *testing.T) {
	assert.Equal(t, 3, LevenshteinDistance("kitten", "sitting"))
	assert.Equal(t, 0, LevenshteinDistance("", ""))
	assert.Equal(t, 4, LevenshteinDistance("", "fmjs"))
}

func TestJaroWinkler(t *testing.T) {
	assert.Equal(t, 1.0, JaroWinkler("hornady", "HORNADY"))
	assert.Equal(t, 0.0, JaroWinkler("", "hornady"))
	assert.InDelta(t, 0.961, JaroWinkler("martha", "marhta"), 0.001)
	assert.Greater(t, JaroWinkler("winchester", "winchestr"), JaroWinkler("winchester", "remington"))
}
