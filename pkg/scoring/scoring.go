// Package scoring scores canonical product candidates against a normalized source record
package scoring

import (
	"fmt"
	"math"

	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/similarity"
)

// Component names used in Result.ComponentScores and Result.MatchDetails
const (
	ComponentBrand   = "brand"
	ComponentCaliber = "caliber"
	ComponentPack    = "pack"
	ComponentGrain   = "grain"
	ComponentTitle   = "title"
)

// WeightTolerance is how far the weight sum may drift from 1.0
const WeightTolerance = 0.001

// Input is the normalized view of a source record. Zero values mean the
// field could not be normalized and contribute nothing.
type Input struct {
	BrandNorm   string
	CaliberNorm string
	Grain       int
	RoundCount  int
	Title       string
}

// Result is the outcome of scoring one candidate
type Result struct {
	Total           float64            `json:"total"`
	ComponentScores map[string]float64 `json:"component_scores"`
	MatchDetails    map[string]bool    `json:"match_details"`
}

// Strategy scores candidates in two phases: Prepare does the per-input work
// once, the returned Prepared scores each candidate
type Strategy interface {
	Name() string
	Prepare(input Input) Prepared
}

// Prepared is a strategy bound to one input. Implementations are immutable
// and safe to share between goroutines.
type Prepared interface {
	Score(candidate *models.CanonicalProduct) Result
}

// Weights is the weight vector of the weighted strategy
type Weights struct {
	Brand   float64 `json:"brand" mapstructure:"brand"`
	Caliber float64 `json:"caliber" mapstructure:"caliber"`
	Pack    float64 `json:"pack" mapstructure:"pack"`
	Grain   float64 `json:"grain" mapstructure:"grain"`
	Title   float64 `json:"title" mapstructure:"title"`
}

// DefaultWeights favours brand and title, the signals most likely to differ
// between products sharing a caliber bucket
var DefaultWeights = Weights{
	Brand:   0.30,
	Caliber: 0.20,
	Pack:    0.15,
	Grain:   0.15,
	Title:   0.20,
}

// Sum returns the total weight
func (w Weights) Sum() float64 {
	return w.Brand + w.Caliber + w.Pack + w.Grain + w.Title
}

// Validate checks that every weight is non-negative and the sum is 1.0 within tolerance
func (w Weights) Validate() error {
	for name, v := range map[string]float64{
		ComponentBrand:   w.Brand,
		ComponentCaliber: w.Caliber,
		ComponentPack:    w.Pack,
		ComponentGrain:   w.Grain,
		ComponentTitle:   w.Title,
	} {
		if v < 0 || math.IsNaN(v) {
			return fmt.Errorf("weight %s must be non-negative, got %v", name, v)
		}
	}
	if sum := w.Sum(); math.Abs(sum-1.0) > WeightTolerance {
		return fmt.Errorf("weights must sum to 1.0 (±%v), got %v", WeightTolerance, sum)
	}
	return nil
}

// TitleMeasure compares a pre-tokenized input title with a candidate name
type TitleMeasure func(inputTokens []string, candidateName string) float64

var (
	TitleMeasureTFIDF   TitleMeasure = similarity.TFIDFCosineSimilarityWithTokens
	TitleMeasureJaccard TitleMeasure = similarity.JaccardSimilarityWithTokens
)

// Option configures a WeightedStrategy
type Option func(*WeightedStrategy)

// WithTitleMeasure swaps the title similarity measure
func WithTitleMeasure(name string, m TitleMeasure) Option {
	return func(s *WeightedStrategy) {
		s.titleMeasureName = name
		s.titleMeasure = m
	}
}

// WeightedStrategy combines four exact-match signals with one title similarity
type WeightedStrategy struct {
	weights          Weights
	titleMeasure     TitleMeasure
	titleMeasureName string
}

// NewWeightedStrategy builds the default strategy. It fails if the weights
// do not sum to 1.0 within WeightTolerance.
func NewWeightedStrategy(weights Weights, opts ...Option) (*WeightedStrategy, error) {
	if err := weights.Validate(); err != nil {
		return nil, err
	}
	s := &WeightedStrategy{
		weights:          weights,
		titleMeasure:     TitleMeasureTFIDF,
		titleMeasureName: "tfidf",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Name identifies the strategy and its title measure in evidence and logs
func (s *WeightedStrategy) Name() string {
	return "weighted-" + s.titleMeasureName
}

// Weights returns the configured weight vector
func (s *WeightedStrategy) Weights() Weights {
	return s.weights
}

// Prepare tokenizes the input title once for every candidate that follows
func (s *WeightedStrategy) Prepare(input Input) Prepared {
	return &preparedWeighted{
		strategy:    s,
		input:       input,
		titleTokens: similarity.Tokenize(input.Title),
	}
}

type preparedWeighted struct {
	strategy    *WeightedStrategy
	input       Input
	titleTokens []string
}

func (p *preparedWeighted) Score(candidate *models.CanonicalProduct) Result {
	w := p.strategy.weights
	in := p.input

	brand := in.BrandNorm != "" && in.BrandNorm == candidate.BrandNorm
	caliber := in.CaliberNorm != "" && in.CaliberNorm == candidate.CaliberNorm
	pack := in.RoundCount > 0 && in.RoundCount == candidate.RoundCount
	grain := in.Grain > 0 && in.Grain == candidate.Grain

	title := 0.0
	if len(p.titleTokens) > 0 {
		title = p.strategy.titleMeasure(p.titleTokens, candidate.Name)
	}

	components := map[string]float64{
		ComponentBrand:   w.Brand * indicator(brand),
		ComponentCaliber: w.Caliber * indicator(caliber),
		ComponentPack:    w.Pack * indicator(pack),
		ComponentGrain:   w.Grain * indicator(grain),
		ComponentTitle:   w.Title * title,
	}

	// fixed summation order keeps totals reproducible
	total := components[ComponentBrand] +
		components[ComponentCaliber] +
		components[ComponentPack] +
		components[ComponentGrain] +
		components[ComponentTitle]

	return Result{
		Total:           total,
		ComponentScores: components,
		MatchDetails: map[string]bool{
			ComponentBrand:   brand,
			ComponentCaliber: caliber,
			ComponentPack:    pack,
			ComponentGrain:   grain,
		},
	}
}

func indicator(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
