// Package resolver turns one source record into one linkage decision.
//
// Tiers run in order and stop at the first decisive result:
//
//	NORMALIZE -> IDENTITY_KEY_LOOKUP -> UPC_LOOKUP -> FUZZY_SCORE
//
// Every call appends exactly one linkage row tagged with Version.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/Ramsey-B/fern/internal/tracing"
	"github.com/Ramsey-B/fern/pkg/metrics"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/normalizers"
	"github.com/Ramsey-B/fern/pkg/scoring"
)

// Version identifies the resolver logic and normalization rules that produced
// a linkage. Replay tooling compares it against stored rows.
const Version = "resolver-2+" + normalizers.Version

var (
	// ErrLookup wraps store read failures
	ErrLookup = errors.New("lookup failure")
	// ErrPersistence wraps store write failures
	ErrPersistence = errors.New("persistence failure")
	// ErrScoring wraps failures inside the scoring strategy
	ErrScoring = errors.New("scoring failure")
)

// Catalog reads and extends the canonical product catalog
type Catalog interface {
	FindByIdentityKey(ctx context.Context, identityKey string) ([]*models.CanonicalProduct, error)
	FindByUPC(ctx context.Context, upc string) ([]*models.CanonicalProduct, error)
	// ListCandidates returns at most limit products in the caliber bucket, ordered by id
	ListCandidates(ctx context.Context, caliberNorm string, limit int) ([]*models.CanonicalProduct, error)
	Create(ctx context.Context, product *models.CanonicalProduct) error
}

// LinkageStore appends decisions. Rows are never updated.
type LinkageStore interface {
	Append(ctx context.Context, linkage *models.Linkage) error
}

// SourceConfigs exposes per-source settings managed outside the resolver
type SourceConfigs interface {
	IsUPCTrusted(ctx context.Context, sourceID string) (bool, error)
}

// BrandAliases maps normalized brand aliases onto their canonical brand.
// Only ACTIVE aliases are returned.
type BrandAliases interface {
	ResolveBrandAlias(ctx context.Context, aliasNorm string) (canonicalNorm string, found bool, err error)
}

// CreateGuard serializes canonical creation per identity key across processes
type CreateGuard interface {
	WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error
}

// Config tunes the decision engine
type Config struct {
	// FuzzyThreshold is the minimum total score accepted as a FUZZY match
	FuzzyThreshold float64
	// CandidateLimit caps the caliber bucket scored per record
	CandidateLimit int
	// TieEpsilon is the distance under which two scores are considered equal
	TieEpsilon float64
}

// DefaultConfig returns the production defaults
func DefaultConfig() Config {
	return Config{
		FuzzyThreshold: 0.85,
		CandidateLimit: 500,
		TieEpsilon:     1e-9,
	}
}

// Dependencies are the collaborators a Resolver needs. Aliases and Guard are optional.
type Dependencies struct {
	Catalog       Catalog
	Linkages      LinkageStore
	SourceConfigs SourceConfigs
	Aliases       BrandAliases
	Guard         CreateGuard
	Strategy      scoring.Strategy
	Metrics       *metrics.Collector
}

// Resolver is the tiered decision engine. It holds no per-record state and
// is safe for concurrent use.
type Resolver struct {
	cfg    Config
	deps   Dependencies
	logger ectologger.Logger

	now   func() time.Time
	newID func() string
}

// Option customizes a Resolver
type Option func(*Resolver)

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(r *Resolver) { r.now = now }
}

// WithIDGenerator replaces uuid generation for linkages and canonical products
func WithIDGenerator(newID func() string) Option {
	return func(r *Resolver) { r.newID = newID }
}

// New validates the configuration and builds a Resolver
func New(cfg Config, deps Dependencies, logger ectologger.Logger, opts ...Option) (*Resolver, error) {
	if deps.Catalog == nil || deps.Linkages == nil || deps.SourceConfigs == nil {
		return nil, errors.New("resolver: catalog, linkage store and source configs are required")
	}
	if deps.Strategy == nil {
		return nil, errors.New("resolver: a scoring strategy is required")
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.NewCollector()
	}
	if cfg.FuzzyThreshold <= 0 || cfg.FuzzyThreshold > 1 {
		return nil, fmt.Errorf("resolver: fuzzy threshold must be in (0, 1], got %v", cfg.FuzzyThreshold)
	}
	if cfg.CandidateLimit <= 0 {
		return nil, fmt.Errorf("resolver: candidate limit must be positive, got %d", cfg.CandidateLimit)
	}
	if cfg.TieEpsilon <= 0 {
		cfg.TieEpsilon = DefaultConfig().TieEpsilon
	}

	r := &Resolver{
		cfg:    cfg,
		deps:   deps,
		logger: logger,
		now:    time.Now,
		newID:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Result is the outcome of one resolution
type Result struct {
	Linkage *models.Linkage
	Derived models.DerivedFields
}

// Resolve decides and appends one linkage for rec. The returned error is
// non-nil only when no linkage row could be written at all; every other
// failure is reported as an ERROR linkage.
func (r *Resolver) Resolve(ctx context.Context, rec *models.SourceRecord) (*Result, error) {
	ctx, span := tracing.StartSpan(ctx, "resolver.Resolver.Resolve",
		attribute.String("source_record_id", rec.ID),
		attribute.String("source_kind", string(rec.SourceKind.Normalize())),
	)
	defer span.End()

	start := r.now()
	r.deps.Metrics.RecordRequest(rec.SourceKind)

	d := r.decide(ctx, rec)
	link := r.newLinkage(rec, d)

	appendErr := r.deps.Linkages.Append(ctx, link)
	if appendErr != nil {
		r.logger.WithContext(ctx).WithError(appendErr).WithFields(map[string]any{
			"source_record_id": rec.ID,
			"status":           link.Status,
		}).Error("Failed to append linkage")

		d = decision{
			status:  models.LinkageStatusError,
			reason:  reasonPtr(models.ReasonPersistenceFailure),
			path:    d.path,
			derived: d.derived,
			missing: d.missing,
			evidence: models.Evidence{
				IdentityKey: d.evidence.IdentityKey,
				Error:       appendErr.Error(),
			},
		}
		link = r.newLinkage(rec, d)
		if err := r.deps.Linkages.Append(ctx, link); err != nil {
			r.recordDecision(rec, d, start)
			tracing.RecordError(span, err)
			return nil, fmt.Errorf("%w: append linkage for %s: %v", ErrPersistence, rec.ID, err)
		}
	}

	r.recordDecision(rec, d, start)
	span.SetAttributes(
		attribute.String("status", string(link.Status)),
		attribute.String("match_path", string(link.MatchPath)),
	)

	return &Result{Linkage: link, Derived: d.derived}, nil
}

func (r *Resolver) newLinkage(rec *models.SourceRecord, d decision) *models.Linkage {
	return &models.Linkage{
		ID:                 r.newID(),
		SourceRecordID:     rec.ID,
		CanonicalProductID: d.canonicalID,
		Status:             d.status,
		ReasonCode:         d.reason,
		MatchPath:          d.path,
		ResolverVersion:    Version,
		Evidence:           d.evidence,
		CreatedAt:          r.now().UTC(),
	}
}

func (r *Resolver) recordDecision(rec *models.SourceRecord, d decision, start time.Time) {
	r.deps.Metrics.RecordDecision(metrics.Decision{
		SourceKind:    rec.SourceKind,
		Status:        d.status,
		MatchPath:     d.path,
		ReasonCode:    d.reason,
		Latency:       r.now().Sub(start),
		MissingFields: d.missing,
	})
}

func reasonPtr(r models.ReasonCode) *models.ReasonCode {
	return &r
}
