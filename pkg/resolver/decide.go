package resolver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/Ramsey-B/fern/internal/tracing"
	"github.com/Ramsey-B/fern/pkg/fingerprint"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/normalizers"
	"github.com/Ramsey-B/fern/pkg/scoring"
	"github.com/Ramsey-B/fern/pkg/similarity"
)

// decision is the in-flight outcome before it becomes a linkage row
type decision struct {
	status      models.LinkageStatus
	path        models.MatchPath
	reason      *models.ReasonCode
	canonicalID *string
	evidence    models.Evidence
	derived     models.DerivedFields
	missing     []string
}

// normalized holds the matchable fields after NORMALIZE. Empty or zero
// values mean the field is missing.
type normalized struct {
	brand       string
	brandAlias  string
	caliber     string
	grain       int
	roundCount  int
	titleSig    string
	loadType    string
	shellLength string
	upc         string
	missing     []string
}

func (n normalized) shotgun() bool {
	return normalizers.IsShotgun(n.caliber)
}

// identityKey returns the key when every participating field is present
func (n normalized) identityKey() (models.IdentityKey, bool) {
	if n.brand == "" || n.caliber == "" || n.roundCount <= 0 || n.loadType == "" {
		return models.IdentityKey{}, false
	}
	key := models.IdentityKey{
		BrandNorm:   n.brand,
		CaliberNorm: n.caliber,
		RoundCount:  n.roundCount,
		LoadType:    n.loadType,
	}
	if n.shotgun() {
		if n.shellLength == "" {
			return models.IdentityKey{}, false
		}
		key.ShellLength = n.shellLength
	} else {
		if n.grain <= 0 {
			return models.IdentityKey{}, false
		}
		key.Grain = n.grain
	}
	return key, true
}

func (n normalized) derived() models.DerivedFields {
	return models.DerivedFields{
		BrandNorm:      optional(n.brand),
		CaliberNorm:    optional(n.caliber),
		UPCNorm:        optional(n.upc),
		TitleSignature: optional(n.titleSig),
	}
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// tierError carries the reason code for a failed tier
type tierError struct {
	reason models.ReasonCode
	err    error
}

func (e *tierError) Error() string { return e.err.Error() }
func (e *tierError) Unwrap() error { return e.err }

func lookupErr(op string, err error) error {
	return &tierError{reason: models.ReasonLookupFailure, err: fmt.Errorf("%w: %s: %v", ErrLookup, op, err)}
}

func persistErr(op string, err error) error {
	return &tierError{reason: models.ReasonPersistenceFailure, err: fmt.Errorf("%w: %s: %v", ErrPersistence, op, err)}
}

func (r *Resolver) decide(ctx context.Context, rec *models.SourceRecord) decision {
	log := r.logger.WithContext(ctx).WithFields(map[string]any{
		"source_record_id": rec.ID,
		"source_id":        rec.SourceID,
	})

	if strings.TrimSpace(rec.ID) == "" {
		return errorDecision(models.ReasonInvalidRecord, errors.New("source record has no id"), normalized{}, models.Evidence{})
	}

	n, err := r.normalize(ctx, rec)
	if err != nil {
		log.WithError(err).Warn("Normalization failed")
		return errorDecision(reasonFor(err), err, n, models.Evidence{})
	}

	ev := models.Evidence{MissingFields: n.missing, BrandAlias: n.brandAlias, UPC: n.upc}

	d, done, err := r.identityKeyTier(ctx, n, &ev)
	if err != nil {
		log.WithError(err).Warn("Identity key lookup failed")
		return errorDecision(reasonFor(err), err, n, ev)
	}
	if done {
		return d
	}

	d, done, err = r.upcTier(ctx, rec, n, &ev)
	if err != nil {
		log.WithError(err).Warn("UPC lookup failed")
		return errorDecision(reasonFor(err), err, n, ev)
	}
	if done {
		return d
	}

	d, err = r.fuzzyTier(ctx, rec, n, &ev)
	if err != nil {
		log.WithError(err).Warn("Fuzzy tier failed")
		return errorDecision(reasonFor(err), err, n, ev)
	}
	return d
}

func errorDecision(reason models.ReasonCode, err error, n normalized, ev models.Evidence) decision {
	ev.Error = err.Error()
	return decision{
		status:   models.LinkageStatusError,
		path:     models.MatchPathNone,
		reason:   reasonPtr(reason),
		evidence: ev,
		derived:  n.derived(),
		missing:  n.missing,
	}
}

func reasonFor(err error) models.ReasonCode {
	var te *tierError
	if errors.As(err, &te) {
		return te.reason
	}
	switch {
	case errors.Is(err, ErrScoring):
		return models.ReasonScoringFailure
	case errors.Is(err, ErrPersistence):
		return models.ReasonPersistenceFailure
	default:
		return models.ReasonLookupFailure
	}
}

// normalize runs NORMALIZE. Missing fields are recorded, never fatal; only an
// alias store failure aborts.
func (r *Resolver) normalize(ctx context.Context, rec *models.SourceRecord) (normalized, error) {
	ctx, span := tracing.StartSpan(ctx, "resolver.Resolver.normalize")
	defer span.End()

	var n normalized

	n.brand = normalizers.NormalizeBrand(rec.Brand)
	if n.brand != "" && r.deps.Aliases != nil {
		canonical, found, err := r.deps.Aliases.ResolveBrandAlias(ctx, n.brand)
		if err != nil {
			tracing.RecordError(span, err)
			return n, lookupErr("resolve brand alias", err)
		}
		if found && canonical != "" && canonical != n.brand {
			n.brandAlias = n.brand
			n.brand = canonical
		}
	}
	if n.brand == "" {
		n.missing = append(n.missing, models.FieldBrand)
	}

	n.caliber = normalizers.NormalizeCaliber(rec.Caliber)
	if n.caliber == "" {
		n.caliber = normalizers.ExtractCaliber(rec.Title)
	}
	if n.caliber == "" {
		n.missing = append(n.missing, models.FieldCaliber)
	}

	shotgun := normalizers.IsShotgun(n.caliber)
	if !shotgun {
		if g, ok := normalizers.NormalizeGrain(rec.Grain, rec.Title); ok {
			n.grain = g
		} else {
			n.missing = append(n.missing, models.FieldGrain)
		}
	}

	if c, ok := normalizers.NormalizeRoundCount(rec.RoundCount, rec.Title); ok {
		n.roundCount = c
	} else {
		n.missing = append(n.missing, models.FieldRoundCount)
	}

	n.titleSig = normalizers.TitleSignature(rec.Title)
	if n.titleSig == "" {
		n.missing = append(n.missing, models.FieldTitleSignature)
	}

	n.loadType = normalizers.NormalizeLoadType(rec.Title)
	if n.loadType == "" {
		n.missing = append(n.missing, models.FieldLoadType)
	}

	if shotgun {
		n.shellLength = normalizers.NormalizeShellLength(rec.Title)
		if n.shellLength == "" {
			n.missing = append(n.missing, models.FieldShellLength)
		}
	}

	n.upc = normalizers.NormalizeUPC(rec.UPCValue())
	return n, nil
}

func (r *Resolver) identityKeyTier(ctx context.Context, n normalized, ev *models.Evidence) (decision, bool, error) {
	key, ok := n.identityKey()
	if !ok {
		return decision{}, false, nil
	}

	ctx, span := tracing.StartSpan(ctx, "resolver.Resolver.identityKeyTier")
	defer span.End()

	hash := fingerprint.IdentityKey(key)
	ev.IdentityKey = key.String()

	hits, err := r.deps.Catalog.FindByIdentityKey(ctx, hash)
	if err != nil {
		tracing.RecordError(span, err)
		return decision{}, false, lookupErr("find by identity key", err)
	}

	switch len(hits) {
	case 0:
		return decision{}, false, nil
	case 1:
		return r.matched(hits[0].ID, identityPath(key), n, *ev), true, nil
	default:
		ev.AmbiguousCount = len(hits)
		r.deps.Metrics.RecordAmbiguousIdentityKey()
		r.logger.WithContext(ctx).WithFields(map[string]any{
			"identity_key": key.String(),
			"hits":         len(hits),
		}).Warn("Ambiguous identity key, falling through")
		return decision{}, false, nil
	}
}

func identityPath(key models.IdentityKey) models.MatchPath {
	if key.IsShotgun() {
		return models.MatchPathIdentityKeyShotgun
	}
	return models.MatchPathIdentityKey
}

func (r *Resolver) upcTier(ctx context.Context, rec *models.SourceRecord, n normalized, ev *models.Evidence) (decision, bool, error) {
	if n.upc == "" {
		return decision{}, false, nil
	}

	ctx, span := tracing.StartSpan(ctx, "resolver.Resolver.upcTier")
	defer span.End()

	trusted, err := r.deps.SourceConfigs.IsUPCTrusted(ctx, rec.SourceID)
	if err != nil {
		tracing.RecordError(span, err)
		return decision{}, false, lookupErr("source config", err)
	}
	ev.UPCTrusted = trusted
	if !trusted {
		return decision{}, false, nil
	}

	hits, err := r.deps.Catalog.FindByUPC(ctx, n.upc)
	if err != nil {
		tracing.RecordError(span, err)
		return decision{}, false, lookupErr("find by upc", err)
	}
	if len(hits) != 1 {
		if len(hits) > 1 {
			r.logger.WithContext(ctx).WithFields(map[string]any{"upc": n.upc, "hits": len(hits)}).Warn("UPC shared by several canonical products")
		}
		return decision{}, false, nil
	}
	return r.matched(hits[0].ID, models.MatchPathUPC, n, *ev), true, nil
}

func (r *Resolver) fuzzyTier(ctx context.Context, rec *models.SourceRecord, n normalized, ev *models.Evidence) (decision, error) {
	if n.caliber == "" {
		// no bucket to search and nothing to create a canonical from
		return decision{
			status:   models.LinkageStatusUnmatched,
			path:     models.MatchPathNone,
			evidence: *ev,
			derived:  n.derived(),
			missing:  n.missing,
		}, nil
	}

	if n.brand == "" && n.titleSig == "" {
		return r.create(ctx, rec, n, models.MatchPathNone, ev)
	}

	ctx, span := tracing.StartSpan(ctx, "resolver.Resolver.fuzzyTier")
	defer span.End()

	candidates, err := r.deps.Catalog.ListCandidates(ctx, n.caliber, r.cfg.CandidateLimit)
	if err != nil {
		tracing.RecordError(span, err)
		return decision{}, lookupErr("list candidates", err)
	}
	candidates, conflicting := compatibleCandidates(n, candidates)
	ev.CandidateCount = len(candidates)
	ev.ConflictingCandidates = conflicting
	ev.Threshold = r.cfg.FuzzyThreshold

	best, err := r.pickBest(n, rec.Title, candidates)
	if err != nil {
		tracing.RecordError(span, err)
		return decision{}, err
	}

	if best.candidate != nil {
		ev.Score = best.result.Total
		ev.ComponentScores = best.result.ComponentScores
		ev.MatchDetails = best.result.MatchDetails
		ev.TieBroken = best.tieBroken
		if n.brand != "" && best.candidate.BrandNorm != "" {
			ev.BrandSimilarity = similarity.JaroWinkler(n.brand, best.candidate.BrandNorm)
		}
		if best.result.Total >= r.cfg.FuzzyThreshold {
			return r.matched(best.candidate.ID, models.MatchPathFuzzy, n, *ev), nil
		}
	}

	return r.create(ctx, rec, n, models.MatchPathFuzzy, ev)
}

// compatibleCandidates drops candidates that disagree with the input on a
// field the score does not weigh. With a complete input key, a keyed
// candidate under a different key is another product. It returns the kept
// candidates and how many were dropped.
func compatibleCandidates(n normalized, candidates []*models.CanonicalProduct) ([]*models.CanonicalProduct, int) {
	var keyHash string
	if key, ok := n.identityKey(); ok {
		keyHash = fingerprint.IdentityKey(key)
	}

	kept := make([]*models.CanonicalProduct, 0, len(candidates))
	for _, c := range candidates {
		switch {
		case keyHash != "" && c.IdentityKey != nil && *c.IdentityKey != keyHash:
		case n.loadType != "" && c.LoadType != "" && c.LoadType != n.loadType:
		case n.shellLength != "" && c.ShellLength != "" && c.ShellLength != n.shellLength:
		default:
			kept = append(kept, c)
		}
	}
	return kept, len(candidates) - len(kept)
}

type scored struct {
	candidate *models.CanonicalProduct
	result    scoring.Result
	tieBroken bool
}

// pickBest scores every candidate and keeps the highest total. Totals within
// TieEpsilon are equal and the lexicographically lowest candidate id wins.
func (r *Resolver) pickBest(n normalized, title string, candidates []*models.CanonicalProduct) (best scored, err error) {
	defer func() {
		if p := recover(); p != nil {
			best = scored{}
			err = fmt.Errorf("%w: strategy %s panicked: %v", ErrScoring, r.deps.Strategy.Name(), p)
		}
	}()

	prepared := r.deps.Strategy.Prepare(scoring.Input{
		BrandNorm:   n.brand,
		CaliberNorm: n.caliber,
		Grain:       n.grain,
		RoundCount:  n.roundCount,
		Title:       title,
	})

	for _, c := range candidates {
		res := prepared.Score(c)
		if best.candidate == nil {
			best = scored{candidate: c, result: res}
			continue
		}
		diff := res.Total - best.result.Total
		switch {
		case diff > r.cfg.TieEpsilon:
			best = scored{candidate: c, result: res}
		case diff >= -r.cfg.TieEpsilon:
			if c.ID < best.candidate.ID {
				best = scored{candidate: c, result: res, tieBroken: true}
			} else {
				best.tieBroken = true
			}
		}
	}
	return best, nil
}

func (r *Resolver) matched(canonicalID string, path models.MatchPath, n normalized, ev models.Evidence) decision {
	return decision{
		status:      models.LinkageStatusMatched,
		path:        path,
		canonicalID: &canonicalID,
		evidence:    ev,
		derived:     n.derived(),
		missing:     n.missing,
	}
}

// create inserts a canonical product built from the normalized input. With
// a complete identity key it runs under the create guard and re-checks the
// key first, so two workers racing on the same new product converge.
func (r *Resolver) create(ctx context.Context, rec *models.SourceRecord, n normalized, path models.MatchPath, ev *models.Evidence) (decision, error) {
	ctx, span := tracing.StartSpan(ctx, "resolver.Resolver.create")
	defer span.End()

	product, err := r.newCanonical(rec, n, ev.UPCTrusted)
	if err != nil {
		tracing.RecordError(span, err)
		return decision{}, err
	}
	key, complete := n.identityKey()

	var out decision
	insert := func(ctx context.Context) error {
		if complete {
			hits, err := r.deps.Catalog.FindByIdentityKey(ctx, *product.IdentityKey)
			if err != nil {
				return lookupErr("recheck identity key", err)
			}
			switch {
			case len(hits) == 1:
				out = r.matched(hits[0].ID, identityPath(key), n, *ev)
				return nil
			case len(hits) > 1:
				// an ambiguous key is never handed to another product
				product.IdentityKey = nil
				ev.AmbiguousCount = len(hits)
			}
		}
		if err := r.deps.Catalog.Create(ctx, product); err != nil {
			return persistErr("create canonical product", err)
		}
		out = decision{
			status:      models.LinkageStatusCreated,
			path:        path,
			canonicalID: &product.ID,
			evidence:    *ev,
			derived:     n.derived(),
			missing:     n.missing,
		}
		return nil
	}

	if complete && r.deps.Guard != nil {
		err = r.deps.Guard.WithLock(ctx, "canonical:"+*product.IdentityKey, insert)
		var te *tierError
		if err != nil && !errors.As(err, &te) {
			err = persistErr("acquire create guard", err)
		}
	} else {
		err = insert(ctx)
	}
	if err != nil {
		tracing.RecordError(span, err)
		return decision{}, err
	}
	return out, nil
}

// canonicalMetadata is stored on resolver-created canonical products
type canonicalMetadata struct {
	SourceRecordID  string `json:"source_record_id"`
	SourceID        string `json:"source_id"`
	TitleSignature  string `json:"title_signature"`
	ResolverVersion string `json:"resolver_version"`
}

func (r *Resolver) newCanonical(rec *models.SourceRecord, n normalized, upcTrusted bool) (*models.CanonicalProduct, error) {
	p := &models.CanonicalProduct{
		ID:          r.newID(),
		BrandNorm:   n.brand,
		CaliberNorm: n.caliber,
		Grain:       n.grain,
		RoundCount:  n.roundCount,
		LoadType:    n.loadType,
		ShellLength: n.shellLength,
		Name:        canonicalName(rec, n),
		CreatedBy:   models.CanonicalCreatedByResolver,
		CreatedAt:   r.now().UTC(),
	}
	if key, ok := n.identityKey(); ok {
		hash := fingerprint.IdentityKey(key)
		p.IdentityKey = &hash
	}
	if n.upc != "" && upcTrusted {
		upc := n.upc
		p.UPC = &upc
	}
	metadata, err := json.Marshal(canonicalMetadata{
		SourceRecordID:  rec.ID,
		SourceID:        rec.SourceID,
		TitleSignature:  n.titleSig,
		ResolverVersion: Version,
	})
	if err != nil {
		return nil, persistErr("encode canonical metadata", err)
	}
	p.Metadata = metadata
	return p, nil
}

func canonicalName(rec *models.SourceRecord, n normalized) string {
	if t := strings.TrimSpace(rec.Title); t != "" {
		return t
	}
	parts := []string{n.brand, n.caliber}
	if n.grain > 0 {
		parts = append(parts, strconv.Itoa(n.grain)+"gr")
	}
	if n.loadType != "" {
		parts = append(parts, n.loadType)
	}
	if n.shellLength != "" {
		parts = append(parts, n.shellLength)
	}
	if n.roundCount > 0 {
		parts = append(parts, strconv.Itoa(n.roundCount)+" rounds")
	}
	return strings.Join(strings.Fields(strings.Join(parts, " ")), " ")
}
