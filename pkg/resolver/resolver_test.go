package resolver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/fern/pkg/fingerprint"
	"github.com/Ramsey-B/fern/pkg/memstore"
	"github.com/Ramsey-B/fern/pkg/metrics"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/scoring"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func intPtr(i int) *int       { return &i }
func strPtr(s string) *string { return &s }

func testLogger() ectologger.Logger {
	return ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
}

type fixture struct {
	store    *memstore.Store
	metrics  *metrics.Collector
	resolver *Resolver
}

func newFixture(t *testing.T, mutate ...func(*Dependencies)) *fixture {
	t.Helper()

	store := memstore.New(memstore.WithClock(func() time.Time { return testNow }))
	strategy, err := scoring.NewWeightedStrategy(scoring.DefaultWeights)
	require.NoError(t, err)

	collector := metrics.NewCollector()
	deps := Dependencies{
		Catalog:       store,
		Linkages:      store,
		SourceConfigs: store,
		Aliases:       store,
		Strategy:      strategy,
		Metrics:       collector,
	}
	for _, m := range mutate {
		m(&deps)
	}

	var mu sync.Mutex
	seq := 0
	nextID := func() string {
		mu.Lock()
		defer mu.Unlock()
		seq++
		return fmt.Sprintf("gen-%04d", seq)
	}

	r, err := New(DefaultConfig(), deps, testLogger(),
		WithClock(func() time.Time { return testNow }),
		WithIDGenerator(nextID),
	)
	require.NoError(t, err)

	return &fixture{store: store, metrics: collector, resolver: r}
}

func federalRecord(id string) *models.SourceRecord {
	return &models.SourceRecord{
		ID:         id,
		SourceID:   "retailer-a",
		SourceKind: models.SourceKindDirect,
		Brand:      "Federal",
		Caliber:    "9mm",
		Grain:      intPtr(115),
		RoundCount: intPtr(50),
		Title:      "Federal American Eagle 9mm 115gr FMJ",
	}
}

func federalKeyHash() string {
	return fingerprint.IdentityKey(models.IdentityKey{
		BrandNorm:   "federal",
		CaliberNorm: "9mm",
		Grain:       115,
		RoundCount:  50,
		LoadType:    "fmj",
	})
}

func product(id string) *models.CanonicalProduct {
	return &models.CanonicalProduct{
		ID:          id,
		BrandNorm:   "federal",
		CaliberNorm: "9mm",
		Grain:       115,
		RoundCount:  50,
		LoadType:    "fmj",
		Name:        "Federal American Eagle 9mm 115gr FMJ",
		CreatedBy:   models.CanonicalCreatedByCatalog,
	}
}

func TestNew_Validation(t *testing.T) {
	store := memstore.New()
	strategy, err := scoring.NewWeightedStrategy(scoring.DefaultWeights)
	require.NoError(t, err)
	deps := Dependencies{Catalog: store, Linkages: store, SourceConfigs: store, Strategy: strategy}

	_, err = New(DefaultConfig(), Dependencies{Catalog: store}, testLogger())
	assert.Error(t, err)

	_, err = New(DefaultConfig(), Dependencies{Catalog: store, Linkages: store, SourceConfigs: store}, testLogger())
	assert.Error(t, err)

	cfg := DefaultConfig()
	cfg.FuzzyThreshold = 1.5
	_, err = New(cfg, deps, testLogger())
	assert.Error(t, err)

	cfg = DefaultConfig()
	cfg.CandidateLimit = 0
	_, err = New(cfg, deps, testLogger())
	assert.Error(t, err)

	r, err := New(DefaultConfig(), deps, testLogger())
	require.NoError(t, err)
	assert.NotNil(t, r.deps.Metrics)
}

func TestResolve_IdentityKeyReuse(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.resolver.Resolve(ctx, federalRecord("rec-1"))
	require.NoError(t, err)
	assert.Equal(t, models.LinkageStatusCreated, first.Linkage.Status)
	assert.Equal(t, models.MatchPathFuzzy, first.Linkage.MatchPath)
	require.NotNil(t, first.Linkage.CanonicalProductID)
	assert.Nil(t, first.Linkage.ReasonCode)

	products := f.store.Products()
	require.Len(t, products, 1)
	created := products[0]
	assert.Equal(t, first.Linkage.CanonicalID(), created.ID)
	assert.Equal(t, "federal", created.BrandNorm)
	assert.Equal(t, "9mm", created.CaliberNorm)
	assert.Equal(t, 115, created.Grain)
	assert.Equal(t, 50, created.RoundCount)
	assert.Equal(t, "fmj", created.LoadType)
	assert.Equal(t, models.CanonicalCreatedByResolver, created.CreatedBy)
	require.NotNil(t, created.IdentityKey)
	assert.Equal(t, federalKeyHash(), *created.IdentityKey)

	second, err := f.resolver.Resolve(ctx, federalRecord("rec-2"))
	require.NoError(t, err)
	assert.Equal(t, models.LinkageStatusMatched, second.Linkage.Status)
	assert.Equal(t, models.MatchPathIdentityKey, second.Linkage.MatchPath)
	assert.Equal(t, created.ID, second.Linkage.CanonicalID())
	assert.Len(t, f.store.Products(), 1)
}

func TestResolve_Deterministic(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	p := product("p-1")
	p.Grain = 124
	p.Name = "Federal American Eagle 9mm 124gr FMJ"
	f.store.AddProduct(p)
	f.store.AddProduct(&models.CanonicalProduct{ID: "p-2", BrandNorm: "winchester", CaliberNorm: "9mm", Grain: 115, RoundCount: 100, Name: "Winchester White Box 9mm"})

	rec := federalRecord("rec-1")
	rec.Grain = intPtr(124)
	rec.Title = "Federal American Eagle 9mm 124gr FMJ"

	a, err := f.resolver.Resolve(ctx, rec)
	require.NoError(t, err)
	b, err := f.resolver.Resolve(ctx, rec)
	require.NoError(t, err)

	assert.Equal(t, models.LinkageStatusMatched, a.Linkage.Status)
	assert.Equal(t, models.MatchPathFuzzy, a.Linkage.MatchPath)
	assert.Equal(t, "p-1", a.Linkage.CanonicalID())

	assert.Equal(t, a.Linkage.Status, b.Linkage.Status)
	assert.Equal(t, a.Linkage.MatchPath, b.Linkage.MatchPath)
	assert.Equal(t, a.Linkage.CanonicalID(), b.Linkage.CanonicalID())
	assert.Equal(t, a.Linkage.Evidence, b.Linkage.Evidence)
	assert.Len(t, f.store.Linkages(), 2)
}

func TestResolve_FuzzyEvidence(t *testing.T) {
	f := newFixture(t)
	p := product("p-1")
	p.Grain = 124
	f.store.AddProduct(p)

	rec := federalRecord("rec-1")
	rec.Grain = intPtr(124)
	res, err := f.resolver.Resolve(context.Background(), rec)
	require.NoError(t, err)

	ev := res.Linkage.Evidence
	assert.Equal(t, 1, ev.CandidateCount)
	assert.Equal(t, 0.85, ev.Threshold)
	assert.True(t, ev.MatchDetails[scoring.ComponentBrand])
	assert.True(t, ev.MatchDetails[scoring.ComponentCaliber])
	assert.True(t, ev.MatchDetails[scoring.ComponentPack])
	assert.True(t, ev.MatchDetails[scoring.ComponentGrain])
	assert.InDelta(t, 0.30, ev.ComponentScores[scoring.ComponentBrand], 1e-12)
	assert.Equal(t, 1.0, ev.BrandSimilarity)
	assert.Greater(t, ev.Score, 0.85)
	assert.Equal(t, Version, res.Linkage.ResolverVersion)
}

func TestResolve_TieBreaksOnLowestID(t *testing.T) {
	f := newFixture(t)

	for _, id := range []string{"p-c", "p-a", "p-b"} {
		p := product(id)
		p.Grain = 124
		f.store.AddProduct(p)
	}

	rec := federalRecord("rec-1")
	rec.Grain = intPtr(124)

	res, err := f.resolver.Resolve(context.Background(), rec)
	require.NoError(t, err)
	assert.Equal(t, models.LinkageStatusMatched, res.Linkage.Status)
	assert.Equal(t, models.MatchPathFuzzy, res.Linkage.MatchPath)
	assert.Equal(t, "p-a", res.Linkage.CanonicalID())
	assert.True(t, res.Linkage.Evidence.TieBroken)
	assert.Equal(t, 3, res.Linkage.Evidence.CandidateCount)
}

func TestPickBest_TieOrderIndependent(t *testing.T) {
	f := newFixture(t)
	n := normalized{brand: "federal", caliber: "9mm", grain: 124, roundCount: 50}

	forward := []*models.CanonicalProduct{product("p-a"), product("p-b")}
	reverse := []*models.CanonicalProduct{product("p-b"), product("p-a")}

	a, err := f.resolver.pickBest(n, "Federal 9mm", forward)
	require.NoError(t, err)
	b, err := f.resolver.pickBest(n, "Federal 9mm", reverse)
	require.NoError(t, err)

	assert.Equal(t, "p-a", a.candidate.ID)
	assert.Equal(t, "p-a", b.candidate.ID)
	assert.True(t, a.tieBroken)
	assert.True(t, b.tieBroken)
}

func TestResolve_BelowThresholdCreates(t *testing.T) {
	f := newFixture(t)
	f.store.AddProduct(&models.CanonicalProduct{ID: "p-1", BrandNorm: "winchester", CaliberNorm: "9mm", Grain: 147, RoundCount: 20, Name: "Winchester Ranger T-Series"})

	res, err := f.resolver.Resolve(context.Background(), federalRecord("rec-1"))
	require.NoError(t, err)
	assert.Equal(t, models.LinkageStatusCreated, res.Linkage.Status)
	assert.Equal(t, models.MatchPathFuzzy, res.Linkage.MatchPath)
	assert.NotEqual(t, "p-1", res.Linkage.CanonicalID())
	assert.Less(t, res.Linkage.Evidence.Score, 0.85)
	assert.Len(t, f.store.Products(), 2)
}

func TestResolve_AmbiguousIdentityKeyFallsThrough(t *testing.T) {
	f := newFixture(t)
	hash := federalKeyHash()
	for _, id := range []string{"p-2", "p-1"} {
		p := product(id)
		p.IdentityKey = strPtr(hash)
		f.store.AddProduct(p)
	}

	res, err := f.resolver.Resolve(context.Background(), federalRecord("rec-1"))
	require.NoError(t, err)

	assert.Equal(t, models.LinkageStatusMatched, res.Linkage.Status)
	assert.Equal(t, models.MatchPathFuzzy, res.Linkage.MatchPath)
	assert.Equal(t, "p-1", res.Linkage.CanonicalID())
	assert.Equal(t, 2, res.Linkage.Evidence.AmbiguousCount)
	assert.Equal(t, uint64(1), f.metrics.Snapshot().AmbiguousIdentityKeys)
}

func TestResolve_AmbiguousKeyIsNotExtended(t *testing.T) {
	f := newFixture(t)
	hash := federalKeyHash()
	for _, id := range []string{"p-1", "p-2"} {
		p := product(id)
		p.IdentityKey = strPtr(hash)
		p.Name = "Range Day Value Box"
		f.store.AddProduct(p)
	}

	res, err := f.resolver.Resolve(context.Background(), federalRecord("rec-1"))
	require.NoError(t, err)
	assert.Equal(t, models.LinkageStatusCreated, res.Linkage.Status)
	assert.Equal(t, models.MatchPathFuzzy, res.Linkage.MatchPath)
	assert.Less(t, res.Linkage.Evidence.Score, 0.85)
	assert.Equal(t, 2, res.Linkage.Evidence.AmbiguousCount)

	products := f.store.Products()
	require.Len(t, products, 3)
	keyed := 0
	for _, p := range products {
		if p.ID == res.Linkage.CanonicalID() {
			assert.Nil(t, p.IdentityKey)
			assert.Equal(t, "fmj", p.LoadType)
		}
		if p.IdentityKey != nil && *p.IdentityKey == hash {
			keyed++
		}
	}
	assert.Equal(t, 2, keyed)
}

func TestResolve_DifferentLoadTypeIsNewProduct(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	fmj, err := f.resolver.Resolve(ctx, federalRecord("rec-fmj"))
	require.NoError(t, err)
	require.Equal(t, models.LinkageStatusCreated, fmj.Linkage.Status)

	jhpRecord := func(id string) *models.SourceRecord {
		rec := federalRecord(id)
		rec.Title = "Federal American Eagle 9mm 115gr JHP"
		return rec
	}

	first, err := f.resolver.Resolve(ctx, jhpRecord("rec-jhp-1"))
	require.NoError(t, err)
	assert.Equal(t, models.LinkageStatusCreated, first.Linkage.Status)
	assert.Equal(t, models.MatchPathFuzzy, first.Linkage.MatchPath)
	assert.NotEqual(t, fmj.Linkage.CanonicalID(), first.Linkage.CanonicalID())
	assert.Equal(t, 1, first.Linkage.Evidence.ConflictingCandidates)
	assert.Equal(t, 0, first.Linkage.Evidence.CandidateCount)

	second, err := f.resolver.Resolve(ctx, jhpRecord("rec-jhp-2"))
	require.NoError(t, err)
	assert.Equal(t, models.LinkageStatusMatched, second.Linkage.Status)
	assert.Equal(t, models.MatchPathIdentityKey, second.Linkage.MatchPath)
	assert.Equal(t, first.Linkage.CanonicalID(), second.Linkage.CanonicalID())

	products := f.store.Products()
	require.Len(t, products, 2)
	var created *models.CanonicalProduct
	for _, p := range products {
		if p.ID == first.Linkage.CanonicalID() {
			created = p
		}
	}
	require.NotNil(t, created)
	assert.Equal(t, "jhp", created.LoadType)

	var meta canonicalMetadata
	require.NoError(t, json.Unmarshal(created.Metadata, &meta))
	assert.Equal(t, "rec-jhp-1", meta.SourceRecordID)
	assert.Equal(t, "retailer-a", meta.SourceID)
	assert.Equal(t, Version, meta.ResolverVersion)
}

func TestCompatibleCandidates(t *testing.T) {
	keyed := product("p-keyed")
	keyed.IdentityKey = strPtr(federalKeyHash())

	otherKey := product("p-other-key")
	otherKey.IdentityKey = strPtr("not-the-same-key")

	hollowPoint := product("p-jhp")
	hollowPoint.LoadType = "jhp"

	unknownLoad := product("p-unknown")
	unknownLoad.LoadType = ""

	shotgun := func(id, shell string) *models.CanonicalProduct {
		return &models.CanonicalProduct{ID: id, BrandNorm: "federal", CaliberNorm: "12ga", LoadType: "birdshot", ShellLength: shell, RoundCount: 25}
	}

	tests := []struct {
		name       string
		n          normalized
		candidates []*models.CanonicalProduct
		want       []string
	}{
		{
			name:       "complete key drops other keys and load types",
			n:          normalized{brand: "federal", caliber: "9mm", grain: 115, roundCount: 50, loadType: "fmj"},
			candidates: []*models.CanonicalProduct{keyed, otherKey, hollowPoint, unknownLoad},
			want:       []string{"p-keyed", "p-unknown"},
		},
		{
			name:       "incomplete key still drops other load types",
			n:          normalized{brand: "federal", caliber: "9mm", loadType: "fmj"},
			candidates: []*models.CanonicalProduct{otherKey, hollowPoint, unknownLoad},
			want:       []string{"p-other-key", "p-unknown"},
		},
		{
			name:       "unknown load type keeps everything",
			n:          normalized{brand: "federal", caliber: "9mm"},
			candidates: []*models.CanonicalProduct{keyed, hollowPoint},
			want:       []string{"p-keyed", "p-jhp"},
		},
		{
			name:       "shell length",
			n:          normalized{brand: "federal", caliber: "12ga", loadType: "birdshot", shellLength: "2.75in"},
			candidates: []*models.CanonicalProduct{shotgun("p-275", "2.75in"), shotgun("p-3", "3in")},
			want:       []string{"p-275"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			kept, dropped := compatibleCandidates(tt.n, tt.candidates)
			var ids []string
			for _, c := range kept {
				ids = append(ids, c.ID)
			}
			assert.Equal(t, tt.want, ids)
			assert.Equal(t, len(tt.candidates)-len(tt.want), dropped)
		})
	}
}

func TestResolve_TrustedUPC(t *testing.T) {
	const upc = "036000291452"

	rec := &models.SourceRecord{
		ID:         "rec-1",
		SourceID:   "retailer-a",
		SourceKind: models.SourceKindAffiliateFeed,
		UPC:        strPtr("0-36000-29145-2"),
		Brand:      "Winchester",
		Title:      "Winchester 9mm 115gr",
	}

	t.Run("trusted source matches by upc", func(t *testing.T) {
		f := newFixture(t)
		f.store.SetSourceConfig(models.SourceConfig{SourceID: "retailer-a", UPCTrusted: true})
		f.store.AddProduct(&models.CanonicalProduct{ID: "p-upc", BrandNorm: "winchester", CaliberNorm: "308 win", UPC: strPtr(upc), Name: "Something else"})

		res, err := f.resolver.Resolve(context.Background(), rec)
		require.NoError(t, err)
		assert.Equal(t, models.LinkageStatusMatched, res.Linkage.Status)
		assert.Equal(t, models.MatchPathUPC, res.Linkage.MatchPath)
		assert.Equal(t, "p-upc", res.Linkage.CanonicalID())
		assert.True(t, res.Linkage.Evidence.UPCTrusted)
		require.NotNil(t, res.Derived.UPCNorm)
		assert.Equal(t, upc, *res.Derived.UPCNorm)
	})

	t.Run("untrusted source skips upc lookup", func(t *testing.T) {
		f := newFixture(t)
		f.store.AddProduct(&models.CanonicalProduct{ID: "p-upc", BrandNorm: "winchester", CaliberNorm: "308 win", UPC: strPtr(upc), Name: "Something else"})

		res, err := f.resolver.Resolve(context.Background(), rec)
		require.NoError(t, err)
		assert.Equal(t, models.LinkageStatusCreated, res.Linkage.Status)
		assert.Equal(t, models.MatchPathFuzzy, res.Linkage.MatchPath)
		assert.False(t, res.Linkage.Evidence.UPCTrusted)

		for _, p := range f.store.Products() {
			if p.ID == res.Linkage.CanonicalID() {
				assert.Nil(t, p.UPC)
			}
		}
	})
}

func TestResolve_ShotgunIdentityKey(t *testing.T) {
	f := newFixture(t)
	rec := func(id string) *models.SourceRecord {
		return &models.SourceRecord{
			ID:         id,
			SourceID:   "retailer-b",
			SourceKind: models.SourceKindDirect,
			Brand:      "Federal",
			Caliber:    "12 Gauge",
			Title:      `Federal Top Gun 12 Gauge 2-3/4" 1-1/8oz #8 Target Load 25 Rounds`,
		}
	}

	first, err := f.resolver.Resolve(context.Background(), rec("rec-1"))
	require.NoError(t, err)
	assert.Equal(t, models.LinkageStatusCreated, first.Linkage.Status)
	assert.NotContains(t, first.Linkage.Evidence.MissingFields, models.FieldGrain)

	products := f.store.Products()
	require.Len(t, products, 1)
	assert.Equal(t, "12ga", products[0].CaliberNorm)
	assert.Equal(t, "2.75in", products[0].ShellLength)
	assert.Equal(t, "birdshot", products[0].LoadType)
	assert.Equal(t, 0, products[0].Grain)

	second, err := f.resolver.Resolve(context.Background(), rec("rec-2"))
	require.NoError(t, err)
	assert.Equal(t, models.LinkageStatusMatched, second.Linkage.Status)
	assert.Equal(t, models.MatchPathIdentityKeyShotgun, second.Linkage.MatchPath)
	assert.Equal(t, products[0].ID, second.Linkage.CanonicalID())
}

func TestResolve_NoCaliberIsUnmatched(t *testing.T) {
	f := newFixture(t)
	rec := &models.SourceRecord{ID: "rec-1", SourceKind: models.SourceKindDirect, Brand: "Hornady", Title: "Hornady Critical Defense"}

	res, err := f.resolver.Resolve(context.Background(), rec)
	require.NoError(t, err)
	assert.Equal(t, models.LinkageStatusUnmatched, res.Linkage.Status)
	assert.Equal(t, models.MatchPathNone, res.Linkage.MatchPath)
	assert.Nil(t, res.Linkage.CanonicalProductID)
	assert.Contains(t, res.Linkage.Evidence.MissingFields, models.FieldCaliber)
	assert.Empty(t, f.store.Products())

	s := f.metrics.Snapshot()
	assert.Equal(t, uint64(1), s.MissingFields[models.FieldCaliber])
	assert.Equal(t, uint64(1), s.MatchPaths["NONE"]["UNMATCHED"])
}

func TestResolve_TooLittleToScoreCreatesWithNone(t *testing.T) {
	f := newFixture(t)
	rec := &models.SourceRecord{ID: "rec-1", SourceKind: models.SourceKindOther, Caliber: ".223 Rem"}

	res, err := f.resolver.Resolve(context.Background(), rec)
	require.NoError(t, err)
	assert.Equal(t, models.LinkageStatusCreated, res.Linkage.Status)
	assert.Equal(t, models.MatchPathNone, res.Linkage.MatchPath)

	products := f.store.Products()
	require.Len(t, products, 1)
	assert.Equal(t, "223 rem", products[0].CaliberNorm)
	assert.Equal(t, "223 rem", products[0].Name)
	assert.Nil(t, products[0].IdentityKey)
}

func TestResolve_BrandAliasApplied(t *testing.T) {
	f := newFixture(t)
	f.store.PutBrandAlias(&models.BrandAlias{AliasNorm: "fed", CanonicalNorm: "federal", Status: models.BrandAliasStatusActive})
	f.store.PutBrandAlias(&models.BrandAlias{AliasNorm: "win", CanonicalNorm: "winchester", Status: models.BrandAliasStatusPendingReview})
	p := product("p-1")
	p.IdentityKey = strPtr(federalKeyHash())
	f.store.AddProduct(p)

	rec := federalRecord("rec-1")
	rec.Brand = "Fed."
	res, err := f.resolver.Resolve(context.Background(), rec)
	require.NoError(t, err)
	assert.Equal(t, models.MatchPathIdentityKey, res.Linkage.MatchPath)
	assert.Equal(t, "p-1", res.Linkage.CanonicalID())
	assert.Equal(t, "fed", res.Linkage.Evidence.BrandAlias)
	require.NotNil(t, res.Derived.BrandNorm)
	assert.Equal(t, "federal", *res.Derived.BrandNorm)

	rec = federalRecord("rec-2")
	rec.Brand = "Win"
	res, err = f.resolver.Resolve(context.Background(), rec)
	require.NoError(t, err)
	assert.Empty(t, res.Linkage.Evidence.BrandAlias)
	assert.Equal(t, "win", *res.Derived.BrandNorm)
}

type panickingStrategy struct{}

func (panickingStrategy) Name() string { return "panicking" }

func (panickingStrategy) Prepare(scoring.Input) scoring.Prepared { return panickingPrepared{} }

type panickingPrepared struct{}

func (panickingPrepared) Score(*models.CanonicalProduct) scoring.Result {
	panic("division by zero")
}

func TestResolve_Errors(t *testing.T) {
	boom := errors.New("connection refused")

	tests := []struct {
		name   string
		mutate []func(*Dependencies)
		setup  func(f *fixture)
		rec    *models.SourceRecord
		reason models.ReasonCode
	}{
		{
			name:   "identity key lookup",
			setup:  func(f *fixture) { f.store.FailNext(memstore.OpFindByIdentityKey, boom, 1) },
			rec:    federalRecord("rec-1"),
			reason: models.ReasonLookupFailure,
		},
		{
			name:   "candidate fetch",
			setup:  func(f *fixture) { f.store.FailNext(memstore.OpListCandidates, boom, 1) },
			rec:    federalRecord("rec-1"),
			reason: models.ReasonLookupFailure,
		},
		{
			name:   "alias lookup",
			setup:  func(f *fixture) { f.store.FailNext(memstore.OpResolveBrandAlias, boom, 1) },
			rec:    federalRecord("rec-1"),
			reason: models.ReasonLookupFailure,
		},
		{
			name: "source config",
			setup: func(f *fixture) {
				f.store.FailNext(memstore.OpIsUPCTrusted, boom, 1)
			},
			rec: func() *models.SourceRecord {
				r := federalRecord("rec-1")
				r.UPC = strPtr("036000291452")
				return r
			}(),
			reason: models.ReasonLookupFailure,
		},
		{
			name:   "canonical create",
			setup:  func(f *fixture) { f.store.FailNext(memstore.OpCreateProduct, boom, 1) },
			rec:    federalRecord("rec-1"),
			reason: models.ReasonPersistenceFailure,
		},
		{
			name:   "strategy panic",
			mutate: []func(*Dependencies){func(d *Dependencies) { d.Strategy = panickingStrategy{} }},
			setup:  func(f *fixture) { f.store.AddProduct(product("p-1")) },
			rec:    federalRecord("rec-1"),
			reason: models.ReasonScoringFailure,
		},
		{
			name:   "missing id",
			rec:    &models.SourceRecord{SourceKind: models.SourceKindDirect, Title: "Federal 9mm"},
			reason: models.ReasonInvalidRecord,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, tt.mutate...)
			if tt.setup != nil {
				tt.setup(f)
			}

			res, err := f.resolver.Resolve(context.Background(), tt.rec)
			require.NoError(t, err)
			assert.Equal(t, models.LinkageStatusError, res.Linkage.Status)
			assert.Equal(t, models.MatchPathNone, res.Linkage.MatchPath)
			require.NotNil(t, res.Linkage.ReasonCode)
			assert.Equal(t, tt.reason, *res.Linkage.ReasonCode)
			assert.Nil(t, res.Linkage.CanonicalProductID)
			assert.NotEmpty(t, res.Linkage.Evidence.Error)
			assert.Len(t, f.store.Linkages(), 1)

			s := f.metrics.Snapshot()
			assert.Equal(t, uint64(1), s.Failures[string(tt.rec.SourceKind)][string(tt.reason)])
		})
	}
}

func TestResolve_AppendFailureFallsBackToErrorLinkage(t *testing.T) {
	f := newFixture(t)
	f.store.AddProduct(func() *models.CanonicalProduct {
		p := product("p-1")
		p.IdentityKey = strPtr(federalKeyHash())
		return p
	}())
	f.store.FailNext(memstore.OpAppendLinkage, errors.New("disk full"), 1)

	res, err := f.resolver.Resolve(context.Background(), federalRecord("rec-1"))
	require.NoError(t, err)
	assert.Equal(t, models.LinkageStatusError, res.Linkage.Status)
	require.NotNil(t, res.Linkage.ReasonCode)
	assert.Equal(t, models.ReasonPersistenceFailure, *res.Linkage.ReasonCode)

	linkages := f.store.Linkages()
	require.Len(t, linkages, 1)
	assert.Equal(t, models.LinkageStatusError, linkages[0].Status)
}

func TestResolve_AppendFailureTwiceReturnsError(t *testing.T) {
	f := newFixture(t)
	f.store.FailNext(memstore.OpAppendLinkage, errors.New("disk full"), 2)

	res, err := f.resolver.Resolve(context.Background(), federalRecord("rec-1"))
	assert.Nil(t, res)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrPersistence))
	assert.Empty(t, f.store.Linkages())
	assert.Equal(t, uint64(1), f.metrics.Snapshot().Failures["DIRECT"]["PERSISTENCE_FAILURE"])
}

func TestResolve_MetricsLifecycle(t *testing.T) {
	f := newFixture(t)
	_, err := f.resolver.Resolve(context.Background(), federalRecord("rec-1"))
	require.NoError(t, err)
	_, err = f.resolver.Resolve(context.Background(), federalRecord("rec-2"))
	require.NoError(t, err)

	s := f.metrics.Snapshot()
	assert.Equal(t, uint64(2), s.Requests["DIRECT"])
	assert.Equal(t, uint64(1), s.Decisions["DIRECT"]["CREATED"])
	assert.Equal(t, uint64(1), s.Decisions["DIRECT"]["MATCHED"])
	assert.Equal(t, uint64(1), s.MatchPaths["IDENTITY_KEY"]["MATCHED"])
	assert.Equal(t, uint64(2), s.Latency.Count)
	assert.Empty(t, s.Failures)
}

func TestResolve_GuardPreventsDuplicateCreation(t *testing.T) {
	f := newFixture(t)
	f.resolver.deps.Guard = f.store

	var wg sync.WaitGroup
	results := make([]*Result, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := f.resolver.Resolve(context.Background(), federalRecord(fmt.Sprintf("rec-%d", i)))
			assert.NoError(t, err)
			results[i] = res
		}(i)
	}
	wg.Wait()

	products := f.store.Products()
	require.Len(t, products, 1)
	for _, res := range results {
		require.NotNil(t, res)
		assert.Equal(t, products[0].ID, res.Linkage.CanonicalID())
	}
}

func TestCanonicalName(t *testing.T) {
	n := normalized{brand: "federal", caliber: "9mm", grain: 115, loadType: "fmj", roundCount: 50}
	assert.Equal(t, "federal 9mm 115gr fmj 50 rounds", canonicalName(&models.SourceRecord{}, n))
	assert.Equal(t, "Federal 9mm", canonicalName(&models.SourceRecord{Title: "  Federal 9mm "}, n))
}
