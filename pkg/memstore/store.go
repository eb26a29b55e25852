// Package memstore is an in-process implementation of every store the
// resolver, worker, sweeper and HTTP handlers use. The claim and lease rules
// mirror the PostgreSQL repositories.
package memstore

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/google/uuid"

	"github.com/Ramsey-B/fern/pkg/models"
)

// Operation names accepted by FailNext
const (
	OpFindByIdentityKey = "FindByIdentityKey"
	OpFindByUPC         = "FindByUPC"
	OpListCandidates    = "ListCandidates"
	OpCreateProduct     = "CreateProduct"
	OpAppendLinkage     = "AppendLinkage"
	OpIsUPCTrusted      = "IsUPCTrusted"
	OpResolveBrandAlias = "ResolveBrandAlias"
	OpClaim             = "Claim"
)

type injectedFailure struct {
	err       error
	remaining int
}

// Store holds source records, canonical products, linkages, source configs
// and brand aliases behind one mutex.
type Store struct {
	mu sync.Mutex

	records  map[string]*models.SourceRecord
	products map[string]*models.CanonicalProduct
	linkages []*models.Linkage
	configs  map[string]models.SourceConfig
	aliases  map[string]*models.BrandAlias
	failures map[string]*injectedFailure
	locks    sync.Map

	now      func() time.Time
	newToken func() string
}

// Option customizes a Store
type Option func(*Store)

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithTokenGenerator replaces the lease token generator
func WithTokenGenerator(fn func() string) Option {
	return func(s *Store) { s.newToken = fn }
}

func New(opts ...Option) *Store {
	s := &Store{
		records:  make(map[string]*models.SourceRecord),
		products: make(map[string]*models.CanonicalProduct),
		configs:  make(map[string]models.SourceConfig),
		aliases:  make(map[string]*models.BrandAlias),
		failures: make(map[string]*injectedFailure),
		now:      time.Now,
		newToken: uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// FailNext makes the next times calls of op return err
func (s *Store) FailNext(op string, err error, times int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[op] = &injectedFailure{err: err, remaining: times}
}

// fault must be called with mu held
func (s *Store) fault(op string) error {
	f, ok := s.failures[op]
	if !ok || f.remaining <= 0 {
		return nil
	}
	f.remaining--
	if f.remaining == 0 {
		delete(s.failures, op)
	}
	return f.err
}

// --- source records ---

// Insert adds a PENDING record. Existing ids are rejected.
func (s *Store) Insert(_ context.Context, rec *models.SourceRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[rec.ID]; ok {
		return httperror.NewHTTPError(http.StatusConflict, "source record "+rec.ID+" already exists")
	}
	cp := *rec
	cp.SourceKind = cp.SourceKind.Normalize()
	if cp.Status == "" {
		cp.Status = models.SourceRecordStatusPending
	}
	now := s.now().UTC()
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	cp.UpdatedAt = now
	s.records[cp.ID] = &cp
	return nil
}

// Get returns a copy of the record or nil
func (s *Store) Get(_ context.Context, id string) (*models.SourceRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return nil, nil
	}
	cp := *rec
	return &cp, nil
}

// Claim moves up to policy.BatchSize claimable records to PROCESSING under
// one fresh lease token, oldest first. PENDING records and ERROR records past
// their retry delay are claimable while under policy.MaxAttempts attempts.
func (s *Store) Claim(_ context.Context, policy models.ClaimPolicy) ([]*models.SourceRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.fault(OpClaim); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	var claimable []*models.SourceRecord
	for _, rec := range s.records {
		if rec.AttemptCount >= policy.MaxAttempts {
			continue
		}
		switch {
		case rec.Status == models.SourceRecordStatusPending:
		case rec.Status == models.SourceRecordStatusError && !now.Before(rec.UpdatedAt.Add(policy.RetryDelay(rec.AttemptCount))):
		default:
			continue
		}
		claimable = append(claimable, rec)
	}
	sort.Slice(claimable, func(i, j int) bool {
		if claimable[i].CreatedAt.Equal(claimable[j].CreatedAt) {
			return claimable[i].ID < claimable[j].ID
		}
		return claimable[i].CreatedAt.Before(claimable[j].CreatedAt)
	})
	if len(claimable) > policy.BatchSize {
		claimable = claimable[:policy.BatchSize]
	}

	token := s.newToken()
	out := make([]*models.SourceRecord, 0, len(claimable))
	for _, rec := range claimable {
		rec.Status = models.SourceRecordStatusProcessing
		rec.ProcessingStartedAt = &now
		rec.LeaseToken = &token
		rec.AttemptCount++
		rec.UpdatedAt = now
		cp := *rec
		out = append(out, &cp)
	}
	return out, nil
}

// MarkResolved completes a record when leaseToken still owns it
func (s *Store) MarkResolved(_ context.Context, id, leaseToken string, derived models.DerivedFields) error {
	return s.complete(id, leaseToken, models.SourceRecordStatusResolved, nil, derived)
}

// MarkError fails a record when leaseToken still owns it
func (s *Store) MarkError(_ context.Context, id, leaseToken string, reason models.ReasonCode, derived models.DerivedFields) error {
	code := string(reason)
	return s.complete(id, leaseToken, models.SourceRecordStatusError, &code, derived)
}

func (s *Store) complete(id, leaseToken string, status models.SourceRecordStatus, reason *string, derived models.DerivedFields) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok || rec.Status != models.SourceRecordStatusProcessing || rec.LeaseToken == nil || *rec.LeaseToken != leaseToken {
		return models.ErrLeaseLost
	}
	rec.Status = status
	rec.LastReasonCode = reason
	rec.ProcessingStartedAt = nil
	rec.LeaseToken = nil
	rec.BrandNorm = derived.BrandNorm
	rec.CaliberNorm = derived.CaliberNorm
	rec.UPCNorm = derived.UPCNorm
	rec.TitleSignature = derived.TitleSignature
	rec.UpdatedAt = s.now().UTC()
	return nil
}

// ResetStale returns PROCESSING records whose lease is older than staleAfter
// to PENDING and clears their lease. It reports how many rows changed.
func (s *Store) ResetStale(_ context.Context, staleAfter time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	now := s.now().UTC()
	cutoff := now.Add(-staleAfter)
	for _, rec := range s.records {
		if rec.Status != models.SourceRecordStatusProcessing || rec.ProcessingStartedAt == nil {
			continue
		}
		if !rec.ProcessingStartedAt.Before(cutoff) {
			continue
		}
		rec.Status = models.SourceRecordStatusPending
		rec.ProcessingStartedAt = nil
		rec.LeaseToken = nil
		rec.UpdatedAt = now
		n++
	}
	return n, nil
}

// --- catalog ---

// AddProduct seeds the catalog without fault injection
func (s *Store) AddProduct(p *models.CanonicalProduct) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *p
	s.products[p.ID] = &cp
}

func (s *Store) FindByIdentityKey(_ context.Context, identityKey string) ([]*models.CanonicalProduct, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.fault(OpFindByIdentityKey); err != nil {
		return nil, err
	}
	return s.filterProducts(func(p *models.CanonicalProduct) bool {
		return p.IdentityKey != nil && *p.IdentityKey == identityKey
	}, 0), nil
}

func (s *Store) FindByUPC(_ context.Context, upc string) ([]*models.CanonicalProduct, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.fault(OpFindByUPC); err != nil {
		return nil, err
	}
	return s.filterProducts(func(p *models.CanonicalProduct) bool {
		return p.UPC != nil && *p.UPC == upc
	}, 0), nil
}

func (s *Store) ListCandidates(_ context.Context, caliberNorm string, limit int) ([]*models.CanonicalProduct, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.fault(OpListCandidates); err != nil {
		return nil, err
	}
	return s.filterProducts(func(p *models.CanonicalProduct) bool {
		return p.CaliberNorm == caliberNorm
	}, limit), nil
}

func (s *Store) Create(_ context.Context, product *models.CanonicalProduct) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.fault(OpCreateProduct); err != nil {
		return err
	}
	if _, ok := s.products[product.ID]; ok {
		return httperror.NewHTTPError(http.StatusConflict, "canonical product "+product.ID+" already exists")
	}
	cp := *product
	s.products[product.ID] = &cp
	return nil
}

// Products returns every canonical product ordered by id
func (s *Store) Products() []*models.CanonicalProduct {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.filterProducts(func(*models.CanonicalProduct) bool { return true }, 0)
}

// filterProducts must be called with mu held. Results are ordered by id.
func (s *Store) filterProducts(keep func(*models.CanonicalProduct) bool, limit int) []*models.CanonicalProduct {
	out := []*models.CanonicalProduct{}
	for _, p := range s.products {
		if keep(p) {
			cp := *p
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// --- linkages ---

func (s *Store) Append(_ context.Context, linkage *models.Linkage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.fault(OpAppendLinkage); err != nil {
		return err
	}
	cp := *linkage
	s.linkages = append(s.linkages, &cp)
	return nil
}

// ListBySourceRecord returns the audit trail for one record, newest first
func (s *Store) ListBySourceRecord(_ context.Context, sourceRecordID string) ([]*models.Linkage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := []*models.Linkage{}
	for _, l := range s.linkages {
		if l.SourceRecordID == sourceRecordID {
			cp := *l
			out = append(out, &cp)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// Linkages returns every linkage in append order
func (s *Store) Linkages() []*models.Linkage {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*models.Linkage, 0, len(s.linkages))
	for _, l := range s.linkages {
		cp := *l
		out = append(out, &cp)
	}
	return out
}

// --- source configs ---

func (s *Store) SetSourceConfig(cfg models.SourceConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.configs[cfg.SourceID] = cfg
}

// IsUPCTrusted is false for sources without a config row
func (s *Store) IsUPCTrusted(_ context.Context, sourceID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.fault(OpIsUPCTrusted); err != nil {
		return false, err
	}
	return s.configs[sourceID].UPCTrusted, nil
}

// --- brand aliases ---

func (s *Store) PutBrandAlias(alias *models.BrandAlias) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *alias
	s.aliases[alias.AliasNorm] = &cp
}

func (s *Store) ResolveBrandAlias(_ context.Context, aliasNorm string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.fault(OpResolveBrandAlias); err != nil {
		return "", false, err
	}
	a, ok := s.aliases[aliasNorm]
	if !ok || a.Status != models.BrandAliasStatusActive {
		return "", false, nil
	}
	return a.CanonicalNorm, true, nil
}

// BrandKnown reports whether canonicalNorm is a catalog brand or the target
// of an active alias
func (s *Store) BrandKnown(_ context.Context, canonicalNorm string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, p := range s.products {
		if p.BrandNorm == canonicalNorm {
			return true, nil
		}
	}
	for _, a := range s.aliases {
		if a.Status == models.BrandAliasStatusActive && a.CanonicalNorm == canonicalNorm {
			return true, nil
		}
	}
	return false, nil
}

// --- create guard ---

// WithLock serializes fn per key within this process
func (s *Store) WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	l := s.keyLock(key)
	l.Lock()
	defer l.Unlock()
	return fn(ctx)
}

func (s *Store) keyLock(key string) *sync.Mutex {
	v, _ := s.locks.LoadOrStore(key, &sync.Mutex{})
	return v.(*sync.Mutex)
}
