package canonicalproduct

import (
	"context"
	"net/http"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/huandu/go-sqlbuilder"

	"github.com/Ramsey-B/fern/internal/database"
	"github.com/Ramsey-B/fern/internal/tracing"
	"github.com/Ramsey-B/fern/pkg/models"
)

const table = "canonical_products"

var columns = []string{
	"id", "brand_norm", "caliber_norm", "grain", "round_count", "load_type", "shell_length",
	"upc", "name", "identity_key", "COALESCE(metadata, '{}'::jsonb) AS metadata", "created_by", "created_at",
}

// Repository is the PostgreSQL canonical product catalog
type Repository struct {
	db     database.DB
	logger ectologger.Logger
}

// New creates a new canonical product repository
func New(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

// Create inserts a canonical product
func (r *Repository) Create(ctx context.Context, product *models.CanonicalProduct) error {
	ctx, span := tracing.StartSpan(ctx, "canonicalproduct.Repository.Create")
	defer span.End()

	if product.CreatedAt.IsZero() {
		product.CreatedAt = time.Now().UTC()
	}
	if product.CreatedBy == "" {
		product.CreatedBy = models.CanonicalCreatedByCatalog
	}

	var metadata any
	if len(product.Metadata) > 0 {
		metadata = string(product.Metadata)
	}

	ib := sqlbuilder.PostgreSQL.NewInsertBuilder()
	ib.InsertInto(table)
	ib.Cols("id", "brand_norm", "caliber_norm", "grain", "round_count", "load_type", "shell_length",
		"upc", "name", "identity_key", "metadata", "created_by", "created_at")
	ib.Values(product.ID, product.BrandNorm, product.CaliberNorm, product.Grain, product.RoundCount, product.LoadType, product.ShellLength,
		product.UPC, product.Name, product.IdentityKey, metadata, product.CreatedBy, product.CreatedAt)

	query, args := ib.Build()
	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		tracing.RecordError(span, err)
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"canonical_product_id": product.ID}).Error("Failed to create canonical product")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to create canonical product")
	}
	return nil
}

// GetByID returns the product or nil when it does not exist
func (r *Repository) GetByID(ctx context.Context, id string) (*models.CanonicalProduct, error) {
	ctx, span := tracing.StartSpan(ctx, "canonicalproduct.Repository.GetByID")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(columns...)
	sb.From(table)
	sb.Where(sb.Equal("id", id))

	query, args := sb.Build()
	var product models.CanonicalProduct
	if err := r.db.GetContext(ctx, &product, query, args...); err != nil {
		if err.Error() == "sql: no rows in result set" {
			return nil, nil
		}
		r.logger.WithContext(ctx).WithError(err).Error("Failed to get canonical product")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to get canonical product")
	}
	return &product, nil
}

// FindByIdentityKey returns every product sharing the key, ordered by id
func (r *Repository) FindByIdentityKey(ctx context.Context, identityKey string) ([]*models.CanonicalProduct, error) {
	ctx, span := tracing.StartSpan(ctx, "canonicalproduct.Repository.FindByIdentityKey")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(columns...)
	sb.From(table)
	sb.Where(sb.Equal("identity_key", identityKey))
	sb.OrderBy("id")

	return r.list(ctx, sb, "failed to find canonical products by identity key")
}

// FindByUPC returns every product carrying the normalized UPC, ordered by id
func (r *Repository) FindByUPC(ctx context.Context, upc string) ([]*models.CanonicalProduct, error) {
	ctx, span := tracing.StartSpan(ctx, "canonicalproduct.Repository.FindByUPC")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(columns...)
	sb.From(table)
	sb.Where(sb.Equal("upc", upc))
	sb.OrderBy("id")

	return r.list(ctx, sb, "failed to find canonical products by upc")
}

// ListCandidates returns at most limit products in the caliber bucket, ordered by id
func (r *Repository) ListCandidates(ctx context.Context, caliberNorm string, limit int) ([]*models.CanonicalProduct, error) {
	ctx, span := tracing.StartSpan(ctx, "canonicalproduct.Repository.ListCandidates")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(columns...)
	sb.From(table)
	sb.Where(sb.Equal("caliber_norm", caliberNorm))
	sb.OrderBy("id")
	if limit > 0 {
		sb.Limit(limit)
	}

	return r.list(ctx, sb, "failed to list candidate canonical products")
}

// Count returns the catalog size
func (r *Repository) Count(ctx context.Context) (int64, error) {
	ctx, span := tracing.StartSpan(ctx, "canonicalproduct.Repository.Count")
	defer span.End()

	var n int64
	if err := r.db.GetContext(ctx, &n, "SELECT COUNT(*) FROM canonical_products"); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to count canonical products")
		return 0, httperror.NewHTTPError(http.StatusInternalServerError, "failed to count canonical products")
	}
	return n, nil
}

func (r *Repository) list(ctx context.Context, sb *sqlbuilder.SelectBuilder, failure string) ([]*models.CanonicalProduct, error) {
	query, args := sb.Build()
	var products []*models.CanonicalProduct
	if err := r.db.SelectContext(ctx, &products, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error(failure)
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, failure)
	}
	return products, nil
}
