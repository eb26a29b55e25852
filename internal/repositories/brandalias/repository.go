package brandalias

import (
	"context"
	"net/http"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/huandu/go-sqlbuilder"

	"github.com/Ramsey-B/fern/internal/database"
	"github.com/Ramsey-B/fern/internal/tracing"
	"github.com/Ramsey-B/fern/pkg/models"
)

const table = "brand_aliases"

// Repository stores brand aliases and their review state
type Repository struct {
	db     database.DB
	logger ectologger.Logger
}

// New creates a new brand alias repository
func New(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

// Create inserts an alias. Callers validate and normalize it first.
func (r *Repository) Create(ctx context.Context, alias *models.BrandAlias) error {
	ctx, span := tracing.StartSpan(ctx, "brandalias.Repository.Create")
	defer span.End()

	if alias.ID == "" {
		alias.ID = uuid.NewString()
	}
	if alias.Status == "" {
		alias.Status = models.BrandAliasStatusPendingReview
	}
	alias.CreatedAt = time.Now().UTC()

	ib := sqlbuilder.PostgreSQL.NewInsertBuilder()
	ib.InsertInto(table)
	ib.Cols("id", "alias_norm", "canonical_norm", "source_type", "status", "created_at")
	ib.Values(alias.ID, alias.AliasNorm, alias.CanonicalNorm, alias.SourceType, alias.Status, alias.CreatedAt)

	query, args := ib.Build()
	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		tracing.RecordError(span, err)
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"alias_norm": alias.AliasNorm}).Error("Failed to create brand alias")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to create brand alias")
	}
	return nil
}

// ResolveBrandAlias returns the canonical brand of an ACTIVE alias
func (r *Repository) ResolveBrandAlias(ctx context.Context, aliasNorm string) (string, bool, error) {
	ctx, span := tracing.StartSpan(ctx, "brandalias.Repository.ResolveBrandAlias")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select("canonical_norm")
	sb.From(table)
	sb.Where(
		sb.Equal("alias_norm", aliasNorm),
		sb.Equal("status", models.BrandAliasStatusActive),
	)
	sb.Limit(1)

	query, args := sb.Build()
	var canonical string
	if err := r.db.GetContext(ctx, &canonical, query, args...); err != nil {
		if err.Error() == "sql: no rows in result set" {
			return "", false, nil
		}
		tracing.RecordError(span, err)
		r.logger.WithContext(ctx).WithError(err).Error("Failed to resolve brand alias")
		return "", false, httperror.NewHTTPError(http.StatusInternalServerError, "failed to resolve brand alias")
	}
	return canonical, true, nil
}

// BrandKnown reports whether canonicalNorm is a catalog brand or the target
// of an active alias
func (r *Repository) BrandKnown(ctx context.Context, canonicalNorm string) (bool, error) {
	ctx, span := tracing.StartSpan(ctx, "brandalias.Repository.BrandKnown")
	defer span.End()

	query := `
		SELECT EXISTS (SELECT 1 FROM canonical_products WHERE brand_norm = $1)
			OR EXISTS (SELECT 1 FROM brand_aliases WHERE canonical_norm = $1 AND status = 'ACTIVE')`

	var known bool
	if err := r.db.GetContext(ctx, &known, query, canonicalNorm); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to check brand")
		return false, httperror.NewHTTPError(http.StatusInternalServerError, "failed to check brand")
	}
	return known, nil
}

// List returns aliases with the given status, oldest first
func (r *Repository) List(ctx context.Context, status models.BrandAliasStatus) ([]*models.BrandAlias, error) {
	ctx, span := tracing.StartSpan(ctx, "brandalias.Repository.List")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select("id", "alias_norm", "canonical_norm", "source_type", "status", "created_at")
	sb.From(table)
	sb.Where(sb.Equal("status", status))
	sb.OrderBy("created_at", "id")

	query, args := sb.Build()
	var aliases []*models.BrandAlias
	if err := r.db.SelectContext(ctx, &aliases, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to list brand aliases")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list brand aliases")
	}
	return aliases, nil
}

// SetStatus moves an alias through review. A missing alias is a 404.
func (r *Repository) SetStatus(ctx context.Context, id string, status models.BrandAliasStatus) error {
	ctx, span := tracing.StartSpan(ctx, "brandalias.Repository.SetStatus")
	defer span.End()

	ub := sqlbuilder.PostgreSQL.NewUpdateBuilder()
	ub.Update(table)
	ub.Set(ub.Assign("status", status))
	ub.Where(ub.Equal("id", id))

	query, args := ub.Build()
	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		// the partial unique index rejects a second ACTIVE alias for the same name
		tracing.RecordError(span, err)
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"alias_id": id}).Error("Failed to update brand alias status")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to update brand alias status")
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return httperror.NewHTTPError(http.StatusNotFound, "brand alias not found")
	}
	return nil
}
