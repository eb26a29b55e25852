package sourceconfig

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

const table = "source_configs"

// Repository reads and writes per-source settings
type Repository struct {
	db     database.DB
	logger ectologger.Logger
}

// New creates a new source config repository
func New(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

// Get returns the config or nil when the source has none
func (r *Repository) Get(ctx context.Context, sourceID string) (*models.SourceConfig, error) {
	ctx, span := tracing.StartSpan(ctx, "sourceconfig.Repository.Get")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select("source_id", "upc_trusted", "updated_at")
	sb.From(table)
	sb.Where(sb.Equal("source_id", sourceID))

	query, args := sb.Build()
	var cfg models.SourceConfig
	if err := r.db.GetContext(ctx, &cfg, query, args...); err != nil {
		if err.Error() == "sql: no rows in result set" {
			return nil, nil
		}
		tracing.RecordError(span, err)
		r.logger.WithContext(ctx).WithError(err).Error("Failed to get source config")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to get source config")
	}
	return &cfg, nil
}

// IsUPCTrusted is false for sources without a config row
func (r *Repository) IsUPCTrusted(ctx context.Context, sourceID string) (bool, error) {
	cfg, err := r.Get(ctx, sourceID)
	if err != nil {
		return false, err
	}
	return cfg != nil && cfg.UPCTrusted, nil
}

// Upsert creates or replaces a source config
func (r *Repository) Upsert(ctx context.Context, cfg *models.SourceConfig) error {
	ctx, span := tracing.StartSpan(ctx, "sourceconfig.Repository.Upsert")
	defer span.End()

	cfg.UpdatedAt = time.Now().UTC()

	ib := database.NewInsertBuilder()
	ib.InsertInto(table)
	ib.Cols("source_id", "upc_trusted", "updated_at")
	ib.Values(cfg.SourceID, cfg.UPCTrusted, cfg.UpdatedAt)
	ub := ib.OnConflict("source_id")
	ub.Set(
		ub.Assign("upc_trusted", database.Excluded("upc_trusted")),
		ub.Assign("updated_at", database.Excluded("updated_at")),
	)

	query, args := ib.Build()
	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		tracing.RecordError(span, err)
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"source_id": cfg.SourceID}).Error("Failed to upsert source config")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to upsert source config")
	}
	return nil
}
