package linkage

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

const table = "linkages"

// Repository appends resolver decisions. Linkages are never updated or deleted.
type Repository struct {
	db     database.DB
	logger ectologger.Logger
}

// New creates a new linkage repository
func New(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

// Append inserts a new linkage row
func (r *Repository) Append(ctx context.Context, link *models.Linkage) error {
	ctx, span := tracing.StartSpan(ctx, "linkage.Repository.Append")
	defer span.End()

	if link.ID == "" {
		link.ID = uuid.NewString()
	}
	if link.CreatedAt.IsZero() {
		link.CreatedAt = time.Now().UTC()
	}

	ib := sqlbuilder.PostgreSQL.NewInsertBuilder()
	ib.InsertInto(table)
	ib.Cols("id", "source_record_id", "canonical_product_id", "status", "reason_code", "match_path", "resolver_version", "evidence", "created_at")
	ib.Values(link.ID, link.SourceRecordID, link.CanonicalProductID, link.Status, link.ReasonCode, link.MatchPath, link.ResolverVersion, link.Evidence, link.CreatedAt)

	query, args := ib.Build()
	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		tracing.RecordError(span, err)
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"source_record_id": link.SourceRecordID,
			"status":           link.Status,
		}).Error("Failed to append linkage")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to append linkage")
	}
	return nil
}

// ListBySourceRecord returns the decision history of a record, newest first
func (r *Repository) ListBySourceRecord(ctx context.Context, sourceRecordID string) ([]*models.Linkage, error) {
	ctx, span := tracing.StartSpan(ctx, "linkage.Repository.ListBySourceRecord")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select("id", "source_record_id", "canonical_product_id", "status", "reason_code", "match_path", "resolver_version", "evidence", "created_at")
	sb.From(table)
	sb.Where(sb.Equal("source_record_id", sourceRecordID))
	sb.OrderBy("created_at DESC", "id DESC")

	query, args := sb.Build()
	var links []*models.Linkage
	if err := r.db.SelectContext(ctx, &links, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to list linkages")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list linkages")
	}
	return links, nil
}

// StatusCount is the number of linkages with one status and match path
type StatusCount struct {
	Status    models.LinkageStatus `json:"status" db:"status"`
	MatchPath models.MatchPath     `json:"match_path" db:"match_path"`
	Count     int64                `json:"count" db:"count"`
}

// CountByStatus aggregates linkages written since the given time
func (r *Repository) CountByStatus(ctx context.Context, since time.Time) ([]StatusCount, error) {
	ctx, span := tracing.StartSpan(ctx, "linkage.Repository.CountByStatus")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select("status", "match_path", "COUNT(*) AS count")
	sb.From(table)
	sb.Where(sb.GreaterEqualThan("created_at", since))
	sb.GroupBy("status", "match_path")
	sb.OrderBy("status", "match_path")

	query, args := sb.Build()
	var counts []StatusCount
	if err := r.db.SelectContext(ctx, &counts, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to count linkages")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to count linkages")
	}
	return counts, nil
}
