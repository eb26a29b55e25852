package sourcerecord

import (
	"context"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/huandu/go-sqlbuilder"
	"go.opentelemetry.io/otel/attribute"

	"github.com/Ramsey-B/fern/internal/database"
	"github.com/Ramsey-B/fern/internal/tracing"
	"github.com/Ramsey-B/fern/pkg/models"
)

const table = "source_records"

// maxRetryShift matches models.ClaimPolicy.RetryDelay
const maxRetryShift = 10

var columns = []string{
	"id", "source_id", "source_kind", "upc", "brand", "title", "caliber", "grain", "round_count",
	"brand_norm", "caliber_norm", "upc_norm", "title_signature",
	"status", "processing_started_at", "lease_token", "attempt_count", "last_reason_code",
	"COALESCE(raw_payload, 'null'::jsonb) AS raw_payload", "raw_fingerprint", "created_at", "updated_at",
}

// Repository persists source records and implements the durable claim queue
type Repository struct {
	db     database.DB
	logger ectologger.Logger
	now    func() time.Time
}

// New creates a new source record repository
func New(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
		now:    time.Now,
	}
}

// Insert adds a PENDING record. A duplicate id is a 409.
func (r *Repository) Insert(ctx context.Context, rec *models.SourceRecord) error {
	ctx, span := tracing.StartSpan(ctx, "sourcerecord.Repository.Insert")
	defer span.End()

	now := r.now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	rec.Status = models.SourceRecordStatusPending
	rec.SourceKind = rec.SourceKind.Normalize()

	var payload any
	if len(rec.RawPayload) > 0 {
		payload = string(rec.RawPayload)
	}

	ib := database.NewInsertBuilder()
	ib.InsertInto(table)
	ib.Cols("id", "source_id", "source_kind", "upc", "brand", "title", "caliber", "grain", "round_count",
		"status", "raw_payload", "raw_fingerprint", "created_at", "updated_at")
	ib.Values(rec.ID, rec.SourceID, rec.SourceKind, rec.UPC, rec.Brand, rec.Title, rec.Caliber, rec.Grain, rec.RoundCount,
		rec.Status, payload, rec.RawFingerprint, rec.CreatedAt, rec.UpdatedAt)
	ib.OnConflictDoNothing("id")

	query, args := ib.Build()
	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		tracing.RecordError(span, err)
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"source_record_id": rec.ID}).Error("Failed to insert source record")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to insert source record")
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return httperror.NewHTTPError(http.StatusConflict, "source record "+rec.ID+" already exists")
	}
	return nil
}

// Get returns the record or nil when it does not exist
func (r *Repository) Get(ctx context.Context, id string) (*models.SourceRecord, error) {
	ctx, span := tracing.StartSpan(ctx, "sourcerecord.Repository.Get")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(columns...)
	sb.From(table)
	sb.Where(sb.Equal("id", id))

	query, args := sb.Build()
	var rec models.SourceRecord
	if err := r.db.GetContext(ctx, &rec, query, args...); err != nil {
		if err.Error() == "sql: no rows in result set" {
			return nil, nil
		}
		tracing.RecordError(span, err)
		r.logger.WithContext(ctx).WithError(err).Error("Failed to get source record")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to get source record")
	}
	return &rec, nil
}

// Claim atomically moves up to policy.BatchSize claimable records to
// PROCESSING under one fresh lease token. Row locks are taken with SKIP LOCKED
// so concurrent claimers never block on or share a record. Lease and retry
// times come from the database clock.
func (r *Repository) Claim(ctx context.Context, policy models.ClaimPolicy) ([]*models.SourceRecord, error) {
	ctx, span := tracing.StartSpan(ctx, "sourcerecord.Repository.Claim",
		attribute.Int("batch_size", policy.BatchSize))
	defer span.End()

	token := uuid.NewString()

	query := `
		UPDATE source_records
		SET status = 'PROCESSING',
			processing_started_at = NOW(),
			lease_token = $1,
			attempt_count = attempt_count + 1,
			updated_at = NOW()
		WHERE id IN (
			SELECT id FROM source_records
			WHERE attempt_count < $2
			AND (
				status = 'PENDING'
				OR (status = 'ERROR'
					AND updated_at <= NOW() - ($3 * power(2, LEAST(GREATEST(attempt_count - 1, 0), $4))) * INTERVAL '1 millisecond')
			)
			ORDER BY created_at, id
			LIMIT $5
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + strings.Join(columns, ", ")

	args := []any{token, policy.MaxAttempts, policy.RetryBackoff.Milliseconds(), maxRetryShift, policy.BatchSize}
	var records []*models.SourceRecord
	if err := r.db.SelectContext(ctx, &records, query, args...); err != nil {
		tracing.RecordError(span, err)
		r.logger.WithContext(ctx).WithError(err).Error("Failed to claim source records")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to claim source records")
	}

	// RETURNING order is unspecified
	sort.Slice(records, func(i, j int) bool {
		if records[i].CreatedAt.Equal(records[j].CreatedAt) {
			return records[i].ID < records[j].ID
		}
		return records[i].CreatedAt.Before(records[j].CreatedAt)
	})

	if len(records) > 0 {
		r.logger.WithContext(ctx).WithFields(map[string]any{
			"claimed":     len(records),
			"lease_token": token,
		}).Debug("Claimed source records")
	}
	return records, nil
}

// MarkResolved completes a record when leaseToken still owns it
func (r *Repository) MarkResolved(ctx context.Context, id, leaseToken string, derived models.DerivedFields) error {
	ctx, span := tracing.StartSpan(ctx, "sourcerecord.Repository.MarkResolved")
	defer span.End()
	return r.complete(ctx, id, leaseToken, models.SourceRecordStatusResolved, nil, derived)
}

// MarkError fails a record when leaseToken still owns it
func (r *Repository) MarkError(ctx context.Context, id, leaseToken string, reason models.ReasonCode, derived models.DerivedFields) error {
	ctx, span := tracing.StartSpan(ctx, "sourcerecord.Repository.MarkError")
	defer span.End()
	code := string(reason)
	return r.complete(ctx, id, leaseToken, models.SourceRecordStatusError, &code, derived)
}

func (r *Repository) complete(ctx context.Context, id, leaseToken string, status models.SourceRecordStatus, reason *string, derived models.DerivedFields) error {
	ub := sqlbuilder.PostgreSQL.NewUpdateBuilder()
	ub.Update(table)
	ub.Set(
		ub.Assign("status", status),
		ub.Assign("last_reason_code", reason),
		ub.Assign("brand_norm", derived.BrandNorm),
		ub.Assign("caliber_norm", derived.CaliberNorm),
		ub.Assign("upc_norm", derived.UPCNorm),
		ub.Assign("title_signature", derived.TitleSignature),
		"processing_started_at = NULL",
		"lease_token = NULL",
		"updated_at = NOW()",
	)
	ub.Where(
		ub.Equal("id", id),
		ub.Equal("lease_token", leaseToken),
		ub.Equal("status", models.SourceRecordStatusProcessing),
	)

	query, args := ub.Build()
	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"source_record_id": id,
			"status":           status,
		}).Error("Failed to complete source record")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to complete source record")
	}

	n, err := result.RowsAffected()
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to complete source record")
	}
	if n == 0 {
		return models.ErrLeaseLost
	}
	return nil
}

// ResetStale returns PROCESSING records whose lease is older than staleAfter
// by the database clock to PENDING and clears their lease
func (r *Repository) ResetStale(ctx context.Context, staleAfter time.Duration) (int64, error) {
	ctx, span := tracing.StartSpan(ctx, "sourcerecord.Repository.ResetStale")
	defer span.End()

	ub := sqlbuilder.PostgreSQL.NewUpdateBuilder()
	ub.Update(table)
	ub.Set(
		ub.Assign("status", models.SourceRecordStatusPending),
		"processing_started_at = NULL",
		"lease_token = NULL",
		"updated_at = NOW()",
	)
	ub.Where(
		ub.Equal("status", models.SourceRecordStatusProcessing),
		"processing_started_at < NOW() - "+ub.Var(staleAfter.Milliseconds())+" * INTERVAL '1 millisecond'",
	)

	query, args := ub.Build()
	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		tracing.RecordError(span, err)
		r.logger.WithContext(ctx).WithError(err).Error("Failed to reset stale source records")
		return 0, httperror.NewHTTPError(http.StatusInternalServerError, "failed to reset stale source records")
	}

	n, err := result.RowsAffected()
	if err != nil {
		return 0, httperror.NewHTTPError(http.StatusInternalServerError, "failed to reset stale source records")
	}
	return n, nil
}
