package sourcerecord

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/fern/internal/tracing"
	"github.com/Ramsey-B/fern/pkg/fingerprint"
	"github.com/Ramsey-B/fern/pkg/models"
)

var validate = validator.New()

// Records stores incoming source records
type Records interface {
	Insert(ctx context.Context, rec *models.SourceRecord) error
	Get(ctx context.Context, id string) (*models.SourceRecord, error)
}

// Linkages reads the decision history of a record
type Linkages interface {
	ListBySourceRecord(ctx context.Context, sourceRecordID string) ([]*models.Linkage, error)
}

// CreateRequest is one raw observation from a source
type CreateRequest struct {
	ID         string          `json:"id" validate:"omitempty,max=128"`
	SourceID   string          `json:"source_id" validate:"required,max=128"`
	SourceKind string          `json:"source_kind" validate:"omitempty,oneof=DIRECT AFFILIATE_FEED OTHER"`
	UPC        *string         `json:"upc"`
	Brand      string          `json:"brand"`
	Title      string          `json:"title" validate:"max=1024"`
	Caliber    string          `json:"caliber"`
	Grain      *int            `json:"grain" validate:"omitempty,gte=0"`
	RoundCount *int            `json:"round_count" validate:"omitempty,gte=0"`
	RawPayload json.RawMessage `json:"raw_payload"`
}

// LinkagesResponse is the audit trail of one record, newest decision first
type LinkagesResponse struct {
	SourceRecordID string            `json:"source_record_id"`
	Status         string            `json:"status"`
	Linkages       []*models.Linkage `json:"linkages"`
}

// Handler serves source record intake and audit reads
type Handler struct {
	records  Records
	linkages Linkages
	logger   ectologger.Logger
}

// NewHandler creates a source record handler
func NewHandler(records Records, linkages Linkages, logger ectologger.Logger) *Handler {
	return &Handler{records: records, linkages: linkages, logger: logger}
}

// Register registers source record routes
func (h *Handler) Register(g *echo.Group) {
	g.POST("", h.Create)
	g.GET("/:id", h.Get)
	g.GET("/:id/linkages", h.ListLinkages)
}

// Create queues a record for resolution
func (h *Handler) Create(c echo.Context) error {
	ctx, span := tracing.StartSpan(c.Request().Context(), "sourcerecord_handler.Create")
	defer span.End()

	var req CreateRequest
	if err := c.Bind(&req); err != nil {
		return httperror.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := validate.Struct(req); err != nil {
		return httperror.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if len(req.RawPayload) > 0 && !json.Valid(req.RawPayload) {
		return httperror.NewHTTPError(http.StatusBadRequest, "raw_payload must be valid JSON")
	}

	rec := &models.SourceRecord{
		ID:             req.ID,
		SourceID:       req.SourceID,
		SourceKind:     models.SourceKind(req.SourceKind).Normalize(),
		UPC:            req.UPC,
		Brand:          req.Brand,
		Title:          req.Title,
		Caliber:        req.Caliber,
		Grain:          req.Grain,
		RoundCount:     req.RoundCount,
		RawPayload:     req.RawPayload,
		RawFingerprint: fingerprint.RawPayload(req.RawPayload),
		Status:         models.SourceRecordStatusPending,
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}

	if err := h.records.Insert(ctx, rec); err != nil {
		return err
	}

	h.logger.WithContext(ctx).WithFields(map[string]any{
		"source_record_id": rec.ID,
		"source_id":        rec.SourceID,
		"source_kind":      rec.SourceKind,
	}).Debug("Queued source record")

	return c.JSON(http.StatusAccepted, rec)
}

// Get returns a record with its current status
func (h *Handler) Get(c echo.Context) error {
	ctx, span := tracing.StartSpan(c.Request().Context(), "sourcerecord_handler.Get")
	defer span.End()

	rec, err := h.records.Get(ctx, c.Param("id"))
	if err != nil {
		return err
	}
	if rec == nil {
		return httperror.NewHTTPError(http.StatusNotFound, "source record not found")
	}
	return c.JSON(http.StatusOK, rec)
}

// ListLinkages returns every decision made for a record
func (h *Handler) ListLinkages(c echo.Context) error {
	ctx, span := tracing.StartSpan(c.Request().Context(), "sourcerecord_handler.ListLinkages")
	defer span.End()

	id := c.Param("id")
	rec, err := h.records.Get(ctx, id)
	if err != nil {
		return err
	}
	if rec == nil {
		return httperror.NewHTTPError(http.StatusNotFound, "source record not found")
	}

	links, err := h.linkages.ListBySourceRecord(ctx, id)
	if err != nil {
		return err
	}
	if links == nil {
		links = []*models.Linkage{}
	}

	return c.JSON(http.StatusOK, LinkagesResponse{
		SourceRecordID: id,
		Status:         string(rec.Status),
		Linkages:       links,
	})
}
