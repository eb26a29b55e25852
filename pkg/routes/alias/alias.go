package alias

import (
	"context"
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/fern/internal/tracing"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/normalizers"
)

var validate = validator.New()

// Store persists aliases and answers whether a brand is already known
type Store interface {
	Create(ctx context.Context, alias *models.BrandAlias) error
	BrandKnown(ctx context.Context, canonicalNorm string) (bool, error)
	List(ctx context.Context, status models.BrandAliasStatus) ([]*models.BrandAlias, error)
	SetStatus(ctx context.Context, id string, status models.BrandAliasStatus) error
}

// ValidateRequest is the body of both the validate and create endpoints
type ValidateRequest struct {
	Alias                string `json:"alias" validate:"required"`
	Canonical            string `json:"canonical" validate:"required"`
	SourceType           string `json:"source_type" validate:"omitempty,oneof=MANUAL MINED FEED"`
	EstimatedDailyImpact int    `json:"estimated_daily_impact" validate:"gte=0"`
}

func (r ValidateRequest) sourceType() models.BrandAliasSourceType {
	if r.SourceType == "" {
		return models.BrandAliasSourceManual
	}
	return models.BrandAliasSourceType(r.SourceType)
}

// ValidateResponse reports every broken rule and the auto-activation outcome
type ValidateResponse struct {
	Valid          bool                       `json:"valid"`
	AliasNorm      string                     `json:"alias_norm"`
	CanonicalNorm  string                     `json:"canonical_norm"`
	Errors         []string                   `json:"errors,omitempty"`
	AutoActivation normalizers.AutoActivation `json:"auto_activation"`
}

// Handler serves the brand alias admin endpoints
type Handler struct {
	store  Store
	logger ectologger.Logger
}

// NewHandler creates a brand alias handler
func NewHandler(store Store, logger ectologger.Logger) *Handler {
	return &Handler{store: store, logger: logger}
}

// Register registers brand alias routes
func (h *Handler) Register(g *echo.Group) {
	g.POST("/validate", h.Validate)
	g.POST("", h.Create)
	g.GET("", h.List)
	g.POST("/:id/activate", h.Activate)
	g.POST("/:id/reject", h.Reject)
}

// Validate checks an alias against the creation and auto-activation rules
// without storing it
func (h *Handler) Validate(c echo.Context) error {
	ctx, span := tracing.StartSpan(c.Request().Context(), "alias_handler.Validate")
	defer span.End()

	req, err := bindRequest(c)
	if err != nil {
		return err
	}

	resp, err := h.evaluate(ctx, req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, resp)
}

// Create stores a valid alias. It is ACTIVE only when every auto-activation
// rule passes; otherwise it waits for review.
func (h *Handler) Create(c echo.Context) error {
	ctx, span := tracing.StartSpan(c.Request().Context(), "alias_handler.Create")
	defer span.End()

	req, err := bindRequest(c)
	if err != nil {
		return err
	}

	resp, err := h.evaluate(ctx, req)
	if err != nil {
		return err
	}
	if !resp.Valid {
		return httperror.NewHTTPError(http.StatusUnprocessableEntity, "alias is not valid").AddMetaValue("errors", resp.Errors)
	}

	alias := &models.BrandAlias{
		AliasNorm:     resp.AliasNorm,
		CanonicalNorm: resp.CanonicalNorm,
		SourceType:    req.sourceType(),
		Status:        models.BrandAliasStatusPendingReview,
	}
	if resp.AutoActivation.Activate {
		alias.Status = models.BrandAliasStatusActive
	}

	if err := h.store.Create(ctx, alias); err != nil {
		return err
	}

	h.logger.WithContext(ctx).WithFields(map[string]any{
		"alias_norm":     alias.AliasNorm,
		"canonical_norm": alias.CanonicalNorm,
		"status":         alias.Status,
		"reason":         resp.AutoActivation.Reason,
	}).Info("Created brand alias")

	return c.JSON(http.StatusCreated, alias)
}

// List returns aliases by status, PENDING_REVIEW by default
func (h *Handler) List(c echo.Context) error {
	ctx, span := tracing.StartSpan(c.Request().Context(), "alias_handler.List")
	defer span.End()

	status := models.BrandAliasStatus(c.QueryParam("status"))
	switch status {
	case "":
		status = models.BrandAliasStatusPendingReview
	case models.BrandAliasStatusActive, models.BrandAliasStatusPendingReview, models.BrandAliasStatusRejected:
	default:
		return httperror.NewHTTPError(http.StatusBadRequest, "unknown status "+string(status))
	}

	aliases, err := h.store.List(ctx, status)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, aliases)
}

// Activate approves a reviewed alias
func (h *Handler) Activate(c echo.Context) error {
	return h.setStatus(c, models.BrandAliasStatusActive)
}

// Reject rejects a reviewed alias
func (h *Handler) Reject(c echo.Context) error {
	return h.setStatus(c, models.BrandAliasStatusRejected)
}

func (h *Handler) setStatus(c echo.Context, status models.BrandAliasStatus) error {
	ctx, span := tracing.StartSpan(c.Request().Context(), "alias_handler.SetStatus")
	defer span.End()

	id := c.Param("id")
	if err := h.store.SetStatus(ctx, id, status); err != nil {
		return err
	}

	h.logger.WithContext(ctx).WithFields(map[string]any{"alias_id": id, "status": status}).Info("Reviewed brand alias")
	return c.JSON(http.StatusOK, map[string]string{"id": id, "status": string(status)})
}

func (h *Handler) evaluate(ctx context.Context, req ValidateRequest) (*ValidateResponse, error) {
	resp := &ValidateResponse{
		AliasNorm:     normalizers.NormalizeBrand(req.Alias),
		CanonicalNorm: normalizers.NormalizeBrand(req.Canonical),
	}

	for _, err := range normalizers.ValidateAliasForCreation(req.Alias, req.Canonical) {
		resp.Errors = append(resp.Errors, err.Error())
	}
	resp.Valid = len(resp.Errors) == 0

	known := false
	if resp.CanonicalNorm != "" {
		var err error
		known, err = h.store.BrandKnown(ctx, resp.CanonicalNorm)
		if err != nil {
			return nil, err
		}
	}

	if resp.Valid {
		resp.AutoActivation = normalizers.AutoActivationDecision(req.Alias, req.sourceType(), req.EstimatedDailyImpact, known)
	} else {
		resp.AutoActivation = normalizers.AutoActivation{Reason: "alias failed validation"}
	}
	return resp, nil
}

func bindRequest(c echo.Context) (ValidateRequest, error) {
	var req ValidateRequest
	if err := c.Bind(&req); err != nil {
		return req, httperror.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := validate.Struct(req); err != nil {
		return req, httperror.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return req, nil
}
