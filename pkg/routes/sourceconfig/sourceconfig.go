package sourceconfig

import (
	"context"
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/fern/internal/tracing"
	"github.com/Ramsey-B/fern/pkg/models"
)

var validate = validator.New()

// Store reads and writes per-source settings
type Store interface {
	Get(ctx context.Context, sourceID string) (*models.SourceConfig, error)
	Upsert(ctx context.Context, cfg *models.SourceConfig) error
}

// PutRequest replaces the settings of one source
type PutRequest struct {
	UPCTrusted *bool `json:"upc_trusted" validate:"required"`
}

// Handler serves the source config admin endpoints
type Handler struct {
	store  Store
	logger ectologger.Logger
}

// NewHandler creates a source config handler
func NewHandler(store Store, logger ectologger.Logger) *Handler {
	return &Handler{store: store, logger: logger}
}

// Register registers source config routes
func (h *Handler) Register(g *echo.Group) {
	g.GET("/:source_id", h.Get)
	g.PUT("/:source_id", h.Put)
}

// Get returns the config of a source. Sources without a row report the
// defaults, so UPCs are untrusted until an operator says otherwise.
func (h *Handler) Get(c echo.Context) error {
	ctx, span := tracing.StartSpan(c.Request().Context(), "sourceconfig_handler.Get")
	defer span.End()

	sourceID := c.Param("source_id")
	cfg, err := h.store.Get(ctx, sourceID)
	if err != nil {
		return err
	}
	if cfg == nil {
		cfg = &models.SourceConfig{SourceID: sourceID}
	}
	return c.JSON(http.StatusOK, cfg)
}

// Put creates or replaces the config of a source
func (h *Handler) Put(c echo.Context) error {
	ctx, span := tracing.StartSpan(c.Request().Context(), "sourceconfig_handler.Put")
	defer span.End()

	var req PutRequest
	if err := c.Bind(&req); err != nil {
		return httperror.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := validate.Struct(req); err != nil {
		return httperror.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	cfg := &models.SourceConfig{
		SourceID:   c.Param("source_id"),
		UPCTrusted: *req.UPCTrusted,
	}
	if err := h.store.Upsert(ctx, cfg); err != nil {
		return err
	}

	h.logger.WithContext(ctx).WithFields(map[string]any{
		"source_id":   cfg.SourceID,
		"upc_trusted": cfg.UPCTrusted,
	}).Info("Updated source config")

	return c.JSON(http.StatusOK, cfg)
}
