package product

import (
	"context"
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/fern/internal/tracing"
	"github.com/Ramsey-B/fern/pkg/models"
)

// Catalog reads canonical products
type Catalog interface {
	GetByID(ctx context.Context, id string) (*models.CanonicalProduct, error)
	Count(ctx context.Context) (int64, error)
}

// CountResponse is the size of the catalog
type CountResponse struct {
	Count int64 `json:"count"`
}

// Handler serves canonical product reads
type Handler struct {
	catalog Catalog
}

// NewHandler creates a product handler
func NewHandler(catalog Catalog) *Handler {
	return &Handler{catalog: catalog}
}

// Register registers product routes. /count is registered before /:id.
func (h *Handler) Register(g *echo.Group) {
	g.GET("/count", h.Count)
	g.GET("/:id", h.Get)
}

// Get returns one canonical product
func (h *Handler) Get(c echo.Context) error {
	ctx, span := tracing.StartSpan(c.Request().Context(), "product_handler.Get")
	defer span.End()

	p, err := h.catalog.GetByID(ctx, c.Param("id"))
	if err != nil {
		return err
	}
	if p == nil {
		return httperror.NewHTTPError(http.StatusNotFound, "canonical product not found")
	}
	return c.JSON(http.StatusOK, p)
}

// Count returns the number of canonical products
func (h *Handler) Count(c echo.Context) error {
	ctx, span := tracing.StartSpan(c.Request().Context(), "product_handler.Count")
	defer span.End()

	n, err := h.catalog.Count(ctx)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, CountResponse{Count: n})
}
