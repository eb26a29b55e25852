package product

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/Gobusters/ectologger"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/fern/pkg/middleware"
	"github.com/Ramsey-B/fern/pkg/models"
)

type fakeCatalog map[string]*models.CanonicalProduct

func (f fakeCatalog) GetByID(_ context.Context, id string) (*models.CanonicalProduct, error) {
	return f[id], nil
}

func (f fakeCatalog) Count(context.Context) (int64, error) {
	return int64(len(f)), nil
}

func TestRoutes(t *testing.T) {
	e := echo.New()
	e.HTTPErrorHandler = middleware.Error(ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {}))
	NewHandler(fakeCatalog{"cp-1": {ID: "cp-1", CaliberNorm: "9mm"}}).Register(e.Group("/api/v1/canonical-products"))

	get := func(path string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		return rec
	}

	rec := get("/api/v1/canonical-products/cp-1")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"cp-1"`)

	assert.Equal(t, http.StatusNotFound, get("/api/v1/canonical-products/cp-2").Code)

	rec = get("/api/v1/canonical-products/count")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"count":1}`, rec.Body.String())
}
