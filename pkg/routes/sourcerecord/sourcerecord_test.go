package sourcerecord

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/fern/pkg/memstore"
	"github.com/Ramsey-B/fern/pkg/middleware"
	"github.com/Ramsey-B/fern/pkg/models"
)

func setup() (*echo.Echo, *memstore.Store) {
	logger := ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
	store := memstore.New()

	e := echo.New()
	e.HTTPErrorHandler = middleware.Error(logger)
	NewHandler(store, store, logger).Register(e.Group("/api/v1/source-records"))
	return e, store
}

func do(e *echo.Echo, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestCreate(t *testing.T) {
	t.Run("queues a pending record with a payload fingerprint", func(t *testing.T) {
		e, store := setup()
		body := `{"id":"rec-1","source_id":"shop","source_kind":"DIRECT","brand":"Federal","title":"Federal 9mm 115gr FMJ 50rd","caliber":"9mm","grain":115,"round_count":50,"raw_payload":{"sku":"F9","scraped_at":"2026-01-01"}}`

		rec := do(e, http.MethodPost, "/api/v1/source-records", body)
		require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

		stored, err := store.Get(context.Background(), "rec-1")
		require.NoError(t, err)
		require.NotNil(t, stored)
		assert.Equal(t, models.SourceRecordStatusPending, stored.Status)
		assert.Equal(t, models.SourceKindDirect, stored.SourceKind)
		assert.Equal(t, 115, stored.GrainValue())
		assert.NotEmpty(t, stored.RawFingerprint)
		assert.JSONEq(t, `{"sku":"F9","scraped_at":"2026-01-01"}`, string(stored.RawPayload))
	})

	t.Run("generates an id and folds unknown kinds", func(t *testing.T) {
		e, _ := setup()
		rec := do(e, http.MethodPost, "/api/v1/source-records", `{"source_id":"shop","title":"x"}`)
		require.Equal(t, http.StatusAccepted, rec.Code)

		var got models.SourceRecord
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
		assert.NotEmpty(t, got.ID)
		assert.Equal(t, models.SourceKindOther, got.SourceKind)
	})

	t.Run("duplicate id conflicts", func(t *testing.T) {
		e, _ := setup()
		body := `{"id":"rec-1","source_id":"shop"}`
		require.Equal(t, http.StatusAccepted, do(e, http.MethodPost, "/api/v1/source-records", body).Code)
		assert.Equal(t, http.StatusConflict, do(e, http.MethodPost, "/api/v1/source-records", body).Code)
	})

	tests := []struct {
		name string
		body string
	}{
		{"missing source id", `{"title":"x"}`},
		{"unknown source kind", `{"source_id":"shop","source_kind":"SCRAPER"}`},
		{"negative grain", `{"source_id":"shop","grain":-1}`},
		{"malformed body", `{"source_id":`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, _ := setup()
			assert.Equal(t, http.StatusBadRequest, do(e, http.MethodPost, "/api/v1/source-records", tt.body).Code)
		})
	}
}

func TestListLinkages(t *testing.T) {
	ctx := context.Background()
	e, store := setup()
	require.NoError(t, store.Insert(ctx, &models.SourceRecord{ID: "rec-1", SourceID: "shop"}))

	base := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	reason := models.ReasonLookupFailure
	cp := "cp-1"
	require.NoError(t, store.Append(ctx, &models.Linkage{ID: "l-1", SourceRecordID: "rec-1", Status: models.LinkageStatusError, ReasonCode: &reason, MatchPath: models.MatchPathNone, CreatedAt: base}))
	require.NoError(t, store.Append(ctx, &models.Linkage{ID: "l-2", SourceRecordID: "rec-1", CanonicalProductID: &cp, Status: models.LinkageStatusMatched, MatchPath: models.MatchPathIdentityKey, CreatedAt: base.Add(time.Minute)}))

	rec := do(e, http.MethodGet, "/api/v1/source-records/rec-1/linkages", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp LinkagesResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "rec-1", resp.SourceRecordID)
	require.Len(t, resp.Linkages, 2)
	assert.Equal(t, "l-2", resp.Linkages[0].ID)
	assert.Equal(t, "l-1", resp.Linkages[1].ID)

	t.Run("unknown record", func(t *testing.T) {
		assert.Equal(t, http.StatusNotFound, do(e, http.MethodGet, "/api/v1/source-records/nope/linkages", "").Code)
	})

	t.Run("record without decisions", func(t *testing.T) {
		require.NoError(t, store.Insert(ctx, &models.SourceRecord{ID: "rec-2", SourceID: "shop"}))
		rec := do(e, http.MethodGet, "/api/v1/source-records/rec-2/linkages", "")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), `"linkages":[]`)
	})
}

func TestGet(t *testing.T) {
	e, store := setup()
	require.NoError(t, store.Insert(context.Background(), &models.SourceRecord{ID: "rec-1", SourceID: "shop"}))

	assert.Equal(t, http.StatusOK, do(e, http.MethodGet, "/api/v1/source-records/rec-1", "").Code)
	assert.Equal(t, http.StatusNotFound, do(e, http.MethodGet, "/api/v1/source-records/rec-9", "").Code)
}
