package resolver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/fern/internal/repositories/linkage"
	"github.com/Ramsey-B/fern/pkg/metrics"
	"github.com/Ramsey-B/fern/pkg/middleware"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/resolver"
)

type fakeCounter struct {
	since  time.Time
	counts []linkage.StatusCount
	err    error
}

func (f *fakeCounter) CountByStatus(_ context.Context, since time.Time) ([]linkage.StatusCount, error) {
	f.since = since
	return f.counts, f.err
}

func setup(counter LinkageCounter) (*echo.Echo, *metrics.Collector) {
	collector := metrics.NewCollector()
	reg := prometheus.NewRegistry()
	reg.MustRegister(collector)

	h := NewHandler(resolver.DefaultConfig(), "weighted", collector, counter, reg)
	h.now = func() time.Time { return time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC) }

	e := echo.New()
	e.HTTPErrorHandler = middleware.Error(ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {}))
	h.Register(e.Group("/api/v1/resolver"))
	h.RegisterMetrics(e)
	return e, collector
}

func get(e *echo.Echo, path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestVersion(t *testing.T) {
	e, _ := setup(nil)
	rec := get(e, "/api/v1/resolver/version")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp VersionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, resolver.Version, resp.ResolverVersion)
	assert.Equal(t, 0.85, resp.FuzzyThreshold)
	assert.Equal(t, "weighted", resp.ScoringStrategy)
}

func TestStats(t *testing.T) {
	t.Run("process counters and persisted counts", func(t *testing.T) {
		counter := &fakeCounter{counts: []linkage.StatusCount{
			{Status: models.LinkageStatusMatched, MatchPath: models.MatchPathIdentityKey, Count: 7},
		}}
		e, collector := setup(counter)
		collector.RecordRequest(models.SourceKindDirect)
		collector.RecordDecision(metrics.Decision{
			SourceKind: models.SourceKindDirect,
			Status:     models.LinkageStatusMatched,
			MatchPath:  models.MatchPathIdentityKey,
			Latency:    20 * time.Millisecond,
		})

		rec := get(e, "/api/v1/resolver/stats?window=1h")
		require.Equal(t, http.StatusOK, rec.Code)

		var resp StatsResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, 1.0, resp.MatchRate)
		assert.Equal(t, 0.0, resp.FailureRate)
		require.Len(t, resp.Persisted, 1)
		assert.Equal(t, int64(7), resp.Persisted[0].Count)
		assert.Equal(t, time.Date(2026, 3, 2, 11, 0, 0, 0, time.UTC), counter.since)
	})

	t.Run("bad window", func(t *testing.T) {
		e, _ := setup(nil)
		assert.Equal(t, http.StatusBadRequest, get(e, "/api/v1/resolver/stats?window=soon").Code)
	})

	t.Run("store failure", func(t *testing.T) {
		e, _ := setup(&fakeCounter{err: errors.New("db down")})
		assert.Equal(t, http.StatusInternalServerError, get(e, "/api/v1/resolver/stats").Code)
	})
}

func TestMetricsEndpoint(t *testing.T) {
	e, collector := setup(nil)
	collector.RecordRequest(models.SourceKindAffiliateFeed)

	rec := get(e, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `fern_resolver_requests_total{source_kind="AFFILIATE_FEED"} 1`)
}
