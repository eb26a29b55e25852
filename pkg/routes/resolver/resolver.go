package resolver

import (
	"context"
	"net/http"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Ramsey-B/fern/internal/repositories/linkage"
	"github.com/Ramsey-B/fern/internal/tracing"
	"github.com/Ramsey-B/fern/pkg/metrics"
	"github.com/Ramsey-B/fern/pkg/normalizers"
	"github.com/Ramsey-B/fern/pkg/resolver"
)

// LinkageCounter aggregates persisted decisions
type LinkageCounter interface {
	CountByStatus(ctx context.Context, since time.Time) ([]linkage.StatusCount, error)
}

// VersionResponse identifies the running resolver logic
type VersionResponse struct {
	ResolverVersion   string  `json:"resolver_version"`
	NormalizerVersion string  `json:"normalizer_version"`
	FuzzyThreshold    float64 `json:"fuzzy_threshold"`
	CandidateLimit    int     `json:"candidate_limit"`
	ScoringStrategy   string  `json:"scoring_strategy"`
}

// StatsResponse combines in-process counters with persisted decision counts
type StatsResponse struct {
	Since                     time.Time             `json:"since"`
	Process                   metrics.Snapshot      `json:"process"`
	MatchRate                 float64               `json:"match_rate"`
	FailureRate               float64               `json:"failure_rate"`
	IdentityKeyResolutionRate float64               `json:"identity_key_resolution_rate"`
	LatencyP50Ms              float64               `json:"latency_p50_ms"`
	LatencyP95Ms              float64               `json:"latency_p95_ms"`
	Persisted                 []linkage.StatusCount `json:"persisted,omitempty"`
}

// Handler serves resolver introspection endpoints
type Handler struct {
	config    resolver.Config
	strategy  string
	collector *metrics.Collector
	linkages  LinkageCounter
	gatherer  prometheus.Gatherer
	now       func() time.Time
}

// NewHandler creates a resolver handler. linkages may be nil, in which case
// stats report process counters only.
func NewHandler(cfg resolver.Config, strategy string, collector *metrics.Collector, linkages LinkageCounter, gatherer prometheus.Gatherer) *Handler {
	return &Handler{
		config:    cfg,
		strategy:  strategy,
		collector: collector,
		linkages:  linkages,
		gatherer:  gatherer,
		now:       time.Now,
	}
}

// Register registers resolver routes under /api/v1/resolver
func (h *Handler) Register(g *echo.Group) {
	g.GET("/version", h.Version)
	g.GET("/stats", h.Stats)
}

// RegisterMetrics exposes the Prometheus registry at /metrics
func (h *Handler) RegisterMetrics(e *echo.Echo) {
	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{})))
}

// Version returns the resolver version stamped on new linkages
func (h *Handler) Version(c echo.Context) error {
	return c.JSON(http.StatusOK, VersionResponse{
		ResolverVersion:   resolver.Version,
		NormalizerVersion: normalizers.Version,
		FuzzyThreshold:    h.config.FuzzyThreshold,
		CandidateLimit:    h.config.CandidateLimit,
		ScoringStrategy:   h.strategy,
	})
}

// Stats returns decision rates for this process plus persisted decision
// counts across all workers within window (default 24h)
func (h *Handler) Stats(c echo.Context) error {
	ctx, span := tracing.StartSpan(c.Request().Context(), "resolver_handler.Stats")
	defer span.End()

	window := 24 * time.Hour
	if raw := c.QueryParam("window"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			return httperror.NewHTTPError(http.StatusBadRequest, "window must be a positive duration such as 1h")
		}
		window = d
	}

	snap := h.collector.Snapshot()
	resp := StatsResponse{
		Since:                     h.now().UTC().Add(-window),
		Process:                   snap,
		MatchRate:                 snap.MatchRate(),
		FailureRate:               snap.FailureRate(),
		IdentityKeyResolutionRate: snap.IdentityKeyResolutionRate(),
		LatencyP50Ms:              snap.Latency.Percentile(0.50),
		LatencyP95Ms:              snap.Latency.Percentile(0.95),
	}

	if h.linkages != nil {
		counts, err := h.linkages.CountByStatus(ctx, resp.Since)
		if err != nil {
			return err
		}
		resp.Persisted = counts
	}

	return c.JSON(http.StatusOK, resp)
}
