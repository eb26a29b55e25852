// Package metrics collects resolver outcome metrics and renders them for Prometheus
package metrics

import (
	"bytes"
	"math"
	"slices"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"

	"github.com/Ramsey-B/fern/pkg/models"
)

const namespace = "fern"

// LatencyBucketsMs are the upper bounds of the resolution latency histogram
var LatencyBucketsMs = []float64{10, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000}

// MissingFieldOther absorbs field names outside models.NormalizationFields
const MissingFieldOther = "other"

// Decision is everything recorded when a resolution finishes
type Decision struct {
	SourceKind    models.SourceKind
	Status        models.LinkageStatus
	MatchPath     models.MatchPath
	ReasonCode    *models.ReasonCode
	Latency       time.Duration
	MissingFields []string
}

type kindStatus struct {
	kind   models.SourceKind
	status models.LinkageStatus
}

type kindReason struct {
	kind   models.SourceKind
	reason models.ReasonCode
}

type pathStatus struct {
	path   models.MatchPath
	status models.LinkageStatus
}

type histogram struct {
	counts []uint64 // per bucket, not cumulative; last slot is +Inf
	sum    float64
	count  uint64
}

func newHistogram() histogram {
	return histogram{counts: make([]uint64, len(LatencyBucketsMs)+1)}
}

func (h *histogram) observe(ms float64) {
	i, _ := slices.BinarySearch(LatencyBucketsMs, ms)
	h.counts[i]++
	h.sum += ms
	h.count++
}

// Collector is an explicit, resettable metrics registry for resolver
// outcomes. Every label is drawn from a closed enum.
type Collector struct {
	mu sync.Mutex

	requests      map[models.SourceKind]uint64
	decisions     map[kindStatus]uint64
	failures      map[kindReason]uint64
	matchPaths    map[pathStatus]uint64
	missingFields map[string]uint64
	ambiguousKeys uint64
	latency       histogram

	requestsDesc      *prometheus.Desc
	decisionsDesc     *prometheus.Desc
	failuresDesc      *prometheus.Desc
	matchPathsDesc    *prometheus.Desc
	missingFieldsDesc *prometheus.Desc
	ambiguousDesc     *prometheus.Desc
	latencyDesc       *prometheus.Desc
}

// NewCollector creates an empty collector
func NewCollector() *Collector {
	c := &Collector{
		requestsDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "resolver", "requests_total"),
			"Resolution requests by source kind",
			[]string{"source_kind"}, nil,
		),
		decisionsDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "resolver", "decisions_total"),
			"Resolution decisions by source kind and status",
			[]string{"source_kind", "status"}, nil,
		),
		failuresDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "resolver", "failures_total"),
			"Failed resolutions by source kind and reason code",
			[]string{"source_kind", "reason_code"}, nil,
		),
		matchPathsDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "resolver", "match_path_total"),
			"Resolution outcomes by match path and status",
			[]string{"match_path", "status"}, nil,
		),
		missingFieldsDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "resolver", "missing_fields_total"),
			"Matchable fields that failed to normalize",
			[]string{"field"}, nil,
		),
		ambiguousDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "resolver", "ambiguous_identity_keys_total"),
			"Identity key lookups that returned more than one canonical product",
			nil, nil,
		),
		latencyDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "resolver", "latency_ms"),
			"Resolution latency in milliseconds",
			nil, nil,
		),
	}
	c.Reset()
	return c
}

// Reset zeroes every series
func (c *Collector) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.requests = make(map[models.SourceKind]uint64)
	c.decisions = make(map[kindStatus]uint64)
	c.failures = make(map[kindReason]uint64)
	c.matchPaths = make(map[pathStatus]uint64)
	c.missingFields = make(map[string]uint64)
	c.ambiguousKeys = 0
	c.latency = newHistogram()
}

// RecordRequest counts a resolution request on entry
func (c *Collector) RecordRequest(kind models.SourceKind) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requests[kind.Normalize()]++
}

// RecordAmbiguousIdentityKey counts an identity key shared by several canonical products
func (c *Collector) RecordAmbiguousIdentityKey() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ambiguousKeys++
}

// RecordDecision records a finished resolution
func (c *Collector) RecordDecision(d Decision) {
	kind := d.SourceKind.Normalize()
	status := d.Status
	if !slices.Contains(models.LinkageStatuses, status) {
		status = models.LinkageStatusError
	}
	path := d.MatchPath
	if !slices.Contains(models.MatchPaths, path) {
		path = models.MatchPathNone
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.decisions[kindStatus{kind, status}]++
	c.matchPaths[pathStatus{path, status}]++

	if status == models.LinkageStatusError && d.ReasonCode != nil {
		reason := *d.ReasonCode
		if slices.Contains(models.ReasonCodes, reason) {
			c.failures[kindReason{kind, reason}]++
		}
	}

	for _, f := range d.MissingFields {
		if !slices.Contains(models.NormalizationFields, f) {
			f = MissingFieldOther
		}
		c.missingFields[f]++
	}

	c.latency.observe(float64(d.Latency) / float64(time.Millisecond))
}

// HistogramSnapshot is a point-in-time histogram with cumulative bucket counts
type HistogramSnapshot struct {
	Buckets    []float64 `json:"buckets"`
	Cumulative []uint64  `json:"cumulative"`
	Sum        float64   `json:"sum"`
	Count      uint64    `json:"count"`
}

// Snapshot is a structured copy of every series
type Snapshot struct {
	Requests              map[string]uint64            `json:"requests"`
	Decisions             map[string]map[string]uint64 `json:"decisions"`
	Failures              map[string]map[string]uint64 `json:"failures"`
	MatchPaths            map[string]map[string]uint64 `json:"match_paths"`
	MissingFields         map[string]uint64            `json:"missing_fields"`
	AmbiguousIdentityKeys uint64                       `json:"ambiguous_identity_keys"`
	Latency               HistogramSnapshot            `json:"latency_ms"`
}

// Snapshot copies the current state
func (c *Collector) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Snapshot{
		Requests:              make(map[string]uint64, len(c.requests)),
		Decisions:             make(map[string]map[string]uint64),
		Failures:              make(map[string]map[string]uint64),
		MatchPaths:            make(map[string]map[string]uint64),
		MissingFields:         make(map[string]uint64, len(c.missingFields)),
		AmbiguousIdentityKeys: c.ambiguousKeys,
		Latency: HistogramSnapshot{
			Buckets:    slices.Clone(LatencyBucketsMs),
			Cumulative: make([]uint64, len(LatencyBucketsMs)),
			Sum:        c.latency.sum,
			Count:      c.latency.count,
		},
	}

	for k, v := range c.requests {
		s.Requests[string(k)] = v
	}
	for k, v := range c.decisions {
		nested(s.Decisions, string(k.kind))[string(k.status)] = v
	}
	for k, v := range c.failures {
		nested(s.Failures, string(k.kind))[string(k.reason)] = v
	}
	for k, v := range c.matchPaths {
		nested(s.MatchPaths, string(k.path))[string(k.status)] = v
	}
	for k, v := range c.missingFields {
		s.MissingFields[k] = v
	}

	var running uint64
	for i := range LatencyBucketsMs {
		running += c.latency.counts[i]
		s.Latency.Cumulative[i] = running
	}
	return s
}

func nested(m map[string]map[string]uint64, key string) map[string]uint64 {
	inner, ok := m[key]
	if !ok {
		inner = make(map[string]uint64)
		m[key] = inner
	}
	return inner
}

// TotalDecisions sums decisions across every kind and status
func (s Snapshot) TotalDecisions() uint64 {
	var total uint64
	for _, byStatus := range s.Decisions {
		for _, v := range byStatus {
			total += v
		}
	}
	return total
}

func (s Snapshot) decisionsWithStatus(status models.LinkageStatus) uint64 {
	var total uint64
	for _, byStatus := range s.Decisions {
		total += byStatus[string(status)]
	}
	return total
}

// FailureRate is the share of decisions that ended in ERROR
func (s Snapshot) FailureRate() float64 {
	return ratio(s.decisionsWithStatus(models.LinkageStatusError), s.TotalDecisions())
}

// MatchRate is the share of decisions that matched an existing canonical product
func (s Snapshot) MatchRate() float64 {
	return ratio(s.decisionsWithStatus(models.LinkageStatusMatched), s.TotalDecisions())
}

// IdentityKeyResolutionRate is the share of decisions matched through either identity key tier
func (s Snapshot) IdentityKeyResolutionRate() float64 {
	matched := string(models.LinkageStatusMatched)
	hits := s.MatchPaths[string(models.MatchPathIdentityKey)][matched] +
		s.MatchPaths[string(models.MatchPathIdentityKeyShotgun)][matched]
	return ratio(hits, s.TotalDecisions())
}

// Percentile approximates the q-th quantile (0 < q <= 1) of the latency
// histogram as the upper bound of the bucket holding that rank. Ranks past
// the last bucket report the last bound.
func (h HistogramSnapshot) Percentile(q float64) float64 {
	if h.Count == 0 || len(h.Buckets) == 0 {
		return 0
	}
	q = math.Min(math.Max(q, 0), 1)
	rank := uint64(math.Ceil(q * float64(h.Count)))
	if rank == 0 {
		rank = 1
	}
	for i, cum := range h.Cumulative {
		if cum >= rank {
			return h.Buckets[i]
		}
	}
	return h.Buckets[len(h.Buckets)-1]
}

func ratio(n, d uint64) float64 {
	if d == 0 {
		return 0
	}
	return float64(n) / float64(d)
}

// Percentile approximates a latency quantile from the live histogram
func (c *Collector) Percentile(q float64) float64 {
	return c.Snapshot().Latency.Percentile(q)
}

// FailureRate is the live share of ERROR decisions
func (c *Collector) FailureRate() float64 {
	return c.Snapshot().FailureRate()
}

// MatchRate is the live share of MATCHED decisions
func (c *Collector) MatchRate() float64 {
	return c.Snapshot().MatchRate()
}

// IdentityKeyResolutionRate is the live share of identity-key matches
func (c *Collector) IdentityKeyResolutionRate() float64 {
	return c.Snapshot().IdentityKeyResolutionRate()
}

// Describe implements prometheus.Collector
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.requestsDesc
	ch <- c.decisionsDesc
	ch <- c.failuresDesc
	ch <- c.matchPathsDesc
	ch <- c.missingFieldsDesc
	ch <- c.ambiguousDesc
	ch <- c.latencyDesc
}

// Collect implements prometheus.Collector
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	s := c.Snapshot()

	for kind, v := range s.Requests {
		ch <- prometheus.MustNewConstMetric(c.requestsDesc, prometheus.CounterValue, float64(v), kind)
	}
	for kind, byStatus := range s.Decisions {
		for status, v := range byStatus {
			ch <- prometheus.MustNewConstMetric(c.decisionsDesc, prometheus.CounterValue, float64(v), kind, status)
		}
	}
	for kind, byReason := range s.Failures {
		for reason, v := range byReason {
			ch <- prometheus.MustNewConstMetric(c.failuresDesc, prometheus.CounterValue, float64(v), kind, reason)
		}
	}
	for path, byStatus := range s.MatchPaths {
		for status, v := range byStatus {
			ch <- prometheus.MustNewConstMetric(c.matchPathsDesc, prometheus.CounterValue, float64(v), path, status)
		}
	}
	for field, v := range s.MissingFields {
		ch <- prometheus.MustNewConstMetric(c.missingFieldsDesc, prometheus.CounterValue, float64(v), field)
	}
	ch <- prometheus.MustNewConstMetric(c.ambiguousDesc, prometheus.CounterValue, float64(s.AmbiguousIdentityKeys))

	buckets := make(map[float64]uint64, len(s.Latency.Buckets))
	for i, b := range s.Latency.Buckets {
		buckets[b] = s.Latency.Cumulative[i]
	}
	ch <- prometheus.MustNewConstHistogram(c.latencyDesc, s.Latency.Count, s.Latency.Sum, buckets)
}

// RenderPrometheus renders the collector in the Prometheus text exposition format
func (c *Collector) RenderPrometheus() (string, error) {
	reg := prometheus.NewPedanticRegistry()
	if err := reg.Register(c); err != nil {
		return "", err
	}
	families, err := reg.Gather()
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(&buf, mf); err != nil {
			return "", err
		}
	}
	return buf.String(), nil
}
