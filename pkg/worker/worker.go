// Package worker drives the resolver over the source record queue.
//
// Each loop claims a bounded batch under a lease token, resolves the records
// one by one and completes them conditionally on that token. A record whose
// lease was lost to the sweeper is left to its new owner.
package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/attribute"

	"github.com/Ramsey-B/fern/internal/tracing"
	"github.com/Ramsey-B/fern/pkg/metrics"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/resolver"
)

var (
	// ErrWorkerAlreadyRunning is returned when trying to start a running worker
	ErrWorkerAlreadyRunning = errors.New("worker already running")
)

const (
	DefaultConcurrency  = 4
	DefaultBatchSize    = 25
	DefaultPollInterval = 2 * time.Second
	DefaultMaxAttempts  = 5
	DefaultRetryBackoff = 5 * time.Second
)

// Queue is the durable source record queue
type Queue interface {
	// Claim atomically moves up to policy.BatchSize claimable records to PROCESSING
	Claim(ctx context.Context, policy models.ClaimPolicy) ([]*models.SourceRecord, error)
	// MarkResolved and MarkError return models.ErrLeaseLost when leaseToken no longer owns the record
	MarkResolved(ctx context.Context, id, leaseToken string, derived models.DerivedFields) error
	MarkError(ctx context.Context, id, leaseToken string, reason models.ReasonCode, derived models.DerivedFields) error
}

// Resolver decides one record
type Resolver interface {
	Resolve(ctx context.Context, rec *models.SourceRecord) (*resolver.Result, error)
}

// Publisher emits linkage events. Failures are logged, never retried.
type Publisher interface {
	PublishLinkage(ctx context.Context, link *models.Linkage, rec *models.SourceRecord) error
}

// Config holds worker configuration
type Config struct {
	// Concurrency is the number of claim loops in this process
	Concurrency int

	// BatchSize is the maximum number of records claimed at once
	BatchSize int

	// PollInterval is how long an idle loop waits before claiming again
	PollInterval time.Duration

	// MaxAttempts caps how often a record is claimed
	MaxAttempts int

	// RetryBackoff is the first wait before an ERROR record is retried. It
	// doubles with every further attempt. Zero retries on the next claim.
	RetryBackoff time.Duration
}

// DefaultConfig returns the default worker configuration
func DefaultConfig() Config {
	return Config{
		Concurrency:  DefaultConcurrency,
		BatchSize:    DefaultBatchSize,
		PollInterval: DefaultPollInterval,
		MaxAttempts:  DefaultMaxAttempts,
		RetryBackoff: DefaultRetryBackoff,
	}
}

// Option customizes a Worker
type Option func(*Worker)

// WithPublisher publishes a linkage event after every decision
func WithPublisher(p Publisher) Option {
	return func(w *Worker) { w.publisher = p }
}

// WithRuntimeMetrics records loop metrics on rt
func WithRuntimeMetrics(rt *metrics.Runtime) Option {
	return func(w *Worker) { w.runtime = rt }
}

// Worker claims and resolves source records
type Worker struct {
	queue     Queue
	resolver  Resolver
	publisher Publisher
	runtime   *metrics.Runtime
	config    Config
	logger    ectologger.Logger

	stopCh  chan struct{}
	loops   sync.WaitGroup
	running bool
	mu      sync.RWMutex
}

// New creates a worker, applying defaults to unset config values
func New(queue Queue, res Resolver, config Config, logger ectologger.Logger, opts ...Option) *Worker {
	if config.Concurrency <= 0 {
		config.Concurrency = DefaultConcurrency
	}
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultBatchSize
	}
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultPollInterval
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = DefaultMaxAttempts
	}
	if config.RetryBackoff < 0 {
		config.RetryBackoff = DefaultRetryBackoff
	}

	w := &Worker{
		queue:    queue,
		resolver: res,
		config:   config,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.runtime == nil {
		w.runtime = metrics.NewRuntime(prometheus.NewRegistry())
	}
	return w
}

// Config returns the effective configuration
func (w *Worker) Config() Config {
	return w.config
}

// Start launches Concurrency claim loops
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return ErrWorkerAlreadyRunning
	}
	w.running = true
	w.stopCh = make(chan struct{})

	w.logger.WithContext(ctx).Infof("Starting worker: concurrency=%d batch_size=%d poll_interval=%s max_attempts=%d retry_backoff=%s",
		w.config.Concurrency, w.config.BatchSize, w.config.PollInterval, w.config.MaxAttempts, w.config.RetryBackoff)

	for i := 0; i < w.config.Concurrency; i++ {
		w.loops.Add(1)
		go w.loop(ctx, i, w.stopCh)
	}
	return nil
}

// Stop signals the loops and waits for in-flight batches to finish. Records
// still PROCESSING when ctx expires are left for the sweeper.
func (w *Worker) Stop(ctx context.Context) error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	close(w.stopCh)
	w.mu.Unlock()

	w.logger.WithContext(ctx).Info("Stopping worker...")

	done := make(chan struct{})
	go func() {
		w.loops.Wait()
		close(done)
	}()

	select {
	case <-done:
		w.logger.WithContext(ctx).Info("Worker stopped gracefully")
		return nil
	case <-ctx.Done():
		w.logger.WithContext(ctx).Warn("Worker shutdown timed out")
		return ctx.Err()
	}
}

// IsRunning returns whether the worker is running
func (w *Worker) IsRunning() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.running
}

func (w *Worker) loop(ctx context.Context, id int, stopCh <-chan struct{}) {
	defer w.loops.Done()

	log := w.logger.WithContext(ctx).WithFields(map[string]any{"loop": id})
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-stopCh:
			log.Debug("Worker loop stopping")
			return
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		n, err := w.ProcessBatch(ctx)
		if err != nil {
			log.WithError(err).Error("Failed to process batch")
		}

		// a full batch means there is likely more work waiting
		wait := w.config.PollInterval
		if err == nil && n == w.config.BatchSize {
			wait = 0
		}
		timer.Reset(wait)
	}
}

// ProcessBatch claims one batch and resolves it. It returns the number of
// records claimed.
func (w *Worker) ProcessBatch(ctx context.Context) (int, error) {
	ctx, span := tracing.StartSpan(ctx, "worker.Worker.ProcessBatch")
	defer span.End()

	start := time.Now()
	records, err := w.queue.Claim(ctx, models.ClaimPolicy{
		BatchSize:    w.config.BatchSize,
		MaxAttempts:  w.config.MaxAttempts,
		RetryBackoff: w.config.RetryBackoff,
	})
	if err != nil {
		tracing.RecordError(span, err)
		return 0, err
	}
	if len(records) == 0 {
		return 0, nil
	}

	span.SetAttributes(attribute.Int("batch_size", len(records)))
	w.runtime.RecordsClaimedTotal.Add(float64(len(records)))

	for _, rec := range records {
		w.process(ctx, rec)
	}

	w.runtime.BatchDuration.Observe(time.Since(start).Seconds())
	return len(records), nil
}

func (w *Worker) process(ctx context.Context, rec *models.SourceRecord) {
	w.runtime.RecordsInFlight.Inc()
	defer w.runtime.RecordsInFlight.Dec()

	log := w.logger.WithContext(ctx).WithFields(map[string]any{
		"source_record_id": rec.ID,
		"attempt":          rec.AttemptCount,
	})

	lease := ""
	if rec.LeaseToken != nil {
		lease = *rec.LeaseToken
	}

	res, err := w.resolver.Resolve(ctx, rec)
	if err != nil {
		// no linkage could be written; leave the record retryable
		log.WithError(err).Error("Resolution failed without a linkage")
		w.complete(ctx, rec, lease, models.SourceRecordStatusError, reasonPtr(models.ReasonPersistenceFailure), models.DerivedFields{})
		return
	}

	status := models.SourceRecordStatusResolved
	if res.Linkage.Status == models.LinkageStatusError {
		status = models.SourceRecordStatusError
	}
	if !w.complete(ctx, rec, lease, status, res.Linkage.ReasonCode, res.Derived) {
		return
	}

	if w.publisher != nil {
		if err := w.publisher.PublishLinkage(ctx, res.Linkage, rec); err != nil {
			w.runtime.EventsPublishedTotal.WithLabelValues("error").Inc()
			log.WithError(err).Warn("Failed to publish linkage event")
		} else {
			w.runtime.EventsPublishedTotal.WithLabelValues("ok").Inc()
		}
	}
}

// complete reports whether the record was completed under this lease
func (w *Worker) complete(ctx context.Context, rec *models.SourceRecord, lease string, status models.SourceRecordStatus, reason *models.ReasonCode, derived models.DerivedFields) bool {
	var err error
	if status == models.SourceRecordStatusResolved {
		err = w.queue.MarkResolved(ctx, rec.ID, lease, derived)
	} else {
		code := models.ReasonPersistenceFailure
		if reason != nil {
			code = *reason
		}
		err = w.queue.MarkError(ctx, rec.ID, lease, code, derived)
	}

	log := w.logger.WithContext(ctx).WithFields(map[string]any{
		"source_record_id": rec.ID,
		"status":           status,
	})

	switch {
	case errors.Is(err, models.ErrLeaseLost):
		w.runtime.LeaseLostTotal.Inc()
		log.Warn("Lease lost before completion, record belongs to another worker")
		return false
	case err != nil:
		log.WithError(err).Error("Failed to complete source record")
		return false
	}

	w.runtime.RecordsCompletedTotal.WithLabelValues(string(status)).Inc()
	return true
}

func reasonPtr(r models.ReasonCode) *models.ReasonCode {
	return &r
}
