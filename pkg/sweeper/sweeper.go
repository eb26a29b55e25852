// Package sweeper returns source records abandoned by crashed workers to the
// queue. A PROCESSING record whose lease is older than StaleAfter is reset to
// PENDING and its lease token cleared, so the stale worker can no longer
// complete it.
package sweeper

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/Ramsey-B/fern/internal/tracing"
	"github.com/Ramsey-B/fern/pkg/metrics"
	"github.com/Ramsey-B/fern/pkg/redis"
)

var (
	// ErrSweeperAlreadyRunning is returned when trying to start a running sweeper
	ErrSweeperAlreadyRunning = errors.New("sweeper already running")
)

const (
	DefaultInterval   = 30 * time.Second
	DefaultStaleAfter = 5 * time.Minute
	DefaultLockTTL    = 30 * time.Second

	// MinStaleAfter keeps the timeout above worst-case fuzzy scoring latency
	MinStaleAfter = 30 * time.Second

	// LockKey is the distributed lock held for one sweep cycle
	LockKey = "sweeper:stale"
)

// Store resets PROCESSING records whose lease is older than staleAfter
type Store interface {
	ResetStale(ctx context.Context, staleAfter time.Duration) (int64, error)
}

// Locker keeps a single sweeper active per cycle across processes. A busy
// lock is reported as redis.ErrLockNotAcquired.
type Locker interface {
	WithLock(ctx context.Context, key string, ttl time.Duration, fn func(ctx context.Context) error) error
}

// Config holds sweeper configuration
type Config struct {
	// Interval is the time between sweep cycles
	Interval time.Duration

	// StaleAfter is how long a record may stay PROCESSING before it is reclaimed
	StaleAfter time.Duration

	// WorkerPollInterval is the worker idle poll interval; StaleAfter must exceed it
	WorkerPollInterval time.Duration

	// LockTTL bounds how long one cycle holds the distributed lock
	LockTTL time.Duration
}

// DefaultConfig returns the default sweeper configuration
func DefaultConfig() Config {
	return Config{
		Interval:   DefaultInterval,
		StaleAfter: DefaultStaleAfter,
		LockTTL:    DefaultLockTTL,
	}
}

// Validate checks the timing constraints
func (c Config) Validate() error {
	if c.Interval <= 0 {
		return fmt.Errorf("sweeper: interval must be positive, got %s", c.Interval)
	}
	if c.StaleAfter < MinStaleAfter {
		return fmt.Errorf("sweeper: stale timeout must be at least %s, got %s", MinStaleAfter, c.StaleAfter)
	}
	if c.StaleAfter <= c.WorkerPollInterval {
		return fmt.Errorf("sweeper: stale timeout %s must exceed the worker poll interval %s", c.StaleAfter, c.WorkerPollInterval)
	}
	return nil
}

// Option customizes a Sweeper
type Option func(*Sweeper)

// WithLocker enables the cross-process sweep lock
func WithLocker(l Locker) Option {
	return func(s *Sweeper) { s.locker = l }
}

// WithRuntimeMetrics records sweep metrics on rt
func WithRuntimeMetrics(rt *metrics.Runtime) Option {
	return func(s *Sweeper) { s.runtime = rt }
}

// Sweeper periodically reclaims stale records
type Sweeper struct {
	store   Store
	locker  Locker
	runtime *metrics.Runtime
	config  Config
	logger  ectologger.Logger

	stopCh   chan struct{}
	stoppedC chan struct{}
	running  bool
	mu       sync.RWMutex
}

// New validates config and creates a sweeper. Zero durations take defaults.
func New(store Store, config Config, logger ectologger.Logger, opts ...Option) (*Sweeper, error) {
	if config.Interval == 0 {
		config.Interval = DefaultInterval
	}
	if config.StaleAfter == 0 {
		config.StaleAfter = DefaultStaleAfter
	}
	if config.LockTTL <= 0 {
		config.LockTTL = DefaultLockTTL
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	s := &Sweeper{
		store:  store,
		config: config,
		logger: logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.runtime == nil {
		s.runtime = metrics.NewRuntime(prometheus.NewRegistry())
	}
	return s, nil
}

// Start starts the sweep loop
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrSweeperAlreadyRunning
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.stoppedC = make(chan struct{})

	s.logger.WithContext(ctx).Infof("Starting sweeper: interval=%s stale_after=%s", s.config.Interval, s.config.StaleAfter)

	go s.sweepLoop(ctx, s.stopCh, s.stoppedC)
	return nil
}

// Stop stops the sweep loop and waits for the current cycle
func (s *Sweeper) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	close(s.stopCh)
	stoppedC := s.stoppedC
	s.mu.Unlock()

	s.logger.WithContext(ctx).Info("Stopping sweeper...")

	select {
	case <-stoppedC:
		s.logger.WithContext(ctx).Info("Sweeper stopped gracefully")
	case <-ctx.Done():
		s.logger.WithContext(ctx).Warn("Sweeper shutdown timed out")
		return ctx.Err()
	}
	return nil
}

// IsRunning returns whether the sweeper is running
func (s *Sweeper) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

func (s *Sweeper) sweepLoop(ctx context.Context, stopCh <-chan struct{}, stoppedC chan<- struct{}) {
	defer close(stoppedC)

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	s.runCycle(ctx)

	for {
		select {
		case <-stopCh:
			s.logger.WithContext(ctx).Debug("Sweeper loop stopping")
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runCycle(ctx)
		}
	}
}

func (s *Sweeper) runCycle(ctx context.Context) {
	if _, err := s.SweepOnce(ctx); err != nil {
		s.logger.WithContext(ctx).WithError(err).Error("Sweep cycle failed")
	}
}

// SweepOnce runs one cycle and returns how many records were reclaimed. A
// cycle skipped because another process holds the lock reclaims nothing.
func (s *Sweeper) SweepOnce(ctx context.Context) (int64, error) {
	ctx, span := tracing.StartSpan(ctx, "sweeper.Sweeper.SweepOnce")
	defer span.End()

	var reclaimed int64
	sweep := func(ctx context.Context) error {
		n, err := s.store.ResetStale(ctx, s.config.StaleAfter)
		if err != nil {
			return err
		}
		reclaimed = n
		return nil
	}

	var err error
	if s.locker != nil {
		err = s.locker.WithLock(ctx, LockKey, s.config.LockTTL, sweep)
		if errors.Is(err, redis.ErrLockNotAcquired) {
			s.runtime.SweepRunsTotal.WithLabelValues("skipped").Inc()
			s.logger.WithContext(ctx).Debug("Sweep skipped, another process holds the lock")
			return 0, nil
		}
	} else {
		err = sweep(ctx)
	}

	if err != nil {
		tracing.RecordError(span, err)
		s.runtime.SweepRunsTotal.WithLabelValues("error").Inc()
		return 0, err
	}

	s.runtime.SweepRunsTotal.WithLabelValues("ok").Inc()
	s.runtime.RecordsReclaimedTotal.Add(float64(reclaimed))
	if reclaimed > 0 {
		s.logger.WithContext(ctx).WithFields(map[string]any{
			"reclaimed":   reclaimed,
			"stale_after": s.config.StaleAfter.String(),
		}).Warn("Reclaimed stale source records")
	}
	return reclaimed, nil
}
