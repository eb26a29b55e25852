package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/Ramsey-B/fern/internal/database"
	"github.com/Ramsey-B/fern/internal/repositories/brandalias"
	"github.com/Ramsey-B/fern/internal/repositories/canonicalproduct"
	"github.com/Ramsey-B/fern/internal/repositories/linkage"
	"github.com/Ramsey-B/fern/internal/repositories/sourceconfig"
	"github.com/Ramsey-B/fern/internal/repositories/sourcerecord"
	"github.com/Ramsey-B/fern/internal/startup"
	"github.com/Ramsey-B/fern/internal/tracing"
	"github.com/Ramsey-B/fern/internal/tracing/exporters"
	"github.com/Ramsey-B/fern/pkg/kafka"
	"github.com/Ramsey-B/fern/pkg/metrics"
	"github.com/Ramsey-B/fern/pkg/middleware"
	"github.com/Ramsey-B/fern/pkg/redis"
	"github.com/Ramsey-B/fern/pkg/resolver"
	"github.com/Ramsey-B/fern/pkg/routes/alias"
	"github.com/Ramsey-B/fern/pkg/routes/health"
	"github.com/Ramsey-B/fern/pkg/routes/product"
	resolverroutes "github.com/Ramsey-B/fern/pkg/routes/resolver"
	sourceconfigroutes "github.com/Ramsey-B/fern/pkg/routes/sourceconfig"
	sourcerecordroutes "github.com/Ramsey-B/fern/pkg/routes/sourcerecord"
	"github.com/Ramsey-B/fern/pkg/scoring"
	"github.com/Ramsey-B/fern/pkg/sweeper"
	"github.com/Ramsey-B/fern/pkg/worker"
)

const shutdownTimeout = 30 * time.Second

func serveCmd(envFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, resolution workers and the stale record sweeper",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(*envFile)
			if err != nil {
				return err
			}
			defer a.close()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return newServer(a).run(ctx)
		},
	}
}

// server owns the long-running pieces of the serve command
type server struct {
	*app

	tp       *sdktrace.TracerProvider
	db       *sqlx.DB
	dbi      database.DB
	redis    *redis.Client
	locker   *redis.Locker
	producer *kafka.Producer

	registry  *prometheus.Registry
	collector *metrics.Collector
	runtime   *metrics.Runtime

	strategy string
	worker   *worker.Worker
	sweeper  *sweeper.Sweeper
	checker  *health.Checker
	http     *http.Server
}

func newServer(a *app) *server {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := metrics.NewCollector()
	registry.MustRegister(collector)

	return &server{
		app:       a,
		registry:  registry,
		collector: collector,
		runtime:   metrics.NewRuntime(registry),
	}
}

func (s *server) run(ctx context.Context) error {
	boot := startup.New(s.logger, s.cfg.StartupMaxAttempts)
	boot.Add(startup.Func{Name: "tracing", StartFn: s.startTracing, StopFn: s.stopTracing})
	boot.Add(startup.Func{Name: "database", StartFn: s.startDatabase, StopFn: s.stopDatabase})
	boot.Add(startup.Func{Name: "redis", StartFn: s.startRedis, StopFn: s.stopRedis})
	boot.Add(startup.Func{Name: "kafka", StartFn: s.startKafka, StopFn: s.stopKafka})
	boot.Add(startup.Func{
		Name:    "resolution",
		Needs:   []string{"tracing", "database", "redis", "kafka"},
		StartFn: s.startResolution,
		StopFn:  s.stopResolution,
	})
	boot.Add(startup.Func{
		Name:    "http",
		Needs:   []string{"resolution"},
		StartFn: s.startHTTP,
		StopFn:  s.stopHTTP,
	})

	if err := boot.Start(ctx); err != nil {
		s.logger.WithError(err).Error("Startup failed")
		stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = boot.Stop(stopCtx)
		return err
	}
	s.checker.SetReady(true)
	s.logger.Infof("fern %s ready on port %d", Version, s.cfg.Port)

	<-ctx.Done()
	s.logger.Info("Shutting down")
	s.checker.SetReady(false)

	stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return boot.Stop(stopCtx)
}

func (s *server) startTracing(ctx context.Context) error {
	tp, err := exporters.NewProvider(ctx, s.cfg.ProviderConfig(Version), s.logger)
	if err != nil {
		return err
	}
	s.tp = tp
	otel.SetTracerProvider(tp)
	tracing.SetTracer(tp.Tracer(s.cfg.AppName))
	return nil
}

func (s *server) stopTracing(ctx context.Context) error {
	if s.tp == nil {
		return nil
	}
	return s.tp.Shutdown(ctx)
}

func (s *server) startDatabase(ctx context.Context) error {
	db, err := s.openDatabase(ctx)
	if err != nil {
		return err
	}
	if s.cfg.DatabaseMigrateOnStartup {
		if err := s.migrate(db); err != nil {
			_ = db.Close()
			return err
		}
	}
	s.db = db
	s.dbi = database.NewDatabaseInstance(db, s.logger)
	return nil
}

func (s *server) stopDatabase(context.Context) error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *server) startRedis(context.Context) error {
	client, locker, err := s.openLocker()
	if err != nil {
		return err
	}
	s.redis, s.locker = client, locker
	return nil
}

func (s *server) stopRedis(context.Context) error {
	if s.redis == nil {
		return nil
	}
	return s.redis.Close()
}

func (s *server) startKafka(context.Context) error {
	if s.cfg.KafkaEnabled {
		s.producer = kafka.NewProducer(s.cfg.KafkaProducerConfig(), s.logger)
	}
	return nil
}

func (s *server) stopKafka(context.Context) error {
	if s.producer == nil {
		return nil
	}
	return s.producer.Close()
}

func (s *server) startResolution(ctx context.Context) error {
	strategy, err := scoring.NewWeightedStrategy(scoring.DefaultWeights)
	if err != nil {
		return err
	}
	s.strategy = strategy.Name()

	deps := resolver.Dependencies{
		Catalog:       canonicalproduct.New(s.dbi, s.logger),
		Linkages:      linkage.New(s.dbi, s.logger),
		SourceConfigs: sourceconfig.New(s.dbi, s.logger),
		Aliases:       brandalias.New(s.dbi, s.logger),
		Strategy:      strategy,
		Metrics:       s.collector,
	}
	if s.locker != nil {
		deps.Guard = redis.NewCreateGuard(s.locker, s.cfg.CreateLockTTL, s.cfg.CreateLockWait)
	}

	res, err := resolver.New(s.cfg.ResolverConfig(), deps, s.logger)
	if err != nil {
		return err
	}

	records := sourcerecord.New(s.dbi, s.logger)

	workerOpts := []worker.Option{worker.WithRuntimeMetrics(s.runtime)}
	if s.producer != nil {
		workerOpts = append(workerOpts, worker.WithPublisher(s.producer))
	}
	s.worker = worker.New(records, res, s.cfg.WorkerConfig(), s.logger, workerOpts...)

	sweeperOpts := []sweeper.Option{sweeper.WithRuntimeMetrics(s.runtime)}
	if s.locker != nil {
		sweeperOpts = append(sweeperOpts, sweeper.WithLocker(s.locker))
	}
	s.sweeper, err = sweeper.New(records, s.cfg.SweeperConfig(), s.logger, sweeperOpts...)
	if err != nil {
		return err
	}

	// Loops outlive the startup context, so they get their own.
	if s.cfg.WorkerEnabled {
		if err := s.worker.Start(context.WithoutCancel(ctx)); err != nil {
			return err
		}
	}
	if s.cfg.SweeperEnabled {
		if err := s.sweeper.Start(context.WithoutCancel(ctx)); err != nil {
			return err
		}
	}
	return nil
}

func (s *server) stopResolution(ctx context.Context) error {
	var errs []error
	if s.sweeper != nil {
		errs = append(errs, s.sweeper.Stop(ctx))
	}
	if s.worker != nil {
		errs = append(errs, s.worker.Stop(ctx))
	}
	return errors.Join(errs...)
}

func (s *server) startHTTP(context.Context) error {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = middleware.Error(s.logger)
	e.Use(
		otelecho.Middleware(s.cfg.AppName, otelecho.WithTracerProvider(s.tp)),
		middleware.Context(),
		middleware.Logger(s.logger),
	)

	var redisPinger health.Pinger
	if s.redis != nil {
		redisPinger = health.PingerFunc(s.redis.Ping)
	}
	s.checker = health.NewChecker(s.dbi, redisPinger, Version)
	s.checker.RegisterRoutes(e)

	records := sourcerecord.New(s.dbi, s.logger)
	linkages := linkage.New(s.dbi, s.logger)

	api := e.Group("/api/v1")
	sourcerecordroutes.NewHandler(records, linkages, s.logger).Register(api.Group("/source-records"))
	sourceconfigroutes.NewHandler(sourceconfig.New(s.dbi, s.logger), s.logger).Register(api.Group("/source-configs"))
	alias.NewHandler(brandalias.New(s.dbi, s.logger), s.logger).Register(api.Group("/aliases"))
	product.NewHandler(canonicalproduct.New(s.dbi, s.logger)).Register(api.Group("/canonical-products"))

	resolverHandler := resolverroutes.NewHandler(s.cfg.ResolverConfig(), s.strategy, s.collector, linkages, s.registry)
	resolverHandler.Register(api.Group("/resolver"))
	resolverHandler.RegisterMetrics(e)

	s.http = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.cfg.Port),
		Handler:      e,
		ReadTimeout:  time.Duration(s.cfg.HttpServerReadTimeoutSeconds) * time.Second,
		WriteTimeout: time.Duration(s.cfg.HttpServerWriteTimeoutSeconds) * time.Second,
		IdleTimeout:  time.Duration(s.cfg.HttpServerIdleTimeoutSeconds) * time.Second,
	}

	go func() {
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.WithError(err).Error("HTTP server stopped")
		}
	}()
	return nil
}

func (s *server) stopHTTP(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}
