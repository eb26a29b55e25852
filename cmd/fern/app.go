package main

import (
	"context"
	"fmt"

	"github.com/Gobusters/ectologger"
	"github.com/Gobusters/ectologger/zapadapter"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/Ramsey-B/fern/config"
	"github.com/Ramsey-B/fern/internal/database"
	"github.com/Ramsey-B/fern/pkg/redis"
)

// app holds what every subcommand needs
type app struct {
	cfg    *config.Config
	zap    *zap.Logger
	logger ectologger.Logger
}

func newApp(envFile string) (*app, error) {
	cfg, err := config.Load(envFile)
	if err != nil {
		return nil, err
	}

	zl, err := newZapLogger(cfg)
	if err != nil {
		return nil, err
	}

	return &app{
		cfg:    cfg,
		zap:    zl,
		logger: zapadapter.NewZapEctoLogger(zl, nil),
	}, nil
}

func newZapLogger(cfg *config.Config) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("parse log level: %w", err)
	}

	zcfg := zap.NewProductionConfig()
	if cfg.PrettyLogs {
		zcfg = zap.NewDevelopmentConfig()
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)
	zcfg.InitialFields = map[string]any{"service": cfg.AppName}
	return zcfg.Build()
}

func (a *app) close() {
	_ = a.zap.Sync()
}

func (a *app) openDatabase(ctx context.Context) (*sqlx.DB, error) {
	return database.Open(ctx, a.cfg.DatabaseDSN(), a.cfg.PoolConfig(), a.logger)
}

func (a *app) migrate(db *sqlx.DB) error {
	return database.NewMigrationService(a.logger, a.cfg.MigrationConfig()).Migrate(db.DB)
}

// openLocker connects to Redis when it is enabled. Both results are nil otherwise.
func (a *app) openLocker() (*redis.Client, *redis.Locker, error) {
	if !a.cfg.RedisEnabled {
		return nil, nil, nil
	}
	client, err := redis.NewClient(a.cfg.RedisConfig(), a.logger)
	if err != nil {
		return nil, nil, err
	}
	return client, redis.NewLocker(client, a.cfg.RedisLockKeyPrefix), nil
}
