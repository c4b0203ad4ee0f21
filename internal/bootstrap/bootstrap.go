// Package bootstrap builds a pipeline.Service and its backing connections
// from configuration. It is shared by the worker and the admin CLI.
package bootstrap

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/triage-ai/proximity/internal/catalog"
	"github.com/triage-ai/proximity/internal/chread"
	"github.com/triage-ai/proximity/internal/config"
	"github.com/triage-ai/proximity/internal/dedup"
	"github.com/triage-ai/proximity/internal/engine"
	"github.com/triage-ai/proximity/internal/mapper"
	"github.com/triage-ai/proximity/internal/memstore"
	"github.com/triage-ai/proximity/internal/pipeline"
	"github.com/triage-ai/proximity/internal/publish"
	"github.com/triage-ai/proximity/internal/storage"
	"github.com/triage-ai/proximity/internal/store"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// AuditReader queries the audit trail written by the ClickHouse writer.
type AuditReader interface {
	ListAudit(ctx context.Context, params chread.ListAuditParams) ([]chread.AuditRow, int, error)
	GetAudit(ctx context.Context, id string) (*chread.AuditRow, error)
	Summary(ctx context.Context, days int) (*chread.ActivitySummary, error)
}

// Runtime is a wired service plus everything that must be closed with it.
type Runtime struct {
	Service *pipeline.Service
	Catalog *catalog.Catalog
	Audit   storage.AuditWriter
	Reader  AuditReader // nil without ClickHouse
	Durable bool        // false when running on the in-memory store

	closers []func()
}

// Close releases connections in reverse order of creation.
func (r *Runtime) Close() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		r.closers[i]()
	}
}

// Build connects every configured backend. Optional backends that fail to
// connect are logged and replaced by their local fallback; Postgres is not
// optional once a DSN is given.
func Build(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Runtime, error) {
	rt := &Runtime{}
	ok := false
	defer func() {
		if !ok {
			rt.Close()
		}
	}()

	cat, err := loadCatalog(cfg.Catalog.SignpostsPath)
	if err != nil {
		return nil, err
	}
	rt.Catalog = cat
	rules, err := loadRules(cfg.Catalog.RulesPath)
	if err != nil {
		return nil, err
	}

	var repo pipeline.Repository
	if cfg.Postgres.DSN != "" {
		db, err := store.Open(ctx, cfg.Postgres.DSN)
		if err != nil {
			return nil, fmt.Errorf("bootstrap: %w", err)
		}
		rt.closers = append(rt.closers, func() { _ = db.Close() })
		pg := store.NewStore(db)
		if err := pg.EnsureSchema(ctx); err != nil {
			return nil, fmt.Errorf("bootstrap: %w", err)
		}
		repo, rt.Durable = pg, true
		logger.Info("postgres connected")
	} else {
		repo = memstore.New()
		logger.Warn("no postgres dsn set, using in-memory store")
	}

	limits := mapper.BudgetLimits{Warn: cfg.Budget.WarnUSD, Hard: cfg.Budget.HardUSD}
	var (
		filter dedup.Filter
		budget mapper.Budget = mapper.NewMemoryBudget(limits, logger)
	)
	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			logger.Warn("redis unavailable, using in-memory budget and no seen-filter", zap.Error(err))
			_ = client.Close()
		} else {
			rt.closers = append(rt.closers, func() { _ = client.Close() })
			filter = dedup.NewRedisBloom(ctx, client, dedup.DefaultBloomConfig(), logger)
			budget = mapper.NewRedisBudget(client, limits, logger)
			logger.Info("redis connected", zap.String("addr", cfg.Redis.Addr))
		}
	}

	mopts := mapper.Options{Budget: budget, EstimatedCostUSD: cfg.Classifier.EstimatedCostUSD}
	if cfg.Classifier.Endpoint != "" {
		cls, err := mapper.NewGRPCClassifier(mapper.GRPCClassifierConfig{
			Endpoint: cfg.Classifier.Endpoint,
			Timeout:  cfg.Classifier.Timeout,
			RPS:      cfg.Classifier.RatePerSecond,
			Burst:    cfg.Classifier.Burst,
		}, logger)
		if err != nil {
			logger.Warn("fallback classifier disabled", zap.Error(err))
		} else {
			rt.closers = append(rt.closers, func() { _ = cls.Close() })
			mopts.Classifier = cls
		}
	}

	rt.Audit = storage.NewLogWriter(logger)
	if cfg.ClickHouse.DSN != "" {
		w, err := storage.NewClickHouseWriter(cfg.ClickHouse.DSN, logger)
		if err != nil {
			logger.Warn("clickhouse connection failed, falling back to log writer", zap.Error(err))
		} else {
			rt.Audit = w
			logger.Info("clickhouse writer connected")
		}
		reader, err := chread.NewReader(cfg.ClickHouse.DSN, logger)
		if err != nil {
			logger.Warn("clickhouse reader connection failed", zap.Error(err))
		} else {
			rt.Reader = reader
			rt.closers = append(rt.closers, func() { _ = reader.Close() })
		}
	}
	audit := rt.Audit
	rt.closers = append(rt.closers, audit.Close)

	var pub pipeline.Publisher
	if cfg.S3.Bucket != "" {
		p, err := publish.NewS3Publisher(ctx, cfg.S3.Bucket, cfg.S3.Prefix, cfg.S3.Region, logger)
		if err != nil {
			logger.Warn("snapshot publishing disabled", zap.Error(err))
		} else {
			pub = p
		}
	}

	presets, err := engine.NewPresets(cfg.Aggregation.Overrides)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: %w", err)
	}

	svc, err := pipeline.New(repo, cat, mapper.New(rules, cat, mopts, logger), pipeline.Options{
		Presets:             presets,
		RecomputePresets:    cfg.Aggregation.Presets,
		DefaultPreset:       cfg.Aggregation.DefaultPreset,
		CacheTTL:            cfg.Cache.TTL,
		SignificantChange:   cfg.Aggregation.SignificantChange,
		CorroborationWindow: cfg.Review.CorroborationWindow,
		Filter:              filter,
		Audit:               audit,
		Publisher:           pub,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: %w", err)
	}
	if err := svc.SyncCatalog(ctx); err != nil {
		return nil, fmt.Errorf("bootstrap: %w", err)
	}
	rt.Service = svc

	ok = true
	return rt, nil
}

func loadCatalog(path string) (*catalog.Catalog, error) {
	if path == "" {
		return catalog.Default()
	}
	return catalog.LoadFile(path)
}

func loadRules(path string) (*mapper.Registry, error) {
	if path == "" {
		return mapper.DefaultRegistry()
	}
	return mapper.LoadRegistryFile(path)
}

// NewLogger builds a JSON production logger at level (debug, info, warn or
// error; anything else is info).
func NewLogger(level string) (*zap.Logger, error) {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	cfg := zap.Config{
		Level:            zap.NewAtomicLevelAt(zapLevel),
		Development:      false,
		Encoding:         "json",
		EncoderConfig:    zap.NewProductionEncoderConfig(),
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}
	return cfg.Build()
}
