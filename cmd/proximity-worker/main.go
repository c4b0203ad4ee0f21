package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
	"github.com/triage-ai/proximity/internal/bootstrap"
	"github.com/triage-ai/proximity/internal/config"
	"github.com/triage-ai/proximity/internal/intake"
	"github.com/triage-ai/proximity/internal/metrics"
	"github.com/triage-ai/proximity/internal/pipeline"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg, err := config.Load("")
	if err != nil {
		fmt.Fprintf(os.Stderr, "proximity-worker: %v\n", err)
		os.Exit(1)
	}

	logger := mustBuildLogger(cfg.Logging.Level)
	defer logger.Sync() //nolint:errcheck // best-effort flush

	logger.Info("starting proximity worker",
		zap.String("mapping_schedule", cfg.Schedule.Mapping),
		zap.String("aggregation_schedule", cfg.Schedule.Aggregation),
		zap.String("metrics_address", cfg.Metrics.Address),
		zap.Strings("presets", cfg.Aggregation.Presets),
	)

	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		logger.Fatal("failed to register metrics", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rt, err := bootstrap.Build(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("failed to build pipeline", zap.Error(err))
	}
	defer rt.Close()
	svc := rt.Service

	// Periodic jobs
	sched := cron.New(cron.WithChain(
		cron.Recover(cronLogger{logger.Sugar()}),
		cron.SkipIfStillRunning(cronLogger{logger.Sugar()}),
	))
	if _, err := sched.AddFunc(cfg.Schedule.Mapping, func() { runMapping(ctx, svc, logger) }); err != nil {
		logger.Fatal("invalid mapping schedule", zap.Error(err))
	}
	if _, err := sched.AddFunc(cfg.Schedule.Aggregation, func() { runAggregation(ctx, svc, logger) }); err != nil {
		logger.Fatal("invalid aggregation schedule", zap.Error(err))
	}

	// Kafka intake (optional)
	var consumer *intake.Consumer
	if len(cfg.Kafka.Brokers) > 0 {
		decoder, err := intake.NewDecoder()
		if err != nil {
			logger.Fatal("failed to compile raw item schema", zap.Error(err))
		}
		consumer, err = intake.NewConsumer(intake.Config{
			Brokers:      cfg.Kafka.Brokers,
			Topic:        cfg.Kafka.Topic,
			Group:        cfg.Kafka.Group,
			MaxBatch:     cfg.Kafka.MaxBatch,
			DrainTimeout: cfg.Kafka.DrainTimeout,
		}, svc, decoder, logger)
		if err != nil {
			logger.Fatal("failed to join kafka consumer group", zap.Error(err))
		}
	} else {
		logger.Info("no kafka brokers set, intake disabled")
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	httpServer := &http.Server{
		Addr:         cfg.Metrics.Address,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("metrics server listening", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})
	if consumer != nil {
		g.Go(func() error { return consumer.Run(gctx) })
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	startAfterCatchUp(sched, func() {
		runMapping(gctx, svc, logger)
		runAggregation(gctx, svc, logger)
	})

	// Block until shutdown signal or a component failure
	select {
	case sig := <-sigCh:
		logger.Info("received signal, shutting down", zap.String("signal", sig.String()))
	case <-gctx.Done():
		logger.Error("component failed, shutting down")
	}

	// Graceful shutdown
	cancel()
	<-sched.Stop().Done()
	if consumer != nil {
		if err := consumer.Close(); err != nil {
			logger.Error("kafka consumer close error", zap.Error(err))
		}
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("metrics server shutdown error", zap.Error(err))
	}
	if err := g.Wait(); err != nil {
		logger.Error("worker stopped with error", zap.Error(err))
	}

	logger.Info("proximity worker stopped")
}

// startAfterCatchUp brings snapshots up to date before the scheduler starts,
// so the catch-up never overlaps a cron run.
func startAfterCatchUp(sched *cron.Cron, catchUp func()) {
	catchUp()
	sched.Start()
}

func runMapping(ctx context.Context, svc *pipeline.Service, logger *zap.Logger) {
	if _, err := svc.MapPending(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("mapping job failed", zap.Error(err))
	}
}

func runAggregation(ctx context.Context, svc *pipeline.Service, logger *zap.Logger) {
	if _, err := svc.RecomputeAll(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("aggregation job failed", zap.Error(err))
	}
}

func mustBuildLogger(level string) *zap.Logger {
	logger, err := bootstrap.NewLogger(level)
	if err != nil {
		panic(fmt.Sprintf("failed to build logger: %v", err))
	}
	return logger
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}
