package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/triage-ai/proximity/internal/bootstrap"
	"github.com/triage-ai/proximity/internal/config"
	"go.uber.org/zap"
)

func main() {
	if err := newRootCmd(openRuntime).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "proximityctl: %v\n", err)
		os.Exit(1)
	}
}

// runtimeFactory opens the pipeline a command runs against.
type runtimeFactory func(ctx context.Context, configPath string) (*bootstrap.Runtime, error)

// openRuntime builds the pipeline from configuration and refuses to run
// against the in-memory store, where every change would be lost on exit.
func openRuntime(ctx context.Context, configPath string) (*bootstrap.Runtime, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	logger, err := buildCLILogger(cfg.Logging.Level)
	if err != nil {
		return nil, err
	}
	rt, err := bootstrap.Build(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	if !rt.Durable {
		rt.Close()
		return nil, errors.New("a postgres dsn is required (set POSTGRES_DSN)")
	}
	return rt, nil
}

// buildCLILogger logs to stderr so command output on stdout stays parseable.
func buildCLILogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		lvl = zap.NewAtomicLevelAt(zap.WarnLevel)
	}
	cfg.Level = lvl
	cfg.OutputPaths = []string{"stderr"}
	cfg.ErrorOutputPaths = []string{"stderr"}
	return cfg.Build()
}
