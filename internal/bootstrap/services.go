package bootstrap

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/plumefeed/plume/config"
	"github.com/plumefeed/plume/internal/adapters/scheduler"
	"github.com/plumefeed/plume/internal/adapters/sweeper"
	"github.com/plumefeed/plume/internal/adapters/worker"
	"github.com/plumefeed/plume/internal/adapters/xpublisher"
	"github.com/plumefeed/plume/internal/core"
	"github.com/plumefeed/plume/internal/observability/statsd"
)

// RunOptions holds the shared infrastructure for running services.
type RunOptions struct {
	Config  *config.AppConfig
	DB      *sql.DB
	Redis   redis.UniversalClient
	Logger  *slog.Logger
	Metrics statsd.Sink
}

// NewMetricsSink builds the StatsD sink from configuration. A disabled or
// misconfigured sink degrades to nil rather than blocking startup.
func NewMetricsSink(cfg *config.MetricsConfig, logger *slog.Logger) statsd.Sink {
	if cfg == nil || !cfg.IsEnabled() {
		return nil
	}
	client, err := statsd.NewClient(statsd.Config{
		Enabled:    true,
		Address:    cfg.StatsdAddress,
		Prefix:     cfg.Prefix,
		Logger:     logger,
		GlobalTags: map[string]string{"service": "plume"},
	})
	if err != nil {
		logger.Warn("statsd sink unavailable, metrics disabled", "error", err)
		return nil
	}
	return client
}

// RunServices starts every enabled service and blocks until a shutdown
// signal arrives or a service fails. The first failure cancels the rest.
func RunServices(ctx context.Context, opts RunOptions) error {
	if opts.Config == nil {
		return errors.New("config is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	started := 0

	if opts.Config.IsSchedulerEnabled() {
		runner, err := buildSchedulerRunner(opts, logger)
		if err != nil {
			return fmt.Errorf("build scheduler runner: %w", err)
		}
		g.Go(func() error { return runner.Run(ctx) })
		started++
	}

	if opts.Config.IsWorkerEnabled() {
		runner, err := buildWorkerRunner(opts, logger)
		if err != nil {
			return fmt.Errorf("build worker runner: %w", err)
		}
		g.Go(func() error { return runner.Run(ctx) })
		started++
	}

	if opts.Config.IsSweeperEnabled() {
		runner, err := buildSweeperRunner(opts, logger)
		if err != nil {
			return fmt.Errorf("build sweeper runner: %w", err)
		}
		g.Go(func() error { return runner.Run(ctx) })
		started++
	}

	if started == 0 {
		return errors.New("no services enabled")
	}

	logger.InfoContext(ctx, "services running", "count", started)
	return g.Wait()
}

func buildSchedulerRunner(opts RunOptions, logger *slog.Logger) (*scheduler.Runner, error) {
	cfg := opts.Config.Scheduler.Core()
	return scheduler.NewRunner(scheduler.RunnerOptions{
		DB:              opts.DB,
		Redis:           opts.Redis,
		Config:          &cfg,
		Interval:        opts.Config.Scheduler.Interval,
		DefaultTimezone: opts.Config.DefaultTimezone,
		Logger:          logger,
		Metrics:         opts.Metrics,
	})
}

func buildWorkerRunner(opts RunOptions, logger *slog.Logger) (*worker.Runner, error) {
	publisher, err := NewPublisher(&opts.Config.Publisher, logger, opts.Metrics)
	if err != nil {
		return nil, err
	}

	cfg := opts.Config.Worker.Core()
	return worker.NewRunner(worker.RunnerOptions{
		DB:            opts.DB,
		Redis:         opts.Redis,
		Publisher:     publisher,
		Config:        &cfg,
		Concurrency:   opts.Config.Worker.Concurrency,
		PollInterval:  opts.Config.Worker.PollInterval,
		RatePerMinute: opts.Config.Worker.RatePerMinute,
		Logger:        logger,
		Metrics:       opts.Metrics,
	})
}

func buildSweeperRunner(opts RunOptions, logger *slog.Logger) (*sweeper.Runner, error) {
	cfg := opts.Config.Sweeper.Core()
	return sweeper.NewRunner(sweeper.RunnerOptions{
		DB:       opts.DB,
		Redis:    opts.Redis,
		Config:   &cfg,
		Interval: opts.Config.Sweeper.Interval,
		Logger:   logger,
		Metrics:  opts.Metrics,
	})
}

// NewPublisher builds the X API publisher from configuration.
//
//nolint:ireturn // the port type lets a dry-run publisher stand in.
func NewPublisher(cfg *config.PublisherConfig, logger *slog.Logger, metrics statsd.Sink) (core.Publisher, error) {
	if cfg.DryRun {
		logger.Info("publisher in dry-run mode, no posts will be submitted")
	}
	return xpublisher.New(xpublisher.Options{
		BearerToken: cfg.BearerToken,
		BaseURL:     cfg.BaseURL,
		DryRun:      cfg.DryRun,
		Timeout:     cfg.Timeout,
		Logger:      logger,
		Metrics:     metrics,
	})
}
