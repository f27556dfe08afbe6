// Package sweeper provides the adapter that runs the recovery sweeper loop.
package sweeper

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/plumefeed/plume/internal/core"
	"github.com/plumefeed/plume/internal/data"
	"github.com/plumefeed/plume/internal/observability/statsd"
	"github.com/plumefeed/plume/internal/service"
)

// Runner drives the sweeper service on a jittered interval.
type Runner struct {
	sweeper  core.RecoverySweeper
	interval time.Duration
	logger   *slog.Logger
	metrics  statsd.Sink
}

// RunnerOptions holds the dependencies for creating a Runner.
type RunnerOptions struct {
	DB       *sql.DB
	Redis    redis.UniversalClient
	Config   *core.SweeperConfig
	Interval time.Duration
	Logger   *slog.Logger
	Metrics  statsd.Sink

	// Optional dependency injections for testing/decoupling
	Sweeper core.RecoverySweeper
	Jobs    core.PublishJobRepository
	Locks   core.LockRepository
}

// NewRunner creates a new sweeper runner with the given options.
func NewRunner(opts RunnerOptions) (*Runner, error) {
	if err := validateRunnerOptions(&opts); err != nil {
		return nil, err
	}

	s := opts.Sweeper
	if s == nil {
		s = wireSweeperService(opts)
	}

	return &Runner{
		sweeper:  s,
		interval: opts.Interval,
		logger:   opts.Logger.With("component", "sweeper_runner"),
		metrics:  opts.Metrics,
	}, nil
}

// validateRunnerOptions validates and sets defaults for RunnerOptions.
func validateRunnerOptions(opts *RunnerOptions) error {
	if opts.DB == nil && opts.Sweeper == nil && opts.Jobs == nil {
		return errors.New("either DB or an injected sweeper is required")
	}
	if opts.Interval <= 0 {
		opts.Interval = 5 * time.Minute
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return nil
}

// wireSweeperService wires up all dependencies for the sweeper service.
func wireSweeperService(opts RunnerOptions) *service.SweeperService {
	jobs := opts.Jobs
	if jobs == nil {
		jobs = data.NewPublishJobRepo(opts.DB)
	}
	locks := opts.Locks
	if locks == nil && opts.Redis != nil {
		locks = data.NewRedisLockRepo(opts.Redis)
	}

	return service.NewSweeperService(service.SweeperServiceOptions{
		Jobs:    jobs,
		Locks:   locks,
		Config:  opts.Config,
		Logger:  opts.Logger,
		Metrics: opts.Metrics,
	})
}

// Run sweeps once at startup and then on a jittered interval until the
// context is cancelled. Jitter keeps replicas from piling onto the
// cooldown lock at the same instant.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.InfoContext(ctx, "starting sweeper runner", "interval", r.interval)

	r.sweepOnce(ctx)

	for {
		timer := time.NewTimer(r.jitteredInterval())
		select {
		case <-ctx.Done():
			timer.Stop()
			r.logger.InfoContext(ctx, "sweeper runner stopping", "reason", ctx.Err())
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil
			}
			return ctx.Err()
		case <-timer.C:
			r.sweepOnce(ctx)
		}
	}
}

func (r *Runner) sweepOnce(ctx context.Context) {
	start := time.Now()
	report, err := r.sweeper.Sweep(ctx)
	if err != nil {
		r.logger.ErrorContext(ctx, "sweep error", "error", err)
		return
	}
	if r.metrics != nil {
		r.metrics.Timing("sweeper.duration", time.Since(start), nil)
	}
	if report.Skipped {
		r.logger.DebugContext(ctx, "sweep skipped, cooldown held elsewhere")
	}
}

// jitteredInterval spreads the interval by +/-10%.
func (r *Runner) jitteredInterval() time.Duration {
	span := float64(r.interval) * 0.1
	return r.interval + time.Duration((rand.Float64()*2-1)*span) //nolint:gosec // jitter, not crypto
}
