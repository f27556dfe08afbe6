// Package scheduler provides the adapter that runs the schedule tick loop.
package scheduler

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/plumefeed/plume/internal/core"
	"github.com/plumefeed/plume/internal/data"
	obserrors "github.com/plumefeed/plume/internal/observability/errors"
	"github.com/plumefeed/plume/internal/observability/metrics"
	"github.com/plumefeed/plume/internal/observability/statsd"
	"github.com/plumefeed/plume/internal/schedule"
	"github.com/plumefeed/plume/internal/service"
)

// Runner drives the scheduler service on a fixed interval.
// It constructs the service from a database handle and ticks until the
// context is cancelled.
type Runner struct {
	scheduler core.JobScheduler
	interval  time.Duration
	logger    *slog.Logger
	metrics   statsd.Sink
}

// RunnerOptions holds the dependencies for creating a Runner.
type RunnerOptions struct {
	DB              *sql.DB
	Redis           redis.UniversalClient
	Config          *core.SchedulerConfig
	Interval        time.Duration
	DefaultTimezone string
	Logger          *slog.Logger
	Metrics         statsd.Sink

	// Optional dependency injections for testing/decoupling
	Schedules core.ScheduleRepository
	Jobs      core.PublishJobRepository
	Templates core.TemplateRepository
	History   core.SelectionHistoryRepository
	Locks     core.LockRepository
	Resolver  core.ScheduleResolver
}

// NewRunner creates a new scheduler runner with the given options.
func NewRunner(opts RunnerOptions) (*Runner, error) {
	if err := validateRunnerOptions(&opts); err != nil {
		return nil, err
	}

	svc := service.NewSchedulerService(wireRunnerDependencies(opts))

	return &Runner{
		scheduler: svc,
		interval:  opts.Interval,
		logger:    opts.Logger.With("component", "scheduler_runner"),
		metrics:   opts.Metrics,
	}, nil
}

// validateRunnerOptions validates and sets defaults for RunnerOptions.
func validateRunnerOptions(opts *RunnerOptions) error {
	if opts.DB == nil && (opts.Schedules == nil || opts.Jobs == nil) {
		return errors.New("either DB or injected repositories are required")
	}
	if opts.Interval <= 0 {
		opts.Interval = time.Minute
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return nil
}

// wireRunnerDependencies wires up all dependencies for the scheduler service.
func wireRunnerDependencies(opts RunnerOptions) service.SchedulerServiceOptions {
	schedules := opts.Schedules
	if schedules == nil {
		schedules = data.NewScheduleRepo(opts.DB)
	}
	jobs := opts.Jobs
	if jobs == nil {
		jobs = data.NewPublishJobRepo(opts.DB)
	}
	templates := opts.Templates
	if templates == nil {
		templates = data.NewTemplateRepo(opts.DB)
	}
	history := opts.History
	if history == nil {
		history = data.NewSelectionHistoryRepo(opts.DB)
	}
	locks := opts.Locks
	if locks == nil && opts.Redis != nil {
		locks = data.NewRedisLockRepo(opts.Redis)
	}
	resolver := opts.Resolver
	if resolver == nil {
		resolver = schedule.NewResolver(schedule.ResolverOptions{
			Logger:          opts.Logger,
			DefaultTimezone: opts.DefaultTimezone,
		})
	}

	return service.SchedulerServiceOptions{
		Schedules: schedules,
		Jobs:      jobs,
		Templates: templates,
		History:   history,
		Locks:     locks,
		Resolver:  resolver,
		Config:    opts.Config,
		Logger:    opts.Logger,
	}
}

// Run starts the tick loop and runs until the context is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.InfoContext(ctx, "starting scheduler runner", "interval", r.interval)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.InfoContext(ctx, "scheduler runner stopping", "reason", ctx.Err())
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil
			}
			return ctx.Err()

		case now := <-ticker.C:
			start := time.Now()
			fired, err := r.scheduler.Tick(ctx, now)
			elapsed := time.Since(start)

			r.emitTickMetrics(fired, elapsed, err)

			if err != nil {
				// Tick errors are transient: the next tick retries the batch.
				r.logger.ErrorContext(ctx, "scheduler tick error", "error", err)
			} else if fired > 0 {
				r.logger.InfoContext(ctx, "scheduler tick fired", "count", fired, "elapsed", elapsed)
			}
		}
	}
}

func (r *Runner) emitTickMetrics(fired int, elapsed time.Duration, err error) {
	if r.metrics == nil {
		return
	}

	result := metrics.ResultSuccess
	if err != nil {
		result = metrics.ResultError
	} else if fired == 0 {
		result = metrics.ResultNoop
	}

	tags := map[string]string{
		"result": result,
	}

	if err != nil {
		if class := obserrors.Classify(err); class != "" {
			tags["error_class"] = class
		}
	}

	r.metrics.Count("scheduler.tick", 1, tags)

	if fired > 0 {
		r.metrics.Count("scheduler.jobs_enqueued", int64(fired), tags)
	}

	if elapsed > 0 {
		r.metrics.Timing("scheduler.tick_duration", elapsed, metrics.CloneTags(tags))
	}

	if err == nil {
		r.metrics.Gauge("scheduler.last_success_epoch", float64(time.Now().Unix()), nil)
	}
}
