// Package worker provides the adapter that runs the publish worker pool.
package worker

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/plumefeed/plume/internal/core"
	"github.com/plumefeed/plume/internal/data"
	"github.com/plumefeed/plume/internal/observability/statsd"
	"github.com/plumefeed/plume/internal/service"
)

// Runner executes publish jobs with a pool of worker goroutines. Workers
// sleep on Postgres NOTIFY wakeups with a polling fallback, and a shared
// pacer throttles publish attempts to the configured per-minute rate.
type Runner struct {
	worker       core.PublishWorker
	jobs         core.PublishJobRepository
	workers      int
	pollInterval time.Duration
	rate         int
	logger       *slog.Logger
	metrics      statsd.Sink
}

// RunnerOptions holds the dependencies for creating a Runner.
type RunnerOptions struct {
	DB        *sql.DB
	Redis     redis.UniversalClient
	Publisher core.Publisher
	Config    *core.WorkerConfig
	Logger    *slog.Logger
	Metrics   statsd.Sink

	// Concurrency is the number of worker goroutines; defaults to 1.
	Concurrency int
	// PollInterval is the fallback wakeup when no NOTIFY arrives;
	// defaults to 15s.
	PollInterval time.Duration
	// RatePerMinute caps publish attempts across the pool. Zero disables
	// pacing.
	RatePerMinute int

	// Optional dependency injections for testing/decoupling
	Worker    core.PublishWorker
	Jobs      core.PublishJobRepository
	Schedules core.ScheduleRepository
	Posts     core.PostRepository
	Templates core.TemplateRepository
	Published core.PublishedPostRepository
	Locks     core.LockRepository
}

// NewRunner creates a new worker runner with the given options.
func NewRunner(opts RunnerOptions) (*Runner, error) {
	if err := validateRunnerOptions(&opts); err != nil {
		return nil, err
	}

	jobs := opts.Jobs
	if jobs == nil {
		jobs = data.NewPublishJobRepo(opts.DB)
	}

	w := opts.Worker
	if w == nil {
		w = wirePublishService(opts, jobs)
	}

	return &Runner{
		worker:       w,
		jobs:         jobs,
		workers:      opts.Concurrency,
		pollInterval: opts.PollInterval,
		rate:         opts.RatePerMinute,
		logger:       opts.Logger.With("component", "worker_runner"),
		metrics:      opts.Metrics,
	}, nil
}

// validateRunnerOptions validates and sets defaults for RunnerOptions.
func validateRunnerOptions(opts *RunnerOptions) error {
	if opts.DB == nil && (opts.Worker == nil || opts.Jobs == nil) {
		return errors.New("either DB or injected worker and jobs are required")
	}
	if opts.Publisher == nil && opts.Worker == nil {
		return errors.New("publisher is required")
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 15 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return nil
}

// wirePublishService wires up all dependencies for the publish service.
func wirePublishService(opts RunnerOptions, jobs core.PublishJobRepository) *service.PublishService {
	schedules := opts.Schedules
	if schedules == nil {
		schedules = data.NewScheduleRepo(opts.DB)
	}
	posts := opts.Posts
	if posts == nil {
		posts = data.NewPostRepo(opts.DB)
	}
	templates := opts.Templates
	if templates == nil {
		templates = data.NewTemplateRepo(opts.DB)
	}
	published := opts.Published
	if published == nil {
		published = data.NewPublishedPostRepo(opts.DB)
	}
	locks := opts.Locks
	if locks == nil && opts.Redis != nil {
		locks = data.NewRedisLockRepo(opts.Redis)
	}

	return service.NewPublishService(service.PublishServiceOptions{
		Jobs:      jobs,
		Schedules: schedules,
		Posts:     posts,
		Templates: templates,
		Published: published,
		Locks:     locks,
		Publisher: opts.Publisher,
		Config:    opts.Config,
		Logger:    opts.Logger,
		Metrics:   opts.Metrics,
	})
}

// Run starts the worker pool and processes jobs until the context is
// cancelled. The first infrastructure error cancels all workers.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.InfoContext(ctx, "starting worker runner",
		"workers", r.workers, "poll_interval", r.pollInterval, "rate_per_min", r.rate)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	notify := make(chan struct{}, 1)
	go r.notifyLoop(ctx, notify)

	pace := r.startPacer(ctx)

	var wg sync.WaitGroup
	errCh := make(chan error, 1)

	for range r.workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := r.workerLoop(ctx, notify, pace); err != nil {
				// first error wins, cancels all workers
				select {
				case errCh <- err:
					cancel()
				default:
				}
			}
		}()
	}

	wg.Wait()

	select {
	case err := <-errCh:
		return err
	default:
		if errors.Is(ctx.Err(), context.Canceled) {
			return nil
		}
		return ctx.Err()
	}
}

// notifyLoop listens on the Postgres publish channel and nudges workers.
// Listener failures degrade to the polling fallback, so errors are logged
// and retried rather than surfaced.
func (r *Runner) notifyLoop(ctx context.Context, notify chan<- struct{}) {
	for ctx.Err() == nil {
		if err := r.jobs.WaitForNotification(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			r.logger.WarnContext(ctx, "notification listener error", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		select {
		case notify <- struct{}{}:
		default:
		}
	}
}

// startPacer returns a token channel throttling publish attempts to the
// configured rate, or nil when pacing is disabled. A one-token buffer lets
// a burst of exactly one ride through after an idle stretch.
func (r *Runner) startPacer(ctx context.Context) <-chan struct{} {
	if r.rate <= 0 {
		return nil
	}
	pace := make(chan struct{}, 1)
	pace <- struct{}{}
	go func() {
		ticker := time.NewTicker(time.Minute / time.Duration(r.rate))
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				select {
				case pace <- struct{}{}:
				default:
				}
			}
		}
	}()
	return pace
}

func (r *Runner) workerLoop(ctx context.Context, notify <-chan struct{}, pace <-chan struct{}) error {
	for ctx.Err() == nil {
		if !r.waitForPace(ctx, pace) {
			return nil
		}
		worked, err := r.worker.ProcessOne(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("process job: %w", err)
		}
		if !worked {
			if !r.waitForWork(ctx, notify) {
				return nil
			}
		}
	}
	return nil
}

func (r *Runner) waitForPace(ctx context.Context, pace <-chan struct{}) bool {
	if pace == nil {
		return ctx.Err() == nil
	}
	select {
	case <-ctx.Done():
		return false
	case <-pace:
		return true
	}
}

func (r *Runner) waitForWork(ctx context.Context, notify <-chan struct{}) bool {
	timer := time.NewTimer(r.pollInterval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-notify:
		return true
	case <-timer.C:
		return true
	}
}
