package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/plumefeed/plume/internal/core"
	"github.com/plumefeed/plume/internal/data"
	"github.com/plumefeed/plume/internal/domain/model"
	"github.com/plumefeed/plume/internal/observability/statsd"
)

// sweepLockKey guards one sweep cycle across replicas.
const sweepLockKey = "sweep:publish_jobs"

// SweeperService implements core.RecoverySweeper. It repairs jobs stranded
// by crashes (expired leases, lost enqueue transitions) and prunes old
// terminal rows. Every mutation is advisory-locked and batched in the
// repository, so overlapping sweeps are safe; the Redis cooldown just keeps
// replicas from doing the same scans back to back.
type SweeperService struct {
	jobs    core.PublishJobRepository
	locks   core.LockRepository // optional
	cfg     core.SweeperConfig
	logger  *slog.Logger
	metrics statsd.Sink // optional
}

// SweeperServiceOptions holds the dependencies for NewSweeperService.
type SweeperServiceOptions struct {
	Jobs    core.PublishJobRepository
	Locks   core.LockRepository
	Config  *core.SweeperConfig
	Logger  *slog.Logger
	Metrics statsd.Sink
}

// NewSweeperService creates a SweeperService with the given dependencies.
func NewSweeperService(opts SweeperServiceOptions) *SweeperService {
	if opts.Config == nil {
		defaultCfg := core.DefaultSweeperConfig()
		opts.Config = &defaultCfg
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	return &SweeperService{
		jobs:    opts.Jobs,
		locks:   opts.Locks,
		cfg:     *opts.Config,
		logger:  opts.Logger.With("component", "sweeper"),
		metrics: opts.Metrics,
	}
}

// Sweep runs one recovery cycle. Returns what it changed; a skipped report
// means another replica swept recently.
func (s *SweeperService) Sweep(ctx context.Context) (core.SweepReport, error) {
	var report core.SweepReport

	if !s.acquireCooldown(ctx) {
		report.Skipped = true
		return report, nil
	}

	requeued, err := s.drain(ctx, func(ctx context.Context) (int64, error) {
		return s.jobs.RequeueExpired(ctx, s.cfg.BatchSize)
	})
	if err != nil {
		return report, fmt.Errorf("requeue expired leases: %w", err)
	}
	report.Requeued = requeued

	promoted, err := s.drain(ctx, func(ctx context.Context) (int64, error) {
		return s.jobs.PromoteStalePlanned(ctx, s.cfg.PlannedGrace, s.cfg.BatchSize)
	})
	if err != nil {
		return report, fmt.Errorf("promote stale planned: %w", err)
	}
	report.Promoted = promoted

	deleted, err := s.pruneTerminal(ctx)
	if err != nil {
		return report, err
	}
	report.Deleted = deleted

	if report.Requeued > 0 || report.Promoted > 0 || report.Deleted > 0 {
		s.logger.InfoContext(ctx, "sweep finished",
			"requeued", report.Requeued,
			"promoted", report.Promoted,
			"deleted", report.Deleted,
		)
	}
	s.emit(report)
	return report, nil
}

// drain calls fn until a scan changes nothing, so a backlog larger than one
// batch is cleared in a single sweep.
func (s *SweeperService) drain(ctx context.Context, fn func(context.Context) (int64, error)) (int64, error) {
	var total int64
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		n, err := fn(ctx)
		if err != nil {
			return total, err
		}
		total += n
		if n == 0 {
			return total, nil
		}
	}
}

func (s *SweeperService) pruneTerminal(ctx context.Context) (int64, error) {
	var deleted int64
	retention := []struct {
		status model.JobStatus
		maxAge time.Duration
	}{
		{model.JobStatusSucceeded, s.cfg.RetainSucceeded},
		{model.JobStatusCancelled, s.cfg.RetainCancelled},
	}
	for _, r := range retention {
		if r.maxAge <= 0 {
			continue
		}
		n, err := s.drain(ctx, func(ctx context.Context) (int64, error) {
			return s.jobs.DeleteOldTerminal(ctx, data.DeleteOldTerminalParams{
				Status:    r.status,
				MaxAge:    r.maxAge,
				BatchSize: s.cfg.BatchSize,
			})
		})
		if err != nil {
			return deleted, fmt.Errorf("prune %s jobs: %w", r.status, err)
		}
		deleted += n
	}
	return deleted, nil
}

// acquireCooldown takes the best-effort cross-replica cooldown lock.
// Redis being down means sweeping without cooldown, never not sweeping.
func (s *SweeperService) acquireCooldown(ctx context.Context) bool {
	if s.locks == nil || s.cfg.Cooldown <= 0 {
		return true
	}
	ok, err := s.locks.Acquire(ctx, sweepLockKey, s.cfg.Cooldown)
	if err != nil {
		s.logger.WarnContext(ctx, "sweep cooldown lock unavailable", "error", err)
		return true
	}
	return ok
}

func (s *SweeperService) emit(report core.SweepReport) {
	if s.metrics == nil {
		return
	}
	s.metrics.Count("sweep.requeued", report.Requeued, nil)
	s.metrics.Count("sweep.promoted", report.Promoted, nil)
	s.metrics.Count("sweep.deleted", report.Deleted, nil)
}
