package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/plumefeed/plume/internal/core"
	"github.com/plumefeed/plume/internal/domain/model"
	"github.com/plumefeed/plume/internal/observability/statsd"
)

// HealthReport summarizes pipeline liveness for operators.
type HealthReport struct {
	// OverdueSchedules counts enabled schedules the tick has failed to
	// fire past the grace period.
	OverdueSchedules int `json:"overdue_schedules"`
	// StuckRunning counts running jobs that exceeded the stuck threshold.
	StuckRunning int            `json:"stuck_running"`
	Jobs         model.JobStats `json:"jobs"`
	RedisOK      bool           `json:"redis_ok"`
}

// Healthy reports whether nothing needs operator attention.
func (r HealthReport) Healthy() bool {
	return r.OverdueSchedules == 0 && r.StuckRunning == 0 && r.RedisOK
}

// HealthConfig holds health check thresholds.
type HealthConfig struct {
	OverdueGrace   time.Duration
	StuckThreshold time.Duration
}

// DefaultHealthConfig returns the production thresholds.
func DefaultHealthConfig() HealthConfig {
	return HealthConfig{
		OverdueGrace:   5 * time.Minute,
		StuckThreshold: 10 * time.Minute,
	}
}

// HealthService inspects the pipeline for stalls: overdue schedules,
// wedged running jobs, and the dead-letter backlog.
type HealthService struct {
	schedules core.ScheduleRepository
	jobs      core.PublishJobRepository
	locks     core.LockRepository // optional
	cfg       HealthConfig
	logger    *slog.Logger
	metrics   statsd.Sink // optional
}

// HealthServiceOptions holds the dependencies for NewHealthService.
type HealthServiceOptions struct {
	Schedules core.ScheduleRepository
	Jobs      core.PublishJobRepository
	Locks     core.LockRepository
	Config    *HealthConfig
	Logger    *slog.Logger
	Metrics   statsd.Sink
}

// NewHealthService creates a HealthService with the given dependencies.
func NewHealthService(opts HealthServiceOptions) *HealthService {
	if opts.Config == nil {
		defaultCfg := DefaultHealthConfig()
		opts.Config = &defaultCfg
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &HealthService{
		schedules: opts.Schedules,
		jobs:      opts.Jobs,
		locks:     opts.Locks,
		cfg:       *opts.Config,
		logger:    opts.Logger.With("component", "health_service"),
		metrics:   opts.Metrics,
	}
}

// Check gathers the report and emits gauges for it.
func (s *HealthService) Check(ctx context.Context) (HealthReport, error) {
	var report HealthReport

	overdue, err := s.schedules.CountOverdue(ctx, s.cfg.OverdueGrace)
	if err != nil {
		return report, fmt.Errorf("count overdue schedules: %w", err)
	}
	report.OverdueSchedules = overdue

	stuck, err := s.jobs.CountStuckRunning(ctx, s.cfg.StuckThreshold)
	if err != nil {
		return report, fmt.Errorf("count stuck running jobs: %w", err)
	}
	report.StuckRunning = stuck

	stats, err := s.jobs.Stats(ctx)
	if err != nil {
		return report, fmt.Errorf("get job stats: %w", err)
	}
	report.Jobs = *stats

	report.RedisOK = true
	if s.locks != nil {
		if pingErr := s.locks.Health(ctx); pingErr != nil {
			s.logger.WarnContext(ctx, "redis unavailable", "error", pingErr)
			report.RedisOK = false
		}
	}

	if !report.Healthy() {
		s.logger.WarnContext(ctx, "pipeline needs attention",
			"overdue_schedules", report.OverdueSchedules,
			"stuck_running", report.StuckRunning,
			"dead_letter", report.Jobs.DeadLetter,
			"redis_ok", report.RedisOK,
		)
	}
	s.emit(report)
	return report, nil
}

func (s *HealthService) emit(report HealthReport) {
	if s.metrics == nil {
		return
	}
	s.metrics.Gauge("health.overdue_schedules", float64(report.OverdueSchedules), nil)
	s.metrics.Gauge("health.stuck_running", float64(report.StuckRunning), nil)
	s.metrics.Gauge("jobs.dead_letter", float64(report.Jobs.DeadLetter), nil)
	s.metrics.Gauge("jobs.failed", float64(report.Jobs.Failed), nil)
	s.metrics.Gauge("jobs.enqueued", float64(report.Jobs.Enqueued), nil)
}
