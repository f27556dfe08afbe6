package core

import (
	"context"
	"time"
)

// JobScheduler materializes due schedule fires into publish jobs.
type JobScheduler interface {
	// Tick processes one batch of due schedules and returns the number
	// fired. Safe under concurrent replicas: an advisory lock keeps
	// batches from overlapping and row claims are skip-locked.
	Tick(ctx context.Context, now time.Time) (int, error)
}

// PublishWorker executes one publish job at a time.
type PublishWorker interface {
	// ProcessOne reserves and executes the next ready job. Returns
	// worked=false when no job was ready. Job-level publish failures are
	// recorded on the job, not returned.
	ProcessOne(ctx context.Context) (worked bool, err error)
}

// RecoverySweeper repairs jobs stranded by crashes and prunes old rows.
type RecoverySweeper interface {
	Sweep(ctx context.Context) (SweepReport, error)
}

// SweepReport counts what one sweep changed.
type SweepReport struct {
	Requeued int64 `json:"requeued"`
	Promoted int64 `json:"promoted"`
	Deleted  int64 `json:"deleted"`
	Skipped  bool  `json:"skipped"`
}

// SchedulerConfig holds tick tuning.
type SchedulerConfig struct {
	// BatchSize bounds how many due schedules one tick claims.
	BatchSize int
	// TickLockName names the advisory lock serializing tick batches.
	TickLockName string
	// DefaultMaxAttempt is the attempt budget stamped on new jobs.
	DefaultMaxAttempt int
	// DedupeTTL bounds the Redis fire lock. Generous on purpose: the
	// database unique constraints are the real duplicate guard.
	DedupeTTL time.Duration
}

// DefaultSchedulerConfig returns the production tick defaults.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		BatchSize:         100,
		TickLockName:      "publish_tick",
		DefaultMaxAttempt: 5,
		DedupeTTL:         48 * time.Hour,
	}
}

// WorkerConfig holds publish worker tuning.
type WorkerConfig struct {
	// LeaseSeconds is how long a claim stays valid without a heartbeat.
	LeaseSeconds int
	// JobTimeout caps one publish attempt end to end.
	JobTimeout time.Duration
	// BackoffBase and BackoffMax bound the retry delay: base doubled per
	// attempt, capped at max.
	BackoffBase time.Duration
	BackoffMax  time.Duration
	// BackoffJitter is the +/- fraction applied to the delay (0 to 1).
	BackoffJitter float64
	// RecentTextLookback is how many recent publishes the content safety
	// check compares against.
	RecentTextLookback int
}

// DefaultWorkerConfig returns the production worker defaults.
func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		LeaseSeconds:       120,
		JobTimeout:         4 * time.Minute,
		BackoffBase:        time.Minute,
		BackoffMax:         time.Hour,
		BackoffJitter:      0.2,
		RecentTextLookback: 20,
	}
}

// SweeperConfig holds recovery sweeper tuning.
type SweeperConfig struct {
	BatchSize int
	// PlannedGrace is how long a planned job may sit before the sweeper
	// assumes its enqueue transition was lost and promotes it.
	PlannedGrace time.Duration
	// Cooldown is the Redis lock TTL keeping replicas from sweeping
	// back to back.
	Cooldown time.Duration
	// RetainSucceeded and RetainCancelled bound terminal row retention.
	// Dead-lettered jobs are kept until an operator deletes them.
	RetainSucceeded time.Duration
	RetainCancelled time.Duration
}

// DefaultSweeperConfig returns the production sweeper defaults.
func DefaultSweeperConfig() SweeperConfig {
	return SweeperConfig{
		BatchSize:       200,
		PlannedGrace:    5 * time.Minute,
		Cooldown:        time.Minute,
		RetainSucceeded: 30 * 24 * time.Hour,
		RetainCancelled: 30 * 24 * time.Hour,
	}
}
