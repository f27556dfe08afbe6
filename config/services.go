package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/plumefeed/plume/internal/core"
)

// ServiceMode represents the available service modes.
type ServiceMode string

const (
	// ServiceModeScheduler runs the schedule tick loop.
	ServiceModeScheduler ServiceMode = "scheduler"
	// ServiceModeWorker runs the publish worker pool.
	ServiceModeWorker ServiceMode = "worker"
	// ServiceModeSweeper runs the recovery sweeper.
	ServiceModeSweeper ServiceMode = "sweeper"
)

// ValidServiceModes returns all valid service mode names.
func ValidServiceModes() []ServiceMode {
	return []ServiceMode{
		ServiceModeScheduler,
		ServiceModeWorker,
		ServiceModeSweeper,
	}
}

// ParseServices parses a comma-delimited string of service names and returns the enabled services.
// It validates that all service names are valid and returns an error if any are invalid.
func ParseServices(servicesStr string) (map[ServiceMode]bool, error) {
	services := make(map[ServiceMode]bool)

	if servicesStr == "" {
		return services, errors.New("at least one service must be specified")
	}

	parts := strings.Split(servicesStr, ",")
	for _, part := range parts {
		serviceName := strings.TrimSpace(part)
		if serviceName == "" {
			continue
		}

		mode := ServiceMode(serviceName)
		switch mode {
		case ServiceModeScheduler, ServiceModeWorker, ServiceModeSweeper:
			services[mode] = true
		default:
			return nil, fmt.Errorf(
				"invalid service name: %q (valid options: scheduler, worker, sweeper)",
				serviceName,
			)
		}
	}

	if len(services) == 0 {
		return nil, errors.New("at least one valid service must be specified")
	}

	return services, nil
}

// SchedulerConfig contains schedule tick loop configuration.
type SchedulerConfig struct {
	// Interval is the tick interval.
	Interval time.Duration `env:"SCHEDULER_TICK_INTERVAL" envDefault:"60s"`

	// BatchSize is the number of due schedules claimed per tick.
	BatchSize int `env:"SCHEDULER_BATCH_SIZE" envDefault:"100"`

	// MaxAttempts is the attempt budget stamped on new publish jobs.
	MaxAttempts int `env:"MAX_ATTEMPTS" envDefault:"5"`

	// DedupeTTL bounds the Redis fire lock lifetime.
	DedupeTTL time.Duration `env:"SCHEDULER_DEDUPE_TTL" envDefault:"48h"`
}

// Sanitize applies guardrails to scheduler configuration values.
func (s *SchedulerConfig) Sanitize() {
	if s.Interval < time.Second {
		s.Interval = time.Second
	}
	if s.BatchSize < 1 {
		s.BatchSize = 1
	}
	if s.MaxAttempts < 1 {
		s.MaxAttempts = 1
	}
	if s.DedupeTTL < time.Minute {
		s.DedupeTTL = time.Minute
	}
}

// Core maps the env-level settings onto the service config.
func (s *SchedulerConfig) Core() core.SchedulerConfig {
	cfg := core.DefaultSchedulerConfig()
	cfg.BatchSize = s.BatchSize
	cfg.DefaultMaxAttempt = s.MaxAttempts
	cfg.DedupeTTL = s.DedupeTTL
	return cfg
}

// WorkerConfig contains publish worker pool configuration.
type WorkerConfig struct {
	// Concurrency is the number of worker goroutines.
	Concurrency int `env:"WORKER_CONCURRENCY" envDefault:"2"`

	// Lease is how long a reserved job stays claimed without a heartbeat.
	Lease time.Duration `env:"WORKER_LEASE" envDefault:"120s"`

	// JobTimeout caps one publish attempt end to end.
	JobTimeout time.Duration `env:"WORKER_JOB_TIMEOUT" envDefault:"4m"`

	// PollInterval is the fallback wakeup when no NOTIFY arrives.
	PollInterval time.Duration `env:"WORKER_POLL_INTERVAL" envDefault:"15s"`

	// RatePerMinute caps publish attempts across the pool. Zero disables
	// pacing.
	RatePerMinute int `env:"PUBLISH_RATE_PER_MIN" envDefault:"5"`

	// BackoffBase and BackoffMax bound the retry delay.
	BackoffBase time.Duration `env:"WORKER_BACKOFF_BASE" envDefault:"1m"`
	BackoffMax  time.Duration `env:"WORKER_BACKOFF_MAX"  envDefault:"1h"`
}

// Sanitize applies guardrails to worker configuration values.
func (w *WorkerConfig) Sanitize() {
	if w.Concurrency < 1 {
		w.Concurrency = 1
	}
	if w.Lease < 5*time.Second {
		w.Lease = 5 * time.Second
	}
	if w.JobTimeout < time.Second {
		w.JobTimeout = time.Second
	}
	if w.PollInterval < time.Second {
		w.PollInterval = time.Second
	}
	if w.RatePerMinute < 0 {
		w.RatePerMinute = 0
	}
	if w.BackoffBase < time.Second {
		w.BackoffBase = time.Second
	}
	if w.BackoffMax < w.BackoffBase {
		w.BackoffMax = w.BackoffBase
	}
}

// Core maps the env-level settings onto the service config.
func (w *WorkerConfig) Core() core.WorkerConfig {
	cfg := core.DefaultWorkerConfig()
	cfg.LeaseSeconds = int(w.Lease / time.Second)
	cfg.JobTimeout = w.JobTimeout
	cfg.BackoffBase = w.BackoffBase
	cfg.BackoffMax = w.BackoffMax
	return cfg
}

// SweeperConfig contains recovery sweeper configuration.
type SweeperConfig struct {
	// Interval is the sweep interval.
	Interval time.Duration `env:"SWEEPER_INTERVAL" envDefault:"5m"`

	// StaleAfter is how long a planned job may sit before the sweeper
	// assumes its enqueue transition was lost.
	StaleAfter time.Duration `env:"SWEEPER_STALE_AFTER" envDefault:"5m"`

	// Cooldown keeps replicas from sweeping back to back.
	Cooldown time.Duration `env:"SWEEPER_COOLDOWN" envDefault:"1m"`

	// BatchSize is the maximum number of rows to process per operation.
	// Batching prevents long locks and I/O spikes on large tables.
	BatchSize int `env:"SWEEPER_BATCH_SIZE" envDefault:"200"`

	// RetainSucceeded and RetainCancelled bound terminal row retention.
	RetainSucceeded time.Duration `env:"SWEEPER_RETAIN_SUCCEEDED" envDefault:"720h"` // 30 days
	RetainCancelled time.Duration `env:"SWEEPER_RETAIN_CANCELLED" envDefault:"720h"` // 30 days
}

// Sanitize applies guardrails to sweeper configuration values.
func (s *SweeperConfig) Sanitize() {
	if s.Interval < time.Minute {
		s.Interval = time.Minute
	}
	if s.StaleAfter < time.Minute {
		s.StaleAfter = time.Minute
	}
	if s.Cooldown < 0 {
		s.Cooldown = 0
	}
	if s.BatchSize < 1 {
		s.BatchSize = 1
	}
	if s.BatchSize > 10000 {
		s.BatchSize = 10000
	}
	if s.RetainSucceeded < time.Hour {
		s.RetainSucceeded = time.Hour
	}
	if s.RetainCancelled < time.Hour {
		s.RetainCancelled = time.Hour
	}
}

// Core maps the env-level settings onto the service config.
func (s *SweeperConfig) Core() core.SweeperConfig {
	return core.SweeperConfig{
		BatchSize:       s.BatchSize,
		PlannedGrace:    s.StaleAfter,
		Cooldown:        s.Cooldown,
		RetainSucceeded: s.RetainSucceeded,
		RetainCancelled: s.RetainCancelled,
	}
}
