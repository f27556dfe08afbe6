// Package core defines the ports of the plume publishing pipeline: the
// repository interfaces the services consume, the publisher contract, and
// the shared service configuration. Implementations live in internal/data
// and internal/adapters.
package core

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/plumefeed/plume/internal/data"
	"github.com/plumefeed/plume/internal/domain/model"
)

// ScheduleRepository manages schedule rows and the tick-side claims.
type ScheduleRepository interface {
	Create(ctx context.Context, s *model.Schedule) (model.Schedule, error)
	GetByID(ctx context.Context, id string) (model.Schedule, error)
	List(ctx context.Context, limit, offset int) ([]model.Schedule, error)

	// FindDueTx claims due, enabled schedules inside tx using
	// FOR UPDATE SKIP LOCKED. Claimed rows stay locked until tx ends.
	FindDueTx(ctx context.Context, tx *sql.Tx, p data.FindDueParams) ([]model.Schedule, error)

	// UpdateAfterFireTx advances a schedule past one fire: last_run_at,
	// next_run_at (nil when exhausted), optional disable, optional
	// round-robin cursor.
	UpdateAfterFireTx(ctx context.Context, tx *sql.Tx, p data.AfterFireParams) error

	SetNextRun(ctx context.Context, id string, next *time.Time) error
	SetEnabled(ctx context.Context, id string, enabled bool) error

	// ListMissingNextRun returns enabled schedules whose next_run_at was
	// never resolved, e.g. after an import or a resolver bug.
	ListMissingNextRun(ctx context.Context, limit int) ([]model.Schedule, error)

	// DisableByPostTx disables every schedule bound to postID and returns
	// the affected schedule ids.
	DisableByPostTx(ctx context.Context, tx *sql.Tx, postID string) ([]string, error)

	// TryWithTickLock runs fn inside a transaction holding the named
	// advisory lock. Returns false without running fn when another
	// session holds the lock.
	TryWithTickLock(ctx context.Context, name string, fn func(context.Context, *sql.Tx) error) (bool, error)

	// CountOverdue counts enabled schedules whose next_run_at is more
	// than grace in the past, i.e. fires the tick is failing to take.
	CountOverdue(ctx context.Context, grace time.Duration) (int, error)
}

// PublishJobRepository manages publish job rows across the full lifecycle.
type PublishJobRepository interface {
	// CreateInTx inserts a job in state planned. A second insert for the
	// same fire returns data.ErrDuplicateFire, which callers treat as
	// success.
	CreateInTx(ctx context.Context, tx *sql.Tx, req *model.CreatePublishJobRequest) (*model.PublishJob, error)

	// MarkEnqueuedTx moves planned -> enqueued and notifies waiting
	// workers.
	MarkEnqueuedTx(ctx context.Context, tx *sql.Tx, id string) error

	// ReserveNext claims the next ready job (enqueued or retryable
	// failed, next_attempt_at <= now), moving it to running with a fresh
	// lease and attempt+1. Returns model.ErrNoJobsAvailable when nothing
	// is ready.
	ReserveNext(ctx context.Context, leaseSeconds int) (*model.PublishJob, error)

	// Heartbeat extends the lease of a running job. Returns false when
	// the job is no longer running.
	Heartbeat(ctx context.Context, jobID string, leaseSeconds int) (bool, error)

	// Complete moves running -> succeeded. Returns false when the job
	// was not running.
	Complete(ctx context.Context, id string) (bool, error)

	// Fail records a failed attempt and returns the resulting state:
	// failed when retry budget remains, dead_letter otherwise.
	Fail(ctx context.Context, p data.FailParams) (model.JobStatus, error)

	// Cancel moves a planned or enqueued job to cancelled; any other
	// state is an invalid transition.
	Cancel(ctx context.Context, id string) error

	// CancelByScheduleTx cancels every non-started job of the given
	// schedules and returns the number cancelled.
	CancelByScheduleTx(ctx context.Context, tx *sql.Tx, scheduleIDs []string) (int64, error)

	GetByID(ctx context.Context, id string) (*model.PublishJob, error)
	GetByDedupeKey(ctx context.Context, key string) (*model.PublishJob, error)
	ListBySchedule(ctx context.Context, scheduleID string, limit int) ([]model.PublishJob, error)

	// ListPlannedBetween returns planned and enqueued jobs with
	// planned_at in [from, to).
	ListPlannedBetween(ctx context.Context, from, to time.Time) ([]model.PublishJob, error)

	// RequeueExpired re-fails running jobs whose lease expired, dead-
	// lettering those with no attempt budget left.
	RequeueExpired(ctx context.Context, batchSize int) (int64, error)

	// PromoteStalePlanned enqueues planned jobs older than grace whose
	// enqueue-side transition never landed.
	PromoteStalePlanned(ctx context.Context, grace time.Duration, batchSize int) (int64, error)

	// DeleteOldTerminal prunes terminal jobs older than the retention
	// cutoff.
	DeleteOldTerminal(ctx context.Context, params data.DeleteOldTerminalParams) (int64, error)

	Stats(ctx context.Context) (*model.JobStats, error)

	// CountStuckRunning counts running jobs started more than olderThan
	// ago, a signal that workers are wedged or crashing.
	CountStuckRunning(ctx context.Context, olderThan time.Duration) (int, error)

	// WaitForNotification blocks until a job-added notification arrives
	// or ctx is done.
	WaitForNotification(ctx context.Context) error
}

// PostRepository manages fixed posts.
type PostRepository interface {
	Create(ctx context.Context, p *model.Post) (model.Post, error)
	GetByID(ctx context.Context, id string) (model.Post, error)
	List(ctx context.Context, includeDeleted bool, limit, offset int) ([]model.Post, error)
	UpdateText(ctx context.Context, id, text string) error
	SoftDeleteTx(ctx context.Context, tx *sql.Tx, id string) error
}

// TemplateRepository manages templates and their variant pools.
type TemplateRepository interface {
	CreateTemplate(ctx context.Context, t *model.PostTemplate) (model.PostTemplate, error)
	GetTemplate(ctx context.Context, id string) (model.PostTemplate, error)
	ListTemplates(ctx context.Context, limit, offset int) ([]model.PostTemplate, error)
	SetTemplateActive(ctx context.Context, id string, active bool) error

	CreateVariant(ctx context.Context, v *model.PostVariant) (model.PostVariant, error)
	GetVariant(ctx context.Context, id string) (model.PostVariant, error)
	ListVariants(ctx context.Context, templateID string, includeInactive bool) ([]model.PostVariant, error)
	// ListActiveVariants returns the selectable pool in id order.
	ListActiveVariants(ctx context.Context, templateID string) ([]model.PostVariant, error)
	SetVariantActive(ctx context.Context, id string, active bool) error
}

// SelectionHistoryRepository appends and reads variant selection records.
type SelectionHistoryRepository interface {
	InsertTx(ctx context.Context, tx *sql.Tx, h *model.VariantSelectionHistory) error
	RecentVariantIDsTx(ctx context.Context, tx *sql.Tx, p data.RecentVariantParams) ([]string, error)
	RecentVariantIDs(ctx context.Context, p data.RecentVariantParams) ([]string, error)
}

// PublishedPostRepository records successful publishes.
type PublishedPostRepository interface {
	// Record inserts a published post, reusing the existing row when the
	// external id was already recorded.
	Record(ctx context.Context, p *model.PublishedPost) (model.PublishedPost, error)
	GetByExternalID(ctx context.Context, externalID string) (model.PublishedPost, error)
	RecentTexts(ctx context.Context, limit int) ([]string, error)
	ListRecent(ctx context.Context, limit int) ([]model.PublishedPost, error)
}

// LockRepository provides best-effort cross-process locks (Redis SET NX).
// Correctness never depends on these; the database constraints are the
// backstop.
type LockRepository interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string) (bool, error)
	Exists(ctx context.Context, key string) (bool, error)
	Health(ctx context.Context) error
}

// ScheduleResolver computes fire instants from schedule specs.
type ScheduleResolver interface {
	// Next returns the next fire instant strictly after the schedule's
	// reference point. ok=false with a nil error means exhausted; an
	// error means the spec is uninterpretable. Either way the caller
	// disables the schedule.
	Next(sched *model.Schedule, now time.Time) (next time.Time, ok bool, err error)
	ValidateSpec(sched *model.Schedule) error
}

// PublishRequest is the content handed to a Publisher.
type PublishRequest struct {
	Text      string
	MediaRefs []string
	// IdempotencyKey identifies the fire; publishers may use it to
	// suppress duplicate submissions.
	IdempotencyKey string
}

// PublishReceipt identifies the externally created post.
type PublishReceipt struct {
	ExternalID  string
	URL         string
	PublishedAt time.Time
}

// Publisher submits content to the external service.
type Publisher interface {
	Publish(ctx context.Context, req PublishRequest) (*PublishReceipt, error)
}

// EngagementMetrics is a point-in-time engagement snapshot for one
// externally published post.
type EngagementMetrics struct {
	ExternalID  string
	Likes       int
	Reposts     int
	Replies     int
	Impressions int
	FetchedAt   time.Time
}

// MetricsFetcher reads engagement numbers back from the external service.
// Publishers implement it when the platform exposes public metrics.
type MetricsFetcher interface {
	GetMetrics(ctx context.Context, externalIDs []string) ([]EngagementMetrics, error)
}

// PublishError is a classified publisher failure. Permanent failures
// dead-letter the job immediately; transient ones are retried.
type PublishError struct {
	StatusCode int
	Message    string
	Permanent  bool
}

func (e *PublishError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("publish failed (%d): %s", e.StatusCode, e.Message)
	}
	return "publish failed: " + e.Message
}

// IsPermanentPublishError reports whether err carries a permanent publish
// failure.
func IsPermanentPublishError(err error) bool {
	var pe *PublishError
	return errors.As(err, &pe) && pe.Permanent
}
