package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/plumefeed/plume/internal/core"
	"github.com/plumefeed/plume/internal/data"
	"github.com/plumefeed/plume/internal/domain/model"
	apperrors "github.com/plumefeed/plume/internal/errors"
	"github.com/plumefeed/plume/internal/observability/metrics"
	"github.com/plumefeed/plume/internal/observability/statsd"
	"github.com/plumefeed/plume/internal/selector"
)

// PublishService implements core.PublishWorker: it claims ready jobs,
// resolves their content, submits it to the publisher, and records the
// outcome on the job row. Job-level failures never bubble out of
// ProcessOne; they are persisted as failed or dead_letter transitions.
type PublishService struct {
	jobs         core.PublishJobRepository
	schedules    core.ScheduleRepository
	posts        core.PostRepository
	templates    core.TemplateRepository
	published    core.PublishedPostRepository
	locks        core.LockRepository // optional
	publisher    core.Publisher
	cfg          core.WorkerConfig
	timeProvider data.TimeProvider
	logger       *slog.Logger
	metrics      statsd.Sink // optional
}

// PublishServiceOptions holds the dependencies for NewPublishService.
type PublishServiceOptions struct {
	Jobs         core.PublishJobRepository
	Schedules    core.ScheduleRepository
	Posts        core.PostRepository
	Templates    core.TemplateRepository
	Published    core.PublishedPostRepository
	Locks        core.LockRepository
	Publisher    core.Publisher
	Config       *core.WorkerConfig
	TimeProvider data.TimeProvider
	Logger       *slog.Logger
	Metrics      statsd.Sink
}

// NewPublishService creates a PublishService with the given dependencies.
func NewPublishService(opts PublishServiceOptions) *PublishService {
	if opts.TimeProvider == nil {
		opts.TimeProvider = &data.RealTimeProvider{}
	}
	if opts.Config == nil {
		defaultCfg := core.DefaultWorkerConfig()
		opts.Config = &defaultCfg
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	return &PublishService{
		jobs:         opts.Jobs,
		schedules:    opts.Schedules,
		posts:        opts.Posts,
		templates:    opts.Templates,
		published:    opts.Published,
		locks:        opts.Locks,
		publisher:    opts.Publisher,
		cfg:          *opts.Config,
		timeProvider: opts.TimeProvider,
		logger:       opts.Logger.With("component", "publish_worker"),
		metrics:      opts.Metrics,
	}
}

// ProcessOne reserves and executes the next ready job. Returns worked=false
// when nothing was ready. The returned error covers reservation only;
// publish failures are recorded on the job.
func (s *PublishService) ProcessOne(ctx context.Context) (bool, error) {
	job, err := s.jobs.ReserveNext(ctx, s.cfg.LeaseSeconds)
	if err != nil {
		if errors.Is(err, model.ErrNoJobsAvailable) {
			return false, nil
		}
		return false, fmt.Errorf("reserve publish job: %w", err)
	}

	s.processJob(ctx, job)
	return true, nil
}

// publishContent is the resolved text and media for one job.
type publishContent struct {
	Text      string
	MediaRefs []string
	PostID    *string
	VariantID *string
}

func (s *PublishService) processJob(ctx context.Context, job *model.PublishJob) {
	start := s.timeProvider.Now()
	logger := s.logger.With("job_id", job.ID, "schedule_id", job.ScheduleID, "attempt", job.Attempt)

	if s.cfg.JobTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.JobTimeout)
		defer cancel()
	}
	defer s.releaseFireLock(ctx, job)

	// An attempt may legitimately run longer than one lease (slow publisher,
	// rate pacing). Keep extending the lease so the sweeper does not hand the
	// job to a second worker mid-flight.
	stopHeartbeat := s.startHeartbeat(ctx, job.ID)
	defer stopHeartbeat()

	content, err := s.resolveContent(ctx, job)
	if err == nil {
		err = s.checkSafety(ctx, content.Text)
	}

	var receipt *core.PublishReceipt
	if err == nil {
		receipt, err = s.publisher.Publish(ctx, core.PublishRequest{
			Text:           content.Text,
			MediaRefs:      content.MediaRefs,
			IdempotencyKey: job.DedupeKey,
		})
	}
	if err == nil {
		err = s.recordSuccess(ctx, content, receipt)
	}

	if err != nil {
		s.failJob(ctx, logger, job, err)
		s.emit("failed", metrics.ResultError, s.timeProvider.Now().Sub(start), err)
		return
	}

	completed, err := s.jobs.Complete(ctx, job.ID)
	if err != nil {
		logger.ErrorContext(ctx, "complete transition failed", "error", err)
		return
	}
	if !completed {
		logger.WarnContext(ctx, "job no longer running at completion")
		return
	}
	logger.InfoContext(ctx, "published", "external_id", receipt.ExternalID)
	s.emit("succeeded", metrics.ResultSuccess, s.timeProvider.Now().Sub(start), nil)
}

// resolveContent loads the text to publish: the snapshotted variant for
// template-bound fires, otherwise the schedule's fixed post. Missing or
// deleted content is a permanent failure.
func (s *PublishService) resolveContent(ctx context.Context, job *model.PublishJob) (publishContent, error) {
	if job.VariantID != nil {
		v, err := s.templates.GetVariant(ctx, *job.VariantID)
		if err != nil {
			return publishContent{}, fmt.Errorf("load variant %s: %w", *job.VariantID, err)
		}
		return publishContent{Text: v.Text, MediaRefs: v.MediaRefs, VariantID: &v.ID}, nil
	}

	sched, err := s.schedules.GetByID(ctx, job.ScheduleID)
	if err != nil {
		return publishContent{}, fmt.Errorf("load schedule: %w", err)
	}
	if sched.PostID == nil || *sched.PostID == "" {
		return publishContent{}, apperrors.Validationf("schedule %s has no content bound", sched.ID)
	}
	post, err := s.posts.GetByID(ctx, *sched.PostID)
	if err != nil {
		return publishContent{}, fmt.Errorf("load post: %w", err)
	}
	if post.Deleted {
		return publishContent{}, apperrors.Validationf("post %s is deleted", post.ID)
	}
	return publishContent{Text: post.Text, MediaRefs: post.MediaRefs, PostID: &post.ID}, nil
}

// checkSafety runs the content safety gate against recent publishes.
// A rejection is permanent: retrying the same text cannot pass.
func (s *PublishService) checkSafety(ctx context.Context, text string) error {
	recent, err := s.published.RecentTexts(ctx, s.cfg.RecentTextLookback)
	if err != nil {
		return fmt.Errorf("load recent texts: %w", err)
	}
	if err := selector.CheckContentSafety(text, recent); err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeValidation, "content safety rejected")
	}
	return nil
}

// recordSuccess persists the PublishedPost row. The repository reuses an
// existing row for the same external id, so a retried job that already
// published lands here idempotently.
func (s *PublishService) recordSuccess(
	ctx context.Context,
	content publishContent,
	receipt *core.PublishReceipt,
) error {
	_, err := s.published.Record(ctx, &model.PublishedPost{
		PostID:      content.PostID,
		VariantID:   content.VariantID,
		ExternalID:  receipt.ExternalID,
		URL:         receipt.URL,
		Text:        content.Text,
		PublishedAt: receipt.PublishedAt,
	})
	if err != nil {
		return fmt.Errorf("record published post: %w", err)
	}
	return nil
}

// failJob records a failed attempt. Permanent failures (publisher 4xx,
// missing or unsafe content) dead-letter immediately; transient ones get an
// exponential backoff eta.
func (s *PublishService) failJob(ctx context.Context, logger *slog.Logger, job *model.PublishJob, cause error) {
	permanent := core.IsPermanentPublishError(cause) ||
		apperrors.IsValidation(cause) ||
		apperrors.IsNotFound(cause)

	next := s.timeProvider.Now().UTC().Add(BackoffDelay(s.cfg, job.Attempt))
	status, err := s.jobs.Fail(ctx, data.FailParams{
		ID:            job.ID,
		ErrMsg:        cause.Error(),
		NextAttemptAt: next,
		Permanent:     permanent,
	})
	if err != nil {
		logger.ErrorContext(ctx, "fail transition failed", "error", err, "cause", cause)
		return
	}
	if status == model.JobStatusDeadLetter {
		logger.WarnContext(ctx, "job dead-lettered", "cause", cause, "permanent", permanent)
		return
	}
	logger.InfoContext(ctx, "job failed, will retry", "cause", cause, "next_attempt_at", next)
}

// startHeartbeat starts a background ticker that extends the job lease while
// the attempt is in flight. It returns a stop function to end the heartbeat.
func (s *PublishService) startHeartbeat(ctx context.Context, jobID string) func() {
	interval := time.Duration(s.cfg.LeaseSeconds) * time.Second / 2
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	done := make(chan struct{})
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if ok, err := s.jobs.Heartbeat(ctx, jobID, s.cfg.LeaseSeconds); err != nil {
					s.logger.ErrorContext(ctx, "heartbeat failed", "job_id", jobID, "error", err)
				} else if !ok {
					s.logger.WarnContext(ctx, "heartbeat not applied (job may be lost)", "job_id", jobID)
				}
			case <-done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
	return func() { close(done) }
}

func (s *PublishService) releaseFireLock(ctx context.Context, job *model.PublishJob) {
	if s.locks == nil {
		return
	}
	if _, err := s.locks.Release(ctx, FireLockKey(job.ScheduleID, job.PlannedAt)); err != nil {
		s.logger.WarnContext(ctx, "release fire lock failed", "job_id", job.ID, "error", err)
	}
}

func (s *PublishService) emit(transition, result string, d time.Duration, err error) {
	metrics.EmitJobLifecycle(s.metrics, metrics.JobMetric{
		JobType:    "publish",
		Transition: transition,
		Result:     result,
		Duration:   d,
		Err:        err,
	})
}

// BackoffDelay computes the retry delay after the given attempt:
// base * 2^(attempt-1), capped at max, with +/- jitter applied last.
func BackoffDelay(cfg core.WorkerConfig, attempt int) time.Duration {
	base := cfg.BackoffBase
	if base <= 0 {
		base = time.Minute
	}
	if attempt < 1 {
		attempt = 1
	}
	shift := attempt - 1
	if shift > 20 {
		shift = 20
	}

	d := base << shift
	if cfg.BackoffMax > 0 && d > cfg.BackoffMax {
		d = cfg.BackoffMax
	}
	if cfg.BackoffJitter > 0 {
		span := float64(d) * cfg.BackoffJitter
		d = time.Duration(float64(d) - span + rand.Float64()*2*span) //nolint:gosec // jitter, not crypto
	}
	return d
}
