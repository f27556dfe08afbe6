package service

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/plumefeed/plume/internal/core"
	"github.com/plumefeed/plume/internal/data"
	"github.com/plumefeed/plume/internal/domain/model"
	apperrors "github.com/plumefeed/plume/internal/errors"
	"github.com/plumefeed/plume/internal/selector"
)

// ScheduleService manages schedule lifecycle: creation with spec
// validation, enable/disable, recovery of unresolved next_run_at, and the
// immediate-publish path that bypasses the tick.
type ScheduleService struct {
	schedules    core.ScheduleRepository
	jobs         core.PublishJobRepository
	templates    core.TemplateRepository
	history      core.SelectionHistoryRepository
	resolver     core.ScheduleResolver
	tx           TxRunner
	maxAttempt   int
	timeProvider data.TimeProvider
	logger       *slog.Logger
}

// ScheduleServiceOptions holds the dependencies for NewScheduleService.
type ScheduleServiceOptions struct {
	Schedules core.ScheduleRepository
	Jobs      core.PublishJobRepository
	Templates core.TemplateRepository
	History   core.SelectionHistoryRepository
	Resolver  core.ScheduleResolver
	Tx        TxRunner
	// MaxAttempt is the attempt budget stamped on instant-publish jobs.
	MaxAttempt   int
	TimeProvider data.TimeProvider
	Logger       *slog.Logger
}

// NewScheduleService creates a ScheduleService with the given dependencies.
func NewScheduleService(opts ScheduleServiceOptions) *ScheduleService {
	if opts.TimeProvider == nil {
		opts.TimeProvider = &data.RealTimeProvider{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.MaxAttempt < 1 {
		opts.MaxAttempt = core.DefaultSchedulerConfig().DefaultMaxAttempt
	}
	return &ScheduleService{
		schedules:    opts.Schedules,
		jobs:         opts.Jobs,
		templates:    opts.Templates,
		history:      opts.History,
		resolver:     opts.Resolver,
		tx:           opts.Tx,
		maxAttempt:   opts.MaxAttempt,
		timeProvider: opts.TimeProvider,
		logger:       opts.Logger.With("component", "schedule_service"),
	}
}

// Create validates the schedule, resolves its first fire, and stores it.
// A spec that parses but would never fire again is rejected rather than
// stored dead.
func (s *ScheduleService) Create(ctx context.Context, sched *model.Schedule) (model.Schedule, error) {
	if err := sched.Validate(); err != nil {
		return model.Schedule{}, apperrors.Wrap(err, apperrors.ErrCodeValidation, "invalid schedule")
	}
	if err := s.resolver.ValidateSpec(sched); err != nil {
		return model.Schedule{}, apperrors.Wrap(err, apperrors.ErrCodeValidation, "invalid schedule spec")
	}

	now := s.timeProvider.Now().UTC()
	next, ok, err := s.resolver.Next(sched, now)
	if err != nil {
		return model.Schedule{}, apperrors.Wrap(err, apperrors.ErrCodeValidation, "unresolvable schedule spec")
	}
	if !ok {
		return model.Schedule{}, apperrors.Validation("schedule would never fire")
	}
	sched.NextRunAt = &next
	sched.Enabled = true

	created, err := s.schedules.Create(ctx, sched)
	if err != nil {
		return model.Schedule{}, err
	}
	s.logger.InfoContext(ctx, "schedule created",
		"schedule_id", created.ID, "kind", created.Kind, "next_run_at", next)
	return created, nil
}

// Get returns a schedule by id.
func (s *ScheduleService) Get(ctx context.Context, id string) (model.Schedule, error) {
	return s.schedules.GetByID(ctx, id)
}

// List returns schedules ordered by creation time.
func (s *ScheduleService) List(ctx context.Context, limit, offset int) ([]model.Schedule, error) {
	return s.schedules.List(ctx, limit, offset)
}

// SetEnabled enables or disables a schedule. Enabling re-resolves
// next_run_at from the current clock so a long-disabled schedule does not
// come back with a stale fire.
func (s *ScheduleService) SetEnabled(ctx context.Context, id string, enabled bool) error {
	if !enabled {
		return s.schedules.SetEnabled(ctx, id, false)
	}

	sched, err := s.schedules.GetByID(ctx, id)
	if err != nil {
		return err
	}
	now := s.timeProvider.Now().UTC()
	next, ok, err := s.resolver.Next(&sched, now)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeValidation, "unresolvable schedule spec")
	}
	if !ok {
		return apperrors.Validation("schedule is exhausted and cannot be re-enabled")
	}
	if err := s.schedules.SetNextRun(ctx, id, &next); err != nil {
		return err
	}
	return s.schedules.SetEnabled(ctx, id, true)
}

// InitializeSchedules resolves next_run_at for enabled schedules missing
// one, disabling those whose spec cannot produce a future fire. Run at
// startup and after bulk imports. Returns the number resolved.
func (s *ScheduleService) InitializeSchedules(ctx context.Context) (int, error) {
	const batch = 500
	missing, err := s.schedules.ListMissingNextRun(ctx, batch)
	if err != nil {
		return 0, fmt.Errorf("list schedules missing next run: %w", err)
	}

	now := s.timeProvider.Now().UTC()
	resolved := 0
	for i := range missing {
		sched := &missing[i]
		next, ok, resolveErr := s.resolver.Next(sched, now)
		if resolveErr != nil || !ok {
			s.logger.WarnContext(ctx, "disabling unresolvable schedule",
				"schedule_id", sched.ID, "error", resolveErr)
			if disableErr := s.schedules.SetEnabled(ctx, sched.ID, false); disableErr != nil {
				return resolved, fmt.Errorf("disable schedule %s: %w", sched.ID, disableErr)
			}
			continue
		}
		if setErr := s.schedules.SetNextRun(ctx, sched.ID, &next); setErr != nil {
			return resolved, fmt.Errorf("set next run for %s: %w", sched.ID, setErr)
		}
		resolved++
	}
	return resolved, nil
}

// InstantPublish materializes and enqueues a fire for the schedule at the
// current instant, bypassing the tick. The job runs through the normal
// worker flow and state machine.
func (s *ScheduleService) InstantPublish(ctx context.Context, scheduleID string) (*model.PublishJob, error) {
	sched, err := s.schedules.GetByID(ctx, scheduleID)
	if err != nil {
		return nil, err
	}

	plannedAt := s.timeProvider.Now().UTC().Truncate(time.Second)
	req := &model.CreatePublishJobRequest{
		ScheduleID: sched.ID,
		PlannedAt:  plannedAt,
		MaxAttempt: s.maxAttempt,
	}

	var hist *model.VariantSelectionHistory
	if sched.TemplateBound() {
		res, selErr := s.selectInstantVariant(ctx, &sched, plannedAt)
		if selErr != nil {
			return nil, selErr
		}
		if res.Variant == nil {
			return nil, apperrors.Validation("template has no active variants")
		}

		policy := string(sched.SelectionPolicy)
		req.VariantID = &res.Variant.ID
		req.SelectionPolicy = &policy
		req.SelectionSeed = &res.Seed
		req.SelectedAt = &plannedAt
		hist = &model.VariantSelectionHistory{
			TemplateID: *sched.TemplateID,
			VariantID:  res.Variant.ID,
			ScheduleID: sched.ID,
			PlannedAt:  plannedAt,
			SelectedAt: plannedAt,
		}
	}

	var job *model.PublishJob
	err = s.tx.WithTx(ctx, func(tx *sql.Tx) error {
		created, txErr := s.jobs.CreateInTx(ctx, tx, req)
		if txErr != nil {
			return txErr
		}
		if hist != nil {
			hist.JobID = created.ID
			if histErr := s.history.InsertTx(ctx, tx, hist); histErr != nil {
				return fmt.Errorf("record selection history: %w", histErr)
			}
		}
		if enqErr := s.jobs.MarkEnqueuedTx(ctx, tx, created.ID); enqErr != nil {
			return enqErr
		}
		job = created
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "instant publish enqueued", "schedule_id", sched.ID, "job_id", job.ID)
	return job, nil
}

// CancelJob cancels a planned or enqueued job.
func (s *ScheduleService) CancelJob(ctx context.Context, jobID string) error {
	return s.jobs.Cancel(ctx, jobID)
}

func (s *ScheduleService) selectInstantVariant(
	ctx context.Context,
	sched *model.Schedule,
	plannedAt time.Time,
) (selector.Result, error) {
	pool, err := s.templates.ListActiveVariants(ctx, *sched.TemplateID)
	if err != nil {
		return selector.Result{}, fmt.Errorf("list active variants: %w", err)
	}

	var recent []string
	if sched.NoRepeatWindow > 0 {
		recent, err = s.history.RecentVariantIDs(ctx, data.RecentVariantParams{
			TemplateID: *sched.TemplateID,
			ScheduleID: sched.ID,
			Scope:      sched.NoRepeatScope,
			Window:     sched.NoRepeatWindow,
			PlannedAt:  plannedAt,
		})
		if err != nil {
			return selector.Result{}, fmt.Errorf("load recent selections: %w", err)
		}
	}

	res, err := selector.Select(selector.Input{Schedule: sched, Pool: pool, Recent: recent}, plannedAt)
	if err != nil {
		return selector.Result{}, fmt.Errorf("select variant: %w", err)
	}
	return res, nil
}
