// Package service provides the business logic of the plume publishing
// pipeline: the scheduler tick, the publish worker flow, the recovery
// sweeper, and the content management operations.
package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/plumefeed/plume/internal/core"
	"github.com/plumefeed/plume/internal/data"
	"github.com/plumefeed/plume/internal/domain/model"
	"github.com/plumefeed/plume/internal/selector"
)

// SchedulerService implements core.JobScheduler. One Tick claims a batch of
// due schedules under an advisory lock, materializes each fire as a publish
// job, and advances the schedule, all in a single transaction.
type SchedulerService struct {
	schedules    core.ScheduleRepository
	jobs         core.PublishJobRepository
	templates    core.TemplateRepository
	history      core.SelectionHistoryRepository
	locks        core.LockRepository // optional
	resolver     core.ScheduleResolver
	cfg          core.SchedulerConfig
	timeProvider data.TimeProvider
	logger       *slog.Logger
}

// SchedulerServiceOptions holds the dependencies for NewSchedulerService.
type SchedulerServiceOptions struct {
	Schedules core.ScheduleRepository
	Jobs      core.PublishJobRepository
	Templates core.TemplateRepository
	History   core.SelectionHistoryRepository
	// Locks is optional; without it the tick skips the best-effort Redis
	// fire lock and relies on the database constraints alone.
	Locks        core.LockRepository
	Resolver     core.ScheduleResolver
	Config       *core.SchedulerConfig
	TimeProvider data.TimeProvider
	Logger       *slog.Logger
}

// NewSchedulerService creates a SchedulerService with the given dependencies.
func NewSchedulerService(opts SchedulerServiceOptions) *SchedulerService {
	if opts.TimeProvider == nil {
		opts.TimeProvider = &data.RealTimeProvider{}
	}
	if opts.Config == nil {
		defaultCfg := core.DefaultSchedulerConfig()
		opts.Config = &defaultCfg
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	return &SchedulerService{
		schedules:    opts.Schedules,
		jobs:         opts.Jobs,
		templates:    opts.Templates,
		history:      opts.History,
		locks:        opts.Locks,
		resolver:     opts.Resolver,
		cfg:          *opts.Config,
		timeProvider: opts.TimeProvider,
		logger:       opts.Logger.With("component", "scheduler"),
	}
}

// Tick processes due schedules and returns the number of fires taken.
//
// Concurrency safety:
//   - the advisory tick lock keeps replica batches from overlapping
//   - FindDueTx uses FOR UPDATE SKIP LOCKED, so rows remain the authority
//     even if two ticks ever run concurrently
//   - UNIQUE (schedule_id, planned_at) makes a duplicate fire an aborted
//     transaction rather than a duplicate job.
func (s *SchedulerService) Tick(ctx context.Context, now time.Time) (int, error) {
	processed := 0
	locked, err := s.schedules.TryWithTickLock(ctx, s.cfg.TickLockName, func(ctx context.Context, tx *sql.Tx) error {
		due, findErr := s.schedules.FindDueTx(ctx, tx, data.FindDueParams{Now: now, Limit: s.cfg.BatchSize})
		if findErr != nil {
			return fmt.Errorf("find due schedules: %w", findErr)
		}

		for i := range due {
			fired, fireErr := s.fireSchedule(ctx, tx, &due[i], now)
			if fireErr != nil {
				// One bad schedule must not starve the rest of the batch; it
				// stays due and is retried on a later tick.
				s.logger.ErrorContext(ctx, "fire failed",
					"schedule_id", due[i].ID, "error", fireErr)
				continue
			}
			if fired {
				processed++
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if !locked {
		s.logger.DebugContext(ctx, "tick lock held elsewhere, skipping")
		return 0, nil
	}
	return processed, nil
}

// fireSchedule takes one fire: create the job, record the selection, advance
// the schedule, hand the job to the queue. The schedule row is locked by the
// claim, so plannedAt cannot move under us. Returns fired=false when the fire
// lock is held elsewhere and the schedule was left untouched.
func (s *SchedulerService) fireSchedule(
	ctx context.Context,
	tx *sql.Tx,
	sched *model.Schedule,
	now time.Time,
) (fired bool, err error) {
	if sched.NextRunAt == nil {
		return false, errors.New("claimed schedule has no next_run_at")
	}
	plannedAt := sched.NextRunAt.UTC()

	// A job for this fire may already exist if a previous tick crashed
	// between the insert and the schedule advance. The fire is then done;
	// only the advance remains.
	existing, err := s.jobs.GetByDedupeKey(ctx, model.DedupeKeyFor(sched.ID, plannedAt))
	if err != nil && !errors.Is(err, data.ErrJobNotFound) {
		return false, fmt.Errorf("check existing fire: %w", err)
	}

	var selectedPos *int
	if existing == nil {
		if !s.tryFireLock(ctx, sched.ID, plannedAt) {
			// Another replica is materializing this fire right now. Leave
			// the schedule as-is; a later tick re-checks once the holder
			// has advanced it.
			s.logger.InfoContext(ctx, "fire lock held elsewhere, skipping schedule",
				"schedule_id", sched.ID, "planned_at", plannedAt)
			return false, nil
		}

		_, pos, createErr := s.createFireJob(ctx, tx, sched, plannedAt)
		if createErr != nil {
			return false, createErr
		}
		selectedPos = pos
	}

	if advErr := s.advanceSchedule(ctx, tx, advanceParams{
		Schedule:       sched,
		PlannedAt:      plannedAt,
		Now:            now,
		LastVariantPos: selectedPos,
	}); advErr != nil {
		return false, advErr
	}
	return true, nil
}

// createFireJob materializes the job row for one fire, including variant
// selection and history for template-bound schedules, and enqueues it.
// Returns created=false with a nil position when the active pool is empty.
func (s *SchedulerService) createFireJob(
	ctx context.Context,
	tx *sql.Tx,
	sched *model.Schedule,
	plannedAt time.Time,
) (created bool, pos *int, err error) {
	req := &model.CreatePublishJobRequest{
		ScheduleID: sched.ID,
		PlannedAt:  plannedAt,
		MaxAttempt: s.cfg.DefaultMaxAttempt,
	}

	var picked *selector.Result
	if sched.TemplateBound() {
		res, selErr := s.selectVariant(ctx, tx, sched, plannedAt)
		if selErr != nil {
			return false, nil, selErr
		}
		if res.Variant == nil {
			// Empty active pool: skip this fire but still advance the
			// schedule so it does not spin.
			s.logger.WarnContext(ctx, "no active variants, skipping fire",
				"schedule_id", sched.ID, "planned_at", plannedAt)
			return false, nil, nil
		}
		picked = &res

		policy := string(sched.SelectionPolicy)
		selectedAt := s.timeProvider.Now().UTC()
		req.VariantID = &res.Variant.ID
		req.SelectionPolicy = &policy
		req.SelectionSeed = &res.Seed
		req.SelectedAt = &selectedAt
	}

	job, err := s.jobs.CreateInTx(ctx, tx, req)
	if err != nil {
		if errors.Is(err, data.ErrDuplicateFire) {
			// Concurrent creator won; the fire exists, nothing to enqueue.
			return false, nil, nil
		}
		return false, nil, fmt.Errorf("create publish job: %w", err)
	}

	if picked != nil {
		histErr := s.history.InsertTx(ctx, tx, &model.VariantSelectionHistory{
			TemplateID: *sched.TemplateID,
			VariantID:  picked.Variant.ID,
			ScheduleID: sched.ID,
			JobID:      job.ID,
			PlannedAt:  plannedAt,
			SelectedAt: *req.SelectedAt,
		})
		if histErr != nil {
			return false, nil, fmt.Errorf("record selection history: %w", histErr)
		}
	}

	if enqErr := s.jobs.MarkEnqueuedTx(ctx, tx, job.ID); enqErr != nil {
		return false, nil, fmt.Errorf("enqueue publish job: %w", enqErr)
	}

	if picked != nil && picked.Position >= 0 {
		p := picked.Position
		return true, &p, nil
	}
	return true, nil, nil
}

// selectVariant draws one variant for the fire deterministically.
func (s *SchedulerService) selectVariant(
	ctx context.Context,
	tx *sql.Tx,
	sched *model.Schedule,
	plannedAt time.Time,
) (selector.Result, error) {
	pool, err := s.templates.ListActiveVariants(ctx, *sched.TemplateID)
	if err != nil {
		return selector.Result{}, fmt.Errorf("list active variants: %w", err)
	}

	var recent []string
	if sched.NoRepeatWindow > 0 {
		recent, err = s.history.RecentVariantIDsTx(ctx, tx, data.RecentVariantParams{
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
	if res.WindowFellBack {
		s.logger.InfoContext(ctx, "no-repeat window emptied pool, using full pool",
			"schedule_id", sched.ID, "template_id", *sched.TemplateID)
	}
	return res, nil
}

type advanceParams struct {
	Schedule       *model.Schedule
	PlannedAt      time.Time
	Now            time.Time
	LastVariantPos *int
}

// advanceSchedule resolves the fire after plannedAt and persists the new
// cursor state. Exhausted or unresolvable schedules are disabled.
func (s *SchedulerService) advanceSchedule(ctx context.Context, tx *sql.Tx, p advanceParams) error {
	ref := *p.Schedule
	ref.LastRunAt = &p.PlannedAt

	next, ok, err := s.resolver.Next(&ref, p.Now)
	params := data.AfterFireParams{
		ID:             p.Schedule.ID,
		LastRunAt:      p.PlannedAt,
		LastVariantPos: p.LastVariantPos,
	}
	switch {
	case err != nil:
		s.logger.ErrorContext(ctx, "schedule spec unresolvable, disabling",
			"schedule_id", p.Schedule.ID, "error", err)
		params.Disable = true
	case !ok:
		s.logger.InfoContext(ctx, "schedule exhausted, disabling",
			"schedule_id", p.Schedule.ID)
		params.Disable = true
	default:
		params.NextRunAt = &next
	}

	if updErr := s.schedules.UpdateAfterFireTx(ctx, tx, params); updErr != nil {
		return fmt.Errorf("advance schedule: %w", updErr)
	}
	return nil
}

// tryFireLock takes the best-effort Redis fire lock. A held lock means
// another replica is working on the same fire and the caller should skip it.
// Losing Redis entirely degrades to proceeding; the database unique
// constraints still reject a duplicate job.
func (s *SchedulerService) tryFireLock(ctx context.Context, scheduleID string, plannedAt time.Time) bool {
	if s.locks == nil {
		return true
	}
	ok, err := s.locks.Acquire(ctx, FireLockKey(scheduleID, plannedAt), s.cfg.DedupeTTL)
	if err != nil {
		s.logger.WarnContext(ctx, "fire lock unavailable", "schedule_id", scheduleID, "error", err)
		return true
	}
	return ok
}

// FireLockKey is the Redis key guarding one fire of one schedule.
func FireLockKey(scheduleID string, plannedAt time.Time) string {
	return "dedupe:" + scheduleID + ":" + plannedAt.UTC().Truncate(time.Second).Format(time.RFC3339)
}
