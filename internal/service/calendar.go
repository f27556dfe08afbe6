package service

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/plumefeed/plume/internal/core"
	"github.com/plumefeed/plume/internal/domain/model"
)

// maxOccurrencesPerSchedule bounds projection for pathological specs
// (e.g. every-minute crons) inside one window.
const maxOccurrencesPerSchedule = 500

// Occurrence is one expected fire inside a calendar window: either an
// already-materialized job or a projection from the schedule spec.
type Occurrence struct {
	ScheduleID string           `json:"schedule_id"`
	PlannedAt  time.Time        `json:"planned_at"`
	JobID      *string          `json:"job_id,omitempty"`
	Status     *model.JobStatus `json:"status,omitempty"`
	Projected  bool             `json:"projected"`
}

// CalendarService answers "what will publish when" questions by merging
// materialized jobs with spec projections.
type CalendarService struct {
	schedules core.ScheduleRepository
	jobs      core.PublishJobRepository
	resolver  core.ScheduleResolver
	logger    *slog.Logger
}

// CalendarServiceOptions holds the dependencies for NewCalendarService.
type CalendarServiceOptions struct {
	Schedules core.ScheduleRepository
	Jobs      core.PublishJobRepository
	Resolver  core.ScheduleResolver
	Logger    *slog.Logger
}

// NewCalendarService creates a CalendarService with the given dependencies.
func NewCalendarService(opts CalendarServiceOptions) *CalendarService {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &CalendarService{
		schedules: opts.Schedules,
		jobs:      opts.Jobs,
		resolver:  opts.Resolver,
		logger:    opts.Logger.With("component", "calendar_service"),
	}
}

// WeekOccurrences returns every occurrence in [weekStart, weekStart+7d),
// sorted by fire instant. Materialized jobs win over projections for the
// same fire, so the view reflects cancellations and already-taken fires.
func (s *CalendarService) WeekOccurrences(ctx context.Context, weekStart time.Time) ([]Occurrence, error) {
	weekStart = weekStart.UTC()
	weekEnd := weekStart.Add(7 * 24 * time.Hour)

	jobs, err := s.jobs.ListPlannedBetween(ctx, weekStart, weekEnd)
	if err != nil {
		return nil, fmt.Errorf("list planned jobs: %w", err)
	}

	occurrences := make([]Occurrence, 0, len(jobs))
	materialized := make(map[string]struct{}, len(jobs))
	for i := range jobs {
		job := &jobs[i]
		occurrences = append(occurrences, Occurrence{
			ScheduleID: job.ScheduleID,
			PlannedAt:  job.PlannedAt.UTC(),
			JobID:      &job.ID,
			Status:     &job.Status,
		})
		materialized[model.DedupeKeyFor(job.ScheduleID, job.PlannedAt)] = struct{}{}
	}

	schedules, err := s.listEnabled(ctx)
	if err != nil {
		return nil, err
	}
	for i := range schedules {
		projected := s.projectSchedule(&schedules[i], weekStart, weekEnd, materialized)
		occurrences = append(occurrences, projected...)
	}

	sort.Slice(occurrences, func(i, j int) bool {
		if occurrences[i].PlannedAt.Equal(occurrences[j].PlannedAt) {
			return occurrences[i].ScheduleID < occurrences[j].ScheduleID
		}
		return occurrences[i].PlannedAt.Before(occurrences[j].PlannedAt)
	})
	return occurrences, nil
}

func (s *CalendarService) listEnabled(ctx context.Context) ([]model.Schedule, error) {
	const pageSize = 500
	var enabled []model.Schedule
	for offset := 0; ; offset += pageSize {
		page, err := s.schedules.List(ctx, pageSize, offset)
		if err != nil {
			return nil, fmt.Errorf("list schedules: %w", err)
		}
		for _, sched := range page {
			if sched.Enabled {
				enabled = append(enabled, sched)
			}
		}
		if len(page) < pageSize {
			return enabled, nil
		}
	}
}

// projectSchedule walks the schedule's fires through the window by
// repeatedly resolving from an advancing reference point.
func (s *CalendarService) projectSchedule(
	sched *model.Schedule,
	weekStart, weekEnd time.Time,
	materialized map[string]struct{},
) []Occurrence {
	ref := *sched
	cursor := weekStart
	if sched.LastRunAt != nil && sched.LastRunAt.After(cursor) {
		cursor = sched.LastRunAt.UTC()
	}

	var out []Occurrence
	for range maxOccurrencesPerSchedule {
		ref.LastRunAt = &cursor
		next, ok, err := s.resolver.Next(&ref, cursor)
		if err != nil {
			s.logger.Warn("projection failed", "schedule_id", sched.ID, "error", err)
			return out
		}
		if !ok || !next.Before(weekEnd) {
			return out
		}
		cursor = next
		if next.Before(weekStart) {
			continue
		}
		if _, exists := materialized[model.DedupeKeyFor(sched.ID, next)]; exists {
			continue
		}
		out = append(out, Occurrence{
			ScheduleID: sched.ID,
			PlannedAt:  next,
			Projected:  true,
		})
	}
	return out
}
