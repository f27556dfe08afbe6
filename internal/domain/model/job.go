// Package model defines the core data types of the plume publishing pipeline.
package model

import (
	"errors"
	"fmt"
	"time"
)

// JobStatus represents the lifecycle state of a publish job.
type JobStatus string

const (
	// JobStatusPlanned indicates a job materialized by the tick but not yet handed to the queue.
	JobStatusPlanned JobStatus = "planned"
	// JobStatusEnqueued indicates a job handed to the worker queue.
	JobStatusEnqueued JobStatus = "enqueued"
	// JobStatusRunning indicates a worker is executing the job.
	JobStatusRunning JobStatus = "running"
	// JobStatusSucceeded indicates the publish completed and a PublishedPost exists.
	JobStatusSucceeded JobStatus = "succeeded"
	// JobStatusFailed indicates a transient failure eligible for retry.
	JobStatusFailed JobStatus = "failed"
	// JobStatusDeadLetter indicates the attempt budget is exhausted or the failure was permanent.
	JobStatusDeadLetter JobStatus = "dead_letter"
	// JobStatusCancelled indicates the job was cancelled before completion.
	JobStatusCancelled JobStatus = "cancelled"
)

// ErrNoJobsAvailable is returned when no enqueued jobs are ready for reservation.
var ErrNoJobsAvailable = errors.New("no jobs available")

// Valid returns true if the JobStatus is one of the known states.
func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusPlanned, JobStatusEnqueued, JobStatusRunning,
		JobStatusSucceeded, JobStatusFailed, JobStatusDeadLetter, JobStatusCancelled:
		return true
	}
	return false
}

// Terminal returns true for states with no outgoing transitions.
func (s JobStatus) Terminal() bool {
	return s == JobStatusSucceeded || s == JobStatusDeadLetter || s == JobStatusCancelled
}

// validTransitions is the lifecycle automaton. Any edge absent here is
// rejected by CanTransition.
var validTransitions = map[JobStatus][]JobStatus{
	JobStatusPlanned:  {JobStatusEnqueued, JobStatusCancelled},
	JobStatusEnqueued: {JobStatusRunning, JobStatusCancelled},
	JobStatusRunning:  {JobStatusSucceeded, JobStatusFailed},
	JobStatusFailed:   {JobStatusRunning, JobStatusDeadLetter},
}

// CanTransition reports whether from -> to is a legal lifecycle edge.
func CanTransition(from, to JobStatus) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// CanClaim reports whether a worker may move a job in state from into
// running. Besides the normal enqueued -> running edge this accepts
// planned -> running, covering jobs whose enqueue-side transition never
// landed before a crash.
func CanClaim(from JobStatus) bool {
	return from == JobStatusEnqueued || from == JobStatusPlanned ||
		CanTransition(from, JobStatusRunning)
}

// PublishJob is one materialized fire of a schedule.
type PublishJob struct {
	ID         string    `json:"id"          db:"id"`
	ScheduleID string    `json:"schedule_id" db:"schedule_id"`
	PlannedAt  time.Time `json:"planned_at"  db:"planned_at"`
	Status     JobStatus `json:"status"      db:"status"`
	Attempt    int       `json:"attempt"     db:"attempt"`
	MaxAttempt int       `json:"max_attempt" db:"max_attempt"`
	// DedupeKey is "{schedule_id}:{planned_at RFC3339}"; unique per fire.
	DedupeKey string  `json:"dedupe_key"      db:"dedupe_key"`
	Error     *string `json:"error,omitempty" db:"error"`

	// Variant selection snapshot, set when the owning schedule is template-bound.
	VariantID       *string    `json:"variant_id,omitempty"       db:"variant_id"`
	SelectionPolicy *string    `json:"selection_policy,omitempty" db:"selection_policy"`
	SelectionSeed   *int64     `json:"selection_seed,omitempty"   db:"selection_seed"`
	SelectedAt      *time.Time `json:"selected_at,omitempty"      db:"selected_at"`

	NextAttemptAt  *time.Time `json:"next_attempt_at,omitempty"  db:"next_attempt_at"`
	LeaseExpiresAt *time.Time `json:"lease_expires_at,omitempty" db:"lease_expires_at"`
	EnqueuedAt     *time.Time `json:"enqueued_at,omitempty"      db:"enqueued_at"`
	StartedAt      *time.Time `json:"started_at,omitempty"       db:"started_at"`
	FinishedAt     *time.Time `json:"finished_at,omitempty"      db:"finished_at"`
	CreatedAt      time.Time  `json:"created_at"                 db:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"                 db:"updated_at"`
}

// DedupeKeyFor builds the canonical dedupe key for a fire instant.
// planned_at is normalized to UTC at second precision so every process
// derives the same key for the same fire.
func DedupeKeyFor(scheduleID string, plannedAt time.Time) string {
	return fmt.Sprintf("%s:%s", scheduleID, plannedAt.UTC().Truncate(time.Second).Format(time.RFC3339))
}

// CreatePublishJobRequest carries the fields the tick persists when
// materializing a fire.
type CreatePublishJobRequest struct {
	ScheduleID      string
	PlannedAt       time.Time
	MaxAttempt      int
	VariantID       *string
	SelectionPolicy *string
	SelectionSeed   *int64
	SelectedAt      *time.Time
}

// Validate validates the CreatePublishJobRequest fields.
func (r *CreatePublishJobRequest) Validate() error {
	if r.ScheduleID == "" {
		return errors.New("schedule id is required")
	}
	if r.PlannedAt.IsZero() {
		return errors.New("planned at is required")
	}
	if r.MaxAttempt < 1 {
		return errors.New("max attempt must be >= 1")
	}
	return nil
}

// JobStats counts publish jobs per lifecycle state.
type JobStats struct {
	Planned    int `json:"planned"`
	Enqueued   int `json:"enqueued"`
	Running    int `json:"running"`
	Succeeded  int `json:"succeeded"`
	Failed     int `json:"failed"`
	DeadLetter int `json:"dead_letter"`
	Cancelled  int `json:"cancelled"`
}
