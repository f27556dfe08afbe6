package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJobStatusValid(t *testing.T) {
	valid := []JobStatus{
		JobStatusPlanned, JobStatusEnqueued, JobStatusRunning,
		JobStatusSucceeded, JobStatusFailed, JobStatusDeadLetter, JobStatusCancelled,
	}
	for _, s := range valid {
		assert.True(t, s.Valid(), "expected %s to be valid", s)
	}
	assert.False(t, JobStatus("pending").Valid())
	assert.False(t, JobStatus("").Valid())
}

func TestJobStatusTerminal(t *testing.T) {
	assert.True(t, JobStatusSucceeded.Terminal())
	assert.True(t, JobStatusDeadLetter.Terminal())
	assert.True(t, JobStatusCancelled.Terminal())

	assert.False(t, JobStatusPlanned.Terminal())
	assert.False(t, JobStatusEnqueued.Terminal())
	assert.False(t, JobStatusRunning.Terminal())
	assert.False(t, JobStatusFailed.Terminal())
}

func TestCanTransition(t *testing.T) {
	all := []JobStatus{
		JobStatusPlanned, JobStatusEnqueued, JobStatusRunning,
		JobStatusSucceeded, JobStatusFailed, JobStatusDeadLetter, JobStatusCancelled,
	}

	allowed := map[JobStatus][]JobStatus{
		JobStatusPlanned:  {JobStatusEnqueued, JobStatusCancelled},
		JobStatusEnqueued: {JobStatusRunning, JobStatusCancelled},
		JobStatusRunning:  {JobStatusSucceeded, JobStatusFailed},
		JobStatusFailed:   {JobStatusRunning, JobStatusDeadLetter},
	}

	for _, from := range all {
		for _, to := range all {
			want := false
			for _, next := range allowed[from] {
				if next == to {
					want = true
				}
			}
			assert.Equal(t, want, CanTransition(from, to), "%s -> %s", from, to)
		}
	}
}

func TestCanTransition_TerminalStatesHaveNoEdges(t *testing.T) {
	targets := []JobStatus{
		JobStatusPlanned, JobStatusEnqueued, JobStatusRunning,
		JobStatusSucceeded, JobStatusFailed, JobStatusDeadLetter, JobStatusCancelled,
	}
	for _, from := range []JobStatus{JobStatusSucceeded, JobStatusDeadLetter, JobStatusCancelled} {
		for _, to := range targets {
			assert.False(t, CanTransition(from, to), "%s -> %s must be rejected", from, to)
		}
	}
}

func TestCanClaim(t *testing.T) {
	// enqueued is the normal claim source; planned covers the lost-enqueue
	// crash-recovery path; failed re-enters running through the retry edge.
	assert.True(t, CanClaim(JobStatusEnqueued))
	assert.True(t, CanClaim(JobStatusPlanned))
	assert.True(t, CanClaim(JobStatusFailed))

	assert.False(t, CanClaim(JobStatusRunning))
	assert.False(t, CanClaim(JobStatusSucceeded))
	assert.False(t, CanClaim(JobStatusCancelled))
	assert.False(t, CanClaim(JobStatusDeadLetter))
}

func TestDedupeKeyFor(t *testing.T) {
	chicago, err := time.LoadLocation("America/Chicago")
	require.NoError(t, err)

	utc := time.Date(2030, 1, 1, 12, 0, 0, 0, time.UTC)
	local := utc.In(chicago)
	withNanos := utc.Add(412 * time.Millisecond)

	want := "sched-1:2030-01-01T12:00:00Z"
	assert.Equal(t, want, DedupeKeyFor("sched-1", utc))
	// Same instant in another zone or with sub-second noise yields the same key.
	assert.Equal(t, want, DedupeKeyFor("sched-1", local))
	assert.Equal(t, want, DedupeKeyFor("sched-1", withNanos))
}

func TestCreatePublishJobRequestValidate(t *testing.T) {
	base := CreatePublishJobRequest{
		ScheduleID: "sched-1",
		PlannedAt:  time.Date(2030, 1, 1, 12, 0, 0, 0, time.UTC),
		MaxAttempt: 5,
	}
	require.NoError(t, base.Validate())

	missingSchedule := base
	missingSchedule.ScheduleID = ""
	assert.Error(t, missingSchedule.Validate())

	missingPlanned := base
	missingPlanned.PlannedAt = time.Time{}
	assert.Error(t, missingPlanned.Validate())

	zeroBudget := base
	zeroBudget.MaxAttempt = 0
	assert.Error(t, zeroBudget.Validate())
}
