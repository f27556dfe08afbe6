package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/plumefeed/plume/internal/domain/model"
)

func newHealthService(withLocks bool) (*HealthService, *mockScheduleRepo, *mockJobRepo, *mockLockRepo) {
	schedules := &mockScheduleRepo{}
	jobs := &mockJobRepo{}
	var locks *mockLockRepo
	opts := HealthServiceOptions{Schedules: schedules, Jobs: jobs}
	if withLocks {
		locks = &mockLockRepo{}
		opts.Locks = locks
	}
	return NewHealthService(opts), schedules, jobs, locks
}

func TestHealthService_Check_Healthy(t *testing.T) {
	svc, schedules, jobs, locks := newHealthService(true)

	schedules.On("CountOverdue", mock.Anything, 5*time.Minute).Return(0, nil)
	jobs.On("CountStuckRunning", mock.Anything, 10*time.Minute).Return(0, nil)
	jobs.On("Stats", mock.Anything).Return(&model.JobStats{Succeeded: 42}, nil)
	locks.On("Health", mock.Anything).Return(nil)

	report, err := svc.Check(context.Background())
	require.NoError(t, err)
	assert.True(t, report.Healthy())
	assert.Equal(t, 42, report.Jobs.Succeeded)
}

func TestHealthService_Check_FlagsStalls(t *testing.T) {
	svc, schedules, jobs, _ := newHealthService(false)

	schedules.On("CountOverdue", mock.Anything, mock.Anything).Return(3, nil)
	jobs.On("CountStuckRunning", mock.Anything, mock.Anything).Return(1, nil)
	jobs.On("Stats", mock.Anything).Return(&model.JobStats{DeadLetter: 5}, nil)

	report, err := svc.Check(context.Background())
	require.NoError(t, err)
	assert.False(t, report.Healthy())
	assert.Equal(t, 3, report.OverdueSchedules)
	assert.Equal(t, 1, report.StuckRunning)
}

func TestHealthService_Check_RedisDown(t *testing.T) {
	svc, schedules, jobs, locks := newHealthService(true)

	schedules.On("CountOverdue", mock.Anything, mock.Anything).Return(0, nil)
	jobs.On("CountStuckRunning", mock.Anything, mock.Anything).Return(0, nil)
	jobs.On("Stats", mock.Anything).Return(&model.JobStats{}, nil)
	locks.On("Health", mock.Anything).Return(errors.New("connection refused"))

	report, err := svc.Check(context.Background())
	require.NoError(t, err)
	assert.False(t, report.RedisOK)
	assert.False(t, report.Healthy())
}
