package data

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/plumefeed/plume/internal/errors"

	"github.com/plumefeed/plume/internal/domain/model"
	"github.com/plumefeed/plume/internal/testutil"
)

func createTestJob(t *testing.T, db *sql.DB, repo *PublishJobRepo, plannedAt time.Time) (*model.PublishJob, model.Schedule) {
	t.Helper()
	sched := createTestSchedule(t, db, nil)

	var job *model.PublishJob
	err := pgxTxHelper(context.Background(), db, func(tx *sql.Tx) error {
		created, txErr := repo.CreateInTx(context.Background(), tx, &model.CreatePublishJobRequest{
			ScheduleID: sched.ID,
			PlannedAt:  plannedAt,
			MaxAttempt: 3,
		})
		job = created
		return txErr
	})
	require.NoError(t, err)
	return job, sched
}

func enqueueTestJob(t *testing.T, db *sql.DB, repo *PublishJobRepo, id string) {
	t.Helper()
	err := pgxTxHelper(context.Background(), db, func(tx *sql.Tx) error {
		return repo.MarkEnqueuedTx(context.Background(), tx, id)
	})
	require.NoError(t, err)
}

func TestPublishJobRepo_Integration_CreateInTx(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		repo := NewPublishJobRepo(db)
		plannedAt := time.Now().UTC().Add(-time.Minute).Truncate(time.Second)

		job, sched := createTestJob(t, db, repo, plannedAt)
		assert.Equal(t, model.JobStatusPlanned, job.Status)
		assert.Equal(t, 0, job.Attempt)
		assert.Equal(t, 3, job.MaxAttempt)
		assert.Equal(t, model.DedupeKeyFor(sched.ID, plannedAt), job.DedupeKey)
		assert.WithinDuration(t, plannedAt, job.PlannedAt, time.Millisecond)
	})
}

func TestPublishJobRepo_Integration_DuplicateFire(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		ctx := context.Background()
		repo := NewPublishJobRepo(db)
		plannedAt := time.Now().UTC().Add(-time.Minute).Truncate(time.Second)

		_, sched := createTestJob(t, db, repo, plannedAt)

		// Same schedule, same instant: one fire, one job.
		err := pgxTxHelper(ctx, db, func(tx *sql.Tx) error {
			_, txErr := repo.CreateInTx(ctx, tx, &model.CreatePublishJobRequest{
				ScheduleID: sched.ID,
				PlannedAt:  plannedAt,
				MaxAttempt: 3,
			})
			return txErr
		})
		assert.ErrorIs(t, err, ErrDuplicateFire)

		// Same instant expressed in another zone still collides.
		chicago, loadErr := time.LoadLocation("America/Chicago")
		require.NoError(t, loadErr)
		err = pgxTxHelper(ctx, db, func(tx *sql.Tx) error {
			_, txErr := repo.CreateInTx(ctx, tx, &model.CreatePublishJobRequest{
				ScheduleID: sched.ID,
				PlannedAt:  plannedAt.In(chicago),
				MaxAttempt: 3,
			})
			return txErr
		})
		assert.ErrorIs(t, err, ErrDuplicateFire)
	})
}

func TestPublishJobRepo_Integration_EnqueueAndReserve(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		ctx := context.Background()
		repo := NewPublishJobRepo(db)
		plannedAt := time.Now().UTC().Add(-time.Minute).Truncate(time.Second)

		job, _ := createTestJob(t, db, repo, plannedAt)
		enqueueTestJob(t, db, repo, job.ID)

		got, err := repo.GetByID(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, model.JobStatusEnqueued, got.Status)
		require.NotNil(t, got.NextAttemptAt)
		assert.WithinDuration(t, plannedAt, *got.NextAttemptAt, time.Millisecond)

		claimed, err := repo.ReserveNext(ctx, 60)
		require.NoError(t, err)
		assert.Equal(t, job.ID, claimed.ID)
		assert.Equal(t, model.JobStatusRunning, claimed.Status)
		assert.Equal(t, 1, claimed.Attempt)
		require.NotNil(t, claimed.LeaseExpiresAt)
		require.NotNil(t, claimed.StartedAt)

		// Nothing else is ready.
		_, err = repo.ReserveNext(ctx, 60)
		assert.ErrorIs(t, err, model.ErrNoJobsAvailable)
	})
}

func TestPublishJobRepo_Integration_EnqueueTwiceRejected(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		ctx := context.Background()
		repo := NewPublishJobRepo(db)

		job, _ := createTestJob(t, db, repo, time.Now().UTC().Add(-time.Minute))
		enqueueTestJob(t, db, repo, job.ID)

		err := pgxTxHelper(ctx, db, func(tx *sql.Tx) error {
			return repo.MarkEnqueuedTx(ctx, tx, job.ID)
		})
		assert.True(t, apperrors.IsInvalidTransition(err))

		err = pgxTxHelper(ctx, db, func(tx *sql.Tx) error {
			return repo.MarkEnqueuedTx(ctx, tx, "00000000-0000-0000-0000-00000000dead")
		})
		assert.ErrorIs(t, err, ErrJobNotFound)
	})
}

func TestPublishJobRepo_Integration_FailAndRetry(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		ctx := context.Background()
		repo := NewPublishJobRepo(db)

		job, _ := createTestJob(t, db, repo, time.Now().UTC().Add(-time.Minute))
		enqueueTestJob(t, db, repo, job.ID)

		claimed, err := repo.ReserveNext(ctx, 60)
		require.NoError(t, err)
		require.Equal(t, job.ID, claimed.ID)

		// Transient failure: back to failed with a retry eta.
		status, err := repo.Fail(ctx, FailParams{
			ID:            job.ID,
			ErrMsg:        "rate limited",
			NextAttemptAt: time.Now().UTC().Add(-time.Second),
		})
		require.NoError(t, err)
		assert.Equal(t, model.JobStatusFailed, status)

		got, err := repo.GetByID(ctx, job.ID)
		require.NoError(t, err)
		require.NotNil(t, got.Error)
		assert.Equal(t, "rate limited", *got.Error)
		assert.Nil(t, got.LeaseExpiresAt)

		// The failed job is claimable again once its eta passes.
		claimed, err = repo.ReserveNext(ctx, 60)
		require.NoError(t, err)
		assert.Equal(t, job.ID, claimed.ID)
		assert.Equal(t, 2, claimed.Attempt)
	})
}

func TestPublishJobRepo_Integration_FailPermanent(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		ctx := context.Background()
		repo := NewPublishJobRepo(db)

		job, _ := createTestJob(t, db, repo, time.Now().UTC().Add(-time.Minute))
		enqueueTestJob(t, db, repo, job.ID)

		_, err := repo.ReserveNext(ctx, 60)
		require.NoError(t, err)

		status, err := repo.Fail(ctx, FailParams{
			ID:        job.ID,
			ErrMsg:    "unauthorized",
			Permanent: true,
		})
		require.NoError(t, err)
		assert.Equal(t, model.JobStatusDeadLetter, status)

		got, err := repo.GetByID(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, model.JobStatusDeadLetter, got.Status)
		assert.NotNil(t, got.FinishedAt)
		assert.Nil(t, got.NextAttemptAt)

		_, err = repo.ReserveNext(ctx, 60)
		assert.ErrorIs(t, err, model.ErrNoJobsAvailable)
	})
}

func TestPublishJobRepo_Integration_AttemptBudgetExhaustion(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		ctx := context.Background()
		repo := NewPublishJobRepo(db)

		job, _ := createTestJob(t, db, repo, time.Now().UTC().Add(-time.Minute))
		enqueueTestJob(t, db, repo, job.ID)

		// Burn through the attempt budget of 3 with transient failures.
		var status model.JobStatus
		for range 3 {
			claimed, err := repo.ReserveNext(ctx, 60)
			require.NoError(t, err)
			require.Equal(t, job.ID, claimed.ID)

			status, err = repo.Fail(ctx, FailParams{
				ID:            job.ID,
				ErrMsg:        "flaky upstream",
				NextAttemptAt: time.Now().UTC().Add(-time.Second),
			})
			require.NoError(t, err)
		}

		assert.Equal(t, model.JobStatusDeadLetter, status)
	})
}

func TestPublishJobRepo_Integration_Complete(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		ctx := context.Background()
		repo := NewPublishJobRepo(db)

		job, _ := createTestJob(t, db, repo, time.Now().UTC().Add(-time.Minute))

		// Not running yet: no-op.
		ok, err := repo.Complete(ctx, job.ID)
		require.NoError(t, err)
		assert.False(t, ok)

		enqueueTestJob(t, db, repo, job.ID)
		_, err = repo.ReserveNext(ctx, 60)
		require.NoError(t, err)

		ok, err = repo.Complete(ctx, job.ID)
		require.NoError(t, err)
		assert.True(t, ok)

		got, err := repo.GetByID(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, model.JobStatusSucceeded, got.Status)
		assert.NotNil(t, got.FinishedAt)
		assert.Nil(t, got.LeaseExpiresAt)
	})
}

func TestPublishJobRepo_Integration_Cancel(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		ctx := context.Background()
		repo := NewPublishJobRepo(db)

		job, _ := createTestJob(t, db, repo, time.Now().UTC().Add(-time.Minute))

		require.NoError(t, repo.Cancel(ctx, job.ID))
		got, err := repo.GetByID(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, model.JobStatusCancelled, got.Status)

		// Terminal: cancelling again is an invalid transition.
		err = repo.Cancel(ctx, job.ID)
		assert.True(t, apperrors.IsInvalidTransition(err))

		// Running jobs have no cancel edge.
		running, _ := createTestJob(t, db, repo, time.Now().UTC().Add(-2*time.Minute))
		enqueueTestJob(t, db, repo, running.ID)
		_, err = repo.ReserveNext(ctx, 60)
		require.NoError(t, err)
		err = repo.Cancel(ctx, running.ID)
		assert.True(t, apperrors.IsInvalidTransition(err))
	})
}

func TestPublishJobRepo_Integration_CancelByScheduleTx(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		ctx := context.Background()
		repo := NewPublishJobRepo(db)

		planned, sched := createTestJob(t, db, repo, time.Now().UTC().Add(-time.Minute))
		other, _ := createTestJob(t, db, repo, time.Now().UTC().Add(-time.Minute))

		var cancelled int64
		err := pgxTxHelper(ctx, db, func(tx *sql.Tx) error {
			n, txErr := repo.CancelByScheduleTx(ctx, tx, []string{sched.ID})
			cancelled = n
			return txErr
		})
		require.NoError(t, err)
		assert.Equal(t, int64(1), cancelled)

		got, err := repo.GetByID(ctx, planned.ID)
		require.NoError(t, err)
		assert.Equal(t, model.JobStatusCancelled, got.Status)

		untouched, err := repo.GetByID(ctx, other.ID)
		require.NoError(t, err)
		assert.Equal(t, model.JobStatusPlanned, untouched.Status)
	})
}

func TestPublishJobRepo_Integration_RequeueExpired(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		ctx := context.Background()
		repo := NewPublishJobRepo(db)

		job, _ := createTestJob(t, db, repo, time.Now().UTC().Add(-time.Minute))
		enqueueTestJob(t, db, repo, job.ID)
		_, err := repo.ReserveNext(ctx, 60)
		require.NoError(t, err)

		// Force the lease into the past.
		_, err = db.ExecContext(ctx, `
			UPDATE publish_jobs SET lease_expires_at = now() - interval '1 minute' WHERE id = $1
		`, job.ID)
		require.NoError(t, err)

		n, err := repo.RequeueExpired(ctx, 10)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)

		got, err := repo.GetByID(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, model.JobStatusFailed, got.Status)
		require.NotNil(t, got.Error)
		assert.Equal(t, "lease expired", *got.Error)

		// And it is claimable again.
		claimed, err := repo.ReserveNext(ctx, 60)
		require.NoError(t, err)
		assert.Equal(t, job.ID, claimed.ID)
		assert.Equal(t, 2, claimed.Attempt)
	})
}

func TestPublishJobRepo_Integration_PromoteStalePlanned(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		ctx := context.Background()
		repo := NewPublishJobRepo(db)

		stale, _ := createTestJob(t, db, repo, time.Now().UTC().Add(-time.Hour))
		fresh, _ := createTestJob(t, db, repo, time.Now().UTC().Add(time.Hour))

		n, err := repo.PromoteStalePlanned(ctx, 5*time.Minute, 10)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)

		got, err := repo.GetByID(ctx, stale.ID)
		require.NoError(t, err)
		assert.Equal(t, model.JobStatusEnqueued, got.Status)

		untouched, err := repo.GetByID(ctx, fresh.ID)
		require.NoError(t, err)
		assert.Equal(t, model.JobStatusPlanned, untouched.Status)
	})
}

func TestPublishJobRepo_Integration_Stats(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		ctx := context.Background()
		repo := NewPublishJobRepo(db)

		planned, _ := createTestJob(t, db, repo, time.Now().UTC().Add(-time.Minute))
		enqueued, _ := createTestJob(t, db, repo, time.Now().UTC().Add(-time.Minute))
		enqueueTestJob(t, db, repo, enqueued.ID)
		_ = planned

		stats, err := repo.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, stats.Planned)
		assert.Equal(t, 1, stats.Enqueued)
		assert.Equal(t, 0, stats.Running)
	})
}

func TestPublishJobRepo_Integration_GetByDedupeKey(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		ctx := context.Background()
		repo := NewPublishJobRepo(db)
		plannedAt := time.Now().UTC().Add(-time.Minute).Truncate(time.Second)

		job, sched := createTestJob(t, db, repo, plannedAt)

		got, err := repo.GetByDedupeKey(ctx, model.DedupeKeyFor(sched.ID, plannedAt))
		require.NoError(t, err)
		assert.Equal(t, job.ID, got.ID)

		_, err = repo.GetByDedupeKey(ctx, "missing:key")
		assert.True(t, errors.Is(err, ErrJobNotFound))
	})
}
