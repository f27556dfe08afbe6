package data

import (
	"context"
	"database/sql"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/plumefeed/plume/internal/errors"

	"github.com/plumefeed/plume/internal/domain/model"
	"github.com/plumefeed/plume/internal/testutil"
)

func createTestPost(t *testing.T, db *sql.DB, text string) model.Post {
	t.Helper()
	repo := NewPostRepo(db)
	post, err := repo.Create(context.Background(), &model.Post{Text: text})
	require.NoError(t, err)
	return post
}

func createTestSchedule(t *testing.T, db *sql.DB, mutate func(*model.Schedule)) model.Schedule {
	t.Helper()
	post := createTestPost(t, db, "hello from "+t.Name())

	next := time.Now().UTC().Add(-time.Minute).Truncate(time.Second)
	s := &model.Schedule{
		PostID:          &post.ID,
		Kind:            model.ScheduleKindOneShot,
		Spec:            next.Format(time.RFC3339),
		Timezone:        "UTC",
		NextRunAt:       &next,
		Enabled:         true,
		SelectionPolicy: model.PolicyRandomUniform,
		NoRepeatScope:   model.ScopeTemplate,
	}
	if mutate != nil {
		mutate(s)
	}

	repo := NewScheduleRepo(db)
	created, err := repo.Create(context.Background(), s)
	require.NoError(t, err)
	return created
}

func TestScheduleRepo_Integration_CreateAndGet(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		ctx := context.Background()
		repo := NewScheduleRepo(db)

		created := createTestSchedule(t, db, nil)
		require.NotEmpty(t, created.ID)
		assert.Equal(t, model.ScheduleKindOneShot, created.Kind)
		assert.True(t, created.Enabled)
		require.NotNil(t, created.NextRunAt)

		got, err := repo.GetByID(ctx, created.ID)
		require.NoError(t, err)
		assert.Equal(t, created.ID, got.ID)
		assert.Equal(t, created.Spec, got.Spec)
		assert.WithinDuration(t, *created.NextRunAt, *got.NextRunAt, time.Millisecond)

		_, err = repo.GetByID(ctx, "00000000-0000-0000-0000-00000000dead")
		assert.True(t, apperrors.IsNotFound(err))
	})
}

func TestScheduleRepo_Integration_CreateRejectsInvalid(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		repo := NewScheduleRepo(db)

		// Neither post nor template bound.
		_, err := repo.Create(context.Background(), &model.Schedule{
			Kind:     model.ScheduleKindCron,
			Spec:     "0 9 * * *",
			Timezone: "UTC",
		})
		assert.True(t, apperrors.IsValidation(err))
	})
}

func TestScheduleRepo_Integration_FindDueTx(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		ctx := context.Background()
		repo := NewScheduleRepo(db)
		now := time.Now().UTC()

		due := createTestSchedule(t, db, nil)
		notYet := createTestSchedule(t, db, func(s *model.Schedule) {
			future := now.Add(time.Hour)
			s.NextRunAt = &future
			s.Spec = future.Format(time.RFC3339)
		})
		disabled := createTestSchedule(t, db, func(s *model.Schedule) {
			s.Enabled = false
		})

		tx, err := db.BeginTx(ctx, nil)
		require.NoError(t, err)
		defer func() { _ = tx.Rollback() }()

		claimed, err := repo.FindDueTx(ctx, tx, FindDueParams{Now: now, Limit: 10})
		require.NoError(t, err)

		ids := make(map[string]bool, len(claimed))
		for _, s := range claimed {
			ids[s.ID] = true
		}
		assert.True(t, ids[due.ID])
		assert.False(t, ids[notYet.ID])
		assert.False(t, ids[disabled.ID])
	})
}

func TestScheduleRepo_Integration_FindDueTxSkipLocked(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		ctx := context.Background()
		repo := NewScheduleRepo(db)
		now := time.Now().UTC()

		for range 4 {
			createTestSchedule(t, db, nil)
		}

		// Two competing claimants with open transactions never see the same rows.
		const numWorkers = 2
		results := make(chan []string, numWorkers)
		var wg sync.WaitGroup

		for range numWorkers {
			wg.Add(1)
			go func() {
				defer wg.Done()

				tx, err := db.BeginTx(ctx, nil)
				assert.NoError(t, err)
				defer func() { _ = tx.Rollback() }()

				claimed, err := repo.FindDueTx(ctx, tx, FindDueParams{Now: now, Limit: 2})
				assert.NoError(t, err)

				time.Sleep(50 * time.Millisecond)

				var ids []string
				for _, s := range claimed {
					ids = append(ids, s.ID)
				}
				results <- ids
			}()
		}

		wg.Wait()
		close(results)

		seen := make(map[string]int)
		for ids := range results {
			for _, id := range ids {
				seen[id]++
			}
		}
		for id, count := range seen {
			assert.Equal(t, 1, count, "schedule %s claimed by more than one worker", id)
		}
	})
}

func TestScheduleRepo_Integration_UpdateAfterFireTx(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		ctx := context.Background()
		repo := NewScheduleRepo(db)

		s := createTestSchedule(t, db, nil)
		fired := s.NextRunAt.UTC()
		next := fired.Add(24 * time.Hour)
		pos := 2

		err := pgxTxHelper(ctx, db, func(tx *sql.Tx) error {
			return repo.UpdateAfterFireTx(ctx, tx, AfterFireParams{
				ID:             s.ID,
				LastRunAt:      fired,
				NextRunAt:      &next,
				LastVariantPos: &pos,
			})
		})
		require.NoError(t, err)

		got, err := repo.GetByID(ctx, s.ID)
		require.NoError(t, err)
		require.NotNil(t, got.LastRunAt)
		assert.WithinDuration(t, fired, *got.LastRunAt, time.Millisecond)
		require.NotNil(t, got.NextRunAt)
		assert.WithinDuration(t, next, *got.NextRunAt, time.Millisecond)
		require.NotNil(t, got.LastVariantPos)
		assert.Equal(t, pos, *got.LastVariantPos)
		assert.True(t, got.Enabled)

		// Exhausted schedule: no next fire, disabled.
		err = pgxTxHelper(ctx, db, func(tx *sql.Tx) error {
			return repo.UpdateAfterFireTx(ctx, tx, AfterFireParams{
				ID:        s.ID,
				LastRunAt: next,
				NextRunAt: nil,
				Disable:   true,
			})
		})
		require.NoError(t, err)

		got, err = repo.GetByID(ctx, s.ID)
		require.NoError(t, err)
		assert.Nil(t, got.NextRunAt)
		assert.False(t, got.Enabled)
	})
}

func TestScheduleRepo_Integration_DisableByPostTx(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		ctx := context.Background()
		repo := NewScheduleRepo(db)

		s := createTestSchedule(t, db, nil)
		other := createTestSchedule(t, db, nil)

		var disabled []string
		err := pgxTxHelper(ctx, db, func(tx *sql.Tx) error {
			ids, txErr := repo.DisableByPostTx(ctx, tx, *s.PostID)
			disabled = ids
			return txErr
		})
		require.NoError(t, err)
		require.Len(t, disabled, 1)
		assert.Equal(t, s.ID, disabled[0])

		got, err := repo.GetByID(ctx, s.ID)
		require.NoError(t, err)
		assert.False(t, got.Enabled)
		assert.Nil(t, got.NextRunAt)

		untouched, err := repo.GetByID(ctx, other.ID)
		require.NoError(t, err)
		assert.True(t, untouched.Enabled)
	})
}

func TestScheduleRepo_Integration_TryWithTickLock(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		ctx := context.Background()
		repo := NewScheduleRepo(db)

		locked, err := repo.TryWithTickLock(ctx, "tick_test", func(_ context.Context, tx *sql.Tx) error {
			// While held, a second claimant must be refused.
			inner, innerErr := repo.TryWithTickLock(ctx, "tick_test", func(context.Context, *sql.Tx) error {
				t.Error("inner lock body should not run")
				return nil
			})
			assert.NoError(t, innerErr)
			assert.False(t, inner)

			_ = tx
			return nil
		})
		require.NoError(t, err)
		assert.True(t, locked)

		// Released with the transaction; a later claim succeeds.
		locked, err = repo.TryWithTickLock(ctx, "tick_test", func(context.Context, *sql.Tx) error { return nil })
		require.NoError(t, err)
		assert.True(t, locked)
	})
}

func TestScheduleRepo_Integration_ListMissingNextRun(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		ctx := context.Background()
		repo := NewScheduleRepo(db)

		missing := createTestSchedule(t, db, func(s *model.Schedule) {
			s.NextRunAt = nil
			s.Kind = model.ScheduleKindCron
			s.Spec = "0 9 * * *"
		})
		createTestSchedule(t, db, nil)

		got, err := repo.ListMissingNextRun(ctx, 10)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, missing.ID, got[0].ID)
	})
}

// pgxTxHelper runs fn in a committed transaction for test setup.
func pgxTxHelper(ctx context.Context, db *sql.DB, fn func(*sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if fnErr := fn(tx); fnErr != nil {
		_ = tx.Rollback()
		return fnErr
	}
	return tx.Commit()
}
