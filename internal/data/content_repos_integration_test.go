package data

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/plumefeed/plume/internal/errors"

	"github.com/plumefeed/plume/internal/domain/model"
	"github.com/plumefeed/plume/internal/testutil"
)

func createTestTemplate(t *testing.T, db *sql.DB) model.PostTemplate {
	t.Helper()
	repo := NewTemplateRepo(db)
	tmpl, err := repo.CreateTemplate(context.Background(), &model.PostTemplate{
		Name:   "weekly-promo " + t.Name(),
		Active: true,
	})
	require.NoError(t, err)
	return tmpl
}

func TestPostRepo_Integration_CRUD(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		ctx := context.Background()
		repo := NewPostRepo(db)

		created, err := repo.Create(ctx, &model.Post{
			Text:      "Launching something new today",
			MediaRefs: []string{"media/one.png"},
		})
		require.NoError(t, err)
		require.NotEmpty(t, created.ID)
		assert.Equal(t, []string{"media/one.png"}, created.MediaRefs)
		assert.False(t, created.Deleted)

		got, err := repo.GetByID(ctx, created.ID)
		require.NoError(t, err)
		assert.Equal(t, created.Text, got.Text)

		require.NoError(t, repo.UpdateText(ctx, created.ID, "Edited text"))
		got, err = repo.GetByID(ctx, created.ID)
		require.NoError(t, err)
		assert.Equal(t, "Edited text", got.Text)

		// Soft delete hides the post from listings but keeps the row.
		require.NoError(t, pgxTxHelper(ctx, db, func(tx *sql.Tx) error {
			return repo.SoftDeleteTx(ctx, tx, created.ID)
		}))

		listed, err := repo.List(ctx, false, 10, 0)
		require.NoError(t, err)
		assert.Empty(t, listed)

		listed, err = repo.List(ctx, true, 10, 0)
		require.NoError(t, err)
		require.Len(t, listed, 1)
		assert.True(t, listed[0].Deleted)

		// Updates refuse deleted posts.
		err = repo.UpdateText(ctx, created.ID, "too late")
		assert.True(t, apperrors.IsNotFound(err))
	})
}

func TestPostRepo_Integration_RejectsOversizedText(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		repo := NewPostRepo(db)

		long := make([]byte, 281)
		for i := range long {
			long[i] = 'a'
		}
		_, err := repo.Create(context.Background(), &model.Post{Text: string(long)})
		assert.True(t, apperrors.IsValidation(err))
	})
}

func TestTemplateRepo_Integration_VariantPool(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		ctx := context.Background()
		repo := NewTemplateRepo(db)
		tmpl := createTestTemplate(t, db)

		v1, err := repo.CreateVariant(ctx, &model.PostVariant{
			TemplateID: tmpl.ID,
			Text:       "Variant one",
			Weight:     1,
			Active:     true,
		})
		require.NoError(t, err)

		v2, err := repo.CreateVariant(ctx, &model.PostVariant{
			TemplateID: tmpl.ID,
			Text:       "Variant two",
			Weight:     5,
			Active:     true,
			Tags:       []string{"promo"},
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"promo"}, v2.Tags)

		inactive, err := repo.CreateVariant(ctx, &model.PostVariant{
			TemplateID: tmpl.ID,
			Text:       "Benched variant",
			Weight:     1,
			Active:     false,
		})
		require.NoError(t, err)

		pool, err := repo.ListActiveVariants(ctx, tmpl.ID)
		require.NoError(t, err)
		require.Len(t, pool, 2)
		ids := []string{pool[0].ID, pool[1].ID}
		assert.Contains(t, ids, v1.ID)
		assert.Contains(t, ids, v2.ID)
		assert.NotContains(t, ids, inactive.ID)
		// id order is the selection contract.
		assert.Less(t, pool[0].ID, pool[1].ID)

		require.NoError(t, repo.SetVariantActive(ctx, v1.ID, false))
		pool, err = repo.ListActiveVariants(ctx, tmpl.ID)
		require.NoError(t, err)
		require.Len(t, pool, 1)
		assert.Equal(t, v2.ID, pool[0].ID)
	})
}

func TestTemplateRepo_Integration_VariantRequiresTemplate(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		repo := NewTemplateRepo(db)

		_, err := repo.CreateVariant(context.Background(), &model.PostVariant{
			TemplateID: "00000000-0000-0000-0000-00000000dead",
			Text:       "orphan",
			Weight:     1,
		})
		assert.True(t, apperrors.IsForeignKey(err))
	})
}

func TestSelectionHistoryRepo_Integration_Scopes(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		ctx := context.Background()
		histRepo := NewSelectionHistoryRepo(db)
		tmplRepo := NewTemplateRepo(db)
		jobRepo := NewPublishJobRepo(db)
		schedRepo := NewScheduleRepo(db)

		tmpl := createTestTemplate(t, db)
		v1, err := tmplRepo.CreateVariant(ctx, &model.PostVariant{TemplateID: tmpl.ID, Text: "v1", Weight: 1, Active: true})
		require.NoError(t, err)
		v2, err := tmplRepo.CreateVariant(ctx, &model.PostVariant{TemplateID: tmpl.ID, Text: "v2", Weight: 1, Active: true})
		require.NoError(t, err)

		mkSchedule := func() model.Schedule {
			next := time.Now().UTC().Add(time.Hour)
			s, createErr := schedRepo.Create(ctx, &model.Schedule{
				TemplateID:      &tmpl.ID,
				Kind:            model.ScheduleKindCron,
				Spec:            "0 9 * * *",
				Timezone:        "UTC",
				NextRunAt:       &next,
				Enabled:         true,
				SelectionPolicy: model.PolicyNoRepeatWindow,
				NoRepeatWindow:  2,
				NoRepeatScope:   model.ScopeTemplate,
			})
			require.NoError(t, createErr)
			return s
		}
		schedA := mkSchedule()
		schedB := mkSchedule()

		record := func(sched model.Schedule, variantID string, plannedAt, selectedAt time.Time) {
			err := pgxTxHelper(ctx, db, func(tx *sql.Tx) error {
				job, txErr := jobRepo.CreateInTx(ctx, tx, &model.CreatePublishJobRequest{
					ScheduleID: sched.ID,
					PlannedAt:  plannedAt,
					MaxAttempt: 3,
				})
				if txErr != nil {
					return txErr
				}
				return histRepo.InsertTx(ctx, tx, &model.VariantSelectionHistory{
					TemplateID: tmpl.ID,
					VariantID:  variantID,
					ScheduleID: sched.ID,
					JobID:      job.ID,
					PlannedAt:  plannedAt,
					SelectedAt: selectedAt,
				})
			})
			require.NoError(t, err)
		}

		base := time.Now().UTC().Truncate(time.Second)
		record(schedA, v1.ID, base.Add(1*time.Minute), base.Add(1*time.Minute))
		record(schedB, v2.ID, base.Add(2*time.Minute), base.Add(2*time.Minute))

		// Template scope sees selections from both schedules, newest first.
		ids, err := histRepo.RecentVariantIDs(ctx, RecentVariantParams{
			TemplateID: tmpl.ID,
			Scope:      model.ScopeTemplate,
			Window:     5,
		})
		require.NoError(t, err)
		assert.Equal(t, []string{v2.ID, v1.ID}, ids)

		// Schedule scope sees its own history only.
		ids, err = histRepo.RecentVariantIDs(ctx, RecentVariantParams{
			ScheduleID: schedA.ID,
			Scope:      model.ScopeSchedule,
			Window:     5,
		})
		require.NoError(t, err)
		assert.Equal(t, []string{v1.ID}, ids)

		// Window bounds the lookback.
		ids, err = histRepo.RecentVariantIDs(ctx, RecentVariantParams{
			TemplateID: tmpl.ID,
			Scope:      model.ScopeTemplate,
			Window:     1,
		})
		require.NoError(t, err)
		assert.Equal(t, []string{v2.ID}, ids)

		// Zero window consults nothing.
		ids, err = histRepo.RecentVariantIDs(ctx, RecentVariantParams{
			TemplateID: tmpl.ID,
			Scope:      model.ScopeTemplate,
		})
		require.NoError(t, err)
		assert.Nil(t, ids)

		// A backdated fire only sees selections made at or before its own
		// instant; the later selection stays invisible to it.
		ids, err = histRepo.RecentVariantIDs(ctx, RecentVariantParams{
			TemplateID: tmpl.ID,
			Scope:      model.ScopeTemplate,
			Window:     5,
			PlannedAt:  base.Add(1 * time.Minute),
		})
		require.NoError(t, err)
		assert.Equal(t, []string{v1.ID}, ids)
	})
}

func TestPublishedPostRepo_Integration_IdempotentRecord(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		ctx := context.Background()
		repo := NewPublishedPostRepo(db)
		post := createTestPost(t, db, "published body")

		first, err := repo.Record(ctx, &model.PublishedPost{
			PostID:     &post.ID,
			ExternalID: "1234567890",
			URL:        "https://x.com/i/web/status/1234567890",
			Text:       "published body",
		})
		require.NoError(t, err)
		require.NotEmpty(t, first.ID)

		// A retry that re-reports the same external id reuses the row.
		second, err := repo.Record(ctx, &model.PublishedPost{
			PostID:     &post.ID,
			ExternalID: "1234567890",
			URL:        "https://x.com/i/web/status/1234567890",
			Text:       "published body",
		})
		require.NoError(t, err)
		assert.Equal(t, first.ID, second.ID)

		got, err := repo.GetByExternalID(ctx, "1234567890")
		require.NoError(t, err)
		assert.Equal(t, first.ID, got.ID)

		texts, err := repo.RecentTexts(ctx, 10)
		require.NoError(t, err)
		assert.Equal(t, []string{"published body"}, texts)
	})
}
