package service

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/plumefeed/plume/internal/core"
	"github.com/plumefeed/plume/internal/data/pgxutil"
	"github.com/plumefeed/plume/internal/domain/model"
)

// TxRunner runs fn inside one committed transaction. Services use it for
// multi-repository writes that must land atomically.
type TxRunner interface {
	WithTx(ctx context.Context, fn func(*sql.Tx) error) error
}

// DBTxRunner implements TxRunner on a live database handle.
type DBTxRunner struct {
	DB *sql.DB
}

// WithTx runs fn in a transaction, committing on nil error.
func (r DBTxRunner) WithTx(ctx context.Context, fn func(*sql.Tx) error) error {
	return pgxutil.WithSQLTx(ctx, r.DB, pgxutil.SQLTxConfig{Fn: fn})
}

// PostService manages fixed posts and the cascade that keeps schedules and
// jobs consistent when a post goes away.
type PostService struct {
	posts     core.PostRepository
	schedules core.ScheduleRepository
	jobs      core.PublishJobRepository
	tx        TxRunner
	logger    *slog.Logger
}

// PostServiceOptions holds the dependencies for NewPostService.
type PostServiceOptions struct {
	Posts     core.PostRepository
	Schedules core.ScheduleRepository
	Jobs      core.PublishJobRepository
	Tx        TxRunner
	Logger    *slog.Logger
}

// NewPostService creates a PostService with the given dependencies.
func NewPostService(opts PostServiceOptions) *PostService {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &PostService{
		posts:     opts.Posts,
		schedules: opts.Schedules,
		jobs:      opts.Jobs,
		tx:        opts.Tx,
		logger:    opts.Logger.With("component", "post_service"),
	}
}

// Create validates and stores a new post.
func (s *PostService) Create(ctx context.Context, post *model.Post) (model.Post, error) {
	return s.posts.Create(ctx, post)
}

// Get returns a post by id, including soft-deleted ones.
func (s *PostService) Get(ctx context.Context, id string) (model.Post, error) {
	return s.posts.GetByID(ctx, id)
}

// List returns non-deleted posts.
func (s *PostService) List(ctx context.Context, limit, offset int) ([]model.Post, error) {
	return s.posts.List(ctx, false, limit, offset)
}

// UpdateText replaces the text of a non-deleted post.
func (s *PostService) UpdateText(ctx context.Context, id, text string) error {
	return s.posts.UpdateText(ctx, id, text)
}

// Delete soft-deletes a post and, in the same transaction, disables every
// schedule bound to it and cancels their jobs that have not started.
// Returns the number of jobs cancelled. Jobs already running finish on the
// worker's terms; their content check will reject the deleted post.
func (s *PostService) Delete(ctx context.Context, id string) (int64, error) {
	var cancelled int64
	err := s.tx.WithTx(ctx, func(tx *sql.Tx) error {
		if err := s.posts.SoftDeleteTx(ctx, tx, id); err != nil {
			return fmt.Errorf("soft delete post: %w", err)
		}

		scheduleIDs, err := s.schedules.DisableByPostTx(ctx, tx, id)
		if err != nil {
			return fmt.Errorf("disable schedules: %w", err)
		}
		if len(scheduleIDs) == 0 {
			return nil
		}

		cancelled, err = s.jobs.CancelByScheduleTx(ctx, tx, scheduleIDs)
		if err != nil {
			return fmt.Errorf("cancel pending jobs: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	s.logger.InfoContext(ctx, "post deleted", "post_id", id, "jobs_cancelled", cancelled)
	return cancelled, nil
}
