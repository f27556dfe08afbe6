package data

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	apperrors "github.com/plumefeed/plume/internal/errors"

	"github.com/plumefeed/plume/internal/data/pgxutil"
	"github.com/plumefeed/plume/internal/domain/model"
)

// PostRepo provides database operations for standalone posts.
type PostRepo struct {
	DB           *sql.DB
	timeProvider TimeProvider
}

// NewPostRepo creates a new PostRepo instance with the given database connection.
func NewPostRepo(db *sql.DB) *PostRepo {
	return &PostRepo{
		DB:           db,
		timeProvider: &RealTimeProvider{},
	}
}

// NewPostRepoWithTimeProvider creates a PostRepo with a custom TimeProvider (useful for testing).
func NewPostRepoWithTimeProvider(db *sql.DB, timeProvider TimeProvider) *PostRepo {
	return &PostRepo{
		DB:           db,
		timeProvider: timeProvider,
	}
}

const postColumns = `
  id,
  text,
  media_refs,
  deleted,
  created_at,
  updated_at
`

// Create inserts a post and returns the stored row.
func (r *PostRepo) Create(ctx context.Context, p *model.Post) (model.Post, error) {
	if err := p.Validate(); err != nil {
		return model.Post{}, apperrors.Wrap(err, apperrors.ErrCodeValidation, "invalid post")
	}

	now := r.timeProvider.Now().UTC()
	mediaRefs := p.MediaRefs
	if mediaRefs == nil {
		mediaRefs = []string{}
	}

	var created model.Post
	err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, qerr := conn.Query(ctx, `
			INSERT INTO posts (text, media_refs, created_at, updated_at)
			VALUES ($1, $2, $3, $3)
			RETURNING `+postColumns, p.Text, mediaRefs, now)
		if qerr != nil {
			return qerr
		}
		defer rows.Close()

		collected, cerr := pgx.CollectOneRow(rows, rowToPost)
		if cerr != nil {
			return cerr
		}
		created = collected
		return nil
	})
	if err != nil {
		return model.Post{}, apperrors.MapDBError(fmt.Errorf("insert post: %w", err))
	}
	return created, nil
}

// GetByID retrieves a post by id, including soft-deleted rows.
func (r *PostRepo) GetByID(ctx context.Context, id string) (model.Post, error) {
	var post model.Post
	err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, qerr := conn.Query(ctx, `SELECT `+postColumns+` FROM posts WHERE id = $1`, id)
		if qerr != nil {
			return qerr
		}
		defer rows.Close()

		collected, cerr := pgx.CollectOneRow(rows, rowToPost)
		if cerr != nil {
			return cerr
		}
		post = collected
		return nil
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Post{}, apperrors.NotFoundf("post %s not found", id)
	}
	if err != nil {
		return model.Post{}, fmt.Errorf("get post: %w", err)
	}
	return post, nil
}

// List returns posts, newest first. Soft-deleted rows are excluded unless
// includeDeleted is set.
func (r *PostRepo) List(ctx context.Context, includeDeleted bool, limit, offset int) ([]model.Post, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT ` + postColumns + ` FROM posts`
	if !includeDeleted {
		query += ` WHERE NOT deleted`
	}
	query += ` ORDER BY created_at DESC LIMIT $1 OFFSET $2`

	var posts []model.Post
	err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, qerr := conn.Query(ctx, query, limit, offset)
		if qerr != nil {
			return qerr
		}
		defer rows.Close()

		collected, cerr := pgx.CollectRows(rows, rowToPost)
		if cerr != nil {
			return cerr
		}
		posts = collected
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list posts: %w", err)
	}
	return posts, nil
}

// UpdateText replaces the post text.
func (r *PostRepo) UpdateText(ctx context.Context, id, text string) error {
	p := model.Post{Text: text}
	if err := p.Validate(); err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeValidation, "invalid post")
	}

	res, err := r.DB.ExecContext(ctx, `
		UPDATE posts SET text = $2, updated_at = $3
		WHERE id = $1 AND NOT deleted
	`, id, text, r.timeProvider.Now().UTC())
	if err != nil {
		return fmt.Errorf("update post text: %w", err)
	}
	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return apperrors.NotFoundf("post %s not found", id)
	}
	return nil
}

// SoftDeleteTx marks a post deleted within an existing transaction. Pair it
// with schedule disabling and job cancellation so a delete is atomic with
// its downstream cleanup.
func (r *PostRepo) SoftDeleteTx(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := tx.ExecContext(ctx, `
		UPDATE posts SET deleted = TRUE, updated_at = $2
		WHERE id = $1 AND NOT deleted
	`, id, r.timeProvider.Now().UTC())
	if err != nil {
		return fmt.Errorf("soft delete post: %w", err)
	}
	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return apperrors.NotFoundf("post %s not found", id)
	}
	return nil
}

// postRow matches the posts schema exactly so pgx.RowToStructByName works.
type postRow struct {
	ID        string    `db:"id"`
	Text      string    `db:"text"`
	MediaRefs []string  `db:"media_refs"`
	Deleted   bool      `db:"deleted"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

func (r *postRow) toDomainPost() model.Post {
	if r == nil {
		return model.Post{}
	}
	return model.Post{
		ID:        r.ID,
		Text:      r.Text,
		MediaRefs: r.MediaRefs,
		Deleted:   r.Deleted,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
}

// rowToPost maps a pgx row to model.Post using pgx v5 generics.
func rowToPost(row pgx.CollectableRow) (model.Post, error) {
	dbRow, err := pgx.RowToStructByName[postRow](row)
	if err != nil {
		return model.Post{}, fmt.Errorf("scan post row: %w", err)
	}
	return dbRow.toDomainPost(), nil
}
