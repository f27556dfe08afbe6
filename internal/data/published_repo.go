package data

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	apperrors "github.com/plumefeed/plume/internal/errors"

	"github.com/plumefeed/plume/internal/domain/model"
)

// PublishedPostRepo provides database operations for the record of
// successful publishes.
type PublishedPostRepo struct {
	DB           *sql.DB
	timeProvider TimeProvider
}

// NewPublishedPostRepo creates a new PublishedPostRepo instance with the given database connection.
func NewPublishedPostRepo(db *sql.DB) *PublishedPostRepo {
	return &PublishedPostRepo{
		DB:           db,
		timeProvider: &RealTimeProvider{},
	}
}

// NewPublishedPostRepoWithTimeProvider creates a PublishedPostRepo with a custom TimeProvider (useful for testing).
func NewPublishedPostRepoWithTimeProvider(db *sql.DB, timeProvider TimeProvider) *PublishedPostRepo {
	return &PublishedPostRepo{
		DB:           db,
		timeProvider: timeProvider,
	}
}

const publishedPostColumns = `
  id,
  post_id,
  variant_id,
  external_id,
  url,
  text,
  published_at
`

// Record stores one successful publish. The external id is unique; a retry
// that raced an earlier success reuses the existing row instead of erroring,
// which keeps success recording idempotent.
func (r *PublishedPostRepo) Record(ctx context.Context, p *model.PublishedPost) (model.PublishedPost, error) {
	if p.ExternalID == "" {
		return model.PublishedPost{}, apperrors.Validation("external id is required")
	}

	publishedAt := p.PublishedAt
	if publishedAt.IsZero() {
		publishedAt = r.timeProvider.Now()
	}

	query := `
		INSERT INTO published_posts (post_id, variant_id, external_id, url, text, published_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (external_id) DO NOTHING
		RETURNING ` + publishedPostColumns

	row := r.DB.QueryRowContext(ctx, query,
		p.PostID, p.VariantID, p.ExternalID, p.URL, p.Text, publishedAt.UTC(),
	)
	stored, err := scanPublishedPostRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		// Conflict path: someone recorded this external id first.
		return r.GetByExternalID(ctx, p.ExternalID)
	}
	if err != nil {
		return model.PublishedPost{}, apperrors.MapDBError(fmt.Errorf("record published post: %w", err))
	}
	return stored, nil
}

// GetByExternalID retrieves a published post by the id assigned by the
// external service.
func (r *PublishedPostRepo) GetByExternalID(ctx context.Context, externalID string) (model.PublishedPost, error) {
	row := r.DB.QueryRowContext(ctx, `
		SELECT `+publishedPostColumns+`
		FROM published_posts
		WHERE external_id = $1
	`, externalID)

	p, err := scanPublishedPostRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.PublishedPost{}, apperrors.NotFoundf("published post %s not found", externalID)
	}
	if err != nil {
		return model.PublishedPost{}, fmt.Errorf("get published post: %w", err)
	}
	return p, nil
}

// RecentTexts returns the text of the most recent publishes, newest first,
// for duplicate-content checks.
func (r *PublishedPostRepo) RecentTexts(ctx context.Context, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := r.DB.QueryContext(ctx, `
		SELECT text
		FROM published_posts
		ORDER BY published_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent texts: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			_ = closeErr
		}
	}()

	var texts []string
	for rows.Next() {
		var text string
		if scanErr := rows.Scan(&text); scanErr != nil {
			return nil, fmt.Errorf("scan text: %w", scanErr)
		}
		texts = append(texts, text)
	}
	if rowsErr := rows.Err(); rowsErr != nil {
		return nil, fmt.Errorf("iterate recent texts: %w", rowsErr)
	}
	return texts, nil
}

// ListRecent returns the most recent publishes, newest first.
func (r *PublishedPostRepo) ListRecent(ctx context.Context, limit int) ([]model.PublishedPost, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := r.DB.QueryContext(ctx, `
		SELECT `+publishedPostColumns+`
		FROM published_posts
		ORDER BY published_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list published posts: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			_ = closeErr
		}
	}()

	var posts []model.PublishedPost
	for rows.Next() {
		p, scanErr := scanPublishedPostRow(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("scan published post: %w", scanErr)
		}
		posts = append(posts, p)
	}
	if rowsErr := rows.Err(); rowsErr != nil {
		return nil, fmt.Errorf("iterate published posts: %w", rowsErr)
	}
	return posts, nil
}

// publishedPostRow matches the published_posts schema.
type publishedPostRow struct {
	ID          string         `db:"id"`
	PostID      sql.NullString `db:"post_id"`
	VariantID   sql.NullString `db:"variant_id"`
	ExternalID  string         `db:"external_id"`
	URL         string         `db:"url"`
	Text        string         `db:"text"`
	PublishedAt time.Time      `db:"published_at"`
}

func (r *publishedPostRow) toDomainPublishedPost() model.PublishedPost {
	if r == nil {
		return model.PublishedPost{}
	}
	p := model.PublishedPost{
		ID:          r.ID,
		ExternalID:  r.ExternalID,
		URL:         r.URL,
		Text:        r.Text,
		PublishedAt: r.PublishedAt,
	}
	p.PostID = cloneNullableString(r.PostID)
	p.VariantID = cloneNullableString(r.VariantID)
	return p
}

func scanPublishedPostRow(scanner sqlRowScanner) (model.PublishedPost, error) {
	var dbRow publishedPostRow
	err := scanner.Scan(
		&dbRow.ID,
		&dbRow.PostID,
		&dbRow.VariantID,
		&dbRow.ExternalID,
		&dbRow.URL,
		&dbRow.Text,
		&dbRow.PublishedAt,
	)
	if err != nil {
		return model.PublishedPost{}, err
	}
	return dbRow.toDomainPublishedPost(), nil
}
