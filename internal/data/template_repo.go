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

// TemplateRepo provides database operations for post templates and their
// variant pools.
type TemplateRepo struct {
	DB           *sql.DB
	timeProvider TimeProvider
}

// NewTemplateRepo creates a new TemplateRepo instance with the given database connection.
func NewTemplateRepo(db *sql.DB) *TemplateRepo {
	return &TemplateRepo{
		DB:           db,
		timeProvider: &RealTimeProvider{},
	}
}

// NewTemplateRepoWithTimeProvider creates a TemplateRepo with a custom TimeProvider (useful for testing).
func NewTemplateRepoWithTimeProvider(db *sql.DB, timeProvider TimeProvider) *TemplateRepo {
	return &TemplateRepo{
		DB:           db,
		timeProvider: timeProvider,
	}
}

const templateColumns = `
  id,
  name,
  description,
  active,
  created_at,
  updated_at
`

const variantColumns = `
  id,
  template_id,
  text,
  weight,
  active,
  media_refs,
  locale,
  tags,
  created_at,
  updated_at
`

// CreateTemplate inserts a template and returns the stored row.
func (r *TemplateRepo) CreateTemplate(ctx context.Context, t *model.PostTemplate) (model.PostTemplate, error) {
	if err := t.Validate(); err != nil {
		return model.PostTemplate{}, apperrors.Wrap(err, apperrors.ErrCodeValidation, "invalid template")
	}

	now := r.timeProvider.Now().UTC()
	query := `
		INSERT INTO post_templates (name, description, active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $4)
		RETURNING ` + templateColumns

	row := r.DB.QueryRowContext(ctx, query, t.Name, t.Description, t.Active, now)
	created, err := scanTemplateRow(row)
	if err != nil {
		return model.PostTemplate{}, apperrors.MapDBError(fmt.Errorf("insert template: %w", err))
	}
	return created, nil
}

// GetTemplate retrieves a template by id.
func (r *TemplateRepo) GetTemplate(ctx context.Context, id string) (model.PostTemplate, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+templateColumns+` FROM post_templates WHERE id = $1`, id)
	t, err := scanTemplateRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.PostTemplate{}, apperrors.NotFoundf("template %s not found", id)
	}
	if err != nil {
		return model.PostTemplate{}, fmt.Errorf("get template: %w", err)
	}
	return t, nil
}

// ListTemplates returns templates, newest first.
func (r *TemplateRepo) ListTemplates(ctx context.Context, limit, offset int) ([]model.PostTemplate, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := r.DB.QueryContext(ctx, `
		SELECT `+templateColumns+`
		FROM post_templates
		ORDER BY created_at DESC
		LIMIT $1 OFFSET $2
	`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list templates: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			_ = closeErr
		}
	}()

	var templates []model.PostTemplate
	for rows.Next() {
		t, scanErr := scanTemplateRow(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("scan template: %w", scanErr)
		}
		templates = append(templates, t)
	}
	if rowsErr := rows.Err(); rowsErr != nil {
		return nil, fmt.Errorf("iterate templates: %w", rowsErr)
	}
	return templates, nil
}

// SetTemplateActive flips the active flag on a template.
func (r *TemplateRepo) SetTemplateActive(ctx context.Context, id string, active bool) error {
	res, err := r.DB.ExecContext(ctx, `
		UPDATE post_templates SET active = $2, updated_at = $3 WHERE id = $1
	`, id, active, r.timeProvider.Now().UTC())
	if err != nil {
		return fmt.Errorf("set template active: %w", err)
	}
	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return apperrors.NotFoundf("template %s not found", id)
	}
	return nil
}

// CreateVariant inserts a variant under its template and returns the stored row.
func (r *TemplateRepo) CreateVariant(ctx context.Context, v *model.PostVariant) (model.PostVariant, error) {
	if err := v.Validate(); err != nil {
		return model.PostVariant{}, apperrors.Wrap(err, apperrors.ErrCodeValidation, "invalid variant")
	}

	now := r.timeProvider.Now().UTC()
	mediaRefs := v.MediaRefs
	if mediaRefs == nil {
		mediaRefs = []string{}
	}
	tags := v.Tags
	if tags == nil {
		tags = []string{}
	}

	var created model.PostVariant
	err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, qerr := conn.Query(ctx, `
			INSERT INTO post_variants (template_id, text, weight, active, media_refs, locale, tags, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
			RETURNING `+variantColumns,
			v.TemplateID, v.Text, v.Weight, v.Active, mediaRefs, v.Locale, tags, now)
		if qerr != nil {
			return qerr
		}
		defer rows.Close()

		collected, cerr := pgx.CollectOneRow(rows, rowToVariant)
		if cerr != nil {
			return cerr
		}
		created = collected
		return nil
	})
	if err != nil {
		return model.PostVariant{}, apperrors.MapDBError(fmt.Errorf("insert variant: %w", err))
	}
	return created, nil
}

// GetVariant retrieves a variant by id.
func (r *TemplateRepo) GetVariant(ctx context.Context, id string) (model.PostVariant, error) {
	var variant model.PostVariant
	err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, qerr := conn.Query(ctx, `SELECT `+variantColumns+` FROM post_variants WHERE id = $1`, id)
		if qerr != nil {
			return qerr
		}
		defer rows.Close()

		collected, cerr := pgx.CollectOneRow(rows, rowToVariant)
		if cerr != nil {
			return cerr
		}
		variant = collected
		return nil
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return model.PostVariant{}, apperrors.NotFoundf("variant %s not found", id)
	}
	if err != nil {
		return model.PostVariant{}, fmt.Errorf("get variant: %w", err)
	}
	return variant, nil
}

// ListVariants returns the variants of a template in id order. Inactive
// variants are excluded unless includeInactive is set.
func (r *TemplateRepo) ListVariants(ctx context.Context, templateID string, includeInactive bool) ([]model.PostVariant, error) {
	query := `SELECT ` + variantColumns + ` FROM post_variants WHERE template_id = $1`
	if !includeInactive {
		query += ` AND active`
	}
	query += ` ORDER BY id ASC`

	var variants []model.PostVariant
	err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, qerr := conn.Query(ctx, query, templateID)
		if qerr != nil {
			return qerr
		}
		defer rows.Close()

		collected, cerr := pgx.CollectRows(rows, rowToVariant)
		if cerr != nil {
			return cerr
		}
		variants = collected
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list variants: %w", err)
	}
	return variants, nil
}

// ListActiveVariants returns the selectable pool of a template in id order.
func (r *TemplateRepo) ListActiveVariants(ctx context.Context, templateID string) ([]model.PostVariant, error) {
	return r.ListVariants(ctx, templateID, false)
}

// SetVariantActive flips the active flag on a variant.
func (r *TemplateRepo) SetVariantActive(ctx context.Context, id string, active bool) error {
	res, err := r.DB.ExecContext(ctx, `
		UPDATE post_variants SET active = $2, updated_at = $3 WHERE id = $1
	`, id, active, r.timeProvider.Now().UTC())
	if err != nil {
		return fmt.Errorf("set variant active: %w", err)
	}
	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return apperrors.NotFoundf("variant %s not found", id)
	}
	return nil
}

// templateRow matches the post_templates schema.
type templateRow struct {
	ID          string    `db:"id"`
	Name        string    `db:"name"`
	Description string    `db:"description"`
	Active      bool      `db:"active"`
	CreatedAt   time.Time `db:"created_at"`
	UpdatedAt   time.Time `db:"updated_at"`
}

func (r *templateRow) toDomainTemplate() model.PostTemplate {
	if r == nil {
		return model.PostTemplate{}
	}
	return model.PostTemplate{
		ID:          r.ID,
		Name:        r.Name,
		Description: r.Description,
		Active:      r.Active,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}
}

func scanTemplateRow(scanner sqlRowScanner) (model.PostTemplate, error) {
	var dbRow templateRow
	err := scanner.Scan(
		&dbRow.ID,
		&dbRow.Name,
		&dbRow.Description,
		&dbRow.Active,
		&dbRow.CreatedAt,
		&dbRow.UpdatedAt,
	)
	if err != nil {
		return model.PostTemplate{}, err
	}
	return dbRow.toDomainTemplate(), nil
}

// variantRow matches the post_variants schema exactly so pgx.RowToStructByName works.
type variantRow struct {
	ID         string         `db:"id"`
	TemplateID string         `db:"template_id"`
	Text       string         `db:"text"`
	Weight     int            `db:"weight"`
	Active     bool           `db:"active"`
	MediaRefs  []string       `db:"media_refs"`
	Locale     sql.NullString `db:"locale"`
	Tags       []string       `db:"tags"`
	CreatedAt  time.Time      `db:"created_at"`
	UpdatedAt  time.Time      `db:"updated_at"`
}

func (r *variantRow) toDomainVariant() model.PostVariant {
	if r == nil {
		return model.PostVariant{}
	}
	v := model.PostVariant{
		ID:         r.ID,
		TemplateID: r.TemplateID,
		Text:       r.Text,
		Weight:     r.Weight,
		Active:     r.Active,
		MediaRefs:  r.MediaRefs,
		Tags:       r.Tags,
		CreatedAt:  r.CreatedAt,
		UpdatedAt:  r.UpdatedAt,
	}
	v.Locale = cloneNullableString(r.Locale)
	return v
}

// rowToVariant maps a pgx row to model.PostVariant using pgx v5 generics.
func rowToVariant(row pgx.CollectableRow) (model.PostVariant, error) {
	dbRow, err := pgx.RowToStructByName[variantRow](row)
	if err != nil {
		return model.PostVariant{}, fmt.Errorf("scan variant row: %w", err)
	}
	return dbRow.toDomainVariant(), nil
}
