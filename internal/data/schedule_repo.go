package data

import (
	"context"
	"database/sql"
	"fmt"
	"hash/fnv"
	"math"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	apperrors "github.com/plumefeed/plume/internal/errors"

	"github.com/plumefeed/plume/internal/data/pgxutil"
	"github.com/plumefeed/plume/internal/domain/model"
)

// ScheduleRepo provides database operations for publish schedules.
type ScheduleRepo struct {
	DB           *sql.DB
	timeProvider TimeProvider
}

// NewScheduleRepo creates a new ScheduleRepo instance with the given database connection.
func NewScheduleRepo(db *sql.DB) *ScheduleRepo {
	return &ScheduleRepo{
		DB:           db,
		timeProvider: &RealTimeProvider{},
	}
}

// NewScheduleRepoWithTimeProvider creates a ScheduleRepo with a custom TimeProvider (useful for testing).
func NewScheduleRepoWithTimeProvider(db *sql.DB, timeProvider TimeProvider) *ScheduleRepo {
	return &ScheduleRepo{
		DB:           db,
		timeProvider: timeProvider,
	}
}

// fnvHash computes FNV-1a 64-bit hash of the given string for use as advisory lock key.
func fnvHash(s string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(s))
	// Advisory locks accept BIGINT; constrain the unsigned hash into int64 range before casting.
	u := h.Sum64()
	if u > uint64(math.MaxInt64) {
		u %= uint64(math.MaxInt64)
	}
	return int64(u) // #nosec G115 -- value is explicitly bounded to <= MaxInt64 before casting to int64.
}

const scheduleColumns = `
  id,
  post_id,
  template_id,
  kind,
  schedule_spec,
  timezone,
  next_run_at,
  last_run_at,
  enabled,
  selection_policy,
  no_repeat_window,
  no_repeat_scope,
  last_variant_pos,
  created_at,
  updated_at
`

// Create inserts a new schedule and returns the stored row.
func (r *ScheduleRepo) Create(ctx context.Context, s *model.Schedule) (model.Schedule, error) {
	if err := s.Validate(); err != nil {
		return model.Schedule{}, apperrors.Wrap(err, apperrors.ErrCodeValidation, "invalid schedule")
	}

	now := r.timeProvider.Now().UTC()
	query := `
		INSERT INTO schedules (
			post_id, template_id, kind, schedule_spec, timezone,
			next_run_at, enabled, selection_policy, no_repeat_window, no_repeat_scope,
			created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $11)
		RETURNING ` + scheduleColumns

	row := r.DB.QueryRowContext(ctx, query,
		s.PostID, s.TemplateID, s.Kind, s.Spec, s.Timezone,
		nullableTime(s.NextRunAt), s.Enabled, s.SelectionPolicy, s.NoRepeatWindow, s.NoRepeatScope,
		now,
	)

	created, err := scanScheduleFromSQLRow(row)
	if err != nil {
		return model.Schedule{}, apperrors.MapDBError(fmt.Errorf("insert schedule: %w", err))
	}
	return created, nil
}

// GetByID retrieves a schedule by its id.
func (r *ScheduleRepo) GetByID(ctx context.Context, id string) (model.Schedule, error) {
	query := `SELECT ` + scheduleColumns + ` FROM schedules WHERE id = $1`

	row := r.DB.QueryRowContext(ctx, query, id)
	s, err := scanScheduleFromSQLRow(row)
	if err != nil {
		return model.Schedule{}, apperrors.MapDBError(fmt.Errorf("get schedule %s: %w", id, err))
	}
	return s, nil
}

// GetByIDTx retrieves a schedule within an existing transaction.
func (r *ScheduleRepo) GetByIDTx(ctx context.Context, tx *sql.Tx, id string) (model.Schedule, error) {
	query := `SELECT ` + scheduleColumns + ` FROM schedules WHERE id = $1`

	row := tx.QueryRowContext(ctx, query, id)
	s, err := scanScheduleFromSQLRow(row)
	if err != nil {
		return model.Schedule{}, apperrors.MapDBError(fmt.Errorf("get schedule %s (tx): %w", id, err))
	}
	return s, nil
}

// List returns schedules ordered by creation time, newest first.
func (r *ScheduleRepo) List(ctx context.Context, limit, offset int) ([]model.Schedule, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT ` + scheduleColumns + `
		FROM schedules
		ORDER BY created_at DESC
		LIMIT $1 OFFSET $2
	`

	var schedules []model.Schedule
	err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, queryErr := conn.Query(ctx, query, limit, offset)
		if queryErr != nil {
			return queryErr
		}
		defer rows.Close()

		collected, collectErr := pgx.CollectRows(rows, rowToSchedule)
		if collectErr != nil {
			return collectErr
		}
		schedules = collected
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list schedules: %w", err)
	}
	return schedules, nil
}

// FindDueParams bounds one due-schedule claim.
type FindDueParams struct {
	Now   time.Time
	Limit int
}

// FindDueTx claims schedules due for firing within an existing transaction.
// Uses FOR UPDATE SKIP LOCKED so concurrent tick loops never double-claim a
// schedule; pair it with UpdateAfterFireTx in the same transaction.
func (r *ScheduleRepo) FindDueTx(ctx context.Context, tx *sql.Tx, p FindDueParams) ([]model.Schedule, error) {
	if p.Limit <= 0 {
		return nil, fmt.Errorf("limit must be positive, got %d", p.Limit)
	}

	query := `
		SELECT ` + scheduleColumns + `
		FROM schedules
		WHERE enabled AND next_run_at IS NOT NULL AND next_run_at <= $1
		ORDER BY next_run_at ASC, created_at ASC
		LIMIT $2
		FOR UPDATE SKIP LOCKED
	`

	rows, queryErr := tx.QueryContext(ctx, query, p.Now.UTC(), p.Limit)
	if queryErr != nil {
		return nil, fmt.Errorf("query due schedules: %w", queryErr)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			_ = closeErr
		}
	}()

	var schedules []model.Schedule
	for rows.Next() {
		s, scanErr := scanScheduleFromSQLRows(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("scan schedule: %w", scanErr)
		}
		schedules = append(schedules, s)
	}
	if rowsErr := rows.Err(); rowsErr != nil {
		return nil, fmt.Errorf("iterate due schedules: %w", rowsErr)
	}
	return schedules, nil
}

// AfterFireParams carries the schedule advance persisted after a fire is
// materialized. A nil NextRunAt together with Disable clears the due index
// entry for exhausted one-shot and rrule schedules.
type AfterFireParams struct {
	ID             string
	LastRunAt      time.Time
	NextRunAt      *time.Time
	Disable        bool
	LastVariantPos *int
}

// UpdateAfterFireTx advances a claimed schedule within the claiming transaction.
func (r *ScheduleRepo) UpdateAfterFireTx(ctx context.Context, tx *sql.Tx, p AfterFireParams) error {
	currentTime := r.timeProvider.Now().UTC()

	clauses := []string{"last_run_at = $2", "next_run_at = $3", "updated_at = $4"}
	args := []any{p.ID, p.LastRunAt.UTC(), nullableTime(p.NextRunAt), currentTime}

	if p.Disable {
		clauses = append(clauses, "enabled = FALSE")
	}
	if p.LastVariantPos != nil {
		idx := len(args) + 1
		clauses = append(clauses, fmt.Sprintf("last_variant_pos = $%d", idx))
		args = append(args, *p.LastVariantPos)
	}

	var queryBuilder strings.Builder
	queryBuilder.WriteString("UPDATE schedules SET ")
	queryBuilder.WriteString(strings.Join(clauses, ", "))
	queryBuilder.WriteString(" WHERE id = $1")

	res, err := tx.ExecContext(ctx, queryBuilder.String(), args...)
	if err != nil {
		return fmt.Errorf("update schedule after fire: %w", err)
	}
	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return apperrors.NotFoundf("schedule %s not found", p.ID)
	}
	return nil
}

// SetNextRun stores a freshly resolved next fire instant. A nil next clears it.
func (r *ScheduleRepo) SetNextRun(ctx context.Context, id string, next *time.Time) error {
	query := `UPDATE schedules SET next_run_at = $2, updated_at = $3 WHERE id = $1`

	res, err := r.DB.ExecContext(ctx, query, id, nullableTime(next), r.timeProvider.Now().UTC())
	if err != nil {
		return fmt.Errorf("set next run: %w", err)
	}
	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return apperrors.NotFoundf("schedule %s not found", id)
	}
	return nil
}

// SetEnabled flips the enabled flag.
func (r *ScheduleRepo) SetEnabled(ctx context.Context, id string, enabled bool) error {
	query := `UPDATE schedules SET enabled = $2, updated_at = $3 WHERE id = $1`

	res, err := r.DB.ExecContext(ctx, query, id, enabled, r.timeProvider.Now().UTC())
	if err != nil {
		return fmt.Errorf("set enabled: %w", err)
	}
	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return apperrors.NotFoundf("schedule %s not found", id)
	}
	return nil
}

// ListMissingNextRun returns enabled schedules whose next_run_at was never
// resolved, e.g. rows created before the resolver ran or imported in bulk.
func (r *ScheduleRepo) ListMissingNextRun(ctx context.Context, limit int) ([]model.Schedule, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT ` + scheduleColumns + `
		FROM schedules
		WHERE enabled AND next_run_at IS NULL
		ORDER BY created_at ASC
		LIMIT $1
	`

	var schedules []model.Schedule
	err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, queryErr := conn.Query(ctx, query, limit)
		if queryErr != nil {
			return queryErr
		}
		defer rows.Close()

		collected, collectErr := pgx.CollectRows(rows, rowToSchedule)
		if collectErr != nil {
			return collectErr
		}
		schedules = collected
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list schedules missing next run: %w", err)
	}
	return schedules, nil
}

// CountOverdue counts enabled schedules whose next_run_at is more than
// grace in the past, i.e. fires the tick is failing to take.
func (r *ScheduleRepo) CountOverdue(ctx context.Context, grace time.Duration) (int, error) {
	cutoff := r.timeProvider.Now().UTC().Add(-grace)

	var count int
	err := r.DB.QueryRowContext(ctx, `
  SELECT count(*)
  FROM schedules
  WHERE enabled AND next_run_at IS NOT NULL AND next_run_at < $1
  `, cutoff).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count overdue schedules: %w", err)
	}
	return count, nil
}

// DisableByPostTx disables every schedule bound to the given post within an
// existing transaction and returns the affected schedule ids.
func (r *ScheduleRepo) DisableByPostTx(ctx context.Context, tx *sql.Tx, postID string) ([]string, error) {
	query := `
		UPDATE schedules
		SET enabled = FALSE, next_run_at = NULL, updated_at = $2
		WHERE post_id = $1 AND enabled
		RETURNING id
	`

	rows, err := tx.QueryContext(ctx, query, postID, r.timeProvider.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("disable schedules for post: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			_ = closeErr
		}
	}()

	var ids []string
	for rows.Next() {
		var id string
		if scanErr := rows.Scan(&id); scanErr != nil {
			return nil, fmt.Errorf("scan disabled schedule id: %w", scanErr)
		}
		ids = append(ids, id)
	}
	if rowsErr := rows.Err(); rowsErr != nil {
		return nil, fmt.Errorf("iterate disabled schedules: %w", rowsErr)
	}
	return ids, nil
}

// TryWithTickLock attempts to acquire the cluster-wide advisory lock for the
// named tick loop. Uses FNV-1a 64-bit hash of name for the lock key.
// Return semantics:
//   - (false, nil): lock not acquired; fn was not executed
//   - (true, nil): lock acquired; fn executed and succeeded
//   - (true, err): lock acquired; fn executed and failed with err
func (r *ScheduleRepo) TryWithTickLock(
	ctx context.Context,
	name string,
	fn func(context.Context, *sql.Tx) error,
) (bool, error) {
	lockKey := fnvHash(name)

	var locked bool
	var fnErr error

	err := pgxutil.WithSQLTx(ctx, r.DB, pgxutil.SQLTxConfig{
		Fn: func(tx *sql.Tx) error {
			if err := tx.QueryRowContext(ctx, "SELECT pg_try_advisory_xact_lock($1)", lockKey).Scan(&locked); err != nil {
				return fmt.Errorf("acquire advisory lock for %s: %w", name, err)
			}
			if !locked {
				return nil
			}
			fnErr = fn(ctx, tx)
			// Commit regardless; fn's error is reported separately so partial
			// work fn chose to keep is not rolled back with it.
			return nil
		},
	})
	if err != nil {
		return false, err
	}
	return locked, fnErr
}

// scheduleRow matches the schedules schema exactly so pgx.RowToStructByName works.
type scheduleRow struct {
	ID              string         `db:"id"`
	PostID          sql.NullString `db:"post_id"`
	TemplateID      sql.NullString `db:"template_id"`
	Kind            string         `db:"kind"`
	Spec            string         `db:"schedule_spec"`
	Timezone        string         `db:"timezone"`
	NextRunAt       sql.NullTime   `db:"next_run_at"`
	LastRunAt       sql.NullTime   `db:"last_run_at"`
	Enabled         bool           `db:"enabled"`
	SelectionPolicy string         `db:"selection_policy"`
	NoRepeatWindow  int            `db:"no_repeat_window"`
	NoRepeatScope   string         `db:"no_repeat_scope"`
	LastVariantPos  sql.NullInt64  `db:"last_variant_pos"`
	CreatedAt       time.Time      `db:"created_at"`
	UpdatedAt       time.Time      `db:"updated_at"`
}

func (r *scheduleRow) toDomainSchedule() model.Schedule {
	if r == nil {
		return model.Schedule{}
	}

	s := model.Schedule{
		ID:              r.ID,
		Kind:            model.ScheduleKind(r.Kind),
		Spec:            r.Spec,
		Timezone:        r.Timezone,
		Enabled:         r.Enabled,
		SelectionPolicy: model.SelectionPolicy(r.SelectionPolicy),
		NoRepeatWindow:  r.NoRepeatWindow,
		NoRepeatScope:   model.NoRepeatScope(r.NoRepeatScope),
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
	}

	if r.PostID.Valid {
		v := r.PostID.String
		s.PostID = &v
	}
	if r.TemplateID.Valid {
		v := r.TemplateID.String
		s.TemplateID = &v
	}
	if r.NextRunAt.Valid {
		t := r.NextRunAt.Time
		s.NextRunAt = &t
	}
	if r.LastRunAt.Valid {
		t := r.LastRunAt.Time
		s.LastRunAt = &t
	}
	if r.LastVariantPos.Valid {
		p := int(r.LastVariantPos.Int64)
		s.LastVariantPos = &p
	}
	return s
}

// rowToSchedule maps a pgx row to model.Schedule using pgx v5 generics.
func rowToSchedule(row pgx.CollectableRow) (model.Schedule, error) {
	dbRow, err := pgx.RowToStructByName[scheduleRow](row)
	if err != nil {
		return model.Schedule{}, fmt.Errorf("scan schedule row: %w", err)
	}
	return dbRow.toDomainSchedule(), nil
}

type sqlRowScanner interface {
	Scan(dest ...any) error
}

func scanScheduleRow(scanner sqlRowScanner) (model.Schedule, error) {
	var dbRow scheduleRow
	err := scanner.Scan(
		&dbRow.ID,
		&dbRow.PostID,
		&dbRow.TemplateID,
		&dbRow.Kind,
		&dbRow.Spec,
		&dbRow.Timezone,
		&dbRow.NextRunAt,
		&dbRow.LastRunAt,
		&dbRow.Enabled,
		&dbRow.SelectionPolicy,
		&dbRow.NoRepeatWindow,
		&dbRow.NoRepeatScope,
		&dbRow.LastVariantPos,
		&dbRow.CreatedAt,
		&dbRow.UpdatedAt,
	)
	if err != nil {
		return model.Schedule{}, err
	}
	return dbRow.toDomainSchedule(), nil
}

func scanScheduleFromSQLRows(rows *sql.Rows) (model.Schedule, error) {
	return scanScheduleRow(rows)
}

func scanScheduleFromSQLRow(row *sql.Row) (model.Schedule, error) {
	return scanScheduleRow(row)
}

func nullableTime(t *time.Time) sql.NullTime {
	if t == nil || t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}
