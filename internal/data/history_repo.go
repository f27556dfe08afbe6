package data

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/plumefeed/plume/internal/domain/model"
)

// SelectionHistoryRepo provides database operations for the append-only
// variant selection log backing the no-repeat window.
type SelectionHistoryRepo struct {
	DB           *sql.DB
	timeProvider TimeProvider
}

// NewSelectionHistoryRepo creates a new SelectionHistoryRepo instance with the given database connection.
func NewSelectionHistoryRepo(db *sql.DB) *SelectionHistoryRepo {
	return &SelectionHistoryRepo{
		DB:           db,
		timeProvider: &RealTimeProvider{},
	}
}

// NewSelectionHistoryRepoWithTimeProvider creates a SelectionHistoryRepo with a custom TimeProvider (useful for testing).
func NewSelectionHistoryRepoWithTimeProvider(db *sql.DB, timeProvider TimeProvider) *SelectionHistoryRepo {
	return &SelectionHistoryRepo{
		DB:           db,
		timeProvider: timeProvider,
	}
}

// InsertTx appends one selection record within an existing transaction so
// the record commits atomically with the job it describes.
func (r *SelectionHistoryRepo) InsertTx(ctx context.Context, tx *sql.Tx, h *model.VariantSelectionHistory) error {
	selectedAt := h.SelectedAt
	if selectedAt.IsZero() {
		selectedAt = r.timeProvider.Now()
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO variant_selection_history (template_id, variant_id, schedule_id, job_id, planned_at, selected_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, h.TemplateID, h.VariantID, h.ScheduleID, h.JobID, h.PlannedAt.UTC(), selectedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert selection history: %w", err)
	}
	return nil
}

// RecentVariantParams bounds one history lookup.
type RecentVariantParams struct {
	TemplateID string
	ScheduleID string
	Scope      model.NoRepeatScope
	Window     int

	// PlannedAt, when set, restricts the lookback to selections made at or
	// before the fire being planned. A backdated catch-up fire then sees the
	// history as it stood at its own instant, not selections made since.
	PlannedAt time.Time
}

// RecentVariantIDsTx returns the variant ids of the last Window selections,
// most recent first, within an existing transaction. Scope decides whether
// the history of the whole template or just one schedule is consulted.
func (r *SelectionHistoryRepo) RecentVariantIDsTx(ctx context.Context, tx *sql.Tx, p RecentVariantParams) ([]string, error) {
	if p.Window <= 0 {
		return nil, nil
	}

	query, args := recentVariantQuery(p)
	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query recent variants (tx): %w", err)
	}
	return collectVariantIDs(rows)
}

// RecentVariantIDs is the non-transactional variant of RecentVariantIDsTx.
func (r *SelectionHistoryRepo) RecentVariantIDs(ctx context.Context, p RecentVariantParams) ([]string, error) {
	if p.Window <= 0 {
		return nil, nil
	}

	query, args := recentVariantQuery(p)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query recent variants: %w", err)
	}
	return collectVariantIDs(rows)
}

func recentVariantQuery(p RecentVariantParams) (string, []any) {
	column, scope := "template_id", p.TemplateID
	if p.Scope == model.ScopeSchedule {
		column, scope = "schedule_id", p.ScheduleID
	}

	if p.PlannedAt.IsZero() {
		return `
			SELECT variant_id
			FROM variant_selection_history
			WHERE ` + column + ` = $1
			ORDER BY selected_at DESC
			LIMIT $2
		`, []any{scope, p.Window}
	}
	return `
		SELECT variant_id
		FROM variant_selection_history
		WHERE ` + column + ` = $1
		  AND selected_at <= $2
		ORDER BY selected_at DESC
		LIMIT $3
	`, []any{scope, p.PlannedAt.UTC(), p.Window}
}

func collectVariantIDs(rows *sql.Rows) ([]string, error) {
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			_ = closeErr
		}
	}()

	var ids []string
	for rows.Next() {
		var id string
		if scanErr := rows.Scan(&id); scanErr != nil {
			return nil, fmt.Errorf("scan variant id: %w", scanErr)
		}
		ids = append(ids, id)
	}
	if rowsErr := rows.Err(); rowsErr != nil {
		return nil, fmt.Errorf("iterate variant ids: %w", rowsErr)
	}
	return ids, nil
}
