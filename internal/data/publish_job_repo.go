package data

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"

	apperrors "github.com/plumefeed/plume/internal/errors"

	"github.com/plumefeed/plume/internal/data/pgxutil"
	"github.com/plumefeed/plume/internal/domain/model"
)

// PublishChannel is the Postgres NOTIFY channel signalling new enqueued jobs.
const PublishChannel = "job_added_publish"

// Advisory lock namespace for sweeper operations.
// Using two-arg pg_try_advisory_xact_lock(major, minor) for proper namespacing.
const (
	advisoryLockSweepMajor          = 2000
	advisoryLockSweepRequeueExpired = 1 // minor key for RequeueExpired
	advisoryLockSweepPromotePlanned = 2 // minor key for PromoteStalePlanned
	advisoryLockSweepDeleteOld      = 3 // minor key for DeleteOldTerminal
)

// PublishJobRepo provides database operations for the publish job lifecycle.
type PublishJobRepo struct {
	DB           *sql.DB
	timeProvider TimeProvider
	logger       *slog.Logger
}

// PublishJobRepoOptions configures optional collaborators of PublishJobRepo.
type PublishJobRepoOptions struct {
	TimeProvider TimeProvider
	Logger       *slog.Logger
}

// NewPublishJobRepo creates a new PublishJobRepo instance with the given database connection.
func NewPublishJobRepo(db *sql.DB) *PublishJobRepo {
	return NewPublishJobRepoWithOptions(db, PublishJobRepoOptions{})
}

// NewPublishJobRepoWithOptions creates a PublishJobRepo with custom collaborators (useful for testing).
func NewPublishJobRepoWithOptions(db *sql.DB, opts PublishJobRepoOptions) *PublishJobRepo {
	tp := opts.TimeProvider
	if tp == nil {
		tp = &RealTimeProvider{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &PublishJobRepo{
		DB:           db,
		timeProvider: tp,
		logger:       logger.With("component", "publish_job_repo"),
	}
}

const publishJobColumns = `
  id,
  schedule_id,
  planned_at,
  status,
  attempt,
  max_attempt,
  dedupe_key,
  error,
  variant_id,
  selection_policy,
  selection_seed,
  selected_at,
  next_attempt_at,
  lease_expires_at,
  enqueued_at,
  started_at,
  finished_at,
  created_at,
  updated_at
`

// SQL used by ReserveNext to atomically claim the next ready job. A job is
// ready when its eta has passed and it sits on a claimable edge of the
// lifecycle (enqueued -> running, failed -> running for retries).
const reserveNextPublishJobSQL = `
  WITH cte AS (
    SELECT id FROM publish_jobs
    WHERE status IN ('enqueued', 'failed')
      AND next_attempt_at IS NOT NULL
      AND next_attempt_at <= $1
    ORDER BY next_attempt_at ASC, planned_at ASC
    LIMIT 1
    FOR UPDATE SKIP LOCKED
  )
  UPDATE publish_jobs j
  SET
    status = 'running',
    attempt = j.attempt + 1,
    started_at = COALESCE(j.started_at, $2),
    lease_expires_at = $3,
    updated_at = $4
  FROM cte
  WHERE j.id = cte.id
  RETURNING j.id, j.schedule_id, j.planned_at, j.status, j.attempt, j.max_attempt, j.dedupe_key, j.error, j.variant_id, j.selection_policy, j.selection_seed, j.selected_at, j.next_attempt_at, j.lease_expires_at, j.enqueued_at, j.started_at, j.finished_at, j.created_at, j.updated_at`

// CreateInTx inserts a planned job within an existing SQL transaction.
// The dedupe key is derived from the fire instant; a collision on it or on
// the (schedule_id, planned_at) pair returns ErrDuplicateFire.
func (r *PublishJobRepo) CreateInTx(
	ctx context.Context,
	tx *sql.Tx,
	req *model.CreatePublishJobRequest,
) (*model.PublishJob, error) {
	if tx == nil {
		return nil, errors.New("transaction is required")
	}
	if req == nil {
		return nil, errors.New("create publish job request is required")
	}
	if validateErr := req.Validate(); validateErr != nil {
		return nil, validateErr
	}

	now := r.timeProvider.Now().UTC()
	dedupeKey := model.DedupeKeyFor(req.ScheduleID, req.PlannedAt)

	query := `
		INSERT INTO publish_jobs (
			schedule_id, planned_at, status, attempt, max_attempt, dedupe_key,
			variant_id, selection_policy, selection_seed, selected_at,
			created_at, updated_at
		)
		VALUES ($1, $2, 'planned', 0, $3, $4, $5, $6, $7, $8, $9, $9)
		RETURNING ` + publishJobColumns

	row := tx.QueryRowContext(ctx, query,
		req.ScheduleID, req.PlannedAt.UTC(), req.MaxAttempt, dedupeKey,
		req.VariantID, req.SelectionPolicy, req.SelectionSeed, nullableTime(req.SelectedAt),
		now,
	)

	job, scanErr := scanPublishJobRow(row)
	if scanErr != nil {
		if apperrors.IsUniqueViolation(scanErr) {
			return nil, ErrDuplicateFire
		}
		return nil, fmt.Errorf("insert publish job: %w", scanErr)
	}
	return &job, nil
}

// MarkEnqueuedTx moves a planned job onto the queue within an existing
// transaction: status becomes enqueued, the eta is pinned to planned_at, and
// a NOTIFY wakes any listening worker once the transaction commits.
func (r *PublishJobRepo) MarkEnqueuedTx(ctx context.Context, tx *sql.Tx, id string) error {
	currentTime := r.timeProvider.Now().UTC()

	query := `
		UPDATE publish_jobs
		SET status = 'enqueued',
		    enqueued_at = $2,
		    next_attempt_at = planned_at,
		    updated_at = $2
		WHERE id = $1 AND status = 'planned'
	`

	res, err := tx.ExecContext(ctx, query, id, currentTime)
	if err != nil {
		return fmt.Errorf("mark job enqueued: %w", err)
	}
	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return r.explainTransitionFailure(ctx, tx, id, model.JobStatusEnqueued)
	}

	if _, notifyErr := tx.ExecContext(ctx, `SELECT pg_notify($1::text, $2::text)`, PublishChannel, id); notifyErr != nil {
		return fmt.Errorf("send job notification: %w", notifyErr)
	}
	return nil
}

// explainTransitionFailure distinguishes a missing row from an illegal edge
// after a guarded UPDATE matched nothing.
func (r *PublishJobRepo) explainTransitionFailure(
	ctx context.Context,
	q interface {
		QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	},
	id string,
	to model.JobStatus,
) error {
	var from model.JobStatus
	err := q.QueryRowContext(ctx, `SELECT status FROM publish_jobs WHERE id = $1`, id).Scan(&from)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrJobNotFound
	}
	if err != nil {
		return fmt.Errorf("re-check job status: %w", err)
	}
	return apperrors.InvalidTransition(string(from), string(to))
}

// ReserveNext claims the next ready job for processing, incrementing its
// attempt counter and granting a lease. Returns model.ErrNoJobsAvailable
// when nothing is ready.
func (r *PublishJobRepo) ReserveNext(ctx context.Context, leaseSeconds int) (*model.PublishJob, error) {
	if leaseSeconds <= 0 {
		return nil, errors.New("leaseSeconds must be positive")
	}

	var job *model.PublishJob
	err := pgxutil.WithPgxTx(ctx, r.DB, pgxutil.TxConfig{
		Opts: &sql.TxOptions{
			Isolation: sql.LevelReadCommitted,
			ReadOnly:  false,
		},
		Fn: func(tx pgx.Tx) error {
			currentTime := r.timeProvider.Now()
			leaseExpiresAt := currentTime.Add(time.Duration(leaseSeconds) * time.Second)

			rows, qerr := tx.Query(
				ctx,
				reserveNextPublishJobSQL,
				currentTime.UTC(),
				currentTime.UTC(),
				leaseExpiresAt.UTC(),
				currentTime.UTC(),
			)
			if qerr != nil {
				return fmt.Errorf("reserve publish job: %w", qerr)
			}
			defer rows.Close()

			j, cerr := collectPublishJobFromRows(rows)
			if errors.Is(cerr, pgx.ErrNoRows) {
				return model.ErrNoJobsAvailable
			}
			if cerr != nil {
				return fmt.Errorf("reserve publish job: %w", cerr)
			}
			job = j
			return nil
		},
	})
	if err != nil {
		if errors.Is(err, model.ErrNoJobsAvailable) {
			return nil, model.ErrNoJobsAvailable
		}
		return nil, err
	}
	return job, nil
}

// Heartbeat refreshes the lease on a running job.
func (r *PublishJobRepo) Heartbeat(ctx context.Context, jobID string, leaseSeconds int) (bool, error) {
	if leaseSeconds <= 0 {
		return false, errors.New("leaseSeconds must be positive")
	}

	currentTime := r.timeProvider.Now().UTC()
	leaseExpiration := currentTime.Add(time.Duration(leaseSeconds) * time.Second)

	query := `
		UPDATE publish_jobs
		SET lease_expires_at = $2,
		    updated_at = $3
		WHERE id = $1 AND status = 'running'
	`

	res, err := r.DB.ExecContext(ctx, query, jobID, leaseExpiration, currentTime)
	if err != nil {
		return false, fmt.Errorf("heartbeat job: %w", err)
	}
	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("heartbeat rows affected: %w", err)
	}
	return rowsAffected > 0, nil
}

// Complete marks a running job as succeeded.
// Return semantics:
//   - (true, nil): job completed
//   - (false, nil): job was not in running state
//   - (false, err): update failed
func (r *PublishJobRepo) Complete(ctx context.Context, id string) (bool, error) {
	currentTime := r.timeProvider.Now().UTC()

	query := `
		UPDATE publish_jobs
		SET status = 'succeeded',
		    finished_at = $2,
		    updated_at = $2,
		    lease_expires_at = NULL,
		    next_attempt_at = NULL,
		    error = NULL
		WHERE id = $1 AND status = 'running'
	`

	res, err := r.DB.ExecContext(ctx, query, id, currentTime)
	if err != nil {
		return false, fmt.Errorf("complete job: %w", err)
	}
	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("complete rows affected: %w", err)
	}
	return rowsAffected > 0, nil
}

// FailParams groups parameters for Fail.
type FailParams struct {
	ID     string
	ErrMsg string
	// NextAttemptAt is the retry eta computed by the caller (backoff lives in
	// the service layer). Ignored when the job dead-letters.
	NextAttemptAt time.Time
	// Permanent forces dead_letter regardless of remaining attempts.
	Permanent bool
}

// Fail records a failed attempt on a running job. The job moves to failed
// and becomes claimable again at NextAttemptAt, or to dead_letter when the
// attempt budget is exhausted or the failure is permanent.
// Returns the resulting status.
func (r *PublishJobRepo) Fail(ctx context.Context, p FailParams) (model.JobStatus, error) {
	currentTime := r.timeProvider.Now().UTC()

	query := `
		UPDATE publish_jobs
		SET
		  error = $2,
		  status = CASE WHEN $3::boolean OR attempt >= max_attempt THEN 'dead_letter' ELSE 'failed' END,
		  finished_at = CASE WHEN $3::boolean OR attempt >= max_attempt THEN $4::timestamptz ELSE NULL END,
		  next_attempt_at = CASE WHEN $3::boolean OR attempt >= max_attempt THEN NULL ELSE $5::timestamptz END,
		  lease_expires_at = NULL,
		  updated_at = $4
		WHERE id = $1 AND status = 'running'
		RETURNING status
	`

	var status model.JobStatus
	err := r.DB.QueryRowContext(ctx, query,
		p.ID, p.ErrMsg, p.Permanent, currentTime, p.NextAttemptAt.UTC(),
	).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", r.explainTransitionFailure(ctx, r.DB, p.ID, model.JobStatusFailed)
	}
	if err != nil {
		return "", fmt.Errorf("fail job: %w", err)
	}
	return status, nil
}

// Cancel moves a job to cancelled. Only planned and enqueued jobs have a
// cancel edge; anything else is rejected as an invalid transition.
func (r *PublishJobRepo) Cancel(ctx context.Context, id string) error {
	return pgxutil.WithSQLTx(ctx, r.DB, pgxutil.SQLTxConfig{
		Fn: func(tx *sql.Tx) error {
			var from model.JobStatus
			err := tx.QueryRowContext(ctx, `SELECT status FROM publish_jobs WHERE id = $1 FOR UPDATE`, id).Scan(&from)
			if errors.Is(err, sql.ErrNoRows) {
				return ErrJobNotFound
			}
			if err != nil {
				return fmt.Errorf("lock job for cancel: %w", err)
			}
			if !model.CanTransition(from, model.JobStatusCancelled) {
				return apperrors.InvalidTransition(string(from), string(model.JobStatusCancelled))
			}

			currentTime := r.timeProvider.Now().UTC()
			if _, execErr := tx.ExecContext(ctx, `
				UPDATE publish_jobs
				SET status = 'cancelled',
				    finished_at = $2,
				    updated_at = $2,
				    lease_expires_at = NULL,
				    next_attempt_at = NULL
				WHERE id = $1
			`, id, currentTime); execErr != nil {
				return fmt.Errorf("cancel job: %w", execErr)
			}
			return nil
		},
	})
}

// CancelByScheduleTx cancels every pending job of the given schedules within
// an existing transaction. Running and terminal jobs are left alone; a
// publish in flight finishes on its own terms.
func (r *PublishJobRepo) CancelByScheduleTx(ctx context.Context, tx *sql.Tx, scheduleIDs []string) (int64, error) {
	if len(scheduleIDs) == 0 {
		return 0, nil
	}

	currentTime := r.timeProvider.Now().UTC()
	res, err := tx.ExecContext(ctx, `
		UPDATE publish_jobs
		SET status = 'cancelled',
		    finished_at = $2,
		    updated_at = $2,
		    lease_expires_at = NULL,
		    next_attempt_at = NULL
		WHERE schedule_id = ANY($1)
		  AND status IN ('planned', 'enqueued')
	`, scheduleIDs, currentTime)
	if err != nil {
		return 0, fmt.Errorf("cancel jobs for schedules: %w", err)
	}
	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("get rows affected: %w", err)
	}
	return rowsAffected, nil
}

// GetByID retrieves a publish job by its ID.
func (r *PublishJobRepo) GetByID(ctx context.Context, id string) (*model.PublishJob, error) {
	var job *model.PublishJob
	err := pgxutil.WithPgxConn(ctx, r.DB, func(pgxConn *pgx.Conn) error {
		rows, qerr := pgxConn.Query(ctx, `
			SELECT `+publishJobColumns+`
			FROM publish_jobs
			WHERE id = $1
		`, id)
		if qerr != nil {
			return qerr
		}
		defer rows.Close()
		j, cerr := collectPublishJobFromRows(rows)
		if cerr != nil {
			return cerr
		}
		job = j
		return nil
	})

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get publish job: %w", err)
	}
	return job, nil
}

// GetByDedupeKey retrieves a publish job by its dedupe key.
func (r *PublishJobRepo) GetByDedupeKey(ctx context.Context, key string) (*model.PublishJob, error) {
	var job *model.PublishJob
	err := pgxutil.WithPgxConn(ctx, r.DB, func(pgxConn *pgx.Conn) error {
		rows, qerr := pgxConn.Query(ctx, `
			SELECT `+publishJobColumns+`
			FROM publish_jobs
			WHERE dedupe_key = $1
		`, key)
		if qerr != nil {
			return qerr
		}
		defer rows.Close()
		j, cerr := collectPublishJobFromRows(rows)
		if cerr != nil {
			return cerr
		}
		job = j
		return nil
	})

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get publish job by dedupe key: %w", err)
	}
	return job, nil
}

// ListBySchedule returns the most recent jobs of a schedule, newest planned first.
func (r *PublishJobRepo) ListBySchedule(ctx context.Context, scheduleID string, limit int) ([]model.PublishJob, error) {
	if limit <= 0 {
		limit = 50
	}

	var jobs []model.PublishJob
	err := pgxutil.WithPgxConn(ctx, r.DB, func(pgxConn *pgx.Conn) error {
		rows, qerr := pgxConn.Query(ctx, `
			SELECT `+publishJobColumns+`
			FROM publish_jobs
			WHERE schedule_id = $1
			ORDER BY planned_at DESC
			LIMIT $2
		`, scheduleID, limit)
		if qerr != nil {
			return qerr
		}
		defer rows.Close()

		collected, cerr := pgx.CollectRows(rows, rowToPublishJob)
		if cerr != nil {
			return cerr
		}
		jobs = collected
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list jobs by schedule: %w", err)
	}
	return jobs, nil
}

// ListPlannedBetween returns planned and enqueued jobs in the half-open
// interval [from, to), for calendar views.
func (r *PublishJobRepo) ListPlannedBetween(ctx context.Context, from, to time.Time) ([]model.PublishJob, error) {
	var jobs []model.PublishJob
	err := pgxutil.WithPgxConn(ctx, r.DB, func(pgxConn *pgx.Conn) error {
		rows, qerr := pgxConn.Query(ctx, `
			SELECT `+publishJobColumns+`
			FROM publish_jobs
			WHERE planned_at >= $1 AND planned_at < $2
			  AND status IN ('planned', 'enqueued')
			ORDER BY planned_at ASC
		`, from.UTC(), to.UTC())
		if qerr != nil {
			return qerr
		}
		defer rows.Close()

		collected, cerr := pgx.CollectRows(rows, rowToPublishJob)
		if cerr != nil {
			return cerr
		}
		jobs = collected
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list planned jobs: %w", err)
	}
	return jobs, nil
}

// RequeueExpired re-fails running jobs whose lease expired so they become
// claimable again, honoring the running -> failed -> running retry path.
// The failed row keeps its attempt count; a crashed attempt still consumed
// budget. Returns the number of jobs requeued.
func (r *PublishJobRepo) RequeueExpired(ctx context.Context, batchSize int) (int64, error) {
	if batchSize <= 0 {
		return 0, errors.New("batch size must be greater than zero")
	}

	var rowsAffected int64
	err := pgxutil.WithSQLTx(ctx, r.DB, pgxutil.SQLTxConfig{
		Fn: func(tx *sql.Tx) error {
			var locked bool
			if err := tx.QueryRowContext(ctx, "SELECT pg_try_advisory_xact_lock($1, $2)", advisoryLockSweepMajor, advisoryLockSweepRequeueExpired).Scan(&locked); err != nil {
				return fmt.Errorf("acquire advisory lock: %w", err)
			}
			if !locked {
				rowsAffected = 0
				return nil
			}

			currentTime := r.timeProvider.Now().UTC()
			res, err := tx.ExecContext(ctx, `
				UPDATE publish_jobs
				SET status = CASE WHEN attempt >= max_attempt THEN 'dead_letter' ELSE 'failed' END,
				    error = 'lease expired',
				    finished_at = CASE WHEN attempt >= max_attempt THEN $1::timestamptz ELSE NULL END,
				    next_attempt_at = CASE WHEN attempt >= max_attempt THEN NULL ELSE $1::timestamptz END,
				    lease_expires_at = NULL,
				    updated_at = $1
				WHERE id IN (
					SELECT id FROM publish_jobs
					WHERE status = 'running'
					  AND lease_expires_at IS NOT NULL
					  AND lease_expires_at < $1
					ORDER BY lease_expires_at
					LIMIT $2
					FOR UPDATE SKIP LOCKED
				)
			`, currentTime, batchSize)
			if err != nil {
				return fmt.Errorf("requeue expired: %w", err)
			}
			ra, err := res.RowsAffected()
			if err != nil {
				return fmt.Errorf("rows affected: %w", err)
			}
			rowsAffected = ra
			return nil
		},
	})
	if err != nil {
		return 0, err
	}
	return rowsAffected, nil
}

// PromoteStalePlanned enqueues planned jobs whose fire instant passed more
// than grace ago, covering enqueue transitions lost to a crash between the
// tick's insert and its hand-off. Returns the number of jobs promoted.
func (r *PublishJobRepo) PromoteStalePlanned(ctx context.Context, grace time.Duration, batchSize int) (int64, error) {
	if batchSize <= 0 {
		return 0, errors.New("batch size must be greater than zero")
	}

	var rowsAffected int64
	err := pgxutil.WithSQLTx(ctx, r.DB, pgxutil.SQLTxConfig{
		Fn: func(tx *sql.Tx) error {
			var locked bool
			if err := tx.QueryRowContext(ctx, "SELECT pg_try_advisory_xact_lock($1, $2)", advisoryLockSweepMajor, advisoryLockSweepPromotePlanned).Scan(&locked); err != nil {
				return fmt.Errorf("acquire advisory lock: %w", err)
			}
			if !locked {
				rowsAffected = 0
				return nil
			}

			currentTime := r.timeProvider.Now().UTC()
			cutoff := currentTime.Add(-grace)
			res, err := tx.ExecContext(ctx, `
				UPDATE publish_jobs
				SET status = 'enqueued',
				    enqueued_at = $1,
				    next_attempt_at = planned_at,
				    updated_at = $1
				WHERE id IN (
					SELECT id FROM publish_jobs
					WHERE status = 'planned'
					  AND planned_at < $2
					ORDER BY planned_at
					LIMIT $3
					FOR UPDATE SKIP LOCKED
				)
			`, currentTime, cutoff, batchSize)
			if err != nil {
				return fmt.Errorf("promote stale planned: %w", err)
			}
			ra, err := res.RowsAffected()
			if err != nil {
				return fmt.Errorf("rows affected: %w", err)
			}
			rowsAffected = ra

			if rowsAffected > 0 {
				if _, notifyErr := tx.ExecContext(ctx, `SELECT pg_notify($1::text, '')`, PublishChannel); notifyErr != nil {
					return fmt.Errorf("send promote notification: %w", notifyErr)
				}
			}
			return nil
		},
	})
	if err != nil {
		return 0, err
	}
	return rowsAffected, nil
}

// DeleteOldTerminalParams bounds one retention sweep over terminal jobs.
type DeleteOldTerminalParams struct {
	Status    model.JobStatus
	MaxAge    time.Duration
	BatchSize int
}

// DeleteOldTerminal deletes terminal jobs of the given status older than
// MaxAge. Processes up to BatchSize rows per call to prevent long locks and
// I/O spikes. Returns the number of jobs deleted.
func (r *PublishJobRepo) DeleteOldTerminal(ctx context.Context, params DeleteOldTerminalParams) (int64, error) {
	if !params.Status.Terminal() {
		return 0, fmt.Errorf("status %q is not terminal", params.Status)
	}
	if params.BatchSize <= 0 {
		return 0, errors.New("batch size must be greater than zero")
	}
	if params.MaxAge <= 0 {
		return 0, errors.New("max age must be greater than zero")
	}

	var rowsAffected int64
	err := pgxutil.WithSQLTx(ctx, r.DB, pgxutil.SQLTxConfig{
		Fn: func(tx *sql.Tx) error {
			var locked bool
			if err := tx.QueryRowContext(ctx, "SELECT pg_try_advisory_xact_lock($1, $2)", advisoryLockSweepMajor, advisoryLockSweepDeleteOld).Scan(&locked); err != nil {
				return fmt.Errorf("acquire advisory lock: %w", err)
			}
			if !locked {
				rowsAffected = 0
				return nil
			}

			cutoffTime := r.timeProvider.Now().Add(-params.MaxAge).UTC()
			res, err := tx.ExecContext(ctx, `
				DELETE FROM publish_jobs
				WHERE id IN (
					SELECT id FROM publish_jobs
					WHERE status = $1
					  AND COALESCE(finished_at, updated_at) < $2
					ORDER BY COALESCE(finished_at, updated_at)
					LIMIT $3
				)
			`, params.Status, cutoffTime, params.BatchSize)
			if err != nil {
				return fmt.Errorf("delete old terminal jobs: %w", err)
			}
			ra, err := res.RowsAffected()
			if err != nil {
				return fmt.Errorf("rows affected: %w", err)
			}
			rowsAffected = ra
			return nil
		},
	})
	if err != nil {
		return 0, err
	}
	return rowsAffected, nil
}

// Stats returns counts of publish jobs per lifecycle state.
func (r *PublishJobRepo) Stats(ctx context.Context) (*model.JobStats, error) {
	var s model.JobStats
	err := r.DB.QueryRowContext(ctx, `
  SELECT
    count(*) FILTER (WHERE status = 'planned')     AS planned,
    count(*) FILTER (WHERE status = 'enqueued')    AS enqueued,
    count(*) FILTER (WHERE status = 'running')     AS running,
    count(*) FILTER (WHERE status = 'succeeded')   AS succeeded,
    count(*) FILTER (WHERE status = 'failed')      AS failed,
    count(*) FILTER (WHERE status = 'dead_letter') AS dead_letter,
    count(*) FILTER (WHERE status = 'cancelled')   AS cancelled
  FROM publish_jobs
  `).Scan(
		&s.Planned,
		&s.Enqueued,
		&s.Running,
		&s.Succeeded,
		&s.Failed,
		&s.DeadLetter,
		&s.Cancelled,
	)
	if err != nil {
		return nil, fmt.Errorf("get publish job stats: %w", err)
	}
	return &s, nil
}

// CountStuckRunning counts running jobs started more than olderThan ago,
// a signal that workers are wedged or crashing without lease expiry.
func (r *PublishJobRepo) CountStuckRunning(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := r.timeProvider.Now().UTC().Add(-olderThan)

	var count int
	err := r.DB.QueryRowContext(ctx, `
  SELECT count(*)
  FROM publish_jobs
  WHERE status = 'running' AND started_at IS NOT NULL AND started_at < $1
  `, cutoff).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count stuck running jobs: %w", err)
	}
	return count, nil
}

// WaitForNotification blocks until a NOTIFY lands on the publish channel or
// the context is cancelled.
func (r *PublishJobRepo) WaitForNotification(ctx context.Context) error {
	conn, err := r.DB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("get conn from pool: %w", err)
	}
	defer func() {
		if cerr := conn.Close(); cerr != nil {
			_ = cerr
		}
	}()

	quoted := pgx.Identifier{PublishChannel}.Sanitize()

	if _, execErr := conn.ExecContext(ctx, "LISTEN "+quoted); execErr != nil {
		return fmt.Errorf("listen %s: %w", PublishChannel, execErr)
	}
	defer func() {
		if _, execErr := conn.ExecContext(context.Background(), "UNLISTEN "+quoted); execErr != nil {
			_ = execErr
		}
	}()

	return conn.Raw(func(dc any) error {
		sc, ok := dc.(*stdlib.Conn)
		if !ok {
			return errors.New("unexpected driver connection type; expected *stdlib.Conn")
		}
		_, notifyErr := sc.Conn().WaitForNotification(ctx)
		return notifyErr
	})
}

// publishJobRow matches the publish_jobs schema exactly so pgx.RowToStructByName works.
type publishJobRow struct {
	ID              string         `db:"id"`
	ScheduleID      string         `db:"schedule_id"`
	PlannedAt       time.Time      `db:"planned_at"`
	Status          string         `db:"status"`
	Attempt         int            `db:"attempt"`
	MaxAttempt      int            `db:"max_attempt"`
	DedupeKey       string         `db:"dedupe_key"`
	Error           sql.NullString `db:"error"`
	VariantID       sql.NullString `db:"variant_id"`
	SelectionPolicy sql.NullString `db:"selection_policy"`
	SelectionSeed   sql.NullInt64  `db:"selection_seed"`
	SelectedAt      sql.NullTime   `db:"selected_at"`
	NextAttemptAt   sql.NullTime   `db:"next_attempt_at"`
	LeaseExpiresAt  sql.NullTime   `db:"lease_expires_at"`
	EnqueuedAt      sql.NullTime   `db:"enqueued_at"`
	StartedAt       sql.NullTime   `db:"started_at"`
	FinishedAt      sql.NullTime   `db:"finished_at"`
	CreatedAt       time.Time      `db:"created_at"`
	UpdatedAt       time.Time      `db:"updated_at"`
}

func (r *publishJobRow) toDomainPublishJob() model.PublishJob {
	if r == nil {
		return model.PublishJob{}
	}

	job := model.PublishJob{
		ID:         r.ID,
		ScheduleID: r.ScheduleID,
		PlannedAt:  r.PlannedAt,
		Status:     model.JobStatus(r.Status),
		Attempt:    r.Attempt,
		MaxAttempt: r.MaxAttempt,
		DedupeKey:  r.DedupeKey,
		CreatedAt:  r.CreatedAt,
		UpdatedAt:  r.UpdatedAt,
	}

	job.Error = cloneNullableString(r.Error)
	job.VariantID = cloneNullableString(r.VariantID)
	job.SelectionPolicy = cloneNullableString(r.SelectionPolicy)
	if r.SelectionSeed.Valid {
		seed := r.SelectionSeed.Int64
		job.SelectionSeed = &seed
	}
	job.SelectedAt = cloneNullableTime(r.SelectedAt)
	job.NextAttemptAt = cloneNullableTime(r.NextAttemptAt)
	job.LeaseExpiresAt = cloneNullableTime(r.LeaseExpiresAt)
	job.EnqueuedAt = cloneNullableTime(r.EnqueuedAt)
	job.StartedAt = cloneNullableTime(r.StartedAt)
	job.FinishedAt = cloneNullableTime(r.FinishedAt)
	return job
}

// rowToPublishJob maps a pgx row to model.PublishJob using pgx v5 generics.
func rowToPublishJob(row pgx.CollectableRow) (model.PublishJob, error) {
	dbRow, err := pgx.RowToStructByName[publishJobRow](row)
	if err != nil {
		return model.PublishJob{}, fmt.Errorf("scan publish job row: %w", err)
	}
	return dbRow.toDomainPublishJob(), nil
}

func scanPublishJobRow(scanner sqlRowScanner) (model.PublishJob, error) {
	var dbRow publishJobRow
	err := scanner.Scan(
		&dbRow.ID,
		&dbRow.ScheduleID,
		&dbRow.PlannedAt,
		&dbRow.Status,
		&dbRow.Attempt,
		&dbRow.MaxAttempt,
		&dbRow.DedupeKey,
		&dbRow.Error,
		&dbRow.VariantID,
		&dbRow.SelectionPolicy,
		&dbRow.SelectionSeed,
		&dbRow.SelectedAt,
		&dbRow.NextAttemptAt,
		&dbRow.LeaseExpiresAt,
		&dbRow.EnqueuedAt,
		&dbRow.StartedAt,
		&dbRow.FinishedAt,
		&dbRow.CreatedAt,
		&dbRow.UpdatedAt,
	)
	if err != nil {
		return model.PublishJob{}, err
	}
	return dbRow.toDomainPublishJob(), nil
}

// collectPublishJobFromRows collects a single job from pgx rows.
func collectPublishJobFromRows(rows pgx.Rows) (*model.PublishJob, error) {
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, pgx.ErrNoRows
	}

	job, err := rowToPublishJob(rows)
	if err != nil {
		return nil, err
	}
	if rowsErr := rows.Err(); rowsErr != nil {
		return nil, rowsErr
	}
	return &job, nil
}

func cloneNullableString(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

func cloneNullableTime(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}
