// Package store's PostgreSQL implementation persists rihanna_jobs and
// coordinates claims with session-scoped advisory locks plus
// FOR UPDATE SKIP LOCKED row selection.
//
// The claim query (PostgresJobStore.Lock) runs as one statement: it
// orders candidates by claim priority, skip-locks rows another
// transaction is mid-claim on, and tries a non-blocking advisory lock on
// each candidate in the projection. Candidates are oversampled past the
// caller's requested count, because SKIP LOCKED only protects against a
// second transaction selecting the same row at the same instant — it
// does not know which rows another session's advisory lock already owns
// from an earlier, already-committed claim. Oversampling means a claim
// still finds n available rows even when a handful of nearby candidates
// are already locked. Any lock acquired on a row past the first n that
// pass is released immediately rather than held until the session ends.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/avalonhq/rihanna/internal/model"
)

// lockProbeBuffer is how many extra candidates beyond n are fetched and
// advisory-lock-probed per Lock call, to absorb rows whose advisory lock
// is held by another session but whose row lock was already released.
const lockProbeBuffer = 16

// PostgresJobStore is the JobStore backed by a rihanna_jobs table.
type PostgresJobStore struct {
	db      *sql.DB
	classID int32
}

// NewPostgresJobStore returns a store that partitions its advisory-lock
// namespace under classID. classID must be identical across every
// process cooperating on the same rihanna_jobs table.
func NewPostgresJobStore(db *sql.DB, classID int32) *PostgresJobStore {
	return &PostgresJobStore{db: db, classID: classID}
}

// Acquire borrows a single physical connection from the pool.
func (s *PostgresJobStore) Acquire(ctx context.Context) (*sql.Conn, error) {
	return s.db.Conn(ctx)
}

// Enqueue inserts one ready row and notifies any listening workers.
func (s *PostgresJobStore) Enqueue(ctx context.Context, payload model.Payload, opts model.EnqueueOptions) (*model.Job, error) {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	metaJSON, err := json.Marshal(model.Meta{Attempts: 0})
	if err != nil {
		return nil, fmt.Errorf("marshal meta: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `
		INSERT INTO rihanna_jobs (payload, enqueued_at, due_at, priority, rihanna_internal_meta)
		VALUES ($1, now(), $2, $3, $4)
		RETURNING id, payload, enqueued_at, due_at, failed_at, fail_reason, priority, rihanna_internal_meta
	`, payloadJSON, opts.DueAt, opts.ResolvedPriority(), metaJSON)

	job, err := scanJob(row)
	if err != nil {
		return nil, fmt.Errorf("enqueue: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `NOTIFY rihanna_jobs`); err != nil {
		return nil, fmt.Errorf("notify: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return job, nil
}

// Lock is the claim engine. See the package doc comment for the
// oversample-then-release strategy.
func (s *PostgresJobStore) Lock(ctx context.Context, conn *sql.Conn, n int, excludeIDs []int64) ([]*model.Job, error) {
	if n == 0 {
		return []*model.Job{}, nil
	}

	rows, err := conn.QueryContext(ctx, `
		WITH ordered AS (
			SELECT id, priority, due_at, enqueued_at
			FROM rihanna_jobs
			WHERE failed_at IS NULL
			  AND (due_at IS NULL OR due_at <= now())
			  AND NOT (id = ANY($1::bigint[]))
			ORDER BY priority ASC, due_at ASC NULLS FIRST, enqueued_at ASC
			FOR UPDATE SKIP LOCKED
			LIMIT $2
		),
		tried AS (
			SELECT
				id,
				row_number() OVER (ORDER BY priority ASC, due_at ASC NULLS FIRST, enqueued_at ASC) AS rn,
				pg_try_advisory_lock($3, id::int) AS locked
			FROM ordered
		)
		SELECT j.id, j.payload, j.enqueued_at, j.due_at, j.failed_at, j.fail_reason, j.priority, j.rihanna_internal_meta, t.locked
		FROM rihanna_jobs j
		JOIN tried t ON t.id = j.id
		ORDER BY t.rn
	`, pq.Array(excludeIDs), n+lockProbeBuffer, s.classID)
	if err != nil {
		return nil, fmt.Errorf("lock: %w", err)
	}
	defer rows.Close()

	claimed := make([]*model.Job, 0, n)
	var toRelease []int64

	for rows.Next() {
		job, locked, err := scanLockCandidate(rows)
		if err != nil {
			return nil, fmt.Errorf("lock: scan: %w", err)
		}
		if !locked {
			continue
		}
		if len(claimed) < n {
			claimed = append(claimed, job)
		} else {
			toRelease = append(toRelease, job.ID)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("lock: %w", err)
	}

	if len(toRelease) > 0 {
		if _, err := conn.ExecContext(ctx, `
			SELECT pg_advisory_unlock($1, id::int) FROM unnest($2::bigint[]) AS id
		`, s.classID, pq.Array(toRelease)); err != nil {
			return nil, fmt.Errorf("lock: release oversampled: %w", err)
		}
	}

	return claimed, nil
}

// MarkSuccessful deletes the row and releases its advisory lock. After
// this returns, conn no longer holds the (classID, job.ID) lock.
func (s *PostgresJobStore) MarkSuccessful(ctx context.Context, conn *sql.Conn, job *model.Job) (int64, error) {
	res, err := conn.ExecContext(ctx, `DELETE FROM rihanna_jobs WHERE id = $1`, job.ID)
	if err != nil {
		return 0, fmt.Errorf("mark_successful: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("mark_successful: %w", err)
	}
	if err := s.unlock(ctx, conn, job.ID); err != nil {
		return n, err
	}
	return n, nil
}

// MarkFailed sets failed_at/fail_reason and releases the advisory lock.
func (s *PostgresJobStore) MarkFailed(ctx context.Context, conn *sql.Conn, job *model.Job, when time.Time, reason string) (int64, error) {
	res, err := conn.ExecContext(ctx, `
		UPDATE rihanna_jobs SET failed_at = $2, fail_reason = $3 WHERE id = $1
	`, job.ID, when.UTC(), reason)
	if err != nil {
		return 0, fmt.Errorf("mark_failed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("mark_failed: %w", err)
	}
	if err := s.unlock(ctx, conn, job.ID); err != nil {
		return n, err
	}
	return n, nil
}

// MarkRetried sets due_at, increments attempts, and releases the lock.
func (s *PostgresJobStore) MarkRetried(ctx context.Context, conn *sql.Conn, job *model.Job, dueAt time.Time) (int64, error) {
	res, err := conn.ExecContext(ctx, `
		UPDATE rihanna_jobs
		SET due_at = $2,
		    rihanna_internal_meta = jsonb_set(
		        rihanna_internal_meta,
		        '{attempts}',
		        to_jsonb(COALESCE((rihanna_internal_meta->>'attempts')::int, 0) + 1)
		    )
		WHERE id = $1
	`, job.ID, dueAt.UTC())
	if err != nil {
		return 0, fmt.Errorf("mark_retried: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("mark_retried: %w", err)
	}
	if err := s.unlock(ctx, conn, job.ID); err != nil {
		return n, err
	}
	return n, nil
}

// MarkReenqueued sets due_at, clears failed_at/fail_reason, preserves
// attempts, and releases the advisory lock.
func (s *PostgresJobStore) MarkReenqueued(ctx context.Context, conn *sql.Conn, job *model.Job, dueAt time.Time) (int64, error) {
	res, err := conn.ExecContext(ctx, `
		UPDATE rihanna_jobs
		SET due_at = $2, failed_at = NULL, fail_reason = NULL
		WHERE id = $1
	`, job.ID, dueAt.UTC())
	if err != nil {
		return 0, fmt.Errorf("mark_reenqueued: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("mark_reenqueued: %w", err)
	}
	if err := s.unlock(ctx, conn, job.ID); err != nil {
		return n, err
	}
	return n, nil
}

// RetryFailed reverts a failed job to ready. It does not touch advisory
// locks: a failed job's lock was already released by mark_failed.
func (s *PostgresJobStore) RetryFailed(ctx context.Context, id int64) (*model.Job, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE rihanna_jobs
		SET failed_at = NULL, fail_reason = NULL, enqueued_at = now()
		WHERE id = $1 AND failed_at IS NOT NULL
		RETURNING id, payload, enqueued_at, due_at, failed_at, fail_reason, priority, rihanna_internal_meta
	`, id)

	job, err := scanJob(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrJobNotFound
		}
		return nil, fmt.Errorf("retry_failed: %w", err)
	}
	return job, nil
}

func (s *PostgresJobStore) unlock(ctx context.Context, conn *sql.Conn, id int64) error {
	if _, err := conn.ExecContext(ctx, `SELECT pg_advisory_unlock($1, $2)`, s.classID, id); err != nil {
		return fmt.Errorf("advisory unlock: %w", err)
	}
	return nil
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (*model.Job, error) {
	var (
		j          model.Job
		payload    []byte
		meta       []byte
		dueAt      sql.NullTime
		failedAt   sql.NullTime
		failReason sql.NullString
	)

	if err := row.Scan(&j.ID, &payload, &j.EnqueuedAt, &dueAt, &failedAt, &failReason, &j.Priority, &meta); err != nil {
		return nil, err
	}
	if err := applyScannedColumns(&j, payload, meta, dueAt, failedAt, failReason); err != nil {
		return nil, err
	}
	return &j, nil
}

func scanLockCandidate(row scanner) (*model.Job, bool, error) {
	var (
		j          model.Job
		payload    []byte
		meta       []byte
		dueAt      sql.NullTime
		failedAt   sql.NullTime
		failReason sql.NullString
		locked     bool
	)

	if err := row.Scan(&j.ID, &payload, &j.EnqueuedAt, &dueAt, &failedAt, &failReason, &j.Priority, &meta, &locked); err != nil {
		return nil, false, err
	}
	if err := applyScannedColumns(&j, payload, meta, dueAt, failedAt, failReason); err != nil {
		return nil, false, err
	}
	return &j, locked, nil
}

func applyScannedColumns(j *model.Job, payload, meta []byte, dueAt, failedAt sql.NullTime, failReason sql.NullString) error {
	if err := json.Unmarshal(payload, &j.Payload); err != nil {
		return fmt.Errorf("unmarshal payload: %w", err)
	}
	if err := json.Unmarshal(meta, &j.Meta); err != nil {
		return fmt.Errorf("unmarshal meta: %w", err)
	}
	if dueAt.Valid {
		t := dueAt.Time.UTC()
		j.DueAt = &t
	}
	if failedAt.Valid {
		t := failedAt.Time.UTC()
		j.FailedAt = &t
	}
	if failReason.Valid {
		j.FailReason = &failReason.String
	}
	j.EnqueuedAt = j.EnqueuedAt.UTC()
	return nil
}
