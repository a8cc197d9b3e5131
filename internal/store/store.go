// Package store defines the job-table persistence and coordination core:
// enqueue, the batched lock-aware claim protocol, the terminal
// transitions, and the retry_failed operator control.
package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/avalonhq/rihanna/internal/model"
)

// JobStore is the persistence and coordination core. Implementations
// must satisfy the claim-priority ordering, skip-locked, and advisory
// lock contracts described in the package documentation of the
// postgres implementation.
//
// Lock and the Mark* terminals take an explicit *sql.Conn: advisory
// locks are scoped to a single physical backend connection, not to the
// logical caller, so a claimed job's lock must be acquired and released
// on the same pinned connection across the gap between the two calls.
// Acquire borrows such a connection from the pool.
type JobStore interface {
	// Acquire borrows a single physical connection for a claim-to-terminal
	// span. The caller must Close it once every job claimed on it has
	// been resolved by a terminal transition.
	Acquire(ctx context.Context) (*sql.Conn, error)

	// Enqueue inserts a new ready job and returns its stored form.
	Enqueue(ctx context.Context, payload model.Payload, opts model.EnqueueOptions) (*model.Job, error)

	// Lock returns up to n claimable jobs, in claim-priority order, with
	// the advisory lock for each held on conn on return. n == 0 returns
	// an empty slice without touching the database. excludeIDs are never
	// present in the result.
	Lock(ctx context.Context, conn *sql.Conn, n int, excludeIDs []int64) ([]*model.Job, error)

	// MarkSuccessful deletes the row and releases its advisory lock.
	MarkSuccessful(ctx context.Context, conn *sql.Conn, job *model.Job) (rowsAffected int64, err error)

	// MarkFailed sets failed_at/fail_reason and releases the advisory lock.
	MarkFailed(ctx context.Context, conn *sql.Conn, job *model.Job, when time.Time, reason string) (rowsAffected int64, err error)

	// MarkRetried sets due_at, increments attempts, and releases the
	// advisory lock.
	MarkRetried(ctx context.Context, conn *sql.Conn, job *model.Job, dueAt time.Time) (rowsAffected int64, err error)

	// MarkReenqueued sets due_at, clears failed_at/fail_reason, preserves
	// attempts, and releases the advisory lock.
	MarkReenqueued(ctx context.Context, conn *sql.Conn, job *model.Job, dueAt time.Time) (rowsAffected int64, err error)

	// RetryFailed reverts a failed job to ready. Returns ErrJobNotFound
	// if the row is absent or not currently failed.
	RetryFailed(ctx context.Context, id int64) (*model.Job, error)
}
