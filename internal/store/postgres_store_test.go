package store

import (
	"context"
	"database/sql"
	"sync"
	"testing"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratepq "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/lib/pq"
	"github.com/stretchr/testify/require"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/avalonhq/rihanna/internal/model"
	"github.com/avalonhq/rihanna/migrations"
)

const testClassID int32 = 7274

// newTestStore starts a Postgres testcontainer, applies the embedded
// migrations, and returns a store plus a raw *sql.DB for setting up
// fixtures and opening second "sessions" to probe advisory locks.
func newTestStore(t *testing.T) (*PostgresJobStore, *sql.DB) {
	t.Helper()
	ctx := context.Background()

	container, err := tcpostgres.Run(ctx,
		"postgres:16-alpine",
		tcpostgres.WithDatabase("rihanna_test"),
		tcpostgres.WithUsername("rihanna_test"),
		tcpostgres.WithPassword("rihanna_test"),
		tcpostgres.BasicWaitStrategies(),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = container.Terminate(ctx)
	})

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	db, err := sql.Open("postgres", dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.Ping())

	src, err := iofs.New(migrations.FS, ".")
	require.NoError(t, err)
	driver, err := migratepq.WithInstance(db, &migratepq.Config{})
	require.NoError(t, err)
	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	require.NoError(t, err)
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		require.NoError(t, err)
	}

	return NewPostgresJobStore(db, testClassID), db
}

func mustPayload(t *testing.T) model.Payload {
	t.Helper()
	p, err := model.OpaquePayload(map[string]any{"hello": "world"})
	require.NoError(t, err)
	return p
}

func ptr[T any](v T) *T { return &v }

// (a) Single claim: lock, then a second session's pg_try_advisory_lock
// on the same id fails.
func TestLockSingleClaim(t *testing.T) {
	s, db := newTestStore(t)
	ctx := context.Background()

	job, err := s.Enqueue(ctx, mustPayload(t), model.EnqueueOptions{})
	require.NoError(t, err)

	conn, err := s.Acquire(ctx)
	require.NoError(t, err)
	defer conn.Close()

	claimed, err := s.Lock(ctx, conn, 1, nil)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.Equal(t, job.ID, claimed[0].ID)

	var acquired bool
	require.NoError(t, db.QueryRowContext(ctx, `SELECT pg_try_advisory_lock($1, $2)`, testClassID, job.ID).Scan(&acquired))
	require.False(t, acquired)
}

// (b) Priority + due ordering.
func TestLockOrdersByDueAtNullFirst(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	j0, err := s.Enqueue(ctx, mustPayload(t), model.EnqueueOptions{})
	require.NoError(t, err)
	j1, err := s.Enqueue(ctx, mustPayload(t), model.EnqueueOptions{DueAt: ptr(time.Now().UTC().Add(-10 * time.Second))})
	require.NoError(t, err)
	j2, err := s.Enqueue(ctx, mustPayload(t), model.EnqueueOptions{DueAt: ptr(time.Now().UTC().Add(-5 * time.Second))})
	require.NoError(t, err)

	conn, err := s.Acquire(ctx)
	require.NoError(t, err)
	defer conn.Close()

	claimed, err := s.Lock(ctx, conn, 3, nil)
	require.NoError(t, err)
	require.Len(t, claimed, 3)
	require.Equal(t, []int64{j0.ID, j1.ID, j2.ID}, []int64{claimed[0].ID, claimed[1].ID, claimed[2].ID})
}

// (c) Explicit priority wins over due.
func TestLockOrdersByExplicitPriority(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	_, err := s.Enqueue(ctx, mustPayload(t), model.EnqueueOptions{})
	require.NoError(t, err)
	_, err = s.Enqueue(ctx, mustPayload(t), model.EnqueueOptions{Priority: ptr(1)})
	require.NoError(t, err)
	_, err = s.Enqueue(ctx, mustPayload(t), model.EnqueueOptions{Priority: ptr(15)})
	require.NoError(t, err)
	_, err = s.Enqueue(ctx, mustPayload(t), model.EnqueueOptions{Priority: ptr(50)})
	require.NoError(t, err)

	conn, err := s.Acquire(ctx)
	require.NoError(t, err)
	defer conn.Close()

	claimed, err := s.Lock(ctx, conn, 5, nil)
	require.NoError(t, err)
	require.Len(t, claimed, 4)
	require.Equal(t, 1, claimed[0].Priority)
	require.Equal(t, 15, claimed[1].Priority)
	require.Equal(t, 50, claimed[2].Priority)
}

// (d) Skip locked by another session's advisory lock.
func TestLockSkipsAdvisoryLockedByOtherSession(t *testing.T) {
	s, db := newTestStore(t)
	ctx := context.Background()

	locked, err := s.Enqueue(ctx, mustPayload(t), model.EnqueueOptions{})
	require.NoError(t, err)
	ready1, err := s.Enqueue(ctx, mustPayload(t), model.EnqueueOptions{})
	require.NoError(t, err)
	ready2, err := s.Enqueue(ctx, mustPayload(t), model.EnqueueOptions{})
	require.NoError(t, err)

	otherSession, err := db.Conn(ctx)
	require.NoError(t, err)
	defer otherSession.Close()
	var acquired bool
	require.NoError(t, otherSession.QueryRowContext(ctx, `SELECT pg_try_advisory_lock($1, $2)`, testClassID, locked.ID).Scan(&acquired))
	require.True(t, acquired)

	conn, err := s.Acquire(ctx)
	require.NoError(t, err)
	defer conn.Close()

	claimed, err := s.Lock(ctx, conn, 3, nil)
	require.NoError(t, err)
	require.Len(t, claimed, 2)
	gotIDs := []int64{claimed[0].ID, claimed[1].ID}
	require.ElementsMatch(t, []int64{ready1.ID, ready2.ID}, gotIDs)
}

// (e) Skip row-locked by another session's open transaction.
func TestLockSkipsRowLockedByOtherSession(t *testing.T) {
	s, db := newTestStore(t)
	ctx := context.Background()

	rowLocked, err := s.Enqueue(ctx, mustPayload(t), model.EnqueueOptions{})
	require.NoError(t, err)
	ready1, err := s.Enqueue(ctx, mustPayload(t), model.EnqueueOptions{})
	require.NoError(t, err)
	ready2, err := s.Enqueue(ctx, mustPayload(t), model.EnqueueOptions{})
	require.NoError(t, err)

	otherSession, err := db.Conn(ctx)
	require.NoError(t, err)
	defer otherSession.Close()
	otherTx, err := otherSession.BeginTx(ctx, nil)
	require.NoError(t, err)
	defer otherTx.Rollback()
	_, err = otherTx.ExecContext(ctx, `SELECT * FROM rihanna_jobs WHERE id = $1 FOR UPDATE`, rowLocked.ID)
	require.NoError(t, err)

	conn, err := s.Acquire(ctx)
	require.NoError(t, err)
	defer conn.Close()

	claimed, err := s.Lock(ctx, conn, 3, nil)
	require.NoError(t, err)
	require.Len(t, claimed, 2)
	gotIDs := []int64{claimed[0].ID, claimed[1].ID}
	require.ElementsMatch(t, []int64{ready1.ID, ready2.ID}, gotIDs)
}

// Mutual exclusion: concurrent Lock calls against the same claimable
// set never return overlapping job ids, and together they exhaust it.
func TestLockIsMutuallyExclusiveUnderConcurrency(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	const (
		totalJobs  = 40
		goroutines = 8
		perCall    = 3
	)

	want := make(map[int64]bool, totalJobs)
	for i := 0; i < totalJobs; i++ {
		job, err := s.Enqueue(ctx, mustPayload(t), model.EnqueueOptions{})
		require.NoError(t, err)
		want[job.ID] = true
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		claimed = map[int64]int{} // job id -> number of goroutines that claimed it
		conns   []*sql.Conn
		connsMu sync.Mutex
	)
	defer func() {
		for _, c := range conns {
			_ = c.Close()
		}
	}()

	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			conn, err := s.Acquire(ctx)
			if err != nil {
				return
			}
			connsMu.Lock()
			conns = append(conns, conn)
			connsMu.Unlock()

			// Advisory locks are re-entrant within a session, so the jobs
			// this session already holds are passed as excludeIDs.
			var held []int64
			for {
				jobs, err := s.Lock(ctx, conn, perCall, held)
				require.NoError(t, err)
				if len(jobs) == 0 {
					return
				}
				mu.Lock()
				for _, j := range jobs {
					claimed[j.ID]++
					held = append(held, j.ID)
				}
				mu.Unlock()
				if len(jobs) < perCall {
					return
				}
			}
		}()
	}
	wg.Wait()

	got := make(map[int64]bool, len(claimed))
	for id, count := range claimed {
		require.Equal(t, 1, count, "job %d claimed by more than one goroutine", id)
		got[id] = true
	}
	require.Equal(t, want, got, "union of concurrent claims must cover every claimable job exactly once")
}

// (f) n=0 touches no database connection.
func TestLockZeroReturnsEmptyWithoutDatabaseContact(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	claimed, err := s.Lock(ctx, nil, 0, nil)
	require.NoError(t, err)
	require.Empty(t, claimed)
}

func TestLockFiltersOutFailedJobs(t *testing.T) {
	s, db := newTestStore(t)
	ctx := context.Background()

	failed, err := s.Enqueue(ctx, mustPayload(t), model.EnqueueOptions{})
	require.NoError(t, err)
	_, err = db.ExecContext(ctx, `UPDATE rihanna_jobs SET failed_at = now(), fail_reason = 'boom' WHERE id = $1`, failed.ID)
	require.NoError(t, err)

	conn, err := s.Acquire(ctx)
	require.NoError(t, err)
	defer conn.Close()

	claimed, err := s.Lock(ctx, conn, 5, nil)
	require.NoError(t, err)
	require.Empty(t, claimed)
}

func TestLockHonoursExcludeIDs(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	j1, err := s.Enqueue(ctx, mustPayload(t), model.EnqueueOptions{})
	require.NoError(t, err)
	j2, err := s.Enqueue(ctx, mustPayload(t), model.EnqueueOptions{})
	require.NoError(t, err)

	conn, err := s.Acquire(ctx)
	require.NoError(t, err)
	defer conn.Close()

	claimed, err := s.Lock(ctx, conn, 5, []int64{j1.ID})
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.Equal(t, j2.ID, claimed[0].ID)
}

// (g) mark_retried increments attempts.
func TestMarkRetriedIncrementsAttempts(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	job, err := s.Enqueue(ctx, mustPayload(t), model.EnqueueOptions{})
	require.NoError(t, err)
	require.Equal(t, 0, job.Meta.Attempts)

	conn, err := s.Acquire(ctx)
	require.NoError(t, err)
	defer conn.Close()

	claimed, err := s.Lock(ctx, conn, 1, nil)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	retryAt := time.Now().UTC().Add(time.Minute).Truncate(time.Millisecond)
	n, err := s.MarkRetried(ctx, conn, claimed[0], retryAt)
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	var dueAt time.Time
	var attempts int
	require.NoError(t, db(t, s).QueryRowContext(ctx, `SELECT due_at, (rihanna_internal_meta->>'attempts')::int FROM rihanna_jobs WHERE id = $1`, job.ID).Scan(&dueAt, &attempts))
	require.Equal(t, 1, attempts)
	require.WithinDuration(t, retryAt, dueAt.UTC(), time.Millisecond)
}

// (h) mark_reenqueued preserves attempts.
func TestMarkReenqueuedPreservesAttempts(t *testing.T) {
	s, rawDB := newTestStore(t)
	ctx := context.Background()

	job, err := s.Enqueue(ctx, mustPayload(t), model.EnqueueOptions{})
	require.NoError(t, err)
	_, err = rawDB.ExecContext(ctx, `
		UPDATE rihanna_jobs
		SET failed_at = now(), fail_reason = 'boom',
		    rihanna_internal_meta = '{"attempts":2}'::jsonb
		WHERE id = $1
	`, job.ID)
	require.NoError(t, err)

	conn, err := rawDB.Conn(ctx)
	require.NoError(t, err)
	defer conn.Close()
	var acquired bool
	require.NoError(t, conn.QueryRowContext(ctx, `SELECT pg_try_advisory_lock($1, $2)`, testClassID, job.ID).Scan(&acquired))
	require.True(t, acquired)

	due := time.Now().UTC().Add(time.Hour).Truncate(time.Millisecond)
	n, err := s.MarkReenqueued(ctx, conn, job, due)
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	var failedAt sql.NullTime
	var attempts int
	require.NoError(t, rawDB.QueryRowContext(ctx, `SELECT failed_at, (rihanna_internal_meta->>'attempts')::int FROM rihanna_jobs WHERE id = $1`, job.ID).Scan(&failedAt, &attempts))
	require.False(t, failedAt.Valid)
	require.Equal(t, 2, attempts)
}

// (i) retry_failed on a failed job.
func TestRetryFailedOnFailedJob(t *testing.T) {
	s, rawDB := newTestStore(t)
	ctx := context.Background()

	job, err := s.Enqueue(ctx, mustPayload(t), model.EnqueueOptions{})
	require.NoError(t, err)
	_, err = rawDB.ExecContext(ctx, `UPDATE rihanna_jobs SET failed_at = now(), fail_reason = 'boom' WHERE id = $1`, job.ID)
	require.NoError(t, err)

	retried, err := s.RetryFailed(ctx, job.ID)
	require.NoError(t, err)
	require.Nil(t, retried.FailedAt)
	require.Nil(t, retried.FailReason)
	require.True(t, retried.EnqueuedAt.After(job.EnqueuedAt))
}

// (j) retry_failed on a ready (non-failed) job is a no-op.
func TestRetryFailedOnReadyJobErrorsAndLeavesRowUnchanged(t *testing.T) {
	s, rawDB := newTestStore(t)
	ctx := context.Background()

	job, err := s.Enqueue(ctx, mustPayload(t), model.EnqueueOptions{})
	require.NoError(t, err)

	_, err = s.RetryFailed(ctx, job.ID)
	require.ErrorIs(t, err, ErrJobNotFound)

	var enqueuedAt time.Time
	require.NoError(t, rawDB.QueryRowContext(ctx, `SELECT enqueued_at FROM rihanna_jobs WHERE id = $1`, job.ID).Scan(&enqueuedAt))
	require.WithinDuration(t, job.EnqueuedAt, enqueuedAt.UTC(), time.Millisecond)
}

func TestRetryFailedOnMissingJob(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	_, err := s.RetryFailed(ctx, 999999)
	require.ErrorIs(t, err, ErrJobNotFound)
}

// (5) mark_successful releases the advisory lock.
func TestMarkSuccessfulDeletesRowAndReleasesLock(t *testing.T) {
	s, rawDB := newTestStore(t)
	ctx := context.Background()

	job, err := s.Enqueue(ctx, mustPayload(t), model.EnqueueOptions{})
	require.NoError(t, err)

	conn, err := s.Acquire(ctx)
	require.NoError(t, err)
	defer conn.Close()

	claimed, err := s.Lock(ctx, conn, 1, nil)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	n, err := s.MarkSuccessful(ctx, conn, claimed[0])
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	var count int
	require.NoError(t, rawDB.QueryRowContext(ctx, `SELECT count(*) FROM rihanna_jobs WHERE id = $1`, job.ID).Scan(&count))
	require.Zero(t, count)

	var reacquired bool
	require.NoError(t, rawDB.QueryRowContext(ctx, `SELECT pg_try_advisory_lock($1, $2)`, testClassID, job.ID).Scan(&reacquired))
	require.True(t, reacquired, "mark_successful must release the advisory lock")
}

// (7) idempotent terminal on a vanished row.
func TestMarkSuccessfulOnAlreadyDeletedRowReturnsZeroNotError(t *testing.T) {
	s, rawDB := newTestStore(t)
	ctx := context.Background()

	job, err := s.Enqueue(ctx, mustPayload(t), model.EnqueueOptions{})
	require.NoError(t, err)

	conn, err := s.Acquire(ctx)
	require.NoError(t, err)
	defer conn.Close()

	claimed, err := s.Lock(ctx, conn, 1, nil)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	_, err = rawDB.ExecContext(ctx, `DELETE FROM rihanna_jobs WHERE id = $1`, job.ID)
	require.NoError(t, err)

	n, err := s.MarkSuccessful(ctx, conn, claimed[0])
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestEnqueueDefaultsPriorityAndAttempts(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	job, err := s.Enqueue(ctx, mustPayload(t), model.EnqueueOptions{})
	require.NoError(t, err)
	require.Equal(t, model.DefaultPriority, job.Priority)
	require.Equal(t, 0, job.Meta.Attempts)
	require.Nil(t, job.FailedAt)
	require.Nil(t, job.FailReason)
}

func db(t *testing.T, s *PostgresJobStore) *sql.DB {
	t.Helper()
	return s.db
}
