// Package dispatcher consumes the store's public operations: it chains
// Lock to exactly one terminal transition per claimed job, looking up
// the job's module in a registry and consulting the retry policy
// adapter on failure.
//
// Nothing in internal/store imports this package — the store's claim
// and terminal-transition guarantees hold regardless of what, if
// anything, sits on top of it.
package dispatcher

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/avalonhq/rihanna/internal/metrics"
	"github.com/avalonhq/rihanna/internal/model"
	"github.com/avalonhq/rihanna/internal/registry"
	"github.com/avalonhq/rihanna/internal/retry"
	"github.com/avalonhq/rihanna/internal/store"
)

// opaqueModuleName is the registry key consulted for opaque payloads.
const opaqueModuleName = "_opaque"

// Dispatcher chains a claim to its terminal transition.
type Dispatcher struct {
	store    store.JobStore
	registry *registry.Registry
	metrics  metrics.MetricsFn
}

// New returns a Dispatcher backed by s, dispatching through reg.
func New(s store.JobStore, reg *registry.Registry, m metrics.MetricsFn) *Dispatcher {
	return &Dispatcher{store: s, registry: reg, metrics: m}
}

// Enqueue inserts a new ready job through the store and records it in
// metrics. Producers should call this instead of store.Enqueue directly
// so rihanna_jobs_submitted_total reflects every job actually inserted.
func (d *Dispatcher) Enqueue(ctx context.Context, payload model.Payload, opts model.EnqueueOptions) (*model.Job, error) {
	job, err := d.store.Enqueue(ctx, payload, opts)
	if err != nil {
		return nil, err
	}
	d.metrics.IncJobsSubmitted()
	return job, nil
}

// Claim pulls up to n jobs on conn and marks them inflight in metrics.
func (d *Dispatcher) Claim(ctx context.Context, conn *sql.Conn, n int, excludeIDs []int64) ([]*model.Job, error) {
	jobs, err := d.store.Lock(ctx, conn, n, excludeIDs)
	if err != nil {
		return nil, fmt.Errorf("claim: %w", err)
	}
	for range jobs {
		d.metrics.IncInflight()
	}
	return jobs, nil
}

// Run executes job through its registered module (or the opaque
// fallback module) and resolves it with exactly one terminal
// transition: MarkSuccessful on nil error; otherwise MarkRetried if the
// module's retry policy resolves a retry time (a past time makes the job
// eligible again at once), else MarkFailed.
//
// A panic inside the module is recovered and treated as a failure, so
// no path between Lock and a terminal can leak the advisory lock a
// claimed job is holding.
func (d *Dispatcher) Run(ctx context.Context, conn *sql.Conn, job *model.Job) {
	defer d.metrics.DecInflight()

	runErr := d.execute(ctx, job)
	if runErr == nil {
		if _, err := d.store.MarkSuccessful(ctx, conn, job); err != nil {
			slog.Error("mark_successful failed", "job_id", job.ID, "error", err)
			return
		}
		d.metrics.IncJobsSucceeded()
		return
	}

	d.resolveFailure(ctx, conn, job, runErr)
}

func (d *Dispatcher) execute(ctx context.Context, job *model.Job) (runErr error) {
	defer func() {
		if p := recover(); p != nil {
			runErr = fmt.Errorf("panic: %v", p)
		}
	}()

	name := job.Payload.Module
	if job.Payload.IsOpaque() {
		name = opaqueModuleName
	}
	mod, ok := d.registry.Lookup(name)
	if !ok {
		return fmt.Errorf("no module registered for %q", name)
	}
	return mod.Run(ctx, job.Payload.Args)
}

func (d *Dispatcher) resolveFailure(ctx context.Context, conn *sql.Conn, job *model.Job, runErr error) {
	name := job.Payload.Module
	if job.Payload.IsOpaque() {
		name = opaqueModuleName
	}
	mod, _ := d.registry.Lookup(name)

	decision, err := retry.At(mod, runErr.Error(), job.Payload.Args, job.Meta.Attempts)
	if err != nil {
		slog.Error("retry_at failed, falling back to mark_failed", "job_id", job.ID, "error", err)
		decision = retry.Noop
	}

	if decision.Noop {
		if _, err := d.store.MarkFailed(ctx, conn, job, time.Now(), runErr.Error()); err != nil {
			slog.Error("mark_failed failed", "job_id", job.ID, "error", err)
			return
		}
		d.metrics.IncJobsFailed()
		return
	}

	if _, err := d.store.MarkRetried(ctx, conn, job, decision.At); err != nil {
		slog.Error("mark_retried failed", "job_id", job.ID, "error", err)
		return
	}
	d.metrics.IncJobsRetried()
}
