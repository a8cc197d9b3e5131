package dispatcher

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// Pool runs a fixed number of worker goroutines, each pinning its own
// connection for the lifetime of its claim-to-terminal span, claiming
// one batch at a time from a shared Dispatcher. A dedicated LISTEN
// connection wakes one idle worker per notification as soon as Enqueue
// issues NOTIFY, with a poll-interval ticker as the fallback.
type Pool struct {
	dispatcher   *Dispatcher
	workerID     string
	batchSize    int
	pollInterval time.Duration
	listener     *pq.Listener
}

// NewPool returns a Pool. listener may be nil, in which case workers
// rely on pollInterval alone.
func NewPool(d *Dispatcher, batchSize int, pollInterval time.Duration, listener *pq.Listener) *Pool {
	return &Pool{
		dispatcher:   d,
		workerID:     uuid.New().String(),
		batchSize:    batchSize,
		pollInterval: pollInterval,
		listener:     listener,
	}
}

// NewListener opens a dedicated pq.Listener on the "rihanna_jobs"
// channel. Call Enqueue's NOTIFY wakes every listening process.
func NewListener(dsn string) *pq.Listener {
	l := pq.NewListener(dsn, 10*time.Second, time.Minute, func(ev pq.ListenerEventType, err error) {
		if err != nil {
			slog.Warn("rihanna listener event", "error", err)
		}
	})
	return l
}

// Start launches concurrency worker goroutines plus the wakeup fan-out
// goroutine (if a listener was supplied), then blocks until ctx is
// cancelled and every in-flight job has resolved.
func (p *Pool) Start(ctx context.Context, concurrency int) {
	wake := make(chan struct{}, 1)

	var wg sync.WaitGroup

	if p.listener != nil {
		if err := p.listener.Listen("rihanna_jobs"); err != nil {
			slog.Error("listen rihanna_jobs failed, falling back to polling only", "error", err)
		} else {
			wg.Add(1)
			go func() {
				defer wg.Done()
				p.fanOutNotifications(ctx, wake)
			}()
		}
	}

	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			p.runWorker(ctx, id, wake)
		}(i)
	}

	wg.Wait()
	slog.Info("worker pool stopped", "worker_id", p.workerID)
}

func (p *Pool) fanOutNotifications(ctx context.Context, wake chan<- struct{}) {
	defer p.listener.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.listener.Notify:
			select {
			case wake <- struct{}{}:
			default:
			}
		case <-time.After(90 * time.Second):
			// lib/pq recommends an occasional Ping to detect a dead
			// connection that went silent without an error callback.
			_ = p.listener.Ping()
		}
	}
}

func (p *Pool) runWorker(ctx context.Context, id int, wake <-chan struct{}) {
	p.dispatcher.metrics.IncActiveWorkers()
	defer p.dispatcher.metrics.DecActiveWorkers()

	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	slog.Info("worker started", "worker_id", p.workerID, "slot", id)

	for {
		select {
		case <-ctx.Done():
			slog.Info("worker stopping", "worker_id", p.workerID, "slot", id)
			return
		case <-ticker.C:
			p.drainOnce(ctx, id)
		case <-wake:
			p.drainOnce(ctx, id)
		}
	}
}

// drainOnce claims and resolves batches until a claim returns fewer jobs
// than requested, then returns control to the worker's select loop.
func (p *Pool) drainOnce(ctx context.Context, slot int) {
	for {
		if ctx.Err() != nil {
			return
		}

		conn, err := p.dispatcher.store.Acquire(ctx)
		if err != nil {
			slog.Error("acquire connection failed", "slot", slot, "error", err)
			return
		}

		jobs, err := p.dispatcher.Claim(ctx, conn, p.batchSize, nil)
		if err != nil {
			slog.Error("claim failed", "slot", slot, "error", err)
			_ = conn.Close()
			return
		}

		for _, job := range jobs {
			p.dispatcher.Run(ctx, conn, job)
		}
		_ = conn.Close()

		if len(jobs) < p.batchSize {
			return
		}
	}
}
