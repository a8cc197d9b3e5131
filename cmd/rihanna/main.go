// Command rihanna is the job-queue binary.
//
// Subcommands:
//
//	serve    — worker pool plus a /metrics and /health HTTP server
//	worker   — standalone worker pool, no HTTP server
//	enqueue  — producer CLI: insert one job
//	retry    — operator CLI: revert a failed job to ready
//	migrate  — run pending database migrations and exit
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	// Sets GOMEMLIMIT from the cgroup memory limit so the GC triggers
	// before the OOM killer fires in containers.
	_ "github.com/KimMachineGun/automemlimit"
	"github.com/golang-migrate/migrate/v4"
	migratepq "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/avalonhq/rihanna/internal/config"
	"github.com/avalonhq/rihanna/internal/dispatcher"
	"github.com/avalonhq/rihanna/internal/metrics"
	"github.com/avalonhq/rihanna/internal/model"
	"github.com/avalonhq/rihanna/internal/registry"
	"github.com/avalonhq/rihanna/internal/store"
	"github.com/avalonhq/rihanna/migrations"
)

func main() {
	root := &cobra.Command{
		Use:           "rihanna",
		Short:         "rihanna — a durable, Postgres-coordinated job queue",
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	root.AddCommand(
		serveCmd(),
		workerCmd(),
		enqueueCmd(),
		retryCmd(),
		migrateCmd(),
	)

	if err := root.Execute(); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}

// ── serve ────────────────────────────────────────────────────────────────────

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the worker pool and the /metrics, /health HTTP server",
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	slog.SetDefault(newLogger(cfg))

	db, err := newDB(cfg)
	if err != nil {
		return fmt.Errorf("database: %w", err)
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	m := metrics.New(prometheus.NewRegistry())
	pool, err := startPool(ctx, cfg, db, m, registerJobModules)
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	serverErr := make(chan error, 1)
	go func() {
		slog.Info("metrics server started", "addr", cfg.MetricsAddr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case err := <-serverErr:
		return fmt.Errorf("metrics server error: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)

	pool.Wait()
	return nil
}

// ── worker ───────────────────────────────────────────────────────────────────

func workerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Start the standalone worker pool (no HTTP server)",
		RunE:  runWorker,
	}
}

func runWorker(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	slog.SetDefault(newLogger(cfg))

	db, err := newDB(cfg)
	if err != nil {
		return fmt.Errorf("database: %w", err)
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	m := metrics.New(prometheus.NewRegistry())
	pool, err := startPool(ctx, cfg, db, m, registerJobModules)
	if err != nil {
		return err
	}
	pool.Wait()
	return nil
}

// poolHandle lets callers block until the worker goroutines drain.
type poolHandle struct{ done chan struct{} }

func (h *poolHandle) Wait() { <-h.done }

func startPool(ctx context.Context, cfg *config.Config, db *sql.DB, m *metrics.Metrics, register func(*registry.Registry)) (*poolHandle, error) {
	st := store.NewPostgresJobStore(db, cfg.LockClassID)
	reg := registry.New()
	register(reg)
	d := dispatcher.New(st, reg, m)

	listener := dispatcher.NewListener(cfg.DatabaseURL)
	workerPool := dispatcher.NewPool(d, cfg.WorkerBatchSize, cfg.WorkerPollInterval, listener)

	h := &poolHandle{done: make(chan struct{})}
	go func() {
		defer close(h.done)
		workerPool.Start(ctx, cfg.WorkerConcurrency)
	}()
	return h, nil
}

// registerJobModules is where a deployment wires its own job modules
// into the registry. Shipped empty; opaque payloads and modules the
// operator hasn't registered simply fail with "no module registered".
func registerJobModules(_ *registry.Registry) {}

// ── enqueue ──────────────────────────────────────────────────────────────────

func enqueueCmd() *cobra.Command {
	var (
		module   string
		argsJSON string
		priority int
		dueInStr string
	)

	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Insert one job",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("config: %w", err)
			}
			db, err := newDB(cfg)
			if err != nil {
				return fmt.Errorf("database: %w", err)
			}
			defer db.Close()

			st := store.NewPostgresJobStore(db, cfg.LockClassID)
			d := dispatcher.New(st, registry.New(), metrics.New(prometheus.NewRegistry()))

			var payload model.Payload
			raw := json.RawMessage(argsJSON)
			if !json.Valid(raw) {
				return fmt.Errorf("--args is not valid JSON: %q", argsJSON)
			}
			if module == "" {
				payload = model.Payload{Args: raw}
			} else {
				payload = model.Payload{Module: module, Args: raw}
			}

			opts := model.EnqueueOptions{}
			if cmd.Flags().Changed("priority") {
				opts.Priority = &priority
			}
			if dueInStr != "" {
				due, err := time.ParseDuration(dueInStr)
				if err != nil {
					return fmt.Errorf("--due-in: %w", err)
				}
				at := time.Now().UTC().Add(due)
				opts.DueAt = &at
			}

			job, err := d.Enqueue(cmd.Context(), payload, opts)
			if err != nil {
				return fmt.Errorf("enqueue: %w", err)
			}
			fmt.Printf("enqueued job %d\n", job.ID)
			return nil
		},
	}

	cmd.Flags().StringVar(&module, "module", "", "job module name (empty enqueues an opaque payload)")
	cmd.Flags().StringVar(&argsJSON, "args", "{}", "JSON-encoded job arguments")
	cmd.Flags().IntVar(&priority, "priority", model.DefaultPriority, "job priority (lower runs first)")
	cmd.Flags().StringVar(&dueInStr, "due-in", "", "delay before the job becomes eligible, e.g. 90s")
	return cmd
}

// ── retry ────────────────────────────────────────────────────────────────────

func retryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "retry <job-id>",
		Short: "Revert a failed job back to ready",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid job id %q: %w", args[0], err)
			}

			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("config: %w", err)
			}
			db, err := newDB(cfg)
			if err != nil {
				return fmt.Errorf("database: %w", err)
			}
			defer db.Close()

			st := store.NewPostgresJobStore(db, cfg.LockClassID)
			job, err := st.RetryFailed(cmd.Context(), id)
			if err != nil {
				if errors.Is(err, store.ErrJobNotFound) {
					return fmt.Errorf("job %d not found or not failed", id)
				}
				return fmt.Errorf("retry_failed: %w", err)
			}
			fmt.Printf("job %d is ready again (enqueued_at=%s)\n", job.ID, job.EnqueuedAt)
			return nil
		},
	}
}

// ── migrate ──────────────────────────────────────────────────────────────────

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Run pending database migrations and exit",
		RunE:  runMigrate,
	}
}

func runMigrate(_ *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	slog.Info("running migrations")

	src, err := iofs.New(migrations.FS, ".")
	if err != nil {
		return fmt.Errorf("migration source: %w", err)
	}

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer db.Close()

	driver, err := migratepq.WithInstance(db, &migratepq.Config{})
	if err != nil {
		return fmt.Errorf("migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return fmt.Errorf("migrate init: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate up: %w", err)
	}

	version, _, _ := m.Version() //nolint:errcheck
	slog.Info("migrations complete", "version", version)
	return nil
}

// ── shared helpers ───────────────────────────────────────────────────────────

func newDB(cfg *config.Config) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(cfg.DBMaxOpenConns)
	db.SetMaxIdleConns(cfg.DBMaxIdleConns)
	db.SetConnMaxIdleTime(cfg.DBConnMaxIdleTime)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func newLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.LogFormat == "text" || cfg.IsDevelopment() {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}
