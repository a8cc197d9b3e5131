// Package config parses process-wide configuration from environment
// variables using caarlos0/env/v11.
//
// Call [Load] once at startup; pass the resulting [Config] to every
// cooperating worker process. LockClassID must be identical across the
// whole fleet sharing a rihanna_jobs table — Load does not and cannot
// detect a cross-process mismatch, it can only document the requirement
// here.
package config

import (
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds all process-wide configuration.
type Config struct {
	// ── Database ─────────────────────────────────────────────────────
	DatabaseURL       string        `env:"DATABASE_URL,required,notEmpty"`
	DBMaxOpenConns    int           `env:"DB_MAX_OPEN_CONNS"    envDefault:"25"`
	DBMaxIdleConns    int           `env:"DB_MAX_IDLE_CONNS"    envDefault:"10"`
	DBConnMaxIdleTime time.Duration `env:"DB_CONN_MAX_IDLE_TIME" envDefault:"5m"`

	// ── Lock namespace ───────────────────────────────────────────────
	// pg_advisory_lock_class_id: must match across every process
	// cooperating on the same rihanna_jobs table.
	LockClassID int32 `env:"RIHANNA_LOCK_CLASS_ID" envDefault:"7274"`

	// ── Worker harness ───────────────────────────────────────────────
	WorkerConcurrency  int           `env:"WORKER_CONCURRENCY"   envDefault:"4"`
	WorkerPollInterval time.Duration `env:"WORKER_POLL_INTERVAL" envDefault:"5s"`
	WorkerBatchSize    int           `env:"WORKER_BATCH_SIZE"    envDefault:"1"`

	// ── Logging ──────────────────────────────────────────────────────
	LogLevel  string `env:"LOG_LEVEL"  envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
	AppEnv    string `env:"APP_ENV"    envDefault:"production"`

	// ── Metrics / admin HTTP ─────────────────────────────────────────
	MetricsAddr string `env:"METRICS_ADDR" envDefault:":9090"`
}

// Load reads Config from the environment. It fails if DATABASE_URL is
// unset or empty.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// IsDevelopment reports whether AppEnv selects human-readable logging.
func (c *Config) IsDevelopment() bool {
	return c.AppEnv == "development"
}
