// Package migrations embeds the SQL migration files so the compiled
// binary carries its own schema management without requiring files on
// disk. Bootstrapping rihanna_jobs is an external concern to the core
// store package — nothing under internal/store imports this package.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
