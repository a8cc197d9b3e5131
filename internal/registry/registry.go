// Package registry is the name → implementation dispatch table for job
// modules, letting the dispatcher run arbitrary job logic by name
// without the store package knowing what a module is. The store only
// knows that a payload carries a module name or doesn't.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// Module is the function executed for a claimed job's args. A non-nil
// error marks the job failed (subject to the retry policy); a nil error
// marks it successful.
type Module func(ctx context.Context, args json.RawMessage) error

// RetryScheduler is the optional capability a module may supply, through
// the Retry field of its RegisteredModule (see below), to resolve
// retry_at(reason, args, attempts). Absence resolves to the Noop
// sentinel.
type RetryScheduler interface {
	RetryAt(reason string, args json.RawMessage, attempts int) (time.Time, error)
}

// RegisteredModule pairs a Module with an optional RetryScheduler,
// letting a single registration opt into a custom retry schedule.
type RegisteredModule struct {
	Run   Module
	Retry RetryScheduler // nil means "no retry_at/3 capability"
}

// Registry is a thread-safe name → RegisteredModule table.
type Registry struct {
	mu      sync.RWMutex
	modules map[string]RegisteredModule
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{modules: make(map[string]RegisteredModule)}
}

// Register associates a module with name. Registering under a name that
// already has a module replaces it.
func (r *Registry) Register(name string, m RegisteredModule) error {
	if name == "" {
		return fmt.Errorf("registry: module name cannot be empty")
	}
	if m.Run == nil {
		return fmt.Errorf("registry: module %q has no Run function", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.modules[name] = m
	return nil
}

// RegisterFunc is a convenience for modules with no RetryScheduler.
func (r *Registry) RegisterFunc(name string, run Module) error {
	return r.Register(name, RegisteredModule{Run: run})
}

// Lookup retrieves a module by name.
func (r *Registry) Lookup(name string) (RegisteredModule, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.modules[name]
	return m, ok
}

// Names returns every registered module name.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.modules))
	for name := range r.modules {
		names = append(names, name)
	}
	return names
}

// Remove unregisters a module.
func (r *Registry) Remove(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.modules, name)
}
