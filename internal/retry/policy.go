// Package retry implements the retry policy adapter: it answers "when,
// if ever, should this job next run?" and performs no scheduling
// itself — the caller interprets the answer.
package retry

import (
	"encoding/json"
	"time"

	"github.com/avalonhq/rihanna/internal/registry"
)

// Decision is the adapter's answer.
type Decision struct {
	// Noop is true when the module defines no retry_at/3 capability.
	Noop bool
	// At is the UTC moment the module says to retry at. Valid only when
	// !Noop. A past timestamp is not special-cased here — it simply
	// satisfies the claim engine's due_at <= now() filter on the very
	// next Lock call, making the job immediately eligible.
	At time.Time
}

// Noop is the sentinel decision for modules with no retry_at/3 capability.
var Noop = Decision{Noop: true}

// At resolves whether module defines a RetryScheduler and, if so,
// invokes it with (reason, args, attempts).
func At(module registry.RegisteredModule, reason string, args json.RawMessage, attempts int) (Decision, error) {
	if module.Retry == nil {
		return Noop, nil
	}
	when, err := module.Retry.RetryAt(reason, args, attempts)
	if err != nil {
		return Decision{}, err
	}
	return Decision{At: when.UTC()}, nil
}
