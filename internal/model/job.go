// Package model defines the persisted job record and its payload shape.
package model

import (
	"encoding/json"
	"time"
)

// DefaultPriority is the priority assigned to a job when the caller
// passes nil. Lower numbers run first; 1 is conventionally "highest".
const DefaultPriority = 50

// Payload is the value carried by a job. It is a tagged sum type with two
// variants: a (module, args) pair dispatched by name through a Registry,
// or an opaque term the core never interprets. Module == "" means the
// Opaque variant.
type Payload struct {
	Module string          `json:"module,omitempty"`
	Args   json.RawMessage `json:"args,omitempty"`
}

// ModuleArgs builds the (module, args) variant of Payload, marshaling args
// with encoding/json.
func ModuleArgs(module string, args any) (Payload, error) {
	raw, err := json.Marshal(args)
	if err != nil {
		return Payload{}, err
	}
	return Payload{Module: module, Args: raw}, nil
}

// OpaquePayload builds the opaque variant of Payload.
func OpaquePayload(data any) (Payload, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Payload{}, err
	}
	return Payload{Args: raw}, nil
}

// IsOpaque reports whether p carries no module to dispatch through.
func (p Payload) IsOpaque() bool { return p.Module == "" }

// Meta is rihanna_internal_meta: small internal bookkeeping fields the
// core reads and writes. Attempts is the only field the core itself uses;
// additional keys may ride along in FutureMeta without the core caring.
type Meta struct {
	Attempts int `json:"attempts"`
	// FutureMeta preserves any keys the core doesn't know about across a
	// round trip, so a newer writer's bookkeeping survives an older
	// reader's Mark* call.
	FutureMeta map[string]json.RawMessage `json:"-"`
}

// MarshalJSON flattens FutureMeta alongside the known fields.
func (m Meta) MarshalJSON() ([]byte, error) {
	out := make(map[string]json.RawMessage, len(m.FutureMeta)+1)
	for k, v := range m.FutureMeta {
		out[k] = v
	}
	attempts, err := json.Marshal(m.Attempts)
	if err != nil {
		return nil, err
	}
	out["attempts"] = attempts
	return json.Marshal(out)
}

// UnmarshalJSON pulls out "attempts" (defaulting to 0 when absent) and
// keeps the rest in FutureMeta.
func (m *Meta) UnmarshalJSON(data []byte) error {
	raw := map[string]json.RawMessage{}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &raw); err != nil {
			return err
		}
	}
	if attempts, ok := raw["attempts"]; ok {
		if err := json.Unmarshal(attempts, &m.Attempts); err != nil {
			return err
		}
		delete(raw, "attempts")
	} else {
		m.Attempts = 0
	}
	m.FutureMeta = raw
	return nil
}

// Job is the persisted rihanna_jobs row.
type Job struct {
	ID         int64
	Payload    Payload
	EnqueuedAt time.Time
	DueAt      *time.Time
	FailedAt   *time.Time
	FailReason *string
	Priority   int
	Meta       Meta
}

// EnqueueOptions carries the recognized Enqueue options. A nil DueAt
// means "run immediately"; a nil Priority coerces to DefaultPriority.
type EnqueueOptions struct {
	DueAt    *time.Time
	Priority *int
}

// ResolvedPriority returns o.Priority, or DefaultPriority if unset.
func (o EnqueueOptions) ResolvedPriority() int {
	if o.Priority == nil {
		return DefaultPriority
	}
	return *o.Priority
}
