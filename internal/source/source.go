// Package source defines the capability every loader backend implements
// (spec §4.1): load, put, run, fetch, pending?, timeout, async?. The KV
// source (internal/kvsource), the relational source (internal/relsource)
// and the property-test double (internal/errsource) are the three variants
// named in spec §9's design notes; the loader (internal/loader) holds them
// behind this single interface and never type-switches on the concrete
// backend.
package source

import (
	"context"
	"time"
)

type nameKey struct{}

// WithName attaches the source's registered name to ctx so Run can
// include it on the batch telemetry it publishes (spec §6) without the
// source itself needing to know its own registry key.
func WithName(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, nameKey{}, name)
}

// NameFromContext retrieves the name attached by WithName, if any.
func NameFromContext(ctx context.Context) (string, bool) {
	name, ok := ctx.Value(nameKey{}).(string)
	return name, ok
}

// Outcome is the per-item result a source records once resolved: either
// {ok, value} or {error, reason}, per the state machine in spec §3.2.
type Outcome struct {
	OK    bool
	Value any
	Err   error
}

// Success constructs a successful outcome.
func Success(value any) Outcome { return Outcome{OK: true, Value: value} }

// Failure constructs a failed outcome.
func Failure(err error) Outcome { return Outcome{Err: err} }

// Source is the capability interface every backend satisfies. Every method
// that changes state returns a new Source value rather than mutating the
// receiver in place; implementations may share structure between the old
// and new value (copy-on-write) but must never let a caller observe
// mutation of a Source value still in use elsewhere (spec §9 "value
// semantics with concurrent backing").
type Source interface {
	// Validate reports a synchronous misuse error for (batch, item) without
	// mutating the source — an unknown association, a malformed batch-key
	// shape, or a non-record parent where one was required (spec §7 kind
	// "misuse"). The loader calls this before Load/Put so the caller sees
	// the error immediately rather than deferred into Run (spec §4.3).
	// Backends with no structural batch-key shape (e.g. the KV source)
	// always return nil.
	Validate(batch, item any) error

	// Load queues item under batch unless it is already resolved {ok,_}
	// (spec §3.2 state machine). Idempotent and commutative with respect to
	// the eventual batch membership.
	Load(batch, item any) Source

	// Put writes {ok, value} directly, warming the cache without an outside
	// call. Implementations may reject sentinel "not loaded" placeholders by
	// returning the receiver unchanged (spec §4.4 "Cache-warming rejection").
	Put(batch, item any, value any) Source

	// Run drains every pending batch, executes the backend fetch for each,
	// writes results, and empties batches. Run on a source with no pending
	// batches is a no-op that returns the receiver unchanged (spec §4.1
	// contract). The returned Source replaces the caller's slot atomically;
	// the context controls batch-level cancellation and timeouts but Run
	// itself never fails as a Go error except via ctx — backend failures are
	// captured per-batch inside the returned Source's results.
	Run(ctx context.Context) Source

	// Fetch returns the resolved outcome for (batch, item). If batch was
	// never loaded, Err is loaderr.UnknownBatch; if batch was loaded but
	// item is absent, Err is loaderr.UnknownItem.
	Fetch(batch, item any) Outcome

	// PendingBatches reports whether any batch is non-empty.
	PendingBatches() bool

	// Timeout returns the source's configured per-run timeout, if any.
	Timeout() (time.Duration, bool)

	// Async declares whether this source may be scheduled in parallel with
	// other sources during Loader.Run.
	Async() bool
}
