// Package kvsource implements the generic key/value source (spec §3.3,
// §4.5): a source backed by a single caller-supplied batch function, with
// per-batch-key deduplication and batch-wide or per-item error reporting.
package kvsource

import (
	"context"
	"errors"
	"runtime"
	"time"

	"github.com/hanpama/loadcore/internal/asyncrun"
	eventbus "github.com/hanpama/loadcore/internal/eventbus"
	events "github.com/hanpama/loadcore/internal/events"
	"github.com/hanpama/loadcore/internal/loaderr"
	"github.com/hanpama/loadcore/internal/runid"
	"github.com/hanpama/loadcore/internal/source"
)

// FetchFunc is the caller-supplied batch function (spec §3.3). It receives
// the full set of pending item keys for one batch key and returns a
// mapping from item key to resolved value. Any map value that implements
// error is treated as a per-item failure. A non-nil returned error instead
// fails the entire batch: every queued item under batchKey reads as that
// error (spec §4.5 "Per-batch error fans out").
type FetchFunc func(ctx context.Context, batchKey any, itemKeys []any) (map[any]any, error)

// Option configures a Source at construction time.
type Option func(*Source)

// WithTimeout sets the per-run deadline passed to each batch invocation.
func WithTimeout(d time.Duration) Option {
	return func(s *Source) { s.timeout = d; s.hasTimeout = d > 0 }
}

// WithMaxConcurrency bounds how many batches run concurrently within one
// Run call. Defaults to 2x GOMAXPROCS, per spec §6.
func WithMaxConcurrency(n int) Option {
	return func(s *Source) { s.maxConcurrency = n }
}

// WithAsync sets whether the loader orchestrator may run this source in
// parallel with others. Defaults to true: a pure batch function has no
// store-side transactional affinity to preserve.
func WithAsync(async bool) Option {
	return func(s *Source) { s.async = async }
}

// Source is an immutable-per-call key/value source value; every mutating
// method returns a new *Source rather than modifying the receiver, per the
// value-semantics contract in spec §9.
type Source struct {
	fetch FetchFunc

	batches map[any]map[any]struct{}
	results map[any]map[any]source.Outcome

	timeout        time.Duration
	hasTimeout     bool
	maxConcurrency int
	async          bool
}

// New creates a Source backed by fetch.
func New(fetch FetchFunc, opts ...Option) *Source {
	s := &Source{
		fetch:          fetch,
		batches:        map[any]map[any]struct{}{},
		results:        map[any]map[any]source.Outcome{},
		maxConcurrency: 2 * runtime.GOMAXPROCS(0),
		async:          true,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Source) clone() *Source {
	return &Source{
		fetch:          s.fetch,
		batches:        s.batches,
		results:        s.results,
		timeout:        s.timeout,
		hasTimeout:     s.hasTimeout,
		maxConcurrency: s.maxConcurrency,
		async:          s.async,
	}
}

// Validate implements source.Source. A KV source has no structural
// batch-key shape to reject, so it never fails.
func (s *Source) Validate(batch, item any) error { return nil }

// Load implements source.Source.
func (s *Source) Load(batch, item any) source.Source {
	if items, ok := s.results[batch]; ok {
		if oc, ok := items[item]; ok && oc.OK {
			return s // already resolved successfully: no-op
		}
		// present as {error,_}, or batch unresolved: fall through to queue
	}

	next := s.clone()
	next.batches = cloneBatchMap(s.batches)
	set, ok := next.batches[batch]
	if !ok {
		set = map[any]struct{}{}
		next.batches[batch] = set
	} else {
		set = cloneItemSet(set)
		next.batches[batch] = set
	}
	set[item] = struct{}{}
	return next
}

// Put implements source.Source.
func (s *Source) Put(batch, item any, value any) source.Source {
	next := s.clone()
	next.results = cloneResultMap(s.results)
	items, ok := next.results[batch]
	if !ok {
		items = map[any]source.Outcome{}
		next.results[batch] = items
	} else {
		items = cloneOutcomeMap(items)
		next.results[batch] = items
	}
	items[item] = source.Success(value)
	return next
}

// PendingBatches implements source.Source.
func (s *Source) PendingBatches() bool {
	for _, items := range s.batches {
		if len(items) > 0 {
			return true
		}
	}
	return false
}

// Timeout implements source.Source.
func (s *Source) Timeout() (time.Duration, bool) { return s.timeout, s.hasTimeout }

// Async implements source.Source.
func (s *Source) Async() bool { return s.async }

// Fetch implements source.Source.
func (s *Source) Fetch(batch, item any) source.Outcome {
	items, ok := s.results[batch]
	if !ok {
		return source.Failure(loaderr.UnknownBatch(batch))
	}
	oc, ok := items[item]
	if !ok {
		return source.Failure(loaderr.UnknownItem(batch, item))
	}
	return oc
}

// Run implements source.Source: drains every pending batch through the
// async runner, applying per-batch isolation so one batch's failure never
// poisons a sibling (spec §4.5, §8 P7).
func (s *Source) Run(ctx context.Context) source.Source {
	if !s.PendingBatches() {
		return s
	}

	runID, _ := runid.FromContext(ctx)
	name, _ := source.NameFromContext(ctx)
	type batchPlan struct {
		key   any
		items []any
	}
	var plans []batchPlan
	for key, set := range s.batches {
		items := make([]any, 0, len(set))
		for item := range set {
			items = append(items, item)
		}
		plans = append(plans, batchPlan{key: key, items: items})
	}

	units := make([]asyncrun.Unit, len(plans))
	for i, p := range plans {
		p := p
		units[i] = asyncrun.Unit{
			Label:   "kvsource.batch",
			Timeout: s.timeout,
			Fn: func(ctx context.Context) (any, error) {
				eventbus.Publish(ctx, events.BatchRunStart{RunID: runID, SystemTime: time.Now(), Source: name, BatchKey: p.key, ItemCount: len(p.items)})
				start := time.Now()
				values, err := s.fetch(ctx, p.key, p.items)
				eventbus.Publish(ctx, events.BatchRunStop{RunID: runID, Source: name, BatchKey: p.key, Duration: time.Since(start), Err: err})
				return values, err
			},
		}
	}

	results := asyncrun.RunWithOptions(ctx, units, asyncrun.Options{MaxConcurrency: s.maxConcurrency})

	next := s.clone()
	next.results = cloneResultMap(s.results)
	next.batches = map[any]map[any]struct{}{}

	for i, p := range plans {
		r := results[i]
		items, ok := next.results[p.key]
		if !ok {
			items = map[any]source.Outcome{}
		} else {
			items = cloneOutcomeMap(items)
		}
		next.results[p.key] = items
		if r.Err != nil {
			batchErr := classifyRunErr(r.Err)
			for _, item := range p.items {
				items[item] = source.Failure(batchErr)
			}
			continue
		}
		values, _ := r.Value.(map[any]any)
		for _, item := range p.items {
			v, present := values[item]
			if !present {
				items[item] = source.Failure(loaderr.BatchFailure(loaderr.UnknownItem(p.key, item)))
				continue
			}
			if itemErr, isErr := v.(error); isErr {
				items[item] = source.Failure(itemErr)
				continue
			}
			items[item] = source.Success(v)
		}
	}

	return next
}

// classifyRunErr maps a batch unit's failure to the right taxonomy kind: a
// per-batch timeout (asyncrun.ErrTimeout) or the run ctx's own deadline
// reports KindTimeout (spec §7.3), anything else is KindBatch.
func classifyRunErr(err error) error {
	if errors.Is(err, asyncrun.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return loaderr.TimeoutFailure(err)
	}
	return loaderr.BatchFailure(err)
}

func cloneBatchMap(m map[any]map[any]struct{}) map[any]map[any]struct{} {
	out := make(map[any]map[any]struct{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneItemSet(m map[any]struct{}) map[any]struct{} {
	out := make(map[any]struct{}, len(m)+1)
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneResultMap(m map[any]map[any]source.Outcome) map[any]map[any]source.Outcome {
	out := make(map[any]map[any]source.Outcome, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneOutcomeMap(m map[any]source.Outcome) map[any]source.Outcome {
	out := make(map[any]source.Outcome, len(m)+1)
	for k, v := range m {
		out[k] = v
	}
	return out
}
