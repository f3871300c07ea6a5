// Package errsource implements the test-double source named in spec §9's
// design notes: a source whose per-batch behavior (succeed, fail, panic,
// sleep past its deadline) is injected by the test, used to exercise the
// isolation and timeout properties in spec §8 (P7, P8) end to end through
// a real Loader.Run rather than a unit test of asyncrun alone.
package errsource

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

// Behavior is the injected per-batch action (spec §8 scenarios): it
// either returns a value per item key, or reports a failure for the
// whole batch, or blocks until ctx says otherwise (to exercise timeout).
type Behavior func(ctx context.Context, batchKey any, itemKeys []any) (map[any]any, error)

// Succeed returns a Behavior that resolves every item to value.
func Succeed(value any) Behavior {
	return func(_ context.Context, _ any, itemKeys []any) (map[any]any, error) {
		out := make(map[any]any, len(itemKeys))
		for _, k := range itemKeys {
			out[k] = value
		}
		return out, nil
	}
}

// Fail returns a Behavior that fails the entire batch with err.
func Fail(err error) Behavior {
	return func(context.Context, any, []any) (map[any]any, error) { return nil, err }
}

// Panic returns a Behavior that panics with msg, exercising the runner's
// panic isolation (spec §4.2).
func Panic(msg string) Behavior {
	return func(context.Context, any, []any) (map[any]any, error) { panic(msg) }
}

// Sleep returns a Behavior that blocks for d (or until ctx is done,
// whichever comes first) before succeeding with value — used to exercise
// the timeout path (spec §8 P8) deterministically.
func Sleep(d time.Duration, value any) Behavior {
	return func(ctx context.Context, _ any, itemKeys []any) (map[any]any, error) {
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		out := make(map[any]any, len(itemKeys))
		for _, k := range itemKeys {
			out[k] = value
		}
		return out, nil
	}
}

// Option configures a Source at construction time.
type Option func(*Source)

// WithTimeout sets the per-run deadline passed to each batch.
func WithTimeout(d time.Duration) Option {
	return func(s *Source) { s.timeout = d; s.hasTimeout = d > 0 }
}

// WithMaxConcurrency bounds concurrent batches within one Run call.
func WithMaxConcurrency(n int) Option {
	return func(s *Source) { s.maxConcurrency = n }
}

// WithAsync sets whether the loader may run this source in parallel with
// others. Defaults to true.
func WithAsync(async bool) Option {
	return func(s *Source) { s.async = async }
}

// Source is the injectable test-double, built the same way kvsource is:
// a single behavior function dispatched per pending batch key, with the
// same copy-on-write value semantics as the reference sources.
type Source struct {
	behavior Behavior

	batches map[any]map[any]struct{}
	results map[any]map[any]source.Outcome

	timeout        time.Duration
	hasTimeout     bool
	maxConcurrency int
	async          bool
}

// New creates a Source dispatching every batch to behavior.
func New(behavior Behavior, opts ...Option) *Source {
	s := &Source{
		behavior:       behavior,
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
		behavior:       s.behavior,
		batches:        s.batches,
		results:        s.results,
		timeout:        s.timeout,
		hasTimeout:     s.hasTimeout,
		maxConcurrency: s.maxConcurrency,
		async:          s.async,
	}
}

// Validate implements source.Source. The test double has no structural
// batch-key shape to reject.
func (s *Source) Validate(batch, item any) error { return nil }

// Load implements source.Source.
func (s *Source) Load(batch, item any) source.Source {
	if items, ok := s.results[batch]; ok {
		if oc, ok := items[item]; ok && oc.OK {
			return s
		}
	}
	next := s.clone()
	next.batches = cloneBatchMap(s.batches)
	set, ok := next.batches[batch]
	if !ok {
		set = map[any]struct{}{}
	} else {
		set = cloneItemSet(set)
	}
	set[item] = struct{}{}
	next.batches[batch] = set
	return next
}

// Put implements source.Source.
func (s *Source) Put(batch, item any, value any) source.Source {
	next := s.clone()
	next.results = cloneResultMap(s.results)
	items, ok := next.results[batch]
	if !ok {
		items = map[any]source.Outcome{}
	} else {
		items = cloneOutcomeMap(items)
	}
	items[item] = source.Success(value)
	next.results[batch] = items
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

func (s *Source) Timeout() (time.Duration, bool) { return s.timeout, s.hasTimeout }
func (s *Source) Async() bool                    { return s.async }

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

// Run implements source.Source, dispatching each pending batch through
// the injected behavior under the async runner's isolation.
func (s *Source) Run(ctx context.Context) source.Source {
	if !s.PendingBatches() {
		return s
	}
	runID, _ := runid.FromContext(ctx)
	name, _ := source.NameFromContext(ctx)

	type plan struct {
		key   any
		items []any
	}
	var plans []plan
	for key, set := range s.batches {
		items := make([]any, 0, len(set))
		for item := range set {
			items = append(items, item)
		}
		plans = append(plans, plan{key, items})
	}

	units := make([]asyncrun.Unit, len(plans))
	for i, p := range plans {
		p := p
		units[i] = asyncrun.Unit{
			Label:   "errsource.batch",
			Timeout: s.timeout,
			Fn: func(ctx context.Context) (any, error) {
				eventbus.Publish(ctx, events.BatchRunStart{RunID: runID, SystemTime: time.Now(), Source: name, BatchKey: p.key, ItemCount: len(p.items)})
				start := time.Now()
				values, err := s.behavior(ctx, p.key, p.items)
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
