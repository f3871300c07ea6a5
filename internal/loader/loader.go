// Package loader implements the outer orchestrator described in spec §3.1
// and §4.3: the value that owns a set of named sources, drives concurrent
// batch execution with a timeout and partial-failure isolation across
// sources, and enforces the read-time access policy.
package loader

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	"github.com/puzpuzpuz/xsync/v2"

	"github.com/hanpama/loadcore/internal/asyncrun"
	eventbus "github.com/hanpama/loadcore/internal/eventbus"
	events "github.com/hanpama/loadcore/internal/events"
	"github.com/hanpama/loadcore/internal/loaderr"
	"github.com/hanpama/loadcore/internal/policy"
	"github.com/hanpama/loadcore/internal/runid"
	"github.com/hanpama/loadcore/internal/source"
)

// defaultTimeoutFloor is the loader timeout used when no source declares
// one (spec §3.1).
const defaultTimeoutFloor = 15 * time.Second

// Option configures a Loader at construction time.
type Option func(*Loader)

// WithTimeout overrides the loader's run deadline. Unset, the deadline is
// derived from registered sources at Run time (spec §3.1).
func WithTimeout(d time.Duration) Option {
	return func(l *Loader) { l.timeout = d; l.hasTimeout = d > 0 }
}

// WithGetPolicy sets the read-time access policy (spec §4.6). Defaults to
// policy.RaiseOnError.
func WithGetPolicy(p policy.Policy) Option {
	return func(l *Loader) { l.getPolicy = p }
}

// WithLogger attaches a structured logger used to record each run's
// lifecycle and any source that fails (timeout or panic). Defaults to
// logr.Discard().
func WithLogger(log logr.Logger) Option {
	return func(l *Loader) { l.log = log }
}

// Loader is the outer orchestrator (spec §3.1). Every public operation
// returns a new *Loader derived from the receiver; sources is shared
// structure between values until one of them mutates it, following the
// same copy-on-write discipline as the sources it holds (spec §9).
type Loader struct {
	sources map[string]source.Source

	// runFailures holds the cause of each source that failed during the
	// most recent Run, keyed by source name (spec §2.2's "rare case a
	// caller wants every source-level failure from a single run").
	runFailures map[string]error

	timeout    time.Duration
	hasTimeout bool
	getPolicy  policy.Policy
	log        logr.Logger
}

// New creates an empty Loader.
func New(opts ...Option) *Loader {
	l := &Loader{
		sources:   map[string]source.Source{},
		getPolicy: policy.RaiseOnError,
		log:       logr.Discard(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Loader) clone() *Loader {
	return &Loader{
		sources:     l.sources,
		runFailures: l.runFailures,
		timeout:     l.timeout,
		hasTimeout:  l.hasTimeout,
		getPolicy:   l.getPolicy,
		log:         l.log,
	}
}

// AddSource registers src under name, overwriting any existing source of
// the same name (spec §4.3 "add_source").
func (l *Loader) AddSource(name string, src source.Source) *Loader {
	next := l.clone()
	next.sources = cloneSourceMap(l.sources)
	next.sources[name] = src
	return next
}

// Load enqueues a single (batch, item) request against the named source
// (spec §4.3 "load"). Misuse — an unknown source name, or a batch-key
// shape the source rejects — fails synchronously at the call site rather
// than being deferred into Run (spec §7 kind "misuse").
func (l *Loader) Load(name string, batch, item any) (*Loader, error) {
	src, ok := l.sources[name]
	if !ok {
		return l, unknownSource(name)
	}
	if err := src.Validate(batch, item); err != nil {
		return l, err
	}
	next := l.clone()
	next.sources = cloneSourceMap(l.sources)
	next.sources[name] = src.Load(batch, item)
	return next, nil
}

// LoadMany enqueues one (batch, item) request per entry in items (spec
// §4.3 "load_many").
func (l *Loader) LoadMany(name string, batch any, items []any) (*Loader, error) {
	cur := l
	for _, item := range items {
		next, err := cur.Load(name, batch, item)
		if err != nil {
			return l, err
		}
		cur = next
	}
	return cur, nil
}

// Put seeds the named source's cache for (batch, item) without an outside
// call (spec §4.3 "put", cache warming).
func (l *Loader) Put(name string, batch, item any, value any) (*Loader, error) {
	src, ok := l.sources[name]
	if !ok {
		return l, unknownSource(name)
	}
	if err := src.Validate(batch, item); err != nil {
		return l, err
	}
	next := l.clone()
	next.sources = cloneSourceMap(l.sources)
	next.sources[name] = src.Put(batch, item, value)
	return next, nil
}

// PendingBatches reports whether any registered source has pending work
// (spec §4.3 "pending_batches?").
func (l *Loader) PendingBatches() bool {
	for _, src := range l.sources {
		if src.PendingBatches() {
			return true
		}
	}
	return false
}

// Run materializes every pending batch across every registered source
// (spec §4.3 "run" algorithm).
func (l *Loader) Run(ctx context.Context) (*Loader, error) {
	if !l.PendingBatches() {
		return l, nil
	}

	ctx, runID := runid.NewContext(ctx)
	names := make([]string, 0, len(l.sources))
	for name, src := range l.sources {
		if src.PendingBatches() {
			names = append(names, name)
		}
	}
	eventbus.Publish(ctx, events.RunStart{RunID: runID, SystemTime: time.Now(), SourceNames: names})
	l.log.V(1).Info("loader run starting", "runID", runID, "sources", names)
	start := time.Now()

	deadline := l.timeout
	if !l.hasTimeout {
		deadline = l.deriveTimeout()
	}
	runCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	type job struct {
		name string
		src  source.Source
	}
	var async, sequential []job
	for name, src := range l.sources {
		if !src.PendingBatches() {
			continue
		}
		if src.Async() {
			async = append(async, job{name, src})
		} else {
			sequential = append(sequential, job{name, src})
		}
	}

	updated := xsync.NewMapOf[source.Source]()
	failed := xsync.NewMapOf[error]()

	if len(async) > 0 {
		// Each unit stores its updated source into updated from inside
		// asyncrun's own goroutine, so that map sees genuinely concurrent
		// writers — not just a post-hoc sequential replay of an
		// already-ordered results slice. Failed units are recorded into
		// updated/failed after asyncrun.Run returns.
		units := make([]asyncrun.Unit, len(async))
		for i, j := range async {
			j := j
			units[i] = asyncrun.Unit{
				Label: j.name,
				Fn: func(ctx context.Context) (any, error) {
					next := j.src.Run(source.WithName(ctx, j.name))
					updated.Store(j.name, next)
					return nil, nil
				},
			}
		}
		results := asyncrun.Run(runCtx, units)
		for i, j := range async {
			r := results[i]
			if r.Err != nil {
				l.log.Error(r.Err, "source run failed", "runID", runID, "source", j.name)
				cause := classifyRunErr(r.Err)
				updated.Store(j.name, errorSentinel{j.src, cause})
				failed.Store(j.name, cause)
			}
		}
	}

	for _, j := range sequential {
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					err := fmt.Errorf("panic: %v", rec)
					l.log.Error(err, "source run panicked", "runID", runID, "source", j.name)
					cause := classifyRunErr(err)
					updated.Store(j.name, errorSentinel{j.src, cause})
					failed.Store(j.name, cause)
				}
			}()
			updated.Store(j.name, j.src.Run(source.WithName(runCtx, j.name)))
		}()
	}

	next := l.clone()
	next.sources = cloneSourceMap(l.sources)
	updated.Range(func(name string, src source.Source) bool {
		next.sources[name] = src
		return true
	})

	var failedNames []string
	runFailures := map[string]error{}
	failed.Range(func(name string, cause error) bool {
		failedNames = append(failedNames, name)
		runFailures[name] = cause
		return true
	})
	next.runFailures = runFailures
	eventbus.Publish(ctx, events.RunStop{RunID: runID, Duration: time.Since(start), FailedSources: failedNames})
	l.log.V(1).Info("loader run finished", "runID", runID, "duration", time.Since(start), "failedSources", failedNames)

	return next, nil
}

// RunFailures aggregates every source-level failure from the most recent
// Run into a single error, for callers that want the whole picture rather
// than discovering failures one Get at a time (spec §2.2). Returns nil if
// no source failed.
func (l *Loader) RunFailures() error {
	return loaderr.Aggregate(l.runFailures)
}

// Get reads one (batch, item) result from the named source, shaped by the
// loader's get_policy (spec §4.3 "get", §4.6).
func (l *Loader) Get(name string, batch, item any) (any, error) {
	src, ok := l.sources[name]
	if !ok {
		return nil, unknownSource(name)
	}
	oc := src.Fetch(batch, item)
	return policy.Apply(l.getPolicy, name, batch, item, oc)
}

// GetMany applies Get element-wise, preserving input order (spec §4.3
// "get_many").
func (l *Loader) GetMany(name string, batch any, items []any) ([]any, error) {
	out := make([]any, len(items))
	for i, item := range items {
		v, err := l.Get(name, batch, item)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// deriveTimeout computes the default loader deadline: the longest
// per-source timeout plus one second, or a 15s floor if no source
// declares one (spec §3.1).
func (l *Loader) deriveTimeout() time.Duration {
	var max time.Duration
	var found bool
	for _, src := range l.sources {
		if d, ok := src.Timeout(); ok && d > max {
			max, found = d, true
		}
	}
	if !found {
		return defaultTimeoutFloor
	}
	return max + time.Second
}

func unknownSource(name string) error {
	return &loaderr.Error{Kind: loaderr.KindMisuse, Msg: fmt.Sprintf("loadcore: unknown source %q", name)}
}

// classifyRunErr maps a source-level Run failure to the right taxonomy
// kind: the derived run deadline (asyncrun.ErrTimeout or
// context.DeadlineExceeded) reports KindTimeout (spec §7.3); a recovered
// panic or any other cause reports KindBatch.
func classifyRunErr(err error) error {
	if errors.Is(err, asyncrun.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return loaderr.TimeoutFailure(err)
	}
	return loaderr.BatchFailure(err)
}

// errorSentinel replaces a source slot after its Run fails at the source
// level (timeout or panic): every read against it surfaces the same
// failure (spec §4.3 step 5, "{error, reason} → replace the source slot
// with an error sentinel").
type errorSentinel struct {
	source.Source
	err error
}

func (e errorSentinel) Fetch(batch, item any) source.Outcome { return source.Failure(e.err) }

func cloneSourceMap(m map[string]source.Source) map[string]source.Source {
	out := make(map[string]source.Source, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
