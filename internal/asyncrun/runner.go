// Package asyncrun implements the bounded-concurrency execution engine
// described in spec §4.2. It schedules a finite list of independent units,
// isolates each unit's failure (panic, error, or timeout) from its
// siblings, and guarantees the runner itself is torn down promptly when the
// caller's context is cancelled.
//
// It is invoked from two sites, per spec §4.2: the loader orchestrator
// running multiple sources in parallel (internal/loader), and each
// reference source running its own internal batches in parallel
// (internal/kvsource, internal/relsource).
package asyncrun

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/semaphore"
)

// Unit is one independent piece of work to schedule. Fn must respect ctx
// for cancellation; the runner cannot force-terminate a goroutine that
// ignores its context, so a Fn that blocks past Timeout will leak until it
// eventually notices cancellation — callers should always thread ctx
// through to their actual I/O.
type Unit struct {
	// Label identifies the unit for logging/telemetry; it plays no role in
	// scheduling.
	Label string
	// Timeout bounds this unit's execution. Zero means no per-unit deadline
	// beyond the runner's own ctx.
	Timeout time.Duration
	Fn      func(ctx context.Context) (any, error)
}

// Result is the outcome of one Unit. Exactly one of Value/Err is
// meaningful, mirroring an {ok,value}/{error,reason} pair.
type Result struct {
	Value any
	Err   error
}

// ErrTimeout is returned (wrapped) as a Unit's Err when it is forcibly
// reported as failed after exceeding its deadline.
var ErrTimeout = fmt.Errorf("asyncrun: unit exceeded timeout")

// Options bounds how Run schedules units.
type Options struct {
	// MaxConcurrency caps the number of units running at once. Zero or
	// negative means unbounded (all units start immediately).
	MaxConcurrency int
}

// Run schedules every unit in units under cooperative parallelism and
// returns one Result per unit, in the same order as the input (spec §4.2
// "the returned mapping preserves input identity, keyed by the input
// unit" — here, by position).
//
// A single unit's panic, error, or timeout never prevents the others from
// completing. If ctx is cancelled before all units finish, every live unit
// observes cancellation through its own deadline-aware goroutine and
// reports ctx.Err() promptly, without waiting for a Fn that ignores ctx to
// return on its own.
func Run(ctx context.Context, units []Unit) []Result {
	return RunWithOptions(ctx, units, Options{})
}

// RunWithOptions is Run with an explicit concurrency bound.
func RunWithOptions(ctx context.Context, units []Unit, opts Options) []Result {
	results := make([]Result, len(units))
	if len(units) == 0 {
		return results
	}

	var sem *semaphore.Weighted
	if opts.MaxConcurrency > 0 {
		sem = semaphore.NewWeighted(int64(opts.MaxConcurrency))
	}

	// runOne races each unit's work against ctx/unitCtx cancellation, so
	// cancelling ctx unblocks every in-flight unit promptly even if its Fn
	// ignores the context; we still wait here rather than returning early,
	// since results is shared with those goroutines until each has reported.
	runAll(ctx, units, results, sem)
	return results
}

func runAll(ctx context.Context, units []Unit, results []Result, sem *semaphore.Weighted) {
	finished := make(chan int, len(units))
	for i, u := range units {
		i, u := i, u
		go func() {
			if sem != nil {
				if err := sem.Acquire(ctx, 1); err != nil {
					results[i] = Result{Err: err}
					finished <- i
					return
				}
				defer sem.Release(1)
			}
			results[i] = runOne(ctx, u)
			finished <- i
		}()
	}
	for range units {
		<-finished
	}
}

// runOne executes a single unit with panic isolation and an optional
// per-unit deadline.
func runOne(ctx context.Context, u Unit) (result Result) {
	unitCtx := ctx
	var cancel context.CancelFunc
	if u.Timeout > 0 {
		unitCtx, cancel = context.WithTimeout(ctx, u.Timeout)
		defer cancel()
	}

	type outcome struct {
		value any
		err   error
	}
	out := make(chan outcome, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				out <- outcome{err: fmt.Errorf("asyncrun: unit %q panicked: %v", u.Label, r)}
			}
		}()
		v, err := u.Fn(unitCtx)
		out <- outcome{value: v, err: err}
	}()

	select {
	case o := <-out:
		return Result{Value: o.value, Err: o.err}
	case <-unitCtx.Done():
		if u.Timeout > 0 && unitCtx.Err() == context.DeadlineExceeded {
			return Result{Err: fmt.Errorf("%w: %s", ErrTimeout, u.Label)}
		}
		return Result{Err: unitCtx.Err()}
	}
}
