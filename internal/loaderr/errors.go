// Package loaderr implements the error taxonomy described in spec §7: the
// fixed set of failure shapes a source or the loader orchestrator can
// produce, and the translation of those shapes into caller-visible errors
// at read time (internal/policy).
package loaderr

import (
	"errors"
	"fmt"

	multierror "github.com/hashicorp/go-multierror"
)

// Kind classifies a failure into one of the taxonomy's five buckets.
type Kind int

const (
	// KindLookup: an item was read that was never loaded (batch or item
	// missing from a source's results).
	KindLookup Kind = iota
	// KindBatch: a source-level failure during run (exception, cancellation).
	KindBatch
	// KindTimeout: a source's run exceeded its deadline.
	KindTimeout
	// KindMisuse: an unknown source, an invalid batch-key shape, or similar
	// caller error detected synchronously at the call site.
	KindMisuse
	// KindMultipleResults: cardinality=one matched more than one row.
	KindMultipleResults
)

func (k Kind) String() string {
	switch k {
	case KindLookup:
		return "lookup"
	case KindBatch:
		return "batch"
	case KindTimeout:
		return "timeout"
	case KindMisuse:
		return "misuse"
	case KindMultipleResults:
		return "multiple_results"
	default:
		return "unknown"
	}
}

// Error is the taxonomy's single concrete error type. Every failure the
// core produces (outside of a caller-provided fetch_fn/run_batch_fn error,
// which is wrapped as KindBatch) is an *Error.
type Error struct {
	Kind Kind
	Msg  string
	// Wrapped is the underlying cause, if any (e.g. a fetch_fn error, or a
	// context.DeadlineExceeded for KindTimeout).
	Wrapped error
}

func (e *Error) Error() string {
	if e.Wrapped != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Wrapped)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Wrapped }

// Is allows errors.Is(err, loaderr.Timeout) to match any *Error of the same
// Kind, ignoring Msg/Wrapped.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// Sentinel values usable with errors.Is to test a failure's kind without
// constructing a full message.
var (
	Timeout         = &Error{Kind: KindTimeout}
	Lookup          = &Error{Kind: KindLookup}
	Batch           = &Error{Kind: KindBatch}
	Misuse          = &Error{Kind: KindMisuse}
	MultipleResults = &Error{Kind: KindMultipleResults}
)

// UnknownBatch reports that fetch was called for a batch_key that was never
// loaded.
func UnknownBatch(batchKey any) error {
	return &Error{Kind: KindLookup, Msg: fmt.Sprintf("unable to find batch %v", batchKey)}
}

// UnknownItem reports that fetch was called for an item never queued under
// an otherwise-known batch.
func UnknownItem(batchKey, itemKey any) error {
	return &Error{Kind: KindLookup, Msg: fmt.Sprintf("unable to find item %v in batch %v", itemKey, batchKey)}
}

// BatchFailure wraps a cause (fetch_fn error, panic recovery, repo error)
// as a source-level batch failure.
func BatchFailure(cause error) error {
	return &Error{Kind: KindBatch, Msg: "batch run failed", Wrapped: cause}
}

// TimeoutFailure reports that a source's run exceeded its deadline.
func TimeoutFailure(cause error) error {
	return &Error{Kind: KindTimeout, Msg: "run exceeded timeout", Wrapped: cause}
}

// MisuseError reports a synchronous call-site error: unknown source name,
// malformed batch-key shape, a non-record parent where one was required,
// or a queryable that isn't backed by a schema.
func MisuseError(msg string) error {
	return &Error{Kind: KindMisuse, Msg: msg}
}

// MultipleResultsFailure reports that a cardinality=one lookup matched more
// than one row.
func MultipleResultsFailure(column string, value any, count int) error {
	return &Error{Kind: KindMultipleResults, Msg: fmt.Sprintf("expected at most one result for %s=%v, got %d", column, value, count)}
}

// GetFailure is the error raised by the loader's raise_on_error read policy
// (spec §4.6). It wraps the underlying taxonomy error produced by the
// source.
type GetFailure struct {
	Source   string
	BatchKey any
	ItemKey  any
	Cause    error
}

func (e *GetFailure) Error() string {
	return fmt.Sprintf("loadcore: get failed for source %q batch %v item %v: %v", e.Source, e.BatchKey, e.ItemKey, e.Cause)
}

func (e *GetFailure) Unwrap() error { return e.Cause }

// Aggregate collects multiple source-level failures from a single Run into
// one error, for callers that want every failure rather than per-source
// lookups. Returns nil if errs is empty.
func Aggregate(errs map[string]error) error {
	if len(errs) == 0 {
		return nil
	}
	var merged *multierror.Error
	for name, err := range errs {
		merged = multierror.Append(merged, fmt.Errorf("source %q: %w", name, err))
	}
	return merged.ErrorOrNil()
}

// IsKind reports whether err (or any error it wraps) is a taxonomy error of
// the given kind.
func IsKind(err error, k Kind) bool {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind == k
	}
	return false
}
