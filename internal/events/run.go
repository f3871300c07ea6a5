// Package events defines the telemetry event payloads published on the
// loader's eventbus. These mirror the span contract in spec §6: a
// run.start/run.stop pair around Loader.Run, and a batch.run.start/
// batch.run.stop pair around each per-batch execution inside a source.
package events

import "time"

// RunStart is emitted once at the beginning of Loader.Run, before any
// source is scheduled.
type RunStart struct {
	RunID      int64
	SystemTime time.Time
	// SourceNames lists the sources with pending batches that will be run.
	SourceNames []string
}

// RunStop is emitted once after every scheduled source has settled
// (succeeded, errored, or timed out).
type RunStop struct {
	RunID    int64
	Duration time.Duration
	// FailedSources lists source names that ended in an error state.
	FailedSources []string
}

// BatchRunStart is emitted before a single source runs one of its pending
// batches (the KV fetch_fn call, or the relational source's per-batch-key
// query).
type BatchRunStart struct {
	RunID      int64
	SystemTime time.Time
	Source     string
	BatchKey   any
	ItemCount  int
}

// BatchRunStop is emitted after a single batch settles, successfully or
// not.
type BatchRunStop struct {
	RunID    int64
	Source   string
	BatchKey any
	Duration time.Duration
	Err      error
}
