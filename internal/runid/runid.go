// Package runid generates correlation identifiers for loader runs and
// per-batch executions, used to pair span-start/span-stop telemetry events.
package runid

import (
	"context"
	"math/rand"
	"time"
)

// key is the context key for the run ID.
type key struct{}

// NewContext returns a copy of parent carrying a fresh random run ID.
// It also returns the generated ID.
func NewContext(parent context.Context) (context.Context, int64) {
	id := rand.Int63()
	return context.WithValue(parent, key{}, id), id
}

// FromContext extracts the run ID from ctx, if one was attached.
func FromContext(ctx context.Context) (int64, bool) {
	v := ctx.Value(key{})
	id, ok := v.(int64)
	return id, ok
}

func init() {
	rand.Seed(time.Now().UnixNano())
}
