package logger

import (
	"context"
	"sync/atomic"
)

// contextKey is the type for context keys to avoid collisions
type contextKey string

const (
	// dvidCounterKey tracks how many DVID calls were made on behalf of a caller context
	dvidCounterKey contextKey = "dvid_call_counter"
	// dvidElapsedKey tracks the total time spent in those calls
	dvidElapsedKey contextKey = "dvid_elapsed_nanos"
)

// WithDVIDCounter returns a context that accumulates DVID call counts and
// elapsed time for every request issued with it or its children.
func WithDVIDCounter(ctx context.Context) context.Context {
	counter := int64(0)
	elapsed := int64(0)
	ctx = context.WithValue(ctx, dvidCounterKey, &counter)
	ctx = context.WithValue(ctx, dvidElapsedKey, &elapsed)
	return ctx
}

// IncrementDVIDCounter increments the DVID call counter in the context
func IncrementDVIDCounter(ctx context.Context) {
	if counter, ok := ctx.Value(dvidCounterKey).(*int64); ok && counter != nil {
		atomic.AddInt64(counter, 1)
	}
}

// GetDVIDCounter returns the current DVID call count from the context
func GetDVIDCounter(ctx context.Context) int64 {
	if counter, ok := ctx.Value(dvidCounterKey).(*int64); ok && counter != nil {
		return atomic.LoadInt64(counter)
	}
	return 0
}

// AddDVIDElapsed adds elapsed nanoseconds to the DVID elapsed time in the context
func AddDVIDElapsed(ctx context.Context, nanos int64) {
	if elapsed, ok := ctx.Value(dvidElapsedKey).(*int64); ok && elapsed != nil {
		atomic.AddInt64(elapsed, nanos)
	}
}

// GetDVIDElapsed returns the accumulated DVID elapsed time in nanoseconds
func GetDVIDElapsed(ctx context.Context) int64 {
	if elapsed, ok := ctx.Value(dvidElapsedKey).(*int64); ok && elapsed != nil {
		return atomic.LoadInt64(elapsed)
	}
	return 0
}
