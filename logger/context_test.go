package logger

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDVIDCounterWithoutTracking(t *testing.T) {
	ctx := context.Background()

	assert.NotPanics(t, func() {
		IncrementDVIDCounter(ctx)
		AddDVIDElapsed(ctx, 100)
	})
	assert.Zero(t, GetDVIDCounter(ctx))
	assert.Zero(t, GetDVIDElapsed(ctx))
}

func TestDVIDCounterAccumulates(t *testing.T) {
	ctx := WithDVIDCounter(context.Background())

	IncrementDVIDCounter(ctx)
	IncrementDVIDCounter(ctx)
	AddDVIDElapsed(ctx, 250)
	AddDVIDElapsed(ctx, 750)

	assert.EqualValues(t, 2, GetDVIDCounter(ctx))
	assert.EqualValues(t, 1000, GetDVIDElapsed(ctx))
}

func TestDVIDCounterSharedWithChildContexts(t *testing.T) {
	parent := WithDVIDCounter(context.Background())
	child, cancel := context.WithCancel(parent)
	defer cancel()

	IncrementDVIDCounter(child)
	assert.EqualValues(t, 1, GetDVIDCounter(parent))
}

func TestDVIDCounterConcurrent(t *testing.T) {
	ctx := WithDVIDCounter(context.Background())

	const workers = 50
	var wg sync.WaitGroup
	wg.Add(workers)
	for range workers {
		go func() {
			defer wg.Done()
			IncrementDVIDCounter(ctx)
			AddDVIDElapsed(ctx, 2)
		}()
	}
	wg.Wait()

	assert.EqualValues(t, workers, GetDVIDCounter(ctx))
	assert.EqualValues(t, 2*workers, GetDVIDElapsed(ctx))
}
