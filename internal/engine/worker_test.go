package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkerPoolRunsSubmittedWork(t *testing.T) {
	pool := NewWorkerPool(4)
	defer pool.Shutdown()

	var count atomic.Int32
	for i := 0; i < 10; i++ {
		err := pool.Submit(context.Background(), func(context.Context) {
			count.Add(1)
		})
		require.NoError(t, err)
	}
	pool.Wait()
	assert.Equal(t, int32(10), count.Load())
}

func TestWorkerPoolCapsConcurrency(t *testing.T) {
	const size = 2
	pool := NewWorkerPool(size)
	defer pool.Shutdown()

	var active, peak atomic.Int32
	var wg sync.WaitGroup
	wg.Add(8)
	for i := 0; i < 8; i++ {
		err := pool.Submit(context.Background(), func(context.Context) {
			defer wg.Done()
			n := active.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			active.Add(-1)
		})
		require.NoError(t, err)
	}
	wg.Wait()
	assert.LessOrEqual(t, peak.Load(), int32(size))
}

func TestWorkerPoolSubmitAfterShutdown(t *testing.T) {
	pool := NewWorkerPool(1)
	pool.Shutdown()

	err := pool.Submit(context.Background(), func(context.Context) {})
	assert.ErrorIs(t, err, ErrPoolShutdown)

	// Shutdown is idempotent.
	pool.Shutdown()
}

func TestWorkerPoolSubmitRespectsContext(t *testing.T) {
	pool := NewWorkerPool(1)
	defer pool.Shutdown()

	release := make(chan struct{})
	require.NoError(t, pool.Submit(context.Background(), func(context.Context) {
		<-release
	}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := pool.Submit(ctx, func(context.Context) {})
	assert.ErrorIs(t, err, context.Canceled)

	close(release)
	pool.Wait()
}
