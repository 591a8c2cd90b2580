package pool

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWorkPoolRunsEveryTask(t *testing.T) {
	var done int32
	p := NewWorkPool(3)
	for i := 0; i < 10; i++ {
		p.AddTask(TaskFunc(func(ctx context.Context) {
			atomic.AddInt32(&done, 1)
		}))
	}

	require.NoError(t, p.Run(context.Background()))
	require.Equal(t, int32(10), atomic.LoadInt32(&done))
}

func TestWorkPoolBoundsConcurrency(t *testing.T) {
	var running, peak int32
	p := NewWorkPool(2)
	for i := 0; i < 8; i++ {
		p.AddTask(TaskFunc(func(ctx context.Context) {
			n := atomic.AddInt32(&running, 1)
			for {
				old := atomic.LoadInt32(&peak)
				if n <= old || atomic.CompareAndSwapInt32(&peak, old, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			atomic.AddInt32(&running, -1)
		}))
	}

	require.NoError(t, p.Run(context.Background()))
	require.LessOrEqual(t, atomic.LoadInt32(&peak), int32(2))
}

func TestWorkPoolCancelledSkipsRemaining(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var started int32
	p := NewWorkPool(1)
	p.AddTask(TaskFunc(func(ctx context.Context) {
		atomic.AddInt32(&started, 1)
		cancel()
	}))
	p.AddTask(TaskFunc(func(ctx context.Context) {
		atomic.AddInt32(&started, 1)
	}))

	err := p.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, int32(1), atomic.LoadInt32(&started))
}
