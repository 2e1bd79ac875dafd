package pool

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkerPool_RunsAllTasks(t *testing.T) {
	p := NewWorkerPool(4, 16, nil)
	p.Start(context.Background())

	var count int64
	for i := 0; i < 50; i++ {
		require.NoError(t, p.Submit(context.Background(), func() {
			atomic.AddInt64(&count, 1)
		}))
	}
	p.Stop()

	assert.Equal(t, int64(50), atomic.LoadInt64(&count))
}

func TestWorkerPool_RecoversPanics(t *testing.T) {
	p := NewWorkerPool(1, 4, nil)
	p.Start(context.Background())

	var ran int64
	require.NoError(t, p.Submit(context.Background(), func() { panic("boom") }))
	require.NoError(t, p.Submit(context.Background(), func() { atomic.StoreInt64(&ran, 1) }))
	p.Stop()

	assert.Equal(t, int64(1), atomic.LoadInt64(&ran))
}

func TestWorkerPool_SubmitAfterStop(t *testing.T) {
	p := NewWorkerPool(1, 1, nil)
	p.Start(context.Background())
	p.Stop()

	assert.ErrorIs(t, p.Submit(context.Background(), func() {}), ErrPoolStopped)
	assert.False(t, p.TrySubmit(func() {}))
}

func TestWorkerPool_SubmitHonoursContext(t *testing.T) {
	p := NewWorkerPool(1, 0, nil) // 未启动，无缓冲：提交必然阻塞
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, p.Submit(ctx, func() {}), context.Canceled)
}
