package bgworker

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWakeTriggersRun(t *testing.T) {
	var calls int32
	done := make(chan struct{}, 1)
	w := New(Config{Run: func(ctx context.Context) {
		atomic.AddInt32(&calls, 1)
		select {
		case done <- struct{}{}:
		default:
		}
	}})
	require.NoError(t, w.Start())
	defer w.Close()

	w.Wake()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("run was not invoked")
	}
	assert.GreaterOrEqual(t, atomic.LoadInt32(&calls), int32(1))
}

func TestConcurrentWakesCoalesceWhileRunInProgress(t *testing.T) {
	var calls int32
	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once

	w := New(Config{Run: func(ctx context.Context) {
		atomic.AddInt32(&calls, 1)
		once.Do(func() { close(started) })
		<-release
	}})
	require.NoError(t, w.Start())
	defer func() {
		close(release)
		w.Close()
	}()

	w.Wake()
	<-started // first run is blocked inside <-release

	// These wakes arrive while the first run is still in flight; the
	// depth-1 queue means at most one of them is retained.
	for i := 0; i < 10; i++ {
		w.Wake()
	}

	release <- struct{}{}
	// second (coalesced) run should complete promptly once unblocked
	time.Sleep(50 * time.Millisecond)
	assert.LessOrEqual(t, atomic.LoadInt32(&calls), int32(2))
}

func TestStartTwiceReturnsErrWorkerRunning(t *testing.T) {
	w := New(Config{Run: func(ctx context.Context) {}})
	require.NoError(t, w.Start())
	defer w.Close()
	assert.ErrorIs(t, w.Start(), ErrWorkerRunning)
}

func TestCloseIsIdempotentAndStopsFurtherWakes(t *testing.T) {
	var calls int32
	w := New(Config{Run: func(ctx context.Context) { atomic.AddInt32(&calls, 1) }})
	require.NoError(t, w.Start())
	require.NoError(t, w.Close())
	require.NoError(t, w.Close())

	w.Wake()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(0), atomic.LoadInt32(&calls))
	assert.False(t, w.IsRunning())
}

func TestWakeAfterCloseIsNoOp(t *testing.T) {
	w := New(Config{Run: func(ctx context.Context) {}})
	require.NoError(t, w.Start())
	require.NoError(t, w.Close())
	assert.NotPanics(t, func() { w.Wake() })
}
