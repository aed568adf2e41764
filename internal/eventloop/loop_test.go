package eventloop_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"pgregory.net/rapid"

	"github.com/cory-johannsen/lobby/internal/eventloop"
)

func startLoop(t *testing.T) *eventloop.Loop {
	t.Helper()
	l := eventloop.New(zaptest.NewLogger(t))
	ctx, cancel := context.WithCancel(context.Background())
	l.Start(ctx)
	t.Cleanup(cancel)
	return l
}

func TestLoop_PostRunsInOrder(t *testing.T) {
	l := startLoop(t)
	var got []int
	for i := 0; i < 50; i++ {
		i := i
		require.True(t, l.Post(func() { got = append(got, i) }))
	}
	require.NoError(t, l.Invoke(context.Background(), func() {}))
	require.Len(t, got, 50)
	for i, v := range got {
		assert.Equal(t, i, v)
	}
}

func TestLoop_PostFromTaskDoesNotBlock(t *testing.T) {
	l := startLoop(t)
	done := make(chan struct{})
	l.Post(func() {
		for i := 0; i < 1000; i++ {
			l.Post(func() {})
		}
		l.Post(func() { close(done) })
	})
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("nested posts did not drain")
	}
}

func TestLoop_PanicDoesNotKillLoop(t *testing.T) {
	l := startLoop(t)
	l.Post(func() { panic("boom") })
	ran := false
	require.NoError(t, l.Invoke(context.Background(), func() { ran = true }))
	assert.True(t, ran)
}

func TestLoop_AfterFuncFires(t *testing.T) {
	l := startLoop(t)
	fired := make(chan struct{})
	l.AfterFunc(20*time.Millisecond, func() { close(fired) })
	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("AfterFunc did not fire")
	}
}

func TestLoop_AfterFuncCancel(t *testing.T) {
	l := startLoop(t)
	var fired atomic.Bool
	cancel := l.AfterFunc(30*time.Millisecond, func() { fired.Store(true) })
	cancel()
	cancel()
	time.Sleep(80 * time.Millisecond)
	assert.False(t, fired.Load())
}

func TestLoop_EveryTicksUntilCancelled(t *testing.T) {
	l := startLoop(t)
	var count atomic.Int64
	cancel := l.Every(10*time.Millisecond, func() { count.Add(1) })
	time.Sleep(80 * time.Millisecond)
	cancel()
	after := count.Load()
	assert.Greater(t, after, int64(1))
	time.Sleep(50 * time.Millisecond)
	assert.LessOrEqual(t, count.Load(), after+1)
}

func TestLoop_StopIsIdempotentAndRejectsPosts(t *testing.T) {
	l := startLoop(t)
	l.Stop()
	l.Stop()
	assert.False(t, l.Post(func() {}))
	assert.ErrorIs(t, l.Invoke(context.Background(), func() {}), eventloop.ErrStopped)
	select {
	case <-l.Done():
	default:
		t.Fatal("Done not closed after Stop")
	}
}

func TestLoop_ContextCancelStops(t *testing.T) {
	l := eventloop.New(zaptest.NewLogger(t))
	ctx, cancel := context.WithCancel(context.Background())
	l.Start(ctx)
	cancel()
	select {
	case <-l.Done():
	case <-time.After(time.Second):
		t.Fatal("loop did not stop on context cancel")
	}
}

// Property: tasks posted from one goroutine run in posting order.
func TestPropertyPostOrderPreserved(t *testing.T) {
	l := startLoop(t)
	rapid.Check(t, func(rt *rapid.T) {
		n := rapid.IntRange(1, 200).Draw(rt, "n")
		var got []int
		for i := 0; i < n; i++ {
			i := i
			l.Post(func() { got = append(got, i) })
		}
		if err := l.Invoke(context.Background(), func() {}); err != nil {
			rt.Fatalf("invoke: %v", err)
		}
		for i := range got {
			if got[i] != i {
				rt.Fatalf("task %d ran at position %d", got[i], i)
			}
		}
		if len(got) != n {
			rt.Fatalf("ran %d of %d tasks", len(got), n)
		}
	})
}
