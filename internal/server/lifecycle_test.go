package server

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// recorder notes start/stop order across services.
type recorder struct {
	mu    sync.Mutex
	steps []string
}

func (r *recorder) add(step string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.steps = append(r.steps, step)
}

func (r *recorder) get() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.steps...)
}

func (r *recorder) service(name string, startErr, stopErr error) Service {
	return &FuncService{
		StartFn: func(context.Context) error {
			r.add("start " + name)
			return startErr
		},
		StopFn: func(context.Context) error {
			r.add("stop " + name)
			return stopErr
		},
	}
}

func TestLifecycle_StartsInOrderStopsInReverse(t *testing.T) {
	rec := &recorder{}
	lc := NewLifecycle(zaptest.NewLogger(t))
	lc.Add("svc1", rec.service("svc1", nil, nil))
	lc.Add("svc2", rec.service("svc2", nil, nil))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- lc.Run(ctx) }()

	require.Eventually(t, func() bool { return len(rec.get()) == 2 }, 2*time.Second, 10*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("lifecycle did not shut down in time")
	}
	assert.Equal(t, []string{"start svc1", "start svc2", "stop svc2", "stop svc1"}, rec.get())
}

func TestLifecycle_StartFailureStopsOnlyStarted(t *testing.T) {
	rec := &recorder{}
	boom := errors.New("boom")
	lc := NewLifecycle(zaptest.NewLogger(t))
	lc.Add("svc1", rec.service("svc1", nil, nil))
	lc.Add("svc2", rec.service("svc2", boom, nil))
	lc.Add("svc3", rec.service("svc3", nil, nil))

	err := lc.Run(context.Background())
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, []string{"start svc1", "start svc2", "stop svc1"}, rec.get())
}

func TestLifecycle_FailShutsDownWithCause(t *testing.T) {
	rec := &recorder{}
	lost := errors.New("link lost")
	stopErr := errors.New("stuck")
	lc := NewLifecycle(zaptest.NewLogger(t))
	lc.Add("svc1", rec.service("svc1", nil, stopErr))

	done := make(chan error, 1)
	go func() { done <- lc.Run(context.Background()) }()
	require.Eventually(t, func() bool { return len(rec.get()) == 1 }, 2*time.Second, 10*time.Millisecond)

	lc.Fail(lost)
	lc.Fail(errors.New("ignored"))

	select {
	case err := <-done:
		assert.ErrorIs(t, err, lost)
		assert.ErrorIs(t, err, stopErr)
		assert.NotContains(t, err.Error(), "ignored")
	case <-time.After(5 * time.Second):
		t.Fatal("lifecycle did not shut down in time")
	}
}

func TestFuncService_NilFunctionsAreNoOps(t *testing.T) {
	svc := &FuncService{}
	assert.NoError(t, svc.Start(context.Background()))
	assert.NoError(t, svc.Stop(context.Background()))
}
