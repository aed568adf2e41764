// Package eventloop provides the single-goroutine dispatcher that owns all
// session lifecycle and migration state of a peer.
//
// Every mutation of lobby state happens inside a task run by the Loop, so the
// state itself needs no locks. Blocking work (directory and transport calls)
// runs on helper goroutines which Post their completion back to the Loop.
package eventloop

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrStopped is returned by Invoke when the loop is no longer dispatching.
var ErrStopped = errors.New("event loop stopped")

// Loop runs posted tasks sequentially on one goroutine.
//
// Invariant: at most one task executes at any time.
type Loop struct {
	logger *zap.Logger

	mu      sync.Mutex
	queue   []func()
	wake    chan struct{}
	done    chan struct{}
	stopped bool
	once    sync.Once
	running bool
}

// New returns a stopped Loop. Call Start or Run to begin dispatching.
//
// Precondition: logger must be non-nil.
func New(logger *zap.Logger) *Loop {
	return &Loop{
		logger: logger,
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// Start launches Run on a new goroutine.
func (l *Loop) Start(ctx context.Context) {
	go l.Run(ctx)
}

// Run dispatches tasks until ctx is cancelled or Stop is called.
// Tasks still queued at shutdown are discarded.
//
// Precondition: Run must be called at most once.
func (l *Loop) Run(ctx context.Context) {
	l.mu.Lock()
	if l.running {
		l.mu.Unlock()
		l.logger.Error("event loop already running")
		return
	}
	l.running = true
	l.mu.Unlock()

	for {
		select {
		case <-ctx.Done():
			l.Stop()
			return
		case <-l.done:
			return
		case <-l.wake:
		}

		for {
			task, ok := l.next()
			if !ok {
				break
			}
			l.run(task)
		}
	}
}

func (l *Loop) next() (func(), bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stopped || len(l.queue) == 0 {
		return nil, false
	}
	task := l.queue[0]
	l.queue[0] = nil
	l.queue = l.queue[1:]
	return task, true
}

func (l *Loop) run(task func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("event loop task panicked", zap.Any("panic", r), zap.Stack("stack"))
		}
	}()
	task()
}

// Post enqueues fn to run on the loop goroutine. The queue is unbounded so
// Post never blocks, including when called from a running task.
//
// Postcondition: Returns false if the loop has been stopped and fn was dropped.
func (l *Loop) Post(fn func()) bool {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return false
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// Invoke runs fn on the loop and waits for it to finish.
//
// Precondition: must not be called from a task running on this loop.
// Postcondition: Returns ctx.Err() if ctx ends first, or an error if the loop is stopped.
func (l *Loop) Invoke(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	if !l.Post(func() {
		defer close(finished)
		fn()
	}) {
		return ErrStopped
	}
	select {
	case <-finished:
		return nil
	case <-l.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// AfterFunc posts fn to the loop once d has elapsed. The returned cancel
// function is idempotent; after it returns, fn will not start.
func (l *Loop) AfterFunc(d time.Duration, fn func()) (cancel func()) {
	var (
		mu        sync.Mutex
		cancelled bool
	)
	timer := time.AfterFunc(d, func() {
		l.Post(func() {
			mu.Lock()
			c := cancelled
			mu.Unlock()
			if !c {
				fn()
			}
		})
	})
	return func() {
		mu.Lock()
		cancelled = true
		mu.Unlock()
		timer.Stop()
	}
}

// Every posts fn to the loop once per interval until cancelled or the loop
// stops. A tick is skipped when the previous one has not run yet.
//
// Precondition: interval must be > 0.
func (l *Loop) Every(interval time.Duration, fn func()) (cancel func()) {
	stop := make(chan struct{})
	var once sync.Once
	var (
		mu        sync.Mutex
		cancelled bool
		pending   bool
	)
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				mu.Lock()
				if pending {
					mu.Unlock()
					continue
				}
				pending = true
				mu.Unlock()
				l.Post(func() {
					mu.Lock()
					pending = false
					c := cancelled
					mu.Unlock()
					if !c {
						fn()
					}
				})
			case <-stop:
				return
			case <-l.done:
				return
			}
		}
	}()
	return func() {
		once.Do(func() {
			mu.Lock()
			cancelled = true
			mu.Unlock()
			close(stop)
		})
	}
}

// Stop halts dispatching. Idempotent.
//
// Postcondition: no task starts after Stop returns; queued tasks are dropped.
func (l *Loop) Stop() {
	l.once.Do(func() {
		l.mu.Lock()
		l.stopped = true
		l.queue = nil
		l.mu.Unlock()
		close(l.done)
	})
}

// Done is closed once the loop has stopped.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}
