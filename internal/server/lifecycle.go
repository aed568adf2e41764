// Package server provides process lifecycle management: ordered startup,
// signal handling and bounded graceful shutdown.
package server

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// DefaultShutdownTimeout bounds the Stop calls of all services together.
const DefaultShutdownTimeout = 10 * time.Second

// Service is a component with a startup and a graceful shutdown step.
type Service interface {
	// Start brings the service up and returns once it is serving.
	Start(ctx context.Context) error
	// Stop releases the service. ctx carries the shutdown deadline.
	Stop(ctx context.Context) error
}

// FuncService adapts a start/stop function pair into the Service interface.
// A nil function is a no-op.
type FuncService struct {
	StartFn func(ctx context.Context) error
	StopFn  func(ctx context.Context) error
}

// Start calls the underlying start function.
func (f *FuncService) Start(ctx context.Context) error {
	if f.StartFn == nil {
		return nil
	}
	return f.StartFn(ctx)
}

// Stop calls the underlying stop function.
func (f *FuncService) Stop(ctx context.Context) error {
	if f.StopFn == nil {
		return nil
	}
	return f.StopFn(ctx)
}

// Lifecycle starts services in order and stops them in reverse order.
type Lifecycle struct {
	logger *zap.Logger
	// ShutdownTimeout bounds shutdown; DefaultShutdownTimeout when zero.
	ShutdownTimeout time.Duration

	mu       sync.Mutex
	services []namedService
	fatal    chan error
}

type namedService struct {
	name    string
	service Service
}

// NewLifecycle creates a new Lifecycle manager.
//
// Precondition: logger must be non-nil.
func NewLifecycle(logger *zap.Logger) *Lifecycle {
	return &Lifecycle{
		logger: logger,
		fatal:  make(chan error, 1),
	}
}

// Add registers a named service. Services start in the order they are added.
//
// Precondition: name must be non-empty; svc must be non-nil.
func (l *Lifecycle) Add(name string, svc Service) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.services = append(l.services, namedService{name: name, service: svc})
}

// Fail asks Run to shut down because of err. Only the first call counts.
func (l *Lifecycle) Fail(err error) {
	select {
	case l.fatal <- err:
	default:
	}
}

// Run starts every service, then blocks until SIGINT/SIGTERM, ctx ends or
// Fail is called, and stops the started services in reverse order.
//
// Postcondition: every started service has been stopped. Returns the startup
// or Fail error joined with any shutdown errors.
func (l *Lifecycle) Run(ctx context.Context) error {
	start := time.Now()
	l.mu.Lock()
	services := append([]namedService(nil), l.services...)
	l.mu.Unlock()

	started := 0
	var cause error
	for _, ns := range services {
		svcStart := time.Now()
		l.logger.Info("starting service", zap.String("service", ns.name))
		if err := ns.service.Start(ctx); err != nil {
			l.logger.Error("service failed to start", zap.String("service", ns.name), zap.Error(err))
			cause = fmt.Errorf("starting %s: %w", ns.name, err)
			break
		}
		started++
		l.logger.Info("service started",
			zap.String("service", ns.name),
			zap.Duration("elapsed", time.Since(svcStart)),
		)
	}

	if cause == nil {
		l.logger.Info("all services started",
			zap.Int("count", started),
			zap.Duration("startup", time.Since(start)),
		)
		cause = l.wait(ctx)
	}

	stopErr := l.shutdown(services[:started])
	l.logger.Info("shutdown complete", zap.Duration("total_uptime", time.Since(start)))
	return errors.Join(cause, stopErr)
}

func (l *Lifecycle) wait(ctx context.Context) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		l.logger.Info("received signal, shutting down", zap.String("signal", sig.String()))
		return nil
	case err := <-l.fatal:
		l.logger.Error("service error, shutting down", zap.Error(err))
		return err
	case <-ctx.Done():
		l.logger.Info("context cancelled, shutting down")
		return nil
	}
}

func (l *Lifecycle) shutdown(services []namedService) error {
	timeout := l.ShutdownTimeout
	if timeout <= 0 {
		timeout = DefaultShutdownTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	shutdownStart := time.Now()
	var errs []error
	for i := len(services) - 1; i >= 0; i-- {
		ns := services[i]
		svcStart := time.Now()
		l.logger.Info("stopping service", zap.String("service", ns.name))
		if err := ns.service.Stop(ctx); err != nil {
			l.logger.Warn("service stopped with error", zap.String("service", ns.name), zap.Error(err))
			errs = append(errs, fmt.Errorf("stopping %s: %w", ns.name, err))
			continue
		}
		l.logger.Info("service stopped",
			zap.String("service", ns.name),
			zap.Duration("elapsed", time.Since(svcStart)),
		)
	}
	l.logger.Info("all services stopped", zap.Duration("shutdown_elapsed", time.Since(shutdownStart)))
	return errors.Join(errs...)
}
