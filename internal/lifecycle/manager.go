// Package lifecycle drives this worker's graceful shutdown: stop taking
// admin HTTP traffic, drain the dispatcher, then run any final cleanup.
// It is purpose-built for those three fixed, sequential steps rather
// than a general hook registry — this worker never has more than one
// action per step, so there is no phase-grouping or per-phase
// parallelism to do.
package lifecycle

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
)

// step is one named shutdown action bounded by its own timeout.
type step struct {
	name     string
	timeout  time.Duration
	shutdown func(ctx context.Context) error
}

// Manager runs this worker's fixed shutdown sequence: admin HTTP, then
// dispatcher drain, then final cleanup.
type Manager struct {
	mu              sync.Mutex
	adminHTTP       *step
	dispatcher      *step
	final           *step
	shutdownTimeout time.Duration
	done            chan struct{}
	once            sync.Once
}

// NewManager creates a new lifecycle manager.
func NewManager() *Manager {
	return &Manager{
		shutdownTimeout: 30 * time.Second,
		done:            make(chan struct{}),
	}
}

// SetShutdownTimeout sets the overall deadline the three steps share.
func (m *Manager) SetShutdownTimeout(timeout time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.shutdownTimeout = timeout
}

// RegisterAdminHTTPShutdown registers the step that stops the admin HTTP
// server. Always runs first so no new requests arrive while the
// dispatcher drains.
func (m *Manager) RegisterAdminHTTPShutdown(name string, shutdown func(ctx context.Context) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.adminHTTP = &step{name: name, timeout: 5 * time.Second, shutdown: shutdown}
}

// RegisterDispatcherShutdown registers the step that drains the
// dispatcher. timeout should generally exceed the dispatcher's own
// ShutdownGrace, since this Manager's own context wraps it.
func (m *Manager) RegisterDispatcherShutdown(name string, timeout time.Duration, shutdown func(ctx context.Context) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dispatcher = &step{name: name, timeout: timeout, shutdown: shutdown}
}

// RegisterFinalShutdown registers the last step: flushing observability
// clients, closing credential backends, and the like.
func (m *Manager) RegisterFinalShutdown(name string, shutdown func(ctx context.Context) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.final = &step{name: name, timeout: 5 * time.Second, shutdown: shutdown}
}

// WaitForSignal blocks until SIGINT or SIGTERM is received, or Shutdown
// is called programmatically.
func (m *Manager) WaitForSignal() {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		log.Info().Str("signal", sig.String()).Msg("shutdown signal received")
	case <-m.done:
		log.Info().Msg("shutdown triggered programmatically")
	}
}

// Shutdown triggers graceful shutdown programmatically.
func (m *Manager) Shutdown() {
	m.once.Do(func() {
		close(m.done)
	})
}

// Execute runs the admin HTTP, dispatcher, and final steps in that
// fixed order, each bounded by its own timeout nested inside the
// overall deadline. An unregistered step is skipped. A step's own
// error is logged but does not stop the sequence; exceeding the
// overall deadline does.
func (m *Manager) Execute() error {
	m.mu.Lock()
	steps := [3]*step{m.adminHTTP, m.dispatcher, m.final}
	timeout := m.shutdownTimeout
	m.mu.Unlock()

	log.Info().Dur("timeout", timeout).Msg("starting graceful shutdown")

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	for _, s := range steps {
		if s == nil {
			continue
		}

		m.runStep(ctx, s)

		if ctx.Err() != nil {
			log.Warn().Msg("shutdown timeout reached, forcing exit")
			return ctx.Err()
		}
	}

	log.Info().Msg("graceful shutdown completed")
	return nil
}

// runStep runs one step under its own timeout, nested inside parentCtx's
// overall deadline.
func (m *Manager) runStep(parentCtx context.Context, s *step) {
	ctx, cancel := context.WithTimeout(parentCtx, s.timeout)
	defer cancel()

	log.Debug().Str("step", s.name).Dur("timeout", s.timeout).Msg("running shutdown step")

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.shutdown(ctx)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			log.Error().Err(err).Str("step", s.name).Msg("shutdown step failed")
		} else {
			log.Debug().Str("step", s.name).Msg("shutdown step completed")
		}
	case <-ctx.Done():
		log.Warn().Str("step", s.name).Msg("shutdown step timed out")
	}
}

// Run combines WaitForSignal and Execute for convenience.
func (m *Manager) Run() error {
	m.WaitForSignal()
	return m.Execute()
}
