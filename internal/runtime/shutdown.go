// Package runtime provides graceful shutdown handling for scholar processes.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joss/scholar/internal/logging"
)

// ShutdownFunc is a cleanup function called during shutdown
type ShutdownFunc func(ctx context.Context) error

// ShutdownManager cancels the process context on a signal or an explicit
// Shutdown and then runs the registered cleanup handlers.
type ShutdownManager struct {
	mu       sync.Mutex
	handlers []namedHandler
	timeout  time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
	err    error
	sigs   chan os.Signal
	log    *logging.Logger
}

type namedHandler struct {
	name string
	fn   ShutdownFunc
}

// DefaultShutdownTimeout bounds all handlers together.
const DefaultShutdownTimeout = 5 * time.Second

// NewShutdownManager creates a new shutdown manager with specified timeout
func NewShutdownManager(timeout time.Duration) *ShutdownManager {
	ctx, cancel := context.WithCancel(context.Background())
	return &ShutdownManager{
		timeout: timeout,
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
		log:     logging.New("shutdown"),
	}
}

// Register adds a cleanup handler. Handlers run one at a time in
// reverse registration order.
func (m *ShutdownManager) Register(name string, fn ShutdownFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = append(m.handlers, namedHandler{name: name, fn: fn})
}

// RegisterSimple adds a simple cleanup function (no error return)
func (m *ShutdownManager) RegisterSimple(name string, fn func()) {
	m.Register(name, func(ctx context.Context) error {
		fn()
		return nil
	})
}

// Context is cancelled when shutdown begins.
func (m *ShutdownManager) Context() context.Context {
	return m.ctx
}

// Done is closed when every handler has returned or the timeout hit.
func (m *ShutdownManager) Done() <-chan struct{} {
	return m.done
}

// ListenForSignals shuts down on SIGINT or SIGTERM. It does not block.
func (m *ShutdownManager) ListenForSignals() {
	m.sigs = make(chan os.Signal, 1)
	signal.Notify(m.sigs, syscall.SIGTERM, syscall.SIGINT)

	logging.SafeGo("shutdown-signals", func() {
		select {
		case sig := <-m.sigs:
			m.log.Info("signal_received", map[string]interface{}{"signal": sig.String()})
			m.Shutdown()
		case <-m.done:
		}
	})
}

// Shutdown cancels the context and runs the handlers. Only the first
// call does work; every call returns the joined handler errors.
func (m *ShutdownManager) Shutdown() error {
	m.once.Do(func() {
		m.err = m.performShutdown()
	})
	return m.err
}

func (m *ShutdownManager) performShutdown() error {
	defer close(m.done)
	if m.sigs != nil {
		signal.Stop(m.sigs)
	}
	m.cancel()

	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	m.mu.Lock()
	handlers := append([]namedHandler(nil), m.handlers...)
	m.mu.Unlock()

	var errs []error
	for i := len(handlers) - 1; i >= 0; i-- {
		h := handlers[i]
		if ctx.Err() != nil {
			errs = append(errs, fmt.Errorf("%s: skipped after timeout", h.name))
			continue
		}

		start := time.Now()
		err := h.fn(ctx)
		extra := map[string]interface{}{
			"handler":     h.name,
			"duration_ms": time.Since(start).Milliseconds(),
		}
		if err != nil {
			m.log.Warn("shutdown_handler_failed", extra, err)
			errs = append(errs, fmt.Errorf("%s: %w", h.name, err))
			continue
		}
		m.log.Debug("shutdown_handler_done", extra)
	}

	m.log.Info("shutdown_complete", map[string]interface{}{"handlers": len(handlers), "errors": len(errs)})
	return errors.Join(errs...)
}

// WaitForShutdown blocks until shutdown is complete
func (m *ShutdownManager) WaitForShutdown() {
	<-m.done
}
