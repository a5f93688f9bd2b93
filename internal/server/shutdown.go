// Package server provides agent lifecycle management including graceful shutdown.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"
)

// ShutdownManager coordinates signal handling, in-flight delivery tracking
// and resource cleanup for the agent.
type ShutdownManager struct {
	shutdownTimeout time.Duration
	drainTimeout    time.Duration
	logger          *slog.Logger

	shutdownCh     chan struct{}
	shutdownOnce   sync.Once
	shutdownErr    error
	inFlight       int64
	isShuttingDown int32

	closers   []namedCloser
	closersMu sync.Mutex

	onShutdownStart []func()
	callbacksMu     sync.Mutex
}

type namedCloser struct {
	name   string
	closer io.Closer
}

// ShutdownConfig holds configuration for the shutdown manager.
type ShutdownConfig struct {
	// ShutdownTimeout bounds the whole shutdown sequence.
	// Default: 20 seconds
	ShutdownTimeout time.Duration

	// DrainTimeout bounds the wait for deliveries in progress.
	// Default: 10 seconds
	DrainTimeout time.Duration

	Logger *slog.Logger
}

// DefaultShutdownConfig returns the default shutdown configuration.
func DefaultShutdownConfig() ShutdownConfig {
	return ShutdownConfig{
		ShutdownTimeout: 20 * time.Second,
		DrainTimeout:    10 * time.Second,
	}
}

// NewShutdownManager creates a new shutdown manager with the given configuration.
func NewShutdownManager(config ShutdownConfig) *ShutdownManager {
	defaults := DefaultShutdownConfig()
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = defaults.ShutdownTimeout
	}
	if config.DrainTimeout <= 0 {
		config.DrainTimeout = defaults.DrainTimeout
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	return &ShutdownManager{
		shutdownTimeout: config.ShutdownTimeout,
		drainTimeout:    config.DrainTimeout,
		logger:          logger.With("component", "shutdown"),
		shutdownCh:      make(chan struct{}),
	}
}

// RegisterCloser adds a closer to be called during shutdown.
// Closers are called in reverse order of registration (LIFO).
func (sm *ShutdownManager) RegisterCloser(name string, closer io.Closer) {
	sm.closersMu.Lock()
	defer sm.closersMu.Unlock()
	sm.closers = append(sm.closers, namedCloser{name: name, closer: closer})
}

// OnShutdownStart registers a callback to be called when shutdown begins,
// before in-flight deliveries are drained.
func (sm *ShutdownManager) OnShutdownStart(fn func()) {
	sm.callbacksMu.Lock()
	defer sm.callbacksMu.Unlock()
	sm.onShutdownStart = append(sm.onShutdownStart, fn)
}

// ListenForSignals blocks until SIGTERM or SIGINT arrives, ctx ends, or
// Shutdown is called elsewhere, and then shuts down.
func (sm *ShutdownManager) ListenForSignals(ctx context.Context) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		return sm.Shutdown(context.WithoutCancel(ctx), fmt.Sprintf("received signal: %v", sig))
	case <-ctx.Done():
		return sm.Shutdown(context.WithoutCancel(ctx), "context cancelled")
	case <-sm.shutdownCh:
		return nil
	}
}

// Shutdown runs the shutdown sequence once: callbacks, drain, then closers.
// Later calls return the result of the first.
func (sm *ShutdownManager) Shutdown(ctx context.Context, reason string) error {
	sm.shutdownOnce.Do(func() {
		sm.logger.Info("shutting down", "reason", reason)
		atomic.StoreInt32(&sm.isShuttingDown, 1)
		close(sm.shutdownCh)

		sm.callbacksMu.Lock()
		startCallbacks := sm.onShutdownStart
		sm.callbacksMu.Unlock()
		for _, fn := range startCallbacks {
			fn()
		}

		shutdownCtx, cancel := context.WithTimeout(ctx, sm.shutdownTimeout)
		defer cancel()

		var errs []error
		if err := sm.drainInFlight(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("drain failed: %w", err))
		}

		sm.closersMu.Lock()
		closers := sm.closers
		sm.closersMu.Unlock()

		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i].closer.Close(); err != nil {
				sm.logger.Warn("close failed", "resource", closers[i].name, "error", err)
				errs = append(errs, fmt.Errorf("close %s: %w", closers[i].name, err))
			}
		}

		sm.shutdownErr = errors.Join(errs...)
		sm.logger.Info("shutdown complete")
	})

	return sm.shutdownErr
}

// drainInFlight waits for deliveries in progress to complete.
func (sm *ShutdownManager) drainInFlight(ctx context.Context) error {
	drainCtx, cancel := context.WithTimeout(ctx, sm.drainTimeout)
	defer cancel()

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		if atomic.LoadInt64(&sm.inFlight) == 0 {
			return nil
		}

		select {
		case <-drainCtx.Done():
			if remaining := atomic.LoadInt64(&sm.inFlight); remaining > 0 {
				return fmt.Errorf("timeout waiting for %d in-flight deliveries", remaining)
			}
			return nil
		case <-ticker.C:
		}
	}
}

// TrackRequest increments the in-flight counter. It returns false once
// shutdown is in progress.
func (sm *ShutdownManager) TrackRequest() bool {
	if atomic.LoadInt32(&sm.isShuttingDown) == 1 {
		return false
	}
	atomic.AddInt64(&sm.inFlight, 1)
	return true
}

// UntrackRequest decrements the in-flight counter.
func (sm *ShutdownManager) UntrackRequest() {
	atomic.AddInt64(&sm.inFlight, -1)
}

// IsShuttingDown returns true if shutdown has been initiated.
func (sm *ShutdownManager) IsShuttingDown() bool {
	return atomic.LoadInt32(&sm.isShuttingDown) == 1
}

// InFlightCount returns the number of deliveries in progress.
func (sm *ShutdownManager) InFlightCount() int64 {
	return atomic.LoadInt64(&sm.inFlight)
}

// ShutdownCh returns a channel that is closed when shutdown begins.
func (sm *ShutdownManager) ShutdownCh() <-chan struct{} {
	return sm.shutdownCh
}

// Serve runs srv on ln until it fails or shutdown closes it. The server is
// registered as a closer.
func (sm *ShutdownManager) Serve(srv *http.Server, ln net.Listener) error {
	sm.RegisterCloser("http server "+ln.Addr().String(), CloserFunc(func() error {
		ctx, cancel := context.WithTimeout(context.Background(), sm.drainTimeout)
		defer cancel()
		return srv.Shutdown(ctx)
	}))

	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// ShutdownMiddleware tracks in-flight requests and rejects new ones once
// shutdown has begun.
func ShutdownMiddleware(sm *ShutdownManager) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !sm.TrackRequest() {
				w.Header().Set("Connection", "close")
				http.Error(w, "Service Unavailable - Shutting Down", http.StatusServiceUnavailable)
				return
			}
			defer sm.UntrackRequest()

			next.ServeHTTP(w, r)
		})
	}
}

// CloserFunc is an adapter to allow ordinary functions to be used as io.Closer.
type CloserFunc func() error

// Close calls the underlying function.
func (f CloserFunc) Close() error {
	return f()
}
