// Package shutdown coordinates graceful shutdown of the bot runner. It handles
// SIGTERM/SIGINT, stops the API first, then the deployment service and log
// persistence, and closes the store last.
package shutdown

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"
)

// DefaultTimeout is the default graceful shutdown timeout.
const DefaultTimeout = 30 * time.Second

// Component represents a component that can be gracefully shut down.
type Component interface {
	// Name returns the component name for logging.
	Name() string
	// Shutdown gracefully shuts down the component.
	// It should return within the given context deadline.
	Shutdown(ctx context.Context) error
}

// Coordinator shuts registered components down in reverse registration order,
// one at a time, under a shared deadline.
type Coordinator struct {
	components []Component
	timeout    time.Duration
	logger     *slog.Logger
	mu         sync.Mutex

	// For testing: allows injecting a custom signal channel
	signalCh chan os.Signal

	shutdownOnce sync.Once
	shutdownDone chan struct{}
	exitCode     int
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithTimeout sets the shutdown timeout.
func WithTimeout(timeout time.Duration) Option {
	return func(c *Coordinator) {
		c.timeout = timeout
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) {
		c.logger = logger
	}
}

// WithSignalChannel sets a custom signal channel (for testing).
func WithSignalChannel(ch chan os.Signal) Option {
	return func(c *Coordinator) {
		c.signalCh = ch
	}
}

// NewCoordinator creates a new shutdown coordinator.
func NewCoordinator(opts ...Option) *Coordinator {
	c := &Coordinator{
		timeout:      DefaultTimeout,
		logger:       slog.Default(),
		shutdownDone: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Register adds a component. Components are shut down in reverse order of
// registration, so register dependencies before their dependents.
func (c *Coordinator) Register(component Component) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.components = append(c.components, component)
	c.logger.Debug("registered shutdown component", "name", component.Name())
}

// WaitForSignal blocks until a SIGTERM or SIGINT signal is received,
// then initiates graceful shutdown.
func (c *Coordinator) WaitForSignal() {
	sigCh := c.signalCh
	if sigCh == nil {
		sigCh = make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sigCh)
	}

	select {
	case sig := <-sigCh:
		c.logger.Info("received shutdown signal", "signal", sig)
	case <-c.shutdownDone:
		return
	}

	c.Shutdown()
}

// Shutdown stops every registered component. A component that fails is
// logged and the remaining ones still run. When the deadline passes the
// remaining components are skipped and the exit code becomes 1.
func (c *Coordinator) Shutdown() {
	c.shutdownOnce.Do(func() {
		c.logger.Info("initiating graceful shutdown", "timeout", c.timeout)

		ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
		defer cancel()

		c.mu.Lock()
		components := make([]Component, len(c.components))
		copy(components, c.components)
		c.mu.Unlock()

		for i := len(components) - 1; i >= 0; i-- {
			comp := components[i]
			if ctx.Err() != nil {
				c.logger.Warn("shutdown timeout exceeded, skipping component", "name", comp.Name())
				c.exitCode = 1
				continue
			}
			if !c.shutdownOne(ctx, comp) {
				c.exitCode = 1
			}
		}

		if c.exitCode == 0 {
			c.logger.Info("all components shut down successfully")
		}
		close(c.shutdownDone)
	})
}

// shutdownOne runs one component and reports whether it finished in time.
// A component that ignores the deadline is abandoned.
func (c *Coordinator) shutdownOne(ctx context.Context, comp Component) bool {
	c.logger.Info("shutting down component", "name", comp.Name())

	errCh := make(chan error, 1)
	go func() {
		errCh <- comp.Shutdown(ctx)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			c.logger.Error("component shutdown error", "name", comp.Name(), "error", err)
			return ctx.Err() == nil
		}
		c.logger.Info("component shutdown complete", "name", comp.Name())
		return true
	case <-ctx.Done():
		c.logger.Warn("shutdown timeout exceeded, forcing termination", "name", comp.Name())
		return false
	}
}

// Wait blocks until shutdown is complete.
func (c *Coordinator) Wait() {
	<-c.shutdownDone
}

// ExitCode returns the exit code after shutdown.
// Returns 0 for clean shutdown, 1 for forced termination.
func (c *Coordinator) ExitCode() int {
	return c.exitCode
}
