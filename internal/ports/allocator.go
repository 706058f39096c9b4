// Package ports hands out TCP ports for worker processes.
//
// Allocation is probe-and-release: a candidate port is bound, closed again
// and handed to the caller. Ports handed out are leased in-process until
// Release, so two callers of the same Allocator never receive the same port.
// Nothing stops another process on the host from binding the port between
// the probe and the worker's own bind; that window is accepted.
package ports

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"

	deployerrors "github.com/narvanalabs/botrunner/internal/errors"
)

const (
	// DefaultStart is the first port probed when the caller passes 0.
	DefaultStart = 10000
	// MaxPort is the last port probed.
	MaxPort = 65535
)

// ErrNoAvailablePorts is returned when every port in the scanned range is taken.
var ErrNoAvailablePorts = errors.New("no available ports")

// ListenFunc binds a listener. It matches net.Listen.
type ListenFunc func(network, address string) (net.Listener, error)

// Allocator finds unused TCP ports.
type Allocator struct {
	mu     sync.Mutex
	leased map[int]struct{}
	host   string
	start  int
	listen ListenFunc
	logger *slog.Logger
}

// Option configures an Allocator.
type Option func(*Allocator)

// WithHost sets the interface probed. Empty probes all interfaces.
func WithHost(host string) Option {
	return func(a *Allocator) {
		a.host = host
	}
}

// WithStart sets the default first port.
func WithStart(port int) Option {
	return func(a *Allocator) {
		if port > 0 {
			a.start = port
		}
	}
}

// WithListenFunc replaces the bind probe (for testing).
func WithListenFunc(fn ListenFunc) Option {
	return func(a *Allocator) {
		a.listen = fn
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(a *Allocator) {
		a.logger = logger
	}
}

// NewAllocator creates a new port allocator.
func NewAllocator(opts ...Option) *Allocator {
	a := &Allocator{
		leased: make(map[int]struct{}),
		start:  DefaultStart,
		listen: net.Listen,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Allocate returns the first free port at or above startPort and leases it.
// A startPort of 0 uses the allocator's default.
func (a *Allocator) Allocate(startPort int) (int, error) {
	if startPort <= 0 {
		startPort = a.start
	}
	if startPort > MaxPort {
		return 0, deployerrors.NewPortExhaustionError(fmt.Errorf("%w: start port %d out of range", ErrNoAvailablePorts, startPort))
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	for port := startPort; port <= MaxPort; port++ {
		if _, taken := a.leased[port]; taken {
			continue
		}
		if !a.probe(port) {
			continue
		}
		a.leased[port] = struct{}{}
		a.logger.Debug("port allocated", "port", port)
		return port, nil
	}

	return 0, deployerrors.NewPortExhaustionError(fmt.Errorf("%w in range %d-%d", ErrNoAvailablePorts, startPort, MaxPort))
}

// Release returns a port to the pool. Releasing an unleased port is a no-op.
func (a *Allocator) Release(port int) {
	if port <= 0 {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.leased[port]; ok {
		delete(a.leased, port)
		a.logger.Debug("port released", "port", port)
	}
}

// Leased returns the number of ports currently leased.
func (a *Allocator) Leased() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.leased)
}

// probe binds the port and immediately closes the listener.
func (a *Allocator) probe(port int) bool {
	ln, err := a.listen("tcp", net.JoinHostPort(a.host, fmt.Sprint(port)))
	if err != nil {
		return false
	}
	ln.Close()
	return true
}
