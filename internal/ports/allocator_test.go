package ports

import (
	"errors"
	"net"
	"sync"
	"syscall"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	deployerrors "github.com/narvanalabs/botrunner/internal/errors"
)

// fakeListener satisfies net.Listener for probe stubs.
type fakeListener struct{}

func (fakeListener) Accept() (net.Conn, error) { return nil, errors.New("not implemented") }
func (fakeListener) Close() error              { return nil }
func (fakeListener) Addr() net.Addr            { return &net.TCPAddr{} }

// busyPorts returns a ListenFunc that fails for the given ports.
func busyPorts(busy map[int]bool) ListenFunc {
	return func(network, address string) (net.Listener, error) {
		_, portStr, _ := net.SplitHostPort(address)
		port, _ := net.LookupPort(network, portStr)
		if busy[port] {
			return nil, syscall.EADDRINUSE
		}
		return fakeListener{}, nil
	}
}

func TestAllocateSkipsBusyPorts(t *testing.T) {
	a := NewAllocator(WithListenFunc(busyPorts(map[int]bool{10000: true, 10001: true})))

	port, err := a.Allocate(0)
	if err != nil {
		t.Fatalf("Allocate() error = %v", err)
	}
	if port != 10002 {
		t.Errorf("Allocate() = %d, want 10002", port)
	}
}

func TestAllocateExhausted(t *testing.T) {
	busy := map[int]bool{}
	for p := MaxPort - 2; p <= MaxPort; p++ {
		busy[p] = true
	}
	a := NewAllocator(WithListenFunc(busyPorts(busy)))

	_, err := a.Allocate(MaxPort - 2)
	if !errors.Is(err, ErrNoAvailablePorts) {
		t.Fatalf("Allocate() error = %v, want ErrNoAvailablePorts", err)
	}
	if !errors.Is(err, deployerrors.ErrPortExhausted) {
		t.Errorf("error should classify as port exhaustion")
	}
}

func TestReleaseMakesPortReusable(t *testing.T) {
	a := NewAllocator(WithListenFunc(busyPorts(nil)))

	first, _ := a.Allocate(20000)
	second, _ := a.Allocate(20000)
	if first == second {
		t.Fatalf("leased port handed out twice: %d", first)
	}

	a.Release(first)
	again, _ := a.Allocate(20000)
	if again != first {
		t.Errorf("Allocate() after Release = %d, want %d", again, first)
	}
	if a.Leased() != 2 {
		t.Errorf("Leased() = %d, want 2", a.Leased())
	}
}

// Concurrent allocations never return the same port before a release.
func TestPropertyConcurrentAllocationsUnique(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50

	properties := gopter.NewProperties(parameters)

	properties.Property("ports are unique", prop.ForAll(
		func(workers int, start int) bool {
			a := NewAllocator(WithListenFunc(busyPorts(nil)))

			var wg sync.WaitGroup
			results := make(chan int, workers)
			for i := 0; i < workers; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					port, err := a.Allocate(start)
					if err == nil {
						results <- port
					}
				}()
			}
			wg.Wait()
			close(results)

			seen := make(map[int]bool)
			for port := range results {
				if seen[port] {
					return false
				}
				seen[port] = true
			}
			return len(seen) == workers
		},
		gen.IntRange(2, 32),
		gen.IntRange(10000, 60000),
	))

	properties.TestingRun(t)
}

// The real probe sees a port held by another listener as taken.
func TestAllocateRealProbeSkipsBoundPort(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Skipf("cannot bind loopback: %v", err)
	}
	defer ln.Close()
	held := ln.Addr().(*net.TCPAddr).Port

	a := NewAllocator(WithHost("127.0.0.1"))
	port, err := a.Allocate(held)
	if err != nil {
		t.Fatalf("Allocate() error = %v", err)
	}
	if port == held {
		t.Errorf("Allocate() returned port %d held by another listener", held)
	}
}
