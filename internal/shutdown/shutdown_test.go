package shutdown

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// recorder collects component shutdown order.
type recorder struct {
	mu    sync.Mutex
	order []string
}

func (r *recorder) add(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.order = append(r.order, name)
}

func (r *recorder) get() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.order...)
}

type mockComponent struct {
	name  string
	delay time.Duration
	fail  bool
	rec   *recorder
	count atomic.Int32
}

func (m *mockComponent) Name() string { return m.name }

func (m *mockComponent) Shutdown(ctx context.Context) error {
	m.count.Add(1)
	select {
	case <-time.After(m.delay):
	case <-ctx.Done():
		return ctx.Err()
	}
	if m.rec != nil {
		m.rec.add(m.name)
	}
	if m.fail {
		return errors.New("mock shutdown failed")
	}
	return nil
}

func TestPropertyComponentsStopInReverseOrder(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	parameters.Rng.Seed(time.Now().UnixNano())

	properties := gopter.NewProperties(parameters)

	properties.Property("every component stops once, last registered first", prop.ForAll(
		func(n int, failing int) bool {
			rec := &recorder{}
			c := NewCoordinator(WithTimeout(time.Second))
			comps := make([]*mockComponent, n)
			for i := range comps {
				comps[i] = &mockComponent{name: fmt.Sprintf("c%d", i), rec: rec, fail: i == failing%n}
				c.Register(comps[i])
			}

			c.Shutdown()
			c.Shutdown()
			c.Wait()

			order := rec.get()
			if len(order) != n {
				return false
			}
			for i, name := range order {
				if name != fmt.Sprintf("c%d", n-1-i) {
					return false
				}
			}
			for _, comp := range comps {
				if comp.count.Load() != 1 {
					return false
				}
			}
			return c.ExitCode() == 0
		},
		gen.IntRange(1, 8),
		gen.IntRange(0, 7),
	))

	properties.TestingRun(t)
}

func TestTimeoutSkipsRemainingComponents(t *testing.T) {
	rec := &recorder{}
	store := &mockComponent{name: "store", rec: rec}
	slow := &mockComponent{name: "deploy-service", delay: time.Second, rec: rec}

	c := NewCoordinator(WithTimeout(50 * time.Millisecond))
	c.Register(store)
	c.Register(slow)

	start := time.Now()
	c.Shutdown()
	c.Wait()

	if time.Since(start) > 500*time.Millisecond {
		t.Errorf("shutdown took %s, want it bounded by the timeout", time.Since(start))
	}
	if c.ExitCode() != 1 {
		t.Errorf("ExitCode() = %d, want 1", c.ExitCode())
	}
	if store.count.Load() != 0 {
		t.Error("store shut down after the deadline passed")
	}
}

func TestWaitForSignal(t *testing.T) {
	sigCh := make(chan os.Signal, 1)
	comp := &mockComponent{name: "api"}
	c := NewCoordinator(WithSignalChannel(sigCh), WithTimeout(time.Second))
	c.Register(comp)

	done := make(chan struct{})
	go func() {
		c.WaitForSignal()
		close(done)
	}()
	sigCh <- syscall.SIGTERM

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("WaitForSignal did not return")
	}
	if comp.count.Load() != 1 {
		t.Error("component not shut down")
	}
}

func TestHTTPServerFinishesInFlightRequests(t *testing.T) {
	started := make(chan struct{})
	var completed atomic.Bool
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(started)
		time.Sleep(100 * time.Millisecond)
		completed.Store(true)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	c := NewCoordinator(WithTimeout(2 * time.Second))
	c.Register(NewHTTPServerComponent("api", server.Config))

	status := make(chan int, 1)
	go func() {
		resp, err := http.Get(server.URL)
		if err != nil {
			status <- 0
			return
		}
		resp.Body.Close()
		status <- resp.StatusCode
	}()
	<-started

	c.Shutdown()
	c.Wait()

	if !completed.Load() {
		t.Error("in-flight request did not complete before shutdown returned")
	}
	if got := <-status; got != http.StatusOK {
		t.Errorf("status = %d, want 200", got)
	}
	if c.ExitCode() != 0 {
		t.Errorf("ExitCode() = %d", c.ExitCode())
	}
}

func TestFuncAndCloserComponents(t *testing.T) {
	var called bool
	fc := NewFuncComponent("batcher", func(ctx context.Context) error {
		called = true
		return nil
	})
	closer := &fakeCloser{}
	c := NewCoordinator()
	c.Register(NewCloserComponent("store", closer))
	c.Register(fc)
	c.Shutdown()

	if !called || !closer.closed {
		t.Errorf("called = %v, closed = %v", called, closer.closed)
	}
}

type fakeCloser struct{ closed bool }

func (f *fakeCloser) Close() error {
	f.closed = true
	return nil
}
