package registry

import (
	"context"
	"sync"
)

// Task is a named background operation on an entry (deploy pipeline, start
// trial, restart, auto-restart) with a cancellation func and a completion
// signal.
type Task struct {
	Name string

	cancel   context.CancelFunc
	done     chan struct{}
	once     sync.Once
	onFinish func()
}

func newTask(parent context.Context, name string) (context.Context, *Task) {
	ctx, cancel := context.WithCancel(parent)
	return ctx, &Task{
		Name:   name,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// Cancel requests the task to stop. It does not wait.
func (t *Task) Cancel() {
	if t == nil {
		return
	}
	t.cancel()
}

// Finish marks the task complete. The goroutine running the task must call
// it exactly once, usually deferred.
func (t *Task) Finish() {
	t.once.Do(func() {
		t.cancel()
		if t.onFinish != nil {
			t.onFinish()
		}
		close(t.done)
	})
}

// Done is closed after Finish.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Wait blocks until the task finishes or ctx is done. A nil task returns
// immediately.
func (t *Task) Wait(ctx context.Context) error {
	if t == nil {
		return nil
	}
	select {
	case <-t.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
