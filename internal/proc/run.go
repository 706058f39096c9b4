package proc

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// LineFunc receives one output line; stderr reports which stream it came from.
type LineFunc func(line string, stderr bool)

// Run starts spec, streams its output to onLine and waits for it to exit.
// Cancelling ctx kills the process group. A non-zero exit is an *ExitError.
func Run(ctx context.Context, runner Runner, spec Spec, onLine LineFunc) error {
	p, err := runner.Start(spec)
	if err != nil {
		return err
	}
	p.Stdin().Close()

	var g errgroup.Group
	g.Go(func() error {
		ReadLines(p.Stdout(), func(l string) { onLine(l, false) })
		return nil
	})
	g.Go(func() error {
		ReadLines(p.Stderr(), func(l string) { onLine(l, true) })
		return nil
	})

	select {
	case <-p.Done():
	case <-ctx.Done():
		p.Kill()
		<-p.Done()
	}
	g.Wait()

	if ctx.Err() != nil {
		return ctx.Err()
	}
	if code := p.ExitCode(); code != 0 {
		return &ExitError{Code: code, Err: p.Err()}
	}
	return nil
}
