// Package proctest provides a scripted proc.Runner for tests.
package proctest

import (
	"bytes"
	"io"
	"sync"
	"syscall"
	"time"

	"github.com/narvanalabs/botrunner/internal/proc"
)

// Script describes how a fake process behaves.
type Script struct {
	Stdout   []string
	Stderr   []string
	ExitCode int
	// Delay is waited after printing and before exiting.
	Delay time.Duration
	// Linger keeps the process alive after printing until it is signalled.
	Linger bool
	// IgnoreTerm makes a lingering process survive SIGTERM; only Kill ends it.
	IgnoreTerm bool
	// StartErr makes Start fail.
	StartErr error
	// StallStdin makes stdin writes block until the process exits.
	StallStdin bool
}

// Runner is a proc.Runner whose processes follow Scripts keyed by command line.
type Runner struct {
	mu       sync.Mutex
	scripts  map[string]Script
	fallback Script
	calls    []proc.Spec
	procs    []*Process
	nextPID  int
}

// NewRunner creates a runner. Unknown commands follow fallback.
func NewRunner(fallback Script) *Runner {
	return &Runner{
		scripts:  make(map[string]Script),
		fallback: fallback,
		nextPID:  1000,
	}
}

// On sets the script for a command line such as "npm install".
func (r *Runner) On(cmdline string, s Script) *Runner {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scripts[cmdline] = s
	return r
}

// Start implements proc.Runner.
func (r *Runner) Start(spec proc.Spec) (proc.Process, error) {
	r.mu.Lock()
	r.calls = append(r.calls, spec)
	s, ok := r.scripts[spec.String()]
	if !ok {
		s = r.fallback
	}
	if s.StartErr != nil {
		r.mu.Unlock()
		return nil, s.StartErr
	}
	r.nextPID++
	p := newProcess(r.nextPID, spec, s)
	r.procs = append(r.procs, p)
	r.mu.Unlock()

	go p.run()
	return p, nil
}

// Calls returns the command lines started so far, in order.
func (r *Runner) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.calls))
	for i, c := range r.calls {
		out[i] = c.String()
	}
	return out
}

// Specs returns the specs started so far.
func (r *Runner) Specs() []proc.Spec {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]proc.Spec(nil), r.calls...)
}

// Alive returns the number of started processes that have not exited.
func (r *Runner) Alive() int {
	r.mu.Lock()
	procs := append([]*Process(nil), r.procs...)
	r.mu.Unlock()

	n := 0
	for _, p := range procs {
		select {
		case <-p.done:
		default:
			n++
		}
	}
	return n
}

// Processes returns every process started so far.
func (r *Runner) Processes() []*Process {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*Process(nil), r.procs...)
}

// Process is a fake proc.Process.
type Process struct {
	pid    int
	spec   proc.Spec
	script Script

	outR, errR *io.PipeReader
	outW, errW *io.PipeWriter

	stdinMu sync.Mutex
	stdin   bytes.Buffer

	exitOnce sync.Once
	exitCh   chan int
	done     chan struct{}
	mu       sync.Mutex
	code     int
	signals  []syscall.Signal
}

func newProcess(pid int, spec proc.Spec, s Script) *Process {
	outR, outW := io.Pipe()
	errR, errW := io.Pipe()
	return &Process{
		pid:    pid,
		spec:   spec,
		script: s,
		outR:   outR,
		outW:   outW,
		errR:   errR,
		errW:   errW,
		exitCh: make(chan int, 1),
		done:   make(chan struct{}),
	}
}

func (p *Process) run() {
	for _, l := range p.script.Stdout {
		if _, err := io.WriteString(p.outW, l+"\n"); err != nil {
			break
		}
	}
	for _, l := range p.script.Stderr {
		if _, err := io.WriteString(p.errW, l+"\n"); err != nil {
			break
		}
	}

	code := p.script.ExitCode
	switch {
	case p.script.Linger:
		code = <-p.exitCh
	case p.script.Delay > 0:
		select {
		case <-time.After(p.script.Delay):
		case code = <-p.exitCh:
		}
	default:
		select {
		case code = <-p.exitCh:
		default:
		}
	}

	p.outW.Close()
	p.errW.Close()
	p.mu.Lock()
	p.code = code
	p.mu.Unlock()
	close(p.done)
}

func (p *Process) exit(code int) {
	p.exitOnce.Do(func() { p.exitCh <- code })
}

func (p *Process) PID() int          { return p.pid }
func (p *Process) Stdout() io.Reader { return p.outR }
func (p *Process) Stderr() io.Reader { return p.errR }

func (p *Process) Stdin() io.WriteCloser { return &stdinWriter{p: p} }

func (p *Process) Done() <-chan struct{} { return p.done }

func (p *Process) Signal(sig syscall.Signal) error {
	p.mu.Lock()
	p.signals = append(p.signals, sig)
	p.mu.Unlock()
	if sig == syscall.SIGKILL || !p.script.IgnoreTerm {
		p.exit(-1)
	}
	return nil
}

func (p *Process) Kill() error {
	return p.Signal(syscall.SIGKILL)
}

func (p *Process) ExitCode() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.code
}

func (p *Process) Err() error { return nil }

// Spec returns the spec the process was started with.
func (p *Process) Spec() proc.Spec { return p.spec }

// Signals returns the signals delivered so far.
func (p *Process) Signals() []syscall.Signal {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]syscall.Signal(nil), p.signals...)
}

// StdinData returns everything written to stdin.
func (p *Process) StdinData() string {
	p.stdinMu.Lock()
	defer p.stdinMu.Unlock()
	return p.stdin.String()
}

type stdinWriter struct{ p *Process }

func (w *stdinWriter) Write(b []byte) (int, error) {
	if w.p.script.StallStdin {
		<-w.p.done
		return 0, io.ErrClosedPipe
	}
	w.p.stdinMu.Lock()
	defer w.p.stdinMu.Unlock()
	return w.p.stdin.Write(b)
}

func (w *stdinWriter) Close() error { return nil }
