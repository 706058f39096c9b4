//go:build unix

package proc

import (
	"errors"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// drainTimeout bounds how long output readers stay open after the process
// exits, in case a detached descendant still holds the pipes.
const drainTimeout = 2 * time.Second

// OSRunner starts real processes, each in its own process group.
type OSRunner struct{}

// NewOSRunner creates a runner backed by os/exec.
func NewOSRunner() *OSRunner {
	return &OSRunner{}
}

// Start spawns spec. No shell is involved: Command is resolved on PATH and
// Args are passed verbatim.
func (r *OSRunner) Start(spec Spec) (Process, error) {
	if spec.Command == "" {
		return nil, ErrEmptyCommand
	}

	cmd := exec.Command(spec.Command, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = spec.Env
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	// Own pipes so Wait never races with readers.
	outR, outW, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	errR, errW, err := os.Pipe()
	if err != nil {
		outR.Close()
		outW.Close()
		return nil, err
	}
	cmd.Stdout = outW
	cmd.Stderr = errW

	stdin, err := cmd.StdinPipe()
	if err != nil {
		closeAll(outR, outW, errR, errW)
		return nil, err
	}

	if err := cmd.Start(); err != nil {
		closeAll(outR, outW, errR, errW)
		return nil, err
	}
	outW.Close()
	errW.Close()

	p := &osProcess{
		cmd:    cmd,
		pid:    cmd.Process.Pid,
		stdout: outR,
		stderr: errR,
		stdin:  stdin,
		done:   make(chan struct{}),
	}
	go p.wait()
	return p, nil
}

type osProcess struct {
	cmd    *exec.Cmd
	pid    int
	stdout *os.File
	stderr *os.File
	stdin  io.WriteCloser
	done   chan struct{}

	mu       sync.Mutex
	exitCode int
	err      error
}

func (p *osProcess) wait() {
	err := p.cmd.Wait()

	p.mu.Lock()
	p.err = err
	p.exitCode = -1
	if st := p.cmd.ProcessState; st != nil {
		p.exitCode = st.ExitCode()
	}
	p.mu.Unlock()
	close(p.done)

	time.AfterFunc(drainTimeout, func() {
		p.stdout.Close()
		p.stderr.Close()
	})
}

func (p *osProcess) PID() int              { return p.pid }
func (p *osProcess) Stdout() io.Reader     { return p.stdout }
func (p *osProcess) Stderr() io.Reader     { return p.stderr }
func (p *osProcess) Stdin() io.WriteCloser { return p.stdin }
func (p *osProcess) Done() <-chan struct{} { return p.done }

func (p *osProcess) Signal(sig syscall.Signal) error {
	err := unix.Kill(-p.pid, sig)
	if errors.Is(err, unix.ESRCH) {
		return nil
	}
	return err
}

func (p *osProcess) Kill() error {
	return p.Signal(syscall.SIGKILL)
}

func (p *osProcess) ExitCode() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitCode
}

func (p *osProcess) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

func closeAll(files ...*os.File) {
	for _, f := range files {
		f.Close()
	}
}
