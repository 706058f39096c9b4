// Package proc is the process execution primitive used by the installer and
// the supervisor: spawn a command as an argument vector (never through a
// shell), capture stdout and stderr separately, deliver signals and report
// the exit code.
package proc

import (
	"errors"
	"fmt"
	"io"
	"syscall"
)

// Spec describes a command to start.
type Spec struct {
	Command string
	Args    []string
	Dir     string
	// Env is the complete environment as KEY=VALUE pairs.
	Env []string
}

// String renders the command line for logs.
func (s Spec) String() string {
	out := s.Command
	for _, a := range s.Args {
		out += " " + a
	}
	return out
}

// Process is a started command.
type Process interface {
	PID() int
	Stdout() io.Reader
	Stderr() io.Reader
	Stdin() io.WriteCloser
	// Signal delivers sig to the process and everything it spawned.
	Signal(sig syscall.Signal) error
	// Kill forcefully terminates the process group.
	Kill() error
	// Done is closed once the process has exited.
	Done() <-chan struct{}
	// ExitCode is valid after Done. It is -1 when the process died from a signal.
	ExitCode() int
	// Err is the wait error, if any, valid after Done.
	Err() error
}

// Runner starts processes.
type Runner interface {
	Start(spec Spec) (Process, error)
}

// ErrEmptyCommand is returned for a Spec without a command.
var ErrEmptyCommand = errors.New("empty command")

// ExitError reports a non-zero exit.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	if e.Code < 0 {
		if e.Err != nil {
			return e.Err.Error()
		}
		return "terminated by signal"
	}
	return fmt.Sprintf("exit status %d", e.Code)
}

func (e *ExitError) Unwrap() error {
	return e.Err
}
