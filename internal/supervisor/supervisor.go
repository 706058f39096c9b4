// Package supervisor owns worker processes: it runs the start trial over the
// resolver's candidates, captures output into the entry's journal, stops and
// restarts workers and restarts them after unexpected exits.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"regexp"
	"strconv"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/narvanalabs/botrunner/internal/entrypoint"
	deployerrors "github.com/narvanalabs/botrunner/internal/errors"
	"github.com/narvanalabs/botrunner/internal/metrics"
	"github.com/narvanalabs/botrunner/internal/models"
	"github.com/narvanalabs/botrunner/internal/proc"
	"github.com/narvanalabs/botrunner/internal/registry"
)

// Defaults for Config.
const (
	DefaultStartGrace     = 3 * time.Second
	DefaultTrialDelay     = time.Second
	DefaultStopGrace      = 5 * time.Second
	DefaultRestartSettle  = time.Second
	DefaultRestartBackoff = 5 * time.Second
	DefaultMaxRestarts    = 3
	DefaultBackoffFactor  = 2.0
	DefaultStableAfter    = time.Minute
	DefaultInputTimeout   = 5 * time.Second
)

// moduleNotFound matches Node's missing-module errors. It is a heuristic over
// raw stderr text and may miss localized or reformatted messages.
var moduleNotFound = regexp.MustCompile(`Cannot find module|MODULE_NOT_FOUND|ERR_MODULE_NOT_FOUND`)

// IsModuleNotFound reports whether a stderr line signals a missing module.
func IsModuleNotFound(line string) bool {
	return moduleNotFound.MatchString(line)
}

// PortAllocator hands out and takes back worker ports.
type PortAllocator interface {
	Allocate(startPort int) (int, error)
	Release(port int)
}

// Resolver lists start candidates for a directory.
type Resolver interface {
	Resolve(ctx context.Context, dir string) ([]entrypoint.Candidate, error)
}

// AutoRestart configures restarts after unexpected exits.
type AutoRestart struct {
	Enabled     bool
	MaxAttempts int
	Backoff     time.Duration
	Factor      float64
	// StableAfter resets the attempt counter for workers that ran this long.
	StableAfter time.Duration
}

// Config configures a Supervisor.
type Config struct {
	StartGrace    time.Duration
	TrialDelay    time.Duration
	StopGrace     time.Duration
	RestartSettle time.Duration
	// InputTimeout bounds a single write to a worker's stdin.
	InputTimeout time.Duration
	AutoRestart  AutoRestart
	// BaseEnv is the environment every worker inherits. Nil uses os.Environ.
	BaseEnv []string
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// DefaultConfig returns the production timings.
func DefaultConfig() Config {
	return Config{
		StartGrace:    DefaultStartGrace,
		TrialDelay:    DefaultTrialDelay,
		StopGrace:     DefaultStopGrace,
		RestartSettle: DefaultRestartSettle,
		InputTimeout:  DefaultInputTimeout,
		AutoRestart: AutoRestart{
			Enabled:     true,
			MaxAttempts: DefaultMaxRestarts,
			Backoff:     DefaultRestartBackoff,
			Factor:      DefaultBackoffFactor,
			StableAfter: DefaultStableAfter,
		},
	}
}

// StopMode selects what a stop is for.
type StopMode int

const (
	// StopKeep leaves the entry stopped with its directory and logs intact.
	StopKeep StopMode = iota
	// StopDestroy precedes removal of the entry and its directory.
	StopDestroy
	// StopKill is StopDestroy without the SIGTERM grace period.
	StopKill
)

// Supervisor runs workers for registry entries.
type Supervisor struct {
	runner   proc.Runner
	ports    PortAllocator
	resolver Resolver
	cfg      Config
	logger   *slog.Logger
	metrics  *metrics.Metrics

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a Supervisor.
func New(runner proc.Runner, ports PortAllocator, resolver Resolver, cfg Config) *Supervisor {
	def := DefaultConfig()
	if cfg.StartGrace <= 0 {
		cfg.StartGrace = def.StartGrace
	}
	if cfg.TrialDelay < 0 {
		cfg.TrialDelay = 0
	}
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = def.StopGrace
	}
	if cfg.RestartSettle < 0 {
		cfg.RestartSettle = 0
	}
	if cfg.InputTimeout <= 0 {
		cfg.InputTimeout = def.InputTimeout
	}
	if cfg.AutoRestart.MaxAttempts <= 0 {
		cfg.AutoRestart.MaxAttempts = def.AutoRestart.MaxAttempts
	}
	if cfg.AutoRestart.Backoff <= 0 {
		cfg.AutoRestart.Backoff = def.AutoRestart.Backoff
	}
	if cfg.AutoRestart.Factor < 1 {
		cfg.AutoRestart.Factor = def.AutoRestart.Factor
	}
	if cfg.AutoRestart.StableAfter <= 0 {
		cfg.AutoRestart.StableAfter = def.AutoRestart.StableAfter
	}
	if cfg.BaseEnv == nil {
		cfg.BaseEnv = os.Environ()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		runner:   runner,
		ports:    ports,
		resolver: resolver,
		cfg:      cfg,
		logger:   cfg.Logger,
		metrics:  cfg.Metrics,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start runs the start trial for e, replacing any running worker first. It
// blocks until a candidate is declared running, every candidate failed or ctx
// is cancelled.
func (s *Supervisor) Start(ctx context.Context, e *registry.Entry) error {
	e.Lock()
	defer e.Unlock()
	return s.StartLocked(ctx, e)
}

// StartLocked is Start for callers already holding e's lifecycle lock.
func (s *Supervisor) StartLocked(ctx context.Context, e *registry.Entry) error {
	e.Update(func(st *registry.State) { st.Restarts = 0 })
	return s.start(ctx, e)
}

func (s *Supervisor) start(ctx context.Context, e *registry.Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if h := e.Detach(); h != nil {
		e.Journal.Append(models.LogStreamSystem, "Stopping previous worker before starting")
		s.terminate(e, h, false)
	}

	logger := s.logger.With("server_id", e.Key.ServerID, "deployment_id", e.Key.DeploymentID)

	candidates, err := s.resolver.Resolve(ctx, e.Dir)
	if err != nil {
		s.fail(e, "Start failed", err.Error())
		return err
	}

	e.Update(func(st *registry.State) {
		st.Stage = models.StageStarting
		st.Status = "Starting"
		st.Error = ""
	})
	e.Journal.Append(models.LogStreamSystem, fmt.Sprintf("=== Starting worker (%d candidate commands) ===", len(candidates)))

	var lastMsg string
	for i, c := range candidates {
		if i > 0 {
			if err := sleep(ctx, s.cfg.TrialDelay); err != nil {
				return err
			}
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		e.Update(func(st *registry.State) {
			st.Stage = models.StageStarting
			st.Status = fmt.Sprintf("Trying %s (%d/%d)", c, i+1, len(candidates))
		})
		logger.Info("trying start candidate", "candidate", c.String(), "attempt", i+1, "of", len(candidates))

		ok, msg, err := s.trial(ctx, e, c)
		if err != nil {
			if ctx.Err() == nil {
				s.fail(e, "Start failed", err.Error())
			}
			return err
		}
		if ok {
			logger.Info("worker running", "candidate", c.String())
			return nil
		}
		lastMsg = msg
	}

	exhausted := deployerrors.NewStartCommandExhaustedError(lastMsg)
	s.fail(e, "All start commands failed", exhausted.Error())
	logger.Warn("start candidates exhausted", "error", exhausted)
	return exhausted
}

// trial runs one candidate. ok reports success; msg is the failure message of
// a failed candidate. A non-nil error aborts the whole trial loop.
func (s *Supervisor) trial(ctx context.Context, e *registry.Entry, c entrypoint.Candidate) (ok bool, msg string, err error) {
	port, err := s.ports.Allocate(0)
	if err != nil {
		e.Journal.Append(models.LogStreamSystem, fmt.Sprintf("ERROR: %v", err))
		return false, "", err
	}

	env := proc.MergeEnv(s.cfg.BaseEnv,
		map[string]string{"PORT": strconv.Itoa(port), "NODE_ENV": "production"},
		e.State().ExternalConfig.Env(),
	)
	p, err := s.runner.Start(proc.Spec{Command: c.Command, Args: c.Args, Dir: e.Dir, Env: env})
	if err != nil {
		s.ports.Release(port)
		spawnErr := deployerrors.NewProcessSpawnError(c.String(), err)
		e.Journal.Append(models.LogStreamSystem, fmt.Sprintf("Failed to start %s: %v", c, spawnErr))
		s.metrics.StartTrial(false)
		return false, spawnErr.Error(), nil
	}
	e.Journal.Append(models.LogStreamSystem, fmt.Sprintf("$ %s (pid %d, port %d)", c, p.PID(), port))

	out := pump(e, p)
	timer := time.NewTimer(s.cfg.StartGrace)
	defer timer.Stop()

	select {
	case <-timer.C:
		h := &registry.Handle{
			Process:   p,
			Port:      port,
			Command:   c.String(),
			StartedAt: time.Now(),
			Drained:   out.drained,
		}
		e.Attach(h)
		e.Journal.Append(models.LogStreamSystem, fmt.Sprintf("Worker is running: %s", c))
		s.metrics.StartTrial(true)
		s.metrics.WorkerStarted()
		go s.watch(e, h, out)
		return true, "", nil

	case <-p.Done():
		<-out.drained
		s.ports.Release(port)
		msg = out.lastError()
		if msg == "" {
			msg = fmt.Sprintf("%s exited with code %d", c, p.ExitCode())
		}
		e.Journal.Append(models.LogStreamSystem, fmt.Sprintf("%s exited with code %d before the start grace period", c, p.ExitCode()))

	case line := <-out.fatal:
		s.kill(p, out)
		s.ports.Release(port)
		msg = line
		e.Journal.Append(models.LogStreamSystem, fmt.Sprintf("%s is missing a module, trying the next command", c))

	case <-ctx.Done():
		s.kill(p, out)
		s.ports.Release(port)
		e.Journal.Append(models.LogStreamSystem, fmt.Sprintf("Start of %s cancelled", c))
		return false, "", ctx.Err()
	}

	s.metrics.StartTrial(false)
	return false, msg, nil
}

// Stop stops e's worker. In-flight tasks (deploy, start trial, pending
// auto-restart) are cancelled first. In StopKeep mode the entry ends stopped
// with its directory and logs intact.
func (s *Supervisor) Stop(ctx context.Context, e *registry.Entry, mode StopMode) error {
	e.CancelTask()
	e.Lock()
	defer e.Unlock()
	return s.StopLocked(ctx, e, mode)
}

// StopLocked is Stop for callers already holding e's lifecycle lock.
func (s *Supervisor) StopLocked(ctx context.Context, e *registry.Entry, mode StopMode) error {
	// A task registered while we waited for the lock is cancelled too.
	e.CancelTask()

	if h := e.Detach(); h != nil {
		e.Journal.Append(models.LogStreamSystem, fmt.Sprintf("Stopping worker (pid %d)", h.Process.PID()))
		s.terminate(e, h, mode == StopKill)
	}

	if mode != StopKeep {
		e.Update(func(st *registry.State) {
			st.Stage = models.StageStopped
			st.Status = "Removing"
			st.IsDeploying = false
		})
		return nil
	}

	e.Update(func(st *registry.State) {
		st.Stage = models.StageStopped
		st.Status = "Stopped"
		st.IsDeploying = false
	})
	e.Journal.Append(models.LogStreamSystem, "Worker stopped")
	return nil
}

// Restart stops the worker, waits the settle delay and starts it again.
func (s *Supervisor) Restart(ctx context.Context, e *registry.Entry) error {
	e.Lock()
	defer e.Unlock()

	e.Journal.Append(models.LogStreamSystem, "=== RESTARTING ===")
	if h := e.Detach(); h != nil {
		e.Journal.Append(models.LogStreamSystem, fmt.Sprintf("Stopping worker (pid %d)", h.Process.PID()))
		s.terminate(e, h, false)
	}
	e.Update(func(st *registry.State) {
		st.Stage = models.StageStopped
		st.Status = "Restarting"
	})

	if err := sleep(ctx, s.cfg.RestartSettle); err != nil {
		return err
	}
	return s.StartLocked(ctx, e)
}

// WriteInput sends data to the worker's standard input, adding a trailing
// newline when missing.
func (s *Supervisor) WriteInput(e *registry.Entry, data string) error {
	h := e.Handle()
	if h == nil {
		return deployerrors.NewConflictError("deployment %s is not running", e.Key)
	}

	payload := data
	if len(payload) == 0 || payload[len(payload)-1] != '\n' {
		payload += "\n"
	}
	// A worker that never reads stdin fills the pipe; the write is abandoned
	// after InputTimeout and unblocks when the process exits.
	written := make(chan error, 1)
	go func() {
		_, err := h.Process.Stdin().Write([]byte(payload))
		written <- err
	}()
	timer := time.NewTimer(s.cfg.InputTimeout)
	defer timer.Stop()
	select {
	case err := <-written:
		if err != nil {
			return fmt.Errorf("writing to worker stdin: %w", err)
		}
	case <-timer.C:
		return deployerrors.NewConflictError("deployment %s is not reading input", e.Key)
	}
	e.Journal.Append(models.LogStreamInput, data)
	return nil
}

// Close cancels pending auto-restarts. Running workers are left to the caller.
func (s *Supervisor) Close() {
	s.cancel()
}

// terminate sends SIGTERM to a detached handle, escalates to SIGKILL after
// the stop grace period and releases its port. force skips SIGTERM.
func (s *Supervisor) terminate(e *registry.Entry, h *registry.Handle, force bool) {
	p := h.Process
	grace := s.cfg.StopGrace
	if force {
		grace = 0
	} else if err := p.Signal(syscall.SIGTERM); err != nil {
		s.logger.Warn("failed to signal worker", "pid", p.PID(), "error", err)
	}

	select {
	case <-p.Done():
	case <-time.After(grace):
		if !force {
			e.Journal.Append(models.LogStreamSystem, fmt.Sprintf("Worker did not exit within %s, killing it", grace))
		}
		p.Kill()
		select {
		case <-p.Done():
		case <-time.After(s.cfg.StopGrace):
			s.logger.Error("worker survived SIGKILL", "pid", p.PID())
		}
	}

	select {
	case <-h.Drained:
	case <-time.After(s.cfg.StopGrace):
	}

	s.ports.Release(h.Port)
	s.metrics.WorkerExited()
}

// kill force-stops a candidate that never became the entry's worker.
func (s *Supervisor) kill(p proc.Process, out *output) {
	p.Kill()
	select {
	case <-p.Done():
	case <-time.After(s.cfg.StopGrace):
		s.logger.Error("candidate survived SIGKILL", "pid", p.PID())
		return
	}
	<-out.drained
}

// watch waits for h's process to exit. An exit of a handle that is still
// attached was not requested by anyone and may trigger an auto-restart.
func (s *Supervisor) watch(e *registry.Entry, h *registry.Handle, out *output) {
	<-h.Process.Done()
	<-out.drained

	e.Lock()
	defer e.Unlock()

	if e.Handle() != h {
		return
	}
	e.Detach()
	s.ports.Release(h.Port)
	s.metrics.WorkerExited()

	code := h.Process.ExitCode()
	msg := out.lastError()
	if msg == "" {
		msg = fmt.Sprintf("worker exited with code %d", code)
	}
	e.Journal.Append(models.LogStreamSystem, fmt.Sprintf("Worker exited unexpectedly with code %d", code))

	logger := s.logger.With("server_id", e.Key.ServerID, "deployment_id", e.Key.DeploymentID)
	logger.Warn("worker exited", "code", code, "pid", h.Process.PID())

	ar := s.cfg.AutoRestart
	attempts := e.State().Restarts
	if time.Since(h.StartedAt) >= ar.StableAfter {
		attempts = 0
	}

	if !ar.Enabled || attempts >= ar.MaxAttempts {
		if ar.Enabled {
			e.Journal.Append(models.LogStreamSystem, fmt.Sprintf("Giving up after %d restart attempts", attempts))
		}
		s.fail(e, "Worker exited", msg)
		return
	}

	delay := Backoff(ar.Backoff, ar.Factor, attempts)
	e.Update(func(st *registry.State) {
		st.Stage = models.StageStarting
		st.Status = fmt.Sprintf("Restarting in %s (attempt %d/%d)", delay, attempts+1, ar.MaxAttempts)
		st.Error = msg
		st.Restarts = attempts + 1
	})
	e.Journal.Append(models.LogStreamSystem, fmt.Sprintf("Restarting in %s (attempt %d/%d)", delay, attempts+1, ar.MaxAttempts))

	ctx, task := e.StartTask(s.ctx, "auto-restart")
	go func() {
		defer task.Finish()
		if err := sleep(ctx, delay); err != nil {
			return
		}

		e.Lock()
		defer e.Unlock()
		if ctx.Err() != nil {
			return
		}
		s.metrics.AutoRestart()
		e.Journal.Append(models.LogStreamSystem, "=== RESTARTING (automatic) ===")
		if err := s.start(ctx, e); err != nil && !errors.Is(err, context.Canceled) {
			logger.Warn("auto-restart failed", "error", err)
		}
	}()
}

// fail moves e to the error stage.
func (s *Supervisor) fail(e *registry.Entry, status, msg string) {
	e.Update(func(st *registry.State) {
		st.Stage = models.StageError
		st.Status = status
		st.Error = msg
		st.IsDeploying = false
	})
	e.Journal.Append(models.LogStreamSystem, fmt.Sprintf("ERROR: %s", msg))
}

// Backoff returns base * factor^attempt.
func Backoff(base time.Duration, factor float64, attempt int) time.Duration {
	return time.Duration(float64(base) * math.Pow(factor, float64(attempt)))
}

// output tracks the stream readers of one process.
type output struct {
	drained chan struct{}
	fatal   chan string

	mu      sync.Mutex
	lastErr string
}

func (o *output) lastError() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lastErr
}

// pump copies p's output into the journal until both streams reach EOF.
func pump(e *registry.Entry, p proc.Process) *output {
	out := &output{
		drained: make(chan struct{}),
		fatal:   make(chan string, 1),
	}

	var g errgroup.Group
	g.Go(func() error {
		proc.ReadLines(p.Stdout(), func(line string) {
			e.Journal.Append(models.LogStreamStdout, line)
		})
		return nil
	})
	g.Go(func() error {
		proc.ReadLines(p.Stderr(), func(line string) {
			e.Journal.Append(models.LogStreamStderr, line)
			if line == "" {
				return
			}
			out.mu.Lock()
			out.lastErr = line
			out.mu.Unlock()
			if IsModuleNotFound(line) {
				select {
				case out.fatal <- line:
				default:
				}
			}
		})
		return nil
	})
	go func() {
		g.Wait()
		close(out.drained)
	}()
	return out
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
