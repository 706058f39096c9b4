package supervisor

import (
	"context"
	"errors"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/narvanalabs/botrunner/internal/entrypoint"
	deployerrors "github.com/narvanalabs/botrunner/internal/errors"
	"github.com/narvanalabs/botrunner/internal/models"
	"github.com/narvanalabs/botrunner/internal/ports"
	"github.com/narvanalabs/botrunner/internal/proc/proctest"
	"github.com/narvanalabs/botrunner/internal/registry"
)

// MockPorts is an in-memory PortAllocator.
type MockPorts struct {
	mu     sync.Mutex
	next   int
	leased map[int]bool
	err    error
}

func NewMockPorts() *MockPorts {
	return &MockPorts{next: ports.DefaultStart, leased: make(map[int]bool)}
}

func (m *MockPorts) Allocate(int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return 0, m.err
	}
	p := m.next
	m.next++
	m.leased[p] = true
	return p, nil
}

func (m *MockPorts) Release(port int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.leased, port)
}

func (m *MockPorts) Leased() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.leased)
}

// MockResolver returns a fixed candidate list.
type MockResolver struct {
	Candidates []entrypoint.Candidate
}

func (m *MockResolver) Resolve(ctx context.Context, dir string) ([]entrypoint.Candidate, error) {
	return m.Candidates, nil
}

func node(file string) entrypoint.Candidate {
	return entrypoint.Candidate{Command: "node", Args: []string{file}}
}

func testConfig() Config {
	return Config{
		StartGrace:    100 * time.Millisecond,
		TrialDelay:    10 * time.Millisecond,
		StopGrace:     200 * time.Millisecond,
		RestartSettle: 10 * time.Millisecond,
		AutoRestart: AutoRestart{
			Enabled:     true,
			MaxAttempts: 2,
			Backoff:     10 * time.Millisecond,
			Factor:      1,
			StableAfter: time.Minute,
		},
		BaseEnv: []string{"PATH=/usr/bin"},
	}
}

type fixture struct {
	sup    *Supervisor
	runner *proctest.Runner
	ports  *MockPorts
	entry  *registry.Entry
}

func newFixture(t *testing.T, runner *proctest.Runner, cfg Config, candidates ...entrypoint.Candidate) *fixture {
	t.Helper()
	reg := registry.New(registry.Config{Root: t.TempDir()})
	e, err := reg.Create("s", "bot")
	if err != nil {
		t.Fatal(err)
	}
	p := NewMockPorts()
	sup := New(runner, p, &MockResolver{Candidates: candidates}, cfg)
	t.Cleanup(func() {
		sup.Close()
		sup.Stop(context.Background(), e, StopKeep)
	})
	return &fixture{sup: sup, runner: runner, ports: p, entry: e}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func hasLog(e *registry.Entry, stream models.LogStream, substr string) bool {
	for _, l := range e.Journal.Page(0, 10000) {
		if l.Stream == stream && strings.Contains(l.Message, substr) {
			return true
		}
	}
	return false
}

func TestStartFallsThroughToSurvivingCandidate(t *testing.T) {
	runner := proctest.NewRunner(proctest.Script{Linger: true}).
		On("node a.js", proctest.Script{Stderr: []string{"Error: boom"}, ExitCode: 1})
	f := newFixture(t, runner, testConfig(), node("a.js"), node("b.js"))

	if err := f.sup.Start(context.Background(), f.entry); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	st := f.entry.State()
	if st.Stage != models.StageRunning || st.Command != "node b.js" {
		t.Errorf("state = %+v", st)
	}
	if f.entry.Handle() == nil {
		t.Fatal("no handle attached while running")
	}
	if got := runner.Calls(); len(got) != 2 || got[0] != "node a.js" || got[1] != "node b.js" {
		t.Errorf("Calls() = %v", got)
	}
	if f.ports.Leased() != 1 {
		t.Errorf("leased ports = %d, want 1", f.ports.Leased())
	}
	if !hasLog(f.entry, models.LogStreamStderr, "Error: boom") {
		t.Error("stderr of the failed candidate was not captured")
	}
}

func TestStartExhaustedCandidates(t *testing.T) {
	runner := proctest.NewRunner(proctest.Script{}).
		On("npm start", proctest.Script{Stderr: []string{"npm ERR! missing script: start"}, ExitCode: 1}).
		On("node index.js", proctest.Script{Stderr: []string{"Error: Invalid token"}, ExitCode: 1})
	f := newFixture(t, runner, testConfig(),
		entrypoint.Candidate{Command: "npm", Args: []string{"start"}}, node("index.js"))

	err := f.sup.Start(context.Background(), f.entry)
	if !errors.Is(err, deployerrors.ErrStartCommandsExhausted) {
		t.Fatalf("Start() error = %v, want StartCommandExhaustedError", err)
	}

	st := f.entry.State()
	if st.Stage != models.StageError {
		t.Errorf("Stage = %q, want error", st.Stage)
	}
	if st.Error != "Error: Invalid token" {
		t.Errorf("Error = %q, want the last candidate's message", st.Error)
	}
	if f.entry.Handle() != nil {
		t.Error("handle attached after exhausting candidates")
	}
	if f.ports.Leased() != 0 {
		t.Errorf("leased ports = %d, want 0", f.ports.Leased())
	}
	if runner.Alive() != 0 {
		t.Errorf("%d processes still alive", runner.Alive())
	}
}

func TestStartCleanExitCountsAsFailure(t *testing.T) {
	runner := proctest.NewRunner(proctest.Script{ExitCode: 0})
	f := newFixture(t, runner, testConfig(), node("index.js"))

	err := f.sup.Start(context.Background(), f.entry)
	if !errors.Is(err, deployerrors.ErrStartCommandsExhausted) {
		t.Fatalf("Start() error = %v", err)
	}
	if !strings.Contains(f.entry.State().Error, "exited with code 0") {
		t.Errorf("Error = %q", f.entry.State().Error)
	}
}

func TestModuleNotFoundFailsFast(t *testing.T) {
	runner := proctest.NewRunner(proctest.Script{Linger: true}).
		On("node dist/index.js", proctest.Script{
			Stderr: []string{"Error: Cannot find module 'discord.js'", "code: 'MODULE_NOT_FOUND'"},
			Linger: true,
		})
	cfg := testConfig()
	cfg.StartGrace = 300 * time.Millisecond
	f := newFixture(t, runner, cfg, node("dist/index.js"), node("index.js"))

	if err := f.sup.Start(context.Background(), f.entry); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if got := f.entry.State().Command; got != "node index.js" {
		t.Errorf("running command = %q, want node index.js", got)
	}

	first := runner.Processes()[0]
	sigs := first.Signals()
	if len(sigs) == 0 || sigs[len(sigs)-1] != syscall.SIGKILL {
		t.Errorf("missing-module candidate signals = %v, want SIGKILL", sigs)
	}
	if runner.Alive() != 1 {
		t.Errorf("alive = %d, want 1", runner.Alive())
	}
}

func TestSpawnFailureTriesNextCandidate(t *testing.T) {
	runner := proctest.NewRunner(proctest.Script{Linger: true}).
		On("npm start", proctest.Script{StartErr: errors.New(`exec: "npm": executable file not found in $PATH`)})
	f := newFixture(t, runner, testConfig(),
		entrypoint.Candidate{Command: "npm", Args: []string{"start"}}, node("index.js"))

	if err := f.sup.Start(context.Background(), f.entry); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if !hasLog(f.entry, models.LogStreamSystem, "Failed to start npm start") {
		t.Error("spawn failure not logged")
	}
	if f.ports.Leased() != 1 {
		t.Errorf("leased ports = %d, want 1", f.ports.Leased())
	}
}

func TestStartPassesPortAndExternalConfig(t *testing.T) {
	runner := proctest.NewRunner(proctest.Script{Linger: true})
	f := newFixture(t, runner, testConfig(), node("index.js"))
	f.entry.Update(func(st *registry.State) {
		st.ExternalConfig = &models.ExternalConfig{RequiresDatabase: true, ConnectionString: "mongodb://db/bot", EnvKey: "MONGODB_URI"}
	})

	if err := f.sup.Start(context.Background(), f.entry); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	spec := runner.Specs()[0]
	env := strings.Join(spec.Env, "\n")
	for _, want := range []string{"PORT=10000", "MONGODB_URI=mongodb://db/bot", "DATABASE_URL=mongodb://db/bot", "PATH=/usr/bin"} {
		if !strings.Contains(env, want) {
			t.Errorf("env is missing %s: %v", want, spec.Env)
		}
	}
	if spec.Dir != f.entry.Dir {
		t.Errorf("Dir = %q, want %q", spec.Dir, f.entry.Dir)
	}
	if f.entry.State().Port != 10000 {
		t.Errorf("Port = %d", f.entry.State().Port)
	}
}

func TestPortExhaustionFailsStart(t *testing.T) {
	runner := proctest.NewRunner(proctest.Script{Linger: true})
	f := newFixture(t, runner, testConfig(), node("index.js"))
	f.ports.err = deployerrors.NewPortExhaustionError(ports.ErrNoAvailablePorts)

	err := f.sup.Start(context.Background(), f.entry)
	if !errors.Is(err, deployerrors.ErrPortExhausted) {
		t.Fatalf("Start() error = %v", err)
	}
	if f.entry.State().Stage != models.StageError {
		t.Errorf("Stage = %q", f.entry.State().Stage)
	}
	if len(runner.Calls()) != 0 {
		t.Error("a process was spawned without a port")
	}
}

func TestAtMostOneProcess(t *testing.T) {
	runner := proctest.NewRunner(proctest.Script{Linger: true})
	f := newFixture(t, runner, testConfig(), node("index.js"))

	for i := 0; i < 3; i++ {
		if err := f.sup.Start(context.Background(), f.entry); err != nil {
			t.Fatalf("Start() #%d error = %v", i+1, err)
		}
		if alive := runner.Alive(); alive != 1 {
			t.Fatalf("after start #%d: %d live processes, want 1", i+1, alive)
		}
	}
	procs := runner.Processes()
	if sigs := procs[0].Signals(); len(sigs) == 0 || sigs[0] != syscall.SIGTERM {
		t.Errorf("replaced process signals = %v", sigs)
	}
	if f.ports.Leased() != 1 {
		t.Errorf("leased ports = %d, want 1", f.ports.Leased())
	}
}

func TestStopKeepsEntry(t *testing.T) {
	runner := proctest.NewRunner(proctest.Script{Linger: true})
	f := newFixture(t, runner, testConfig(), node("index.js"))
	if err := f.sup.Start(context.Background(), f.entry); err != nil {
		t.Fatal(err)
	}

	if err := f.sup.Stop(context.Background(), f.entry, StopKeep); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}

	st := f.entry.State()
	if st.Stage != models.StageStopped || st.PID != 0 || st.Port != 0 {
		t.Errorf("state after stop = %+v", st)
	}
	if f.entry.Handle() != nil || runner.Alive() != 0 || f.ports.Leased() != 0 {
		t.Error("worker resources not released")
	}
	if !hasLog(f.entry, models.LogStreamSystem, "Worker stopped") {
		t.Error("stop not logged")
	}

	// The unexpected-exit watcher must not treat a requested stop as a crash.
	time.Sleep(50 * time.Millisecond)
	if f.entry.State().Stage != models.StageStopped {
		t.Errorf("Stage changed to %q after stop", f.entry.State().Stage)
	}
}

func TestStopEscalatesToKill(t *testing.T) {
	runner := proctest.NewRunner(proctest.Script{Linger: true, IgnoreTerm: true})
	f := newFixture(t, runner, testConfig(), node("index.js"))
	if err := f.sup.Start(context.Background(), f.entry); err != nil {
		t.Fatal(err)
	}

	f.sup.Stop(context.Background(), f.entry, StopDestroy)

	sigs := runner.Processes()[0].Signals()
	if len(sigs) != 2 || sigs[0] != syscall.SIGTERM || sigs[1] != syscall.SIGKILL {
		t.Errorf("signals = %v, want [SIGTERM SIGKILL]", sigs)
	}
	if runner.Alive() != 0 {
		t.Error("process alive after escalation")
	}
	if !hasLog(f.entry, models.LogStreamSystem, "killing it") {
		t.Error("escalation not logged")
	}
}

func TestStopKillSkipsGrace(t *testing.T) {
	runner := proctest.NewRunner(proctest.Script{Linger: true, IgnoreTerm: true})
	cfg := testConfig()
	cfg.StopGrace = 5 * time.Second
	f := newFixture(t, runner, cfg, node("index.js"))
	if err := f.sup.Start(context.Background(), f.entry); err != nil {
		t.Fatal(err)
	}

	start := time.Now()
	f.sup.Stop(context.Background(), f.entry, StopKill)
	if time.Since(start) > 2*time.Second {
		t.Error("StopKill waited for the stop grace period")
	}

	sigs := runner.Processes()[0].Signals()
	if len(sigs) != 1 || sigs[0] != syscall.SIGKILL {
		t.Errorf("signals = %v, want [SIGKILL]", sigs)
	}
	if f.entry.State().Status != "Removing" {
		t.Errorf("Status = %q, want Removing", f.entry.State().Status)
	}
}

func TestStopCancelsStartTrial(t *testing.T) {
	runner := proctest.NewRunner(proctest.Script{Linger: true})
	cfg := testConfig()
	cfg.StartGrace = 10 * time.Second
	f := newFixture(t, runner, cfg, node("index.js"), node("main.js"))

	ctx, task := f.entry.StartTask(context.Background(), "start")
	errCh := make(chan error, 1)
	go func() {
		defer task.Finish()
		errCh <- f.sup.Start(ctx, f.entry)
	}()
	waitFor(t, "candidate to spawn", func() bool { return runner.Alive() == 1 })

	start := time.Now()
	if err := f.sup.Stop(context.Background(), f.entry, StopKeep); err != nil {
		t.Fatal(err)
	}
	if time.Since(start) > 2*time.Second {
		t.Error("Stop() waited for the start grace period")
	}
	if err := <-errCh; !errors.Is(err, context.Canceled) {
		t.Errorf("Start() error = %v, want context.Canceled", err)
	}
	if f.entry.State().Stage != models.StageStopped {
		t.Errorf("Stage = %q, want stopped", f.entry.State().Stage)
	}
	if runner.Alive() != 0 || len(runner.Calls()) != 1 {
		t.Errorf("alive = %d, calls = %v", runner.Alive(), runner.Calls())
	}
}

func TestRestart(t *testing.T) {
	runner := proctest.NewRunner(proctest.Script{Linger: true})
	f := newFixture(t, runner, testConfig(), node("index.js"))
	if err := f.sup.Start(context.Background(), f.entry); err != nil {
		t.Fatal(err)
	}
	firstPID := f.entry.State().PID

	if err := f.sup.Restart(context.Background(), f.entry); err != nil {
		t.Fatalf("Restart() error = %v", err)
	}

	st := f.entry.State()
	if st.Stage != models.StageRunning || st.PID == firstPID {
		t.Errorf("state after restart = %+v", st)
	}
	if runner.Alive() != 1 || len(runner.Calls()) != 2 {
		t.Errorf("alive = %d, calls = %d", runner.Alive(), len(runner.Calls()))
	}
	if !hasLog(f.entry, models.LogStreamSystem, "RESTARTING") {
		t.Error("RESTARTING marker missing")
	}
}

func TestRestartStartsStoppedEntry(t *testing.T) {
	runner := proctest.NewRunner(proctest.Script{Linger: true})
	f := newFixture(t, runner, testConfig(), node("index.js"))
	f.sup.Stop(context.Background(), f.entry, StopKeep)

	if err := f.sup.Restart(context.Background(), f.entry); err != nil {
		t.Fatalf("Restart() error = %v", err)
	}
	if f.entry.State().Stage != models.StageRunning {
		t.Errorf("Stage = %q", f.entry.State().Stage)
	}
}

func TestWriteInput(t *testing.T) {
	runner := proctest.NewRunner(proctest.Script{Linger: true})
	f := newFixture(t, runner, testConfig(), node("index.js"))

	if err := f.sup.WriteInput(f.entry, "hello"); !errors.Is(err, deployerrors.ErrConflict) {
		t.Errorf("WriteInput() before start error = %v, want conflict", err)
	}

	if err := f.sup.Start(context.Background(), f.entry); err != nil {
		t.Fatal(err)
	}
	if err := f.sup.WriteInput(f.entry, "hello"); err != nil {
		t.Fatalf("WriteInput() error = %v", err)
	}
	if got := runner.Processes()[0].StdinData(); got != "hello\n" {
		t.Errorf("stdin = %q, want %q", got, "hello\n")
	}
	if !hasLog(f.entry, models.LogStreamInput, "hello") {
		t.Error("input not recorded in the journal")
	}
}

func TestWriteInputTimesOutWhenWorkerIgnoresStdin(t *testing.T) {
	runner := proctest.NewRunner(proctest.Script{Linger: true, StallStdin: true})
	cfg := testConfig()
	cfg.InputTimeout = 50 * time.Millisecond
	f := newFixture(t, runner, cfg, node("index.js"))

	if err := f.sup.Start(context.Background(), f.entry); err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 1)
	go func() { done <- f.sup.WriteInput(f.entry, "hello") }()
	select {
	case err := <-done:
		if !errors.Is(err, deployerrors.ErrConflict) {
			t.Errorf("WriteInput() error = %v, want conflict", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("WriteInput() blocked past its timeout")
	}
	if hasLog(f.entry, models.LogStreamInput, "hello") {
		t.Error("unwritten input recorded in the journal")
	}
}

func TestAutoRestartGivesUp(t *testing.T) {
	runner := proctest.NewRunner(proctest.Script{
		Stderr:   []string{"TypeError: cannot read properties of undefined"},
		Delay:    200 * time.Millisecond,
		ExitCode: 1,
	})
	f := newFixture(t, runner, testConfig(), node("index.js"))

	if err := f.sup.Start(context.Background(), f.entry); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	waitFor(t, "auto-restart to give up", func() bool {
		st := f.entry.State()
		return st.Stage == models.StageError && len(runner.Calls()) == 3
	})

	st := f.entry.State()
	if st.Restarts != 2 {
		t.Errorf("Restarts = %d, want 2", st.Restarts)
	}
	if !strings.Contains(st.Error, "TypeError") {
		t.Errorf("Error = %q", st.Error)
	}
	if f.entry.Handle() != nil || f.ports.Leased() != 0 {
		t.Error("resources held after giving up")
	}
	if !hasLog(f.entry, models.LogStreamSystem, "Giving up after 2 restart attempts") {
		t.Error("give-up line missing")
	}
}

func TestAutoRestartDisabled(t *testing.T) {
	runner := proctest.NewRunner(proctest.Script{Delay: 200 * time.Millisecond, ExitCode: 3})
	cfg := testConfig()
	cfg.AutoRestart.Enabled = false
	f := newFixture(t, runner, cfg, node("index.js"))

	if err := f.sup.Start(context.Background(), f.entry); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "worker exit", func() bool { return f.entry.State().Stage == models.StageError })

	if len(runner.Calls()) != 1 {
		t.Errorf("calls = %v, want one", runner.Calls())
	}
	if !strings.Contains(f.entry.State().Error, "code 3") {
		t.Errorf("Error = %q", f.entry.State().Error)
	}
}

func TestStopCancelsPendingAutoRestart(t *testing.T) {
	runner := proctest.NewRunner(proctest.Script{Delay: 150 * time.Millisecond, ExitCode: 1})
	cfg := testConfig()
	cfg.AutoRestart.Backoff = 300 * time.Millisecond
	f := newFixture(t, runner, cfg, node("index.js"))

	if err := f.sup.Start(context.Background(), f.entry); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "restart to be scheduled", func() bool {
		return strings.HasPrefix(f.entry.State().Status, "Restarting in")
	})

	f.sup.Stop(context.Background(), f.entry, StopKeep)
	time.Sleep(500 * time.Millisecond)

	if got := len(runner.Calls()); got != 1 {
		t.Errorf("calls = %d, want 1 (restart ran after stop)", got)
	}
	if f.entry.State().Stage != models.StageStopped {
		t.Errorf("Stage = %q, want stopped", f.entry.State().Stage)
	}
}

func TestBackoff(t *testing.T) {
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 5 * time.Second},
		{1, 10 * time.Second},
		{2, 20 * time.Second},
	}
	for _, tt := range tests {
		if got := Backoff(5*time.Second, 2, tt.attempt); got != tt.want {
			t.Errorf("Backoff(attempt %d) = %s, want %s", tt.attempt, got, tt.want)
		}
	}
}

func TestIsModuleNotFound(t *testing.T) {
	tests := []struct {
		line string
		want bool
	}{
		{"Error: Cannot find module 'discord.js'", true},
		{"  code: 'MODULE_NOT_FOUND',", true},
		{"Error [ERR_MODULE_NOT_FOUND]: Cannot find package 'x'", true},
		{"TypeError: x is not a function", false},
		{"Logged in as bot#1234", false},
	}
	for _, tt := range tests {
		if got := IsModuleNotFound(tt.line); got != tt.want {
			t.Errorf("IsModuleNotFound(%q) = %v, want %v", tt.line, got, tt.want)
		}
	}
}
