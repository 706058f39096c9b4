package registry

import (
	"context"
	"sync"
	"time"

	"github.com/narvanalabs/botrunner/internal/logs"
	"github.com/narvanalabs/botrunner/internal/models"
	"github.com/narvanalabs/botrunner/internal/proc"
)

// State is the mutable part of an entry. Read it with Entry.State and change
// it with Entry.Update.
type State struct {
	Stage          models.Stage
	Status         string
	Error          string
	IsDeploying    bool
	Details        models.DeploymentDetails
	ExternalConfig *models.ExternalConfig
	PID            int
	Port           int
	Command        string
	Restarts       int
	StartedAt      *time.Time
	UpdatedAt      time.Time
}

// Handle is the live worker process attached to an entry.
type Handle struct {
	Process   proc.Process
	Port      int
	Command   string
	StartedAt time.Time
	// Drained is closed once both output streams have been read to EOF.
	Drained <-chan struct{}
}

// Entry is one deployment. The lifecycle lock (Lock/Unlock) serializes
// operations that change the stage or the process handle; state reads never
// take it.
type Entry struct {
	Key        models.DeploymentKey
	ServerName string
	Dir        string
	CreatedAt  time.Time
	Journal    *logs.Journal

	lifecycle sync.Mutex

	mu     sync.RWMutex
	state  State
	handle *Handle
	task   *Task

	onChange func(*Entry)
}

// Lock acquires the lifecycle lock.
func (e *Entry) Lock() { e.lifecycle.Lock() }

// Unlock releases the lifecycle lock.
func (e *Entry) Unlock() { e.lifecycle.Unlock() }

// State returns a copy of the current state.
func (e *Entry) State() State {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

// Update applies fn to the state and notifies the change hook.
func (e *Entry) Update(fn func(*State)) {
	e.mu.Lock()
	fn(&e.state)
	e.state.UpdatedAt = time.Now().UTC()
	e.mu.Unlock()

	if e.onChange != nil {
		e.onChange(e)
	}
}

// Handle returns the attached process handle, or nil.
func (e *Entry) Handle() *Handle {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.handle
}

// Attach sets the process handle and marks the entry running.
func (e *Entry) Attach(h *Handle) {
	startedAt := h.StartedAt.UTC()
	e.mu.Lock()
	e.handle = h
	e.state.Stage = models.StageRunning
	e.state.Status = "Running"
	e.state.Error = ""
	e.state.IsDeploying = false
	e.state.PID = h.Process.PID()
	e.state.Port = h.Port
	e.state.Command = h.Command
	e.state.StartedAt = &startedAt
	e.state.UpdatedAt = time.Now().UTC()
	e.mu.Unlock()

	if e.onChange != nil {
		e.onChange(e)
	}
}

// Detach removes and returns the process handle. The caller must move the
// entry out of the running stage.
func (e *Entry) Detach() *Handle {
	e.mu.Lock()
	defer e.mu.Unlock()
	h := e.handle
	e.handle = nil
	e.state.PID = 0
	e.state.Port = 0
	return h
}

// StartTask registers a new background task for the entry, cancelling the
// previous one. The returned context is cancelled by CancelTask.
func (e *Entry) StartTask(parent context.Context, name string) (context.Context, *Task) {
	ctx, t := newTask(parent, name)
	t.onFinish = func() {
		e.mu.Lock()
		if e.task == t {
			e.task = nil
		}
		e.mu.Unlock()
	}

	e.mu.Lock()
	prev := e.task
	e.task = t
	e.mu.Unlock()

	if prev != nil {
		prev.Cancel()
	}
	return ctx, t
}

// CancelTask cancels the current task, if any, and returns it.
func (e *Entry) CancelTask() *Task {
	e.mu.RLock()
	t := e.task
	e.mu.RUnlock()
	if t != nil {
		t.Cancel()
	}
	return t
}

// Task returns the current task, or nil.
func (e *Entry) Task() *Task {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.task
}

// Record returns the persistable form of the entry.
func (e *Entry) Record() models.DeploymentRecord {
	st := e.State()
	return models.DeploymentRecord{
		ServerID:       e.Key.ServerID,
		DeploymentID:   e.Key.DeploymentID,
		ServerName:     e.ServerName,
		Dir:            e.Dir,
		Stage:          st.Stage,
		Status:         st.Status,
		Error:          st.Error,
		Details:        st.Details,
		ExternalConfig: st.ExternalConfig,
		CreatedAt:      e.CreatedAt,
		UpdatedAt:      st.UpdatedAt,
	}
}

// Snapshot returns a point-in-time view including the last logLimit lines.
func (e *Entry) Snapshot(logLimit int) *models.DeploymentSnapshot {
	st := e.State()
	lines := e.Journal.Tail(logLimit)

	return &models.DeploymentSnapshot{
		ServerID:       e.Key.ServerID,
		DeploymentID:   e.Key.DeploymentID,
		ServerName:     e.ServerName,
		Stage:          st.Stage,
		Status:         st.Status,
		Error:          st.Error,
		IsDeploying:    st.IsDeploying,
		Details:        st.Details,
		ExternalConfig: st.ExternalConfig.Redacted(),
		PID:            st.PID,
		Port:           st.Port,
		Command:        st.Command,
		Restarts:       st.Restarts,
		Logs:           lines,
		QR:             e.Journal.QR(),
		Actions:        st.Stage.AvailableActions(),
		CreatedAt:      e.CreatedAt,
		UpdatedAt:      st.UpdatedAt,
		StartedAt:      st.StartedAt,
	}
}
