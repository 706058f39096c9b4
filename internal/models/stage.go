// Package models provides data models for the bot runner.
package models

// Stage represents the lifecycle state of a deployment.
type Stage string

const (
	// StageIdle indicates the entry exists but nothing has run yet.
	StageIdle Stage = "idle"
	// StageDeploying indicates the archive is being extracted or dependencies installed.
	StageDeploying Stage = "deploying"
	// StageStarting indicates start candidates are being tried.
	StageStarting Stage = "starting"
	// StageRunning indicates a worker process is attached and alive.
	StageRunning Stage = "running"
	// StageStopped indicates the worker was stopped by the user.
	StageStopped Stage = "stopped"
	// StageError indicates the last attempt failed.
	StageError Stage = "error"
)

// Action represents an operation a caller can perform on a deployment.
type Action string

const (
	ActionStop         Action = "stop"
	ActionRestart      Action = "restart"
	ActionInput        Action = "input"
	ActionCompleteStop Action = "complete-stop"
	ActionReset        Action = "reset"
	ActionClearLogs    Action = "clear-logs"
)

// AvailableActions returns the actions available for a deployment in this stage.
func (s Stage) AvailableActions() []Action {
	switch s {
	case StageIdle:
		return []Action{ActionCompleteStop, ActionReset, ActionClearLogs}
	case StageDeploying, StageStarting:
		// Pipeline in flight: it can only be interrupted.
		return []Action{ActionStop, ActionCompleteStop, ActionReset, ActionClearLogs}
	case StageRunning:
		return []Action{ActionStop, ActionRestart, ActionInput, ActionCompleteStop, ActionReset, ActionClearLogs}
	case StageStopped, StageError:
		return []Action{ActionRestart, ActionCompleteStop, ActionReset, ActionClearLogs}
	default:
		return []Action{}
	}
}

// HasAction returns true if the given action is available for this stage.
func (s Stage) HasAction(action Action) bool {
	for _, a := range s.AvailableActions() {
		if a == action {
			return true
		}
	}
	return false
}

// IsTransient returns true for stages that a running pipeline will move out of.
func (s Stage) IsTransient() bool {
	return s == StageDeploying || s == StageStarting
}

// String returns the string representation of the stage.
func (s Stage) String() string {
	return string(s)
}

// IsValid returns true if the stage is a known stage.
func (s Stage) IsValid() bool {
	switch s {
	case StageIdle, StageDeploying, StageStarting, StageRunning, StageStopped, StageError:
		return true
	default:
		return false
	}
}

// ValidStages returns all valid stages.
func ValidStages() []Stage {
	return []Stage{
		StageIdle,
		StageDeploying,
		StageStarting,
		StageRunning,
		StageStopped,
		StageError,
	}
}
