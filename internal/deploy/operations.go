package deploy

import (
	"context"
	"fmt"
	"os"

	deployerrors "github.com/narvanalabs/botrunner/internal/errors"
	"github.com/narvanalabs/botrunner/internal/logs"
	"github.com/narvanalabs/botrunner/internal/models"
	"github.com/narvanalabs/botrunner/internal/registry"
	"github.com/narvanalabs/botrunner/internal/supervisor"
)

// GetState returns a snapshot of a deployment including its recent logs.
func (s *Service) GetState(ctx context.Context, serverID, deploymentID string) (*models.DeploymentSnapshot, error) {
	e, err := s.entry(serverID, deploymentID)
	if err != nil {
		return nil, err
	}
	return e.Snapshot(s.cfg.SnapshotLogLines), nil
}

// List returns snapshots of every deployment of a server, oldest first.
// Snapshots in a listing carry no log lines.
func (s *Service) List(ctx context.Context, serverID string) ([]*models.DeploymentSnapshot, error) {
	entries := s.registry.List(serverID)
	out := make([]*models.DeploymentSnapshot, 0, len(entries))
	for _, e := range entries {
		snap := e.Snapshot(0)
		snap.Logs = []models.LogLine{}
		out = append(out, snap)
	}
	return out, nil
}

// GetLogPage returns up to limit lines immediately preceding beforeID, oldest
// first; beforeID <= 0 returns the most recent lines. Lines trimmed from memory
// are read back from the store.
func (s *Service) GetLogPage(ctx context.Context, serverID, deploymentID string, beforeID int64, limit int) ([]models.LogLine, error) {
	e, err := s.entry(serverID, deploymentID)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = logs.DefaultPageSize
	}
	if limit > MaxLogPageSize {
		limit = MaxLogPageSize
	}

	lines := e.Journal.Page(beforeID, limit)
	need := limit - len(lines)
	trimmed, first := e.Journal.Truncated()
	if need <= 0 || !trimmed || s.store == nil {
		return lines, nil
	}

	cursor := first
	switch {
	case len(lines) > 0:
		cursor = lines[0].ID
	case beforeID > 0 && beforeID < first:
		cursor = beforeID
	}

	if s.batcher != nil {
		s.batcher.Flush(ctx)
	}
	older, err := s.store.Logs().List(ctx, e.Key, cursor, need)
	if err != nil {
		s.logger.Warn("failed to read persisted logs", "deployment", e.Key.String(), "error", err)
		return lines, nil
	}
	return append(older, lines...), nil
}

// WriteInput sends a line to the worker's standard input.
func (s *Service) WriteInput(ctx context.Context, serverID, deploymentID, data string) error {
	e, err := s.entry(serverID, deploymentID)
	if err != nil {
		return err
	}
	return s.supervisor.WriteInput(e, data)
}

// Stop stops the worker and any in-flight pipeline. Files and logs are kept.
func (s *Service) Stop(ctx context.Context, serverID, deploymentID string) error {
	e, err := s.entry(serverID, deploymentID)
	if err != nil {
		return err
	}
	s.logger.Info("stopping deployment", "server_id", serverID, "deployment_id", deploymentID)
	return s.supervisor.Stop(ctx, e, supervisor.StopKeep)
}

// CompleteStop stops the worker and removes the deployment, its directory,
// its persisted record and its logs.
func (s *Service) CompleteStop(ctx context.Context, serverID, deploymentID string) error {
	e, err := s.entry(serverID, deploymentID)
	if err != nil {
		return err
	}
	s.logger.Info("removing deployment", "server_id", serverID, "deployment_id", deploymentID)
	return s.destroy(ctx, e, supervisor.StopDestroy)
}

// Reset force-kills the worker, waits for any in-flight task to finish and
// removes the deployment like CompleteStop.
func (s *Service) Reset(ctx context.Context, serverID, deploymentID string) error {
	e, err := s.entry(serverID, deploymentID)
	if err != nil {
		return err
	}
	s.logger.Info("resetting deployment", "server_id", serverID, "deployment_id", deploymentID)

	if t := e.CancelTask(); t != nil {
		if err := t.Wait(ctx); err != nil {
			return fmt.Errorf("waiting for %s task: %w", t.Name, err)
		}
	}
	return s.destroy(ctx, e, supervisor.StopKill)
}

func (s *Service) destroy(ctx context.Context, e *registry.Entry, mode supervisor.StopMode) error {
	e.CancelTask()
	e.Lock()
	defer e.Unlock()

	if !s.registry.Exists(e.Key.ServerID, e.Key.DeploymentID) {
		return deployerrors.NewNotFoundError("deployment %s not found", e.Key)
	}

	if err := s.supervisor.StopLocked(ctx, e, mode); err != nil {
		return err
	}

	s.registry.Delete(e.Key.ServerID, e.Key.DeploymentID)
	if s.batcher != nil {
		s.batcher.Forget(e.Key)
		s.batcher.Flush(ctx)
	}
	if s.persister != nil {
		if err := s.persister.Remove(ctx, e.Key); err != nil {
			s.logger.Error("failed to delete persisted deployment", "deployment", e.Key.String(), "error", err)
		}
	}
	if err := os.RemoveAll(e.Dir); err != nil {
		s.logger.Error("failed to remove deployment directory", "dir", e.Dir, "error", err)
	}
	if s.broker != nil {
		s.broker.CloseKey(e.Key)
	}
	return nil
}

// Restart restarts a deployment in the background. A stopped or failed
// deployment is started. It returns once the restart is scheduled.
func (s *Service) Restart(ctx context.Context, serverID, deploymentID string) error {
	e, err := s.entry(serverID, deploymentID)
	if err != nil {
		return err
	}
	st := e.State()
	if st.IsDeploying {
		return deployerrors.NewConflictError("deployment %s is still deploying", e.Key)
	}
	if _, err := os.Stat(e.Dir); err != nil {
		return deployerrors.NewConflictError("deployment %s has no files to start", e.Key)
	}

	s.logger.Info("restarting deployment", "server_id", serverID, "deployment_id", deploymentID)

	taskCtx, task := e.StartTask(s.ctx, "restart")
	s.tasks.Add(1)
	go func() {
		defer s.tasks.Done()
		defer task.Finish()
		if err := s.supervisor.Restart(taskCtx, e); err != nil && taskCtx.Err() == nil {
			s.logger.Warn("restart failed", "deployment", e.Key.String(), "error", err)
		}
	}()
	return nil
}

// ClearLogs empties the journal and QR slot and the persisted logs.
func (s *Service) ClearLogs(ctx context.Context, serverID, deploymentID string) error {
	e, err := s.entry(serverID, deploymentID)
	if err != nil {
		return err
	}
	// The batcher forwards the clear to the store in order with later lines.
	e.Journal.Clear()
	return nil
}
