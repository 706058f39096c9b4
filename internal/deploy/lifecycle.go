package deploy

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/narvanalabs/botrunner/internal/models"
	"github.com/narvanalabs/botrunner/internal/supervisor"
)

// Recover reloads persisted deployments as stopped entries with their logs.
// Records whose directory no longer exists are purged.
func (s *Service) Recover(ctx context.Context) (int, error) {
	if s.store == nil {
		return 0, nil
	}

	records, err := s.store.Deployments().List(ctx)
	if err != nil {
		return 0, fmt.Errorf("listing persisted deployments: %w", err)
	}

	restored := 0
	for _, rec := range records {
		key := models.DeploymentKey{ServerID: rec.ServerID, DeploymentID: rec.DeploymentID}
		logger := s.logger.With("server_id", rec.ServerID, "deployment_id", rec.DeploymentID)

		if _, err := os.Stat(rec.Dir); errors.Is(err, os.ErrNotExist) {
			logger.Warn("purging deployment whose directory is gone", "dir", rec.Dir)
			if err := s.store.Deployments().Delete(ctx, key); err != nil {
				logger.Error("failed to purge deployment", "error", err)
			}
			continue
		}

		lines, err := s.store.Logs().List(ctx, key, 0, 0)
		if err != nil {
			logger.Warn("failed to load persisted logs", "error", err)
		}

		e, err := s.registry.Restore(*rec, lines)
		if err != nil {
			logger.Error("failed to restore deployment", "error", err)
			continue
		}
		if e.Dir != rec.Dir {
			logger.Warn("deployment directory moved", "persisted", rec.Dir, "current", e.Dir)
		}
		s.persister.Save(e)
		restored++
	}

	s.logger.Info("recovered deployments", "count", restored)
	return restored, nil
}

// Name implements shutdown.Component.
func (s *Service) Name() string {
	return "deploy-service"
}

// Shutdown cancels in-flight tasks, waits for them and stops every worker
// non-destructively so they come back as stopped on the next start.
func (s *Service) Shutdown(ctx context.Context) error {
	s.cancel()
	s.supervisor.Close()

	for _, e := range s.registry.All() {
		e.CancelTask()
	}
	if err := s.waitTasks(ctx); err != nil {
		s.logger.Warn("timed out waiting for deployment tasks", "error", err)
	}

	for _, e := range s.registry.All() {
		if e.Handle() == nil {
			continue
		}
		if err := s.supervisor.Stop(ctx, e, supervisor.StopKeep); err != nil {
			s.logger.Warn("failed to stop worker", "deployment", e.Key.String(), "error", err)
		}
	}

	if s.batcher != nil {
		s.batcher.Flush(ctx)
	}
	return ctx.Err()
}
