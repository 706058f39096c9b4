// Package store provides the persistence interfaces for deployments and
// their logs.
package store

import (
	"context"
	"errors"

	"github.com/narvanalabs/botrunner/internal/models"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("resource not found")

// DeploymentStore persists deployment state.
type DeploymentStore interface {
	// Save inserts or replaces the record for its key.
	Save(ctx context.Context, rec *models.DeploymentRecord) error
	// Load returns the record for the key or ErrNotFound.
	Load(ctx context.Context, key models.DeploymentKey) (*models.DeploymentRecord, error)
	// List returns every record, oldest first.
	List(ctx context.Context) ([]*models.DeploymentRecord, error)
	// Delete removes the record and its logs. Deleting a missing record is not an error.
	Delete(ctx context.Context, key models.DeploymentKey) error
}

// LogStore persists journal lines.
type LogStore interface {
	// Append stores lines. Lines whose ID already exists are ignored.
	Append(ctx context.Context, key models.DeploymentKey, lines []models.LogLine) error
	// List returns up to limit lines with ID < beforeID (all IDs when
	// beforeID <= 0), oldest first.
	List(ctx context.Context, key models.DeploymentKey, beforeID int64, limit int) ([]models.LogLine, error)
	// Clear removes every line of the deployment.
	Clear(ctx context.Context, key models.DeploymentKey) error
}

// Store is the main interface for persistence.
type Store interface {
	// Deployments returns the DeploymentStore.
	Deployments() DeploymentStore
	// Logs returns the LogStore.
	Logs() LogStore
	// Ping checks connectivity.
	Ping(ctx context.Context) error
	// Close releases resources.
	Close() error
}
