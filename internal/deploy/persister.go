package deploy

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/narvanalabs/botrunner/internal/models"
	"github.com/narvanalabs/botrunner/internal/registry"
	"github.com/narvanalabs/botrunner/internal/store"
)

const defaultPersistTimeout = 5 * time.Second

// Persister writes entry records to the DeploymentStore whenever an entry
// changes. Its Save method is the registry change hook.
type Persister struct {
	mu          sync.Mutex
	deployments store.DeploymentStore
	removed     map[models.DeploymentKey]struct{}
	timeout     time.Duration
	logger      *slog.Logger
}

// NewPersister creates a Persister. A nil store makes Save a no-op.
func NewPersister(deployments store.DeploymentStore, logger *slog.Logger) *Persister {
	if logger == nil {
		logger = slog.Default()
	}
	return &Persister{
		deployments: deployments,
		removed:     make(map[models.DeploymentKey]struct{}),
		timeout:     defaultPersistTimeout,
		logger:      logger,
	}
}

// Save stores the current record of e. Saves are serialized and each reads
// the entry state at write time, so the last write always holds the latest
// state. Removed deployments are never written again.
func (p *Persister) Save(e *registry.Entry) {
	if p == nil || p.deployments == nil {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, gone := p.removed[e.Key]; gone {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()

	rec := e.Record()
	if err := p.deployments.Save(ctx, &rec); err != nil {
		p.logger.Error("failed to persist deployment", "deployment", e.Key.String(), "error", err)
	}
}

// Remove deletes the persisted record and its logs and blocks later saves.
func (p *Persister) Remove(ctx context.Context, key models.DeploymentKey) error {
	if p == nil || p.deployments == nil {
		return nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.removed[key] = struct{}{}
	return p.deployments.Delete(ctx, key)
}
