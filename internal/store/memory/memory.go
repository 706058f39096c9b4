// Package memory provides an in-process implementation of the store
// interfaces, used when no database is configured and in tests.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/narvanalabs/botrunner/internal/models"
	"github.com/narvanalabs/botrunner/internal/store"
)

// Store keeps records and logs in maps.
type Store struct {
	mu          sync.RWMutex
	deployments map[models.DeploymentKey]models.DeploymentRecord
	logs        map[models.DeploymentKey][]models.LogLine
}

// New creates an empty Store.
func New() *Store {
	return &Store{
		deployments: make(map[models.DeploymentKey]models.DeploymentRecord),
		logs:        make(map[models.DeploymentKey][]models.LogLine),
	}
}

func (s *Store) Deployments() store.DeploymentStore { return deploymentStore{s} }
func (s *Store) Logs() store.LogStore               { return logStore{s} }
func (s *Store) Ping(ctx context.Context) error     { return ctx.Err() }
func (s *Store) Close() error                       { return nil }

type deploymentStore struct{ s *Store }

func (d deploymentStore) Save(ctx context.Context, rec *models.DeploymentRecord) error {
	d.s.mu.Lock()
	defer d.s.mu.Unlock()
	d.s.deployments[models.DeploymentKey{ServerID: rec.ServerID, DeploymentID: rec.DeploymentID}] = cloneRecord(rec)
	return nil
}

func (d deploymentStore) Load(ctx context.Context, key models.DeploymentKey) (*models.DeploymentRecord, error) {
	d.s.mu.RLock()
	defer d.s.mu.RUnlock()
	rec, ok := d.s.deployments[key]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := cloneRecord(&rec)
	return &out, nil
}

func (d deploymentStore) List(ctx context.Context) ([]*models.DeploymentRecord, error) {
	d.s.mu.RLock()
	out := make([]*models.DeploymentRecord, 0, len(d.s.deployments))
	for _, rec := range d.s.deployments {
		c := cloneRecord(&rec)
		out = append(out, &c)
	}
	d.s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (d deploymentStore) Delete(ctx context.Context, key models.DeploymentKey) error {
	d.s.mu.Lock()
	defer d.s.mu.Unlock()
	delete(d.s.deployments, key)
	delete(d.s.logs, key)
	return nil
}

type logStore struct{ s *Store }

func (l logStore) Append(ctx context.Context, key models.DeploymentKey, lines []models.LogLine) error {
	l.s.mu.Lock()
	defer l.s.mu.Unlock()

	existing := l.s.logs[key]
	var last int64
	if n := len(existing); n > 0 {
		last = existing[n-1].ID
	}
	for _, line := range lines {
		if line.ID <= last {
			continue
		}
		existing = append(existing, line)
		last = line.ID
	}
	l.s.logs[key] = existing
	return nil
}

func (l logStore) List(ctx context.Context, key models.DeploymentKey, beforeID int64, limit int) ([]models.LogLine, error) {
	l.s.mu.RLock()
	defer l.s.mu.RUnlock()

	lines := l.s.logs[key]
	end := len(lines)
	if beforeID > 0 {
		end = sort.Search(len(lines), func(i int) bool { return lines[i].ID >= beforeID })
	}
	start := 0
	if limit > 0 && end-limit > start {
		start = end - limit
	}
	out := make([]models.LogLine, end-start)
	copy(out, lines[start:end])
	return out, nil
}

func (l logStore) Clear(ctx context.Context, key models.DeploymentKey) error {
	l.s.mu.Lock()
	defer l.s.mu.Unlock()
	delete(l.s.logs, key)
	return nil
}

func cloneRecord(rec *models.DeploymentRecord) models.DeploymentRecord {
	out := *rec
	out.Details.FileList = append([]string(nil), rec.Details.FileList...)
	if rec.ExternalConfig != nil {
		cfg := *rec.ExternalConfig
		out.ExternalConfig = &cfg
	}
	return out
}
