// Package registry holds every deployment known to this host, keyed by
// server (tenant) and deployment ID.
package registry

import (
	"path/filepath"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	deployerrors "github.com/narvanalabs/botrunner/internal/errors"
	"github.com/narvanalabs/botrunner/internal/logs"
	"github.com/narvanalabs/botrunner/internal/models"
)

// idPattern restricts IDs to a single safe path segment.
var idPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]{0,127}$`)

// ValidateID reports whether id can be used as a server or deployment ID.
func ValidateID(kind, id string) error {
	if !idPattern.MatchString(id) {
		return deployerrors.NewValidationError("invalid %s %q", kind, id)
	}
	return nil
}

// Config configures a Registry.
type Config struct {
	// Root is the workspace directory; each entry gets Root/serverID/deploymentID.
	Root string
	// MaxLogLines bounds each in-memory journal.
	MaxLogLines int
	// OnChange is called after every state change of any entry.
	OnChange func(*Entry)
	// Observers are attached to every new journal.
	Observers []logs.Observer
}

// Registry maps serverID -> deploymentID -> *Entry.
type Registry struct {
	mu      sync.RWMutex
	servers map[string]map[string]*Entry
	cfg     Config
}

// New creates an empty Registry.
func New(cfg Config) *Registry {
	return &Registry{
		servers: make(map[string]map[string]*Entry),
		cfg:     cfg,
	}
}

// Create registers a new idle entry with a fresh deployment ID.
func (r *Registry) Create(serverID, serverName string) (*Entry, error) {
	if err := ValidateID("server id", serverID); err != nil {
		return nil, err
	}

	id := uuid.NewString()
	e := r.newEntry(models.DeploymentKey{ServerID: serverID, DeploymentID: id}, serverName, time.Now().UTC())
	e.state = State{
		Stage:     models.StageIdle,
		Status:    "Created",
		UpdatedAt: e.CreatedAt,
	}

	r.mu.Lock()
	r.insert(e)
	r.mu.Unlock()
	return e, nil
}

// Restore registers an entry loaded from persistence. The entry keeps its
// recorded stage unless that stage implied a live process, in which case it
// becomes stopped.
func (r *Registry) Restore(rec models.DeploymentRecord, lines []models.LogLine) (*Entry, error) {
	if err := ValidateID("server id", rec.ServerID); err != nil {
		return nil, err
	}
	if err := ValidateID("deployment id", rec.DeploymentID); err != nil {
		return nil, err
	}

	e := r.newEntry(models.DeploymentKey{ServerID: rec.ServerID, DeploymentID: rec.DeploymentID}, rec.ServerName, rec.CreatedAt)
	e.Journal.Restore(lines)

	stage, status := rec.Stage, rec.Status
	if stage == models.StageRunning || stage.IsTransient() || !stage.IsValid() {
		stage, status = models.StageStopped, "Stopped (host restarted)"
	}
	e.state = State{
		Stage:          stage,
		Status:         status,
		Error:          rec.Error,
		Details:        rec.Details,
		ExternalConfig: rec.ExternalConfig,
		UpdatedAt:      rec.UpdatedAt,
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.servers[rec.ServerID][rec.DeploymentID]; ok {
		return nil, deployerrors.NewConflictError("deployment %s already registered", e.Key)
	}
	r.insert(e)
	return e, nil
}

func (r *Registry) newEntry(key models.DeploymentKey, serverName string, createdAt time.Time) *Entry {
	j := logs.NewJournal(key, r.cfg.MaxLogLines)
	for _, o := range r.cfg.Observers {
		j.Observe(o)
	}
	return &Entry{
		Key:        key,
		ServerName: serverName,
		Dir:        filepath.Join(r.cfg.Root, key.ServerID, key.DeploymentID),
		CreatedAt:  createdAt,
		Journal:    j,
		onChange:   r.cfg.OnChange,
	}
}

// insert must be called with r.mu held.
func (r *Registry) insert(e *Entry) {
	byID, ok := r.servers[e.Key.ServerID]
	if !ok {
		byID = make(map[string]*Entry)
		r.servers[e.Key.ServerID] = byID
	}
	byID[e.Key.DeploymentID] = e
}

// Get returns the entry for the pair.
func (r *Registry) Get(serverID, deploymentID string) (*Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.servers[serverID][deploymentID]
	return e, ok
}

// Exists reports whether the pair is registered.
func (r *Registry) Exists(serverID, deploymentID string) bool {
	_, ok := r.Get(serverID, deploymentID)
	return ok
}

// Delete removes the pair and reports whether it was present.
func (r *Registry) Delete(serverID, deploymentID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	byID, ok := r.servers[serverID]
	if !ok {
		return false
	}
	if _, ok := byID[deploymentID]; !ok {
		return false
	}
	delete(byID, deploymentID)
	if len(byID) == 0 {
		delete(r.servers, serverID)
	}
	return true
}

// List returns the entries of one server, oldest first.
func (r *Registry) List(serverID string) []*Entry {
	r.mu.RLock()
	out := make([]*Entry, 0, len(r.servers[serverID]))
	for _, e := range r.servers[serverID] {
		out = append(out, e)
	}
	r.mu.RUnlock()

	sortEntries(out)
	return out
}

// All returns every entry, oldest first.
func (r *Registry) All() []*Entry {
	r.mu.RLock()
	var out []*Entry
	for _, byID := range r.servers {
		for _, e := range byID {
			out = append(out, e)
		}
	}
	r.mu.RUnlock()

	sortEntries(out)
	return out
}

// Len returns the number of entries.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, byID := range r.servers {
		n += len(byID)
	}
	return n
}

func sortEntries(entries []*Entry) {
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].CreatedAt.Equal(entries[j].CreatedAt) {
			return entries[i].Key.String() < entries[j].Key.String()
		}
		return entries[i].CreatedAt.Before(entries[j].CreatedAt)
	})
}
