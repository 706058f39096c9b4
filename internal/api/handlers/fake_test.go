package handlers

import (
	"context"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	deployerrors "github.com/narvanalabs/botrunner/internal/errors"
	"github.com/narvanalabs/botrunner/internal/models"
	"github.com/narvanalabs/botrunner/internal/sandbox"
)

// fakeService is an in-memory stand-in for the deploy service.
type fakeService struct {
	mu       sync.Mutex
	snaps    map[string]*models.DeploymentSnapshot
	lines    map[string][]models.LogLine
	files    map[string][]byte
	inputs   []string
	actions  []string
	uploads  []upload
	deployID string
	err      error
}

type upload struct {
	data       []byte
	fileName   string
	serverName string
	serverID   string
}

func newFakeService() *fakeService {
	return &fakeService{
		snaps:    make(map[string]*models.DeploymentSnapshot),
		lines:    make(map[string][]models.LogLine),
		files:    make(map[string][]byte),
		deployID: "dep-1",
	}
}

func (f *fakeService) add(serverID, deploymentID string, stage models.Stage) {
	f.snaps[serverID+"/"+deploymentID] = &models.DeploymentSnapshot{
		ServerID:     serverID,
		DeploymentID: deploymentID,
		Stage:        stage,
		Logs:         []models.LogLine{},
	}
}

func (f *fakeService) get(serverID, deploymentID string) (*models.DeploymentSnapshot, error) {
	if f.err != nil {
		return nil, f.err
	}
	snap, ok := f.snaps[serverID+"/"+deploymentID]
	if !ok {
		return nil, deployerrors.NewNotFoundError("deployment %s/%s not found", serverID, deploymentID)
	}
	return snap, nil
}

func (f *fakeService) Deploy(ctx context.Context, data []byte, fileName, serverName, serverID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.uploads = append(f.uploads, upload{data: data, fileName: fileName, serverName: serverName, serverID: serverID})
	return f.deployID, nil
}

func (f *fakeService) GetState(ctx context.Context, serverID, deploymentID string) (*models.DeploymentSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.get(serverID, deploymentID)
}

func (f *fakeService) List(ctx context.Context, serverID string) ([]*models.DeploymentSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.DeploymentSnapshot
	for _, s := range f.snaps {
		if s.ServerID == serverID {
			out = append(out, s)
		}
	}
	return out, nil
}

func (f *fakeService) action(name, serverID, deploymentID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, err := f.get(serverID, deploymentID); err != nil {
		return err
	}
	f.actions = append(f.actions, name)
	return nil
}

func (f *fakeService) Stop(ctx context.Context, serverID, deploymentID string) error {
	return f.action("stop", serverID, deploymentID)
}

func (f *fakeService) CompleteStop(ctx context.Context, serverID, deploymentID string) error {
	return f.action("complete-stop", serverID, deploymentID)
}

func (f *fakeService) Reset(ctx context.Context, serverID, deploymentID string) error {
	return f.action("reset", serverID, deploymentID)
}

func (f *fakeService) Restart(ctx context.Context, serverID, deploymentID string) error {
	return f.action("restart", serverID, deploymentID)
}

func (f *fakeService) WriteInput(ctx context.Context, serverID, deploymentID, data string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	snap, err := f.get(serverID, deploymentID)
	if err != nil {
		return err
	}
	if snap.Stage != models.StageRunning {
		return deployerrors.NewConflictError("deployment is not running")
	}
	f.inputs = append(f.inputs, data)
	return nil
}

func (f *fakeService) GetLogPage(ctx context.Context, serverID, deploymentID string, beforeID int64, limit int) ([]models.LogLine, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, err := f.get(serverID, deploymentID); err != nil {
		return nil, err
	}
	var out []models.LogLine
	for _, l := range f.lines[serverID+"/"+deploymentID] {
		if beforeID <= 0 || l.ID < beforeID {
			out = append(out, l)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (f *fakeService) ClearLogs(ctx context.Context, serverID, deploymentID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, err := f.get(serverID, deploymentID); err != nil {
		return err
	}
	delete(f.lines, serverID+"/"+deploymentID)
	return nil
}

func (f *fakeService) ListFiles(ctx context.Context, serverID, deploymentID, rel string) ([]sandbox.FileInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, err := f.get(serverID, deploymentID); err != nil {
		return nil, err
	}
	var out []sandbox.FileInfo
	for name, content := range f.files {
		out = append(out, sandbox.FileInfo{Name: name, Path: name, Size: int64(len(content))})
	}
	return out, nil
}

func (f *fakeService) ReadFile(ctx context.Context, serverID, deploymentID, rel string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, err := f.get(serverID, deploymentID); err != nil {
		return nil, err
	}
	if rel == "../secret" {
		return nil, deployerrors.NewPathTraversalError(rel)
	}
	content, ok := f.files[rel]
	if !ok {
		return nil, deployerrors.NewNotFoundError("file not found: %s", rel)
	}
	return content, nil
}

func (f *fakeService) WriteFile(ctx context.Context, serverID, deploymentID, rel string, content []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, err := f.get(serverID, deploymentID); err != nil {
		return err
	}
	f.files[rel] = content
	return nil
}

func (f *fakeService) CreateFile(ctx context.Context, serverID, deploymentID, rel string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.files[rel]; ok {
		return deployerrors.NewConflictError("file already exists: %s", rel)
	}
	f.files[rel] = nil
	return nil
}

func (f *fakeService) DeleteFile(ctx context.Context, serverID, deploymentID, rel string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.files[rel]; !ok {
		return deployerrors.NewNotFoundError("file not found: %s", rel)
	}
	delete(f.files, rel)
	return nil
}

// withParams attaches chi URL parameters to r.
func withParams(r *http.Request, params map[string]string) *http.Request {
	rctx := chi.NewRouteContext()
	for k, v := range params {
		rctx.URLParams.Add(k, v)
	}
	return r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))
}
