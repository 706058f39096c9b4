// Package deploy is the entry point for callers: it accepts archives, runs
// the deployment pipeline and exposes lifecycle, log and file operations.
package deploy

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/narvanalabs/botrunner/internal/analysis"
	"github.com/narvanalabs/botrunner/internal/archive"
	deployerrors "github.com/narvanalabs/botrunner/internal/errors"
	"github.com/narvanalabs/botrunner/internal/installer"
	"github.com/narvanalabs/botrunner/internal/logs"
	"github.com/narvanalabs/botrunner/internal/metrics"
	"github.com/narvanalabs/botrunner/internal/models"
	"github.com/narvanalabs/botrunner/internal/registry"
	"github.com/narvanalabs/botrunner/internal/sandbox"
	"github.com/narvanalabs/botrunner/internal/store"
	"github.com/narvanalabs/botrunner/internal/supervisor"
)

const (
	// DefaultMaxArchiveSize caps uploaded archives.
	DefaultMaxArchiveSize = 100 << 20
	// DefaultSnapshotLogLines is the log tail included in a snapshot.
	DefaultSnapshotLogLines = 200
	// MaxLogPageSize caps a single GetLogPage call.
	MaxLogPageSize = 1000

	maxListedFiles = 1000
)

// Deployment outcomes reported to metrics.
const (
	OutcomeRunning   = "running"
	OutcomeFailed    = "failed"
	OutcomeCancelled = "cancelled"
)

// Installer installs dependencies in an extracted deployment.
type Installer interface {
	Install(ctx context.Context, dir, name string, j installer.Journal) (*installer.Result, error)
}

// Analyzer derives the external configuration of a bot.
type Analyzer interface {
	Analyze(ctx context.Context, manifest, envFile []byte) (*models.ExternalConfig, error)
}

// Config holds service limits.
type Config struct {
	MaxArchiveSize   int64
	MaxExtractedSize int64
	MaxFileSize      int64
	SnapshotLogLines int
	Logger           *slog.Logger
	Metrics          *metrics.Metrics
}

// Deps are the collaborators of a Service.
type Deps struct {
	Registry   *registry.Registry
	Supervisor *supervisor.Supervisor
	Installer  Installer
	Analyzer   Analyzer
	Store      store.Store
	Persister  *Persister
	Batcher    *logs.Batcher
	Broker     *logs.Broker
}

// Service implements the deployment operations.
type Service struct {
	cfg        Config
	registry   *registry.Registry
	supervisor *supervisor.Supervisor
	installer  Installer
	analyzer   Analyzer
	store      store.Store
	persister  *Persister
	batcher    *logs.Batcher
	broker     *logs.Broker
	logger     *slog.Logger
	metrics    *metrics.Metrics

	ctx    context.Context
	cancel context.CancelFunc
	tasks  sync.WaitGroup
}

// New creates a Service.
func New(cfg Config, deps Deps) *Service {
	if cfg.MaxArchiveSize <= 0 {
		cfg.MaxArchiveSize = DefaultMaxArchiveSize
	}
	if cfg.MaxExtractedSize <= 0 {
		cfg.MaxExtractedSize = 5 * cfg.MaxArchiveSize
	}
	if cfg.MaxFileSize <= 0 {
		cfg.MaxFileSize = sandbox.DefaultMaxFileSize
	}
	if cfg.SnapshotLogLines <= 0 {
		cfg.SnapshotLogLines = DefaultSnapshotLogLines
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		cfg:        cfg,
		registry:   deps.Registry,
		supervisor: deps.Supervisor,
		installer:  deps.Installer,
		analyzer:   deps.Analyzer,
		store:      deps.Store,
		persister:  deps.Persister,
		batcher:    deps.Batcher,
		broker:     deps.Broker,
		logger:     cfg.Logger.With("component", "deploy"),
		metrics:    cfg.Metrics,
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Registry returns the registry the service operates on.
func (s *Service) Registry() *registry.Registry {
	return s.registry
}

// Broker returns the live log broker, or nil.
func (s *Service) Broker() *logs.Broker {
	return s.broker
}

// Deploy validates the archive, creates an entry and runs the deployment
// pipeline in the background. It returns the new deployment ID immediately.
func (s *Service) Deploy(ctx context.Context, data []byte, fileName, serverName, serverID string) (string, error) {
	if len(data) == 0 {
		return "", deployerrors.NewValidationError("archive is empty")
	}
	if int64(len(data)) > s.cfg.MaxArchiveSize {
		return "", deployerrors.NewValidationError("archive is %d bytes, limit is %d", len(data), s.cfg.MaxArchiveSize)
	}
	if !strings.EqualFold(filepath.Ext(fileName), ".zip") {
		return "", deployerrors.NewValidationError("unsupported archive %q, expected a .zip file", fileName)
	}

	e, err := s.registry.Create(serverID, serverName)
	if err != nil {
		return "", err
	}

	e.Update(func(st *registry.State) {
		st.Stage = models.StageDeploying
		st.Status = "Queued"
		st.IsDeploying = true
		st.Details.FileName = filepath.Base(fileName)
	})
	e.Journal.Append(models.LogStreamSystem, fmt.Sprintf("=== Deployment %s created for %s ===", e.Key.DeploymentID, filepath.Base(fileName)))

	s.logger.Info("deployment accepted",
		"server_id", serverID,
		"deployment_id", e.Key.DeploymentID,
		"file_name", fileName,
		"size", len(data),
	)

	taskCtx, task := e.StartTask(s.ctx, "deploy")
	s.tasks.Add(1)
	go func() {
		defer s.tasks.Done()
		defer task.Finish()
		s.runPipeline(taskCtx, e, data)
	}()

	return e.Key.DeploymentID, nil
}

// runPipeline holds e's lifecycle lock for its whole run so a concurrent Stop
// waits for the cancellation to take effect.
func (s *Service) runPipeline(ctx context.Context, e *registry.Entry, data []byte) {
	e.Lock()
	defer e.Unlock()

	logger := s.logger.With("server_id", e.Key.ServerID, "deployment_id", e.Key.DeploymentID)
	if ctx.Err() != nil {
		s.metrics.DeploymentFinished(OutcomeCancelled)
		return
	}

	err := s.pipeline(ctx, e, data)
	switch {
	case err == nil:
		s.metrics.DeploymentFinished(OutcomeRunning)
		logger.Info("deployment running")
	case ctx.Err() != nil:
		s.metrics.DeploymentFinished(OutcomeCancelled)
		logger.Info("deployment cancelled")
	default:
		s.metrics.DeploymentFinished(OutcomeFailed)
		logger.Warn("deployment failed", "error", err)
		if e.State().Stage != models.StageError {
			s.fail(e, "Deployment failed", err)
		}
	}
	e.Update(func(st *registry.State) { st.IsDeploying = false })
}

func (s *Service) pipeline(ctx context.Context, e *registry.Entry, data []byte) error {
	st := e.State()

	// Extract
	s.setStatus(e, models.StageDeploying, "Extracting archive")
	e.Journal.Append(models.LogStreamSystem, fmt.Sprintf("=== Extracting %s ===", st.Details.FileName))
	files, err := archive.ExtractZip(ctx, data, e.Dir, s.cfg.MaxExtractedSize)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.fail(e, "Extraction failed", err)
		return err
	}
	e.Journal.Append(models.LogStreamSystem, fmt.Sprintf("Extracted %d files", len(files)))

	// Install
	s.setStatus(e, models.StageDeploying, "Installing dependencies")
	res, err := s.installer.Install(ctx, e.Dir, e.ServerName, e.Journal)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.fail(e, "Dependency installation failed", err)
		return err
	}

	listed := files
	if sb, err := sandbox.New(e.Dir, s.cfg.MaxFileSize); err == nil {
		if walked, err := sb.Walk([]string{"node_modules", ".git"}, maxListedFiles); err == nil {
			listed = walked
		}
	}
	e.Update(func(st *registry.State) {
		st.Details.FileList = listed
		st.Details.Manifest = res.RawManifest
		st.Details.Dependencies = analysis.Dependencies(res.RawManifest)
	})

	// Analyze
	s.analyze(ctx, e, res.RawManifest)
	if err := ctx.Err(); err != nil {
		return err
	}

	// Start
	s.setStatus(e, models.StageStarting, "Starting")
	return s.supervisor.StartLocked(ctx, e)
}

// analyze records the external configuration. Failures are warnings.
func (s *Service) analyze(ctx context.Context, e *registry.Entry, manifest []byte) {
	if s.analyzer == nil {
		return
	}

	env, err := os.ReadFile(filepath.Join(e.Dir, ".env"))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		e.Journal.Append(models.LogStreamSystem, fmt.Sprintf("WARNING: could not read .env: %v", err))
	}

	cfg, err := s.analyzer.Analyze(ctx, manifest, env)
	if err != nil {
		e.Journal.Append(models.LogStreamSystem, fmt.Sprintf("WARNING: configuration analysis failed: %v", err))
		return
	}
	if cfg == nil {
		return
	}

	e.Update(func(st *registry.State) { st.ExternalConfig = cfg })
	switch {
	case cfg.ConnectionString != "":
		e.Journal.Append(models.LogStreamSystem, fmt.Sprintf("Detected %s database, connection string from %s", cfg.DatabaseKind, cfg.EnvKey))
	case cfg.RequiresDatabase:
		e.Journal.Append(models.LogStreamSystem, fmt.Sprintf("WARNING: bot uses %s but no connection string was found", cfg.DatabaseKind))
	}
}

func (s *Service) setStatus(e *registry.Entry, stage models.Stage, status string) {
	e.Update(func(st *registry.State) {
		st.Stage = stage
		st.Status = status
		st.Error = ""
	})
}

func (s *Service) fail(e *registry.Entry, status string, err error) {
	e.Update(func(st *registry.State) {
		st.Stage = models.StageError
		st.Status = status
		st.Error = err.Error()
		st.IsDeploying = false
	})
	e.Journal.Append(models.LogStreamSystem, fmt.Sprintf("ERROR: %v", err))
}

// entry returns the entry for the key or a NotFound error.
func (s *Service) entry(serverID, deploymentID string) (*registry.Entry, error) {
	e, ok := s.registry.Get(serverID, deploymentID)
	if !ok {
		return nil, deployerrors.NewNotFoundError("deployment %s/%s not found", serverID, deploymentID)
	}
	return e, nil
}

// waitTasks blocks until every pipeline goroutine returned or ctx is done.
func (s *Service) waitTasks(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.tasks.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
