// Package installer prepares an extracted archive for launch by running a
// fixed pipeline of package-manager commands against it.
package installer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/narvanalabs/botrunner/internal/entrypoint"
	deployerrors "github.com/narvanalabs/botrunner/internal/errors"
	"github.com/narvanalabs/botrunner/internal/manifest"
	"github.com/narvanalabs/botrunner/internal/metrics"
	"github.com/narvanalabs/botrunner/internal/models"
	"github.com/narvanalabs/botrunner/internal/proc"
)

// DefaultStepTimeout bounds a single step.
const DefaultStepTimeout = 10 * time.Minute

// defaultEntry is used for synthesized manifests when no entry file exists.
const defaultEntry = "index.js"

// Journal receives step output. *logs.Journal implements it.
type Journal interface {
	Append(stream models.LogStream, message string) (models.LogLine, bool)
}

// Result describes what the installer found and ran.
type Result struct {
	Manifest       *manifest.PackageJSON
	RawManifest    []byte
	Synthesized    bool
	PackageManager manifest.PackageManager
	// Steps lists the names of the steps that succeeded.
	Steps []string
}

// Config configures an Installer.
type Config struct {
	StepTimeout time.Duration
	// Env is the environment for every step. Nil uses os.Environ.
	Env     []string
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Installer runs the install pipeline.
type Installer struct {
	runner      proc.Runner
	stepTimeout time.Duration
	env         []string
	logger      *slog.Logger
	metrics     *metrics.Metrics
}

// New creates an Installer that spawns commands through runner.
func New(runner proc.Runner, cfg Config) *Installer {
	if cfg.StepTimeout <= 0 {
		cfg.StepTimeout = DefaultStepTimeout
	}
	if cfg.Env == nil {
		cfg.Env = proc.MergeEnv(os.Environ(), map[string]string{
			"CI":                         "true",
			"NPM_CONFIG_FUND":            "false",
			"NPM_CONFIG_UPDATE_NOTIFIER": "false",
		})
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Installer{
		runner:      runner,
		stepTimeout: cfg.StepTimeout,
		env:         cfg.Env,
		logger:      cfg.Logger,
		metrics:     cfg.Metrics,
	}
}

// Install ensures dir has a manifest and runs the pipeline. name is used when
// a manifest has to be synthesized. A failed required step returns a
// DependencyInstallError; cancelling ctx kills the running step and returns
// ctx.Err().
func (i *Installer) Install(ctx context.Context, dir, name string, j Journal) (*Result, error) {
	res, err := i.prepareManifest(dir, name, j)
	if err != nil {
		return nil, err
	}

	res.PackageManager = manifest.DetectPackageManager(dir, res.Manifest)
	steps := Pipeline(res.PackageManager, res.Manifest)

	j.Append(models.LogStreamSystem, fmt.Sprintf("=== Installing dependencies with %s ===", res.PackageManager))
	i.logger.Info("running install pipeline", "dir", dir, "package_manager", res.PackageManager, "steps", len(steps))

	for _, step := range steps {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		ran, err := i.runGroup(ctx, dir, step, j)
		if err == nil {
			res.Steps = append(res.Steps, ran)
			continue
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			j.Append(models.LogStreamSystem, fmt.Sprintf("Step %s cancelled", step.Name))
			return nil, ctxErr
		}
		if step.Optional {
			j.Append(models.LogStreamSystem, fmt.Sprintf("WARNING: optional step %s failed, continuing: %v", step.Name, err))
			i.logger.Warn("optional install step failed", "step", step.Name, "error", err)
			continue
		}

		j.Append(models.LogStreamSystem, fmt.Sprintf("ERROR: required step %s failed: %v", step.Name, err))
		i.logger.Error("required install step failed", "step", step.Name, "error", err)
		return nil, deployerrors.NewDependencyInstallError(step.Name, err)
	}

	j.Append(models.LogStreamSystem, "Dependencies installed")
	return res, nil
}

// prepareManifest loads package.json, synthesizing one when it is missing.
func (i *Installer) prepareManifest(dir, name string, j Journal) (*Result, error) {
	if manifest.Exists(dir) {
		pkg, raw, err := manifest.Load(dir)
		if err != nil {
			j.Append(models.LogStreamSystem, fmt.Sprintf("ERROR: %v", err))
			return nil, deployerrors.NewDependencyInstallError("manifest", err)
		}
		return &Result{Manifest: pkg, RawManifest: raw}, nil
	}

	entry, ok := entrypoint.DetectEntryFile(dir)
	if !ok {
		entry = defaultEntry
	}
	pkg := manifest.Synthesize(name, entry)
	raw, err := manifest.Save(dir, pkg)
	if err != nil {
		return nil, deployerrors.NewDependencyInstallError("manifest", err)
	}

	j.Append(models.LogStreamSystem, fmt.Sprintf("No package.json found, generated one with start script %q", pkg.Scripts["start"]))
	i.logger.Info("synthesized manifest", "dir", dir, "entry", entry)
	return &Result{Manifest: pkg, RawManifest: raw, Synthesized: true}, nil
}

// runGroup runs step and, if it fails, its fallbacks in order. It returns the
// name of the member that succeeded, or the primary step's error when every
// member failed.
func (i *Installer) runGroup(ctx context.Context, dir string, step Step, j Journal) (string, error) {
	firstErr := i.runStep(ctx, dir, step, j)
	if firstErr == nil {
		return step.Name, nil
	}
	if ctx.Err() != nil || len(step.Fallbacks) == 0 {
		return "", firstErr
	}

	j.Append(models.LogStreamSystem, fmt.Sprintf("Step %s failed: %v", step.Name, firstErr))

	for _, fb := range step.Fallbacks {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		j.Append(models.LogStreamSystem, fmt.Sprintf("Retrying with fallback %s", fb.Name))
		err := i.runStep(ctx, dir, fb, j)
		if err == nil {
			return fb.Name, nil
		}
		j.Append(models.LogStreamSystem, fmt.Sprintf("Fallback %s failed: %v", fb.Name, err))
	}

	return "", firstErr
}

// runStep runs one command with the step timeout and streams its output.
func (i *Installer) runStep(ctx context.Context, dir string, step Step, j Journal) error {
	j.Append(models.LogStreamSystem, fmt.Sprintf("$ %s", step))

	stepCtx, cancel := context.WithTimeout(ctx, i.stepTimeout)
	defer cancel()

	var tail tailBuffer
	start := time.Now()
	err := proc.Run(stepCtx, i.runner, proc.Spec{
		Command: step.Command,
		Args:    step.Args,
		Dir:     dir,
		Env:     i.env,
	}, func(line string, stderr bool) {
		stream := models.LogStreamStdout
		if stderr {
			stream = models.LogStreamStderr
			tail.add(line)
		}
		j.Append(stream, line)
	})
	elapsed := time.Since(start)
	i.metrics.InstallStep(step.Name, err == nil, elapsed)

	if err == nil {
		j.Append(models.LogStreamSystem, fmt.Sprintf("Step %s succeeded in %s", step.Name, elapsed.Round(time.Millisecond)))
		return nil
	}

	if ctx.Err() != nil {
		return ctx.Err()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		err = fmt.Errorf("timed out after %s", i.stepTimeout)
	}
	if msg := tail.last(); msg != "" {
		err = fmt.Errorf("%w: %s", err, msg)
	}
	return err
}

// tailBuffer keeps the most recent non-blank stderr line.
type tailBuffer struct {
	line string
}

func (t *tailBuffer) add(line string) {
	if line != "" {
		t.line = line
	}
}

func (t *tailBuffer) last() string {
	return t.line
}
