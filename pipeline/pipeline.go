// Package pipeline defines how DHIS2 pipelines are declared, registered and
// run.
//
// A pipeline validates its parameters and builds a Graph of tasks before
// anything touches the network. The Runner then executes the tasks one at a
// time and records the run.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/helix-tools/dhis2-pipelines/config"
	"github.com/helix-tools/dhis2-pipelines/dhis2"
	"github.com/helix-tools/dhis2-pipelines/notebook"
	"github.com/helix-tools/dhis2-pipelines/store"
	"github.com/helix-tools/dhis2-pipelines/types"
)

// Pipeline is a named ETL job.
type Pipeline interface {
	Name() string
	Description() string
	Params() []Param

	// Build validates the parameters and configuration and returns the tasks
	// of one run. It must not perform network calls.
	Build(env *Env, params Params) (*Graph, error)
}

// ArtifactStore keeps copies of the files produced by runs.
type ArtifactStore interface {
	Key(pipeline, name string) string
	Upload(ctx context.Context, localPath, key string) error
	Download(ctx context.Context, key, localPath string) error
}

// NotebookFactory returns an executor for the notebooks of dir that writes
// executed notebooks to outputDir.
type NotebookFactory func(dir, outputDir string) notebook.Executor

// PapermillFactory returns a NotebookFactory backed by papermill.
func PapermillFactory(cfg config.PapermillConfig, logger *zap.Logger) NotebookFactory {
	return func(dir, outputDir string) notebook.Executor {
		return &notebook.Papermill{
			Binary:    cfg.Binary,
			Dir:       dir,
			OutputDir: outputDir,
			Kernel:    cfg.Kernel,
			Logger:    logger,
		}
	}
}

// Env is what a pipeline run can use. It also collects the import counts
// and output files of the run.
type Env struct {
	Config    *config.Config
	Logger    *zap.Logger
	Now       func() time.Time
	Notebooks NotebookFactory

	// Store, when set, receives the artifacts of successful runs and
	// restores missing state files.
	Store    ArtifactStore
	Pipeline string

	mu        sync.Mutex
	count     types.ImportCount
	artifacts []string
	failures  []string
}

// NewEnv returns an environment with default clock and notebook runner.
func NewEnv(cfg *config.Config, logger *zap.Logger) *Env {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Env{
		Config:    cfg,
		Logger:    logger,
		Now:       time.Now,
		Notebooks: PapermillFactory(cfg.Papermill, logger),
	}
}

// Client returns a DHIS2 client for the named connection.
func (e *Env) Client(name string) (*dhis2.Client, error) {
	return e.Config.Client(name)
}

// Path resolves p against the workspace.
func (e *Env) Path(p string) string {
	return e.Config.Path(p)
}

// Notebook returns an executor for the notebooks of dir.
func (e *Env) Notebook(dir, outputDir string) notebook.Executor {
	return e.Notebooks(e.Path(dir), e.Path(outputDir))
}

// Restore downloads the last uploaded version of path when the file is
// missing locally. It is a no-op without an artifact store or when nothing
// was uploaded yet.
func (e *Env) Restore(ctx context.Context, path string) error {
	if e.Store == nil || store.Exists(path) {
		return nil
	}

	key := e.Store.Key(e.Pipeline, filepath.Base(path))

	err := e.Store.Download(ctx, key, path)
	if errors.Is(err, store.ErrArtifactNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to restore %s: %w", filepath.Base(path), err)
	}

	e.Logger.Info("Restored state file from artifact store", zap.String("path", path), zap.String("key", key))

	return nil
}

// Record adds the counts of an import to the run totals.
func (e *Env) Record(count types.ImportCount) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.count = e.count.Add(count)
}

// Artifact registers a file produced by the run.
func (e *Env) Artifact(path string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.artifacts = append(e.artifacts, path)
}

// Failure registers an input that could not be processed while the run went
// on with the others.
func (e *Env) Failure(name string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.failures = append(e.failures, name)
}

// Count returns the import totals recorded so far.
func (e *Env) Count() types.ImportCount {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.count
}

// Artifacts returns the files registered so far.
func (e *Env) Artifacts() []string {
	e.mu.Lock()
	defer e.mu.Unlock()

	return append([]string(nil), e.artifacts...)
}

// Failures returns the inputs registered as failed.
func (e *Env) Failures() []string {
	e.mu.Lock()
	defer e.mu.Unlock()

	return append([]string(nil), e.failures...)
}

// Clock returns the current time of the environment.
func (e *Env) Clock() time.Time {
	if e.Now == nil {
		return time.Now()
	}

	return e.Now()
}

// Registry holds pipelines by name.
type Registry struct {
	pipelines map[string]Pipeline
}

// NewRegistry returns a registry holding pipelines.
func NewRegistry(pipelines ...Pipeline) *Registry {
	r := &Registry{pipelines: make(map[string]Pipeline, len(pipelines))}
	for _, p := range pipelines {
		r.Register(p)
	}

	return r
}

// Register adds p. It panics on a duplicate name.
func (r *Registry) Register(p Pipeline) {
	if _, dup := r.pipelines[p.Name()]; dup {
		panic(fmt.Sprintf("pipeline %s registered twice", p.Name()))
	}

	r.pipelines[p.Name()] = p
}

// Get returns the named pipeline.
func (r *Registry) Get(name string) (Pipeline, error) {
	p, ok := r.pipelines[name]
	if !ok {
		return nil, fmt.Errorf("unknown pipeline %q", name)
	}

	return p, nil
}

// List returns the pipelines sorted by name.
func (r *Registry) List() []Pipeline {
	out := make([]Pipeline, 0, len(r.pipelines))
	for _, p := range r.pipelines {
		out = append(out, p)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })

	return out
}
