package pipeline

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/helix-tools/dhis2-pipelines/config"
	"github.com/helix-tools/dhis2-pipelines/notify"
	"github.com/helix-tools/dhis2-pipelines/runlog"
	"github.com/helix-tools/dhis2-pipelines/types"
)

// Result summarizes a run.
type Result struct {
	RunID     string
	Pipeline  string
	Count     types.ImportCount
	Artifacts []string
	Failures  []string
	StartedAt time.Time
	EndedAt   time.Time
}

// Runner executes registered pipelines and records their runs.
type Runner struct {
	Registry *Registry
	Config   *config.Config
	Logger   *zap.Logger

	// Optional collaborators. A nil value disables the feature.
	RunLog    *runlog.Store
	Artifacts ArtifactStore
	Notifier  notify.Notifier
	Notebooks NotebookFactory

	NewID func() string
	Now   func() time.Time
}

// NewRunner returns a runner without run ledger, artifacts or notifications.
func NewRunner(registry *Registry, cfg *config.Config, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Runner{
		Registry: registry,
		Config:   cfg,
		Logger:   logger,
		NewID:    uuid.NewString,
		Now:      time.Now,
	}
}

// Run validates the parameters, builds the pipeline and executes it.
// Parameter and configuration errors are returned before the run is
// recorded.
func (r *Runner) Run(ctx context.Context, name string, raw map[string]string) (*Result, error) {
	p, err := r.Registry.Get(name)
	if err != nil {
		return nil, err
	}

	params, err := ParseParams(p.Params(), raw)
	if err != nil {
		return nil, err
	}

	runID := r.newID()
	logger := r.Logger.With(zap.String("pipeline", name), zap.String("run_id", runID))

	env := NewEnv(r.Config, logger)
	env.Pipeline = name
	env.Store = r.Artifacts
	if r.Now != nil {
		env.Now = r.Now
	}
	if r.Notebooks != nil {
		env.Notebooks = r.Notebooks
	}

	graph, err := p.Build(env, params)
	if err != nil {
		return nil, err
	}

	result := &Result{RunID: runID, Pipeline: name, StartedAt: env.Clock()}

	if r.RunLog != nil {
		if _, err := r.RunLog.Start(ctx, runID, name, params.Map()); err != nil {
			return nil, err
		}
	}

	logger.Info("Starting pipeline", zap.Int("tasks", graph.Len()), zap.Any("params", params.Map()))

	runErr := graph.Run(ctx, logger)
	if runErr == nil {
		runErr = r.upload(ctx, name, env.Artifacts())
	}

	result.EndedAt = env.Clock()
	result.Count = env.Count()
	result.Artifacts = env.Artifacts()
	result.Failures = env.Failures()

	// The run is recorded even when ctx was cancelled.
	r.finish(context.WithoutCancel(ctx), logger, result, params, runErr)

	if runErr != nil {
		return result, runErr
	}

	logger.Info("Pipeline finished",
		zap.Int("imported", result.Count.Imported),
		zap.Int("updated", result.Count.Updated),
		zap.Int("ignored", result.Count.Ignored),
		zap.Int("deleted", result.Count.Deleted),
		zap.Strings("failures", result.Failures),
		zap.Duration("duration", result.EndedAt.Sub(result.StartedAt)),
	)

	return result, nil
}

func (r *Runner) newID() string {
	if r.NewID == nil {
		return uuid.NewString()
	}

	return r.NewID()
}

func (r *Runner) upload(ctx context.Context, name string, paths []string) error {
	if r.Artifacts == nil {
		return nil
	}

	for _, path := range paths {
		key := r.Artifacts.Key(name, filepath.Base(path))
		if err := r.Artifacts.Upload(ctx, path, key); err != nil {
			return fmt.Errorf("failed to upload artifact %s: %w", filepath.Base(path), err)
		}
	}

	return nil
}

func (r *Runner) finish(ctx context.Context, logger *zap.Logger, result *Result, params Params, runErr error) {
	status := runlog.StatusSucceeded
	eventType := notify.EventRunFinished
	if runErr != nil {
		status = runlog.StatusFailed
		eventType = notify.EventRunFailed
	}

	if r.RunLog != nil {
		var err error
		if runErr != nil {
			err = r.RunLog.Fail(ctx, result.RunID, result.Count, runErr)
		} else {
			err = r.RunLog.Succeed(ctx, result.RunID, result.Count)
		}

		if err != nil {
			logger.Warn("Failed to record run", zap.Error(err))
		}
	}

	if r.Notifier == nil {
		return
	}

	event := notify.RunEvent{
		EventType: eventType,
		RunID:     result.RunID,
		Pipeline:  result.Pipeline,
		Status:    status,
		StartedAt: result.StartedAt,
		EndedAt:   result.EndedAt,
		Imported:  result.Count.Imported,
		Updated:   result.Count.Updated,
		Ignored:   result.Count.Ignored,
		Deleted:   result.Count.Deleted,
		Artifacts: result.Artifacts,
		Params:    params.Map(),
	}
	if runErr != nil {
		event.Error = runErr.Error()
	}

	if err := r.Notifier.Notify(ctx, event); err != nil {
		logger.Warn("Failed to publish run event", zap.Error(err))
	}
}
