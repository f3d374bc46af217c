package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/helix-tools/dhis2-pipelines/config"
	"github.com/helix-tools/dhis2-pipelines/notify"
	"github.com/helix-tools/dhis2-pipelines/pipeline"
	"github.com/helix-tools/dhis2-pipelines/pipelines"
	"github.com/helix-tools/dhis2-pipelines/runlog"
	"github.com/helix-tools/dhis2-pipelines/store"
)

var (
	// Global flags
	configPath string
	verbose    bool

	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "dhis2-pipelines",
	Short: "Run the DHIS2 extraction and import pipelines",
	Long: `dhis2-pipelines runs the malaria surveillance pipelines against DHIS2
instances: analytics extraction, spreadsheet and climate imports, completeness
computation, SNT workflows and bulletin generation.

Runs are recorded in a local ledger. When configured, outputs are published
to S3 and run events to SQS.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if logger != nil {
			return nil
		}

		cfg := zap.NewProductionConfig()
		if verbose {
			cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}

		var err error
		logger, err = cfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Configuration file (default: $"+config.EnvConfig+")")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")

	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(scheduleCmd)
	rootCmd.AddCommand(runsCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig reads the configuration and resolves SSM secrets when a
// connection needs them.
func loadConfig(ctx context.Context) (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	if cfg.NeedsSecrets() {
		if err := cfg.ResolveSecretsFromSSM(ctx); err != nil {
			return nil, fmt.Errorf("failed to resolve secrets: %w", err)
		}
	}

	return cfg, nil
}

// newRunner wires the runner with the run ledger and, when configured, the
// artifact store and the event queue. The returned function closes the
// ledger.
func newRunner(ctx context.Context, cfg *config.Config) (*pipeline.Runner, func(), error) {
	runs, err := runlog.Open(cfg.Path(cfg.RunLog))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open run log: %w", err)
	}

	runner := pipeline.NewRunner(pipelines.Registry(), cfg, logger)
	runner.RunLog = runs
	runner.Notebooks = pipeline.PapermillFactory(cfg.Papermill, logger)

	if cfg.Artifacts.Bucket != "" {
		artifacts, err := store.NewArtifactStore(ctx, cfg.Artifacts, logger)
		if err != nil {
			_ = runs.Close()
			return nil, nil, err
		}

		runner.Artifacts = artifacts
	}

	if cfg.Notify.QueueURL != "" {
		awsCfg, err := cfg.LoadAWS(ctx)
		if err != nil {
			_ = runs.Close()
			return nil, nil, err
		}

		runner.Notifier = notify.NewSQSNotifierFromConfig(awsCfg, cfg.Notify.QueueURL, logger)
	} else {
		runner.Notifier = notify.Nop{}
	}

	cleanup := func() {
		if err := runs.Close(); err != nil {
			logger.Warn("Failed to close run log", zap.Error(err))
		}
	}

	return runner, cleanup, nil
}
