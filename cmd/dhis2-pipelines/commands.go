package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/go-co-op/gocron"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/helix-tools/dhis2-pipelines/pipeline"
	"github.com/helix-tools/dhis2-pipelines/pipelines"
	"github.com/helix-tools/dhis2-pipelines/runlog"
)

var (
	runParams []string

	scheduleEvery time.Duration
	scheduleCron  string

	runsLimit int
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List the available pipelines and their parameters",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return printPipelines(cmd.OutOrStdout(), pipelines.Registry())
	},
}

var runCmd = &cobra.Command{
	Use:   "run [pipeline]",
	Short: "Run a pipeline once",
	Long: `Runs one pipeline and records it in the run ledger.

Example:
  dhis2-pipelines run push-climate-data -p import_strategy=CREATE -p limit_year=2024`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		raw, err := pipeline.ParseAssignments(runParams)
		if err != nil {
			return err
		}

		cfg, err := loadConfig(ctx)
		if err != nil {
			return err
		}

		runner, cleanup, err := newRunner(ctx, cfg)
		if err != nil {
			return err
		}
		defer cleanup()

		result, err := runner.Run(ctx, args[0], raw)
		if result != nil {
			printResult(cmd.OutOrStdout(), result)
		}

		return err
	},
}

var scheduleCmd = &cobra.Command{
	Use:   "schedule [pipeline]",
	Short: "Run a pipeline periodically until interrupted",
	Long: `Runs one pipeline on a fixed interval or a cron expression (UTC).
A run is skipped while the previous one is still going.

Example:
  dhis2-pipelines schedule endos-redop-completeness --cron "0 6 * * 1"`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if (scheduleEvery > 0) == (scheduleCron != "") {
			return errors.New("exactly one of --every and --cron is required")
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		raw, err := pipeline.ParseAssignments(runParams)
		if err != nil {
			return err
		}

		cfg, err := loadConfig(ctx)
		if err != nil {
			return err
		}

		runner, cleanup, err := newRunner(ctx, cfg)
		if err != nil {
			return err
		}
		defer cleanup()

		name := args[0]
		if _, err := runner.Registry.Get(name); err != nil {
			return err
		}

		scheduler, err := newScheduler(scheduleEvery, scheduleCron, func() {
			if _, err := runner.Run(ctx, name, raw); err != nil {
				logger.Error("Scheduled run failed", zap.String("pipeline", name), zap.Error(err))
			}
		})
		if err != nil {
			return err
		}

		logger.Info("Scheduler started", zap.String("pipeline", name), zap.Duration("every", scheduleEvery), zap.String("cron", scheduleCron))
		scheduler.StartAsync()

		<-ctx.Done()

		logger.Info("Stopping scheduler")
		scheduler.Stop()

		return nil
	},
}

var runsCmd = &cobra.Command{
	Use:   "runs [pipeline]",
	Short: "Show the latest recorded runs",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd.Context())
		if err != nil {
			return err
		}

		store, err := runlog.Open(cfg.Path(cfg.RunLog))
		if err != nil {
			return fmt.Errorf("failed to open run log: %w", err)
		}
		defer store.Close()

		var name string
		if len(args) == 1 {
			name = args[0]
		}

		runs, err := store.List(cmd.Context(), name, runsLimit)
		if err != nil {
			return err
		}

		return printRuns(cmd.OutOrStdout(), runs)
	},
}

func init() {
	runCmd.Flags().StringArrayVarP(&runParams, "param", "p", nil, "Pipeline parameter as key=value (repeatable)")

	scheduleCmd.Flags().StringArrayVarP(&runParams, "param", "p", nil, "Pipeline parameter as key=value (repeatable)")
	scheduleCmd.Flags().DurationVar(&scheduleEvery, "every", 0, "Interval between runs")
	scheduleCmd.Flags().StringVar(&scheduleCron, "cron", "", "Cron expression (UTC)")

	runsCmd.Flags().IntVarP(&runsLimit, "limit", "n", 20, "Maximum number of runs to show")
}

// newScheduler returns a UTC scheduler calling job on the interval or the
// cron expression. Overlapping runs are skipped.
func newScheduler(every time.Duration, cron string, job func()) (*gocron.Scheduler, error) {
	scheduler := gocron.NewScheduler(time.UTC)
	scheduler.SingletonModeAll()

	var err error
	if cron != "" {
		_, err = scheduler.Cron(cron).Do(job)
	} else {
		_, err = scheduler.Every(every).Do(job)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to schedule pipeline: %w", err)
	}

	return scheduler, nil
}

func printPipelines(out io.Writer, registry *pipeline.Registry) error {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)

	for _, p := range registry.List() {
		fmt.Fprintf(w, "%s\t%s\n", p.Name(), p.Description())

		for _, def := range p.Params() {
			var extra []string
			if def.Required {
				extra = append(extra, "required")
			}
			if def.Default != "" {
				extra = append(extra, "default "+def.Default)
			}
			if len(def.Choices) > 0 {
				extra = append(extra, strings.Join(def.Choices, "|"))
			}

			desc := def.Description
			if len(extra) > 0 {
				desc += " (" + strings.Join(extra, ", ") + ")"
			}

			fmt.Fprintf(w, "  %s %s\t%s\n", def.Name, def.Type, desc)
		}
	}

	return w.Flush()
}

func printResult(out io.Writer, r *pipeline.Result) {
	fmt.Fprintf(out, "run %s of %s in %s\n", r.RunID, r.Pipeline, r.EndedAt.Sub(r.StartedAt).Round(time.Millisecond))
	fmt.Fprintf(out, "imported %d, updated %d, ignored %d, deleted %d\n",
		r.Count.Imported, r.Count.Updated, r.Count.Ignored, r.Count.Deleted)

	for _, a := range r.Artifacts {
		fmt.Fprintf(out, "artifact %s\n", a)
	}
	for _, f := range r.Failures {
		fmt.Fprintf(out, "failed %s\n", f)
	}
}

func printRuns(out io.Writer, runs []runlog.Run) error {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tPIPELINE\tSTATUS\tSTARTED\tDURATION\tIMPORTED\tERROR")

	for _, r := range runs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%s\n",
			r.ID, r.Pipeline, r.Status,
			r.StartedAt.UTC().Format(time.RFC3339),
			r.Duration().Round(time.Second),
			r.Count.Imported, r.Error)
	}

	return w.Flush()
}

