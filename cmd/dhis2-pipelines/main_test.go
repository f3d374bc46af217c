package main

import (
	"bytes"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/helix-tools/dhis2-pipelines/pipeline"
	"github.com/helix-tools/dhis2-pipelines/pipelines"
	"github.com/helix-tools/dhis2-pipelines/runlog"
	"github.com/helix-tools/dhis2-pipelines/types"
)

func TestPrintPipelines(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, printPipelines(&out, pipelines.Registry()))

	text := out.String()
	require.Contains(t, text, "push-climate-data")
	require.Contains(t, text, "snt-dhis2-extract")
	require.Contains(t, text, "import_strategy")
	require.Contains(t, text, "CREATE|UPDATE|CREATE_AND_UPDATE")
}

func TestPrintResult(t *testing.T) {
	start := time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC)

	var out bytes.Buffer
	printResult(&out, &pipeline.Result{
		RunID:     "run-1",
		Pipeline:  "push-tloh",
		Count:     types.ImportCount{Imported: 7, Ignored: 1},
		Artifacts: []string{"/w/payload.json"},
		Failures:  []string{"paludisme_S13_2024.xlsx"},
		StartedAt: start,
		EndedAt:   start.Add(1500 * time.Millisecond),
	})

	require.Equal(t, strings.Join([]string{
		"run run-1 of push-tloh in 1.5s",
		"imported 7, updated 0, ignored 1, deleted 0",
		"artifact /w/payload.json",
		"failed paludisme_S13_2024.xlsx",
		"",
	}, "\n"), out.String())
}

func TestPrintRuns(t *testing.T) {
	start := time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC)
	end := start.Add(90 * time.Second)

	var out bytes.Buffer
	require.NoError(t, printRuns(&out, []runlog.Run{
		{ID: "a", Pipeline: "push-tloh", Status: runlog.StatusSucceeded, StartedAt: start, EndedAt: &end, Count: types.ImportCount{Imported: 3}},
		{ID: "b", Pipeline: "push-tloh", Status: runlog.StatusRunning, StartedAt: start},
	}))

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 3)
	require.True(t, strings.HasPrefix(lines[0], "ID"))
	require.Contains(t, lines[1], "2024-03-15T12:00:00Z")
	require.Contains(t, lines[1], "1m30s")
	require.Contains(t, lines[2], "running")
}

func TestNewScheduler(t *testing.T) {
	var calls atomic.Int32

	s, err := newScheduler(50*time.Millisecond, "", func() { calls.Add(1) })
	require.NoError(t, err)

	s.StartAsync()
	require.Eventually(t, func() bool { return calls.Load() >= 2 }, 2*time.Second, 10*time.Millisecond)
	s.Stop()

	_, err = newScheduler(0, "not a cron", func() {})
	require.Error(t, err)
}

func TestScheduleRequiresOneTrigger(t *testing.T) {
	logger = zap.NewNop()
	t.Cleanup(func() { logger = nil })

	rootCmd.SetArgs([]string{"schedule", "push-tloh"})
	t.Cleanup(func() { rootCmd.SetArgs(nil) })

	err := rootCmd.Execute()
	require.ErrorContains(t, err, "exactly one of --every and --cron")
}
