package runlog

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/helix-tools/dhis2-pipelines/types"
)

func openTestStore(t *testing.T) (*Store, *time.Time) {
	t.Helper()

	s, err := Open(filepath.Join(t.TempDir(), "state", "runs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	now := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	return s, &now
}

func TestRunLifecycle(t *testing.T) {
	s, now := openTestStore(t)
	ctx := context.Background()

	run, err := s.Start(ctx, "run-1", "push-climate-data", map[string]string{"dry_run_only": "true"})
	require.NoError(t, err)
	require.Equal(t, StatusRunning, run.Status)

	*now = now.Add(90 * time.Second)
	require.NoError(t, s.Succeed(ctx, "run-1", types.ImportCount{Imported: 3, Updated: 2}))

	got, err := s.Get(ctx, "run-1")
	require.NoError(t, err)
	require.Equal(t, StatusSucceeded, got.Status)
	require.Equal(t, 90*time.Second, got.Duration())
	require.Equal(t, types.ImportCount{Imported: 3, Updated: 2}, got.Count)
	require.Equal(t, map[string]string{"dry_run_only": "true"}, got.Params)
	require.Empty(t, got.Error)
}

func TestFailRecordsError(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	_, err := s.Start(ctx, "run-1", "push-tloh", nil)
	require.NoError(t, err)
	require.NoError(t, s.Fail(ctx, "run-1", types.ImportCount{}, errors.New("import of batch 2 failed")))

	got, err := s.Get(ctx, "run-1")
	require.NoError(t, err)
	require.Equal(t, StatusFailed, got.Status)
	require.Equal(t, "import of batch 2 failed", got.Error)
	require.Nil(t, got.Params)
}

func TestFinishUnknownRun(t *testing.T) {
	s, _ := openTestStore(t)

	err := s.Succeed(context.Background(), "missing", types.ImportCount{})
	require.ErrorIs(t, err, ErrNotFound)

	_, err = s.Get(context.Background(), "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestLastSuccessfulAndList(t *testing.T) {
	s, now := openTestStore(t)
	ctx := context.Background()

	for i, id := range []string{"a", "b", "c"} {
		*now = now.Add(time.Duration(i+1) * time.Hour)
		_, err := s.Start(ctx, id, "bulletin-extract", nil)
		require.NoError(t, err)
	}
	_, err := s.Start(ctx, "other", "snt-imputation", nil)
	require.NoError(t, err)

	require.NoError(t, s.Succeed(ctx, "a", types.ImportCount{}))
	require.NoError(t, s.Succeed(ctx, "b", types.ImportCount{}))
	require.NoError(t, s.Fail(ctx, "c", types.ImportCount{}, errors.New("boom")))

	last, err := s.LastSuccessful(ctx, "bulletin-extract")
	require.NoError(t, err)
	require.Equal(t, "b", last.ID)

	_, err = s.LastSuccessful(ctx, "snt-imputation")
	require.ErrorIs(t, err, ErrNotFound)

	runs, err := s.List(ctx, "bulletin-extract", 0)
	require.NoError(t, err)
	require.Equal(t, []string{"c", "b", "a"}, []string{runs[0].ID, runs[1].ID, runs[2].ID})

	all, err := s.List(ctx, "", 2)
	require.NoError(t, err)
	require.Len(t, all, 2)
}
