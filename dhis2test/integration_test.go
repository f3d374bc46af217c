package dhis2test

import (
	"context"
	"testing"

	"go.uber.org/zap/zaptest"

	"github.com/helix-tools/dhis2-pipelines/dhis2"
	"github.com/helix-tools/dhis2-pipelines/period"
	"github.com/helix-tools/dhis2-pipelines/push"
	"github.com/helix-tools/dhis2-pipelines/types"
)

// TestMetadata reads the current user and the top of the hierarchy.
func TestMetadata(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	cfg := LoadTestConfig(t)
	cfg.RequireCredentials(t)

	ctx := context.Background()
	client := cfg.Client(t)

	t.Run("Me", func(t *testing.T) {
		me, err := client.Me(ctx)
		if err != nil {
			t.Fatalf("failed to get current user: %v", err)
		}

		if me.Username == "" {
			t.Error("expected a username")
		}

		t.Logf("Connected as %s (write=%t)", me.Username, me.Write)
	})

	t.Run("Organisation_Units", func(t *testing.T) {
		units, err := client.OrganisationUnits(ctx, "level:le:2")
		if err != nil {
			t.Fatalf("failed to get organisation units: %v", err)
		}

		if len(units) == 0 {
			t.Fatal("expected at least one organisation unit")
		}

		for _, u := range units {
			if u.Level > 2 {
				t.Errorf("unit %s has level %d", u.ID, u.Level)
			}
		}
	})

	t.Run("Levels", func(t *testing.T) {
		levels, err := client.OrganisationUnitLevels(ctx)
		if err != nil {
			t.Fatalf("failed to get levels: %v", err)
		}

		t.Logf("Found %d levels", len(levels))
	})
}

// TestPushRoundTrip writes a value, reads it back and deletes it.
func TestPushRoundTrip(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	cfg := LoadTestConfig(t)
	cfg.RequireWriteTarget(t)

	ctx := context.Background()
	testID := GenerateTestID()
	client := cfg.Client(t)
	cleanup := NewCleanupRegistry(t)

	defer cleanup.RunAll(ctx)

	t.Logf("Test run %s", testID)

	value := cfg.NewTestValue()
	pusher := push.NewPusher(client, zaptest.NewLogger(t))

	t.Run("Dry_Run", func(t *testing.T) {
		count, err := pusher.Push(ctx, []types.DataValue{value}, types.ImportOptions{DryRun: true})
		if err != nil {
			t.Fatalf("dry run failed: %v", err)
		}

		if count.Total() != 1 {
			t.Errorf("expected 1 value accounted for, got %+v", count)
		}
	})

	t.Run("Push", func(t *testing.T) {
		count, err := pusher.Push(ctx, []types.DataValue{value}, types.ImportOptions{})
		if err != nil {
			t.Fatalf("push failed: %v", err)
		}

		cleanup.RegisterValuesCleanup(client, []types.DataValue{value})

		if count.Imported+count.Updated != 1 {
			t.Errorf("expected 1 imported or updated value, got %+v", count)
		}
	})

	t.Run("Read_Back", func(t *testing.T) {
		if cleanup.Count() == 0 {
			t.Skip("no value pushed")
		}

		p, err := period.Parse(value.Period)
		if err != nil {
			t.Fatalf("invalid DHIS2_TEST_PERIOD: %v", err)
		}

		values, err := client.DataValueSets(ctx, dhis2.DataValueSetsQuery{
			DataElements: []string{value.DataElement},
			OrgUnits:     []string{value.OrgUnit},
			StartDate:    p.Start(),
			EndDate:      p.Next().Start().AddDate(0, 0, -1),
		})
		if err != nil {
			t.Fatalf("failed to read values: %v", err)
		}

		for _, v := range values {
			if v.Period == value.Period && v.ValueString() == value.ValueString() {
				return
			}
		}

		t.Errorf("value %s for %s not found among %d values", value.ValueString(), value.Period, len(values))
	})
}
