package pipelines

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/helix-tools/dhis2-pipelines/store"
)

func TestMicrostratificationExtract(t *testing.T) {
	endos := newFakeDHIS2(t)
	endos.reply("dataElements", map[string]any{"dataElements": []map[string]string{
		{"id": "DE1", "name": "Cas confirmés"},
		{"id": "DE2", "name": "Cas testés"},
	}})
	endos.reply("organisationUnits", orgUnitsBody(
		unit("OU1", "Burkina Faso", 1, "/OU1"),
		unit("OU2", "Centre", 2, "/OU1/OU2"),
	))
	endos.reply("dataValueSets", map[string]any{"dataValues": []map[string]any{
		{"dataElement": "DE1", "period": "202402", "orgUnit": "OU2", "value": "12", "lastUpdated": "2024-03-01T10:00:00.000"},
		{"dataElement": "DE2", "period": "202402", "orgUnit": "OU2", "value": 7, "lastUpdated": "2024-03-02T10:00:00.000"},
	}})

	env, _ := newTestEnv(t, map[string]*fakeDHIS2{"endos": endos})

	cfg := &env.Config.Pipelines.Microstratification
	cfg.DataElements = []string{"DE1", "DE2", "GONE"}
	cfg.OrgUnits = []string{"OU1"}
	cfg.StartDate = "2024-01-15"

	g, err := build(t, &Microstratification{}, env, nil)
	require.NoError(t, err)
	require.Equal(t, []string{"metadata", "extract", "write"}, taskNames(t, g))

	require.NoError(t, g.Run(context.Background(), env.Logger))

	// No previous extract: one request per month chunk.
	requests := endos.requests("dataValueSets")
	require.Len(t, requests, 3)
	for _, q := range requests {
		require.Equal(t, []string{"DE1", "DE2"}, q["dataElement"])
		require.Equal(t, "true", q.Get("children"))
		require.Empty(t, q.Get("lastUpdated"))
	}

	rows, err := store.ReadEnriched(env.Path(cfg.Output))
	require.NoError(t, err)
	require.Len(t, rows, 2)

	for _, r := range rows {
		require.NotNil(t, r.OrgUnitName)
		require.Equal(t, "Centre", *r.OrgUnitName)
		require.NotNil(t, r.DataElementName)
		require.NotNil(t, r.Value)
	}

	require.Equal(t, []string{env.Path(cfg.Output)}, env.Artifacts())
}

func TestMicrostratificationNoDataElement(t *testing.T) {
	endos := newFakeDHIS2(t)
	endos.reply("dataElements", map[string]any{"dataElements": []map[string]string{{"id": "OTHER", "name": "Other"}}})
	endos.reply("organisationUnits", orgUnitsBody(unit("OU1", "Burkina Faso", 1, "/OU1")))

	env, _ := newTestEnv(t, map[string]*fakeDHIS2{"endos": endos})
	env.Config.Pipelines.Microstratification.DataElements = []string{"DE1"}

	g, err := build(t, &Microstratification{}, env, nil)
	require.NoError(t, err)

	err = g.Run(context.Background(), env.Logger)
	require.ErrorContains(t, err, "none of the 1 configured data elements")
	require.Empty(t, endos.requests("dataValueSets"))
}

func TestMicrostratificationConfigErrors(t *testing.T) {
	env, _ := newTestEnv(t, nil)

	_, err := build(t, &Microstratification{}, env, nil)
	require.ErrorContains(t, err, "url")

	endos := newFakeDHIS2(t)
	env, _ = newTestEnv(t, map[string]*fakeDHIS2{"endos": endos})
	env.Config.Pipelines.Microstratification.StartDate = "2024-13-01"

	_, err = build(t, &Microstratification{}, env, nil)
	require.ErrorContains(t, err, "start_date")
}
