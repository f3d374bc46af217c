package pipelines

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/helix-tools/dhis2-pipelines/enrich"
	"github.com/helix-tools/dhis2-pipelines/period"
	"github.com/helix-tools/dhis2-pipelines/store"
	"github.com/helix-tools/dhis2-pipelines/types"
)

func endosUnits() []map[string]any {
	return []map[string]any{
		unit("C", "Burkina Faso", 1, "/C"),
		unit("R", "Centre Nord", 2, "/C/R"),
		unit("P", "Sanmatenga", 3, "/C/R/P"),
		unit("D1", "DS Kaya", 4, "/C/R/P/D1"),
		unit("D2", "DS Barsalogho", 4, "/C/R/P/D2"),
		unit("X", "Hopital", 4, "/C/R/P/X"),
	}
}

func TestCompletenessPipeline(t *testing.T) {
	endos := newFakeDHIS2(t)
	endos.reply("organisationUnits", orgUnitsBody(endosUnits()...))
	endos.reply("analytics", analyticsBody(
		[]string{"qN9EEmzUcJn.ACTUAL_REPORTS", "D1", "202401", "10"},
		[]string{"qN9EEmzUcJn.EXPECTED_REPORTS", "D1", "202401", "12.0"},
		[]string{"qN9EEmzUcJn.ACTUAL_REPORTS", "D2", "202401", "5"},
		[]string{"qN9EEmzUcJn.ACTUAL_REPORTS", "X", "202401", "3"},
	))

	redop := newFakeDHIS2(t)
	redop.reply("organisationUnits", orgUnitsBody(unit("D1", "DS Kaya", 4, "/C/R/P/D1")))
	redop.reply("dataValueSets", map[string]any{"dataValues": []map[string]any{
		{"dataElement": "Ae9s1MsUEYq", "period": "202401", "orgUnit": "D1", "value": "10", "lastUpdated": "2024-02-10T08:00:00"},
	}})

	env, _ := newTestEnv(t, map[string]*fakeDHIS2{"endos": endos, "redop-mdr": redop})

	g, err := build(t, &Completeness{}, env, nil)
	require.NoError(t, err)
	require.Equal(t, []string{"metadata", "extract-source", "transform", "extract-destination", "payload", "push"}, taskNames(t, g))

	require.NoError(t, g.Run(context.Background(), env.Logger))

	// Without previous data the whole history is requested.
	analytics := endos.requests("analytics")
	require.Len(t, analytics, 1)
	dims := analytics[0]["dimension"]
	require.Contains(t, dims, "ou:LEVEL-4;LEVEL-6")
	require.True(t, strings.HasPrefix(dims[1], "pe:202001;"))
	require.True(t, strings.HasSuffix(dims[1], ";202403"))

	// Only the value REDOP does not hold yet, for districts it knows.
	imports := redop.imports()
	require.Len(t, imports, 1)
	require.Equal(t, "false", imports[0].Query.Get("dryRun"))
	require.Equal(t, "CREATE_AND_UPDATE", imports[0].Query.Get("importStrategy"))
	require.Len(t, imports[0].DataValues, 1)
	require.Equal(t, "R5UJwkTo2HV", imports[0].DataValues[0].DataElement)
	require.Equal(t, "D1", imports[0].DataValues[0].OrgUnit)
	require.Equal(t, "12", imports[0].DataValues[0].Value)

	require.Equal(t, types.ImportCount{Imported: 1}, env.Count())

	dir := env.Path(env.Config.Pipelines.Completeness.OutputDir)
	rows, err := store.ReadRows[CompletenessRow](filepath.Join(dir, "completeness.parquet"))
	require.NoError(t, err)
	require.Len(t, rows, 3)
	require.Equal(t, "Centre Nord", rows[0].RegionName)
	require.Equal(t, "DS Kaya", rows[0].DistrictName)

	require.Len(t, env.Artifacts(), 4)
}

func TestCompletenessUpToDate(t *testing.T) {
	endos := newFakeDHIS2(t)
	endos.reply("organisationUnits", orgUnitsBody(endosUnits()...))
	endos.reply("analytics", analyticsBody(
		[]string{"qN9EEmzUcJn.ACTUAL_REPORTS", "D1", "202401", "10"},
	))

	redop := newFakeDHIS2(t)
	redop.reply("organisationUnits", orgUnitsBody(unit("D1", "DS Kaya", 4, "/C/R/P/D1")))
	redop.reply("dataValueSets", map[string]any{"dataValues": []map[string]any{
		{"dataElement": "Ae9s1MsUEYq", "period": "202401", "orgUnit": "D1", "value": "10.0", "lastUpdated": "2024-02-10T08:00:00"},
	}})

	env, _ := newTestEnv(t, map[string]*fakeDHIS2{"endos": endos, "redop-mdr": redop})

	g, err := build(t, &Completeness{}, env, map[string]string{"dry_run": "true"})
	require.NoError(t, err)
	require.NoError(t, g.Run(context.Background(), env.Logger))

	require.Empty(t, redop.imports())
	require.Empty(t, redop.requests("me"))
}

func TestCompletenessStart(t *testing.T) {
	first := period.MustParse("202001")

	tests := []struct {
		name string
		old  []AnalyticsRow
		want string
	}{
		{name: "no previous data", want: "202001"},
		{
			name: "lookback from latest month",
			old:  []AnalyticsRow{{Period: "202312"}, {Period: "202403"}, {Period: "2024W3"}},
			want: "202311",
		},
		{
			name: "clamped to first period",
			old:  []AnalyticsRow{{Period: "202002"}},
			want: "202001",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, completenessStart(tt.old, first, 100).String())
		})
	}
}

func TestTransformCompleteness(t *testing.T) {
	units := []types.OrgUnit{
		{ID: "C", Name: "Burkina Faso", Level: 1, Path: "/C"},
		{ID: "R", Name: "Centre Nord", Level: 2, Path: "/C/R"},
		{ID: "D1", Name: "DS Kaya", Level: 4, Path: "/C/R/P/D1"},
	}
	hierarchy := enrich.IndexHierarchy(enrich.FlattenHierarchy(units, endosLevels))

	rows := []AnalyticsRow{
		{DataElement: "ds.ACTUAL_REPORTS", OrgUnit: "D1", Period: "202401", Value: "4"},
		{DataElement: "ds.EXPECTED_REPORTS", OrgUnit: "D1", Period: "202401", Value: "5"},
		{DataElement: "ds.ACTUAL_REPORTS_ON_TIME", OrgUnit: "D1", Period: "202401", Value: ""},
		{DataElement: "ds.REPORTING_RATE", OrgUnit: "D1", Period: "202401", Value: "80"},
		{DataElement: "ds.ACTUAL_REPORTS", OrgUnit: "D1", Period: "202402", Value: "3.7"},
		{DataElement: "ds.ACTUAL_REPORTS", OrgUnit: "UNKNOWN", Period: "202401", Value: "1"},
	}

	out, err := transformCompleteness(rows, hierarchy, zaptest.NewLogger(t))
	require.NoError(t, err)
	require.Len(t, out, 3)

	jan := out[0]
	require.Equal(t, "D1", jan.OrgUnitID)
	require.Equal(t, "202401", jan.Period)
	require.Equal(t, "ds", jan.DatasetID)
	require.Equal(t, "C", jan.CountryID)
	require.Equal(t, "Centre Nord", jan.RegionName)
	require.Equal(t, "D1", jan.DistrictID)
	require.Empty(t, jan.ProvinceName)
	require.Equal(t, int32(4), jan.Level)
	require.Equal(t, int64(4), *jan.ActualReports)
	require.Equal(t, int64(5), *jan.ExpectedReports)
	require.Nil(t, jan.ActualReportsOnTime)

	require.Equal(t, int64(3), *out[1].ActualReports)

	require.Equal(t, "UNKNOWN", out[2].OrgUnitID)
	require.Empty(t, out[2].OrgUnitName)

	_, err = transformCompleteness([]AnalyticsRow{{DataElement: "nodot", OrgUnit: "D1", Period: "202401"}}, hierarchy, zaptest.NewLogger(t))
	require.Error(t, err)
}
