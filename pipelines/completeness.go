package pipelines

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/helix-tools/dhis2-pipelines/config"
	"github.com/helix-tools/dhis2-pipelines/dhis2"
	"github.com/helix-tools/dhis2-pipelines/enrich"
	"github.com/helix-tools/dhis2-pipelines/extract"
	"github.com/helix-tools/dhis2-pipelines/payload"
	"github.com/helix-tools/dhis2-pipelines/period"
	"github.com/helix-tools/dhis2-pipelines/pipeline"
	"github.com/helix-tools/dhis2-pipelines/store"
	"github.com/helix-tools/dhis2-pipelines/table"
	"github.com/helix-tools/dhis2-pipelines/types"
)

// endosLevels names the levels of the ENDOS pyramid.
var endosLevels = []string{"country", "region", "province", "district", "commune", "fosa"}

// Completeness metric columns.
const (
	metricActualReports       = "actual_reports"
	metricActualReportsOnTime = "actual_reports_on_time"
	metricExpectedReports     = "expected_reports"
)

// AnalyticsRow is a raw analytics value as persisted between runs.
type AnalyticsRow struct {
	DataElement string `parquet:"dx"`
	OrgUnit     string `parquet:"ou"`
	Period      string `parquet:"pe"`
	Value       string `parquet:"value"`
}

// CompletenessRow holds the reporting metrics of one org unit, dataset and
// month, with the org unit hierarchy.
type CompletenessRow struct {
	CountryID    string `parquet:"country_id"`
	CountryName  string `parquet:"country_name"`
	RegionID     string `parquet:"region_id"`
	RegionName   string `parquet:"region_name"`
	ProvinceID   string `parquet:"province_id"`
	ProvinceName string `parquet:"province_name"`
	DistrictID   string `parquet:"district_id"`
	DistrictName string `parquet:"district_name"`
	CommuneID    string `parquet:"commune_id"`
	CommuneName  string `parquet:"commune_name"`
	FosaID       string `parquet:"fosa_id"`
	FosaName     string `parquet:"fosa_name"`

	OrgUnitID   string `parquet:"ou_id"`
	OrgUnitName string `parquet:"ou_name"`
	Level       int32  `parquet:"level"`
	Period      string `parquet:"period"`
	DatasetID   string `parquet:"dataset_id"`

	ActualReports       *int64 `parquet:"actual_reports,optional"`
	ActualReportsOnTime *int64 `parquet:"actual_reports_on_time,optional"`
	ExpectedReports     *int64 `parquet:"expected_reports,optional"`
}

// Metric returns the value of a metric column.
func (r CompletenessRow) Metric(name string) *int64 {
	switch name {
	case metricActualReports:
		return r.ActualReports
	case metricActualReportsOnTime:
		return r.ActualReportsOnTime
	case metricExpectedReports:
		return r.ExpectedReports
	}

	return nil
}

func (r *CompletenessRow) setMetric(name string, v *int64) bool {
	switch name {
	case metricActualReports:
		r.ActualReports = v
	case metricActualReportsOnTime:
		r.ActualReportsOnTime = v
	case metricExpectedReports:
		r.ExpectedReports = v
	default:
		return false
	}

	return true
}

func (r *CompletenessRow) setHierarchy(h enrich.Hierarchy) {
	cols := h.Columns()
	r.CountryID, r.CountryName = cols["country_id"], cols["country_name"]
	r.RegionID, r.RegionName = cols["region_id"], cols["region_name"]
	r.ProvinceID, r.ProvinceName = cols["province_id"], cols["province_name"]
	r.DistrictID, r.DistrictName = cols["district_id"], cols["district_name"]
	r.CommuneID, r.CommuneName = cols["commune_id"], cols["commune_name"]
	r.FosaID, r.FosaName = cols["fosa_id"], cols["fosa_name"]
	r.OrgUnitName = h.Name
	r.Level = int32(h.Level)
}

// Completeness computes reporting completeness of the ENDOS dataset and
// copies it into REDOP district data elements.
type Completeness struct{}

func (*Completeness) Name() string { return "endos-redop-completeness" }

func (*Completeness) Description() string {
	return "Push ENDOS reporting completeness into REDOP"
}

func (*Completeness) Params() []pipeline.Param {
	return []pipeline.Param{
		{Name: "dry_run", Type: pipeline.Bool, Default: "false", Description: "Simulate the import"},
	}
}

func (c *Completeness) Build(env *pipeline.Env, params pipeline.Params) (*pipeline.Graph, error) {
	cfg := env.Config.Pipelines.Completeness

	source, err := env.Client(cfg.Source)
	if err != nil {
		return nil, err
	}

	destination, err := env.Client(cfg.Destination)
	if err != nil {
		return nil, err
	}

	since, err := time.Parse(time.DateOnly, cfg.DestinationSince)
	if err != nil {
		return nil, &config.Error{Field: "pipelines.endos_redop_completeness.destination_since", Message: err.Error()}
	}

	firstPeriod, err := period.Parse(cfg.StartPeriod)
	if err != nil || firstPeriod.Type != period.Monthly {
		return nil, &config.Error{Field: "pipelines.endos_redop_completeness.start_period", Message: "must be a month such as 202001"}
	}

	st, err := strategy(cfg.Strategy)
	if err != nil {
		return nil, err
	}

	dir := env.Path(cfg.OutputDir)
	paths := struct{ endos, completeness, redop, payload string }{
		endos:        filepath.Join(dir, "endos.parquet"),
		completeness: filepath.Join(dir, "completeness.parquet"),
		redop:        filepath.Join(dir, "redop.parquet"),
		payload:      filepath.Join(dir, "payload.json"),
	}

	var (
		hierarchy    *table.OrderedMap[string, enrich.Hierarchy]
		districts    *table.OrderedMap[string, types.OrgUnit]
		analytics    []AnalyticsRow
		completeness []CompletenessRow
		redop        []types.DataValue
		values       []types.DataValue
	)

	g := pipeline.NewGraph()

	g.Add("metadata", func(ctx context.Context) error {
		endosUnits, err := source.OrganisationUnits(ctx)
		if err != nil {
			return err
		}

		redopUnits, err := destination.OrganisationUnits(ctx)
		if err != nil {
			return err
		}

		hierarchy = enrich.IndexHierarchy(enrich.FlattenHierarchy(endosUnits, endosLevels))

		kept, missing := enrich.Intersect(
			enrich.FilterOrgUnits(endosUnits, cfg.DistrictLevel, cfg.DistrictPrefix),
			redopUnits,
		)
		for _, ou := range missing {
			env.Logger.Warn("District missing from destination", zap.String("id", ou.ID), zap.String("name", ou.Name))
		}

		districts = table.Index(kept, func(ou types.OrgUnit) string { return ou.ID })
		env.Logger.Info("Matched districts", zap.Int("districts", len(kept)), zap.Int("missing", len(missing)))

		return nil
	})

	g.Add("extract-source", func(ctx context.Context) error {
		var old []AnalyticsRow
		if err := env.Restore(ctx, paths.endos); err != nil {
			return err
		}
		if store.Exists(paths.endos) {
			if old, err = store.ReadRows[AnalyticsRow](paths.endos); err != nil {
				return err
			}
		}

		start := completenessStart(old, firstPeriod, cfg.LookbackDays)
		end := period.FromTime(period.Monthly, env.Clock())

		periods, err := period.Range(start, end)
		if err != nil {
			return err
		}

		dx := make([]string, len(cfg.Metrics))
		for i, m := range cfg.Metrics {
			dx[i] = cfg.Dataset + "." + m
		}

		fetched, err := source.Analytics(ctx, dhis2.AnalyticsQuery{
			DataElements:  dx,
			Periods:       period.Strings(periods),
			OrgUnitLevels: cfg.Levels,
		})
		if err != nil {
			return err
		}

		env.Logger.Info("Fetched completeness", zap.Stringer("from", start), zap.Stringer("to", end), zap.Int("rows", len(fetched)))

		rows := append([]AnalyticsRow(nil), old...)
		for _, v := range fetched {
			rows = append(rows, AnalyticsRow{DataElement: v.DataElement, OrgUnit: v.OrgUnit, Period: v.Period, Value: v.Value})
		}

		analytics = table.KeepLast(rows, func(r AnalyticsRow) [3]string {
			return [3]string{r.DataElement, r.OrgUnit, r.Period}
		})

		if err := store.WriteRows(paths.endos, analytics); err != nil {
			return err
		}
		env.Artifact(paths.endos)

		return nil
	})

	g.Add("transform", func(ctx context.Context) error {
		var err error
		if completeness, err = transformCompleteness(analytics, hierarchy, env.Logger); err != nil {
			return err
		}

		if err := store.WriteRows(paths.completeness, completeness); err != nil {
			return err
		}
		env.Artifact(paths.completeness)

		env.Logger.Info("Wrote completeness", zap.Int("rows", len(completeness)))

		return nil
	}, "metadata", "extract-source")

	g.Add("extract-destination", func(ctx context.Context) error {
		var old []types.DataValue
		if err := env.Restore(ctx, paths.redop); err != nil {
			return err
		}
		if store.Exists(paths.redop) {
			if old, err = store.ReadDataValues(paths.redop); err != nil {
				return err
			}
		}

		lastUpdated := since
		if mark, ok := extract.HighWaterMark(old); ok {
			lastUpdated = mark
		}

		fetched, err := destination.DataValueSets(ctx, dhis2.DataValueSetsQuery{
			DataSets:    []string{cfg.DestinationDataset},
			OrgUnits:    []string{cfg.DestinationRoot},
			Children:    true,
			LastUpdated: &lastUpdated,
		})
		if err != nil {
			return err
		}

		env.Logger.Info("Fetched destination values", zap.Time("last_updated", lastUpdated), zap.Int("count", len(fetched)))

		redop = table.KeepLast(append(old, fetched...), func(v types.DataValue) [3]string {
			return [3]string{v.DataElement, v.Period, v.OrgUnit}
		})

		if err := store.WriteDataValues(paths.redop, redop); err != nil {
			return err
		}
		env.Artifact(paths.redop)

		return nil
	})

	g.Add("payload", func(ctx context.Context) error {
		var source []types.DataValue
		for _, row := range completeness {
			if !districts.Has(row.OrgUnitID) {
				continue
			}

			for _, m := range cfg.Metrics {
				metric := strings.ToLower(m)
				v := row.Metric(metric)
				if v == nil {
					continue
				}

				source = append(source, types.DataValue{
					DataElement: cfg.DataElements[metric],
					Period:      row.Period,
					OrgUnit:     row.OrgUnitID,
					Value:       types.Float64Ptr(float64(*v)),
				})
			}
		}

		values = payload.Builder{Integral: true}.Build(source, redop)
		env.Logger.Info("Built payload", zap.Int("candidates", len(source)), zap.Int("values", len(values)))

		return writePayload(env, paths.payload, values)
	}, "transform", "extract-destination")

	g.Add("push", func(ctx context.Context) error {
		if len(values) == 0 {
			env.Logger.Info("Destination is up to date, nothing to push")
			return nil
		}

		if err := checkAccess(ctx, destination, env.Logger); err != nil {
			return err
		}

		_, err := pushValues(ctx, env, destination, values, types.ImportOptions{
			Strategy: st,
			DryRun:   params.Bool("dry_run"),
		})

		return err
	}, "payload")

	return g, nil
}

// completenessStart returns the first month to fetch: the configured first
// period without previous data, else the month lookbackDays before the most
// recent persisted month.
func completenessStart(old []AnalyticsRow, first period.Period, lookbackDays int) period.Period {
	var latest *period.Period
	for _, r := range old {
		p, err := period.Parse(r.Period)
		if err != nil || p.Type != period.Monthly {
			continue
		}

		if latest == nil || p.Compare(*latest) > 0 {
			latest = &p
		}
	}

	if latest == nil {
		return first
	}

	start := period.FromTime(period.Monthly, latest.Start().AddDate(0, 0, -lookbackDays))
	if start.Compare(first) < 0 {
		return first
	}

	return start
}

type completenessKey struct {
	orgUnit string
	period  string
	dataset string
}

type metricValue struct {
	key    completenessKey
	metric string
	value  *int64
}

// transformCompleteness splits "<dataset>.<METRIC>" identifiers, casts values
// to integers and pivots one column per metric.
func transformCompleteness(rows []AnalyticsRow, hierarchy *table.OrderedMap[string, enrich.Hierarchy], logger *zap.Logger) ([]CompletenessRow, error) {
	long := make([]metricValue, 0, len(rows))

	for _, r := range rows {
		dataset, metric, ok := strings.Cut(r.DataElement, ".")
		if !ok {
			return nil, fmt.Errorf("analytics item %q is not a dataset metric", r.DataElement)
		}

		mv := metricValue{
			key:    completenessKey{orgUnit: r.OrgUnit, period: r.Period, dataset: dataset},
			metric: strings.ToLower(metric),
		}

		if r.Value != "" {
			f, err := strconv.ParseFloat(r.Value, 64)
			if err != nil {
				return nil, fmt.Errorf("invalid value %q for %s/%s/%s: %w", r.Value, r.DataElement, r.OrgUnit, r.Period, err)
			}
			n := int64(f)
			mv.value = &n
		}

		long = append(long, mv)
	}

	pivoted := table.Pivot(long,
		func(m metricValue) completenessKey { return m.key },
		func(m metricValue) string { return m.metric },
		func(m metricValue) *int64 { return m.value },
	)

	out := make([]CompletenessRow, 0, len(pivoted))
	for _, p := range pivoted {
		row := CompletenessRow{OrgUnitID: p.Key.orgUnit, Period: p.Key.period, DatasetID: p.Key.dataset}

		if h, ok := hierarchy.Get(p.Key.orgUnit); ok {
			row.setHierarchy(h)
		}

		for metric, v := range p.Columns {
			if !row.setMetric(metric, v) {
				logger.Debug("Ignoring unknown completeness metric", zap.String("metric", metric))
			}
		}

		out = append(out, row)
	}

	return out, nil
}
