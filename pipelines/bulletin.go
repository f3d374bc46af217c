package pipelines

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/helix-tools/dhis2-pipelines/config"
	"github.com/helix-tools/dhis2-pipelines/dhis2"
	"github.com/helix-tools/dhis2-pipelines/enrich"
	"github.com/helix-tools/dhis2-pipelines/period"
	"github.com/helix-tools/dhis2-pipelines/pipeline"
	"github.com/helix-tools/dhis2-pipelines/store"
	"github.com/helix-tools/dhis2-pipelines/table"
	"github.com/helix-tools/dhis2-pipelines/types"
)

// DistrictRow is a health district with its region, province and geometry.
type DistrictRow struct {
	RegionID     string `parquet:"region_id"`
	RegionName   string `parquet:"region_name"`
	ProvinceID   string `parquet:"province_id"`
	ProvinceName string `parquet:"province_name"`
	DistrictID   string `parquet:"district_id"`
	DistrictName string `parquet:"district_name"`
	// Geometry is GeoJSON.
	Geometry string `parquet:"geometry"`
}

// BulletinRow is an analytics value of a district. Week is unset for yearly
// values.
type BulletinRow struct {
	RegionID        string `parquet:"region_id"`
	RegionName      string `parquet:"region_name"`
	ProvinceID      string `parquet:"province_id"`
	ProvinceName    string `parquet:"province_name"`
	DistrictID      string `parquet:"district_id"`
	DistrictName    string `parquet:"district_name"`
	Period          string `parquet:"period"`
	Year            int32  `parquet:"year"`
	Week            *int32 `parquet:"week,optional"`
	DataElementID   string `parquet:"dx_id"`
	DataElementName string `parquet:"dx_name"`
	Value           *int64 `parquet:"value,optional"`
}

// BulletinExtract downloads the inputs of the weekly malaria bulletin.
type BulletinExtract struct{}

func (*BulletinExtract) Name() string { return "bulletin-extract" }

func (*BulletinExtract) Description() string {
	return "Extract districts, weekly TLOH values and population for the bulletin"
}

func (*BulletinExtract) Params() []pipeline.Param { return nil }

func (b *BulletinExtract) Build(env *pipeline.Env, _ pipeline.Params) (*pipeline.Graph, error) {
	cfg := env.Config.Pipelines.Bulletin

	client, err := env.Client(cfg.Connection)
	if err != nil {
		return nil, err
	}

	tlohStart, err := period.Parse(cfg.TLOHStart)
	if err != nil || tlohStart.Type != period.Weekly {
		return nil, &config.Error{Field: "pipelines.bulletin.tloh_start", Message: "must be a week such as 2019W1"}
	}

	populationStart, err := period.Parse(cfg.PopulationStart)
	if err != nil || populationStart.Type != period.Yearly {
		return nil, &config.Error{Field: "pipelines.bulletin.population_start", Message: "must be a year such as 2019"}
	}

	dir := env.Path(cfg.OutputDir)

	var (
		districts    *table.OrderedMap[string, DistrictRow]
		dataElements *table.OrderedMap[string, types.DataElement]
	)

	g := pipeline.NewGraph()

	g.Add("metadata", func(ctx context.Context) error {
		ids := append(append([]string(nil), cfg.TLOHDataElements...), cfg.PopulationDataElements...)

		des, err := client.DataElements(ctx, "id:in:["+strings.Join(ids, ",")+"]")
		if err != nil {
			return err
		}
		dataElements = table.Index(des, func(de types.DataElement) string { return de.ID })

		units, err := client.OrganisationUnits(ctx, fmt.Sprintf("level:le:%d", cfg.MaxOrgUnitLevel))
		if err != nil {
			return err
		}

		rows := districtRows(units, cfg)
		districts = table.Index(rows, func(r DistrictRow) string { return r.DistrictID })

		path := filepath.Join(dir, "districts.parquet")
		if err := store.WriteRows(path, rows); err != nil {
			return err
		}
		env.Artifact(path)

		env.Logger.Info("Wrote districts", zap.Int("districts", len(rows)), zap.Int("data_elements", len(des)))

		return nil
	})

	extractTask := func(name string, ids []string, start period.Period, maxPeriods int) func(context.Context) error {
		return func(ctx context.Context) error {
			end := period.FromTime(start.Type, env.Clock())

			periods, err := period.Range(start, end)
			if err != nil {
				return err
			}

			values, err := client.Analytics(ctx, dhis2.AnalyticsQuery{
				DataElements:  ids,
				Periods:       period.Strings(periods),
				OrgUnitLevels: []int{cfg.DistrictLevel},
				MaxPeriods:    maxPeriods,
			})
			if err != nil {
				return err
			}

			rows, err := bulletinRows(values, districts, dataElements)
			if err != nil {
				return err
			}

			path := filepath.Join(dir, name+".parquet")
			if err := store.WriteRows(path, rows); err != nil {
				return err
			}
			env.Artifact(path)

			env.Logger.Info("Wrote analytics", zap.String("name", name), zap.Int("rows", len(rows)),
				zap.Stringer("from", start), zap.Stringer("to", end))

			return nil
		}
	}

	g.Add("tloh", extractTask("tloh", cfg.TLOHDataElements, tlohStart, 52), "metadata")
	g.Add("population", extractTask("population", cfg.PopulationDataElements, populationStart, 0), "metadata")

	return g, nil
}

// districtRows selects the districts among units and attaches their region
// and province.
func districtRows(units []types.OrgUnit, cfg config.Bulletin) []DistrictRow {
	byID := table.Index(units, func(ou types.OrgUnit) string { return ou.ID })
	name := func(id string) string {
		ou, _ := byID.Get(id)
		return ou.Name
	}

	var rows []DistrictRow
	for _, ou := range enrich.FilterOrgUnits(units, cfg.DistrictLevel, cfg.DistrictPrefix) {
		region := ou.AncestorAt(cfg.RegionLevel)
		province := ou.AncestorAt(cfg.ProvinceLevel)

		rows = append(rows, DistrictRow{
			RegionID:     region,
			RegionName:   name(region),
			ProvinceID:   province,
			ProvinceName: name(province),
			DistrictID:   ou.ID,
			DistrictName: ou.Name,
			Geometry:     ou.Geometry,
		})
	}

	return rows
}

// bulletinRows attaches district and data element names to values. Values
// of units that are not a known district keep their org unit id and get
// empty region, province and district names.
func bulletinRows(values []types.AnalyticsValue, districts *table.OrderedMap[string, DistrictRow], dataElements *table.OrderedMap[string, types.DataElement]) ([]BulletinRow, error) {
	rows := make([]BulletinRow, 0, len(values))

	for _, v := range values {
		d, ok := districts.Get(v.OrgUnit)
		if !ok {
			d = DistrictRow{DistrictID: v.OrgUnit}
		}

		pe, err := period.Parse(v.Period)
		if err != nil {
			return nil, err
		}

		row := BulletinRow{
			RegionID:      d.RegionID,
			RegionName:    d.RegionName,
			ProvinceID:    d.ProvinceID,
			ProvinceName:  d.ProvinceName,
			DistrictID:    d.DistrictID,
			DistrictName:  d.DistrictName,
			Period:        pe.String(),
			Year:          int32(pe.Year),
			DataElementID: v.DataElement,
		}

		if pe.Type == period.Weekly {
			week := int32(pe.Index)
			row.Week = &week
		}

		if de, ok := dataElements.Get(v.DataElement); ok {
			row.DataElementName = de.Name
		}

		if v.Value != "" {
			f, err := strconv.ParseFloat(v.Value, 64)
			if err != nil {
				return nil, fmt.Errorf("invalid value %q for %s/%s/%s: %w", v.Value, v.DataElement, v.OrgUnit, v.Period, err)
			}
			n := int64(f)
			row.Value = &n
		}

		rows = append(rows, row)
	}

	return rows, nil
}

// BulletinGenerate renders the weekly bulletin from the extracted data.
type BulletinGenerate struct{}

func (*BulletinGenerate) Name() string { return "bulletin-generate" }

func (*BulletinGenerate) Description() string {
	return "Run the bulletin notebook and publish the Word report"
}

func (*BulletinGenerate) Params() []pipeline.Param { return nil }

func (b *BulletinGenerate) Build(env *pipeline.Env, _ pipeline.Params) (*pipeline.Graph, error) {
	cfg := env.Config.Pipelines.Bulletin

	dir, id := filepath.Split(cfg.Notebook)
	run, err := notebookTask(env, dir, filepath.Join(dir, "outputs"), id, nil)
	if err != nil {
		return nil, err
	}

	report := env.Path(cfg.Report)

	g := pipeline.NewGraph()
	g.Add("notebook", run)
	g.Add("report", func(ctx context.Context) error {
		if !store.Exists(report) {
			return fmt.Errorf("notebook did not produce %s", report)
		}

		env.Artifact(report)
		env.Logger.Info("Bulletin generated", zap.String("report", report))

		return nil
	}, "notebook")

	return g, nil
}
