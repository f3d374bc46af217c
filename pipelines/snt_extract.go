package pipelines

import (
	"context"
	"fmt"
	"path/filepath"
	"slices"
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

// SNTConfig is the part of the SNT JSON configuration used by the extract.
type SNTConfig struct {
	SNT struct {
		Connection  string `json:"DHIS2_CONNECTION"`
		Level       any    `json:"ORG_UNITS_LEVEL_EXTRACT"`
		CountryCode string `json:"COUNTRY_CODE"`
	} `json:"SNT_CONFIG"`
	RawInputFiles struct {
		DHIS2File string `json:"DHIS2_FILE"`
	} `json:"RAW_INPUT_FILES"`
	Definitions struct {
		Indicators map[string][]string `json:"DHIS2_INDICATOR_DEFINITIONS"`
	} `json:"DHIS2_DATA_DEFINITIONS"`
}

// LoadSNTConfig reads the SNT configuration at path.
func LoadSNTConfig(path string) (*SNTConfig, error) {
	var c SNTConfig
	if err := store.ReadJSON(path, &c); err != nil {
		return nil, &config.Error{Field: "snt.config_file", Message: err.Error()}
	}

	return &c, nil
}

// OrgUnitLevel returns the extraction level, stored either as a number or a
// string.
func (c *SNTConfig) OrgUnitLevel() (int, error) {
	switch v := c.SNT.Level.(type) {
	case float64:
		return int(v), nil
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return 0, fmt.Errorf("invalid ORG_UNITS_LEVEL_EXTRACT %q", v)
		}
		return n, nil
	default:
		return 0, fmt.Errorf("ORG_UNITS_LEVEL_EXTRACT is not set")
	}
}

// DataElements returns the unique data elements of the indicator
// definitions, in first appearance order over sorted indicators. Items are
// either "DE" or "DE.COC".
func (c *SNTConfig) DataElements() []string {
	names := make([]string, 0, len(c.Definitions.Indicators))
	for name := range c.Definitions.Indicators {
		names = append(names, name)
	}
	slices.Sort(names)

	seen := table.NewOrderedMap[string, struct{}]()
	for _, name := range names {
		for _, item := range c.Definitions.Indicators[name] {
			de, _, _ := strings.Cut(strings.TrimSpace(item), ".")
			if de != "" {
				seen.SetIfAbsent(de, struct{}{})
			}
		}
	}

	return seen.Keys()
}

// SNTDHIS2Extract downloads routine data for the SNT process and runs the
// formatting notebooks.
type SNTDHIS2Extract struct{}

func (*SNTDHIS2Extract) Name() string { return "snt-dhis2-extract" }

func (*SNTDHIS2Extract) Description() string {
	return "Extract DHIS2 routine, population, shapes and pyramid data for SNT"
}

func (*SNTDHIS2Extract) Params() []pipeline.Param {
	return []pipeline.Param{
		{Name: "download_analytics", Type: pipeline.Bool, Default: "false", Description: "Download the routine analytics"},
		{Name: "format_routine", Type: pipeline.Bool, Default: "false", Description: "Format the routine data"},
		{Name: "start", Type: pipeline.Int, Description: "First month (YYYYMM)"},
		{Name: "end", Type: pipeline.Int, Description: "Last month (YYYYMM)"},
		{Name: "population_extract", Type: pipeline.Bool, Default: "false", Description: "Extract the population"},
		{Name: "shapes_extract", Type: pipeline.Bool, Default: "false", Description: "Extract the shapes"},
		{Name: "pyramid_data", Type: pipeline.Bool, Default: "true", Description: "Extract the org unit pyramid"},
	}
}

func (s *SNTDHIS2Extract) Build(env *pipeline.Env, params pipeline.Params) (*pipeline.Graph, error) {
	cfg := env.Config.Pipelines.SNT
	paths := newSNTPaths(env, "snt_dhis2_extract")

	start, hasStart := params.Int("start")
	end, hasEnd := params.Int("end")

	if (params.Bool("download_analytics") || params.Bool("population_extract")) && (!hasStart || !hasEnd) {
		return nil, &pipeline.ParamError{Param: "start", Message: "start and end periods are required"}
	}

	sntCfg, err := LoadSNTConfig(filepath.Join(paths.root, cfg.ConfigFile))
	if err != nil {
		return nil, err
	}

	routineFile := filepath.Join(paths.root, "data", "raw_DHIS2", "routine_data", sntCfg.RawInputFiles.DHIS2File)

	g := pipeline.NewGraph()
	var last []string

	chain := func(name string, run func(context.Context) error) {
		g.Add(name, run, last...)
		last = []string{name}
	}

	if params.Bool("download_analytics") {
		run, err := s.analytics(env, cfg, sntCfg, start, end, routineFile)
		if err != nil {
			return nil, err
		}
		chain("analytics", run)
	}

	if params.Bool("format_routine") {
		run, err := paths.notebook(env, "DHIS2_routine_data_format", map[string]any{
			"ROOT_PATH":      paths.root,
			"RAW_DHIS2_PATH": routineFile,
		})
		if err != nil {
			return nil, err
		}
		chain("format-routine", run)
	}

	if params.Bool("population_extract") {
		run, err := paths.notebook(env, "DHIS2_population_extraction_format", map[string]any{
			"ROOT_PATH":    paths.root,
			"start_period": yearOf(start),
			"end_period":   yearOf(end),
		})
		if err != nil {
			return nil, err
		}
		chain("population", run)
	}

	if params.Bool("shapes_extract") {
		run, err := paths.notebook(env, "DHIS2_shapes_extract_format", map[string]any{"ROOT_PATH": paths.root})
		if err != nil {
			return nil, err
		}
		chain("shapes", run)
	}

	if params.Bool("pyramid_data") {
		run, err := paths.notebook(env, "DHIS2_pyramid_extraction", map[string]any{"ROOT_PATH": paths.root})
		if err != nil {
			return nil, err
		}
		chain("pyramid", run)
	}

	return g, nil
}

func (s *SNTDHIS2Extract) analytics(env *pipeline.Env, cfg config.SNT, sntCfg *SNTConfig, start, end int, output string) (func(context.Context) error, error) {
	client, err := env.Client(sntCfg.SNT.Connection)
	if err != nil {
		return nil, err
	}

	level, err := sntCfg.OrgUnitLevel()
	if err != nil {
		return nil, &config.Error{Field: "SNT_CONFIG.ORG_UNITS_LEVEL_EXTRACT", Message: err.Error()}
	}

	if sntCfg.RawInputFiles.DHIS2File == "" {
		return nil, &config.Error{Field: "RAW_INPUT_FILES.DHIS2_FILE", Message: "is required"}
	}

	first, err := period.Parse(strconv.Itoa(start))
	if err != nil || first.Type != period.Monthly {
		return nil, &pipeline.ParamError{Param: "start", Message: "must be a month such as 202401"}
	}

	last, err := period.Parse(strconv.Itoa(end))
	if err != nil || last.Type != period.Monthly {
		return nil, &pipeline.ParamError{Param: "end", Message: "must be a month such as 202412"}
	}

	periods, err := period.Range(first, last)
	if err != nil {
		return nil, &pipeline.ParamError{Param: "end", Message: err.Error()}
	}

	dataElements := sntCfg.DataElements()
	if len(dataElements) == 0 {
		return nil, &config.Error{Field: "DHIS2_DATA_DEFINITIONS.DHIS2_INDICATOR_DEFINITIONS", Message: "no data element defined"}
	}

	return func(ctx context.Context) error {
		if !store.Exists(filepath.Dir(output)) {
			return fmt.Errorf("SNT output directory %s does not exist", filepath.Dir(output))
		}

		env.Logger.Info("Downloading analytics",
			zap.String("url", client.BaseURL()),
			zap.Int("data_elements", len(dataElements)),
			zap.Int("level", level),
			zap.Stringer("from", first),
			zap.Stringer("to", last),
		)

		values, err := client.Analytics(ctx, dhis2.AnalyticsQuery{
			DataElements:                dataElements,
			Periods:                     period.Strings(periods),
			OrgUnitLevels:               []int{level},
			IncludeCategoryOptionCombos: true,
			MaxDataElements:             cfg.MaxDataElements,
			MaxPeriods:                  cfg.MaxPeriods,
		})
		if err != nil {
			return err
		}

		env.Logger.Info("Extracted data values", zap.Int("values", len(values)))

		names, err := fetchNames(ctx, client, level)
		if err != nil {
			return err
		}

		filter := ""
		if sntCfg.SNT.CountryCode == "BFA" && level >= 4 {
			filter = cfg.DistrictPrefix
		}

		header, rows := routineRows(values, names, level, filter)
		if err := store.WriteCSV(output, header, rows); err != nil {
			return err
		}

		env.Artifact(output)
		env.Logger.Info("Wrote analytics", zap.String("path", output), zap.Int("rows", len(rows)))

		return nil
	}, nil
}

// sntNames holds the metadata used to name analytics rows.
type sntNames struct {
	dataElements *table.OrderedMap[string, types.DataElement]
	combos       *table.OrderedMap[string, types.CategoryOptionCombo]
	hierarchy    *table.OrderedMap[string, enrich.Hierarchy]
}

func fetchNames(ctx context.Context, client *dhis2.Client, level int) (*sntNames, error) {
	des, err := client.DataElements(ctx)
	if err != nil {
		return nil, err
	}

	cocs, err := client.CategoryOptionCombos(ctx)
	if err != nil {
		return nil, err
	}

	units, err := client.OrganisationUnits(ctx, fmt.Sprintf("level:le:%d", level))
	if err != nil {
		return nil, err
	}

	return &sntNames{
		dataElements: table.Index(des, func(de types.DataElement) string { return de.ID }),
		combos:       table.Index(cocs, func(c types.CategoryOptionCombo) string { return c.ID }),
		hierarchy:    enrich.IndexHierarchy(enrich.FlattenHierarchy(units, enrich.ParentLevels(level))),
	}, nil
}

// routineRows names the analytics values and adds one id and name column per
// parent level. When districtPrefix is set, only rows whose level 4 parent
// name starts with it are kept.
func routineRows(values []types.AnalyticsValue, names *sntNames, level int, districtPrefix string) ([]string, [][]string) {
	header := []string{"dx", "co", "ou", "pe", "value", "dx_name", "co_name", "ou_name"}
	levels := enrich.ParentLevels(level)
	for _, l := range levels {
		header = append(header, l+"_id", l+"_name")
	}

	rows := make([][]string, 0, len(values))
	for _, v := range values {
		de, _ := names.dataElements.Get(v.DataElement)
		coc, _ := names.combos.Get(v.CategoryOptionCombo)
		h, _ := names.hierarchy.Get(v.OrgUnit)
		cols := h.Columns()

		if districtPrefix != "" && !strings.HasPrefix(cols["parent_level_4_name"], districtPrefix) {
			continue
		}

		row := []string{v.DataElement, v.CategoryOptionCombo, v.OrgUnit, v.Period, v.Value, de.Name, coc.Name, h.Name}
		for _, l := range levels {
			row = append(row, cols[l+"_id"], cols[l+"_name"])
		}

		rows = append(rows, row)
	}

	return header, rows
}

// yearOf turns a YYYYMM period into its year.
func yearOf(p int) string {
	s := strconv.Itoa(p)
	if len(s) > 4 {
		return strconv.Itoa(p / 100)
	}

	return s
}
