package pipelines

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"

	"github.com/helix-tools/dhis2-pipelines/config"
	"github.com/helix-tools/dhis2-pipelines/dhis2"
	"github.com/helix-tools/dhis2-pipelines/enrich"
	"github.com/helix-tools/dhis2-pipelines/period"
	"github.com/helix-tools/dhis2-pipelines/pipeline"
	"github.com/helix-tools/dhis2-pipelines/types"
)

// errNoPeriod marks workbooks whose name carries no week or year.
var errNoPeriod = errors.New("no period in file name")

// TLOH pushes weekly malaria cases from the TLOH workbooks.
type TLOH struct{}

func (*TLOH) Name() string { return "push-tloh" }

func (*TLOH) Description() string {
	return "Push weekly malaria cases and deaths from the TLOH workbooks"
}

func (*TLOH) Params() []pipeline.Param {
	return []pipeline.Param{
		{Name: "dry_run_only", Type: pipeline.Bool, Default: "false", Description: "Only simulate the import"},
	}
}

func (t *TLOH) Build(env *pipeline.Env, params pipeline.Params) (*pipeline.Graph, error) {
	return buildSpreadsheet(env, env.Config.Pipelines.TLOH, params.Bool("dry_run_only"))
}

// TLOHCompleteness pushes weekly TLOH reporting completeness.
type TLOHCompleteness struct{}

func (*TLOHCompleteness) Name() string { return "push-tloh-completeness" }

func (*TLOHCompleteness) Description() string {
	return "Push expected, received and on-time TLOH reports per district"
}

func (*TLOHCompleteness) Params() []pipeline.Param {
	return []pipeline.Param{
		{Name: "dry_run", Type: pipeline.Bool, Default: "false", Description: "Simulate the import"},
	}
}

func (t *TLOHCompleteness) Build(env *pipeline.Env, params pipeline.Params) (*pipeline.Graph, error) {
	return buildSpreadsheet(env, env.Config.Pipelines.TLOHCompleteness, params.Bool("dry_run"))
}

// Workbook is a parsed weekly TLOH file.
type Workbook struct {
	Path   string
	Period string
	Values []types.DataValue
	// Unmatched lists the district names without org unit.
	Unmatched []string
}

// spreadsheet reads TLOH workbooks into data values.
type spreadsheet struct {
	cfg     config.Spreadsheet
	week    *regexp.Regexp
	year    *regexp.Regexp
	matcher *enrich.NameMatcher
}

func newSpreadsheet(cfg config.Spreadsheet) (*spreadsheet, error) {
	week, err := regexp.Compile(cfg.WeekPattern)
	if err != nil {
		return nil, &config.Error{Field: "week_pattern", Message: err.Error()}
	}

	year, err := regexp.Compile(cfg.YearPattern)
	if err != nil {
		return nil, &config.Error{Field: "year_pattern", Message: err.Error()}
	}

	return &spreadsheet{cfg: cfg, week: week, year: year}, nil
}

func buildSpreadsheet(env *pipeline.Env, cfg config.Spreadsheet, dryRun bool) (*pipeline.Graph, error) {
	client, err := env.Client(cfg.Connection)
	if err != nil {
		return nil, err
	}

	st, err := strategy(cfg.Strategy)
	if err != nil {
		return nil, err
	}

	sheet, err := newSpreadsheet(cfg)
	if err != nil {
		return nil, err
	}

	dataDir := env.Path(cfg.DataDir)
	opts := types.ImportOptions{Strategy: st, DryRun: dryRun, SkipValidation: cfg.SkipValidation}

	var files []string

	g := pipeline.NewGraph()

	g.Add("metadata", func(ctx context.Context) error {
		units, err := client.OrganisationUnits(ctx, fmt.Sprintf("level:eq:%d", cfg.OrgUnitLevel))
		if err != nil {
			return err
		}

		sheet.matcher = enrich.NewNameMatcher(units, cfg.NameMapping, cfg.NamePrefix)
		env.Logger.Info("Fetched org units", zap.Int("level", cfg.OrgUnitLevel), zap.Int("count", len(units)))

		return checkAccess(ctx, client, env.Logger)
	})

	g.Add("find-files", func(ctx context.Context) error {
		var err error
		if files, err = findWorkbooks(dataDir, cfg.FilePrefix); err != nil {
			return err
		}

		if len(files) == 0 {
			env.Logger.Warn("No workbook found", zap.String("dir", dataDir), zap.String("prefix", cfg.FilePrefix))
		}

		return nil
	})

	g.Add("push", func(ctx context.Context) error {
		for _, path := range files {
			if err := ctx.Err(); err != nil {
				return err
			}

			logger := env.Logger.With(zap.String("file", filepath.Base(path)))

			wb, err := sheet.Read(path)
			if errors.Is(err, errNoPeriod) {
				logger.Warn("Skipping workbook", zap.Error(err))
				continue
			}
			if err == nil {
				err = pushWorkbook(ctx, env, client, wb, opts, logger)
			}
			if err != nil {
				logger.Error("Failed to process workbook", zap.Error(err), zap.Stack("stack"))
				env.Failure(filepath.Base(path))
			}
		}

		if failed := env.Failures(); len(failed) > 0 {
			env.Logger.Warn("Some workbooks were not imported", zap.Strings("files", failed))
		}

		return nil
	}, "metadata", "find-files")

	return g, nil
}

func pushWorkbook(ctx context.Context, env *pipeline.Env, client *dhis2.Client, wb *Workbook, opts types.ImportOptions, logger *zap.Logger) error {
	for _, name := range wb.Unmatched {
		logger.Warn("District not found in DHIS2", zap.String("district", name))
	}

	logger.Info("Parsed workbook", zap.String("period", wb.Period), zap.Int("values", len(wb.Values)))

	if len(wb.Values) == 0 {
		return nil
	}

	_, err := pushValues(ctx, env, client, wb.Values, opts)

	return err
}

// findWorkbooks lists the .xlsx files of dir whose lower-cased name starts
// with prefix, sorted by name.
func findWorkbooks(dir, prefix string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", dir, err)
	}

	var files []string
	for _, e := range entries {
		name := strings.ToLower(e.Name())
		if e.IsDir() || !strings.HasPrefix(name, strings.ToLower(prefix)) || !strings.HasSuffix(name, ".xlsx") {
			continue
		}

		files = append(files, filepath.Join(dir, e.Name()))
	}

	sort.Strings(files)

	return files, nil
}

// Period extracts the ISO week of a workbook from its file name.
func (s *spreadsheet) Period(name string) (string, error) {
	week := firstGroup(s.week, name)
	year := firstGroup(s.year, name)

	if week == "" || year == "" {
		return "", fmt.Errorf("%w: %s", errNoPeriod, name)
	}

	pe := period.FixWeek(year + "W" + week)
	if _, err := period.Parse(pe); err != nil {
		return "", fmt.Errorf("%w: %v", errNoPeriod, err)
	}

	return pe, nil
}

func firstGroup(re *regexp.Regexp, s string) string {
	m := re.FindStringSubmatch(s)
	if len(m) < 2 {
		return ""
	}

	return m[1]
}

// Read parses the first sheet of the workbook at path.
func (s *spreadsheet) Read(path string) (*Workbook, error) {
	pe, err := s.Period(filepath.Base(path))
	if err != nil {
		return nil, err
	}

	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open workbook: %w", err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, fmt.Errorf("workbook has no sheet")
	}

	rows, err := f.GetRows(sheets[0], excelize.Options{RawCellValue: true})
	if err != nil {
		return nil, fmt.Errorf("failed to read sheet %s: %w", sheets[0], err)
	}

	if len(rows) <= s.cfg.SkipRows {
		return nil, fmt.Errorf("sheet %s has no header row", sheets[0])
	}

	header := rows[s.cfg.SkipRows]

	district, err := columnIndex(header, s.cfg.District)
	if err != nil {
		return nil, err
	}

	columns := make([]int, len(s.cfg.Columns))
	for i, col := range s.cfg.Columns {
		if columns[i], err = columnIndex(header, col); err != nil {
			return nil, err
		}
	}

	wb := &Workbook{Path: path, Period: pe}

	for _, row := range rows[s.cfg.SkipRows+1:] {
		name := cell(row, district)
		if strings.TrimSpace(name) == "" {
			continue
		}

		ou, ok := s.matcher.Resolve(name)
		if !ok {
			wb.Unmatched = append(wb.Unmatched, name)
			continue
		}

		for i, col := range s.cfg.Columns {
			raw := strings.TrimSpace(cell(row, columns[i]))
			if raw == "" {
				continue
			}

			v, err := strconv.ParseFloat(raw, 64)
			if err != nil {
				return nil, fmt.Errorf("district %s, column %s: invalid number %q", name, col.Name, raw)
			}

			wb.Values = append(wb.Values, types.DataValue{
				DataElement:          col.DataElement,
				Period:               pe,
				OrgUnit:              ou,
				CategoryOptionCombo:  s.cfg.CategoryOptionCombo,
				AttributeOptionCombo: s.cfg.AttributeOptionCombo,
				Value:                types.Float64Ptr(v),
			})
		}
	}

	return wb, nil
}

// columnIndex locates col in the header row.
func columnIndex(header []string, col config.Column) (int, error) {
	if col.Header == "" {
		return col.Index, nil
	}

	seen := 0
	for i, h := range header {
		if strings.TrimSpace(h) != col.Header {
			continue
		}

		if seen == col.Occurrence {
			return i, nil
		}
		seen++
	}

	return 0, fmt.Errorf("column %q (occurrence %d) not found in header", col.Header, col.Occurrence)
}

func cell(row []string, i int) string {
	if i < 0 || i >= len(row) {
		return ""
	}

	return row[i]
}
