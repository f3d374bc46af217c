package pipelines

import (
	"context"
	"fmt"
	"math"
	"path/filepath"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/helix-tools/dhis2-pipelines/config"
	"github.com/helix-tools/dhis2-pipelines/payload"
	"github.com/helix-tools/dhis2-pipelines/period"
	"github.com/helix-tools/dhis2-pipelines/pipeline"
	"github.com/helix-tools/dhis2-pipelines/store"
	"github.com/helix-tools/dhis2-pipelines/types"
)

// ClimateRow is one weekly aggregate of a climate variable per org unit.
type ClimateRow struct {
	OrgUnit string   `parquet:"uid"`
	Period  string   `parquet:"period"`
	Value   *float64 `parquet:"value,optional"`
}

// Climate pushes weekly ERA5 aggregates into DHIS2.
type Climate struct{}

func (*Climate) Name() string { return "push-climate-data" }

func (*Climate) Description() string {
	return "Push weekly temperature, precipitation and soil water aggregates"
}

func (*Climate) Params() []pipeline.Param {
	return []pipeline.Param{
		{Name: "output_dir", Description: "Directory of the payload files"},
		{Name: "import_strategy", Description: "DHIS2 import strategy", Choices: []string{
			string(types.ImportStrategyCreate),
			string(types.ImportStrategyUpdate),
			string(types.ImportStrategyCreateAndUpdate),
		}},
		{Name: "dry_run_only", Type: pipeline.Bool, Default: "false", Description: "Only simulate the import"},
		{Name: "limit_year", Type: pipeline.Int, Description: "Only push the periods of this year"},
	}
}

func (c *Climate) Build(env *pipeline.Env, params pipeline.Params) (*pipeline.Graph, error) {
	cfg := env.Config.Pipelines.Climate

	client, err := env.Client(cfg.Connection)
	if err != nil {
		return nil, err
	}

	name := cfg.Strategy
	if params.Has("import_strategy") {
		name = params.String("import_strategy")
	}

	st, err := strategy(name)
	if err != nil {
		return nil, err
	}

	outputDir := cfg.OutputDir
	if params.Has("output_dir") {
		outputDir = params.String("output_dir")
	}
	outputDir = env.Path(outputDir)

	yearPrefix := ""
	if year, ok := params.Int("limit_year"); ok {
		yearPrefix = strconv.Itoa(year)
	}

	if len(cfg.Variables) == 0 {
		return nil, &config.Error{Field: "pipelines.climate.variables", Message: "no variable configured"}
	}

	values := make(map[string][]types.DataValue, len(cfg.Variables))

	g := pipeline.NewGraph()

	g.Add("prepare", func(ctx context.Context) error {
		for _, v := range cfg.Variables {
			rows, err := store.ReadRows[ClimateRow](env.Path(v.File))
			if err != nil {
				return fmt.Errorf("failed to read %s: %w", v.Name, err)
			}

			dv := climateValues(rows, v, cfg, yearPrefix)
			values[v.Name] = dv

			env.Logger.Info("Prepared climate values",
				zap.String("variable", v.Name),
				zap.Int("rows", len(rows)),
				zap.Int("values", len(dv)),
			)

			if err := writePayload(env, filepath.Join(outputDir, v.Name+"_payload.json"), dv); err != nil {
				return err
			}
		}

		return checkAccess(ctx, client, env.Logger)
	})

	pushAll := func(dryRun bool) func(context.Context) error {
		return func(ctx context.Context) error {
			for _, v := range cfg.Variables {
				env.Logger.Info("Pushing climate variable", zap.String("variable", v.Name), zap.Bool("dry_run", dryRun))

				_, err := pushValues(ctx, env, client, values[v.Name], types.ImportOptions{Strategy: st, DryRun: dryRun})
				if err != nil {
					return fmt.Errorf("%s: %w", v.Name, err)
				}
			}

			return nil
		}
	}

	g.Add("dry-run", pushAll(true), "prepare")

	if !params.Bool("dry_run_only") {
		g.Add("push", pushAll(false), "dry-run")
	}

	return g, nil
}

// climateValues converts the rows of one variable into data values. Week
// periods are normalized, missing and NaN values are skipped and values are
// rounded.
func climateValues(rows []ClimateRow, v config.ClimateVariable, cfg config.Climate, yearPrefix string) []types.DataValue {
	out := make([]types.DataValue, 0, len(rows))

	for _, r := range rows {
		if r.Value == nil || math.IsNaN(*r.Value) || math.IsInf(*r.Value, 0) {
			continue
		}

		pe := period.FixWeek(r.Period)
		if yearPrefix != "" && !strings.HasPrefix(pe, yearPrefix) {
			continue
		}

		out = append(out, types.DataValue{
			DataElement:          v.DataElement,
			Period:               pe,
			OrgUnit:              r.OrgUnit,
			CategoryOptionCombo:  cfg.CategoryOptionCombo,
			AttributeOptionCombo: cfg.AttributeOptionCombo,
			Value:                types.Float64Ptr(payload.Round(*r.Value, cfg.Decimals)),
		})
	}

	return out
}
