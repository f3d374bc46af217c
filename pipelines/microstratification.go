package pipelines

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/helix-tools/dhis2-pipelines/config"
	"github.com/helix-tools/dhis2-pipelines/enrich"
	"github.com/helix-tools/dhis2-pipelines/extract"
	"github.com/helix-tools/dhis2-pipelines/pipeline"
	"github.com/helix-tools/dhis2-pipelines/store"
	"github.com/helix-tools/dhis2-pipelines/types"
)

// Microstratification keeps a local copy of the microstratification data
// values of ENDOS up to date.
type Microstratification struct{}

func (*Microstratification) Name() string { return "dhis2-extract-microstratification" }

func (*Microstratification) Description() string {
	return "Incremental extract of the microstratification data values"
}

func (*Microstratification) Params() []pipeline.Param { return nil }

func (m *Microstratification) Build(env *pipeline.Env, _ pipeline.Params) (*pipeline.Graph, error) {
	cfg := env.Config.Pipelines.Microstratification

	client, err := env.Client(cfg.Connection)
	if err != nil {
		return nil, err
	}

	start, err := time.Parse(time.DateOnly, cfg.StartDate)
	if err != nil {
		return nil, &config.Error{Field: "pipelines.microstratification.start_date", Message: err.Error()}
	}

	if len(cfg.DataElements) == 0 || len(cfg.OrgUnits) == 0 {
		return nil, &config.Error{Field: "pipelines.microstratification", Message: "data elements and org units are required"}
	}

	output := env.Path(cfg.Output)

	var (
		dataElements []types.DataElement
		orgUnits     []types.OrgUnit
		requested    []string
		merged       []types.DataValue
	)

	g := pipeline.NewGraph()

	g.Add("metadata", func(ctx context.Context) error {
		if dataElements, err = client.DataElements(ctx); err != nil {
			return err
		}

		if orgUnits, err = client.OrganisationUnits(ctx); err != nil {
			return err
		}

		requested = enrich.FilterDataElements(cfg.DataElements, dataElements, env.Logger)
		if len(requested) == 0 {
			return fmt.Errorf("none of the %d configured data elements exist in %s", len(cfg.DataElements), client.BaseURL())
		}

		env.Logger.Info("Fetched metadata",
			zap.Int("data_elements", len(dataElements)),
			zap.Int("org_units", len(orgUnits)),
			zap.Int("requested", len(requested)),
		)

		return nil
	})

	g.Add("extract", func(ctx context.Context) error {
		previous, err := readPrevious(ctx, env, output)
		if err != nil {
			return err
		}

		extractor := extract.NewExtractor(&extract.DHIS2Source{
			Client:          client,
			DataElements:    requested,
			OrgUnits:        cfg.OrgUnits,
			Children:        cfg.Children,
			MaxDataElements: cfg.MaxDataElements,
			MaxOrgUnits:     cfg.MaxOrgUnits,
		}, env.Logger)
		extractor.Now = env.Clock

		merged, err = extractor.Sync(ctx, start, env.Clock(), previous)
		if err != nil {
			return err
		}

		env.Logger.Info("Merged data values", zap.Int("previous", len(previous)), zap.Int("merged", len(merged)))

		return nil
	}, "metadata")

	g.Add("write", func(ctx context.Context) error {
		enriched := enrich.Enrich(merged, orgUnits, dataElements)

		if err := store.WriteEnriched(output, enriched); err != nil {
			return err
		}

		env.Logger.Info("Wrote data values", zap.String("path", output), zap.Int("rows", len(enriched)))
		env.Artifact(output)

		return nil
	}, "extract")

	return g, nil
}

// readPrevious returns the data values of the enriched file at path, or nil
// when there is none yet.
func readPrevious(ctx context.Context, env *pipeline.Env, path string) ([]types.DataValue, error) {
	if err := env.Restore(ctx, path); err != nil {
		return nil, err
	}

	if !store.Exists(path) {
		env.Logger.Info("No previous extract, starting from scratch", zap.String("path", path))
		return nil, nil
	}

	rows, err := store.ReadEnriched(path)
	if err != nil {
		return nil, err
	}

	values := make([]types.DataValue, len(rows))
	for i, r := range rows {
		values[i] = r.DataValue
	}

	return values, nil
}
