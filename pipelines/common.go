// Package pipelines holds the DHIS2 pipelines run by the command line tool.
package pipelines

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/helix-tools/dhis2-pipelines/dhis2"
	"github.com/helix-tools/dhis2-pipelines/pipeline"
	"github.com/helix-tools/dhis2-pipelines/push"
	"github.com/helix-tools/dhis2-pipelines/store"
	"github.com/helix-tools/dhis2-pipelines/types"
)

// All returns every pipeline, ready to register.
func All() []pipeline.Pipeline {
	return []pipeline.Pipeline{
		&Microstratification{},
		&Completeness{},
		&Climate{},
		&TLOH{},
		&TLOHCompleteness{},
		&BulletinExtract{},
		&BulletinGenerate{},
		&SNTDHIS2Extract{},
		&SNTDataCleaning{},
		&SNTImputation{},
		NewSNTNotebook("snt-data-outliers", "Detect outliers in the routine data",
			"snt_data_outliers", "SNT_1_outliers_detection"),
		NewSNTNotebook("snt-risk-stratification", "Compute the epidemiological stratification",
			"snt_epi_stratification", "SNT_1_Incidence_NEW_EM"),
		NewSNTNotebook("snt-dhs-extract", "Format the DHS survey indicators",
			"snt_dhs_extract", "DHS_formatting"),
	}
}

// Registry returns a registry holding every pipeline.
func Registry() *pipeline.Registry {
	return pipeline.NewRegistry(All()...)
}

// dataValueSet is the JSON document written next to pushed payloads.
type dataValueSet struct {
	DataValues []types.DataValue `json:"dataValues"`
}

// checkAccess logs the user of client and warns when it cannot write data.
func checkAccess(ctx context.Context, client *dhis2.Client, logger *zap.Logger) error {
	me, err := client.Me(ctx)
	if err != nil {
		return err
	}

	if me.Username == "" {
		me.Username = client.Username()
	}

	logger.Info("Connected to DHIS2", zap.String("url", client.BaseURL()), zap.String("username", me.Username))

	if !me.Update || !me.Write {
		logger.Warn("DHIS2 user may not be allowed to import data values",
			zap.String("username", me.Username),
			zap.Bool("update", me.Update),
			zap.Bool("write", me.Write),
		)
	}

	return nil
}

// pushValues imports values in batches and records the counts of real
// imports in env. Dry runs are logged only.
func pushValues(ctx context.Context, env *pipeline.Env, client *dhis2.Client, values []types.DataValue, opts types.ImportOptions) (types.ImportCount, error) {
	pusher := push.NewPusher(client, env.Logger)

	count, err := pusher.Push(ctx, values, opts)
	if !opts.DryRun {
		env.Record(count)
	}
	if err != nil {
		return count, err
	}

	env.Logger.Info("Import summary",
		zap.Bool("dry_run", opts.DryRun),
		zap.String("strategy", string(opts.Strategy)),
		zap.Int("values", len(values)),
		zap.Int("imported", count.Imported),
		zap.Int("updated", count.Updated),
		zap.Int("ignored", count.Ignored),
		zap.Int("deleted", count.Deleted),
	)

	return count, nil
}

// strategy converts a configured strategy name.
func strategy(s string) (types.ImportStrategy, error) {
	st := types.ImportStrategy(strings.ToUpper(strings.TrimSpace(s)))
	if !st.Valid() {
		return "", &pipeline.ParamError{Param: "import_strategy", Message: fmt.Sprintf("unknown import strategy %q", s)}
	}

	return st, nil
}

// writePayload writes values as a dataValueSets document and registers it.
func writePayload(env *pipeline.Env, path string, values []types.DataValue) error {
	if values == nil {
		values = []types.DataValue{}
	}

	if err := store.WriteJSON(path, dataValueSet{DataValues: values}); err != nil {
		return err
	}

	env.Logger.Info("Wrote payload", zap.String("path", path), zap.Int("values", len(values)))
	env.Artifact(path)

	return nil
}
