package pipelines

import (
	"context"
	"path/filepath"
	"slices"

	"go.uber.org/zap"

	"github.com/helix-tools/dhis2-pipelines/config"
	"github.com/helix-tools/dhis2-pipelines/pipeline"
	"github.com/helix-tools/dhis2-pipelines/store"
)

// Imputation processes of the data cleaning pipeline.
const (
	imputeFromFile    = "Use edited outliers file"
	imputeFromMethod  = "Outliers method selected"
	imputeWithAverage = "Impute with average"
)

// notebookChecker is implemented by executors that can verify a notebook
// exists before running it.
type notebookChecker interface {
	Check(id string) error
}

// notebookTask returns a task executing notebook id of dir. A missing
// notebook is reported as a configuration error.
func notebookTask(env *pipeline.Env, dir, outputDir, id string, params map[string]any) (func(context.Context) error, error) {
	exec := env.Notebook(dir, outputDir)

	if c, ok := exec.(notebookChecker); ok {
		if err := c.Check(id); err != nil {
			return nil, &config.Error{Field: "notebook", Message: err.Error()}
		}
	}

	return func(ctx context.Context) error {
		output, err := exec.Execute(ctx, id, params)
		if err != nil {
			return err
		}

		env.Logger.Info("Executed notebook", zap.String("notebook", id), zap.String("output", output))
		env.Artifact(output)

		return nil
	}, nil
}

// sntPaths locates the notebooks of an SNT pipeline and the SNT root folder.
type sntPaths struct {
	root    string
	code    string
	outputs string
}

func newSNTPaths(env *pipeline.Env, dir string) sntPaths {
	cfg := env.Config.Pipelines.SNT
	base := filepath.Join(cfg.PipelinesDir, dir)

	return sntPaths{
		root:    env.Path(cfg.Root),
		code:    filepath.Join(base, "code"),
		outputs: filepath.Join(base, "papermill-outputs"),
	}
}

func (p sntPaths) notebook(env *pipeline.Env, id string, params map[string]any) (func(context.Context) error, error) {
	return notebookTask(env, p.code, p.outputs, id, params)
}

// SNTNotebook runs a single SNT notebook with the SNT root folder as only
// parameter.
type SNTNotebook struct {
	name        string
	description string
	dir         string
	notebook    string
}

// NewSNTNotebook returns a pipeline running notebook from
// pipelines/<dir>/code.
func NewSNTNotebook(name, description, dir, notebook string) *SNTNotebook {
	return &SNTNotebook{name: name, description: description, dir: dir, notebook: notebook}
}

func (s *SNTNotebook) Name() string             { return s.name }
func (s *SNTNotebook) Description() string      { return s.description }
func (s *SNTNotebook) Params() []pipeline.Param { return nil }

func (s *SNTNotebook) Build(env *pipeline.Env, _ pipeline.Params) (*pipeline.Graph, error) {
	paths := newSNTPaths(env, s.dir)

	run, err := paths.notebook(env, s.notebook, map[string]any{"ROOT_PATH": paths.root})
	if err != nil {
		return nil, err
	}

	return pipeline.NewGraph().Add(s.notebook, run), nil
}

// SNTDataCleaning detects outliers and imputes routine data.
type SNTDataCleaning struct{}

func (*SNTDataCleaning) Name() string { return "snt-data-cleaning" }

func (*SNTDataCleaning) Description() string {
	return "Detect outliers and impute the routine data"
}

func (*SNTDataCleaning) Params() []pipeline.Param {
	return []pipeline.Param{
		{Name: "outliers_method", Description: "Outliers detection method to apply",
			Choices: []string{"IQR * 1.5", "Mediane +- 3 MAD", "Moyenne +- 3 SD"}},
		{Name: "imputation_process", Description: "Use edited outliers file or outliers method selected",
			Choices: []string{imputeFromFile, imputeFromMethod, imputeWithAverage}},
		{Name: "outliers_file", Description: "Outliers file used for imputation"},
	}
}

func (s *SNTDataCleaning) Build(env *pipeline.Env, params pipeline.Params) (*pipeline.Graph, error) {
	cfg := env.Config.Pipelines.SNT
	paths := newSNTPaths(env, "snt_data_cleaning")

	method := params.String("outliers_method")
	process := params.String("imputation_process")
	file := params.String("outliers_file")

	if method != "" && len(cfg.OutliersMethods) > 0 && !slices.Contains(cfg.OutliersMethods, method) {
		return nil, &pipeline.ParamError{Param: "outliers_method", Message: "method disabled in configuration"}
	}

	if process != "" && len(cfg.ImputationProcesses) > 0 && !slices.Contains(cfg.ImputationProcesses, process) {
		return nil, &pipeline.ParamError{Param: "imputation_process", Message: "process disabled in configuration"}
	}

	if process == imputeFromFile {
		if file == "" {
			return nil, &pipeline.ParamError{Param: "outliers_file", Message: "is required with " + imputeFromFile}
		}

		dir := filepath.Join(paths.root, "data", "intermediate_results")
		if !store.Exists(filepath.Join(dir, file)) {
			return nil, &pipeline.ParamError{Param: "outliers_file", Message: file + " not found in " + dir}
		}
	}

	g := pipeline.NewGraph()

	if method != "" {
		run, err := paths.notebook(env, "SNT_1_outliers_detection", map[string]any{
			"ROOT_PATH":       paths.root,
			"outliers_method": method,
		})
		if err != nil {
			return nil, err
		}

		g.Add("outliers", run)
	}

	if process != "" {
		imputation := map[string]any{"ROOT_PATH": paths.root, "outliers_method": nil, "outliers_fname": nil}
		switch process {
		case imputeFromFile:
			imputation["outliers_fname"] = file
		case imputeFromMethod:
			imputation["outliers_method"] = nilIfEmpty(method)
		}

		run, err := paths.notebook(env, "SNT_2_data_imputation", imputation)
		if err != nil {
			return nil, err
		}

		var needs []string
		if method != "" {
			needs = append(needs, "outliers")
		}

		g.Add("imputation", run, needs...)
	}

	if g.Len() == 0 {
		env.Logger.Info("No outliers method nor imputation process selected, nothing to do")
	}

	return g, nil
}

// SNTImputation imputes routine data from an edited imputation file.
type SNTImputation struct{}

func (*SNTImputation) Name() string { return "snt-imputation" }

func (*SNTImputation) Description() string {
	return "Impute routine data from an imputation table"
}

func (*SNTImputation) Params() []pipeline.Param {
	return []pipeline.Param{
		{Name: "imputation_file", Required: true, Description: "File of SNT_Process/data/imputation_data"},
	}
}

func (s *SNTImputation) Build(env *pipeline.Env, params pipeline.Params) (*pipeline.Graph, error) {
	paths := newSNTPaths(env, "snt_imputation")
	file := params.String("imputation_file")

	dir := filepath.Join(paths.root, "data", "imputation_data")
	if !store.Exists(filepath.Join(dir, file)) {
		return nil, &pipeline.ParamError{Param: "imputation_file", Message: file + " not found in " + dir}
	}

	run, err := paths.notebook(env, "SNT_1_data_imputation", map[string]any{
		"ROOT_PATH":            paths.root,
		"OUTLIERS_TABLE_FNAME": file,
	})
	if err != nil {
		return nil, err
	}

	return pipeline.NewGraph().Add("imputation", run), nil
}

func nilIfEmpty(s string) any {
	if s == "" {
		return nil
	}

	return s
}
