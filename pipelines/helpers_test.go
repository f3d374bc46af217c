package pipelines

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/helix-tools/dhis2-pipelines/config"
	"github.com/helix-tools/dhis2-pipelines/notebook"
	"github.com/helix-tools/dhis2-pipelines/pipeline"
)

var testNow = time.Date(2024, time.March, 15, 12, 0, 0, 0, time.UTC)

// postedSet is a dataValueSets import received by fakeDHIS2.
type postedSet struct {
	Query      url.Values
	DataValues []struct {
		DataElement string `json:"dataElement"`
		Period      string `json:"period"`
		OrgUnit     string `json:"orgUnit"`
		Value       string `json:"value"`
	} `json:"dataValues"`
}

// fakeDHIS2 serves canned metadata and records the requests it receives.
type fakeDHIS2 struct {
	*httptest.Server

	mu       sync.Mutex
	handlers map[string]http.HandlerFunc
	gets     map[string][]url.Values
	posted   []postedSet
}

func newFakeDHIS2(t *testing.T) *fakeDHIS2 {
	t.Helper()

	f := &fakeDHIS2{handlers: map[string]http.HandlerFunc{}, gets: map[string][]url.Values{}}
	f.Server = httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(f.Close)

	f.reply("me", map[string]any{
		"userCredentials": map[string]string{"username": "pipelines"},
		"access":          map[string]bool{"update": true, "write": true},
	})

	return f
}

func (f *fakeDHIS2) serve(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/")

	if r.Method == http.MethodPost && path == "dataValueSets" {
		var set postedSet
		if err := json.NewDecoder(r.Body).Decode(&set); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		set.Query = r.URL.Query()

		f.mu.Lock()
		f.posted = append(f.posted, set)
		f.mu.Unlock()

		fmt.Fprintf(w, `{"status":"SUCCESS","importCount":{"imported":%d,"updated":0,"ignored":0,"deleted":0}}`, len(set.DataValues))
		return
	}

	f.mu.Lock()
	f.gets[path] = append(f.gets[path], r.URL.Query())
	h, ok := f.handlers[path]
	f.mu.Unlock()

	if !ok {
		http.NotFound(w, r)
		return
	}

	h(w, r)
}

// reply answers GET requests on path with body encoded as JSON.
func (f *fakeDHIS2) reply(path string, body any) {
	f.handle(path, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(body)
	})
}

func (f *fakeDHIS2) handle(path string, h http.HandlerFunc) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.handlers[path] = h
}

func (f *fakeDHIS2) requests(path string) []url.Values {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.gets[path]
}

func (f *fakeDHIS2) imports() []postedSet {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]postedSet(nil), f.posted...)
}

func orgUnitsBody(units ...map[string]any) map[string]any {
	return map[string]any{"organisationUnits": units}
}

func unit(id, name string, level int, path string) map[string]any {
	return map[string]any{"id": id, "name": name, "level": level, "path": path}
}

func analyticsBody(rows ...[]string) map[string]any {
	return map[string]any{
		"headers": []map[string]string{{"name": "dx"}, {"name": "ou"}, {"name": "pe"}, {"name": "value"}},
		"rows":    rows,
	}
}

// notebookRun is one execution seen by fakeNotebooks.
type notebookRun struct {
	Dir    string
	ID     string
	Params map[string]any
}

// fakeNotebooks records notebook executions instead of running papermill.
type fakeNotebooks struct {
	mu      sync.Mutex
	runs    []notebookRun
	missing map[string]bool
	onRun   func(run notebookRun) error
}

func (f *fakeNotebooks) factory(dir, outputDir string) notebook.Executor {
	return &fakeExecutor{notebooks: f, dir: dir, outputDir: outputDir}
}

func (f *fakeNotebooks) executed() []notebookRun {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]notebookRun(nil), f.runs...)
}

type fakeExecutor struct {
	notebooks *fakeNotebooks
	dir       string
	outputDir string
}

func (e *fakeExecutor) Check(id string) error {
	if e.notebooks.missing[id] {
		return fmt.Errorf("notebook %s not found in %s", id, e.dir)
	}

	return nil
}

func (e *fakeExecutor) Execute(_ context.Context, id string, params map[string]any) (string, error) {
	run := notebookRun{Dir: e.dir, ID: id, Params: params}

	e.notebooks.mu.Lock()
	e.notebooks.runs = append(e.notebooks.runs, run)
	onRun := e.notebooks.onRun
	e.notebooks.mu.Unlock()

	if onRun != nil {
		if err := onRun(run); err != nil {
			return "", err
		}
	}

	return filepath.Join(e.outputDir, id+"_OUTPUT.ipynb"), nil
}

// newTestEnv returns an environment rooted in a temporary workspace whose
// connections point to servers.
func newTestEnv(t *testing.T, servers map[string]*fakeDHIS2) (*pipeline.Env, *fakeNotebooks) {
	t.Helper()

	cfg, err := config.Default()
	require.NoError(t, err)

	cfg.Workspace = t.TempDir()
	for name, srv := range servers {
		cfg.Connections[name] = config.Connection{URL: srv.URL, Username: "admin", Password: "district"}
	}

	notebooks := &fakeNotebooks{missing: map[string]bool{}}

	env := pipeline.NewEnv(cfg, zaptest.NewLogger(t))
	env.Now = func() time.Time { return testNow }
	env.Notebooks = notebooks.factory

	return env, notebooks
}

// build parses raw against the parameters of p and builds its graph.
func build(t *testing.T, p pipeline.Pipeline, env *pipeline.Env, raw map[string]string) (*pipeline.Graph, error) {
	t.Helper()

	params, err := pipeline.ParseParams(p.Params(), raw)
	require.NoError(t, err)

	env.Pipeline = p.Name()

	return p.Build(env, params)
}

// taskNames returns the names of the tasks of g in execution order.
func taskNames(t *testing.T, g *pipeline.Graph) []string {
	t.Helper()

	tasks, err := g.Order()
	require.NoError(t, err)

	names := make([]string, len(tasks))
	for i, task := range tasks {
		names[i] = task.Name
	}

	return names
}
