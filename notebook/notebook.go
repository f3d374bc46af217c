// Package notebook executes parameterized analysis notebooks.
package notebook

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// OutputTimeFormat is the UTC timestamp layout of output notebook names.
const OutputTimeFormat = "2006-01-02_150405"

// Executor runs a notebook by id with the given parameters and returns the
// path of the executed output notebook.
type Executor interface {
	Execute(ctx context.Context, id string, params map[string]any) (string, error)
}

// ExecutionError is returned when a notebook cannot be run or fails.
type ExecutionError struct {
	Notebook string
	Output   string
	Err      error
}

func (e *ExecutionError) Error() string {
	msg := fmt.Sprintf("notebook %s failed: %v", e.Notebook, e.Err)
	if e.Output != "" {
		msg += "\n" + e.Output
	}

	return msg
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// IsExecutionError reports whether err is an *ExecutionError.
func IsExecutionError(err error) bool {
	var execErr *ExecutionError
	return errors.As(err, &execErr)
}

// Papermill runs notebooks with the papermill command line tool.
type Papermill struct {
	// Binary is the papermill executable, "papermill" when empty.
	Binary string
	// Dir holds the input notebooks, named <id>.ipynb.
	Dir string
	// OutputDir receives executed notebooks. Defaults to <Dir>/outputs.
	OutputDir string
	// Kernel optionally overrides the notebook kernel.
	Kernel string

	Now    func() time.Time
	Logger *zap.Logger
}

var _ Executor = (*Papermill)(nil)

// Path returns the input notebook path for id.
func (p *Papermill) Path(id string) string {
	return filepath.Join(p.Dir, id+".ipynb")
}

// Check returns an error when the notebook for id does not exist.
func (p *Papermill) Check(id string) error {
	info, err := os.Stat(p.Path(id))
	if err != nil {
		return fmt.Errorf("notebook %s not found: %w", id, err)
	}

	if info.IsDir() {
		return fmt.Errorf("notebook %s is a directory", p.Path(id))
	}

	return nil
}

// OutputPath returns the output notebook path for id executed at t.
func (p *Papermill) OutputPath(id string, t time.Time) string {
	dir := p.OutputDir
	if dir == "" {
		dir = filepath.Join(p.Dir, "outputs")
	}

	return filepath.Join(dir, fmt.Sprintf("%s_OUTPUT_%s.ipynb", id, t.UTC().Format(OutputTimeFormat)))
}

// Execute runs the notebook and blocks until it finishes.
func (p *Papermill) Execute(ctx context.Context, id string, params map[string]any) (string, error) {
	logger := p.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	now := time.Now
	if p.Now != nil {
		now = p.Now
	}

	if err := p.Check(id); err != nil {
		return "", &ExecutionError{Notebook: id, Err: err}
	}

	output := p.OutputPath(id, now())
	if err := os.MkdirAll(filepath.Dir(output), 0o755); err != nil {
		return "", &ExecutionError{Notebook: id, Err: fmt.Errorf("failed to create output directory: %w", err)}
	}

	if params == nil {
		params = map[string]any{}
	}

	encoded, err := yaml.Marshal(params)
	if err != nil {
		return "", &ExecutionError{Notebook: id, Err: fmt.Errorf("failed to encode parameters: %w", err)}
	}

	binary := p.Binary
	if binary == "" {
		binary = "papermill"
	}

	args := []string{p.Path(id), output, "-y", string(encoded)}
	if p.Kernel != "" {
		args = append(args, "-k", p.Kernel)
	}

	logger.Info("Executing notebook",
		zap.String("notebook", id),
		zap.String("output", output),
		zap.Any("parameters", params),
	)

	var out bytes.Buffer
	cmd := exec.CommandContext(ctx, binary, args...)
	cmd.Dir = p.Dir
	cmd.Stdout = &out
	cmd.Stderr = &out

	start := now()
	if err := cmd.Run(); err != nil {
		return "", &ExecutionError{Notebook: id, Output: tail(out.String(), 20), Err: err}
	}

	logger.Info("Notebook executed",
		zap.String("notebook", id),
		zap.Duration("duration", now().Sub(start)),
	)

	return output, nil
}

// tail keeps the last n lines of s.
func tail(s string, n int) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}

	return strings.Join(lines, "\n")
}
