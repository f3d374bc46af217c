package dhis2test

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/helix-tools/dhis2-pipelines/types"
)

// CleanupFunc defines a cleanup function that is called during test teardown.
type CleanupFunc func(ctx context.Context) error

// Importer is the part of the DHIS2 client used to delete values.
type Importer interface {
	PostDataValueSets(ctx context.Context, values []types.DataValue, opts types.ImportOptions) (*types.ImportSummary, error)
}

// CleanupRegistry tracks data written during tests for cleanup.
// Cleanup functions are executed in LIFO (Last-In-First-Out) order.
type CleanupRegistry struct {
	mu       sync.Mutex
	cleanups []CleanupFunc
	t        testing.TB
}

// NewCleanupRegistry creates a new cleanup registry for a test.
func NewCleanupRegistry(t testing.TB) *CleanupRegistry {
	return &CleanupRegistry{t: t}
}

// Register adds a cleanup function to be called during teardown.
func (r *CleanupRegistry) Register(fn CleanupFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.cleanups = append(r.cleanups, fn)
}

// RunAll executes all cleanup functions in reverse order.
// Errors are logged but do not stop subsequent cleanups.
func (r *CleanupRegistry) RunAll(ctx context.Context) []error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error

	for i := len(r.cleanups) - 1; i >= 0; i-- {
		if err := r.cleanups[i](ctx); err != nil {
			errs = append(errs, err)
			r.t.Logf("Cleanup error: %v", err)
		}
	}

	r.cleanups = nil

	return errs
}

// Count returns the number of registered cleanup functions.
func (r *CleanupRegistry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.cleanups)
}

// RegisterValuesCleanup deletes values with the DELETE import strategy.
func (r *CleanupRegistry) RegisterValuesCleanup(client Importer, values []types.DataValue) {
	r.Register(func(ctx context.Context) error {
		r.t.Logf("Cleaning up %d data values", len(values))

		summary, err := client.PostDataValueSets(ctx, values, types.ImportOptions{Strategy: types.ImportStrategyDelete})
		if err != nil {
			return err
		}

		if !summary.Succeeded() {
			return fmt.Errorf("delete import status %s: %s", summary.Status, summary.Description)
		}

		return nil
	})
}

// Cleanup runs every registered function when the test ends.
func (r *CleanupRegistry) Cleanup() {
	r.t.Cleanup(func() {
		r.RunAll(context.Background())
	})
}
