// Package push imports data values into a destination DHIS2 in batches.
package push

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/helix-tools/dhis2-pipelines/types"
)

// DefaultBatchSize is the number of values sent per import request.
const DefaultBatchSize = 1000

// Destination accepts one batch of values per call. A nil summary without
// error is treated as a failed batch.
type Destination interface {
	PostDataValueSets(ctx context.Context, values []types.DataValue, opts types.ImportOptions) (*types.ImportSummary, error)
}

// ImportError is returned when the destination rejects a batch.
type ImportError struct {
	Batch       int
	Status      string
	Description string
	Count       types.ImportCount
}

func (e *ImportError) Error() string {
	if e.Description == "" {
		return fmt.Sprintf("import of batch %d failed with status %s", e.Batch, e.Status)
	}

	return fmt.Sprintf("import of batch %d failed with status %s: %s", e.Batch, e.Status, e.Description)
}

// Pusher sends values sequentially in fixed-size batches.
type Pusher struct {
	Destination Destination
	BatchSize   int
	Logger      *zap.Logger
}

// NewPusher returns a pusher with the default batch size.
func NewPusher(dst Destination, logger *zap.Logger) *Pusher {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Pusher{Destination: dst, BatchSize: DefaultBatchSize, Logger: logger}
}

// Push imports values and returns the counts summed over all batches. The
// first rejected batch stops the push with an *ImportError; batches already
// accepted stay imported.
func (p *Pusher) Push(ctx context.Context, values []types.DataValue, opts types.ImportOptions) (types.ImportCount, error) {
	var total types.ImportCount

	size := p.BatchSize
	if size <= 0 {
		size = DefaultBatchSize
	}

	logger := p.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	if len(values) == 0 {
		logger.Info("Nothing to push")
		return total, nil
	}

	batches := (len(values) + size - 1) / size
	for i := 0; i < batches; i++ {
		if err := ctx.Err(); err != nil {
			return total, err
		}

		lo, hi := i*size, min((i+1)*size, len(values))
		batch := i + 1

		summary, err := p.Destination.PostDataValueSets(ctx, values[lo:hi], opts)
		if err != nil {
			return total, fmt.Errorf("failed to push batch %d/%d: %w", batch, batches, err)
		}

		if summary == nil {
			return total, fmt.Errorf("batch %d/%d: empty import summary", batch, batches)
		}

		if !summary.Succeeded() {
			return total, &ImportError{
				Batch:       batch,
				Status:      summary.Status,
				Description: summary.Description,
				Count:       summary.ImportCount,
			}
		}

		total = total.Add(summary.ImportCount)

		logger.Info("Pushed batch",
			zap.Int("batch", batch),
			zap.Int("batches", batches),
			zap.Int("values", hi-lo),
			zap.Int("imported", summary.ImportCount.Imported),
			zap.Int("updated", summary.ImportCount.Updated),
			zap.Int("ignored", summary.ImportCount.Ignored),
			zap.Int("deleted", summary.ImportCount.Deleted),
			zap.Bool("dry_run", opts.DryRun),
		)
	}

	return total, nil
}
