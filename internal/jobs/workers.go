package jobs

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/riverqueue/river"
)

type IngestionWorker struct {
	river.WorkerDefaults[IngestionArgs]

	runner  Runner
	timeout time.Duration
}

func NewIngestionWorker(runner Runner, timeout time.Duration) *IngestionWorker {
	return &IngestionWorker{runner: runner, timeout: timeout}
}

func (w *IngestionWorker) Timeout(*river.Job[IngestionArgs]) time.Duration {
	return w.timeout
}

func (w *IngestionWorker) Work(ctx context.Context, job *river.Job[IngestionArgs]) error {
	if err := w.runner.Run(ctx, job.Args.ProcessingID); err != nil {
		return errors.Wrapf(err, "ingestion %s", job.Args.ProcessingID)
	}
	return nil
}

type EnrichmentWorker struct {
	river.WorkerDefaults[EnrichmentArgs]

	runner  Runner
	timeout time.Duration
}

func NewEnrichmentWorker(runner Runner, timeout time.Duration) *EnrichmentWorker {
	return &EnrichmentWorker{runner: runner, timeout: timeout}
}

func (w *EnrichmentWorker) Timeout(*river.Job[EnrichmentArgs]) time.Duration {
	return w.timeout
}

func (w *EnrichmentWorker) Work(ctx context.Context, job *river.Job[EnrichmentArgs]) error {
	if err := w.runner.Run(ctx, job.Args.RunID); err != nil {
		return errors.Wrapf(err, "enrichment run %s", job.Args.RunID)
	}
	return nil
}
