package jobs

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivermigrate"
	"github.com/riverqueue/river/rivertype"
	"go.uber.org/zap"

	"github.com/rpattn/claimsflow/internal/db"
)

// Queue schedules runs on river. Inserts join the transaction carried by the
// context, so a run row and its job commit together.
type Queue struct {
	client *river.Client[pgx.Tx]
	logger *zap.Logger
}

// NewQueue builds a river client working the claims queue.
func NewQueue(pool *pgxpool.Pool, ingestion, enrichment Runner, cfg Config, logger *zap.Logger) (*Queue, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()

	workers := river.NewWorkers()
	river.AddWorker(workers, NewIngestionWorker(ingestion, cfg.JobTimeout))
	river.AddWorker(workers, NewEnrichmentWorker(enrichment, cfg.JobTimeout))

	client, err := river.NewClient(riverpgxv5.New(pool), &river.Config{
		Queues: map[string]river.QueueConfig{
			QueueClaims: {MaxWorkers: cfg.MaxWorkers},
		},
		// must stay above the longest job
		RescueStuckJobsAfter: cfg.JobTimeout + time.Minute,
		WorkerMiddleware: []rivertype.WorkerMiddleware{
			NewLoggerMiddleware(logger),
			NewRecovererMiddleware(),
		},
		Workers: workers,
	})
	if err != nil {
		return nil, errors.Wrap(err, "create river client")
	}
	return &Queue{client: client, logger: logger}, nil
}

func (q *Queue) EnqueueIngestion(ctx context.Context, processingID uuid.UUID) error {
	return q.insert(ctx, IngestionArgs{ProcessingID: processingID})
}

func (q *Queue) EnqueueEnrichment(ctx context.Context, runID uuid.UUID) error {
	return q.insert(ctx, EnrichmentArgs{RunID: runID})
}

func (q *Queue) insert(ctx context.Context, args river.JobArgs) error {
	// runs are not retried; a failed run is restarted by the caller
	opts := &river.InsertOpts{Queue: QueueClaims, MaxAttempts: 1}

	var (
		res *rivertype.JobInsertResult
		err error
	)
	if tx, ok := db.TxFromContext(ctx); ok {
		res, err = q.client.InsertTx(ctx, tx, args, opts)
	} else {
		res, err = q.client.Insert(ctx, args, opts)
	}
	if err != nil {
		return errors.Wrapf(err, "enqueue %s job", args.Kind())
	}
	q.logger.Debug("job enqueued", zap.String("job_kind", args.Kind()), zap.Int64("job_id", res.Job.ID))
	return nil
}

func (q *Queue) Start(ctx context.Context) error {
	return errors.Wrap(q.client.Start(ctx), "start river client")
}

// Stop lets running jobs finish until ctx expires, then cancels them.
func (q *Queue) Stop(ctx context.Context) error {
	err := q.client.Stop(ctx)
	if err == nil {
		q.logger.Info("job queue stopped")
		return nil
	}
	if !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
		return errors.Wrap(err, "stop river client")
	}

	q.logger.Warn("soft stop timed out, cancelling running jobs")
	hardCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	return errors.Wrap(q.client.StopAndCancel(hardCtx), "hard stop river client")
}

// MigrateRiver creates or upgrades river's own tables.
func MigrateRiver(ctx context.Context, pool *pgxpool.Pool, logger *zap.Logger) error {
	migrator, err := rivermigrate.New(riverpgxv5.New(pool), nil)
	if err != nil {
		return errors.Wrap(err, "create river migrator")
	}
	res, err := migrator.Migrate(ctx, rivermigrate.DirectionUp, nil)
	if err != nil {
		return errors.Wrap(err, "migrate river schema")
	}
	if logger != nil {
		logger.Info("river schema up to date", zap.Int("applied", len(res.Versions)))
	}
	return nil
}
