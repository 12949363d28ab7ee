package jobs

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rpattn/claimsflow/internal/db"
)

const abandonTimeout = 10 * time.Second

// LocalDispatcher runs each queued run on its own goroutine. At most
// MaxWorkers runs execute at once; every run gets the job timeout and can be
// cancelled by id. Runs queued inside a transaction start after it commits.
type LocalDispatcher struct {
	ingestion  Runner
	enrichment Runner
	cfg        Config
	logger     *zap.Logger

	slots   chan struct{}
	cancels sync.Map // map[uuid.UUID]context.CancelFunc
	wg      sync.WaitGroup

	baseCtx    context.Context
	baseCancel context.CancelFunc
}

func NewLocalDispatcher(ingestion, enrichment Runner, cfg Config, logger *zap.Logger) *LocalDispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()
	baseCtx, baseCancel := context.WithCancel(context.Background())
	return &LocalDispatcher{
		ingestion:  ingestion,
		enrichment: enrichment,
		cfg:        cfg,
		logger:     logger,
		slots:      make(chan struct{}, cfg.MaxWorkers),
		baseCtx:    baseCtx,
		baseCancel: baseCancel,
	}
}

func (d *LocalDispatcher) EnqueueIngestion(ctx context.Context, processingID uuid.UUID) error {
	db.AfterCommit(ctx, func() { d.launch(KindIngestion, processingID, d.ingestion) })
	return nil
}

func (d *LocalDispatcher) EnqueueEnrichment(ctx context.Context, runID uuid.UUID) error {
	db.AfterCommit(ctx, func() { d.launch(KindEnrichment, runID, d.enrichment) })
	return nil
}

// Cancel stops a queued or running run. It reports whether the id was known.
func (d *LocalDispatcher) Cancel(id uuid.UUID) bool {
	cancel, ok := d.cancels.LoadAndDelete(id)
	if !ok {
		return false
	}
	if fn, okCast := cancel.(context.CancelFunc); okCast {
		fn()
	}
	return true
}

// Shutdown cancels every run and waits for the goroutines until ctx expires.
func (d *LocalDispatcher) Shutdown(ctx context.Context) error {
	d.baseCancel()
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "local dispatcher shutdown")
	}
}

func (d *LocalDispatcher) launch(kind string, id uuid.UUID, runner Runner) {
	ctx, cancel := context.WithTimeout(d.baseCtx, d.cfg.JobTimeout)
	d.cancels.Store(id, cancel)
	logger := d.logger.With(zap.String("job_kind", kind), zap.String("id", id.String()))

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer func() {
			cancel()
			d.cancels.Delete(id)
		}()
		defer func() {
			if rec := recover(); rec != nil {
				logger.Error("panic while running job", zap.Any("panic", rec), zap.Stack("stack"))
			}
		}()

		select {
		case d.slots <- struct{}{}:
			defer func() { <-d.slots }()
		case <-ctx.Done():
		}
		if err := ctx.Err(); err != nil {
			logger.Warn("job cancelled before it started", zap.Error(err))
			d.abandon(runner, id, logger)
			return
		}

		logger.Info("job started")
		if err := runner.Run(ctx, id); err != nil {
			if errors.Is(err, context.Canceled) {
				logger.Warn("job cancelled", zap.Error(err))
				return
			}
			logger.Error("job failed", zap.Error(err))
			return
		}
		logger.Info("job succeeded")
	}()
}

// abandon fails a run that never got a slot so it does not stay PENDING.
func (d *LocalDispatcher) abandon(runner Runner, id uuid.UUID, logger *zap.Logger) {
	a, ok := runner.(Abandoner)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), abandonTimeout)
	defer cancel()
	if err := a.Abandon(ctx, id, "cancelled before it started"); err != nil {
		logger.Error("failed to abandon job", zap.Error(err))
	}
}
