package jobs

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/riverqueue/river/rivertype"
	"go.uber.org/zap"
)

// LoggerMiddleware logs the start and outcome of every job.
type LoggerMiddleware struct {
	logger *zap.Logger
}

func NewLoggerMiddleware(logger *zap.Logger) LoggerMiddleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return LoggerMiddleware{logger: logger}
}

// IsMiddleware satisfies rivertype.Middleware.
func (m LoggerMiddleware) IsMiddleware() bool { return true }

func (m LoggerMiddleware) Work(ctx context.Context, job *rivertype.JobRow, doInner func(context.Context) error) error {
	logger := m.logger.With(
		zap.Int64("job_id", job.ID),
		zap.String("job_kind", job.Kind),
		zap.Int("job_attempt", job.Attempt),
		zap.String("queue", job.Queue),
	)
	start := time.Now()
	logger.Info("job started")

	if err := doInner(ctx); err != nil {
		logger.Error("job failed", zap.Duration("elapsed", time.Since(start)), zap.Error(err))
		return err
	}
	logger.Info("job succeeded", zap.Duration("elapsed", time.Since(start)))
	return nil
}

// RecovererMiddleware turns a panicking job into a failed one.
type RecovererMiddleware struct{}

func NewRecovererMiddleware() RecovererMiddleware {
	return RecovererMiddleware{}
}

// IsMiddleware satisfies rivertype.Middleware.
func (m RecovererMiddleware) IsMiddleware() bool { return true }

func (m RecovererMiddleware) Work(ctx context.Context, job *rivertype.JobRow, doInner func(context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Newf("panic in %s job %d: %v", job.Kind, job.ID, r)
		}
	}()
	return doInner(ctx)
}
