// Package ingestion turns a mapped spreadsheet into claim records.
package ingestion

import (
	"context"
	"fmt"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rpattn/claimsflow/internal/domain"
	"github.com/rpattn/claimsflow/internal/lifecycle"
	"github.com/rpattn/claimsflow/internal/repository"
	"github.com/rpattn/claimsflow/internal/rowsource"
)

// StateMachine is the slice of lifecycle.Machine the service uses.
type StateMachine interface {
	Lock(ctx context.Context, fileID uuid.UUID) (domain.File, error)
	ApplySteps(ctx context.Context, file domain.File, steps []lifecycle.Step, actor string) (domain.File, error)
}

// BlobReader loads stored file payloads.
type BlobReader interface {
	Get(ctx context.Context, key string) ([]byte, error)
}

// Scheduler enqueues the background ingestion of a run. It is called inside
// the start transaction.
type Scheduler interface {
	EnqueueIngestion(ctx context.Context, processingID uuid.UUID) error
}

var (
	toClaimsProcessing = lifecycle.Step{Status: domain.FileStatusProcessingClaims, Stage: domain.StageClaimsProcessing}
	toClaimsProcessed  = lifecycle.Step{Status: domain.FileStatusProcessed, Stage: domain.StageClaimsProcessed}
	toIngestionError   = lifecycle.Step{Status: domain.FileStatusError, Stage: domain.StageMappingComplete}
)

// Service starts, runs and reports claim ingestion.
type Service struct {
	files     repository.FileRepository
	mappings  repository.MappingRepository
	claims    repository.ClaimRepository
	runs      repository.ProcessingRunRepository
	machine   StateMachine
	tx        Transactor
	blobs     BlobReader
	scheduler Scheduler
	ingestor  *BatchIngestor
	logger    *zap.Logger
	now       func() time.Time
}

// Deps groups the collaborators of Service.
type Deps struct {
	Files     repository.FileRepository
	Mappings  repository.MappingRepository
	Claims    repository.ClaimRepository
	Runs      repository.ProcessingRunRepository
	Machine   StateMachine
	Tx        Transactor
	Blobs     BlobReader
	BatchSize int
	Logger    *zap.Logger
}

// NewService creates a new ingestion service. The scheduler is attached with
// SetScheduler once the job queue exists.
func NewService(deps Deps) *Service {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		files:    deps.Files,
		mappings: deps.Mappings,
		claims:   deps.Claims,
		runs:     deps.Runs,
		machine:  deps.Machine,
		tx:       deps.Tx,
		blobs:    deps.Blobs,
		ingestor: NewBatchIngestor(deps.Claims, deps.Tx, deps.BatchSize, logger),
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// SetScheduler attaches the job queue.
func (s *Service) SetScheduler(scheduler Scheduler) {
	s.scheduler = scheduler
}

// Status is the persisted progress of the latest ingestion of a file.
type Status struct {
	ProcessingID  uuid.UUID               `json:"processingId"`
	Status        domain.ProcessingStatus `json:"status"`
	ProcessedRows int                     `json:"processedRows"`
	TotalRows     int                     `json:"totalRows"`
	Percentage    float64                 `json:"percentage"`
	StartedAt     time.Time               `json:"startTime"`
	CompletedAt   *time.Time              `json:"endTime,omitempty"`
	ErrorDetails  *domain.ErrorDetails    `json:"errorDetails,omitempty"`
}

// ClaimPage is one page of claim records.
type ClaimPage struct {
	Records []domain.ClaimRecord `json:"records"`
	Total   int                  `json:"total"`
	Limit   int                  `json:"limit"`
	Offset  int                  `json:"offset"`
}

// Start creates a processing run for a MAPPED file, moves the file to
// CLAIMS_PROCESSING and enqueues the work. Claim records left by an earlier
// failed ingestion are removed first.
func (s *Service) Start(ctx context.Context, fileID uuid.UUID, actor string) (uuid.UUID, error) {
	if s.scheduler == nil {
		return uuid.Nil, errors.Wrap(domain.ErrNotInitialized, "ingestion scheduler")
	}

	var processingID uuid.UUID
	err := s.tx.WithTx(ctx, func(ctx context.Context) error {
		file, err := s.machine.Lock(ctx, fileID)
		if err != nil {
			return err
		}
		if file.Status != domain.FileStatusMapped {
			return errors.Wrapf(domain.ErrPreconditionFailed,
				"file %s is %s, processing requires %s", fileID, file.Status, domain.FileStatusMapped)
		}
		if _, err := s.mappings.GetActive(ctx, fileID); err != nil {
			return err
		}
		removed, err := s.claims.DeleteByFile(ctx, fileID)
		if err != nil {
			return err
		}
		if removed > 0 {
			s.logger.Info("removed claims from earlier ingestion",
				zap.String("file_id", fileID.String()), zap.Int64("records", removed))
		}
		run, err := s.runs.Create(ctx, domain.ProcessingRun{
			FileID:    fileID,
			Status:    domain.ProcessingStatusPending,
			TotalRows: file.RowCount,
			CreatedBy: actor,
		})
		if err != nil {
			return err
		}
		if _, err := s.machine.ApplySteps(ctx, file, []lifecycle.Step{toClaimsProcessing}, actor); err != nil {
			return err
		}
		processingID = run.ID
		return s.scheduler.EnqueueIngestion(ctx, run.ID)
	})
	if err != nil {
		return uuid.Nil, err
	}

	s.logger.Info("ingestion queued",
		zap.String("file_id", fileID.String()),
		zap.String("processing_id", processingID.String()),
	)
	return processingID, nil
}

// Run executes a queued processing run. It is the body of the background job.
func (s *Service) Run(ctx context.Context, processingID uuid.UUID) error {
	run, err := s.runs.GetByID(ctx, processingID)
	if err != nil {
		return err
	}
	if err := s.runs.MarkProcessing(ctx, processingID); err != nil {
		if errors.Is(err, repository.ErrRunStatusConflict) {
			s.logger.Warn("processing run already picked up",
				zap.String("processing_id", processingID.String()),
				zap.String("status", string(run.Status)))
			return nil
		}
		return err
	}

	logger := s.logger.With(
		zap.String("file_id", run.FileID.String()),
		zap.String("processing_id", processingID.String()),
	)
	start := time.Now()

	processed, err := s.ingest(ctx, run)
	if err != nil {
		logger.Error("ingestion failed", zap.Int("processed_rows", processed), zap.Error(err))
		if failErr := s.fail(context.WithoutCancel(ctx), run, err); failErr != nil {
			logger.Error("failed to record ingestion failure", zap.Error(failErr))
		}
		return err
	}

	err = s.tx.WithTx(ctx, func(ctx context.Context) error {
		if err := s.runs.MarkCompleted(ctx, processingID, s.now()); err != nil {
			return err
		}
		file, err := s.machine.Lock(ctx, run.FileID)
		if err != nil {
			return err
		}
		_, err = s.machine.ApplySteps(ctx, file, []lifecycle.Step{toClaimsProcessed}, run.CreatedBy)
		return err
	})
	if err != nil {
		logger.Error("failed to complete ingestion", zap.Error(err))
		if failErr := s.fail(context.WithoutCancel(ctx), run, err); failErr != nil {
			logger.Error("failed to record ingestion failure", zap.Error(failErr))
		}
		return err
	}

	logger.Info("ingestion completed",
		zap.Int("rows", processed),
		zap.Duration("elapsed", time.Since(start)),
	)
	return nil
}

func (s *Service) ingest(ctx context.Context, run domain.ProcessingRun) (int, error) {
	file, err := s.files.GetByID(ctx, run.FileID)
	if err != nil {
		return 0, err
	}
	mapping, err := s.mappings.GetActive(ctx, run.FileID)
	if err != nil {
		return 0, err
	}
	payload, err := s.blobs.Get(ctx, file.StorageKey)
	if err != nil {
		return 0, err
	}
	table, err := rowsource.Parse(file.OriginalFilename, payload)
	if err != nil {
		return 0, err
	}
	if err := s.runs.UpdateProgress(ctx, run.ID, 0, table.Len()); err != nil {
		return 0, err
	}

	return s.ingestor.Ingest(ctx, run.FileID, table.Rows, mapping.TargetsBySource(),
		func(ctx context.Context, processed, total int) error {
			return s.runs.UpdateProgress(ctx, run.ID, processed, total)
		})
}

func (s *Service) fail(ctx context.Context, run domain.ProcessingRun, cause error) error {
	details := domain.ErrorDetails{
		Message:   cause.Error(),
		Timestamp: s.now(),
		Details:   fmt.Sprintf("%+v", cause),
	}
	return s.tx.WithTx(ctx, func(ctx context.Context) error {
		if err := s.runs.MarkFailed(ctx, run.ID, details); err != nil {
			return err
		}
		file, err := s.machine.Lock(ctx, run.FileID)
		if err != nil {
			return err
		}
		if file.ProcessingStage != toClaimsProcessing.Stage {
			// the file was moved by hand while the run was open
			s.logger.Warn("file left claims processing before its run failed",
				zap.String("file_id", file.ID.String()),
				zap.String("status", string(file.Status)),
				zap.String("stage", string(file.ProcessingStage)))
			return nil
		}
		_, err = s.machine.ApplySteps(ctx, file, []lifecycle.Step{toIngestionError}, run.CreatedBy)
		return err
	})
}

// Abandon fails a run whose job will never execute, and moves its file to
// ERROR. A run that already finished is left untouched.
func (s *Service) Abandon(ctx context.Context, processingID uuid.UUID, reason string) error {
	run, err := s.runs.GetByID(ctx, processingID)
	if err != nil {
		return err
	}
	if run.Status.Terminal() {
		return nil
	}
	err = s.fail(ctx, run, errors.Mark(errors.Newf("ingestion abandoned: %s", reason), domain.ErrRunAbort))
	if errors.Is(err, repository.ErrRunStatusConflict) {
		return nil
	}
	if err != nil {
		return err
	}
	s.logger.Warn("ingestion abandoned",
		zap.String("file_id", run.FileID.String()),
		zap.String("processing_id", processingID.String()),
		zap.String("reason", reason))
	return nil
}

// FailStale abandons every unfinished run with no progress since before and
// returns how many it failed.
func (s *Service) FailStale(ctx context.Context, before time.Time) (int, error) {
	runs, err := s.runs.ListStale(ctx, before)
	if err != nil {
		return 0, err
	}
	var (
		failed int
		errs   error
	)
	reason := "no progress since " + before.UTC().Format(time.RFC3339)
	for _, run := range runs {
		if err := s.Abandon(ctx, run.ID, reason); err != nil {
			errs = errors.CombineErrors(errs, errors.Wrapf(err, "abandon processing run %s", run.ID))
			continue
		}
		failed++
	}
	return failed, errs
}

// Status reports the latest ingestion of the file.
func (s *Service) Status(ctx context.Context, fileID uuid.UUID) (Status, error) {
	run, err := s.runs.GetLatestByFile(ctx, fileID)
	if err != nil {
		return Status{}, err
	}
	percentage := 0.0
	if run.TotalRows > 0 {
		percentage = float64(run.ProcessedRows) * 100 / float64(run.TotalRows)
	}
	return Status{
		ProcessingID:  run.ID,
		Status:        run.Status,
		ProcessedRows: run.ProcessedRows,
		TotalRows:     run.TotalRows,
		Percentage:    percentage,
		StartedAt:     run.StartedAt,
		CompletedAt:   run.CompletedAt,
		ErrorDetails:  run.ErrorDetails,
	}, nil
}

// ListClaims pages the claim records of a file by row number.
func (s *Service) ListClaims(ctx context.Context, fileID uuid.UUID, filter domain.ClaimFilter) (ClaimPage, error) {
	if _, err := s.files.GetByID(ctx, fileID); err != nil {
		return ClaimPage{}, err
	}
	if filter.Limit <= 0 || filter.Limit > 500 {
		filter.Limit = 50
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}
	records, total, err := s.claims.List(ctx, fileID, filter)
	if err != nil {
		return ClaimPage{}, err
	}
	return ClaimPage{Records: records, Total: total, Limit: filter.Limit, Offset: filter.Offset}, nil
}
