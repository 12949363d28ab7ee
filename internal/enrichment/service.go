package enrichment

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rpattn/claimsflow/internal/domain"
	"github.com/rpattn/claimsflow/internal/repository"
)

// Scheduler enqueues a run. It is called inside the start transaction.
type Scheduler interface {
	EnqueueEnrichment(ctx context.Context, runID uuid.UUID) error
}

// Service starts enrichment runs and reports on them.
type Service struct {
	files     repository.FileRepository
	mappings  repository.MappingRepository
	claims    repository.ClaimRepository
	runs      repository.EnrichmentRunRepository
	registry  *Registry
	tx        Transactor
	scheduler Scheduler
	logger    *zap.Logger
}

// Deps groups the collaborators of Service.
type Deps struct {
	Files    repository.FileRepository
	Mappings repository.MappingRepository
	Claims   repository.ClaimRepository
	Runs     repository.EnrichmentRunRepository
	Registry *Registry
	Tx       Transactor
	Logger   *zap.Logger
}

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
		registry: deps.Registry,
		tx:       deps.Tx,
		logger:   logger,
	}
}

// SetScheduler attaches the job queue.
func (s *Service) SetScheduler(scheduler Scheduler) {
	s.scheduler = scheduler
}

// Status is the persisted progress of the latest enrichment of a file.
type Status struct {
	RunID           *uuid.UUID                 `json:"runId,omitempty"`
	Status          domain.EnrichmentRunStatus `json:"status"`
	TotalRecords    int                        `json:"totalRecords"`
	EnrichedRecords int                        `json:"enrichedRecords"`
	FailedRecords   int                        `json:"failedRecords"`
	PercentComplete float64                    `json:"percentComplete"`
	StartedAt       *time.Time                 `json:"startedAt,omitempty"`
	CompletedAt     *time.Time                 `json:"completedAt,omitempty"`
	RuleStats       []domain.RuleStat          `json:"ruleStats"`
	EnrichedFields  map[string]int             `json:"enrichedFields"`
	ErrorMessage    string                     `json:"errorMessage,omitempty"`
}

// RuleCapability tells whether a rule can run against a file's mapping.
type RuleCapability struct {
	RuleID        string   `json:"ruleId"`
	Name          string   `json:"name"`
	CanRun        bool     `json:"canRun"`
	MissingFields []string `json:"missingFields"`
}

// Start creates a PENDING run for the file and enqueues it. The file needs an
// active mapping, at least one claim record and no run in flight.
func (s *Service) Start(ctx context.Context, fileID uuid.UUID, actor string) (uuid.UUID, error) {
	if s.scheduler == nil {
		return uuid.Nil, errors.Wrap(domain.ErrNotInitialized, "enrichment scheduler")
	}
	if _, err := s.registry.ActiveProcessors(); err != nil {
		return uuid.Nil, err
	}

	var runID uuid.UUID
	err := s.tx.WithTx(ctx, func(ctx context.Context) error {
		// serializes concurrent starts for the same file
		if _, err := s.files.GetForUpdate(ctx, fileID); err != nil {
			return err
		}
		if _, err := s.mappings.GetActive(ctx, fileID); err != nil {
			return err
		}
		total, err := s.claims.CountByFile(ctx, fileID)
		if err != nil {
			return err
		}
		if total == 0 {
			return errors.Wrapf(domain.ErrPreconditionFailed, "file %s has no claim records", fileID)
		}
		latest, err := s.runs.GetLatestByFile(ctx, fileID)
		switch {
		case err == nil && !latest.Status.Terminal():
			return errors.Wrapf(domain.ErrPreconditionFailed,
				"enrichment run %s is already %s", latest.ID, latest.Status)
		case err != nil && !errors.Is(err, domain.ErrNotFound):
			return err
		}

		run, err := s.runs.Create(ctx, domain.EnrichmentRun{
			FileID:       fileID,
			TotalRecords: total,
			CreatedBy:    actor,
		})
		if err != nil {
			return err
		}
		runID = run.ID
		return s.scheduler.EnqueueEnrichment(ctx, run.ID)
	})
	if err != nil {
		return uuid.Nil, err
	}

	s.logger.Info("enrichment queued",
		zap.String("file_id", fileID.String()),
		zap.String("run_id", runID.String()))
	return runID, nil
}

// Status reports the latest run of the file, or NOT_STARTED.
func (s *Service) Status(ctx context.Context, fileID uuid.UUID) (Status, error) {
	if _, err := s.files.GetByID(ctx, fileID); err != nil {
		return Status{}, err
	}
	counts, err := s.claims.DynamicFieldCounts(ctx, fileID)
	if err != nil {
		return Status{}, err
	}

	run, err := s.runs.GetLatestByFile(ctx, fileID)
	if errors.Is(err, domain.ErrNotFound) {
		return Status{
			Status:         domain.EnrichmentNotStarted,
			RuleStats:      []domain.RuleStat{},
			EnrichedFields: counts,
		}, nil
	}
	if err != nil {
		return Status{}, err
	}

	percent := 0.0
	if run.TotalRecords > 0 {
		percent = float64(run.EnrichedRecords+run.FailedRecords) * 100 / float64(run.TotalRecords)
	}
	status := Status{
		RunID:           &run.ID,
		Status:          run.Status,
		TotalRecords:    run.TotalRecords,
		EnrichedRecords: run.EnrichedRecords,
		FailedRecords:   run.FailedRecords,
		PercentComplete: percent,
		StartedAt:       &run.StartedAt,
		CompletedAt:     run.CompletedAt,
		RuleStats:       []domain.RuleStat{},
		EnrichedFields:  counts,
	}
	if run.ErrorDetails != nil {
		if run.ErrorDetails.RuleStats != nil {
			status.RuleStats = run.ErrorDetails.RuleStats
		}
		status.ErrorMessage = run.ErrorDetails.Message
	}
	return status, nil
}

// Failures pages the failure rows of the file's latest run.
func (s *Service) Failures(ctx context.Context, fileID uuid.UUID, limit, offset int) ([]domain.EnrichmentFailure, error) {
	run, err := s.runs.GetLatestByFile(ctx, fileID)
	if err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	return s.runs.ListFailures(ctx, run.ID, limit, offset)
}

// Validate reports which active rules can run against the file's mapping.
func (s *Service) Validate(ctx context.Context, fileID uuid.UUID) ([]RuleCapability, error) {
	mapping, err := s.mappings.GetActive(ctx, fileID)
	if err != nil {
		return nil, err
	}
	processors, err := s.registry.ActiveProcessors()
	if err != nil {
		return nil, err
	}

	mapped := make(map[string]struct{}, len(mapping.Columns))
	for _, name := range mapping.FieldNames() {
		mapped[name] = struct{}{}
	}

	out := make([]RuleCapability, 0, len(processors))
	for _, p := range processors {
		missing := []string{}
		for _, field := range p.RequiredFields() {
			if _, ok := mapped[field]; !ok {
				missing = append(missing, field)
			}
		}
		out = append(out, RuleCapability{
			RuleID:        p.RuleID(),
			Name:          p.Name(),
			CanRun:        len(missing) == 0,
			MissingFields: missing,
		})
	}
	return out, nil
}
