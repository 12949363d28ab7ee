package repository

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"github.com/rpattn/claimsflow/internal/domain"
)

// ErrRunStatusConflict indicates that a run cannot move to the requested state.
var ErrRunStatusConflict = errors.New("run status conflict")

// FileRepository persists uploaded files and their transition audit trail.
type FileRepository interface {
	Create(ctx context.Context, file domain.File) (domain.File, error)
	GetByID(ctx context.Context, id uuid.UUID) (domain.File, error)
	// GetForUpdate locks the file row for the rest of the caller's transaction.
	GetForUpdate(ctx context.Context, id uuid.UUID) (domain.File, error)
	UpdateState(ctx context.Context, file domain.File) error
	RecordStatusChange(ctx context.Context, change domain.FileStatusChange) error
	ListStatusHistory(ctx context.Context, fileID uuid.UUID) ([]domain.FileStatusChange, error)
}

// FieldCatalogRepository reads the canonical claim schema.
type FieldCatalogRepository interface {
	ListFields(ctx context.Context) ([]domain.CanonicalField, error)
	ListVariations(ctx context.Context) ([]domain.FieldVariation, error)
}

// MappingRepository stores the active column mapping of each file.
type MappingRepository interface {
	GetActive(ctx context.Context, fileID uuid.UUID) (domain.FieldMapping, error)
	// ReplaceActive deactivates the current mapping and stores the new one.
	ReplaceActive(ctx context.Context, mapping domain.FieldMapping) (domain.FieldMapping, error)
}

// ClaimRepository persists claim records.
type ClaimRepository interface {
	InsertBatch(ctx context.Context, records []domain.ClaimRecord) error
	CountByFile(ctx context.Context, fileID uuid.UUID) (int, error)
	// ListBatch pages records by ascending row number.
	ListBatch(ctx context.Context, fileID uuid.UUID, limit, offset int) ([]domain.ClaimRecord, error)
	List(ctx context.Context, fileID uuid.UUID, filter domain.ClaimFilter) ([]domain.ClaimRecord, int, error)
	// MergeDynamicFields merges groups into dynamic_fields by top-level key.
	MergeDynamicFields(ctx context.Context, recordID uuid.UUID, groups domain.FieldGroups) error
	DeleteByFile(ctx context.Context, fileID uuid.UUID) (int64, error)
	// DynamicFieldCounts counts records per top-level dynamic field key.
	DynamicFieldCounts(ctx context.Context, fileID uuid.UUID) (map[string]int, error)
}

// ProcessingRunRepository stores ingestion progress rows.
type ProcessingRunRepository interface {
	Create(ctx context.Context, run domain.ProcessingRun) (domain.ProcessingRun, error)
	GetByID(ctx context.Context, id uuid.UUID) (domain.ProcessingRun, error)
	GetLatestByFile(ctx context.Context, fileID uuid.UUID) (domain.ProcessingRun, error)
	MarkProcessing(ctx context.Context, id uuid.UUID) error
	UpdateProgress(ctx context.Context, id uuid.UUID, processedRows, totalRows int) error
	MarkCompleted(ctx context.Context, id uuid.UUID, completedAt time.Time) error
	MarkFailed(ctx context.Context, id uuid.UUID, details domain.ErrorDetails) error
	// ListStale returns unfinished runs last touched before the given time.
	ListStale(ctx context.Context, before time.Time) ([]domain.ProcessingRun, error)
}

// EnrichmentRunRepository stores enrichment runs and their failure audit rows.
type EnrichmentRunRepository interface {
	Create(ctx context.Context, run domain.EnrichmentRun) (domain.EnrichmentRun, error)
	GetByID(ctx context.Context, id uuid.UUID) (domain.EnrichmentRun, error)
	GetLatestByFile(ctx context.Context, fileID uuid.UUID) (domain.EnrichmentRun, error)
	MarkRunning(ctx context.Context, id uuid.UUID) error
	UpdateCounters(ctx context.Context, id uuid.UUID, enriched, failed int) error
	Finish(ctx context.Context, id uuid.UUID, status domain.EnrichmentRunStatus, details domain.RunDetails, completedAt time.Time) error
	RecordFailures(ctx context.Context, failures []domain.EnrichmentFailure) error
	ListFailures(ctx context.Context, runID uuid.UUID, limit, offset int) ([]domain.EnrichmentFailure, error)
	ListStale(ctx context.Context, before time.Time) ([]domain.EnrichmentRun, error)
}

// RuleDefinitionRepository reads configured enrichment rules.
type RuleDefinitionRepository interface {
	ListActive(ctx context.Context) ([]domain.RuleDefinition, error)
}
