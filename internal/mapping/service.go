package mapping

import (
	"context"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rpattn/claimsflow/internal/domain"
	"github.com/rpattn/claimsflow/internal/lifecycle"
	"github.com/rpattn/claimsflow/internal/repository"
)

// StateMachine is the slice of lifecycle.Machine the service uses.
type StateMachine interface {
	Lock(ctx context.Context, fileID uuid.UUID) (domain.File, error)
	ApplySteps(ctx context.Context, file domain.File, steps []lifecycle.Step, actor string) (domain.File, error)
}

// Transactor runs fn in a context-scoped transaction.
type Transactor interface {
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// Service suggests, stores and reads file mappings.
type Service struct {
	files     repository.FileRepository
	catalog   repository.FieldCatalogRepository
	mappings  repository.MappingRepository
	machine   StateMachine
	tx        Transactor
	threshold float64
	logger    *zap.Logger
}

// NewService wires the mapping service.
func NewService(
	files repository.FileRepository,
	catalog repository.FieldCatalogRepository,
	mappings repository.MappingRepository,
	machine StateMachine,
	tx Transactor,
	threshold float64,
	logger *zap.Logger,
) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		files:     files,
		catalog:   catalog,
		mappings:  mappings,
		machine:   machine,
		tx:        tx,
		threshold: threshold,
		logger:    logger,
	}
}

// ColumnInput is one requested source column binding.
type ColumnInput struct {
	SourceColumn string    `json:"sourceColumn"`
	FieldID      uuid.UUID `json:"fieldId"`
}

// Catalog is the canonical schema with its known header variations.
type Catalog struct {
	Fields     []domain.CanonicalField `json:"fields"`
	Variations []domain.FieldVariation `json:"variations"`
}

// Catalog returns the canonical fields and variations.
func (s *Service) Catalog(ctx context.Context) (Catalog, error) {
	fields, err := s.catalog.ListFields(ctx)
	if err != nil {
		return Catalog{}, err
	}
	variations, err := s.catalog.ListVariations(ctx)
	if err != nil {
		return Catalog{}, err
	}
	return Catalog{Fields: fields, Variations: variations}, nil
}

// Suggest auto-maps the file's original headers.
func (s *Service) Suggest(ctx context.Context, fileID uuid.UUID) (Result, error) {
	file, err := s.files.GetByID(ctx, fileID)
	if err != nil {
		return Result{}, err
	}
	catalog, err := s.Catalog(ctx)
	if err != nil {
		return Result{}, err
	}
	result := AutoMap(file.OriginalHeaders, catalog.Fields, catalog.Variations, s.threshold)
	s.logger.Info("auto-mapped headers",
		zap.String("file_id", fileID.String()),
		zap.Int("headers", len(file.OriginalHeaders)),
		zap.Int("exact", result.ExactMatches),
		zap.Int("variation", result.VariationMatches),
		zap.Int("similarity", result.SimilarityMatches),
	)
	return result, nil
}

// Get returns the active mapping of the file.
func (s *Service) Get(ctx context.Context, fileID uuid.UUID) (domain.FieldMapping, error) {
	return s.mappings.GetActive(ctx, fileID)
}

// Save replaces the active mapping and walks the file to MAPPED in the same
// transaction.
func (s *Service) Save(ctx context.Context, fileID uuid.UUID, columns []ColumnInput, actor string) (domain.FieldMapping, error) {
	fields, err := s.catalog.ListFields(ctx)
	if err != nil {
		return domain.FieldMapping{}, err
	}

	var saved domain.FieldMapping
	err = s.tx.WithTx(ctx, func(ctx context.Context) error {
		file, err := s.machine.Lock(ctx, fileID)
		if err != nil {
			return err
		}
		resolved, err := resolveColumns(file, fields, columns)
		if err != nil {
			return err
		}
		plan, err := lifecycle.MappingPlan(file)
		if err != nil {
			return err
		}
		saved, err = s.mappings.ReplaceActive(ctx, domain.FieldMapping{
			FileID:    fileID,
			Columns:   resolved,
			CreatedBy: actor,
		})
		if err != nil {
			return err
		}
		_, err = s.machine.ApplySteps(ctx, file, plan, actor)
		return err
	})
	if err != nil {
		return domain.FieldMapping{}, err
	}

	s.logger.Info("mapping saved",
		zap.String("file_id", fileID.String()),
		zap.Int("columns", len(saved.Columns)),
		zap.String("actor", actor),
	)
	return saved, nil
}

func resolveColumns(file domain.File, fields []domain.CanonicalField, columns []ColumnInput) ([]domain.MappingColumn, error) {
	if len(columns) == 0 {
		return nil, errors.Wrap(domain.ErrInvalidInput, "mapping requires at least one column")
	}

	known := make(map[uuid.UUID]domain.CanonicalField, len(fields))
	for _, f := range fields {
		known[f.ID] = f
	}
	headers := make(map[string]struct{}, len(file.OriginalHeaders))
	for _, h := range file.OriginalHeaders {
		headers[h] = struct{}{}
	}

	seenSources := make(map[string]struct{}, len(columns))
	seenFields := make(map[uuid.UUID]string, len(columns))
	out := make([]domain.MappingColumn, 0, len(columns))
	for _, col := range columns {
		source := strings.TrimSpace(col.SourceColumn)
		if source == "" {
			return nil, errors.Wrap(domain.ErrInvalidInput, "source column is required")
		}
		if len(headers) > 0 {
			if _, ok := headers[source]; !ok {
				return nil, errors.Wrapf(domain.ErrInvalidInput, "column %q is not a header of the file", source)
			}
		}
		if _, dup := seenSources[source]; dup {
			return nil, errors.Wrapf(domain.ErrInvalidInput, "column %q mapped twice", source)
		}
		field, ok := known[col.FieldID]
		if !ok {
			return nil, errors.Wrapf(domain.ErrInvalidInput, "unknown canonical field %s", col.FieldID)
		}
		if other, dup := seenFields[field.ID]; dup {
			return nil, errors.Wrapf(domain.ErrInvalidInput, "field %s already mapped from %q", field.FieldName, other)
		}
		seenSources[source] = struct{}{}
		seenFields[field.ID] = source
		out = append(out, domain.MappingColumn{SourceColumn: source, FieldID: field.ID, FieldName: field.FieldName})
	}
	return out, nil
}
