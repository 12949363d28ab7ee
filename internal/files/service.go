// Package files registers uploaded claim spreadsheets and exposes their
// lifecycle.
package files

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rpattn/claimsflow/internal/domain"
	"github.com/rpattn/claimsflow/internal/repository"
	"github.com/rpattn/claimsflow/internal/rowsource"
)

// MaxUploadSize bounds accepted uploads.
const MaxUploadSize = 10 << 20

// BlobWriter stores file payloads.
type BlobWriter interface {
	Put(ctx context.Context, key string, payload []byte, contentType string) error
}

// Transitioner applies audited lifecycle transitions.
type Transitioner interface {
	Transition(ctx context.Context, fileID uuid.UUID, status domain.FileStatus, stage domain.ProcessingStage, actor string) (domain.File, error)
}

// Service handles uploads and file state.
type Service struct {
	files   repository.FileRepository
	blobs   BlobWriter
	machine Transitioner
	logger  *zap.Logger
	now     func() time.Time
}

// NewService wires the file service.
func NewService(files repository.FileRepository, blobs BlobWriter, machine Transitioner, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		files:   files,
		blobs:   blobs,
		machine: machine,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// UploadRequest carries an uploaded spreadsheet.
type UploadRequest struct {
	FileName    string
	ContentType string
	Data        []byte
	Actor       string
}

// Upload parses the payload for its headers and row count, stores the bytes
// and registers the file as PENDING / READY_FOR_MAPPING.
func (s *Service) Upload(ctx context.Context, req UploadRequest) (domain.File, error) {
	name := filepath.Base(strings.TrimSpace(req.FileName))
	if name == "" || name == "." {
		return domain.File{}, errors.Wrap(domain.ErrInvalidInput, "file name is required")
	}
	if !rowsource.SupportedExtension(name) {
		return domain.File{}, errors.Wrapf(domain.ErrUnsupportedFormat, "%q", filepath.Ext(name))
	}
	if len(req.Data) == 0 {
		return domain.File{}, errors.Wrap(domain.ErrInvalidInput, "file is empty")
	}
	if len(req.Data) > MaxUploadSize {
		return domain.File{}, errors.Wrapf(domain.ErrInvalidInput, "file exceeds %d bytes", MaxUploadSize)
	}

	table, err := rowsource.Parse(name, req.Data)
	if err != nil {
		return domain.File{}, err
	}

	fileID := uuid.New()
	key := fmt.Sprintf("claims-data/%s/%d-%s", fileID, s.now().UnixMilli(), name)
	if err := s.blobs.Put(ctx, key, req.Data, req.ContentType); err != nil {
		return domain.File{}, err
	}

	file, err := s.files.Create(ctx, domain.File{
		ID:               fileID,
		OriginalFilename: name,
		StorageKey:       key,
		Status:           domain.FileStatusPending,
		ProcessingStage:  domain.StageReadyForMapping,
		FileSize:         int64(len(req.Data)),
		RowCount:         table.Len(),
		OriginalHeaders:  table.Headers,
		CreatedBy:        req.Actor,
	})
	if err != nil {
		return domain.File{}, err
	}

	s.logger.Info("file uploaded",
		zap.String("file_id", file.ID.String()),
		zap.String("name", name),
		zap.Int("rows", file.RowCount),
		zap.Int("headers", len(file.OriginalHeaders)),
	)
	return file, nil
}

// Get returns the file.
func (s *Service) Get(ctx context.Context, fileID uuid.UUID) (domain.File, error) {
	return s.files.GetByID(ctx, fileID)
}

// UpdateStatus applies a manual transition.
func (s *Service) UpdateStatus(ctx context.Context, fileID uuid.UUID, status domain.FileStatus, stage domain.ProcessingStage, actor string) (domain.File, error) {
	return s.machine.Transition(ctx, fileID, status, stage, actor)
}

// History lists the file's audit trail, oldest first.
func (s *Service) History(ctx context.Context, fileID uuid.UUID) ([]domain.FileStatusChange, error) {
	if _, err := s.files.GetByID(ctx, fileID); err != nil {
		return nil, err
	}
	return s.files.ListStatusHistory(ctx, fileID)
}
