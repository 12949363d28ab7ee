package ingestion

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rpattn/claimsflow/internal/domain"
)

// DefaultBatchSize is the number of rows committed per transaction.
const DefaultBatchSize = 100

// ClaimWriter persists claim records.
type ClaimWriter interface {
	InsertBatch(ctx context.Context, records []domain.ClaimRecord) error
}

// Transactor runs fn in a context-scoped transaction.
type Transactor interface {
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// ProgressFunc observes committed progress after every batch.
type ProgressFunc func(ctx context.Context, processedRows, totalRows int) error

// BatchIngestor writes mapped rows as claim records, one transaction per batch.
type BatchIngestor struct {
	claims    ClaimWriter
	tx        Transactor
	batchSize int
	logger    *zap.Logger
}

// NewBatchIngestor builds an ingestor. A batchSize <= 0 uses DefaultBatchSize.
func NewBatchIngestor(claims ClaimWriter, tx Transactor, batchSize int, logger *zap.Logger) *BatchIngestor {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BatchIngestor{claims: claims, tx: tx, batchSize: batchSize, logger: logger}
}

// Ingest writes rows in order. Row numbers are 1-based over the whole
// sequence. targets maps source column to canonical field name; columns absent
// from it land in the unmapped fields. Cancellation is honored between batches
// only. Batches committed before a failure stay committed, and the returned
// count covers them.
func (b *BatchIngestor) Ingest(ctx context.Context, fileID uuid.UUID, rows []domain.Fields, targets map[string]string, progress ProgressFunc) (int, error) {
	total := len(rows)
	processed := 0

	for start := 0; start < total; start += b.batchSize {
		if err := ctx.Err(); err != nil {
			return processed, errors.Wrapf(err, "ingestion stopped after %d rows", processed)
		}

		end := min(start+b.batchSize, total)
		records := make([]domain.ClaimRecord, 0, end-start)
		for i := start; i < end; i++ {
			records = append(records, BuildRecord(fileID, i+1, rows[i], targets))
		}

		err := b.tx.WithTx(ctx, func(ctx context.Context) error {
			return b.claims.InsertBatch(ctx, records)
		})
		if err != nil {
			return processed, errors.Mark(
				errors.Wrapf(err, "batch starting at row %d", start+1),
				domain.ErrBatchFailure,
			)
		}
		processed = end

		b.logger.Debug("batch committed",
			zap.String("file_id", fileID.String()),
			zap.Int("processed", processed),
			zap.Int("total", total),
		)
		if progress != nil {
			if err := progress(ctx, processed, total); err != nil {
				return processed, err
			}
		}
	}
	return processed, nil
}

// BuildRecord splits one row into mapped and unmapped fields.
func BuildRecord(fileID uuid.UUID, rowNumber int, row domain.Fields, targets map[string]string) domain.ClaimRecord {
	mapped := domain.NewFields()
	unmapped := domain.NewFields()
	for _, column := range row.Keys() {
		value, _ := row.Get(column)
		if field, ok := targets[column]; ok {
			mapped.Set(field, value)
			continue
		}
		unmapped.Set(column, value)
	}
	return domain.ClaimRecord{
		ID:               uuid.New(),
		FileID:           fileID,
		RowNumber:        rowNumber,
		MappedFields:     mapped,
		UnmappedFields:   unmapped,
		DynamicFields:    domain.NewFieldGroups(),
		ValidationStatus: domain.ValidationStatusPending,
		ProcessingStatus: domain.RecordStatusProcessed,
	}
}
