package repository

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"github.com/rpattn/claimsflow/internal/db"
	"github.com/rpattn/claimsflow/internal/domain"
)

const processingRunColumns = `processing_id, file_id, status, total_rows, processed_rows,
	error_details, created_by, start_time, end_time, updated_at`

type processingRunRepository struct {
	pool db.Pool
}

// NewProcessingRunRepository wires the ingestion progress store.
func NewProcessingRunRepository(pool db.Pool) ProcessingRunRepository {
	return &processingRunRepository{pool: pool}
}

func (r *processingRunRepository) Create(ctx context.Context, run domain.ProcessingRun) (domain.ProcessingRun, error) {
	if run.ID == uuid.Nil {
		run.ID = uuid.New()
	}
	if run.Status == "" {
		run.Status = domain.ProcessingStatusPending
	}
	row := db.Conn(ctx, r.pool).QueryRow(ctx,
		`INSERT INTO claim_processing_history (processing_id, file_id, status, total_rows, processed_rows, created_by)
		 VALUES ($1, $2, $3, $4, 0, $5)
		 RETURNING `+processingRunColumns,
		run.ID, run.FileID, string(run.Status), run.TotalRows, run.CreatedBy,
	)
	created, err := scanProcessingRun(row)
	if err != nil {
		return domain.ProcessingRun{}, errors.Wrap(err, "failed to create processing run")
	}
	return created, nil
}

func (r *processingRunRepository) GetByID(ctx context.Context, id uuid.UUID) (domain.ProcessingRun, error) {
	row := db.Conn(ctx, r.pool).QueryRow(ctx,
		`SELECT `+processingRunColumns+` FROM claim_processing_history WHERE processing_id = $1`, id)
	run, err := scanProcessingRun(row)
	if err != nil {
		return domain.ProcessingRun{}, wrapNotFound(err, "failed to load processing run")
	}
	return run, nil
}

func (r *processingRunRepository) GetLatestByFile(ctx context.Context, fileID uuid.UUID) (domain.ProcessingRun, error) {
	row := db.Conn(ctx, r.pool).QueryRow(ctx,
		`SELECT `+processingRunColumns+`
		 FROM claim_processing_history
		 WHERE file_id = $1
		 ORDER BY start_time DESC
		 LIMIT 1`, fileID)
	run, err := scanProcessingRun(row)
	if err != nil {
		return domain.ProcessingRun{}, wrapNotFound(err, "failed to load latest processing run")
	}
	return run, nil
}

func (r *processingRunRepository) MarkProcessing(ctx context.Context, id uuid.UUID) error {
	tag, err := db.Conn(ctx, r.pool).Exec(ctx,
		`UPDATE claim_processing_history
		 SET status = $1, updated_at = NOW()
		 WHERE processing_id = $2 AND status = $3`,
		string(domain.ProcessingStatusProcessing), id, string(domain.ProcessingStatusPending),
	)
	if err != nil {
		return errors.Wrap(err, "failed to mark processing run started")
	}
	if tag.RowsAffected() == 0 {
		return ErrRunStatusConflict
	}
	return nil
}

func (r *processingRunRepository) UpdateProgress(ctx context.Context, id uuid.UUID, processedRows, totalRows int) error {
	_, err := db.Conn(ctx, r.pool).Exec(ctx,
		`UPDATE claim_processing_history
		 SET processed_rows = $1, total_rows = $2, updated_at = NOW()
		 WHERE processing_id = $3`,
		processedRows, totalRows, id,
	)
	if err != nil {
		return errors.Wrap(err, "failed to update processing progress")
	}
	return nil
}

func (r *processingRunRepository) MarkCompleted(ctx context.Context, id uuid.UUID, completedAt time.Time) error {
	_, err := db.Conn(ctx, r.pool).Exec(ctx,
		`UPDATE claim_processing_history
		 SET status = $1, end_time = $2, updated_at = NOW()
		 WHERE processing_id = $3`,
		string(domain.ProcessingStatusCompleted), completedAt, id,
	)
	if err != nil {
		return errors.Wrap(err, "failed to mark processing run completed")
	}
	return nil
}

// MarkFailed only moves runs that are still pending or processing.
func (r *processingRunRepository) MarkFailed(ctx context.Context, id uuid.UUID, details domain.ErrorDetails) error {
	payload, err := json.Marshal(details)
	if err != nil {
		return errors.Wrap(err, "encode processing error details")
	}
	tag, err := db.Conn(ctx, r.pool).Exec(ctx,
		`UPDATE claim_processing_history
		 SET status = $1, error_details = $2, end_time = $3, updated_at = NOW()
		 WHERE processing_id = $4 AND status IN ($5, $6)`,
		string(domain.ProcessingStatusError), payload, details.Timestamp, id,
		string(domain.ProcessingStatusPending), string(domain.ProcessingStatusProcessing),
	)
	if err != nil {
		return errors.Wrap(err, "failed to mark processing run failed")
	}
	if tag.RowsAffected() == 0 {
		return ErrRunStatusConflict
	}
	return nil
}

func (r *processingRunRepository) ListStale(ctx context.Context, before time.Time) ([]domain.ProcessingRun, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx,
		`SELECT `+processingRunColumns+`
		 FROM claim_processing_history
		 WHERE status IN ($1, $2) AND updated_at < $3
		 ORDER BY start_time ASC`,
		string(domain.ProcessingStatusPending), string(domain.ProcessingStatusProcessing), before,
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list stale processing runs")
	}
	defer rows.Close()

	runs := []domain.ProcessingRun{}
	for rows.Next() {
		run, err := scanProcessingRun(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan processing run")
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate processing runs")
	}
	return runs, nil
}

func scanProcessingRun(row rowScanner) (domain.ProcessingRun, error) {
	var (
		run     domain.ProcessingRun
		status  string
		details []byte
	)
	if err := row.Scan(
		&run.ID,
		&run.FileID,
		&status,
		&run.TotalRows,
		&run.ProcessedRows,
		&details,
		&run.CreatedBy,
		&run.StartedAt,
		&run.CompletedAt,
		&run.UpdatedAt,
	); err != nil {
		return domain.ProcessingRun{}, err
	}
	run.Status = domain.ProcessingStatus(status)
	if len(details) > 0 {
		var decoded domain.ErrorDetails
		if err := json.Unmarshal(details, &decoded); err != nil {
			return domain.ProcessingRun{}, errors.Wrap(err, "decode processing error details")
		}
		run.ErrorDetails = &decoded
	}
	return run, nil
}
