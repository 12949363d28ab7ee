package repository

import (
	"context"
	"encoding/json"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"github.com/rpattn/claimsflow/internal/db"
	"github.com/rpattn/claimsflow/internal/domain"
)

const fileColumns = `file_id, original_filename, storage_key, status, processing_stage, file_size,
	row_count, original_headers, created_by, updated_by, created_at, updated_at`

type fileRepository struct {
	pool db.Pool
}

// NewFileRepository wires a file repository backed by pgx.
func NewFileRepository(pool db.Pool) FileRepository {
	return &fileRepository{pool: pool}
}

func (r *fileRepository) Create(ctx context.Context, file domain.File) (domain.File, error) {
	if file.ID == uuid.Nil {
		file.ID = uuid.New()
	}
	headers, err := json.Marshal(file.OriginalHeaders)
	if err != nil {
		return domain.File{}, errors.Wrap(err, "encode original headers")
	}
	row := db.Conn(ctx, r.pool).QueryRow(ctx,
		`INSERT INTO claims_file_registry (
			file_id, original_filename, storage_key, status, processing_stage, file_size,
			row_count, original_headers, created_by, updated_by
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)
		RETURNING `+fileColumns,
		file.ID,
		file.OriginalFilename,
		file.StorageKey,
		string(file.Status),
		string(file.ProcessingStage),
		file.FileSize,
		file.RowCount,
		headers,
		file.CreatedBy,
	)
	created, err := scanFile(row)
	if err != nil {
		return domain.File{}, errors.Wrap(err, "failed to create file")
	}
	return created, nil
}

func (r *fileRepository) GetByID(ctx context.Context, id uuid.UUID) (domain.File, error) {
	row := db.Conn(ctx, r.pool).QueryRow(ctx,
		`SELECT `+fileColumns+` FROM claims_file_registry WHERE file_id = $1`, id)
	file, err := scanFile(row)
	if err != nil {
		return domain.File{}, wrapNotFound(err, "failed to load file")
	}
	return file, nil
}

func (r *fileRepository) GetForUpdate(ctx context.Context, id uuid.UUID) (domain.File, error) {
	row := db.Conn(ctx, r.pool).QueryRow(ctx,
		`SELECT `+fileColumns+` FROM claims_file_registry WHERE file_id = $1 FOR UPDATE`, id)
	file, err := scanFile(row)
	if err != nil {
		return domain.File{}, wrapNotFound(err, "failed to lock file")
	}
	return file, nil
}

func (r *fileRepository) UpdateState(ctx context.Context, file domain.File) error {
	tag, err := db.Conn(ctx, r.pool).Exec(ctx,
		`UPDATE claims_file_registry
		 SET status = $1, processing_stage = $2, updated_by = $3, updated_at = $4
		 WHERE file_id = $5`,
		string(file.Status),
		string(file.ProcessingStage),
		file.UpdatedBy,
		file.UpdatedAt,
		file.ID,
	)
	if err != nil {
		return errors.Wrap(err, "failed to update file state")
	}
	if tag.RowsAffected() == 0 {
		return errors.Wrapf(domain.ErrNotFound, "file %s", file.ID)
	}
	return nil
}

func (r *fileRepository) RecordStatusChange(ctx context.Context, change domain.FileStatusChange) error {
	if change.ID == uuid.Nil {
		change.ID = uuid.New()
	}
	_, err := db.Conn(ctx, r.pool).Exec(ctx,
		`INSERT INTO file_status_history (
			id, file_id, previous_status, new_status, previous_stage, new_stage, created_by, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		change.ID,
		change.FileID,
		string(change.PreviousStatus),
		string(change.NewStatus),
		string(change.PreviousStage),
		string(change.NewStage),
		change.Actor,
		change.CreatedAt,
	)
	if err != nil {
		return errors.Wrap(err, "failed to record status change")
	}
	return nil
}

func (r *fileRepository) ListStatusHistory(ctx context.Context, fileID uuid.UUID) ([]domain.FileStatusChange, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx,
		`SELECT id, file_id, previous_status, new_status, previous_stage, new_stage, created_by, created_at
		 FROM file_status_history
		 WHERE file_id = $1
		 ORDER BY created_at ASC`,
		fileID,
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list status history")
	}
	defer rows.Close()

	changes := []domain.FileStatusChange{}
	for rows.Next() {
		var (
			change                                   domain.FileStatusChange
			prevStatus, newStatus, prevStage, newStg string
		)
		if err := rows.Scan(
			&change.ID,
			&change.FileID,
			&prevStatus,
			&newStatus,
			&prevStage,
			&newStg,
			&change.Actor,
			&change.CreatedAt,
		); err != nil {
			return nil, errors.Wrap(err, "failed to scan status change")
		}
		change.PreviousStatus = domain.FileStatus(prevStatus)
		change.NewStatus = domain.FileStatus(newStatus)
		change.PreviousStage = domain.ProcessingStage(prevStage)
		change.NewStage = domain.ProcessingStage(newStg)
		changes = append(changes, change)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate status history")
	}
	return changes, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanFile(row rowScanner) (domain.File, error) {
	var (
		file    domain.File
		status  string
		stage   string
		headers []byte
	)
	if err := row.Scan(
		&file.ID,
		&file.OriginalFilename,
		&file.StorageKey,
		&status,
		&stage,
		&file.FileSize,
		&file.RowCount,
		&headers,
		&file.CreatedBy,
		&file.UpdatedBy,
		&file.CreatedAt,
		&file.UpdatedAt,
	); err != nil {
		return domain.File{}, err
	}
	file.Status = domain.FileStatus(status)
	file.ProcessingStage = domain.ProcessingStage(stage)
	file.OriginalHeaders = []string{}
	if len(headers) > 0 {
		if err := json.Unmarshal(headers, &file.OriginalHeaders); err != nil {
			return domain.File{}, errors.Wrap(err, "decode original headers")
		}
	}
	return file, nil
}
