package repository

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"github.com/rpattn/claimsflow/internal/db"
	"github.com/rpattn/claimsflow/internal/domain"
)

type mappingRepository struct {
	pool db.Pool
}

// NewMappingRepository wires the field mapping store.
func NewMappingRepository(pool db.Pool) MappingRepository {
	return &mappingRepository{pool: pool}
}

func (r *mappingRepository) GetActive(ctx context.Context, fileID uuid.UUID) (domain.FieldMapping, error) {
	conn := db.Conn(ctx, r.pool)

	mapping := domain.FieldMapping{FileID: fileID, IsActive: true}
	err := conn.QueryRow(ctx,
		`SELECT id, created_by, created_at
		 FROM field_mappings
		 WHERE file_id = $1 AND is_active`,
		fileID,
	).Scan(&mapping.ID, &mapping.CreatedBy, &mapping.CreatedAt)
	if err != nil {
		err = wrapNotFound(err, "failed to load active mapping")
		if errors.Is(err, domain.ErrNotFound) {
			return domain.FieldMapping{}, errors.Wrapf(domain.ErrMappingNotFound, "file %s", fileID)
		}
		return domain.FieldMapping{}, err
	}

	rows, err := conn.Query(ctx,
		`SELECT c.source_column, c.field_id, f.field_name
		 FROM field_mapping_columns c
		 JOIN standard_claim_fields f ON f.id = c.field_id
		 WHERE c.mapping_id = $1
		 ORDER BY c.position ASC`,
		mapping.ID,
	)
	if err != nil {
		return domain.FieldMapping{}, errors.Wrap(err, "failed to load mapping columns")
	}
	defer rows.Close()

	mapping.Columns = []domain.MappingColumn{}
	for rows.Next() {
		var col domain.MappingColumn
		if err := rows.Scan(&col.SourceColumn, &col.FieldID, &col.FieldName); err != nil {
			return domain.FieldMapping{}, errors.Wrap(err, "failed to scan mapping column")
		}
		mapping.Columns = append(mapping.Columns, col)
	}
	if err := rows.Err(); err != nil {
		return domain.FieldMapping{}, errors.Wrap(err, "failed to iterate mapping columns")
	}
	return mapping, nil
}

// ReplaceActive must run inside the caller's transaction so the deactivation
// and the insert commit together.
func (r *mappingRepository) ReplaceActive(ctx context.Context, mapping domain.FieldMapping) (domain.FieldMapping, error) {
	conn := db.Conn(ctx, r.pool)

	if _, err := conn.Exec(ctx,
		`UPDATE field_mappings SET is_active = FALSE WHERE file_id = $1 AND is_active`,
		mapping.FileID,
	); err != nil {
		return domain.FieldMapping{}, errors.Wrap(err, "failed to deactivate mapping")
	}

	if mapping.ID == uuid.Nil {
		mapping.ID = uuid.New()
	}
	mapping.IsActive = true
	if err := conn.QueryRow(ctx,
		`INSERT INTO field_mappings (id, file_id, is_active, created_by)
		 VALUES ($1, $2, TRUE, $3)
		 RETURNING created_at`,
		mapping.ID, mapping.FileID, mapping.CreatedBy,
	).Scan(&mapping.CreatedAt); err != nil {
		return domain.FieldMapping{}, errors.Wrap(err, "failed to insert mapping")
	}

	if len(mapping.Columns) == 0 {
		return mapping, nil
	}

	insert := psql.Insert("field_mapping_columns").
		Columns("mapping_id", "position", "source_column", "field_id")
	for i, col := range mapping.Columns {
		insert = insert.Values(mapping.ID, i, col.SourceColumn, col.FieldID)
	}
	query, args, err := insert.ToSql()
	if err != nil {
		return domain.FieldMapping{}, errors.Wrap(err, "failed to build mapping column insert")
	}
	if _, err := conn.Exec(ctx, query, args...); err != nil {
		return domain.FieldMapping{}, errors.Wrap(err, "failed to insert mapping columns")
	}
	return mapping, nil
}
