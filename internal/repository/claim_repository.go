package repository

import (
	"context"
	"encoding/json"

	sq "github.com/Masterminds/squirrel"
	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"github.com/rpattn/claimsflow/internal/db"
	"github.com/rpattn/claimsflow/internal/domain"
)

var claimColumns = []string{
	"record_id", "file_id", "row_number", "mapped_fields", "unmapped_fields",
	"dynamic_fields", "validation_status", "processing_status", "created_at", "updated_at",
}

type claimRepository struct {
	pool db.Pool
}

// NewClaimRepository wires the claim record store.
func NewClaimRepository(pool db.Pool) ClaimRepository {
	return &claimRepository{pool: pool}
}

// InsertBatch writes all records with one multi-row INSERT.
func (r *claimRepository) InsertBatch(ctx context.Context, records []domain.ClaimRecord) error {
	if len(records) == 0 {
		return nil
	}
	insert := psql.Insert("claim_records").Columns(
		"record_id", "file_id", "row_number", "mapped_fields", "unmapped_fields",
		"dynamic_fields", "validation_status", "processing_status",
	)
	for _, record := range records {
		if record.ID == uuid.Nil {
			record.ID = uuid.New()
		}
		mapped, err := json.Marshal(record.MappedFields)
		if err != nil {
			return errors.Wrapf(err, "encode mapped fields of row %d", record.RowNumber)
		}
		unmapped, err := json.Marshal(record.UnmappedFields)
		if err != nil {
			return errors.Wrapf(err, "encode unmapped fields of row %d", record.RowNumber)
		}
		dynamic, err := json.Marshal(record.DynamicFields)
		if err != nil {
			return errors.Wrapf(err, "encode dynamic fields of row %d", record.RowNumber)
		}
		insert = insert.Values(
			record.ID, record.FileID, record.RowNumber, mapped, unmapped, dynamic,
			record.ValidationStatus, record.ProcessingStatus,
		)
	}
	query, args, err := insert.ToSql()
	if err != nil {
		return errors.Wrap(err, "failed to build claim insert")
	}
	if _, err := db.Conn(ctx, r.pool).Exec(ctx, query, args...); err != nil {
		return errors.Wrap(err, "failed to insert claim records")
	}
	return nil
}

func (r *claimRepository) CountByFile(ctx context.Context, fileID uuid.UUID) (int, error) {
	var count int
	if err := db.Conn(ctx, r.pool).QueryRow(ctx,
		`SELECT COUNT(*) FROM claim_records WHERE file_id = $1`, fileID,
	).Scan(&count); err != nil {
		return 0, errors.Wrap(err, "failed to count claim records")
	}
	return count, nil
}

func (r *claimRepository) ListBatch(ctx context.Context, fileID uuid.UUID, limit, offset int) ([]domain.ClaimRecord, error) {
	query, args, err := psql.Select(claimColumns...).
		From("claim_records").
		Where(sq.Eq{"file_id": fileID}).
		OrderBy("row_number ASC").
		Limit(uint64(max(limit, 0))).
		Offset(uint64(max(offset, 0))).
		ToSql()
	if err != nil {
		return nil, errors.Wrap(err, "failed to build claim batch query")
	}
	return r.query(ctx, query, args...)
}

func (r *claimRepository) List(ctx context.Context, fileID uuid.UUID, filter domain.ClaimFilter) ([]domain.ClaimRecord, int, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	where := sq.And{sq.Eq{"file_id": fileID}}
	if filter.ValidationStatus != "" {
		where = append(where, sq.Eq{"validation_status": filter.ValidationStatus})
	}
	if filter.Enriched != nil {
		if *filter.Enriched {
			where = append(where, sq.Expr("dynamic_fields <> '{}'::jsonb"))
		} else {
			where = append(where, sq.Expr("dynamic_fields = '{}'::jsonb"))
		}
	}

	countQuery, countArgs, err := psql.Select("COUNT(*)").From("claim_records").Where(where).ToSql()
	if err != nil {
		return nil, 0, errors.Wrap(err, "failed to build claim count query")
	}
	var total int
	if err := db.Conn(ctx, r.pool).QueryRow(ctx, countQuery, countArgs...).Scan(&total); err != nil {
		return nil, 0, errors.Wrap(err, "failed to count claim records")
	}

	query, args, err := psql.Select(claimColumns...).
		From("claim_records").
		Where(where).
		OrderBy("row_number ASC").
		Limit(uint64(limit)).
		Offset(uint64(max(filter.Offset, 0))).
		ToSql()
	if err != nil {
		return nil, 0, errors.Wrap(err, "failed to build claim list query")
	}
	records, err := r.query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	return records, total, nil
}

func (r *claimRepository) MergeDynamicFields(ctx context.Context, recordID uuid.UUID, groups domain.FieldGroups) error {
	payload, err := json.Marshal(groups)
	if err != nil {
		return errors.Wrap(err, "encode dynamic fields")
	}
	tag, err := db.Conn(ctx, r.pool).Exec(ctx,
		`UPDATE claim_records
		 SET dynamic_fields = COALESCE(dynamic_fields, '{}'::jsonb) || $1::jsonb,
		     updated_at = NOW()
		 WHERE record_id = $2`,
		payload, recordID,
	)
	if err != nil {
		return errors.Wrap(err, "failed to merge dynamic fields")
	}
	if tag.RowsAffected() == 0 {
		return errors.Wrapf(domain.ErrNotFound, "claim record %s", recordID)
	}
	return nil
}

func (r *claimRepository) DeleteByFile(ctx context.Context, fileID uuid.UUID) (int64, error) {
	tag, err := db.Conn(ctx, r.pool).Exec(ctx, `DELETE FROM claim_records WHERE file_id = $1`, fileID)
	if err != nil {
		return 0, errors.Wrap(err, "failed to delete claim records")
	}
	return tag.RowsAffected(), nil
}

func (r *claimRepository) DynamicFieldCounts(ctx context.Context, fileID uuid.UUID) (map[string]int, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx,
		`SELECT field_key, COUNT(*)
		 FROM claim_records, jsonb_object_keys(dynamic_fields) AS field_key
		 WHERE file_id = $1
		 GROUP BY field_key`,
		fileID,
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to count enriched fields")
	}
	defer rows.Close()

	counts := map[string]int{}
	for rows.Next() {
		var (
			key   string
			count int
		)
		if err := rows.Scan(&key, &count); err != nil {
			return nil, errors.Wrap(err, "failed to scan enriched field count")
		}
		counts[key] = count
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate enriched field counts")
	}
	return counts, nil
}

func (r *claimRepository) query(ctx context.Context, query string, args ...any) ([]domain.ClaimRecord, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query claim records")
	}
	defer rows.Close()

	records := []domain.ClaimRecord{}
	for rows.Next() {
		var (
			record                    domain.ClaimRecord
			mapped, unmapped, dynamic []byte
		)
		if err := rows.Scan(
			&record.ID,
			&record.FileID,
			&record.RowNumber,
			&mapped,
			&unmapped,
			&dynamic,
			&record.ValidationStatus,
			&record.ProcessingStatus,
			&record.CreatedAt,
			&record.UpdatedAt,
		); err != nil {
			return nil, errors.Wrap(err, "failed to scan claim record")
		}
		if record.MappedFields, err = decodeFields(mapped); err != nil {
			return nil, errors.Wrapf(err, "decode mapped fields of row %d", record.RowNumber)
		}
		if record.UnmappedFields, err = decodeFields(unmapped); err != nil {
			return nil, errors.Wrapf(err, "decode unmapped fields of row %d", record.RowNumber)
		}
		if record.DynamicFields, err = decodeFieldGroups(dynamic); err != nil {
			return nil, errors.Wrapf(err, "decode dynamic fields of row %d", record.RowNumber)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate claim records")
	}
	return records, nil
}
