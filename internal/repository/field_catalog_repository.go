package repository

import (
	"context"

	"github.com/cockroachdb/errors"

	"github.com/rpattn/claimsflow/internal/db"
	"github.com/rpattn/claimsflow/internal/domain"
)

type fieldCatalogRepository struct {
	pool db.Pool
}

// NewFieldCatalogRepository wires the canonical field catalog.
func NewFieldCatalogRepository(pool db.Pool) FieldCatalogRepository {
	return &fieldCatalogRepository{pool: pool}
}

// ListFields returns canonical fields in catalog order. The order is the
// auto-mapping tie-break order.
func (r *fieldCatalogRepository) ListFields(ctx context.Context) ([]domain.CanonicalField, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx,
		`SELECT id, field_name, display_name, data_type, is_required, sort_order
		 FROM standard_claim_fields
		 ORDER BY sort_order ASC, field_name ASC`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list canonical fields")
	}
	defer rows.Close()

	fields := []domain.CanonicalField{}
	for rows.Next() {
		var field domain.CanonicalField
		if err := rows.Scan(
			&field.ID,
			&field.FieldName,
			&field.DisplayName,
			&field.DataType,
			&field.IsRequired,
			&field.SortOrder,
		); err != nil {
			return nil, errors.Wrap(err, "failed to scan canonical field")
		}
		fields = append(fields, field)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate canonical fields")
	}
	return fields, nil
}

func (r *fieldCatalogRepository) ListVariations(ctx context.Context) ([]domain.FieldVariation, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx,
		`SELECT field_id, variation_name
		 FROM field_variations
		 ORDER BY field_id, variation_name`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list field variations")
	}
	defer rows.Close()

	variations := []domain.FieldVariation{}
	for rows.Next() {
		var variation domain.FieldVariation
		if err := rows.Scan(&variation.FieldID, &variation.VariationName); err != nil {
			return nil, errors.Wrap(err, "failed to scan field variation")
		}
		variations = append(variations, variation)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate field variations")
	}
	return variations, nil
}
