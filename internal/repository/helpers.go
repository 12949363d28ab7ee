package repository

import (
	"encoding/json"

	sq "github.com/Masterminds/squirrel"
	"github.com/cockroachdb/errors"
	"github.com/jackc/pgx/v5"

	"github.com/rpattn/claimsflow/internal/domain"
)

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// wrapNotFound maps pgx.ErrNoRows to domain.ErrNotFound.
func wrapNotFound(err error, msg string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return errors.Wrap(domain.ErrNotFound, msg)
	}
	return errors.Wrap(err, msg)
}

func decodeFields(raw []byte) (domain.Fields, error) {
	fields := domain.NewFields()
	if len(raw) == 0 {
		return fields, nil
	}
	if err := json.Unmarshal(raw, &fields); err != nil {
		return domain.Fields{}, err
	}
	return fields, nil
}

func decodeFieldGroups(raw []byte) (domain.FieldGroups, error) {
	groups := domain.NewFieldGroups()
	if len(raw) == 0 {
		return groups, nil
	}
	if err := json.Unmarshal(raw, &groups); err != nil {
		return domain.FieldGroups{}, err
	}
	return groups, nil
}
