package repository

import (
	"context"

	"github.com/cockroachdb/errors"

	"github.com/rpattn/claimsflow/internal/db"
	"github.com/rpattn/claimsflow/internal/domain"
)

type ruleDefinitionRepository struct {
	pool db.Pool
}

// NewRuleDefinitionRepository wires the enrichment rule configuration source.
func NewRuleDefinitionRepository(pool db.Pool) RuleDefinitionRepository {
	return &ruleDefinitionRepository{pool: pool}
}

func (r *ruleDefinitionRepository) ListActive(ctx context.Context) ([]domain.RuleDefinition, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx,
		`SELECT rule_id, rule_name, description, priority, processor_class, parameters, is_active
		 FROM enrichment_rules
		 WHERE is_active
		 ORDER BY priority ASC, rule_id ASC`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list enrichment rules")
	}
	defer rows.Close()

	definitions := []domain.RuleDefinition{}
	for rows.Next() {
		var (
			def    domain.RuleDefinition
			params []byte
		)
		if err := rows.Scan(
			&def.ID,
			&def.Name,
			&def.Description,
			&def.Priority,
			&def.ProcessorClass,
			&params,
			&def.IsActive,
		); err != nil {
			return nil, errors.Wrap(err, "failed to scan enrichment rule")
		}
		if len(params) > 0 {
			def.Parameters = append(def.Parameters[:0], params...)
		}
		definitions = append(definitions, def)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate enrichment rules")
	}
	return definitions, nil
}
