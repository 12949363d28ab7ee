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

const enrichmentRunColumns = `run_id, file_id, status, total_records, enriched_records, failed_records,
	error_details, created_by, started_at, completed_at`

type enrichmentRunRepository struct {
	pool db.Pool
}

// NewEnrichmentRunRepository wires the enrichment run store.
func NewEnrichmentRunRepository(pool db.Pool) EnrichmentRunRepository {
	return &enrichmentRunRepository{pool: pool}
}

func (r *enrichmentRunRepository) Create(ctx context.Context, run domain.EnrichmentRun) (domain.EnrichmentRun, error) {
	if run.ID == uuid.Nil {
		run.ID = uuid.New()
	}
	row := db.Conn(ctx, r.pool).QueryRow(ctx,
		`INSERT INTO enrichment_runs (run_id, file_id, status, total_records, created_by)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING `+enrichmentRunColumns,
		run.ID, run.FileID, string(domain.EnrichmentRunPending), run.TotalRecords, run.CreatedBy,
	)
	created, err := scanEnrichmentRun(row)
	if err != nil {
		return domain.EnrichmentRun{}, errors.Wrap(err, "failed to create enrichment run")
	}
	return created, nil
}

func (r *enrichmentRunRepository) GetByID(ctx context.Context, id uuid.UUID) (domain.EnrichmentRun, error) {
	row := db.Conn(ctx, r.pool).QueryRow(ctx,
		`SELECT `+enrichmentRunColumns+` FROM enrichment_runs WHERE run_id = $1`, id)
	run, err := scanEnrichmentRun(row)
	if err != nil {
		return domain.EnrichmentRun{}, wrapNotFound(err, "failed to load enrichment run")
	}
	return run, nil
}

func (r *enrichmentRunRepository) GetLatestByFile(ctx context.Context, fileID uuid.UUID) (domain.EnrichmentRun, error) {
	row := db.Conn(ctx, r.pool).QueryRow(ctx,
		`SELECT `+enrichmentRunColumns+`
		 FROM enrichment_runs
		 WHERE file_id = $1
		 ORDER BY started_at DESC
		 LIMIT 1`, fileID)
	run, err := scanEnrichmentRun(row)
	if err != nil {
		return domain.EnrichmentRun{}, wrapNotFound(err, "failed to load latest enrichment run")
	}
	return run, nil
}

func (r *enrichmentRunRepository) MarkRunning(ctx context.Context, id uuid.UUID) error {
	tag, err := db.Conn(ctx, r.pool).Exec(ctx,
		`UPDATE enrichment_runs SET status = $1, updated_at = NOW() WHERE run_id = $2 AND status = $3`,
		string(domain.EnrichmentRunRunning), id, string(domain.EnrichmentRunPending),
	)
	if err != nil {
		return errors.Wrap(err, "failed to mark enrichment run running")
	}
	if tag.RowsAffected() == 0 {
		return ErrRunStatusConflict
	}
	return nil
}

func (r *enrichmentRunRepository) UpdateCounters(ctx context.Context, id uuid.UUID, enriched, failed int) error {
	_, err := db.Conn(ctx, r.pool).Exec(ctx,
		`UPDATE enrichment_runs
		 SET enriched_records = $1, failed_records = $2, updated_at = NOW()
		 WHERE run_id = $3`,
		enriched, failed, id,
	)
	if err != nil {
		return errors.Wrap(err, "failed to update enrichment counters")
	}
	return nil
}

// Finish only moves non-terminal runs, so a run never leaves COMPLETED or ERROR.
func (r *enrichmentRunRepository) Finish(ctx context.Context, id uuid.UUID, status domain.EnrichmentRunStatus, details domain.RunDetails, completedAt time.Time) error {
	if !status.Terminal() {
		return errors.Newf("status %s is not terminal", status)
	}
	payload, err := json.Marshal(details)
	if err != nil {
		return errors.Wrap(err, "encode enrichment run details")
	}
	tag, err := db.Conn(ctx, r.pool).Exec(ctx,
		`UPDATE enrichment_runs
		 SET status = $1, error_details = $2, completed_at = $3, updated_at = NOW()
		 WHERE run_id = $4 AND status IN ($5, $6)`,
		string(status), payload, completedAt, id,
		string(domain.EnrichmentRunPending), string(domain.EnrichmentRunRunning),
	)
	if err != nil {
		return errors.Wrap(err, "failed to finish enrichment run")
	}
	if tag.RowsAffected() == 0 {
		return ErrRunStatusConflict
	}
	return nil
}

// ListStale returns PENDING and RUNNING runs with no activity since before.
func (r *enrichmentRunRepository) ListStale(ctx context.Context, before time.Time) ([]domain.EnrichmentRun, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx,
		`SELECT `+enrichmentRunColumns+`
		 FROM enrichment_runs
		 WHERE status IN ($1, $2) AND updated_at < $3
		 ORDER BY started_at ASC`,
		string(domain.EnrichmentRunPending), string(domain.EnrichmentRunRunning), before,
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list stale enrichment runs")
	}
	defer rows.Close()

	runs := []domain.EnrichmentRun{}
	for rows.Next() {
		run, err := scanEnrichmentRun(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan enrichment run")
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate enrichment runs")
	}
	return runs, nil
}

func (r *enrichmentRunRepository) RecordFailures(ctx context.Context, failures []domain.EnrichmentFailure) error {
	if len(failures) == 0 {
		return nil
	}
	insert := psql.Insert("enrichment_failures").
		Columns("id", "run_id", "claim_record_id", "rule_id", "error_message")
	for _, failure := range failures {
		if failure.ID == uuid.Nil {
			failure.ID = uuid.New()
		}
		insert = insert.Values(failure.ID, failure.RunID, failure.ClaimRecordID, failure.RuleID, failure.ErrorMessage)
	}
	query, args, err := insert.ToSql()
	if err != nil {
		return errors.Wrap(err, "failed to build enrichment failure insert")
	}
	if _, err := db.Conn(ctx, r.pool).Exec(ctx, query, args...); err != nil {
		return errors.Wrap(err, "failed to record enrichment failures")
	}
	return nil
}

func (r *enrichmentRunRepository) ListFailures(ctx context.Context, runID uuid.UUID, limit, offset int) ([]domain.EnrichmentFailure, error) {
	if limit <= 0 {
		limit = 200
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := db.Conn(ctx, r.pool).Query(ctx,
		`SELECT id, run_id, claim_record_id, rule_id, error_message, created_at
		 FROM enrichment_failures
		 WHERE run_id = $1
		 ORDER BY created_at ASC, id ASC
		 LIMIT $2 OFFSET $3`,
		runID, limit, offset,
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list enrichment failures")
	}
	defer rows.Close()

	failures := []domain.EnrichmentFailure{}
	for rows.Next() {
		var failure domain.EnrichmentFailure
		if err := rows.Scan(
			&failure.ID,
			&failure.RunID,
			&failure.ClaimRecordID,
			&failure.RuleID,
			&failure.ErrorMessage,
			&failure.CreatedAt,
		); err != nil {
			return nil, errors.Wrap(err, "failed to scan enrichment failure")
		}
		failures = append(failures, failure)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate enrichment failures")
	}
	return failures, nil
}

func scanEnrichmentRun(row rowScanner) (domain.EnrichmentRun, error) {
	var (
		run     domain.EnrichmentRun
		status  string
		details []byte
	)
	if err := row.Scan(
		&run.ID,
		&run.FileID,
		&status,
		&run.TotalRecords,
		&run.EnrichedRecords,
		&run.FailedRecords,
		&details,
		&run.CreatedBy,
		&run.StartedAt,
		&run.CompletedAt,
	); err != nil {
		return domain.EnrichmentRun{}, err
	}
	run.Status = domain.EnrichmentRunStatus(status)
	if len(details) > 0 {
		var decoded domain.RunDetails
		if err := json.Unmarshal(details, &decoded); err != nil {
			return domain.EnrichmentRun{}, errors.Wrap(err, "decode enrichment run details")
		}
		run.ErrorDetails = &decoded
	}
	return run, nil
}
