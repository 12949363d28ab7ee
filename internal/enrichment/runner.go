package enrichment

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rpattn/claimsflow/internal/domain"
	"github.com/rpattn/claimsflow/internal/repository"
)

// DefaultBatchSize is the number of records enriched per transaction.
const DefaultBatchSize = 100

// Transactor runs fn in a context-scoped transaction.
type Transactor interface {
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// Transitioner applies audited lifecycle transitions.
type Transitioner interface {
	Transition(ctx context.Context, fileID uuid.UUID, status domain.FileStatus, stage domain.ProcessingStage, actor string) (domain.File, error)
}

// ClaimStore is the claim access the runner needs.
type ClaimStore interface {
	ListBatch(ctx context.Context, fileID uuid.UUID, limit, offset int) ([]domain.ClaimRecord, error)
	MergeDynamicFields(ctx context.Context, recordID uuid.UUID, groups domain.FieldGroups) error
}

// FileReader loads files.
type FileReader interface {
	GetByID(ctx context.Context, id uuid.UUID) (domain.File, error)
}

// Runner executes enrichment runs. One call to Run processes one run
// sequentially, a batch at a time.
type Runner struct {
	files     FileReader
	claims    ClaimStore
	runs      repository.EnrichmentRunRepository
	registry  *Registry
	machine   Transitioner
	tx        Transactor
	batchSize int
	logger    *zap.Logger
	now       func() time.Time
}

// RunnerDeps groups the collaborators of Runner.
type RunnerDeps struct {
	Files     FileReader
	Claims    ClaimStore
	Runs      repository.EnrichmentRunRepository
	Registry  *Registry
	Machine   Transitioner
	Tx        Transactor
	BatchSize int
	Logger    *zap.Logger
}

func NewRunner(deps RunnerDeps) *Runner {
	batchSize := deps.BatchSize
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		files:     deps.Files,
		claims:    deps.Claims,
		runs:      deps.Runs,
		registry:  deps.Registry,
		machine:   deps.Machine,
		tx:        deps.Tx,
		batchSize: batchSize,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

type ruleCounter struct {
	id        string
	name      string
	attempted int
	succeeded int
}

type recordOutcome struct {
	record    domain.ClaimRecord
	groups    domain.FieldGroups
	failures  []domain.EnrichmentFailure
	succeeded bool
}

// Run executes a PENDING enrichment run. A run that is no longer PENDING is
// left alone, so a duplicate delivery of the same job is a no-op. Errors that
// escape the batch loop mark the run ERROR and are returned.
func (r *Runner) Run(ctx context.Context, runID uuid.UUID) error {
	run, err := r.runs.GetByID(ctx, runID)
	if err != nil {
		return err
	}
	if err := r.runs.MarkRunning(ctx, runID); err != nil {
		if errors.Is(err, repository.ErrRunStatusConflict) {
			r.logger.Warn("enrichment run already picked up",
				zap.String("run_id", runID.String()),
				zap.String("status", string(run.Status)))
			return nil
		}
		return err
	}

	logger := r.logger.With(
		zap.String("file_id", run.FileID.String()),
		zap.String("run_id", runID.String()),
	)

	stats, enriched, failed, err := r.process(ctx, run, logger)
	if err != nil {
		logger.Error("enrichment run aborted", zap.Error(err))
		return r.abort(context.WithoutCancel(ctx), run, err)
	}

	ruleStats := make([]domain.RuleStat, 0, len(stats))
	for _, c := range stats {
		rate := 0.0
		if c.attempted > 0 {
			rate = float64(c.succeeded) * 100 / float64(c.attempted)
		}
		ruleStats = append(ruleStats, domain.RuleStat{
			RuleID:      c.id,
			RuleName:    c.name,
			Attempted:   c.attempted,
			Succeeded:   c.succeeded,
			SuccessRate: rate,
		})
	}

	status := domain.EnrichmentRunError
	if enriched > 0 {
		status = domain.EnrichmentRunCompleted
	}
	if err := r.runs.Finish(ctx, runID, status, domain.RunDetails{RuleStats: ruleStats}, r.now()); err != nil {
		return r.abort(context.WithoutCancel(ctx), run, err)
	}

	logger.Info("enrichment run finished",
		zap.String("status", string(status)),
		zap.Int("enriched", enriched),
		zap.Int("failed", failed),
		zap.Any("rule_stats", ruleStats))

	if status == domain.EnrichmentRunCompleted {
		r.markFileEnriched(ctx, run, logger)
	}
	return nil
}

func (r *Runner) process(ctx context.Context, run domain.EnrichmentRun, logger *zap.Logger) ([]*ruleCounter, int, int, error) {
	processors, err := r.registry.ActiveProcessors()
	if err != nil {
		return nil, 0, 0, err
	}
	if len(processors) == 0 {
		return nil, 0, 0, errors.New("no active enrichment rule processors")
	}

	stats := make([]*ruleCounter, len(processors))
	for i, p := range processors {
		stats[i] = &ruleCounter{id: p.RuleID(), name: p.Name()}
	}
	params := make([]json.RawMessage, len(processors))
	for i, p := range processors {
		if def, ok := r.registry.Definition(p.RuleID()); ok {
			params[i] = def.Parameters
		}
	}

	enriched, failed := 0, 0
	for offset := 0; offset < run.TotalRecords; offset += r.batchSize {
		if err := ctx.Err(); err != nil {
			return stats, enriched, failed, errors.Wrapf(err, "enrichment stopped at offset %d", offset)
		}

		limit := min(r.batchSize, run.TotalRecords-offset)
		records, err := r.claims.ListBatch(ctx, run.FileID, limit, offset)
		if err != nil {
			return stats, enriched, failed, err
		}
		if len(records) == 0 {
			break
		}

		outcomes := make([]recordOutcome, len(records))
		batchStats := make([]ruleCounter, len(processors))
		for i, record := range records {
			outcomes[i] = r.applyRules(run.ID, record, processors, params, batchStats)
		}

		err = r.tx.WithTx(ctx, func(ctx context.Context) error {
			return r.persistBatch(ctx, outcomes)
		})
		if err != nil {
			// the batch is rolled back; its records count as failed and the run continues
			logger.Error("enrichment batch failed",
				zap.Int("offset", offset),
				zap.Int("records", len(records)),
				zap.Error(err))
			failed += len(records)
		} else {
			for i := range stats {
				stats[i].attempted += batchStats[i].attempted
				stats[i].succeeded += batchStats[i].succeeded
			}
			for _, o := range outcomes {
				if o.succeeded {
					enriched++
				} else {
					failed++
				}
			}
		}

		if err := r.runs.UpdateCounters(ctx, run.ID, enriched, failed); err != nil {
			return stats, enriched, failed, err
		}
		logger.Debug("enrichment batch done",
			zap.Int("offset", offset),
			zap.Int("enriched", enriched),
			zap.Int("failed", failed))
	}
	return stats, enriched, failed, nil
}

// applyRules runs every processor over one record in priority order. A rule
// whose validation fails counts as attempted and yields a failure row.
func (r *Runner) applyRules(runID uuid.UUID, record domain.ClaimRecord, processors []Processor, params []json.RawMessage, stats []ruleCounter) recordOutcome {
	outcome := recordOutcome{record: record, groups: domain.NewFieldGroups()}
	for i, p := range processors {
		stats[i].attempted++

		valid, err := safeValidate(p, record, params[i])
		if err != nil {
			outcome.failures = append(outcome.failures, r.failure(runID, record, p,
				fmt.Sprintf("validation error: %v", err)))
			continue
		}
		if !valid {
			outcome.failures = append(outcome.failures, r.failure(runID, record, p,
				fmt.Sprintf("validation failed: required fields for rule %q not available or not properly formatted", p.Name())))
			continue
		}

		result := safeProcess(p, record, params[i])
		if !result.Success {
			msg := "unknown error"
			if result.Err != nil {
				msg = result.Err.Error()
			}
			outcome.failures = append(outcome.failures, r.failure(runID, record, p, msg))
			continue
		}
		stats[i].succeeded++
		outcome.succeeded = true
		outcome.groups.Put(result.FieldGroup, result.Value)
	}
	return outcome
}

func (r *Runner) failure(runID uuid.UUID, record domain.ClaimRecord, p Processor, msg string) domain.EnrichmentFailure {
	return domain.EnrichmentFailure{
		ID:            uuid.New(),
		RunID:         runID,
		ClaimRecordID: record.ID,
		RuleID:        p.RuleID(),
		ErrorMessage:  msg,
		CreatedAt:     r.now(),
	}
}

func (r *Runner) persistBatch(ctx context.Context, outcomes []recordOutcome) error {
	var failures []domain.EnrichmentFailure
	for _, o := range outcomes {
		if o.groups.Len() > 0 {
			if err := r.claims.MergeDynamicFields(ctx, o.record.ID, o.groups); err != nil {
				return errors.Wrapf(err, "record %s", o.record.ID)
			}
		}
		failures = append(failures, o.failures...)
	}
	if len(failures) == 0 {
		return nil
	}
	return r.runs.RecordFailures(ctx, failures)
}

func (r *Runner) markFileEnriched(ctx context.Context, run domain.EnrichmentRun, logger *zap.Logger) {
	file, err := r.files.GetByID(ctx, run.FileID)
	if err != nil {
		logger.Warn("failed to load file after enrichment", zap.Error(err))
		return
	}
	if file.Status == domain.FileStatusEnriched {
		return
	}
	if _, err := r.machine.Transition(ctx, run.FileID, domain.FileStatusEnriched, domain.StageProcessed, run.CreatedBy); err != nil {
		logger.Warn("failed to mark file enriched",
			zap.String("status", string(file.Status)),
			zap.String("stage", string(file.ProcessingStage)),
			zap.Error(err))
	}
}

// Abandon marks a run ERROR when its job will never execute. A run that has
// already finished is left untouched.
func (r *Runner) Abandon(ctx context.Context, runID uuid.UUID, reason string) error {
	details := domain.RunDetails{Message: "enrichment abandoned: " + reason}
	err := r.runs.Finish(ctx, runID, domain.EnrichmentRunError, details, r.now())
	if errors.Is(err, repository.ErrRunStatusConflict) {
		return nil
	}
	if err != nil {
		return err
	}
	r.logger.Warn("enrichment run abandoned", zap.String("run_id", runID.String()), zap.String("reason", reason))
	return nil
}

// FailStale abandons every unfinished run with no progress since before and
// returns how many it failed.
func (r *Runner) FailStale(ctx context.Context, before time.Time) (int, error) {
	runs, err := r.runs.ListStale(ctx, before)
	if err != nil {
		return 0, err
	}
	var (
		failed int
		errs   error
	)
	reason := "no progress since " + before.UTC().Format(time.RFC3339)
	for _, run := range runs {
		if err := r.Abandon(ctx, run.ID, reason); err != nil {
			errs = errors.CombineErrors(errs, errors.Wrapf(err, "abandon enrichment run %s", run.ID))
			continue
		}
		failed++
	}
	return failed, errs
}

func (r *Runner) abort(ctx context.Context, run domain.EnrichmentRun, cause error) error {
	details := domain.RunDetails{
		Message: cause.Error(),
		Stack:   fmt.Sprintf("%+v", cause),
	}
	if err := r.runs.Finish(ctx, run.ID, domain.EnrichmentRunError, details, r.now()); err != nil {
		r.logger.Error("failed to record enrichment abort",
			zap.String("run_id", run.ID.String()),
			zap.Error(err))
	}
	return errors.Mark(errors.Wrap(cause, "enrichment run"), domain.ErrRunAbort)
}

func safeValidate(p Processor, record domain.ClaimRecord, params json.RawMessage) (ok bool, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			ok, err = false, errors.Mark(errors.Newf("%v", rec), domain.ErrRuleValidation)
		}
	}()
	return p.Validate(record, params), nil
}

func safeProcess(p Processor, record domain.ClaimRecord, params json.RawMessage) (result Result) {
	defer func() {
		if rec := recover(); rec != nil {
			result = Failed(p.Name(), errors.Mark(errors.Newf("panic: %v", rec), domain.ErrRuleProcess))
		}
	}()
	return p.Process(record, params)
}
