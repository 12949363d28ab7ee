package ingestion

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"github.com/rpattn/claimsflow/internal/domain"
	"github.com/rpattn/claimsflow/internal/lifecycle"
	"github.com/rpattn/claimsflow/internal/repository"
)

type stubFileRepo struct {
	files   map[uuid.UUID]domain.File
	changes []domain.FileStatusChange
}

func (s *stubFileRepo) Create(_ context.Context, file domain.File) (domain.File, error) {
	s.files[file.ID] = file
	return file, nil
}

func (s *stubFileRepo) GetByID(_ context.Context, id uuid.UUID) (domain.File, error) {
	file, ok := s.files[id]
	if !ok {
		return domain.File{}, domain.ErrNotFound
	}
	return file, nil
}

func (s *stubFileRepo) GetForUpdate(ctx context.Context, id uuid.UUID) (domain.File, error) {
	return s.GetByID(ctx, id)
}

func (s *stubFileRepo) UpdateState(_ context.Context, file domain.File) error {
	s.files[file.ID] = file
	return nil
}

func (s *stubFileRepo) RecordStatusChange(_ context.Context, change domain.FileStatusChange) error {
	s.changes = append(s.changes, change)
	return nil
}

func (s *stubFileRepo) ListStatusHistory(context.Context, uuid.UUID) ([]domain.FileStatusChange, error) {
	return s.changes, nil
}

type stubMappingRepo struct {
	active map[uuid.UUID]domain.FieldMapping
}

func (s *stubMappingRepo) GetActive(_ context.Context, fileID uuid.UUID) (domain.FieldMapping, error) {
	m, ok := s.active[fileID]
	if !ok {
		return domain.FieldMapping{}, errors.Wrapf(domain.ErrMappingNotFound, "file %s", fileID)
	}
	return m, nil
}

func (s *stubMappingRepo) ReplaceActive(_ context.Context, mapping domain.FieldMapping) (domain.FieldMapping, error) {
	s.active[mapping.FileID] = mapping
	return mapping, nil
}

type stubClaimRepo struct {
	records     []domain.ClaimRecord
	inserts     int
	failOnBatch int
}

func (s *stubClaimRepo) InsertBatch(_ context.Context, records []domain.ClaimRecord) error {
	s.inserts++
	if s.failOnBatch > 0 && s.inserts == s.failOnBatch {
		return errors.New("connection reset")
	}
	s.records = append(s.records, records...)
	return nil
}

func (s *stubClaimRepo) CountByFile(_ context.Context, fileID uuid.UUID) (int, error) {
	count := 0
	for _, r := range s.records {
		if r.FileID == fileID {
			count++
		}
	}
	return count, nil
}

func (s *stubClaimRepo) ListBatch(_ context.Context, fileID uuid.UUID, limit, offset int) ([]domain.ClaimRecord, error) {
	var out []domain.ClaimRecord
	for _, r := range s.records {
		if r.FileID == fileID {
			out = append(out, r)
		}
	}
	if offset >= len(out) {
		return nil, nil
	}
	return out[offset:min(offset+limit, len(out))], nil
}

func (s *stubClaimRepo) List(ctx context.Context, fileID uuid.UUID, filter domain.ClaimFilter) ([]domain.ClaimRecord, int, error) {
	total, _ := s.CountByFile(ctx, fileID)
	page, err := s.ListBatch(ctx, fileID, filter.Limit, filter.Offset)
	return page, total, err
}

func (s *stubClaimRepo) MergeDynamicFields(context.Context, uuid.UUID, domain.FieldGroups) error {
	return nil
}

func (s *stubClaimRepo) DeleteByFile(_ context.Context, fileID uuid.UUID) (int64, error) {
	kept := s.records[:0]
	var removed int64
	for _, r := range s.records {
		if r.FileID == fileID {
			removed++
			continue
		}
		kept = append(kept, r)
	}
	s.records = kept
	return removed, nil
}

func (s *stubClaimRepo) DynamicFieldCounts(context.Context, uuid.UUID) (map[string]int, error) {
	return map[string]int{}, nil
}

type stubRunRepo struct {
	runs     map[uuid.UUID]domain.ProcessingRun
	progress []int
}

func (s *stubRunRepo) Create(_ context.Context, run domain.ProcessingRun) (domain.ProcessingRun, error) {
	run.ID = uuid.New()
	run.StartedAt = time.Now()
	s.runs[run.ID] = run
	return run, nil
}

func (s *stubRunRepo) GetByID(_ context.Context, id uuid.UUID) (domain.ProcessingRun, error) {
	run, ok := s.runs[id]
	if !ok {
		return domain.ProcessingRun{}, domain.ErrNotFound
	}
	return run, nil
}

func (s *stubRunRepo) GetLatestByFile(_ context.Context, fileID uuid.UUID) (domain.ProcessingRun, error) {
	var latest *domain.ProcessingRun
	for _, run := range s.runs {
		if run.FileID != fileID {
			continue
		}
		if latest == nil || run.StartedAt.After(latest.StartedAt) {
			r := run
			latest = &r
		}
	}
	if latest == nil {
		return domain.ProcessingRun{}, domain.ErrNotFound
	}
	return *latest, nil
}

func (s *stubRunRepo) MarkProcessing(_ context.Context, id uuid.UUID) error {
	run := s.runs[id]
	if run.Status != domain.ProcessingStatusPending {
		return repository.ErrRunStatusConflict
	}
	run.Status = domain.ProcessingStatusProcessing
	s.runs[id] = run
	return nil
}

func (s *stubRunRepo) UpdateProgress(_ context.Context, id uuid.UUID, processed, total int) error {
	run := s.runs[id]
	run.ProcessedRows, run.TotalRows = processed, total
	s.runs[id] = run
	s.progress = append(s.progress, processed)
	return nil
}

func (s *stubRunRepo) MarkCompleted(_ context.Context, id uuid.UUID, at time.Time) error {
	run := s.runs[id]
	run.Status = domain.ProcessingStatusCompleted
	run.CompletedAt = &at
	s.runs[id] = run
	return nil
}

func (s *stubRunRepo) MarkFailed(_ context.Context, id uuid.UUID, details domain.ErrorDetails) error {
	run := s.runs[id]
	if run.Status.Terminal() {
		return repository.ErrRunStatusConflict
	}
	run.Status = domain.ProcessingStatusError
	run.ErrorDetails = &details
	s.runs[id] = run
	return nil
}

func (s *stubRunRepo) ListStale(_ context.Context, before time.Time) ([]domain.ProcessingRun, error) {
	var stale []domain.ProcessingRun
	for _, run := range s.runs {
		if !run.Status.Terminal() && run.StartedAt.Before(before) {
			stale = append(stale, run)
		}
	}
	return stale, nil
}

type stubBlobs map[string][]byte

func (s stubBlobs) Get(_ context.Context, key string) ([]byte, error) {
	payload, ok := s[key]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return payload, nil
}

type recordingScheduler struct {
	queued []uuid.UUID
}

func (r *recordingScheduler) EnqueueIngestion(_ context.Context, id uuid.UUID) error {
	r.queued = append(r.queued, id)
	return nil
}

type directTx struct{}

func (directTx) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

type harness struct {
	service   *Service
	files     *stubFileRepo
	claims    *stubClaimRepo
	runs      *stubRunRepo
	scheduler *recordingScheduler
	file      domain.File
}

func newHarness(t *testing.T, rows int, mapped bool) harness {
	t.Helper()

	var csv strings.Builder
	csv.WriteString("DOB,Fill_Date,qty,Notes\n")
	for i := 1; i <= rows; i++ {
		fmt.Fprintf(&csv, "1980-01-%02d,2024-02-01,%d,\n", i%28+1, i)
	}

	file := domain.File{
		ID:               uuid.New(),
		OriginalFilename: "claims.csv",
		StorageKey:       "claims-data/test/claims.csv",
		Status:           domain.FileStatusMapped,
		ProcessingStage:  domain.StageMappingComplete,
		RowCount:         rows,
		OriginalHeaders:  []string{"DOB", "Fill_Date", "qty", "Notes"},
	}
	files := &stubFileRepo{files: map[uuid.UUID]domain.File{file.ID: file}}
	mappings := &stubMappingRepo{active: map[uuid.UUID]domain.FieldMapping{}}
	if mapped {
		mappings.active[file.ID] = domain.FieldMapping{
			FileID: file.ID,
			Columns: []domain.MappingColumn{
				{SourceColumn: "DOB", FieldName: "member_dob"},
				{SourceColumn: "Fill_Date", FieldName: "fill_date"},
			},
		}
	}
	claims := &stubClaimRepo{}
	runs := &stubRunRepo{runs: map[uuid.UUID]domain.ProcessingRun{}}
	scheduler := &recordingScheduler{}

	service := NewService(Deps{
		Files:    files,
		Mappings: mappings,
		Claims:   claims,
		Runs:     runs,
		Machine:  lifecycle.NewMachine(files, directTx{}, nil),
		Tx:       directTx{},
		Blobs:    stubBlobs{file.StorageKey: []byte(csv.String())},
	})
	service.SetScheduler(scheduler)

	return harness{service: service, files: files, claims: claims, runs: runs, scheduler: scheduler, file: file}
}

func TestStartThenRunIngestsEveryRow(t *testing.T) {
	h := newHarness(t, 250, true)
	ctx := context.Background()

	processingID, err := h.service.Start(ctx, h.file.ID, "analyst")
	if err != nil {
		t.Fatalf("start returned error: %v", err)
	}
	if len(h.scheduler.queued) != 1 || h.scheduler.queued[0] != processingID {
		t.Fatalf("expected run to be queued, got %v", h.scheduler.queued)
	}
	if got := h.files.files[h.file.ID]; got.Status != domain.FileStatusProcessingClaims || got.ProcessingStage != domain.StageClaimsProcessing {
		t.Fatalf("unexpected state after start: %s/%s", got.Status, got.ProcessingStage)
	}

	if err := h.service.Run(ctx, processingID); err != nil {
		t.Fatalf("run returned error: %v", err)
	}

	if len(h.claims.records) != 250 {
		t.Fatalf("expected 250 records, got %d", len(h.claims.records))
	}
	if h.claims.inserts != 3 {
		t.Fatalf("expected 3 batches, got %d", h.claims.inserts)
	}

	rowNumbers := make([]int, 0, len(h.claims.records))
	for _, record := range h.claims.records {
		rowNumbers = append(rowNumbers, record.RowNumber)

		columns := append(record.MappedFields.Keys(), record.UnmappedFields.Keys()...)
		sort.Strings(columns)
		if strings.Join(columns, ",") != "Notes,fill_date,member_dob,qty" {
			t.Fatalf("row %d partition is %v", record.RowNumber, columns)
		}
		if record.ValidationStatus != domain.ValidationStatusPending || record.ProcessingStatus != domain.RecordStatusProcessed {
			t.Fatalf("unexpected record statuses: %s/%s", record.ValidationStatus, record.ProcessingStatus)
		}
	}
	for i, n := range rowNumbers {
		if n != i+1 {
			t.Fatalf("row numbers not contiguous at %d: %d", i, n)
		}
	}

	qty, _ := h.claims.records[41].UnmappedFields.Get("qty")
	if qty.Text() != "42" {
		t.Fatalf("expected qty 42 on row 42, got %q", qty.Text())
	}

	want := []int{0, 100, 200, 250}
	if fmt.Sprint(h.runs.progress) != fmt.Sprint(want) {
		t.Fatalf("expected progress %v, got %v", want, h.runs.progress)
	}

	status, err := h.service.Status(ctx, h.file.ID)
	if err != nil {
		t.Fatalf("status returned error: %v", err)
	}
	if status.Status != domain.ProcessingStatusCompleted || status.Percentage != 100 {
		t.Fatalf("unexpected status: %+v", status)
	}
	if got := h.files.files[h.file.ID]; got.Status != domain.FileStatusProcessed || got.ProcessingStage != domain.StageClaimsProcessed {
		t.Fatalf("unexpected final state: %s/%s", got.Status, got.ProcessingStage)
	}
}

func TestStartTwiceFailsPrecondition(t *testing.T) {
	h := newHarness(t, 3, true)
	ctx := context.Background()

	if _, err := h.service.Start(ctx, h.file.ID, "analyst"); err != nil {
		t.Fatalf("first start returned error: %v", err)
	}
	_, err := h.service.Start(ctx, h.file.ID, "analyst")
	if !errors.Is(err, domain.ErrPreconditionFailed) {
		t.Fatalf("expected precondition failure, got %v", err)
	}
	if len(h.scheduler.queued) != 1 {
		t.Fatalf("expected a single queued run, got %d", len(h.scheduler.queued))
	}
}

func TestStartWithoutMapping(t *testing.T) {
	h := newHarness(t, 3, false)

	_, err := h.service.Start(context.Background(), h.file.ID, "analyst")
	if !errors.Is(err, domain.ErrMappingNotFound) {
		t.Fatalf("expected mapping not found, got %v", err)
	}
	if got := h.files.files[h.file.ID]; got.Status != domain.FileStatusMapped {
		t.Fatalf("file should stay mapped, got %s", got.Status)
	}
}

func TestRunBatchFailureStopsIngestion(t *testing.T) {
	h := newHarness(t, 250, true)
	h.claims.failOnBatch = 2
	ctx := context.Background()

	processingID, err := h.service.Start(ctx, h.file.ID, "analyst")
	if err != nil {
		t.Fatalf("start returned error: %v", err)
	}
	err = h.service.Run(ctx, processingID)
	if !errors.Is(err, domain.ErrBatchFailure) {
		t.Fatalf("expected batch failure, got %v", err)
	}

	if len(h.claims.records) != 100 {
		t.Fatalf("expected first batch to stay committed, got %d records", len(h.claims.records))
	}
	if h.claims.inserts != 2 {
		t.Fatalf("ingestion should stop at the failed batch, got %d inserts", h.claims.inserts)
	}

	run := h.runs.runs[processingID]
	if run.Status != domain.ProcessingStatusError || run.ErrorDetails == nil {
		t.Fatalf("expected errored run with details, got %+v", run)
	}
	if !strings.Contains(run.ErrorDetails.Message, "connection reset") {
		t.Fatalf("error details should carry the cause: %q", run.ErrorDetails.Message)
	}
	if got := h.files.files[h.file.ID]; got.Status != domain.FileStatusError || got.ProcessingStage != domain.StageMappingComplete {
		t.Fatalf("unexpected state after failure: %s/%s", got.Status, got.ProcessingStage)
	}
}

func TestRetryAfterFailureStartsClean(t *testing.T) {
	h := newHarness(t, 150, true)
	h.claims.failOnBatch = 2
	ctx := context.Background()

	first, _ := h.service.Start(ctx, h.file.ID, "analyst")
	_ = h.service.Run(ctx, first)

	// remap walks the file from ERROR back to MAPPED
	machine := lifecycle.NewMachine(h.files, directTx{}, nil)
	file := h.files.files[h.file.ID]
	plan, err := lifecycle.MappingPlan(file)
	if err != nil {
		t.Fatalf("mapping plan returned error: %v", err)
	}
	if _, err := machine.ApplySteps(ctx, file, plan, "analyst"); err != nil {
		t.Fatalf("remap returned error: %v", err)
	}

	second, err := h.service.Start(ctx, h.file.ID, "analyst")
	if err != nil {
		t.Fatalf("restart returned error: %v", err)
	}
	if len(h.claims.records) != 0 {
		t.Fatalf("leftover records should be removed on restart, got %d", len(h.claims.records))
	}
	if err := h.service.Run(ctx, second); err != nil {
		t.Fatalf("second run returned error: %v", err)
	}
	if len(h.claims.records) != 150 || h.claims.records[0].RowNumber != 1 {
		t.Fatalf("expected a clean re-ingestion, got %d records", len(h.claims.records))
	}
}

func TestIngestStopsBetweenBatchesOnCancel(t *testing.T) {
	claims := &stubClaimRepo{}
	ingestor := NewBatchIngestor(claims, directTx{}, 10, nil)

	rows := make([]domain.Fields, 35)
	for i := range rows {
		rows[i] = domain.NewFields()
		rows[i].Set("qty", domain.Int(i))
	}

	ctx, cancel := context.WithCancel(context.Background())
	processed, err := ingestor.Ingest(ctx, uuid.New(), rows, nil, func(_ context.Context, processed, _ int) error {
		if processed == 20 {
			cancel()
		}
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
	if processed != 20 || len(claims.records) != 20 {
		t.Fatalf("expected two whole batches, got processed=%d records=%d", processed, len(claims.records))
	}
}

func TestAbandonFailsQueuedRunAndFile(t *testing.T) {
	h := newHarness(t, 5, true)
	ctx := context.Background()

	processingID, err := h.service.Start(ctx, h.file.ID, "analyst")
	if err != nil {
		t.Fatalf("start returned error: %v", err)
	}
	if err := h.service.Abandon(ctx, processingID, "dispatcher stopped"); err != nil {
		t.Fatalf("abandon returned error: %v", err)
	}

	run := h.runs.runs[processingID]
	if run.Status != domain.ProcessingStatusError || run.ErrorDetails == nil {
		t.Fatalf("expected errored run, got %+v", run)
	}
	if !strings.Contains(run.ErrorDetails.Message, "dispatcher stopped") {
		t.Fatalf("error details should carry the reason: %q", run.ErrorDetails.Message)
	}
	if got := h.files.files[h.file.ID]; got.Status != domain.FileStatusError || got.ProcessingStage != domain.StageMappingComplete {
		t.Fatalf("unexpected file state: %s/%s", got.Status, got.ProcessingStage)
	}

	// a late delivery of the abandoned job does nothing
	if err := h.service.Run(ctx, processingID); err != nil {
		t.Fatalf("late run returned error: %v", err)
	}
	if len(h.claims.records) != 0 {
		t.Fatalf("abandoned run must not ingest, got %d records", len(h.claims.records))
	}
	if err := h.service.Abandon(ctx, processingID, "again"); err != nil {
		t.Fatalf("abandoning a finished run returned error: %v", err)
	}
}

func TestFailStaleSkipsFreshRuns(t *testing.T) {
	h := newHarness(t, 5, true)
	ctx := context.Background()

	stale, err := h.service.Start(ctx, h.file.ID, "analyst")
	if err != nil {
		t.Fatalf("start returned error: %v", err)
	}
	run := h.runs.runs[stale]
	run.StartedAt = time.Now().Add(-2 * time.Hour)
	h.runs.runs[stale] = run

	other := domain.File{ID: uuid.New(), Status: domain.FileStatusProcessingClaims, ProcessingStage: domain.StageClaimsProcessing}
	h.files.files[other.ID] = other
	fresh, _ := h.runs.Create(ctx, domain.ProcessingRun{FileID: other.ID, Status: domain.ProcessingStatusPending})

	failed, err := h.service.FailStale(ctx, time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("fail stale returned error: %v", err)
	}
	if failed != 1 {
		t.Fatalf("expected one stale run, got %d", failed)
	}
	if h.runs.runs[stale].Status != domain.ProcessingStatusError {
		t.Fatalf("stale run should be failed")
	}
	if h.runs.runs[fresh.ID].Status != domain.ProcessingStatusPending {
		t.Fatalf("fresh run should stay pending, got %s", h.runs.runs[fresh.ID].Status)
	}
	if got := h.files.files[h.file.ID]; got.Status != domain.FileStatusError {
		t.Fatalf("file of the stale run should be ERROR, got %s", got.Status)
	}
}
