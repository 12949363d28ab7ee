package lifecycle

import (
	"context"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rpattn/claimsflow/internal/domain"
)

func TestCanTransition_RequiresBothEdges(t *testing.T) {
	assert.True(t, CanTransition(domain.FileStatusPending, domain.StageReadyForMapping,
		domain.FileStatusProcessing, domain.StageMappingInProgress))
	// legal status edge, illegal stage edge
	assert.False(t, CanTransition(domain.FileStatusPending, domain.StageReadyForMapping,
		domain.FileStatusProcessing, domain.StageMappingComplete))
	// legal stage edge, illegal status edge
	assert.False(t, CanTransition(domain.FileStatusPending, domain.StageReadyForMapping,
		domain.FileStatusMapped, domain.StageMappingInProgress))
}

func TestCanTransition_NoSelfLoops(t *testing.T) {
	for _, status := range domain.FileStatuses {
		assert.False(t, CanTransitionStatus(status, status), "status %s", status)
	}
	for _, stage := range domain.ProcessingStages {
		assert.False(t, CanTransitionStage(stage, stage), "stage %s", stage)
	}
}

func TestApply_IllegalLeavesFileUnchanged(t *testing.T) {
	now := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	for _, fromStatus := range domain.FileStatuses {
		for _, fromStage := range domain.ProcessingStages {
			file := domain.File{ID: uuid.New(), Status: fromStatus, ProcessingStage: fromStage, UpdatedBy: "seed"}
			for _, toStatus := range domain.FileStatuses {
				for _, toStage := range domain.ProcessingStages {
					next, change, err := Apply(file, toStatus, toStage, "tester", now)
					if CanTransition(fromStatus, fromStage, toStatus, toStage) {
						require.NoError(t, err)
						assert.Equal(t, toStatus, next.Status)
						assert.Equal(t, toStage, next.ProcessingStage)
						assert.Equal(t, fromStatus, change.PreviousStatus)
						assert.Equal(t, fromStage, change.PreviousStage)
						assert.Equal(t, "tester", change.Actor)
						continue
					}
					require.Error(t, err)
					assert.True(t, errors.Is(err, domain.ErrInvalidTransition))
					assert.Equal(t, file, next)
				}
			}
		}
	}
}

func TestCheck_ReportsRejectedEdge(t *testing.T) {
	err := Check(domain.FileStatusProcessed, domain.StageProcessed, domain.FileStatusEnriched, domain.StageClaimsProcessed)
	var transitionErr *domain.InvalidTransitionError
	require.True(t, errors.As(err, &transitionErr))
	assert.True(t, transitionErr.StatusOK)
	assert.False(t, transitionErr.StageOK)
}

func TestMappingPlan(t *testing.T) {
	cases := []struct {
		name   string
		status domain.FileStatus
		stage  domain.ProcessingStage
		want   []Step
	}{
		{"fresh upload", domain.FileStatusPending, domain.StageReadyForMapping, []Step{toMappingInProgress, toMappingComplete}},
		{"mapping in progress", domain.FileStatusProcessing, domain.StageMappingInProgress, []Step{toMappingComplete}},
		{"already mapped", domain.FileStatusMapped, domain.StageMappingComplete, []Step{}},
		{"remap after failure", domain.FileStatusError, domain.StageMappingComplete, []Step{toMappingInProgress, toMappingComplete}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			plan, err := MappingPlan(domain.File{Status: tc.status, ProcessingStage: tc.stage})
			require.NoError(t, err)
			assert.Equal(t, tc.want, plan)
		})
	}

	_, err := MappingPlan(domain.File{Status: domain.FileStatusProcessed, ProcessingStage: domain.StageClaimsProcessed})
	assert.True(t, errors.Is(err, domain.ErrInvalidTransition))
}

type memoryFiles struct {
	files   map[uuid.UUID]domain.File
	changes []domain.FileStatusChange
}

func (m *memoryFiles) GetForUpdate(_ context.Context, id uuid.UUID) (domain.File, error) {
	file, ok := m.files[id]
	if !ok {
		return domain.File{}, domain.ErrNotFound
	}
	return file, nil
}

func (m *memoryFiles) UpdateState(_ context.Context, file domain.File) error {
	m.files[file.ID] = file
	return nil
}

func (m *memoryFiles) RecordStatusChange(_ context.Context, change domain.FileStatusChange) error {
	m.changes = append(m.changes, change)
	return nil
}

type directTx struct{}

func (directTx) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

func TestMachine_TransitionWritesAudit(t *testing.T) {
	id := uuid.New()
	store := &memoryFiles{files: map[uuid.UUID]domain.File{
		id: {ID: id, Status: domain.FileStatusMapped, ProcessingStage: domain.StageMappingComplete},
	}}
	machine := NewMachine(store, directTx{}, nil)

	file, err := machine.Transition(context.Background(), id, domain.FileStatusProcessingClaims, domain.StageClaimsProcessing, "worker")
	require.NoError(t, err)
	assert.Equal(t, domain.FileStatusProcessingClaims, file.Status)
	require.Len(t, store.changes, 1)
	assert.Equal(t, domain.FileStatusMapped, store.changes[0].PreviousStatus)
	assert.Equal(t, domain.StageClaimsProcessing, store.changes[0].NewStage)

	_, err = machine.Transition(context.Background(), id, domain.FileStatusEnriched, domain.StageProcessed, "worker")
	assert.True(t, errors.Is(err, domain.ErrInvalidTransition))
	assert.Len(t, store.changes, 1)
	assert.Equal(t, domain.FileStatusProcessingClaims, store.files[id].Status)
}

func TestMachine_ApplyStepsAuditsEveryHop(t *testing.T) {
	id := uuid.New()
	file := domain.File{ID: id, Status: domain.FileStatusPending, ProcessingStage: domain.StageReadyForMapping}
	store := &memoryFiles{files: map[uuid.UUID]domain.File{id: file}}
	machine := NewMachine(store, directTx{}, nil)

	plan, err := MappingPlan(file)
	require.NoError(t, err)
	final, err := machine.ApplySteps(context.Background(), file, plan, "analyst")
	require.NoError(t, err)
	assert.Equal(t, domain.FileStatusMapped, final.Status)
	assert.Equal(t, domain.StageMappingComplete, final.ProcessingStage)
	require.Len(t, store.changes, 2)
	assert.Equal(t, domain.FileStatusProcessing, store.changes[0].NewStatus)
	assert.Equal(t, domain.FileStatusMapped, store.changes[1].NewStatus)
}
