// Package lifecycle enforces the legal (status, stage) transitions of a claims file.
package lifecycle

import (
	"time"

	"github.com/google/uuid"

	"github.com/rpattn/claimsflow/internal/domain"
)

var statusEdges = map[domain.FileStatus][]domain.FileStatus{
	domain.FileStatusPending:          {domain.FileStatusProcessing},
	domain.FileStatusProcessing:       {domain.FileStatusMapped, domain.FileStatusError},
	domain.FileStatusMapped:           {domain.FileStatusProcessingClaims, domain.FileStatusError},
	domain.FileStatusProcessingClaims: {domain.FileStatusProcessed, domain.FileStatusError},
	domain.FileStatusProcessed:        {domain.FileStatusEnriched, domain.FileStatusError},
	domain.FileStatusEnriched:         {domain.FileStatusProcessed, domain.FileStatusError},
	domain.FileStatusError: {
		domain.FileStatusProcessing,
		domain.FileStatusProcessingClaims,
		domain.FileStatusProcessed,
	},
}

var stageEdges = map[domain.ProcessingStage][]domain.ProcessingStage{
	domain.StageReadyForMapping:   {domain.StageMappingInProgress},
	domain.StageMappingInProgress: {domain.StageMappingComplete, domain.StageReadyForMapping},
	domain.StageMappingComplete:   {domain.StageClaimsProcessing, domain.StageMappingInProgress},
	domain.StageClaimsProcessing:  {domain.StageClaimsProcessed, domain.StageMappingComplete},
	domain.StageClaimsProcessed:   {domain.StageProcessed},
	domain.StageProcessed:         {},
}

// CanTransitionStatus reports whether the status edge exists.
func CanTransitionStatus(from, to domain.FileStatus) bool {
	for _, next := range statusEdges[from] {
		if next == to {
			return true
		}
	}
	return false
}

// CanTransitionStage reports whether the stage edge exists.
func CanTransitionStage(from, to domain.ProcessingStage) bool {
	for _, next := range stageEdges[from] {
		if next == to {
			return true
		}
	}
	return false
}

// CanTransition requires both the status edge and the stage edge.
func CanTransition(status domain.FileStatus, stage domain.ProcessingStage, newStatus domain.FileStatus, newStage domain.ProcessingStage) bool {
	return CanTransitionStatus(status, newStatus) && CanTransitionStage(stage, newStage)
}

// Check returns an *domain.InvalidTransitionError when the move is illegal.
func Check(status domain.FileStatus, stage domain.ProcessingStage, newStatus domain.FileStatus, newStage domain.ProcessingStage) error {
	statusOK := CanTransitionStatus(status, newStatus)
	stageOK := CanTransitionStage(stage, newStage)
	if statusOK && stageOK {
		return nil
	}
	return &domain.InvalidTransitionError{
		FromStatus: status,
		ToStatus:   newStatus,
		FromStage:  stage,
		ToStage:    newStage,
		StatusOK:   statusOK,
		StageOK:    stageOK,
	}
}

// Apply moves file to (newStatus, newStage). On error the returned file is the
// input file, untouched.
func Apply(file domain.File, newStatus domain.FileStatus, newStage domain.ProcessingStage, actor string, now time.Time) (domain.File, domain.FileStatusChange, error) {
	if err := Check(file.Status, file.ProcessingStage, newStatus, newStage); err != nil {
		return file, domain.FileStatusChange{}, err
	}
	change := domain.FileStatusChange{
		ID:             uuid.New(),
		FileID:         file.ID,
		PreviousStatus: file.Status,
		NewStatus:      newStatus,
		PreviousStage:  file.ProcessingStage,
		NewStage:       newStage,
		Actor:          actor,
		CreatedAt:      now,
	}
	next := file
	next.Status = newStatus
	next.ProcessingStage = newStage
	next.UpdatedBy = actor
	next.UpdatedAt = now
	return next, change, nil
}

// IsAvailableForMapping reports whether a mapping can be saved for the file.
func IsAvailableForMapping(file domain.File) bool {
	_, ok := mappingPlans[state{file.Status, file.ProcessingStage}]
	return ok
}

// CanProcess reports whether claims ingestion may start.
func CanProcess(file domain.File) bool {
	return file.Status == domain.FileStatusMapped && file.ProcessingStage == domain.StageMappingComplete
}

// IsComplete reports whether claims processing finished.
func IsComplete(file domain.File) bool {
	return file.Status == domain.FileStatusProcessed && file.ProcessingStage == domain.StageProcessed
}

type state struct {
	status domain.FileStatus
	stage  domain.ProcessingStage
}

// Step is one hop of a multi-transition plan.
type Step struct {
	Status domain.FileStatus
	Stage  domain.ProcessingStage
}

var (
	toMappingInProgress = Step{domain.FileStatusProcessing, domain.StageMappingInProgress}
	toMappingComplete   = Step{domain.FileStatusMapped, domain.StageMappingComplete}
)

var mappingPlans = map[state][]Step{
	{domain.FileStatusPending, domain.StageReadyForMapping}:      {toMappingInProgress, toMappingComplete},
	{domain.FileStatusProcessing, domain.StageMappingInProgress}: {toMappingComplete},
	{domain.FileStatusMapped, domain.StageMappingComplete}:       {},
	{domain.FileStatusError, domain.StageMappingComplete}:        {toMappingInProgress, toMappingComplete},
}

// MappingPlan returns the hops that take a file to (MAPPED, MAPPING_COMPLETE).
// An empty plan means the file is already there.
func MappingPlan(file domain.File) ([]Step, error) {
	plan, ok := mappingPlans[state{file.Status, file.ProcessingStage}]
	if !ok {
		if err := Check(file.Status, file.ProcessingStage, domain.FileStatusMapped, domain.StageMappingComplete); err != nil {
			return nil, err
		}
		return []Step{toMappingComplete}, nil
	}
	out := make([]Step, len(plan))
	copy(out, plan)
	return out, nil
}
