package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// EnrichmentRunStatus captures lifecycle state for an enrichment run.
type EnrichmentRunStatus string

const (
	EnrichmentRunPending   EnrichmentRunStatus = "PENDING"
	EnrichmentRunRunning   EnrichmentRunStatus = "RUNNING"
	EnrichmentRunCompleted EnrichmentRunStatus = "COMPLETED"
	EnrichmentRunError     EnrichmentRunStatus = "ERROR"

	// EnrichmentNotStarted is reported by status polling when a file has no run.
	EnrichmentNotStarted EnrichmentRunStatus = "NOT_STARTED"
)

// Terminal reports whether the run can no longer change.
func (s EnrichmentRunStatus) Terminal() bool {
	return s == EnrichmentRunCompleted || s == EnrichmentRunError
}

// EnrichmentRun is one execution of the rule engine over a file.
type EnrichmentRun struct {
	ID              uuid.UUID           `json:"runId"`
	FileID          uuid.UUID           `json:"fileId"`
	Status          EnrichmentRunStatus `json:"status"`
	TotalRecords    int                 `json:"totalRecords"`
	EnrichedRecords int                 `json:"enrichedRecords"`
	FailedRecords   int                 `json:"failedRecords"`
	ErrorDetails    *RunDetails         `json:"errorDetails,omitempty"`
	CreatedBy       string              `json:"createdBy"`
	StartedAt       time.Time           `json:"startedAt"`
	CompletedAt     *time.Time          `json:"completedAt,omitempty"`
}

// RunDetails is persisted in enrichment_runs.error_details. Completed runs carry
// only rule statistics; aborted runs also carry the failure message and stack.
type RunDetails struct {
	RuleStats []RuleStat `json:"ruleStats,omitempty"`
	Message   string     `json:"message,omitempty"`
	Stack     string     `json:"stack,omitempty"`
}

// RuleStat aggregates one rule's outcome over a run.
type RuleStat struct {
	RuleID      string  `json:"ruleId"`
	RuleName    string  `json:"ruleName"`
	Attempted   int     `json:"attempted"`
	Succeeded   int     `json:"succeeded"`
	SuccessRate float64 `json:"successRate"`
}

// EnrichmentFailure is the append-only audit row for a failed or skipped rule.
type EnrichmentFailure struct {
	ID            uuid.UUID `json:"id"`
	RunID         uuid.UUID `json:"runId"`
	ClaimRecordID uuid.UUID `json:"claimRecordId"`
	RuleID        string    `json:"ruleId"`
	ErrorMessage  string    `json:"errorMessage"`
	CreatedAt     time.Time `json:"createdAt"`
}

// RuleDefinition is the configured row for an enrichment rule.
type RuleDefinition struct {
	ID             string          `json:"ruleId"`
	Name           string          `json:"ruleName"`
	Description    string          `json:"description"`
	Priority       int             `json:"priority"`
	ProcessorClass string          `json:"processorClass"`
	Parameters     json.RawMessage `json:"parameters,omitempty"`
	IsActive       bool            `json:"isActive"`
}
