package domain

import (
	"time"

	"github.com/google/uuid"
)

const (
	ValidationStatusPending = "PENDING_VALIDATION"
	RecordStatusProcessed   = "PROCESSED"
)

// ClaimRecord is one ingested spreadsheet row.
type ClaimRecord struct {
	ID               uuid.UUID   `json:"recordId"`
	FileID           uuid.UUID   `json:"fileId"`
	RowNumber        int         `json:"rowNumber"`
	MappedFields     Fields      `json:"mappedFields"`
	UnmappedFields   Fields      `json:"unmappedFields"`
	DynamicFields    FieldGroups `json:"dynamicFields"`
	ValidationStatus string      `json:"validationStatus"`
	ProcessingStatus string      `json:"processingStatus"`
	CreatedAt        time.Time   `json:"createdAt"`
	UpdatedAt        time.Time   `json:"updatedAt"`
}

// ClaimFilter narrows claim listings.
type ClaimFilter struct {
	ValidationStatus string
	Enriched         *bool
	Limit            int
	Offset           int
}

// ProcessingStatus is the state of an ingestion run.
type ProcessingStatus string

const (
	ProcessingStatusPending    ProcessingStatus = "PENDING"
	ProcessingStatusProcessing ProcessingStatus = "PROCESSING"
	ProcessingStatusCompleted  ProcessingStatus = "COMPLETED"
	ProcessingStatusError      ProcessingStatus = "ERROR"
)

func (s ProcessingStatus) Terminal() bool {
	return s == ProcessingStatusCompleted || s == ProcessingStatusError
}

// ProcessingRun tracks one ingestion of a file into claim records.
type ProcessingRun struct {
	ID            uuid.UUID        `json:"processingId"`
	FileID        uuid.UUID        `json:"fileId"`
	Status        ProcessingStatus `json:"status"`
	TotalRows     int              `json:"totalRows"`
	ProcessedRows int              `json:"processedRows"`
	ErrorDetails  *ErrorDetails    `json:"errorDetails,omitempty"`
	CreatedBy     string           `json:"createdBy"`
	StartedAt     time.Time        `json:"startTime"`
	CompletedAt   *time.Time       `json:"endTime,omitempty"`
	UpdatedAt     time.Time        `json:"updatedAt"`
}

// ErrorDetails is the structured failure payload stored on runs.
type ErrorDetails struct {
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
	Details   string    `json:"details,omitempty"`
}
