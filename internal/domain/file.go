package domain

import (
	"time"

	"github.com/google/uuid"
)

// FileStatus is the coarse lifecycle state of an uploaded claims file.
type FileStatus string

const (
	FileStatusPending          FileStatus = "PENDING"
	FileStatusProcessing       FileStatus = "PROCESSING"
	FileStatusMapped           FileStatus = "MAPPED"
	FileStatusProcessingClaims FileStatus = "PROCESSING_CLAIMS"
	FileStatusProcessed        FileStatus = "PROCESSED"
	FileStatusEnriched         FileStatus = "ENRICHED"
	FileStatusError            FileStatus = "ERROR"
)

// ProcessingStage is the fine-grained pipeline position of a file.
type ProcessingStage string

const (
	StageReadyForMapping   ProcessingStage = "READY_FOR_MAPPING"
	StageMappingInProgress ProcessingStage = "MAPPING_IN_PROGRESS"
	StageMappingComplete   ProcessingStage = "MAPPING_COMPLETE"
	StageClaimsProcessing  ProcessingStage = "CLAIMS_PROCESSING"
	StageClaimsProcessed   ProcessingStage = "CLAIMS_PROCESSED"
	StageProcessed         ProcessingStage = "PROCESSED"
)

// FileStatuses lists every status in declaration order.
var FileStatuses = []FileStatus{
	FileStatusPending,
	FileStatusProcessing,
	FileStatusMapped,
	FileStatusProcessingClaims,
	FileStatusProcessed,
	FileStatusEnriched,
	FileStatusError,
}

// ProcessingStages lists every stage in declaration order.
var ProcessingStages = []ProcessingStage{
	StageReadyForMapping,
	StageMappingInProgress,
	StageMappingComplete,
	StageClaimsProcessing,
	StageClaimsProcessed,
	StageProcessed,
}

// File is one uploaded claims dataset.
type File struct {
	ID               uuid.UUID       `json:"fileId"`
	OriginalFilename string          `json:"originalFilename"`
	StorageKey       string          `json:"storageKey"`
	Status           FileStatus      `json:"status"`
	ProcessingStage  ProcessingStage `json:"processingStage"`
	FileSize         int64           `json:"fileSize"`
	RowCount         int             `json:"rowCount"`
	OriginalHeaders  []string        `json:"originalHeaders"`
	CreatedBy        string          `json:"createdBy"`
	UpdatedBy        string          `json:"updatedBy"`
	CreatedAt        time.Time       `json:"createdAt"`
	UpdatedAt        time.Time       `json:"updatedAt"`
}

// FileStatusChange is the audit entry written for every applied transition.
type FileStatusChange struct {
	ID             uuid.UUID       `json:"id"`
	FileID         uuid.UUID       `json:"fileId"`
	PreviousStatus FileStatus      `json:"previousStatus"`
	NewStatus      FileStatus      `json:"newStatus"`
	PreviousStage  ProcessingStage `json:"previousStage"`
	NewStage       ProcessingStage `json:"newStage"`
	Actor          string          `json:"actor"`
	CreatedAt      time.Time       `json:"createdAt"`
}
