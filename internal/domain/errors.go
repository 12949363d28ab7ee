package domain

import (
	"fmt"

	"github.com/cockroachdb/errors"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrInvalidTransition  = errors.New("invalid transition")
	ErrMappingNotFound    = errors.New("mapping not found")
	ErrPreconditionFailed = errors.New("precondition failed")
	ErrBatchFailure       = errors.New("batch failure")
	ErrRuleValidation     = errors.New("rule validation failure")
	ErrRuleProcess        = errors.New("rule process error")
	ErrRunAbort           = errors.New("run aborted")
	ErrNotInitialized     = errors.New("not initialized")
	ErrUnsupportedFormat  = errors.New("unsupported file format")
	ErrInvalidInput       = errors.New("invalid input")
)

// InvalidTransitionError names the rejected status and stage edges.
type InvalidTransitionError struct {
	FromStatus FileStatus
	ToStatus   FileStatus
	FromStage  ProcessingStage
	ToStage    ProcessingStage
	StatusOK   bool
	StageOK    bool
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition: status %s -> %s (%s), stage %s -> %s (%s)",
		e.FromStatus, e.ToStatus, edgeVerdict(e.StatusOK),
		e.FromStage, e.ToStage, edgeVerdict(e.StageOK))
}

func (e *InvalidTransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

func edgeVerdict(ok bool) string {
	if ok {
		return "allowed"
	}
	return "rejected"
}
