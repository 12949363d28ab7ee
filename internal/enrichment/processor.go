// Package enrichment runs prioritized business rules over ingested claim
// records and stores what they derive as dynamic field groups.
package enrichment

import (
	"encoding/json"

	"github.com/rpattn/claimsflow/internal/domain"
)

// Processor is one enrichment rule. Validate must not panic on records that
// lack the rule's inputs; it returns false instead.
type Processor interface {
	RuleID() string
	Name() string
	Priority() int
	// RequiredFields lists the canonical field names the rule reads.
	RequiredFields() []string
	Validate(record domain.ClaimRecord, params json.RawMessage) bool
	Process(record domain.ClaimRecord, params json.RawMessage) Result
}

// Result is the outcome of one Process call. On success Value is stored under
// FieldGroup in the record's dynamic fields.
type Result struct {
	Success    bool
	FieldGroup string
	Value      domain.Fields
	Err        error
}

// Succeeded builds a successful result.
func Succeeded(group string, value domain.Fields) Result {
	return Result{Success: true, FieldGroup: group, Value: value}
}

// Failed builds a failed result.
func Failed(group string, err error) Result {
	return Result{FieldGroup: group, Err: err}
}

// Factory builds the processor for a configured rule definition.
type Factory func(def domain.RuleDefinition) (Processor, error)
