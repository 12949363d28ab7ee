package domain

import (
	"time"

	"github.com/google/uuid"
)

// CanonicalField is one target field of the standard claims schema.
type CanonicalField struct {
	ID          uuid.UUID `json:"id"`
	FieldName   string    `json:"fieldName"`
	DisplayName string    `json:"displayName"`
	DataType    string    `json:"dataType"`
	IsRequired  bool      `json:"isRequired"`
	SortOrder   int       `json:"sortOrder"`
}

// FieldVariation is a known alternate header spelling for a canonical field.
type FieldVariation struct {
	FieldID       uuid.UUID `json:"fieldId"`
	VariationName string    `json:"variationName"`
}

// MappingColumn binds one source column to a canonical field.
type MappingColumn struct {
	SourceColumn string    `json:"sourceColumn"`
	FieldID      uuid.UUID `json:"fieldId"`
	FieldName    string    `json:"fieldName"`
}

// FieldMapping is the active column mapping of a file.
type FieldMapping struct {
	ID        uuid.UUID       `json:"id"`
	FileID    uuid.UUID       `json:"fileId"`
	IsActive  bool            `json:"isActive"`
	Columns   []MappingColumn `json:"columns"`
	CreatedBy string          `json:"createdBy"`
	CreatedAt time.Time       `json:"createdAt"`
}

// TargetsBySource returns source column -> canonical field name.
func (m FieldMapping) TargetsBySource() map[string]string {
	out := make(map[string]string, len(m.Columns))
	for _, col := range m.Columns {
		out[col.SourceColumn] = col.FieldName
	}
	return out
}

// FieldNames returns the mapped canonical field names in column order.
func (m FieldMapping) FieldNames() []string {
	names := make([]string, 0, len(m.Columns))
	for _, col := range m.Columns {
		names = append(names, col.FieldName)
	}
	return names
}
