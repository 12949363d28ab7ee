// Package mapping aligns spreadsheet headers with the canonical claim schema.
package mapping

import (
	"github.com/google/uuid"

	"github.com/rpattn/claimsflow/internal/domain"
)

// DefaultThreshold is the minimum similarity accepted by the fuzzy tier.
const DefaultThreshold = 0.8

// MatchType names the tier that produced a match.
type MatchType string

const (
	MatchExact      MatchType = "exact"
	MatchVariation  MatchType = "variation"
	MatchSimilarity MatchType = "similarity"
)

// Match is one accepted header to field binding.
type Match struct {
	SourceColumn string    `json:"sourceColumn"`
	FieldID      uuid.UUID `json:"fieldId"`
	FieldName    string    `json:"fieldName"`
	Type         MatchType `json:"matchType"`
	Score        float64   `json:"score"`
}

// Result is the outcome of AutoMap. Matches follow header order.
type Result struct {
	Matches           []Match  `json:"matches"`
	Unmapped          []string `json:"unmappedColumns"`
	ExactMatches      int      `json:"exactMatches"`
	VariationMatches  int      `json:"variationMatches"`
	SimilarityMatches int      `json:"similarityMatches"`
}

// Mapping returns source column -> canonical field id.
func (r Result) Mapping() map[string]uuid.UUID {
	out := make(map[string]uuid.UUID, len(r.Matches))
	for _, m := range r.Matches {
		out[m.SourceColumn] = m.FieldID
	}
	return out
}

// Columns converts the matches into mapping columns ready to be saved.
func (r Result) Columns() []domain.MappingColumn {
	cols := make([]domain.MappingColumn, 0, len(r.Matches))
	for _, m := range r.Matches {
		cols = append(cols, domain.MappingColumn{SourceColumn: m.SourceColumn, FieldID: m.FieldID, FieldName: m.FieldName})
	}
	return cols
}

// AutoMap proposes a mapping for headers. Each header goes through the exact,
// variation and similarity tiers in turn and the first hit wins. A field bound
// by an earlier header is never offered again. Similarity ties keep the field
// that comes first in fields. A threshold <= 0 uses DefaultThreshold.
func AutoMap(headers []string, fields []domain.CanonicalField, variations []domain.FieldVariation, threshold float64) Result {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}

	type candidate struct {
		field       domain.CanonicalField
		name        string
		displayName string
	}
	candidates := make([]candidate, len(fields))
	// normalized field name -> candidate indexes, in field order
	byName := make(map[string][]int, len(fields))
	byID := make(map[uuid.UUID]int, len(fields))
	for i, f := range fields {
		candidates[i] = candidate{field: f, name: Normalize(f.FieldName), displayName: Normalize(f.DisplayName)}
		byName[candidates[i].name] = append(byName[candidates[i].name], i)
		byID[f.ID] = i
	}

	// variation name -> candidate indexes, in variation order
	byVariation := make(map[string][]int, len(variations))
	for _, v := range variations {
		idx, ok := byID[v.FieldID]
		if !ok {
			continue
		}
		key := Normalize(v.VariationName)
		byVariation[key] = append(byVariation[key], idx)
	}

	consumed := make([]bool, len(fields))
	result := Result{Matches: []Match{}, Unmapped: []string{}}

	accept := func(header string, idx int, kind MatchType, score float64) {
		consumed[idx] = true
		f := candidates[idx].field
		result.Matches = append(result.Matches, Match{
			SourceColumn: header,
			FieldID:      f.ID,
			FieldName:    f.FieldName,
			Type:         kind,
			Score:        score,
		})
		switch kind {
		case MatchExact:
			result.ExactMatches++
		case MatchVariation:
			result.VariationMatches++
		case MatchSimilarity:
			result.SimilarityMatches++
		}
	}

	for _, header := range headers {
		norm := Normalize(header)

		if idx := firstFree(byName[norm], consumed); idx >= 0 {
			accept(header, idx, MatchExact, 1)
			continue
		}
		if idx := firstFree(byVariation[norm], consumed); idx >= 0 {
			accept(header, idx, MatchVariation, 1)
			continue
		}

		best, bestScore := -1, -1.0
		for idx, c := range candidates {
			if consumed[idx] {
				continue
			}
			score := max(Similarity(norm, c.name), Similarity(norm, c.displayName))
			if score > bestScore {
				best, bestScore = idx, score
			}
		}
		if best >= 0 && bestScore >= threshold {
			accept(header, best, MatchSimilarity, bestScore)
			continue
		}
		result.Unmapped = append(result.Unmapped, header)
	}

	return result
}

func firstFree(indexes []int, consumed []bool) int {
	for _, idx := range indexes {
		if !consumed[idx] {
			return idx
		}
	}
	return -1
}
