package mapping

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rpattn/claimsflow/internal/domain"
)

func canonical(name, display string) domain.CanonicalField {
	return domain.CanonicalField{ID: uuid.New(), FieldName: name, DisplayName: display, DataType: "string"}
}

func TestSimilarity_Properties(t *testing.T) {
	words := []string{"", "A", "DOB", "MEMBERDOB", "FILLDATE", "FILDATE", "DAYSSUPPLY", "ÄRZTE", "QTY"}
	for _, a := range words {
		for _, b := range words {
			ab, ba := Similarity(a, b), Similarity(b, a)
			assert.Equal(t, ab, ba, "symmetry %q %q", a, b)
			assert.GreaterOrEqual(t, ab, 0.0)
			assert.LessOrEqual(t, ab, 1.0)
		}
		if a != "" {
			assert.Equal(t, 1.0, Similarity(a, a))
		}
	}
	assert.Equal(t, 1.0, Similarity("", ""))
	assert.Equal(t, 0.0, Similarity("", "DOB"))
	assert.InDelta(t, 0.875, Similarity("FILLDATE", "FILDATE"), 1e-9)
}

func TestNormalize(t *testing.T) {
	assert.Equal(t, "FILLDATE", Normalize(" Fill_Date "))
	assert.Equal(t, "DAYSSUPPLY", Normalize("days-supply"))
	assert.Equal(t, "MEMBERDOB", Normalize("member dob"))
}

func TestAutoMap_HeaderScenario(t *testing.T) {
	dob := canonical("member_dob", "Member Date of Birth")
	fill := canonical("fill_date", "Fill Date")
	fields := []domain.CanonicalField{dob, fill}

	result := AutoMap([]string{"DOB", "Fill_Date", "qty"}, fields, nil, DefaultThreshold)
	assert.Equal(t, map[string]uuid.UUID{"Fill_Date": fill.ID}, result.Mapping())
	assert.Equal(t, 1, result.ExactMatches)
	assert.Equal(t, 0, result.VariationMatches)
	assert.Equal(t, 0, result.SimilarityMatches)
	assert.Equal(t, []string{"DOB", "qty"}, result.Unmapped)

	withVariation := AutoMap([]string{"DOB", "Fill_Date", "qty"}, fields,
		[]domain.FieldVariation{{FieldID: dob.ID, VariationName: "DOB"}}, DefaultThreshold)
	assert.Equal(t, map[string]uuid.UUID{"DOB": dob.ID, "Fill_Date": fill.ID}, withVariation.Mapping())
	assert.Equal(t, 1, withVariation.VariationMatches)
	assert.Equal(t, []string{"qty"}, withVariation.Unmapped)
}

func TestAutoMap_SimilarityTier(t *testing.T) {
	fill := canonical("fill_date", "Fill Date")
	supply := canonical("days_supply", "Days Supply")

	result := AutoMap([]string{"Fil Date", "Day Supply"}, []domain.CanonicalField{fill, supply}, nil, 0)
	require.Len(t, result.Matches, 2)
	assert.Equal(t, MatchSimilarity, result.Matches[0].Type)
	assert.Equal(t, fill.ID, result.Matches[0].FieldID)
	assert.Equal(t, supply.ID, result.Matches[1].FieldID)
	assert.Equal(t, 2, result.SimilarityMatches)
}

func TestAutoMap_TieKeepsFirstField(t *testing.T) {
	first := canonical("abcd", "")
	second := canonical("abce", "")

	result := AutoMap([]string{"abcx"}, []domain.CanonicalField{first, second}, nil, 0.7)
	require.Len(t, result.Matches, 1)
	assert.Equal(t, first.ID, result.Matches[0].FieldID)

	swapped := AutoMap([]string{"abcx"}, []domain.CanonicalField{second, first}, nil, 0.7)
	require.Len(t, swapped.Matches, 1)
	assert.Equal(t, second.ID, swapped.Matches[0].FieldID)
}

func TestAutoMap_FieldUsedOnce(t *testing.T) {
	fill := canonical("fill_date", "Fill Date")
	dob := canonical("member_dob", "Member DOB")

	result := AutoMap(
		[]string{"fill_date", "FILL-DATE", "FillDate", "member dob", "MemberDOB"},
		[]domain.CanonicalField{fill, dob},
		[]domain.FieldVariation{{FieldID: fill.ID, VariationName: "FILLDATE"}},
		DefaultThreshold,
	)

	seen := map[uuid.UUID]int{}
	for _, m := range result.Matches {
		seen[m.FieldID]++
	}
	for id, count := range seen {
		assert.Equal(t, 1, count, "field %s mapped more than once", id)
	}
	assert.Len(t, result.Matches, 2)
	assert.Equal(t, []string{"FILL-DATE", "FillDate", "MemberDOB"}, result.Unmapped)
}

func TestAutoMap_Deterministic(t *testing.T) {
	fields := []domain.CanonicalField{
		canonical("member_dob", "Member Date of Birth"),
		canonical("fill_date", "Fill Date"),
		canonical("days_supply", "Days Supply"),
		canonical("quantity", "Quantity Dispensed"),
		canonical("ndc", "NDC Code"),
	}
	variations := []domain.FieldVariation{
		{FieldID: fields[0].ID, VariationName: "DOB"},
		{FieldID: fields[3].ID, VariationName: "QTY"},
	}
	headers := []string{"DOB", "Fil_Date", "Day Suply", "qty", "NDC", "Notes"}

	first := AutoMap(headers, fields, variations, DefaultThreshold)
	for i := 0; i < 20; i++ {
		again := AutoMap(headers, fields, variations, DefaultThreshold)
		assert.Equal(t, first, again)
	}
}

func TestAutoMap_SameNormalizedNameBindsEachField(t *testing.T) {
	first := canonical("member_dob", "Member DOB")
	second := canonical("MemberDOB", "Member DOB (legacy)")

	result := AutoMap([]string{"member dob", "Member-DOB"}, []domain.CanonicalField{first, second}, nil, DefaultThreshold)

	require.Len(t, result.Matches, 2)
	assert.Equal(t, first.ID, result.Matches[0].FieldID)
	assert.Equal(t, second.ID, result.Matches[1].FieldID)
	assert.Equal(t, MatchExact, result.Matches[1].Type)
	assert.Equal(t, 2, result.ExactMatches)
	assert.Empty(t, result.Unmapped)
}
