package rules

import (
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/rpattn/claimsflow/internal/domain"
	"github.com/rpattn/claimsflow/internal/enrichment"
)

const ageGroup = "ageEnrichment"

// Age derives the member's age at fill date and today, with under-65 flags.
type Age struct {
	base
	now func() time.Time
}

func NewAge(def domain.RuleDefinition) (enrichment.Processor, error) {
	return &Age{base: newBase(def), now: time.Now}, nil
}

func (a *Age) RequiredFields() []string {
	return []string{"member_dob", "fill_date"}
}

func (a *Age) Validate(record domain.ClaimRecord, _ json.RawMessage) bool {
	return record.MappedFields.Has("member_dob") && record.MappedFields.Has("fill_date")
}

func (a *Age) Process(record domain.ClaimRecord, _ json.RawMessage) enrichment.Result {
	dobValue, _ := record.MappedFields.Get("member_dob")
	fillValue, _ := record.MappedFields.Get("fill_date")

	dob, err := parseDate(dobValue)
	if err != nil {
		return a.fail(errors.Wrapf(err, "invalid member_dob %q", dobValue.Text()))
	}
	fill, err := parseDate(fillValue)
	if err != nil {
		return a.fail(errors.Wrapf(err, "invalid fill_date %q", fillValue.Text()))
	}

	ageAtFill := ageOn(dob, fill)
	if ageAtFill < 0 {
		return a.fail(errors.Newf("member_dob %q is after fill_date %q", dobValue.Text(), fillValue.Text()))
	}
	current := ageOn(dob, a.now())
	if current < 0 {
		return a.fail(errors.Newf("member_dob %q is in the future", dobValue.Text()))
	}

	out := domain.NewFields()
	out.Set("currentAge", domain.Int(current))
	out.Set("ageAtFillDate", domain.Int(ageAtFill))
	out.Set("isUnder65AtFillDate", domain.Bool(ageAtFill < 65))
	out.Set("isUnder65AtCurrentDate", domain.Bool(current < 65))
	return enrichment.Succeeded(ageGroup, out)
}

func (a *Age) fail(err error) enrichment.Result {
	return enrichment.Failed(ageGroup, errors.Mark(err, domain.ErrRuleProcess))
}

// ageOn counts whole years from birth to ref.
func ageOn(birth, ref time.Time) int {
	age := ref.Year() - birth.Year()
	if ref.Month() < birth.Month() || (ref.Month() == birth.Month() && ref.Day() < birth.Day()) {
		age--
	}
	return age
}
