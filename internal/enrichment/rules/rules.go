// Package rules holds the enrichment processors shipped with the service.
package rules

import (
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cast"
	"github.com/xuri/excelize/v2"

	"github.com/rpattn/claimsflow/internal/domain"
	"github.com/rpattn/claimsflow/internal/enrichment"
)

// Processor classes as stored in enrichment_rules.processor_class.
const (
	AgeClass     = "AgeRuleProcessor"
	ChannelClass = "ChannelRuleProcessor"
)

// Factories returns the processor factories keyed by processor class.
func Factories() map[string]enrichment.Factory {
	return map[string]enrichment.Factory{
		AgeClass:     NewAge,
		ChannelClass: NewChannel,
	}
}

// base carries the identity every processor takes from its definition.
type base struct {
	id       string
	name     string
	priority int
}

func newBase(def domain.RuleDefinition) base {
	return base{id: def.ID, name: def.Name, priority: def.Priority}
}

func (b base) RuleID() string { return b.id }
func (b base) Name() string   { return b.name }
func (b base) Priority() int  { return b.priority }

var timeLayouts = []string{
	time.RFC3339,
	time.RFC3339Nano,
	"2006-01-02",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006/01/02",
	"01/02/2006",
	"1/2/2006",
	"01-02-2006",
	"20060102",
}

// Spreadsheet serials outside this range are not treated as dates.
const (
	minExcelSerial = 1
	maxExcelSerial = 2958465
)

// parseDate reads a date cell. Strings are tried against timeLayouts first
// and then as spreadsheet date serials.
func parseDate(v domain.Value) (time.Time, error) {
	switch v.Kind() {
	case domain.KindDate:
		return v.Time(), nil
	case domain.KindNumber:
		return excelSerial(v.NumberValue())
	case domain.KindString:
		raw := strings.TrimSpace(v.Text())
		for _, layout := range timeLayouts {
			if ts, err := time.Parse(layout, raw); err == nil {
				return ts, nil
			}
		}
		if serial, err := cast.ToFloat64E(raw); err == nil {
			return excelSerial(serial)
		}
		return time.Time{}, errors.Newf("unrecognized date format")
	default:
		return time.Time{}, errors.Newf("%s value is not a date", v.Kind())
	}
}

func excelSerial(serial float64) (time.Time, error) {
	if serial < minExcelSerial || serial > maxExcelSerial {
		return time.Time{}, errors.Newf("date serial %v out of range", serial)
	}
	return excelize.ExcelDateToTime(serial, false)
}
