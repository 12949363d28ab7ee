package rules

import (
	"encoding/json"

	"github.com/cockroachdb/errors"

	"github.com/rpattn/claimsflow/internal/domain"
	"github.com/rpattn/claimsflow/internal/enrichment"
)

const channelGroup = "channelEnrichment"

// Dispensing channels.
const (
	ChannelMail     = "Mail"
	ChannelRetail   = "Retail"
	ChannelRetail90 = "Retail90"
)

// ChannelParams are the day boundaries of the channel rule.
type ChannelParams struct {
	MailAbove  float64 `json:"mailAbove"`
	RetailUpTo float64 `json:"retailUpTo"`
}

var defaultChannelParams = ChannelParams{MailAbove: 83, RetailUpTo: 30}

func decodeChannelParams(raw json.RawMessage) (ChannelParams, error) {
	params := defaultChannelParams
	if len(raw) == 0 || string(raw) == "null" {
		return params, nil
	}
	if err := json.Unmarshal(raw, &params); err != nil {
		return ChannelParams{}, errors.Wrap(err, "decode channel parameters")
	}
	if params.RetailUpTo <= 0 || params.MailAbove < params.RetailUpTo {
		return ChannelParams{}, errors.Newf("invalid channel boundaries %+v", params)
	}
	return params, nil
}

// Channel classifies a claim as Mail, Retail or Retail90 from days_supply.
// An already mapped channel_indicator is never overwritten.
type Channel struct {
	base
}

// NewChannel rejects definitions with malformed boundaries.
func NewChannel(def domain.RuleDefinition) (enrichment.Processor, error) {
	if _, err := decodeChannelParams(def.Parameters); err != nil {
		return nil, err
	}
	return &Channel{base: newBase(def)}, nil
}

func (c *Channel) RequiredFields() []string {
	return []string{"days_supply"}
}

func (c *Channel) Validate(record domain.ClaimRecord, _ json.RawMessage) bool {
	if record.MappedFields.Has("channel_indicator") {
		return false
	}
	_, err := daysSupply(record)
	return err == nil
}

func (c *Channel) Process(record domain.ClaimRecord, raw json.RawMessage) enrichment.Result {
	params, err := decodeChannelParams(raw)
	if err != nil {
		return enrichment.Failed(channelGroup, errors.Mark(err, domain.ErrRuleProcess))
	}
	days, err := daysSupply(record)
	if err != nil {
		return enrichment.Failed(channelGroup, errors.Mark(err, domain.ErrRuleProcess))
	}

	out := domain.NewFields()
	out.Set("channel_indicator", domain.String(Classify(days, params)))
	out.Set("derived_from_days_supply", domain.Number(days))
	return enrichment.Succeeded(channelGroup, out)
}

// Classify maps a days supply onto a channel.
func Classify(days float64, params ChannelParams) string {
	switch {
	case days > params.MailAbove:
		return ChannelMail
	case days <= params.RetailUpTo:
		return ChannelRetail
	default:
		return ChannelRetail90
	}
}

func daysSupply(record domain.ClaimRecord) (float64, error) {
	v, ok := record.MappedFields.Get("days_supply")
	if !ok || v.IsNull() {
		return 0, errors.New("days_supply is missing")
	}
	days, err := v.Float()
	if err != nil {
		return 0, errors.Wrapf(err, "invalid days_supply %q", v.Text())
	}
	if days <= 0 {
		return 0, errors.Newf("invalid days_supply %q", v.Text())
	}
	return days, nil
}
