package enrichment_test

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rpattn/claimsflow/internal/domain"
	"github.com/rpattn/claimsflow/internal/enrichment"
	"github.com/rpattn/claimsflow/internal/enrichment/rules"
)

type definitions []domain.RuleDefinition

func (d definitions) ListActive(context.Context) ([]domain.RuleDefinition, error) {
	return d, nil
}

var (
	ageDefinition = domain.RuleDefinition{
		ID: "age", Name: "Age Classification Rule", Priority: 10, ProcessorClass: rules.AgeClass, IsActive: true,
	}
	channelDefinition = domain.RuleDefinition{
		ID: "channel", Name: "Channel Classification Rule", Priority: 20, ProcessorClass: rules.ChannelClass, IsActive: true,
	}
)

func mappedClaim(pairs ...string) domain.ClaimRecord {
	mapped := domain.NewFields()
	for i := 0; i+1 < len(pairs); i += 2 {
		mapped.Set(pairs[i], domain.String(pairs[i+1]))
	}
	return domain.ClaimRecord{ID: uuid.New(), MappedFields: mapped, DynamicFields: domain.NewFieldGroups()}
}

func TestRunner_WithShippedRules(t *testing.T) {
	previousAge := domain.NewFields()
	previousAge.Set("ageAtFillDate", domain.Int(43))
	rerun := mappedClaim("member_dob", "1980-06-15", "fill_date", "2024-02-01", "days_supply", "10")
	rerun.DynamicFields.Put("ageEnrichment", previousAge)

	tests := []struct {
		name        string
		defs        definitions
		record      domain.ClaimRecord
		wantStatus  domain.EnrichmentRunStatus
		wantGroups  []string
		wantChannel string
		wantFailure string
	}{
		{
			name:        "days supply between boundaries is Retail90",
			defs:        definitions{ageDefinition, channelDefinition},
			record:      mappedClaim("member_dob", "1980-06-15", "fill_date", "2024-02-01", "days_supply", "45"),
			wantStatus:  domain.EnrichmentRunCompleted,
			wantGroups:  []string{"ageEnrichment", "channelEnrichment"},
			wantChannel: rules.ChannelRetail90,
		},
		{
			name:        "missing fill date fails age validation",
			defs:        definitions{ageDefinition, channelDefinition},
			record:      mappedClaim("member_dob", "1980-06-15", "days_supply", "90"),
			wantStatus:  domain.EnrichmentRunCompleted,
			wantGroups:  []string{"channelEnrichment"},
			wantChannel: rules.ChannelMail,
			wantFailure: "validation failed",
		},
		{
			name:        "channel only rerun keeps earlier age group",
			defs:        definitions{channelDefinition},
			record:      rerun,
			wantStatus:  domain.EnrichmentRunCompleted,
			wantGroups:  []string{"ageEnrichment", "channelEnrichment"},
			wantChannel: rules.ChannelRetail,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			fileID := uuid.New()
			record := tt.record
			record.FileID = fileID
			record.RowNumber = 1

			registry := enrichment.NewRegistry(tt.defs, rules.Factories(), nil)
			require.NoError(t, registry.LoadDefinitions(ctx))

			claims := enrichment.NewMemoryClaims([]domain.ClaimRecord{record})
			runs := enrichment.NewMemoryRuns()
			files := enrichment.NewMemoryFiles(domain.File{
				ID: fileID, Status: domain.FileStatusProcessed, ProcessingStage: domain.StageClaimsProcessed,
			})
			run, err := runs.Create(ctx, domain.EnrichmentRun{FileID: fileID, TotalRecords: 1, CreatedBy: "analyst"})
			require.NoError(t, err)

			runner := enrichment.NewRunner(enrichment.RunnerDeps{
				Files:    files,
				Claims:   claims,
				Runs:     runs,
				Registry: registry,
				Machine:  files,
				Tx:       enrichment.DirectTx{},
			})
			require.NoError(t, runner.Run(ctx, run.ID))

			finished, err := runs.GetByID(ctx, run.ID)
			require.NoError(t, err)
			assert.Equal(t, tt.wantStatus, finished.Status)

			stored, err := claims.ListBatch(ctx, fileID, 10, 0)
			require.NoError(t, err)
			require.Len(t, stored, 1)
			assert.Equal(t, tt.wantGroups, stored[0].DynamicFields.Names())

			channel, ok := stored[0].DynamicFields.Group("channelEnrichment")
			require.True(t, ok)
			indicator, _ := channel.Get("channel_indicator")
			assert.Equal(t, tt.wantChannel, indicator.Text())

			if len(tt.defs) == 1 {
				age, ok := stored[0].DynamicFields.Group("ageEnrichment")
				require.True(t, ok)
				kept, _ := age.Get("ageAtFillDate")
				assert.Equal(t, 43.0, kept.NumberValue())
			}

			failures, err := runs.ListFailures(ctx, run.ID, 10, 0)
			require.NoError(t, err)
			if tt.wantFailure == "" {
				assert.Empty(t, failures)
				return
			}
			require.Len(t, failures, 1)
			assert.Equal(t, "age", failures[0].RuleID)
			assert.Contains(t, failures[0].ErrorMessage, tt.wantFailure)
		})
	}
}
