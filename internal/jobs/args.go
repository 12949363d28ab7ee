// Package jobs runs ingestion and enrichment in the background, either on a
// river queue backed by Postgres or on in-process goroutines.
package jobs

import (
	"context"
	"time"

	"github.com/google/uuid"
)

const (
	KindIngestion  = "claims_ingestion"
	KindEnrichment = "claims_enrichment"

	// QueueClaims is the river queue both job kinds run on.
	QueueClaims = "claims"
)

// Runner executes one persisted run by id.
type Runner interface {
	Run(ctx context.Context, id uuid.UUID) error
}

// Abandoner is implemented by runners that can fail a run whose job was
// dropped before it started.
type Abandoner interface {
	Abandon(ctx context.Context, id uuid.UUID, reason string) error
}

// Config tunes background execution.
type Config struct {
	// Driver is "river" or "local".
	Driver     string
	MaxWorkers int
	JobTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxWorkers <= 0 {
		c.MaxWorkers = 4
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = 30 * time.Minute
	}
	return c
}

type IngestionArgs struct {
	ProcessingID uuid.UUID `json:"processing_id"`
}

func (IngestionArgs) Kind() string { return KindIngestion }

type EnrichmentArgs struct {
	RunID uuid.UUID `json:"run_id"`
}

func (EnrichmentArgs) Kind() string { return KindEnrichment }
