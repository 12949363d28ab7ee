package enrichment

import "github.com/rpattn/claimsflow/internal/domain"

// In-memory doubles for tests in package enrichment_test.
type (
	MemoryClaims = memoryClaims
	MemoryRuns   = memoryRuns
	MemoryFiles  = memoryFiles
	DirectTx     = directTx
)

func NewMemoryClaims(records []domain.ClaimRecord) *MemoryClaims {
	return &memoryClaims{records: records}
}

func NewMemoryRuns() *MemoryRuns { return newMemoryRuns() }

func NewMemoryFiles(file domain.File) *MemoryFiles { return &memoryFiles{file: file} }
