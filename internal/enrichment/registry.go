package enrichment

import (
	"context"
	"sort"
	"sync"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/rpattn/claimsflow/internal/domain"
)

// DefinitionSource reads the configured rules.
type DefinitionSource interface {
	ListActive(ctx context.Context) ([]domain.RuleDefinition, error)
}

// Registry maps rule definitions to processors. Factories are keyed by the
// definition's processor class.
type Registry struct {
	source    DefinitionSource
	factories map[string]Factory
	logger    *zap.Logger

	mu          sync.RWMutex
	loaded      bool
	definitions map[string]domain.RuleDefinition
	processors  map[string]Processor
}

// NewRegistry creates an empty registry. LoadDefinitions must run before
// ActiveProcessors.
func NewRegistry(source DefinitionSource, factories map[string]Factory, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		source:      source,
		factories:   factories,
		logger:      logger,
		definitions: map[string]domain.RuleDefinition{},
		processors:  map[string]Processor{},
	}
}

// LoadDefinitions reads the active rules and builds a processor for every
// definition whose class has a factory. Definitions without a factory, or
// whose factory rejects them, are kept but never run.
func (r *Registry) LoadDefinitions(ctx context.Context) error {
	defs, err := r.source.ListActive(ctx)
	if err != nil {
		return errors.Wrap(err, "load rule definitions")
	}

	definitions := make(map[string]domain.RuleDefinition, len(defs))
	built := make(map[string]Processor, len(defs))
	var broken []string
	for _, def := range defs {
		definitions[def.ID] = def
		factory, ok := r.factories[def.ProcessorClass]
		if !ok {
			r.logger.Warn("rule has no processor implementation",
				zap.String("rule_id", def.ID),
				zap.String("processor_class", def.ProcessorClass))
			continue
		}
		processor, err := factory(def)
		if err != nil {
			r.logger.Error("rule processor could not be built",
				zap.String("rule_id", def.ID),
				zap.String("processor_class", def.ProcessorClass),
				zap.Error(err))
			broken = append(broken, def.ID)
			continue
		}
		built[def.ID] = processor
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.definitions = definitions
	for id, p := range built {
		r.processors[id] = p
	}
	for _, id := range broken {
		delete(r.processors, id)
	}
	r.loaded = true

	r.logger.Info("rule definitions loaded",
		zap.Int("definitions", len(definitions)),
		zap.Int("processors", len(r.processors)),
		zap.Int("rejected", len(broken)))
	return nil
}

// RegisterProcessor adds or replaces the processor for p.RuleID().
func (r *Registry) RegisterProcessor(p Processor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.processors[p.RuleID()] = p
}

// ActiveProcessors returns the processors of active definitions, ordered by
// priority and then rule id.
func (r *Registry) ActiveProcessors() ([]Processor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if !r.loaded {
		return nil, errors.Wrap(domain.ErrNotInitialized, "rule registry")
	}

	out := make([]Processor, 0, len(r.processors))
	for id, def := range r.definitions {
		if !def.IsActive {
			continue
		}
		if p, ok := r.processors[id]; ok {
			out = append(out, p)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority() != out[j].Priority() {
			return out[i].Priority() < out[j].Priority()
		}
		return out[i].RuleID() < out[j].RuleID()
	})
	if len(out) == 0 {
		r.logger.Warn("no active rule processors",
			zap.Int("definitions", len(r.definitions)),
			zap.Int("processors", len(r.processors)))
	}
	return out, nil
}

// Definition returns the loaded definition for ruleID, including rules that
// have no processor.
func (r *Registry) Definition(ruleID string) (domain.RuleDefinition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.definitions[ruleID]
	return def, ok
}

// Processor returns the processor built or registered for ruleID.
func (r *Registry) Processor(ruleID string) (Processor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.processors[ruleID]
	return p, ok
}
