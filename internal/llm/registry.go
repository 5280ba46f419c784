package llm

import (
	"sync"

	"github.com/soyeahso/llmgate/internal/config"
	"github.com/soyeahso/llmgate/internal/domain"
	"github.com/soyeahso/llmgate/internal/logging"
)

// Registry holds one adapter per provider.
type Registry struct {
	mu       sync.RWMutex
	adapters map[domain.Provider]Adapter
	log      *logging.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(log *logging.Logger) *Registry {
	return &Registry{
		adapters: make(map[domain.Provider]Adapter),
		log:      log.Sub("llm.registry"),
	}
}

// Register adds a under its provider, replacing any previous adapter.
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.Provider()] = a
	r.log.Info().
		Str("provider", string(a.Provider())).
		Bool("available", a.IsAvailable()).
		Msg("registered LLM provider")
}

// Get returns the adapter for p.
func (r *Registry) Get(p domain.Provider) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[p]
	return a, ok
}

// Availability reports, for every known provider, whether a usable
// adapter is registered.
func (r *Registry) Availability() map[domain.Provider]bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[domain.Provider]bool, len(domain.AllProviders))
	for _, p := range domain.AllProviders {
		a, ok := r.adapters[p]
		out[p] = ok && a.IsAvailable()
	}
	return out
}

// Capabilities returns the capabilities of every registered adapter.
func (r *Registry) Capabilities() map[domain.Provider]Capabilities {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[domain.Provider]Capabilities, len(r.adapters))
	for p, a := range r.adapters {
		out[p] = a.Capabilities()
	}
	return out
}

// NewRegistryFromConfig builds the adapter for each provider. In
// development with devFallback on, a provider without credentials gets a
// synthetic adapter instead of an unavailable one.
func NewRegistryFromConfig(cfg config.Config, log *logging.Logger) *Registry {
	reg := NewRegistry(log)
	fallback := cfg.Providers.DevFallback && cfg.Environment == config.EnvDevelopment

	adapters := []Adapter{
		NewEdgeAdapter(cfg.Providers.Edge, log),
		NewPremiumAAdapter(cfg.Providers.PremiumA, log),
		NewPremiumBAdapter(cfg.Providers.PremiumB, log),
	}
	models := map[domain.Provider]string{
		domain.ProviderEdge:     pickModel("", cfg.Providers.Edge.Model, EdgeDefaultModel),
		domain.ProviderPremiumA: pickModel("", cfg.Providers.PremiumA.Model, PremiumADefaultModel),
		domain.ProviderPremiumB: pickModel("", cfg.Providers.PremiumB.Model, PremiumBDefaultModel),
	}

	for _, a := range adapters {
		if !a.IsAvailable() && fallback {
			reg.log.Warn().Str("provider", string(a.Provider())).Msg("no credentials, using synthetic adapter")
			reg.Register(NewSyntheticAdapter(a.Provider(), a.Capabilities(), models[a.Provider()]))
			continue
		}
		reg.Register(a)
	}
	return reg
}
