package routing

import "github.com/soyeahso/llmgate/internal/domain"

// catalog lists the models each provider is known to serve.
var catalog = map[domain.Provider][]string{
	domain.ProviderEdge: {
		"@cf/meta/llama-3.1-8b-instruct",
		"@cf/meta/llama-3.3-70b-instruct-fp8-fast",
		"@cf/mistral/mistral-7b-instruct-v0.2",
	},
	domain.ProviderPremiumA: {
		"claude-sonnet-4-20250514",
		"claude-opus-4-20250514",
		"claude-3-5-haiku-20241022",
	},
	domain.ProviderPremiumB: {
		"gpt-4o",
		"gpt-4o-mini",
		"gpt-4.1",
	},
}

// Models returns the catalog entries for p.
func Models(p domain.Provider) []string {
	return append([]string(nil), catalog[p]...)
}

// ProviderForModel returns the provider serving model.
func ProviderForModel(model string) (domain.Provider, bool) {
	for _, p := range domain.AllProviders {
		for _, m := range catalog[p] {
			if m == model {
				return p, true
			}
		}
	}
	return "", false
}

// ResolveModel returns model if p serves it, otherwise p's default model.
func ResolveModel(p domain.Provider, model string) string {
	for _, m := range catalog[p] {
		if m == model {
			return model
		}
	}
	prof, _ := ProfileFor(p)
	return prof.DefaultModel
}
