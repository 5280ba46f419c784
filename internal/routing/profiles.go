// Package routing picks a provider and model for each completion request.
//
// Decide is pure and total: it reads only its arguments and always
// returns a decision, degrading to DefaultProvider when nothing better
// fits.
package routing

import (
	"github.com/soyeahso/llmgate/internal/domain"
	"github.com/soyeahso/llmgate/internal/llm"
)

// DefaultProvider is used whenever no other provider qualifies.
const DefaultProvider = domain.ProviderEdge

// Profile is the static routing data for one provider.
type Profile struct {
	Provider     domain.Provider
	CostPer1K    float64 // USD per 1K tokens
	Quality      int     // higher is better
	Tools        bool
	Streaming    bool
	MaxTokens    int
	DefaultModel string
}

// Cost estimates the price of tokens tokens on this provider.
func (p Profile) Cost(tokens int) float64 {
	return float64(tokens) / 1000 * p.CostPer1K
}

// profiles is kept in declaration order; ranking ties keep this order.
var profiles = []Profile{
	{
		Provider:     domain.ProviderEdge,
		CostPer1K:    0.0001,
		Quality:      1,
		Tools:        false,
		Streaming:    true,
		MaxTokens:    4096,
		DefaultModel: llm.EdgeDefaultModel,
	},
	{
		Provider:     domain.ProviderPremiumA,
		CostPer1K:    0.015,
		Quality:      3,
		Tools:        true,
		Streaming:    true,
		MaxTokens:    8192,
		DefaultModel: llm.PremiumADefaultModel,
	},
	{
		Provider:     domain.ProviderPremiumB,
		CostPer1K:    0.010,
		Quality:      2,
		Tools:        true,
		Streaming:    true,
		MaxTokens:    16384,
		DefaultModel: llm.PremiumBDefaultModel,
	},
}

// Profiles returns a copy of every provider profile in declaration order.
func Profiles() []Profile {
	out := make([]Profile, len(profiles))
	copy(out, profiles)
	return out
}

// ProfileFor returns the profile of p.
func ProfileFor(p domain.Provider) (Profile, bool) {
	for _, prof := range profiles {
		if prof.Provider == p {
			return prof, true
		}
	}
	return Profile{}, false
}

var tierDefaults = map[domain.Tier]domain.Provider{
	domain.TierFree:       domain.ProviderEdge,
	domain.TierStarter:    domain.ProviderEdge,
	domain.TierPro:        domain.ProviderPremiumB,
	domain.TierEnterprise: domain.ProviderPremiumA,
}

// TierDefault returns the preferred provider for a tier.
func TierDefault(t domain.Tier) domain.Provider {
	if p, ok := tierDefaults[t]; ok {
		return p
	}
	return DefaultProvider
}

// TierAllows reports whether tier t may use provider p. Free and starter
// tenants are limited to the free provider.
func TierAllows(t domain.Tier, p domain.Provider) bool {
	if p == DefaultProvider {
		return true
	}
	return t == domain.TierPro || t == domain.TierEnterprise
}
