package routing

import (
	"slices"

	"github.com/soyeahso/llmgate/internal/domain"
)

// Mode selects how candidates are ranked.
type Mode string

const (
	ModeCost     Mode = "cost"
	ModeQuality  Mode = "quality"
	ModeBalanced Mode = "balanced"
)

// ParseMode returns the mode named s. Unknown names map to balanced.
func ParseMode(s string) Mode {
	switch Mode(s) {
	case ModeCost, ModeQuality:
		return Mode(s)
	}
	return ModeBalanced
}

// Reason explains a routing decision.
type Reason string

const (
	ReasonRequested            Reason = "requested"
	ReasonRequestedUnavailable Reason = "requested_unavailable"
	ReasonTierRestricted       Reason = "tier_restricted"
	ReasonCost                 Reason = "cost"
	ReasonQuality              Reason = "quality"
	ReasonBalanced             Reason = "balanced"
	ReasonNoCandidates         Reason = "no_candidates"
)

// Options describe one request from the router's point of view. The
// zero value asks for the tenant's best balanced choice.
type Options struct {
	Tier       domain.Tier
	Provider   domain.Provider // explicit request, optional
	Model      string          // optional; a catalog model implies its provider
	NeedsTools bool
	Stream     bool
	MaxTokens  int
	Mode       Mode

	// Exclude drops providers from consideration. Failover uses it to
	// skip a provider that just failed.
	Exclude []domain.Provider
}

// Decision is the routing outcome.
type Decision struct {
	Provider domain.Provider `json:"provider"`
	Model    string          `json:"model"`
	Reason   Reason          `json:"reason"`
}

// Decide picks a provider for opts given which providers are available.
func Decide(opts Options, availability map[domain.Provider]bool) Decision {
	requested := opts.Provider
	if requested == "" && opts.Model != "" {
		requested, _ = ProviderForModel(opts.Model)
	}

	if requested != "" && !slices.Contains(opts.Exclude, requested) {
		switch {
		case !TierAllows(opts.Tier, requested):
			return fallback(opts, ReasonTierRestricted)
		case !availability[requested]:
			return fallback(opts, ReasonRequestedUnavailable)
		default:
			return decision(requested, opts.Model, ReasonRequested)
		}
	}

	var candidates []Profile
	for _, prof := range profiles {
		if eligible(prof, opts, availability) {
			candidates = append(candidates, prof)
		}
	}
	if len(candidates) == 0 {
		return fallback(opts, ReasonNoCandidates)
	}

	mode := opts.Mode
	if mode == "" {
		mode = ModeBalanced
	}
	rank(candidates, mode, TierDefault(opts.Tier))
	return decision(candidates[0].Provider, opts.Model, Reason(mode))
}

func eligible(prof Profile, opts Options, availability map[domain.Provider]bool) bool {
	switch {
	case slices.Contains(opts.Exclude, prof.Provider):
		return false
	case !TierAllows(opts.Tier, prof.Provider):
		return false
	case !availability[prof.Provider]:
		return false
	case opts.NeedsTools && !prof.Tools:
		return false
	case opts.Stream && !prof.Streaming:
		return false
	case opts.MaxTokens > prof.MaxTokens:
		return false
	}
	return true
}

// rank orders candidates in place. The sort is stable so equal keys
// keep declaration order.
func rank(candidates []Profile, mode Mode, tierDefault domain.Provider) {
	switch mode {
	case ModeCost:
		slices.SortStableFunc(candidates, func(a, b Profile) int {
			return compareFloat(a.CostPer1K, b.CostPer1K)
		})
	case ModeQuality:
		slices.SortStableFunc(candidates, func(a, b Profile) int {
			return b.Quality - a.Quality
		})
	default:
		// Tier default first, then quality discounted by cost.
		slices.SortStableFunc(candidates, func(a, b Profile) int {
			aDefault, bDefault := a.Provider == tierDefault, b.Provider == tierDefault
			if aDefault != bDefault {
				if aDefault {
					return -1
				}
				return 1
			}
			return compareFloat(balancedScore(b), balancedScore(a))
		})
	}
}

// balancedScore discounts quality by price: a cent per 1K tokens halves
// a provider's weight.
func balancedScore(p Profile) float64 {
	return float64(p.Quality) / (1 + 100*p.CostPer1K)
}

func compareFloat(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func fallback(opts Options, reason Reason) Decision {
	return decision(DefaultProvider, opts.Model, reason)
}

func decision(p domain.Provider, model string, reason Reason) Decision {
	return Decision{Provider: p, Model: ResolveModel(p, model), Reason: reason}
}
