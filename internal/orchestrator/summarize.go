package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"github.com/soyeahso/llmgate/internal/domain"
	"github.com/soyeahso/llmgate/internal/llm"
	"github.com/soyeahso/llmgate/internal/routing"
)

const summaryInstruction = "Summarize the conversation below in one short paragraph. " +
	"Keep names, decisions, and open questions. Reply with the summary only."

// summaryMaxTokens bounds the summary completion.
const summaryMaxTokens = 512

// Summarizer condenses a session history with the cheapest provider the
// session's tenant may use. It satisfies cache.Summarizer. Quota may be
// nil.
type Summarizer struct {
	Registry *llm.Registry
	Tenants  Tenants
	Quota    QuotaChecker
}

// Summarize asks one provider for a single-paragraph summary of msgs.
// The call counts against the tenant's quota like any other completion.
// Tool traffic is flattened into plain text so any provider can read it.
func (s Summarizer) Summarize(ctx context.Context, tenantID string, msgs []domain.ChatMessage) (string, error) {
	if len(msgs) == 0 {
		return "", nil
	}
	tenant, err := s.Tenants.GetTenant(ctx, tenantID)
	if err != nil {
		return "", err
	}
	if s.Quota != nil {
		if err := s.Quota.Check(ctx, tenant); err != nil {
			return "", err
		}
	}

	availability := s.Registry.Availability()
	decision := routing.Decide(routing.Options{
		Tier:      tenant.Tier,
		Mode:      routing.ModeCost,
		MaxTokens: summaryMaxTokens,
	}, availability)
	adapter, ok := s.Registry.Get(decision.Provider)
	if !ok || !availability[decision.Provider] || !routing.TierAllows(tenant.Tier, decision.Provider) {
		return "", &llm.ProviderError{Provider: decision.Provider, Status: 503, Message: "no provider available for summary"}
	}

	res, err := adapter.Complete(ctx, domain.CompletionRequest{
		Model:     decision.Model,
		MaxTokens: summaryMaxTokens,
		Messages: []domain.ChatMessage{
			{Role: domain.RoleSystem, Content: summaryInstruction},
			{Role: domain.RoleUser, Content: transcript(msgs)},
		},
	})
	if err != nil {
		return "", fmt.Errorf("summarizing with %s: %w", decision.Provider, err)
	}
	return strings.TrimSpace(res.Content), nil
}

// transcript renders msgs as "role: content" lines.
func transcript(msgs []domain.ChatMessage) string {
	var b strings.Builder
	for _, m := range msgs {
		content := m.Content
		if content == "" && len(m.ToolCalls) > 0 {
			names := make([]string, len(m.ToolCalls))
			for i, c := range m.ToolCalls {
				names[i] = c.Name
			}
			content = "[called " + strings.Join(names, ", ") + "]"
		}
		if content == "" {
			continue
		}
		fmt.Fprintf(&b, "%s: %s\n", m.Role, content)
	}
	return b.String()
}
