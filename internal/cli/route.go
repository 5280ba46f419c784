package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/soyeahso/llmgate/internal/config"
	"github.com/soyeahso/llmgate/internal/domain"
	"github.com/soyeahso/llmgate/internal/llm"
	"github.com/soyeahso/llmgate/internal/routing"
)

func newRouteCmd() *cobra.Command {
	var (
		tier      string
		provider  string
		model     string
		mode      string
		tools     bool
		stream    bool
		maxTokens int
		assumeAll bool
	)

	cmd := &cobra.Command{
		Use:   "route",
		Short: "Show which provider a request would be routed to",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			t, ok := domain.ParseTier(tier)
			if !ok {
				return fmt.Errorf("unknown tier %q", tier)
			}
			if provider != "" {
				if _, ok := domain.ParseProvider(provider); !ok {
					return fmt.Errorf("unknown provider %q", provider)
				}
			}

			var availability map[domain.Provider]bool
			if assumeAll {
				availability = make(map[domain.Provider]bool, len(domain.AllProviders))
				for _, p := range domain.AllProviders {
					availability[p] = true
				}
			} else {
				cfg, err := config.Load(paths.Config)
				if err != nil {
					return err
				}
				availability = llm.NewRegistryFromConfig(cfg, log).Availability()
			}

			d := routing.Decide(routing.Options{
				Tier:       t,
				Provider:   domain.Provider(provider),
				Model:      model,
				NeedsTools: tools,
				Stream:     stream,
				MaxTokens:  maxTokens,
				Mode:       routing.ParseMode(mode),
			}, availability)

			printDecision(cmd.OutOrStdout(), d, availability)
			return nil
		},
	}

	cmd.Flags().StringVar(&tier, "tier", string(domain.TierFree), "tenant tier (free, starter, pro, enterprise)")
	cmd.Flags().StringVar(&provider, "provider", "", "explicitly requested provider")
	cmd.Flags().StringVar(&model, "model", "", "explicitly requested model")
	cmd.Flags().StringVar(&mode, "mode", "balanced", "routing mode (cost, quality, balanced)")
	cmd.Flags().BoolVar(&tools, "tools", false, "request needs tool calling")
	cmd.Flags().BoolVar(&stream, "stream", false, "request is streamed")
	cmd.Flags().IntVar(&maxTokens, "max-tokens", 0, "requested completion tokens")
	cmd.Flags().BoolVar(&assumeAll, "all-available", false, "treat every provider as available instead of reading credentials")

	return cmd
}

func printDecision(w io.Writer, d routing.Decision, availability map[domain.Provider]bool) {
	fmt.Fprintf(w, "Provider: %s\n", d.Provider)
	fmt.Fprintf(w, "Model:    %s\n", d.Model)
	fmt.Fprintf(w, "Reason:   %s\n", d.Reason)
	fmt.Fprintln(w)
	for _, p := range domain.AllProviders {
		prof, _ := routing.ProfileFor(p)
		state := "unavailable"
		if availability[p] {
			state = "available"
		}
		fmt.Fprintf(w, "  %-10s %-11s cost=$%.4f/1K quality=%d tools=%v maxTokens=%d\n",
			p, state, prof.CostPer1K, prof.Quality, prof.Tools, prof.MaxTokens)
	}
}
