package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/soyeahso/llmgate/internal/config"
	"github.com/soyeahso/llmgate/internal/domain"
	"github.com/soyeahso/llmgate/internal/gateway"
	"github.com/soyeahso/llmgate/internal/llm"
	"github.com/soyeahso/llmgate/internal/version"
	"github.com/spf13/cobra"
)

func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show llmgate status and configuration summary",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "llmgate %s (commit %s)\n\n", version.Version, version.Commit)

			// Show paths
			fmt.Fprintf(out, "Config:  %s\n", paths.Config)
			fmt.Fprintf(out, "Data:    %s\n", paths.Data)
			fmt.Fprintf(out, "Logs:    %s\n", paths.Logs)
			fmt.Fprintln(out)

			if _, err := os.Stat(paths.Config); os.IsNotExist(err) {
				fmt.Fprintln(out, "Config:  not found (using defaults)")
			}
			cfg, err := config.Load(paths.Config)
			if err != nil {
				fmt.Fprintf(out, "Config:  error loading: %v\n", err)
				return nil
			}

			auth := gateway.ResolveAuth(cfg.Gateway.Auth)
			fmt.Fprintf(out, "Gateway: addr=%s tls=%v keys=%d timeout=%s\n",
				gateway.ResolveBindAddr(cfg.Gateway), cfg.Gateway.TLS.Enabled, len(auth.Keys), cfg.Gateway.RequestTimeout)
			fmt.Fprintf(out, "Routing: mode=%s failover=%v\n", cfg.Routing.Mode, cfg.Routing.Failover)

			storeDesc := "sqlite path=" + paths.DatabasePath(cfg.Store)
			if cfg.Store.Driver == "postgres" {
				storeDesc = "postgres"
			}
			fmt.Fprintf(out, "Store:   %s\n", storeDesc)
			fmt.Fprintf(out, "Cache:   sessionTtl=%s blobTtl=%s\n", cfg.Cache.SessionTTL, cfg.Cache.BlobTTL)
			fmt.Fprintf(out, "Quota:   window=%s default=%d\n", cfg.Quota.Window, cfg.Quota.DefaultRequests)
			fmt.Fprintf(out, "Tools:   %s\n", strings.Join(cfg.Tools.Builtins, ", "))

			// LLM providers
			registry := llm.NewRegistryFromConfig(cfg, log)
			availability := registry.Availability()
			caps := registry.Capabilities()
			for _, p := range domain.AllProviders {
				state := "unavailable"
				if availability[p] {
					state = "available"
				}
				c := caps[p]
				fmt.Fprintf(out, "LLM:     %-10s %-11s streaming=%v tools=%v maxTokens=%d\n",
					p, state, c.NativeStreaming, c.Tools, c.MaxTokens)
			}

			// Validation
			issues := config.Validate(&cfg)
			if len(issues) > 0 {
				fmt.Fprintf(out, "\nValidation issues (%d):\n", len(issues))
				for _, issue := range issues {
					fmt.Fprintf(out, "  - %s: %s\n", issue.Path, issue.Message)
				}
			}

			return nil
		},
	}

	return cmd
}
