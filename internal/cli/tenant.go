package cli

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/soyeahso/llmgate/internal/domain"
	"github.com/soyeahso/llmgate/internal/store"
)

func newTenantCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tenant",
		Short: "Manage tenants in the durable store",
	}

	cmd.AddCommand(newTenantAddCmd())
	cmd.AddCommand(newTenantShowCmd())
	cmd.AddCommand(newTenantListCmd())
	return cmd
}

// withStore opens the configured store for the duration of fn.
func withStore(ctx context.Context, fn func(db *store.DB) error) error {
	cfg, err := loadValidConfig()
	if err != nil {
		return err
	}
	db, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()
	return fn(db)
}

func newTenantAddCmd() *cobra.Command {
	var (
		name  string
		tier  string
		tools []string
		rpm   int
	)

	cmd := &cobra.Command{
		Use:   "add <id>",
		Short: "Create or update a tenant",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, ok := domain.ParseTier(tier)
			if !ok {
				return fmt.Errorf("unknown tier %q", tier)
			}
			return withStore(cmd.Context(), func(db *store.DB) error {
				tenant := &domain.Tenant{ID: args[0]}
				existing, err := db.GetTenant(cmd.Context(), args[0])
				switch {
				case err == nil:
					tenant = existing
				case domain.Kind(err) != domain.CodeNotFound:
					return err
				}

				if name != "" || tenant.Name == "" {
					tenant.Name = name
				}
				tenant.Tier = t
				if cmd.Flags().Changed("tools") {
					tenant.AllowedTools = tools
				}
				if cmd.Flags().Changed("rpm") {
					tenant.RequestsPerMinute = rpm
				}
				if err := db.PutTenant(cmd.Context(), tenant); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Saved tenant %s (tier=%s)\n", tenant.ID, tenant.Tier)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().StringVar(&tier, "tier", string(domain.TierFree), "tier (free, starter, pro, enterprise)")
	cmd.Flags().StringSliceVar(&tools, "tools", nil, "allowed tool names")
	cmd.Flags().IntVar(&rpm, "rpm", 0, "requests per quota window (0 uses the configured default)")

	return cmd
}

func newTenantShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Print a tenant",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), func(db *store.DB) error {
				t, err := db.GetTenant(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printTenant(cmd.OutOrStdout(), t)
			})
		},
	}
}

func newTenantListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List tenants",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), func(db *store.DB) error {
				tenants, err := db.ListTenants(cmd.Context())
				if err != nil {
					return err
				}
				if len(tenants) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "(no tenants)")
					return nil
				}
				for _, t := range tenants {
					fmt.Fprintf(cmd.OutOrStdout(), "%-20s %-10s %s\n", t.ID, t.Tier, t.Name)
				}
				return nil
			})
		},
	}
}

// tenantView is the YAML shape printed by "tenant show".
type tenantView struct {
	ID                string   `yaml:"id"`
	Name              string   `yaml:"name,omitempty"`
	Tier              string   `yaml:"tier"`
	AllowedTools      []string `yaml:"allowedTools,omitempty"`
	CustomTools       []string `yaml:"customTools,omitempty"`
	RequestsPerMinute int      `yaml:"requestsPerMinute,omitempty"`
	CreatedAt         string   `yaml:"createdAt"`
	UpdatedAt         string   `yaml:"updatedAt"`
}

func printTenant(w io.Writer, t *domain.Tenant) error {
	v := tenantView{
		ID:                t.ID,
		Name:              t.Name,
		Tier:              string(t.Tier),
		AllowedTools:      t.AllowedTools,
		RequestsPerMinute: t.RequestsPerMinute,
		CreatedAt:         t.CreatedAt.Format(time.RFC3339),
		UpdatedAt:         t.UpdatedAt.Format(time.RFC3339),
	}
	for _, tool := range t.CustomTools {
		v.CustomTools = append(v.CustomTools, tool.Name)
	}
	data, err := yaml.Marshal(v)
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}
