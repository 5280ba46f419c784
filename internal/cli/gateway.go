package cli

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/soyeahso/llmgate/internal/cache"
	"github.com/soyeahso/llmgate/internal/config"
	"github.com/soyeahso/llmgate/internal/domain"
	"github.com/soyeahso/llmgate/internal/gateway"
	"github.com/soyeahso/llmgate/internal/hooks"
	"github.com/soyeahso/llmgate/internal/kv"
	"github.com/soyeahso/llmgate/internal/llm"
	"github.com/soyeahso/llmgate/internal/logging"
	"github.com/soyeahso/llmgate/internal/metrics"
	"github.com/soyeahso/llmgate/internal/orchestrator"
	"github.com/soyeahso/llmgate/internal/quota"
	"github.com/soyeahso/llmgate/internal/routing"
	"github.com/soyeahso/llmgate/internal/store"
	"github.com/soyeahso/llmgate/internal/tools"
)

// sweepInterval is how often expired volatile-tier entries are dropped.
const sweepInterval = time.Minute

func newGatewayCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "gateway",
		Short: "Manage the llmgate gateway server",
	}

	cmd.AddCommand(newGatewayRunCmd())
	return cmd
}

func newGatewayRunCmd() *cobra.Command {
	var (
		port int
		bind string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the gateway server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadValidConfig()
			if err != nil {
				return err
			}
			if port != 0 {
				cfg.Gateway.Port = port
			}
			if bind != "" {
				cfg.Gateway.Bind = bind
			}

			// An explicit --log-level wins over the config file.
			if logLevel == "" {
				log = logging.NewStyled(cfg.Logging.Level, cfg.Logging.Style)
			}

			// Block until SIGINT/SIGTERM
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			db, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer db.Close()

			hookMgr := hooks.NewManager(log)
			hookMgr.Audit(log)

			registry := llm.NewRegistryFromConfig(cfg, log)
			logAvailability(registry)

			volatile := kv.NewMemory()
			go volatile.RunSweeper(ctx, sweepInterval)
			limiter := quota.New(volatile, cfg.Quota, log)

			sessions := cache.New(volatile, db, cache.Options{
				SessionTTL: cfg.Cache.SessionTTL,
				BlobTTL:    cfg.Cache.BlobTTL,
				Summarizer: orchestrator.Summarizer{Registry: registry, Tenants: db, Quota: limiter},
				Hooks:      hookMgr,
			}, log)

			orch := orchestrator.New(orchestrator.Deps{
				Registry: registry,
				Tenants:  db,
				Sessions: sessions,
				Quota:    limiter,
				Tools:    tools.NewExecutor(cfg.Tools, hookMgr, log),
			}, orchestrator.Options{
				Mode:     routing.ParseMode(cfg.Routing.Mode),
				Failover: cfg.Routing.Failover,
				Hooks:    hookMgr,
			}, log)

			promReg := prometheus.NewRegistry()
			promReg.MustRegister(
				collectors.NewGoCollector(),
				collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
			)
			m := metrics.New(promReg)
			m.Subscribe(hookMgr)

			warnUnknownTenants(ctx, db, cfg.Gateway.Auth)

			srv := gateway.New(cfg.Gateway, orch, sessions, log,
				gateway.WithHooks(hookMgr),
				gateway.WithMetrics(m),
				gateway.WithHealthCheck("store", db.Ping),
			)

			err = srv.Start(ctx)
			if werr := hookMgr.Wait(context.Background()); werr != nil {
				log.Warn().Err(werr).Msg("hooks did not drain")
			}
			return err
		},
	}

	cmd.Flags().IntVar(&port, "port", 0, "override gateway port")
	cmd.Flags().StringVar(&bind, "bind", "", "override bind mode (loopback, lan, custom)")

	return cmd
}

// loadValidConfig loads the config file and fails on validation issues.
func loadValidConfig() (config.Config, error) {
	cfg, err := config.Load(paths.Config)
	if err != nil {
		return cfg, err
	}
	issues := config.Validate(&cfg)
	if len(issues) > 0 {
		for _, issue := range issues {
			log.Error().Str("path", issue.Path).Msg(issue.Message)
		}
		return cfg, fmt.Errorf("config validation failed with %d issue(s)", len(issues))
	}
	return cfg, nil
}

// openStore opens the durable store selected by cfg.Store.
func openStore(ctx context.Context, cfg config.Config) (*store.DB, error) {
	switch cfg.Store.Driver {
	case "postgres":
		db, err := store.OpenPostgres(ctx, cfg.Store.DSN, log)
		if err != nil {
			return nil, fmt.Errorf("opening postgres: %w", err)
		}
		log.Info().Msg("using postgres store")
		return db, nil
	default:
		if err := paths.EnsureDirs(); err != nil {
			return nil, fmt.Errorf("creating data directories: %w", err)
		}
		dbPath := paths.DatabasePath(cfg.Store)
		db, err := store.Open(dbPath, log)
		if err != nil {
			return nil, fmt.Errorf("opening database: %w", err)
		}
		log.Info().Str("path", dbPath).Msg("using SQLite store")
		return db, nil
	}
}

func logAvailability(reg *llm.Registry) {
	availability := reg.Availability()
	var available []string
	for _, p := range domain.AllProviders {
		if availability[p] {
			available = append(available, string(p))
		}
	}
	if len(available) == 0 {
		log.Warn().Msg("no LLM providers available; completions will fail")
		return
	}
	log.Info().Strs("providers", available).Msg("LLM providers available")
}

// warnUnknownTenants flags API keys whose tenant has no record yet.
// Requests made with such keys fail with not_found until the tenant is
// created with "llmgate tenant add".
func warnUnknownTenants(ctx context.Context, db *store.DB, auth config.GatewayAuth) {
	for _, k := range gateway.ResolveAuth(auth).Keys {
		_, err := db.GetTenant(ctx, k.TenantID)
		switch {
		case domain.Kind(err) == domain.CodeNotFound:
			log.Warn().Str("tenant", k.TenantID).Msg("api key references unknown tenant")
		case err != nil:
			log.Warn().Err(err).Str("tenant", k.TenantID).Msg("checking tenant")
		}
	}
}
