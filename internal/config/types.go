package config

import "time"

// Config is the root configuration for llmgate.
type Config struct {
	Environment string          `yaml:"environment,omitempty"` // "development" | "production"
	Gateway     GatewayConfig   `yaml:"gateway,omitempty"`
	Providers   ProvidersConfig `yaml:"providers,omitempty"`
	Routing     RoutingConfig   `yaml:"routing,omitempty"`
	Cache       CacheConfig     `yaml:"cache,omitempty"`
	Store       StoreConfig     `yaml:"store,omitempty"`
	Quota       QuotaConfig     `yaml:"quota,omitempty"`
	Tools       ToolsConfig     `yaml:"tools,omitempty"`
	Logging     LoggingConfig   `yaml:"logging,omitempty"`
}

// GatewayConfig controls the HTTP/WebSocket edge.
type GatewayConfig struct {
	Port           int           `yaml:"port,omitempty"`
	Bind           string        `yaml:"bind,omitempty"` // "loopback" | "lan" | "custom"
	CustomBindHost string        `yaml:"customBindHost,omitempty"`
	RequestTimeout time.Duration `yaml:"requestTimeout,omitempty"`
	AllowedOrigins []string      `yaml:"allowedOrigins,omitempty"`
	Auth           GatewayAuth   `yaml:"auth,omitempty"`
	TLS            GatewayTLS    `yaml:"tls,omitempty"`
}

// GatewayAuth maps API keys to tenants.
type GatewayAuth struct {
	Keys []APIKeyEntry `yaml:"keys,omitempty"`
}

// APIKeyEntry is one API key and what it may do.
type APIKeyEntry struct {
	Key      string   `yaml:"key"`
	TenantID string   `yaml:"tenantId"`
	Scopes   []string `yaml:"scopes,omitempty"` // "chat" | "sessions"
}

// GatewayTLS configures TLS for the gateway.
type GatewayTLS struct {
	Enabled  bool   `yaml:"enabled,omitempty"`
	CertPath string `yaml:"certPath,omitempty"`
	KeyPath  string `yaml:"keyPath,omitempty"`
}

// ProvidersConfig holds credentials and endpoints for each backend.
type ProvidersConfig struct {
	// DevFallback registers a synthetic adapter for providers without
	// credentials. Only valid in development.
	DevFallback bool           `yaml:"devFallback,omitempty"`
	Edge        ProviderConfig `yaml:"edge,omitempty"`
	PremiumA    ProviderConfig `yaml:"premiumA,omitempty"`
	PremiumB    ProviderConfig `yaml:"premiumB,omitempty"`
}

// ProviderConfig configures one backend.
type ProviderConfig struct {
	BaseURL   string        `yaml:"baseUrl,omitempty"`
	APIKey    string        `yaml:"apiKey,omitempty"`
	AccountID string        `yaml:"accountId,omitempty"` // edge only
	Model     string        `yaml:"model,omitempty"`
	Timeout   time.Duration `yaml:"timeout,omitempty"`
}

// RoutingConfig tunes the routing policy.
type RoutingConfig struct {
	Mode     string `yaml:"mode,omitempty"` // "cost" | "quality" | "balanced"
	Failover bool   `yaml:"failover,omitempty"`
}

// CacheConfig sets volatile-tier TTLs.
type CacheConfig struct {
	SessionTTL time.Duration `yaml:"sessionTtl,omitempty"`
	BlobTTL    time.Duration `yaml:"blobTtl,omitempty"`
}

// StoreConfig selects the durable store.
type StoreConfig struct {
	Driver string `yaml:"driver,omitempty"` // "sqlite" | "postgres"
	Path   string `yaml:"path,omitempty"`   // sqlite file; empty means <data dir>/llmgate.db
	DSN    string `yaml:"dsn,omitempty"`    // postgres connection string
}

// QuotaConfig sets the fixed-window request quota.
type QuotaConfig struct {
	Window          time.Duration `yaml:"window,omitempty"`
	DefaultRequests int           `yaml:"defaultRequests,omitempty"` // 0 = unlimited
}

// ToolsConfig controls built-in and webhook tools.
type ToolsConfig struct {
	Builtins       []string      `yaml:"builtins,omitempty"`
	WebhookTimeout time.Duration `yaml:"webhookTimeout,omitempty"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	Level string `yaml:"level,omitempty"` // "silent" | "fatal" | "error" | "warn" | "info" | "debug" | "trace"
	Style string `yaml:"style,omitempty"` // "pretty" | "compact" | "json"
}
