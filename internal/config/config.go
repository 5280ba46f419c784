package config

import (
	"fmt"
	"time"
)

// ConfigError represents a configuration error.
type ConfigError struct {
	Message string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config: %s", e.Message)
}

// Environments.
const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
)

// Defaults returns a Config with sensible defaults applied.
func Defaults() Config {
	return Config{
		Environment: EnvProduction,
		Gateway: GatewayConfig{
			Port:           18790,
			Bind:           "loopback",
			RequestTimeout: 5 * time.Minute,
		},
		Routing: RoutingConfig{
			Mode: "balanced",
		},
		Cache: CacheConfig{
			SessionTTL: 5 * time.Minute,
			BlobTTL:    time.Hour,
		},
		Store: StoreConfig{
			Driver: "sqlite",
		},
		Quota: QuotaConfig{
			Window:          time.Minute,
			DefaultRequests: 60,
		},
		Tools: ToolsConfig{
			Builtins:       []string{"current_time", "calculate", "word_count"},
			WebhookTimeout: 10 * time.Second,
		},
		Logging: LoggingConfig{
			Level: "info",
			Style: "pretty",
		},
	}
}
