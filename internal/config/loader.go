package config

import (
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// envVarPattern matches ${VAR_NAME} patterns in strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandEnvVars replaces ${VAR} patterns with environment variable values.
// Unset variables are left unchanged.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := match[2 : len(match)-1]
		if val, ok := os.LookupEnv(varName); ok {
			return val
		}
		return match
	})
}

// expandSensitiveFields processes environment variable references in
// credential fields so keys and DSNs can be stored as ${ENV_VAR}.
func expandSensitiveFields(cfg *Config) {
	for i := range cfg.Gateway.Auth.Keys {
		cfg.Gateway.Auth.Keys[i].Key = expandEnvVars(cfg.Gateway.Auth.Keys[i].Key)
	}
	for _, p := range []*ProviderConfig{&cfg.Providers.Edge, &cfg.Providers.PremiumA, &cfg.Providers.PremiumB} {
		p.APIKey = expandEnvVars(p.APIKey)
		p.AccountID = expandEnvVars(p.AccountID)
	}
	cfg.Store.DSN = expandEnvVars(cfg.Store.DSN)
}

// LoadDotEnv loads a .env file next to the config file, if present.
// Variables already set in the process environment win.
func LoadDotEnv(paths ...string) {
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			_ = godotenv.Load(p)
		}
	}
}

// Load reads the config file, applies environment overrides, and returns
// a merged Config. Missing files produce defaults only.
func Load(path string) (Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			applyEnvOverrides(&cfg)
			return cfg, nil
		}
		return cfg, err
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, &ConfigError{Message: "failed to parse config: " + err.Error()}
	}

	applyDefaults(&cfg)
	applyEnvOverrides(&cfg)
	expandSensitiveFields(&cfg)
	return cfg, nil
}

// LoadRaw reads the config file into a generic map for path-based access.
func LoadRaw(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]any{}, nil
		}
		return nil, err
	}

	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, &ConfigError{Message: "failed to parse config: " + err.Error()}
	}
	if raw == nil {
		raw = map[string]any{}
	}
	return raw, nil
}

// SaveRaw writes a generic map back to a YAML config file.
func SaveRaw(path string, raw map[string]any) error {
	data, err := yaml.Marshal(raw)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

// applyDefaults fills zero-value fields with sensible defaults.
func applyDefaults(cfg *Config) {
	d := Defaults()
	if cfg.Environment == "" {
		cfg.Environment = d.Environment
	}
	if cfg.Gateway.Port == 0 {
		cfg.Gateway.Port = d.Gateway.Port
	}
	if cfg.Gateway.Bind == "" {
		cfg.Gateway.Bind = d.Gateway.Bind
	}
	if cfg.Gateway.RequestTimeout == 0 {
		cfg.Gateway.RequestTimeout = d.Gateway.RequestTimeout
	}
	for i := range cfg.Gateway.Auth.Keys {
		if len(cfg.Gateway.Auth.Keys[i].Scopes) == 0 {
			cfg.Gateway.Auth.Keys[i].Scopes = []string{"chat", "sessions"}
		}
	}
	if cfg.Routing.Mode == "" {
		cfg.Routing.Mode = d.Routing.Mode
	}
	if cfg.Cache.SessionTTL == 0 {
		cfg.Cache.SessionTTL = d.Cache.SessionTTL
	}
	if cfg.Cache.BlobTTL == 0 {
		cfg.Cache.BlobTTL = d.Cache.BlobTTL
	}
	if cfg.Store.Driver == "" {
		cfg.Store.Driver = d.Store.Driver
	}
	if cfg.Quota.Window == 0 {
		cfg.Quota.Window = d.Quota.Window
	}
	if cfg.Tools.WebhookTimeout == 0 {
		cfg.Tools.WebhookTimeout = d.Tools.WebhookTimeout
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = d.Logging.Level
	}
	if cfg.Logging.Style == "" {
		cfg.Logging.Style = d.Logging.Style
	}
}

// applyEnvOverrides reads LLMGATE_* environment variables and overrides config values.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("LLMGATE_ENV"); v != "" {
		cfg.Environment = strings.ToLower(v)
	}
	if v := os.Getenv("LLMGATE_GATEWAY_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Gateway.Port = port
		}
	}
	if v := os.Getenv("LLMGATE_GATEWAY_BIND"); v != "" {
		cfg.Gateway.Bind = v
	}
	if v := os.Getenv("LLMGATE_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = strings.ToLower(v)
	}
	if v := os.Getenv("LLMGATE_EDGE_API_KEY"); v != "" {
		cfg.Providers.Edge.APIKey = v
	}
	if v := os.Getenv("LLMGATE_EDGE_ACCOUNT_ID"); v != "" {
		cfg.Providers.Edge.AccountID = v
	}
	if v := os.Getenv("LLMGATE_PREMIUM_A_API_KEY"); v != "" {
		cfg.Providers.PremiumA.APIKey = v
	}
	if v := os.Getenv("LLMGATE_PREMIUM_B_API_KEY"); v != "" {
		cfg.Providers.PremiumB.APIKey = v
	}
	if v := os.Getenv("LLMGATE_STORE_DSN"); v != "" {
		cfg.Store.DSN = v
	}
	if v := os.Getenv("LLMGATE_DEV_FALLBACK"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Providers.DevFallback = b
		}
	}
	if v := os.Getenv("LLMGATE_QUOTA_WINDOW"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Quota.Window = d
		}
	}
}
