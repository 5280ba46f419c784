package config

import (
	"fmt"
	"slices"
)

// ValidationIssue describes a problem with a config value.
type ValidationIssue struct {
	Path    string
	Message string
}

func (v ValidationIssue) String() string {
	return fmt.Sprintf("%s: %s", v.Path, v.Message)
}

// Validate checks a Config for issues. Returns nil if valid.
func Validate(cfg *Config) []ValidationIssue {
	var issues []ValidationIssue

	validEnvs := []string{EnvDevelopment, EnvProduction}
	if cfg.Environment != "" && !slices.Contains(validEnvs, cfg.Environment) {
		issues = append(issues, ValidationIssue{
			Path:    "environment",
			Message: fmt.Sprintf("must be one of %v, got %q", validEnvs, cfg.Environment),
		})
	}

	// Gateway validation
	if cfg.Gateway.Port < 0 || cfg.Gateway.Port > 65535 {
		issues = append(issues, ValidationIssue{
			Path:    "gateway.port",
			Message: fmt.Sprintf("port must be 0-65535, got %d", cfg.Gateway.Port),
		})
	}

	validBinds := []string{"lan", "loopback", "custom"}
	if cfg.Gateway.Bind != "" && !slices.Contains(validBinds, cfg.Gateway.Bind) {
		issues = append(issues, ValidationIssue{
			Path:    "gateway.bind",
			Message: fmt.Sprintf("must be one of %v, got %q", validBinds, cfg.Gateway.Bind),
		})
	}
	if cfg.Gateway.Bind == "custom" && cfg.Gateway.CustomBindHost == "" {
		issues = append(issues, ValidationIssue{
			Path:    "gateway.customBindHost",
			Message: "required when bind: custom",
		})
	}
	if cfg.Gateway.TLS.Enabled && (cfg.Gateway.TLS.CertPath == "" || cfg.Gateway.TLS.KeyPath == "") {
		issues = append(issues, ValidationIssue{
			Path:    "gateway.tls",
			Message: "certPath and keyPath are required when TLS is enabled",
		})
	}

	validScopes := []string{"chat", "sessions"}
	seenKeys := map[string]bool{}
	for i, k := range cfg.Gateway.Auth.Keys {
		path := fmt.Sprintf("gateway.auth.keys[%d]", i)
		if k.Key == "" {
			issues = append(issues, ValidationIssue{Path: path + ".key", Message: "key is required"})
		} else if seenKeys[k.Key] {
			issues = append(issues, ValidationIssue{Path: path + ".key", Message: "duplicate key"})
		}
		seenKeys[k.Key] = true
		if k.TenantID == "" {
			issues = append(issues, ValidationIssue{Path: path + ".tenantId", Message: "tenantId is required"})
		}
		for _, s := range k.Scopes {
			if !slices.Contains(validScopes, s) {
				issues = append(issues, ValidationIssue{
					Path:    path + ".scopes",
					Message: fmt.Sprintf("must be one of %v, got %q", validScopes, s),
				})
			}
		}
	}

	// Providers
	if cfg.Providers.DevFallback && cfg.Environment != EnvDevelopment {
		issues = append(issues, ValidationIssue{
			Path:    "providers.devFallback",
			Message: "synthetic fallback is only allowed when environment: development",
		})
	}
	if cfg.Providers.Edge.APIKey != "" && cfg.Providers.Edge.AccountID == "" {
		issues = append(issues, ValidationIssue{
			Path:    "providers.edge.accountId",
			Message: "required when providers.edge.apiKey is set",
		})
	}

	// Routing
	validModes := []string{"cost", "quality", "balanced"}
	if cfg.Routing.Mode != "" && !slices.Contains(validModes, cfg.Routing.Mode) {
		issues = append(issues, ValidationIssue{
			Path:    "routing.mode",
			Message: fmt.Sprintf("must be one of %v, got %q", validModes, cfg.Routing.Mode),
		})
	}

	// Cache
	if cfg.Cache.SessionTTL < 0 {
		issues = append(issues, ValidationIssue{Path: "cache.sessionTtl", Message: "must not be negative"})
	}
	if cfg.Cache.BlobTTL < 0 {
		issues = append(issues, ValidationIssue{Path: "cache.blobTtl", Message: "must not be negative"})
	}

	// Store
	validDrivers := []string{"sqlite", "postgres"}
	if cfg.Store.Driver != "" && !slices.Contains(validDrivers, cfg.Store.Driver) {
		issues = append(issues, ValidationIssue{
			Path:    "store.driver",
			Message: fmt.Sprintf("must be one of %v, got %q", validDrivers, cfg.Store.Driver),
		})
	}
	if cfg.Store.Driver == "postgres" && cfg.Store.DSN == "" {
		issues = append(issues, ValidationIssue{
			Path:    "store.dsn",
			Message: "required when driver: postgres",
		})
	}

	// Quota
	if cfg.Quota.DefaultRequests < 0 {
		issues = append(issues, ValidationIssue{
			Path:    "quota.defaultRequests",
			Message: fmt.Sprintf("must not be negative, got %d", cfg.Quota.DefaultRequests),
		})
	}
	if cfg.Quota.Window < 0 {
		issues = append(issues, ValidationIssue{Path: "quota.window", Message: "must not be negative"})
	}

	// Tools
	validBuiltins := []string{"current_time", "calculate", "word_count"}
	for _, b := range cfg.Tools.Builtins {
		if !slices.Contains(validBuiltins, b) {
			issues = append(issues, ValidationIssue{
				Path:    "tools.builtins",
				Message: fmt.Sprintf("unknown builtin %q", b),
			})
		}
	}

	// Logging validation
	validLogLevels := []string{"silent", "fatal", "error", "warn", "info", "debug", "trace"}
	if cfg.Logging.Level != "" && !slices.Contains(validLogLevels, cfg.Logging.Level) {
		issues = append(issues, ValidationIssue{
			Path:    "logging.level",
			Message: fmt.Sprintf("must be one of %v, got %q", validLogLevels, cfg.Logging.Level),
		})
	}

	validStyles := []string{"pretty", "compact", "json"}
	if cfg.Logging.Style != "" && !slices.Contains(validStyles, cfg.Logging.Style) {
		issues = append(issues, ValidationIssue{
			Path:    "logging.style",
			Message: fmt.Sprintf("must be one of %v, got %q", validStyles, cfg.Logging.Style),
		})
	}

	return issues
}
