package gateway

import (
	"crypto/subtle"
	"net/http"
	"os"
	"slices"
	"strings"

	"github.com/soyeahso/llmgate/internal/config"
	"github.com/soyeahso/llmgate/internal/domain"
)

// API key scopes.
const (
	ScopeChat     = "chat"
	ScopeSessions = "sessions"
)

// Principal is the identity an API key resolves to.
type Principal struct {
	TenantID string   `json:"tenantId"`
	Scopes   []string `json:"scopes"`
}

// HasScope reports whether p may use scope.
func (p Principal) HasScope(scope string) bool {
	return slices.Contains(p.Scopes, scope)
}

// ResolvedAuth holds the API keys the gateway accepts.
type ResolvedAuth struct {
	Keys []config.APIKeyEntry
}

// ResolveAuth resolves API keys from config and environment. When no keys
// are configured, LLMGATE_GATEWAY_KEY and LLMGATE_GATEWAY_TENANT define a
// single key with every scope.
func ResolveAuth(cfg config.GatewayAuth) ResolvedAuth {
	var auth ResolvedAuth
	for _, k := range cfg.Keys {
		if k.Key == "" || k.TenantID == "" {
			continue
		}
		scopes := k.Scopes
		if len(scopes) == 0 {
			scopes = []string{ScopeChat, ScopeSessions}
		}
		auth.Keys = append(auth.Keys, config.APIKeyEntry{Key: k.Key, TenantID: k.TenantID, Scopes: scopes})
	}

	if len(auth.Keys) == 0 {
		key := os.Getenv("LLMGATE_GATEWAY_KEY")
		tenant := os.Getenv("LLMGATE_GATEWAY_TENANT")
		if key != "" && tenant != "" {
			auth.Keys = append(auth.Keys, config.APIKeyEntry{
				Key:      key,
				TenantID: tenant,
				Scopes:   []string{ScopeChat, ScopeSessions},
			})
		}
	}
	return auth
}

// Authorize resolves key to a principal. Every configured key is compared
// so the time taken does not depend on which key matched.
func Authorize(auth ResolvedAuth, key string) (Principal, error) {
	if key == "" {
		return Principal{}, &domain.AuthenticationError{Reason: "api key required"}
	}
	match := -1
	for i, k := range auth.Keys {
		if safeEqual(key, k.Key) && match < 0 {
			match = i
		}
	}
	if match < 0 {
		return Principal{}, &domain.AuthenticationError{Reason: "invalid api key"}
	}
	entry := auth.Keys[match]
	return Principal{TenantID: entry.TenantID, Scopes: slices.Clone(entry.Scopes)}, nil
}

// requireScope returns a PermissionError unless p holds scope.
func requireScope(p Principal, scope string) error {
	if p.HasScope(scope) {
		return nil
	}
	return &domain.PermissionError{Resource: "scope " + scope, Reason: "api key lacks scope"}
}

// bearerToken extracts the key from an "Authorization: Bearer <key>" header.
func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

// safeEqual performs a constant-time string comparison to prevent timing attacks.
// It avoids early-return on length mismatch to prevent leaking secret length via timing.
func safeEqual(a, b string) bool {
	lenMatch := subtle.ConstantTimeEq(int32(len(a)), int32(len(b)))
	cmp := subtle.ConstantTimeCompare([]byte(a), []byte(b))
	return subtle.ConstantTimeSelect(lenMatch, cmp, 0) == 1
}
