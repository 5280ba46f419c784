package domain

import "time"

// Tier is a tenant's subscription level.
type Tier string

const (
	TierFree       Tier = "free"
	TierStarter    Tier = "starter"
	TierPro        Tier = "pro"
	TierEnterprise Tier = "enterprise"
)

// AllTiers lists tiers from lowest to highest.
var AllTiers = []Tier{TierFree, TierStarter, TierPro, TierEnterprise}

// ParseTier returns the tier named s, or false if s is unknown.
func ParseTier(s string) (Tier, bool) {
	for _, t := range AllTiers {
		if string(t) == s {
			return t, true
		}
	}
	return "", false
}

// Tenant is an isolated customer account.
type Tenant struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Tier         Tier     `json:"tier"`
	AllowedTools []string `json:"allowed_tools,omitempty"`
	CustomTools  []Tool   `json:"custom_tools,omitempty"`

	// RequestsPerMinute overrides the default quota; zero uses the default.
	RequestsPerMinute int       `json:"requests_per_minute,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// ToolAllowed reports whether name is on the tenant's allow-list.
func (t *Tenant) ToolAllowed(name string) bool {
	for _, n := range t.AllowedTools {
		if n == name {
			return true
		}
	}
	return false
}

// CustomTool returns the tenant tool named name.
func (t *Tenant) CustomTool(name string) (Tool, bool) {
	for _, tool := range t.CustomTools {
		if tool.Name == name {
			return tool, true
		}
	}
	return Tool{}, false
}

// SessionMetadata holds per-session settings carried between requests.
type SessionMetadata struct {
	ThinkingLevel ThinkingLevel     `json:"thinking_level,omitempty"`
	Title         string            `json:"title,omitempty"`
	Extra         map[string]string `json:"extra,omitempty"`
}

// CachedSession is a conversation thread as held by the session cache.
// The durable store owns the authoritative copy; the volatile copy is
// TTL-bound.
type CachedSession struct {
	ID        string          `json:"id"`
	TenantID  string          `json:"tenant_id"`
	Model     string          `json:"model"`
	Provider  Provider        `json:"provider"`
	Messages  []ChatMessage   `json:"messages,omitempty"`
	Metadata  SessionMetadata `json:"metadata"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Clone returns a copy of s whose message slice can be appended to
// without touching the original.
func (s *CachedSession) Clone() *CachedSession {
	c := *s
	c.Messages = append([]ChatMessage(nil), s.Messages...)
	return &c
}
