package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

const defaultBaseDir = ".llmgate"

// Paths holds resolved filesystem paths for llmgate data.
type Paths struct {
	Base   string // ~/.llmgate
	Config string // ~/.llmgate/config.yaml
	Env    string // ~/.llmgate/.env
	Logs   string // ~/.llmgate/logs
	Data   string // ~/.llmgate/data
}

// ResolvePaths computes all standard paths from the home directory.
// If LLMGATE_HOME is set, it overrides the default base directory.
func ResolvePaths() (Paths, error) {
	base := os.Getenv("LLMGATE_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return Paths{}, err
		}
		base = filepath.Join(home, defaultBaseDir)
	}

	return Paths{
		Base:   base,
		Config: filepath.Join(base, "config.yaml"),
		Env:    filepath.Join(base, ".env"),
		Logs:   filepath.Join(base, "logs"),
		Data:   filepath.Join(base, "data"),
	}, nil
}

// DatabasePath returns the sqlite file location for the given store config.
func (p Paths) DatabasePath(cfg StoreConfig) string {
	if cfg.Path != "" {
		return cfg.Path
	}
	return filepath.Join(p.Data, "llmgate.db")
}

// EnsureDirs creates all standard directories if they don't exist.
func (p Paths) EnsureDirs() error {
	dirs := []string{p.Base, p.Logs, p.Data}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0o700); err != nil {
			return err
		}
	}
	return nil
}

// ParseConfigPath splits a config path into segments. Segments are
// separated by dots; a list element is addressed as "keys[0]" or "keys.0".
func ParseConfigPath(raw string) ([]string, error) {
	if raw == "" {
		return nil, &ConfigError{Message: "empty config path"}
	}
	var parts []string
	for _, seg := range strings.Split(raw, ".") {
		name, rest, hasIndex := strings.Cut(seg, "[")
		if name == "" {
			return nil, &ConfigError{Message: "config path contains empty segment"}
		}
		parts = append(parts, name)
		for hasIndex {
			var idx string
			var ok bool
			idx, rest, ok = strings.Cut(rest, "]")
			if !ok || !isIndex(idx) {
				return nil, &ConfigError{Message: "config path has malformed index in " + seg}
			}
			parts = append(parts, idx)
			if rest == "" {
				break
			}
			if !strings.HasPrefix(rest, "[") {
				return nil, &ConfigError{Message: "config path has malformed index in " + seg}
			}
			rest = rest[1:]
		}
	}
	return parts, nil
}

func isIndex(s string) bool {
	n, err := strconv.Atoi(s)
	return err == nil && n >= 0
}

// secretFields are leaf names whose values are credentials.
var secretFields = map[string]bool{
	"apiKey": true,
	"key":    true,
	"dsn":    true,
}

// IsSecretPath reports whether path ends at a credential field.
func IsSecretPath(path []string) bool {
	return len(path) > 0 && secretFields[path[len(path)-1]]
}

// Redact returns a copy of v with every credential field masked.
func Redact(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, child := range val {
			if s, ok := child.(string); ok && secretFields[k] && s != "" {
				out[k] = "********"
				continue
			}
			out[k] = Redact(child)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, child := range val {
			out[i] = Redact(child)
		}
		return out
	default:
		return v
	}
}

// child returns the element of node named key: a map entry or, for a
// numeric key, a list element.
func child(node any, key string) (any, bool) {
	switch n := node.(type) {
	case map[string]any:
		v, ok := n[key]
		return v, ok
	case []any:
		i, err := strconv.Atoi(key)
		if err != nil || i < 0 || i >= len(n) {
			return nil, false
		}
		return n[i], true
	}
	return nil, false
}

// GetValueAtPath traverses nested maps and lists along path.
func GetValueAtPath(root map[string]any, path []string) (any, bool) {
	current := any(root)
	for _, key := range path {
		var ok bool
		if current, ok = child(current, key); !ok {
			return nil, false
		}
	}
	return current, true
}

// SetValueAtPath sets a value, creating intermediate maps as needed. A
// numeric segment addresses a list element; an index equal to the list
// length appends.
func SetValueAtPath(root map[string]any, path []string, value any) {
	setIn(root, path, value)
}

func setIn(node any, path []string, value any) any {
	key := path[0]
	if list, ok := node.([]any); ok {
		if i, err := strconv.Atoi(key); err == nil && i >= 0 && i <= len(list) {
			if i == len(list) {
				list = append(list, nil)
			}
			if len(path) == 1 {
				list[i] = value
			} else {
				list[i] = setIn(list[i], path[1:], value)
			}
			return list
		}
	}
	m, ok := node.(map[string]any)
	if !ok {
		m = map[string]any{}
	}
	if len(path) == 1 {
		m[key] = value
	} else {
		m[key] = setIn(m[key], path[1:], value)
	}
	return m
}

// UnsetValueAtPath removes the value at path. A list element is removed
// and later elements shift down. Returns true if something was removed.
func UnsetValueAtPath(root map[string]any, path []string) bool {
	parentPath, last := path[:len(path)-1], path[len(path)-1]
	parent, ok := GetValueAtPath(root, parentPath)
	if !ok {
		return false
	}
	switch p := parent.(type) {
	case map[string]any:
		if _, ok := p[last]; !ok {
			return false
		}
		delete(p, last)
		return true
	case []any:
		i, err := strconv.Atoi(last)
		if err != nil || i < 0 || i >= len(p) {
			return false
		}
		trimmed := append(p[:i:i], p[i+1:]...)
		SetValueAtPath(root, parentPath, trimmed)
		return true
	}
	return false
}
