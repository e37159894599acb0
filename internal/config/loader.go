package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/kelseyhightower/envconfig"
	"github.com/samber/lo"
)

const (
	// ConfigDir is the default config directory name.
	ConfigDir = ".concord"
	// ConfigFile is the default config file name.
	ConfigFile = "config.json"
	// EnvPrefix prefixes every environment override.
	EnvPrefix = "CONCORD"
)

// ConfigPath returns the path to the config file.
func ConfigPath() (string, error) {
	if explicit := strings.TrimSpace(os.Getenv("CONCORD_CONFIG")); explicit != "" {
		return ExpandPath(explicit)
	}
	home, err := resolveHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ConfigDir, ConfigFile), nil
}

func resolveHomeDir() (string, error) {
	if h := strings.TrimSpace(os.Getenv("CONCORD_HOME")); h != "" {
		if strings.HasPrefix(h, "~") {
			base, err := os.UserHomeDir()
			if err != nil {
				return "", err
			}
			return filepath.Join(base, h[1:]), nil
		}
		return h, nil
	}
	return os.UserHomeDir()
}

// ExpandPath resolves a leading "~" against the concord home directory.
func ExpandPath(p string) (string, error) {
	if !strings.HasPrefix(p, "~") {
		return p, nil
	}
	home, err := resolveHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, p[1:]), nil
}

// Load loads the configuration from file and environment variables.
// Priority: environment > file > defaults.
func Load() (*Config, error) {
	cfg := DefaultConfig()

	// Load process env vars from ~/.config/concord/env (and fallbacks) first.
	LoadEnvFileCandidates()

	path, err := ConfigPath()
	if err != nil {
		return cfg, nil // Use defaults if we can't find config path
	}

	data, err := loadResolvedConfig(path)
	if err == nil {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, err
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides each group from CONCORD_<GROUP>_* variables. Nested
// groups extend the prefix, e.g. CONCORD_EVENTS_KAFKA_BROKERS.
func applyEnv(cfg *Config) error {
	groups := []struct {
		prefix string
		spec   any
	}{
		{"DISCORD", &cfg.Discord},
		{"DATABASE", &cfg.Database},
		{"RELAY", &cfg.Relay},
		{"REGISTRY", &cfg.Registry},
		{"EVENTS", &cfg.Events},
		{"LOG", &cfg.Log},
	}
	for _, g := range groups {
		if err := envconfig.Process(EnvPrefix+"_"+g.prefix, g.spec); err != nil {
			return fmt.Errorf("env overrides for %s: %w", strings.ToLower(g.prefix), err)
		}
	}
	return nil
}

// Save writes the configuration to the config file.
func Save(cfg *Config) error {
	path, err := ConfigPath()
	if err != nil {
		return err
	}

	// Ensure directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return err
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}

// EnsureDir ensures a directory exists with proper permissions.
func EnsureDir(path string) error {
	return os.MkdirAll(path, 0755)
}

var envPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

func loadResolvedConfig(path string) ([]byte, error) {
	obj, err := loadConfigObject(path, map[string]struct{}{})
	if err != nil {
		return nil, err
	}
	return json.Marshal(obj)
}

// loadConfigObject reads path, merging any "$include" files underneath it.
func loadConfigObject(path string, visited map[string]struct{}) (map[string]any, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	if _, seen := visited[absPath]; seen {
		return nil, fmt.Errorf("config include cycle detected at %s", absPath)
	}
	visited[absPath] = struct{}{}
	defer delete(visited, absPath)

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, err
	}

	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse %s: %w", absPath, err)
	}
	if raw == nil {
		raw = map[string]any{}
	}

	includes, err := includeList(raw["$include"])
	if err != nil {
		return nil, fmt.Errorf("%s: %w", absPath, err)
	}
	delete(raw, "$include")

	// Included files form the base; the including file overrides them.
	merged := map[string]any{}
	for _, inc := range includes {
		if !filepath.IsAbs(inc) {
			inc = filepath.Join(filepath.Dir(absPath), inc)
		}
		child, err := loadConfigObject(inc, visited)
		if err != nil {
			return nil, err
		}
		mergeInto(merged, child)
	}
	mergeInto(merged, expandEnv(raw).(map[string]any))
	return merged, nil
}

// includeList normalises "$include", which may be absent, one path or a list.
func includeList(v any) ([]string, error) {
	var paths []string
	switch t := v.(type) {
	case nil:
		return nil, nil
	case string:
		paths = []string{t}
	case []any:
		for _, item := range t {
			p, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("$include entries must be strings, got %T", item)
			}
			paths = append(paths, p)
		}
	default:
		return nil, fmt.Errorf("$include must be a path or a list of paths, got %T", v)
	}
	return lo.Filter(paths, func(p string, _ int) bool { return strings.TrimSpace(p) != "" }), nil
}

// mergeInto copies src over dst, descending into objects present on both
// sides. Arrays and scalars replace.
func mergeInto(dst, src map[string]any) {
	for k, v := range src {
		sub, isObj := v.(map[string]any)
		existing, hasObj := dst[k].(map[string]any)
		switch {
		case isObj && hasObj:
			mergeInto(existing, sub)
		case isObj:
			fresh := map[string]any{}
			mergeInto(fresh, sub)
			dst[k] = fresh
		default:
			dst[k] = v
		}
	}
}

// expandEnv replaces ${VAR} in string values. Unset variables stay literal.
func expandEnv(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return lo.MapValues(t, func(item any, _ string) any { return expandEnv(item) })
	case []any:
		return lo.Map(t, func(item any, _ int) any { return expandEnv(item) })
	case string:
		return envPattern.ReplaceAllStringFunc(t, func(ref string) string {
			if value, ok := os.LookupEnv(ref[2 : len(ref)-1]); ok {
				return value
			}
			return ref
		})
	}
	return v
}
