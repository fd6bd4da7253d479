package rtsync

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultUID is the field that carries each record's key.
const DefaultUID = "id"

// Config holds the engine options.
type Config struct {
	// Auth requires credentials for the remote store. The engine itself does
	// not authenticate; NewFromEnv refuses to start an HTTP client without a
	// token when it is set.
	Auth bool
	// UID names the field injected with each record's key. An empty value
	// disables injection.
	UID string
	// ConnectionChanged is called on every connectivity transition observed
	// after Start completed.
	ConnectionChanged func(connected bool)
	// Collections are watched on Start for request correlation even when no
	// handler was declared for them.
	Collections []string
}

// DefaultConfig returns the defaults: no auth, keys injected under "id".
func DefaultConfig() Config {
	return Config{UID: DefaultUID}
}

type fileConfig struct {
	Auth        bool     `yaml:"auth"`
	UID         any      `yaml:"uid"`
	Collections []string `yaml:"collections"`
}

// LoadConfig reads a YAML file with the keys auth, uid and collections on
// top of DefaultConfig. A uid of false, null or "" disables key injection.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("rtsync: read config: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig decodes YAML configuration data.
func ParseConfig(data []byte) (Config, error) {
	cfg := DefaultConfig()
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return Config{}, fmt.Errorf("rtsync: decode config: %w", err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return Config{}, fmt.Errorf("rtsync: decode config: %w", err)
	}

	cfg.Auth = fc.Auth
	if _, ok := raw["uid"]; ok {
		switch v := fc.UID.(type) {
		case nil:
			cfg.UID = ""
		case bool:
			if v {
				return Config{}, fmt.Errorf("rtsync: uid must be a field name or false")
			}
			cfg.UID = ""
		case string:
			cfg.UID = strings.TrimSpace(v)
		default:
			return Config{}, fmt.Errorf("rtsync: uid must be a field name, got %T", v)
		}
	}
	for _, c := range fc.Collections {
		if c = strings.TrimSpace(c); c != "" {
			cfg.Collections = append(cfg.Collections, c)
		}
	}
	return cfg, nil
}
