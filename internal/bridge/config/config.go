// Package config loads the bridge's runtime configuration from an
// optional YAML file with AGORAI_* environment overrides on top.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/agorai/agorai/internal/bridge/visibility"
)

// APIKey binds a bearer key to an agent identity. The key value itself
// is never persisted; only its hash reaches the database.
type APIKey struct {
	Key          string   `koanf:"key"`
	Name         string   `koanf:"name"`
	Type         string   `koanf:"type"`
	Clearance    string   `koanf:"clearance"`
	Capabilities []string `koanf:"capabilities"`
}

// ClearanceLevel parses the configured clearance, defaulting to team.
func (k APIKey) ClearanceLevel() visibility.Level {
	if k.Clearance == "" {
		return visibility.Team
	}
	lvl, err := visibility.ParseLevel(k.Clearance)
	if err != nil {
		return visibility.Team
	}
	return lvl
}

// RateLimit is a fixed-window budget: Requests per Window per agent.
type RateLimit struct {
	Requests int           `koanf:"requests"`
	Window   time.Duration `koanf:"window"`
}

// ChatBackend points an internal agent at an OpenAI-compatible chat
// completions endpoint.
type ChatBackend struct {
	URL    string `koanf:"url"`
	APIKey string `koanf:"api_key"`
	Model  string `koanf:"model"`
}

// InternalAgent is an agent the bridge itself runs in-process.
type InternalAgent struct {
	Name         string        `koanf:"name"`
	Type         string        `koanf:"type"`
	Mode         string        `koanf:"mode"` // "active" or "passive" (default)
	SystemPrompt string        `koanf:"system_prompt"`
	PollInterval time.Duration `koanf:"poll_interval"`
	Capabilities []string      `koanf:"capabilities"`
	Chat         ChatBackend   `koanf:"chat"`
}

// Config holds the bridge's runtime configuration.
type Config struct {
	Host         string          `koanf:"host"`
	Port         int             `koanf:"port"`
	DataDir      string          `koanf:"data_dir"`
	MaxBodyBytes int64           `koanf:"max_body_bytes"`
	KeySalt      string          `koanf:"key_salt"`
	LogLevel     string          `koanf:"log_level"`
	RateLimit    RateLimit       `koanf:"rate_limit"`
	APIKeys      []APIKey        `koanf:"api_keys"`
	Agents       []InternalAgent `koanf:"agents"`
}

func defaults() map[string]any {
	return map[string]any{
		"host":                "127.0.0.1",
		"port":                4410,
		"data_dir":            defaultDataDir(),
		"max_body_bytes":      int64(1 << 20),
		"log_level":           "info",
		"rate_limit.requests": 60,
		"rate_limit.window":   time.Minute,
	}
}

// Load reads configuration with precedence env > file > defaults. An
// empty path skips the file layer; a named file must exist.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	// AGORAI_RATE_LIMIT__REQUESTS=100 -> rate_limit.requests. A double
	// underscore separates nesting levels so key names may themselves
	// contain underscores.
	err := k.Load(env.Provider("AGORAI_", ".", func(s string) string {
		s = strings.TrimPrefix(s, "AGORAI_")
		return strings.ReplaceAll(strings.ToLower(s), "__", ".")
	}), nil)
	if err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the configuration and ensures the data dir exists.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	if c.RateLimit.Requests <= 0 {
		return fmt.Errorf("rate_limit.requests must be positive")
	}
	if c.RateLimit.Window <= 0 {
		return fmt.Errorf("rate_limit.window must be positive")
	}

	seen := make(map[string]bool, len(c.APIKeys))
	for i, key := range c.APIKeys {
		if key.Key == "" {
			return fmt.Errorf("api_keys[%d]: key is required", i)
		}
		if key.Name == "" {
			return fmt.Errorf("api_keys[%d]: name is required", i)
		}
		if seen[key.Key] {
			return fmt.Errorf("api_keys[%d]: duplicate key value", i)
		}
		seen[key.Key] = true
		if key.Clearance != "" {
			if _, err := visibility.ParseLevel(key.Clearance); err != nil {
				return fmt.Errorf("api_keys[%d]: %w", i, err)
			}
		}
	}

	for i, agent := range c.Agents {
		if agent.Name == "" {
			return fmt.Errorf("agents[%d]: name is required", i)
		}
		if agent.Mode != "" && agent.Mode != "active" && agent.Mode != "passive" {
			return fmt.Errorf("agents[%d]: mode must be active or passive", i)
		}
		if agent.Chat.URL == "" {
			return fmt.Errorf("agents[%d]: chat.url is required", i)
		}
	}

	if err := os.MkdirAll(c.DataDir, 0o750); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	return nil
}

// Addr returns the listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// DBPath returns the path to the SQLite database file.
func (c *Config) DBPath() string {
	return filepath.Join(c.DataDir, "agorai.db")
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".config", "agorai")
	}
	return filepath.Join(home, ".config", "agorai")
}
