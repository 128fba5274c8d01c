package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

// Rule is the per-collection permission policy. A collection without a
// rule falls back to the defaults (everything allowed).
type Rule struct {
	Read        *bool `yaml:"read,omitempty"`
	Write       *bool `yaml:"write,omitempty"`
	RequireAuth bool  `yaml:"require_auth,omitempty"`
}

// AllowRead reports whether reads are permitted.
func (r Rule) AllowRead() bool {
	return r.Read == nil || *r.Read
}

// AllowWrite reports whether writes are permitted.
func (r Rule) AllowWrite() bool {
	return r.Write == nil || *r.Write
}

// Config is the server configuration.
type Config struct {
	Listen  string `yaml:"listen"`
	DataDir string `yaml:"data_dir"`

	AllowAnonymous    bool          `yaml:"allow_anonymous"`
	TokenSecret       string        `yaml:"token_secret"`
	TokenTTL          time.Duration `yaml:"token_ttl"`
	AutoCreateIndexes bool          `yaml:"auto_create_indexes"`

	WriteTimeout time.Duration `yaml:"write_timeout"`

	LogLevel string `yaml:"log_level"`

	Rules map[string]Rule `yaml:"rules"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Listen:            ":8181",
		DataDir:           "./data",
		AllowAnonymous:    true,
		TokenSecret:       "",
		TokenTTL:          24 * time.Hour,
		AutoCreateIndexes: true,
		WriteTimeout:      30 * time.Second,
		LogLevel:          "info",
		Rules:             map[string]Rule{},
	}
}

// Load reads a YAML config file over the defaults. An empty path returns
// the defaults unchanged.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects configurations the server cannot run with.
func (c Config) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("listen address must not be empty")
	}
	if c.DataDir == "" {
		return fmt.Errorf("data_dir must not be empty")
	}
	if !c.AllowAnonymous && c.TokenSecret == "" {
		return fmt.Errorf("token_secret is required when anonymous access is disabled")
	}
	if c.TokenTTL <= 0 {
		return fmt.Errorf("token_ttl must be positive")
	}
	return nil
}

// RuleFor returns the policy for a collection.
func (c Config) RuleFor(collection string) Rule {
	if r, ok := c.Rules[collection]; ok {
		return r
	}
	return Rule{}
}
