// Package config is the on-disk configuration for tracklab-agent.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Provider types accepted in provider.type.
const (
	ProviderOpenAI           = "openai"
	ProviderAnthropic        = "anthropic"
	ProviderOpenAICompatible = "openai_compatible"
)

// Provider selects and configures the model backend.
//
// Notes:
//   - APIKey may instead come from the environment (OPENAI_API_KEY or
//     ANTHROPIC_API_KEY); the config value wins when both are set.
//   - BaseURL is required for openai_compatible and optional otherwise.
type Provider struct {
	Type    string `json:"type"`
	BaseURL string `json:"base_url,omitempty"`
	APIKey  string `json:"api_key,omitempty"`
	Model   string `json:"model"`

	// MaxSteps bounds the tool loop per run. Zero means the built-in default.
	MaxSteps int `json:"max_steps,omitempty"`
}

func (p *Provider) Validate() error {
	if p == nil {
		return errors.New("nil provider")
	}
	typ := strings.TrimSpace(strings.ToLower(p.Type))
	switch typ {
	case ProviderOpenAI, ProviderAnthropic:
	case ProviderOpenAICompatible:
		if strings.TrimSpace(p.BaseURL) == "" {
			return errors.New("openai_compatible provider requires base_url")
		}
	default:
		return fmt.Errorf("invalid provider type %q", p.Type)
	}
	if strings.TrimSpace(p.Model) == "" {
		return errors.New("missing provider model")
	}
	if p.MaxSteps < 0 {
		return errors.New("max_steps must be >= 0")
	}
	return nil
}

// Config is the agent configuration file.
//
// NOTE: This file may contain an API key. Always keep it chmod 0600.
type Config struct {
	// ListenAddr is the HTTP listen address.
	ListenAddr string `json:"listen_addr,omitempty"`

	// DBPath is the SQLite database location.
	DBPath string `json:"db_path,omitempty"`

	// Owner scopes thread rows; single-user installs keep the default.
	Owner string `json:"owner,omitempty"`

	// AllowedOrigins lists the browser origins allowed to call the agent.
	AllowedOrigins []string `json:"allowed_origins,omitempty"`

	Provider Provider `json:"provider"`

	// LogFormat is "json" or "text".
	LogFormat string `json:"log_format,omitempty"`
	// LogLevel is "debug|info|warn|error".
	LogLevel string `json:"log_level,omitempty"`
}

const (
	DefaultListenAddr = "127.0.0.1:8000"
	defaultOwner      = "local"
)

func defaultAllowedOrigins() []string {
	return []string{
		"http://localhost:3000",
		"http://127.0.0.1:3000",
	}
}

// Default returns a config ready for `tracklab-agent init` to fill in.
func Default() *Config {
	return &Config{
		ListenAddr:     DefaultListenAddr,
		DBPath:         DefaultDBPath(),
		Owner:          defaultOwner,
		AllowedOrigins: defaultAllowedOrigins(),
		Provider: Provider{
			Type:  ProviderOpenAI,
			Model: "gpt-4o",
		},
		LogFormat: "text",
		LogLevel:  "info",
	}
}

func (c *Config) Validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	if err := c.Provider.Validate(); err != nil {
		return fmt.Errorf("invalid provider: %w", err)
	}
	switch strings.TrimSpace(strings.ToLower(c.LogFormat)) {
	case "", "json", "text":
	default:
		return fmt.Errorf("invalid log_format %q", c.LogFormat)
	}
	switch strings.TrimSpace(strings.ToLower(c.LogLevel)) {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log_level %q", c.LogLevel)
	}
	return nil
}

// Normalize fills defaults in place after a successful Validate.
func (c *Config) Normalize() {
	if c == nil {
		return
	}
	if strings.TrimSpace(c.ListenAddr) == "" {
		c.ListenAddr = DefaultListenAddr
	}
	if strings.TrimSpace(c.DBPath) == "" {
		c.DBPath = DefaultDBPath()
	}
	if strings.TrimSpace(c.Owner) == "" {
		c.Owner = defaultOwner
	}
	if len(c.AllowedOrigins) == 0 {
		c.AllowedOrigins = defaultAllowedOrigins()
	}
	c.Provider.Type = strings.TrimSpace(strings.ToLower(c.Provider.Type))
}

// DefaultConfigPath returns the default config path:
//
//	~/.tracklab-agent/config.json
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil || strings.TrimSpace(home) == "" {
		return "tracklab-agent.config.json"
	}
	return filepath.Join(home, ".tracklab-agent", "config.json")
}

// DefaultDBPath returns the default database path:
//
//	~/.tracklab-agent/threads.sqlite
func DefaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil || strings.TrimSpace(home) == "" {
		return "tracklab-agent.threads.sqlite"
	}
	return filepath.Join(home, ".tracklab-agent", "threads.sqlite")
}

func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := json.Unmarshal(b, &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	cfg.Normalize()
	return &cfg, nil
}

func Save(path string, cfg *Config) error {
	if cfg == nil {
		return errors.New("nil config")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	// Write atomically.
	tmp := path + ".tmp"
	b, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	b = append(b, '\n')

	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
