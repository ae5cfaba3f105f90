// Package config handles configuration loading and management.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/sirupsen/logrus"

	"github.com/eachlabs/streamport/internal/provider"
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid config")

// Config represents the streamport configuration.
type Config struct {
	Server   ServerConfig              `toml:"server"`
	Logging  LoggingConfig             `toml:"logging"`
	Provider map[string]ProviderConfig `toml:"provider"`
}

// ServerConfig holds listener settings.
type ServerConfig struct {
	HTTPAddr        string          `toml:"http_addr"`
	TCPAddr         string          `toml:"tcp_addr"`
	CallTimeout     Duration        `toml:"call_timeout"`
	ShutdownTimeout Duration        `toml:"shutdown_timeout"`
	MaxMessageBytes int64           `toml:"max_message_bytes"`
	RateLimit       RateLimitConfig `toml:"rate_limit"`
}

// RateLimitConfig limits new channels and calls per remote host.
type RateLimitConfig struct {
	PerSecond float64 `toml:"per_second"`
	Burst     int     `toml:"burst"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `toml:"level"`
	File   string `toml:"file"`
	Format string `toml:"format"` // "text" or "json"
}

// ProviderConfig holds LLM provider settings. Kind defaults to the table name.
type ProviderConfig struct {
	Kind    string `toml:"kind"`
	APIKey  string `toml:"api_key"`
	BaseURL string `toml:"base_url"`
	Model   string `toml:"model"`
}

// Duration is a time.Duration written as a string such as "30s".
type Duration time.Duration

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Load reads configuration from the default path and environment.
func Load() (*Config, error) {
	return LoadFile(ConfigPath())
}

// LoadFile reads configuration from path, if it exists, and environment.
func LoadFile(path string) (*Config, error) {
	cfg := defaultConfig()

	// Try to load from file
	if _, err := os.Stat(path); err == nil {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}
	if cfg.Provider == nil {
		cfg.Provider = make(map[string]ProviderConfig)
	}
	for id, p := range cfg.Provider {
		if p.Kind == "" {
			p.Kind = id
			cfg.Provider[id] = p
		}
	}

	// Override with environment variables
	cfg.applyEnv()

	// Expand paths
	cfg.expandPaths()

	return cfg, nil
}

// ConfigPath returns the path to the config file.
func ConfigPath() string {
	if p := os.Getenv("STREAMPORT_CONFIG"); p != "" {
		return p
	}
	return filepath.Join(StateDir(), "config.toml")
}

// StateDir returns the streamport state directory.
func StateDir() string {
	if p := os.Getenv("STREAMPORT_STATE_DIR"); p != "" {
		return p
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".streamport")
}

// Default returns the built-in configuration.
func Default() *Config {
	return defaultConfig()
}

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPAddr:        "127.0.0.1:8080",
			ShutdownTimeout: Duration(10 * time.Second),
			MaxMessageBytes: 1 << 20,
			RateLimit: RateLimitConfig{
				PerSecond: 10,
				Burst:     20,
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Provider: make(map[string]ProviderConfig),
	}
}

// providerKeyEnv maps API key variables to the provider kind they fill.
var providerKeyEnv = []struct {
	env  string
	kind string
}{
	{"ANTHROPIC_API_KEY", "anthropic"},
	{"OPENAI_API_KEY", "openai"},
	{"OPENROUTER_API_KEY", "openrouter"},
	{"EACHLABS_API_KEY", "eachlabs"},
}

func (c *Config) applyEnv() {
	for _, e := range providerKeyEnv {
		key := os.Getenv(e.env)
		if key == "" {
			continue
		}
		found := false
		for id, p := range c.Provider {
			if p.Kind == e.kind {
				p.APIKey = key
				c.Provider[id] = p
				found = true
			}
		}
		if !found {
			c.Provider[e.kind] = ProviderConfig{Kind: e.kind, APIKey: key}
		}
	}

	if addr := os.Getenv("STREAMPORT_HTTP_ADDR"); addr != "" {
		c.Server.HTTPAddr = addr
	}

	if level := os.Getenv("STREAMPORT_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
}

func (c *Config) expandPaths() {
	home, _ := os.UserHomeDir()

	expand := func(p string) string {
		if strings.HasPrefix(p, "~/") {
			return filepath.Join(home, p[2:])
		}
		if strings.HasPrefix(p, "$HOME/") {
			return filepath.Join(home, p[6:])
		}
		return p
	}

	c.Logging.File = expand(c.Logging.File)
}

// Validate reports every problem found, each wrapping ErrInvalid.
func (c *Config) Validate() error {
	var errs []error
	invalid := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...)))
	}

	if c.Server.HTTPAddr == "" && c.Server.TCPAddr == "" {
		invalid("server needs http_addr or tcp_addr")
	}
	if c.Server.CallTimeout < 0 {
		invalid("server.call_timeout must not be negative")
	}
	if c.Server.ShutdownTimeout < 0 {
		invalid("server.shutdown_timeout must not be negative")
	}
	if c.Server.MaxMessageBytes < 0 {
		invalid("server.max_message_bytes must not be negative")
	}
	if c.Server.RateLimit.PerSecond < 0 || c.Server.RateLimit.Burst < 0 {
		invalid("server.rate_limit values must not be negative")
	}

	if _, err := logrus.ParseLevel(c.Logging.Level); err != nil {
		invalid("logging.level %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "", "text", "json":
	default:
		invalid("logging.format %q must be text or json", c.Logging.Format)
	}

	kinds := provider.Kinds()
	for _, id := range c.ProviderIDs() {
		kind := c.Provider[id].Kind
		if !slices.Contains(kinds, kind) {
			invalid("provider.%s: unknown kind %q (want one of %s)", id, kind, strings.Join(kinds, ", "))
		}
	}

	return errors.Join(errs...)
}

// ProviderIDs returns the configured provider ids in sorted order.
func (c *Config) ProviderIDs() []string {
	ids := make([]string, 0, len(c.Provider))
	for id := range c.Provider {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Providers converts the provider tables for provider.FromConfig.
func (c *Config) Providers() map[string]provider.Config {
	out := make(map[string]provider.Config, len(c.Provider))
	for id, p := range c.Provider {
		out[id] = provider.Config{
			Kind:    p.Kind,
			APIKey:  p.APIKey,
			BaseURL: p.BaseURL,
			Model:   p.Model,
		}
	}
	return out
}

// Redacted returns a copy with API keys masked, for display.
func (c *Config) Redacted() *Config {
	out := *c
	out.Provider = make(map[string]ProviderConfig, len(c.Provider))
	for id, p := range c.Provider {
		p.APIKey = mask(p.APIKey)
		out.Provider[id] = p
	}
	return &out
}

func mask(s string) string {
	switch {
	case s == "":
		return ""
	case len(s) <= 8:
		return "****"
	default:
		return s[:4] + "****"
	}
}

// Save writes the config to the default path.
func (c *Config) Save() error {
	return c.SaveTo(ConfigPath())
}

// SaveTo writes the config to path.
func (c *Config) SaveTo(configPath string) error {
	// Ensure directory exists
	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return err
	}

	f, err := os.OpenFile(configPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	defer f.Close()

	encoder := toml.NewEncoder(f)
	return encoder.Encode(c)
}
