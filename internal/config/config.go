// ABOUTME: Configuration loading and parsing for coday-gateway
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvConfigPath names the environment variable that overrides the config path.
const EnvConfigPath = "CODAY_CONFIG"

// ErrNoConfig is returned by DefaultPath when no candidate file exists.
var ErrNoConfig = errors.New("no configuration file found")

// Provider types.
const (
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
)

// Config represents the complete coday-gateway configuration
type Config struct {
	Server     ServerConfig              `yaml:"server"`
	GRPC       GRPCConfig                `yaml:"grpc"`
	Tailscale  TailscaleConfig           `yaml:"tailscale"`
	Database   DatabaseConfig            `yaml:"database"`
	Auth       AuthConfig                `yaml:"auth"`
	Sessions   SessionsConfig            `yaml:"sessions"`
	Throttle   ThrottleConfig            `yaml:"throttle"`
	Cache      CacheConfig               `yaml:"cache"`
	Providers  map[string]ProviderConfig `yaml:"providers"`
	ModelsFile string                    `yaml:"models_file"`
	Agents     AgentsConfig              `yaml:"agents"`
	Tools      ToolsConfig               `yaml:"tools"`
	Usage      UsageConfig               `yaml:"usage"`
	Ingress    IngressConfig             `yaml:"ingress"`
	Logging    LoggingConfig             `yaml:"logging"`
}

// ServerConfig holds the HTTP listener address
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// GRPCConfig holds the health service listener
type GRPCConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Hostname  string `yaml:"hostname"`
	AuthKey   string `yaml:"auth_key"`
	StateDir  string `yaml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral"`
	HTTPS     bool   `yaml:"https"`  // serve with Tailscale-provisioned certs on :443
	Funnel    bool   `yaml:"funnel"` // public Funnel (implies HTTPS)
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// AuthConfig holds authentication configuration. An empty secret disables
// authentication and every request runs as the anonymous user.
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
}

// SessionsConfig holds session timing
type SessionsConfig struct {
	HeartbeatInterval time.Duration `yaml:"-"`
	Timeout           time.Duration `yaml:"-"`
	SweepInterval     time.Duration `yaml:"-"`

	HeartbeatIntervalRaw string `yaml:"heartbeat_interval"`
	TimeoutRaw           string `yaml:"timeout"`
	SweepIntervalRaw     string `yaml:"sweep_interval"`
}

// ThrottleConfig holds the proactive rate-limit throttle
type ThrottleConfig struct {
	Threshold float64       `yaml:"threshold"`
	MaxDelay  time.Duration `yaml:"-"`

	MaxDelayRaw string `yaml:"max_delay"`
}

// CacheConfig holds prompt cache marker placement
type CacheConfig struct {
	Placement       float64 `yaml:"placement"`
	UpdateThreshold float64 `yaml:"update_threshold"`
	MinMessages     int     `yaml:"min_messages"`
}

// ProviderConfig describes one model provider. The map key is the name
// agents reference.
type ProviderConfig struct {
	Type    string        `yaml:"type"`
	APIKey  string        `yaml:"api_key"`
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"-"`

	TimeoutRaw string `yaml:"timeout"`
}

// AgentsConfig holds the agent catalog
type AgentsConfig struct {
	Default         string        `yaml:"default"`
	DelegationDepth *int          `yaml:"delegation_depth"`
	Definitions     []AgentConfig `yaml:"definitions"`
}

// AgentConfig is one agent definition
type AgentConfig struct {
	Name         string   `yaml:"name"`
	Description  string   `yaml:"description"`
	Instructions string   `yaml:"instructions"`
	Provider     string   `yaml:"provider"`
	Model        string   `yaml:"model"`
	Temperature  *float64 `yaml:"temperature"`
	MaxTokens    int      `yaml:"max_tokens"`
	Tools        []string `yaml:"tools"`
}

// ToolsConfig holds tool dispatch settings
type ToolsConfig struct {
	Timeout time.Duration `yaml:"-"`

	TimeoutRaw string `yaml:"timeout"`
}

// UsageConfig holds the usage recorder buffering
type UsageConfig struct {
	FlushInterval time.Duration `yaml:"-"`
	BatchSize     int           `yaml:"batch_size"`

	FlushIntervalRaw string `yaml:"flush_interval"`
}

// IngressConfig holds per-client input limits
type IngressConfig struct {
	RatePerSecond float64       `yaml:"rate_per_second"`
	Burst         int           `yaml:"burst"`
	DedupeTTL     time.Duration `yaml:"-"`
	DedupeMaxSize int           `yaml:"dedupe_max_size"`

	DedupeTTLRaw string `yaml:"dedupe_ttl"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// DefaultPath resolves the configuration file: $CODAY_CONFIG, then
// $XDG_CONFIG_HOME/coday/config.yaml, then ~/.config/coday/config.yaml.
func DefaultPath() (string, error) {
	if p := os.Getenv(EnvConfigPath); p != "" {
		return p, nil
	}

	var candidates []string
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		candidates = append(candidates, filepath.Join(xdg, "coday", "config.yaml"))
	}
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, ".config", "coday", "config.yaml"))
	}

	for _, c := range candidates {
		if _, err := os.Stat(c); err == nil {
			return c, nil
		}
	}
	return "", fmt.Errorf("%w (set %s)", ErrNoConfig, EnvConfigPath)
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes, defaults and validates configuration bytes.
func Parse(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}

func (c *Config) applyDefaults() {
	if c.Server.HTTPAddr == "" && !c.Tailscale.Enabled {
		c.Server.HTTPAddr = "127.0.0.1:3000"
	}
	if c.GRPC.Enabled && c.GRPC.Addr == "" && !c.Tailscale.Enabled {
		c.GRPC.Addr = "127.0.0.1:50051"
	}
	if c.Database.Path == "" {
		c.Database.Path = defaultDatabasePath()
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Agents.DelegationDepth == nil {
		depth := 1
		c.Agents.DelegationDepth = &depth
	}
	if c.Ingress.RatePerSecond == 0 {
		c.Ingress.RatePerSecond = 2
	}
	if c.Ingress.Burst == 0 {
		c.Ingress.Burst = 5
	}
}

func defaultDatabasePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "coday.db"
	}
	return filepath.Join(home, ".local", "share", "coday", "coday.db")
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return errors.New("tailscale.hostname is required when tailscale is enabled")
	}

	if c.Auth.JWTSecret != "" && len(c.Auth.JWTSecret) < 32 {
		return errors.New("auth.jwt_secret must be at least 32 bytes")
	}

	if c.Throttle.Threshold < 0 || c.Throttle.Threshold > 1 {
		return fmt.Errorf("throttle.threshold must be within [0, 1], got %v", c.Throttle.Threshold)
	}
	if c.Cache.Placement < 0 || c.Cache.Placement > 1 {
		return fmt.Errorf("cache.placement must be within [0, 1], got %v", c.Cache.Placement)
	}
	if c.Cache.UpdateThreshold > c.Cache.Placement && c.Cache.Placement > 0 {
		return errors.New("cache.update_threshold must not exceed cache.placement")
	}

	for name, p := range c.Providers {
		switch p.Type {
		case ProviderAnthropic, ProviderOpenAI:
		default:
			return fmt.Errorf("providers.%s.type must be %q or %q, got %q", name, ProviderAnthropic, ProviderOpenAI, p.Type)
		}
	}

	if *c.Agents.DelegationDepth < 0 {
		return errors.New("agents.delegation_depth must not be negative")
	}
	seen := make(map[string]bool)
	for i, a := range c.Agents.Definitions {
		if a.Name == "" {
			return fmt.Errorf("agents.definitions[%d].name is required", i)
		}
		if seen[a.Name] {
			return fmt.Errorf("agents.definitions: duplicate agent %q", a.Name)
		}
		seen[a.Name] = true
		if _, ok := c.Providers[a.Provider]; !ok {
			return fmt.Errorf("agent %q references unknown provider %q", a.Name, a.Provider)
		}
	}
	if c.Agents.Default != "" && !seen[c.Agents.Default] {
		return fmt.Errorf("agents.default %q is not defined", c.Agents.Default)
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be debug, info, warn or error, got %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"sessions.heartbeat_interval", cfg.Sessions.HeartbeatIntervalRaw, &cfg.Sessions.HeartbeatInterval},
		{"sessions.timeout", cfg.Sessions.TimeoutRaw, &cfg.Sessions.Timeout},
		{"sessions.sweep_interval", cfg.Sessions.SweepIntervalRaw, &cfg.Sessions.SweepInterval},
		{"throttle.max_delay", cfg.Throttle.MaxDelayRaw, &cfg.Throttle.MaxDelay},
		{"tools.timeout", cfg.Tools.TimeoutRaw, &cfg.Tools.Timeout},
		{"usage.flush_interval", cfg.Usage.FlushIntervalRaw, &cfg.Usage.FlushInterval},
		{"ingress.dedupe_ttl", cfg.Ingress.DedupeTTLRaw, &cfg.Ingress.DedupeTTL},
	}
	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		if d < 0 {
			return fmt.Errorf("%s must not be negative", f.name)
		}
		*f.dst = d
	}

	for name, p := range cfg.Providers {
		if p.TimeoutRaw == "" {
			continue
		}
		d, err := time.ParseDuration(p.TimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing providers.%s.timeout %q: %w", name, p.TimeoutRaw, err)
		}
		p.Timeout = d
		cfg.Providers[name] = p
	}

	return nil
}
