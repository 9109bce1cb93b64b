package frpauth

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the service settings. The authorization policy itself
// lives in a separate document, see PolicyConfig.File.
type Config struct {
	// Server configuration
	Server ServerConfig `mapstructure:"server"`

	// Policy document and reload behaviour
	Policy PolicyConfig `mapstructure:"policy"`

	// Admin endpoints
	Admin AdminConfig `mapstructure:"admin"`

	// Logging configuration
	Logging LoggingConfig `mapstructure:"logging"`
}

// ServerConfig contains listener settings.
type ServerConfig struct {
	// Host to bind. frps normally runs on the same machine.
	Host string `mapstructure:"host"`

	// Port to listen on.
	Port int `mapstructure:"port"`

	// ReadTimeout for incoming requests
	ReadTimeout time.Duration `mapstructure:"read_timeout"`

	// WriteTimeout for responses
	WriteTimeout time.Duration `mapstructure:"write_timeout"`

	// IdleTimeout for keep-alive connections
	IdleTimeout time.Duration `mapstructure:"idle_timeout"`

	// MaxBodySize caps plugin request bodies in bytes
	MaxBodySize int64 `mapstructure:"max_body_size"`
}

// Addr returns host:port.
func (s ServerConfig) Addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// PolicyConfig says where the policy document lives and how it is reloaded.
type PolicyConfig struct {
	// File is the path of the YAML policy document.
	File string `mapstructure:"file"`

	// Watch reloads the policy when the file changes.
	Watch bool `mapstructure:"watch"`

	// Debounce is the minimum time between two applied reloads.
	Debounce time.Duration `mapstructure:"debounce"`

	// UnknownOps is "allow" or "reject".
	UnknownOps string `mapstructure:"unknown_ops"`
}

// AdminConfig controls the operator endpoints.
type AdminConfig struct {
	// Enabled serves /health, /reload and /status.
	Enabled bool `mapstructure:"enabled"`

	// Metrics serves Prometheus metrics at /metrics.
	Metrics bool `mapstructure:"metrics"`

	// Compress enables response compression on admin endpoints.
	Compress bool `mapstructure:"compress"`

	// RateLimit is requests per second per client on admin endpoints
	// (0 = unlimited).
	RateLimit float64 `mapstructure:"rate_limit"`

	// RateBurst is the burst size for RateLimit.
	RateBurst int `mapstructure:"rate_burst"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	// Level is the log level: debug, info, warn, error
	Level string `mapstructure:"level"`

	// Format is the log format: text, json
	Format string `mapstructure:"format"`

	// Output is where to write logs: stdout, stderr, or file path
	Output string `mapstructure:"output"`

	// Rotation settings, used when Output is a file path
	MaxSizeMB  int  `mapstructure:"max_size_mb"`
	MaxBackups int  `mapstructure:"max_backups"`
	MaxAgeDays int  `mapstructure:"max_age_days"`
	Compress   bool `mapstructure:"compress"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Host:         "127.0.0.1",
			Port:         7005,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
			MaxBodySize:  DefaultMaxBodySize,
		},
		Policy: PolicyConfig{
			File:       "./auth.yml",
			Watch:      true,
			Debounce:   DefaultDebounce,
			UnknownOps: string(UnknownOpAllow),
		},
		Admin: AdminConfig{
			Enabled:   true,
			Metrics:   true,
			Compress:  true,
			RateLimit: 5,
			RateBurst: 10,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     "stderr",
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 30,
			Compress:   true,
		},
	}
}

// legacyEnv maps settings keys to the environment variables earlier
// deployments of this webhook used. FRPAUTH_* names take precedence.
var legacyEnv = map[string]string{
	"server.host":   "FRP_AUTH_LISTEN_HOST",
	"server.port":   "FRP_AUTH_LISTEN_PORT",
	"policy.file":   "FRP_AUTH_CONFIG",
	"logging.level": "LOGLEVEL",
}

// LoadConfig loads settings from file, environment, and defaults.
// It searches for a settings file in the following order:
// 1. Explicit path (if provided)
// 2. ./frpauth.yaml, ./frpauth.yml, ./frpauth.json, ./frpauth.toml
// 3. $HOME/.frpauth/frpauth.yaml
// 4. /etc/frpauth/frpauth.yaml
func LoadConfig(configPath string) (*Config, error) {
	v := newViper()

	v.SetConfigName("frpauth")
	v.SetConfigType("yaml")

	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.frpauth")
	v.AddConfigPath("/etc/frpauth")

	if configPath != "" {
		v.SetConfigFile(configPath)
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		// No settings file is fine; defaults and environment apply.
	}

	return unmarshalConfig(v)
}

// LoadConfigFromReader loads settings from raw data of the given type.
// Useful for testing or embedded configs.
func LoadConfigFromReader(configType string, data []byte) (*Config, error) {
	v := newViper()
	v.SetConfigType(configType)

	if err := v.ReadConfig(strings.NewReader(string(data))); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	return unmarshalConfig(v)
}

func newViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("FRPAUTH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for key, legacy := range legacyEnv {
		current := "FRPAUTH_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		_ = v.BindEnv(key, current, legacy)
	}
	return v
}

func unmarshalConfig(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	defaults := DefaultConfig()

	// Server defaults
	v.SetDefault("server.host", defaults.Server.Host)
	v.SetDefault("server.port", defaults.Server.Port)
	v.SetDefault("server.read_timeout", defaults.Server.ReadTimeout)
	v.SetDefault("server.write_timeout", defaults.Server.WriteTimeout)
	v.SetDefault("server.idle_timeout", defaults.Server.IdleTimeout)
	v.SetDefault("server.max_body_size", defaults.Server.MaxBodySize)

	// Policy defaults
	v.SetDefault("policy.file", defaults.Policy.File)
	v.SetDefault("policy.watch", defaults.Policy.Watch)
	v.SetDefault("policy.debounce", defaults.Policy.Debounce)
	v.SetDefault("policy.unknown_ops", defaults.Policy.UnknownOps)

	// Admin defaults
	v.SetDefault("admin.enabled", defaults.Admin.Enabled)
	v.SetDefault("admin.metrics", defaults.Admin.Metrics)
	v.SetDefault("admin.compress", defaults.Admin.Compress)
	v.SetDefault("admin.rate_limit", defaults.Admin.RateLimit)
	v.SetDefault("admin.rate_burst", defaults.Admin.RateBurst)

	// Logging defaults
	v.SetDefault("logging.level", defaults.Logging.Level)
	v.SetDefault("logging.format", defaults.Logging.Format)
	v.SetDefault("logging.output", defaults.Logging.Output)
	v.SetDefault("logging.max_size_mb", defaults.Logging.MaxSizeMB)
	v.SetDefault("logging.max_backups", defaults.Logging.MaxBackups)
	v.SetDefault("logging.max_age_days", defaults.Logging.MaxAgeDays)
	v.SetDefault("logging.compress", defaults.Logging.Compress)
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Server.MaxBodySize < 0 {
		return fmt.Errorf("server.max_body_size must not be negative")
	}
	if c.Policy.File == "" {
		return fmt.Errorf("policy.file is required")
	}
	if c.Policy.Debounce < 0 {
		return fmt.Errorf("policy.debounce must not be negative")
	}
	if _, err := ParseUnknownOpPolicy(c.Policy.UnknownOps); err != nil {
		return fmt.Errorf("policy.unknown_ops: %w", err)
	}
	if c.Admin.RateLimit < 0 {
		return fmt.Errorf("admin.rate_limit must not be negative")
	}
	if _, err := ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("logging.level: %w", err)
	}
	switch strings.ToLower(c.Logging.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format %q (want text or json)", c.Logging.Format)
	}
	return nil
}

// WriteExampleConfig writes an example settings file.
func WriteExampleConfig(path string) error {
	example := `# frpauth - frps server plugin for user authorization

server:
  # Address frps posts plugin requests to
  host: "127.0.0.1"
  port: 7005

  # Timeouts
  read_timeout: 10s
  write_timeout: 10s
  idle_timeout: 60s

  # Largest accepted plugin request body, in bytes
  max_body_size: 1048576

policy:
  # Users, allow rules and the global deny rule
  file: "./auth.yml"

  # Reload when the file changes (SIGHUP and POST /reload always work)
  watch: true

  # Minimum time between two applied reloads
  debounce: 500ms

  # Answer for operations other than Login and NewProxy: allow or reject
  unknown_ops: allow

admin:
  # GET /health, POST /reload, GET /status
  enabled: true

  # GET /metrics
  metrics: true

  # gzip / zstd / brotli on admin responses
  compress: true

  # Per-client throttle on admin endpoints (0 = off)
  rate_limit: 5
  rate_burst: 10

logging:
  # Log level: debug, info, warn, error
  level: "info"

  # Log format: text, json
  format: "text"

  # Output: stdout, stderr, or file path (rotated)
  output: "stderr"
  max_size_mb: 100
  max_backups: 5
  max_age_days: 30
  compress: true
`

	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create directory: %w", err)
		}
	}

	return os.WriteFile(path, []byte(example), 0644)
}

// WriteExamplePolicy writes an example policy document.
func WriteExamplePolicy(path string) error {
	example := `# Users allowed to connect through frps, and what they may expose.
globalDeny:
  proxyTypes: []
  remotePorts: ["22"]
  domains: []

users:
  - user: alice
    password: change-me
    allow:
      proxyTypes: [tcp, https]
      remotePorts: ["8000-9000"]
      domains: ["*.example.com"]
`
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create directory: %w", err)
		}
	}
	return os.WriteFile(path, []byte(example), 0600)
}
