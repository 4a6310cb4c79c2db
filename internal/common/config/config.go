// Package config provides configuration management for Baton.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for Baton.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Sandbox   SandboxConfig   `mapstructure:"sandbox"`
	Agent     AgentConfig     `mapstructure:"agent"`
	Registry  RegistryConfig  `mapstructure:"registry"`
	Auth      AuthConfig      `mapstructure:"auth"`
	RateLimit RateLimitConfig `mapstructure:"rateLimit"`
	RPC       RPCConfig       `mapstructure:"rpc"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// DatabaseConfig holds session store configuration.
// Driver selects the backend: "sqlite" (default), "postgres", or "memory".
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"`
	Path     string `mapstructure:"path"` // sqlite file path
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbName"`
	SSLMode  string `mapstructure:"sslMode"`
	MaxConns int    `mapstructure:"maxConns"`
	MinConns int    `mapstructure:"minConns"`
}

// NATSConfig holds NATS messaging configuration.
// An empty URL selects the in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// SandboxConfig holds execution environment configuration.
// Backend selects where agent processes run: "local", "docker", or "sprites".
type SandboxConfig struct {
	Backend string              `mapstructure:"backend"`
	WorkDir string              `mapstructure:"workDir"`
	Docker  DockerSandboxConfig `mapstructure:"docker"`
	Sprites SpritesConfig       `mapstructure:"sprites"`
}

// DockerSandboxConfig holds Docker sandbox backend configuration.
type DockerSandboxConfig struct {
	Host       string `mapstructure:"host"`
	APIVersion string `mapstructure:"apiVersion"`
	Image      string `mapstructure:"image"`
	Network    string `mapstructure:"network"`
}

// SpritesConfig holds the remote sprites sandbox backend configuration.
type SpritesConfig struct {
	Token string `mapstructure:"token"`
	URL   string `mapstructure:"url"`
	Name  string `mapstructure:"name"`
}

// AgentConfig holds the child agent command configuration.
type AgentConfig struct {
	// Command is the agent binary launched per session (default: claude).
	Command string `mapstructure:"command"`

	// Args are extra arguments appended to the agent command line.
	Args []string `mapstructure:"args"`

	// PipeDir is the directory where per-session input pipes are created.
	PipeDir string `mapstructure:"pipeDir"`
}

// RegistryConfig holds session registry and cache configuration.
type RegistryConfig struct {
	// MaxSessions bounds the in-memory session cache. Persisted sessions
	// beyond this count survive eviction and reload on access.
	MaxSessions int `mapstructure:"maxSessions"`

	// EvictCount is the minimum number of entries removed per eviction pass.
	EvictCount int `mapstructure:"evictCount"`

	// UnknownFieldMode controls option validation: strict, warn, or silent.
	UnknownFieldMode string `mapstructure:"unknownFieldMode"`
}

// AuthConfig holds authentication configuration.
// With no API keys and no JWT secret configured the edge is open (dev mode).
type AuthConfig struct {
	APIKeys   []string  `mapstructure:"apiKeys"`
	JWT       JWTConfig `mapstructure:"jwt"`
	SkipPaths []string  `mapstructure:"skipPaths"`
}

// JWTConfig holds JWT validation configuration.
type JWTConfig struct {
	Secret   string `mapstructure:"secret"`
	Issuer   string `mapstructure:"issuer"`
	Audience string `mapstructure:"audience"`
}

// RateLimitConfig holds sliding-window rate limiter configuration.
type RateLimitConfig struct {
	Enabled     bool `mapstructure:"enabled"`
	WindowMs    int  `mapstructure:"windowMs"`
	MaxRequests int  `mapstructure:"maxRequests"`
}

// RPCConfig holds RPC server behavior configuration.
type RPCConfig struct {
	// CallTimeout is the default per-call timeout in seconds.
	CallTimeout int `mapstructure:"callTimeout"`

	// ResultTimeout bounds how long a callback-scoped send waits for the
	// terminal result event, in seconds.
	ResultTimeout int `mapstructure:"resultTimeout"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// Window returns the rate-limit window as a time.Duration.
func (r *RateLimitConfig) Window() time.Duration {
	return time.Duration(r.WindowMs) * time.Millisecond
}

// CallTimeoutDuration returns the default per-call timeout as a time.Duration.
func (r *RPCConfig) CallTimeoutDuration() time.Duration {
	return time.Duration(r.CallTimeout) * time.Second
}

// ResultTimeoutDuration returns the terminal-result wait bound as a time.Duration.
func (r *RPCConfig) ResultTimeoutDuration() time.Duration {
	return time.Duration(r.ResultTimeout) * time.Second
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
// Returns "json" if running in Kubernetes or other production environments.
// Returns "text" for terminal/development use (human-readable console format).
func detectDefaultLogFormat() string {
	// Check if running in Kubernetes
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}

	// Check for explicit production environment
	if env := os.Getenv("BATON_ENV"); env == "production" || env == "prod" {
		return "json"
	}

	// Default to text format for terminal use (more readable than JSON)
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Database defaults - sqlite file next to the binary
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "./baton.db")
	v.SetDefault("database.host", "")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "baton")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbName", "baton")
	v.SetDefault("database.sslMode", "disable")
	v.SetDefault("database.maxConns", 25)
	v.SetDefault("database.minConns", 5)

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "baton-server")
	v.SetDefault("nats.maxReconnects", 10)

	// Sandbox defaults
	v.SetDefault("sandbox.backend", "local")
	v.SetDefault("sandbox.workDir", "")
	v.SetDefault("sandbox.docker.host", "unix:///var/run/docker.sock")
	v.SetDefault("sandbox.docker.apiVersion", "1.41")
	v.SetDefault("sandbox.docker.image", "baton-agent:latest")
	v.SetDefault("sandbox.docker.network", "bridge")
	v.SetDefault("sandbox.sprites.token", "")
	v.SetDefault("sandbox.sprites.url", "")
	v.SetDefault("sandbox.sprites.name", "")

	// Agent defaults
	v.SetDefault("agent.command", "claude")
	v.SetDefault("agent.args", []string{})
	v.SetDefault("agent.pipeDir", "/tmp")

	// Registry defaults
	v.SetDefault("registry.maxSessions", 100)
	v.SetDefault("registry.evictCount", 1)
	v.SetDefault("registry.unknownFieldMode", "warn")

	// Auth defaults - open edge in dev mode
	v.SetDefault("auth.apiKeys", []string{})
	v.SetDefault("auth.jwt.secret", "")
	v.SetDefault("auth.jwt.issuer", "")
	v.SetDefault("auth.jwt.audience", "")
	v.SetDefault("auth.skipPaths", []string{"/health"})

	// Rate limit defaults
	v.SetDefault("rateLimit.enabled", true)
	v.SetDefault("rateLimit.windowMs", 60000)
	v.SetDefault("rateLimit.maxRequests", 120)

	// RPC defaults
	v.SetDefault("rpc.callTimeout", 30)
	v.SetDefault("rpc.resultTimeout", 600)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix BATON_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory or /etc/baton/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("BATON")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for snake_case env vars (camelCase config keys)
	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion,
	// so we explicitly bind keys where env var naming differs from config key naming.
	_ = v.BindEnv("database.driver", "BATON_DB_DRIVER")
	_ = v.BindEnv("database.path", "BATON_DB_PATH")
	_ = v.BindEnv("sandbox.backend", "BATON_SANDBOX_BACKEND")
	_ = v.BindEnv("agent.command", "BATON_AGENT_COMMAND")
	_ = v.BindEnv("agent.pipeDir", "BATON_AGENT_PIPE_DIR")
	_ = v.BindEnv("auth.jwt.secret", "BATON_AUTH_JWT_SECRET")
	_ = v.BindEnv("registry.maxSessions", "BATON_REGISTRY_MAX_SESSIONS")
	_ = v.BindEnv("rateLimit.windowMs", "BATON_RATELIMIT_WINDOW_MS")
	_ = v.BindEnv("rateLimit.maxRequests", "BATON_RATELIMIT_MAX_REQUESTS")

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/baton/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
// In development mode (default), most fields are optional.
func validate(cfg *Config) error {
	var errs []string

	// Server validation - always required
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	// Database validation
	switch cfg.Database.Driver {
	case "sqlite":
		if cfg.Database.Path == "" {
			errs = append(errs, "database.path is required for the sqlite driver")
		}
	case "postgres":
		if cfg.Database.Host == "" {
			errs = append(errs, "database.host is required for the postgres driver")
		}
		if cfg.Database.Port <= 0 || cfg.Database.Port > 65535 {
			errs = append(errs, "database.port must be between 1 and 65535")
		}
		if cfg.Database.User == "" {
			errs = append(errs, "database.user is required for the postgres driver")
		}
		if cfg.Database.DBName == "" {
			errs = append(errs, "database.dbName is required for the postgres driver")
		}
	case "memory":
		// No validation needed
	default:
		errs = append(errs, "database.driver must be one of: sqlite, postgres, memory")
	}

	// Sandbox validation
	switch cfg.Sandbox.Backend {
	case "local", "docker":
		// No validation needed - docker gracefully degrades when unavailable
	case "sprites":
		if cfg.Sandbox.Sprites.Token == "" {
			errs = append(errs, "sandbox.sprites.token is required for the sprites backend")
		}
	default:
		errs = append(errs, "sandbox.backend must be one of: local, docker, sprites")
	}

	if cfg.Agent.Command == "" {
		errs = append(errs, "agent.command must not be empty")
	}

	// Registry validation
	if cfg.Registry.MaxSessions <= 0 {
		errs = append(errs, "registry.maxSessions must be positive")
	}
	if cfg.Registry.EvictCount <= 0 {
		errs = append(errs, "registry.evictCount must be positive")
	}
	switch cfg.Registry.UnknownFieldMode {
	case "strict", "warn", "silent":
	default:
		errs = append(errs, "registry.unknownFieldMode must be one of: strict, warn, silent")
	}

	// Rate limit validation
	if cfg.RateLimit.Enabled {
		if cfg.RateLimit.WindowMs <= 0 {
			errs = append(errs, "rateLimit.windowMs must be positive")
		}
		if cfg.RateLimit.MaxRequests <= 0 {
			errs = append(errs, "rateLimit.maxRequests must be positive")
		}
	}

	// RPC validation
	if cfg.RPC.CallTimeout <= 0 {
		errs = append(errs, "rpc.callTimeout must be positive")
	}
	if cfg.RPC.ResultTimeout <= 0 {
		errs = append(errs, "rpc.resultTimeout must be positive")
	}

	// Logging validation
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}

// DSN returns the PostgreSQL connection string.
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}
