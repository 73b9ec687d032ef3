// Package config provides configuration management for pipedev.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for pipedev.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	NATS       NATSConfig       `mapstructure:"nats"`
	Agent      AgentConfig      `mapstructure:"agent"`
	Supervisor SupervisorConfig `mapstructure:"supervisor"`
	Worktree   WorktreeConfig   `mapstructure:"worktree"`
	MCP        MCPConfig        `mapstructure:"mcp"`
	Tracing    TracingConfig    `mapstructure:"tracing"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Notify     NotifyConfig     `mapstructure:"notify"`
	Pipelines  PipelinesConfig  `mapstructure:"pipelines"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// DatabaseConfig holds database connection configuration.
// Driver selects the backend: "sqlite" (default) or "postgres".
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

// AgentConfig holds agent execution configuration.
type AgentConfig struct {
	// Command is the agent binary invoked for runs (plus default args).
	Command string   `mapstructure:"command"`
	Args    []string `mapstructure:"args"`

	// DefaultTimeoutMs bounds a run when the pipeline supplies no own limit.
	// The executor and the supervisor share this value.
	DefaultTimeoutMs int `mapstructure:"defaultTimeoutMs"`

	// MaxTurns caps agent conversation turns per invocation.
	MaxTurns int `mapstructure:"maxTurns"`

	// MaxConcurrent caps simultaneously running agent processes.
	MaxConcurrent int `mapstructure:"maxConcurrent"`

	// MaxValidationRetries bounds the validate-fix loop after a run.
	MaxValidationRetries int `mapstructure:"maxValidationRetries"`

	// ValidationCommandTimeout is the per-command timeout in seconds.
	ValidationCommandTimeout int `mapstructure:"validationCommandTimeout"`

	// FlushIntervalMs is the cadence for persisting streamed run state.
	FlushIntervalMs int `mapstructure:"flushIntervalMs"`

	// ValidationCommands run in the worktree after implement-style runs.
	ValidationCommands []string `mapstructure:"validationCommands"`
}

// SupervisorConfig holds the run supervisor configuration.
type SupervisorConfig struct {
	IntervalMs int `mapstructure:"intervalMs"`
}

// WorktreeConfig holds Git worktree configuration.
type WorktreeConfig struct {
	RepoPath   string `mapstructure:"repoPath"`   // Repository the worktrees are carved from
	BasePath   string `mapstructure:"basePath"`   // Base directory for worktrees
	BaseBranch string `mapstructure:"baseBranch"` // Branch worktrees start from (default: main)
}

// MCPConfig holds the embedded MCP server configuration.
type MCPConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// TracingConfig holds OpenTelemetry exporter configuration.
type TracingConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Endpoint string `mapstructure:"endpoint"` // OTLP HTTP endpoint, host:port
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// NotifyConfig holds notification provider configuration.
type NotifyConfig struct {
	// Command, when set, is executed with title and body arguments for
	// each notification (e.g. notify-send).
	Command string `mapstructure:"command"`
}

// PipelinesConfig holds pipeline definition loading configuration.
type PipelinesConfig struct {
	// Dir is an optional directory of YAML pipeline definitions loaded
	// at startup in addition to the built-in defaults.
	Dir string `mapstructure:"dir"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// DefaultTimeout returns the default agent run timeout as a time.Duration.
func (a *AgentConfig) DefaultTimeout() time.Duration {
	return time.Duration(a.DefaultTimeoutMs) * time.Millisecond
}

// ValidationTimeout returns the per-command validation timeout.
func (a *AgentConfig) ValidationTimeout() time.Duration {
	return time.Duration(a.ValidationCommandTimeout) * time.Second
}

// FlushInterval returns the executor flush cadence.
func (a *AgentConfig) FlushInterval() time.Duration {
	return time.Duration(a.FlushIntervalMs) * time.Millisecond
}

// Interval returns the supervisor tick period.
func (s *SupervisorConfig) Interval() time.Duration {
	return time.Duration(s.IntervalMs) * time.Millisecond
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
	if env := os.Getenv("PIPEDEV_ENV"); env == "production" || env == "prod" {
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

	// Database defaults - sqlite unless configured otherwise
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "./pipedev.db")
	v.SetDefault("database.host", "")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "pipedev")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbName", "pipedev")
	v.SetDefault("database.sslMode", "disable")
	v.SetDefault("database.maxConns", 25)
	v.SetDefault("database.minConns", 5)

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "pipedev-client")
	v.SetDefault("nats.maxReconnects", 10)

	// Agent defaults
	v.SetDefault("agent.command", "claude")
	v.SetDefault("agent.args", []string{})
	v.SetDefault("agent.defaultTimeoutMs", 600000) // 10 minutes
	v.SetDefault("agent.maxTurns", 50)
	v.SetDefault("agent.maxConcurrent", 4)
	v.SetDefault("agent.maxValidationRetries", 3)
	v.SetDefault("agent.validationCommandTimeout", 60)
	v.SetDefault("agent.flushIntervalMs", 3000)
	v.SetDefault("agent.validationCommands", []string{})

	// Supervisor defaults
	v.SetDefault("supervisor.intervalMs", 1000)

	// Worktree defaults
	v.SetDefault("worktree.repoPath", ".")
	v.SetDefault("worktree.basePath", "~/.pipedev/worktrees")
	v.SetDefault("worktree.baseBranch", "main")

	// MCP defaults
	v.SetDefault("mcp.enabled", true)
	v.SetDefault("mcp.port", 9090)

	// Tracing defaults
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.endpoint", "localhost:4318")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")

	// Notify defaults
	v.SetDefault("notify.command", "")

	// Pipeline definition defaults
	v.SetDefault("pipelines.dir", "")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix PIPEDEV_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory or /etc/pipedev/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("PIPEDEV")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for snake_case env vars (camelCase config keys)
	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion,
	// so we explicitly bind keys where env var naming differs from config key naming.
	_ = v.BindEnv("database.driver", "PIPEDEV_DB_DRIVER")
	_ = v.BindEnv("database.path", "PIPEDEV_DB_PATH")
	_ = v.BindEnv("agent.command", "PIPEDEV_AGENT_COMMAND")
	_ = v.BindEnv("agent.defaultTimeoutMs", "PIPEDEV_AGENT_DEFAULT_TIMEOUT_MS")
	_ = v.BindEnv("worktree.basePath", "PIPEDEV_WORKTREE_BASE_PATH")
	_ = v.BindEnv("worktree.repoPath", "PIPEDEV_WORKTREE_REPO_PATH")

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/pipedev/")

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

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

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
	default:
		errs = append(errs, fmt.Sprintf("database.driver must be sqlite or postgres, got %q", cfg.Database.Driver))
	}

	if cfg.Agent.DefaultTimeoutMs <= 0 {
		errs = append(errs, "agent.defaultTimeoutMs must be positive")
	}
	if cfg.Agent.MaxConcurrent <= 0 {
		errs = append(errs, "agent.maxConcurrent must be positive")
	}
	if cfg.Agent.MaxValidationRetries < 0 {
		errs = append(errs, "agent.maxValidationRetries must not be negative")
	}
	if cfg.Supervisor.IntervalMs <= 0 {
		errs = append(errs, "supervisor.intervalMs must be positive")
	}

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
