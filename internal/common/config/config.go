// Package config provides configuration management for Conductor.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for Conductor.
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Database     DatabaseConfig     `mapstructure:"database"`
	NATS         NATSConfig         `mapstructure:"nats"`
	Anthropic    AnthropicConfig    `mapstructure:"anthropic"`
	TokenEconomy TokenEconomyConfig `mapstructure:"tokenEconomy"`
	WebSocket    WebSocketConfig    `mapstructure:"websocket"`
	MCP          MCPConfig          `mapstructure:"mcp"`
	Tracing      TracingConfig      `mapstructure:"tracing"`
	Logging      LoggingConfig      `mapstructure:"logging"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// DatabaseConfig holds database connection configuration.
type DatabaseConfig struct {
	Host           string `mapstructure:"host"`
	Port           int    `mapstructure:"port"`
	User           string `mapstructure:"user"`
	Password       string `mapstructure:"password"`
	DBName         string `mapstructure:"dbName"`
	SSLMode        string `mapstructure:"sslMode"`
	MaxConns       int    `mapstructure:"maxConns"`
	MinConns       int    `mapstructure:"minConns"`
	CommandTimeout int    `mapstructure:"commandTimeout"` // in seconds
}

// NATSConfig holds NATS messaging configuration.
// An empty URL means the in-memory event bus is used.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// AnthropicConfig holds LLM client configuration.
type AnthropicConfig struct {
	APIKey            string `mapstructure:"apiKey"`
	DefaultModel      string `mapstructure:"defaultModel"`      // mid tier
	FastModel         string `mapstructure:"fastModel"`         // cheap tier, also used by the summarizer
	PremiumModel      string `mapstructure:"premiumModel"`      // high-capacity tier
	MaxTokens         int    `mapstructure:"maxTokens"`         // completion cap per request
	APITimeout        int    `mapstructure:"apiTimeout"`        // in seconds, primary client
	SummarizerTimeout int    `mapstructure:"summarizerTimeout"` // in seconds
}

// TokenEconomyConfig holds the token optimization switches and limits.
type TokenEconomyConfig struct {
	Enabled           bool    `mapstructure:"enabled"`
	MaxContextTokens  int     `mapstructure:"maxContextTokens"`
	MaxContextMsgs    int     `mapstructure:"maxContextMsgs"`
	CacheMaxEntries   int     `mapstructure:"cacheMaxEntries"`
	CacheTTL          int     `mapstructure:"cacheTtl"` // in seconds
	TokensPerMinute   int     `mapstructure:"tokensPerMinute"`
	BackoffThreshold  float64 `mapstructure:"backoffThreshold"`
	AlertThreshold    float64 `mapstructure:"alertThreshold"`    // USD
	CriticalThreshold float64 `mapstructure:"criticalThreshold"` // USD
	SessionBudget     int     `mapstructure:"sessionBudget"`     // tokens per process
}

// WebSocketConfig holds fan-out keepalive configuration.
type WebSocketConfig struct {
	PingInterval      int `mapstructure:"pingInterval"`      // in seconds
	ConnectionTimeout int `mapstructure:"connectionTimeout"` // in seconds
}

// MCPConfig holds the embedded MCP server configuration.
type MCPConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// TracingConfig holds OTLP trace export configuration.
type TracingConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Endpoint string `mapstructure:"endpoint"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// OrchestratorConfig holds orchestrator session configuration.
type OrchestratorConfig struct {
	WorkingDir       string `mapstructure:"workingDir"`
	SystemPromptPath string `mapstructure:"systemPromptPath"`
	HistoryLimit     int    `mapstructure:"historyLimit"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// CommandTimeoutDuration returns the store command timeout as a time.Duration.
func (d *DatabaseConfig) CommandTimeoutDuration() time.Duration {
	return time.Duration(d.CommandTimeout) * time.Second
}

// APITimeoutDuration returns the primary LLM call timeout as a time.Duration.
func (a *AnthropicConfig) APITimeoutDuration() time.Duration {
	return time.Duration(a.APITimeout) * time.Second
}

// SummarizerTimeoutDuration returns the summarizer call timeout as a time.Duration.
func (a *AnthropicConfig) SummarizerTimeoutDuration() time.Duration {
	return time.Duration(a.SummarizerTimeout) * time.Second
}

// CacheTTLDuration returns the response cache TTL as a time.Duration.
func (t *TokenEconomyConfig) CacheTTLDuration() time.Duration {
	return time.Duration(t.CacheTTL) * time.Second
}

// PingIntervalDuration returns the keepalive ping interval as a time.Duration.
func (w *WebSocketConfig) PingIntervalDuration() time.Duration {
	return time.Duration(w.PingInterval) * time.Second
}

// ConnectionTimeoutDuration returns the keepalive deadline as a time.Duration.
func (w *WebSocketConfig) ConnectionTimeoutDuration() time.Duration {
	return time.Duration(w.ConnectionTimeout) * time.Second
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("CONDUCTOR_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8000)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Database defaults
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "conductor")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbName", "conductor")
	v.SetDefault("database.sslMode", "disable")
	v.SetDefault("database.maxConns", 20)
	v.SetDefault("database.minConns", 5)
	v.SetDefault("database.commandTimeout", 180)

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "conductor")
	v.SetDefault("nats.maxReconnects", 10)

	// Anthropic defaults
	v.SetDefault("anthropic.apiKey", "")
	v.SetDefault("anthropic.defaultModel", "claude-sonnet-4-5-20250929")
	v.SetDefault("anthropic.fastModel", "claude-3-5-haiku-20241022")
	v.SetDefault("anthropic.premiumModel", "claude-opus-4-5")
	v.SetDefault("anthropic.maxTokens", 8192)
	v.SetDefault("anthropic.apiTimeout", 300)
	v.SetDefault("anthropic.summarizerTimeout", 30)

	// Token economy defaults
	v.SetDefault("tokenEconomy.enabled", true)
	v.SetDefault("tokenEconomy.maxContextTokens", 200000)
	v.SetDefault("tokenEconomy.maxContextMsgs", 50)
	v.SetDefault("tokenEconomy.cacheMaxEntries", 256)
	v.SetDefault("tokenEconomy.cacheTtl", 3600)
	v.SetDefault("tokenEconomy.tokensPerMinute", 80000)
	v.SetDefault("tokenEconomy.backoffThreshold", 0.8)
	v.SetDefault("tokenEconomy.alertThreshold", 10.0)
	v.SetDefault("tokenEconomy.criticalThreshold", 50.0)
	v.SetDefault("tokenEconomy.sessionBudget", 50000)

	// WebSocket keepalive defaults
	v.SetDefault("websocket.pingInterval", 30)
	v.SetDefault("websocket.connectionTimeout", 60)

	// MCP server defaults
	v.SetDefault("mcp.enabled", false)
	v.SetDefault("mcp.port", 9090)

	// Tracing defaults
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.endpoint", "")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")

	// Orchestrator defaults
	v.SetDefault("orchestrator.workingDir", "")
	v.SetDefault("orchestrator.systemPromptPath", "")
	v.SetDefault("orchestrator.historyLimit", 50)
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix CONDUCTOR_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory or /etc/conductor/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("CONDUCTOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for env vars whose naming differs from the config key.
	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion.
	_ = v.BindEnv("anthropic.apiKey", "ANTHROPIC_API_KEY", "CONDUCTOR_ANTHROPIC_API_KEY")
	_ = v.BindEnv("orchestrator.workingDir", "ORCHESTRATOR_CWD", "CONDUCTOR_ORCHESTRATOR_WORKING_DIR")
	_ = v.BindEnv("database.dbName", "CONDUCTOR_DATABASE_DB_NAME")
	_ = v.BindEnv("tokenEconomy.enabled", "CONDUCTOR_TOKEN_ECONOMY_ENABLED")
	_ = v.BindEnv("tokenEconomy.sessionBudget", "CONDUCTOR_SESSION_BUDGET")
	_ = v.BindEnv("tokenEconomy.maxContextTokens", "CONDUCTOR_MAX_CONTEXT_TOKENS")

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/conductor/")

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
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	// Database validation - only if host is set (tests run on SQLite)
	if cfg.Database.Host != "" {
		if cfg.Database.Port <= 0 || cfg.Database.Port > 65535 {
			errs = append(errs, "database.port must be between 1 and 65535")
		}
		if cfg.Database.User == "" {
			errs = append(errs, "database.user is required when database.host is set")
		}
		if cfg.Database.DBName == "" {
			errs = append(errs, "database.dbName is required when database.host is set")
		}
	}

	if cfg.TokenEconomy.MaxContextTokens <= 0 {
		errs = append(errs, "tokenEconomy.maxContextTokens must be positive")
	}
	if cfg.TokenEconomy.BackoffThreshold <= 0 || cfg.TokenEconomy.BackoffThreshold > 1 {
		errs = append(errs, "tokenEconomy.backoffThreshold must be in (0, 1]")
	}
	if cfg.TokenEconomy.SessionBudget <= 0 {
		errs = append(errs, "tokenEconomy.sessionBudget must be positive")
	}

	if cfg.WebSocket.PingInterval <= 0 {
		errs = append(errs, "websocket.pingInterval must be positive")
	}
	if cfg.WebSocket.ConnectionTimeout <= cfg.WebSocket.PingInterval {
		errs = append(errs, "websocket.connectionTimeout must exceed websocket.pingInterval")
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
