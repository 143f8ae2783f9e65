// Package config provides configuration management for the agent
// orchestrator. It supports loading configuration from environment
// variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the orchestrator.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Webhook   WebhookConfig   `mapstructure:"webhook"`
	Repos     ReposConfig     `mapstructure:"repos"`
	Sessions  SessionsConfig  `mapstructure:"sessions"`
	Database  DatabaseConfig  `mapstructure:"database"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Providers ProvidersConfig `mapstructure:"providers"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// WebhookConfig holds inbound webhook and outbound callback settings.
// Secret signs both directions. An empty secret disables the webhook
// route; the server still starts so operational endpoints stay up.
type WebhookConfig struct {
	Secret            string `mapstructure:"secret"`
	CallbackURL       string `mapstructure:"callbackUrl"`
	MaxAgeSeconds     int    `mapstructure:"maxAgeSeconds"`
	FutureSkewSeconds int    `mapstructure:"futureSkewSeconds"`
}

// ReposConfig holds local git checkout settings. DefaultWorkspace is
// the workdir for tasks whose list has no repository configured.
type ReposConfig struct {
	BasePath         string `mapstructure:"basePath"`
	Token            string `mapstructure:"token"`
	CloneTimeout     int    `mapstructure:"cloneTimeout"` // in seconds
	CloneDepth       int    `mapstructure:"cloneDepth"`
	GitHost          string `mapstructure:"gitHost"`
	DefaultWorkspace string `mapstructure:"defaultWorkspace"`
}

// SessionsConfig holds session store settings.
type SessionsConfig struct {
	Backend           string `mapstructure:"backend"` // memory, sqlite, postgres
	SQLitePath        string `mapstructure:"sqlitePath"`
	MaxAgeHours       int    `mapstructure:"maxAgeHours"`
	StaleAfterMinutes int    `mapstructure:"staleAfterMinutes"`
	CleanupInterval   int    `mapstructure:"cleanupInterval"` // in minutes
}

// DatabaseConfig holds PostgreSQL connection configuration, used when
// sessions.backend is "postgres".
type DatabaseConfig struct {
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
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// ProvidersConfig groups per-provider executor settings.
type ProvidersConfig struct {
	Claude ClaudeConfig `mapstructure:"claude"`
	OpenAI HTTPProvider `mapstructure:"openai"`
	Gemini HTTPProvider `mapstructure:"gemini"`
}

// ClaudeConfig configures the CLI-based executor.
type ClaudeConfig struct {
	Binary               string `mapstructure:"binary"`
	Model                string `mapstructure:"model"`
	InitialOutputTimeout int    `mapstructure:"initialOutputTimeout"` // in seconds
	StallTimeout         int    `mapstructure:"stallTimeout"`         // in seconds
	MaxTimeout           int    `mapstructure:"maxTimeout"`           // in seconds
}

// HTTPProvider configures an HTTP-API-based executor.
type HTTPProvider struct {
	APIKey        string `mapstructure:"apiKey"`
	BaseURL       string `mapstructure:"baseUrl"`
	Model         string `mapstructure:"model"`
	MaxIterations int    `mapstructure:"maxIterations"`
	MaxRetries    int    `mapstructure:"maxRetries"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// MaxAge returns the maximum accepted webhook timestamp age.
func (w *WebhookConfig) MaxAge() time.Duration {
	return time.Duration(w.MaxAgeSeconds) * time.Second
}

// FutureSkew returns the allowed clock skew for future timestamps.
func (w *WebhookConfig) FutureSkew() time.Duration {
	return time.Duration(w.FutureSkewSeconds) * time.Second
}

// CloneTimeoutDuration returns the clone timeout as a time.Duration.
func (r *ReposConfig) CloneTimeoutDuration() time.Duration {
	return time.Duration(r.CloneTimeout) * time.Second
}

// MaxAge returns the retention window for terminal sessions.
func (s *SessionsConfig) MaxAge() time.Duration {
	return time.Duration(s.MaxAgeHours) * time.Hour
}

// StaleAfter returns how long a session may be idle before it is
// treated as abandoned.
func (s *SessionsConfig) StaleAfter() time.Duration {
	return time.Duration(s.StaleAfterMinutes) * time.Minute
}

// CleanupIntervalDuration returns how often expired sessions are swept.
func (s *SessionsConfig) CleanupIntervalDuration() time.Duration {
	return time.Duration(s.CleanupInterval) * time.Minute
}

// InitialOutputTimeoutDuration returns the first-output deadline.
func (c *ClaudeConfig) InitialOutputTimeoutDuration() time.Duration {
	return time.Duration(c.InitialOutputTimeout) * time.Second
}

// StallTimeoutDuration returns the inactivity deadline.
func (c *ClaudeConfig) StallTimeoutDuration() time.Duration {
	return time.Duration(c.StallTimeout) * time.Second
}

// MaxTimeoutDuration returns the hard execution ceiling.
func (c *ClaudeConfig) MaxTimeoutDuration() time.Duration {
	return time.Duration(c.MaxTimeout) * time.Second
}

// DSN returns the PostgreSQL connection string.
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}

// detectDefaultLogFormat returns "json" in Kubernetes or explicit
// production environments, "text" otherwise.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("ASTRID_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8090)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")

	// Webhook defaults - empty secret disables the webhook route
	v.SetDefault("webhook.secret", "")
	v.SetDefault("webhook.callbackUrl", "")
	v.SetDefault("webhook.maxAgeSeconds", 300)
	v.SetDefault("webhook.futureSkewSeconds", 60)

	// Repository defaults
	v.SetDefault("repos.basePath", "~/.astrid/repos")
	v.SetDefault("repos.token", "")
	v.SetDefault("repos.cloneTimeout", 120)
	v.SetDefault("repos.cloneDepth", 50)
	v.SetDefault("repos.gitHost", "github.com")
	v.SetDefault("repos.defaultWorkspace", "~/.astrid/workspace")

	// Session store defaults
	v.SetDefault("sessions.backend", "sqlite")
	v.SetDefault("sessions.sqlitePath", "~/.astrid/sessions.db")
	v.SetDefault("sessions.maxAgeHours", 24)
	v.SetDefault("sessions.staleAfterMinutes", 30)
	v.SetDefault("sessions.cleanupInterval", 60)

	// Database defaults (postgres session backend)
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "astrid")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbName", "astrid")
	v.SetDefault("database.sslMode", "disable")
	v.SetDefault("database.maxConns", 25)
	v.SetDefault("database.minConns", 5)

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "astrid-agents")
	v.SetDefault("nats.maxReconnects", 10)

	// Provider defaults
	v.SetDefault("providers.claude.binary", "claude")
	v.SetDefault("providers.claude.model", "")
	v.SetDefault("providers.claude.initialOutputTimeout", 120)
	v.SetDefault("providers.claude.stallTimeout", 300)
	v.SetDefault("providers.claude.maxTimeout", 1800)

	v.SetDefault("providers.openai.apiKey", "")
	v.SetDefault("providers.openai.baseUrl", "https://api.openai.com")
	v.SetDefault("providers.openai.model", "gpt-5.2-codex")
	v.SetDefault("providers.openai.maxIterations", 20)
	v.SetDefault("providers.openai.maxRetries", 3)

	v.SetDefault("providers.gemini.apiKey", "")
	v.SetDefault("providers.gemini.baseUrl", "https://generativelanguage.googleapis.com")
	v.SetDefault("providers.gemini.model", "gemini-3-flash-preview")
	v.SetDefault("providers.gemini.maxIterations", 20)
	v.SetDefault("providers.gemini.maxRetries", 3)
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix ASTRID_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory or /etc/astrid/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("ASTRID")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for snake_case env vars (camelCase config keys).
	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion.
	_ = v.BindEnv("webhook.secret", "ASTRID_WEBHOOK_SECRET")
	_ = v.BindEnv("webhook.callbackUrl", "ASTRID_WEBHOOK_CALLBACK_URL")
	_ = v.BindEnv("repos.basePath", "ASTRID_REPOS_BASE_PATH")
	_ = v.BindEnv("repos.token", "ASTRID_REPOS_TOKEN", "GITHUB_TOKEN")
	_ = v.BindEnv("sessions.sqlitePath", "ASTRID_SESSIONS_SQLITE_PATH")
	_ = v.BindEnv("providers.openai.apiKey", "ASTRID_PROVIDERS_OPENAI_API_KEY", "OPENAI_API_KEY")
	_ = v.BindEnv("providers.gemini.apiKey", "ASTRID_PROVIDERS_GEMINI_API_KEY", "GEMINI_API_KEY")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/astrid/")

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
// The webhook secret is deliberately not required here: a missing
// secret disables the webhook route at startup instead of failing.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	validBackends := map[string]bool{"memory": true, "sqlite": true, "postgres": true}
	if !validBackends[cfg.Sessions.Backend] {
		errs = append(errs, "sessions.backend must be one of: memory, sqlite, postgres")
	}
	if cfg.Sessions.Backend == "sqlite" && cfg.Sessions.SQLitePath == "" {
		errs = append(errs, "sessions.sqlitePath is required for the sqlite backend")
	}
	if cfg.Sessions.Backend == "postgres" {
		if cfg.Database.Host == "" {
			errs = append(errs, "database.host is required for the postgres backend")
		}
		if cfg.Database.User == "" {
			errs = append(errs, "database.user is required for the postgres backend")
		}
		if cfg.Database.DBName == "" {
			errs = append(errs, "database.dbName is required for the postgres backend")
		}
	}

	if cfg.Webhook.MaxAgeSeconds <= 0 {
		errs = append(errs, "webhook.maxAgeSeconds must be positive")
	}
	if cfg.Repos.CloneTimeout <= 0 {
		errs = append(errs, "repos.cloneTimeout must be positive")
	}
	if cfg.Providers.Claude.MaxTimeout <= 0 {
		errs = append(errs, "providers.claude.maxTimeout must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
