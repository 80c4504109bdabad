// Package config handles configuration management with validation
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete configuration structure
type Config struct {
	Upstream  UpstreamConfig  `yaml:"upstream"`
	Session   SessionConfig   `yaml:"session"`
	Watcher   WatcherConfig   `yaml:"watcher"`
	Keeper    KeeperConfig    `yaml:"keeper"`
	Store     StoreConfig     `yaml:"store"`
	Alert     AlertConfig     `yaml:"alert"`
	Server    ServerConfig    `yaml:"server"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	System    SystemConfig    `yaml:"system"`
}

// UpstreamConfig describes the retail platform and its auth host
type UpstreamConfig struct {
	BaseURL        string `yaml:"base_url"`
	GraphQLPath    string `yaml:"graphql_path"`
	AuthBaseURL    string `yaml:"auth_base_url"`
	ClientID       string `yaml:"client_id"`
	RedirectURI    string `yaml:"redirect_uri"`
	Audience       string `yaml:"audience"`
	Scope          string `yaml:"scope"`
	AcceptLanguage string `yaml:"accept_language"`
	UserAgent      string `yaml:"user_agent"`
	ClientName     string `yaml:"client_name"`
	ClientVersion  string `yaml:"client_version"`
	RequestTimeout int    `yaml:"request_timeout_seconds" validate:"min=1,max=300"`
}

// SessionConfig drives the session lifecycle manager
type SessionConfig struct {
	RefreshIntervalMinutes int    `yaml:"refresh_interval_minutes" validate:"min=1"`
	RefreshToken           Secret `yaml:"refresh_token"`
	Identifier             string `yaml:"identifier"`
	Password               Secret `yaml:"password"`
}

// WatcherConfig drives the stock watcher
type WatcherConfig struct {
	PollIntervalSeconds      int `yaml:"poll_interval_seconds" validate:"min=1"`
	ReservationWindowMinutes int `yaml:"reservation_window_minutes" validate:"min=1"`
}

// KeeperConfig drives the reservation keeper
type KeeperConfig struct {
	Enabled                bool `yaml:"enabled"`
	TickIntervalSeconds    int  `yaml:"tick_interval_seconds" validate:"min=1"`
	FillerThresholdMinutes int  `yaml:"filler_threshold_minutes" validate:"min=1"`
	SafetyFloorMinutes     int  `yaml:"safety_floor_minutes" validate:"min=1"`
	FillerUsageCap         int  `yaml:"filler_usage_cap" validate:"min=1"`
}

// StoreConfig selects the snapshot store backend
type StoreConfig struct {
	Backend       string `yaml:"backend"` // sqlite, memory, redis
	SQLitePath    string `yaml:"sqlite_path"`
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword Secret `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
}

// AlertConfig configures the notification channels
type AlertConfig struct {
	DiscordWebhook Secret `yaml:"discord_webhook"`
	CheckoutURL    string `yaml:"checkout_url"`
	Mention        string `yaml:"mention"`
}

// ServerConfig configures the control API and event stream
type ServerConfig struct {
	Port           int      `yaml:"port"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// TelemetryConfig contains telemetry settings
type TelemetryConfig struct {
	MetricsPort   int  `yaml:"metrics_port"`
	EnableMetrics bool `yaml:"enable_metrics"`
}

// SystemConfig contains system settings
type SystemConfig struct {
	LogLevel string `yaml:"log_level" validate:"required,oneof=DEBUG INFO WARN ERROR FATAL"`
}

// ValidationError represents a configuration validation error
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s' (value: %v): %s", e.Field, e.Value, e.Message)
}

// LoadConfig loads configuration from a YAML file with environment variable expansion
func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	expandedData := expandEnvVars(string(data))

	var config Config
	if err := yaml.Unmarshal([]byte(expandedData), &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.applyDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

func (c *Config) applyDefaults() {
	if c.Upstream.GraphQLPath == "" {
		c.Upstream.GraphQLPath = "/apps-graphql"
	}
	if c.Upstream.Scope == "" {
		c.Upstream.Scope = "openid email offline_access"
	}
	if c.Upstream.RequestTimeout == 0 {
		c.Upstream.RequestTimeout = 30
	}
	if c.Session.RefreshIntervalMinutes == 0 {
		c.Session.RefreshIntervalMinutes = 120
	}
	if c.Watcher.PollIntervalSeconds == 0 {
		c.Watcher.PollIntervalSeconds = 60
	}
	if c.Watcher.ReservationWindowMinutes == 0 {
		c.Watcher.ReservationWindowMinutes = 20
	}
	if c.Keeper.TickIntervalSeconds == 0 {
		c.Keeper.TickIntervalSeconds = 60
	}
	if c.Keeper.FillerThresholdMinutes == 0 {
		c.Keeper.FillerThresholdMinutes = 18
	}
	if c.Keeper.SafetyFloorMinutes == 0 {
		c.Keeper.SafetyFloorMinutes = 3
	}
	if c.Keeper.FillerUsageCap == 0 {
		c.Keeper.FillerUsageCap = 5
	}
	if c.Store.Backend == "" {
		c.Store.Backend = "sqlite"
	}
	if c.Store.SQLitePath == "" {
		c.Store.SQLitePath = "sentinel.db"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Telemetry.MetricsPort == 0 {
		c.Telemetry.MetricsPort = 9090
	}
	if c.System.LogLevel == "" {
		c.System.LogLevel = "INFO"
	}
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	var errs []string

	if err := c.validateUpstreamConfig(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := c.validateSessionConfig(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := c.validateTimerConfigs(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := c.validateStoreConfig(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := c.validateSystemConfig(); err != nil {
		errs = append(errs, err.Error())
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed:\n%s", strings.Join(errs, "\n"))
	}

	return nil
}

func (c *Config) validateUpstreamConfig() error {
	if c.Upstream.BaseURL == "" {
		return ValidationError{
			Field:   "upstream.base_url",
			Message: "upstream base URL is required",
		}
	}
	if c.Upstream.AuthBaseURL == "" {
		return ValidationError{
			Field:   "upstream.auth_base_url",
			Message: "auth host base URL is required",
		}
	}
	if c.Upstream.ClientID == "" {
		return ValidationError{
			Field:   "upstream.client_id",
			Message: "OAuth client id is required",
		}
	}
	if c.Upstream.RedirectURI == "" {
		return ValidationError{
			Field:   "upstream.redirect_uri",
			Message: "OAuth redirect URI is required",
		}
	}
	return nil
}

func (c *Config) validateSessionConfig() error {
	// A refresh token alone is enough to boot; interactive credentials are the
	// fallback when the refresh token is rejected.
	if c.Session.RefreshToken == "" && (c.Session.Identifier == "" || c.Session.Password == "") {
		return ValidationError{
			Field:   "session",
			Message: "either a refresh token or identifier+password must be configured",
		}
	}
	if (c.Session.Identifier == "") != (c.Session.Password == "") {
		return ValidationError{
			Field:   "session.identifier",
			Message: "identifier and password must be configured together",
		}
	}
	return nil
}

func (c *Config) validateTimerConfigs() error {
	if c.Keeper.FillerThresholdMinutes >= c.Watcher.ReservationWindowMinutes {
		return ValidationError{
			Field:   "keeper.filler_threshold_minutes",
			Value:   c.Keeper.FillerThresholdMinutes,
			Message: "filler threshold must stay under the reservation window",
		}
	}
	return nil
}

func (c *Config) validateStoreConfig() error {
	validBackends := []string{"sqlite", "memory", "redis"}
	if !contains(validBackends, c.Store.Backend) {
		return ValidationError{
			Field:   "store.backend",
			Value:   c.Store.Backend,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(validBackends, ", ")),
		}
	}
	if c.Store.Backend == "redis" && c.Store.RedisAddr == "" {
		return ValidationError{
			Field:   "store.redis_addr",
			Message: "redis address is required for the redis backend",
		}
	}
	return nil
}

func (c *Config) validateSystemConfig() error {
	validLevels := []string{"DEBUG", "INFO", "WARN", "ERROR", "FATAL"}
	if !contains(validLevels, strings.ToUpper(c.System.LogLevel)) {
		return ValidationError{
			Field:   "system.log_level",
			Value:   c.System.LogLevel,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(validLevels, ", ")),
		}
	}
	return nil
}

// RequestTimeoutDuration returns the upstream per-request timeout
func (c *Config) RequestTimeoutDuration() time.Duration {
	return time.Duration(c.Upstream.RequestTimeout) * time.Second
}

// String returns a string representation of the configuration; Secret fields
// redact themselves during marshaling.
func (c *Config) String() string {
	data, _ := yaml.Marshal(c)
	return string(data)
}

// Helper functions

func expandEnvVars(s string) string {
	return os.Expand(s, os.Getenv)
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}

// DefaultConfig returns a default configuration for testing
func DefaultConfig() *Config {
	cfg := &Config{
		Upstream: UpstreamConfig{
			BaseURL:        "https://www.example-outlet.test",
			AuthBaseURL:    "https://login.example-outlet.test",
			ClientID:       "test_client_id",
			RedirectURI:    "test.app://callback",
			Audience:       "https://www.example-outlet.test/v1",
			AcceptLanguage: "fr",
			UserAgent:      "sentinel-test/1.0",
		},
		Session: SessionConfig{
			RefreshToken: "test_refresh_token",
			Identifier:   "operator@example.test",
			Password:     "test_password",
		},
		Store: StoreConfig{
			Backend: "memory",
		},
		System: SystemConfig{
			LogLevel: "INFO",
		},
	}
	cfg.applyDefaults()
	return cfg
}
