package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds all configuration for the application
type Config struct {
	// Server configuration
	Server ServerConfig `mapstructure:"server"`

	// Live appointment sync configuration
	Sync SyncConfig `mapstructure:"sync"`

	// Appointment query API configuration
	API APIConfig `mapstructure:"api"`

	// Persisted credential lookup
	Credentials CredentialsConfig `mapstructure:"credentials"`

	// Logging configuration
	LogLevel string `mapstructure:"log_level"`

	// Monitoring configuration
	Monitoring MonitoringConfig `mapstructure:"monitoring"`

	// Tracing configuration
	Tracing TracingSettings `mapstructure:"tracing"`
}

// ServerConfig holds server-specific configuration
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"read_timeout"`
	WriteTimeout int    `mapstructure:"write_timeout"`
	IdleTimeout  int    `mapstructure:"idle_timeout"`

	// RefreshLimit caps on-demand refreshes per client per RefreshPeriod; 0 disables
	RefreshLimit         int `mapstructure:"refresh_limit"`
	RefreshPeriodSeconds int `mapstructure:"refresh_period_seconds"`

	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// SyncConfig holds the subscription channel configuration
type SyncConfig struct {
	Endpoint        string          `mapstructure:"endpoint"`
	HeartbeatMS     int             `mapstructure:"heartbeat_ms"`
	DentistID       int64           `mapstructure:"dentist_id"`
	Date            string          `mapstructure:"date"`
	ActivateOnStart bool            `mapstructure:"activate_on_start"`
	WatchBuffer     int             `mapstructure:"watch_buffer"`
	Reconnect       ReconnectConfig `mapstructure:"reconnect"`

	// HeartbeatToleranceMS of 0 means one heartbeat interval
	HeartbeatToleranceMS int `mapstructure:"heartbeat_tolerance_ms"`
}

// ReconnectConfig selects the retry policy of the subscription channel
type ReconnectConfig struct {
	Policy     string `mapstructure:"policy"`
	DelayMS    int    `mapstructure:"delay_ms"`
	MaxDelayMS int    `mapstructure:"max_delay_ms"`
}

// APIConfig holds the appointment query service configuration
type APIConfig struct {
	BaseURL        string `mapstructure:"base_url"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

// CredentialsConfig describes where a bearer token may be persisted
type CredentialsConfig struct {
	StoragePath string   `mapstructure:"storage_path"`
	CookiePath  string   `mapstructure:"cookie_path"`
	Names       []string `mapstructure:"names"`
	Token       string   `mapstructure:"token"`
}

// MonitoringConfig holds monitoring configuration
type MonitoringConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	MetricsPath string `mapstructure:"metrics_path"`
	HealthPath  string `mapstructure:"health_path"`

	HealthTimeoutSeconds int `mapstructure:"health_timeout_seconds"`
}

// TracingSettings holds tracing configuration
type TracingSettings struct {
	Enabled        bool    `mapstructure:"enabled"`
	JaegerEndpoint string  `mapstructure:"jaeger_endpoint"`
	Environment    string  `mapstructure:"environment"`
	SamplingRate   float64 `mapstructure:"sampling_rate"`
}

// Reconnect policies understood by the subscription channel
const (
	ReconnectFixed       = "fixed"
	ReconnectExponential = "exponential"
)

// Load loads configuration from a .env file, environment variables and config files
func Load() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/appointment-sync")

	// Set default values
	setDefaults(v)

	// Enable environment variable support
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Read config file if it exists
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Override with environment variables
	overrideWithEnv(&config)

	// Validate configuration
	if err := validate(&config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8085)
	v.SetDefault("server.read_timeout", 30)
	v.SetDefault("server.write_timeout", 0)
	v.SetDefault("server.idle_timeout", 120)
	v.SetDefault("server.refresh_limit", 30)
	v.SetDefault("server.refresh_period_seconds", 60)
	v.SetDefault("server.allowed_origins", []string{"*"})

	// Sync defaults
	v.SetDefault("sync.endpoint", "ws://localhost:8080/ws")
	v.SetDefault("sync.heartbeat_ms", 10000)
	v.SetDefault("sync.heartbeat_tolerance_ms", 0)
	v.SetDefault("sync.dentist_id", 0)
	v.SetDefault("sync.date", "")
	v.SetDefault("sync.activate_on_start", true)
	v.SetDefault("sync.watch_buffer", 8)
	v.SetDefault("sync.reconnect.policy", ReconnectFixed)
	v.SetDefault("sync.reconnect.delay_ms", 5000)
	v.SetDefault("sync.reconnect.max_delay_ms", 60000)

	// API defaults
	v.SetDefault("api.base_url", "http://localhost:8080")
	v.SetDefault("api.timeout_seconds", 15)

	// Credential defaults
	v.SetDefault("credentials.storage_path", "")
	v.SetDefault("credentials.cookie_path", "")
	v.SetDefault("credentials.names", []string{"accessToken", "access_token"})
	v.SetDefault("credentials.token", "")

	// Monitoring defaults
	v.SetDefault("monitoring.enabled", true)
	v.SetDefault("monitoring.metrics_path", "/metrics")
	v.SetDefault("monitoring.health_path", "/health")
	v.SetDefault("monitoring.health_timeout_seconds", 5)

	// Tracing defaults
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.jaeger_endpoint", "http://localhost:14268/api/traces")
	v.SetDefault("tracing.environment", "development")
	v.SetDefault("tracing.sampling_rate", 1.0)

	// Logging defaults
	v.SetDefault("log_level", "info")
}

// overrideWithEnv overrides configuration with environment variables
func overrideWithEnv(config *Config) {
	if port := os.Getenv("PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Server.Port = p
		}
	}

	if token := os.Getenv("ACCESS_TOKEN"); token != "" {
		config.Credentials.Token = token
	}

	if logLevel := os.Getenv("LOG_LEVEL"); logLevel != "" {
		config.LogLevel = logLevel
	}
}

// validate validates the configuration
func validate(config *Config) error {
	if config.Server.Port <= 0 || config.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", config.Server.Port)
	}

	if config.Server.RefreshLimit < 0 {
		return fmt.Errorf("refresh limit must not be negative")
	}
	if config.Server.RefreshLimit > 0 && config.Server.RefreshPeriodSeconds <= 0 {
		return fmt.Errorf("refresh period must be positive when a refresh limit is set")
	}

	endpoint, err := url.Parse(config.Sync.Endpoint)
	if err != nil {
		return fmt.Errorf("invalid sync endpoint: %w", err)
	}
	switch endpoint.Scheme {
	case "tcp", "ws", "wss":
	default:
		return fmt.Errorf("unsupported sync endpoint scheme %q", endpoint.Scheme)
	}

	if config.Sync.HeartbeatMS < 0 {
		return fmt.Errorf("heartbeat interval must not be negative")
	}
	if config.Sync.HeartbeatToleranceMS < 0 {
		return fmt.Errorf("heartbeat tolerance must not be negative")
	}

	switch config.Sync.Reconnect.Policy {
	case ReconnectFixed, ReconnectExponential:
	default:
		return fmt.Errorf("unknown reconnect policy %q", config.Sync.Reconnect.Policy)
	}

	if config.Sync.Reconnect.DelayMS <= 0 {
		return fmt.Errorf("reconnect delay must be positive")
	}

	if config.Sync.Reconnect.MaxDelayMS < config.Sync.Reconnect.DelayMS {
		return fmt.Errorf("reconnect max delay must be at least the base delay")
	}

	if config.Sync.Date != "" && !IsDate(config.Sync.Date) {
		return fmt.Errorf("sync date must be YYYY-MM-DD, got %q", config.Sync.Date)
	}

	base, err := url.Parse(config.API.BaseURL)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return fmt.Errorf("invalid api base url: %q", config.API.BaseURL)
	}

	if config.Monitoring.HealthTimeoutSeconds <= 0 {
		return fmt.Errorf("health check timeout must be positive")
	}

	if config.API.TimeoutSeconds <= 0 {
		return fmt.Errorf("api timeout must be positive")
	}

	return nil
}
