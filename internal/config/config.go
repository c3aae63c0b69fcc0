package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server configuration
	Server ServerConfig

	// Database configuration
	Database DatabaseConfig

	// JWT configuration
	JWT JWTConfig

	// Rate limiting configuration
	RateLimit RateLimitConfig

	// WebSocket configuration
	WebSocket WebSocketConfig

	// Email notifier configuration
	Email EmailConfig

	// Logging configuration
	Logging LoggingConfig

	// Application metadata
	App AppConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	CORSOrigins     []string
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// JWTConfig holds JWT configuration
type JWTConfig struct {
	Secret         string
	AccessTokenTTL time.Duration
}

// RateLimitConfig holds rate limiting configuration
type RateLimitConfig struct {
	Enabled           bool
	RequestsPerSecond float64
	BurstSize         int
	AuthRPS           float64 // Stricter limit for auth endpoints
	AuthBurst         int
	SendRPS           float64 // Per-user limit for emailing invoices
	SendBurst         int
}

// WebSocketConfig holds WebSocket configuration
type WebSocketConfig struct {
	AllowedOrigins  []string
	ReadBufferSize  int
	WriteBufferSize int
}

// EmailConfig holds outgoing email configuration
type EmailConfig struct {
	From string
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string // debug, info, warn, error
	Format string // json, text
}

// AppConfig holds application metadata
type AppConfig struct {
	Name        string
	Version     string
	Environment string
}

// WatcherConfig holds the configuration of the watch command: where the API
// and push origin live, who to track, and the update policy.
type WatcherConfig struct {
	APIURL   string
	WSURL    string
	Token    string
	UserID   string
	Realtime RealtimeConfig
	Logging  LoggingConfig
	App      AppConfig
}

// RealtimeConfig holds the push/poll tracking policy
type RealtimeConfig struct {
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	ReconnectJitter      time.Duration
	PollInterval         time.Duration
	SafetyNetInterval    time.Duration
	HealthCheckInterval  time.Duration
	ErrorThreshold       int
	FetchTimeout         time.Duration
	ConnectTimeout       time.Duration
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	loadDotEnv()

	cfg := &Config{
		Server: ServerConfig{
			Port:            getEnvOrDefault("SERVER_PORT", ":8080"),
			ReadTimeout:     getDurationOrDefault("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:    getDurationOrDefault("SERVER_WRITE_TIMEOUT", 15*time.Second),
			IdleTimeout:     getDurationOrDefault("SERVER_IDLE_TIMEOUT", 60*time.Second),
			ShutdownTimeout: getDurationOrDefault("SERVER_SHUTDOWN_TIMEOUT", 30*time.Second),
			CORSOrigins:     getStringSliceOrDefault("CORS_ALLOWED_ORIGINS", []string{"http://localhost:3000"}),
		},
		Database: DatabaseConfig{
			URL:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    getIntOrDefault("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    getIntOrDefault("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: getDurationOrDefault("DB_CONN_MAX_LIFETIME", 5*time.Minute),
			ConnMaxIdleTime: getDurationOrDefault("DB_CONN_MAX_IDLE_TIME", 5*time.Minute),
		},
		JWT: JWTConfig{
			Secret:         os.Getenv("JWT_SECRET"),
			AccessTokenTTL: getDurationOrDefault("JWT_ACCESS_TOKEN_TTL", 24*time.Hour),
		},
		RateLimit: RateLimitConfig{
			Enabled:           getBoolOrDefault("RATE_LIMIT_ENABLED", true),
			RequestsPerSecond: getFloatOrDefault("RATE_LIMIT_RPS", 10),
			BurstSize:         getIntOrDefault("RATE_LIMIT_BURST", 20),
			AuthRPS:           getFloatOrDefault("RATE_LIMIT_AUTH_RPS", 1),
			AuthBurst:         getIntOrDefault("RATE_LIMIT_AUTH_BURST", 5),
			SendRPS:           getFloatOrDefault("RATE_LIMIT_SEND_RPS", 0.2),
			SendBurst:         getIntOrDefault("RATE_LIMIT_SEND_BURST", 3),
		},
		WebSocket: WebSocketConfig{
			AllowedOrigins:  getStringSliceOrDefault("WS_ALLOWED_ORIGINS", []string{}),
			ReadBufferSize:  getIntOrDefault("WS_READ_BUFFER_SIZE", 1024),
			WriteBufferSize: getIntOrDefault("WS_WRITE_BUFFER_SIZE", 1024),
		},
		Email: EmailConfig{
			From: getEnvOrDefault("EMAIL_FROM", "billing@invoice-tracker.local"),
		},
		Logging: loadLogging(),
		App:     loadApp(),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadWatcher loads only what the watch command needs. Flags applied by the
// caller take precedence; call Validate on the result afterwards.
func LoadWatcher() *WatcherConfig {
	loadDotEnv()

	return &WatcherConfig{
		APIURL: getEnvOrDefault("INVOICE_API_URL", "http://localhost:8080"),
		WSURL:  os.Getenv("REALTIME_WS_URL"),
		Token:  os.Getenv("INVOICE_API_TOKEN"),
		UserID: os.Getenv("INVOICE_USER_ID"),
		Realtime: RealtimeConfig{
			MaxReconnectAttempts: getIntOrDefault("REALTIME_MAX_RECONNECT_ATTEMPTS", 5),
			ReconnectBaseDelay:   getDurationOrDefault("REALTIME_RECONNECT_BASE_DELAY", time.Second),
			ReconnectMaxDelay:    getDurationOrDefault("REALTIME_RECONNECT_MAX_DELAY", 30*time.Second),
			ReconnectJitter:      getDurationOrDefault("REALTIME_RECONNECT_JITTER", time.Second),
			PollInterval:         getDurationOrDefault("REALTIME_POLL_INTERVAL", 30*time.Second),
			SafetyNetInterval:    getDurationOrDefault("REALTIME_SAFETY_NET_INTERVAL", 5*time.Minute),
			HealthCheckInterval:  getDurationOrDefault("REALTIME_HEALTH_CHECK_INTERVAL", 60*time.Second),
			ErrorThreshold:       getIntOrDefault("REALTIME_ERROR_THRESHOLD", 3),
			FetchTimeout:         getDurationOrDefault("REALTIME_FETCH_TIMEOUT", 15*time.Second),
			ConnectTimeout:       getDurationOrDefault("REALTIME_CONNECT_TIMEOUT", 10*time.Second),
		},
		Logging: loadLogging(),
		App:     loadApp(),
	}
}

func loadDotEnv() {
	// Load .env file if it exists (for local development)
	if err := godotenv.Load(); err != nil {
		slog.Debug("no .env file found, using system environment variables")
	}
}

func loadLogging() LoggingConfig {
	return LoggingConfig{
		Level:  getEnvOrDefault("LOG_LEVEL", "info"),
		Format: getEnvOrDefault("LOG_FORMAT", "json"),
	}
}

func loadApp() AppConfig {
	return AppConfig{
		Name:        getEnvOrDefault("APP_NAME", "invoice-tracker"),
		Version:     getEnvOrDefault("APP_VERSION", "dev"),
		Environment: getEnvOrDefault("APP_ENV", "development"),
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	var errs []string

	// Required fields
	if c.Database.URL == "" {
		errs = append(errs, "DATABASE_URL is required")
	}

	if c.JWT.Secret == "" {
		errs = append(errs, "JWT_SECRET is required")
	}

	// Security validations
	if c.App.Environment == "production" {
		if len(c.JWT.Secret) < 32 {
			errs = append(errs, "JWT_SECRET must be at least 32 characters in production")
		}

		if len(c.WebSocket.AllowedOrigins) == 0 {
			errs = append(errs, "WS_ALLOWED_ORIGINS must be set in production")
		}
	}

	// Logical validations
	if c.Database.MaxIdleConns > c.Database.MaxOpenConns {
		errs = append(errs, "DB_MAX_IDLE_CONNS cannot be greater than DB_MAX_OPEN_CONNS")
	}

	return joinErrors(errs)
}

// Validate validates the watcher configuration
func (c *WatcherConfig) Validate() error {
	var errs []string

	if u, err := url.Parse(c.APIURL); err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		errs = append(errs, "INVOICE_API_URL must be an http(s) URL")
	}

	if c.Token == "" {
		errs = append(errs, "INVOICE_API_TOKEN is required")
	}

	r := c.Realtime
	if r.MaxReconnectAttempts < 0 {
		errs = append(errs, "REALTIME_MAX_RECONNECT_ATTEMPTS cannot be negative")
	}
	if r.ReconnectBaseDelay <= 0 || r.ReconnectMaxDelay < r.ReconnectBaseDelay {
		errs = append(errs, "REALTIME_RECONNECT_MAX_DELAY must be at least REALTIME_RECONNECT_BASE_DELAY")
	}
	if r.PollInterval <= 0 {
		errs = append(errs, "REALTIME_POLL_INTERVAL must be positive")
	}
	if r.SafetyNetInterval <= 0 || r.HealthCheckInterval <= 0 {
		errs = append(errs, "REALTIME_SAFETY_NET_INTERVAL and REALTIME_HEALTH_CHECK_INTERVAL must be positive")
	}
	if r.ErrorThreshold < 1 {
		errs = append(errs, "REALTIME_ERROR_THRESHOLD must be at least 1")
	}

	return joinErrors(errs)
}

func joinErrors(errs []string) error {
	if len(errs) > 0 {
		return errors.New("configuration errors:\n  - " + strings.Join(errs, "\n  - "))
	}
	return nil
}

// IsDevelopment returns true if running in development environment
func (c *Config) IsDevelopment() bool {
	return c.App.Environment == "development"
}

// IsProduction returns true if running in production environment
func (c *Config) IsProduction() bool {
	return c.App.Environment == "production"
}

// Helper functions

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getFloatOrDefault(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getBoolOrDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getStringSliceOrDefault(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		result := make([]string, 0, len(parts))
		for _, part := range parts {
			trimmed := strings.TrimSpace(part)
			if trimmed != "" {
				result = append(result, trimmed)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return defaultValue
}

// String returns a redacted string representation of the config (safe for logging)
func (c *Config) String() string {
	return fmt.Sprintf(
		"Config{Server: %s, DB: %s, JWT: [REDACTED], RateLimit: %v, Environment: %s}",
		c.Server.Port,
		redactURL(c.Database.URL),
		c.RateLimit.Enabled,
		c.App.Environment,
	)
}

// redactURL redacts sensitive parts of a database URL
func redactURL(url string) string {
	if url == "" {
		return ""
	}
	if idx := strings.Index(url, "@"); idx > 0 {
		return "[REDACTED]" + url[idx:]
	}
	return "[REDACTED]"
}
