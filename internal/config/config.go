package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	dbconfig "therapychat/pkg/database"
)

// EnvPrefix namespaces every environment variable the service reads
const EnvPrefix = "THERAPYCHAT_"

// ARCHITECTURAL DISCOVERY: Configuration layer serves as system-wide settings coordinator
// Clean separation between configuration management and business logic
type Config struct {
	HTTP      *HTTPConfig      `json:"http" envPrefix:"HTTP_"`
	Database  *dbconfig.Config `json:"database" envPrefix:"DATABASE_"`
	WebSocket *WebSocketConfig `json:"websocket" envPrefix:"WEBSOCKET_"`
	Auth      *AuthConfig      `json:"auth" envPrefix:"AUTH_"`
	Chat      *ChatConfig      `json:"chat" envPrefix:"CHAT_"`
	Log       *LogConfig       `json:"log" envPrefix:"LOG_"`
}

// HTTPConfig covers the REST listener
type HTTPConfig struct {
	Host            string        `env:"HOST"`
	Port            int           `env:"PORT"`
	ReadTimeout     time.Duration `env:"READ_TIMEOUT"`
	WriteTimeout    time.Duration `env:"WRITE_TIMEOUT"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT"`
	CORSOrigins     []string      `env:"CORS_ORIGINS" envSeparator:","`
}

// FUNCTIONAL DISCOVERY: 30s heartbeat with a 60s read deadline tolerates one
// missed pong before the connection is reaped
type WebSocketConfig struct {
	PingInterval   time.Duration `env:"PING_INTERVAL"`
	ReadTimeout    time.Duration `env:"READ_TIMEOUT"`
	WriteTimeout   time.Duration `env:"WRITE_TIMEOUT"`
	BufferSize     int           `env:"BUFFER_SIZE"`
	MaxMessageSize int64         `env:"MAX_MESSAGE_SIZE"`
	AllowedOrigins []string      `env:"ALLOWED_ORIGINS" envSeparator:","`
}

// AuthConfig holds the bearer token verification settings
type AuthConfig struct {
	JWTSecret string `env:"JWT_SECRET"`
	Issuer    string `env:"ISSUER"`
}

// ChatConfig bounds inbound realtime traffic
type ChatConfig struct {
	MaxMessageLength int           `env:"MAX_MESSAGE_LENGTH"`
	RateLimit        int           `env:"RATE_LIMIT"`
	RateWindow       time.Duration `env:"RATE_WINDOW"`
	CleanupInterval  time.Duration `env:"CLEANUP_INTERVAL"`
}

// LogConfig selects level and output format
type LogConfig struct {
	Level       string `env:"LEVEL"`
	Development bool   `env:"DEVELOPMENT"`
}

// FUNCTIONAL DISCOVERY: Production-ready defaults. Everything except the JWT
// secret has a usable value, so a bare deployment only has to supply that.
func DefaultConfig() *Config {
	return &Config{
		HTTP: &HTTPConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			CORSOrigins:     []string{"*"},
		},
		Database: dbconfig.DefaultConfig(),
		WebSocket: &WebSocketConfig{
			PingInterval:   30 * time.Second,
			ReadTimeout:    60 * time.Second,
			WriteTimeout:   5 * time.Second,
			BufferSize:     100,
			MaxMessageSize: 64 * 1024,
			AllowedOrigins: []string{"*"},
		},
		Auth: &AuthConfig{},
		Chat: &ChatConfig{
			MaxMessageLength: 1000,
			RateLimit:        100,
			RateWindow:       time.Minute,
			CleanupInterval:  5 * time.Minute,
		},
		Log: &LogConfig{
			Level: "info",
		},
	}
}

// Validate checks every section and reports the first problem found
func (c *Config) Validate() error {
	if c.HTTP == nil {
		return errors.New("HTTP configuration is required")
	}
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return errors.New("HTTP port must be between 1 and 65535")
	}
	if c.HTTP.Host == "" {
		return errors.New("HTTP host cannot be empty")
	}
	if c.HTTP.ReadTimeout <= 0 || c.HTTP.WriteTimeout <= 0 {
		return errors.New("HTTP timeouts must be positive")
	}
	if c.HTTP.ShutdownTimeout <= 0 {
		return errors.New("HTTP shutdown timeout must be positive")
	}

	if c.Database == nil {
		return errors.New("database configuration is required")
	}
	if err := c.Database.Validate(); err != nil {
		return fmt.Errorf("database: %w", err)
	}

	if c.WebSocket == nil {
		return errors.New("WebSocket configuration is required")
	}
	if c.WebSocket.PingInterval <= 0 {
		return errors.New("WebSocket ping interval must be positive")
	}
	// the read deadline is refreshed by pongs, so it must outlast one ping period
	if c.WebSocket.ReadTimeout <= c.WebSocket.PingInterval {
		return errors.New("WebSocket read timeout must exceed the ping interval")
	}
	if c.WebSocket.WriteTimeout <= 0 {
		return errors.New("WebSocket write timeout must be positive")
	}
	if c.WebSocket.BufferSize <= 0 {
		return errors.New("WebSocket buffer size must be positive")
	}
	if c.WebSocket.MaxMessageSize <= 0 {
		return errors.New("WebSocket max message size must be positive")
	}

	if c.Auth == nil || c.Auth.JWTSecret == "" {
		return errors.New("JWT secret is required")
	}

	if c.Chat == nil {
		return errors.New("chat configuration is required")
	}
	if c.Chat.MaxMessageLength <= 0 {
		return errors.New("max message length must be positive")
	}
	if c.Chat.RateLimit <= 0 || c.Chat.RateWindow <= 0 {
		return errors.New("rate limit and window must be positive")
	}
	if c.Chat.CleanupInterval <= 0 {
		return errors.New("rate limiter cleanup interval must be positive")
	}

	if c.Log == nil {
		return errors.New("log configuration is required")
	}
	return nil
}

// Address returns the host:port the HTTP server listens on
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.HTTP.Host, c.HTTP.Port)
}

// FUNCTIONAL DISCOVERY: Environment variable configuration enables deployment flexibility
// A .env file in the working directory is loaded first when present; variables
// already set in the process environment win over it.
func LoadFromEnv() (*Config, error) {
	config := DefaultConfig()
	if err := applyEnv(config); err != nil {
		return nil, err
	}
	return config, nil
}

func applyEnv(config *Config) error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("load .env: %w", err)
	}
	if err := env.ParseWithOptions(config, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// ConfigFile represents the JSON structure for file-based configuration
// FUNCTIONAL DISCOVERY: Separate struct for JSON parsing to handle duration strings
type ConfigFile struct {
	HTTP      *HTTPConfigFile      `json:"http"`
	Database  *DatabaseConfigFile  `json:"database"`
	WebSocket *WebSocketConfigFile `json:"websocket"`
	Auth      *AuthConfigFile      `json:"auth"`
	Chat      *ChatConfigFile      `json:"chat"`
	Log       *LogConfig           `json:"log"`
}

type HTTPConfigFile struct {
	Host            string   `json:"host"`
	Port            int      `json:"port"`
	ReadTimeout     string   `json:"read_timeout"`
	WriteTimeout    string   `json:"write_timeout"`
	ShutdownTimeout string   `json:"shutdown_timeout"`
	CORSOrigins     []string `json:"cors_origins"`
}

type DatabaseConfigFile struct {
	Driver          string `json:"driver"`
	Path            string `json:"path"`
	MaxConnections  int    `json:"max_connections"`
	ConnMaxLifetime string `json:"conn_max_lifetime"`
	ConnMaxIdleTime string `json:"conn_max_idle_time"`
	PostgresURL     string `json:"postgres_url"`
	RedisURL        string `json:"redis_url"`
	RedisKeyPrefix  string `json:"redis_key_prefix"`
	RedisMaxRetries int    `json:"redis_max_retries"`
}

type WebSocketConfigFile struct {
	PingInterval   string   `json:"ping_interval"`
	ReadTimeout    string   `json:"read_timeout"`
	WriteTimeout   string   `json:"write_timeout"`
	BufferSize     int      `json:"buffer_size"`
	MaxMessageSize int64    `json:"max_message_size"`
	AllowedOrigins []string `json:"allowed_origins"`
}

type AuthConfigFile struct {
	JWTSecret string `json:"jwt_secret"`
	Issuer    string `json:"issuer"`
}

type ChatConfigFile struct {
	MaxMessageLength int    `json:"max_message_length"`
	RateLimit        int    `json:"rate_limit"`
	RateWindow       string `json:"rate_window"`
	CleanupInterval  string `json:"cleanup_interval"`
}

// FUNCTIONAL DISCOVERY: File-based configuration supports complex deployment scenarios
// JSON format chosen for readability and tooling support
func LoadFromFile(filepath string) (*Config, error) {
	config := DefaultConfig()
	if err := applyFile(config, filepath); err != nil {
		return nil, err
	}

	// ARCHITECTURAL DISCOVERY: Validate configuration after loading to catch errors early
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration in %s: %w", filepath, err)
	}
	return config, nil
}

// applyFile overlays the non-zero fields of a JSON config file onto config
func applyFile(config *Config, filepath string) error {
	data, err := os.ReadFile(filepath)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", filepath, err)
	}

	var file ConfigFile
	if err := json.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", filepath, err)
	}

	d := durationParser{file: filepath}

	if f := file.HTTP; f != nil {
		setString(&config.HTTP.Host, f.Host)
		setInt(&config.HTTP.Port, f.Port)
		d.set(&config.HTTP.ReadTimeout, "http.read_timeout", f.ReadTimeout)
		d.set(&config.HTTP.WriteTimeout, "http.write_timeout", f.WriteTimeout)
		d.set(&config.HTTP.ShutdownTimeout, "http.shutdown_timeout", f.ShutdownTimeout)
		if len(f.CORSOrigins) > 0 {
			config.HTTP.CORSOrigins = f.CORSOrigins
		}
	}

	if f := file.Database; f != nil {
		setString(&config.Database.Driver, f.Driver)
		setString(&config.Database.DatabasePath, f.Path)
		setInt(&config.Database.MaxConnections, f.MaxConnections)
		d.set(&config.Database.ConnMaxLifetime, "database.conn_max_lifetime", f.ConnMaxLifetime)
		d.set(&config.Database.ConnMaxIdleTime, "database.conn_max_idle_time", f.ConnMaxIdleTime)
		setString(&config.Database.PostgresURL, f.PostgresURL)
		setString(&config.Database.RedisURL, f.RedisURL)
		setString(&config.Database.RedisKeyPrefix, f.RedisKeyPrefix)
		setInt(&config.Database.RedisMaxRetries, f.RedisMaxRetries)
	}

	if f := file.WebSocket; f != nil {
		d.set(&config.WebSocket.PingInterval, "websocket.ping_interval", f.PingInterval)
		d.set(&config.WebSocket.ReadTimeout, "websocket.read_timeout", f.ReadTimeout)
		d.set(&config.WebSocket.WriteTimeout, "websocket.write_timeout", f.WriteTimeout)
		setInt(&config.WebSocket.BufferSize, f.BufferSize)
		if f.MaxMessageSize > 0 {
			config.WebSocket.MaxMessageSize = f.MaxMessageSize
		}
		if len(f.AllowedOrigins) > 0 {
			config.WebSocket.AllowedOrigins = f.AllowedOrigins
		}
	}

	if f := file.Auth; f != nil {
		setString(&config.Auth.JWTSecret, f.JWTSecret)
		setString(&config.Auth.Issuer, f.Issuer)
	}

	if f := file.Chat; f != nil {
		setInt(&config.Chat.MaxMessageLength, f.MaxMessageLength)
		setInt(&config.Chat.RateLimit, f.RateLimit)
		d.set(&config.Chat.RateWindow, "chat.rate_window", f.RateWindow)
		d.set(&config.Chat.CleanupInterval, "chat.cleanup_interval", f.CleanupInterval)
	}

	if f := file.Log; f != nil {
		setString(&config.Log.Level, f.Level)
		if f.Development {
			config.Log.Development = true
		}
	}

	return d.err
}

// FUNCTIONAL DISCOVERY: Configuration precedence: environment > file > defaults
// An operator can always override a checked-in file from the environment.
func LoadConfigWithPrecedence(filepath string) (*Config, error) {
	config := DefaultConfig()

	if filepath != "" {
		if err := applyFile(config, filepath); err != nil {
			return nil, err
		}
	}

	if err := applyEnv(config); err != nil {
		return nil, err
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return config, nil
}

// durationParser keeps the first bad duration so applyFile can report it
type durationParser struct {
	file string
	err  error
}

func (p *durationParser) set(dst *time.Duration, field, value string) {
	if value == "" || p.err != nil {
		return
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		p.err = fmt.Errorf("invalid duration for %s in %s: %w", field, p.file, err)
		return
	}
	*dst = parsed
}

func setString(dst *string, value string) {
	if value != "" {
		*dst = value
	}
}

func setInt(dst *int, value int) {
	if value > 0 {
		*dst = value
	}
}
