package database

import (
	"errors"
	"fmt"
	"time"
)

// Supported session store drivers
const (
	DriverSQLite   = "sqlite"
	DriverMemory   = "memory"
	DriverRedis    = "redis"
	DriverPostgres = "postgres"
)

// Config holds session store configuration
// ARCHITECTURAL DISCOVERY: One struct carries settings for every driver so the
// store factory can switch backends without touching callers
type Config struct {
	Driver          string        `json:"driver" env:"DRIVER"`
	DatabasePath    string        `json:"database_path" env:"PATH"`
	MaxConnections  int           `json:"max_connections" env:"MAX_CONNECTIONS"`
	ConnMaxLifetime time.Duration `json:"conn_max_lifetime" env:"CONN_MAX_LIFETIME"`
	ConnMaxIdleTime time.Duration `json:"conn_max_idle_time" env:"CONN_MAX_IDLE_TIME"`
	PostgresURL     string        `json:"postgres_url" env:"POSTGRES_URL"`
	RedisURL        string        `json:"redis_url" env:"REDIS_URL"`
	RedisKeyPrefix  string        `json:"redis_key_prefix" env:"REDIS_KEY_PREFIX"`
	// RedisMaxRetries bounds optimistic transaction retries on WATCH conflicts
	RedisMaxRetries int `json:"redis_max_retries" env:"REDIS_MAX_RETRIES"`
}

// DefaultConfig returns production-ready store configuration
// FUNCTIONAL DISCOVERY: SQLite performs well with 10 pooled readers for
// a booking service where writes are serialized by a single goroutine
func DefaultConfig() *Config {
	return &Config{
		Driver:          DriverSQLite,
		DatabasePath:    "./data/therapychat.db",
		MaxConnections:  10,
		ConnMaxLifetime: time.Hour,
		ConnMaxIdleTime: time.Minute * 10,
		RedisKeyPrefix:  "therapychat",
		RedisMaxRetries: 10,
	}
}

// Validate ensures the configuration is valid for the selected driver
func (c *Config) Validate() error {
	switch c.Driver {
	case DriverSQLite:
		if c.DatabasePath == "" {
			return errors.New("database path cannot be empty")
		}
		if c.MaxConnections <= 0 {
			return errors.New("max connections must be greater than 0")
		}
		if c.ConnMaxLifetime <= 0 {
			return errors.New("connection max lifetime must be greater than 0")
		}
		if c.ConnMaxIdleTime <= 0 {
			return errors.New("connection max idle time must be greater than 0")
		}
	case DriverMemory:
	case DriverPostgres:
		if c.PostgresURL == "" {
			return errors.New("postgres url cannot be empty")
		}
	case DriverRedis:
		if c.RedisURL == "" {
			return errors.New("redis url cannot be empty")
		}
		if c.RedisMaxRetries <= 0 {
			return errors.New("redis max retries must be greater than 0")
		}
	default:
		return fmt.Errorf("unsupported store driver %q", c.Driver)
	}
	return nil
}
