package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the application.
type Config struct {
	Server   ServerConfig
	Postgres PostgresConfig
	Redis    RedisConfig
	Dispatch DispatchConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string        `mapstructure:"SERVER_HOST"`
	Port         int           `mapstructure:"SERVER_PORT"`
	ReadTimeout  time.Duration `mapstructure:"SERVER_READ_TIMEOUT"`
	WriteTimeout time.Duration `mapstructure:"SERVER_WRITE_TIMEOUT"`
	IdleTimeout  time.Duration `mapstructure:"SERVER_IDLE_TIMEOUT"`
}

// PostgresConfig holds PostgreSQL connection settings.
type PostgresConfig struct {
	Host     string `mapstructure:"POSTGRES_HOST"`
	Port     int    `mapstructure:"POSTGRES_PORT"`
	User     string `mapstructure:"POSTGRES_USER"`
	Password string `mapstructure:"POSTGRES_PASSWORD"`
	DBName   string `mapstructure:"POSTGRES_DB"`
	SSLMode  string `mapstructure:"POSTGRES_SSLMODE"`
	MaxConns int32  `mapstructure:"POSTGRES_MAX_CONNS"`
	MinConns int32  `mapstructure:"POSTGRES_MIN_CONNS"`
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Host     string `mapstructure:"REDIS_HOST"`
	Port     int    `mapstructure:"REDIS_PORT"`
	Password string `mapstructure:"REDIS_PASSWORD"`
	DB       int    `mapstructure:"REDIS_DB"`
	PoolSize int    `mapstructure:"REDIS_POOL_SIZE"`
}

// DispatchConfig holds the tunable dispatch policy.
//
// Reservation TTL, ranking weights, the telemetry staleness cutoff and the
// ambulance retry schedule are policy, not constants: operators tune them
// per deployment.
type DispatchConfig struct {
	// StoreBackend selects "postgres" or "memory" for the bed ledger,
	// tenant directory and incident store. Memory is for local development.
	StoreBackend string `mapstructure:"DISPATCH_STORE_BACKEND"`

	// ReservationTTL is how long an unconfirmed bed reservation is held
	// before the sweeper reclaims it.
	ReservationTTL time.Duration `mapstructure:"DISPATCH_RESERVATION_TTL"`

	// SweepInterval is how often expired reservations are reclaimed.
	SweepInterval time.Duration `mapstructure:"DISPATCH_SWEEP_INTERVAL"`

	// TelemetryStaleAfter excludes ambulances whose last ping is older than
	// this from selection, even if flagged available.
	TelemetryStaleAfter time.Duration `mapstructure:"DISPATCH_TELEMETRY_STALE_AFTER"`

	// Ranking weights. Distance dominates for critical incidents; capacity
	// dominates otherwise. Each pair should sum to 1.0.
	CriticalDistanceWeight float64 `mapstructure:"DISPATCH_CRITICAL_DISTANCE_WEIGHT"`
	DefaultDistanceWeight  float64 `mapstructure:"DISPATCH_DEFAULT_DISTANCE_WEIGHT"`

	// Ambulance assignment retry schedule.
	AmbulanceRetryAttempts int           `mapstructure:"DISPATCH_AMBULANCE_RETRY_ATTEMPTS"`
	AmbulanceRetryInitial  time.Duration `mapstructure:"DISPATCH_AMBULANCE_RETRY_INITIAL"`
	AmbulanceRetryMax      time.Duration `mapstructure:"DISPATCH_AMBULANCE_RETRY_MAX"`

	// AlertWebhookURL is the external notification endpoint for family/police
	// alerts. Empty disables outbound alerts.
	AlertWebhookURL string `mapstructure:"DISPATCH_ALERT_WEBHOOK_URL"`

	// AuditStream is the Redis stream key for dispatch audit events.
	AuditStream string `mapstructure:"DISPATCH_AUDIT_STREAM"`
}

// DSN returns the PostgreSQL connection string.
func (p *PostgresConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		p.User, p.Password, p.Host, p.Port, p.DBName, p.SSLMode,
	)
}

// Addr returns the Redis address in host:port format.
func (r *RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// ServerAddr returns the HTTP listen address in host:port format.
func (s *ServerConfig) ServerAddr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// Load reads configuration from environment variables and .env file.
func Load() (*Config, error) {
	viper.SetConfigName(".env")
	viper.SetConfigType("env")
	viper.AddConfigPath(".")
	viper.AutomaticEnv()

	// ── Defaults ────────────────────────────────────────
	viper.SetDefault("SERVER_HOST", "0.0.0.0")
	viper.SetDefault("SERVER_PORT", 8080)
	viper.SetDefault("SERVER_READ_TIMEOUT", "5s")
	viper.SetDefault("SERVER_WRITE_TIMEOUT", "10s")
	viper.SetDefault("SERVER_IDLE_TIMEOUT", "120s")

	viper.SetDefault("POSTGRES_HOST", "localhost")
	viper.SetDefault("POSTGRES_PORT", 5432)
	viper.SetDefault("POSTGRES_USER", "dispatch")
	viper.SetDefault("POSTGRES_PASSWORD", "dispatch_secret")
	viper.SetDefault("POSTGRES_DB", "dispatch_db")
	viper.SetDefault("POSTGRES_SSLMODE", "disable")
	viper.SetDefault("POSTGRES_MAX_CONNS", 50)
	viper.SetDefault("POSTGRES_MIN_CONNS", 10)

	viper.SetDefault("REDIS_HOST", "localhost")
	viper.SetDefault("REDIS_PORT", 6379)
	viper.SetDefault("REDIS_PASSWORD", "")
	viper.SetDefault("REDIS_DB", 0)
	viper.SetDefault("REDIS_POOL_SIZE", 100)

	viper.SetDefault("DISPATCH_STORE_BACKEND", "postgres")
	viper.SetDefault("DISPATCH_RESERVATION_TTL", "10m")
	viper.SetDefault("DISPATCH_SWEEP_INTERVAL", "30s")
	viper.SetDefault("DISPATCH_TELEMETRY_STALE_AFTER", "10m")
	viper.SetDefault("DISPATCH_CRITICAL_DISTANCE_WEIGHT", 0.7)
	viper.SetDefault("DISPATCH_DEFAULT_DISTANCE_WEIGHT", 0.3)
	viper.SetDefault("DISPATCH_AMBULANCE_RETRY_ATTEMPTS", 5)
	viper.SetDefault("DISPATCH_AMBULANCE_RETRY_INITIAL", "2s")
	viper.SetDefault("DISPATCH_AMBULANCE_RETRY_MAX", "30s")
	viper.SetDefault("DISPATCH_ALERT_WEBHOOK_URL", "")
	viper.SetDefault("DISPATCH_AUDIT_STREAM", "dispatch:audit")

	// Try to read .env file. If it doesn't exist (e.g., inside Docker),
	// env vars injected by docker-compose env_file are used instead.
	_ = viper.ReadInConfig()

	cfg := &Config{}

	// ── Server ──────────────────────────────────────────
	cfg.Server = ServerConfig{
		Host:         viper.GetString("SERVER_HOST"),
		Port:         viper.GetInt("SERVER_PORT"),
		ReadTimeout:  viper.GetDuration("SERVER_READ_TIMEOUT"),
		WriteTimeout: viper.GetDuration("SERVER_WRITE_TIMEOUT"),
		IdleTimeout:  viper.GetDuration("SERVER_IDLE_TIMEOUT"),
	}

	// ── Postgres ────────────────────────────────────────
	cfg.Postgres = PostgresConfig{
		Host:     viper.GetString("POSTGRES_HOST"),
		Port:     viper.GetInt("POSTGRES_PORT"),
		User:     viper.GetString("POSTGRES_USER"),
		Password: viper.GetString("POSTGRES_PASSWORD"),
		DBName:   viper.GetString("POSTGRES_DB"),
		SSLMode:  viper.GetString("POSTGRES_SSLMODE"),
		MaxConns: viper.GetInt32("POSTGRES_MAX_CONNS"),
		MinConns: viper.GetInt32("POSTGRES_MIN_CONNS"),
	}

	// ── Redis ───────────────────────────────────────────
	cfg.Redis = RedisConfig{
		Host:     viper.GetString("REDIS_HOST"),
		Port:     viper.GetInt("REDIS_PORT"),
		Password: viper.GetString("REDIS_PASSWORD"),
		DB:       viper.GetInt("REDIS_DB"),
		PoolSize: viper.GetInt("REDIS_POOL_SIZE"),
	}

	// ── Dispatch policy ─────────────────────────────────
	cfg.Dispatch = DispatchConfig{
		StoreBackend:           viper.GetString("DISPATCH_STORE_BACKEND"),
		ReservationTTL:         viper.GetDuration("DISPATCH_RESERVATION_TTL"),
		SweepInterval:          viper.GetDuration("DISPATCH_SWEEP_INTERVAL"),
		TelemetryStaleAfter:    viper.GetDuration("DISPATCH_TELEMETRY_STALE_AFTER"),
		CriticalDistanceWeight: viper.GetFloat64("DISPATCH_CRITICAL_DISTANCE_WEIGHT"),
		DefaultDistanceWeight:  viper.GetFloat64("DISPATCH_DEFAULT_DISTANCE_WEIGHT"),
		AmbulanceRetryAttempts: viper.GetInt("DISPATCH_AMBULANCE_RETRY_ATTEMPTS"),
		AmbulanceRetryInitial:  viper.GetDuration("DISPATCH_AMBULANCE_RETRY_INITIAL"),
		AmbulanceRetryMax:      viper.GetDuration("DISPATCH_AMBULANCE_RETRY_MAX"),
		AlertWebhookURL:        viper.GetString("DISPATCH_ALERT_WEBHOOK_URL"),
		AuditStream:            viper.GetString("DISPATCH_AUDIT_STREAM"),
	}

	if cfg.Dispatch.StoreBackend != "postgres" && cfg.Dispatch.StoreBackend != "memory" {
		return nil, fmt.Errorf("config: DISPATCH_STORE_BACKEND must be 'postgres' or 'memory', got %q", cfg.Dispatch.StoreBackend)
	}

	return cfg, nil
}
