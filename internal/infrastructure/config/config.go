// Package config loads application configuration from config.toml and
// environment variables using viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	App       AppConfig
	HTTP      HTTPConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	JWT       JWTConfig
	Log       LogConfig
	Event     EventConfig
	Credit    CreditConfig
	Telemetry TelemetryConfig
}

// AppConfig holds application-specific settings
type AppConfig struct {
	Name string
	Env  string
	Port string
}

// HTTPConfig holds HTTP server configuration
type HTTPConfig struct {
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	IdleTimeout    time.Duration
	MaxHeaderBytes int
}

// DatabaseConfig holds database connection settings
type DatabaseConfig struct {
	Host            string
	Port            int
	User            string
	Password        string
	DBName          string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime int // in minutes
	ConnMaxIdleTime int // in minutes
}

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

// JWTConfig holds JWT settings
type JWTConfig struct {
	Secret                string
	AccessTokenExpiration time.Duration
	Issuer                string
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level  string // debug, info, warn, error
	Format string // json, console
	Output string // stdout, stderr, or file path
}

// EventConfig holds sync event publishing and ledger configuration
type EventConfig struct {
	// Namespace prefixes every stream id ({namespace}:sync:{entity}:{event}).
	Namespace string
	// SourceApp identifies this service in the envelope.
	SourceApp string
	// ConnectMaxAttempts caps broker connection retries.
	ConnectMaxAttempts int
	// ConnectMaxRetryTime caps cumulative time spent retrying the connection.
	ConnectMaxRetryTime time.Duration
	// LedgerRetention bounds how long pending-message rows are kept.
	LedgerRetention time.Duration
	// StaleThreshold is the age after which a processing record may be
	// reclaimed by a new consumer attempt.
	StaleThreshold time.Duration
	// PurgeInterval controls the background retention purge loop.
	PurgeInterval time.Duration
	// PurgeEnabled toggles the purge loop.
	PurgeEnabled bool
}

// CreditConfig holds credit ledger configuration
type CreditConfig struct {
	// AuthorityURL is the base URL of the authoritative balance service.
	AuthorityURL string
	// AuthorityTimeout bounds each authority call.
	AuthorityTimeout time.Duration
	// CostCacheTTL is the lifetime of cached operation costs.
	CostCacheTTL time.Duration
	// SyncInterval controls periodic reconciliation against the authority.
	SyncInterval time.Duration
}

// TelemetryConfig holds metrics export configuration
type TelemetryConfig struct {
	MetricsEnabled    bool
	CollectorEndpoint string
	ExportInterval    time.Duration
	Insecure          bool
}

// Load reads configuration from config.toml and environment variables.
// Priority (highest to lowest):
// 1. Environment variables with CRM_ prefix (e.g., CRM_DATABASE_PASSWORD)
// 2. config.toml
// 3. Built-in defaults
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("toml")
	v.AddConfigPath(".")
	v.AddConfigPath("/app")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found is OK, we'll use defaults and env vars
	}

	v.SetEnvPrefix("CRM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := &Config{
		App: AppConfig{
			Name: v.GetString("app.name"),
			Env:  v.GetString("app.env"),
			Port: v.GetString("app.port"),
		},
		HTTP: HTTPConfig{
			ReadTimeout:    v.GetDuration("http.read_timeout"),
			WriteTimeout:   v.GetDuration("http.write_timeout"),
			IdleTimeout:    v.GetDuration("http.idle_timeout"),
			MaxHeaderBytes: v.GetInt("http.max_header_bytes"),
		},
		Database: DatabaseConfig{
			Host:            v.GetString("database.host"),
			Port:            v.GetInt("database.port"),
			User:            v.GetString("database.user"),
			Password:        v.GetString("database.password"),
			DBName:          v.GetString("database.dbname"),
			SSLMode:         v.GetString("database.sslmode"),
			MaxOpenConns:    v.GetInt("database.max_open_conns"),
			MaxIdleConns:    v.GetInt("database.max_idle_conns"),
			ConnMaxLifetime: v.GetInt("database.conn_max_lifetime"),
			ConnMaxIdleTime: v.GetInt("database.conn_max_idle_time"),
		},
		Redis: RedisConfig{
			Host:     v.GetString("redis.host"),
			Port:     v.GetInt("redis.port"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
		},
		JWT: JWTConfig{
			Secret:                v.GetString("jwt.secret"),
			AccessTokenExpiration: v.GetDuration("jwt.access_token_expiration"),
			Issuer:                v.GetString("jwt.issuer"),
		},
		Log: LogConfig{
			Level:  v.GetString("log.level"),
			Format: v.GetString("log.format"),
			Output: v.GetString("log.output"),
		},
		Event: EventConfig{
			Namespace:           v.GetString("event.namespace"),
			SourceApp:           v.GetString("event.source_app"),
			ConnectMaxAttempts:  v.GetInt("event.connect_max_attempts"),
			ConnectMaxRetryTime: v.GetDuration("event.connect_max_retry_time"),
			LedgerRetention:     v.GetDuration("event.ledger_retention"),
			StaleThreshold:      v.GetDuration("event.stale_threshold"),
			PurgeInterval:       v.GetDuration("event.purge_interval"),
			PurgeEnabled:        v.GetBool("event.purge_enabled"),
		},
		Credit: CreditConfig{
			AuthorityURL:     v.GetString("credit.authority_url"),
			AuthorityTimeout: v.GetDuration("credit.authority_timeout"),
			CostCacheTTL:     v.GetDuration("credit.cost_cache_ttl"),
			SyncInterval:     v.GetDuration("credit.sync_interval"),
		},
		Telemetry: TelemetryConfig{
			MetricsEnabled:    v.GetBool("telemetry.metrics_enabled"),
			CollectorEndpoint: v.GetString("telemetry.collector_endpoint"),
			ExportInterval:    v.GetDuration("telemetry.export_interval"),
			Insecure:          v.GetBool("telemetry.insecure"),
		},
	}

	applyDefaults(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// applyDefaults fills in zero values with sensible defaults
func applyDefaults(cfg *Config) {
	if cfg.App.Name == "" {
		cfg.App.Name = "crm-backend"
	}
	if cfg.App.Env == "" {
		cfg.App.Env = "development"
	}
	if cfg.App.Port == "" {
		cfg.App.Port = "8080"
	}

	if cfg.HTTP.ReadTimeout == 0 {
		cfg.HTTP.ReadTimeout = 15 * time.Second
	}
	if cfg.HTTP.WriteTimeout == 0 {
		cfg.HTTP.WriteTimeout = 30 * time.Second
	}
	if cfg.HTTP.IdleTimeout == 0 {
		cfg.HTTP.IdleTimeout = 60 * time.Second
	}
	if cfg.HTTP.MaxHeaderBytes == 0 {
		cfg.HTTP.MaxHeaderBytes = 1 << 20
	}

	if cfg.Database.Host == "" {
		cfg.Database.Host = "localhost"
	}
	if cfg.Database.Port == 0 {
		cfg.Database.Port = 5432
	}
	if cfg.Database.User == "" {
		cfg.Database.User = "postgres"
	}
	if cfg.Database.DBName == "" {
		cfg.Database.DBName = "crm"
	}
	if cfg.Database.SSLMode == "" {
		cfg.Database.SSLMode = "disable"
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 25
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 5
	}
	if cfg.Database.ConnMaxLifetime == 0 {
		cfg.Database.ConnMaxLifetime = 30
	}
	if cfg.Database.ConnMaxIdleTime == 0 {
		cfg.Database.ConnMaxIdleTime = 10
	}

	if cfg.Redis.Host == "" {
		cfg.Redis.Host = "localhost"
	}
	if cfg.Redis.Port == 0 {
		cfg.Redis.Port = 6379
	}

	if cfg.JWT.AccessTokenExpiration == 0 {
		cfg.JWT.AccessTokenExpiration = 15 * time.Minute
	}
	if cfg.JWT.Issuer == "" {
		cfg.JWT.Issuer = "crm-backend"
	}

	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		if cfg.App.Env == "production" {
			cfg.Log.Format = "json"
		} else {
			cfg.Log.Format = "console"
		}
	}
	if cfg.Log.Output == "" {
		cfg.Log.Output = "stdout"
	}

	if cfg.Event.Namespace == "" {
		cfg.Event.Namespace = "crm"
	}
	if cfg.Event.SourceApp == "" {
		cfg.Event.SourceApp = cfg.App.Name
	}
	if cfg.Event.ConnectMaxAttempts == 0 {
		cfg.Event.ConnectMaxAttempts = 50
	}
	if cfg.Event.ConnectMaxRetryTime == 0 {
		cfg.Event.ConnectMaxRetryTime = time.Hour
	}
	if cfg.Event.LedgerRetention == 0 {
		cfg.Event.LedgerRetention = 30 * 24 * time.Hour
	}
	if cfg.Event.StaleThreshold == 0 {
		cfg.Event.StaleThreshold = 5 * time.Minute
	}
	if cfg.Event.PurgeInterval == 0 {
		cfg.Event.PurgeInterval = time.Hour
	}

	if cfg.Credit.AuthorityTimeout == 0 {
		cfg.Credit.AuthorityTimeout = 10 * time.Second
	}
	if cfg.Credit.CostCacheTTL == 0 {
		cfg.Credit.CostCacheTTL = 5 * time.Minute
	}
	if cfg.Credit.SyncInterval == 0 {
		cfg.Credit.SyncInterval = time.Minute
	}

	if cfg.Telemetry.ExportInterval == 0 {
		cfg.Telemetry.ExportInterval = 60 * time.Second
	}
}

// validate checks configuration for obvious misconfiguration
func (c *Config) validate() error {
	if c.App.Env == "production" {
		if c.JWT.Secret == "" {
			return fmt.Errorf("jwt.secret must be set in production")
		}
		if len(c.JWT.Secret) < 32 {
			return fmt.Errorf("jwt.secret must be at least 32 characters in production")
		}
	}
	if c.Event.ConnectMaxAttempts < 1 {
		return fmt.Errorf("event.connect_max_attempts must be positive")
	}
	if c.Event.LedgerRetention < time.Hour {
		return fmt.Errorf("event.ledger_retention must be at least one hour")
	}
	if c.Credit.AuthorityURL != "" && !strings.HasPrefix(c.Credit.AuthorityURL, "http") {
		return fmt.Errorf("credit.authority_url must be an http(s) URL")
	}
	return nil
}

// DSN builds the PostgreSQL connection string
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}

// Addr returns the host:port address for Redis
func (r *RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}
