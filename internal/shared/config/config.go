package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server         ServerConfig
	Database       DatabaseConfig
	JWT            JWTConfig
	TLS            TLSConfig
	Telemetry      TelemetryConfig
	Log            LogConfig
	Redis          RedisConfig
	Reconciliation ReconciliationConfig
}

type ServerConfig struct {
	Port         string
	Host         string
	AllowedHosts []string
}

type DatabaseConfig struct {
	Host            string
	Port            int
	User            string
	Password        string
	DBName          string
	SSLMode         string
	MaxOpenConns    int
	MigrationsPath  string
	ListenerEnabled bool
}

type JWTConfig struct {
	Secret string
}

type TLSConfig struct {
	Enabled      bool
	CertPath     string
	KeyPath      string
	RedirectHTTP bool
}

type TelemetryConfig struct {
	Enabled      bool
	ServiceName  string
	Environment  string
	OTLPEndpoint string
}

type LogConfig struct {
	Level  string
	Format string
}

// RedisConfig is optional; an empty Addr disables distributed batch locks.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	LockTTL  time.Duration
}

type ReconciliationConfig struct {
	Workers int
}

// envBindings maps config keys to the environment variables that set them.
var envBindings = map[string]string{
	"server.port":               "PORT",
	"server.host":               "HOST",
	"server.allowed_hosts":      "ALLOWED_HOSTS",
	"database.host":             "DB_HOST",
	"database.port":             "DB_PORT",
	"database.user":             "DB_USER",
	"database.password":         "DB_PASSWORD",
	"database.name":             "DB_NAME",
	"database.sslmode":          "DB_SSLMODE",
	"database.max_open_conns":   "DB_MAX_OPEN_CONNS",
	"database.migrations_path":  "MIGRATIONS_PATH",
	"database.listener_enabled": "LISTENER_ENABLED",
	"jwt.secret":                "JWT_SECRET",
	"tls.enabled":               "TLS_ENABLED",
	"tls.cert_path":             "TLS_CERT_PATH",
	"tls.key_path":              "TLS_KEY_PATH",
	"tls.redirect_http":         "TLS_REDIRECT_HTTP",
	"telemetry.enabled":         "OTEL_ENABLED",
	"telemetry.service_name":    "OTEL_SERVICE_NAME",
	"telemetry.otlp_endpoint":   "OTEL_EXPORTER_ENDPOINT",
	"telemetry.environment":     "OTEL_ENVIRONMENT",
	"log.level":                 "LOG_LEVEL",
	"log.format":                "LOG_FORMAT",
	"redis.addr":                "REDIS_ADDR",
	"redis.password":            "REDIS_PASSWORD",
	"redis.db":                  "REDIS_DB",
	"redis.lock_ttl":            "LOCK_TTL",
	"reconciliation.workers":    "RECON_WORKERS",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.allowed_hosts", "")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", "5432")
	v.SetDefault("database.user", "famledger")
	v.SetDefault("database.password", "")
	v.SetDefault("database.name", "famledger")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_open_conns", "25")
	v.SetDefault("database.migrations_path", "")
	v.SetDefault("database.listener_enabled", "true")
	v.SetDefault("jwt.secret", "")
	v.SetDefault("tls.enabled", "false")
	v.SetDefault("tls.redirect_http", "false")
	v.SetDefault("telemetry.enabled", "false")
	v.SetDefault("telemetry.service_name", "famledger-api")
	v.SetDefault("telemetry.otlp_endpoint", "localhost:4317")
	v.SetDefault("telemetry.environment", "development")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.db", "0")
	v.SetDefault("redis.lock_ttl", "30s")
	v.SetDefault("reconciliation.workers", "4")
}

// Load reads configuration from defaults, an optional file named by
// CONFIG_FILE, and environment variables, in increasing precedence.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("failed to bind %s: %w", env, err)
		}
	}

	if err := v.BindEnv("config_file", "CONFIG_FILE"); err != nil {
		return nil, fmt.Errorf("failed to bind CONFIG_FILE: %w", err)
	}
	if path := v.GetString("config_file"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	dbPort, err := strconv.Atoi(v.GetString("database.port"))
	if err != nil {
		return nil, fmt.Errorf("invalid DB_PORT: %w", err)
	}
	maxOpenConns, err := strconv.Atoi(v.GetString("database.max_open_conns"))
	if err != nil {
		return nil, fmt.Errorf("invalid DB_MAX_OPEN_CONNS: %w", err)
	}
	redisDB, err := strconv.Atoi(v.GetString("redis.db"))
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_DB: %w", err)
	}
	lockTTL, err := time.ParseDuration(v.GetString("redis.lock_ttl"))
	if err != nil {
		return nil, fmt.Errorf("invalid LOCK_TTL: %w", err)
	}
	workers, err := strconv.Atoi(v.GetString("reconciliation.workers"))
	if err != nil {
		return nil, fmt.Errorf("invalid RECON_WORKERS: %w", err)
	}

	cfg := &Config{
		Server: ServerConfig{
			Port:         v.GetString("server.port"),
			Host:         v.GetString("server.host"),
			AllowedHosts: splitList(v.GetString("server.allowed_hosts")),
		},
		Database: DatabaseConfig{
			Host:            v.GetString("database.host"),
			Port:            dbPort,
			User:            v.GetString("database.user"),
			Password:        v.GetString("database.password"),
			DBName:          v.GetString("database.name"),
			SSLMode:         v.GetString("database.sslmode"),
			MaxOpenConns:    maxOpenConns,
			MigrationsPath:  v.GetString("database.migrations_path"),
			ListenerEnabled: parseBool(v.GetString("database.listener_enabled"), true),
		},
		JWT: JWTConfig{
			Secret: v.GetString("jwt.secret"),
		},
		TLS: TLSConfig{
			Enabled:      parseBool(v.GetString("tls.enabled"), false),
			CertPath:     v.GetString("tls.cert_path"),
			KeyPath:      v.GetString("tls.key_path"),
			RedirectHTTP: parseBool(v.GetString("tls.redirect_http"), false),
		},
		Telemetry: TelemetryConfig{
			Enabled:      parseBool(v.GetString("telemetry.enabled"), false),
			ServiceName:  v.GetString("telemetry.service_name"),
			Environment:  v.GetString("telemetry.environment"),
			OTLPEndpoint: v.GetString("telemetry.otlp_endpoint"),
		},
		Log: LogConfig{
			Level:  v.GetString("log.level"),
			Format: v.GetString("log.format"),
		},
		Redis: RedisConfig{
			Addr:     v.GetString("redis.addr"),
			Password: v.GetString("redis.password"),
			DB:       redisDB,
			LockTTL:  lockTTL,
		},
		Reconciliation: ReconciliationConfig{
			Workers: workers,
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.JWT.Secret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	if c.Reconciliation.Workers < 1 {
		return fmt.Errorf("RECON_WORKERS must be at least 1")
	}
	if c.Redis.LockTTL <= 0 {
		return fmt.Errorf("LOCK_TTL must be positive")
	}
	switch c.Log.Format {
	case "json", "text":
	default:
		return fmt.Errorf("LOG_FORMAT must be json or text, got %q", c.Log.Format)
	}
	if c.TLS.Enabled {
		if c.TLS.CertPath == "" {
			return fmt.Errorf("TLS_CERT_PATH is required when TLS_ENABLED=true")
		}
		if c.TLS.KeyPath == "" {
			return fmt.Errorf("TLS_KEY_PATH is required when TLS_ENABLED=true")
		}
	}
	return nil
}

func (c *DatabaseConfig) ConnectionString() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode,
	)
}

// splitList parses a comma-separated list, dropping empty entries.
func splitList(s string) []string {
	var out []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// parseBool accepts true, false, 1, 0, yes, no (case-insensitive).
func parseBool(value string, defaultValue bool) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "true", "1", "yes":
		return true
	case "false", "0", "no":
		return false
	default:
		return defaultValue
	}
}
