package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/stockd/core/internal/domain/entities"
)

// Config holds all configuration for the application
type Config struct {
	App      AppConfig      `mapstructure:"app"`
	Server   ServerConfig   `mapstructure:"server"`
	Stock    StockConfig    `mapstructure:"stock"`
	Restock  RestockConfig  `mapstructure:"restock"`
	Gate     GateConfig     `mapstructure:"gate"`
	Redis    RedisConfig    `mapstructure:"redis"`
	JWT      JWTConfig      `mapstructure:"jwt"`
	Logger   LoggerConfig   `mapstructure:"logger"`
	Security SecurityConfig `mapstructure:"security"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
}

// AppConfig holds application-specific configuration
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Version     string `mapstructure:"version"`
	Environment string `mapstructure:"environment"`
	Debug       bool   `mapstructure:"debug"`
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Port         int           `mapstructure:"port"`
	Host         string        `mapstructure:"host"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

// StockConfig holds stock storage configuration
type StockConfig struct {
	DataDir         string        `mapstructure:"data_dir"`
	Categories      []string      `mapstructure:"categories"`
	RefreshInterval time.Duration `mapstructure:"refresh_interval"`
}

// RestockConfig holds the per-step deadlines of an interactive restock
type RestockConfig struct {
	CategoryTimeout time.Duration `mapstructure:"category_timeout"`
	PayloadTimeout  time.Duration `mapstructure:"payload_timeout"`
	SessionTTL      time.Duration `mapstructure:"session_ttl"`
}

// GateConfig holds eligibility checks applied before a dispense
type GateConfig struct {
	Cooldown          time.Duration `mapstructure:"cooldown"`
	CooldownBackend   string        `mapstructure:"cooldown_backend"`
	MinAccountAgeDays int           `mapstructure:"min_account_age_days"`
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	PoolSize     int           `mapstructure:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ConnectTries int           `mapstructure:"connect_tries"`
}

// JWTConfig holds JWT configuration
type JWTConfig struct {
	Secret    string        `mapstructure:"secret"`
	ExpiresIn time.Duration `mapstructure:"expires_in"`
	Issuer    string        `mapstructure:"issuer"`
}

// LoggerConfig holds logging configuration
type LoggerConfig struct {
	Level    string `mapstructure:"level"`
	Format   string `mapstructure:"format"`
	Output   string `mapstructure:"output"`
	Filename string `mapstructure:"filename"`
}

// SecurityConfig holds security-related configuration
type SecurityConfig struct {
	RateLimitRequests int           `mapstructure:"rate_limit_requests"`
	RateLimitWindow   time.Duration `mapstructure:"rate_limit_window"`
}

// MetricsConfig holds metrics configuration
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// Load loads configuration from various sources
func Load() (*Config, error) {
	// Load .env file if it exists (ignore errors)
	_ = godotenv.Load()

	v := viper.New()
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)
	bindEnvVars(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// STOCK_CATEGORIES arrives as a comma separated string from the environment
	cfg.Stock.Categories = splitList(v.GetStringSlice("stock.categories"))

	if err := validateConfig(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	// App defaults
	v.SetDefault("app.name", "stockd")
	v.SetDefault("app.version", "1.0.0")
	v.SetDefault("app.environment", "development")
	v.SetDefault("app.debug", false)

	// Server defaults
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.idle_timeout", "120s")

	// Stock defaults
	v.SetDefault("stock.data_dir", ".")
	v.SetDefault("stock.categories", []string{"vcc", "mcacc"})
	v.SetDefault("stock.refresh_interval", "60s")

	// Restock defaults
	v.SetDefault("restock.category_timeout", "30s")
	v.SetDefault("restock.payload_timeout", "60s")
	v.SetDefault("restock.session_ttl", "10m")

	// Gate defaults
	v.SetDefault("gate.cooldown", "120s")
	v.SetDefault("gate.cooldown_backend", "memory")
	v.SetDefault("gate.min_account_age_days", 7)

	// Redis defaults
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 10)
	v.SetDefault("redis.min_idle_conns", 2)
	v.SetDefault("redis.dial_timeout", "5s")
	v.SetDefault("redis.connect_tries", 5)

	// JWT defaults
	v.SetDefault("jwt.secret", "")
	v.SetDefault("jwt.expires_in", "720h")
	v.SetDefault("jwt.issuer", "stockd")

	// Logger defaults
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "json")
	v.SetDefault("logger.output", "stdout")

	// Security defaults
	v.SetDefault("security.rate_limit_requests", 20)
	v.SetDefault("security.rate_limit_window", "1m")

	// Metrics defaults
	v.SetDefault("metrics.enabled", true)
}

func bindEnvVars(v *viper.Viper) {
	// App
	v.BindEnv("app.name", "APP_NAME")
	v.BindEnv("app.environment", "APP_ENVIRONMENT")
	v.BindEnv("app.debug", "APP_DEBUG")

	// Server
	v.BindEnv("server.port", "PORT")
	v.BindEnv("server.host", "SERVER_HOST")
	v.BindEnv("server.read_timeout", "SERVER_READ_TIMEOUT")
	v.BindEnv("server.write_timeout", "SERVER_WRITE_TIMEOUT")
	v.BindEnv("server.idle_timeout", "SERVER_IDLE_TIMEOUT")

	// Stock
	v.BindEnv("stock.data_dir", "DATA_DIR")
	v.BindEnv("stock.categories", "STOCK_CATEGORIES")
	v.BindEnv("stock.refresh_interval", "STOCK_REFRESH_INTERVAL")

	// Restock
	v.BindEnv("restock.category_timeout", "RESTOCK_CATEGORY_TIMEOUT")
	v.BindEnv("restock.payload_timeout", "RESTOCK_PAYLOAD_TIMEOUT")
	v.BindEnv("restock.session_ttl", "RESTOCK_SESSION_TTL")

	// Gate
	v.BindEnv("gate.cooldown", "GEN_COOLDOWN")
	v.BindEnv("gate.cooldown_backend", "COOLDOWN_BACKEND")
	v.BindEnv("gate.min_account_age_days", "MIN_ACCOUNT_AGE_DAYS")

	// Redis
	v.BindEnv("redis.host", "REDIS_HOST")
	v.BindEnv("redis.port", "REDIS_PORT")
	v.BindEnv("redis.password", "REDIS_PASSWORD")
	v.BindEnv("redis.db", "REDIS_DB")
	v.BindEnv("redis.pool_size", "REDIS_POOL_SIZE")
	v.BindEnv("redis.min_idle_conns", "REDIS_MIN_IDLE_CONNS")
	v.BindEnv("redis.dial_timeout", "REDIS_DIAL_TIMEOUT")
	v.BindEnv("redis.connect_tries", "REDIS_CONNECT_TRIES")

	// JWT
	v.BindEnv("jwt.secret", "JWT_SECRET")
	v.BindEnv("jwt.expires_in", "JWT_EXPIRES_IN")
	v.BindEnv("jwt.issuer", "JWT_ISSUER")

	// Logger
	v.BindEnv("logger.level", "LOG_LEVEL")
	v.BindEnv("logger.format", "LOG_FORMAT")
	v.BindEnv("logger.output", "LOG_OUTPUT")
	v.BindEnv("logger.filename", "LOG_FILENAME")

	// Security
	v.BindEnv("security.rate_limit_requests", "RATE_LIMIT_REQUESTS")
	v.BindEnv("security.rate_limit_window", "RATE_LIMIT_WINDOW")

	// Metrics
	v.BindEnv("metrics.enabled", "ENABLE_METRICS")
}

func validateConfig(cfg *Config) error {
	if cfg.Stock.DataDir == "" {
		return fmt.Errorf("stock data directory is required")
	}

	if len(cfg.Stock.Categories) == 0 {
		return fmt.Errorf("at least one stock category is required")
	}

	seen := make(map[string]bool, len(cfg.Stock.Categories))
	for _, c := range cfg.Stock.Categories {
		if strings.ContainsAny(c, `/\.`) {
			return fmt.Errorf("category %q must not contain path characters", c)
		}
		if seen[c] {
			return fmt.Errorf("category %q is listed twice", c)
		}
		seen[c] = true
	}

	if cfg.Stock.RefreshInterval <= 0 {
		return fmt.Errorf("stock refresh interval must be positive")
	}

	if cfg.Restock.CategoryTimeout <= 0 || cfg.Restock.PayloadTimeout <= 0 {
		return fmt.Errorf("restock timeouts must be positive")
	}

	switch cfg.Gate.CooldownBackend {
	case "memory", "redis":
	default:
		return fmt.Errorf("cooldown backend must be memory or redis, got %q", cfg.Gate.CooldownBackend)
	}

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server port must be between 1 and 65535")
	}

	return nil
}

// RequireSecret reports an error when no signing secret is configured.
func (cfg *JWTConfig) RequireSecret() error {
	if cfg.Secret == "" {
		return fmt.Errorf("JWT secret must be set")
	}
	return nil
}

// CategorySet returns the configured categories in order
func (cfg *StockConfig) CategorySet() []entities.Category {
	out := make([]entities.Category, 0, len(cfg.Categories))
	for _, c := range cfg.Categories {
		out = append(out, entities.ParseCategory(c))
	}
	return out
}

// GetAddr returns the Redis address
func (cfg *RedisConfig) GetAddr() string {
	return fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
}

func splitList(items []string) []string {
	var out []string
	for _, item := range items {
		for _, part := range strings.Split(item, ",") {
			part = strings.ToLower(strings.TrimSpace(part))
			if part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
