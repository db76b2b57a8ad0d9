// Package config provides environment-based configuration management for the
// IAM core, adapted from the teacher's viper + godotenv loader. It supports
// multiple environments (development, staging, production) with secure
// handling of signing secrets and connection credentials for the optional
// cache/archival backends.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/radek-zitek-cloud/iam-core/pkg/logger"
)

// Config holds all process configuration for the IAM core and its
// demonstration HTTP server.
type Config struct {
	App        AppConfig        `mapstructure:"app"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Cache      CacheConfig      `mapstructure:"cache"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Session    SessionConfig    `mapstructure:"session"`
	Risk       RiskConfig       `mapstructure:"risk"`
	Logger     logger.Config    `mapstructure:"logger"`
	Monitoring MonitoringConfig `mapstructure:"monitoring"`
	Seed       SeedConfig       `mapstructure:"seed"`
}

// AppConfig contains basic application settings.
type AppConfig struct {
	Name        string        `mapstructure:"name"`
	Version     string        `mapstructure:"version"`
	Environment string        `mapstructure:"environment"`
	Port        int           `mapstructure:"port"`
	Host        string        `mapstructure:"host"`
	Timeout     time.Duration `mapstructure:"timeout"`
	CORS        CORSConfig    `mapstructure:"cors"`
}

// CORSConfig defines Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	AllowedMethods []string `mapstructure:"allowed_methods"`
	AllowedHeaders []string `mapstructure:"allowed_headers"`
}

// DatabaseConfig contains the OPTIONAL MongoDB audit-archival sink settings.
// Nothing in the core's decision path requires this connection to succeed.
type DatabaseConfig struct {
	Enabled             bool          `mapstructure:"enabled"`
	URI                 string        `mapstructure:"uri"`
	Database            string        `mapstructure:"database"`
	Collection          string        `mapstructure:"collection"`
	MaxPoolSize         int           `mapstructure:"max_pool_size"`
	MinPoolSize         int           `mapstructure:"min_pool_size"`
	MaxConnIdleTime     time.Duration `mapstructure:"max_conn_idle_time"`
	ConnectTimeout      time.Duration `mapstructure:"connect_timeout"`
	ServerSelectTimeout time.Duration `mapstructure:"server_select_timeout"`
}

// CacheConfig contains the OPTIONAL Redis client settings. The decision cache
// and session store are in-memory only and do not read or write Redis; the
// server connects and health-checks the client when it is enabled.
type CacheConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	Password     string        `mapstructure:"password"`
	Database     int           `mapstructure:"database"`
	MaxRetries   int           `mapstructure:"max_retries"`
	PoolSize     int           `mapstructure:"pool_size"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

// AuthConfig contains credential, token-signing, and lockout settings.
type AuthConfig struct {
	BCryptCost             int           `mapstructure:"bcrypt_cost"`
	JWTSigningKey          string        `mapstructure:"jwt_signing_key"`
	Issuer                 string        `mapstructure:"issuer"`
	AccessTokenTTL         time.Duration `mapstructure:"access_token_ttl"`
	RefreshTokenTTL        time.Duration `mapstructure:"refresh_token_ttl"`
	IDTokenTTL             time.Duration `mapstructure:"id_token_ttl"`
	AuthorizationCodeTTL   time.Duration `mapstructure:"authorization_code_ttl"`
	APIKeyTTL              time.Duration `mapstructure:"api_key_ttl"`
	PersonalAccessTokenTTL time.Duration `mapstructure:"personal_access_token_ttl"`
	MaxFailedAttempts      int           `mapstructure:"max_failed_attempts"`
	LockoutDurationMinutes int           `mapstructure:"lockout_duration_minutes"`
	DecisionCacheTTL       time.Duration `mapstructure:"decision_cache_ttl"`
	MFAChallengeTTL        time.Duration `mapstructure:"mfa_challenge_ttl"`
}

// SessionConfig bounds session lifetime and concurrency.
type SessionConfig struct {
	DefaultTTL     time.Duration `mapstructure:"default_ttl"`
	MaxConcurrent  int           `mapstructure:"max_concurrent"`
}

// RiskConfig holds a risk assessment TTL setting. The Risk Engine does not
// read it; assessments always expire five minutes after they are made.
type RiskConfig struct {
	AssessmentTTL time.Duration `mapstructure:"assessment_ttl"`
}

// MonitoringConfig contains settings for application monitoring and metrics.
type MonitoringConfig struct {
	Enabled           bool   `mapstructure:"enabled"`
	MetricsPath       string `mapstructure:"metrics_path"`
	HealthCheckPath   string `mapstructure:"health_check_path"`
	PrometheusEnabled bool   `mapstructure:"prometheus_enabled"`
}

// SeedConfig points at an optional JSON document the orchestrator applies at
// startup (identities, roles, policies, IdPs, etc. — see the configuration
// object enumerated by the specification).
type SeedConfig struct {
	Path string `mapstructure:"path"`
}

// Load reads configuration from environment variables, config files, and
// defaults, following the 12-factor app methodology.
//
// Configuration precedence (highest to lowest):
//  1. Environment variables
//  2. Configuration file (config.yaml, config.json)
//  3. Default values
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("error loading .env file: %w", err)
		}
	}

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")
	viper.AddConfigPath("/etc/iam-core")

	viper.SetEnvPrefix("IAM")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	bindEnvironmentVariables()
	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

func bindEnvironmentVariables() {
	viper.BindEnv("app.name", "IAM_APP_NAME")
	viper.BindEnv("app.version", "IAM_APP_VERSION")
	viper.BindEnv("app.environment", "IAM_APP_ENVIRONMENT")
	viper.BindEnv("app.port", "IAM_APP_PORT")
	viper.BindEnv("app.host", "IAM_APP_HOST")
	viper.BindEnv("app.timeout", "IAM_APP_TIMEOUT")

	viper.BindEnv("app.cors.allowed_origins", "IAM_APP_CORS_ALLOWED_ORIGINS")
	viper.BindEnv("app.cors.allowed_methods", "IAM_APP_CORS_ALLOWED_METHODS")
	viper.BindEnv("app.cors.allowed_headers", "IAM_APP_CORS_ALLOWED_HEADERS")

	viper.BindEnv("database.enabled", "IAM_DATABASE_ENABLED")
	viper.BindEnv("database.uri", "IAM_DATABASE_URI")
	viper.BindEnv("database.database", "IAM_DATABASE_DATABASE")
	viper.BindEnv("database.collection", "IAM_DATABASE_COLLECTION")
	viper.BindEnv("database.max_pool_size", "IAM_DATABASE_MAX_POOL_SIZE")
	viper.BindEnv("database.min_pool_size", "IAM_DATABASE_MIN_POOL_SIZE")
	viper.BindEnv("database.max_conn_idle_time", "IAM_DATABASE_MAX_CONN_IDLE_TIME")
	viper.BindEnv("database.connect_timeout", "IAM_DATABASE_CONNECT_TIMEOUT")
	viper.BindEnv("database.server_select_timeout", "IAM_DATABASE_SERVER_SELECT_TIMEOUT")

	viper.BindEnv("cache.enabled", "IAM_CACHE_ENABLED")
	viper.BindEnv("cache.host", "IAM_CACHE_HOST")
	viper.BindEnv("cache.port", "IAM_CACHE_PORT")
	viper.BindEnv("cache.password", "IAM_CACHE_PASSWORD")
	viper.BindEnv("cache.database", "IAM_CACHE_DATABASE")
	viper.BindEnv("cache.max_retries", "IAM_CACHE_MAX_RETRIES")
	viper.BindEnv("cache.pool_size", "IAM_CACHE_POOL_SIZE")
	viper.BindEnv("cache.dial_timeout", "IAM_CACHE_DIAL_TIMEOUT")
	viper.BindEnv("cache.read_timeout", "IAM_CACHE_READ_TIMEOUT")
	viper.BindEnv("cache.write_timeout", "IAM_CACHE_WRITE_TIMEOUT")
	viper.BindEnv("cache.idle_timeout", "IAM_CACHE_IDLE_TIMEOUT")

	viper.BindEnv("auth.bcrypt_cost", "IAM_AUTH_BCRYPT_COST")
	viper.BindEnv("auth.jwt_signing_key", "IAM_AUTH_JWT_SIGNING_KEY")
	viper.BindEnv("auth.issuer", "IAM_AUTH_ISSUER")
	viper.BindEnv("auth.access_token_ttl", "IAM_AUTH_ACCESS_TOKEN_TTL")
	viper.BindEnv("auth.refresh_token_ttl", "IAM_AUTH_REFRESH_TOKEN_TTL")
	viper.BindEnv("auth.id_token_ttl", "IAM_AUTH_ID_TOKEN_TTL")
	viper.BindEnv("auth.authorization_code_ttl", "IAM_AUTH_AUTHORIZATION_CODE_TTL")
	viper.BindEnv("auth.api_key_ttl", "IAM_AUTH_API_KEY_TTL")
	viper.BindEnv("auth.personal_access_token_ttl", "IAM_AUTH_PERSONAL_ACCESS_TOKEN_TTL")
	viper.BindEnv("auth.max_failed_attempts", "IAM_AUTH_MAX_FAILED_ATTEMPTS")
	viper.BindEnv("auth.lockout_duration_minutes", "IAM_AUTH_LOCKOUT_DURATION_MINUTES")
	viper.BindEnv("auth.decision_cache_ttl", "IAM_AUTH_DECISION_CACHE_TTL")
	viper.BindEnv("auth.mfa_challenge_ttl", "IAM_AUTH_MFA_CHALLENGE_TTL")

	viper.BindEnv("session.default_ttl", "IAM_SESSION_DEFAULT_TTL")
	viper.BindEnv("session.max_concurrent", "IAM_SESSION_MAX_CONCURRENT")

	viper.BindEnv("risk.assessment_ttl", "IAM_RISK_ASSESSMENT_TTL")

	viper.BindEnv("monitoring.enabled", "IAM_MONITORING_ENABLED")
	viper.BindEnv("monitoring.metrics_path", "IAM_MONITORING_METRICS_PATH")
	viper.BindEnv("monitoring.health_check_path", "IAM_MONITORING_HEALTH_CHECK_PATH")
	viper.BindEnv("monitoring.prometheus_enabled", "IAM_MONITORING_PROMETHEUS_ENABLED")

	viper.BindEnv("seed.path", "IAM_SEED_PATH")

	viper.BindEnv("logger.level", "IAM_LOGGER_LEVEL")
	viper.BindEnv("logger.environment", "IAM_LOGGER_ENVIRONMENT")
	viper.BindEnv("logger.output_path", "IAM_LOGGER_OUTPUT_PATH")
}

func setDefaults() {
	viper.SetDefault("app.name", "IAM Core")
	viper.SetDefault("app.version", "1.0.0")
	viper.SetDefault("app.environment", "development")
	viper.SetDefault("app.port", 8080)
	viper.SetDefault("app.host", "0.0.0.0")
	viper.SetDefault("app.timeout", "30s")

	viper.SetDefault("app.cors.allowed_origins", []string{"http://localhost:3000"})
	viper.SetDefault("app.cors.allowed_methods", []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"})
	viper.SetDefault("app.cors.allowed_headers", []string{"Authorization", "Content-Type"})

	viper.SetDefault("database.enabled", false)
	viper.SetDefault("database.uri", "mongodb://localhost:27017")
	viper.SetDefault("database.database", "iam_core")
	viper.SetDefault("database.collection", "audit_archive")
	viper.SetDefault("database.max_pool_size", 100)
	viper.SetDefault("database.min_pool_size", 10)
	viper.SetDefault("database.max_conn_idle_time", "5m")
	viper.SetDefault("database.connect_timeout", "10s")
	viper.SetDefault("database.server_select_timeout", "10s")

	viper.SetDefault("cache.enabled", false)
	viper.SetDefault("cache.host", "localhost")
	viper.SetDefault("cache.port", 6379)
	viper.SetDefault("cache.password", "")
	viper.SetDefault("cache.database", 0)
	viper.SetDefault("cache.max_retries", 3)
	viper.SetDefault("cache.pool_size", 10)
	viper.SetDefault("cache.dial_timeout", "5s")
	viper.SetDefault("cache.read_timeout", "3s")
	viper.SetDefault("cache.write_timeout", "3s")
	viper.SetDefault("cache.idle_timeout", "5m")

	viper.SetDefault("auth.bcrypt_cost", 12)
	viper.SetDefault("auth.jwt_signing_key", "change-me-in-production")
	viper.SetDefault("auth.issuer", "iam-core")
	viper.SetDefault("auth.access_token_ttl", "15m")
	viper.SetDefault("auth.refresh_token_ttl", "720h") // 30 days
	viper.SetDefault("auth.id_token_ttl", "1h")
	viper.SetDefault("auth.authorization_code_ttl", "10m")
	viper.SetDefault("auth.api_key_ttl", "8760h")            // 1 year
	viper.SetDefault("auth.personal_access_token_ttl", "2160h") // 90 days
	viper.SetDefault("auth.max_failed_attempts", 5)
	viper.SetDefault("auth.lockout_duration_minutes", 30)
	viper.SetDefault("auth.decision_cache_ttl", "60s")
	viper.SetDefault("auth.mfa_challenge_ttl", "5m")

	viper.SetDefault("session.default_ttl", "8h")
	viper.SetDefault("session.max_concurrent", 5)

	viper.SetDefault("risk.assessment_ttl", "5m")

	viper.SetDefault("monitoring.enabled", true)
	viper.SetDefault("monitoring.metrics_path", "/metrics")
	viper.SetDefault("monitoring.health_check_path", "/health")
	viper.SetDefault("monitoring.prometheus_enabled", true)

	viper.SetDefault("seed.path", "")

	viper.SetDefault("logger.level", "info")
	viper.SetDefault("logger.environment", "development")
	viper.SetDefault("logger.output_path", "stdout")
}

func validate(config *Config) error {
	if config.App.Environment == "production" {
		if config.Auth.JWTSigningKey == "change-me-in-production" {
			return fmt.Errorf("jwt signing key must be changed in production")
		}
	}

	if config.App.Port < 1024 || config.App.Port > 65535 {
		return fmt.Errorf("app port must be between 1024 and 65535, got %d", config.App.Port)
	}

	if config.Database.Enabled && config.Database.MaxPoolSize < config.Database.MinPoolSize {
		return fmt.Errorf("database max_pool_size must be >= min_pool_size")
	}

	if config.Auth.BCryptCost < 10 || config.Auth.BCryptCost > 15 {
		return fmt.Errorf("bcrypt cost must be between 10 and 15, got %d", config.Auth.BCryptCost)
	}

	return nil
}

// IsDevelopment returns true if the application is running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.App.Environment == "development"
}

// IsProduction returns true if the application is running in production mode.
func (c *Config) IsProduction() bool {
	return c.App.Environment == "production"
}

// GetRedisAddr returns the Redis server address in host:port format.
func (c *Config) GetRedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Cache.Host, c.Cache.Port)
}

// GetServerAddr returns the demonstration HTTP server address in host:port
// format.
func (c *Config) GetServerAddr() string {
	return fmt.Sprintf("%s:%d", c.App.Host, c.App.Port)
}

// GetDatabaseURI returns the connection URI for the audit archival store.
func (c *Config) GetDatabaseURI() string {
	return c.Database.URI
}

// LogConfigSummary logs a summary of the loaded configuration for debugging
// purposes. Only used in development mode to avoid exposing secrets.
func (c *Config) LogConfigSummary() {
	if !c.IsDevelopment() {
		return
	}
	fmt.Printf("Configuration Summary:\n")
	fmt.Printf("  App: %s v%s (%s)\n", c.App.Name, c.App.Version, c.App.Environment)
	fmt.Printf("  Server: %s\n", c.GetServerAddr())
	fmt.Printf("  Audit archive: enabled=%v %s (db: %s)\n", c.Database.Enabled, maskSensitive(c.Database.URI), c.Database.Database)
	fmt.Printf("  Decision cache: enabled=%v %s (db: %d)\n", c.Cache.Enabled, c.GetRedisAddr(), c.Cache.Database)
	fmt.Printf("  JWT signing key: %s\n", maskSensitive(c.Auth.JWTSigningKey))
	fmt.Println("Configuration loaded successfully")
}

// maskSensitive masks sensitive information for logging purposes.
func maskSensitive(value string) string {
	if len(value) <= 8 {
		return "***"
	}
	return value[:8] + "..."
}
