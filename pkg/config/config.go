package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Kafka     KafkaConfig     `mapstructure:"kafka"`
	JWT       JWTConfig       `mapstructure:"jwt"`
	OTel      OTelConfig      `mapstructure:"otel"`
	Gateway   GatewayConfig   `mapstructure:"gateway"`
	Chain     ChainConfig     `mapstructure:"chain"`
	Booking   BookingConfig   `mapstructure:"booking"`
	Payment   PaymentConfig   `mapstructure:"payment"`
	Matching  MatchingConfig  `mapstructure:"matching"`
	Ticketing TicketingConfig `mapstructure:"ticketing"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Services  ServicesConfig  `mapstructure:"services"`
}

// ServicesConfig holds URLs of internal service surfaces the integrator
// calls. An empty URL means the core runs in process.
type ServicesConfig struct {
	BookingServiceURL string `mapstructure:"booking_service_url"`
}

// AppConfig holds application-level settings
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"` // development, staging, production
	Debug       bool   `mapstructure:"debug"`
	Version     string `mapstructure:"version"`
}

// ServerConfig holds HTTP server settings
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

// DatabaseConfig holds PostgreSQL connection settings
type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	DBName          string        `mapstructure:"dbname"`
	SSLMode         string        `mapstructure:"sslmode"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
}

// DSN returns the PostgreSQL connection string
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	PoolSize     int           `mapstructure:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// Addr returns the Redis address
func (r *RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// KafkaConfig holds Kafka/Redpanda connection settings
type KafkaConfig struct {
	Brokers       []string `mapstructure:"brokers"`
	ConsumerGroup string   `mapstructure:"consumer_group"`
	ClientID      string   `mapstructure:"client_id"`
}

// JWTConfig holds JWT settings
type JWTConfig struct {
	Secret          string        `mapstructure:"secret"`
	AccessTokenTTL  time.Duration `mapstructure:"access_token_ttl"`
	RefreshTokenTTL time.Duration `mapstructure:"refresh_token_ttl"`
	Issuer          string        `mapstructure:"issuer"`
}

// OTelConfig holds OpenTelemetry settings
type OTelConfig struct {
	Enabled       bool    `mapstructure:"enabled"`
	ServiceName   string  `mapstructure:"service_name"`
	CollectorAddr string  `mapstructure:"collector_addr"`
	SampleRatio   float64 `mapstructure:"sample_ratio"`
}

// GatewayConfig holds payment gateway settings
type GatewayConfig struct {
	Provider      string        `mapstructure:"provider"` // mock, stripe
	BaseURL       string        `mapstructure:"base_url"`
	SecretKey     string        `mapstructure:"secret_key"`
	WebhookSecret string        `mapstructure:"webhook_secret"`
	CallbackURL   string        `mapstructure:"callback_url"`
	Timeout       time.Duration `mapstructure:"timeout"`
}

// ChainConfig holds blockchain anchoring settings
type ChainConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	RPCURL        string `mapstructure:"rpc_url"`
	PrivateKey    string `mapstructure:"private_key"` // hex, no 0x prefix
	ChainID       int64  `mapstructure:"chain_id"`
	Confirmations uint64 `mapstructure:"confirmations"`
}

// BookingConfig holds booking domain settings
type BookingConfig struct {
	HoldTTL            time.Duration `mapstructure:"hold_ttl"`
	MaxSeatsPerBooking int           `mapstructure:"max_seats_per_booking"`
	PlatformFeePercent float64       `mapstructure:"platform_fee_percent"`
}

// PaymentConfig holds payment domain settings
type PaymentConfig struct {
	Expiry time.Duration `mapstructure:"expiry"`
}

// MatchingConfig holds matchmaking settings
type MatchingConfig struct {
	DefaultRadiusKm float64       `mapstructure:"default_radius_km"`
	MaxCandidates   int           `mapstructure:"max_candidates"`
	CacheTTL        time.Duration `mapstructure:"cache_ttl"`
}

// TicketingConfig holds ticket issuance and anchoring settings
type TicketingConfig struct {
	SigningKey    string        `mapstructure:"signing_key"` // secp256k1 private key hex
	BatchSize     int           `mapstructure:"batch_size"`
	BatchInterval time.Duration `mapstructure:"batch_interval"`
}

// RateLimitConfig holds per-user API rate limit settings
type RateLimitConfig struct {
	RequestsPerMinute int `mapstructure:"requests_per_minute"`
	Burst             int `mapstructure:"burst"`
}

// Load loads configuration from environment variables and .env file
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigFile(".env")
	v.SetConfigType("env")

	// .env is optional, env vars may carry everything
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			// continue; env vars might still be set
		}
	}

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	cfg := &Config{}
	if err := bindConfig(v, cfg); err != nil {
		return nil, fmt.Errorf("failed to bind config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// LoadWithPath loads configuration from a specific path
func LoadWithPath(path string) (*Config, error) {
	v := viper.New()

	v.SetConfigFile(path)
	v.SetConfigType("env")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	cfg := &Config{}
	if err := bindConfig(v, cfg); err != nil {
		return nil, fmt.Errorf("failed to bind config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	// App defaults
	v.SetDefault("APP_NAME", "openride")
	v.SetDefault("APP_ENVIRONMENT", "development")
	v.SetDefault("APP_DEBUG", true)
	v.SetDefault("APP_VERSION", "1.0.0")

	// Server defaults
	v.SetDefault("SERVER_HOST", "0.0.0.0")
	v.SetDefault("SERVER_PORT", 8080)
	v.SetDefault("SERVER_READ_TIMEOUT", "30s")
	v.SetDefault("SERVER_WRITE_TIMEOUT", "30s")
	v.SetDefault("SERVER_IDLE_TIMEOUT", "120s")

	// Database defaults
	v.SetDefault("DATABASE_HOST", "localhost")
	v.SetDefault("DATABASE_PORT", 5432)
	v.SetDefault("DATABASE_USER", "postgres")
	v.SetDefault("DATABASE_PASSWORD", "postgres")
	v.SetDefault("DATABASE_DBNAME", "openride_db")
	v.SetDefault("DATABASE_SSLMODE", "disable")
	v.SetDefault("DATABASE_MAX_OPEN_CONNS", 100)
	v.SetDefault("DATABASE_MAX_IDLE_CONNS", 10)
	v.SetDefault("DATABASE_CONN_MAX_LIFETIME", "1h")
	v.SetDefault("DATABASE_CONN_MAX_IDLE_TIME", "30m")

	// Redis defaults
	v.SetDefault("REDIS_HOST", "localhost")
	v.SetDefault("REDIS_PORT", 6379)
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("REDIS_POOL_SIZE", 100)
	v.SetDefault("REDIS_MIN_IDLE_CONNS", 10)
	v.SetDefault("REDIS_DIAL_TIMEOUT", "5s")
	v.SetDefault("REDIS_READ_TIMEOUT", "3s")
	v.SetDefault("REDIS_WRITE_TIMEOUT", "3s")

	// Kafka defaults
	v.SetDefault("KAFKA_BROKERS", "localhost:9092")
	v.SetDefault("KAFKA_CONSUMER_GROUP", "openride")
	v.SetDefault("KAFKA_CLIENT_ID", "openride")

	// JWT defaults
	v.SetDefault("JWT_SECRET", "your-secret-key-change-in-production")
	v.SetDefault("JWT_ACCESS_TOKEN_TTL", "15m")
	v.SetDefault("JWT_REFRESH_TOKEN_TTL", "168h") // 7 days
	v.SetDefault("JWT_ISSUER", "openride")

	// OTel defaults
	v.SetDefault("OTEL_ENABLED", true)
	v.SetDefault("OTEL_SERVICE_NAME", "openride")
	v.SetDefault("OTEL_COLLECTOR_ADDR", "localhost:4317")
	v.SetDefault("OTEL_SAMPLE_RATIO", 1.0)

	// Payment gateway defaults
	v.SetDefault("GATEWAY_PROVIDER", "mock")
	v.SetDefault("GATEWAY_BASE_URL", "https://gateway.example.com")
	v.SetDefault("GATEWAY_SECRET_KEY", "")
	v.SetDefault("GATEWAY_WEBHOOK_SECRET", "")
	v.SetDefault("GATEWAY_CALLBACK_URL", "http://localhost:8080/v1/webhooks/gateway")
	v.SetDefault("GATEWAY_TIMEOUT", "10s")

	// Chain defaults
	v.SetDefault("CHAIN_ENABLED", false)
	v.SetDefault("CHAIN_RPC_URL", "http://localhost:8545")
	v.SetDefault("CHAIN_PRIVATE_KEY", "")
	v.SetDefault("CHAIN_ID", 11155111) // sepolia
	v.SetDefault("CHAIN_CONFIRMATIONS", 12)

	// Booking defaults
	v.SetDefault("BOOKING_HOLD_TTL", "10m")
	v.SetDefault("BOOKING_MAX_SEATS_PER_BOOKING", 4)
	v.SetDefault("BOOKING_PLATFORM_FEE_PERCENT", 5.0)

	// Payment defaults
	v.SetDefault("PAYMENT_EXPIRY", "15m")

	// Matching defaults
	v.SetDefault("MATCHING_DEFAULT_RADIUS_KM", 5.0)
	v.SetDefault("MATCHING_MAX_CANDIDATES", 50)
	v.SetDefault("MATCHING_CACHE_TTL", "3m")

	// Ticketing defaults
	v.SetDefault("TICKETING_SIGNING_KEY", "")
	v.SetDefault("TICKETING_BATCH_SIZE", 100)
	v.SetDefault("TICKETING_BATCH_INTERVAL", "5m")

	// Rate limit defaults
	v.SetDefault("RATE_LIMIT_REQUESTS_PER_MINUTE", 100)
	v.SetDefault("RATE_LIMIT_BURST", 20)

	// Service URL defaults; empty keeps the booking core in process
	v.SetDefault("SERVICES_BOOKING_SERVICE_URL", "")
}

func bindConfig(v *viper.Viper, cfg *Config) error {
	// App
	cfg.App.Name = v.GetString("APP_NAME")
	cfg.App.Environment = v.GetString("APP_ENVIRONMENT")
	cfg.App.Debug = v.GetBool("APP_DEBUG")
	cfg.App.Version = v.GetString("APP_VERSION")

	// Server
	cfg.Server.Host = v.GetString("SERVER_HOST")
	cfg.Server.Port = v.GetInt("SERVER_PORT")
	cfg.Server.ReadTimeout = v.GetDuration("SERVER_READ_TIMEOUT")
	cfg.Server.WriteTimeout = v.GetDuration("SERVER_WRITE_TIMEOUT")
	cfg.Server.IdleTimeout = v.GetDuration("SERVER_IDLE_TIMEOUT")

	// Database
	cfg.Database.Host = v.GetString("DATABASE_HOST")
	cfg.Database.Port = v.GetInt("DATABASE_PORT")
	cfg.Database.User = v.GetString("DATABASE_USER")
	cfg.Database.Password = v.GetString("DATABASE_PASSWORD")
	cfg.Database.DBName = v.GetString("DATABASE_DBNAME")
	cfg.Database.SSLMode = v.GetString("DATABASE_SSLMODE")
	cfg.Database.MaxOpenConns = v.GetInt("DATABASE_MAX_OPEN_CONNS")
	cfg.Database.MaxIdleConns = v.GetInt("DATABASE_MAX_IDLE_CONNS")
	cfg.Database.ConnMaxLifetime = v.GetDuration("DATABASE_CONN_MAX_LIFETIME")
	cfg.Database.ConnMaxIdleTime = v.GetDuration("DATABASE_CONN_MAX_IDLE_TIME")

	// Redis
	cfg.Redis.Host = v.GetString("REDIS_HOST")
	cfg.Redis.Port = v.GetInt("REDIS_PORT")
	cfg.Redis.Password = v.GetString("REDIS_PASSWORD")
	cfg.Redis.DB = v.GetInt("REDIS_DB")
	cfg.Redis.PoolSize = v.GetInt("REDIS_POOL_SIZE")
	cfg.Redis.MinIdleConns = v.GetInt("REDIS_MIN_IDLE_CONNS")
	cfg.Redis.DialTimeout = v.GetDuration("REDIS_DIAL_TIMEOUT")
	cfg.Redis.ReadTimeout = v.GetDuration("REDIS_READ_TIMEOUT")
	cfg.Redis.WriteTimeout = v.GetDuration("REDIS_WRITE_TIMEOUT")

	// Kafka
	brokersStr := v.GetString("KAFKA_BROKERS")
	cfg.Kafka.Brokers = strings.Split(brokersStr, ",")
	cfg.Kafka.ConsumerGroup = v.GetString("KAFKA_CONSUMER_GROUP")
	cfg.Kafka.ClientID = v.GetString("KAFKA_CLIENT_ID")

	// JWT
	cfg.JWT.Secret = v.GetString("JWT_SECRET")
	cfg.JWT.AccessTokenTTL = v.GetDuration("JWT_ACCESS_TOKEN_TTL")
	cfg.JWT.RefreshTokenTTL = v.GetDuration("JWT_REFRESH_TOKEN_TTL")
	cfg.JWT.Issuer = v.GetString("JWT_ISSUER")

	// OTel
	cfg.OTel.Enabled = v.GetBool("OTEL_ENABLED")
	cfg.OTel.ServiceName = v.GetString("OTEL_SERVICE_NAME")
	cfg.OTel.CollectorAddr = v.GetString("OTEL_COLLECTOR_ADDR")
	cfg.OTel.SampleRatio = v.GetFloat64("OTEL_SAMPLE_RATIO")

	// Gateway
	cfg.Gateway.Provider = v.GetString("GATEWAY_PROVIDER")
	cfg.Gateway.BaseURL = v.GetString("GATEWAY_BASE_URL")
	cfg.Gateway.SecretKey = v.GetString("GATEWAY_SECRET_KEY")
	cfg.Gateway.WebhookSecret = v.GetString("GATEWAY_WEBHOOK_SECRET")
	cfg.Gateway.CallbackURL = v.GetString("GATEWAY_CALLBACK_URL")
	cfg.Gateway.Timeout = v.GetDuration("GATEWAY_TIMEOUT")

	// Chain
	cfg.Chain.Enabled = v.GetBool("CHAIN_ENABLED")
	cfg.Chain.RPCURL = v.GetString("CHAIN_RPC_URL")
	cfg.Chain.PrivateKey = v.GetString("CHAIN_PRIVATE_KEY")
	cfg.Chain.ChainID = v.GetInt64("CHAIN_ID")
	cfg.Chain.Confirmations = v.GetUint64("CHAIN_CONFIRMATIONS")

	// Booking
	cfg.Booking.HoldTTL = v.GetDuration("BOOKING_HOLD_TTL")
	cfg.Booking.MaxSeatsPerBooking = v.GetInt("BOOKING_MAX_SEATS_PER_BOOKING")
	cfg.Booking.PlatformFeePercent = v.GetFloat64("BOOKING_PLATFORM_FEE_PERCENT")

	// Payment
	cfg.Payment.Expiry = v.GetDuration("PAYMENT_EXPIRY")

	// Matching
	cfg.Matching.DefaultRadiusKm = v.GetFloat64("MATCHING_DEFAULT_RADIUS_KM")
	cfg.Matching.MaxCandidates = v.GetInt("MATCHING_MAX_CANDIDATES")
	cfg.Matching.CacheTTL = v.GetDuration("MATCHING_CACHE_TTL")

	// Ticketing
	cfg.Ticketing.SigningKey = v.GetString("TICKETING_SIGNING_KEY")
	cfg.Ticketing.BatchSize = v.GetInt("TICKETING_BATCH_SIZE")
	cfg.Ticketing.BatchInterval = v.GetDuration("TICKETING_BATCH_INTERVAL")

	// Rate limit
	cfg.RateLimit.RequestsPerMinute = v.GetInt("RATE_LIMIT_REQUESTS_PER_MINUTE")
	cfg.RateLimit.Burst = v.GetInt("RATE_LIMIT_BURST")

	// Services
	cfg.Services.BookingServiceURL = v.GetString("SERVICES_BOOKING_SERVICE_URL")

	return nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.App.Name == "" {
		return fmt.Errorf("app name is required")
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if c.JWT.Secret == "" {
		return fmt.Errorf("JWT secret is required")
	}

	if c.App.Environment == "production" && c.JWT.Secret == "your-secret-key-change-in-production" {
		return fmt.Errorf("JWT secret must be changed in production")
	}

	if c.Booking.MaxSeatsPerBooking <= 0 {
		return fmt.Errorf("invalid max seats per booking: %d", c.Booking.MaxSeatsPerBooking)
	}

	if c.Ticketing.BatchSize <= 0 || c.Ticketing.BatchSize > 100 {
		return fmt.Errorf("invalid ticket batch size: %d", c.Ticketing.BatchSize)
	}

	if c.Chain.Enabled && c.Chain.RPCURL == "" {
		return fmt.Errorf("CHAIN_RPC_URL is required when anchoring is enabled")
	}

	return nil
}

// IsProduction returns true if running in production environment
func (c *Config) IsProduction() bool {
	return c.App.Environment == "production"
}

// IsDevelopment returns true if running in development environment
func (c *Config) IsDevelopment() bool {
	return c.App.Environment == "development"
}
