package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	App         AppConfig         `mapstructure:"app"`
	Server      ServerConfig      `mapstructure:"server"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Redis       RedisConfig       `mapstructure:"redis"`
	Kafka       KafkaConfig       `mapstructure:"kafka"`
	OTel        OTelConfig        `mapstructure:"otel"`
	Coordinator CoordinatorConfig `mapstructure:"coordinator"`
	Adapter     AdapterConfig     `mapstructure:"adapter"`
	Outbox      OutboxConfig      `mapstructure:"outbox"`
	Payment     PaymentConfig     `mapstructure:"payment"`
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
	MinIdleConns    int           `mapstructure:"min_idle_conns"`
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

// KafkaConfig holds Kafka connection settings
type KafkaConfig struct {
	Brokers  []string `mapstructure:"brokers"`
	ClientID string   `mapstructure:"client_id"`
}

// OTelConfig holds OpenTelemetry settings
type OTelConfig struct {
	Enabled       bool    `mapstructure:"enabled"`
	ServiceName   string  `mapstructure:"service_name"`
	CollectorAddr string  `mapstructure:"collector_addr"`
	SampleRatio   float64 `mapstructure:"sample_ratio"`
}

// CoordinatorConfig holds saga coordinator settings
type CoordinatorConfig struct {
	OwnerID              string        `mapstructure:"owner_id"`
	LeaseTTL             time.Duration `mapstructure:"lease_ttl"`
	HeartbeatInterval    time.Duration `mapstructure:"heartbeat_interval"`
	RecoveryScanInterval time.Duration `mapstructure:"recovery_scan_interval"`
	RecoveryBatchSize    int           `mapstructure:"recovery_batch_size"`
	// SagaTimeout bounds forward execution of one saga; 0 disables it
	SagaTimeout time.Duration `mapstructure:"saga_timeout"`
}

// AdapterConfig holds participant adapter resilience settings
type AdapterConfig struct {
	CallTimeout         time.Duration `mapstructure:"call_timeout"`
	RetryMaxAttempts    int           `mapstructure:"retry_max_attempts"`
	RetryBaseInterval   time.Duration `mapstructure:"retry_base_interval"`
	RetryMaxInterval    time.Duration `mapstructure:"retry_max_interval"`
	RetryMultiplier     float64       `mapstructure:"retry_multiplier"`
	RetryJitterFactor   float64       `mapstructure:"retry_jitter_factor"`
	BreakerFailureRate  float64       `mapstructure:"breaker_failure_rate"`
	BreakerMinSamples   int           `mapstructure:"breaker_min_samples"`
	BreakerOpenDuration time.Duration `mapstructure:"breaker_open_duration"`
	BulkheadMaxConc     int           `mapstructure:"bulkhead_max_concurrent"`
}

// OutboxConfig holds outbox relay settings
type OutboxConfig struct {
	PollInterval     time.Duration `mapstructure:"poll_interval"`
	BatchSize        int           `mapstructure:"batch_size"`
	DeadAttempts     int           `mapstructure:"dead_attempts"`
	CleanupInterval  time.Duration `mapstructure:"cleanup_interval"`
	CleanupRetention time.Duration `mapstructure:"cleanup_retention"`
}

// PaymentConfig holds payment gateway settings
type PaymentConfig struct {
	// GatewayLimit declines charges above this amount; 0 approves all
	GatewayLimit float64 `mapstructure:"gateway_limit"`
}

// Load loads configuration from environment variables and .env file
func Load() (*Config, error) {
	v := viper.New()

	// Read from .env file (optional), env vars override
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	_ = v.ReadInConfig()

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	cfg := &Config{}
	bindConfig(v, cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	// App defaults
	v.SetDefault("APP_NAME", "sagaflow")
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
	v.SetDefault("DATABASE_DBNAME", "sagaflow")
	v.SetDefault("DATABASE_SSLMODE", "disable")
	v.SetDefault("DATABASE_MAX_OPEN_CONNS", 25)
	v.SetDefault("DATABASE_MIN_IDLE_CONNS", 5)
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
	v.SetDefault("KAFKA_CLIENT_ID", "sagaflow")

	// OTel defaults
	v.SetDefault("OTEL_ENABLED", true)
	v.SetDefault("OTEL_SERVICE_NAME", "sagaflow")
	v.SetDefault("OTEL_COLLECTOR_ADDR", "localhost:4317")
	v.SetDefault("OTEL_SAMPLE_RATIO", 1.0)

	// Coordinator defaults
	v.SetDefault("COORDINATOR_OWNER_ID", "")
	v.SetDefault("COORDINATOR_LEASE_TTL", "30s")
	v.SetDefault("COORDINATOR_HEARTBEAT_INTERVAL", "10s")
	v.SetDefault("COORDINATOR_RECOVERY_SCAN_INTERVAL", "30s")
	v.SetDefault("COORDINATOR_RECOVERY_BATCH_SIZE", 100)
	v.SetDefault("COORDINATOR_SAGA_TIMEOUT", "0")

	// Adapter defaults
	v.SetDefault("ADAPTER_CALL_TIMEOUT", "5s")
	v.SetDefault("ADAPTER_RETRY_MAX_ATTEMPTS", 4)
	v.SetDefault("ADAPTER_RETRY_BASE_INTERVAL", "50ms")
	v.SetDefault("ADAPTER_RETRY_MAX_INTERVAL", "2s")
	v.SetDefault("ADAPTER_RETRY_MULTIPLIER", 2.0)
	v.SetDefault("ADAPTER_RETRY_JITTER_FACTOR", 0.1)
	v.SetDefault("ADAPTER_BREAKER_FAILURE_RATE", 0.5)
	v.SetDefault("ADAPTER_BREAKER_MIN_SAMPLES", 10)
	v.SetDefault("ADAPTER_BREAKER_OPEN_DURATION", "5s")
	v.SetDefault("ADAPTER_BULKHEAD_MAX_CONCURRENT", 32)

	// Outbox defaults
	v.SetDefault("OUTBOX_POLL_INTERVAL", "1s")
	v.SetDefault("OUTBOX_BATCH_SIZE", 100)
	v.SetDefault("OUTBOX_DEAD_ATTEMPTS", 50)
	v.SetDefault("OUTBOX_CLEANUP_INTERVAL", "1h")
	v.SetDefault("OUTBOX_CLEANUP_RETENTION", "24h")

	// Payment defaults
	v.SetDefault("PAYMENT_GATEWAY_LIMIT", 10000.0)
}

func bindConfig(v *viper.Viper, cfg *Config) {
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
	cfg.Database.MinIdleConns = v.GetInt("DATABASE_MIN_IDLE_CONNS")
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
	cfg.Kafka.Brokers = strings.Split(v.GetString("KAFKA_BROKERS"), ",")
	cfg.Kafka.ClientID = v.GetString("KAFKA_CLIENT_ID")

	// OTel
	cfg.OTel.Enabled = v.GetBool("OTEL_ENABLED")
	cfg.OTel.ServiceName = v.GetString("OTEL_SERVICE_NAME")
	cfg.OTel.CollectorAddr = v.GetString("OTEL_COLLECTOR_ADDR")
	cfg.OTel.SampleRatio = v.GetFloat64("OTEL_SAMPLE_RATIO")

	// Coordinator
	cfg.Coordinator.OwnerID = v.GetString("COORDINATOR_OWNER_ID")
	cfg.Coordinator.LeaseTTL = v.GetDuration("COORDINATOR_LEASE_TTL")
	cfg.Coordinator.HeartbeatInterval = v.GetDuration("COORDINATOR_HEARTBEAT_INTERVAL")
	cfg.Coordinator.RecoveryScanInterval = v.GetDuration("COORDINATOR_RECOVERY_SCAN_INTERVAL")
	cfg.Coordinator.RecoveryBatchSize = v.GetInt("COORDINATOR_RECOVERY_BATCH_SIZE")
	cfg.Coordinator.SagaTimeout = v.GetDuration("COORDINATOR_SAGA_TIMEOUT")

	// Adapter
	cfg.Adapter.CallTimeout = v.GetDuration("ADAPTER_CALL_TIMEOUT")
	cfg.Adapter.RetryMaxAttempts = v.GetInt("ADAPTER_RETRY_MAX_ATTEMPTS")
	cfg.Adapter.RetryBaseInterval = v.GetDuration("ADAPTER_RETRY_BASE_INTERVAL")
	cfg.Adapter.RetryMaxInterval = v.GetDuration("ADAPTER_RETRY_MAX_INTERVAL")
	cfg.Adapter.RetryMultiplier = v.GetFloat64("ADAPTER_RETRY_MULTIPLIER")
	cfg.Adapter.RetryJitterFactor = v.GetFloat64("ADAPTER_RETRY_JITTER_FACTOR")
	cfg.Adapter.BreakerFailureRate = v.GetFloat64("ADAPTER_BREAKER_FAILURE_RATE")
	cfg.Adapter.BreakerMinSamples = v.GetInt("ADAPTER_BREAKER_MIN_SAMPLES")
	cfg.Adapter.BreakerOpenDuration = v.GetDuration("ADAPTER_BREAKER_OPEN_DURATION")
	cfg.Adapter.BulkheadMaxConc = v.GetInt("ADAPTER_BULKHEAD_MAX_CONCURRENT")

	// Outbox
	cfg.Outbox.PollInterval = v.GetDuration("OUTBOX_POLL_INTERVAL")
	cfg.Outbox.BatchSize = v.GetInt("OUTBOX_BATCH_SIZE")
	cfg.Outbox.DeadAttempts = v.GetInt("OUTBOX_DEAD_ATTEMPTS")
	cfg.Outbox.CleanupInterval = v.GetDuration("OUTBOX_CLEANUP_INTERVAL")
	cfg.Outbox.CleanupRetention = v.GetDuration("OUTBOX_CLEANUP_RETENTION")

	// Payment
	cfg.Payment.GatewayLimit = v.GetFloat64("PAYMENT_GATEWAY_LIMIT")

	// Fall back to the hostname for lease ownership
	if cfg.Coordinator.OwnerID == "" {
		if host, err := os.Hostname(); err == nil {
			cfg.Coordinator.OwnerID = host
		} else {
			cfg.Coordinator.OwnerID = "sagaflow-coordinator"
		}
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.App.Name == "" {
		return fmt.Errorf("app name is required")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Coordinator.LeaseTTL <= 0 {
		return fmt.Errorf("coordinator lease TTL must be positive")
	}
	if c.Coordinator.HeartbeatInterval <= 0 {
		return fmt.Errorf("coordinator heartbeat interval must be positive")
	}
	if c.Coordinator.HeartbeatInterval >= c.Coordinator.LeaseTTL {
		return fmt.Errorf("heartbeat interval must be shorter than lease TTL")
	}
	if c.Adapter.RetryMaxAttempts < 1 {
		return fmt.Errorf("adapter retry attempts must be at least 1")
	}
	if c.Outbox.PollInterval <= 0 {
		return fmt.Errorf("outbox poll interval must be positive")
	}
	if c.Outbox.DeadAttempts < 1 {
		return fmt.Errorf("outbox dead attempts must be at least 1")
	}
	return nil
}
