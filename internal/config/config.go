package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all runtime configuration for the vending service.
type Config struct {
	Environment string

	Server       ServerConfig
	Redis        RedisConfig
	Kafka        KafkaConfig
	Clickhouse   ClickhouseConfig
	Manufacturer ManufacturerConfig
	Session      SessionConfig
	RateLimit    RateLimitConfig
	Reconcile    ReconcileConfig
	Logging      LoggingConfig
}

type ServerConfig struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
	CertFile     string
	KeyFile      string
	EnableTLS    bool
}

type RedisConfig struct {
	URL      string
	Password string
	DB       int
	PoolSize int
}

type KafkaConfig struct {
	Enabled            bool
	Brokers            []string
	SessionEventsTopic string
}

type ClickhouseConfig struct {
	Enabled  bool
	URL      string
	Username string
	Password string
	Database string
}

// ManufacturerConfig configures the outbound manufacturer API client.
type ManufacturerConfig struct {
	BaseURL   string
	Token     string
	Secret    string
	ReqSource string
	Timeout   time.Duration
	PayType   int
}

type SessionConfig struct {
	TTL                  time.Duration
	MachineCeiling       int
	SweepInterval        time.Duration
	SweepSampleRate      int
	MaxOrderPayloadBytes int
}

type RateLimitConfig struct {
	UseRedis         bool
	IPStatusPerMin   int
	IPCreatePerMin   int
	SessionPerMin    int
	MachinePerMin    int
	FailureThreshold int
	FailureWindow    time.Duration
	BlockDuration    time.Duration
}

type ReconcileConfig struct {
	MaxAttempts    int
	RetryDelay     time.Duration
	PaidStatusCode int
}

type LoggingConfig struct {
	Level  string
	Format string
}

// LoadConfig reads configuration from the environment. A .env file is
// loaded first when present so local development matches deployment.
func LoadConfig() *Config {
	_ = godotenv.Load()

	return &Config{
		Environment: getEnv("ENVIRONMENT", "development"),
		Server: ServerConfig{
			Host:         getEnv("SERVER_HOST", "0.0.0.0"),
			Port:         getEnvInt("SERVER_PORT", 8080),
			ReadTimeout:  getEnvDuration("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout: getEnvDuration("SERVER_WRITE_TIMEOUT", 30*time.Second),
			IdleTimeout:  getEnvDuration("SERVER_IDLE_TIMEOUT", 60*time.Second),
			CertFile:     getEnv("SERVER_CERT_FILE", ""),
			KeyFile:      getEnv("SERVER_KEY_FILE", ""),
			EnableTLS:    getEnvBool("SERVER_ENABLE_TLS", false),
		},
		Redis: RedisConfig{
			URL:      getEnv("REDIS_URL", "redis://localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
			PoolSize: getEnvInt("REDIS_POOL_SIZE", 50),
		},
		Kafka: KafkaConfig{
			Enabled:            getEnvBool("KAFKA_ENABLED", false),
			Brokers:            getEnvList("KAFKA_BROKERS", "localhost:9092"),
			SessionEventsTopic: getEnv("KAFKA_SESSION_EVENTS_TOPIC", "vending-session-events"),
		},
		Clickhouse: ClickhouseConfig{
			Enabled:  getEnvBool("CLICKHOUSE_ENABLED", false),
			URL:      getEnv("CLICKHOUSE_URL", "localhost:9000"),
			Username: getEnv("CLICKHOUSE_USERNAME", "default"),
			Password: getEnv("CLICKHOUSE_PASSWORD", ""),
			Database: getEnv("CLICKHOUSE_DATABASE", "vending"),
		},
		Manufacturer: ManufacturerConfig{
			BaseURL:   getEnv("MANUFACTURER_BASE_URL", "https://api.example-fabricator.cn"),
			Token:     getEnv("MANUFACTURER_TOKEN", ""),
			Secret:    getEnv("MANUFACTURER_SECRET", ""),
			ReqSource: getEnv("MANUFACTURER_REQ_SOURCE", "vending"),
			Timeout:   getEnvDuration("MANUFACTURER_TIMEOUT", 8*time.Second),
			PayType:   getEnvInt("MANUFACTURER_PAY_TYPE", 5),
		},
		Session: SessionConfig{
			TTL:                  getEnvDuration("SESSION_TTL", 30*time.Minute),
			MachineCeiling:       getEnvInt("SESSION_MACHINE_CEILING", 5),
			SweepInterval:        getEnvDuration("SESSION_SWEEP_INTERVAL", time.Minute),
			SweepSampleRate:      getEnvInt("SESSION_SWEEP_SAMPLE_RATE", 20),
			MaxOrderPayloadBytes: getEnvInt("SESSION_MAX_ORDER_PAYLOAD", 100*1024),
		},
		RateLimit: RateLimitConfig{
			UseRedis:         getEnvBool("RATE_LIMIT_USE_REDIS", false),
			IPStatusPerMin:   getEnvInt("RATE_LIMIT_IP_STATUS_PER_MIN", 30),
			IPCreatePerMin:   getEnvInt("RATE_LIMIT_IP_CREATE_PER_MIN", 10),
			SessionPerMin:    getEnvInt("RATE_LIMIT_SESSION_PER_MIN", 20),
			MachinePerMin:    getEnvInt("RATE_LIMIT_MACHINE_PER_MIN", 10),
			FailureThreshold: getEnvInt("RATE_LIMIT_FAILURE_THRESHOLD", 5),
			FailureWindow:    getEnvDuration("RATE_LIMIT_FAILURE_WINDOW", 10*time.Minute),
			BlockDuration:    getEnvDuration("RATE_LIMIT_BLOCK_DURATION", 10*time.Minute),
		},
		Reconcile: ReconcileConfig{
			MaxAttempts:    getEnvInt("RECONCILE_MAX_ATTEMPTS", 3),
			RetryDelay:     getEnvDuration("RECONCILE_RETRY_DELAY", 4*time.Second),
			PaidStatusCode: getEnvInt("RECONCILE_PAID_STATUS_CODE", 2),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "console"),
		},
	}
}

// GetServerAddress returns the host:port the HTTP server binds to.
func (c *Config) GetServerAddress() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvList(key, defaultValue string) []string {
	raw := getEnv(key, defaultValue)
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
