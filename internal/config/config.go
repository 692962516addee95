package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/fx"
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string

	LogLevel  string
	LogFormat string

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int

	Redis  RedisConfig
	Object ObjectStoreConfig

	Pipeline PipelineConfig
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type ObjectStoreConfig struct {
	Endpoint    string
	AccessKey   string
	SecretKey   string
	AudioBucket string
	Region      string
	UseSSL      bool
}

// PipelineConfig groups the tunables of the track pipeline workers.
type PipelineConfig struct {
	Partitions         int
	ConsumerGroup      string
	ConsumerName       string
	OutboxBatchSize    int
	OutboxPollInterval time.Duration
	RetryMaxAttempts   int
	RetryBaseDelay     time.Duration
	RetryMaxDelay      time.Duration
	GracePeriod        time.Duration
	SweepInterval      time.Duration
	SweepBatchSize     int
	SessionRetention   time.Duration
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	cfg := Config{
		AppName:     getenv("APP_SERVICE", "soundrail"),
		AppVersion:  getenv("APP_VERSION", "0.1.0"),
		Environment: getenv("ENVIRONMENT", "development"),

		LogLevel:  strings.ToLower(getenv("LOG_LEVEL", "info")),
		LogFormat: strings.ToLower(getenv("LOG_FORMAT", "json")),

		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "soundrail"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:     getenvInt("DATABASE_MAX_IDLE_CONN", 5),
		DBMaxOpenConn:     getenvInt("DATABASE_MAX_OPEN_CONN", 25),
		DBConnMaxLifetime: getenvInt("DATABASE_CONN_MAX_LIFETIME", 3600),

		Redis: RedisConfig{
			Addr:     getenv("REDIS_ADDR", "localhost:6379"),
			Password: getenv("REDIS_PASSWORD", ""),
			DB:       getenvInt("REDIS_DB", 0),
		},
		Object: ObjectStoreConfig{
			Endpoint:    getenv("OBJECT_STORE_ENDPOINT", "localhost:9000"),
			AccessKey:   getenv("OBJECT_STORE_ACCESS_KEY", ""),
			SecretKey:   getenv("OBJECT_STORE_SECRET_KEY", ""),
			AudioBucket: getenv("OBJECT_STORE_AUDIO_BUCKET", "soundrail-audio"),
			Region:      getenv("OBJECT_STORE_REGION", "us-east-1"),
			UseSSL:      getenvBool("OBJECT_STORE_USE_SSL", false),
		},
		Pipeline: PipelineConfig{
			Partitions:         getenvInt("PIPELINE_PARTITIONS", 16),
			ConsumerGroup:      getenv("PIPELINE_CONSUMER_GROUP", "soundrail"),
			ConsumerName:       getenv("PIPELINE_CONSUMER_NAME", hostname()),
			OutboxBatchSize:    getenvInt("OUTBOX_BATCH_SIZE", 100),
			OutboxPollInterval: getenvDuration("OUTBOX_POLL_INTERVAL", 2*time.Second),
			RetryMaxAttempts:   getenvInt("RETRY_MAX_ATTEMPTS", 5),
			RetryBaseDelay:     getenvDuration("RETRY_BASE_DELAY", time.Second),
			RetryMaxDelay:      getenvDuration("RETRY_MAX_DELAY", 2*time.Minute),
			GracePeriod:        getenvDuration("DELETION_GRACE_PERIOD", 30*24*time.Hour),
			SweepInterval:      getenvDuration("DELETION_SWEEP_INTERVAL", 15*time.Minute),
			SweepBatchSize:     getenvInt("DELETION_SWEEP_BATCH_SIZE", 100),
			SessionRetention:   getenvDuration("UPLOAD_SESSION_RETENTION", 24*time.Hour),
		},
	}

	return cfg
}

var Module = fx.Module("config",
	fx.Provide(Load),
)

func hostname() string {
	if h, err := os.Hostname(); err == nil && h != "" {
		return h
	}
	return "soundrail"
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if value == "" {
		return def
	}
	switch value {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}

func getenvInt(key string, def int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return parsed
}

func getenvDuration(key string, def time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return def
	}
	return parsed
}
