package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	MongoURI    string
	DBName      string
	JWTSecret   string
	Port        string
	GinMode     string
	CORSOrigins []string

	// Redis Configuration
	RedisURL      string
	RedisPassword string
	RedisDB       int

	// API rate limiting (per user or IP)
	RateLimitReqs   int
	RateLimitWindow int

	// Platform API
	PlatformAPIBase      string
	PlatformUploadURL    string
	PlatformTokenURL     string
	PlatformClientID     string
	PlatformClientSecret string
	PlatformRatePerSec   float64
	PlatformBurst        int
	HTTPTimeout          time.Duration

	// OAuth1 app credentials for the media upload endpoint. When empty,
	// uploads are signed with the user's bearer token.
	OAuth1ConsumerKey    string
	OAuth1ConsumerSecret string
	OAuth1AccessToken    string
	OAuth1AccessSecret   string

	// Token encryption master key
	TokenEncryptionKey string

	// Worker
	WorkerConcurrency int
	ReconcileCron     string

	// Media
	MediaMaxBytes int64
	AWSRegion     string
	S3Endpoint    string

	// Notifications
	NotifyChannel string

	// Telemetry
	TracingEnabled bool
	OTLPEndpoint   string
	SampleRatio    float64
}

func LoadConfig() (*Config, error) {
	// Load .env file if exists
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(); err != nil {
			return nil, fmt.Errorf("error loading .env file: %v", err)
		}
	}

	cfg := &Config{
		MongoURI:    getEnv("MONGO_URI", "mongodb://localhost:27017/social_publisher"),
		DBName:      getEnv("DB_NAME", "social_publisher"),
		JWTSecret:   getEnv("JWT_SECRET", ""),
		Port:        getEnv("PORT", "8080"),
		GinMode:     getEnv("GIN_MODE", "debug"),
		CORSOrigins: strings.Split(getEnv("CORS_ORIGINS", "http://localhost:3000,http://localhost:8080"), ","),

		RedisURL:      getEnv("REDIS_URL", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),

		RateLimitReqs:   getEnvInt("RATE_LIMIT_REQUESTS", 100),
		RateLimitWindow: getEnvInt("RATE_LIMIT_WINDOW", 60),

		PlatformAPIBase:      strings.TrimRight(getEnv("PLATFORM_API_BASE", "https://api.twitter.com"), "/"),
		PlatformUploadURL:    getEnv("PLATFORM_UPLOAD_URL", "https://upload.twitter.com/1.1/media/upload.json"),
		PlatformTokenURL:     getEnv("PLATFORM_TOKEN_URL", "https://api.twitter.com/2/oauth2/token"),
		PlatformClientID:     getEnv("PLATFORM_CLIENT_ID", ""),
		PlatformClientSecret: getEnv("PLATFORM_CLIENT_SECRET", ""),
		PlatformRatePerSec:   getEnvFloat64("PLATFORM_RATE_PER_SEC", 5),
		PlatformBurst:        getEnvInt("PLATFORM_BURST", 10),
		HTTPTimeout:          time.Duration(getEnvInt("PLATFORM_HTTP_TIMEOUT_SECONDS", 30)) * time.Second,

		OAuth1ConsumerKey:    getEnv("OAUTH1_CONSUMER_KEY", ""),
		OAuth1ConsumerSecret: getEnv("OAUTH1_CONSUMER_SECRET", ""),
		OAuth1AccessToken:    getEnv("OAUTH1_ACCESS_TOKEN", ""),
		OAuth1AccessSecret:   getEnv("OAUTH1_ACCESS_SECRET", ""),

		TokenEncryptionKey: getEnv("TOKEN_ENCRYPTION_KEY", ""),

		WorkerConcurrency: getEnvInt("WORKER_CONCURRENCY", 10),
		ReconcileCron:     getEnv("RECONCILE_CRON", "*/5 * * * *"),

		MediaMaxBytes: getEnvInt64("MEDIA_MAX_BYTES", 15728640), // 15MB platform image cap
		AWSRegion:     getEnv("AWS_REGION", "us-east-1"),
		S3Endpoint:    getEnv("S3_ENDPOINT", ""),

		NotifyChannel: getEnv("NOTIFY_CHANNEL", "post-events"),

		TracingEnabled: getEnvBool("TRACING_ENABLED", false),
		OTLPEndpoint:   getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
		SampleRatio:    getEnvFloat64("TRACE_SAMPLE_RATIO", 0.1),
	}

	// Validate required fields
	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET is required - set it in .env file")
	}

	if cfg.TokenEncryptionKey == "" {
		return nil, fmt.Errorf("TOKEN_ENCRYPTION_KEY is required - set it in .env file")
	}

	if cfg.PlatformClientID == "" {
		return nil, fmt.Errorf("PLATFORM_CLIENT_ID is required - set it in .env file")
	}

	return cfg, nil
}

// OAuth1Enabled reports whether app credentials for media signing are set.
func (c *Config) OAuth1Enabled() bool {
	return c.OAuth1ConsumerKey != "" && c.OAuth1ConsumerSecret != "" &&
		c.OAuth1AccessToken != "" && c.OAuth1AccessSecret != ""
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvFloat64(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}
