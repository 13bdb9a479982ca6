package config

import (
	"os"
	"strconv"
	"time"

	"cashin-system/internal/gateway/natcash"
)

type Config struct {
	// Server configuration
	Port        string
	Environment string

	// Redis configuration
	RedisURL      string
	RedisPassword string
	RedisDB       int

	// PubNub configuration (outbound notifications)
	PubNubPublishKey   string
	PubNubSubscribeKey string
	PubNubSecretKey    string

	// Natcash gateway configuration
	NatcashConfig natcash.Config

	// Timeout configuration
	PaymentTimeout time.Duration
	ExpiryTick     time.Duration

	// Monitoring
	EnableMetrics bool
	MetricsPort   string
}

func LoadConfig() *Config {
	return &Config{
		// Server
		Port:        getEnv("PORT", "8090"),
		Environment: getEnv("ENVIRONMENT", "development"),

		// Redis
		RedisURL:      getEnv("REDIS_URL", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvAsInt("REDIS_DB", 0),

		// PubNub
		PubNubPublishKey:   getEnv("PUBNUB_PUBLISH_KEY", ""),
		PubNubSubscribeKey: getEnv("PUBNUB_SUBSCRIBE_KEY", ""),
		PubNubSecretKey:    getEnv("PUBNUB_SECRET_KEY", ""),

		// Natcash. The signing key and verify code are secrets and have
		// no defaults; the process refuses signed calls without them.
		NatcashConfig: natcash.Config{
			BaseURL:     getEnv("NATCASH_BASE_URL", "http://localhost:8282"),
			SecretKey:   getEnv("NATCASH_SECRET_KEY", ""),
			VerifyCode:  getEnv("NATCASH_VERIFY_CODE", ""),
			PNSubKey:    getEnv("NATCASH_PN_SUBKEY", ""),
			PNSubSecret: getEnv("NATCASH_PN_SUBSECRET", ""),
			PNUUID:      getEnv("NATCASH_PN_UUID", ""),
			PNCipherKey: getEnv("NATCASH_PN_CIPHERKEY", ""),
		},

		// Timeouts
		PaymentTimeout: getEnvAsDuration("PAYMENT_TIMEOUT", "10m"),
		ExpiryTick:     getEnvAsDuration("EXPIRY_TICK", "1s"),

		// Monitoring
		EnableMetrics: getEnvAsBool("ENABLE_METRICS", true),
		MetricsPort:   getEnv("METRICS_PORT", "9090"),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue string) time.Duration {
	valueStr := getEnv(key, defaultValue)
	if duration, err := time.ParseDuration(valueStr); err == nil {
		return duration
	}
	// If parsing fails, try to parse default value
	duration, _ := time.ParseDuration(defaultValue)
	return duration
}
