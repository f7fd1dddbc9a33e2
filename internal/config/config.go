// Package config provides configuration management for the feedwright service.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds feedwright service configuration.
type Config struct {
	// Service
	ServiceName string
	Port        string
	LogLevel    string
	LogFormat   string

	// Transform
	CatalogDir                string
	RaiseExceptions           bool
	SeparateBatchAssociations bool

	// Kafka
	KafkaBrokers       []string
	KafkaInputTopic    string
	KafkaOutputTopic   string
	KafkaDLQTopic      string
	KafkaConsumerGroup string
	BatchSize          int
	BatchTimeout       time.Duration
	Workers            int

	// Hot Reload
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	ReloadChannel string
	CatalogKey    string
}

// Load loads configuration from environment variables.
func Load() *Config {
	return &Config{
		// Service
		ServiceName: getEnv("SERVICE_NAME", "feedwright"),
		Port:        getEnv("PORT", "8093"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		LogFormat:   getEnv("LOG_FORMAT", "json"),

		// Transform
		CatalogDir:                getEnv("CATALOG_DIR", ""),
		RaiseExceptions:           getEnvBool("RAISE_EXCEPTIONS", false),
		SeparateBatchAssociations: getEnvBool("SEPARATE_BATCH_ASSOCIATIONS", false),

		// Kafka
		KafkaBrokers:       strings.Split(getEnv("KAFKA_BROKERS", ""), ","),
		KafkaInputTopic:    getEnv("KAFKA_INPUT_TOPIC", "intel.raw"),
		KafkaOutputTopic:   getEnv("KAFKA_OUTPUT_TOPIC", "intel.transformed"),
		KafkaDLQTopic:      getEnv("KAFKA_DLQ_TOPIC", "intel.dlq.feedwright"),
		KafkaConsumerGroup: getEnv("KAFKA_CONSUMER_GROUP", "feedwright-service"),
		BatchSize:          getEnvInt("BATCH_SIZE", 1000),
		BatchTimeout:       getEnvDuration("BATCH_TIMEOUT", "250ms"),
		Workers:            getEnvInt("WORKERS", 4),

		// Hot Reload
		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),
		ReloadChannel: getEnv("REDIS_RELOAD_CHANNEL", "feedwright:catalog:reload"),
		CatalogKey:    getEnv("REDIS_CATALOG_KEY", "feedwright:catalog"),
	}
}

// KafkaEnabled reports whether a Kafka broker list is configured.
func (c *Config) KafkaEnabled() bool {
	return len(c.KafkaBrokers) > 0 && c.KafkaBrokers[0] != ""
}

// RedisEnabled reports whether a Redis address is configured.
func (c *Config) RedisEnabled() bool {
	return c.RedisAddr != ""
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvDuration(key, fallback string) time.Duration {
	value := getEnv(key, fallback)
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	d, _ := time.ParseDuration(fallback)
	return d
}
