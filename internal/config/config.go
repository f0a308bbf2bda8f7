package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all fcm-relay configuration from environment variables.
type Config struct {
	// Storage
	DatabaseURL string

	// Control plane
	Port   int
	APIKey string // empty means generate one at startup

	// Message pipeline
	DedupTTL    time.Duration // in-memory dedup window
	MaxMessages int           // retention cap per credential

	// Janitor
	SweepSchedule     string // cron expression for the age sweep
	MessageMaxAgeDays int    // 0 disables the age sweep

	// Mirror channel
	MQTTBroker   string // empty disables the mirror
	MQTTTopic    string
	MQTTClientID string
	MQTTUsername string
	MQTTPassword string
	MQTTQoS      int

	// Seeding
	SeedFile string

	// Logging
	LogJSON bool
}

// Load reads all configuration from environment variables with defaults.
func Load() *Config {
	return &Config{
		DatabaseURL:       envStr("DATABASE_URL", "sqlite:fcm-relay.db?mode=rwc"),
		Port:              envInt("PORT", 3000),
		APIKey:            envStr("API_KEY", ""),
		DedupTTL:          time.Duration(envInt("DEDUP_SECONDS", 5)) * time.Second,
		MaxMessages:       envInt("MAX_MESSAGES_PER_CREDENTIAL", 50),
		SweepSchedule:     envStr("SWEEP_SCHEDULE", "0 3 * * *"),
		MessageMaxAgeDays: envInt("MESSAGE_MAX_AGE_DAYS", 0),
		MQTTBroker:        envStr("MQTT_BROKER", ""),
		MQTTTopic:         envStr("MQTT_TOPIC", "fcm-relay/messages"),
		MQTTClientID:      envStr("MQTT_CLIENT_ID", "fcm-relay"),
		MQTTUsername:      envStr("MQTT_USERNAME", ""),
		MQTTPassword:      envStr("MQTT_PASSWORD", ""),
		MQTTQoS:           envInt("MQTT_QOS", 0),
		SeedFile:          envStr("SEED_FILE", ""),
		LogJSON:           envBool("LOG_JSON", true),
	}
}

// Validate checks configuration for invalid values.
func (c *Config) Validate() error {
	var errs []error
	if c.Port < 1 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("PORT must be 1-65535, got %d", c.Port))
	}
	if c.DedupTTL <= 0 {
		errs = append(errs, fmt.Errorf("DEDUP_SECONDS must be > 0, got %s", c.DedupTTL))
	}
	if c.MaxMessages <= 0 {
		errs = append(errs, fmt.Errorf("MAX_MESSAGES_PER_CREDENTIAL must be > 0, got %d", c.MaxMessages))
	}
	if c.MessageMaxAgeDays < 0 {
		errs = append(errs, fmt.Errorf("MESSAGE_MAX_AGE_DAYS must be >= 0, got %d", c.MessageMaxAgeDays))
	}
	if c.MQTTQoS < 0 || c.MQTTQoS > 2 {
		errs = append(errs, fmt.Errorf("MQTT_QOS must be 0, 1 or 2, got %d", c.MQTTQoS))
	}
	return errors.Join(errs...)
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}
