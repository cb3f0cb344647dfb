// Package config loads hub configuration from the environment.
// A .env file in the working directory is read first if present.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Defaults for the hub process.
const (
	DefaultPort                = 8000
	DefaultHardwareURL         = "http://hardware:8080"
	DefaultPublicBaseURL       = "http://localhost:8000"
	DefaultArchiveDir          = "./audio_verification"
	DefaultVerificationDays    = 7
	DefaultVerificationMax     = 100
	DefaultCleanupInterval     = time.Hour
	DefaultHealthCheckInterval = 5 * time.Second
	DefaultHealthTimeout       = 30 * time.Second
	DefaultMaxQueued           = 50
	DefaultCommandLogSize      = 100
	DefaultSendBuffer          = 256
)

// Config holds everything the hub binary needs.
type Config struct {
	Port     int
	LogLevel string

	// Audio verification archive
	VerificationEnabled bool
	VerificationDays    int
	VerificationMax     int
	ArchiveDir          string
	CleanupInterval     time.Duration

	// Collaborators
	HardwareURL      string
	PublicBaseURL    string
	RemoteBackendURL string

	// Hardware health
	HealthCheckInterval time.Duration
	HealthTimeout       time.Duration

	// Queue and hub sizing
	MaxQueued      int
	CommandLogSize int
	SendBuffer     int

	// Optional MQTT ingress; disabled when MQTTBroker is empty
	MQTTBroker       string
	MQTTClientID     string
	MQTTUsername     string
	MQTTPassword     string
	MQTTEventTopic   string
	MQTTAudioTopic   string
	MQTTCommandTopic string
}

// Load reads .env (if present) and the process environment.
func Load() *Config {
	_ = godotenv.Load()

	return &Config{
		Port:     getEnvInt("PORT", DefaultPort),
		LogLevel: getEnv("LOG_LEVEL", "info"),

		VerificationEnabled: getEnvBool("AUDIO_VERIFICATION_ENABLED", true),
		VerificationDays:    getEnvInt("AUDIO_VERIFICATION_DAYS", DefaultVerificationDays),
		VerificationMax:     getEnvInt("AUDIO_VERIFICATION_MAX_FILES", DefaultVerificationMax),
		ArchiveDir:          getEnv("AUDIO_VERIFICATION_DIR", DefaultArchiveDir),
		CleanupInterval:     getEnvDuration("AUDIO_VERIFICATION_CLEANUP_INTERVAL", DefaultCleanupInterval),

		HardwareURL:      strings.TrimRight(getEnv("HARDWARE_URL", DefaultHardwareURL), "/"),
		PublicBaseURL:    strings.TrimRight(getEnv("BASE_URL", DefaultPublicBaseURL), "/"),
		RemoteBackendURL: strings.TrimRight(getEnv("REMOTE_BACKEND_URL", ""), "/"),

		HealthCheckInterval: getEnvDuration("HEALTH_CHECK_INTERVAL", DefaultHealthCheckInterval),
		HealthTimeout:       getEnvDuration("HARDWARE_HEALTH_TIMEOUT", DefaultHealthTimeout),

		MaxQueued:      getEnvInt("AUDIO_MAX_QUEUED", DefaultMaxQueued),
		CommandLogSize: getEnvInt("COMMAND_LOG_SIZE", DefaultCommandLogSize),
		SendBuffer:     getEnvInt("WS_SEND_BUFFER", DefaultSendBuffer),

		MQTTBroker:       getEnv("MQTT_BROKER", ""),
		MQTTClientID:     getEnv("MQTT_CLIENT_ID", "puertocho-hub"),
		MQTTUsername:     getEnv("MQTT_USERNAME", ""),
		MQTTPassword:     getEnv("MQTT_PASSWORD", ""),
		MQTTEventTopic:   getEnv("MQTT_TOPIC_EVENTS", "puertocho/+/events"),
		MQTTAudioTopic:   getEnv("MQTT_TOPIC_AUDIO", "puertocho/+/audio"),
		MQTTCommandTopic: getEnv("MQTT_TOPIC_COMMAND", "puertocho/hardware/command"),
	}
}

// Validate checks values that would make the hub misbehave.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("config: invalid port %d", c.Port)
	}
	if c.VerificationEnabled {
		if c.ArchiveDir == "" {
			return fmt.Errorf("config: AUDIO_VERIFICATION_DIR required when verification is enabled")
		}
		if c.VerificationDays <= 0 {
			return fmt.Errorf("config: AUDIO_VERIFICATION_DAYS must be positive, got %d", c.VerificationDays)
		}
		if c.VerificationMax <= 0 {
			return fmt.Errorf("config: AUDIO_VERIFICATION_MAX_FILES must be positive, got %d", c.VerificationMax)
		}
	}
	if c.HealthTimeout <= 0 {
		return fmt.Errorf("config: HARDWARE_HEALTH_TIMEOUT must be positive")
	}
	if c.SendBuffer <= 0 {
		return fmt.Errorf("config: WS_SEND_BUFFER must be positive")
	}
	return nil
}

// MQTTEnabled reports whether an MQTT broker is configured.
func (c *Config) MQTTEnabled() bool {
	return c.MQTTBroker != ""
}

func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	intValue, err := strconv.Atoi(value)
	if err != nil {
		slog.Warn("config: invalid int, using default", "key", key, "value", value, "default", defaultValue)
		return defaultValue
	}
	return intValue
}

func getEnvBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	boolValue, err := strconv.ParseBool(value)
	if err != nil {
		slog.Warn("config: invalid bool, using default", "key", key, "value", value, "default", defaultValue)
		return defaultValue
	}
	return boolValue
}

// getEnvDuration accepts Go durations ("30s") or a bare number of seconds.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.ParseFloat(value, 64); err == nil {
		return time.Duration(secs * float64(time.Second))
	}

	slog.Warn("config: invalid duration, using default", "key", key, "value", value, "default", defaultValue)
	return defaultValue
}
