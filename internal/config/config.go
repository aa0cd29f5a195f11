package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	nodes "irma-supervisor/internal/nodes/domain"
)

// Config holds process settings read from the environment.
type Config struct {
	DatabaseURL string
	HTTPAddr    string
	JWTSecret   string
	LogLevel    string
	LogDev      bool

	// MQTT ingress; an empty broker disables the subscriber.
	MQTTBroker   string
	MQTTClientID string
	MQTTUsername string
	MQTTPassword string
	MQTTTopics   []string

	LivenessWindow      time.Duration
	SweepInterval       time.Duration
	SweepConcurrency    int
	StoreCASMaxAttempts int
	ShutdownTimeout     time.Duration

	ThresholdsConfig string
	Applications     []nodes.Application

	NotifyWebhookURL string
	NotifyTemplate   string
	NotifyTimeout    time.Duration

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	ArchiveQueueSize int
	MobiusURL        string
	MobiusOrigin     string
	MobiusSensors    string

	ClickHouseAddr string
	ClickHouseDB   string
	ClickHouseUser string
	ClickHousePass string
}

// Load reads .env (when present) and the environment.
func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := Config{
		DatabaseURL: getenvDefault("DATABASE_URL", getenvDefault("PG_DSN", "")),
		HTTPAddr:    getenvDefault("HTTP_ADDR", ":8080"),
		JWTSecret:   getenvDefault("AUTH_JWT_SECRET", getenvDefault("JWT_SECRET", "")),
		LogLevel:    getenvDefault("LOG_LEVEL", "info"),
		LogDev:      getenvBoolDefault("LOG_DEV", false),

		MQTTBroker:   getenvDefault("MQTT_BROKER", ""),
		MQTTClientID: getenvDefault("MQTT_CLIENT_ID", "irma-supervisor"),
		MQTTUsername: getenvDefault("MQTT_USERNAME", ""),
		MQTTPassword: getenvDefault("MQTT_PASSWORD", ""),
		MQTTTopics:   splitList(getenvDefault("MQTT_TOPICS", "+/+/status,+/+/reading")),

		LivenessWindow:      getenvDuration("LIVENESS_WINDOW", 30*time.Second),
		SweepInterval:       getenvDuration("SWEEP_INTERVAL", 10*time.Second),
		SweepConcurrency:    getenvIntDefault("SWEEP_CONCURRENCY", 8),
		StoreCASMaxAttempts: getenvIntDefault("STORE_CAS_MAX_ATTEMPTS", 5),
		ShutdownTimeout:     getenvDuration("SHUTDOWN_TIMEOUT", 10*time.Second),

		ThresholdsConfig: getenvDefault("THRESHOLDS_CONFIG", ""),

		NotifyWebhookURL: getenvDefault("NOTIFY_WEBHOOK_URL", ""),
		NotifyTemplate:   getenvDefault("NOTIFY_TEMPLATE", ""),
		NotifyTimeout:    getenvDuration("NOTIFY_TIMEOUT", 5*time.Second),

		RedisAddr:     getenvDefault("REDIS_ADDR", ""),
		RedisPassword: getenvDefault("REDIS_PASSWORD", ""),
		RedisDB:       getenvIntDefault("REDIS_DB", 0),

		ArchiveQueueSize: getenvIntDefault("ARCHIVE_QUEUE_SIZE", 256),
		MobiusURL:        getenvDefault("MOBIUS_URL", ""),
		MobiusOrigin:     getenvDefault("MOBIUS_ORIGINATOR", ""),
		MobiusSensors:    getenvDefault("MOBIUS_SENSORS", ""),

		ClickHouseAddr: getenvDefault("CLICKHOUSE_ADDR", ""),
		ClickHouseDB:   getenvDefault("CLICKHOUSE_DB", "irma"),
		ClickHouseUser: getenvDefault("CLICKHOUSE_USER", "default"),
		ClickHousePass: getenvDefault("CLICKHOUSE_PASS", ""),
	}

	apps, err := ParseApplications(getenvDefault("APPLICATIONS", ""))
	if err != nil {
		return Config{}, err
	}
	cfg.Applications = apps
	return cfg, cfg.Validate()
}

// Validate checks required settings and bounds.
func (c Config) Validate() error {
	if c.JWTSecret == "" {
		return errors.New("config: AUTH_JWT_SECRET is required")
	}
	if c.LivenessWindow <= 0 {
		return errors.New("config: LIVENESS_WINDOW must be positive")
	}
	if c.SweepInterval <= 0 {
		return errors.New("config: SWEEP_INTERVAL must be positive")
	}
	if c.SweepConcurrency <= 0 {
		return errors.New("config: SWEEP_CONCURRENCY must be positive")
	}
	if c.StoreCASMaxAttempts <= 0 {
		return errors.New("config: STORE_CAS_MAX_ATTEMPTS must be positive")
	}
	if c.MobiusURL != "" && c.MobiusSensors == "" {
		return errors.New("config: MOBIUS_SENSORS is required with MOBIUS_URL")
	}
	return nil
}

// ParseApplications reads "id:name,id" into application records.
func ParseApplications(raw string) ([]nodes.Application, error) {
	var apps []nodes.Application
	for _, entry := range splitList(raw) {
		id, name, _ := strings.Cut(entry, ":")
		id = strings.TrimSpace(id)
		if id == "" || strings.Contains(id, "/") {
			return nil, fmt.Errorf("config: invalid application %q", entry)
		}
		name = strings.TrimSpace(name)
		if name == "" {
			name = id
		}
		apps = append(apps, nodes.Application{ID: id, Name: name})
	}
	return apps, nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getenvDefault(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getenvIntDefault(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvBoolDefault(key string, fallback bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvDuration(key string, fallback time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return parsed
}
