package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds the server configuration
type Config struct {
	ServiceName  string
	ServicePort  int
	AdminToken   string
	UserIDHeader string
	Database     DatabaseConfig
	RabbitMQ     RabbitMQConfig
	Scheduler    SchedulerConfig
	Digest       DigestConfig
	Ingest       IngestConfig
	Anomaly      AnomalyConfig
	Token        TokenConfig
}

// DatabaseConfig holds database connection settings
type DatabaseConfig struct {
	URL      string
	MaxConns int
	Migrate  bool
}

// RabbitMQConfig holds broker settings. An empty URL disables messaging.
type RabbitMQConfig struct {
	URL               string
	DigestExchange    string
	DigestRoutingKey  string
	CommandExchange   string
	CommandQueue      string
	CommandRoutingKey string
	CommandDLQ        string
	PrefetchCount     int
}

// Enabled reports whether a broker is configured.
func (c RabbitMQConfig) Enabled() bool {
	return c.URL != ""
}

// SchedulerConfig holds the cron specs of the periodic jobs
type SchedulerConfig struct {
	RetentionSchedule string
	DigestSchedule    string
	Timezone          string
}

// Digest sinks
const (
	SinkLog  = "log"
	SinkSMTP = "smtp"
	SinkAMQP = "amqp"
)

// DigestConfig selects where digests go
type DigestConfig struct {
	Sink string
	SMTP SMTPConfig
}

// SMTPConfig holds mail server settings
type SMTPConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	From     string
}

// IngestConfig bounds report timestamps
type IngestConfig struct {
	FutureTolerance time.Duration
	MaxAge          time.Duration
}

// AnomalyConfig holds anomaly detection settings
type AnomalyConfig struct {
	SpikeThreshold            float64
	MinDataPointsForDetection int
}

// TokenConfig holds device token settings
type TokenConfig struct {
	BcryptCost int
}

// Load loads the server configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		ServiceName:  getEnv("SERVICE_NAME", "packetmeter"),
		ServicePort:  getEnvAsInt("SERVICE_PORT", 8080),
		AdminToken:   getEnv("ADMIN_TOKEN", ""),
		UserIDHeader: getEnv("USER_ID_HEADER", "X-User-ID"),
		Database: DatabaseConfig{
			URL:      getEnv("DATABASE_URL", ""),
			MaxConns: getEnvAsInt("DATABASE_MAX_CONNS", 10),
			Migrate:  getEnvAsBool("DATABASE_MIGRATE", true),
		},
		RabbitMQ: RabbitMQConfig{
			URL:               getEnv("RABBITMQ_URL", ""),
			DigestExchange:    getEnv("RABBITMQ_DIGEST_EXCHANGE", "packetmeter.digest.exchange"),
			DigestRoutingKey:  getEnv("RABBITMQ_DIGEST_ROUTING_KEY", "usage.digest.ready"),
			CommandExchange:   getEnv("RABBITMQ_COMMAND_EXCHANGE", "packetmeter.command.exchange"),
			CommandQueue:      getEnv("RABBITMQ_COMMAND_QUEUE", "packetmeter.command.queue"),
			CommandRoutingKey: getEnv("RABBITMQ_COMMAND_ROUTING_KEY", "#"),
			CommandDLQ:        getEnv("RABBITMQ_COMMAND_DLQ", "packetmeter.command.dlq"),
			PrefetchCount:     getEnvAsInt("RABBITMQ_PREFETCH", 1),
		},
		Scheduler: SchedulerConfig{
			RetentionSchedule: getEnv("RETENTION_SCHEDULE", "0 0 * * *"),
			DigestSchedule:    getEnv("DIGEST_SCHEDULE", "0 9 * * *"),
			Timezone:          getEnv("SCHEDULER_TIMEZONE", "UTC"),
		},
		Digest: DigestConfig{
			Sink: strings.ToLower(getEnv("DIGEST_SINK", SinkLog)),
			SMTP: SMTPConfig{
				Host:     getEnv("SMTP_HOST", ""),
				Port:     getEnvAsInt("SMTP_PORT", 587),
				User:     getEnv("SMTP_USER", ""),
				Password: getEnv("SMTP_PASSWORD", ""),
				From:     getEnv("SMTP_FROM", ""),
			},
		},
		Ingest: IngestConfig{
			FutureTolerance: time.Duration(getEnvAsInt("INGEST_FUTURE_TOLERANCE_MINUTES", 10)) * time.Minute,
			MaxAge:          time.Duration(getEnvAsInt("INGEST_MAX_AGE_DAYS", 0)) * 24 * time.Hour,
		},
		Anomaly: AnomalyConfig{
			SpikeThreshold:            getEnvAsFloat("ANOMALY_SPIKE_THRESHOLD", 3.0),
			MinDataPointsForDetection: getEnvAsInt("ANOMALY_MIN_DATA_POINTS", 3),
		},
		Token: TokenConfig{
			BcryptCost: getEnvAsInt("TOKEN_BCRYPT_COST", 10),
		},
	}

	if cfg.Database.URL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required but not set in environment variables")
	}
	switch cfg.Digest.Sink {
	case SinkLog:
	case SinkSMTP:
		if cfg.Digest.SMTP.Host == "" {
			return nil, fmt.Errorf("DIGEST_SINK=smtp requires SMTP_HOST")
		}
	case SinkAMQP:
		if !cfg.RabbitMQ.Enabled() {
			return nil, fmt.Errorf("DIGEST_SINK=amqp requires RABBITMQ_URL")
		}
	default:
		return nil, fmt.Errorf("DIGEST_SINK must be one of log, smtp, amqp; got %q", cfg.Digest.Sink)
	}

	return cfg, nil
}

// ReporterConfig holds the device daemon configuration
type ReporterConfig struct {
	ServerURL      string
	DeviceToken    string
	ReportInterval time.Duration
	RequestTimeout time.Duration
	IdleRetry      time.Duration
	MaxBackoff     time.Duration
	Interfaces     []string
	StateFile      string
	Log            FileLogConfig
}

// FileLogConfig holds rotating log file settings
type FileLogConfig struct {
	File       string
	Level      string
	MaxSizeMB  int
	MaxAgeDays int
}

// LoadReporter loads the daemon configuration from environment variables
func LoadReporter() (*ReporterConfig, error) {
	cfg := &ReporterConfig{
		ServerURL:      strings.TrimRight(getEnv("PACKETMETER_SERVER_URL", "http://localhost:8080"), "/"),
		DeviceToken:    getEnv("PACKETMETER_DEVICE_TOKEN", ""),
		ReportInterval: getEnvAsDuration("PACKETMETER_REPORT_INTERVAL", time.Minute),
		RequestTimeout: getEnvAsDuration("PACKETMETER_REQUEST_TIMEOUT", 10*time.Second),
		IdleRetry:      getEnvAsDuration("PACKETMETER_IDLE_RETRY", 30*time.Second),
		MaxBackoff:     getEnvAsDuration("PACKETMETER_MAX_BACKOFF", 10*time.Minute),
		Interfaces:     getEnvAsList("PACKETMETER_INTERFACES"),
		StateFile:      getEnv("PACKETMETER_STATE_FILE", "packetmeter-state.json"),
		Log: FileLogConfig{
			File:       getEnv("PACKETMETER_LOG_FILE", ""),
			Level:      getEnv("PACKETMETER_LOG_LEVEL", "info"),
			MaxSizeMB:  getEnvAsInt("PACKETMETER_LOG_MAX_SIZE_MB", 10),
			MaxAgeDays: getEnvAsInt("PACKETMETER_LOG_MAX_AGE_DAYS", 7),
		},
	}

	if cfg.ReportInterval <= 0 {
		return nil, fmt.Errorf("PACKETMETER_REPORT_INTERVAL must be positive")
	}
	if cfg.RequestTimeout <= 0 {
		return nil, fmt.Errorf("PACKETMETER_REQUEST_TIMEOUT must be positive")
	}
	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
