package models

import "fmt"

// Config holds the application configuration
type Config struct {
	Server    ServerConfig    `json:"server"`
	Database  DatabaseConfig  `json:"database"`
	Sender    SenderConfig    `json:"sender"`
	Ephemeral EphemeralConfig `json:"ephemeral"`
	Sync      SyncConfig      `json:"sync"`
	Retry     RetryConfig     `json:"retry"`
	Tracing   TracingConfig   `json:"tracing"`
	LogLevel  string          `json:"log_level"`
}

// ServerConfig holds the HTTP listener configuration
type ServerConfig struct {
	Name string `json:"name"`
	Port int    `json:"port"`
}

// DatabaseConfig holds database related configurations
type DatabaseConfig struct {
	Path string `json:"path"`
}

// SenderConfig tunes the outbound federation dispatcher
type SenderConfig struct {
	BatchLimit        int `json:"batch_limit"`
	FlushIntervalSec  int `json:"flush_interval_sec"`
	DegradedThreshold int `json:"degraded_threshold"`
	TransportTimeout  int `json:"transport_timeout_sec"`
	BreakerFailures   int `json:"breaker_max_failures"`
	BreakerResetSec   int `json:"breaker_reset_sec"`
}

// EphemeralConfig tunes the in-memory typing/receipt state
type EphemeralConfig struct {
	SweepIntervalMs    int `json:"sweep_interval_ms"`
	DefaultTypingMs    int `json:"default_typing_timeout_ms"`
	MaxTypingTimeoutMs int `json:"max_typing_timeout_ms"`
}

// SyncConfig tunes the client long-poll coordinator
type SyncConfig struct {
	DefaultTimeoutMs int `json:"default_timeout_ms"`
	MaxTimeoutMs     int `json:"max_timeout_ms"`
}

// RetryConfig holds retry and backoff configuration
type RetryConfig struct {
	InitialBackoffMs int `json:"initialBackoffMs"`
	MaxBackoffSec    int `json:"maxBackoffSec"`
}

// TracingConfig holds OpenTelemetry configuration
type TracingConfig struct {
	Enabled        bool    `json:"enabled"`
	ServiceName    string  `json:"serviceName"`
	ServiceVersion string  `json:"serviceVersion"`
	Environment    string  `json:"environment"`
	OTLPEndpoint   string  `json:"otlpEndpoint"`
	SampleRate     float64 `json:"sampleRate"`
	UseStdout      bool    `json:"useStdout"`
}

type ConfigError struct {
	Message string
}

func (e ConfigError) Error() string {
	return fmt.Sprintf("config error: %s", e.Message)
}
