package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"fedsync/internal/constants"
	"fedsync/internal/models"
	"fedsync/internal/security"
)

var (
	ErrMissingServerName = models.ConfigError{Message: "missing server name"}
	ErrMissingDBPath     = models.ConfigError{Message: "missing database path"}
)

func LoadConfig(path string) (*models.Config, error) {
	if err := security.ValidateFilePath(path); err != nil {
		return nil, fmt.Errorf("invalid config path: %w", err)
	}

	file, err := os.ReadFile(path) // #nosec G304 - Path validated above
	if err != nil {
		return nil, err
	}

	var config models.Config
	if err := json.Unmarshal(file, &config); err != nil {
		return nil, err
	}

	applyDefaults(&config)
	applyEnvironmentOverrides(&config)

	if err := validate(&config); err != nil {
		return nil, err
	}

	return &config, nil
}

func validate(c *models.Config) error {
	if c.Server.Name == "" {
		return ErrMissingServerName
	}
	if c.Database.Path == "" {
		return ErrMissingDBPath
	}
	if c.Sender.BatchLimit <= 0 {
		return models.ConfigError{Message: "sender batch_limit must be positive"}
	}
	if c.Ephemeral.SweepIntervalMs <= 0 {
		return models.ConfigError{Message: "ephemeral sweep_interval_ms must be positive"}
	}
	if c.Sync.DefaultTimeoutMs > c.Sync.MaxTimeoutMs {
		return models.ConfigError{Message: "sync default_timeout_ms exceeds max_timeout_ms"}
	}
	return nil
}

func applyDefaults(c *models.Config) {
	if c.Server.Port == 0 {
		c.Server.Port = constants.DefaultServerPort
	}
	if c.Sender.BatchLimit == 0 {
		c.Sender.BatchLimit = constants.DefaultBatchLimit
	}
	if c.Sender.FlushIntervalSec == 0 {
		c.Sender.FlushIntervalSec = constants.DefaultFlushIntervalSec
	}
	if c.Sender.DegradedThreshold == 0 {
		c.Sender.DegradedThreshold = constants.DefaultDegradedThreshold
	}
	if c.Sender.TransportTimeout == 0 {
		c.Sender.TransportTimeout = constants.DefaultTransportTimeoutSec
	}
	if c.Sender.BreakerFailures == 0 {
		c.Sender.BreakerFailures = constants.DefaultBreakerMaxFailures
	}
	if c.Sender.BreakerResetSec == 0 {
		c.Sender.BreakerResetSec = constants.DefaultBreakerResetSec
	}
	if c.Ephemeral.SweepIntervalMs == 0 {
		c.Ephemeral.SweepIntervalMs = constants.DefaultSweepIntervalMs
	}
	if c.Ephemeral.DefaultTypingMs == 0 {
		c.Ephemeral.DefaultTypingMs = constants.DefaultTypingTimeoutMs
	}
	if c.Ephemeral.MaxTypingTimeoutMs == 0 {
		c.Ephemeral.MaxTypingTimeoutMs = constants.DefaultMaxTypingTimeoutMs
	}
	if c.Sync.DefaultTimeoutMs == 0 {
		c.Sync.DefaultTimeoutMs = constants.DefaultSyncTimeoutMs
	}
	if c.Sync.MaxTimeoutMs == 0 {
		c.Sync.MaxTimeoutMs = constants.MaxSyncTimeoutMs
	}
	if c.Retry.InitialBackoffMs == 0 {
		c.Retry.InitialBackoffMs = constants.DefaultRetryInitialBackoffMs
	}
	if c.Retry.MaxBackoffSec == 0 {
		c.Retry.MaxBackoffSec = constants.DefaultRetryMaxBackoffSec
	}
}

func applyEnvironmentOverrides(c *models.Config) {
	if name := os.Getenv("FEDSYNC_SERVER_NAME"); name != "" {
		c.Server.Name = name
	}
	if dbPath := os.Getenv("FEDSYNC_DB_PATH"); dbPath != "" {
		c.Database.Path = dbPath
	}
	if port := os.Getenv("PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil && p > 0 {
			c.Server.Port = p
		}
	}
	if level := os.Getenv("FEDSYNC_LOG_LEVEL"); level != "" {
		c.LogLevel = level
	}
}
