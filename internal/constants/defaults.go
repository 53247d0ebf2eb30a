package constants

// Default sender configuration values
const (
	DefaultBatchLimit            = 30
	DefaultFlushIntervalSec      = 30
	DefaultDegradedThreshold     = 5
	DefaultRetryInitialBackoffMs = 1000
	DefaultRetryMaxBackoffSec    = 300
	DefaultTransportTimeoutSec   = 30
	DefaultBreakerMaxFailures    = 10
	DefaultBreakerResetSec       = 60
)

// Default ephemeral state values
const (
	DefaultTypingTimeoutMs    = 30000
	DefaultMaxTypingTimeoutMs = 120000
	DefaultSweepIntervalMs    = 1000
	EphemeralShardCount       = 16
)

// Default sync configuration values
const (
	DefaultSyncTimeoutMs      = 30000
	MaxSyncTimeoutMs          = 120000
	DefaultStreamHeartbeatSec = 30
)

// Default server values
const (
	MaxEventPayloadBytes         = 1 << 20
	DefaultServerPort            = 8448
	DefaultServerReadTimeoutSec  = 15
	DefaultServerWriteTimeoutSec = 180
	DefaultServerIdleTimeoutSec  = 60
	DefaultGracefulShutdownSec   = 30
)

// Default database values
const (
	DefaultDatabaseRetryAttempts = 3
	DefaultDatabaseBackoffMs     = 1000
)

// Privacy settings
const (
	DefaultIDMaskLength = 4
)

// Encryption settings
const (
	EncryptionSalt = "fedsync-queue-kdf-v1"
)
