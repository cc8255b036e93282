package constants

// Pub/sub defaults
const (
	DefaultPusherCluster       = "mt1"
	DefaultActivityTimeoutSec  = 120
	DefaultPongTimeoutSec      = 30
	DefaultChatChannel         = "chat-app"
	OrderChannelPrefix         = "order."
	PusherProtocolVersion      = 7
	PusherClientName           = "aquadrop-go"
	PusherClientVersion        = "1.0.0"
	DefaultReconnectInitialMs  = 500
	DefaultReconnectMaxMs      = 30000
	DefaultConnectHandshakeSec = 10
)

// Chat pipeline defaults
const (
	DefaultSendTimeoutSec      = 15
	DefaultEchoWindowSec       = 10
	DefaultDedupBucketSec      = 5
	DefaultStalePendingSec     = 60
	DefaultMonitorIntervalSec  = 30
	DefaultBreakerFailures     = 5
	DefaultBreakerCooldownSec  = 30
	DefaultSendQueueSize       = 64
	DefaultBackendTimeoutSec   = 30
	DefaultRetentionDays       = 30
	DefaultServerPort          = 8085
	DefaultGracefulShutdownSec = 10
)

// Relay defaults
const (
	DefaultRelayPort          = 8090
	DefaultRelayMaxAttempts   = 3
	DefaultRelayBackoffStepMs = 500
	DefaultRelayTimeoutSec    = 20
	DefaultRelayRateLimit     = 20.0
	DefaultRelayRateBurst     = 40
	MaxRelayBodyBytes         = 10 << 20
)

// Store defaults
const (
	DefaultDatabaseRetryAttempts  = 3
	DefaultDatabaseRetryBackoffMs = 50
	DefaultDatabaseMaxBackoffMs   = 500
	DefaultDatabaseBusyTimeoutMs  = 5000
	MinEncryptionSecretLength     = 32
)

// Privacy settings
const (
	DefaultIDMaskLength  = 4
	EncryptionSaltPrefix = "aquadrop-store-v1"
)

// Encryption parameters for message bodies at rest
const (
	EncryptionIterations = 100000
	EncryptionKeySize    = 32
	EncryptionNonceSize  = 12
)
