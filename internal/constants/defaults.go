package constants

// Default queue configuration values. Attempt caps and backoff bases are
// per-queue; concurrency bounds the worker pool draining each queue.
const (
	IncomingQueueMaxAttempts   = 3
	IncomingQueueBackoffBaseMs = 1000
	IncomingQueueConcurrency   = 10

	OutgoingQueueMaxAttempts   = 5
	OutgoingQueueBackoffBaseMs = 2000
	OutgoingQueueConcurrency   = 50

	DocumentQueueMaxAttempts   = 2
	DocumentQueueBackoffBaseMs = 5000
	DocumentQueueConcurrency   = 5

	DefaultQueuePollIntervalMs = 250
)

// Default session lifecycle values
const (
	DefaultConnectPollAttempts     = 6
	DefaultConnectPollIntervalSec  = 5
	DefaultSessionStatusTimeoutSec = 5
)

// Default timeout values
const (
	DefaultProviderTimeoutSec    = 15
	DefaultHTTPTimeoutSec        = 30
	DefaultGracefulShutdownSec   = 30
	DefaultServerReadTimeoutSec  = 15
	DefaultServerWriteTimeoutSec = 15
	DefaultServerIdleTimeoutSec  = 60
	DefaultStoreRetryAttempts    = 3
)

// Default retry/backoff values
const (
	DefaultRetryBackoffMs = 1000
	DefaultMaxBackoffMs   = 60000
	DefaultMaxAttempts    = 5
)

// Default server values
const (
	DefaultServerPort        = 8082
	ServerErrorChannelSize   = 1
	DefaultWebhookMaxSkewSec = 300
)

// Realtime publisher values
const (
	SubscriberSendBufferSize = 16
)

// ThreatSeverityWebhookVerification is the fixed severity reported when a
// cloud webhook verification handshake fails.
const ThreatSeverityWebhookVerification = 70
