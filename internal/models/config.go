package models

// ConfigError represents a configuration validation failure.
type ConfigError struct {
	Message string
}

func (e ConfigError) Error() string {
	return e.Message
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port              int `json:"port"`
	ReadTimeoutSec    int `json:"readTimeoutSec"`
	WriteTimeoutSec   int `json:"writeTimeoutSec"`
	IdleTimeoutSec    int `json:"idleTimeoutSec"`
	WebhookMaxSkewSec int `json:"webhookMaxSkewSec"`
}

// StoreConfig holds the SQLite store settings.
type StoreConfig struct {
	Path string `json:"path"`
}

// CloudProviderConfig configures the cloud messaging API client.
type CloudProviderConfig struct {
	BaseURL     string `json:"apiBaseUrl"`
	AccessToken string `json:"accessToken"`
	VerifyToken string `json:"verifyToken"`
	TimeoutSec  int    `json:"timeoutSec"`
}

// GatewayProviderConfig configures the self-hosted gateway client.
// WebhookURL is the callback endpoint registered with the gateway when a
// session is created.
type GatewayProviderConfig struct {
	BaseURL       string `json:"apiBaseUrl"`
	APIKey        string `json:"apiKey"`
	WebhookSecret string `json:"webhookSecret"`
	WebhookURL    string `json:"webhookUrl"`
	TimeoutSec    int    `json:"timeoutSec"`
}

// HubProviderConfig configures the aggregator hub client.
type HubProviderConfig struct {
	BaseURL       string `json:"apiBaseUrl"`
	AdminToken    string `json:"adminToken"`
	WebhookSecret string `json:"webhookSecret"`
	WebhookURL    string `json:"webhookUrl"`
	TimeoutSec    int    `json:"timeoutSec"`
}

// ProvidersConfig groups the three provider families.
type ProvidersConfig struct {
	Cloud   CloudProviderConfig   `json:"cloud"`
	Gateway GatewayProviderConfig `json:"gateway"`
	Hub     HubProviderConfig     `json:"hub"`
}

// QueueConfig overrides one queue's defaults when non-zero.
type QueueConfig struct {
	MaxAttempts   int `json:"maxAttempts"`
	BackoffBaseMs int `json:"backoffBaseMs"`
	Concurrency   int `json:"concurrency"`
}

// QueuesConfig groups per-queue overrides.
type QueuesConfig struct {
	Incoming       QueueConfig `json:"incoming"`
	Outgoing       QueueConfig `json:"outgoing"`
	Document       QueueConfig `json:"document"`
	PollIntervalMs int         `json:"pollIntervalMs"`
}

// ConnectConfig bounds the provider status polling during connect.
type ConnectConfig struct {
	PollAttempts    int `json:"pollAttempts"`
	PollIntervalSec int `json:"pollIntervalSec"`
}

// CollaboratorConfig points at an external text-in/text-out service.
type CollaboratorConfig struct {
	BaseURL    string `json:"baseUrl"`
	TimeoutSec int    `json:"timeoutSec"`
}

// RetryConfig holds generic retry/backoff settings.
type RetryConfig struct {
	InitialBackoffMs int `json:"initialBackoffMs"`
	MaxBackoffMs     int `json:"maxBackoffMs"`
	MaxAttempts      int `json:"maxAttempts"`
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled        bool    `json:"enabled"`
	ServiceName    string  `json:"serviceName"`
	ServiceVersion string  `json:"serviceVersion"`
	Environment    string  `json:"environment"`
	OTLPEndpoint   string  `json:"otlpEndpoint"`
	SampleRate     float64 `json:"sampleRate"`
	UseStdout      bool    `json:"useStdout"`
}

// Config is the top-level application configuration.
type Config struct {
	LogLevel  string             `json:"logLevel"`
	Server    ServerConfig       `json:"server"`
	Store     StoreConfig        `json:"store"`
	Providers ProvidersConfig    `json:"providers"`
	Queues    QueuesConfig       `json:"queues"`
	Connect   ConnectConfig      `json:"connect"`
	AI        CollaboratorConfig `json:"ai"`
	Documents CollaboratorConfig `json:"documents"`
	Retry     RetryConfig        `json:"retry"`
	Tracing   TracingConfig      `json:"tracing"`
}
