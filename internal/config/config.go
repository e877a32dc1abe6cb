package config

import (
	"encoding/json"
	"fmt"
	"os"

	"lexrelay/internal/constants"
	"lexrelay/internal/models"
	"lexrelay/internal/security"
)

var (
	ErrMissingStorePath = models.ConfigError{Message: "missing store path"}
	ErrMissingAIBaseURL = models.ConfigError{Message: "missing AI collaborator base URL"}
	ErrNoProviders      = models.ConfigError{Message: "at least one provider must be configured"}
)

// LoadConfig reads, validates and defaults the application configuration.
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

	applyEnvironmentOverrides(&config)

	if err := validate(&config); err != nil {
		return nil, err
	}

	if err := validateSecurity(&config); err != nil {
		return nil, err
	}

	return &config, nil
}

func validate(c *models.Config) error {
	if c.Store.Path == "" {
		return ErrMissingStorePath
	}
	if c.AI.BaseURL == "" {
		return ErrMissingAIBaseURL
	}
	if c.Providers.Cloud.BaseURL == "" && c.Providers.Gateway.BaseURL == "" && c.Providers.Hub.BaseURL == "" {
		return ErrNoProviders
	}

	if c.Server.Port <= 0 {
		c.Server.Port = constants.DefaultServerPort
	}
	if c.Server.ReadTimeoutSec <= 0 {
		c.Server.ReadTimeoutSec = constants.DefaultServerReadTimeoutSec
	}
	if c.Server.WriteTimeoutSec <= 0 {
		c.Server.WriteTimeoutSec = constants.DefaultServerWriteTimeoutSec
	}
	if c.Server.IdleTimeoutSec <= 0 {
		c.Server.IdleTimeoutSec = constants.DefaultServerIdleTimeoutSec
	}
	if c.Server.WebhookMaxSkewSec <= 0 {
		c.Server.WebhookMaxSkewSec = constants.DefaultWebhookMaxSkewSec
	}

	applyQueueDefaults(&c.Queues.Incoming, constants.IncomingQueueMaxAttempts, constants.IncomingQueueBackoffBaseMs, constants.IncomingQueueConcurrency)
	applyQueueDefaults(&c.Queues.Outgoing, constants.OutgoingQueueMaxAttempts, constants.OutgoingQueueBackoffBaseMs, constants.OutgoingQueueConcurrency)
	applyQueueDefaults(&c.Queues.Document, constants.DocumentQueueMaxAttempts, constants.DocumentQueueBackoffBaseMs, constants.DocumentQueueConcurrency)
	if c.Queues.PollIntervalMs <= 0 {
		c.Queues.PollIntervalMs = constants.DefaultQueuePollIntervalMs
	}

	if c.Connect.PollAttempts <= 0 {
		c.Connect.PollAttempts = constants.DefaultConnectPollAttempts
	}
	if c.Connect.PollIntervalSec <= 0 {
		c.Connect.PollIntervalSec = constants.DefaultConnectPollIntervalSec
	}

	if c.Retry.InitialBackoffMs <= 0 {
		c.Retry.InitialBackoffMs = constants.DefaultRetryBackoffMs
	}
	if c.Retry.MaxBackoffMs <= 0 {
		c.Retry.MaxBackoffMs = constants.DefaultMaxBackoffMs
	}
	if c.Retry.MaxAttempts <= 0 {
		c.Retry.MaxAttempts = constants.DefaultMaxAttempts
	}

	for _, timeout := range []*int{
		&c.Providers.Cloud.TimeoutSec,
		&c.Providers.Gateway.TimeoutSec,
		&c.Providers.Hub.TimeoutSec,
	} {
		if *timeout <= 0 {
			*timeout = constants.DefaultProviderTimeoutSec
		}
	}
	if c.AI.TimeoutSec <= 0 {
		c.AI.TimeoutSec = constants.DefaultHTTPTimeoutSec
	}
	if c.Documents.TimeoutSec <= 0 {
		c.Documents.TimeoutSec = constants.DefaultHTTPTimeoutSec
	}

	return nil
}

func applyQueueDefaults(q *models.QueueConfig, maxAttempts, backoffBaseMs, concurrency int) {
	if q.MaxAttempts <= 0 {
		q.MaxAttempts = maxAttempts
	}
	if q.BackoffBaseMs <= 0 {
		q.BackoffBaseMs = backoffBaseMs
	}
	if q.Concurrency <= 0 {
		q.Concurrency = concurrency
	}
}

func applyEnvironmentOverrides(c *models.Config) {
	if path := os.Getenv("LEXRELAY_STORE_PATH"); path != "" {
		c.Store.Path = path
	}

	// SECURITY: provider credentials and webhook secrets come from the
	// environment in deployments, never from the config file.
	if token := os.Getenv("LEXRELAY_CLOUD_ACCESS_TOKEN"); token != "" {
		c.Providers.Cloud.AccessToken = token
	}
	if token := os.Getenv("LEXRELAY_CLOUD_VERIFY_TOKEN"); token != "" {
		c.Providers.Cloud.VerifyToken = token
	}
	if key := os.Getenv("LEXRELAY_GATEWAY_API_KEY"); key != "" {
		c.Providers.Gateway.APIKey = key
	}
	if secret := os.Getenv("LEXRELAY_GATEWAY_WEBHOOK_SECRET"); secret != "" {
		c.Providers.Gateway.WebhookSecret = secret
	}
	if token := os.Getenv("LEXRELAY_HUB_ADMIN_TOKEN"); token != "" {
		c.Providers.Hub.AdminToken = token
	}
	if secret := os.Getenv("LEXRELAY_HUB_WEBHOOK_SECRET"); secret != "" {
		c.Providers.Hub.WebhookSecret = secret
	}
	if url := os.Getenv("LEXRELAY_AI_BASE_URL"); url != "" {
		c.AI.BaseURL = url
	}
}

// validateSecurity performs security-specific validation
func validateSecurity(c *models.Config) error {
	isProduction := os.Getenv("LEXRELAY_ENV") == "production"

	if isProduction {
		if c.Providers.Cloud.BaseURL != "" && c.Providers.Cloud.VerifyToken == "" {
			return models.ConfigError{Message: "cloud verify token is required in production (set LEXRELAY_CLOUD_VERIFY_TOKEN)"}
		}
		if c.Providers.Gateway.BaseURL != "" && c.Providers.Gateway.WebhookSecret == "" {
			return models.ConfigError{Message: "gateway webhook secret is required in production (set LEXRELAY_GATEWAY_WEBHOOK_SECRET)"}
		}
		if c.Providers.Gateway.WebhookSecret != "" && len(c.Providers.Gateway.WebhookSecret) < 32 {
			return models.ConfigError{Message: "gateway webhook secret must be at least 32 characters long"}
		}
		if c.Providers.Hub.BaseURL != "" && c.Providers.Hub.WebhookSecret == "" {
			return models.ConfigError{Message: "hub webhook secret is required in production (set LEXRELAY_HUB_WEBHOOK_SECRET)"}
		}
		if c.LogLevel == "debug" {
			return models.ConfigError{Message: "debug logging should not be used in production (security risk)"}
		}
	} else {
		if c.Providers.Gateway.BaseURL != "" && c.Providers.Gateway.WebhookSecret == "" {
			fmt.Fprintf(os.Stderr, "WARNING: gateway webhook secret not set. Set LEXRELAY_GATEWAY_WEBHOOK_SECRET for security.\n")
		}
	}

	return nil
}
