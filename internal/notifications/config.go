package notifications

import (
	"net/http"
	"time"
)

// Config holds the configuration for the notification service
type Config struct {
	// Webhook endpoint receiving finance events
	WebhookURL     string
	WebhookSecret  string
	WebhookMethod  string
	WebhookHeaders map[string]string

	// Retry configuration
	MaxRetries       int
	RetryBackoffBase time.Duration
	RetryQueueSize   int
	RetryWorkers     int

	DeliveryTimeout time.Duration

	// DedupeTTL bounds how long delivered event ids are remembered.
	DedupeTTL time.Duration
}

// Enabled reports whether a webhook endpoint is configured.
func (c Config) Enabled() bool {
	return c.WebhookURL != ""
}

func (c Config) withDefaults() Config {
	if c.WebhookMethod == "" {
		c.WebhookMethod = http.MethodPost
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.RetryBackoffBase == 0 {
		c.RetryBackoffBase = 2 * time.Second
	}
	if c.RetryQueueSize == 0 {
		c.RetryQueueSize = 256
	}
	if c.RetryWorkers == 0 {
		c.RetryWorkers = 2
	}
	if c.DeliveryTimeout == 0 {
		c.DeliveryTimeout = 10 * time.Second
	}
	if c.DedupeTTL == 0 {
		c.DedupeTTL = 24 * time.Hour
	}
	return c
}
