// Package accounting fetches raw usage records from the accounting service.
package accounting

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/crosslogic/finance-service/pkg/models"
	"go.uber.org/zap"
)

// DefaultResourceTypes are the record kinds the billing engine can price.
var DefaultResourceTypes = []models.ResourceKind{models.KindCompute, models.KindVolume}

// Client is an HTTP client for the accounting service usage API.
type Client struct {
	baseURL         string
	token           string
	localProviderID string
	resourceTypes   []models.ResourceKind
	httpClient      *http.Client
	logger          *zap.Logger

	maxRetries    int
	retryDelay    time.Duration
	retryMaxDelay time.Duration
}

// Config holds accounting client configuration
type Config struct {
	BaseURL         string        // e.g. "http://accs.internal:8080"
	Token           string        // Bearer token
	LocalProviderID string        // provider that owns the accounted resources
	Timeout         time.Duration // per-request timeout (default: 30s)

	// ResourceTypes lists the kinds fetched per tenant (default: compute, volume)
	ResourceTypes []models.ResourceKind

	MaxRetries      int           // retries for transient failures; negative disables (default: 2)
	RetryDelay      time.Duration // initial retry delay (default: 500ms)
	RetryMaxDelay   time.Duration // cap for exponential backoff (default: 10s)
	MaxIdleConns    int           // default: 20
	IdleConnTimeout time.Duration // default: 90s
}

func NewClient(cfg Config, logger *zap.Logger) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 2
	} else if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RetryDelay == 0 {
		cfg.RetryDelay = 500 * time.Millisecond
	}
	if cfg.RetryMaxDelay == 0 {
		cfg.RetryMaxDelay = 10 * time.Second
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 20
	}
	if cfg.IdleConnTimeout == 0 {
		cfg.IdleConnTimeout = 90 * time.Second
	}
	if len(cfg.ResourceTypes) == 0 {
		cfg.ResourceTypes = DefaultResourceTypes
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	transport := &http.Transport{
		MaxIdleConns:        cfg.MaxIdleConns,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     cfg.IdleConnTimeout,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: cfg.Timeout,
	}

	return &Client{
		baseURL:         cfg.BaseURL,
		token:           cfg.Token,
		localProviderID: cfg.LocalProviderID,
		resourceTypes:   cfg.ResourceTypes,
		httpClient:      &http.Client{Transport: transport, Timeout: cfg.Timeout},
		logger:          logger.Named("accounting"),
		maxRetries:      cfg.MaxRetries,
		retryDelay:      cfg.RetryDelay,
		retryMaxDelay:   cfg.RetryMaxDelay,
	}
}

// Fetch returns every record of the tenant overlapping [start, end], one
// request per configured resource type. The tenant's provider is the
// requester; the local provider owns the resources.
func (c *Client) Fetch(ctx context.Context, userID, providerID string, start, end time.Time) ([]models.UsageRecord, error) {
	var records []models.UsageRecord
	for _, kind := range c.resourceTypes {
		path := usagePath(userID, providerID, c.localProviderID, kind, start, end)

		var page []models.UsageRecord
		if err := c.doRequestWithRetry(ctx, http.MethodGet, path, &page); err != nil {
			return nil, fmt.Errorf("failed to fetch %s usage for %s@%s: %w", kind, userID, providerID, err)
		}
		for _, record := range page {
			if err := record.Validate(); err != nil {
				return nil, err
			}
		}
		records = append(records, page...)
	}

	c.logger.Debug("fetched usage",
		zap.String("user_id", userID),
		zap.String("provider_id", providerID),
		zap.Time("start", start),
		zap.Time("end", end),
		zap.Int("records", len(records)),
	)
	return records, nil
}

func usagePath(userID, requester, localProvider string, kind models.ResourceKind, start, end time.Time) string {
	return "/accs/usage/" + url.PathEscape(userID) +
		"/" + url.PathEscape(requester) +
		"/" + url.PathEscape(localProvider) +
		"/" + url.PathEscape(string(kind)) +
		"/" + strconv.FormatInt(start.UnixMilli(), 10) +
		"/" + strconv.FormatInt(end.UnixMilli(), 10)
}

func (c *Client) doRequestWithRetry(ctx context.Context, method, path string, result interface{}) error {
	var lastErr error

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			delay := c.calculateBackoff(attempt)
			c.logger.Debug("retrying request",
				zap.String("path", path),
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay),
			)

			timer := time.NewTimer(delay)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			}
		}

		err := c.doRequest(ctx, method, path, result)
		if err == nil {
			return nil
		}
		lastErr = err

		if !isRetryable(err) {
			return err
		}
		c.logger.Warn("request failed, will retry",
			zap.String("path", path),
			zap.Int("attempt", attempt),
			zap.Int("max_retries", c.maxRetries),
			zap.Error(err),
		)
	}

	return fmt.Errorf("request failed after %d retries: %w", c.maxRetries, lastErr)
}

func (c *Client) doRequest(ctx context.Context, method, path string, result interface{}) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "crosslogic-finance-service/1.0")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %v", models.ErrUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: read response body: %v", models.ErrUnavailable, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return newAPIError(resp.StatusCode, body)
	}
	if err := json.Unmarshal(body, result); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *Client) calculateBackoff(attempt int) time.Duration {
	delay := time.Duration(float64(c.retryDelay) * math.Pow(2, float64(attempt-1)))
	if delay > c.retryMaxDelay {
		delay = c.retryMaxDelay
	}
	// ±25% jitter
	jitter := float64(delay) * 0.25
	return delay + time.Duration(jitter*(2*rand.Float64()-1))
}

func isRetryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode >= 500 || apiErr.StatusCode == http.StatusTooManyRequests
	}
	return errors.Is(err, models.ErrUnavailable)
}

// Close releases idle connections.
func (c *Client) Close() {
	c.httpClient.CloseIdleConnections()
}

// APIError is a non-2xx answer from the accounting service.
type APIError struct {
	StatusCode int
	Message    string
}

func newAPIError(status int, body []byte) *APIError {
	var payload struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	msg := string(body)
	if err := json.Unmarshal(body, &payload); err == nil {
		if payload.Error != "" {
			msg = payload.Error
		} else if payload.Message != "" {
			msg = payload.Message
		}
	}
	return &APIError{StatusCode: status, Message: msg}
}

func (e *APIError) Error() string {
	return fmt.Sprintf("accounting API error: %s (status: %d)", e.Message, e.StatusCode)
}

// Unwrap reports server-side failures and throttling as unavailability.
func (e *APIError) Unwrap() error {
	if e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests {
		return models.ErrUnavailable
	}
	return nil
}

func (e *APIError) IsNotFound() bool {
	return e.StatusCode == http.StatusNotFound
}

func (e *APIError) IsUnauthorized() bool {
	return e.StatusCode == http.StatusUnauthorized
}
