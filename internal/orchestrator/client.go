// Package orchestrator pauses and resumes a tenant's resources through the
// resource allocation service.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/crosslogic/finance-service/pkg/models"
	"go.uber.org/zap"
)

// Client calls the resource allocation service. Each call is a single
// attempt; the enforcement worker retries on its next cycle.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     *zap.Logger
}

// Config holds resource allocation client configuration
type Config struct {
	BaseURL string
	Token   string
	Timeout time.Duration // default: 30s
}

func NewClient(cfg Config, logger *zap.Logger) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	transport := &http.Transport{
		MaxIdleConns:        20,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout: 10 * time.Second,
	}

	return &Client{
		baseURL:    cfg.BaseURL,
		token:      cfg.Token,
		httpClient: &http.Client{Transport: transport, Timeout: cfg.Timeout},
		logger:     logger.Named("orchestrator"),
	}
}

// PauseResources stops every compute the tenant holds.
func (c *Client) PauseResources(ctx context.Context, userID, providerID string) error {
	return c.computeAction(ctx, "pause", userID, providerID)
}

// ResumeResources restarts the tenant's paused computes.
func (c *Client) ResumeResources(ctx context.Context, userID, providerID string) error {
	return c.computeAction(ctx, "resume", userID, providerID)
}

func (c *Client) computeAction(ctx context.Context, action, userID, providerID string) error {
	path := "/ras/computes/" + action + "/" + url.PathEscape(userID) + "/" + url.PathEscape(providerID)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "crosslogic-finance-service/1.0")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("failed to %s resources of %s@%s: %w", action, userID, providerID, ctx.Err())
		}
		return fmt.Errorf("failed to %s resources of %s@%s: %w: %v", action, userID, providerID, models.ErrUnavailable, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("failed to %s resources of %s@%s: %w", action, userID, providerID, newAPIError(resp.StatusCode, body))
	}

	c.logger.Info("compute "+action+" requested",
		zap.String("user_id", userID),
		zap.String("provider_id", providerID),
		zap.Duration("duration", time.Since(start)),
	)
	return nil
}

// APIError is a non-2xx answer from the resource allocation service.
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
	return fmt.Sprintf("resource allocation API error: %s (status: %d)", e.Message, e.StatusCode)
}

// Unwrap treats server errors and throttling as transient.
func (e *APIError) Unwrap() error {
	if e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests {
		return models.ErrUnavailable
	}
	return nil
}

// Close releases idle connections.
func (c *Client) Close() {
	c.httpClient.CloseIdleConnections()
}
