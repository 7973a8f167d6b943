// Package whatsapp talks to the WhatsApp Cloud API: sending text messages and
// parsing and verifying inbound webhooks.
package whatsapp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/recete-ai/recete-engine/pkg/config"
	"github.com/recete-ai/recete-engine/pkg/logging"
	"github.com/recete-ai/recete-engine/pkg/retry"
)

// DefaultTimeout is the maximum time to wait for one Cloud API response.
const DefaultTimeout = 15 * time.Second

// ErrMissingCredentials is returned when no access token or phone number id is available.
var ErrMissingCredentials = errors.New("whatsapp credentials are not configured")

// Credentials identify the sending business number.
type Credentials struct {
	PhoneNumberID string
	AccessToken   string
}

// StatusError is a non-2xx Cloud API response.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("whatsapp api returned status %d: %s", e.StatusCode, e.Body)
}

// IsRetryable reports whether the send is worth repeating: rate limits and
// server errors are, request errors are not.
func (e *StatusError) IsRetryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// Client sends messages through the Cloud API.
type Client struct {
	httpClient *http.Client
	baseURL    string
	limiter    *rate.Limiter
	retry      *retry.Config
	logger     *zap.Logger
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithRetryConfig replaces the send retry policy.
func WithRetryConfig(cfg *retry.Config) Option {
	return func(c *Client) { c.retry = cfg }
}

// NewClient creates a Cloud API client limited to cfg.RatePerSecond sends.
func NewClient(cfg config.WhatsAppConfig, logger *zap.Logger, opts ...Option) *Client {
	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}

	c := &Client{
		httpClient: &http.Client{Timeout: DefaultTimeout},
		baseURL:    cfg.APIBaseURL,
		limiter:    rate.NewLimiter(limit, burst),
		retry:      retry.DefaultConfig(),
		logger:     logger.Named("whatsapp"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type sendRequest struct {
	MessagingProduct string   `json:"messaging_product"`
	RecipientType    string   `json:"recipient_type"`
	To               string   `json:"to"`
	Type             string   `json:"type"`
	Text             textBody `json:"text"`
}

type textBody struct {
	PreviewURL bool   `json:"preview_url"`
	Body       string `json:"body"`
}

type sendResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
}

// SendText sends body to the E.164 phone number to and returns the message id.
// Rate-limited and server errors are retried with backoff.
func (c *Client) SendText(ctx context.Context, creds Credentials, to, body string) (string, error) {
	if creds.AccessToken == "" || creds.PhoneNumberID == "" {
		return "", retry.Permanent(ErrMissingCredentials)
	}

	endpoint, err := buildURL(c.baseURL, creds.PhoneNumberID, "messages")
	if err != nil {
		return "", retry.Permanent(fmt.Errorf("failed to build URL: %w", err))
	}

	payload, err := json.Marshal(sendRequest{
		MessagingProduct: "whatsapp",
		RecipientType:    "individual",
		To:               strings.TrimPrefix(to, "+"),
		Type:             "text",
		Text:             textBody{Body: body},
	})
	if err != nil {
		return "", fmt.Errorf("failed to encode message: %w", err)
	}

	return retry.DoWithResult(ctx, c.retry, func(ctx context.Context) (string, error) {
		if err := c.limiter.Wait(ctx); err != nil {
			return "", err
		}
		return c.send(ctx, endpoint, creds.AccessToken, payload, to)
	})
}

func (c *Client) send(ctx context.Context, endpoint, token string, payload []byte, to string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to call whatsapp api: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.logger.Warn("WhatsApp send rejected",
			zap.Int("status", resp.StatusCode),
			zap.String("to", logging.RedactPhone(to)),
			zap.String("body", logging.TruncateString(string(respBody), 200)))
		return "", &StatusError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	var parsed sendResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", retry.Permanent(fmt.Errorf("failed to parse response: %w", err))
	}
	if len(parsed.Messages) == 0 {
		return "", retry.Permanent(errors.New("whatsapp api returned no message id"))
	}

	c.logger.Debug("WhatsApp message sent",
		zap.String("to", logging.RedactPhone(to)),
		zap.String("message_id", parsed.Messages[0].ID))
	return parsed.Messages[0].ID, nil
}

// buildURL constructs a URL by parsing the base and joining path segments.
func buildURL(baseURL string, pathSegments ...string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("invalid base URL: %w", err)
	}
	segments := append([]string{u.Path}, pathSegments...)
	u.Path = path.Join(segments...)
	return u.String(), nil
}
