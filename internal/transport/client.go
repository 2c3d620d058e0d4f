// Package transport implements the HTTP client for the remote job-based
// conversation API: message submission, realtime snapshots, tool response
// submission and historical transcripts.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"convsync/internal/config"
	"convsync/internal/logger"
	"convsync/internal/version"
	"convsync/pkg/convtypes"

	"github.com/charmbracelet/log"
	"github.com/pkg/errors"
)

// ErrMissingCredential is returned before any request is issued when no API key is configured.
var ErrMissingCredential = errors.New("no API credential configured")

// maxErrorBody bounds how much of an error response body is kept in an APIError.
const maxErrorBody = 4 << 10

// APIError is returned for non-2xx responses.
type APIError struct {
	Method     string
	Path       string
	StatusCode int
	Status     string
	Body       string
}

func (e *APIError) Error() string {
	body := strings.TrimSpace(e.Body)
	if body == "" {
		return fmt.Sprintf("%s %s: %s", e.Method, e.Path, e.Status)
	}
	return fmt.Sprintf("%s %s: %s: %s", e.Method, e.Path, e.Status, body)
}

// Temporary reports whether retrying the same request later could succeed.
func (e *APIError) Temporary() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// Config is the mutable part of the client: where to send requests and with what credential.
type Config struct {
	BaseURL  string
	APIKey   string
	TenantID string
	Timeout  time.Duration
}

// ConfigFrom extracts the transport settings from the application configuration.
func ConfigFrom(cfg *config.Config) Config {
	return Config{
		BaseURL:  cfg.BaseURL,
		APIKey:   cfg.APIKey,
		TenantID: cfg.TenantID,
		Timeout:  cfg.RequestTimeout,
	}
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying *http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithLogger sets the component logger.
func WithLogger(l *log.Logger) Option {
	return func(c *Client) {
		c.logger = l
	}
}

// Client talks to the remote conversation API. It is safe for concurrent use.
// Each request copies the configuration current at the moment it is issued.
type Client struct {
	mu         sync.RWMutex
	cfg        Config
	httpClient *http.Client
	logger     *log.Logger
}

// NewClient creates a transport client.
func NewClient(cfg Config, opts ...Option) *Client {
	c := &Client{
		cfg:        normalize(cfg),
		httpClient: &http.Client{},
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = logger.NewStyledLogger("Transport")
	}
	return c
}

func normalize(cfg Config) Config {
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	cfg.APIKey = strings.TrimSpace(cfg.APIKey)
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return cfg
}

// Config returns a copy of the current configuration.
func (c *Client) Config() Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cfg
}

// UpdateConfig applies fn to the configuration. In-flight requests keep the
// configuration they started with.
func (c *Client) UpdateConfig(fn func(*Config)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	next := c.cfg
	fn(&next)
	c.cfg = normalize(next)
	c.logger.Debug("Transport configuration updated", "base_url", c.cfg.BaseURL, "has_credential", c.cfg.APIKey != "")
}

// HasCredential reports whether an API key is configured.
func (c *Client) HasCredential() bool {
	return c.Config().APIKey != ""
}

// SendMessage submits a user message. With req.Async the server answers with a
// conversation id to poll; otherwise the full message list is returned.
func (c *Client) SendMessage(ctx context.Context, req convtypes.SubmitRequest) (*convtypes.SubmitResult, error) {
	var result convtypes.SubmitResult
	if err := c.do(ctx, http.MethodPost, "/v1/conversations/messages", req, &result); err != nil {
		return nil, err
	}
	if result.Error != "" {
		return nil, errors.Errorf("submission rejected: %s", result.Error)
	}
	if req.Async && result.ConversationID == "" {
		return nil, errors.New("submission accepted without a conversation id")
	}
	return &result, nil
}

// FetchRealtime returns the current snapshot of a conversation.
func (c *Client) FetchRealtime(ctx context.Context, conversationID string) (*convtypes.Snapshot, error) {
	if conversationID == "" {
		return nil, errors.New("conversation id is required")
	}
	var snap convtypes.Snapshot
	path := "/v1/conversations/" + url.PathEscape(conversationID) + "/realtime"
	if err := c.do(ctx, http.MethodGet, path, nil, &snap); err != nil {
		return nil, err
	}
	if snap.ConversationID == "" {
		snap.ConversationID = conversationID
	}
	return &snap, nil
}

// SubmitToolResponses posts the results of locally executed tool calls.
func (c *Client) SubmitToolResponses(ctx context.Context, conversationID string, responses []convtypes.ToolResponse) (*convtypes.SubmitResult, error) {
	if conversationID == "" {
		return nil, errors.New("conversation id is required")
	}
	var result convtypes.SubmitResult
	path := "/v1/conversations/" + url.PathEscape(conversationID) + "/tool-responses"
	body := convtypes.ToolResponsesRequest{Responses: responses}
	if err := c.do(ctx, http.MethodPost, path, body, &result); err != nil {
		return nil, err
	}
	if result.Error != "" {
		return nil, errors.Errorf("tool responses rejected: %s", result.Error)
	}
	return &result, nil
}

// FetchConversation returns the stored transcript of a conversation.
func (c *Client) FetchConversation(ctx context.Context, conversationID string) (*convtypes.Conversation, error) {
	if conversationID == "" {
		return nil, errors.New("conversation id is required")
	}
	var conv convtypes.Conversation
	path := "/v1/conversations/" + url.PathEscape(conversationID)
	if err := c.do(ctx, http.MethodGet, path, nil, &conv); err != nil {
		return nil, err
	}
	if conv.ID == "" {
		conv.ID = conversationID
	}
	return &conv, nil
}

func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	cfg := c.Config()
	if cfg.APIKey == "" {
		return ErrMissingCredential
	}
	if cfg.BaseURL == "" {
		return errors.New("base URL is not configured")
	}

	var bodyReader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return errors.Wrap(err, "failed to encode request body")
		}
		bodyReader = bytes.NewReader(payload)
	}

	ctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, cfg.BaseURL+path, bodyReader)
	if err != nil {
		return errors.Wrap(err, "failed to create request")
	}
	req.Header.Set("Authorization", "Bearer "+cfg.APIKey)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", version.UserAgent())
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if cfg.TenantID != "" {
		req.Header.Set("X-Tenant-ID", cfg.TenantID)
	}

	start := time.Now()
	c.logger.Debug("Sending request", "method", method, "path", path)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errors.Wrapf(err, "%s %s failed", method, path)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	c.logger.Debug("Request completed", "method", method, "path", path,
		"status_code", resp.StatusCode, "duration", time.Since(start).String())

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &APIError{
			Method:     method,
			Path:       path,
			StatusCode: resp.StatusCode,
			Status:     resp.Status,
			Body:       string(data),
		}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return errors.Wrapf(err, "failed to decode %s %s response", method, path)
	}
	return nil
}
