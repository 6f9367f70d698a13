package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mattjoyce/sdseal/internal/protocol"
)

// maxResponseBytes bounds a status body; results carry a base64 image.
const maxResponseBytes = 128 << 20

// ClientOption configures a Client.
type ClientOption func(*Client)

// RetryConfig configures retry behavior for 5xx replies and transport errors.
type RetryConfig struct {
	MaxRetries int
	RetryDelay time.Duration
}

// Client is the HTTP Platform implementation. It is immutable after
// creation and safe for concurrent use.
type Client struct {
	baseURL     string
	apiKey      string
	httpClient  *http.Client
	headers     map[string]string
	retryConfig RetryConfig
}

var _ Platform = (*Client)(nil)

// NewClient creates a client for the API rooted at baseURL.
func NewClient(baseURL, apiKey string, opts ...ClientOption) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid platform endpoint %q", baseURL)
	}

	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		headers: make(map[string]string),
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
		retryConfig: RetryConfig{
			MaxRetries: 3,
			RetryDelay: time.Second,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithTimeout sets the HTTP client timeout.
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		c.httpClient.Timeout = timeout
	}
}

// WithRetryConfig sets the retry configuration.
func WithRetryConfig(config RetryConfig) ClientOption {
	return func(c *Client) {
		c.retryConfig = config
	}
}

// WithHeader adds a header to every request.
func WithHeader(key, value string) ClientOption {
	return func(c *Client) {
		c.headers[key] = value
	}
}

// Submit posts {"input":{"encrypted_input":token}} to /run. A submission
// is not idempotent, so it is retried only when the connection was never
// established.
func (c *Client) Submit(ctx context.Context, token string) (string, error) {
	body, err := protocol.EncodeInput(token)
	if err != nil {
		return "", err
	}

	var resp struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	if err := c.do(ctx, http.MethodPost, "/run", body, &resp, false); err != nil {
		return "", err
	}
	if resp.ID == "" {
		return "", errors.New("platform accepted the job but returned no id")
	}
	return resp.ID, nil
}

// Status fetches /status/{id}.
func (c *Client) Status(ctx context.Context, id string) (*JobStatus, error) {
	if id == "" {
		return nil, errors.New("job id is empty")
	}

	var st JobStatus
	if err := c.do(ctx, http.MethodGet, "/status/"+url.PathEscape(id), nil, &st, true); err != nil {
		return nil, err
	}
	if st.Status == "" {
		return nil, errors.New("status reply has no status field")
	}
	return &st, nil
}

// do sends the request and decodes a 2xx JSON reply into out. An idempotent
// request is retried on 5xx and transport failures with linear back-off; any
// other request only when the dial itself failed.
func (c *Client) do(ctx context.Context, method, path string, body []byte, out any, idempotent bool) error {
	var lastErr error
	for attempt := 0; attempt <= c.retryConfig.MaxRetries; attempt++ {
		if attempt > 0 {
			t := time.NewTimer(c.retryConfig.RetryDelay * time.Duration(attempt))
			select {
			case <-ctx.Done():
				t.Stop()
				return &NetworkError{Err: ctx.Err()}
			case <-t.C:
			}
		}

		data, status, err := c.roundTrip(ctx, method, path, body)
		if err != nil {
			lastErr = &NetworkError{Err: err}
			if ctx.Err() != nil || (!idempotent && !neverSent(err)) {
				return lastErr
			}
			continue
		}
		if status >= 500 {
			lastErr = &APIError{StatusCode: status, Message: errorMessage(data)}
			if !idempotent {
				return lastErr
			}
			continue
		}
		if status < 200 || status > 299 {
			return &APIError{StatusCode: status, Message: errorMessage(data)}
		}
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("decode %s reply: %w", path, err)
		}
		return nil
	}
	return lastErr
}

// neverSent reports whether err happened before a connection existed, so the
// server cannot have seen the request.
func neverSent(err error) bool {
	var opErr *net.OpError
	return errors.As(err, &opErr) && opErr.Op == "dial"
}

func (c *Client) roundTrip(ctx context.Context, method, path string, body []byte) ([]byte, int, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create request: %w", err)
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	for key, value := range c.headers {
		req.Header.Set(key, value)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes+1))
	if err != nil {
		return nil, 0, err
	}
	if len(data) > maxResponseBytes {
		return nil, 0, fmt.Errorf("reply exceeds %d bytes", maxResponseBytes)
	}
	return data, resp.StatusCode, nil
}

// errorMessage extracts {"error": "..."} when present.
func errorMessage(data []byte) string {
	var e struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(data, &e) == nil && e.Error != "" {
		return e.Error
	}
	msg := strings.TrimSpace(string(data))
	if len(msg) > 200 {
		msg = msg[:200]
	}
	return msg
}
