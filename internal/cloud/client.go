// Package cloud provides communication with the remote state backend.
// The backend is a JSON document tree addressed by slash-delimited paths
// over HTTPS REST ({base}/{path}.json). Every call is retried with
// exponential backoff and reports exhaustion as ErrRetriesExhausted.
package cloud

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/agsys/plant-controller/internal/logging"
)

// ErrRetriesExhausted is returned after the last attempt of a call failed
var ErrRetriesExhausted = errors.New("remote call failed after retries")

// StatusError is a non-2xx response from the backend
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("API error %d: %s", e.Code, e.Body)
}

// Config holds remote client configuration
type Config struct {
	BaseURL     string        // Backend root (https://<project>.firebaseio.com)
	AuthToken   string        // Optional opaque token sent as ?auth=
	HTTPTimeout time.Duration // Timeout for a single HTTP attempt
	MaxRetries  int           // Attempts per call
	BackoffBase time.Duration // Delay after attempt n is BackoffBase * 2^n
}

// DefaultConfig returns default remote client configuration
func DefaultConfig() Config {
	return Config{
		HTTPTimeout: 15 * time.Second,
		MaxRetries:  3,
		BackoffBase: time.Second,
	}
}

// Client talks to the remote state backend
type Client struct {
	config     Config
	httpClient *http.Client
	sleep      func(time.Duration)
	nowMillis  func() int64
	errorSeq   atomic.Uint64
	logger     *zap.Logger
}

// Option customizes a Client
type Option func(*Client)

// WithHTTPClient replaces the HTTP client
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithSleep replaces the backoff sleep
func WithSleep(fn func(time.Duration)) Option {
	return func(c *Client) { c.sleep = fn }
}

// WithClock sets the UTC millisecond clock used for error log timestamps
func WithClock(fn func() int64) Option {
	return func(c *Client) { c.nowMillis = fn }
}

// New creates a new remote client
func New(config Config, opts ...Option) *Client {
	if config.MaxRetries < 1 {
		config.MaxRetries = 1
	}
	c := &Client{
		config: config,
		httpClient: &http.Client{
			Timeout: config.HTTPTimeout,
		},
		sleep:     time.Sleep,
		nowMillis: func() int64 { return time.Now().UnixMilli() },
		logger:    logging.Named(logging.NameCloud),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get reads the value at path. A missing node decodes to a nil result.
func (c *Client) Get(ctx context.Context, path string) (json.RawMessage, error) {
	return c.call(ctx, http.MethodGet, path, nil)
}

// GetInto reads the value at path into v. It reports false when the node
// is empty.
func (c *Client) GetInto(ctx context.Context, path string, v interface{}) (bool, error) {
	raw, err := c.Get(ctx, path)
	if err != nil {
		return false, err
	}
	if raw == nil {
		return false, nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return false, fmt.Errorf("decode %s: %w", path, err)
	}
	return true, nil
}

// Put replaces the value at path
func (c *Client) Put(ctx context.Context, path string, payload interface{}) error {
	body, err := marshal(payload)
	if err != nil {
		return err
	}
	_, err = c.call(ctx, http.MethodPut, path, body)
	return err
}

// Post appends payload under path and returns the generated child key
func (c *Client) Post(ctx context.Context, path string, payload interface{}) (string, error) {
	body, err := marshal(payload)
	if err != nil {
		return "", err
	}
	raw, err := c.call(ctx, http.MethodPost, path, body)
	if err != nil {
		return "", err
	}

	var resp struct {
		Name string `json:"name"`
	}
	if raw != nil {
		_ = json.Unmarshal(raw, &resp)
	}
	return resp.Name, nil
}

// Delete removes the node at path
func (c *Client) Delete(ctx context.Context, path string) error {
	_, err := c.call(ctx, http.MethodDelete, path, nil)
	return err
}

// call runs one logical operation with retries
func (c *Client) call(ctx context.Context, method, path string, body []byte) (json.RawMessage, error) {
	var lastErr error
	for attempt := 0; attempt < c.config.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("%s %s: %w", method, path, err)
		}

		data, err := c.do(ctx, method, path, body)
		if err == nil {
			return data, nil
		}
		lastErr = err
		c.logger.Warn("remote call failed",
			zap.String("method", method),
			zap.String("path", path),
			zap.Int("attempt", attempt+1),
			zap.Error(err))

		if attempt < c.config.MaxRetries-1 {
			c.sleep(c.config.BackoffBase << attempt)
		}
	}
	return nil, fmt.Errorf("%s %s: %w: %w", method, path, ErrRetriesExhausted, lastErr)
}

// do performs a single HTTP attempt
func (c *Client) do(ctx context.Context, method, path string, body []byte) (json.RawMessage, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.endpoint(path), reader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}

	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil, nil
	}
	return json.RawMessage(data), nil
}

// endpoint builds {base}/{path}.json with the optional auth token
func (c *Client) endpoint(path string) string {
	u := strings.TrimRight(c.config.BaseURL, "/") + "/" + strings.Trim(path, "/") + ".json"
	if c.config.AuthToken == "" {
		return u
	}
	return u + "?" + url.Values{"auth": {c.config.AuthToken}}.Encode()
}

func marshal(payload interface{}) ([]byte, error) {
	if raw, ok := payload.(json.RawMessage); ok {
		return raw, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return data, nil
}
