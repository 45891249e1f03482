// Package global implements the client side of global mode: an
// out-of-process server holding the shared index. Calls use bounded
// timeouts with exponential-backoff retries; when the server stays
// unreachable the caller falls through to the local cache.
package global

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v4"

	"meridian/internal/index"
	"meridian/internal/logging"
)

// ErrUnavailable reports that the global server could not be reached after
// retries. Global mode degrades to the local cache; legacy mode to a
// degraded-feature path.
var ErrUnavailable = errors.New("global: server unavailable")

// Config tunes the client.
type Config struct {
	ServerURL      string
	RequestTimeout time.Duration
	MaxRetries     int
	BackoffBase    time.Duration
	BackoffFactor  float64
}

// Client talks to the global server.
type Client struct {
	cfg  Config
	http *http.Client
}

// NewClient builds a client. An empty server URL yields a client whose
// every call reports ErrUnavailable, which keeps the offline path trivial.
func NewClient(cfg Config) *Client {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 100 * time.Millisecond
	}
	if cfg.BackoffFactor <= 0 {
		cfg.BackoffFactor = 2
	}
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.RequestTimeout},
	}
}

// Enabled reports whether a server URL is configured.
func (c *Client) Enabled() bool { return c.cfg.ServerURL != "" }

// do runs one JSON request with retries under exponential backoff.
func (c *Client) do(ctx context.Context, method, path string, payload, out interface{}) error {
	if !c.Enabled() {
		return ErrUnavailable
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.cfg.BackoffBase
	policy.Multiplier = c.cfg.BackoffFactor
	policy.MaxElapsedTime = 0

	attempts := 0
	operation := func() error {
		attempts++
		if attempts > c.cfg.MaxRetries+1 {
			return backoff.Permanent(ErrUnavailable)
		}
		err := c.once(ctx, method, path, payload, out)
		if err == nil {
			return nil
		}
		logging.GlobalDebug("global call %s %s attempt %d failed: %v", method, path, attempts, err)
		return err
	}

	err := backoff.Retry(operation, backoff.WithContext(policy, ctx))
	if err != nil {
		if errors.Is(err, ErrUnavailable) {
			return ErrUnavailable
		}
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (c *Client) once(ctx context.Context, method, path string, payload, out interface{}) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return backoff.Permanent(err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.ServerURL+path, body)
	if err != nil {
		return backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return fmt.Errorf("server status %d", resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		data, _ := io.ReadAll(resp.Body)
		return backoff.Permanent(fmt.Errorf("request rejected (%d): %s", resp.StatusCode, data))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return err
	}
	return nil
}

// Ping checks server liveness.
func (c *Client) Ping(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/v1/ping", nil, nil)
}

// SearchSymbols queries the global index.
func (c *Client) SearchSymbols(ctx context.Context, query string, maxResults, maxTokens int) ([]index.Symbol, error) {
	var out struct {
		Symbols []index.Symbol `json:"symbols"`
	}
	path := fmt.Sprintf("/v1/symbols/search?q=%s&max_results=%d&max_tokens=%d",
		url.QueryEscape(query), maxResults, maxTokens)
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Symbols, nil
}

// PushProject registers a project with the global server.
func (c *Client) PushProject(ctx context.Context, project index.Project) error {
	return c.do(ctx, http.MethodPost, "/v1/projects", project, nil)
}
