// Package relayer implements the HTTP client for the relayer service.
//
// The relayer indexes the note commitment tree, serves the encrypted-output
// stream and Merkle inclusion proofs, answers spent-set queries, and
// forwards signed transactions to the chain. The client here is the only
// piece of the engine that touches the network.
//
// Transport policy: transient failures (network errors, HTTP 5xx) retry
// with exponential backoff starting at 500ms; client errors (4xx) never
// retry and surface the response body verbatim.
package relayer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	defaultMaxRetries     = 3
	defaultAttemptTimeout = 30 * time.Second
	backoffBase           = 500 * time.Millisecond
)

// HTTPError is a non-retriable 4xx response. The body is preserved verbatim
// so the error classifier can sniff the chain error text.
type HTTPError struct {
	Status int
	Body   string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("relayer returned %d: %s", e.Status, e.Body)
}

// Client is a retrying HTTP client bound to one relayer base URL.
type Client struct {
	baseURL        string
	httpClient     *http.Client
	maxRetries     int
	attemptTimeout time.Duration
	log            zerolog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithMaxRetries overrides the retry budget for transient failures.
func WithMaxRetries(n int) Option {
	return func(c *Client) { c.maxRetries = n }
}

// WithAttemptTimeout bounds each individual HTTP attempt.
func WithAttemptTimeout(d time.Duration) Option {
	return func(c *Client) { c.attemptTimeout = d }
}

// WithLogger attaches a structured logger.
func WithLogger(log zerolog.Logger) Option {
	return func(c *Client) { c.log = log }
}

// WithHTTPClient substitutes the underlying http.Client (tests).
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// NewClient creates a relayer client.
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:        strings.TrimRight(baseURL, "/"),
		httpClient:     &http.Client{},
		maxRetries:     defaultMaxRetries,
		attemptTimeout: defaultAttemptTimeout,
		log:            zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// getJSON issues a GET and decodes the JSON response into out.
func (c *Client) getJSON(ctx context.Context, path string, out interface{}) error {
	return c.do(ctx, http.MethodGet, path, nil, out)
}

// postJSON issues a POST with a JSON body and decodes the response into out.
func (c *Client) postJSON(ctx context.Context, path string, body, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	return c.do(ctx, http.MethodPost, path, payload, out)
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, out interface{}) error {
	url := c.baseURL + path

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			delay := backoffBase << (attempt - 1)
			c.log.Debug().Str("url", url).Int("attempt", attempt).Dur("backoff", delay).
				Msg("retrying relayer request")
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		respBody, err := c.attempt(ctx, method, url, body)
		if err == nil {
			if out == nil {
				return nil
			}
			if err := json.Unmarshal(respBody, out); err != nil {
				return fmt.Errorf("malformed relayer response from %s: %w", path, err)
			}
			return nil
		}

		// 4xx surfaces immediately; everything else is transient.
		var httpErr *HTTPError
		if errors.As(err, &httpErr) && httpErr.Status < 500 {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		lastErr = err
	}
	return fmt.Errorf("relayer unreachable after %d retries: %w", c.maxRetries, lastErr)
}

func (c *Client) attempt(ctx context.Context, method, url string, body []byte) ([]byte, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, c.attemptTimeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(attemptCtx, method, url, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode >= 400 {
		return nil, &HTTPError{Status: resp.StatusCode, Body: string(respBody)}
	}
	return respBody, nil
}
