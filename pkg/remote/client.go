// Package remote is the HTTP client for the remote API the processor drives.
//
// A call posts the payload as JSON and returns the response body on success.
// Failures come back as one of the tagged error types:
//   - *RateLimitError: HTTP 429, or an error message the Classifier flags
//   - *FatalError: 400, 401, 403 or 404; retrying cannot help
//   - *APIError: any other error status or error body
//   - *TransientError: transport failures and unreadable bodies
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Caller issues one request. Implementations must be safe for concurrent use.
type Caller interface {
	Call(ctx context.Context, payload json.RawMessage) (json.RawMessage, error)
}

// CallerFunc adapts a function to Caller.
type CallerFunc func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error)

// Call implements Caller.
func (f CallerFunc) Call(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
	return f(ctx, payload)
}

// Client calls an HTTP JSON endpoint.
type Client struct {
	url        string
	authHeader string
	authValue  string
	httpClient *http.Client
	classify   Classifier
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithClassifier replaces DefaultClassifier.
func WithClassifier(fn Classifier) Option {
	return func(c *Client) {
		if fn != nil {
			c.classify = fn
		}
	}
}

// WithTimeout sets the per-call timeout of the default http.Client.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.httpClient.Timeout = d }
}

// NewClient creates a client for url authenticating with apiKey.
// Azure deployment URLs get an api-key header, everything else a bearer token.
func NewClient(url, apiKey string, opts ...Option) *Client {
	name, value := AuthHeader(url, apiKey)
	c := &Client{
		url:        url,
		authHeader: name,
		authValue:  value,
		httpClient: &http.Client{Timeout: 60 * time.Second},
		classify:   DefaultClassifier,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// AuthHeader returns the header carrying apiKey for url.
func AuthHeader(url, apiKey string) (string, string) {
	if strings.Contains(url, "/deployments") {
		return "api-key", apiKey
	}
	return "Authorization", "Bearer " + apiKey
}

// Call implements Caller.
func (c *Client) Call(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return nil, &FatalError{Message: fmt.Sprintf("build request: %v", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	if c.authValue != "" && c.authValue != "Bearer " {
		req.Header.Set(c.authHeader, c.authValue)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &TransientError{Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransientError{Err: fmt.Errorf("read body: %w", err)}
	}

	msg, hasError := errorMessage(body)
	ok := resp.StatusCode >= 200 && resp.StatusCode < 300
	if ok && !hasError {
		if !json.Valid(body) {
			return nil, &TransientError{Err: fmt.Errorf("response is not JSON: %.200s", body)}
		}
		return json.RawMessage(body), nil
	}

	if msg == "" {
		msg = strings.TrimSpace(string(body))
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
	}
	return nil, c.classifyFailure(resp.StatusCode, msg)
}

func (c *Client) classifyFailure(status int, msg string) error {
	if status == http.StatusTooManyRequests || c.classify(status, msg) {
		return &RateLimitError{StatusCode: status, Message: msg}
	}
	switch status {
	case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound:
		return &FatalError{StatusCode: status, Message: msg}
	}
	return &APIError{StatusCode: status, Message: msg}
}

// errorMessage extracts the message of an {"error": ...} body.
// The error member may be an object with a message field or a plain string.
func errorMessage(body []byte) (string, bool) {
	var envelope struct {
		Error json.RawMessage `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return "", false
	}
	raw := bytes.TrimSpace(envelope.Error)
	if len(raw) == 0 || string(raw) == "null" {
		return "", false
	}

	var obj struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil && obj.Message != "" {
		return obj.Message, true
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, true
	}
	return string(raw), true
}
