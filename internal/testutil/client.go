package testutil

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"testing"
	"time"
)

const requestTimeout = 10 * time.Second

// Client calls a running API server and, when it has a validator, checks
// every response against the OpenAPI document.
type Client struct {
	baseURL   string
	token     string
	http      *http.Client
	validator *OpenAPIValidator
	t         *testing.T
}

// NewClient returns a client for baseURL. validator may be nil.
func NewClient(t *testing.T, baseURL string, validator *OpenAPIValidator) *Client {
	return &Client{
		baseURL:   baseURL,
		http:      &http.Client{Timeout: requestTimeout},
		validator: validator,
		t:         t,
	}
}

// WithToken returns a copy of the client that sends token as a bearer token.
func (c *Client) WithToken(token string) *Client {
	clone := *c
	clone.token = token
	return &clone
}

func (c *Client) GET(path string) (*http.Response, error) {
	return c.Do(http.MethodGet, path, nil)
}

func (c *Client) POST(path string, body interface{}) (*http.Response, error) {
	return c.Do(http.MethodPost, path, body)
}

func (c *Client) PATCH(path string, body interface{}) (*http.Response, error) {
	return c.Do(http.MethodPatch, path, body)
}

// Do sends body JSON-encoded. A nil body sends no payload.
func (c *Client) Do(method, path string, body interface{}) (*http.Response, error) {
	var payload io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode %s %s body: %w", method, path, err)
		}
		payload = bytes.NewReader(raw)
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, payload)
	if err != nil {
		return nil, fmt.Errorf("build %s %s: %w", method, path, err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}

	// Buffer the body so it outlives ctx and can be validated and still read.
	raw, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("read %s %s response: %w", method, path, err)
	}
	resp.Body = io.NopCloser(bytes.NewReader(raw))

	if c.validator != nil && c.t != nil {
		c.validator.ValidateResponse(c.t, req, resp)
	}
	return resp, nil
}

// DecodeData unwraps the {"data": ...} envelope of resp into v and closes the body.
func DecodeData(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	defer func() { _ = resp.Body.Close() }()

	var envelope struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		t.Fatalf("decode response envelope: %v", err)
	}
	if len(envelope.Data) == 0 {
		t.Fatalf("response has no data field")
	}
	if err := json.Unmarshal(envelope.Data, v); err != nil {
		t.Fatalf("decode response data: %v", err)
	}
}
