// Package inference provides chat-completion summarization over an OpenAI-compatible API.
package inference

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/bissquit/digest-garden/internal/pkg/ctxlog"
	"github.com/bissquit/digest-garden/internal/pkg/metrics"
	openai "github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"
)

const defaultModel = "gpt-4o"

// Config holds inference client configuration.
type Config struct {
	APIKey            string
	BaseURL           string
	Model             string
	Temperature       float32
	MaxTokens         int
	RequestsPerSecond float64
	Timeout           time.Duration
}

// Error is a failed completion request.
type Error struct {
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("inference: %v", e.Err)
	}
	return fmt.Sprintf("inference: status %d: %v", e.StatusCode, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether the request may succeed later.
// Transport failures, rate limiting and server errors are retryable.
func (e *Error) IsRetryable() bool {
	return e.StatusCode == 0 ||
		e.StatusCode == http.StatusTooManyRequests ||
		e.StatusCode >= http.StatusInternalServerError
}

// Client implements the summarizer over the chat completions endpoint.
type Client struct {
	config  Config
	api     *openai.Client
	limiter *rate.Limiter
}

// NewClient creates a new inference client.
func NewClient(config Config) (*Client, error) {
	if config.APIKey == "" {
		return nil, errors.New("inference client: api key is required")
	}
	if config.Model == "" {
		config.Model = defaultModel
	}
	if config.Timeout <= 0 {
		config.Timeout = 90 * time.Second
	}

	apiConfig := openai.DefaultConfig(config.APIKey)
	if config.BaseURL != "" {
		apiConfig.BaseURL = config.BaseURL
	}
	apiConfig.HTTPClient = &http.Client{Timeout: config.Timeout}

	limit := rate.Inf
	if config.RequestsPerSecond > 0 {
		limit = rate.Limit(config.RequestsPerSecond)
	}

	slog.Info("inference client configured",
		"model", config.Model,
		"base_url", apiConfig.BaseURL,
		"requests_per_second", config.RequestsPerSecond,
	)

	return &Client{
		config:  config,
		api:     openai.NewClientWithConfig(apiConfig),
		limiter: rate.NewLimiter(limit, 1),
	}, nil
}

// Complete sends the prompt pair and returns the first choice's content.
// An empty string is returned when the model produced no choices.
func (c *Client) Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("rate limit wait: %w", err)
	}

	req := openai.ChatCompletionRequest{
		Model: c.config.Model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: userPrompt},
		},
		Temperature: c.config.Temperature,
		MaxTokens:   c.config.MaxTokens,
	}

	started := time.Now()
	resp, err := c.api.CreateChatCompletion(ctx, req)
	metrics.RecordExternalCall("inference", err, time.Since(started))
	if err != nil {
		return "", classify(err)
	}

	ctxlog.FromContext(ctx).Debug("completion received",
		"model", resp.Model,
		"prompt_tokens", resp.Usage.PromptTokens,
		"completion_tokens", resp.Usage.CompletionTokens,
		"choices", len(resp.Choices),
	)

	if len(resp.Choices) == 0 {
		return "", nil
	}
	return resp.Choices[0].Message.Content, nil
}

func classify(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return &Error{StatusCode: apiErr.HTTPStatusCode, Err: err}
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return &Error{StatusCode: reqErr.HTTPStatusCode, Err: err}
	}
	return &Error{Err: err}
}
