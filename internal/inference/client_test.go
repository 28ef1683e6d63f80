package inference

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

type chatRequest struct {
	Model    string `json:"model"`
	Messages []struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"messages"`
}

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := NewClient(Config{
		APIKey:  "test-key",
		BaseURL: server.URL + "/v1",
	})
	require.NoError(t, err)
	return client
}

func writeCompletion(w http.ResponseWriter, content ...string) {
	choices := make([]map[string]any, 0, len(content))
	for i, c := range content {
		choices = append(choices, map[string]any{
			"index":         i,
			"message":       map[string]string{"role": "assistant", "content": c},
			"finish_reason": "stop",
		})
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"id":      "chatcmpl-1",
		"object":  "chat.completion",
		"created": 1704067200,
		"model":   "gpt-4o",
		"choices": choices,
		"usage":   map[string]int{"prompt_tokens": 10, "completion_tokens": 5, "total_tokens": 15},
	})
}

func writeAPIError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{"message": message, "type": "invalid_request_error"},
	})
}

func TestNewClient_RequiresAPIKey(t *testing.T) {
	client, err := NewClient(Config{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "api key is required")
	assert.Nil(t, client)
}

func TestClient_Complete(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		var req chatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "gpt-4o", req.Model)
		require.Len(t, req.Messages, 2)
		assert.Equal(t, "system", req.Messages[0].Role)
		assert.Equal(t, "be an editor", req.Messages[0].Content)
		assert.Equal(t, "user", req.Messages[1].Role)
		assert.Equal(t, "summarize this", req.Messages[1].Content)

		writeCompletion(w, "# Weekly digest")
	})

	text, err := client.Complete(context.Background(), "be an editor", "summarize this")
	require.NoError(t, err)
	assert.Equal(t, "# Weekly digest", text)
}

func TestClient_CompleteNoChoices(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		writeCompletion(w)
	})

	text, err := client.Complete(context.Background(), "s", "u")
	require.NoError(t, err)
	assert.Empty(t, text)
}

func TestClient_CompleteErrors(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		retryable bool
	}{
		{"rate limited", http.StatusTooManyRequests, true},
		{"server error", http.StatusInternalServerError, true},
		{"bad gateway", http.StatusBadGateway, true},
		{"unauthorized", http.StatusUnauthorized, false},
		{"bad request", http.StatusBadRequest, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
				writeAPIError(w, tt.status, "nope")
			})

			_, err := client.Complete(context.Background(), "s", "u")
			require.Error(t, err)

			var infErr *Error
			require.ErrorAs(t, err, &infErr)
			assert.Equal(t, tt.status, infErr.StatusCode)
			assert.Equal(t, tt.retryable, infErr.IsRetryable())
		})
	}
}

func TestClient_CompleteTransportError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	baseURL := server.URL
	server.Close()

	client, err := NewClient(Config{APIKey: "k", BaseURL: baseURL + "/v1"})
	require.NoError(t, err)

	_, err = client.Complete(context.Background(), "s", "u")
	require.Error(t, err)

	var infErr *Error
	require.ErrorAs(t, err, &infErr)
	assert.True(t, infErr.IsRetryable())
}

func TestClient_CompleteContextCancellation(t *testing.T) {
	client := &Client{
		config:  Config{Model: defaultModel},
		limiter: rate.NewLimiter(0.001, 1),
	}
	client.limiter.Allow()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := client.Complete(ctx, "s", "u")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rate limit wait")
}
