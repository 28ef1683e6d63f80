package httputil

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errMissing = errors.New("missing")

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body struct {
		Error map[string]interface{} `json:"error"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	return body.Error
}

func TestHandleError(t *testing.T) {
	mappings := []ErrorMapping{
		{Error: errMissing, Status: http.StatusNotFound, Message: "not here"},
	}

	tests := []struct {
		name    string
		err     error
		status  int
		message string
	}{
		{"mapped", fmt.Errorf("lookup: %w", errMissing), http.StatusNotFound, "not here"},
		{"deadline", fmt.Errorf("query: %w", context.DeadlineExceeded), http.StatusGatewayTimeout, "request timed out"},
		{"cancelled", context.Canceled, http.StatusServiceUnavailable, "request cancelled"},
		{"unknown", errors.New("disk on fire"), http.StatusInternalServerError, "internal error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			HandleError(context.Background(), rec, tt.err, mappings)

			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, tt.message, decodeError(t, rec)["message"])
		})
	}
}

func TestHandleError_EchoesErrorWithoutMessage(t *testing.T) {
	rec := httptest.NewRecorder()
	HandleError(context.Background(), rec, errMissing, []ErrorMapping{
		{Error: errMissing, Status: http.StatusConflict},
	})

	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "missing", decodeError(t, rec)["message"])
}

func TestValidationError_FieldDetails(t *testing.T) {
	type request struct {
		Email string `validate:"required,email"`
	}
	err := validator.New().Struct(request{Email: "nope"})
	require.Error(t, err)

	rec := httptest.NewRecorder()
	ValidationError(rec, fmt.Errorf("validate: %w", err))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	body := decodeError(t, rec)
	assert.Equal(t, "validation error", body["message"])
	assert.Equal(t, []interface{}{
		map[string]interface{}{"field": "Email", "message": "email"},
	}, body["details"])
}

func TestValidationError_PlainDetails(t *testing.T) {
	rec := httptest.NewRecorder()
	ValidationError(rec, errors.New("frequency must be daily or weekly"))

	body := decodeError(t, rec)
	assert.Equal(t, "frequency must be daily or weekly", body["details"])
}

type fixedTokens map[string]string

func (f fixedTokens) ValidateToken(_ context.Context, token string) (string, error) {
	if id, ok := f[token]; ok {
		return id, nil
	}
	return "", errors.New("unknown token")
}

func TestAuthMiddleware(t *testing.T) {
	var seen string
	h := AuthMiddleware(fixedTokens{"good": "user-1"})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetUserID(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	tests := []struct {
		header string
		status int
	}{
		{"", http.StatusUnauthorized},
		{"Basic Zm9vOmJhcg==", http.StatusUnauthorized},
		{"Bearer ", http.StatusUnauthorized},
		{"Bearer bad", http.StatusUnauthorized},
		{"bearer good", http.StatusNoContent},
	}

	for _, tt := range tests {
		seen = ""
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		if tt.header != "" {
			req.Header.Set("Authorization", tt.header)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)

		assert.Equal(t, tt.status, rec.Code, tt.header)
		if tt.status == http.StatusNoContent {
			assert.Equal(t, "user-1", seen)
		} else {
			assert.Empty(t, seen)
		}
	}
}

func TestCORSMiddleware(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	h := CORSMiddleware([]string{"https://app.example.com"})(next)

	t.Run("allowed origin", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Origin", "https://app.example.com")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "https://app.example.com", rec.Header().Get("Access-Control-Allow-Origin"))
	})

	t.Run("foreign origin", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Origin", "https://evil.example.com")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)

		assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
	})

	t.Run("preflight", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodOptions, "/", nil)
		req.Header.Set("Origin", "https://app.example.com")
		req.Header.Set("Access-Control-Request-Method", http.MethodPatch)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusNoContent, rec.Code)
		assert.Contains(t, rec.Header().Get("Access-Control-Allow-Methods"), "PATCH")
	})
}

func TestRequestLevel(t *testing.T) {
	assert.Equal(t, "DEBUG", requestLevel("/healthz", http.StatusOK).String())
	assert.Equal(t, "INFO", requestLevel("/api/v1/me/preferences", http.StatusNotFound).String())
	assert.Equal(t, "ERROR", requestLevel("/readyz", http.StatusServiceUnavailable).String())
}
