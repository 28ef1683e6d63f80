// Package httputil holds the HTTP plumbing shared by the API handlers:
// response envelopes, error mapping, auth and request middleware.
package httputil

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-playground/validator/v10"
)

// errorBody is the {"error": {...}} envelope returned on failure.
type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

// FieldError describes one rejected request field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Error("failed to encode response", "status", status, "error", err)
	}
}

// JSON writes body as-is. Probes and /version use it; API handlers use Success.
func JSON(w http.ResponseWriter, status int, body interface{}) {
	writeJSON(w, status, body)
}

// Text writes a plain text response.
func Text(w http.ResponseWriter, status int, text string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	if _, err := w.Write([]byte(text)); err != nil {
		slog.Error("failed to write response", "error", err)
	}
}

// Success wraps data in a {"data": ...} envelope.
func Success(w http.ResponseWriter, status int, data interface{}) {
	writeJSON(w, status, map[string]interface{}{"data": data})
}

// Error writes {"error": {"message": message}}.
func Error(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorBody{Error: errorDetail{Message: message}})
}

// ValidationError answers 400. Validator failures are reported per field,
// anything else as a single details string.
func ValidationError(w http.ResponseWriter, err error) {
	var details interface{} = err.Error()

	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) {
		fields := make([]FieldError, 0, len(fieldErrs))
		for _, fe := range fieldErrs {
			fields = append(fields, FieldError{Field: fe.Field(), Message: fe.Tag()})
		}
		details = fields
	}

	writeJSON(w, http.StatusBadRequest, errorBody{Error: errorDetail{
		Message: "validation error",
		Details: details,
	}})
}
