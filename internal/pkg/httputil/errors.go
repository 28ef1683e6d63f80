package httputil

import (
	"context"
	"errors"
	"net/http"

	"github.com/bissquit/digest-garden/internal/pkg/ctxlog"
)

// ErrorMapping binds a sentinel error to the response it produces.
// An empty Message echoes err.Error() to the client.
type ErrorMapping struct {
	Error   error
	Status  int
	Message string
}

// HandleError writes the response of the first mapping matching err.
// Unmapped deadline errors become 504, cancellations 503, and anything else
// is logged and answered with 500.
func HandleError(ctx context.Context, w http.ResponseWriter, err error, mappings []ErrorMapping) {
	for _, m := range mappings {
		if !errors.Is(err, m.Error) {
			continue
		}
		msg := m.Message
		if msg == "" {
			msg = err.Error()
		}
		Error(w, m.Status, msg)
		return
	}

	logger := ctxlog.FromContext(ctx)
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		logger.Warn("request timed out", "error", err)
		Error(w, http.StatusGatewayTimeout, "request timed out")
	case errors.Is(err, context.Canceled):
		logger.Debug("request cancelled", "error", err)
		Error(w, http.StatusServiceUnavailable, "request cancelled")
	default:
		logger.Error("internal error", "error", err)
		Error(w, http.StatusInternalServerError, "internal error")
	}
}
