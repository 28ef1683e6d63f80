package ctxlog

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFromContext_DefaultsToSlogDefault(t *testing.T) {
	assert.Same(t, slog.Default(), FromContext(context.Background()))
}

func TestWith_AppendsAttributes(t *testing.T) {
	var buf bytes.Buffer
	base := slog.New(slog.NewTextHandler(&buf, nil))

	ctx := WithLogger(context.Background(), base.With("run_id", "run-1"))
	ctx = With(ctx, "step", "fetch-news")

	FromContext(ctx).Info("step started")

	out := buf.String()
	assert.Contains(t, out, "run_id=run-1")
	assert.Contains(t, out, "step=fetch-news")
	assert.Contains(t, out, `msg="step started"`)
}
