package tracing

import (
	"bytes"
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestContextRoundTrip(t *testing.T) {
	ctx := context.Background()
	ctx = WithTraceID(ctx, "trace-1")
	ctx = WithSessionID(ctx, "sess-1")
	ctx = WithTurnID(ctx, "turn-1")
	ctx = WithRequestID(ctx, "req-1")

	assert.Equal(t, "trace-1", GetTraceID(ctx))
	assert.Equal(t, "sess-1", GetSessionID(ctx))
	assert.Equal(t, "turn-1", GetTurnID(ctx))
	assert.Equal(t, "req-1", GetRequestID(ctx))

	tc := FromContext(ctx)
	assert.Equal(t, "trace-1", tc.TraceID)
	assert.Equal(t, "sess-1", tc.SessionID)
}

func TestEmptyContext(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, GetTraceID(ctx))
	assert.Empty(t, GetSessionID(ctx))
	assert.Empty(t, GetTurnID(ctx))
}

func TestNewTurnContext(t *testing.T) {
	ctx := WithTraceID(context.Background(), "trace-keep")

	turnCtx := NewTurnContext(ctx, "sess-9")
	assert.Equal(t, "trace-keep", GetTraceID(turnCtx))
	assert.Equal(t, "sess-9", GetSessionID(turnCtx))
	assert.NotEmpty(t, GetTurnID(turnCtx))

	// a bare context gets a fresh trace id
	fresh := NewTurnContext(context.Background(), "sess-2")
	assert.NotEmpty(t, GetTraceID(fresh))
}

func TestNewTraceIDUnique(t *testing.T) {
	assert.NotEqual(t, NewTraceID(), NewTraceID())
}

func TestPropagateToLogger(t *testing.T) {
	var buf bytes.Buffer
	base := zerolog.New(&buf)

	ctx := WithSessionID(WithTraceID(context.Background(), "t-123"), "s-456")
	LoggerFromContext(ctx, base).Info().Msg("hello")

	out := buf.String()
	assert.Contains(t, out, "t-123")
	assert.Contains(t, out, "s-456")
}
