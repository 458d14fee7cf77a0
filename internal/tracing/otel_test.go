package tracing

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitOpenTelemetry_Idempotent(t *testing.T) {
	require.NoError(t, InitOpenTelemetry("parleyd"))
	// Later calls keep the first provider and return the first outcome.
	require.NoError(t, InitOpenTelemetry("something-else"))
}

func TestStartSpan_FillsTraceID(t *testing.T) {
	require.NoError(t, InitOpenTelemetry("parleyd"))

	ctx, span := StartSpan(context.Background(), "tracing_test", "op")
	defer span.End()

	assert.NotEmpty(t, GetTraceID(ctx))
}

func TestStartSpan_KeepsUpstreamTraceID(t *testing.T) {
	require.NoError(t, InitOpenTelemetry("parleyd"))

	ctx := WithTraceID(context.Background(), "upstream-trace")
	ctx, span := StartSpan(ctx, "tracing_test", "op")
	defer span.End()

	assert.Equal(t, "upstream-trace", GetTraceID(ctx))
}
