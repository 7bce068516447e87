package trace

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

func TestSetupOTelSDK(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "http://127.0.0.1:4318")

	ctx := context.Background()
	shutdown, err := SetupOTelSDK(ctx, "SETTLE-TEST")
	require.NoError(t, err)

	_, ok := otel.GetTracerProvider().(*sdktrace.TracerProvider)
	assert.True(t, ok)

	tracer := otel.Tracer("test")
	assert.NotNil(t, tracer)

	require.NoError(t, shutdown(ctx))
	// A second shutdown is a no-op.
	assert.NoError(t, shutdown(ctx))
}
