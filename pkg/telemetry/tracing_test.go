package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/haasonsaas/tether/pkg/config"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

func TestSetupTracingDefaults(t *testing.T) {
	ctx := context.Background()
	provider, err := SetupTracing(ctx, ServiceServer, "test", config.TracingConfig{}, zerolog.Nop())
	require.NoError(t, err)
	require.NotNil(t, provider)
	require.NoError(t, provider.Shutdown(ctx))
}

func TestSetupTracingRejectsEmptyEndpoint(t *testing.T) {
	_, err := SetupTracing(context.Background(), ServiceServer, "test", config.TracingConfig{Endpoint: "https://"}, zerolog.Nop())
	require.Error(t, err)
}

func TestSetupTracingRecordsSpans(t *testing.T) {
	ctx := context.Background()
	recorder := NewSpanRecorder()
	provider, err := SetupTracing(ctx, ServiceServer, "test", config.TracingConfig{SampleRatio: 1}, zerolog.Nop(),
		sdktrace.WithSpanProcessor(recorder))
	require.NoError(t, err)

	_, span := provider.Tracer("test").Start(ctx, "POST /v1/heartbeat")
	span.End()
	require.NoError(t, provider.Shutdown(ctx))

	require.NotNil(t, recorder.FirstSpanNamed("POST /v1/heartbeat"))
	require.Len(t, recorder.Completed(), 1)
}

func TestNewLoggerJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(config.LoggingConfig{Level: "warn", JSON: true}, &buf, ServiceAgent)

	logger.Info().Msg("hidden")
	logger.Warn().Msg("shown")

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	require.Equal(t, "shown", entry["message"])
	require.Equal(t, ServiceAgent, entry["service"])
}

func TestNewLoggerUnknownLevelFallsBackToInfo(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(config.LoggingConfig{Level: "loud", JSON: true}, &buf, ServiceServer)
	logger.Debug().Msg("hidden")
	require.Zero(t, buf.Len())
	logger.Info().Msg("shown")
	require.NotZero(t, buf.Len())
}
