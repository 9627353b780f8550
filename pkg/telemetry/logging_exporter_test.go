package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

func TestLoggingExporterWritesHeartbeatSpan(t *testing.T) {
	var buf bytes.Buffer
	provider := sdktrace.NewTracerProvider(
		sdktrace.WithSyncer(newLoggingExporter(zerolog.New(&buf).Level(zerolog.DebugLevel))),
	)
	ctx := context.Background()
	_, span := provider.Tracer("test").Start(ctx, "POST /v1/heartbeat")
	span.SetAttributes(
		attribute.String("agent.id", "web-01"),
		attribute.String("device.fingerprint", "0123456789abcdef0123456789abcdef"),
	)
	span.End()
	require.NoError(t, provider.Shutdown(ctx))

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry))
	require.Equal(t, "debug", entry["level"])
	require.Equal(t, "POST /v1/heartbeat", entry["span"])
	require.Equal(t, "web-01", entry["agent.id"])
	require.Equal(t, "0123456789abcdef...", entry["device.fingerprint"])
	require.NotContains(t, buf.String(), "0123456789abcdef0123456789abcdef")
}

func TestLoggingExporterWarnsOnFailedSpan(t *testing.T) {
	var buf bytes.Buffer
	provider := sdktrace.NewTracerProvider(
		sdktrace.WithSyncer(newLoggingExporter(zerolog.New(&buf).Level(zerolog.InfoLevel))),
	)
	ctx := context.Background()
	_, span := provider.Tracer("test").Start(ctx, "POST /v1/agents/register")
	span.AddEvent("http.error")
	span.SetStatus(codes.Error, "conflict")
	span.End()
	require.NoError(t, provider.Shutdown(ctx))

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry))
	require.Equal(t, "warn", entry["level"])
	require.Equal(t, "conflict", entry["status_description"])
	require.Equal(t, []interface{}{"http.error"}, entry["events"])
}
