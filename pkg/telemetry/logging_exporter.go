package telemetry

import (
	"context"
	"strings"

	"github.com/haasonsaas/tether/pkg/auth"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// spanLogExporter writes finished spans to the service log. Failed spans are
// logged at warn so they show up without debug logging.
type spanLogExporter struct {
	logger zerolog.Logger
}

func newLoggingExporter(logger zerolog.Logger) sdktrace.SpanExporter {
	return &spanLogExporter{logger: logger.With().Str("component", "otel").Logger()}
}

func (e *spanLogExporter) ExportSpans(_ context.Context, spans []sdktrace.ReadOnlySpan) error {
	for _, span := range spans {
		event := e.logger.Debug()
		if span.Status().Code == codes.Error {
			event = e.logger.Warn().Str("status_description", span.Status().Description)
		}

		sc := span.SpanContext()
		event = event.
			Str("trace_id", sc.TraceID().String()).
			Str("span_id", sc.SpanID().String()).
			Str("span", span.Name()).
			Str("kind", span.SpanKind().String()).
			Str("status", span.Status().Code.String()).
			Dur("duration", span.EndTime().Sub(span.StartTime()))
		if parent := span.Parent(); parent.IsValid() {
			event = event.Str("parent_span_id", parent.SpanID().String())
		}

		if fields := spanFields(span.Attributes()); len(fields) > 0 {
			event = event.Fields(fields)
		}
		if events := span.Events(); len(events) > 0 {
			names := make([]string, 0, len(events))
			for _, ev := range events {
				names = append(names, ev.Name)
			}
			event = event.Strs("events", names)
		}
		event.Msg("span finished")
	}
	return nil
}

// spanFields flattens attributes for the log line. Fingerprint values are
// shortened the same way the rest of the service logs them.
func spanFields(attrs []attribute.KeyValue) map[string]interface{} {
	fields := make(map[string]interface{}, len(attrs))
	for _, attr := range attrs {
		key := string(attr.Key)
		if strings.Contains(key, "fingerprint") && attr.Value.Type() == attribute.STRING {
			fields[key] = auth.FingerprintPrefix(attr.Value.AsString())
			continue
		}
		fields[key] = attr.Value.AsInterface()
	}
	return fields
}

func (e *spanLogExporter) Shutdown(context.Context) error   { return nil }
func (e *spanLogExporter) ForceFlush(context.Context) error { return nil }

var _ sdktrace.SpanExporter = (*spanLogExporter)(nil)
