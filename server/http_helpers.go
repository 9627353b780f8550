package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/haasonsaas/tether/pkg/apperr"
	"github.com/rs/xid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

const (
	requestIDContextKey     = "request_id"
	requestLoggerContextKey = "request_logger"
	requestIDHeader         = "X-Request-ID"
	maxRequestIDLen         = 64
)

const tracerName = "github.com/haasonsaas/tether/server"

// withRequestContext assigns a request id, a scoped logger and a server span
// to every request. Agents propagate their trace context in the headers.
func withRequestContext(base zerolog.Logger) gin.HandlerFunc {
	tracer := otel.Tracer(tracerName)
	return func(c *gin.Context) {
		start := time.Now()
		reqID := incomingRequestID(c.GetHeader(requestIDHeader))
		c.Set(requestIDContextKey, reqID)
		c.Writer.Header().Set(requestIDHeader, reqID)

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		logger := base.With().
			Str("request_id", reqID).
			Str("method", c.Request.Method).
			Str("route", route).
			Logger()
		c.Set(requestLoggerContextKey, logger)

		ctx := otel.GetTextMapPropagator().Extract(c.Request.Context(), propagation.HeaderCarrier(c.Request.Header))
		ctx, span := tracer.Start(ctx, c.Request.Method+" "+route,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				attribute.String("http.method", c.Request.Method),
				attribute.String("http.route", route),
				attribute.String("http.client_ip", c.ClientIP()),
				attribute.String("http.user_agent", c.Request.UserAgent()),
				attribute.String("request.id", reqID),
			),
		)
		c.Request = c.Request.WithContext(ctx)

		c.Next()

		status := c.Writer.Status()
		span.SetAttributes(attribute.Int("http.status_code", status))
		if status >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, http.StatusText(status))
		}
		span.End()

		logger.Debug().
			Int("status", status).
			Dur("duration", time.Since(start)).
			Str("client_ip", c.ClientIP()).
			Msg("request completed")
	}
}

// incomingRequestID keeps a caller supplied id when it is short and printable.
func incomingRequestID(header string) string {
	if header == "" || len(header) > maxRequestIDLen {
		return xid.New().String()
	}
	for _, r := range header {
		if r < 0x21 || r > 0x7e {
			return xid.New().String()
		}
	}
	return header
}

func requestLogger(c *gin.Context, fallback zerolog.Logger) zerolog.Logger {
	if value, ok := c.Get(requestLoggerContextKey); ok {
		if logger, ok := value.(zerolog.Logger); ok {
			return logger
		}
	}
	return fallback
}

func requestID(c *gin.Context) string {
	return c.GetString(requestIDContextKey)
}

// respondError writes a plain error that did not come from a domain component.
func respondError(c *gin.Context, status int, message string, fallback zerolog.Logger) {
	writeError(c, status, "", message, nil, errors.New(message), fallback)
}

// respondAppError maps a classified error onto its status code. Internal
// causes are logged and recorded on the span but never returned.
func respondAppError(c *gin.Context, err error, fallback zerolog.Logger) {
	writeError(c, apperr.HTTPStatus(err), apperr.KindOf(err), apperr.PublicMessage(err), apperr.FieldsOf(err), err, fallback)
}

// respondBindError reports a request body that could not be decoded. Values
// of the wrong type are named so the caller knows which field to fix.
func respondBindError(c *gin.Context, err error, fallback zerolog.Logger) {
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) && typeErr.Field != "" {
		writeError(c, http.StatusBadRequest, apperr.KindValidation, "invalid request body", []string{typeErr.Field}, err, fallback)
		return
	}
	writeError(c, http.StatusBadRequest, apperr.KindValidation, "invalid request body", nil, err, fallback)
}

func writeError(c *gin.Context, status int, kind apperr.Kind, message string, missing []string, cause error, fallback zerolog.Logger) {
	logger := requestLogger(c, fallback)
	entry := logger.Warn()
	if status >= http.StatusInternalServerError {
		entry = logger.Error()
	}
	if kind != "" {
		entry = entry.Str("kind", string(kind))
	}
	entry.Err(cause).Int("status", status).Msg(message)

	if span := trace.SpanFromContext(c.Request.Context()); span.IsRecording() {
		attrs := []attribute.KeyValue{
			attribute.Int("http.status_code", status),
			attribute.String("error.message", message),
		}
		if kind != "" {
			attrs = append(attrs, attribute.String("error.kind", string(kind)))
		}
		span.AddEvent("http.error", trace.WithAttributes(attrs...))
		if status >= http.StatusInternalServerError {
			span.RecordError(cause)
		}
	}

	body := gin.H{
		"error":      message,
		"request_id": requestID(c),
	}
	if len(missing) > 0 {
		body["missing"] = missing
	}
	c.AbortWithStatusJSON(status, body)
}
