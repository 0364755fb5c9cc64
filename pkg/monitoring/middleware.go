package monitoring

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"

	"github.com/ThanhHiep25/Detal-CRM-sub002/pkg/logger"
)

// MonitoringMiddleware combines metrics, tracing, and logging
type MonitoringMiddleware struct {
	metrics *SyncMetrics
	tracing *TracingManager
	logger  *logger.Logger
}

// NewMonitoringMiddleware creates a new monitoring middleware.
// A nil tracing manager disables spans.
func NewMonitoringMiddleware(metrics *SyncMetrics, tracing *TracingManager, log *logger.Logger) *MonitoringMiddleware {
	if tracing == nil {
		tracing = NewNoopTracingManager("http")
	}
	return &MonitoringMiddleware{
		metrics: metrics,
		tracing: tracing,
		logger:  log,
	}
}

// HTTPMiddleware records metrics, a span and an access log line per request
func (mm *MonitoringMiddleware) HTTPMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.New().String()
		}

		ctx := context.WithValue(r.Context(), logger.RequestIDKey, requestID)
		ctx = mm.tracing.ExtractTraceContext(ctx, r.Header)

		ctx, span := mm.tracing.StartHTTPSpan(ctx, r.Method, r.URL.Path)
		defer span.End()

		span.SetAttributes(
			semconv.HTTPURLKey.String(r.URL.String()),
			semconv.HTTPUserAgentKey.String(r.UserAgent()),
			attribute.String("request.id", requestID),
		)

		wrapper := &monitoringResponseWriter{
			responseWriter: responseWriter{ResponseWriter: w, statusCode: http.StatusOK},
		}
		wrapper.Header().Set("X-Request-ID", requestID)
		mm.tracing.InjectTraceContext(ctx, wrapper.Header())

		next.ServeHTTP(wrapper, r.WithContext(ctx))

		duration := time.Since(start)
		mm.metrics.RecordHTTPRequest(r.Method, r.URL.Path, wrapper.status(), duration)

		span.SetAttributes(
			semconv.HTTPStatusCodeKey.Int(wrapper.statusCode),
			attribute.Int64("http.response_size", wrapper.bytesWritten),
		)
		if wrapper.statusCode >= 400 {
			span.SetStatus(codes.Error, http.StatusText(wrapper.statusCode))
		}

		if mm.logger == nil {
			return
		}
		mm.logger.HTTPRequest(
			ctx,
			r.Method,
			r.URL.Path,
			r.UserAgent(),
			r.RemoteAddr,
			wrapper.statusCode,
			duration.Milliseconds(),
			map[string]interface{}{
				"request_id":    requestID,
				"bytes_written": wrapper.bytesWritten,
				"trace_id":      mm.tracing.TraceIDFromContext(ctx),
				"span_id":       mm.tracing.SpanIDFromContext(ctx),
			},
		)
	})
}

// monitoringResponseWriter also counts the bytes written
type monitoringResponseWriter struct {
	responseWriter
	bytesWritten int64
}

func (mrw *monitoringResponseWriter) Write(b []byte) (int, error) {
	n, err := mrw.ResponseWriter.Write(b)
	mrw.bytesWritten += int64(n)
	return n, err
}
