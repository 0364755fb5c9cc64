package logger

import (
	"context"
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// ContextKey is the type of the context keys the logger reads fields from
type ContextKey string

const (
	TraceIDKey   ContextKey = "trace_id"
	SpanIDKey    ContextKey = "span_id"
	RequestIDKey ContextKey = "request_id"
	SessionIDKey ContextKey = "session_id"
)

// Logger wraps logrus.Logger with additional functionality
type Logger struct {
	*logrus.Logger
}

// New creates a new logger instance
func New(level string) *Logger {
	return NewWithOutput(level, os.Stdout)
}

// NewWithOutput creates a logger writing JSON lines to out
func NewWithOutput(level string, out io.Writer) *Logger {
	log := logrus.New()

	logLevel, err := logrus.ParseLevel(level)
	if err != nil {
		logLevel = logrus.InfoLevel
	}
	log.SetLevel(logLevel)

	log.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
		FieldMap: logrus.FieldMap{
			logrus.FieldKeyTime:  "timestamp",
			logrus.FieldKeyLevel: "level",
			logrus.FieldKeyMsg:   "message",
		},
	})

	log.SetOutput(out)

	return &Logger{Logger: log}
}

// WithFields creates a new logger entry with the specified fields
func (l *Logger) WithFields(fields map[string]interface{}) *logrus.Entry {
	return l.Logger.WithFields(fields)
}

// WithField creates a new logger entry with a single field
func (l *Logger) WithField(key string, value interface{}) *logrus.Entry {
	return l.Logger.WithField(key, value)
}

// WithError creates a new logger entry with an error field
func (l *Logger) WithError(err error) *logrus.Entry {
	return l.Logger.WithError(err)
}

// WithRequestID creates a new logger entry with request ID field
func (l *Logger) WithRequestID(requestID string) *logrus.Entry {
	return l.Logger.WithField("request_id", requestID)
}

// WithService creates a new logger entry with service name field
func (l *Logger) WithService(service string) *logrus.Entry {
	return l.Logger.WithField("service", service)
}

// WithComponent creates a new logger entry with component name field
func (l *Logger) WithComponent(component string) *logrus.Entry {
	return l.Logger.WithField("component", component)
}

// WithSession creates a new logger entry tagged with an activation session
func (l *Logger) WithSession(component, sessionID string) *logrus.Entry {
	return l.Logger.WithFields(logrus.Fields{
		"component":  component,
		"session_id": sessionID,
	})
}

// Performance logs performance metrics
func (l *Logger) Performance(operation string, duration int64, details map[string]interface{}) {
	l.Logger.WithFields(logrus.Fields{
		"performance": true,
		"operation":   operation,
		"duration_ms": duration,
		"details":     details,
	}).Info("Performance metric")
}

// SyncEvent logs a lifecycle event of the appointment sync pipeline
func (l *Logger) SyncEvent(event string, success bool, details map[string]interface{}) {
	entry := l.Logger.WithFields(logrus.Fields{
		"sync":    true,
		"event":   event,
		"success": success,
		"details": details,
	})

	if success {
		entry.Info("Sync event")
	} else {
		entry.Warn("Sync event failed")
	}
}

// WithContext creates a logger with context-aware fields
func (l *Logger) WithContext(ctx context.Context) *logrus.Entry {
	entry := l.Logger.WithFields(logrus.Fields{})

	for _, key := range []ContextKey{TraceIDKey, SpanIDKey, RequestIDKey, SessionIDKey} {
		if v := ctx.Value(key); v != nil {
			entry = entry.WithField(string(key), v)
		}
	}

	return entry
}

// HTTPRequest logs HTTP request events
func (l *Logger) HTTPRequest(ctx context.Context, method, path, userAgent, clientIP string, statusCode int, duration int64, details map[string]interface{}) {
	entry := l.WithContext(ctx).WithFields(logrus.Fields{
		"http_request": true,
		"method":       method,
		"path":         path,
		"user_agent":   userAgent,
		"client_ip":    clientIP,
		"status_code":  statusCode,
		"duration_ms":  duration,
		"details":      details,
	})

	if statusCode >= 400 {
		entry.Warn("HTTP request completed with error")
	} else {
		entry.Info("HTTP request completed")
	}
}
