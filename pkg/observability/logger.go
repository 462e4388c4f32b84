package observability

import (
	"context"
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// NewLogger creates a JSON-formatted logrus logger
func NewLogger(level logrus.Level, output io.Writer) *logrus.Logger {
	if output == nil {
		output = os.Stdout
	}

	logger := logrus.New()
	logger.SetOutput(output)
	logger.SetLevel(level)
	logger.SetFormatter(&logrus.JSONFormatter{
		FieldMap: logrus.FieldMap{
			logrus.FieldKeyMsg: "message",
		},
	})
	return logger
}

// contextKey is the type for context keys
type contextKey string

const (
	// RequestIDKey is the context key for request ID
	RequestIDKey contextKey = "request_id"
	// LoggerKey is the context key for the logger
	LoggerKey contextKey = "logger"
)

// WithRequestID adds a request ID to the context
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

// GetRequestID retrieves the request ID from context
func GetRequestID(ctx context.Context) string {
	if requestID, ok := ctx.Value(RequestIDKey).(string); ok {
		return requestID
	}
	return ""
}

// WithLogger adds a request-scoped log entry to the context
func WithLogger(ctx context.Context, entry *logrus.Entry) context.Context {
	return context.WithValue(ctx, LoggerKey, entry)
}

// FromContext returns the log entry carried in ctx, decorated with the
// request ID when one is present. Without an entry the standard logger is used.
func FromContext(ctx context.Context) *logrus.Entry {
	entry, ok := ctx.Value(LoggerKey).(*logrus.Entry)
	if !ok || entry == nil {
		entry = logrus.NewEntry(logrus.StandardLogger())
	}

	if requestID := GetRequestID(ctx); requestID != "" {
		if _, set := entry.Data["request_id"]; !set {
			entry = entry.WithField("request_id", requestID)
		}
	}
	return entry
}
