package observability

import (
	"context"
	"log/slog"
)

// loggerContextKey is the private context key used to store a *slog.Logger.
type loggerContextKey struct{}

// requestIDContextKey stores the originating HTTP request_id.
type requestIDContextKey struct{}

// compositeIDContextKey stores the composite id of the job being processed.
type compositeIDContextKey struct{}

// ContextWithLogger attaches a non-nil logger to the context.
func ContextWithLogger(ctx context.Context, lg *slog.Logger) context.Context {
	if ctx == nil || lg == nil {
		return ctx
	}
	return context.WithValue(ctx, loggerContextKey{}, lg)
}

// LoggerFromContext returns the logger stored in the context or the default
// slog logger when none is present.
func LoggerFromContext(ctx context.Context) *slog.Logger {
	if ctx == nil {
		return slog.Default()
	}
	if v := ctx.Value(loggerContextKey{}); v != nil {
		if lg, ok := v.(*slog.Logger); ok && lg != nil {
			return lg
		}
	}
	return slog.Default()
}

// ContextWithRequestID stores a non-empty request_id in the context.
func ContextWithRequestID(ctx context.Context, requestID string) context.Context {
	if ctx == nil || requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDContextKey{}, requestID)
}

// RequestIDFromContext retrieves the request_id from the context, or an empty
// string when none is present.
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(requestIDContextKey{}).(string); ok {
		return v
	}
	return ""
}

// ContextWithJob stores the composite id and derives a logger carrying it plus
// any extra attributes (topic, partition, offset...).
func ContextWithJob(ctx context.Context, compositeID string, attrs ...any) context.Context {
	if ctx == nil {
		return ctx
	}
	lg := LoggerFromContext(ctx).With(slog.String("composite_id", compositeID))
	if len(attrs) > 0 {
		lg = lg.With(attrs...)
	}
	ctx = context.WithValue(ctx, compositeIDContextKey{}, compositeID)
	return ContextWithLogger(ctx, lg)
}

// CompositeIDFromContext returns the composite id stored by ContextWithJob.
func CompositeIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(compositeIDContextKey{}).(string); ok {
		return v
	}
	return ""
}
