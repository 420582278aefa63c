// Package observability carries loggers and correlation identifiers through
// context so that workers and deeper layers can tie their logs back to the
// originating HTTP request or queue job.
package observability

import (
	"context"
	"log/slog"
)

// loggerContextKey is the private context key used to store a *slog.Logger.
type loggerContextKey struct{}

// requestIDContextKey is the private context key used to store the originating
// HTTP request_id so that background workers and deeper layers can correlate
// their logs with the original request.
type requestIDContextKey struct{}

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

// ContextWithRequestID stores a non-empty request_id in the context so that
// downstream layers can correlate their logs with the originating HTTP request.
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
	if v := ctx.Value(requestIDContextKey{}); v != nil {
		if rid, ok := v.(string); ok {
			return rid
		}
	}
	return ""
}

// ContextWithJob returns a context whose logger carries the job_id, job type
// and image_id fields. Worker loops call this once per dequeued job so every
// log line below them is correlated.
func ContextWithJob(ctx context.Context, jobID, jobType, imageID string) context.Context {
	lg := LoggerFromContext(ctx).With(
		slog.String("job_id", jobID),
		slog.String("job_type", jobType),
		slog.String("image_id", imageID),
	)
	return ContextWithLogger(ctx, lg)
}

// ContextWithImage returns a context whose logger carries the image_id field.
func ContextWithImage(ctx context.Context, imageID string) context.Context {
	lg := LoggerFromContext(ctx).With(slog.String("image_id", imageID))
	return ContextWithLogger(ctx, lg)
}
