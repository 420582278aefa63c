package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"
)

func TestLoggerRoundTrip(t *testing.T) {
	lg := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
	ctx := ContextWithLogger(context.Background(), lg)
	if got := LoggerFromContext(ctx); got != lg {
		t.Fatal("logger did not round-trip through context")
	}
}

func TestLoggerFromContext_Fallbacks(t *testing.T) {
	if got := LoggerFromContext(context.Background()); got == nil {
		t.Fatal("want default logger for a bare context")
	}
	base := context.Background()
	if got := ContextWithLogger(base, nil); got != base {
		t.Fatal("nil logger must not derive a context")
	}
}

func TestRequestIDRoundTrip(t *testing.T) {
	ctx := ContextWithRequestID(context.Background(), "req-123")
	if got := RequestIDFromContext(ctx); got != "req-123" {
		t.Fatalf("RequestIDFromContext() = %q, want req-123", got)
	}
	if got := RequestIDFromContext(context.Background()); got != "" {
		t.Fatalf("bare context yielded request id %q", got)
	}
	base := context.Background()
	if got := ContextWithRequestID(base, ""); got != base {
		t.Fatal("empty request id must not derive a context")
	}
}

// jsonLine runs fn against a logger writing one JSON line and decodes it.
func jsonLine(t *testing.T, fn func(ctx context.Context)) map[string]any {
	t.Helper()
	var buf bytes.Buffer
	lg := slog.New(slog.NewJSONHandler(&buf, nil))
	fn(ContextWithLogger(context.Background(), lg))
	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("log line is not JSON: %v (%q)", err, buf.String())
	}
	return line
}

func TestContextWithJob_StampsFields(t *testing.T) {
	line := jsonLine(t, func(ctx context.Context) {
		LoggerFromContext(ContextWithJob(ctx, "job-1", "preprocess", "img-1")).Info("leased")
	})
	for k, want := range map[string]string{"job_id": "job-1", "job_type": "preprocess", "image_id": "img-1"} {
		if line[k] != want {
			t.Errorf("field %s = %v, want %s", k, line[k], want)
		}
	}
}

func TestContextWithImage_StampsField(t *testing.T) {
	line := jsonLine(t, func(ctx context.Context) {
		LoggerFromContext(ContextWithImage(ctx, "img-9")).Info("resolved")
	})
	if line["image_id"] != "img-9" {
		t.Errorf("image_id = %v, want img-9", line["image_id"])
	}
}
