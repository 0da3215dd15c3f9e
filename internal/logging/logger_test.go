package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func decodeLine(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	line := strings.TrimSpace(buf.String())
	if line == "" {
		t.Fatal("expected a log line, got nothing")
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(line), &out); err != nil {
		t.Fatalf("log line is not JSON: %v (%q)", err, line)
	}
	return out
}

func TestNew(t *testing.T) {
	for _, name := range []string{"mirror-worker", "", "harbormirror-ingest-v1.2"} {
		t.Run(name, func(t *testing.T) {
			logger := New(name)
			if logger == nil {
				t.Fatal("New() returned nil logger")
			}
			if logger.Service() != name {
				t.Errorf("New() service = %q, want %q", logger.Service(), name)
			}
		})
	}
}

func TestLogEntry_CorrelationFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter("mirror-test", &buf)

	logger.Plain().
		WithDelivery("abc123").
		WithUser("octocat").
		WithEvent("pull_request").
		WithJob(42).
		WithField("attempt", 2).
		WithError(errors.New("store unavailable")).
		Warn("handler failed")

	out := decodeLine(t, &buf)
	checks := map[string]string{
		"service":     "mirror-test",
		"level":       "warn",
		"msg":         "handler failed",
		"delivery_id": "abc123",
		"user_id":     "octocat",
		"event":       "pull_request",
		"job_id":      "42",
	}
	for k, want := range checks {
		if got, _ := out[k].(string); got != want {
			t.Errorf("field %q = %q, want %q", k, got, want)
		}
	}
	fields, ok := out["fields"].(map[string]any)
	if !ok {
		t.Fatalf("fields missing: %v", out)
	}
	if fields["error"] != "store unavailable" {
		t.Errorf("fields.error = %v", fields["error"])
	}
	if fields["attempt"] != float64(2) {
		t.Errorf("fields.attempt = %v, want 2", fields["attempt"])
	}
	if _, ok := out["time"]; !ok {
		t.Error("time field missing")
	}
}

func TestLogEntry_OmitsEmptyFields(t *testing.T) {
	var buf bytes.Buffer
	NewWithWriter("svc", &buf).Plain().WithError(nil).Info("hello")

	out := decodeLine(t, &buf)
	for _, k := range []string{"fields", "trace_id", "delivery_id", "job_id", "user_id"} {
		if _, ok := out[k]; ok {
			t.Errorf("unexpected key %q in %v", k, out)
		}
	}
}

func TestLogger_WithContext(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := trace.NewTracerProvider(trace.WithSyncer(exporter))
	otel.SetTracerProvider(tp)

	var buf bytes.Buffer
	logger := NewWithWriter("svc", &buf)

	ctx, span := tp.Tracer("test").Start(context.Background(), "op")
	logger.WithContext(ctx).Info("inside span")
	span.End()

	out := decodeLine(t, &buf)
	if got := out["trace_id"]; got != span.SpanContext().TraceID().String() {
		t.Errorf("trace_id = %v, want %s", got, span.SpanContext().TraceID())
	}

	buf.Reset()
	logger.WithContext(context.Background()).Info("no span")
	out = decodeLine(t, &buf)
	if _, ok := out["trace_id"]; ok {
		t.Error("trace_id should be absent without a span")
	}
}

func TestLogger_SetLevel(t *testing.T) {
	tests := []struct {
		name    string
		level   string
		emit    func(*LogEntry)
		written bool
	}{
		{name: "debug suppressed at info", level: "info", emit: func(e *LogEntry) { e.Debug("x") }, written: false},
		{name: "debug written at debug", level: "debug", emit: func(e *LogEntry) { e.Debug("x") }, written: true},
		{name: "info suppressed at error", level: "error", emit: func(e *LogEntry) { e.Info("x") }, written: false},
		{name: "unknown level falls back to info", level: "chatty", emit: func(e *LogEntry) { e.Info("x") }, written: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger := NewWithWriter("svc", &buf)
			logger.SetLevel(tt.level)
			tt.emit(logger.Plain())
			if got := buf.Len() > 0; got != tt.written {
				t.Errorf("written = %v, want %v (%q)", got, tt.written, buf.String())
			}
		})
	}
}

func TestLogger_WithFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter("svc", &buf)
	logger.WithFields(map[string]any{"a": "b"}).WithFields(map[string]any{"c": "d"}).Infof("n=%d", 3)

	out := decodeLine(t, &buf)
	if out["msg"] != "n=3" {
		t.Errorf("msg = %v", out["msg"])
	}
	fields := out["fields"].(map[string]any)
	if fields["a"] != "b" || fields["c"] != "d" {
		t.Errorf("fields = %v", fields)
	}
}

func TestSetDefaultService(t *testing.T) {
	original := Default().Service()
	defer SetDefaultService(original)

	SetDefaultService("mirror-cli")
	if Default().Service() != "mirror-cli" {
		t.Errorf("Default().Service() = %q, want mirror-cli", Default().Service())
	}
	if Plain() == nil || WithFields(nil) == nil || WithContext(context.Background()) == nil {
		t.Error("global helpers returned nil")
	}
}
