package logging

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/austindbirch/harbor_mirror/internal/tracing"
)

// LogLevel represents the severity of the log entry
type LogLevel string

const (
	LevelDebug LogLevel = "debug"
	LevelInfo  LogLevel = "info"
	LevelWarn  LogLevel = "warn"
	LevelError LogLevel = "error"
	LevelFatal LogLevel = "fatal"
)

func init() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	zerolog.MessageFieldName = "msg"
}

// LogEntry collects correlation fields before being emitted through zerolog
type LogEntry struct {
	logger     *Logger
	TraceID    string
	UserID     string
	Event      string
	DeliveryID string
	JobID      string
	Fields     map[string]any
}

// Logger provides structured logging with trace correlation
type Logger struct {
	service string
	mu      sync.RWMutex
	zl      zerolog.Logger
}

// New creates a new structured logger for the given service writing JSON to stdout
func New(service string) *Logger {
	return NewWithWriter(service, os.Stdout)
}

// NewWithWriter creates a logger writing to w, mainly for tests
func NewWithWriter(service string, w io.Writer) *Logger {
	return &Logger{
		service: service,
		zl:      zerolog.New(w).With().Timestamp().Logger(),
	}
}

// SetLevel changes the minimum level emitted by this logger. Unknown levels keep info.
func (l *Logger) SetLevel(level string) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	l.mu.Lock()
	l.zl = l.zl.Level(lvl)
	l.mu.Unlock()
}

// Service returns the service name attached to every entry
func (l *Logger) Service() string { return l.service }

// WithContext creates a log entry with trace correlation from context
func (l *Logger) WithContext(ctx context.Context) *LogEntry {
	entry := l.Plain()
	if traceID := tracing.GetTraceID(ctx); traceID != "" {
		entry.TraceID = traceID
	}
	return entry
}

// WithFields creates a log entry with arbitrary key-value pairs
func (l *Logger) WithFields(fields map[string]any) *LogEntry {
	entry := l.Plain()
	for k, v := range fields {
		entry.Fields[k] = v
	}
	return entry
}

// Plain creates a basic log entry without context
func (l *Logger) Plain() *LogEntry {
	return &LogEntry{
		logger: l,
		Fields: make(map[string]any),
	}
}

// WithTraceID sets the trace ID for the log entry
func (e *LogEntry) WithTraceID(traceID string) *LogEntry {
	e.TraceID = traceID
	return e
}

// WithUser sets the owning user for the log entry
func (e *LogEntry) WithUser(userID string) *LogEntry {
	e.UserID = userID
	return e
}

// WithEvent sets the webhook event name for the log entry
func (e *LogEntry) WithEvent(event string) *LogEntry {
	e.Event = event
	return e
}

// WithDelivery sets the delivery ID for the log entry
func (e *LogEntry) WithDelivery(deliveryID string) *LogEntry {
	e.DeliveryID = deliveryID
	return e
}

// WithJob sets the sync job ID for the log entry
func (e *LogEntry) WithJob(jobID int64) *LogEntry {
	e.JobID = fmt.Sprintf("%d", jobID)
	return e
}

// WithField adds a single field to the log entry
func (e *LogEntry) WithField(key string, value any) *LogEntry {
	if e.Fields == nil {
		e.Fields = make(map[string]any)
	}
	e.Fields[key] = value
	return e
}

// WithFields adds multiple fields to the log entry
func (e *LogEntry) WithFields(fields map[string]any) *LogEntry {
	if e.Fields == nil {
		e.Fields = make(map[string]any)
	}
	for k, v := range fields {
		e.Fields[k] = v
	}
	return e
}

// WithError adds an error field to the log entry
func (e *LogEntry) WithError(err error) *LogEntry {
	if err != nil {
		e.WithField("error", err.Error())
	}
	return e
}

func (e *LogEntry) Debug(message string) { e.emit(LevelDebug, message) }

func (e *LogEntry) Debugf(format string, args ...any) {
	e.emit(LevelDebug, fmt.Sprintf(format, args...))
}

func (e *LogEntry) Info(message string) { e.emit(LevelInfo, message) }

func (e *LogEntry) Infof(format string, args ...any) {
	e.emit(LevelInfo, fmt.Sprintf(format, args...))
}

func (e *LogEntry) Warn(message string) { e.emit(LevelWarn, message) }

func (e *LogEntry) Warnf(format string, args ...any) {
	e.emit(LevelWarn, fmt.Sprintf(format, args...))
}

func (e *LogEntry) Error(message string) { e.emit(LevelError, message) }

func (e *LogEntry) Errorf(format string, args ...any) {
	e.emit(LevelError, fmt.Sprintf(format, args...))
}

// Fatal logs at fatal level and exits
func (e *LogEntry) Fatal(message string) {
	e.emit(LevelFatal, message)
	os.Exit(1)
}

// Fatalf logs at fatal level with formatting and exits
func (e *LogEntry) Fatalf(format string, args ...any) {
	e.emit(LevelFatal, fmt.Sprintf(format, args...))
	os.Exit(1)
}

func (e *LogEntry) emit(level LogLevel, message string) {
	l := e.logger
	if l == nil {
		l = defaultLogger
	}
	l.mu.RLock()
	zl := l.zl
	l.mu.RUnlock()

	var ev *zerolog.Event
	switch level {
	case LevelDebug:
		ev = zl.Debug()
	case LevelWarn:
		ev = zl.Warn()
	case LevelError:
		ev = zl.Error()
	case LevelFatal:
		// WithLevel avoids zerolog's own os.Exit so Fatal controls the exit
		ev = zl.WithLevel(zerolog.FatalLevel)
	default:
		ev = zl.Info()
	}
	if ev == nil {
		return
	}
	if l.service != "" {
		ev = ev.Str("service", l.service)
	}
	if e.TraceID != "" {
		ev = ev.Str("trace_id", e.TraceID)
	}
	if e.UserID != "" {
		ev = ev.Str("user_id", e.UserID)
	}
	if e.Event != "" {
		ev = ev.Str("event", e.Event)
	}
	if e.DeliveryID != "" {
		ev = ev.Str("delivery_id", e.DeliveryID)
	}
	if e.JobID != "" {
		ev = ev.Str("job_id", e.JobID)
	}
	if len(e.Fields) > 0 {
		ev = ev.Interface("fields", e.Fields)
	}
	ev.Msg(message)
}

// Global convenience functions

var defaultLogger = New("harbormirror")

// WithContext creates a log entry with trace correlation from context using the default logger
func WithContext(ctx context.Context) *LogEntry {
	return defaultLogger.WithContext(ctx)
}

// WithFields creates a log entry with fields using the default logger
func WithFields(fields map[string]any) *LogEntry {
	return defaultLogger.WithFields(fields)
}

// Plain creates a basic log entry using the default logger
func Plain() *LogEntry {
	return defaultLogger.Plain()
}

// SetDefaultService sets the service name for the default logger
func SetDefaultService(service string) {
	defaultLogger.service = service
}

// Default returns the package level logger
func Default() *Logger {
	return defaultLogger
}
