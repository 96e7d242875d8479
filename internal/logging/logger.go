package logging

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/b55585wy/SGGG/internal/tracing"
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

var levelRank = map[LogLevel]int{
	LevelDebug: 0,
	LevelInfo:  1,
	LevelWarn:  2,
	LevelError: 3,
	LevelFatal: 4,
}

// ParseLevel maps a level name to a LogLevel, defaulting to info.
func ParseLevel(s string) LogLevel {
	l := LogLevel(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := levelRank[l]; ok {
		return l
	}
	return LevelInfo
}

// LogEntry represents a structured log entry
type LogEntry struct {
	Time      time.Time      `json:"time"`
	Level     LogLevel       `json:"level"`
	Message   string         `json:"msg"`
	Service   string         `json:"service,omitempty"`
	TraceID   string         `json:"trace_id,omitempty"`
	SessionID string         `json:"session_id,omitempty"`
	StoryID   string         `json:"story_id,omitempty"`
	EventID   string         `json:"event_id,omitempty"`
	Fields    map[string]any `json:"fields,omitempty"`

	logger *Logger
}

// Logger provides structured logging with trace correlation
type Logger struct {
	service string
	min     LogLevel
	out     io.Writer
	mu      *sync.Mutex
}

// New creates a structured logger for the given service. The minimum level
// comes from LOG_LEVEL.
func New(service string) *Logger {
	return &Logger{
		service: service,
		min:     ParseLevel(os.Getenv("LOG_LEVEL")),
		out:     os.Stdout,
		mu:      &sync.Mutex{},
	}
}

// WithOutput returns a copy of the logger writing to w.
func (l *Logger) WithOutput(w io.Writer) *Logger {
	cp := *l
	cp.out = w
	cp.mu = &sync.Mutex{}
	return &cp
}

// WithLevel returns a copy of the logger that drops entries below min.
func (l *Logger) WithLevel(min LogLevel) *Logger {
	cp := *l
	cp.min = min
	return &cp
}

func (l *Logger) entry() *LogEntry {
	return &LogEntry{
		Time:    time.Now().UTC(),
		Service: l.service,
		Fields:  make(map[string]any),
		logger:  l,
	}
}

// WithContext creates a log entry with trace correlation from context
func (l *Logger) WithContext(ctx context.Context) *LogEntry {
	entry := l.entry()
	if traceID := tracing.GetTraceID(ctx); traceID != "" {
		entry.TraceID = traceID
	}
	return entry
}

// WithFields creates a log entry with arbitrary key-value pairs
func (l *Logger) WithFields(fields map[string]any) *LogEntry {
	entry := l.entry()
	entry.Fields = fields
	return entry
}

// Plain creates a basic log entry without context
func (l *Logger) Plain() *LogEntry {
	return l.entry()
}

// WithSession sets the reading session ID for the log entry
func (e *LogEntry) WithSession(sessionID string) *LogEntry {
	e.SessionID = sessionID
	return e
}

// WithStory sets the story ID for the log entry
func (e *LogEntry) WithStory(storyID string) *LogEntry {
	e.StoryID = storyID
	return e
}

// WithEvent sets the telemetry event ID for the log entry
func (e *LogEntry) WithEvent(eventID string) *LogEntry {
	e.EventID = eventID
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
	for k, v := range fields {
		e.WithField(k, v)
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

func (e *LogEntry) Debug(message string) { e.log(LevelDebug, message) }
func (e *LogEntry) Info(message string)  { e.log(LevelInfo, message) }
func (e *LogEntry) Warn(message string)  { e.log(LevelWarn, message) }
func (e *LogEntry) Error(message string) { e.log(LevelError, message) }

func (e *LogEntry) Debugf(format string, args ...any) { e.log(LevelDebug, fmt.Sprintf(format, args...)) }
func (e *LogEntry) Infof(format string, args ...any)  { e.log(LevelInfo, fmt.Sprintf(format, args...)) }
func (e *LogEntry) Warnf(format string, args ...any)  { e.log(LevelWarn, fmt.Sprintf(format, args...)) }
func (e *LogEntry) Errorf(format string, args ...any) { e.log(LevelError, fmt.Sprintf(format, args...)) }

// Fatal logs at fatal level and exits
func (e *LogEntry) Fatal(message string) {
	e.log(LevelFatal, message)
	os.Exit(1)
}

func (e *LogEntry) log(level LogLevel, message string) {
	e.Level = level
	e.Message = message
	l := e.logger
	if l == nil {
		l = defaultLogger
	}
	if levelRank[level] < levelRank[l.min] {
		return
	}
	l.write(e)
}

// write emits the entry as one JSON line
func (l *Logger) write(e *LogEntry) {
	if len(e.Fields) == 0 {
		e.Fields = nil
	}

	data, err := json.Marshal(e)
	l.mu.Lock()
	defer l.mu.Unlock()
	if err != nil {
		// Fallback to plain text if JSON marshaling fails
		fmt.Fprintf(os.Stderr, "logging error: %v\n", err)
		fmt.Fprintf(l.out, "%s [%s] %s\n", e.Time.Format(time.RFC3339), e.Level, e.Message)
		return
	}
	_, _ = l.out.Write(append(data, '\n'))
}

var defaultLogger = New("storybook")

// WithContext creates a log entry with trace correlation using the default logger
func WithContext(ctx context.Context) *LogEntry {
	return defaultLogger.WithContext(ctx)
}

// Plain creates a basic log entry using the default logger
func Plain() *LogEntry {
	return defaultLogger.Plain()
}

// Default returns the process-wide logger.
func Default() *Logger {
	return defaultLogger
}

// SetDefaultService sets the service name for the default logger
func SetDefaultService(service string) {
	defaultLogger.service = service
}
