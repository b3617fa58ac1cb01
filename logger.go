package workflow

import (
	"context"
	"fmt"
	"io"
	"maps"
	"os"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/goliatone/go-logger/glog"
)

// Logger is the logging contract shared by every package in this module.
type Logger interface {
	Trace(msg string, args ...any)
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
	Fatal(msg string, args ...any)
	WithContext(ctx context.Context) Logger
}

// FieldsLogger is implemented by loggers that support structured fields.
type FieldsLogger interface {
	WithFields(map[string]any) Logger
}

// Level orders FmtLogger output.
type Level int

const (
	LevelTrace Level = iota
	LevelDebug
	LevelInfo
	LevelWarn
	LevelError
	LevelFatal
)

var levelNames = [...]string{"TRACE", "DEBUG", "INFO", "WARN", "ERROR", "FATAL"}

func (l Level) String() string {
	if l < LevelTrace || l > LevelFatal {
		return "LEVEL(" + strconv.Itoa(int(l)) + ")"
	}
	return levelNames[l]
}

// ParseLevel resolves a case-insensitive level name.
func ParseLevel(name string) (Level, error) {
	for i, n := range levelNames {
		if strings.EqualFold(n, strings.TrimSpace(name)) {
			return Level(i), nil
		}
	}
	return LevelInfo, fmt.Errorf("unknown log level %q", name)
}

// FmtLogger writes plain lines and is used when no logger is configured.
// Copies made by WithFields share the writer lock.
type FmtLogger struct {
	out    io.Writer
	mu     *sync.Mutex
	min    Level
	fields map[string]any
}

// NewFmtLogger builds a fallback logger writing to out, or stdout when nil.
// Every level is written until WithLevel raises the floor.
func NewFmtLogger(out io.Writer) *FmtLogger {
	if out == nil {
		out = os.Stdout
	}
	return &FmtLogger{out: out, mu: &sync.Mutex{}, min: LevelTrace}
}

// WithLevel returns a copy dropping lines below min.
func (l *FmtLogger) WithLevel(min Level) *FmtLogger {
	cp := *l.orDefault()
	cp.min = min
	return &cp
}

func (l *FmtLogger) Trace(msg string, args ...any) { l.write(LevelTrace, msg, args) }
func (l *FmtLogger) Debug(msg string, args ...any) { l.write(LevelDebug, msg, args) }
func (l *FmtLogger) Info(msg string, args ...any)  { l.write(LevelInfo, msg, args) }
func (l *FmtLogger) Warn(msg string, args ...any)  { l.write(LevelWarn, msg, args) }
func (l *FmtLogger) Error(msg string, args ...any) { l.write(LevelError, msg, args) }
func (l *FmtLogger) Fatal(msg string, args ...any) { l.write(LevelFatal, msg, args) }

// WithContext is a no-op, plain lines carry no request scope.
func (l *FmtLogger) WithContext(context.Context) Logger {
	return l.orDefault()
}

// WithFields returns a copy carrying the merged fields.
func (l *FmtLogger) WithFields(fields map[string]any) Logger {
	cp := *l.orDefault()
	cp.fields = mergeFields(cp.fields, fields)
	return &cp
}

func (l *FmtLogger) orDefault() *FmtLogger {
	if l == nil || l.out == nil || l.mu == nil {
		return NewFmtLogger(nil)
	}
	return l
}

func (l *FmtLogger) write(level Level, msg string, args []any) {
	l = l.orDefault()
	if level < l.min {
		return
	}
	if len(args) > 0 {
		msg = fmt.Sprintf(msg, args...)
	}
	var b strings.Builder
	b.WriteString(time.Now().UTC().Format(time.RFC3339Nano))
	b.WriteByte(' ')
	b.WriteString(level.String())
	b.WriteByte(' ')
	b.WriteString(strings.TrimSpace(msg))
	if fields := formatFields(l.fields); fields != "" {
		b.WriteByte(' ')
		b.WriteString(fields)
	}
	b.WriteByte('\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	io.WriteString(l.out, b.String())
}

// NopLogger discards everything.
type NopLogger struct{}

func (NopLogger) Trace(string, ...any)                {}
func (NopLogger) Debug(string, ...any)                {}
func (NopLogger) Info(string, ...any)                 {}
func (NopLogger) Warn(string, ...any)                 {}
func (NopLogger) Error(string, ...any)                {}
func (NopLogger) Fatal(string, ...any)                {}
func (n NopLogger) WithContext(context.Context) Logger { return n }

// GLogLogger adapts a go-logger instance to Logger.
type GLogLogger struct {
	logger glog.Logger
}

// NewGLogLogger wraps l. A nil l yields the fmt fallback.
func NewGLogLogger(l glog.Logger) Logger {
	if l == nil {
		return NewFmtLogger(nil)
	}
	return GLogLogger{logger: l}
}

func (l GLogLogger) Trace(msg string, args ...any) { l.logger.Trace(msg, args...) }
func (l GLogLogger) Debug(msg string, args ...any) { l.logger.Debug(msg, args...) }
func (l GLogLogger) Info(msg string, args ...any)  { l.logger.Info(msg, args...) }
func (l GLogLogger) Warn(msg string, args ...any)  { l.logger.Warn(msg, args...) }
func (l GLogLogger) Error(msg string, args ...any) { l.logger.Error(msg, args...) }
func (l GLogLogger) Fatal(msg string, args ...any) { l.logger.Fatal(msg, args...) }

func (l GLogLogger) WithContext(ctx context.Context) Logger {
	return GLogLogger{logger: l.logger.WithContext(ctx)}
}

// WithFields forwards to glog when the wrapped logger supports fields.
func (l GLogLogger) WithFields(fields map[string]any) Logger {
	if fl, ok := l.logger.(glog.FieldsLogger); ok {
		return GLogLogger{logger: fl.WithFields(fields)}
	}
	return l
}

// NormalizeLogger returns logger, or the fmt fallback when nil.
func NormalizeLogger(logger Logger) Logger {
	if logger == nil {
		return NewFmtLogger(nil)
	}
	return logger
}

// WithLoggerFields attaches fields when the logger supports them.
func WithLoggerFields(logger Logger, fields map[string]any) Logger {
	logger = NormalizeLogger(logger)
	if fl, ok := logger.(FieldsLogger); ok {
		return fl.WithFields(fields)
	}
	return logger
}

func mergeFields(a, b map[string]any) map[string]any {
	if len(a) == 0 && len(b) == 0 {
		return nil
	}
	out := make(map[string]any, len(a)+len(b))
	maps.Copy(out, a)
	maps.Copy(out, b)
	return out
}

func formatFields(fields map[string]any) string {
	if len(fields) == 0 {
		return ""
	}
	keys := slices.Sorted(maps.Keys(fields))
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, fields[k]))
	}
	return strings.Join(parts, " ")
}
