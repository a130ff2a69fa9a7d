// Package logger is the structured (slog) logger shared by every mediaq
// component. Secret-looking attributes are masked before they are written.
package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"runtime"
	"strings"
	"time"
)

type contextKey string

// Context keys read by FromContext.
const (
	RequestIDKey contextKey = "request_id"
	JobIDKey     contextKey = "job_id"
)

// secretKeys are attribute keys whose values never reach the output.
var secretKeys = map[string]bool{
	"api_key":       true,
	"secret_key":    true,
	"access_key":    true,
	"client_secret": true,
	"refresh_token": true,
	"password":      true,
	"postgres_dsn":  true,
	"amqp_url":      true,
	"authorization": true,
}

// Config mirrors the log section of the service config.
type Config struct {
	Level       string // debug, info, warn, error
	Format      string // json (default) or text
	Output      io.Writer
	AddSource   bool
	ServiceName string
}

// Logger is a *slog.Logger whose level can be changed at runtime. Loggers
// derived through With* share the level of their parent.
type Logger struct {
	*slog.Logger
	level *slog.LevelVar
}

func New(cfg Config) *Logger {
	out := cfg.Output
	if out == nil {
		out = os.Stdout
	}
	level := new(slog.LevelVar)
	level.Set(parseLevel(cfg.Level))

	opts := &slog.HandlerOptions{Level: level, AddSource: cfg.AddSource, ReplaceAttr: redact}
	var h slog.Handler = slog.NewJSONHandler(out, opts)
	if cfg.Format == "text" {
		h = slog.NewTextHandler(out, opts)
	}
	if cfg.ServiceName != "" {
		h = h.WithAttrs([]slog.Attr{slog.String("service", cfg.ServiceName)})
	}
	return &Logger{Logger: slog.New(h), level: level}
}

// NewDefault builds a logger from MEDIAQ_LOG_LEVEL and MEDIAQ_LOG_FORMAT.
// Components fall back to it when constructed without a logger.
func NewDefault() *Logger {
	return New(Config{
		Level:       os.Getenv("MEDIAQ_LOG_LEVEL"),
		Format:      os.Getenv("MEDIAQ_LOG_FORMAT"),
		ServiceName: "mediaq",
	})
}

// Discard returns a logger that drops everything.
func Discard() *Logger {
	return New(Config{Level: "error", Format: "text", Output: io.Discard})
}

// redact normalizes timestamps to UTC and masks secrets.
func redact(_ []string, a slog.Attr) slog.Attr {
	if a.Key == slog.TimeKey {
		if t, ok := a.Value.Any().(time.Time); ok {
			a.Value = slog.StringValue(t.UTC().Format(time.RFC3339Nano))
		}
		return a
	}
	if secretKeys[strings.ToLower(a.Key)] {
		a.Value = slog.StringValue("***")
	}
	return a
}

// SetLevel changes the minimum level of l and every logger derived from it.
func (l *Logger) SetLevel(level string) {
	if l.level != nil {
		l.level.Set(parseLevel(level))
	}
}

// With shadows slog.Logger.With so derived loggers keep the shared level.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{Logger: l.Logger.With(args...), level: l.level}
}

func (l *Logger) WithComponent(component string) *Logger { return l.With("component", component) }
func (l *Logger) WithJobID(jobID string) *Logger         { return l.With("job_id", jobID) }
func (l *Logger) WithRequestID(id string) *Logger        { return l.With("request_id", id) }

// WithWorker tags logs with the pool executor index.
func (l *Logger) WithWorker(index int) *Logger { return l.With("worker", index) }

// FromContext attaches the request and job ids carried by ctx, if any.
func (l *Logger) FromContext(ctx context.Context) *Logger {
	out := l
	if id, _ := ctx.Value(RequestIDKey).(string); id != "" {
		out = out.WithRequestID(id)
	}
	if id := JobIDFromContext(ctx); id != "" {
		out = out.WithJobID(id)
	}
	return out
}

// LogError logs err at error level with the caller's file and line.
// A nil err logs nothing.
func (l *Logger) LogError(ctx context.Context, msg string, err error, args ...any) {
	if err == nil {
		return
	}
	if _, file, line, ok := runtime.Caller(1); ok {
		args = append(args, slog.Group("source", "file", file, "line", line))
	}
	args = append(args, "error", err.Error())
	l.FromContext(ctx).Error(msg, args...)
}

func ContextWithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

func ContextWithJobID(ctx context.Context, jobID string) context.Context {
	return context.WithValue(ctx, JobIDKey, jobID)
}

func JobIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(JobIDKey).(string)
	return id
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
