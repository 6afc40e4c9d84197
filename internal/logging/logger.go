// Package logging provides structured logging for the driver runtime core.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"time"
)

// ContextKey is the type used for context-carried logging attributes.
type ContextKey string

const (
	ModuleIDKey ContextKey = "module_id"
	SystemIDKey ContextKey = "system_id"
	TaskNameKey ContextKey = "task_name"
)

// Logger is a structured logger scoped to one component (tokenizer,
// queue, transport, subscriptions, storage).
type Logger struct {
	*slog.Logger
	component string
}

// Config controls how a Logger renders output.
type Config struct {
	Level     string // debug, info, warn, error
	Format    string // json or text
	Output    string // stdout, stderr, or a file path
	Component string
}

// New builds a Logger from Config.
func New(cfg Config) *Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var output io.Writer
	switch cfg.Output {
	case "stdout", "":
		output = os.Stdout
	case "stderr":
		output = os.Stderr
	default:
		f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			output = os.Stdout
		} else {
			output = f
		}
	}

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(output, opts)
	} else {
		handler = slog.NewTextHandler(output, opts)
	}

	return &Logger{
		Logger:    slog.New(handler).With(slog.String("component", cfg.Component)),
		component: cfg.Component,
	}
}

// Default builds a Logger from LOG_LEVEL/LOG_FORMAT environment variables.
func Default(component string) *Logger {
	return New(Config{
		Level:     os.Getenv("LOG_LEVEL"),
		Format:    os.Getenv("LOG_FORMAT"),
		Output:    "stdout",
		Component: component,
	})
}

// WithContext attaches module/system/task identifiers found on ctx.
func (l *Logger) WithContext(ctx context.Context) *Logger {
	attrs := []any{}
	if v, ok := ctx.Value(ModuleIDKey).(string); ok && v != "" {
		attrs = append(attrs, slog.String("module_id", v))
	}
	if v, ok := ctx.Value(SystemIDKey).(string); ok && v != "" {
		attrs = append(attrs, slog.String("system_id", v))
	}
	if v, ok := ctx.Value(TaskNameKey).(string); ok && v != "" {
		attrs = append(attrs, slog.String("task_name", v))
	}
	if len(attrs) == 0 {
		return l
	}
	return &Logger{Logger: l.Logger.With(attrs...), component: l.component}
}

// WithModuleID scopes subsequent log lines to a module.
func (l *Logger) WithModuleID(moduleID string) *Logger {
	return &Logger{Logger: l.Logger.With(slog.String("module_id", moduleID)), component: l.component}
}

// WithError attaches an error, no-op when err is nil.
func (l *Logger) WithError(err error) *Logger {
	if err == nil {
		return l
	}
	return &Logger{Logger: l.Logger.With(slog.String("error", err.Error())), component: l.component}
}

// WithDuration attaches an elapsed-time attribute in milliseconds.
func (l *Logger) WithDuration(d time.Duration) *Logger {
	return &Logger{Logger: l.Logger.With(slog.Float64("duration_ms", float64(d.Milliseconds()))), component: l.component}
}
