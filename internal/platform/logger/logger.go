// Package logger provides the zap-backed structured logger used by the
// command-line tools. It satisfies core.Logger and core.AuditRecorder.
package logger

import (
	"context"
	"feedformula/internal/core"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	_ core.Logger        = (*Logger)(nil)
	_ core.AuditRecorder = (*Logger)(nil)
)

// Logger is a zap sugared logger that redacts secret-looking keys.
type Logger struct {
	SugaredLogger *zap.SugaredLogger
}

// Options tunes New. Empty fields keep the mode's defaults.
type Options struct {
	// Level is one of debug, info, warn, error.
	Level string
	// OutputPath is a file path, or "stderr"/"stdout".
	OutputPath string
}

// New builds a logger. mode "prod"/"production" emits JSON; anything else
// uses zap's console development encoder.
func New(mode string, opts Options) (*Logger, error) {
	var cfg zap.Config
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case "prod", "production":
		cfg = zap.NewProductionConfig()
	default:
		cfg = zap.NewDevelopmentConfig()
	}
	if opts.Level != "" {
		lvl, err := zapcore.ParseLevel(opts.Level)
		if err != nil {
			return nil, fmt.Errorf("logger: %w", err)
		}
		cfg.Level = zap.NewAtomicLevelAt(lvl)
	}
	if opts.OutputPath != "" {
		cfg.OutputPaths = []string{opts.OutputPath}
	}
	zl, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("logger: build: %w", err)
	}
	return &Logger{SugaredLogger: zl.Sugar()}, nil
}

// FromCore wraps an existing zap core, e.g. an observer in tests.
func FromCore(c zapcore.Core) *Logger {
	return &Logger{SugaredLogger: zap.New(c).Sugar()}
}

// Nop discards everything.
func Nop() *Logger {
	return &Logger{SugaredLogger: zap.NewNop().Sugar()}
}

// Sync flushes buffered entries.
func (l *Logger) Sync() {
	_ = l.SugaredLogger.Sync()
}

// Debug logs msg with key/value pairs at debug level.
func (l *Logger) Debug(msg string, kv ...any) {
	l.SugaredLogger.Debugw(msg, sanitizeKVs(kv)...)
}

// Info logs msg with key/value pairs at info level.
func (l *Logger) Info(msg string, kv ...any) {
	l.SugaredLogger.Infow(msg, sanitizeKVs(kv)...)
}

// Warn logs msg with key/value pairs at warn level.
func (l *Logger) Warn(msg string, kv ...any) {
	l.SugaredLogger.Warnw(msg, sanitizeKVs(kv)...)
}

// Error logs msg with key/value pairs at error level.
func (l *Logger) Error(msg string, kv ...any) {
	l.SugaredLogger.Errorw(msg, sanitizeKVs(kv)...)
}

// With returns a child logger that adds kv to every entry.
func (l *Logger) With(kv ...any) *Logger {
	return &Logger{SugaredLogger: l.SugaredLogger.With(sanitizeKVs(kv)...)}
}

// Record writes an audit entry at info level, or warn when it failed.
func (l *Logger) Record(_ context.Context, e core.AuditEntry) {
	kv := []any{
		"operation", e.Operation,
		"entity", string(e.Entity),
		"action", string(e.Action),
		"entity_id", e.EntityID,
		"stage_id", int(e.StageID),
		"status", string(e.Status),
		"duration", e.Duration,
	}
	if e.Status == core.AuditStatusError {
		l.Warn("audit", append(kv, "error", e.Error)...)
		return
	}
	l.Info("audit", kv...)
}

func sanitizeKVs(kv []any) []any {
	if len(kv) == 0 {
		return kv
	}
	out := make([]any, 0, len(kv))
	for i := 0; i < len(kv); i += 2 {
		if i == len(kv)-1 {
			out = append(out, kv[i])
			break
		}
		key := fmt.Sprint(kv[i])
		if isSecretKey(strings.ToLower(key)) {
			out = append(out, key, "[REDACTED]")
			continue
		}
		out = append(out, key, kv[i+1])
	}
	return out
}

func isSecretKey(key string) bool {
	for _, marker := range []string{"token", "authorization", "password", "secret", "api_key", "apikey"} {
		if strings.Contains(key, marker) {
			return true
		}
	}
	return false
}
