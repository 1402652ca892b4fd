// Package logger wraps a zap SugaredLogger with key-based redaction.
//
// State and event payloads are tenant data. Values logged under a payload
// key are replaced with a size marker unless LOG_PAYLOADS=1.
package logger

import (
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is a structured, redacting logger.
type Logger struct {
	sugar  *zap.SugaredLogger
	redact bool
}

// New builds a logger. mode is "production" (JSON, info level) or anything
// else for development (console, debug level).
func New(mode string) (*Logger, error) {
	var cfg zap.Config
	switch strings.ToLower(mode) {
	case "prod", "production":
		cfg = zap.NewProductionConfig()
	default:
		cfg = zap.NewDevelopmentConfig()
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	cfg.OutputPaths = []string{"stderr"}
	z, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	return FromZap(z), nil
}

// FromZap wraps an existing zap logger.
func FromZap(z *zap.Logger) *Logger {
	return &Logger{sugar: z.Sugar(), redact: redactionFromEnv()}
}

// FromCore wraps a zapcore.Core. Tests use it with zaptest/observer.
func FromCore(core zapcore.Core) *Logger {
	return FromZap(zap.New(core))
}

// Nop discards everything.
func Nop() *Logger {
	return &Logger{sugar: zap.NewNop().Sugar(), redact: true}
}

// Sync flushes buffered entries.
func (l *Logger) Sync() {
	_ = l.sugar.Sync()
}

func (l *Logger) Debug(msg string, keysAndValues ...any) {
	l.sugar.Debugw(msg, l.sanitize(keysAndValues)...)
}

func (l *Logger) Info(msg string, keysAndValues ...any) {
	l.sugar.Infow(msg, l.sanitize(keysAndValues)...)
}

func (l *Logger) Warn(msg string, keysAndValues ...any) {
	l.sugar.Warnw(msg, l.sanitize(keysAndValues)...)
}

func (l *Logger) Error(msg string, keysAndValues ...any) {
	l.sugar.Errorw(msg, l.sanitize(keysAndValues)...)
}

// With returns a child logger carrying the given context.
func (l *Logger) With(keysAndValues ...any) *Logger {
	return &Logger{sugar: l.sugar.With(l.sanitize(keysAndValues)...), redact: l.redact}
}

// payloadKeys hold tenant state or event data.
var payloadKeys = map[string]bool{
	"event_data":    true,
	"state":         true,
	"new_state":     true,
	"old_state":     true,
	"initial_state": true,
}

func isSecretKey(key string) bool {
	return strings.Contains(key, "token") ||
		strings.Contains(key, "secret") ||
		strings.Contains(key, "authorization") ||
		strings.Contains(key, "password")
}

func (l *Logger) sanitize(kv []any) []any {
	if len(kv) == 0 {
		return kv
	}
	out := make([]any, 0, len(kv))
	for i := 0; i < len(kv); i += 2 {
		if i == len(kv)-1 {
			out = append(out, kv[i])
			break
		}
		key, ok := kv[i].(string)
		if !ok {
			out = append(out, kv[i], kv[i+1])
			continue
		}
		out = append(out, key, l.sanitizeValue(strings.ToLower(strings.TrimSpace(key)), kv[i+1]))
	}
	return out
}

func (l *Logger) sanitizeValue(key string, val any) any {
	// Secrets are redacted even with payload logging on.
	if isSecretKey(key) {
		return "[REDACTED]"
	}
	if l.redact && payloadKeys[key] {
		return redactedPayload(val)
	}
	return val
}

// redactedPayload keeps the size of the value so operators can still spot
// pathological payloads.
func redactedPayload(val any) string {
	switch v := val.(type) {
	case nil:
		return "[REDACTED]"
	case []byte:
		return fmt.Sprintf("[REDACTED %d bytes]", len(v))
	case string:
		return fmt.Sprintf("[REDACTED %d bytes]", len(v))
	default:
		return "[REDACTED]"
	}
}

func redactionFromEnv() bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv("LOG_PAYLOADS"))) {
	case "1", "true", "yes", "on":
		return false
	default:
		return true
	}
}
