package observability

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type hookUUIDKey struct{}

func NewLogger(level string) (*zap.Logger, error) {
	parsedLevel, err := parseLevel(level)
	if err != nil {
		return nil, err
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(parsedLevel)
	cfg.EncoderConfig.TimeKey = "timestamp"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.DisableStacktrace = true

	logger, err := cfg.Build(zap.AddCaller())
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}

	return logger, nil
}

func parseLevel(level string) (zapcore.Level, error) {
	var parsed zapcore.Level
	normalized := strings.ToLower(strings.TrimSpace(level))
	if normalized == "" {
		normalized = "info"
	}

	if err := parsed.UnmarshalText([]byte(normalized)); err != nil {
		return 0, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	return parsed, nil
}

// WithHookUUID tags ctx with the hook being run so log lines of one delivery
// chain can be correlated across retries.
func WithHookUUID(ctx context.Context, hookUUID string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}

	return context.WithValue(ctx, hookUUIDKey{}, hookUUID)
}

func HookUUIDFromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}

	hookUUID, ok := ctx.Value(hookUUIDKey{}).(string)
	if !ok || hookUUID == "" {
		return "", false
	}

	return hookUUID, true
}

func WithContextLogger(logger *zap.Logger, ctx context.Context) *zap.Logger {
	if logger == nil {
		return nil
	}

	hookUUID, ok := HookUUIDFromContext(ctx)
	if !ok {
		return logger
	}

	return logger.With(zap.String("hookUuid", hookUUID))
}
