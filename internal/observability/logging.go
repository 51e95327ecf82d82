package observability

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/pitabwire/signet/internal/config"
	"github.com/pitabwire/signet/model"
)

// Context keys.
type (
	loggerKey struct{}
	scopeKey  struct{}
)

// Scope names the workflow entities a request or background job acts on.
// Empty ids are omitted from log entries.
type Scope struct {
	InstanceID string
	StepID     string
	AttemptID  string
}

// merge overlays the non-empty ids of o onto s.
func (s Scope) merge(o Scope) Scope {
	if o.InstanceID != "" {
		s.InstanceID = o.InstanceID
	}
	if o.StepID != "" {
		s.StepID = o.StepID
	}
	if o.AttemptID != "" {
		s.AttemptID = o.AttemptID
	}
	return s
}

// Fields returns the zap fields for the ids that are set.
func (s Scope) Fields() []zap.Field {
	var fields []zap.Field
	if s.InstanceID != "" {
		fields = append(fields, zap.String("instance_id", s.InstanceID))
	}
	if s.StepID != "" {
		fields = append(fields, zap.String("step_id", s.StepID))
	}
	if s.AttemptID != "" {
		fields = append(fields, zap.String("attempt_id", s.AttemptID))
	}
	return fields
}

// WithScope adds workflow ids to the context, keeping ids already present
// unless s replaces them.
func WithScope(ctx context.Context, s Scope) context.Context {
	return context.WithValue(ctx, scopeKey{}, ScopeFrom(ctx).merge(s))
}

// ScopeFrom returns the workflow scope stored in the context.
func ScopeFrom(ctx context.Context) Scope {
	s, _ := ctx.Value(scopeKey{}).(Scope)
	return s
}

// NewLogger creates a zap.Logger configured for JSON output to stdout.
//
// Log level usage conventions:
//   - error: Infrastructure failures (DB down, unhandled panics), 5xx responses
//   - warn:  Client errors (4xx), adapter failures, undeliverable notifications
//   - info:  Request end, workflow builds, step transitions, redemptions, sweeps
//   - debug: Store and adapter call details
//
// Plaintext signature tokens are never logged at any level.
func NewLogger(cfg config.ObservabilityConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zapcore.InfoLevel
	}

	zapCfg := zap.Config{
		Level:       zap.NewAtomicLevelAt(level),
		Development: false,
		Encoding:    "json",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "timestamp",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.LowercaseLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.MillisDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	return zapCfg.Build()
}

// WithLogger stores a logger in the context.
func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}

// LoggerFrom returns the logger stored in the context, or the provided
// fallback if none is found.
func LoggerFrom(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	if l, ok := ctx.Value(loggerKey{}).(*zap.Logger); ok && l != nil {
		return l
	}
	return fallback
}

// RequestLogger returns a logger enriched with RequestContext fields and the
// workflow scope. If no logger is in the context, the fallback is used.
func RequestLogger(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	logger := LoggerFrom(ctx, fallback)

	var fields []zap.Field
	if rctx := model.RequestContextFrom(ctx); rctx != nil {
		fields = append(fields,
			zap.String("subject_id", rctx.SubjectID),
			zap.String("correlation_id", rctx.CorrelationID),
		)
		if rctx.TraceID != "" {
			fields = append(fields, zap.String("trace_id", rctx.TraceID))
		}
	}
	fields = append(fields, ScopeFrom(ctx).Fields()...)

	if len(fields) == 0 {
		return logger
	}
	return logger.With(fields...)
}
