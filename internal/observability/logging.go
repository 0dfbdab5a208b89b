package observability

import (
	"context"
	"slices"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/pitabwire/bpfstage/internal/config"
	"github.com/pitabwire/bpfstage/model"
)

// ServiceName is attached to every log line and span resource.
const ServiceName = "bpfstaged"

type loggerKey struct{}

type fieldsKey struct{}

// NewLogger builds the service logger: JSON on stdout, millisecond durations
// and a service field on every line. Unknown levels fall back to info.
//
// Levels: error for platform outages and 5xx answers, warn for degraded
// resolution (fallback stages, missing labels, a skipped definition), info
// for requests, view loads and cache clears, debug for cache traffic.
func NewLogger(cfg config.ObservabilityConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zapcore.InfoLevel
	}

	enc := zap.NewProductionEncoderConfig()
	enc.TimeKey = "timestamp"
	enc.EncodeTime = zapcore.ISO8601TimeEncoder
	enc.EncodeDuration = zapcore.MillisDurationEncoder

	zapCfg := zap.NewProductionConfig()
	zapCfg.Level = zap.NewAtomicLevelAt(level)
	zapCfg.EncoderConfig = enc
	zapCfg.Sampling = nil
	zapCfg.InitialFields = map[string]any{"service": ServiceName}
	zapCfg.OutputPaths = []string{"stdout"}

	return zapCfg.Build()
}

// WithLogger stores a logger in the context.
func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}

// LoggerFrom returns the logger stored in ctx, or fallback.
func LoggerFrom(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	if l, ok := ctx.Value(loggerKey{}).(*zap.Logger); ok && l != nil {
		return l
	}
	return fallback
}

// RequestLogger returns a logger carrying the caller's subject, correlation
// id, locale and trace id. Empty optional fields are left out.
func RequestLogger(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	logger := LoggerFrom(ctx, fallback)

	rctx := model.RequestContextFrom(ctx)
	if rctx == nil {
		return logger
	}

	fields := []zap.Field{
		zap.String("subject_id", rctx.SubjectID),
		zap.String("correlation_id", rctx.CorrelationID),
	}
	if rctx.Locale != "" {
		fields = append(fields, zap.String("locale", rctx.Locale))
	}
	if rctx.TraceID != "" {
		fields = append(fields, zap.String("trace_id", rctx.TraceID))
	}
	return logger.With(fields...)
}

// ViewLogger scopes logger to one view and, when generation is non-zero, to
// one of its loads.
func ViewLogger(logger *zap.Logger, viewID string, generation uint64) *zap.Logger {
	fields := []zap.Field{zap.String("view_id", viewID)}
	if generation > 0 {
		fields = append(fields, zap.Uint64("generation", generation))
	}
	return logger.With(fields...)
}

// requestFields collects fields that handlers learn while serving a request,
// such as the view id and the load generation, for the access log line.
type requestFields struct {
	mu     sync.Mutex
	fields []zap.Field
}

// WithRequestFields prepares ctx to collect access log fields.
func WithRequestFields(ctx context.Context) context.Context {
	return context.WithValue(ctx, fieldsKey{}, &requestFields{})
}

// AddRequestFields appends fields to the request's access log line. It is a
// no-op when ctx was not prepared with WithRequestFields.
func AddRequestFields(ctx context.Context, fields ...zap.Field) {
	rf, ok := ctx.Value(fieldsKey{}).(*requestFields)
	if !ok {
		return
	}
	rf.mu.Lock()
	rf.fields = append(rf.fields, fields...)
	rf.mu.Unlock()
}

// RequestFields returns a copy of the fields added so far.
func RequestFields(ctx context.Context) []zap.Field {
	rf, ok := ctx.Value(fieldsKey{}).(*requestFields)
	if !ok {
		return nil
	}
	rf.mu.Lock()
	defer rf.mu.Unlock()
	return slices.Clone(rf.fields)
}
