package logger

import (
	"context"
	"os"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger 日志接口
type Logger interface {
	Debug(msg string, fields ...zap.Field)
	Info(msg string, fields ...zap.Field)
	Warn(msg string, fields ...zap.Field)
	Error(msg string, fields ...zap.Field)

	// *Context 方法附加 ctx 中的 trace_id、span_id、connection_id、user_id
	DebugContext(ctx context.Context, msg string, fields ...zap.Field)
	InfoContext(ctx context.Context, msg string, fields ...zap.Field)
	WarnContext(ctx context.Context, msg string, fields ...zap.Field)
	ErrorContext(ctx context.Context, msg string, fields ...zap.Field)

	With(fields ...zap.Field) Logger
	Named(name string) Logger
	Sync() error
	// SetLevel 运行时调整级别，对所有派生 Logger 生效
	SetLevel(level Level)
	Level() Level
	Zap() *zap.Logger
}

// logger 日志实现，子 Logger 共享 level
type logger struct {
	zap   *zap.Logger
	level zap.AtomicLevel
}

// New 按配置创建 Logger，config 为 nil 时使用零值配置
func New(config *Config) (Logger, error) {
	cfg := Config{}
	if config != nil {
		cfg = *config
	}
	cfg.normalize()

	level := zap.NewAtomicLevelAt(cfg.Level.toZapLevel())
	core := zapcore.NewCore(newEncoder(cfg.Format), newSyncer(&cfg), level)
	if cfg.Sampling != nil {
		tick, first, thereafter := cfg.Sampling.values()
		core = zapcore.NewSamplerWithOptions(core, tick, first, thereafter)
	}

	var opts []zap.Option
	if cfg.EnableCaller {
		// 跳过本包的包装方法
		opts = append(opts, zap.AddCaller(), zap.AddCallerSkip(1))
	}
	if cfg.EnableStacktrace {
		opts = append(opts, zap.AddStacktrace(zapcore.ErrorLevel))
	}
	if cfg.Name != "" {
		opts = append(opts, zap.Fields(zap.String("service", cfg.Name)))
	}
	return &logger{zap: zap.New(core, opts...), level: level}, nil
}

// NewFromZap 包装已有的 zap.Logger，测试中配合 observer 使用
func NewFromZap(z *zap.Logger) Logger {
	return &logger{zap: z, level: zap.NewAtomicLevelAt(z.Level())}
}

// NewNop 丢弃所有输出
func NewNop() Logger {
	return &logger{zap: zap.NewNop(), level: zap.NewAtomicLevelAt(zapcore.FatalLevel)}
}

func newEncoder(format Format) zapcore.Encoder {
	ec := zap.NewProductionEncoderConfig()
	ec.TimeKey = "ts"
	ec.EncodeTime = zapcore.ISO8601TimeEncoder
	ec.EncodeDuration = zapcore.MillisDurationEncoder
	if format == ConsoleFormat {
		ec.EncodeLevel = zapcore.CapitalColorLevelEncoder
		return zapcore.NewConsoleEncoder(ec)
	}
	return zapcore.NewJSONEncoder(ec)
}

func newSyncer(cfg *Config) zapcore.WriteSyncer {
	var out []zapcore.WriteSyncer
	if cfg.Console {
		out = append(out, zapcore.Lock(os.Stdout))
	}
	if cfg.Rotate != nil {
		out = append(out, zapcore.AddSync(cfg.Rotate.writer()))
	}
	if len(out) == 1 {
		return out[0]
	}
	return zapcore.NewMultiWriteSyncer(out...)
}

func (l *logger) Debug(msg string, fields ...zap.Field) { l.zap.Debug(msg, fields...) }
func (l *logger) Info(msg string, fields ...zap.Field)  { l.zap.Info(msg, fields...) }
func (l *logger) Warn(msg string, fields ...zap.Field)  { l.zap.Warn(msg, fields...) }
func (l *logger) Error(msg string, fields ...zap.Field) { l.zap.Error(msg, fields...) }

func (l *logger) DebugContext(ctx context.Context, msg string, fields ...zap.Field) {
	l.zap.Debug(msg, contextFields(ctx, fields)...)
}

func (l *logger) InfoContext(ctx context.Context, msg string, fields ...zap.Field) {
	l.zap.Info(msg, contextFields(ctx, fields)...)
}

func (l *logger) WarnContext(ctx context.Context, msg string, fields ...zap.Field) {
	l.zap.Warn(msg, contextFields(ctx, fields)...)
}

func (l *logger) ErrorContext(ctx context.Context, msg string, fields ...zap.Field) {
	l.zap.Error(msg, contextFields(ctx, fields)...)
}

func (l *logger) With(fields ...zap.Field) Logger {
	return &logger{zap: l.zap.With(fields...), level: l.level}
}

func (l *logger) Named(name string) Logger {
	return &logger{zap: l.zap.Named(name), level: l.level}
}

func (l *logger) Sync() error {
	return l.zap.Sync()
}

func (l *logger) SetLevel(level Level) {
	l.level.SetLevel(level.toZapLevel())
}

func (l *logger) Level() Level {
	return fromZapLevel(l.level.Level())
}

func (l *logger) Zap() *zap.Logger {
	return l.zap
}

func contextFields(ctx context.Context, fields []zap.Field) []zap.Field {
	if ctx == nil {
		return fields
	}
	out := make([]zap.Field, 0, len(fields)+4)

	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		out = append(out,
			zap.String("trace_id", sc.TraceID().String()),
			zap.String("span_id", sc.SpanID().String()),
		)
	}
	if id := ConnectionIDFromContext(ctx); id != "" {
		out = append(out, zap.String("connection_id", id))
	}
	if uid := UserIDFromContext(ctx); uid != "" {
		out = append(out, zap.String("user_id", uid))
	}

	return append(out, fields...)
}
