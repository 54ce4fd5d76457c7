package logger

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	obscontext "github.com/smallbiznis/rebill/internal/observability/context"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Config struct {
	ServiceName string
	Environment string
	Version     string
	Level       string
	Format      string
	Debug       bool

	// Sampling applies to debug and info entries only. Warnings and errors carry
	// declines and charge failures and are always written.
	SamplingInitial    int
	SamplingThereafter int
	SamplingWindow     time.Duration

	IncludeCaller       bool
	IncludeStackOnError bool
}

// New builds the process logger and installs it as the zap global so request
// scoped helpers can reach it.
func New(lc fx.Lifecycle, cfg Config) (*zap.Logger, error) {
	level := zap.NewAtomicLevelAt(zapcore.InfoLevel)
	if raw := strings.TrimSpace(cfg.Level); raw != "" {
		if err := level.UnmarshalText([]byte(raw)); err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", raw, err)
		}
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encoder := zapcore.NewJSONEncoder(encCfg)
	if strings.EqualFold(strings.TrimSpace(cfg.Format), "console") {
		encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encCfg)
	}

	out := zapcore.Lock(os.Stdout)
	chatty := zapcore.NewCore(encoder, out, zap.LevelEnablerFunc(func(l zapcore.Level) bool {
		return level.Enabled(l) && l < zapcore.WarnLevel
	}))
	urgent := zapcore.NewCore(encoder, out, zap.LevelEnablerFunc(func(l zapcore.Level) bool {
		return level.Enabled(l) && l >= zapcore.WarnLevel
	}))
	if !cfg.Debug {
		chatty = zapcore.NewSamplerWithOptions(chatty,
			positiveDuration(cfg.SamplingWindow, time.Second),
			positive(cfg.SamplingInitial, 100),
			positive(cfg.SamplingThereafter, 100),
		)
	}

	opts := []zap.Option{zap.ErrorOutput(zapcore.Lock(os.Stderr))}
	if cfg.IncludeCaller {
		opts = append(opts, zap.AddCaller())
	}
	if cfg.IncludeStackOnError {
		opts = append(opts, zap.AddStacktrace(zapcore.ErrorLevel))
	}

	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = "rebill"
	}
	log := zap.New(zapcore.NewTee(chatty, urgent), opts...).With(
		zap.String("service", name),
		zap.String("env", strings.TrimSpace(cfg.Environment)),
		zap.String("version", strings.TrimSpace(cfg.Version)),
	)
	zap.ReplaceGlobals(log)

	if lc != nil {
		lc.Append(fx.Hook{
			OnStop: func(context.Context) error {
				_ = log.Sync()
				return nil
			},
		})
	}
	return log, nil
}

func positive(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}

func positiveDuration(v, def time.Duration) time.Duration {
	if v > 0 {
		return v
	}
	return def
}

// FromContext returns the global logger carrying the request's correlation fields.
func FromContext(ctx context.Context) *zap.Logger {
	return WithContext(ctx, zap.L())
}

// WithContext adds request id, actor and trace ids when present. Empty values are
// omitted so scheduler logs stay compact.
func WithContext(ctx context.Context, base *zap.Logger) *zap.Logger {
	if ctx == nil || base == nil {
		return base
	}

	var fields []zap.Field
	if id := obscontext.RequestIDFromContext(ctx); id != "" {
		fields = append(fields, zap.String("request_id", id))
	}
	if actorType, actorID := obscontext.ActorFromContext(ctx); actorType != "" {
		fields = append(fields, zap.String("actor_type", actorType), zap.String("actor_id", actorID))
	}
	if sc := trace.SpanFromContext(ctx).SpanContext(); sc.IsValid() {
		fields = append(fields,
			zap.String("trace_id", sc.TraceID().String()),
			zap.String("span_id", sc.SpanID().String()),
		)
	}
	if len(fields) == 0 {
		return base
	}
	return base.With(fields...)
}

// WithSubscription scopes a logger to one subscription.
func WithSubscription(log *zap.Logger, subscriptionID string) *zap.Logger {
	if log == nil {
		return nil
	}
	return log.With(zap.String("subscription_id", strings.TrimSpace(subscriptionID)))
}
