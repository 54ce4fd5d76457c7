package observability

import (
	"github.com/smallbiznis/rebill/internal/observability/logger"
	"github.com/smallbiznis/rebill/internal/observability/metrics"
	"github.com/smallbiznis/rebill/internal/observability/tracing"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("observability",
	fx.Provide(
		LoadConfig,
		func(cfg Config) logger.Config {
			return logger.Config{
				ServiceName:         cfg.ServiceName,
				Environment:         cfg.Environment,
				Version:             cfg.Version,
				Level:               cfg.LogLevel,
				Format:              cfg.LogFormat,
				Debug:               cfg.Debug(),
				IncludeCaller:       true,
				IncludeStackOnError: cfg.Debug(),
			}
		},
		logger.New,
		func(cfg Config) tracing.Config {
			return tracing.Config{
				Enabled:          cfg.OtelEnabled,
				ServiceName:      cfg.ServiceName,
				ServiceVersion:   cfg.Version,
				Environment:      cfg.Environment,
				ExporterEndpoint: cfg.OtelExporterEndpoint,
				ExporterProtocol: cfg.OtelExporterProtocol,
				SamplingRatio:    cfg.OtelSamplingRatio,
			}
		},
		tracing.NewProvider,
		func(cfg Config) metrics.Config {
			return metrics.Config{
				Enabled:          cfg.OtelEnabled,
				ExporterEndpoint: cfg.OtelExporterEndpoint,
				ExporterProtocol: cfg.OtelExporterProtocol,
				ServiceName:      cfg.ServiceName,
				Environment:      cfg.Environment,
			}
		},
		metrics.NewProvider,
		metrics.New,
		metrics.NewHTTPMetrics,
	),
	fx.Invoke(start),
)

// start forces the tracer provider and scheduler collectors into existence before
// the first charge and announces which build is running.
func start(cfg Config, mcfg metrics.Config, _ *sdktrace.TracerProvider, log *zap.Logger) {
	metrics.SchedulerWithConfig(mcfg)
	log.Info("rebill starting",
		zap.String("service", cfg.ServiceName),
		zap.String("environment", cfg.Environment),
		zap.String("version", cfg.Version),
		zap.Bool("otel_enabled", cfg.OtelEnabled),
		zap.Bool("debug", cfg.Debug()),
	)
}
